package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/p2p-energy-trading/engine/pkg/client"
	"github.com/p2p-energy-trading/engine/pkg/wire"
)

// Poster sends a signed JSON body as a protocol role.
type Poster interface {
	PostJSON(ctx context.Context, role client.Role, url string, body, out any) error
}

// Publisher pushes the seller's catalog to a catalog discovery service.
type Publisher struct {
	catalog      *Catalog
	poster       Poster
	url          string
	participants wire.Participants
	logger       *slog.Logger
}

// NewPublisher returns nil when url is empty; a nil Publisher is a no-op.
func NewPublisher(cat *Catalog, poster Poster, url string, p wire.Participants, logger *slog.Logger) *Publisher {
	if url == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{catalog: cat, poster: poster, url: url, participants: p, logger: logger.With("component", "cds_publisher")}
}

// Publish signs the offers this node sells as the seller role and posts
// them.
func (p *Publisher) Publish(ctx context.Context) error {
	if p == nil {
		return nil
	}
	doc, err := p.catalog.Document(ctx, p.catalog.LocalOffers())
	if err != nil {
		return fmt.Errorf("render catalog: %w", err)
	}
	req := wire.BuildPublish(p.participants.Context(wire.ActionPublish, uuid.NewString(), time.Now()), doc)
	if err := p.poster.PostJSON(ctx, client.RoleBPP, p.url, req, nil); err != nil {
		p.logger.Error("catalog publish failed", "url", p.url, "error", err)
		return fmt.Errorf("publish catalog: %w", err)
	}
	p.logger.Info("catalog published", "url", p.url, "providers", len(doc.Providers))
	return nil
}
