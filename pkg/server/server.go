// Package server exposes the trading flow over HTTP: the buyer-facing JSON
// API under /api and the signed protocol endpoints under /bpp.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/p2p-energy-trading/engine/pkg/api"
	"github.com/p2p-energy-trading/engine/pkg/auth"
	"github.com/p2p-energy-trading/engine/pkg/catalog"
	"github.com/p2p-energy-trading/engine/pkg/flow"
	"github.com/p2p-energy-trading/engine/pkg/registry"
	"github.com/p2p-energy-trading/engine/pkg/wire"
)

const maxBodyBytes = 1 << 20

// KeyStore persists subscriber keys registered through the API.
type KeyStore interface {
	Save(ctx context.Context, keyID, publicKeyB64 string) error
}

// Server holds the HTTP surface of one node.
type Server struct {
	flow         *flow.Service
	filters      *catalog.FilterEngine
	keys         *registry.KeyRegistry
	keyStore     KeyStore
	verifier     *auth.SignatureVerifier
	admin        *auth.JWTValidator
	gate         *wire.VersionGate
	participants wire.Participants
	publisher    *catalog.Publisher
	limiter      *api.RateLimiter
	idempotency  api.IdempotencyStore
	corsOrigins  []string
	logger       *slog.Logger
	now          func() time.Time
}

type Option func(*Server)

func WithFilterEngine(f *catalog.FilterEngine) Option {
	return func(s *Server) { s.filters = f }
}

// WithKeyRegistry enables the key registration endpoints. store may be nil.
func WithKeyRegistry(reg *registry.KeyRegistry, store KeyStore) Option {
	return func(s *Server) {
		s.keys = reg
		s.keyStore = store
	}
}

// WithAdminAuth sets the validator for operator tokens. Catalog, delivery
// and key management routes are always gated; without a validator they
// refuse every request.
func WithAdminAuth(v *auth.JWTValidator) Option {
	return func(s *Server) { s.admin = v }
}

// WithVerifier gates the /bpp routes. Without it they are not mounted.
func WithVerifier(v *auth.SignatureVerifier) Option {
	return func(s *Server) { s.verifier = v }
}

func WithVersionGate(g *wire.VersionGate) Option {
	return func(s *Server) { s.gate = g }
}

// WithParticipants sets the identity written into protocol replies.
func WithParticipants(p wire.Participants) Option {
	return func(s *Server) { s.participants = p }
}

func WithPublisher(p *catalog.Publisher) Option {
	return func(s *Server) { s.publisher = p }
}

func WithRateLimiter(rl *api.RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithIdempotency replays cached responses for POSTs that repeat an
// Idempotency-Key, so retried peer calls do not claim or confirm twice.
func WithIdempotency(store api.IdempotencyStore) Option {
	return func(s *Server) { s.idempotency = store }
}

func WithCORS(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l.With("component", "server") }
}

func New(fl *flow.Service, opts ...Option) *Server {
	s := &Server{
		flow:   fl,
		logger: slog.Default().With("component", "server"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(auth.RequestIDMiddleware)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	if len(s.corsOrigins) > 0 {
		r.Use(auth.CORSMiddleware(s.corsOrigins))
	}
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		api.WriteNotFound(w, "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		api.WriteMethodNotAllowed(w)
	})

	r.Get("/health", s.handleHealth)

	idem := func(next http.Handler) http.Handler { return next }
	if s.idempotency != nil {
		idem = api.IdempotencyMiddleware(s.idempotency, s.logger)
	}

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(idem)
			r.Post("/discover", s.handleDiscover)
			r.Post("/select", s.handleSelect)
			r.Post("/init", s.handleInit)
			r.Post("/confirm", s.handleConfirm)
			r.Post("/cancel", s.handleCancel)
			r.Get("/transactions/{id}", s.handleTransaction)
			r.Get("/orders/{id}/status", s.handleOrderStatus)
			r.Get("/providers/{id}", s.handleProvider)
			r.Get("/offers", s.handleListOffers)
			r.Get("/offers/{id}/blocks", s.handleOfferBlocks)
		})

		// Operator routes authenticate before the idempotency cache so a
		// replay never answers an unauthenticated caller.
		r.Group(func(r chi.Router) {
			r.Use(auth.NewBearerMiddleware(s.admin, auth.RoleOperator))
			r.Use(idem)
			r.Post("/orders/{id}/delivery", s.handleDelivery)
			r.Put("/providers", s.handleUpsertProvider)
			r.Put("/items", s.handleUpsertItem)
			r.Post("/offers", s.handleCreateOffer)
			r.Delete("/offers/{id}", s.handleDeleteOffer)
			r.Post("/catalog/publish", s.handlePublish)
		})

		if s.keys != nil {
			r.Get("/registry/keys", s.handleListKeys)
			r.With(auth.NewBearerMiddleware(s.admin, auth.RoleKeyAdmin), idem).Post("/registry/keys", s.handleRegisterKey)
		}
	})

	if s.verifier != nil {
		r.Route("/bpp", func(r chi.Router) {
			r.Use(s.verifier.Middleware)
			r.Use(idem)
			r.Post("/select", s.handleBPPSelect)
			r.Post("/init", s.handleBPPInit)
			r.Post("/confirm", s.handleBPPConfirm)
			r.Post("/status", s.handleBPPStatus)
		})
	}
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		auth.LoggerFrom(r.Context(), s.logger).Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]string{"status": "ok"}
	if s.gate != nil {
		resp["protocol_version"] = s.gate.Current()
	}
	api.WriteJSON(w, http.StatusOK, resp)
}
