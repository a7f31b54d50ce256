package wire

import "github.com/p2p-energy-trading/engine/pkg/contracts"

// Descriptor names a catalog entity for display.
type Descriptor struct {
	Name string `json:"name"`
}

// CatalogOffer is an offer as listed in discovery results. Available is the
// ledger's current AVAILABLE block count.
type CatalogOffer struct {
	ID          string                `json:"id"`
	ItemID      string                `json:"item_id"`
	Price       contracts.Price       `json:"price"`
	MaxQuantity int                   `json:"max_quantity"`
	Available   int                   `json:"available"`
	TimeWindow  *contracts.TimeWindow `json:"time_window,omitempty"`
	Attributes  map[string]string     `json:"attributes,omitempty"`
	Stats       *contracts.BlockStats `json:"block_stats,omitempty"`
}

type CatalogItem struct {
	ID           string         `json:"id"`
	SourceType   string         `json:"source_type"`
	DeliveryMode string         `json:"delivery_mode,omitempty"`
	Offers       []CatalogOffer `json:"offers"`
}

type CatalogProvider struct {
	ID         string        `json:"id"`
	Descriptor Descriptor    `json:"descriptor"`
	TrustScore float64       `json:"trust_score"`
	Items      []CatalogItem `json:"items"`
}

type Catalog struct {
	Providers []CatalogProvider `json:"providers"`
}

// PublishRequest carries a seller's catalog to the discovery service.
type PublishRequest struct {
	Context Context `json:"context"`
	Message struct {
		Catalogs []Catalog `json:"catalogs"`
	} `json:"message"`
}

// BuildPublish wraps catalog in a catalog_publish envelope.
func BuildPublish(c Context, catalog Catalog) PublishRequest {
	c.Action = ActionPublish
	req := PublishRequest{Context: c}
	req.Message.Catalogs = []Catalog{catalog}
	return req
}
