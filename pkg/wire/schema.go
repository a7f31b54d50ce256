package wire

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const envelopeSchemaURL = "https://p2p-energy-trading.org/schemas/envelope.schema.json"

const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["context", "message"],
  "properties": {
    "context": {
      "type": "object",
      "required": ["domain", "action", "version", "transaction_id", "message_id", "timestamp"],
      "properties": {
        "domain": {"type": "string", "minLength": 1},
        "action": {"type": "string", "minLength": 1},
        "version": {"type": "string", "minLength": 1},
        "transaction_id": {"type": "string", "minLength": 1},
        "message_id": {"type": "string", "minLength": 1},
        "timestamp": {"type": "string", "format": "date-time"}
      }
    },
    "message": {
      "type": "object",
      "properties": {
        "order": {"$ref": "#/$defs/order"},
        "catalogs": {"type": "array"}
      }
    }
  },
  "$defs": {
    "order": {
      "type": "object",
      "required": ["@type"],
      "properties": {
        "@type": {"const": "beckn:Order"},
        "beckn:orderItems": {"type": "array", "items": {"$ref": "#/$defs/orderItem"}}
      }
    },
    "orderItem": {
      "type": "object",
      "required": ["@type", "beckn:orderedItem", "beckn:quantity"],
      "properties": {
        "@type": {"const": "beckn:OrderItem"},
        "beckn:orderedItem": {"type": "string", "minLength": 1},
        "beckn:quantity": {"$ref": "#/$defs/quantity"}
      }
    },
    "quantity": {
      "type": "object",
      "required": ["unitQuantity", "unitText"],
      "properties": {
        "unitQuantity": {"type": "number", "exclusiveMinimum": 0},
        "unitText": {"type": "string"}
      }
    }
  }
}`

var compileEnvelope = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(envelopeSchemaURL, strings.NewReader(envelopeSchema)); err != nil {
		return nil, fmt.Errorf("envelope schema load failed: %w", err)
	}
	return c.Compile(envelopeSchemaURL)
})

// ValidateEnvelope checks raw JSON against the protocol envelope schema.
func ValidateEnvelope(data []byte) error {
	schema, err := compileEnvelope()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return nil
}
