package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Trading semantic convention attributes.
var (
	AttrOperation     = attribute.Key("energy.operation")
	AttrTransactionID = attribute.Key("energy.transaction.id")
	AttrOrderID       = attribute.Key("energy.order.id")
	AttrOfferID       = attribute.Key("energy.offer.id")
	AttrProviderID    = attribute.Key("energy.provider.id")
	AttrQuantity      = attribute.Key("energy.quantity_kwh")

	AttrSignatureKeyID  = attribute.Key("energy.signature.key_id")
	AttrSignatureResult = attribute.Key("energy.signature.result")
)

// TransactionOperation creates attributes for a flow step on one transaction.
func TransactionOperation(transactionID string, quantity int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTransactionID.String(transactionID),
		AttrQuantity.Int(quantity),
	}
}

// OrderOperation creates attributes for a step on one order.
func OrderOperation(transactionID, orderID, providerID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTransactionID.String(transactionID),
		AttrOrderID.String(orderID),
		AttrProviderID.String(providerID),
	}
}

// SignatureOperation creates attributes for a verification outcome.
func SignatureOperation(keyID, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSignatureKeyID.String(keyID),
		AttrSignatureResult.String(result),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
