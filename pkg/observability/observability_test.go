package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "energy-node", config.ServiceName)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
	require.True(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NotNil(t, p.Tracer())
}

func TestNewProviderWithNilConfig(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestTrackOperation(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	newCtx, finish := p.TrackOperation(context.Background(), "flow.select",
		TransactionOperation("txn-1", 15)...)
	require.NotNil(t, newCtx)
	time.Sleep(time.Millisecond)
	finish(nil)

	_, finish = p.TrackOperation(context.Background(), "flow.confirm")
	finish(errors.New("claim lost"))
}

func TestNilProviderIsNoop(t *testing.T) {
	var p *Provider
	ctx := context.Background()
	got, finish := p.TrackOperation(ctx, "flow.init")
	require.Equal(t, ctx, got)
	finish(nil)
	p.RecordClaim(ctx, "offer-1", 3)
	p.RecordDelivery(ctx, "sunny", 5, 10, 0.4)
	p.RecordSignature(ctx, "verified")
}

func TestRecordMetrics(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()
	p.RecordRequest(ctx, attribute.String("test", "value"))
	p.RecordError(ctx, errors.New("test"), attribute.String("test", "value"))
	p.RecordDuration(ctx, 100*time.Millisecond, attribute.String("test", "value"))
	p.RecordClaim(ctx, "offer-1", 2)
}

func TestShutdown(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestTransactionOperation(t *testing.T) {
	attrs := TransactionOperation("txn-1", 15)
	require.Len(t, attrs, 2)
	require.Equal(t, "energy.transaction.id", string(attrs[0].Key))
	require.Equal(t, int64(15), attrs[1].Value.AsInt64())
}

func TestOrderOperation(t *testing.T) {
	attrs := OrderOperation("txn-1", "order-9", "sunny")
	require.Len(t, attrs, 3)
	require.Equal(t, "energy.order.id", string(attrs[1].Key))
	require.Equal(t, "sunny", attrs[2].Value.AsString())
}

func TestSignatureOperation(t *testing.T) {
	attrs := SignatureOperation("bap.example|k1|ed25519", "SIGNATURE_INVALID")
	require.Equal(t, "energy.signature.result", string(attrs[1].Key))
}

func TestAddSpanEvent(t *testing.T) {
	AddSpanEvent(context.Background(), "blocks.claimed", AttrOfferID.String("offer-1"))
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "want int64 sum, got %T", data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMarketMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	p, err := NewWithMeter(mp.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	p.RecordClaim(ctx, "offer-1", 4)
	p.RecordClaim(ctx, "offer-2", 0)
	p.RecordDelivery(ctx, "sunny", 7, 10, 0.42)
	p.RecordDelivery(ctx, "windy", 12, 10, 0.61)
	p.RecordSignature(ctx, "verified")
	p.RecordSignature(ctx, "SIGNATURE_INVALID")
	_, finish := p.TrackOperation(ctx, "flow.confirm")
	finish(errors.New("claim lost"))

	got := collect(t, reader)
	require.Equal(t, int64(4), sumOf(t, got["energy.blocks.claimed"]))
	require.Equal(t, int64(17), sumOf(t, got["energy.delivered"]), "over-delivery is capped at the contract")
	require.Equal(t, int64(3), sumOf(t, got["energy.shortfall"]))
	require.Equal(t, int64(2), sumOf(t, got["energy.signatures.total"]))
	require.Equal(t, int64(1), sumOf(t, got["energy.errors.total"]))
	require.Equal(t, int64(0), sumOf(t, got["energy.operations.active"]))

	hist, ok := got["energy.provider.trust_score"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 2)
}
