// Package observability provides OpenTelemetry metrics for the trust core:
// ledger appends, quarantines, drift-gate rejections and dataset exports.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the counters incremented by the core packages. A nil
// *Metrics is valid and records nothing, so instrumentation is optional at
// every call site.
type Metrics struct {
	ledgerAppends  metric.Int64Counter
	quarantines    metric.Int64Counter
	driftRejects   metric.Int64Counter
	datasetExports metric.Int64Counter
}

// New creates Metrics on the given meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.ledgerAppends, err = meter.Int64Counter("trustplane.ledger.appends",
		metric.WithDescription("Ledger events appended")); err != nil {
		return nil, fmt.Errorf("observability: create counter: %w", err)
	}
	if m.quarantines, err = meter.Int64Counter("trustplane.pipe.quarantines",
		metric.WithDescription("Contamination quarantines entered")); err != nil {
		return nil, fmt.Errorf("observability: create counter: %w", err)
	}
	if m.driftRejects, err = meter.Int64Counter("trustplane.export.drift_rejections",
		metric.WithDescription("Exports refused by the drift gate")); err != nil {
		return nil, fmt.Errorf("observability: create counter: %w", err)
	}
	if m.datasetExports, err = meter.Int64Counter("trustplane.export.datasets",
		metric.WithDescription("LoRA datasets exported")); err != nil {
		return nil, fmt.Errorf("observability: create counter: %w", err)
	}
	return m, nil
}

// NewWithProvider creates Metrics on a fresh SDK meter provider. Callers
// owning an existing provider should use New instead.
func NewWithProvider() (*Metrics, *sdkmetric.MeterProvider, error) {
	provider := sdkmetric.NewMeterProvider()
	m, err := New(provider.Meter("trustplane.core"))
	if err != nil {
		return nil, nil, err
	}
	return m, provider, nil
}

// LedgerAppend records one ledger append for a tenant.
func (m *Metrics) LedgerAppend(ctx context.Context, tenantID string, state string) {
	if m == nil {
		return
	}
	m.ledgerAppends.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("state", state),
	))
}

// Quarantine records one quarantine event.
func (m *Metrics) Quarantine(ctx context.Context, tenantID string) {
	if m == nil {
		return
	}
	m.quarantines.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant_id", tenantID)))
}

// DriftRejection records one drift-gate refusal.
func (m *Metrics) DriftRejection(ctx context.Context, tenantID string) {
	if m == nil {
		return
	}
	m.driftRejects.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant_id", tenantID)))
}

// DatasetExport records one successful dataset export.
func (m *Metrics) DatasetExport(ctx context.Context, tenantID string) {
	if m == nil {
		return
	}
	m.datasetExports.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant_id", tenantID)))
}
