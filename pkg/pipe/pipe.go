// Package pipe implements the tenant-scoped egress path for processed
// embeddings. Every embedding is projected into the tenant's private
// subspace before the core transform runs, and every result is checked for
// drift against the tenant's audited baseline on the way out. A drift
// violation quarantines the pipe permanently: there is no un-quarantine,
// recovery requires constructing a fresh pipe with a new baseline.
package pipe

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/adaptco/trustplane/pkg/vector"
)

// DefaultContaminationThreshold is the drift score above which a pipe
// quarantines itself.
const DefaultContaminationThreshold = 0.10

// Event states recorded by the pipe.
const (
	StateProcessed   = "MCP_PROCESSED"
	StateQuarantined = "MCP_QUARANTINED"
)

// ContaminationError is raised when drift exceeds the allowed threshold, or
// on any call against an already-quarantined pipe. Not retryable for the
// lifetime of the pipe instance.
type ContaminationError struct {
	Drift  float64
	Reason string
}

func (e *ContaminationError) Error() string {
	return "pipe: " + e.Reason
}

// EventSink receives the pipe's audit events.
type EventSink interface {
	AppendEvent(ctx context.Context, tenantID, executionID, state string, payload map[string]any) error
}

// MemorySink is a simple in-memory sink for integration tests and local runs.
type MemorySink struct {
	mu     sync.Mutex
	Events []SinkEvent
}

// SinkEvent is one recorded sink entry.
type SinkEvent struct {
	TenantID    string
	ExecutionID string
	State       string
	Payload     map[string]any
}

// AppendEvent records the event in memory.
func (s *MemorySink) AppendEvent(ctx context.Context, tenantID, executionID, state string, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, SinkEvent{TenantID: tenantID, ExecutionID: executionID, State: state, Payload: payload})
	return nil
}

// CoreResult is the output of the external core transform collaborator.
type CoreResult struct {
	ProcessedEmbedding vector.Vector
	ArbitrationScores  []float64
	ProtocolFeatures   map[string]any
	ExecutionHash      string
}

// CoreTransform is the external collaborator that processes a namespaced
// embedding. Its internals are outside this subsystem.
type CoreTransform interface {
	Process(ctx context.Context, namespaced vector.Vector) (CoreResult, error)
}

// BaselineLoader supplies a tenant baseline vector. Injected so the pipe's
// control flow is identical whether loading is synchronous or backed by
// remote storage.
type BaselineLoader func(ctx context.Context) (vector.Vector, error)

// TenantContext scopes a pipe to one tenant and its namespace vector.
type TenantContext struct {
	TenantID     string
	TenantVector vector.Vector
}

// ClientResult is the client-safe view of one processed embedding. It
// exposes only the top arbitration role indices, the protocol features and
// a truncated sovereignty hash — never the full execution hash.
type ClientResult struct {
	TenantID         string         `json:"tenant_id"`
	MiddlewareRoles  []int          `json:"middleware_roles"`
	ProtocolFeatures map[string]any `json:"protocol_features"`
	SovereigntyHash  string         `json:"sovereignty_hash"`
}

// NamespaceProject projects a raw embedding into a tenant-private subspace
// by elementwise multiplication with the L2-normalized tenant vector. Two
// tenants with different vectors project the same raw embedding into
// different subspaces, so a shared upstream model can never cause a
// cross-tenant collision. A nil tenant vector passes the embedding through.
func NamespaceProject(raw, tenantVector vector.Vector) (vector.Vector, error) {
	out := make(vector.Vector, len(raw))
	if tenantVector == nil {
		copy(out, raw)
		return out, nil
	}
	if len(tenantVector) != len(raw) {
		return nil, &vector.DimensionError{Want: len(raw), Got: len(tenantVector)}
	}
	normalized := vector.L2Normalize(tenantVector)
	for i := range raw {
		out[i] = raw[i] * normalized[i]
	}
	return out, nil
}

// Pipe is a tenant-scoped contamination-checked egress pipe.
type Pipe struct {
	ctx            TenantContext
	sink           EventSink
	core           CoreTransform
	baselineLoader BaselineLoader
	threshold      float64
	logger         *slog.Logger

	mu          sync.Mutex
	quarantined bool
	baseline    vector.Vector
}

// Option configures a Pipe.
type Option func(*Pipe)

// WithBaselineLoader injects an external baseline source.
func WithBaselineLoader(loader BaselineLoader) Option {
	return func(p *Pipe) { p.baselineLoader = loader }
}

// WithThreshold overrides the contamination threshold.
func WithThreshold(threshold float64) Option {
	return func(p *Pipe) { p.threshold = threshold }
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipe) { p.logger = logger }
}

// New creates a pipe for one tenant.
func New(ctx TenantContext, sink EventSink, core CoreTransform, opts ...Option) *Pipe {
	p := &Pipe{
		ctx:       ctx,
		sink:      sink,
		core:      core,
		threshold: DefaultContaminationThreshold,
		logger:    slog.Default().With("component", "pipe"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IsQuarantined reports whether the pipe has been permanently quarantined.
func (p *Pipe) IsQuarantined() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quarantined
}

// Process runs namespace projection, the core transform, and tenant-safe
// egress. A quarantined pipe fails immediately without recomputing drift.
func (p *Pipe) Process(ctx context.Context, raw vector.Vector) (ClientResult, error) {
	if p.IsQuarantined() {
		return ClientResult{}, &ContaminationError{Reason: "pipeline is quarantined"}
	}
	namespaced, err := NamespaceProject(raw, p.ctx.TenantVector)
	if err != nil {
		return ClientResult{}, err
	}
	result, err := p.core.Process(ctx, namespaced)
	if err != nil {
		return ClientResult{}, fmt.Errorf("pipe: core transform failed: %w", err)
	}
	return p.Egress(ctx, result)
}

// Egress verifies drift against the tenant baseline and formats the
// client-safe result. On first call it adopts the processed embedding as
// the baseline unless a loader was supplied.
func (p *Pipe) Egress(ctx context.Context, result CoreResult) (ClientResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.quarantined {
		return ClientResult{}, &ContaminationError{Reason: "pipeline is quarantined"}
	}

	baseline, err := p.loadBaselineLocked(ctx)
	if err != nil {
		return ClientResult{}, err
	}
	if baseline == nil {
		baseline = make(vector.Vector, len(result.ProcessedEmbedding))
		copy(baseline, result.ProcessedEmbedding)
		p.baseline = baseline
	}

	if len(baseline) != len(result.ProcessedEmbedding) {
		return ClientResult{}, &vector.DimensionError{Want: len(baseline), Got: len(result.ProcessedEmbedding)}
	}
	similarity, err := vector.Cosine(baseline, result.ProcessedEmbedding)
	if err != nil {
		return ClientResult{}, err
	}
	driftScore := 1.0 - similarity

	if driftScore > p.threshold {
		p.quarantined = true
		if err := p.sink.AppendEvent(ctx, p.ctx.TenantID, newPipeExecutionID(), StateQuarantined,
			map[string]any{"drift_score": driftScore}); err != nil {
			p.logger.WarnContext(ctx, "record quarantine event failed",
				"tenant_id", p.ctx.TenantID, "error", err)
		}
		return ClientResult{}, &ContaminationError{
			Drift:  driftScore,
			Reason: fmt.Sprintf("drift violation: %.4f", driftScore),
		}
	}

	topRoles := topKIndices(result.ArbitrationScores, 5)
	clientResult := ClientResult{
		TenantID:         p.ctx.TenantID,
		MiddlewareRoles:  topRoles,
		ProtocolFeatures: result.ProtocolFeatures,
		SovereigntyHash:  truncateHash(result.ExecutionHash, 16),
	}

	if err := p.sink.AppendEvent(ctx, p.ctx.TenantID, newPipeExecutionID(), StateProcessed, map[string]any{
		"mcp_result_hash":       result.ExecutionHash,
		"drift_score":           driftScore,
		"arbitration_top_roles": topRoles,
	}); err != nil {
		return ClientResult{}, fmt.Errorf("pipe: record processed event: %w", err)
	}

	return clientResult, nil
}

func (p *Pipe) loadBaselineLocked(ctx context.Context) (vector.Vector, error) {
	if p.baseline != nil {
		return p.baseline, nil
	}
	if p.baselineLoader == nil {
		return nil, nil
	}
	baseline, err := p.baselineLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipe: load baseline: %w", err)
	}
	p.baseline = baseline
	return baseline, nil
}

// topKIndices returns the indices of the k highest scores, descending.
func topKIndices(scores []float64, k int) []int {
	indices := make([]int, len(scores))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(a, b int) bool {
		return scores[indices[a]] > scores[indices[b]]
	})
	if k > len(indices) {
		k = len(indices)
	}
	return indices[:k]
}

func truncateHash(hash string, n int) string {
	if len(hash) <= n {
		return hash
	}
	return hash[:n]
}

func newPipeExecutionID() string {
	return "mcp-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}
