// Package scenario orchestrates the lifecycle of one execution: deterministic
// dimensional projection, hash-chained scenario envelopes, retrieval-context
// construction, and drift-gated LoRA dataset export. Every mutation is
// recorded in the execution's ledger chain and mirrored to the forensic log,
// and no export proceeds on history that cannot be re-verified.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/adaptco/trustplane/pkg/canonicalize"
	"github.com/adaptco/trustplane/pkg/drift"
	"github.com/adaptco/trustplane/pkg/forensic"
	"github.com/adaptco/trustplane/pkg/ledger"
	"github.com/adaptco/trustplane/pkg/observability"
	"github.com/adaptco/trustplane/pkg/projection"
	"github.com/adaptco/trustplane/pkg/vector"
)

var (
	// ErrUnknownExecution is returned for an execution id the registry does
	// not track. Caller-class error: retrying without a new id cannot help.
	ErrUnknownExecution = errors.New("scenario: unknown execution_id")

	// ErrExecutionExists is returned when scenario creation reuses an id.
	ErrExecutionExists = errors.New("scenario: execution_id already exists")
)

// ExecutionRecord is the registry entry for one execution. Created once on
// scenario creation, then only appended to; all mutation happens under the
// record's lock.
type ExecutionRecord struct {
	mu sync.Mutex

	TenantID  string
	ClientID  string
	Baseline  vector.Vector
	Envelopes []Envelope
	Events    []ledger.Event
	Corpus    []CorpusChunk
}

// Service is the stateful runtime integration layer for scenario, RAG and
// LoRA paths. The execution registry is owned by the service instance —
// never a package global — so tests construct isolated instances.
//
// Locking is striped: the registry mutex is held only to fetch or create a
// record; the record's own mutex serializes the remainder of the operation,
// so sequence ids are assigned and head hashes read under one lock.
type Service struct {
	mu      sync.Mutex
	records map[string]*ExecutionRecord

	projector *projection.Projector
	simulator Simulator
	forensics forensic.Logger
	mirror    ledger.EventStore
	locker    ExecutionLocker
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// ExecutionLocker serializes cross-process writers on one execution.
// *ledger.RedisExecutionLock satisfies it; single-process deployments run
// without one, relying on the in-process record locks alone.
type ExecutionLocker interface {
	Acquire(ctx context.Context, tenantID, executionID string) (func(context.Context) error, error)
}

// Option configures a Service.
type Option func(*Service)

// WithSimulator injects the simulation/judge collaborator.
func WithSimulator(sim Simulator) Option {
	return func(s *Service) { s.simulator = sim }
}

// WithForensicLogger injects the out-of-band forensic NDJSON logger.
func WithForensicLogger(logger forensic.Logger) Option {
	return func(s *Service) { s.forensics = logger }
}

// WithEventStore mirrors every ledger append into a durable event store.
func WithEventStore(store ledger.EventStore) Option {
	return func(s *Service) { s.mirror = store }
}

// WithMetrics injects observability counters.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Service) { s.metrics = metrics }
}

// WithExecutionLocker adds a distributed lease around dataset finalization.
func WithExecutionLocker(locker ExecutionLocker) Option {
	return func(s *Service) { s.locker = locker }
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a service with an empty execution registry.
func NewService(opts ...Option) *Service {
	s := &Service{
		records:   make(map[string]*ExecutionRecord),
		projector: projection.NewProjector(),
		forensics: forensic.Nop(),
		logger:    slog.Default().With("component", "scenario"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateScenarioRequest carries the inputs for scenario creation.
type CreateScenarioRequest struct {
	TenantID     string
	ClientID     string
	Tokens       vector.Vector
	RuntimeHints map[string]any
	ExecutionID  string
}

// CreateScenario projects the token vector onto the target manifold, seeds
// the runtime via the simulation collaborator (degrading to a fallback
// state on any collaborator failure), derives the execution corpus, and
// registers the execution with its initial envelope and RUNNING event.
func (s *Service) CreateScenario(ctx context.Context, req CreateScenarioRequest) (Envelope, error) {
	executionID := req.ExecutionID
	if executionID == "" {
		executionID = newExecutionID()
	}

	projected, meta, err := s.projector.Project(req.Tokens)
	if err != nil {
		return Envelope{}, err
	}

	envelope, err := s.buildInitialEnvelope(ctx, req.TenantID, executionID, req.RuntimeHints, meta)
	if err != nil {
		return Envelope{}, err
	}

	corpus, err := buildCorpus(&envelope)
	if err != nil {
		return Envelope{}, err
	}

	record := &ExecutionRecord{
		TenantID:  req.TenantID,
		ClientID:  req.ClientID,
		Baseline:  projected,
		Envelopes: []Envelope{envelope},
		Corpus:    corpus,
	}

	s.mu.Lock()
	if _, exists := s.records[executionID]; exists {
		s.mu.Unlock()
		return Envelope{}, fmt.Errorf("%w: %s", ErrExecutionExists, executionID)
	}
	s.records[executionID] = record
	record.mu.Lock()
	s.mu.Unlock()
	defer record.mu.Unlock()

	if err := s.appendEventLocked(ctx, record, executionID, ledger.StateRunning, map[string]any{
		"stage":         "scenario_created",
		"envelope_hash": envelope.HashCurrent,
		"embedding_dim": envelope.EmbeddingDim,
	}); err != nil {
		return Envelope{}, err
	}
	s.recordForensic(envelope, "scenario_created")

	s.logger.InfoContext(ctx, "scenario created",
		"tenant_id", req.TenantID, "execution_id", executionID, "embedding_dim", envelope.EmbeddingDim)
	return envelope, nil
}

// BuildRAGContext ranks the execution's corpus against the query vector (or
// the baseline when no query tokens are supplied) and chains a new envelope
// holding the retrieval context. Identical inputs against an unchanged
// corpus yield identical chunk ordering and hashes.
func (s *Service) BuildRAGContext(ctx context.Context, executionID string, topK int, queryTokens vector.Vector) (Envelope, error) {
	record, err := s.record(executionID)
	if err != nil {
		return Envelope{}, err
	}

	record.mu.Lock()
	defer record.mu.Unlock()
	return s.buildRAGLocked(ctx, record, executionID, topK, queryTokens)
}

func (s *Service) buildRAGLocked(ctx context.Context, record *ExecutionRecord, executionID string, topK int, queryTokens vector.Vector) (Envelope, error) {
	current := &record.Envelopes[len(record.Envelopes)-1]

	queryVector := record.Baseline
	if len(queryTokens) > 0 {
		projected, _, err := s.projector.Project(queryTokens)
		if err != nil {
			return Envelope{}, err
		}
		queryVector = projected
	}
	queryHash := vector.Hash(queryVector)

	type ranked struct {
		score float64
		chunk CorpusChunk
	}
	scores := make([]ranked, 0, len(record.Corpus))
	for _, chunk := range record.Corpus {
		score, err := vector.Dot(queryVector, chunk.Embedding)
		if err != nil {
			return Envelope{}, err
		}
		scores = append(scores, ranked{score: score, chunk: chunk})
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	keep := max(1, topK)
	if keep > len(scores) {
		keep = len(scores)
	}
	selected := scores[:keep]

	chunks := make([]RetrievalChunk, 0, len(selected))
	chunkIDs := make([]string, 0, len(selected))
	roundedScores := make([]float64, 0, len(selected))
	for _, item := range selected {
		chunks = append(chunks, RetrievalChunk{
			ChunkID:       item.chunk.ChunkID,
			Text:          item.chunk.Text,
			Score:         item.score,
			EmbeddingHash: vector.Hash(item.chunk.Embedding),
			Metadata:      item.chunk.Metadata,
		})
		chunkIDs = append(chunkIDs, item.chunk.ChunkID)
		roundedScores = append(roundedScores, round8(item.score))
	}

	retrievalHash, err := canonicalize.CanonicalHash(map[string]any{
		"query_hash": queryHash,
		"chunk_ids":  chunkIDs,
		"scores":     roundedScores,
	})
	if err != nil {
		return Envelope{}, err
	}

	retrieval := RetrievalContext{
		QueryHash: queryHash,
		Chunks:    chunks,
		Provenance: map[string]any{
			"source_envelope_hash": current.HashCurrent,
			"retrieval_hash":       retrievalHash,
		},
	}

	next, err := current.derive(retrieval, current.LoRACandidates)
	if err != nil {
		return Envelope{}, err
	}
	record.Envelopes = append(record.Envelopes, next)

	if err := s.appendEventLocked(ctx, record, executionID, ledger.StateRunning, map[string]any{
		"stage":          "rag_context",
		"envelope_hash":  next.HashCurrent,
		"retrieval_hash": retrievalHash,
	}); err != nil {
		return Envelope{}, err
	}
	s.recordForensic(next, "rag_context")
	return next, nil
}

// DriftSummary summarizes the export drift gate outcome.
type DriftSummary struct {
	Passed bool    `json:"passed"`
	Reason string  `json:"reason"`
	PValue float64 `json:"pvalue"`
}

// DatasetResult is the outcome of a successful LoRA dataset export.
type DatasetResult struct {
	ExecutionID   string          `json:"execution_id"`
	TenantID      string          `json:"tenant_id"`
	DatasetCommit string          `json:"dataset_commit"`
	Drift         DriftSummary    `json:"drift"`
	LoRADataset   []LoRACandidate `json:"lora_dataset"`
	Envelope      Envelope        `json:"envelope"`
}

// BuildLoRADataset exports the execution's training rows. Export is
// irreversible, so it is double-gated: the full ledger chain must
// re-verify, and the candidate vector must pass the KS drift gate against
// the audited baseline. After the FINALIZED append the chain is verified
// once more; a failure there is an internal-consistency defect, not a
// normal rejection.
func (s *Service) BuildLoRADataset(ctx context.Context, executionID string, pvalueThreshold float64, candidateTokens vector.Vector) (DatasetResult, error) {
	record, err := s.record(executionID)
	if err != nil {
		return DatasetResult{}, err
	}

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, record.TenantID, executionID)
		if err != nil {
			return DatasetResult{}, fmt.Errorf("scenario: acquire execution lease: %w", err)
		}
		defer func() {
			if err := release(ctx); err != nil {
				s.logger.Warn("release execution lease failed", "execution_id", executionID, "error", err)
			}
		}()
	}

	record.mu.Lock()
	defer record.mu.Unlock()

	if len(record.Envelopes[len(record.Envelopes)-1].RetrievalContext.Chunks) == 0 {
		if _, err := s.buildRAGLocked(ctx, record, executionID, 5, nil); err != nil {
			return DatasetResult{}, err
		}
	}

	if result := ledger.Verify(record.Events); !result.Valid {
		return DatasetResult{}, &ledger.LineageError{ExecutionID: executionID, Reason: result.Reason}
	}

	candidateVector := record.Baseline
	if len(candidateTokens) > 0 {
		projected, _, err := s.projector.Project(candidateTokens)
		if err != nil {
			return DatasetResult{}, err
		}
		candidateVector = projected
	}

	gateResult, err := drift.Gate(record.Baseline, candidateVector, pvalueThreshold)
	if err != nil {
		return DatasetResult{}, err
	}
	if !gateResult.Passed {
		s.metrics.DriftRejection(ctx, record.TenantID)
		return DatasetResult{}, &drift.GateError{Reason: gateResult.Reason, PValue: gateResult.KS.PValue}
	}

	current := &record.Envelopes[len(record.Envelopes)-1]
	candidates, err := buildLoRACandidates(current)
	if err != nil {
		return DatasetResult{}, err
	}

	next, err := current.derive(current.RetrievalContext, candidates)
	if err != nil {
		return DatasetResult{}, err
	}
	record.Envelopes = append(record.Envelopes, next)

	datasetCommit, err := canonicalize.CanonicalHash(map[string]any{"rows": candidates})
	if err != nil {
		return DatasetResult{}, err
	}

	if err := s.appendEventLocked(ctx, record, executionID, ledger.StateFinalized, map[string]any{
		"stage":           "lora_dataset",
		"envelope_hash":   next.HashCurrent,
		"dataset_commit":  datasetCommit,
		"candidate_count": len(candidates),
	}); err != nil {
		return DatasetResult{}, err
	}
	s.recordForensic(next, "lora_dataset")

	if result := ledger.Verify(record.Events); !result.Valid {
		return DatasetResult{}, &ledger.InternalConsistencyError{ExecutionID: executionID, Reason: result.Reason}
	}

	s.metrics.DatasetExport(ctx, record.TenantID)
	s.logger.InfoContext(ctx, "lora dataset exported",
		"tenant_id", record.TenantID, "execution_id", executionID,
		"dataset_commit", datasetCommit, "candidate_count", len(candidates))

	return DatasetResult{
		ExecutionID:   executionID,
		TenantID:      record.TenantID,
		DatasetCommit: datasetCommit,
		Drift: DriftSummary{
			Passed: gateResult.Passed,
			Reason: gateResult.Reason,
			PValue: gateResult.KS.PValue,
		},
		LoRADataset: candidates,
		Envelope:    next,
	}, nil
}

// VerifySummary is the externally exposed audit result for one execution.
type VerifySummary struct {
	Valid       bool   `json:"valid"`
	ExecutionID string `json:"execution_id"`
	TenantID    string `json:"tenant_id"`
	EventCount  int    `json:"event_count"`
	HashHead    string `json:"hash_head,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// VerifyExecution replays the execution's stored events through the ledger
// verifier. The only externally exposed audit primitive.
func (s *Service) VerifyExecution(executionID string) (VerifySummary, error) {
	record, err := s.record(executionID)
	if err != nil {
		return VerifySummary{}, err
	}

	record.mu.Lock()
	defer record.mu.Unlock()

	result := ledger.Verify(record.Events)
	summary := VerifySummary{
		Valid:       result.Valid,
		ExecutionID: executionID,
		TenantID:    record.TenantID,
		EventCount:  result.EventCount,
	}
	if result.Valid {
		summary.HashHead = result.HeadHash
	} else {
		summary.Reason = result.Reason
	}
	return summary, nil
}

// Events returns a copy of an execution's ledger events.
func (s *Service) Events(executionID string) ([]ledger.Event, error) {
	record, err := s.record(executionID)
	if err != nil {
		return nil, err
	}
	record.mu.Lock()
	defer record.mu.Unlock()
	out := make([]ledger.Event, len(record.Events))
	copy(out, record.Events)
	return out, nil
}

func (s *Service) record(executionID string) (*ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExecution, executionID)
	}
	return record, nil
}

// buildInitialEnvelope seeds the runtime state via the simulator, degrading
// to a fallback state on any collaborator failure: an auditable degraded
// scenario beats a lost ledger entry.
func (s *Service) buildInitialEnvelope(ctx context.Context, tenantID, executionID string, hints map[string]any, meta *projection.Metadata) (Envelope, error) {
	agentName := stringHint(hints, "agent_name", tenantID)
	action := stringHint(hints, "action", "navigate safely")
	preset := stringHint(hints, "preset", "simulation")

	var runtimeState map[string]any
	var trace []TraceRecord

	result, err := s.simulate(ctx, SimulationRequest{
		TenantID:  tenantID,
		AgentName: agentName,
		Action:    action,
		Preset:    preset,
		Hints:     hints,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "simulation collaborator failed, using fallback state",
			"tenant_id", tenantID, "execution_id", executionID, "error", err)
		runtimeState = map[string]any{
			"preset":     preset,
			"agent_name": agentName,
			"fallback":   true,
			"error":      err.Error(),
		}
		trace = []TraceRecord{{
			Stage:     "scenario_synthesis",
			EventType: "fallback_state",
			Payload:   map[string]any{"error": err.Error()},
		}}
	} else {
		runtimeState = result.RuntimeState
		trace = result.ScenarioTrace
	}

	envelope := Envelope{
		SchemaVersion:      SchemaVersion,
		TenantID:           tenantID,
		ExecutionID:        executionID,
		RuntimeState:       runtimeState,
		ScenarioTrace:      trace,
		RetrievalContext:   RetrievalContext{Provenance: map[string]any{}},
		LoRACandidates:     []LoRACandidate{},
		EmbeddingDim:       projection.TargetDim,
		ProjectionMetadata: meta,
		Timestamp:          nowISO(),
	}
	if err := envelope.seal(); err != nil {
		return Envelope{}, err
	}
	return envelope, nil
}

func (s *Service) simulate(ctx context.Context, req SimulationRequest) (SimulationResult, error) {
	if s.simulator == nil {
		return SimulationResult{}, errors.New("simulator not configured")
	}
	return s.simulator.Simulate(ctx, req)
}

// appendEventLocked extends the execution's chain. Callers hold the record
// lock, so the head hash can never go stale between read and append.
func (s *Service) appendEventLocked(ctx context.Context, record *ExecutionRecord, executionID string, state ledger.State, payload map[string]any) error {
	event, err := ledger.NextEvent(record.Events, record.TenantID, executionID, state, payload)
	if err != nil {
		return err
	}
	record.Events = append(record.Events, event)

	if s.mirror != nil {
		if err := s.mirror.Append(ctx, event); err != nil {
			return fmt.Errorf("scenario: mirror ledger event: %w", err)
		}
	}
	s.metrics.LedgerAppend(ctx, record.TenantID, string(state))
	return nil
}

func (s *Service) recordForensic(envelope Envelope, eventType string) {
	err := s.forensics.Record(forensic.Line{
		EventType:     eventType,
		ExecutionID:   envelope.ExecutionID,
		TenantID:      envelope.TenantID,
		EmbeddingDim:  envelope.EmbeddingDim,
		CanonicalHash: envelope.HashCurrent,
		Timestamp:     envelope.Timestamp,
	})
	if err != nil {
		s.logger.Warn("forensic record failed", "execution_id", envelope.ExecutionID, "error", err)
	}
}

func stringHint(hints map[string]any, key, fallback string) string {
	if hints == nil {
		return fallback
	}
	if value, ok := hints[key].(string); ok && value != "" {
		return value
	}
	return fallback
}

func round8(x float64) float64 {
	return math.Round(x*1e8) / 1e8
}

func newExecutionID() string {
	return "exec-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
