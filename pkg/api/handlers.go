package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/adaptco/trustplane/pkg/config"
	"github.com/adaptco/trustplane/pkg/drift"
	"github.com/adaptco/trustplane/pkg/gate"
	"github.com/adaptco/trustplane/pkg/ledger"
	"github.com/adaptco/trustplane/pkg/observability"
	"github.com/adaptco/trustplane/pkg/pipe"
	"github.com/adaptco/trustplane/pkg/projection"
	"github.com/adaptco/trustplane/pkg/scenario"
	"github.com/adaptco/trustplane/pkg/vector"
)

// Server exposes the scenario lifecycle, the tenant contamination pipe and
// the vector gate over HTTP. Pipes are per-tenant and live for the process
// lifetime: a quarantined tenant stays quarantined until restart with a
// fresh baseline.
type Server struct {
	scenarios *scenario.Service
	gate      *gate.Gate
	cfg       *config.Config
	profiles  map[string]*config.TenantProfile
	metrics   *observability.Metrics
	logger    *slog.Logger

	mu    sync.Mutex
	pipes map[string]*pipe.Pipe
	sink  pipe.EventSink
	core  pipe.CoreTransform
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMetrics injects observability counters.
func WithMetrics(metrics *observability.Metrics) ServerOption {
	return func(s *Server) { s.metrics = metrics }
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithTenantProfiles installs per-tenant trust profiles.
func WithTenantProfiles(profiles map[string]*config.TenantProfile) ServerOption {
	return func(s *Server) { s.profiles = profiles }
}

// WithEventSink overrides the pipe event sink.
func WithEventSink(sink pipe.EventSink) ServerOption {
	return func(s *Server) { s.sink = sink }
}

// WithCoreTransform overrides the pipe's core transform.
func WithCoreTransform(core pipe.CoreTransform) ServerOption {
	return func(s *Server) { s.core = core }
}

// NewServer creates a server around an existing scenario service.
func NewServer(scenarios *scenario.Service, cfg *config.Config, opts ...ServerOption) *Server {
	s := &Server{
		scenarios: scenarios,
		gate:      gate.Default(),
		cfg:       cfg,
		profiles:  map[string]*config.TenantProfile{},
		logger:    slog.Default().With("component", "api"),
		pipes:     map[string]*pipe.Pipe{},
		sink:      &pipe.MemorySink{},
		core:      &projectionCore{projector: projection.NewProjector()},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the request mux with rate limiting and request ids applied.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/scenarios", s.handleCreateScenario)
	mux.HandleFunc("POST /v1/scenarios/{id}/rag", s.handleBuildRAG)
	mux.HandleFunc("POST /v1/scenarios/{id}/lora", s.handleBuildLoRA)
	mux.HandleFunc("GET /v1/scenarios/{id}/verify", s.handleVerify)
	mux.HandleFunc("POST /v1/tenants/{tenant}/pipe", s.handlePipeProcess)
	mux.HandleFunc("POST /v1/gate/evaluate", s.handleGateEvaluate)

	limiter := NewGlobalRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst)
	return WithRequestID(limiter.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createScenarioRequest struct {
	TenantID     string         `json:"tenant_id"`
	ClientID     string         `json:"client_id"`
	Tokens       []float64      `json:"tokens"`
	RuntimeHints map[string]any `json:"runtime_hints"`
	ExecutionID  string         `json:"execution_id"`
}

func (s *Server) handleCreateScenario(w http.ResponseWriter, r *http.Request) {
	var req createScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	if req.TenantID == "" {
		WriteUnprocessable(w, "tenant_id is required")
		return
	}
	if len(req.Tokens) == 0 {
		WriteUnprocessable(w, "tokens must contain at least one element")
		return
	}

	envelope, err := s.scenarios.CreateScenario(r.Context(), scenario.CreateScenarioRequest{
		TenantID:     req.TenantID,
		ClientID:     req.ClientID,
		Tokens:       vector.Vector(req.Tokens),
		RuntimeHints: req.RuntimeHints,
		ExecutionID:  req.ExecutionID,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope)
}

type buildRAGRequest struct {
	TopK        int       `json:"top_k"`
	QueryTokens []float64 `json:"query_tokens"`
}

func (s *Server) handleBuildRAG(w http.ResponseWriter, r *http.Request) {
	var req buildRAGRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	if req.TopK == 0 {
		req.TopK = 3
	}

	envelope, err := s.scenarios.BuildRAGContext(r.Context(), r.PathValue("id"), req.TopK, vector.Vector(req.QueryTokens))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope)
}

type buildLoRARequest struct {
	PValueThreshold float64   `json:"pvalue_threshold"`
	CandidateTokens []float64 `json:"candidate_tokens"`
}

func (s *Server) handleBuildLoRA(w http.ResponseWriter, r *http.Request) {
	var req buildLoRARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	if req.PValueThreshold == 0 {
		req.PValueThreshold = s.cfg.DriftPValueThreshold
	}

	result, err := s.scenarios.BuildLoRADataset(r.Context(), r.PathValue("id"), req.PValueThreshold, vector.Vector(req.CandidateTokens))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	summary, err := s.scenarios.VerifyExecution(r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type pipeProcessRequest struct {
	ClientID     string    `json:"client_id"`
	RawEmbedding []float64 `json:"raw_embedding"`
}

func (s *Server) handlePipeProcess(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")

	var req pipeProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.RawEmbedding) == 0 {
		WriteUnprocessable(w, "raw_embedding must contain at least one element")
		return
	}

	tenantPipe, err := s.tenantPipe(tenantID, len(req.RawEmbedding))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	result, err := tenantPipe.Process(r.Context(), vector.Vector(req.RawEmbedding))
	if err != nil {
		var contamination *pipe.ContaminationError
		if errors.As(err, &contamination) {
			s.metrics.Quarantine(r.Context(), tenantID)
		}
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type gateEvaluateRequest struct {
	NodeID     string          `json:"node_id"`
	Query      string          `json:"query"`
	WorldModel gate.WorldModel `json:"world_model"`
	MaxChars   int             `json:"max_chars"`
}

type gateEvaluateResponse struct {
	Decision      gate.Decision `json:"decision"`
	PromptContext string        `json:"prompt_context"`
}

func (s *Server) handleGateEvaluate(w http.ResponseWriter, r *http.Request) {
	var req gateEvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	if req.NodeID == "" {
		WriteUnprocessable(w, "node_id is required")
		return
	}
	if req.MaxChars == 0 {
		req.MaxChars = 2000
	}

	decision := s.gate.Evaluate(req.NodeID, req.Query, req.WorldModel)
	writeJSON(w, http.StatusOK, gateEvaluateResponse{
		Decision:      decision,
		PromptContext: s.gate.FormatPromptContext(decision, req.MaxChars),
	})
}

// tenantPipe returns the tenant's pipe, creating it on first use from the
// tenant's profile. The pipe is cached so quarantine state persists across
// requests.
func (s *Server) tenantPipe(tenantID string, dim int) (*pipe.Pipe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.pipes[tenantID]; ok {
		return existing, nil
	}

	// Without a profile the tenant has no namespace vector and embeddings
	// pass through unscaled.
	var tenantVector vector.Vector
	threshold := s.cfg.ContaminationThreshold
	if profile, ok := s.profiles[tenantID]; ok {
		if len(profile.NamespaceVector) > 0 {
			tenantVector = vector.Vector(profile.NamespaceVector)
		}
		threshold = profile.ContaminationThreshold
	}
	if tenantVector != nil && len(tenantVector) != dim {
		return nil, &vector.DimensionError{Want: dim, Got: len(tenantVector)}
	}

	ctx := pipe.TenantContext{
		TenantID:     tenantID,
		TenantVector: tenantVector,
	}
	created := pipe.New(ctx, s.sink, s.core, pipe.WithThreshold(threshold))
	s.pipes[tenantID] = created
	return created, nil
}

// writeDomainError maps domain errors onto the RFC 7807 surface. Unmapped
// errors become opaque 500s.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var (
		lineage       *ledger.LineageError
		inconsistency *ledger.InternalConsistencyError
		gateErr       *drift.GateError
		contamination *pipe.ContaminationError
		dimension     *vector.DimensionError
	)

	switch {
	case errors.Is(err, scenario.ErrUnknownExecution):
		WriteNotFound(w, err.Error())
	case errors.Is(err, scenario.ErrExecutionExists):
		WriteConflict(w, err.Error())
	case errors.Is(err, ledger.ErrAlreadyFinalized):
		WriteConflict(w, err.Error())
	case errors.As(err, &lineage):
		WriteConflict(w, lineage.Error())
	case errors.As(err, &inconsistency):
		WriteInternal(w, inconsistency)
	case errors.As(err, &gateErr):
		WriteUnprocessable(w, gateErr.Error())
	case errors.As(err, &contamination):
		WriteLocked(w, contamination.Error())
	case errors.As(err, &dimension):
		WriteUnprocessable(w, dimension.Error())
	case errors.Is(err, projection.ErrEmptyVector),
		errors.Is(err, drift.ErrInvalidThreshold),
		errors.Is(err, drift.ErrEmptySample),
		errors.Is(err, drift.ErrNonFiniteSample):
		WriteUnprocessable(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// projectionCore is the default pipe core: it lifts the namespace-projected
// embedding onto the standard manifold and derives arbitration scores from
// the projected components.
type projectionCore struct {
	projector *projection.Projector
}

func (c *projectionCore) Process(_ context.Context, namespaced vector.Vector) (pipe.CoreResult, error) {
	lifted, meta, err := c.projector.Project(namespaced)
	if err != nil {
		return pipe.CoreResult{}, err
	}
	method := "pass-through"
	if meta != nil {
		method = meta.Method
	}

	scores := make([]float64, len(namespaced))
	for i, v := range namespaced {
		if v < 0 {
			scores[i] = -v
		} else {
			scores[i] = v
		}
	}

	return pipe.CoreResult{
		ProcessedEmbedding: lifted,
		ArbitrationScores:  scores,
		ProtocolFeatures: map[string]any{
			"projection_method": method,
			"embedding_dim":     fmt.Sprintf("%d", len(lifted)),
		},
		ExecutionHash: vector.Hash(lifted),
	}, nil
}
