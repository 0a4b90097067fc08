package scenario

import (
	"time"

	"github.com/adaptco/trustplane/pkg/ledger"
	"github.com/adaptco/trustplane/pkg/projection"
	"github.com/adaptco/trustplane/pkg/vector"
)

// SchemaVersion is the current envelope schema version.
const SchemaVersion = "1.0"

// TraceRecord is a scenario event emitted during synthesis.
type TraceRecord struct {
	Stage     string         `json:"stage"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
}

// RetrievalChunk is a chunk-level retrieval result with provenance.
type RetrievalChunk struct {
	ChunkID       string         `json:"chunk_id"`
	Text          string         `json:"text"`
	Score         float64        `json:"score"`
	EmbeddingHash string         `json:"embedding_hash"`
	Metadata      map[string]any `json:"metadata"`
}

// RetrievalContext is the retrieval package attached to an envelope.
type RetrievalContext struct {
	QueryHash  string           `json:"query_hash"`
	Chunks     []RetrievalChunk `json:"chunks"`
	Provenance map[string]any   `json:"provenance"`
}

// LoRACandidate is an instruction/output training row. Its provenance hash
// binds it to the exact envelope and chunk it was derived from.
type LoRACandidate struct {
	Instruction    string         `json:"instruction"`
	Output         string         `json:"output"`
	SourceChunkID  string         `json:"source_chunk_id"`
	ProvenanceHash string         `json:"provenance_hash"`
	Metadata       map[string]any `json:"metadata"`
}

// CorpusChunk is a retrieval corpus entry derived deterministically from an
// envelope's runtime state and trace. Regenerated, never persisted on its
// own.
type CorpusChunk struct {
	ChunkID   string         `json:"chunk_id"`
	Text      string         `json:"text"`
	Embedding vector.Vector  `json:"embedding"`
	Metadata  map[string]any `json:"metadata"`
}

// Envelope is an immutable, hash-chained snapshot of one execution's
// runtime state, trace, retrieval context and derived training candidates.
// Each lifecycle step produces a new envelope whose hash_prev equals the
// previous envelope's hash_current.
type Envelope struct {
	SchemaVersion      string               `json:"schema_version"`
	TenantID           string               `json:"tenant_id"`
	ExecutionID        string               `json:"execution_id"`
	RuntimeState       map[string]any       `json:"runtime_state"`
	ScenarioTrace      []TraceRecord        `json:"scenario_trace"`
	RetrievalContext   RetrievalContext     `json:"retrieval_context"`
	LoRACandidates     []LoRACandidate      `json:"lora_candidates"`
	EmbeddingDim       int                  `json:"embedding_dim"`
	HashPrev           string               `json:"hash_prev"`
	HashCurrent        string               `json:"hash_current"`
	Timestamp          string               `json:"timestamp"`
	ProjectionMetadata *projection.Metadata `json:"projection_metadata,omitempty"`
}

// HashPayload returns the fields covered by the envelope's lineage hash.
// The hash fields themselves are excluded: only (hash_prev, payload)
// determine hash_current.
func (e *Envelope) HashPayload() map[string]any {
	var meta any
	if e.ProjectionMetadata != nil {
		meta = e.ProjectionMetadata
	}
	return map[string]any{
		"schema_version":      e.SchemaVersion,
		"tenant_id":           e.TenantID,
		"execution_id":        e.ExecutionID,
		"runtime_state":       e.RuntimeState,
		"scenario_trace":      e.ScenarioTrace,
		"retrieval_context":   e.RetrievalContext,
		"lora_candidates":     e.LoRACandidates,
		"embedding_dim":       e.EmbeddingDim,
		"timestamp":           e.Timestamp,
		"projection_metadata": meta,
	}
}

// seal computes and stores the envelope's lineage hash.
func (e *Envelope) seal() error {
	hash, err := ledger.ComputeLineage(e.HashPrev, e.HashPayload())
	if err != nil {
		return err
	}
	e.HashCurrent = hash
	return nil
}

// derive constructs the successor envelope chained from e, carrying the
// given retrieval context and candidates.
func (e *Envelope) derive(retrieval RetrievalContext, candidates []LoRACandidate) (Envelope, error) {
	next := Envelope{
		SchemaVersion:      e.SchemaVersion,
		TenantID:           e.TenantID,
		ExecutionID:        e.ExecutionID,
		RuntimeState:       e.RuntimeState,
		ScenarioTrace:      e.ScenarioTrace,
		RetrievalContext:   retrieval,
		LoRACandidates:     candidates,
		EmbeddingDim:       e.EmbeddingDim,
		HashPrev:           e.HashCurrent,
		Timestamp:          nowISO(),
		ProjectionMetadata: e.ProjectionMetadata,
	}
	if err := next.seal(); err != nil {
		return Envelope{}, err
	}
	return next, nil
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
