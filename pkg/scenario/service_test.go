package scenario

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adaptco/trustplane/pkg/drift"
	"github.com/adaptco/trustplane/pkg/ledger"
	"github.com/adaptco/trustplane/pkg/projection"
	"github.com/adaptco/trustplane/pkg/vector"
)

func oneHot16() vector.Vector {
	tokens := make(vector.Vector, 16)
	tokens[3] = 1.0
	return tokens
}

func staticSimulator() Simulator {
	return SimulatorFunc(func(_ context.Context, req SimulationRequest) (SimulationResult, error) {
		return SimulationResult{
			RuntimeState: map[string]any{
				"preset":     req.Preset,
				"agent_name": req.AgentName,
				"speed_mph":  42.0,
			},
			ScenarioTrace: []TraceRecord{{
				Stage:     "runtime_seed",
				EventType: "player_initialized",
				Payload:   map[string]any{"agent_name": req.AgentName, "action": req.Action},
			}},
		}, nil
	})
}

func newTestService(opts ...Option) *Service {
	return NewService(append([]Option{WithSimulator(staticSimulator())}, opts...)...)
}

func createScenario(t *testing.T, svc *Service, executionID string) Envelope {
	t.Helper()
	envelope, err := svc.CreateScenario(context.Background(), CreateScenarioRequest{
		TenantID:    "tenant-a",
		ClientID:    "client-1",
		Tokens:      oneHot16(),
		ExecutionID: executionID,
	})
	require.NoError(t, err)
	return envelope
}

// tamperEvent overwrites a stored event's payload behind the service's
// back, simulating out-of-band ledger corruption.
func tamperEvent(t *testing.T, svc *Service, executionID string, sequenceID int, payload map[string]any) {
	t.Helper()
	record, err := svc.record(executionID)
	require.NoError(t, err)
	record.mu.Lock()
	defer record.mu.Unlock()
	require.GreaterOrEqual(t, sequenceID, 1)
	require.LessOrEqual(t, sequenceID, len(record.Events))
	record.Events[sequenceID-1].Payload = payload
}

func TestCreateScenarioBuildsSealedEnvelope(t *testing.T) {
	svc := newTestService()
	envelope := createScenario(t, svc, "exec-1")

	assert.Equal(t, SchemaVersion, envelope.SchemaVersion)
	assert.Equal(t, "tenant-a", envelope.TenantID)
	assert.Equal(t, "exec-1", envelope.ExecutionID)
	assert.Equal(t, projection.TargetDim, envelope.EmbeddingDim)
	assert.Empty(t, envelope.HashPrev)
	assert.Len(t, envelope.HashCurrent, 64)
	require.NotNil(t, envelope.ProjectionMetadata)
	assert.Equal(t, 16, envelope.ProjectionMetadata.SourceDim)
	assert.Equal(t, "dense-seeded-projection", envelope.ProjectionMetadata.Method)
	assert.Equal(t, "simulation", envelope.RuntimeState["preset"])

	events, err := svc.Events("exec-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.StateRunning, events[0].State)
	assert.Equal(t, "scenario_created", events[0].Payload["stage"])
	assert.Equal(t, envelope.HashCurrent, events[0].Payload["envelope_hash"])
}

func TestCreateScenarioGeneratesExecutionID(t *testing.T) {
	svc := newTestService()
	envelope, err := svc.CreateScenario(context.Background(), CreateScenarioRequest{
		TenantID: "tenant-a",
		Tokens:   oneHot16(),
	})
	require.NoError(t, err)
	assert.Regexp(t, `^exec-[0-9a-f]{12}$`, envelope.ExecutionID)
}

func TestCreateScenarioRejectsDuplicateExecutionID(t *testing.T) {
	svc := newTestService()
	createScenario(t, svc, "exec-dup")

	_, err := svc.CreateScenario(context.Background(), CreateScenarioRequest{
		TenantID:    "tenant-a",
		Tokens:      oneHot16(),
		ExecutionID: "exec-dup",
	})
	assert.ErrorIs(t, err, ErrExecutionExists)
}

func TestCreateScenarioRejectsEmptyTokens(t *testing.T) {
	svc := newTestService()
	_, err := svc.CreateScenario(context.Background(), CreateScenarioRequest{
		TenantID: "tenant-a",
	})
	assert.ErrorIs(t, err, projection.ErrEmptyVector)
}

func TestCreateScenarioFallsBackWhenSimulatorFails(t *testing.T) {
	svc := NewService(WithSimulator(SimulatorFunc(
		func(context.Context, SimulationRequest) (SimulationResult, error) {
			return SimulationResult{}, errors.New("engine offline")
		})))

	envelope, err := svc.CreateScenario(context.Background(), CreateScenarioRequest{
		TenantID:    "tenant-a",
		Tokens:      oneHot16(),
		ExecutionID: "exec-fb",
	})
	require.NoError(t, err)

	assert.Equal(t, true, envelope.RuntimeState["fallback"])
	assert.Equal(t, "engine offline", envelope.RuntimeState["error"])
	require.Len(t, envelope.ScenarioTrace, 1)
	assert.Equal(t, "scenario_synthesis", envelope.ScenarioTrace[0].Stage)
	assert.Equal(t, "fallback_state", envelope.ScenarioTrace[0].EventType)
}

func TestCreateScenarioFallsBackWithoutSimulator(t *testing.T) {
	svc := NewService()
	envelope, err := svc.CreateScenario(context.Background(), CreateScenarioRequest{
		TenantID:    "tenant-a",
		Tokens:      oneHot16(),
		ExecutionID: "exec-nosim",
	})
	require.NoError(t, err)
	assert.Equal(t, true, envelope.RuntimeState["fallback"])
}

func TestBuildRAGContextRanksCorpus(t *testing.T) {
	svc := newTestService()
	created := createScenario(t, svc, "exec-rag")

	envelope, err := svc.BuildRAGContext(context.Background(), "exec-rag", 3, nil)
	require.NoError(t, err)

	require.Len(t, envelope.RetrievalContext.Chunks, 3)
	assert.Equal(t, created.HashCurrent, envelope.HashPrev)
	assert.Len(t, envelope.RetrievalContext.QueryHash, 64)
	assert.Equal(t, created.HashCurrent, envelope.RetrievalContext.Provenance["source_envelope_hash"])
	assert.NotEmpty(t, envelope.RetrievalContext.Provenance["retrieval_hash"])

	// Scores are non-increasing and every chunk carries provenance.
	chunks := envelope.RetrievalContext.Chunks
	for i := 1; i < len(chunks); i++ {
		assert.GreaterOrEqual(t, chunks[i-1].Score, chunks[i].Score)
	}
	seen := map[string]bool{}
	for _, chunk := range chunks {
		assert.Len(t, chunk.EmbeddingHash, 64)
		assert.Equal(t, "exec-rag", chunk.Metadata["execution_id"])
		seen[chunk.ChunkID] = true
	}
	assert.True(t, seen["chunk-runtime-state"])
	assert.True(t, seen["chunk-scenario-trace"])
	assert.True(t, seen["chunk-control-plane"])

	events, err := svc.Events("exec-rag")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "rag_context", events[1].Payload["stage"])
}

func TestBuildRAGContextDeterministicRetrievalHash(t *testing.T) {
	svc := newTestService()
	createScenario(t, svc, "exec-det")

	query := vector.TextEmbedding("stateflow integrity", 1536)
	first, err := svc.BuildRAGContext(context.Background(), "exec-det", 2, query)
	require.NoError(t, err)
	second, err := svc.BuildRAGContext(context.Background(), "exec-det", 2, query)
	require.NoError(t, err)

	assert.Equal(t,
		first.RetrievalContext.Provenance["retrieval_hash"],
		second.RetrievalContext.Provenance["retrieval_hash"])
	assert.Equal(t, first.RetrievalContext.QueryHash, second.RetrievalContext.QueryHash)
	require.Len(t, first.RetrievalContext.Chunks, 2)
	for i := range first.RetrievalContext.Chunks {
		assert.Equal(t, first.RetrievalContext.Chunks[i].ChunkID, second.RetrievalContext.Chunks[i].ChunkID)
		assert.Equal(t, first.RetrievalContext.Chunks[i].Score, second.RetrievalContext.Chunks[i].Score)
	}
}

func TestBuildRAGContextClampsTopK(t *testing.T) {
	svc := newTestService()
	createScenario(t, svc, "exec-k")

	envelope, err := svc.BuildRAGContext(context.Background(), "exec-k", 0, nil)
	require.NoError(t, err)
	assert.Len(t, envelope.RetrievalContext.Chunks, 1)

	envelope, err = svc.BuildRAGContext(context.Background(), "exec-k", 50, nil)
	require.NoError(t, err)
	assert.Len(t, envelope.RetrievalContext.Chunks, 3)
}

func TestBuildRAGContextUnknownExecution(t *testing.T) {
	svc := newTestService()
	_, err := svc.BuildRAGContext(context.Background(), "exec-missing", 3, nil)
	assert.ErrorIs(t, err, ErrUnknownExecution)
}

func TestBuildLoRADatasetFullLifecycle(t *testing.T) {
	svc := newTestService()
	createScenario(t, svc, "exec-lora")

	_, err := svc.BuildRAGContext(context.Background(), "exec-lora", 3, nil)
	require.NoError(t, err)

	result, err := svc.BuildLoRADataset(context.Background(), "exec-lora", 0.10, nil)
	require.NoError(t, err)

	assert.Equal(t, "exec-lora", result.ExecutionID)
	assert.Equal(t, "tenant-a", result.TenantID)
	assert.Len(t, result.DatasetCommit, 64)
	assert.True(t, result.Drift.Passed)
	assert.Contains(t, result.Drift.Reason, "PASS")
	assert.Equal(t, 1.0, result.Drift.PValue)

	require.Len(t, result.LoRADataset, 3)
	hashes := map[string]bool{}
	for _, candidate := range result.LoRADataset {
		assert.NotEmpty(t, candidate.Instruction)
		assert.NotEmpty(t, candidate.Output)
		assert.Contains(t, candidate.Instruction, "Context: ")
		assert.Len(t, candidate.ProvenanceHash, 64)
		hashes[candidate.ProvenanceHash] = true
	}
	assert.Len(t, hashes, 3)

	summary, err := svc.VerifyExecution("exec-lora")
	require.NoError(t, err)
	assert.True(t, summary.Valid)
	assert.Equal(t, 3, summary.EventCount)
	assert.NotEmpty(t, summary.HashHead)

	events, err := svc.Events("exec-lora")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, ledger.StateFinalized, events[2].State)
	assert.Equal(t, "lora_dataset", events[2].Payload["stage"])
	assert.Equal(t, result.DatasetCommit, events[2].Payload["dataset_commit"])
}

func TestBuildLoRADatasetRunsDefaultRetrieval(t *testing.T) {
	svc := newTestService()
	createScenario(t, svc, "exec-auto")

	result, err := svc.BuildLoRADataset(context.Background(), "exec-auto", 0.10, nil)
	require.NoError(t, err)
	// The whole corpus fits under the implicit retrieval budget.
	assert.Len(t, result.LoRADataset, 3)

	events, err := svc.Events("exec-auto")
	require.NoError(t, err)
	// Implicit RAG step plus finalization on top of creation.
	require.Len(t, events, 3)
	assert.Equal(t, "rag_context", events[1].Payload["stage"])
}

func TestBuildLoRADatasetRecoveryCandidatesForFailureText(t *testing.T) {
	svc := NewService(WithSimulator(SimulatorFunc(
		func(context.Context, SimulationRequest) (SimulationResult, error) {
			return SimulationResult{
				RuntimeState: map[string]any{"status": "retry after timeout"},
				ScenarioTrace: []TraceRecord{{
					Stage:     "runtime_seed",
					EventType: "player_initialized",
					Payload:   map[string]any{},
				}},
			}, nil
		})))
	createScenario(t, svc, "exec-fail")

	result, err := svc.BuildLoRADataset(context.Background(), "exec-fail", 0.10, nil)
	require.NoError(t, err)

	var recovery, quality int
	for _, candidate := range result.LoRADataset {
		switch {
		case candidate.Instruction[:30] == "SYSTEM: Apply recovery logic. ":
			recovery++
		default:
			quality++
		}
	}
	// The runtime-state chunk contains "retry" and "timeout".
	assert.GreaterOrEqual(t, recovery, 1)
	assert.GreaterOrEqual(t, quality, 1)
}

func TestBuildLoRADatasetDriftGateRejects(t *testing.T) {
	svc := newTestService()
	createScenario(t, svc, "exec-drift")

	// A constant candidate at the pass-through dimension has a degenerate
	// component distribution, far from the projected baseline's.
	candidate := make(vector.Vector, projection.TargetDim)
	for i := range candidate {
		candidate[i] = 5.0
	}

	_, err := svc.BuildLoRADataset(context.Background(), "exec-drift", 0.10, candidate)
	var gateErr *drift.GateError
	require.ErrorAs(t, err, &gateErr)
	assert.LessOrEqual(t, gateErr.PValue, 0.10)

	// The rejection leaves no FINALIZED event behind.
	events, err := svc.Events("exec-drift")
	require.NoError(t, err)
	for _, event := range events {
		assert.NotEqual(t, ledger.StateFinalized, event.State)
	}
}

func TestBuildLoRADatasetInvalidThreshold(t *testing.T) {
	svc := newTestService()
	createScenario(t, svc, "exec-thr")

	_, err := svc.BuildLoRADataset(context.Background(), "exec-thr", 0.0, nil)
	assert.ErrorIs(t, err, drift.ErrInvalidThreshold)
	_, err = svc.BuildLoRADataset(context.Background(), "exec-thr", 1.0, nil)
	assert.ErrorIs(t, err, drift.ErrInvalidThreshold)
}

func TestBuildLoRADatasetRejectsTamperedLineage(t *testing.T) {
	svc := newTestService()
	createScenario(t, svc, "exec-tamper")
	_, err := svc.BuildRAGContext(context.Background(), "exec-tamper", 3, nil)
	require.NoError(t, err)

	tamperEvent(t, svc, "exec-tamper", 1, map[string]any{"stage": "forged"})

	_, err = svc.BuildLoRADataset(context.Background(), "exec-tamper", 0.10, nil)
	var lineageErr *ledger.LineageError
	require.ErrorAs(t, err, &lineageErr)
	assert.Equal(t, "exec-tamper", lineageErr.ExecutionID)
	assert.Equal(t, "Hash mismatch at sequence_id=1", lineageErr.Reason)

	summary, err := svc.VerifyExecution("exec-tamper")
	require.NoError(t, err)
	assert.False(t, summary.Valid)
	assert.Equal(t, "Hash mismatch at sequence_id=1", summary.Reason)
	assert.Empty(t, summary.HashHead)
}

func TestBuildLoRADatasetRefusesSecondFinalize(t *testing.T) {
	svc := newTestService()
	createScenario(t, svc, "exec-twice")

	_, err := svc.BuildLoRADataset(context.Background(), "exec-twice", 0.10, nil)
	require.NoError(t, err)

	_, err = svc.BuildLoRADataset(context.Background(), "exec-twice", 0.10, nil)
	assert.ErrorIs(t, err, ledger.ErrAlreadyFinalized)
}

func TestVerifyExecutionUnknown(t *testing.T) {
	svc := newTestService()
	_, err := svc.VerifyExecution("exec-missing")
	assert.ErrorIs(t, err, ErrUnknownExecution)
}

func TestEventsMirroredToEventStore(t *testing.T) {
	store := ledger.NewMemoryEventStore()
	svc := newTestService(WithEventStore(store))
	createScenario(t, svc, "exec-mirror")

	_, err := svc.BuildLoRADataset(context.Background(), "exec-mirror", 0.10, nil)
	require.NoError(t, err)

	mirrored, err := store.GetExecution(context.Background(), "tenant-a", "exec-mirror")
	require.NoError(t, err)
	require.Len(t, mirrored, 3)

	result := ledger.Verify(mirrored)
	assert.True(t, result.Valid, result.Reason)

	local, err := svc.Events("exec-mirror")
	require.NoError(t, err)
	assert.Equal(t, local[2].HashCurrent, result.HeadHash)
}

type recordingLocker struct {
	acquired int
	released int
}

func (l *recordingLocker) Acquire(context.Context, string, string) (func(context.Context) error, error) {
	l.acquired++
	return func(context.Context) error {
		l.released++
		return nil
	}, nil
}

func TestBuildLoRADatasetUsesExecutionLocker(t *testing.T) {
	locker := &recordingLocker{}
	svc := newTestService(WithExecutionLocker(locker))
	createScenario(t, svc, "exec-lock")

	_, err := svc.BuildLoRADataset(context.Background(), "exec-lock", 0.10, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, locker.acquired)
	assert.Equal(t, 1, locker.released)
}
