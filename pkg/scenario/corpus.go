package scenario

import (
	"strings"

	"github.com/adaptco/trustplane/pkg/canonicalize"
	"github.com/adaptco/trustplane/pkg/ledger"
	"github.com/adaptco/trustplane/pkg/projection"
	"github.com/adaptco/trustplane/pkg/vector"
)

// controlPlanePolicy is the fixed control-plane chunk present in every
// execution's corpus.
const controlPlanePolicy = "Use stateflow integrity checks and settlement lineage hashes " +
	"before export to retrieval or LoRA datasets."

// buildCorpus derives the execution's retrieval corpus deterministically
// from the envelope: the canonical runtime state, the flattened trace, and
// the fixed control-plane policy, each independently hashed into a
// fixed-length embedding.
func buildCorpus(envelope *Envelope) ([]CorpusChunk, error) {
	runtimeText, err := canonicalize.JCSString(envelope.RuntimeState)
	if err != nil {
		return nil, err
	}

	traceParts := make([]string, 0, len(envelope.ScenarioTrace))
	for _, record := range envelope.ScenarioTrace {
		payloadJSON, err := canonicalize.JCSString(record.Payload)
		if err != nil {
			return nil, err
		}
		traceParts = append(traceParts, record.Stage+":"+record.EventType+":"+payloadJSON)
	}
	traceText := strings.Join(traceParts, " ")

	baseTexts := []struct {
		chunkID string
		text    string
	}{
		{"chunk-runtime-state", runtimeText},
		{"chunk-scenario-trace", traceText},
		{"chunk-control-plane", controlPlanePolicy},
	}

	corpus := make([]CorpusChunk, 0, len(baseTexts))
	for _, base := range baseTexts {
		corpus = append(corpus, CorpusChunk{
			ChunkID:   base.chunkID,
			Text:      base.text,
			Embedding: vector.TextEmbedding(base.text, projection.TargetDim),
			Metadata:  map[string]any{"execution_id": envelope.ExecutionID},
		})
	}
	return corpus, nil
}

// failureKeywords mark chunks that get recovery-oriented training rows.
var failureKeywords = []string{"error", "retry", "fail", "timeout", "bug"}

// buildLoRACandidates heuristically synthesizes one training row per
// retrieved chunk. Every row's provenance hash binds it to the exact
// envelope head and chunk it came from, making the dataset traceable.
func buildLoRACandidates(envelope *Envelope) ([]LoRACandidate, error) {
	candidates := make([]LoRACandidate, 0, len(envelope.RetrievalContext.Chunks))
	for _, chunk := range envelope.RetrievalContext.Chunks {
		text := strings.ToLower(chunk.Text)

		var instruction, output string
		if containsAny(text, failureKeywords) {
			instruction = "SYSTEM: Apply recovery logic. Context: " + chunk.Text
			output = "ACTION: Execute deterministic self-healing refinement and " +
				"re-validate against stateflow constraints."
		} else {
			instruction = "SYSTEM: Improve scenario response quality. Context: " + chunk.Text
			output = "ACTION: Produce a concise plan with safety checks, acceptance " +
				"tests, and provenance-linked outputs."
		}

		provenanceHash, err := ledger.ComputeLineage(envelope.HashCurrent, map[string]any{
			"source_chunk_id": chunk.ChunkID,
			"instruction":     instruction,
			"output":          output,
		})
		if err != nil {
			return nil, err
		}

		candidates = append(candidates, LoRACandidate{
			Instruction:    instruction,
			Output:         output,
			SourceChunkID:  chunk.ChunkID,
			ProvenanceHash: provenanceHash,
			Metadata:       map[string]any{"retrieval_score": chunk.Score},
		})
	}
	return candidates, nil
}

func containsAny(text string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}
