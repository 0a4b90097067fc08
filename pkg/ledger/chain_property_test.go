//go:build property
// +build property

// Package ledger_test contains property-based tests for lineage hashing and
// chain verification determinism.
package ledger_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/adaptco/trustplane/pkg/ledger"
)

// TestComputeLineageDeterminism verifies lineage hashing depends only on
// (prev_hash, payload value), never on map construction order.
func TestComputeLineageDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("lineage hash is deterministic", prop.ForAll(
		func(prev string, keys []string, values []string) bool {
			payload := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					payload[keys[i]] = values[i]
				}
			}

			h1, err1 := ledger.ComputeLineage(prev, payload)
			h2, err2 := ledger.ComputeLineage(prev, payload)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return h1 == h2 && len(h1) == 64
		},
		gen.AlphaString(),
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestChainsAlwaysVerify verifies any chain built through NextEvent replays
// cleanly, and any single payload tamper is detected.
func TestChainsAlwaysVerify(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("appended chains verify; tampered chains do not", prop.ForAll(
		func(steps []string, tamperIndex int) bool {
			var events []ledger.Event
			for i, step := range steps {
				state := ledger.StateRunning
				if i == len(steps)-1 {
					state = ledger.StateFinalized
				}
				event, err := ledger.NextEvent(events, "tenant-p", "exec-p", state,
					map[string]any{"step": step})
				if err != nil {
					return false
				}
				events = append(events, event)
			}

			if !ledger.Verify(events).Valid {
				return false
			}
			if len(events) == 0 {
				return true
			}

			tampered := make([]ledger.Event, len(events))
			copy(tampered, events)
			idx := tamperIndex % len(tampered)
			if idx < 0 {
				idx = -idx
			}
			tampered[idx].Payload = map[string]any{"step": "tampered-value"}
			result := ledger.Verify(tampered)
			if tampered[idx].Payload["step"] == events[idx].Payload["step"] {
				return result.Valid
			}
			return !result.Valid
		},
		gen.SliceOf(gen.Identifier()),
		gen.Int(),
	))

	properties.TestingRun(t)
}
