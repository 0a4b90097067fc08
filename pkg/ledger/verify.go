package ledger

import (
	"fmt"
	"sort"
)

// Verify replays events from the genesis hash, independently recomputing
// every hash and re-checking every state transition. It fails closed on the
// first violation with a specific reason. An execution with zero events is
// trivially valid.
func Verify(events []Event) VerifyResult {
	if len(events) == 0 {
		return VerifyResult{Valid: true, EventCount: 0}
	}

	ordered := make([]Event, len(events))
	copy(ordered, events)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].SequenceID < ordered[j].SequenceID
	})

	invalid := func(reason string) VerifyResult {
		return VerifyResult{Valid: false, EventCount: len(ordered), Reason: reason}
	}

	prevHash := ""
	current := StateIdle
	finalized := 0

	for i, event := range ordered {
		next := event.State
		if !ValidTransition(current, next) {
			return invalid(fmt.Sprintf("Illegal transition: %s -> %s", current, next))
		}

		if next == StateFinalized {
			finalized++
			if finalized > 1 {
				return invalid("Multiple FINALIZED events")
			}
			if i != len(ordered)-1 {
				return invalid("FINALIZED is not terminal")
			}
		}

		recomputed, err := ComputeLineage(prevHash, event.Payload)
		if err != nil {
			return invalid(fmt.Sprintf("Payload not canonicalizable at sequence_id=%d", event.SequenceID))
		}
		if recomputed != event.HashCurrent {
			return invalid(fmt.Sprintf("Hash mismatch at sequence_id=%d", event.SequenceID))
		}
		if event.HashPrev != prevHash {
			return invalid(fmt.Sprintf("Broken chain link at sequence_id=%d", event.SequenceID))
		}

		prevHash = event.HashCurrent
		current = next
	}

	return VerifyResult{Valid: true, HeadHash: prevHash, EventCount: len(ordered)}
}
