package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/adaptco/trustplane/pkg/canonicalize"
)

// ComputeLineage derives an event hash from the previous head hash and the
// canonical JSON form of the payload. Only (hash_prev, payload) determine
// the result, which keeps chains reproducible across independent
// re-implementations.
func ComputeLineage(prevHash string, payload map[string]any) (string, error) {
	canonical, err := canonicalize.JCS(payload)
	if err != nil {
		return "", fmt.Errorf("ledger: canonicalize payload: %w", err)
	}
	material := prevHash + ":" + string(canonical)
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:]), nil
}

// NextEvent constructs the event that extends events with the given state
// and payload. It validates the state transition against the chain's
// current state, rejects appends after a FINALIZED event, and assigns the
// next strictly-increasing sequence id.
//
// Callers must hold the execution's lock across reading events and storing
// the returned event, so no writer can extend a stale head.
func NextEvent(events []Event, tenantID, executionID string, state State, payload map[string]any) (Event, error) {
	if _, ok := allowedTransitions[state]; !ok {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownState, state)
	}

	current := StateIdle
	prevHash := ""
	if n := len(events); n > 0 {
		current = events[n-1].State
		prevHash = events[n-1].HashCurrent
	}
	if current == StateFinalized {
		return Event{}, ErrAlreadyFinalized
	}
	if !ValidTransition(current, state) {
		return Event{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, state)
	}

	hash, err := ComputeLineage(prevHash, payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		SequenceID:  len(events) + 1,
		TenantID:    tenantID,
		ExecutionID: executionID,
		State:       state,
		Payload:     payload,
		HashPrev:    prevHash,
		HashCurrent: hash,
		CreatedAt:   time.Now().UTC(),
	}, nil
}
