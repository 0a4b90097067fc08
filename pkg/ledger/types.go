// Package ledger implements the append-only, tamper-evident event chain
// recorded for every (tenant, execution) pair. Each event hashes its payload
// together with the previous head hash, so altering any recorded fact — not
// just the chain pointer — is detectable on replay.
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state carried by a ledger event.
type State string

const (
	StateIdle      State = "IDLE"
	StateRunning   State = "RUNNING"
	StateFinalized State = "FINALIZED"
)

var allowedTransitions = map[State]map[State]bool{
	StateIdle:      {StateIdle: true, StateRunning: true, StateFinalized: true},
	StateRunning:   {StateRunning: true, StateFinalized: true},
	StateFinalized: {StateFinalized: true},
}

var (
	// ErrIllegalTransition is returned when an append would violate the
	// state transition table.
	ErrIllegalTransition = errors.New("ledger: illegal state transition")

	// ErrAlreadyFinalized is returned when an append follows a FINALIZED
	// event. The transition table technically permits FINALIZED->FINALIZED,
	// but the verifier rejects more than one FINALIZED event, so the write
	// path enforces the stricter rule.
	ErrAlreadyFinalized = errors.New("ledger: execution already finalized")

	// ErrUnknownState is returned for a state outside the fixed set.
	ErrUnknownState = errors.New("ledger: unknown state")
)

// ValidTransition reports whether next is a legal successor of current.
func ValidTransition(current, next State) bool {
	allowed, ok := allowedTransitions[current]
	if !ok {
		return false
	}
	return allowed[next]
}

// Event is one immutable entry in an execution's hash chain. Events are
// created only by an append, never rewritten, and never deleted.
type Event struct {
	SequenceID  int            `json:"sequence_id"`
	TenantID    string         `json:"tenant_id"`
	ExecutionID string         `json:"execution_id"`
	State       State          `json:"state"`
	Payload     map[string]any `json:"payload"`
	HashPrev    string         `json:"hash_prev,omitempty"`
	HashCurrent string         `json:"hash_current"`
	CreatedAt   time.Time      `json:"created_at"`
}

// VerifyResult is the outcome of replaying an execution's event chain.
type VerifyResult struct {
	Valid      bool   `json:"valid"`
	HeadHash   string `json:"head_hash,omitempty"`
	EventCount int    `json:"event_count"`
	Reason     string `json:"reason,omitempty"`
}

// LineageError signals that an execution's recorded history failed
// verification. It is fatal for any export built on that history.
type LineageError struct {
	ExecutionID string
	Reason      string
}

func (e *LineageError) Error() string {
	return fmt.Sprintf("ledger: lineage invalid for execution %s: %s", e.ExecutionID, e.Reason)
}

// InternalConsistencyError signals a post-append re-verification failure.
// This must never happen in correct code; it indicates a defect, not a
// caller error.
type InternalConsistencyError struct {
	ExecutionID string
	Reason      string
}

func (e *InternalConsistencyError) Error() string {
	return fmt.Sprintf("ledger: internal consistency failure for execution %s: %s", e.ExecutionID, e.Reason)
}
