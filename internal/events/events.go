// Package events defines the append-only audit records emitted by the
// forwarder and the sponsorship ledger, and the recorders that persist them.
package events

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind names an audit record type.
type Kind string

const (
	KindExecutionOutcome     Kind = "execution_outcome"
	KindBatchExecuted        Kind = "batch_executed"
	KindDeposited            Kind = "deposited"
	KindClaimed              Kind = "claimed"
	KindWhitelistUpdated     Kind = "whitelist_updated"
	KindLimitsUpdated        Kind = "limits_updated"
	KindPauseToggled         Kind = "pause_toggled"
	KindEmergencyWithdrawal  Kind = "emergency_withdrawal"
	KindOwnershipTransferred Kind = "ownership_transferred"
)

// Event is one audit record. Fields not meaningful for a Kind are left zero.
type Event struct {
	Kind Kind `json:"kind"`

	// Timestamp is when the record was emitted (wall clock, informational only).
	Timestamp time.Time `json:"timestamp"`

	// Actor is the caller: submitter, depositor or owner.
	Actor common.Address `json:"actor"`

	// Subject is who the action is about: the request sender, the
	// whitelisted submitter, or the new owner.
	Subject common.Address `json:"subject,omitempty"`

	Target  common.Address `json:"target,omitempty"`
	Nonce   uint64         `json:"nonce,omitempty"`
	Index   int            `json:"index,omitempty"`
	Success bool           `json:"success,omitempty"`

	// Amount is in wei.
	Amount *big.Int `json:"amount,omitempty"`

	// Count is the item count of a batch or the beneficiary count of a claim.
	Count int `json:"count,omitempty"`

	// Successes is the number of successful items in a batch.
	Successes int `json:"successes,omitempty"`

	// Flag carries the new boolean state for whitelist and pause records.
	Flag bool `json:"flag,omitempty"`

	// Data holds kind-specific extras (e.g. the new limits).
	Data map[string]string `json:"data,omitempty"`

	// Error describes why an execution outcome failed.
	Error string `json:"error,omitempty"`
}

// Recorder persists audit records. Record must not block for long and must
// not fail the operation that produced the record.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, e Event)

func (f RecorderFunc) Record(ctx context.Context, e Event) { f(ctx, e) }

// Nop discards every record.
var Nop Recorder = RecorderFunc(func(context.Context, Event) {})

// Multi fans a record out to every recorder in order.
func Multi(rs ...Recorder) Recorder {
	return RecorderFunc(func(ctx context.Context, e Event) {
		for _, r := range rs {
			r.Record(ctx, e)
		}
	})
}

// Memory keeps records in process; used by tests and local tooling.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Record(_ context.Context, e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

// Events returns a copy of every record so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// OfKind returns the records of one kind, in emission order.
func (m *Memory) OfKind(k Kind) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}
