package forwarder

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Envelope carries a request payload together with the identity of the sender
// who authorized it.
type Envelope struct {
	Payload []byte
	Sender  common.Address
}

// Bytes returns the byte-oriented layout: payload followed by the 20-byte sender.
func (e Envelope) Bytes() []byte {
	out := make([]byte, 0, len(e.Payload)+common.AddressLength)
	out = append(out, e.Payload...)
	return append(out, e.Sender.Bytes()...)
}

// ParseEnvelope splits the layout produced by Envelope.Bytes.
func ParseEnvelope(b []byte) (Envelope, error) {
	if len(b) < common.AddressLength {
		return Envelope{}, errors.New("forwarder: envelope shorter than an address")
	}
	cut := len(b) - common.AddressLength
	payload := make([]byte, cut)
	copy(payload, b[:cut])
	return Envelope{Payload: payload, Sender: common.BytesToAddress(b[cut:])}, nil
}

// Invocation is what a target receives for one authorized request.
type Invocation struct {
	Envelope
	// Origin is the identity of the caller that delivered the envelope.
	Origin    common.Address
	Target    common.Address
	Value     *big.Int
	GasBudget uint64
}

// MsgSender returns the asserted sender when the invocation came from the
// trusted forwarder, and the direct caller otherwise.
func (inv Invocation) MsgSender(trustedForwarder common.Address) common.Address {
	if inv.Origin == trustedForwarder {
		return inv.Sender
	}
	return inv.Origin
}

// Target is a callee reachable through the forwarder. A non-nil error marks
// the item as failed; it never affects other items.
type Target interface {
	Invoke(ctx context.Context, inv Invocation) error
}

// TargetFunc adapts a function to Target.
type TargetFunc func(ctx context.Context, inv Invocation) error

func (f TargetFunc) Invoke(ctx context.Context, inv Invocation) error { return f(ctx, inv) }

// Resolver finds the Target deployed at an address.
type Resolver interface {
	Resolve(addr common.Address) (Target, bool)
}

// Registry is a concurrency-safe Resolver backed by a map.
type Registry struct {
	mu      sync.RWMutex
	targets map[common.Address]Target
}

func NewRegistry() *Registry {
	return &Registry{targets: make(map[common.Address]Target)}
}

func (r *Registry) Register(addr common.Address, t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[addr] = t
}

func (r *Registry) Resolve(addr common.Address) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[addr]
	return t, ok
}

// invoke calls t, converting a panic into an item failure.
func invoke(ctx context.Context, t Target, inv Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrTargetInvocationFailed, r)
		}
	}()
	if err := t.Invoke(ctx, inv); err != nil {
		return fmt.Errorf("%w: %w", ErrTargetInvocationFailed, err)
	}
	return nil
}
