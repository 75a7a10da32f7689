// Package nonce holds the per-sender replay-protection counters.
//
// A sender's counter is the next nonce the forwarder will accept from it. It
// starts at 0 and only ever moves forward through Advance, which the batch
// coordinator calls after every item in a batch has been verified.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrConflict means a counter no longer held the value the caller verified against.
var ErrConflict = errors.New("nonce: counter changed since verification")

// Advance moves Sender's counter from From to To.
type Advance struct {
	Sender common.Address
	From   uint64
	To     uint64
}

// Store is the single source of truth for sender counters.
type Store interface {
	Current(ctx context.Context, sender common.Address) (uint64, error)
	// Advance applies every move or none of them. If any counter differs from
	// its From value, no counter changes and ErrConflict is returned.
	Advance(ctx context.Context, moves []Advance) error
}

// KeyFmt is the Redis key template for a sender counter (%s = lower-case hex address).
const KeyFmt = "nonce:%s"

func key(sender common.Address) string {
	return fmt.Sprintf(KeyFmt, strings.ToLower(sender.Hex()))
}

func validate(moves []Advance) error {
	seen := make(map[common.Address]struct{}, len(moves))
	for _, m := range moves {
		if m.To <= m.From {
			return fmt.Errorf("nonce: advance for %s must move forward (%d -> %d)", m.Sender.Hex(), m.From, m.To)
		}
		if _, dup := seen[m.Sender]; dup {
			return fmt.Errorf("nonce: duplicate advance for %s", m.Sender.Hex())
		}
		seen[m.Sender] = struct{}{}
	}
	return nil
}

// MemoryStore keeps counters in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	counters map[common.Address]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[common.Address]uint64)}
}

func (s *MemoryStore) Current(_ context.Context, sender common.Address) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[sender], nil
}

func (s *MemoryStore) Advance(_ context.Context, moves []Advance) error {
	if err := validate(moves); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range moves {
		if s.counters[m.Sender] != m.From {
			return fmt.Errorf("%w: %s at %d, expected %d", ErrConflict, m.Sender.Hex(), s.counters[m.Sender], m.From)
		}
	}
	for _, m := range moves {
		s.counters[m.Sender] = m.To
	}
	return nil
}
