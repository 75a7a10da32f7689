package sponsor

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Store persists pool state, daily usage and the submitter whitelist.
// Apply must commit a Change all-or-nothing; serialising callers is the
// Ledger's job.
type Store interface {
	// Pool returns the pool state. An uninitialised pool has a zero Owner and
	// zero amounts.
	Pool(ctx context.Context) (Pool, error)
	Usage(ctx context.Context, dim Dimension, addr common.Address) (Usage, error)
	Whitelisted(ctx context.Context, submitter common.Address) (bool, error)
	Whitelist(ctx context.Context) ([]common.Address, error)
	Apply(ctx context.Context, c Change) error
}

type usageKey struct {
	dim  Dimension
	addr common.Address
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	pool      Pool
	usage     map[usageKey]Usage
	whitelist map[common.Address]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pool:      Pool{}.Clone(),
		usage:     make(map[usageKey]Usage),
		whitelist: make(map[common.Address]struct{}),
	}
}

func (s *MemoryStore) Pool(context.Context) (Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool.Clone(), nil
}

func (s *MemoryStore) Usage(_ context.Context, dim Dimension, addr common.Address) (Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u := s.usage[usageKey{dim, addr}]
	return Usage{Amount: cloneInt(u.Amount), Day: u.Day}, nil
}

func (s *MemoryStore) Whitelisted(_ context.Context, submitter common.Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.whitelist[submitter]
	return ok, nil
}

func (s *MemoryStore) Whitelist(context.Context) ([]common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.Address, 0, len(s.whitelist))
	for a := range s.whitelist {
		out = append(out, a)
	}
	return out, nil
}

func (s *MemoryStore) Apply(_ context.Context, c Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Pool != nil {
		s.pool = c.Pool.Clone()
	}
	for _, w := range c.Usage {
		s.usage[usageKey{w.Dimension, w.Address}] = Usage{Amount: cloneInt(w.Usage.Amount), Day: w.Usage.Day}
	}
	for _, w := range c.Whitelist {
		if w.Allowed {
			s.whitelist[w.Submitter] = struct{}{}
		} else {
			delete(s.whitelist, w.Submitter)
		}
	}
	return nil
}
