package sponsor

import (
	"context"
	"sync"
	"time"
)

// TimeSource supplies the timestamp that decides which daily window a claim
// falls in. Production uses an externally agreed time such as the latest
// block header, so replicas agree on window boundaries.
type TimeSource interface {
	Now(ctx context.Context) (uint64, error)
}

// SystemTime reads the local wall clock. Suitable for development only.
type SystemTime struct{}

func (SystemTime) Now(context.Context) (uint64, error) {
	return uint64(time.Now().Unix()), nil
}

// FixedTime is a settable clock for tests and replays.
type FixedTime struct {
	mu sync.Mutex
	ts uint64
}

func NewFixedTime(ts uint64) *FixedTime { return &FixedTime{ts: ts} }

func (f *FixedTime) Now(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ts, nil
}

func (f *FixedTime) Set(ts uint64) {
	f.mu.Lock()
	f.ts = ts
	f.mu.Unlock()
}

// Advance moves the clock forward by d, truncated to whole seconds.
func (f *FixedTime) Advance(d time.Duration) {
	f.mu.Lock()
	f.ts += uint64(d / time.Second)
	f.mu.Unlock()
}
