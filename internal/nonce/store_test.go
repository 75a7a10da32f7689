package nonce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

var (
	alice = common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	bob   = common.HexToAddress("0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB")
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

// stores runs each test against both implementations.
func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(newTestRedis(t)),
	}
}

func TestStore_StartsAtZero(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			n, err := s.Current(context.Background(), alice)
			if err != nil {
				t.Fatalf("Current: %v", err)
			}
			if n != 0 {
				t.Errorf("fresh sender nonce: got %d want 0", n)
			}
		})
	}
}

func TestStore_AdvanceAll(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			err := s.Advance(ctx, []Advance{
				{Sender: alice, From: 0, To: 2},
				{Sender: bob, From: 0, To: 1},
			})
			if err != nil {
				t.Fatalf("Advance: %v", err)
			}
			if n, _ := s.Current(ctx, alice); n != 2 {
				t.Errorf("alice: got %d want 2", n)
			}
			if n, _ := s.Current(ctx, bob); n != 1 {
				t.Errorf("bob: got %d want 1", n)
			}
		})
	}
}

// A single stale expectation must leave every counter untouched.
func TestStore_AdvanceConflict_NoPartialWrite(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Advance(ctx, []Advance{{Sender: bob, From: 0, To: 1}}); err != nil {
				t.Fatalf("setup: %v", err)
			}
			err := s.Advance(ctx, []Advance{
				{Sender: alice, From: 0, To: 1},
				{Sender: bob, From: 0, To: 1}, // stale
			})
			if !errors.Is(err, ErrConflict) {
				t.Fatalf("got %v, want ErrConflict", err)
			}
			if n, _ := s.Current(ctx, alice); n != 0 {
				t.Errorf("alice advanced despite conflict: %d", n)
			}
			if n, _ := s.Current(ctx, bob); n != 1 {
				t.Errorf("bob: got %d want 1", n)
			}
		})
	}
}

func TestStore_RejectsBackwardsAndDuplicates(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Advance(ctx, []Advance{{Sender: alice, From: 1, To: 1}}); err == nil {
				t.Error("non-forward advance must fail")
			}
			err := s.Advance(ctx, []Advance{
				{Sender: alice, From: 0, To: 1},
				{Sender: alice, From: 1, To: 2},
			})
			if err == nil {
				t.Error("duplicate sender must fail")
			}
			if n, _ := s.Current(ctx, alice); n != 0 {
				t.Errorf("alice: got %d want 0", n)
			}
		})
	}
}

// Concurrent consumers racing for the same slot: exactly one wins.
func TestStore_ConcurrentSameSlot(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if s.Advance(ctx, []Advance{{Sender: alice, From: 0, To: 1}}) == nil {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			if wins.Load() != 1 {
				t.Errorf("winners: got %d want 1", wins.Load())
			}
			if n, _ := s.Current(ctx, alice); n != 1 {
				t.Errorf("alice: got %d want 1", n)
			}
		})
	}
}

func TestRedisStore_KeyLayout(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err := s.Advance(context.Background(), []Advance{{Sender: alice, From: 0, To: 3}}); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	got, err := mr.Get("nonce:0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	if err != nil {
		t.Fatalf("key missing: %v", err)
	}
	if got != "3" {
		t.Errorf("stored value: got %q want %q", got, "3")
	}
}
