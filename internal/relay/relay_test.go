package relay

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-relay/internal/forwarder"
	"github.com/0gfoundation/0g-relay/internal/nonce"
	"github.com/0gfoundation/0g-relay/internal/request"
)

// ── helpers ───────────────────────────────────────────────────────────────────

var (
	testDomain = request.Domain{
		Name:              "0G Relay Forwarder",
		Version:           "1",
		ChainID:           big.NewInt(16602),
		VerifyingContract: common.HexToAddress("0xF0F0F0F0F0F0F0F0F0F0F0F0F0F0F0F0F0F0F0F0"),
	}
	testSubmitter = common.HexToAddress("0x5555555555555555555555555555555555555555")
	testTarget    = common.HexToAddress("0x1000000000000000000000000000000000000001")
)

type env struct {
	rdb    *redis.Client
	hasher *request.Hasher
	coord  *forwarder.Coordinator
	queue  *Queue
	calls  *int
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	calls := 0
	reg := forwarder.NewRegistry()
	reg.Register(testTarget, forwarder.TargetFunc(func(context.Context, forwarder.Invocation) error {
		calls++
		return nil
	}))
	hasher := request.NewHasher(testDomain)
	coord := forwarder.NewCoordinator(hasher, nonce.NewMemoryStore(), reg, zap.NewNop())
	return &env{
		rdb:    rdb,
		hasher: hasher,
		coord:  coord,
		queue:  NewQueue(rdb, coord.Verifier(), zap.NewNop()),
		calls:  &calls,
	}
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func (e *env) signed(t *testing.T, key *ecdsa.PrivateKey, n uint64) *request.Signed {
	t.Helper()
	r := request.Request{
		Sender:    crypto.PubkeyToAddress(key.PublicKey),
		Target:    testTarget,
		Value:     big.NewInt(0),
		GasBudget: 21000,
		Nonce:     n,
		Payload:   []byte{0xde, 0xad},
	}
	sig, err := e.hasher.Sign(&r, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return &request.Signed{Request: r, Signature: sig}
}

func (e *env) enqueue(t *testing.T, s *request.Signed) {
	t.Helper()
	if err := e.queue.Enqueue(context.Background(), s); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

// queueNonces returns the nonces of the queued items, head first.
func (e *env) queueNonces(t *testing.T) []uint64 {
	t.Helper()
	raws, err := e.rdb.LRange(context.Background(), QueueKey, 0, -1).Result()
	if err != nil {
		t.Fatalf("LRANGE: %v", err)
	}
	out := make([]uint64, len(raws))
	for i, raw := range raws {
		var s request.Signed
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			t.Fatalf("decode queued item: %v", err)
		}
		out[i] = s.Request.Nonce
	}
	return out
}

// mockClaimer records claims.
type mockClaimer struct {
	mu     sync.Mutex
	amount []*big.Int
	bens   [][]common.Address
	err    error
}

func (m *mockClaimer) Claim(_ context.Context, _ common.Address, amount *big.Int, bens []common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.amount = append(m.amount, amount)
	m.bens = append(m.bens, bens)
	return amount, m.err
}

// ── admission ─────────────────────────────────────────────────────────────────

func TestQueue_Admission(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	key := newKey(t)

	e.enqueue(t, e.signed(t, key, 0))
	e.enqueue(t, e.signed(t, key, 1)) // ahead of the ledger, earlier one still queued

	forged := e.signed(t, key, 2)
	forged.Request.Payload = []byte{0x01}
	if err := e.queue.Enqueue(ctx, forged); !errors.Is(err, forwarder.ErrSignatureInvalid) {
		t.Errorf("tampered payload: got %v", err)
	}

	neg := e.signed(t, key, 3)
	neg.Request.Value = big.NewInt(-1)
	if err := e.queue.Enqueue(ctx, neg); !errors.Is(err, request.ErrValueOutOfRange) {
		t.Errorf("negative value: got %v", err)
	}

	if depth, _ := e.queue.Depth(ctx); depth != 2 {
		t.Fatalf("depth: got %d want 2", depth)
	}

	// Once nonce 0 is consumed, re-submitting it is stale.
	sub := NewSubmitter(e.rdb, e.coord, testSubmitter, zap.NewNop())
	if _, err := sub.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if err := e.queue.Enqueue(ctx, e.signed(t, key, 0)); !errors.Is(err, forwarder.ErrNonceMismatch) {
		t.Errorf("stale nonce: got %v want ErrNonceMismatch", err)
	}
}

// ── submitter ─────────────────────────────────────────────────────────────────

func TestSubmitter_BatchAndClaim(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a, b := newKey(t), newKey(t)

	e.enqueue(t, e.signed(t, a, 0))
	e.enqueue(t, e.signed(t, b, 0))
	e.enqueue(t, e.signed(t, a, 1))

	claimer := &mockClaimer{}
	sub := NewSubmitter(e.rdb, e.coord, testSubmitter, zap.NewNop(), WithClaim(claimer, big.NewInt(1000)))
	n, err := sub.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 3 {
		t.Errorf("items taken: got %d want 3", n)
	}
	if depth, _ := e.queue.Depth(ctx); depth != 0 {
		t.Errorf("queue depth: %d", depth)
	}
	if *e.calls != 3 {
		t.Errorf("target calls: got %d want 3", *e.calls)
	}
	if got, _ := e.coord.CurrentNonce(ctx, crypto.PubkeyToAddress(a.PublicKey)); got != 2 {
		t.Errorf("sender a nonce: got %d want 2", got)
	}

	if len(claimer.amount) != 1 || claimer.amount[0].Cmp(big.NewInt(3000)) != 0 {
		t.Fatalf("claims: %v", claimer.amount)
	}
	bens := claimer.bens[0]
	if len(bens) != 3 || bens[0] != crypto.PubkeyToAddress(a.PublicKey) || bens[1] != crypto.PubkeyToAddress(b.PublicKey) {
		t.Errorf("beneficiaries: %v", bens)
	}
}

func TestSubmitter_ClaimFailureDoesNotRequeue(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.enqueue(t, e.signed(t, newKey(t), 0))

	claimer := &mockClaimer{err: errors.New("paused")}
	sub := NewSubmitter(e.rdb, e.coord, testSubmitter, zap.NewNop(), WithClaim(claimer, big.NewInt(1)))
	if _, err := sub.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if depth, _ := e.queue.Depth(ctx); depth != 0 {
		t.Errorf("queue depth after failed claim: %d", depth)
	}
}

func TestSubmitter_ItemErrorDeadLettersOneItem(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a, b := newKey(t), newKey(t)

	e.enqueue(t, e.signed(t, a, 0))
	// A forged item that bypassed admission.
	forged := e.signed(t, b, 0)
	forged.Request.Payload = []byte{0x01}
	raw, _ := json.Marshal(forged)
	e.rdb.RPush(ctx, QueueKey, string(raw)) //nolint:errcheck
	e.enqueue(t, e.signed(t, a, 1))

	sub := NewSubmitter(e.rdb, e.coord, testSubmitter, zap.NewNop())
	if _, err := sub.RunOnce(ctx); err != nil {
		t.Fatalf("first round: %v", err)
	}
	if *e.calls != 0 {
		t.Errorf("rejected batch invoked %d targets", *e.calls)
	}
	if got := e.queueNonces(t); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("requeued order: %v", got)
	}

	letters, err := e.queue.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(letters) != 1 || letters[0].Item.Request.Sender != forged.Request.Sender || !strings.Contains(letters[0].Reason, "signature") {
		t.Fatalf("dead letters: %+v", letters)
	}
	if letters[0].FailedAt == 0 {
		t.Error("dead letter missing timestamp")
	}

	if _, err := sub.RunOnce(ctx); err != nil {
		t.Fatalf("second round: %v", err)
	}
	if *e.calls != 2 {
		t.Errorf("target calls after retry: got %d want 2", *e.calls)
	}
}

func TestSubmitter_SpentNonceDeadLettered(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	k := newKey(t)
	first := e.signed(t, k, 0)
	e.enqueue(t, first)

	sub := NewSubmitter(e.rdb, e.coord, testSubmitter, zap.NewNop())
	if _, err := sub.RunOnce(ctx); err != nil {
		t.Fatalf("first round: %v", err)
	}
	// Replay of the consumed nonce, pushed around admission.
	raw, _ := json.Marshal(first)
	e.rdb.RPush(ctx, QueueKey, string(raw)) //nolint:errcheck
	if _, err := sub.RunOnce(ctx); err != nil {
		t.Fatalf("replay round: %v", err)
	}
	if *e.calls != 1 {
		t.Errorf("target calls: got %d want 1", *e.calls)
	}
	if depth, _ := e.queue.Depth(ctx); depth != 0 {
		t.Errorf("stale item still queued: depth %d", depth)
	}
	letters, _ := e.queue.DeadLetters(ctx, 10)
	if len(letters) != 1 || letters[0].Item.Request.Nonce != 0 {
		t.Errorf("dead letters: %+v", letters)
	}
}

func TestSubmitter_OutOfOrderNoncesBothExecute(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	k := newKey(t)
	sender := crypto.PubkeyToAddress(k.PublicKey)

	e.enqueue(t, e.signed(t, k, 1))
	e.enqueue(t, e.signed(t, k, 0))

	sub := NewSubmitter(e.rdb, e.coord, testSubmitter, zap.NewNop())
	if _, err := sub.RunOnce(ctx); !errors.Is(err, errDeferred) {
		t.Fatalf("first round: got %v want errDeferred", err)
	}
	if got := e.queueNonces(t); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("queue after deferral: %v", got)
	}
	if _, err := sub.RunOnce(ctx); err != nil {
		t.Fatalf("second round: %v", err)
	}
	if *e.calls != 2 {
		t.Errorf("target calls: got %d want 2", *e.calls)
	}
	if got, _ := e.coord.CurrentNonce(ctx, sender); got != 2 {
		t.Errorf("nonce: got %d want 2", got)
	}
	if letters, _ := e.queue.DeadLetters(ctx, 10); len(letters) != 0 {
		t.Errorf("nothing should be dead-lettered: %+v", letters)
	}
}

func TestSubmitter_AheadNonceWaitsForPredecessor(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	k := newKey(t)

	e.enqueue(t, e.signed(t, k, 1))
	sub := NewSubmitter(e.rdb, e.coord, testSubmitter, zap.NewNop())
	if _, err := sub.RunOnce(ctx); !errors.Is(err, errDeferred) {
		t.Fatalf("lone ahead item: got %v want errDeferred", err)
	}
	if got := e.queueNonces(t); len(got) != 1 || got[0] != 1 {
		t.Fatalf("queue: %v", got)
	}

	e.enqueue(t, e.signed(t, k, 0))
	for i := 0; i < 3 && *e.calls < 2; i++ {
		if _, err := sub.RunOnce(ctx); err != nil && !errors.Is(err, errDeferred) {
			t.Fatalf("round %d: %v", i, err)
		}
	}
	if *e.calls != 2 {
		t.Errorf("target calls: got %d want 2", *e.calls)
	}
	if letters, _ := e.queue.DeadLetters(ctx, 10); len(letters) != 0 {
		t.Errorf("nothing should be dead-lettered: %+v", letters)
	}
}

func TestSubmitter_UndecodableItem(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.rdb.RPush(ctx, QueueKey, "{not json") //nolint:errcheck
	e.enqueue(t, e.signed(t, newKey(t), 0))

	sub := NewSubmitter(e.rdb, e.coord, testSubmitter, zap.NewNop())
	if _, err := sub.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if *e.calls != 1 {
		t.Errorf("valid item not executed: %d calls", *e.calls)
	}
	letters, _ := e.queue.DeadLetters(ctx, 10)
	if len(letters) != 1 || letters[0].Raw != "{not json" {
		t.Errorf("dead letters: %+v", letters)
	}
}

type failingExecutor struct{ err error }

func (f failingExecutor) ExecuteBatch(context.Context, common.Address, []request.Request, [][]byte) ([]bool, error) {
	return nil, f.err
}

func (f failingExecutor) CurrentNonce(context.Context, common.Address) (uint64, error) {
	return 0, f.err
}

func TestSubmitter_BatchErrorRequeuesAll(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	k := newKey(t)
	for i := uint64(0); i < 3; i++ {
		e.enqueue(t, e.signed(t, k, i))
	}

	storeDown := errors.New("redis: connection refused")
	sub := NewSubmitter(e.rdb, failingExecutor{storeDown}, testSubmitter, zap.NewNop())
	if _, err := sub.RunOnce(ctx); !errors.Is(err, storeDown) {
		t.Fatalf("got %v want store error", err)
	}
	if got := e.queueNonces(t); len(got) != 3 || got[0] != 0 || got[1] != 1 || got[2] != 2 {
		t.Errorf("queue after requeue: %v", got)
	}
	if letters, _ := e.queue.DeadLetters(ctx, 10); len(letters) != 0 {
		t.Errorf("nothing should be dead-lettered: %+v", letters)
	}
}

func TestSubmitter_MaxBatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	k := newKey(t)
	for i := uint64(0); i < 5; i++ {
		e.enqueue(t, e.signed(t, k, i))
	}

	sub := NewSubmitter(e.rdb, e.coord, testSubmitter, zap.NewNop(), WithMaxBatch(2))
	n, err := sub.RunOnce(ctx)
	if err != nil || n != 2 {
		t.Fatalf("RunOnce: n=%d err=%v", n, err)
	}
	if got := e.queueNonces(t); len(got) != 3 || got[0] != 2 {
		t.Errorf("remaining queue: %v", got)
	}
}

func TestSubmitter_RunStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	e.enqueue(t, e.signed(t, newKey(t), 0))

	sub := NewSubmitter(e.rdb, e.coord, testSubmitter, zap.NewNop(), WithBlockTimeout(time.Second))
	done := make(chan struct{})
	go func() {
		sub.Run(ctx)
		close(done)
	}()

	// Wait for the queued item to be consumed, then stop.
	for {
		if depth, _ := e.queue.Depth(context.Background()); depth == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}
