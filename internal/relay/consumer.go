package relay

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-relay/internal/request"
)

const (
	defaultMaxBatch     = 50
	defaultBlockTimeout = 5 * time.Second
	errorBackoff        = time.Second
	deferBackoff        = 200 * time.Millisecond
)

// errDeferred is returned by a round that put an item back on the queue
// because its nonce is ahead of the sender's counter.
var errDeferred = errors.New("relay: queued nonce ahead of sender counter")

// Executor runs a batch; *forwarder.Coordinator satisfies it.
type Executor interface {
	ExecuteBatch(ctx context.Context, submitter common.Address, reqs []request.Request, sigs [][]byte) ([]bool, error)
	CurrentNonce(ctx context.Context, sender common.Address) (uint64, error)
}

// Claimer draws reimbursement; *sponsor.Ledger satisfies it.
type Claimer interface {
	Claim(ctx context.Context, submitter common.Address, requested *big.Int, beneficiaries []common.Address) (*big.Int, error)
}

// Submitter drains QueueKey in batches and hands them to the coordinator.
type Submitter struct {
	rdb          *redis.Client
	exec         Executor
	address      common.Address
	maxBatch     int
	blockTimeout time.Duration
	claimer      Claimer
	claimPerItem *big.Int
	log          *zap.Logger
}

// Option configures a Submitter.
type Option func(*Submitter)

func WithMaxBatch(n int) Option {
	return func(s *Submitter) {
		if n > 0 {
			s.maxBatch = n
		}
	}
}

// WithBlockTimeout sets how long one BLPOP waits for the first item.
func WithBlockTimeout(d time.Duration) Option {
	return func(s *Submitter) {
		if d > 0 {
			s.blockTimeout = d
		}
	}
}

// WithClaim claims perItem × batch size from c after every executed batch.
// A nil claimer or non-positive amount disables claiming.
func WithClaim(c Claimer, perItem *big.Int) Option {
	return func(s *Submitter) {
		if c != nil && perItem != nil && perItem.Sign() > 0 {
			s.claimer = c
			s.claimPerItem = new(big.Int).Set(perItem)
		}
	}
}

func NewSubmitter(rdb *redis.Client, exec Executor, address common.Address, log *zap.Logger, opts ...Option) *Submitter {
	s := &Submitter{
		rdb:          rdb,
		exec:         exec,
		address:      address,
		maxBatch:     defaultMaxBatch,
		blockTimeout: defaultBlockTimeout,
		log:          log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run is the submitter loop: BLPOP → peek the rest of the batch → execute →
// handle the outcome. It returns when ctx is cancelled.
func (s *Submitter) Run(ctx context.Context) {
	s.log.Info("submitter started",
		zap.String("queue", QueueKey),
		zap.String("submitter", s.address.Hex()),
		zap.Int("max_batch", s.maxBatch),
	)
	for {
		if ctx.Err() != nil {
			s.log.Info("submitter stopped")
			return
		}
		if _, err := s.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				s.log.Info("submitter stopped")
				return
			}
			backoff := errorBackoff
			if errors.Is(err, errDeferred) {
				backoff = deferBackoff
			} else {
				s.log.Error("submitter: batch round failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
		}
	}
}

// RunOnce waits up to the block timeout for work and processes one batch.
// It returns the number of items taken off the queue.
func (s *Submitter) RunOnce(ctx context.Context) (int, error) {
	// BLPOP blocks until an item appears or timeout
	popped, err := s.rdb.BLPop(ctx, s.blockTimeout, QueueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	// popped[0] = key, popped[1] = value
	rawItems := []string{popped[1]}

	if s.maxBatch > 1 {
		rest, err := s.rdb.LRange(ctx, QueueKey, 0, int64(s.maxBatch-2)).Result()
		if err != nil {
			s.requeue(ctx, rawItems)
			return 0, err
		}
		if len(rest) > 0 {
			// Only this submitter removes from the head, so the peeked items
			// are still the first len(rest) entries.
			if err := s.rdb.LTrim(ctx, QueueKey, int64(len(rest)), -1).Err(); err != nil {
				s.requeue(ctx, rawItems)
				return 0, err
			}
			rawItems = append(rawItems, rest...)
		}
	}

	batch := make([]queued, 0, len(rawItems))
	for _, raw := range rawItems {
		var item request.Signed
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			s.deadLetter(ctx, DeadLetter{Raw: raw, Reason: "undecodable: " + err.Error()})
			continue
		}
		batch = append(batch, queued{raw: raw, item: item})
	}
	if len(batch) == 0 {
		return len(rawItems), nil
	}

	reqs := make([]request.Request, len(batch))
	sigs := make([][]byte, len(batch))
	for i, q := range batch {
		reqs[i] = q.item.Request
		sigs[i] = q.item.Signature
	}
	results, err := s.exec.ExecuteBatch(ctx, s.address, reqs, sigs)
	return len(rawItems), s.handleOutcome(ctx, batch, results, err)
}

// queued is one decoded queue entry with its original encoding.
type queued struct {
	raw  string
	item request.Signed
}
