package forwarder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-relay/internal/events"
	"github.com/0gfoundation/0g-relay/internal/nonce"
	"github.com/0gfoundation/0g-relay/internal/request"
)

// Coordinator executes batches of signed requests.
//
// A batch runs in three phases:
//  1. validate every item (signature and expected nonce); any failure rejects
//     the batch before anything is written,
//  2. consume the nonces of all items in one atomic ledger update,
//  3. invoke each target in order.
//
// Nonces are consumed before any target runs, so a target that calls back into
// the coordinator cannot replay an item of the batch that invoked it. Phase 3
// failures are captured per item and never roll back phase 2.
type Coordinator struct {
	address  common.Address
	verifier *Verifier
	nonces   nonce.Store
	targets  Resolver
	recorder events.Recorder
	gasUnit  time.Duration
	log      *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRecorder sets where execution records go. Defaults to events.Nop.
func WithRecorder(r events.Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithGasTimeUnit bounds each invocation to GasBudget*unit of wall time.
// Zero (the default) leaves invocations unbounded.
func WithGasTimeUnit(unit time.Duration) Option {
	return func(c *Coordinator) { c.gasUnit = unit }
}

func NewCoordinator(
	hasher *request.Hasher,
	nonces nonce.Store,
	targets Resolver,
	log *zap.Logger,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		address:  hasher.Domain().VerifyingContract,
		verifier: NewVerifier(hasher, nonces),
		nonces:   nonces,
		targets:  targets,
		recorder: events.Nop,
		log:      log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Address is the identity targets see as the invocation origin.
func (c *Coordinator) Address() common.Address { return c.address }

// Verifier returns the read-only verifier shared with admission checks.
func (c *Coordinator) Verifier() *Verifier { return c.verifier }

func (c *Coordinator) Verify(ctx context.Context, req *request.Request, sig []byte) bool {
	return c.verifier.Verify(ctx, req, sig)
}

func (c *Coordinator) CurrentNonce(ctx context.Context, sender common.Address) (uint64, error) {
	return c.verifier.CurrentNonce(ctx, sender)
}

// ExecuteBatch verifies, consumes and invokes reqs in order and returns one
// success flag per item. A returned error means the batch was rejected and no
// state changed; use errors.As with *ItemError to find the offending item.
func (c *Coordinator) ExecuteBatch(
	ctx context.Context,
	submitter common.Address,
	reqs []request.Request,
	sigs [][]byte,
) ([]bool, error) {
	if len(reqs) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(reqs) != len(sigs) {
		return nil, fmt.Errorf("%w: %d requests, %d signatures", ErrLengthMismatch, len(reqs), len(sigs))
	}

	moves, err := c.validate(ctx, reqs, sigs)
	if err != nil {
		c.log.Warn("batch rejected",
			zap.String("submitter", submitter.Hex()),
			zap.Int("items", len(reqs)),
			zap.Error(err),
		)
		return nil, err
	}

	if err := c.nonces.Advance(ctx, moves); err != nil {
		if errors.Is(err, nonce.ErrConflict) {
			return nil, fmt.Errorf("%w: %v", ErrNonceMismatch, err)
		}
		return nil, fmt.Errorf("consume nonces: %w", err)
	}

	// Nonces are spent; the invocations must run even if the caller goes away.
	invokeCtx := context.WithoutCancel(ctx)

	results := make([]bool, len(reqs))
	successes := 0
	for i := range reqs {
		err := c.invoke(invokeCtx, &reqs[i])
		results[i] = err == nil
		if err == nil {
			successes++
		} else {
			c.log.Info("item invocation failed",
				zap.Int("index", i),
				zap.String("sender", reqs[i].Sender.Hex()),
				zap.Uint64("nonce", reqs[i].Nonce),
				zap.Error(err),
			)
		}
		outcome := events.Event{
			Kind:      events.KindExecutionOutcome,
			Timestamp: time.Now(),
			Actor:     submitter,
			Subject:   reqs[i].Sender,
			Target:    reqs[i].Target,
			Nonce:     reqs[i].Nonce,
			Index:     i,
			Success:   err == nil,
		}
		if err != nil {
			outcome.Error = err.Error()
		}
		c.recorder.Record(invokeCtx, outcome)
	}

	c.recorder.Record(invokeCtx, events.Event{
		Kind:      events.KindBatchExecuted,
		Timestamp: time.Now(),
		Actor:     submitter,
		Count:     len(reqs),
		Successes: successes,
	})
	c.log.Info("batch executed",
		zap.String("submitter", submitter.Hex()),
		zap.Int("items", len(reqs)),
		zap.Int("successes", successes),
	)
	return results, nil
}

// validate checks every item against the nonce it would see if the earlier
// items of the batch had already been consumed, and returns the ledger moves
// that consume them all.
func (c *Coordinator) validate(ctx context.Context, reqs []request.Request, sigs [][]byte) ([]nonce.Advance, error) {
	start := make(map[common.Address]uint64)
	next := make(map[common.Address]uint64)
	var order []common.Address

	for i := range reqs {
		req := &reqs[i]
		if err := c.verifier.checkSignature(req, sigs[i]); err != nil {
			return nil, &ItemError{Index: i, Err: err}
		}
		expected, seen := next[req.Sender]
		if !seen {
			current, err := c.nonces.Current(ctx, req.Sender)
			if err != nil {
				return nil, fmt.Errorf("read nonce: %w", err)
			}
			start[req.Sender] = current
			expected = current
			order = append(order, req.Sender)
		}
		if req.Nonce != expected {
			return nil, &ItemError{
				Index: i,
				Err:   fmt.Errorf("%w: got %d, expected %d", ErrNonceMismatch, req.Nonce, expected),
			}
		}
		next[req.Sender] = expected + 1
	}

	moves := make([]nonce.Advance, len(order))
	for i, sender := range order {
		moves[i] = nonce.Advance{Sender: sender, From: start[sender], To: next[sender]}
	}
	return moves, nil
}

func (c *Coordinator) invoke(ctx context.Context, req *request.Request) error {
	target, ok := c.targets.Resolve(req.Target)
	if !ok {
		return fmt.Errorf("%w: %w %s", ErrTargetInvocationFailed, ErrUnknownTarget, req.Target.Hex())
	}
	if c.gasUnit > 0 && req.GasBudget > 0 && req.GasBudget <= uint64(math.MaxInt64/int64(c.gasUnit)) {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.GasBudget)*c.gasUnit)
		defer cancel()
	}
	inv := Invocation{
		Envelope:  Envelope{Payload: req.Payload, Sender: req.Sender},
		Origin:    c.address,
		Target:    req.Target,
		Value:     req.Value,
		GasBudget: req.GasBudget,
	}
	return invoke(ctx, target, inv)
}
