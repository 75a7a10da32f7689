package relay

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-relay/internal/forwarder"
)

// handleOutcome applies the result of one ExecuteBatch call to the queue.
//
//   - success: every item is done; claim reimbursement if configured.
//   - *ItemError: the others go back to the head of the queue in their
//     original order. The named item goes to the tail if its nonce is ahead
//     of the sender's counter, otherwise to the dead-letter list.
//   - any other error: the whole batch goes back to the head of the queue and
//     the error is returned so the caller can back off.
func (s *Submitter) handleOutcome(ctx context.Context, batch []queued, results []bool, err error) error {
	if err == nil {
		successes := 0
		for _, ok := range results {
			if ok {
				successes++
			}
		}
		s.log.Info("batch relayed", zap.Int("items", len(batch)), zap.Int("successes", successes))
		s.claim(ctx, batch)
		return nil
	}

	var itemErr *forwarder.ItemError
	if errors.As(err, &itemErr) && itemErr.Index >= 0 && itemErr.Index < len(batch) {
		bad := batch[itemErr.Index]
		rest := make([]string, 0, len(batch)-1)
		for i, q := range batch {
			if i != itemErr.Index {
				rest = append(rest, q.raw)
			}
		}
		if s.ahead(ctx, bad, itemErr.Err) {
			// Its predecessor may be later in the queue or not submitted yet.
			s.requeue(ctx, rest)
			s.pushBack(ctx, bad.raw)
			s.log.Debug("request deferred",
				zap.String("sender", bad.item.Request.Sender.Hex()),
				zap.Uint64("nonce", bad.item.Request.Nonce),
			)
			return errDeferred
		}
		s.deadLetter(ctx, DeadLetter{Item: bad.item, Reason: itemErr.Err.Error()})
		s.log.Warn("request dead-lettered",
			zap.String("sender", bad.item.Request.Sender.Hex()),
			zap.Uint64("nonce", bad.item.Request.Nonce),
			zap.Error(itemErr.Err),
		)
		s.requeue(ctx, rest)
		return nil
	}

	raws := make([]string, len(batch))
	for i, q := range batch {
		raws[i] = q.raw
	}
	s.requeue(ctx, raws)
	s.log.Warn("batch rejected; requeued", zap.Int("items", len(batch)), zap.Error(err))
	return err
}

// ahead reports whether reason is a nonce mismatch for a nonce the sender has
// not reached yet. A read failure counts as ahead so the item is kept.
func (s *Submitter) ahead(ctx context.Context, q queued, reason error) bool {
	if !errors.Is(reason, forwarder.ErrNonceMismatch) {
		return false
	}
	current, err := s.exec.CurrentNonce(ctx, q.item.Request.Sender)
	if err != nil {
		s.log.Warn("relay: read nonce", zap.Error(err))
		return true
	}
	return q.item.Request.Nonce > current
}

func (s *Submitter) claim(ctx context.Context, batch []queued) {
	if s.claimer == nil {
		return
	}
	beneficiaries := make([]common.Address, len(batch))
	for i, q := range batch {
		beneficiaries[i] = q.item.Request.Sender
	}
	amount := new(big.Int).Mul(s.claimPerItem, big.NewInt(int64(len(batch))))
	paid, err := s.claimer.Claim(ctx, s.address, amount, beneficiaries)
	if err != nil {
		s.log.Warn("reimbursement claim failed", zap.Stringer("requested", amount), zap.Error(err))
		return
	}
	s.log.Info("reimbursement claimed", zap.Stringer("requested", amount), zap.Stringer("paid", paid))
}

// requeue puts raws back at the head of the queue, keeping their order.
func (s *Submitter) requeue(ctx context.Context, raws []string) {
	if len(raws) == 0 {
		return
	}
	// LPUSH inserts each value at the head in turn, so push in reverse.
	vals := make([]any, len(raws))
	for i, r := range raws {
		vals[len(raws)-1-i] = r
	}
	if err := s.rdb.LPush(context.WithoutCancel(ctx), QueueKey, vals...).Err(); err != nil {
		s.log.Error("relay: requeue failed; items lost", zap.Int("items", len(raws)), zap.Error(err))
	}
}

// pushBack appends raw at the tail of the queue.
func (s *Submitter) pushBack(ctx context.Context, raw string) {
	if err := s.rdb.RPush(context.WithoutCancel(ctx), QueueKey, raw).Err(); err != nil {
		s.log.Error("relay: push back failed; item lost", zap.Error(err))
	}
}

func (s *Submitter) deadLetter(ctx context.Context, d DeadLetter) {
	d.FailedAt = time.Now().Unix()
	raw, err := json.Marshal(d)
	if err != nil {
		s.log.Error("relay: marshal dead letter", zap.Error(err))
		return
	}
	if err := s.rdb.RPush(context.WithoutCancel(ctx), DLQKey, string(raw)).Err(); err != nil {
		s.log.Error("relay: dead-letter push failed", zap.Error(err))
	}
}
