package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-relay/internal/forwarder"
	"github.com/0gfoundation/0g-relay/internal/request"
)

// Checker is the read-only verification the queue runs before accepting an item.
type Checker interface {
	Check(ctx context.Context, req *request.Request, sig []byte) error
	CurrentNonce(ctx context.Context, sender common.Address) (uint64, error)
}

// Queue admits signed requests and appends them to QueueKey.
type Queue struct {
	rdb     *redis.Client
	checker Checker
	log     *zap.Logger
}

func NewQueue(rdb *redis.Client, checker Checker, log *zap.Logger) *Queue {
	return &Queue{rdb: rdb, checker: checker, log: log}
}

// Admit checks s without enqueuing it. A nonce ahead of the sender's counter
// is accepted: earlier requests from the same sender may still be queued.
func (q *Queue) Admit(ctx context.Context, s *request.Signed) error {
	if err := s.Request.Validate(); err != nil {
		return err
	}
	err := q.checker.Check(ctx, &s.Request, s.Signature)
	if err == nil || !errors.Is(err, forwarder.ErrNonceMismatch) {
		return err
	}
	current, cerr := q.checker.CurrentNonce(ctx, s.Request.Sender)
	if cerr != nil {
		return fmt.Errorf("read nonce: %w", cerr)
	}
	if s.Request.Nonce > current {
		return nil
	}
	return err
}

// Enqueue admits s and appends it to the queue.
func (q *Queue) Enqueue(ctx context.Context, s *request.Signed) error {
	if err := q.Admit(ctx, s); err != nil {
		return err
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if err := q.rdb.RPush(ctx, QueueKey, string(raw)).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	q.log.Debug("request queued",
		zap.String("sender", s.Request.Sender.Hex()),
		zap.Uint64("nonce", s.Request.Nonce),
		zap.String("target", s.Request.Target.Hex()),
	)
	return nil
}

// Depth returns the number of items waiting.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, QueueKey).Result()
}

// DeadLetters returns up to n of the most recent dead letters, newest last.
func (q *Queue) DeadLetters(ctx context.Context, n int64) ([]DeadLetter, error) {
	raws, err := q.rdb.LRange(ctx, DLQKey, -n, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dlq: %w", err)
	}
	out := make([]DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var d DeadLetter
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			q.log.Warn("relay: undecodable dead letter", zap.String("raw", raw), zap.Error(err))
			continue
		}
		out = append(out, d)
	}
	return out, nil
}
