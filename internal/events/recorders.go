package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LogKey is the Redis list that RedisRecorder appends to.
const LogKey = "events:log"

// LogRecorder writes each record as a structured log line.
type LogRecorder struct {
	log *zap.Logger
}

func NewLogRecorder(log *zap.Logger) *LogRecorder {
	return &LogRecorder{log: log}
}

func (r *LogRecorder) Record(_ context.Context, e Event) {
	fields := []zap.Field{
		zap.String("kind", string(e.Kind)),
		zap.String("actor", e.Actor.Hex()),
	}
	switch e.Kind {
	case KindExecutionOutcome:
		fields = append(fields,
			zap.String("sender", e.Subject.Hex()),
			zap.String("target", e.Target.Hex()),
			zap.Uint64("nonce", e.Nonce),
			zap.Int("index", e.Index),
			zap.Bool("success", e.Success),
		)
		if e.Error != "" {
			fields = append(fields, zap.String("error", e.Error))
		}
	case KindBatchExecuted:
		fields = append(fields, zap.Int("items", e.Count), zap.Int("successes", e.Successes))
	case KindWhitelistUpdated, KindPauseToggled:
		fields = append(fields, zap.String("subject", e.Subject.Hex()), zap.Bool("flag", e.Flag))
	case KindOwnershipTransferred:
		fields = append(fields, zap.String("new_owner", e.Subject.Hex()))
	case KindLimitsUpdated:
		for k, v := range e.Data {
			fields = append(fields, zap.String(k, v))
		}
	}
	if e.Amount != nil {
		fields = append(fields, zap.String("amount", e.Amount.String()))
	}
	if e.Kind == KindClaimed {
		fields = append(fields, zap.Int("beneficiaries", e.Count))
	}
	r.log.Info("audit event", fields...)
}

// RedisRecorder appends JSON records to the LogKey list.
type RedisRecorder struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewRedisRecorder(rdb *redis.Client, log *zap.Logger) *RedisRecorder {
	return &RedisRecorder{rdb: rdb, log: log}
}

func (r *RedisRecorder) Record(ctx context.Context, e Event) {
	raw, err := json.Marshal(e)
	if err != nil {
		r.log.Error("events: marshal", zap.String("kind", string(e.Kind)), zap.Error(err))
		return
	}
	if err := r.rdb.RPush(ctx, LogKey, string(raw)).Err(); err != nil {
		r.log.Error("events: append", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}
