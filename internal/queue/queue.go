// Package queue implements the durable signal dispatch queue on redis
// sorted sets.
//
// Three observable collections back the queue:
//
//	<key>             - pending, scored by -signal.score + sub-second jitter
//	<key>:processing  - in flight, scored by the instant consumption started
//	<key>:failed      - dead letters, scored by failure instant
//
// The jitter guarantees a total order when scores tie; the monotonic
// insertion counter travels in the payload so retries re-sort stably. Every
// payload exists in exactly one collection at any moment: consumption moves
// the member pending→processing in a single server-side script, and zombie
// recovery republishes before removing so a crash can duplicate work but
// never lose it (the queue is at-least-once).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"tradecore/pkg/types"
)

// consumeScript atomically pops the best pending member and parks it in
// processing scored by the current instant.
var consumeScript = redis.NewScript(`
local item = redis.call('ZPOPMIN', KEYS[1])
if #item == 0 then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[1], item[1])
return item[1]
`)

// Stats is the size of each collection.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Failed     int64 `json:"failed"`
}

// Queue is the redis-backed signal dispatch queue. Safe for concurrent use
// across goroutines and processes; all mutations are single redis commands
// or transactions.
type Queue struct {
	rdb    *redis.Client
	key    string // pending sorted set; :processing and :failed derived
	logger *slog.Logger

	maxRetries    int
	zombieTimeout time.Duration

	counter atomic.Uint64
}

// New creates a queue over an existing redis client.
func New(rdb *redis.Client, key string, maxRetries int, zombieTimeout time.Duration, logger *slog.Logger) *Queue {
	return &Queue{
		rdb:           rdb,
		key:           key,
		logger:        logger.With("component", "queue", "key", key),
		maxRetries:    maxRetries,
		zombieTimeout: zombieTimeout,
	}
}

func (q *Queue) processingKey() string { return q.key + ":processing" }
func (q *Queue) failedKey() string     { return q.key + ":failed" }

// priorityFor computes the sorted-set score for a signal: the integer
// portion is -score (higher quality pops first), the fraction is the
// wall-clock sub-second component so equal scores keep insertion order.
func priorityFor(score float64, now time.Time) float64 {
	frac := float64(now.Nanosecond()) / float64(time.Second)
	return -score + frac
}

// Publish atomically inserts the signal into pending. The caller keeps
// ownership of sig; queue metadata fields are filled in here.
func (q *Queue) Publish(ctx context.Context, sig *types.Signal) error {
	now := time.Now()
	sig.Counter = q.counter.Add(1)
	sig.QueuedAt = now
	sig.Priority = priorityFor(sig.Score, now)

	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	if err := q.rdb.ZAdd(ctx, q.key, redis.Z{Score: sig.Priority, Member: string(payload)}).Err(); err != nil {
		return fmt.Errorf("publish signal %s: %w", sig.ID, err)
	}
	q.logger.Debug("signal published",
		"id", sig.ID,
		"symbol", sig.Symbol,
		"side", sig.Side,
		"score", sig.Score,
	)
	return nil
}

// Consume pops the highest-priority pending signal and moves it to
// processing. Recovers zombies first. Returns nil with no error when the
// queue is empty.
func (q *Queue) Consume(ctx context.Context) (*types.Signal, error) {
	if _, err := q.RecoverZombies(ctx, q.zombieTimeout); err != nil {
		q.logger.Warn("zombie recovery failed", "error", err)
	}

	now := time.Now()
	res, err := consumeScript.Run(ctx, q.rdb, []string{q.key, q.processingKey()}, float64(now.UnixNano())/float64(time.Second)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	payload, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("consume: unexpected script result %T", res)
	}

	var sig types.Signal
	if err := json.Unmarshal([]byte(payload), &sig); err != nil {
		// Poison payload: drop it from processing so it cannot wedge the
		// zombie sweeper forever.
		q.rdb.ZRem(ctx, q.processingKey(), payload)
		return nil, fmt.Errorf("consume: corrupt payload: %w", err)
	}
	started := now
	sig.ProcessingStartedAt = &started
	sig.OriginalPayload = payload
	return &sig, nil
}

// MarkCompleted removes the signal from processing.
func (q *Queue) MarkCompleted(ctx context.Context, sig *types.Signal) error {
	if sig.OriginalPayload == "" {
		return fmt.Errorf("mark completed %s: signal was not consumed from this queue", sig.ID)
	}
	if err := q.rdb.ZRem(ctx, q.processingKey(), sig.OriginalPayload).Err(); err != nil {
		return fmt.Errorf("mark completed %s: %w", sig.ID, err)
	}
	return nil
}

// MarkFailed removes the signal from processing and either republishes it
// with a reduced priority (retry budget permitting and retryable) or moves
// it to the failed set.
func (q *Queue) MarkFailed(ctx context.Context, sig *types.Signal, cause string, retryable bool) error {
	if sig.OriginalPayload == "" {
		return fmt.Errorf("mark failed %s: signal was not consumed from this queue", sig.ID)
	}

	sig.LastError = cause
	retry := retryable && sig.RetryCount+1 < q.maxRetries

	pipe := q.rdb.TxPipeline()
	if retry {
		sig.RetryCount++
		// Each retry demotes the signal 10 priority points so fresh
		// signals of equal quality run first.
		sig.Priority = priorityFor(sig.Score, time.Now()) + 10*float64(sig.RetryCount)
		sig.ProcessingStartedAt = nil
		payload, err := json.Marshal(sig)
		if err != nil {
			return fmt.Errorf("marshal retry signal: %w", err)
		}
		pipe.ZAdd(ctx, q.key, redis.Z{Score: sig.Priority, Member: string(payload)})
	} else {
		sig.ProcessingStartedAt = nil
		payload, err := json.Marshal(sig)
		if err != nil {
			return fmt.Errorf("marshal failed signal: %w", err)
		}
		pipe.ZAdd(ctx, q.failedKey(), redis.Z{
			Score:  float64(time.Now().UnixNano()) / float64(time.Second),
			Member: string(payload),
		})
	}
	pipe.ZRem(ctx, q.processingKey(), sig.OriginalPayload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark failed %s: %w", sig.ID, err)
	}

	if retry {
		q.logger.Info("signal requeued for retry",
			"id", sig.ID, "symbol", sig.Symbol, "retry", sig.RetryCount, "cause", cause)
	} else {
		q.logger.Warn("signal moved to failed",
			"id", sig.ID, "symbol", sig.Symbol, "retries", sig.RetryCount, "cause", cause)
	}
	return nil
}

// RecoverZombies republishes processing items older than timeout at their
// original priority. Republish happens before removal inside a transaction
// so an item is never lost; invoking it twice in a row is a no-op the
// second time. Returns the number of items recovered.
func (q *Queue) RecoverZombies(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := float64(time.Now().Add(-timeout).UnixNano()) / float64(time.Second)
	members, err := q.rdb.ZRangeByScore(ctx, q.processingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", cutoff),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan processing: %w", err)
	}

	recovered := 0
	for _, payload := range members {
		var sig types.Signal
		if err := json.Unmarshal([]byte(payload), &sig); err != nil {
			q.logger.Error("corrupt zombie payload dropped", "error", err)
			q.rdb.ZRem(ctx, q.processingKey(), payload)
			continue
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZAdd(ctx, q.key, redis.Z{Score: sig.Priority, Member: payload})
		pipe.ZRem(ctx, q.processingKey(), payload)
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, fmt.Errorf("recover zombie %s: %w", sig.ID, err)
		}
		recovered++
		q.logger.Warn("zombie signal recovered",
			"id", sig.ID,
			"symbol", sig.Symbol,
			"stuck_for", time.Since(sig.QueuedAt).Round(time.Second),
		)
	}
	return recovered, nil
}

// HasPending reports whether any signal for the symbol (and side, when
// non-empty) sits in pending or processing. Producers call this before
// publishing to avoid duplicate intents.
func (q *Queue) HasPending(ctx context.Context, symbol string, side types.Side) (bool, error) {
	for _, key := range []string{q.key, q.processingKey()} {
		members, err := q.rdb.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return false, fmt.Errorf("scan %s: %w", key, err)
		}
		for _, payload := range members {
			var sig types.Signal
			if err := json.Unmarshal([]byte(payload), &sig); err != nil {
				continue
			}
			if sig.Symbol == symbol && (side == "" || sig.Side == side) {
				return true, nil
			}
		}
	}
	return false, nil
}

// Stats returns the size of each collection.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	pending := pipe.ZCard(ctx, q.key)
	processing := pipe.ZCard(ctx, q.processingKey())
	failed := pipe.ZCard(ctx, q.failedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return Stats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Failed:     failed.Val(),
	}, nil
}

// Collection names accepted by Clear.
const (
	CollectionPending    = "pending"
	CollectionProcessing = "processing"
	CollectionFailed     = "failed"
)

// Clear empties one collection. Administrative use only.
func (q *Queue) Clear(ctx context.Context, collection string) error {
	var key string
	switch collection {
	case CollectionPending:
		key = q.key
	case CollectionProcessing:
		key = q.processingKey()
	case CollectionFailed:
		key = q.failedKey()
	default:
		return fmt.Errorf("unknown collection %q", collection)
	}
	return q.rdb.Del(ctx, key).Err()
}
