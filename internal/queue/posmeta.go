// posmeta.go tracks per-position metadata in redis hashes
// (trading:positions:<symbol>) alongside the queue.
//
// The capital rotation scorer needs to know when a position was opened and
// at what price, which the broker's position snapshot does not always
// carry. The router writes an entry on the first BUY fill and clears it
// when the position is closed out.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const positionMetaPrefix = "trading:positions:"

// PositionMeta is the hash payload for one symbol.
type PositionMeta struct {
	Symbol     string
	AddedAt    time.Time
	EntryPrice decimal.Decimal
}

// PositionTracker reads and writes position metadata hashes.
type PositionTracker struct {
	rdb *redis.Client
}

// NewPositionTracker creates a tracker over an existing redis client.
func NewPositionTracker(rdb *redis.Client) *PositionTracker {
	return &PositionTracker{rdb: rdb}
}

// Record upserts the hash for a symbol. Only the first call for a live
// position sets added_at; later fills keep the original entry instant.
func (t *PositionTracker) Record(ctx context.Context, symbol string, entryPrice decimal.Decimal) error {
	key := positionMetaPrefix + symbol
	exists, err := t.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("check position meta %s: %w", symbol, err)
	}
	fields := map[string]any{"entry_price": entryPrice.String()}
	if exists == 0 {
		fields["added_at"] = strconv.FormatInt(time.Now().Unix(), 10)
	}
	if err := t.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("record position meta %s: %w", symbol, err)
	}
	return nil
}

// Get returns the metadata for a symbol, or nil if none is tracked.
func (t *PositionTracker) Get(ctx context.Context, symbol string) (*PositionMeta, error) {
	key := positionMetaPrefix + symbol
	vals, err := t.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("get position meta %s: %w", symbol, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	meta := &PositionMeta{Symbol: symbol}
	if raw, ok := vals["added_at"]; ok {
		if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
			meta.AddedAt = time.Unix(sec, 0)
		}
	}
	if raw, ok := vals["entry_price"]; ok {
		if d, err := decimal.NewFromString(raw); err == nil {
			meta.EntryPrice = d
		}
	}
	return meta, nil
}

// AddedAt returns the open instant for a symbol, and whether one is known.
func (t *PositionTracker) AddedAt(ctx context.Context, symbol string) (time.Time, bool, error) {
	meta, err := t.Get(ctx, symbol)
	if err != nil {
		return time.Time{}, false, err
	}
	if meta == nil || meta.AddedAt.IsZero() {
		return time.Time{}, false, nil
	}
	return meta.AddedAt, true, nil
}

// Clear removes the hash when a position is fully closed.
func (t *PositionTracker) Clear(ctx context.Context, symbol string) error {
	return t.rdb.Del(ctx, positionMetaPrefix+symbol).Err()
}
