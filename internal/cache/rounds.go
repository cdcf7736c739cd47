package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"crashd/internal/game"
)

const (
	keySnapshot   = "crash:snapshot"
	keyLastRounds = "crash:last_rounds"

	snapshotTTL = time.Minute
)

// RoundCache keeps the live state snapshot and recent round history in redis
// so resync reads never touch postgres. Best-effort: storage stays the source
// of truth.
type RoundCache struct {
	client *redis.Client
}

func NewRoundCache(svc Service) *RoundCache {
	return &RoundCache{client: svc.GetClient()}
}

func (c *RoundCache) SaveSnapshot(ctx context.Context, state *game.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return c.client.Set(ctx, keySnapshot, data, snapshotTTL).Err()
}

func (c *RoundCache) Snapshot(ctx context.Context) (*game.State, error) {
	data, err := c.client.Get(ctx, keySnapshot).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var state game.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &state, nil
}

func (c *RoundCache) PushRound(ctx context.Context, round game.RoundSummary, keep int) error {
	data, err := json.Marshal(round)
	if err != nil {
		return fmt.Errorf("failed to marshal round: %w", err)
	}
	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, keyLastRounds, data)
	pipe.LTrim(ctx, keyLastRounds, 0, int64(keep)-1)
	_, err = pipe.Exec(ctx)
	return err
}

// LastRounds returns up to limit cached rounds in chronological order.
func (c *RoundCache) LastRounds(ctx context.Context, limit int) ([]game.RoundSummary, error) {
	items, err := c.client.LRange(ctx, keyLastRounds, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read round history: %w", err)
	}
	rounds := make([]game.RoundSummary, 0, len(items))
	// Stored newest-first; return chronological.
	for i := len(items) - 1; i >= 0; i-- {
		var r game.RoundSummary
		if err := json.Unmarshal([]byte(items[i]), &r); err != nil {
			continue
		}
		rounds = append(rounds, r)
	}
	return rounds, nil
}
