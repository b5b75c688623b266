package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/studiowebux/lanebench/internal/aggregate"
)

// FinalReportTTL is how long the final report stays readable under its key
const FinalReportTTL = 7 * 24 * time.Hour

// RedisClient is the subset of *redis.Client the sink uses
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Redis publishes every report as JSON on a channel and keeps the final
// report under lanebench:run:<run id>.
type Redis struct {
	r       RedisClient
	channel string
}

func NewRedis(r RedisClient, channel string) *Redis {
	return &Redis{
		r:       r,
		channel: channel,
	}
}

// FinalKey returns the key the final report of runID is stored under
func FinalKey(runID string) string {
	return fmt.Sprintf("lanebench:run:%s", runID)
}

func (r *Redis) Emit(ctx context.Context, rep aggregate.Report) error {
	data, err := json.Marshal(&rep)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if err := r.r.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish report: %w", err)
	}

	if rep.Final {
		if err := r.r.Set(ctx, FinalKey(rep.RunID), data, FinalReportTTL).Err(); err != nil {
			return fmt.Errorf("failed to save final report: %w", err)
		}
	}
	return nil
}
