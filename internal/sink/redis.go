package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/LeonardoBeccarini/pasture_project/internal/model/messages"
)

// DefaultAlertStream is the stream alerts are appended to.
const DefaultAlertStream = "alerts"

// RedisClient is the subset of *redis.Client the sink uses.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XRevRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
}

// RedisOptions configures a RedisSink.
type RedisOptions struct {
	Stream    string // default "alerts"
	MaxLen    int64  // approximate stream cap, 0 keeps everything
	KeyPrefix string // default "field:"
}

// RedisSink keeps the latest-value hash per field and appends alerts to a stream.
type RedisSink struct {
	client RedisClient
	opts   RedisOptions
}

func NewRedisSink(client RedisClient, opts RedisOptions) *RedisSink {
	if opts.Stream == "" {
		opts.Stream = DefaultAlertStream
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "field:"
	}
	return &RedisSink{client: client, opts: opts}
}

// NewRedisClient parses a redis:// URL and pings the server before returning.
func NewRedisClient(ctx context.Context, url string, logger *slog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	if logger != nil {
		logger.Info("connected to redis", "addr", opts.Addr, "db", opts.DB)
	}
	return client, nil
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) key(fieldID string) string { return s.opts.KeyPrefix + fieldID }

// WriteLatest sets latest_<metric>, <metric>_7day_avg and last_ts on field:<id>.
func (s *RedisSink) WriteLatest(ctx context.Context, agg messages.LatestAggregate) error {
	return s.client.HSet(ctx, s.key(agg.FieldID), flatten(agg.Fields())...).Err()
}

// WriteAlert appends "field <id> type <alert_type>" followed by the payload entries.
func (s *RedisSink) WriteAlert(ctx context.Context, alert messages.AlertEvent) error {
	values := []interface{}{"field", alert.FieldID, "type", alert.AlertType}
	if alert.ID != "" {
		values = append(values, "id", alert.ID)
	}
	if alert.Policy != "" {
		values = append(values, "policy", alert.Policy)
	}
	pairs := flatten(alert.Payload)
	for i := 0; i < len(pairs); i += 2 {
		values = append(values, pairs[i], formatValue(pairs[i+1]))
	}
	args := &redis.XAddArgs{Stream: s.opts.Stream, ID: "*", Values: values}
	if s.opts.MaxLen > 0 {
		args.MaxLen = s.opts.MaxLen
		args.Approx = true
	}
	return s.client.XAdd(ctx, args).Err()
}

// Latest returns the hash for fieldID; an unknown field yields an empty map.
func (s *RedisSink) Latest(ctx context.Context, fieldID string) (map[string]string, error) {
	return s.client.HGetAll(ctx, s.key(fieldID)).Result()
}

// RecentAlerts reads up to n alerts, newest first.
func (s *RedisSink) RecentAlerts(ctx context.Context, n int64) ([]messages.AlertEvent, error) {
	if n <= 0 {
		n = 20
	}
	msgs, err := s.client.XRevRangeN(ctx, s.opts.Stream, "+", "-", n).Result()
	if err != nil {
		return nil, err
	}
	out := make([]messages.AlertEvent, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, alertFromStream(m))
	}
	return out, nil
}

func alertFromStream(m redis.XMessage) messages.AlertEvent {
	a := messages.AlertEvent{ID: m.ID, Payload: map[string]any{}}
	keys := make([]string, 0, len(m.Values))
	for k := range m.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(m.Values[k])
		switch k {
		case "field":
			a.FieldID = v
		case "type":
			a.AlertType = v
		case "policy":
			a.Policy = v
		case "id":
			a.ID = v
		default:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				a.Payload[k] = f
			} else {
				a.Payload[k] = v
			}
		}
	}
	if ts, ok := a.Payload["ts"].(string); ok {
		if t, err := messages.ParseTimestamp(ts); err == nil {
			a.Timestamp = t
		}
	}
	return a
}
