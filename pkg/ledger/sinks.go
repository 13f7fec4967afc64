package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cuemby/sdmgr/pkg/events"
	"github.com/cuemby/sdmgr/pkg/log"
	"github.com/redis/go-redis/v9"
)

// LogSink writes transitions to the structured log
type LogSink struct{}

func (LogSink) Notify(_ context.Context, t Transition) error {
	logger := log.WithCheck(t.CheckID)
	ev := logger.Info()
	if !t.Current.Success {
		ev = logger.Warn()
	}

	ev = ev.Str("component", "ledger").
		Str("entity_kind", t.EntityKind).
		Str("entity_id", t.EntityID).
		Str("check", t.Check).
		Bool("success", t.Current.Success).
		Str("output", t.Current.Output)
	if t.Previous != nil {
		ev = ev.Bool("previous_success", t.Previous.Success).Str("previous_output", t.Previous.Output)
	}
	ev.Msg("check status changed")
	return nil
}

// EventSink publishes transitions to the events broker
type EventSink struct {
	Publisher events.Publisher
}

func (s EventSink) Notify(_ context.Context, t Transition) error {
	s.Publisher.Publish(&events.Event{
		Type:    events.EventCheckTransition,
		Message: fmt.Sprintf("%s: %s", t.CheckID, t.Current.Output),
		Metadata: map[string]string{
			"check_id":    t.CheckID,
			"entity_kind": t.EntityKind,
			"entity_id":   t.EntityID,
			"check":       t.Check,
			"success":     strconv.FormatBool(t.Current.Success),
		},
	})
	return nil
}

// DefaultRedisChannel is the channel RedisSink publishes on when none is set
const DefaultRedisChannel = "sdmgr:transitions"

// RedisSink publishes transitions as JSON on a Redis pub/sub channel so an
// external alerting pipeline can consume them
type RedisSink struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisSink creates a sink publishing on channel
func NewRedisSink(client redis.UniversalClient, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Notify(ctx context.Context, t Transition) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode transition: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish transition: %w", err)
	}
	return nil
}

// RedisOptions configures the Redis connection for RedisSink
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// DialRedis connects and pings a Redis server
func DialRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return client, nil
}
