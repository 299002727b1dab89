// Package notify publishes session lifecycle signals on a Redis stream.
// Signals are hints for the transcription worker; the session status column
// remains the source of truth the worker polls.
package notify

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	EventSessionUploaded = "session.uploaded"

	defaultStream = "voxa:sessions"
	defaultMaxLen = 10000
)

// Event is one stream entry.
type Event struct {
	Type           string
	SessionID      string
	OrganizationID string
	Parts          int
	Combined       bool
	At             time.Time
}

// Publisher publishes session events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// RedisStreamPublisher appends events with XADD, trimming the stream
// approximately to MaxLen entries.
type RedisStreamPublisher struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// StreamConfig configures the publisher.
type StreamConfig struct {
	Stream string
	MaxLen int64
}

// NewRedisStreamPublisher wraps an existing Redis client.
func NewRedisStreamPublisher(client redis.Cmdable, cfg StreamConfig) (*RedisStreamPublisher, error) {
	if client == nil {
		return nil, errors.New("notify: redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = defaultStream
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	return &RedisStreamPublisher{client: client, stream: stream, maxLen: maxLen}, nil
}

// Publish appends ev to the stream.
func (p *RedisStreamPublisher) Publish(ctx context.Context, ev Event) error {
	if strings.TrimSpace(ev.SessionID) == "" {
		return errors.New("notify: session id required")
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":            ev.Type,
			"session_id":      ev.SessionID,
			"organization_id": ev.OrganizationID,
			"parts":           strconv.Itoa(ev.Parts),
			"combined":        strconv.FormatBool(ev.Combined),
			"at":              ev.At.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
