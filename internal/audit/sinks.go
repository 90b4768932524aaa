package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/xid"
)

type AuditLogWriter interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
}

// StoreSink persists events as audit_logs rows.
type StoreSink struct {
	Repo AuditLogWriter
}

func (s StoreSink) Write(ctx context.Context, event Event) error {
	details, err := encodeDetails(event.Details)
	if err != nil {
		return err
	}
	return s.Repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         xid.New("audit"),
		Action:     event.Action,
		ActorID:    event.ActorID,
		TargetType: event.TargetType,
		TargetID:   event.TargetID,
		Details:    details,
		CreatedAt:  event.At,
	})
}

// RedisStreamSink appends events to a capped Redis stream for downstream consumers.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStreamSink(client *redis.Client, stream string, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = "kasirledger:audit"
	}
	if maxLen < 1 {
		maxLen = 100_000
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Write(ctx context.Context, event Event) error {
	details, err := encodeDetails(event.Details)
	if err != nil {
		return err
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"action":      event.Action,
			"actor_id":    event.ActorID,
			"target_type": event.TargetType,
			"target_id":   event.TargetID,
			"details":     details,
			"at":          event.At.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

func encodeDetails(details map[string]any) (string, error) {
	if len(details) == 0 {
		return "{}", nil
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("encode audit details: %w", err)
	}
	return string(payload), nil
}
