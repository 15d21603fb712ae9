package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStorage persists events and dead letters into Redis lists, grounded
// on the teacher's RedisEventBus (redis.go) which JSON-marshals Event
// values over Redis pub/sub; here the same marshaling is repointed at
// RPush-backed durable lists instead of a PUBLISH, since cross-process
// delivery is out of this package's scope.
type RedisStorage struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStorage creates a RedisStorage using client. keyPrefix namespaces
// the lists this adapter writes, e.g. "eventbus:" producing
// "eventbus:pending:<topic>" and "eventbus:deadletters".
func NewRedisStorage(client *redis.Client, keyPrefix string) *RedisStorage {
	if keyPrefix == "" {
		keyPrefix = "eventbus:"
	}
	return &RedisStorage{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStorage) pendingKey(topic string) string {
	return s.keyPrefix + "pending:" + topic
}

func (s *RedisStorage) deadLetterKey() string {
	return s.keyPrefix + "deadletters"
}

type redisEnvelope struct {
	EventID     string         `json:"event_id"`
	Topic       string         `json:"topic"`
	Payload     any            `json:"payload"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	PublishedAt int64          `json:"published_at"`
	Scope       string         `json:"scope,omitempty"`
	PublisherID string         `json:"publisher_id,omitempty"`
}

func toRedisEnvelope(e Envelope) redisEnvelope {
	return redisEnvelope{
		EventID:     e.EventID,
		Topic:       e.Topic,
		Payload:     e.Payload,
		Metadata:    e.Metadata,
		PublishedAt: e.PublishedAt.UnixNano(),
		Scope:       e.Scope,
		PublisherID: e.PublisherID,
	}
}

func (s *RedisStorage) PersistEvent(ctx context.Context, envelope Envelope) error {
	payload, err := json.Marshal(toRedisEnvelope(envelope))
	if err != nil {
		return fmt.Errorf("eventbus: marshal envelope: %w", err)
	}
	if err := s.client.RPush(ctx, s.pendingKey(envelope.Topic), payload).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	return nil
}

func (s *RedisStorage) LoadPending(ctx context.Context, topic string) ([]Envelope, error) {
	raw, err := s.client.LRange(ctx, s.pendingKey(topic), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Envelope, 0, len(raw))
	for _, item := range raw {
		var re redisEnvelope
		if err := json.Unmarshal([]byte(item), &re); err != nil {
			continue
		}
		out = append(out, Envelope{
			EventID:     re.EventID,
			Topic:       re.Topic,
			Payload:     re.Payload,
			Metadata:    re.Metadata,
			Scope:       re.Scope,
			PublisherID: re.PublisherID,
		})
	}
	return out, nil
}

func (s *RedisStorage) RecordDeadLetter(ctx context.Context, dl DeadLetter) error {
	payload, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.deadLetterKey(), payload).Err()
}

func (s *RedisStorage) Close() error {
	return s.client.Close()
}
