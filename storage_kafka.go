package eventbus

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
)

// KafkaDeadLetterStorage persists dead letters (and, optionally, persisted
// events) to Kafka topics via a synchronous producer, grounded on the
// teacher's KafkaEventBus (kafka.go) which used sarama as a pub/sub
// transport; here it is repurposed purely as an append-only durability
// sink for terminal failures, which is the role a Kafka topic is actually
// well suited to in a system that does its live fan-out in-process.
//
// LoadPending is intentionally unsupported: recovering "pending" state from
// a Kafka topic requires a consumer group and offset tracking that belongs
// to a dedicated recovery tool, not this adapter's synchronous write path.
type KafkaDeadLetterStorage struct {
	producer        sarama.SyncProducer
	eventsTopic     string
	deadLetterTopic string
}

// NewKafkaDeadLetterStorage creates a KafkaDeadLetterStorage using an
// already-configured sarama.SyncProducer.
func NewKafkaDeadLetterStorage(producer sarama.SyncProducer, eventsTopic, deadLetterTopic string) *KafkaDeadLetterStorage {
	return &KafkaDeadLetterStorage{producer: producer, eventsTopic: eventsTopic, deadLetterTopic: deadLetterTopic}
}

func (s *KafkaDeadLetterStorage) PersistEvent(_ context.Context, envelope Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	_, _, err = s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.eventsTopic,
		Key:   sarama.StringEncoder(envelope.Topic),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return ErrPersistFailed
	}
	return nil
}

func (s *KafkaDeadLetterStorage) LoadPending(context.Context, string) ([]Envelope, error) {
	return nil, ErrUnknownTopic
}

func (s *KafkaDeadLetterStorage) RecordDeadLetter(_ context.Context, dl DeadLetter) error {
	payload, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	_, _, err = s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.deadLetterTopic,
		Key:   sarama.StringEncoder(dl.Subscriber),
		Value: sarama.ByteEncoder(payload),
	})
	return err
}

func (s *KafkaDeadLetterStorage) Close() error {
	return s.producer.Close()
}
