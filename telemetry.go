package eventbus

import (
	"context"
	"log/slog"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEventsEmitter implements Emitter by constructing a CloudEvent per
// call and handing it to a client for delivery, mirroring the teacher's
// modular.NewCloudEvent/EmitEvent pattern in module.go but without the
// modular.Application dependency injection container — the client and
// source are supplied directly by whoever constructs the bus.
type CloudEventsEmitter struct {
	client cloudevents.Client
	source string
	logger *slog.Logger
}

// NewCloudEventsEmitter creates an Emitter that publishes through client.
// source identifies this bus instance in emitted events (e.g. a hostname or
// service name). If client is nil, emitted events are only logged.
func NewCloudEventsEmitter(client cloudevents.Client, source string, logger *slog.Logger) *CloudEventsEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudEventsEmitter{client: client, source: source, logger: logger}
}

func (e *CloudEventsEmitter) send(ctx context.Context, eventType string, data map[string]any) {
	ev := cloudevents.NewEvent()
	ev.SetID(uuid.NewString())
	ev.SetSource(e.source)
	ev.SetType(eventType)
	if err := ev.SetData(cloudevents.ApplicationJSON, data); err != nil {
		e.logger.Warn("eventbus: failed to encode telemetry event", "type", eventType, "error", err)
		return
	}

	if e.client == nil {
		e.logger.Debug("eventbus: telemetry event", "type", eventType, "data", data)
		return
	}
	if result := e.client.Send(ctx, ev); cloudevents.IsUndelivered(result) {
		e.logger.Warn("eventbus: telemetry event undelivered", "type", eventType, "error", result)
	}
}

func (e *CloudEventsEmitter) EmitPublished(envelope Envelope) {
	e.send(context.Background(), EventTypePublished, map[string]any{
		"event_id": envelope.EventID,
		"topic":    envelope.Topic,
	})
}

func (e *CloudEventsEmitter) EmitDelivered(envelope Envelope, subscriberID string, attempt int) {
	e.send(context.Background(), EventTypeDelivered, map[string]any{
		"event_id":   envelope.EventID,
		"topic":      envelope.Topic,
		"subscriber": subscriberID,
		"attempt":    attempt,
	})
}

func (e *CloudEventsEmitter) EmitDeliveryFailed(envelope Envelope, subscriberID string, attempt int, cause error) {
	e.send(context.Background(), EventTypeDeliveryFail, map[string]any{
		"event_id":   envelope.EventID,
		"topic":      envelope.Topic,
		"subscriber": subscriberID,
		"attempt":    attempt,
		"error":      errString(cause),
	})
}

func (e *CloudEventsEmitter) EmitDeadLettered(envelope Envelope, subscriberID string, attempts int, cause error) {
	e.send(context.Background(), EventTypeDeadLettered, map[string]any{
		"event_id":   envelope.EventID,
		"topic":      envelope.Topic,
		"subscriber": subscriberID,
		"attempts":   attempts,
		"error":      errString(cause),
	})
}

func (e *CloudEventsEmitter) EmitSubscribed(pattern, subscriberID string) {
	e.send(context.Background(), EventTypeSubscribed, map[string]any{
		"pattern":    pattern,
		"subscriber": subscriberID,
	})
}

func (e *CloudEventsEmitter) EmitUnsubscribed(pattern, subscriberID string) {
	e.send(context.Background(), EventTypeUnsubscribed, map[string]any{
		"pattern":    pattern,
		"subscriber": subscriberID,
	})
}

func (e *CloudEventsEmitter) EmitSubscriberReaped(subscriberID string) {
	e.send(context.Background(), EventTypeSubscriberGC, map[string]any{
		"subscriber": subscriberID,
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
