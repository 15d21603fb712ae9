package eventbus

// Event type constants for the bus's own internal telemetry, mirrored from
// the teacher's CloudEvents-style constants in events.go but renamed under
// this module's domain.
const (
	EventTypePublished    = "com.eventbus.message.published"
	EventTypeDelivered    = "com.eventbus.message.delivered"
	EventTypeDeliveryFail = "com.eventbus.message.delivery_failed"
	EventTypeDeadLettered = "com.eventbus.message.dead_lettered"
	EventTypeSubscribed   = "com.eventbus.subscription.created"
	EventTypeUnsubscribed = "com.eventbus.subscription.removed"
	EventTypeSubscriberGC = "com.eventbus.subscription.reaped"
)

// Emitter is the bus's own telemetry sink — a narrow interface the bus
// depends on rather than a concrete DI-framework base type, since the host
// application (the module-loading framework, config store, and metrics
// sink the bus purposefully excludes from its own scope) is responsible for
// wiring whatever CloudEvents receiver actually consumes these. Grounded on
// the teacher's EventBusModule.EmitEvent/emitEvent, narrowed to just the
// calls the bus itself needs to make.
type Emitter interface {
	EmitPublished(envelope Envelope)
	EmitDelivered(envelope Envelope, subscriberID string, attempt int)
	EmitDeliveryFailed(envelope Envelope, subscriberID string, attempt int, cause error)
	EmitDeadLettered(envelope Envelope, subscriberID string, attempts int, cause error)
	EmitSubscribed(pattern, subscriberID string)
	EmitUnsubscribed(pattern, subscriberID string)
	EmitSubscriberReaped(subscriberID string)
}

// NoopEmitter discards every event. It is the default Emitter when the host
// doesn't wire a CloudEvents receiver, equivalent to the teacher's pattern
// of tolerating a nil observer registry.
type NoopEmitter struct{}

func (NoopEmitter) EmitPublished(Envelope)                                    {}
func (NoopEmitter) EmitDelivered(Envelope, string, int)                       {}
func (NoopEmitter) EmitDeliveryFailed(Envelope, string, int, error)           {}
func (NoopEmitter) EmitDeadLettered(Envelope, string, int, error)             {}
func (NoopEmitter) EmitSubscribed(string, string)                             {}
func (NoopEmitter) EmitUnsubscribed(string, string)                           {}
func (NoopEmitter) EmitSubscriberReaped(string)                               {}
