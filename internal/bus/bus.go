package bus

import (
	"log/slog"
	"reflect"

	"github.com/cskr/pubsub"
)

// Per-subscriber buffer. A consumer this far behind blocks publishers
// (Publish) or loses events (TryPublish).
const defaultCapacity = 128

type Subscription chan any

// MessageBus decouples event producers (realtime feed, sync engine,
// badge aggregator) from whoever renders or persists the results.
type MessageBus interface {
	Publish(topic string, msg any)
	TryPublish(topic string, msg any)
	Subscribe(topics ...string) Subscription
	Unsubscribe(ch Subscription, topics ...string)
	Close()
}

type PubSubBus struct {
	ps     *pubsub.PubSub
	logger *slog.Logger
}

func New(logger *slog.Logger) *PubSubBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &PubSubBus{
		ps:     pubsub.New(defaultCapacity),
		logger: logger,
	}
}

// Publish delivers msg to every subscriber of topic, waiting on any
// whose buffer is full. For events that must not be lost.
func (b *PubSubBus) Publish(topic string, msg any) {
	b.logger.Debug("publish", "topic", topic, "payload_type", payloadType(msg))
	b.ps.Pub(msg, topic)
}

// TryPublish delivers msg to subscribers with buffer room and drops it
// for the rest. The realtime change firehose publishes this way so one
// stalled consumer cannot back up the socket read pump.
func (b *PubSubBus) TryPublish(topic string, msg any) {
	b.logger.Debug("try_publish", "topic", topic, "payload_type", payloadType(msg))
	b.ps.TryPub(msg, topic)
}

func (b *PubSubBus) Subscribe(topics ...string) Subscription {
	ch := b.ps.Sub(topics...)
	b.logger.Debug("subscribe", "topics", topics)
	return ch
}

func (b *PubSubBus) Unsubscribe(ch Subscription, topics ...string) {
	if len(topics) == 0 {
		b.ps.Unsub(ch)
		b.logger.Debug("unsubscribe", "mode", "all")
		return
	}
	b.ps.Unsub(ch, topics...)
	b.logger.Debug("unsubscribe", "topics", topics)
}

func (b *PubSubBus) Close() {
	b.ps.Shutdown()
}

func payloadType(v any) string {
	if v == nil {
		return "<nil>"
	}
	return reflect.TypeOf(v).String()
}
