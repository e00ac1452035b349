// Package events captures orchestration transitions as typed, timestamped
// records and renders them for machines and humans.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"

	"github.com/spawner/orchestrator/internal/domain"
)

// DefaultTopic is the watermill topic events are forwarded to.
const DefaultTopic = "spawner.events"

// Bus is the in-memory ordered event log owned by one driving session.
// A nil *Bus accepts Emit calls and drops them.
type Bus struct {
	mu        sync.Mutex
	events    []domain.OrchestrationEvent
	publisher message.Publisher
	topic     string
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithPublisher forwards every emitted event, JSON encoded, to pub on topic.
func WithPublisher(pub message.Publisher, topic string) Option {
	return func(b *Bus) {
		b.publisher = pub
		if topic != "" {
			b.topic = topic
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// WithLogger sets the logger used for publish failures.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		topic:  DefaultTopic,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Emit appends a new event and returns it. Data is deep-copied through JSON
// so later mutation by the caller cannot alter the recorded event.
func (b *Bus) Emit(t domain.EventType, data map[string]any) domain.OrchestrationEvent {
	ev := domain.OrchestrationEvent{Type: t, Data: copyData(data)}
	if b == nil {
		ev.Timestamp = time.Now().UTC()
		return ev
	}

	b.mu.Lock()
	ev.Timestamp = b.now().UTC()
	b.events = append(b.events, ev)
	pub, topic := b.publisher, b.topic
	b.mu.Unlock()

	if pub != nil {
		b.forward(pub, topic, ev)
	}
	return ev
}

func (b *Bus) forward(pub message.Publisher, topic string, ev domain.OrchestrationEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("encode event for fan-out", "type", ev.Type, "error", err)
		return
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("event_type", string(ev.Type))
	if err := pub.Publish(topic, msg); err != nil {
		b.logger.Warn("publish event", "type", ev.Type, "topic", topic, "error", err)
	}
}

// Events returns a copy of the log in emission order.
func (b *Bus) Events() []domain.OrchestrationEvent {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.OrchestrationEvent, len(b.events))
	copy(out, b.events)
	return out
}

// Len returns the number of recorded events.
func (b *Bus) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Since returns events recorded after the first n.
func (b *Bus) Since(n int) []domain.OrchestrationEvent {
	all := b.Events()
	if n >= len(all) {
		return nil
	}
	if n < 0 {
		n = 0
	}
	return all[n:]
}

// Restore appends previously persisted events, e.g. when resuming a session.
// Restored events are not forwarded to the publisher.
func (b *Bus) Restore(evs []domain.OrchestrationEvent) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evs...)
}

// NewFanout creates an in-memory watermill pub/sub suitable for WithPublisher
// and Subscribe within one process.
func NewFanout(logger *slog.Logger) *gochannel.GoChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            256,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewSlogLogger(logger),
	)
}

// Subscribe decodes events published on topic. Messages that fail to decode
// are acked and dropped. The returned channel closes when ctx is done or the
// subscriber closes.
func Subscribe(ctx context.Context, sub message.Subscriber, topic string) (<-chan domain.OrchestrationEvent, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	msgs, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	out := make(chan domain.OrchestrationEvent)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev domain.OrchestrationEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				msg.Ack()
				continue
			}
			select {
			case out <- ev:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

// copyData records data in its JSON-native form (float64 numbers, []any
// slices, map[string]any objects) so a recorded event equals its decoded
// marker form. Unencodable values fall back to a shallow copy.
func copyData(data map[string]any) map[string]any {
	if raw, err := json.Marshal(data); err == nil {
		var out map[string]any
		if err := json.Unmarshal(raw, &out); err == nil && out != nil {
			return out
		}
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
