// Package events fans run events out to observers: in-process subscribers
// (ops tooling, tests) and an optional Redis mirror so other services can
// follow runs without holding the HTTP stream. Delivery is best-effort;
// the run stream itself never depends on the bus.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/cognihq/agent-runtime/internal/core"
)

const subscriberBuffer = 64

// Publisher sends a serialized event to an off-process channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisPublisher mirrors events onto Redis pub/sub.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(addr string) *RedisPublisher {
	return &RedisPublisher{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

func (p *RedisPublisher) Close() error { return p.client.Close() }

// Bus is the in-process fan-out point. A nil external Publisher keeps the
// bus purely local.
type Bus struct {
	prefix string
	pub    Publisher

	mu   sync.Mutex
	subs map[string]map[int]chan core.RunEvent
	next int
}

func NewBus(channelPrefix string, pub Publisher) *Bus {
	return &Bus{
		prefix: channelPrefix,
		pub:    pub,
		subs:   make(map[string]map[int]chan core.RunEvent),
	}
}

// Publish delivers ev to local subscribers of its run and mirrors it to
// the external publisher. A slow local subscriber loses events rather than
// delaying the run.
func (b *Bus) Publish(ctx context.Context, ev core.RunEvent) {
	b.mu.Lock()
	for _, ch := range b.subs[ev.RunID] {
		select {
		case ch <- ev:
		default:
			slog.Warn("event subscriber lagging, dropping event", "run_id", ev.RunID, "type", ev.Type)
		}
	}
	b.mu.Unlock()

	if b.pub == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("event encode failed", "run_id", ev.RunID, "error", err)
		return
	}
	if err := b.pub.Publish(ctx, b.prefix+ev.RunID, payload); err != nil {
		slog.Warn("event mirror failed", "run_id", ev.RunID, "error", err)
	}
}

// Subscribe returns a channel of this run's events and a cancel func. The
// channel closes on cancel.
func (b *Bus) Subscribe(runID string) (<-chan core.RunEvent, func()) {
	ch := make(chan core.RunEvent, subscriberBuffer)

	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[int]chan core.RunEvent)
	}
	id := b.next
	b.next++
	b.subs[runID][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[runID]; ok {
			if _, live := set[id]; live {
				delete(set, id)
				close(ch)
			}
			if len(set) == 0 {
				delete(b.subs, runID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}
