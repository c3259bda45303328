// Package events distributes committed engine events to subscribers off the
// engine's critical path.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/leverage/pkg/chain"
)

const defaultQueueSize = 4096

// Envelope wraps an event with the block it was committed in
type Envelope struct {
	Topic string      `json:"topic"`
	Block uint64      `json:"block"`
	Time  time.Time   `json:"time"`
	Data  chain.Event `json:"data"`
}

// Subscriber receives envelopes from the bus
type Subscriber interface {
	Publish(env Envelope)
}

// SubscriberFunc adapts a function to the Subscriber interface
type SubscriberFunc func(env Envelope)

// Publish implements Subscriber
func (f SubscriberFunc) Publish(env Envelope) { f(env) }

// Bus is a chain.Sink that queues committed events and fans them out to
// subscribers from its own goroutine. Events are dropped when the queue is
// full so a slow subscriber never stalls the engine.
type Bus struct {
	env    *chain.Env
	queue  chan Envelope
	logger log.Logger

	mu   sync.RWMutex
	subs []Subscriber

	dropped atomic.Uint64
}

// NewBus creates a bus stamping envelopes with env's block and clock
func NewBus(env *chain.Env, queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Bus{
		env:    env,
		queue:  make(chan Envelope, queueSize),
		logger: log.Root().New("module", "events"),
	}
}

// Subscribe adds s to the fan-out
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, s)
}

// Consume implements chain.Sink
func (b *Bus) Consume(ev chain.Event) {
	env := Envelope{
		Topic: ev.Topic(),
		Block: b.env.BlockNumber(),
		Time:  b.env.Now(),
		Data:  ev,
	}
	select {
	case b.queue <- env:
	default:
		if b.dropped.Add(1)%1000 == 1 {
			b.logger.Warn("Event queue full, dropping", "topic", env.Topic, "dropped", b.dropped.Load())
		}
	}
}

// Dropped returns the number of events dropped on a full queue
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Run delivers queued envelopes until ctx is done, then drains what is left
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case env := <-b.queue:
			b.dispatch(env)
		case <-ctx.Done():
			for {
				select {
				case env := <-b.queue:
					b.dispatch(env)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(env Envelope) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, s := range subs {
		s.Publish(env)
	}
}
