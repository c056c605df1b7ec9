package lspevent

import (
	"sync"

	tally "github.com/uber-go/tally/v4"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const _defaultSubscriberBuffer = 64

// Module provides a Bus to inject using fx.
var Module = fx.Options(
	fx.Provide(New),
)

// Bus fans out domain events to subscribers. Every subscriber receives every
// event published after it subscribed. Publishing never blocks; a subscriber
// whose buffer is full misses the event.
type Bus interface {
	// Publish delivers the event to all current subscribers.
	Publish(event Event)
	// Subscribe registers a named subscriber and returns its event channel
	// along with a cancel function. The name is used in logs and metrics.
	Subscribe(name string) (<-chan Event, func())
	// Close cancels all subscriptions and closes their channels.
	Close()
}

// Params defines the dependencies of this package.
type Params struct {
	fx.In

	Logger *zap.SugaredLogger
	Stats  tally.Scope
}

type subscriber struct {
	name string
	ch   chan Event
}

type bus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool

	logger *zap.SugaredLogger
	stats  tally.Scope
}

// New creates a Bus.
func New(p Params) Bus {
	return &bus{
		subs:   make(map[int]*subscriber),
		logger: p.Logger.With("component", "eventbus"),
		stats:  p.Stats.SubScope("eventbus"),
	}
}

// Publish delivers the event to all current subscribers without blocking.
func (b *bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.stats.Tagged(map[string]string{"kind": event.Kind()}).Counter("published").Inc(1)
	for _, s := range b.subs {
		select {
		case s.ch <- event:
		default:
			b.stats.Tagged(map[string]string{"subscriber": s.name}).Counter("dropped").Inc(1)
			b.logger.Warnw("subscriber buffer full, event dropped", "subscriber", s.name, "kind", event.Kind())
		}
	}
}

// Subscribe registers a subscriber and returns its channel and a cancel func.
func (b *bus) Subscribe(name string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &subscriber{name: name, ch: make(chan Event, _defaultSubscriberBuffer)}
	if b.closed {
		close(s.ch)
		return s.ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = s

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(cur.ch)
		}
	}
	return s.ch, cancel
}

// Close cancels all subscriptions.
func (b *bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}
