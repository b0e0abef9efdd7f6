package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

type listenerEntry struct {
	id int
	l  Listener
}

// Notifier is an observer registry. Listeners are called in registration
// order; channel subscribers receive a copy without blocking the publisher.
type Notifier struct {
	logger *slog.Logger

	mu        sync.RWMutex
	nextID    int
	listeners []listenerEntry
	chans     map[int]chan Event

	dropped atomic.Int64
}

// NewNotifier creates an empty Notifier.
func NewNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{
		logger: logger.With("component", "events"),
		chans:  make(map[int]chan Event),
	}
}

// Register adds a synchronous listener and returns its unsubscribe function.
func (n *Notifier) Register(l Listener) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	id := n.nextID
	n.listeners = append(n.listeners, listenerEntry{id: id, l: l})

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			for i, e := range n.listeners {
				if e.id == id {
					n.listeners = append(n.listeners[:i:i], n.listeners[i+1:]...)
					break
				}
			}
		})
	}
}

// SubscribeChan returns a buffered channel and a function that unsubscribes
// and closes it. Delivery is best-effort: Publish never blocks on a channel,
// so events that do not fit in the buffer are dropped and counted. Use
// Register for a listener that must see every event.
func (n *Notifier) SubscribeChan(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	id := n.nextID
	ch := make(chan Event, buffer)
	n.chans[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.chans, id)
			close(ch)
		})
	}
}

// Publish delivers e to every listener and channel subscriber. A panicking
// listener is logged and skipped.
func (n *Notifier) Publish(e Event) {
	n.mu.RLock()
	listeners := make([]Listener, len(n.listeners))
	for i, entry := range n.listeners {
		listeners[i] = entry.l
	}
	for _, ch := range n.chans {
		select {
		case ch <- e:
		default:
			n.dropped.Add(1)
			n.logger.Warn("subscriber channel full, dropping event", "event", e.Type, "queued_zone_id", e.QueuedZoneID)
		}
	}
	n.mu.RUnlock()

	for _, l := range listeners {
		n.deliver(l, e)
	}
}

func (n *Notifier) deliver(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("listener panicked", "event", e.Type, "panic", r)
		}
	}()
	l.OnEvent(e)
}

// Dropped returns how many channel deliveries were dropped.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

// Len returns the number of listeners and channel subscribers.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.listeners) + len(n.chans)
}
