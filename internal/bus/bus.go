// Package bus is the in-process fan-out used to push committed NeuroBus
// events and control-plane state changes to live transport connections.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber channel capacity used by Subscribe.
const DefaultBuffer = 100

// Live topics. NeuroBus rows are re-published under TopicNeuroBusPrefix+topic.
const (
	TopicNeuroBusPrefix     = "neurobus."
	TopicModeChanged        = "control.mode_changed"
	TopicPermissionsChanged = "control.permissions_changed"
	TopicTaskStateChanged   = "task.state_changed"
)

// Event is one published message.
type Event struct {
	Topic   string
	Payload any
}

// ModeChangedEvent is published after a successful mode transition.
type ModeChangedEvent struct {
	Previous string `json:"previous"`
	Current  string `json:"current"`
}

// TaskStateChangedEvent is published when a scheduled task changes status.
type TaskStateChangedEvent struct {
	TaskID    string `json:"task_id"`
	Name      string `json:"name"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// Subscription receives every event whose topic starts with its prefix.
type Subscription struct {
	prefix  string
	ch      chan Event
	dropped atomic.Int64
}

// Ch is closed by Unsubscribe.
func (s *Subscription) Ch() <-chan Event { return s.ch }

// Dropped counts events lost because the subscriber's buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// offer never blocks the publisher; a full buffer costs the subscriber the event.
func (s *Subscription) offer(ev Event) {
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Bus fans events out to prefix subscribers. The zero value is not usable;
// a nil *Bus silently drops publishes.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe listens on topicPrefix ("" for everything) with DefaultBuffer.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.SubscribeBuffered(topicPrefix, DefaultBuffer)
}

// SubscribeBuffered is Subscribe with an explicit capacity; size <= 0 means
// DefaultBuffer.
func (b *Bus) SubscribeBuffered(topicPrefix string, size int) *Subscription {
	if size <= 0 {
		size = DefaultBuffer
	}
	sub := &Subscription{prefix: topicPrefix, ch: make(chan Event, size)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches sub and closes its channel. Repeated calls are no-ops.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish hands the event to every matching subscriber without blocking.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	ev := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.matches(topic) {
			sub.offer(ev)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
