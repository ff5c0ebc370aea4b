// Package bus is the in-process publish/subscribe fabric that decouples
// the engine from the adapters. Delivery never blocks a publisher, but
// loss is not uniform: a task or approval transition is a control event
// whose latest value must reach the subscriber, while an output chunk is
// superseded by the next chunk and can be shed under pressure. Every
// event carries a bus-wide sequence number so a subscriber that sees a
// gap knows to re-read the store instead of trusting its replica of the
// task state.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// subscriptionBuffer is each subscription's channel depth. Sized for the
// burst a single tick can produce across MAX_CONCURRENT_TASKS workers.
const subscriptionBuffer = 64

// lossLogEvery throttles lagging-subscriber warnings after the first.
const lossLogEvery = 256

// Event is one message on the bus. Seq is bus-wide and monotonic: two
// consecutive events received with non-consecutive Seq mean delivery was
// lossy in between.
type Event struct {
	Seq     uint64
	Topic   string
	Payload any
}

// Task lifecycle topics.
const (
	TopicTaskStatusChanged = "task.status_changed"
	TopicTaskCompleted     = "task.completed"
	TopicTaskFailed        = "task.failed"
)

// Approval workflow topics.
const (
	TopicApprovalRequested = "approval.requested"
	TopicApprovalResolved  = "approval.resolved"
)

// Output delivery topic: one event per stream-JSON chunk or final result,
// destined for whichever adapter owns the task's thread.
const TopicOutputChunk = "output.chunk"

// TopicProjectsReloaded is published whenever the project config watcher
// picks up a valid config.yaml change.
const TopicProjectsReloaded = "projects.reloaded"

// ProjectsReloadedEvent carries the number of projects in the newly loaded
// configuration; subscribers re-read the live config themselves rather
// than trusting a copy riding the bus.
type ProjectsReloadedEvent struct {
	ProjectCount int
}

// TaskStatusChangedEvent is published whenever a task transitions between
// the five states of the task queue state machine.
type TaskStatusChangedEvent struct {
	TaskID       string
	ProjectAlias string
	OldStatus    string
	NewStatus    string
}

// ApprovalRequestedEvent is published when a task's worker checkpoints and
// blocks on an approval decision.
type ApprovalRequestedEvent struct {
	TaskID      string
	ApprovalID  string
	ActionClass string
	Description string
}

// ApprovalResolvedEvent is published once an approval reaches a terminal
// state, whether by operator decision or timeout sweep.
type ApprovalResolvedEvent struct {
	TaskID     string
	ApprovalID string
	Approved   bool
	ResolverID string
}

// OutputChunkEvent carries one unit of agent output bound for delivery to
// whichever adapter owns ThreadID.
type OutputChunkEvent struct {
	TaskID   string
	ThreadID string
	Chunk    string
	Final    bool
}

// Subscription is one consumer's view of the bus, filtered by topic
// prefix.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
	lost   atomic.Int64
}

// Ch returns the channel events arrive on. It is closed by Unsubscribe.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Lost reports how many events this subscription has missed, whether
// shed chunks or evicted control events.
func (s *Subscription) Lost() int64 {
	return s.lost.Load()
}

// Bus fans published events out to every matching subscription.
type Bus struct {
	logger *slog.Logger

	seq       atomic.Uint64
	lostTotal atomic.Int64

	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a Bus with no loss logging.
func New() *Bus {
	return NewWithLogger(nil)
}

// NewWithLogger creates a Bus that warns when a subscriber starts losing
// events.
func NewWithLogger(logger *slog.Logger) *Bus {
	return &Bus{logger: logger, subs: make(map[int]*Subscription)}
}

// Subscribe registers a consumer for every topic matching topicPrefix;
// an empty prefix matches everything.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, subscriptionBuffer),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// LostEventCount returns the total events lost across all subscriptions
// since the bus was created.
func (b *Bus) LostEventCount() int64 {
	return b.lostTotal.Load()
}

// sheddable reports whether an event on topic may simply be discarded
// when a subscriber lags. Output chunks are: the next chunk supersedes
// this one, and the final result rides a task topic anyway. Everything
// else is a control event — a state transition or approval — where the
// *newest* event is the one the subscriber must end up holding, so the
// oldest buffered event is evicted instead.
func sheddable(topic string) bool {
	return strings.HasPrefix(topic, TopicOutputChunk)
}

// Publish stamps the event with the next sequence number and delivers it
// to every matching subscription without ever blocking the caller.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Seq: b.seq.Add(1), Topic: topic, Payload: payload}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		b.deliver(sub, ev)
	}
}

// deliver enqueues ev on one subscription, applying the loss policy for
// its topic class when the buffer is full. Publishers are serialized by
// the bus lock; only the consumer drains concurrently, so the eviction
// slot cannot be stolen by another publisher.
func (b *Bus) deliver(sub *Subscription, ev Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}

	if sheddable(ev.Topic) {
		b.noteLoss(sub, ev.Topic)
		return
	}

	// Control event: make room by evicting the oldest buffered event so
	// the subscriber keeps the most recent transitions.
	select {
	case <-sub.ch:
		b.noteLoss(sub, ev.Topic)
	default:
		// Consumer drained the buffer in the meantime; nothing lost.
	}
	select {
	case sub.ch <- ev:
	default:
		b.noteLoss(sub, ev.Topic)
	}
}

func (b *Bus) noteLoss(sub *Subscription, topic string) {
	b.lostTotal.Add(1)
	n := sub.lost.Add(1)
	if b.logger == nil {
		return
	}
	if n == 1 || n%lossLogEvery == 0 {
		b.logger.Warn("bus subscriber lagging; events lost",
			slog.Int("subscription", sub.id),
			slog.String("prefix", sub.prefix),
			slog.String("topic", topic),
			slog.Int64("lost_total", n),
		)
	}
}
