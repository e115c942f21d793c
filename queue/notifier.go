package queue

import (
	"sync"
	"sync/atomic"

	"github.com/teranos/weft/logger"
)

// EventType tags a queue event.
type EventType string

const (
	EventJobQueued     EventType = "job_queued"
	EventJobAssigned   EventType = "job_assigned"
	EventJobAccepted   EventType = "job_accepted"
	EventJobStarted    EventType = "job_started"
	EventJobProgress   EventType = "job_progress"
	EventJobCompleted  EventType = "job_completed"
	EventJobFailed     EventType = "job_failed"
	EventJobRequeued   EventType = "job_requeued"
	EventJobCancelled  EventType = "job_cancelled"
	EventWorkerChange  EventType = "worker_change"
	EventMachineChange EventType = "machine_change"
)

// Event is one queue occurrence. Job is set for job lifecycle events,
// Frame for progress, Worker and Machine for registry changes.
type Event struct {
	Type    EventType
	Job     *Job
	Frame   *ProgressFrame
	Worker  *Worker
	Machine *Machine
}

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing events; the queue never blocks on a
// slow consumer.
const subscriberBuffer = 256

// Notifier fans queue events out to process-local subscribers. Publishing
// is non-blocking: progress is droppable by contract, and lifecycle
// consumers (the connection fabric) re-read authoritative state from the
// store when they care.
type Notifier struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}

	dropped atomic.Int64
}

// NewNotifier builds an empty hub.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber and returns its channel. The
// caller must Unsubscribe when done or the channel leaks.
func (n *Notifier) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (n *Notifier) Unsubscribe(ch chan Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subs[ch]; ok {
		delete(n.subs, ch)
		close(ch)
	}
}

// Publish delivers an event to every subscriber without blocking. Full
// subscribers miss the event.
func (n *Notifier) Publish(ev Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for ch := range n.subs {
		select {
		case ch <- ev:
		default:
			dropped := n.dropped.Add(1)
			if dropped%100 == 1 {
				logger.QueueWarnw("Dropping queue events for slow subscriber",
					"event", string(ev.Type),
					"dropped_total", dropped)
			}
		}
	}
}

// Dropped returns how many events were lost to slow subscribers.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

// Subscribers returns the current subscriber count.
func (n *Notifier) Subscribers() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}
