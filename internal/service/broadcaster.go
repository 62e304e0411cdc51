package service

import (
	"sync"

	"github.com/arvio/clipd/internal/domain"
)

const subscriberBuffer = 16

// Broadcaster fans job progress events out to subscribers. Publish
// never blocks: when a subscriber's buffer is full, the oldest buffered
// event is evicted so late consumers converge on the newest state.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string][]chan domain.ProgressEvent
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string][]chan domain.ProgressEvent),
	}
}

// Subscribe returns a buffered channel of events for one job. The
// channel is closed on Unsubscribe or when a terminal event is
// published for the job.
func (b *Broadcaster) Subscribe(jobID string) chan domain.ProgressEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan domain.ProgressEvent, subscriberBuffer)
	b.subscribers[jobID] = append(b.subscribers[jobID], ch)
	return ch
}

func (b *Broadcaster) Unsubscribe(jobID string, ch chan domain.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[jobID]
	for i, sub := range subs {
		if sub == ch {
			b.subscribers[jobID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}
	if len(b.subscribers[jobID]) == 0 {
		delete(b.subscribers, jobID)
	}
}

// Publish delivers ev to every subscriber of its job. A terminal event
// also closes and removes every subscription for the job.
func (b *Broadcaster) Publish(ev domain.ProgressEvent) {
	if ev.Terminal {
		b.mu.Lock()
		subs := b.subscribers[ev.JobID]
		delete(b.subscribers, ev.JobID)
		b.mu.Unlock()

		for _, ch := range subs {
			send(ch, ev)
			close(ch)
		}
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[ev.JobID] {
		send(ch, ev)
	}
}

// SubscriberCount reports how many channels are attached to a job.
func (b *Broadcaster) SubscriberCount(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[jobID])
}

// send enqueues without blocking, evicting the oldest buffered event
// when the channel is full.
func send(ch chan domain.ProgressEvent, ev domain.ProgressEvent) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}
