// Package loghub fans build log entries out to live subscribers. Topics are
// keyed by build id; publishing never blocks, and a subscriber that falls a
// full buffer behind is dropped rather than slowing producers down.
// Persistence happens before publication, so dropped subscribers can catch
// up through the log listing endpoint.
package loghub

import (
	"sync"

	"github.com/google/uuid"

	"github.com/thakurdotdev/deploy/internal/models"
)

// subscriberBuffer bounds how far a subscriber may lag before it is dropped.
const subscriberBuffer = 64

// Subscriber receives log entries for one build. C is never closed; Done is
// closed when the subscription ends, either by Close or by falling behind.
type Subscriber struct {
	C chan models.LogEntry

	topic    string
	hub      *Hub
	done     chan struct{}
	doneOnce sync.Once
}

// Done reports the end of the subscription.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscriber) Close() {
	s.hub.remove(s)
}

func (s *Subscriber) signalDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Hub is the in-process pub/sub registry for build log topics.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[*Subscriber]struct{})}
}

func topicFor(buildID uuid.UUID) string {
	return "build:" + buildID.String()
}

// Subscribe registers a subscriber for a build's log entries. Entries
// published before Subscribe returns are not delivered.
func (h *Hub) Subscribe(buildID uuid.UUID) *Subscriber {
	sub := &Subscriber{
		C:     make(chan models.LogEntry, subscriberBuffer),
		topic: topicFor(buildID),
		hub:   h,
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.topics[sub.topic]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.topics[sub.topic] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Publish delivers an entry to every subscriber of the entry's build.
// Subscribers whose buffers are full are dropped.
func (h *Hub) Publish(entry models.LogEntry) {
	topic := topicFor(entry.BuildID)

	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.topics[topic]))
	for s := range h.topics[topic] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.C <- entry:
		default:
			h.remove(s)
		}
	}
}

// Subscribers returns the number of live subscribers for a build.
func (h *Hub) Subscribers(buildID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topicFor(buildID)])
}

func (h *Hub) remove(s *Subscriber) {
	h.mu.Lock()
	if set, ok := h.topics[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.topics, s.topic)
		}
	}
	h.mu.Unlock()

	s.signalDone()
}
