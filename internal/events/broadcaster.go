// Package events provides the tree-update broadcaster consumed by the
// HTTP layer for SSE and index refresh.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/liplum/Medimesh/internal/metrics"
)

const (
	// EventTreeUpdated fires whenever the merged tree is rebuilt.
	EventTreeUpdated = "tree_updated"
)

// Causes of a tree rebuild.
const (
	CauseLocalScan     = "local_scan"
	CauseChildAnnounce = "child_announce"
	CauseLinkDown      = "link_down"
)

// Event describes one merged-tree change.
type Event struct {
	Type      string `json:"type"`
	Entries   int    `json:"entries"`
	Cause     string `json:"cause,omitempty"` // local_scan, child_announce, link_down
	Peer      string `json:"peer,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Broadcaster manages subscribers and publishes tree events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(b.Count()))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	close(ch)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(b.Count()))
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
