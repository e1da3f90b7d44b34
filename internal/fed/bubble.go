package fed

import (
	"sync"
	"time"
)

// Subscription identifies one registered bubble handler so it can be
// removed again.
type Subscription struct {
	event string
	token uint64
}

type bubbleHandler struct {
	token uint64
	fn    func(payload []byte)
}

// How long a bubble instance id stays in the dedup cache. The visited
// header alone cannot stop a second copy arriving over a parallel link
// between the same two nodes, so instances are remembered briefly.
const seenTTL = time.Minute

// maxSeen caps the dedup cache. A burst of broadcasts inside one TTL
// window evicts the oldest instances instead of growing the map.
const maxSeen = 4096

// bubbleRegistry maps bubble event ids to their local handlers and
// remembers recently handled bubble instances. Handlers run in
// subscription order; unsubscribing is explicit.
type bubbleRegistry struct {
	mu       sync.Mutex
	next     uint64
	handlers map[string][]bubbleHandler
	// seen holds recently handled instances; seenOrder is their
	// insertion order, oldest first, for eviction.
	seen      map[string]time.Time
	seenOrder []string
}

func newBubbleRegistry() *bubbleRegistry {
	return &bubbleRegistry{
		handlers: make(map[string][]bubbleHandler),
		seen:     make(map[string]time.Time),
	}
}

// markSeen records a bubble instance and reports whether it is new.
func (r *bubbleRegistry) markSeen(instance string) bool {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[instance]; ok {
		return false
	}
	// Expired instances leave first; when the cache is still at
	// capacity the oldest leave too, keeping it bounded.
	for len(r.seenOrder) > 0 &&
		(len(r.seen) >= maxSeen || now.Sub(r.seen[r.seenOrder[0]]) > seenTTL) {
		delete(r.seen, r.seenOrder[0])
		r.seenOrder = r.seenOrder[1:]
	}
	r.seen[instance] = now
	r.seenOrder = append(r.seenOrder, instance)
	return true
}

// subscribe registers fn for the given event id.
func (r *bubbleRegistry) subscribe(event string, fn func(payload []byte)) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.handlers[event] = append(r.handlers[event], bubbleHandler{token: r.next, fn: fn})
	return Subscription{event: event, token: r.next}
}

// unsubscribe removes a previously registered handler.
func (r *bubbleRegistry) unsubscribe(sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.handlers[sub.event]
	for i, h := range list {
		if h.token == sub.token {
			r.handlers[sub.event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// dispatch invokes every handler for the event, oldest first. The
// handler list is copied so a handler may unsubscribe itself.
func (r *bubbleRegistry) dispatch(event string, payload []byte) {
	r.mu.Lock()
	list := make([]bubbleHandler, len(r.handlers[event]))
	copy(list, r.handlers[event])
	r.mu.Unlock()
	for _, h := range list {
		h.fn(payload)
	}
}

func visitedContains(visited []string, name string) bool {
	for _, v := range visited {
		if v == name {
			return true
		}
	}
	return false
}
