package fed

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/liplum/Medimesh/internal/config"
	"github.com/liplum/Medimesh/internal/events"
	"github.com/liplum/Medimesh/internal/logging"
	"github.com/liplum/Medimesh/internal/metrics"
	"github.com/liplum/Medimesh/internal/retry"
	"github.com/liplum/Medimesh/internal/tree"
	"github.com/liplum/Medimesh/internal/wire"
)

// Node is one member of the federation. It holds the local subtree,
// the last announced snapshot of every connected child, and the merged
// tree built from them. All remote access, bubbles and streams run
// over its links.
type Node struct {
	name string
	id   Identity

	federateTypes []string
	preserveEmpty bool
	caseSensitive bool
	streamTimeout time.Duration
	childAllowed  func(name string, pub []byte) bool

	mu        sync.Mutex
	parents   map[string]*Link
	children  map[string]*Link
	announced map[string]*tree.Node
	local     *tree.Node
	// lastAnnounce is the encoding of the last merged tree sent
	// upward. An announce that changes nothing is not re-sent, which
	// keeps linked nodes from echoing announces at each other forever.
	lastAnnounce []byte

	// merged is the current snapshot. Trees stored here are never
	// mutated afterwards, so readers may walk them without locking.
	merged atomic.Pointer[tree.Node]

	bubbles     *bubbleRegistry
	broadcaster *events.Broadcaster

	// pending maps stream correlation ids opened by this node to their
	// in-flight readers. serving maps ids this node is producing for.
	pending *xsync.Map[string, *remoteStream]
	serving *xsync.Map[string, context.CancelFunc]

	closeOnce sync.Once
	closed    chan struct{}
}

// NewNode builds a node from its configuration and keypair. The
// broadcaster receives a tree-updated event after every remerge.
func NewNode(cfg *config.Config, id Identity, bc *events.Broadcaster) *Node {
	n := &Node{
		name:          cfg.Name,
		id:            id,
		federateTypes: cfg.FederateTypes,
		preserveEmpty: cfg.PreserveEmptyDirs,
		caseSensitive: cfg.CaseSensitive,
		streamTimeout: cfg.StreamTimeout,
		childAllowed:  cfg.ChildAllowed,
		parents:       make(map[string]*Link),
		children:      make(map[string]*Link),
		announced:     make(map[string]*tree.Node),
		local:         tree.NewDir(""),
		bubbles:       newBubbleRegistry(),
		broadcaster:   bc,
		pending:       xsync.NewMap[string, *remoteStream](),
		serving:       xsync.NewMap[string, context.CancelFunc](),
		closed:        make(chan struct{}),
	}
	n.merged.Store(tree.NewDir(""))
	return n
}

// Name returns the node's federation name.
func (n *Node) Name() string { return n.name }

// Snapshot returns the current merged tree. The returned tree is
// immutable; callers must not modify it.
func (n *Node) Snapshot() *tree.Node {
	return n.merged.Load()
}

// UpdateLocalSubtree replaces the node's own subtree and rebuilds the
// merged tree. The caller hands over ownership of root.
func (n *Node) UpdateLocalSubtree(root *tree.Node) {
	n.mu.Lock()
	n.local = root
	n.remergeLocked(events.CauseLocalScan, "")
	n.mu.Unlock()
}

// remergeLocked rebuilds the merged snapshot from the local subtree
// and every announced child snapshot, then announces upward and
// notifies subscribers. Caller holds n.mu.
func (n *Node) remergeLocked(cause, peer string) {
	start := time.Now()
	merged, collisions := tree.Merge(n.local, n.announced, tree.MergeOptions{
		TypeFilter:    n.federateTypes,
		PreserveEmpty: n.preserveEmpty,
	})
	n.merged.Store(merged)

	entries := merged.Count()
	metrics.SetTreeEntries(entries)
	metrics.ObserveTreeMerge(time.Since(start))
	for _, name := range collisions {
		logging.Warn("merge collision, child entry wins",
			zap.String("entry", name), zap.String("cause", cause))
	}

	payload := wire.EncodeTree(merged)
	if bytes.Equal(payload, n.lastAnnounce) {
		return
	}
	n.lastAnnounce = payload
	for _, l := range n.parents {
		if err := l.send(wire.Message{Type: wire.MsgAnnounce, Payload: payload}); err != nil {
			logging.Warn("announce to parent failed",
				zap.String("parent", l.peerName), zap.Error(err))
		}
	}

	if n.broadcaster != nil {
		n.broadcaster.Publish(events.Event{
			Type:      events.EventTreeUpdated,
			Entries:   entries,
			Cause:     cause,
			Peer:      peer,
			Timestamp: time.Now().Unix(),
		})
	}
}

// registerLink admits a completed link and starts its read loop.
// A second link from the same child replaces the first.
func (n *Node) registerLink(l *Link) error {
	n.mu.Lock()
	select {
	case <-n.closed:
		n.mu.Unlock()
		return ErrClosed
	default:
	}
	switch l.role {
	case RoleChild:
		if old, ok := n.parents[l.peerName]; ok {
			old.Close()
		}
		n.parents[l.peerName] = l
		metrics.SetLinksConnected("parent", len(n.parents))
		// A freshly dialed parent needs our tree immediately.
		payload := wire.EncodeTree(n.merged.Load())
		n.mu.Unlock()
		if err := l.send(wire.Message{Type: wire.MsgAnnounce, Payload: payload}); err != nil {
			logging.Warn("initial announce failed", zap.String("parent", l.peerName), zap.Error(err))
		}
	case RoleParent:
		if old, ok := n.children[l.peerName]; ok {
			logging.Info("child reconnected, replacing link", zap.String("child", l.peerName))
			old.Close()
		}
		n.children[l.peerName] = l
		metrics.SetLinksConnected("child", len(n.children))
		n.mu.Unlock()
	}

	logging.Info("link established",
		zap.String("peer", l.peerName), zap.String("role", string(l.role)))
	go func() {
		err := l.readLoop(n.dispatch)
		n.linkClosed(l, err)
	}()
	return nil
}

// linkClosed removes a dead link. Losing a child removes its mount
// from the merged tree; losing a parent is left to the redial loop.
func (n *Node) linkClosed(l *Link, err error) {
	l.Close()

	n.mu.Lock()
	switch l.role {
	case RoleChild:
		if n.parents[l.peerName] == l {
			delete(n.parents, l.peerName)
			metrics.SetLinksConnected("parent", len(n.parents))
		}
		n.mu.Unlock()
	case RoleParent:
		if n.children[l.peerName] != l {
			// Already replaced by a reconnect.
			n.mu.Unlock()
			break
		}
		delete(n.children, l.peerName)
		delete(n.announced, l.peerName)
		metrics.SetLinksConnected("child", len(n.children))
		n.remergeLocked(events.CauseLinkDown, l.peerName)
		n.mu.Unlock()
	}

	n.failStreamsFor(l)

	select {
	case <-n.closed:
	default:
		logging.Info("link closed",
			zap.String("peer", l.peerName), zap.String("role", string(l.role)), zap.Error(err))
	}
}

// MaintainParent dials the parent at addr and redials with backoff
// whenever the link drops, until ctx is cancelled.
func (n *Node) MaintainParent(ctx context.Context, addr string) {
	cfg := retry.LinkConfig(time.Minute)
	for {
		err := retry.Do(ctx, cfg, func() error {
			l, err := dialLink(ctx, addr, n.id)
			if err != nil {
				logging.Warn("parent dial failed", zap.String("addr", addr), zap.Error(err))
				return retry.Retryable(err)
			}
			if err := n.registerLink(l); err != nil {
				l.Close()
				return err
			}
			select {
			case <-l.closed:
				return retry.Retryable(fmt.Errorf("link to %s dropped", l.peerName))
			case <-ctx.Done():
				l.Close()
				return ctx.Err()
			case <-n.closed:
				l.Close()
				return ErrClosed
			}
		})
		if ctx.Err() != nil || err == ErrClosed {
			return
		}
	}
}

// dispatch routes one inbound message from a link's read loop.
func (n *Node) dispatch(l *Link, msg wire.Message) {
	switch msg.Type {
	case wire.MsgAnnounce:
		if l.role != RoleParent {
			logging.Warn("announce from parent ignored", zap.String("peer", l.peerName))
			return
		}
		root, err := wire.DecodeTree(msg.Payload)
		if err != nil {
			logging.Warn("bad announce", zap.String("child", l.peerName), zap.Error(err))
			l.Close()
			return
		}
		n.mu.Lock()
		if n.children[l.peerName] == l {
			n.announced[l.peerName] = root
			n.remergeLocked(events.CauseChildAnnounce, l.peerName)
		}
		n.mu.Unlock()

	case wire.MsgBubble:
		n.handleBubble(l, msg)

	case wire.MsgStreamOpen:
		go n.serveStream(l, msg)

	case wire.MsgStreamData, wire.MsgStreamEnd, wire.MsgStreamError:
		if rs, ok := n.pending.Load(msg.ID); ok {
			rs.deliver(msg)
		}

	case wire.MsgStreamCancel:
		if cancel, ok := n.serving.LoadAndDelete(msg.ID); ok {
			cancel()
		}
	}
}

// handleBubble runs local handlers and forwards the bubble to every
// link except the one it arrived on. A bubble that already carries our
// name has looped, and a bubble instance already handled arrived over
// a parallel link; both are dropped without forwarding.
func (n *Node) handleBubble(from *Link, msg wire.Message) {
	if visitedContains(msg.Visited, n.name) {
		metrics.RecordBubbleDropped()
		logging.Debug("bubble loop dropped",
			zap.String("event", msg.ID), zap.Strings("visited", msg.Visited))
		return
	}
	instance, payload, err := wire.DecodeBubble(msg.Payload)
	if err != nil {
		logging.Warn("bad bubble", zap.String("peer", from.peerName), zap.Error(err))
		from.Close()
		return
	}
	if !n.bubbles.markSeen(instance) {
		metrics.RecordBubbleDropped()
		return
	}
	n.bubbles.dispatch(msg.ID, payload)

	fwd := wire.Message{
		Type:    wire.MsgBubble,
		ID:      msg.ID,
		Visited: append(append(make([]string, 0, len(msg.Visited)+1), msg.Visited...), n.name),
		Payload: msg.Payload,
	}
	for _, l := range n.linksExcept(from) {
		if err := l.send(fwd); err != nil {
			logging.Debug("bubble forward failed", zap.String("peer", l.peerName), zap.Error(err))
			continue
		}
		metrics.RecordBubbleForwarded()
	}
}

// Broadcast originates a bubble on this node. Local handlers are not
// invoked for a node's own bubbles.
func (n *Node) Broadcast(event string, payload []byte) {
	instance := uuid.NewString()
	n.bubbles.markSeen(instance)
	msg := wire.Message{
		Type:    wire.MsgBubble,
		ID:      event,
		Visited: []string{n.name},
		Payload: wire.EncodeBubble(instance, payload),
	}
	for _, l := range n.linksExcept(nil) {
		if err := l.send(msg); err != nil {
			logging.Debug("bubble send failed", zap.String("peer", l.peerName), zap.Error(err))
			continue
		}
		metrics.RecordBubbleForwarded()
	}
}

// Subscribe registers a handler for bubbles carrying the given event
// id. Handlers for one event run in subscription order.
func (n *Node) Subscribe(event string, fn func(payload []byte)) Subscription {
	return n.bubbles.subscribe(event, fn)
}

// Unsubscribe removes a bubble handler.
func (n *Node) Unsubscribe(sub Subscription) {
	n.bubbles.unsubscribe(sub)
}

// linksExcept snapshots every live link, skipping the given one.
func (n *Node) linksExcept(skip *Link) []*Link {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Link, 0, len(n.parents)+len(n.children))
	for _, l := range n.parents {
		if l != skip {
			out = append(out, l)
		}
	}
	for _, l := range n.children {
		if l != skip {
			out = append(out, l)
		}
	}
	return out
}

// childLink returns the link owning a mount, or nil when the child is
// no longer connected.
func (n *Node) childLink(name string) *Link {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.children[name]
}

// Close shuts the node down: all links drop and in-flight streams
// fail.
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		close(n.closed)
		for _, l := range n.linksExcept(nil) {
			l.Close()
		}
		n.serving.Range(func(_ string, cancel context.CancelFunc) bool {
			cancel()
			return true
		})
	})
}
