package fed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liplum/Medimesh/internal/logging"
	"github.com/liplum/Medimesh/internal/metrics"
	"github.com/liplum/Medimesh/internal/tree"
	"github.com/liplum/Medimesh/internal/wire"
)

// Range is an inclusive byte range. End < 0 means to end-of-file.
type Range struct {
	Start int64
	End   int64
}

// ResolvedFile is the result of resolving a path against the merged
// tree: enough to open either the local file or a stream from the
// child that mounted it.
type ResolvedFile struct {
	Name      string
	MediaType string
	Size      int64
	// Origin is the name of the node that physically holds the file,
	// empty when this node does.
	Origin string

	localPath  string
	mount      string
	remotePath string
}

// Local reports whether the file lives on this node's disk.
func (rf *ResolvedFile) Local() bool { return rf.mount == "" }

// Wire reason strings for stream errors that map back to typed errors
// on the requesting side.
const (
	reasonNotFound = "not found"
	reasonRange    = "invalid range"
)

func errReason(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return reasonNotFound
	case errors.Is(err, ErrRange):
		return reasonRange
	default:
		return err.Error()
	}
}

func reasonError(reason string) error {
	switch reason {
	case reasonNotFound:
		return ErrNotFound
	case reasonRange:
		return ErrRange
	default:
		return streamError(reason)
	}
}

// Resolve walks the merged tree and locates the file at path. The
// lookup honors the node's case sensitivity; the returned remote path
// uses the tree's canonical casing so every downstream hop resolves
// the same entry. Directories and unknown paths are both ErrNotFound.
func (n *Node) Resolve(path string) (*ResolvedFile, error) {
	segments := tree.SplitPath(path)
	if len(segments) == 0 {
		return nil, ErrNotFound
	}
	cur := n.Snapshot()
	canonical := make([]string, 0, len(segments))
	for _, seg := range segments {
		next := cur.Lookup(seg, n.caseSensitive)
		if next == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		canonical = append(canonical, next.Name)
		cur = next
	}
	if cur.Dir {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, path)
	}

	rf := &ResolvedFile{
		Name:      cur.Name,
		MediaType: cur.MediaType,
		Size:      cur.Size,
		Origin:    cur.Origin,
	}
	if cur.Origin == "" {
		rf.localPath = cur.LocalPath
		return rf, nil
	}
	// Remote entries always sit under their mounting child's name, so
	// the first segment names the owning link and the rest is the path
	// inside that child's tree.
	rf.mount = canonical[0]
	rf.remotePath = strings.Join(canonical[1:], "/")
	return rf, nil
}

// OpenStream opens the file's bytes for reading. Local files come
// straight from disk; remote files are streamed from the mounting
// child, which relays further down the hierarchy when it does not hold
// the bytes itself. The range, when given, is validated against the
// announced size before any byte moves.
func (n *Node) OpenStream(ctx context.Context, rf *ResolvedFile, rng *Range) (io.ReadCloser, error) {
	start, length, err := clampRange(rng, rf.Size)
	if err != nil {
		return nil, err
	}
	if rf.Local() {
		return openLocal(rf.localPath, start, length)
	}
	return n.openRemote(ctx, rf, rng)
}

// clampRange validates rng against size and returns the effective
// start offset and byte count.
func clampRange(rng *Range, size int64) (start, length int64, err error) {
	if rng == nil {
		return 0, size, nil
	}
	if rng.Start < 0 || rng.Start >= size || (rng.End >= 0 && rng.Start > rng.End) {
		return 0, 0, fmt.Errorf("%w: %d-%d of %d", ErrRange, rng.Start, rng.End, size)
	}
	end := rng.End
	if end < 0 || end >= size {
		end = size - 1
	}
	return rng.Start, end - rng.Start + 1, nil
}

type localStream struct {
	io.Reader
	f *os.File
}

func (s *localStream) Close() error { return s.f.Close() }

func openLocal(path string, start, length int64) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &localStream{Reader: io.LimitReader(f, length), f: f}, nil
}

// remoteStream is the reader side of one in-flight stream opened by
// this node. Frames arrive through deliver from the link's read loop.
type remoteStream struct {
	id      string
	node    *Node
	link    *Link
	ch      chan wire.Message
	timeout time.Duration

	buf  []byte
	done atomic.Bool

	closeOnce sync.Once
	closedCh  chan struct{}

	// stateMu guards state. Read, Close and the context cancel
	// callback run on different goroutines.
	stateMu sync.Mutex
	state   string
}

// noteState records the terminal cause of the stream. The first cause
// recorded wins; later calls describe cleanup, not the failure.
func (rs *remoteStream) noteState(s string) {
	rs.stateMu.Lock()
	if rs.state == "" {
		rs.state = s
	}
	rs.stateMu.Unlock()
}

func (rs *remoteStream) finalState() string {
	rs.stateMu.Lock()
	defer rs.stateMu.Unlock()
	if rs.state == "" {
		return "ok"
	}
	return rs.state
}

func (n *Node) openRemote(ctx context.Context, rf *ResolvedFile, rng *Range) (io.ReadCloser, error) {
	link := n.childLink(rf.mount)
	if link == nil {
		return nil, fmt.Errorf("%w: child %s not connected", ErrNotFound, rf.mount)
	}

	rs := &remoteStream{
		id:       uuid.NewString(),
		node:     n,
		link:     link,
		ch:       make(chan wire.Message, 64),
		timeout:  n.streamTimeout,
		closedCh: make(chan struct{}),
	}
	n.pending.Store(rs.id, rs)

	open := wire.StreamOpen{Path: rf.remotePath}
	if rng != nil {
		open.HasRange = true
		open.Start = rng.Start
		open.End = rng.End
	}
	err := link.send(wire.Message{
		Type:    wire.MsgStreamOpen,
		ID:      rs.id,
		Payload: wire.EncodeStreamOpen(open),
	})
	if err != nil {
		n.pending.Delete(rs.id)
		return nil, fmt.Errorf("%w: child %s: %v", ErrNotFound, rf.mount, err)
	}
	metrics.RemoteStreamStarted()

	stop := context.AfterFunc(ctx, func() {
		rs.noteState("cancelled")
		rs.Close()
	})
	go func() {
		<-rs.closedCh
		stop()
	}()
	return rs, nil
}

// deliver hands one inbound frame to the reader. It blocks when the
// reader is behind, which backpressures the whole link; a closed
// stream swallows late frames.
func (rs *remoteStream) deliver(m wire.Message) {
	select {
	case rs.ch <- m:
	case <-rs.closedCh:
	}
}

func (rs *remoteStream) Read(p []byte) (int, error) {
	for len(rs.buf) == 0 {
		if rs.done.Load() {
			return 0, io.EOF
		}
		timer := time.NewTimer(rs.timeout)
		select {
		case m := <-rs.ch:
			timer.Stop()
			switch m.Type {
			case wire.MsgStreamData:
				rs.buf = m.Payload
			case wire.MsgStreamEnd:
				rs.done.Store(true)
			case wire.MsgStreamError:
				reason, err := wire.DecodeStreamError(m.Payload)
				if err != nil {
					reason = "malformed stream error"
				}
				rs.noteState("error")
				return 0, reasonError(reason)
			}
		case <-rs.closedCh:
			timer.Stop()
			return 0, ErrClosed
		case <-timer.C:
			rs.noteState("timeout")
			return 0, streamError("no data within " + rs.timeout.String())
		}
	}
	n := copy(p, rs.buf)
	rs.buf = rs.buf[n:]
	return n, nil
}

// Close releases the stream and tells the serving side to stop. Safe
// to call at any point, including mid-transfer.
func (rs *remoteStream) Close() error {
	rs.closeOnce.Do(func() {
		close(rs.closedCh)
		rs.node.pending.Delete(rs.id)
		if !rs.done.Load() {
			if err := rs.link.send(wire.Message{Type: wire.MsgStreamCancel, ID: rs.id}); err != nil {
				logging.Debug("stream cancel send failed", zap.String("id", rs.id), zap.Error(err))
			}
			rs.noteState("cancelled")
		}
		metrics.RemoteStreamFinished(rs.finalState())
	})
	return nil
}

// failStreamsFor fails every pending stream whose frames were arriving
// over the given link.
func (n *Node) failStreamsFor(l *Link) {
	n.pending.Range(func(_ string, rs *remoteStream) bool {
		if rs.link == l {
			go rs.deliver(wire.Message{
				Type:    wire.MsgStreamError,
				ID:      rs.id,
				Payload: wire.EncodeStreamError("link to " + l.peerName + " lost"),
			})
		}
		return true
	})
}

// serveStream answers a parent's stream-open request: resolve the path
// in our own merged tree, open the bytes (recursing down the hierarchy
// when some child holds them) and push chunks until done, error or
// cancel.
func (n *Node) serveStream(from *Link, msg wire.Message) {
	id := msg.ID
	sendErr := func(err error) {
		logging.Debug("stream request failed",
			zap.String("id", id), zap.String("peer", from.peerName), zap.Error(err))
		if serr := from.send(wire.Message{
			Type:    wire.MsgStreamError,
			ID:      id,
			Payload: wire.EncodeStreamError(errReason(err)),
		}); serr != nil {
			logging.Debug("stream error send failed", zap.String("id", id), zap.Error(serr))
		}
	}

	open, err := wire.DecodeStreamOpen(msg.Payload)
	if err != nil {
		sendErr(err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.serving.Store(id, cancel)
	defer n.serving.Delete(id)

	rf, err := n.Resolve(open.Path)
	if err != nil {
		sendErr(err)
		return
	}
	var rng *Range
	if open.HasRange {
		rng = &Range{Start: open.Start, End: open.End}
	}
	rc, err := n.OpenStream(ctx, rf, rng)
	if err != nil {
		sendErr(err)
		return
	}
	defer rc.Close()

	buf := make([]byte, wire.StreamChunkSize)
	for {
		if ctx.Err() != nil {
			return
		}
		k, rerr := rc.Read(buf)
		if k > 0 {
			serr := from.send(wire.Message{
				Type:    wire.MsgStreamData,
				ID:      id,
				Payload: buf[:k],
			})
			if serr != nil {
				return
			}
		}
		if rerr == io.EOF {
			if serr := from.send(wire.Message{Type: wire.MsgStreamEnd, ID: id}); serr != nil {
				logging.Debug("stream end send failed", zap.String("id", id), zap.Error(serr))
			}
			return
		}
		if rerr != nil {
			sendErr(rerr)
			return
		}
	}
}
