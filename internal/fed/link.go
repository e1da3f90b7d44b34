package fed

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/liplum/Medimesh/internal/crypto"
	"github.com/liplum/Medimesh/internal/logging"
	"github.com/liplum/Medimesh/internal/metrics"
	"github.com/liplum/Medimesh/internal/wire"
)

// LinkRole is the side of the hierarchy the local node occupies on a
// link.
type LinkRole string

const (
	// RoleChild marks a link this node dialed: the peer is our parent,
	// we announce our tree upward and we redial when the link drops.
	RoleChild LinkRole = "child"
	// RoleParent marks an accepted link: the peer is our child and is
	// responsible for reconnecting.
	RoleParent LinkRole = "parent"
)

const handshakeTimeout = 10 * time.Second

// Identity is the local node's name and keypair, shared by all links.
type Identity struct {
	Name string
	Pub  ed25519.PublicKey
	Priv ed25519.PrivateKey
}

// Link is one authenticated, encrypted, bidirectional channel to a
// peer node.
type Link struct {
	role     LinkRole
	peerName string
	peerPub  []byte
	conn     net.Conn

	// writeMu serializes outbound frames; the session nonce counter
	// advances with each write.
	writeMu sync.Mutex
	session *crypto.Session

	closeOnce sync.Once
	closed    chan struct{}
}

// PeerName returns the authenticated name of the remote node.
func (l *Link) PeerName() string { return l.peerName }

// Role returns the local node's role on this link.
func (l *Link) Role() LinkRole { return l.role }

// dialLink connects to a parent node and runs the dialer side of the
// handshake.
func dialLink(ctx context.Context, addr string, id Identity) (*Link, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	l, err := handshake(conn, id, RoleChild, nil)
	if err != nil {
		conn.Close()
		metrics.RecordHandshake(false)
		return nil, err
	}
	metrics.RecordHandshake(true)
	return l, nil
}

// acceptLink runs the accepting side of the handshake on an inbound
// connection. allowed vets the child's authenticated name and key
// before the link is admitted.
func acceptLink(conn net.Conn, id Identity, allowed func(name string, pub []byte) error) (*Link, error) {
	l, err := handshake(conn, id, RoleParent, allowed)
	if err != nil {
		conn.Close()
		metrics.RecordHandshake(false)
		return nil, err
	}
	metrics.RecordHandshake(true)
	return l, nil
}

// handshake exchanges Hello messages in plaintext frames, verifies the
// peer's identity signature and derives the session keys. Any
// verification failure closes the connection without producing a Link.
func handshake(conn net.Conn, id Identity, role LinkRole, allowed func(string, []byte) error) (*Link, error) {
	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return nil, err
	}

	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.NewNonce()
	if err != nil {
		return nil, err
	}
	mine := wire.Hello{
		Name:         id.Name,
		IdentityPub:  id.Pub,
		EphemeralPub: eph.Public(),
		Nonce:        nonce,
	}
	mine.Sig = crypto.Sign(id.Priv, crypto.HelloDigest(mine.Name, mine.IdentityPub, mine.EphemeralPub, mine.Nonce))

	sendHello := func(t wire.MsgType) error {
		return wire.WriteFrame(conn, wire.EncodeMessage(wire.Message{Type: t, Payload: wire.EncodeHello(mine)}))
	}
	recvHello := func(t wire.MsgType) (wire.Hello, error) {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			return wire.Hello{}, err
		}
		msg, err := wire.DecodeMessage(frame)
		if err != nil {
			return wire.Hello{}, err
		}
		if msg.Type != t {
			return wire.Hello{}, fmt.Errorf("%w: expected %s, got %s", wire.ErrProtocol, t, msg.Type)
		}
		return wire.DecodeHello(msg.Payload)
	}

	var theirs wire.Hello
	if role == RoleChild {
		if err := sendHello(wire.MsgHello); err != nil {
			return nil, fmt.Errorf("send hello: %w", err)
		}
		if theirs, err = recvHello(wire.MsgHelloAck); err != nil {
			return nil, fmt.Errorf("recv hello: %w", err)
		}
	} else {
		if theirs, err = recvHello(wire.MsgHello); err != nil {
			return nil, fmt.Errorf("recv hello: %w", err)
		}
	}

	digest := crypto.HelloDigest(theirs.Name, theirs.IdentityPub, theirs.EphemeralPub, theirs.Nonce)
	if !crypto.Verify(theirs.IdentityPub, digest, theirs.Sig) {
		return nil, fmt.Errorf("%w: bad handshake signature from %q", wire.ErrProtocol, theirs.Name)
	}
	if theirs.Name == id.Name {
		return nil, fmt.Errorf("%w: peer claims our own name %q", wire.ErrProtocol, theirs.Name)
	}
	if allowed != nil {
		if err := allowed(theirs.Name, theirs.IdentityPub); err != nil {
			return nil, err
		}
	}

	if role == RoleParent {
		if err := sendHello(wire.MsgHelloAck); err != nil {
			return nil, fmt.Errorf("send hello: %w", err)
		}
	}

	shared, err := eph.Shared(theirs.EphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	// The dialer's hello always comes first in the transcript.
	var transcript []byte
	if role == RoleChild {
		transcript = crypto.Transcript(
			mine.Name, mine.IdentityPub, mine.EphemeralPub, mine.Nonce,
			theirs.Name, theirs.IdentityPub, theirs.EphemeralPub, theirs.Nonce,
		)
	} else {
		transcript = crypto.Transcript(
			theirs.Name, theirs.IdentityPub, theirs.EphemeralPub, theirs.Nonce,
			mine.Name, mine.IdentityPub, mine.EphemeralPub, mine.Nonce,
		)
	}
	session, err := crypto.NewSession(shared, transcript, role == RoleChild)
	if err != nil {
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return &Link{
		role:     role,
		peerName: theirs.Name,
		peerPub:  theirs.IdentityPub,
		conn:     conn,
		session:  session,
		closed:   make(chan struct{}),
	}, nil
}

// send encrypts, frames and writes one message. Safe to call from any
// goroutine.
func (l *Link) send(m wire.Message) error {
	select {
	case <-l.closed:
		return ErrClosed
	default:
	}
	payload := wire.EncodeMessage(m)

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	sealed, err := l.session.Seal(payload)
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(l.conn, sealed); err != nil {
		return fmt.Errorf("write to %s: %w", l.peerName, err)
	}
	metrics.RecordLinkMessage("out", m.Type.String())
	return nil
}

// readLoop decodes inbound messages and hands them to dispatch until
// the connection fails or the link is closed. The returned error is
// the reason the loop stopped.
func (l *Link) readLoop(dispatch func(*Link, wire.Message)) error {
	for {
		frame, err := wire.ReadFrame(l.conn)
		if err != nil {
			return err
		}
		plain, err := l.session.Open(frame)
		if err != nil {
			return fmt.Errorf("%w: decrypt from %s: %v", wire.ErrProtocol, l.peerName, err)
		}
		msg, err := wire.DecodeMessage(plain)
		if err != nil {
			return err
		}
		if msg.Type == wire.MsgHello || msg.Type == wire.MsgHelloAck {
			return fmt.Errorf("%w: unexpected %s after handshake", wire.ErrProtocol, msg.Type)
		}
		metrics.RecordLinkMessage("in", msg.Type.String())
		dispatch(l, msg)
	}
}

// Close tears the link down. Safe to call more than once.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		if err := l.conn.Close(); err != nil {
			logging.Debug("link close", zap.String("peer", l.peerName), zap.Error(err))
		}
	})
}
