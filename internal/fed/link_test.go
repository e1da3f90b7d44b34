package fed

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/liplum/Medimesh/internal/config"
	"github.com/liplum/Medimesh/internal/crypto"
	"github.com/liplum/Medimesh/internal/events"
	"github.com/liplum/Medimesh/internal/wire"
)

// runHandshake completes both sides of a handshake over a pipe.
func runHandshake(t *testing.T, dialID, acceptID Identity, allowed func(string, []byte) error) (*Link, *Link, error, error) {
	t.Helper()
	c1, c2 := net.Pipe()
	type result struct {
		l   *Link
		err error
	}
	dialCh := make(chan result, 1)
	acceptCh := make(chan result, 1)
	go func() {
		l, err := handshake(c1, dialID, RoleChild, nil)
		dialCh <- result{l, err}
	}()
	go func() {
		l, err := handshake(c2, acceptID, RoleParent, allowed)
		acceptCh <- result{l, err}
	}()
	d := <-dialCh
	a := <-acceptCh
	return d.l, a.l, d.err, a.err
}

func TestHandshake(t *testing.T) {
	child, parent, derr, aerr := runHandshake(t, testIdentity(t, "child"), testIdentity(t, "parent"), nil)
	if derr != nil || aerr != nil {
		t.Fatalf("handshake failed: dial=%v accept=%v", derr, aerr)
	}
	defer child.Close()
	defer parent.Close()
	if child.peerName != "parent" || parent.peerName != "child" {
		t.Fatalf("peer names = %q/%q", child.peerName, parent.peerName)
	}

	// Both directions of the session must carry messages.
	got := make(chan wire.Message, 1)
	go parent.readLoop(func(_ *Link, m wire.Message) { got <- m })
	if err := child.send(wire.Message{Type: wire.MsgAnnounce, Payload: []byte("x")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	m := <-got
	if m.Type != wire.MsgAnnounce || string(m.Payload) != "x" {
		t.Fatalf("got %v %q", m.Type, m.Payload)
	}
}

func TestHandshakeRejectsBadSignature(t *testing.T) {
	id := testIdentity(t, "child")
	c1, c2 := net.Pipe()
	defer c1.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := handshake(c2, testIdentity(t, "parent"), RoleParent, nil)
		errCh <- err
	}()

	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		t.Fatal(err)
	}
	nonce, _ := crypto.NewNonce()
	hello := wire.Hello{
		Name:         id.Name,
		IdentityPub:  id.Pub,
		EphemeralPub: eph.Public(),
		Nonce:        nonce,
	}
	hello.Sig = crypto.Sign(id.Priv, crypto.HelloDigest(hello.Name, hello.IdentityPub, hello.EphemeralPub, hello.Nonce))
	hello.Sig[0] ^= 0xff

	payload := wire.EncodeMessage(wire.Message{Type: wire.MsgHello, Payload: wire.EncodeHello(hello)})
	if err := wire.WriteFrame(c1, payload); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	if err := <-errCh; !errors.Is(err, wire.ErrProtocol) {
		t.Fatalf("accept error = %v, want protocol error", err)
	}
}

func TestHandshakeRejectsDisallowedChild(t *testing.T) {
	allowed := func(name string, _ []byte) error {
		return fmt.Errorf("child %q not allowed", name)
	}
	child, parent, _, aerr := runHandshake(t, testIdentity(t, "stranger"), testIdentity(t, "parent"), allowed)
	if parent != nil {
		t.Fatal("link created for disallowed child")
	}
	if aerr == nil {
		t.Fatal("expected accept error")
	}
	if child != nil {
		child.Close()
	}
}

// A child presenting the right name with the wrong keypair must not
// get a link when the allowlist pins a public key for that name.
func TestListenerRejectsUnpinnedKey(t *testing.T) {
	imposter := testIdentity(t, "bedroom")
	genuine := testIdentity(t, "bedroom")

	cfg := &config.Config{
		Name:          "parent",
		StreamTimeout: 2 * time.Second,
		AllowedChildren: []config.AllowedChild{
			{Name: "bedroom", Pub: hex.EncodeToString(genuine.Pub)},
		},
	}
	parent := NewNode(cfg, testIdentity(t, "parent"), events.NewBroadcaster())
	t.Cleanup(parent.Close)

	ln, err := Listen(parent, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ln.Serve(ctx)

	if l, err := dialLink(ctx, ln.Addr().String(), imposter); err == nil {
		l.Close()
		t.Fatal("imposter key admitted under pinned name")
	}
	if parent.childLink("bedroom") != nil {
		t.Fatal("imposter registered as child")
	}

	l, err := dialLink(ctx, ln.Addr().String(), genuine)
	if err != nil {
		t.Fatalf("pinned key rejected: %v", err)
	}
	l.Close()
}

func TestHandshakeRejectsOwnName(t *testing.T) {
	_, parent, _, aerr := runHandshake(t, testIdentity(t, "same"), testIdentity(t, "same"), nil)
	if parent != nil || !errors.Is(aerr, wire.ErrProtocol) {
		t.Fatalf("accept = %v/%v, want protocol error", parent, aerr)
	}
}

// An invalid handshake must leave the node untouched: no link, no
// change to the merged tree.
func TestRejectedHandshakeDoesNotMutateNode(t *testing.T) {
	parent := testNode(t, "parent")
	ln, err := Listen(parent, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go ln.Serve(t.Context())

	before := parent.Snapshot()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	conn.Write([]byte("\x00\x00\x00\x04junk"))
	conn.Close()

	if parent.childLink("junk") != nil {
		t.Fatal("link registered from garbage handshake")
	}
	if parent.Snapshot() != before {
		t.Fatal("merged tree changed")
	}
}
