package fed

import (
	"context"
	"testing"
	"time"

	"github.com/liplum/Medimesh/internal/config"
	"github.com/liplum/Medimesh/internal/crypto"
	"github.com/liplum/Medimesh/internal/events"
)

func testIdentity(t *testing.T, name string) Identity {
	t.Helper()
	pub, priv, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	return Identity{Name: name, Pub: pub, Priv: priv}
}

func testNode(t *testing.T, name string) *Node {
	t.Helper()
	cfg := &config.Config{
		Name:          name,
		StreamTimeout: 2 * time.Second,
	}
	n := NewNode(cfg, testIdentity(t, name), events.NewBroadcaster())
	t.Cleanup(n.Close)
	return n
}

// connect makes child a child of parent over a loopback listener and
// waits until both sides registered the link.
func connect(t *testing.T, parent, child *Node) {
	t.Helper()
	ln, err := Listen(parent, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ln.Serve(ctx)

	l, err := dialLink(ctx, ln.Addr().String(), child.id)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := child.registerLink(l); err != nil {
		t.Fatalf("register: %v", err)
	}
	waitFor(t, "link registration", func() bool {
		return parent.childLink(child.name) != nil
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
