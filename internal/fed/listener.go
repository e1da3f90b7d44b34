package fed

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/liplum/Medimesh/internal/logging"
)

// Listener accepts inbound child connections for a node.
type Listener struct {
	node *Node
	ln   net.Listener
}

// Listen binds the federation listener. Serve must be called to start
// accepting.
func Listen(node *Node, addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &Listener{node: node, ln: ln}, nil
}

// Addr returns the bound address.
func (s *Listener) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts child connections until ctx is cancelled or the
// listener is closed. Each connection handshakes on its own goroutine
// so a stalled peer cannot block the accept loop.
func (s *Listener) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
		case <-s.node.closed:
		}
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handle(conn)
	}
}

func (s *Listener) handle(conn net.Conn) {
	n := s.node
	l, err := acceptLink(conn, n.id, func(name string, pub []byte) error {
		if !n.childAllowed(name, pub) {
			return fmt.Errorf("child %q not allowed", name)
		}
		return nil
	})
	if err != nil {
		logging.Warn("child handshake rejected",
			zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		return
	}
	if err := n.registerLink(l); err != nil {
		l.Close()
	}
}

// Close stops the listener.
func (s *Listener) Close() error { return s.ln.Close() }
