// Package scan builds the local media subtree from a directory on
// disk and polls it for changes.
package scan

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/liplum/Medimesh/internal/logging"
	"github.com/liplum/Medimesh/internal/tree"
)

const fallbackMediaType = "application/octet-stream"

// Scanner walks a media root into a tree and hands every new snapshot
// to the update callback. Polling by mtime keeps it portable; the
// interval bounds how stale the served tree can be.
type Scanner struct {
	root     string
	interval time.Duration
	ignore   []string
	update   func(*tree.Node)

	// mu serializes rescans; the poll loop, refresh requests and
	// refresh bubbles may all trigger one.
	mu    sync.Mutex
	state map[string]fileStamp
	done  chan struct{}
}

type fileStamp struct {
	size  int64
	mtime int64
}

// New creates a scanner over root. update is called with each freshly
// built subtree, first on Start and then whenever a poll finds a
// change.
func New(root string, interval time.Duration, ignore []string, update func(*tree.Node)) *Scanner {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scanner{
		root:     root,
		interval: interval,
		ignore:   ignore,
		update:   update,
		done:     make(chan struct{}),
	}
}

// Start performs the initial scan and begins polling.
func (s *Scanner) Start(ctx context.Context) error {
	if err := s.Rescan(); err != nil {
		return fmt.Errorf("initial scan of %s: %w", s.root, err)
	}
	go s.loop(ctx)
	return nil
}

// Stop ends the polling loop.
func (s *Scanner) Stop() {
	close(s.done)
}

func (s *Scanner) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Rescan(); err != nil {
				logging.Warn("media scan failed", zap.String("root", s.root), zap.Error(err))
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Rescan walks the media root and pushes a new subtree when anything
// changed since the previous walk.
func (s *Scanner) Rescan() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := make(map[string]fileStamp)
	root, err := s.scanDir(s.root, "", state)
	if err != nil {
		return err
	}
	if s.state != nil && statesEqual(s.state, state) {
		return nil
	}
	first := s.state == nil
	s.state = state
	logging.Info("media library scanned",
		zap.String("root", s.root), zap.Int("files", len(state)), zap.Bool("initial", first))
	s.update(root)
	return nil
}

func (s *Scanner) scanDir(path, rel string, state map[string]fileStamp) (*tree.Node, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	dir := tree.NewDir(filepath.Base(rel))
	if rel == "" {
		dir.Name = ""
	}
	for _, e := range entries {
		name := e.Name()
		if s.ignored(name) {
			continue
		}
		childRel := filepath.Join(rel, name)
		if e.IsDir() {
			child, err := s.scanDir(filepath.Join(path, name), childRel, state)
			if err != nil {
				logging.Warn("skipping unreadable directory",
					zap.String("path", childRel), zap.Error(err))
				continue
			}
			child.Hidden = strings.HasPrefix(name, ".")
			child.MainFile = mainFile(child)
			dir.Add(child)
			continue
		}
		info, err := e.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		f := tree.NewFile(name, Classify(name), info.Size(), filepath.Join(path, name))
		f.Hidden = strings.HasPrefix(name, ".")
		dir.Add(f)
		state[childRel] = fileStamp{size: info.Size(), mtime: info.ModTime().UnixNano()}
	}
	return dir, nil
}

func (s *Scanner) ignored(name string) bool {
	for _, pat := range s.ignore {
		if ok, _ := filepath.Match(pat, name); ok {
			return true
		}
	}
	return false
}

// Classify maps a file name to its media type by extension.
func Classify(name string) string {
	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if mt == "" {
		return fallbackMediaType
	}
	// mime appends charset parameters to text types.
	if base, _, found := strings.Cut(mt, ";"); found {
		return strings.TrimSpace(base)
	}
	return mt
}

// mainFile tags composite media directories with their entry point:
// an HLS rendition directory is entered through its playlist.
func mainFile(dir *tree.Node) string {
	var first string
	for name, child := range dir.Children {
		if child.Dir || !strings.HasSuffix(strings.ToLower(name), ".m3u8") {
			continue
		}
		low := strings.ToLower(name)
		if low == "master.m3u8" || low == "index.m3u8" {
			return name
		}
		if first == "" || name < first {
			first = name
		}
	}
	return first
}

func statesEqual(a, b map[string]fileStamp) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
