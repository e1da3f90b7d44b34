// Package api provides the HTTP server serving the merged tree and
// file content.
package api

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/liplum/Medimesh/internal/auth"
	"github.com/liplum/Medimesh/internal/config"
	"github.com/liplum/Medimesh/internal/events"
	"github.com/liplum/Medimesh/internal/fed"
	"github.com/liplum/Medimesh/internal/logging"
	"github.com/liplum/Medimesh/internal/metrics"
	"github.com/liplum/Medimesh/internal/tree"
)

// Package-level compiled regex for Range header parsing.
var rangeRegex = regexp.MustCompile(`bytes=(\d*)-(\d*)`)

// Pool gzip writers to reduce allocations on tree endpoints.
var gzipPool = sync.Pool{
	New: func() any { return gzip.NewWriter(nil) },
}

// Core is the federation surface the HTTP layer serves from.
type Core interface {
	Name() string
	Snapshot() *tree.Node
	Resolve(path string) (*fed.ResolvedFile, error)
	OpenStream(ctx context.Context, rf *fed.ResolvedFile, rng *fed.Range) (io.ReadCloser, error)
	Broadcast(event string, payload []byte)
}

// Server is the HTTP server.
type Server struct {
	core        Core
	auth        *auth.Auth
	broadcaster *events.Broadcaster
	config      *config.Config

	// refresh triggers an immediate rescan of the local library.
	refresh func() error
}

// NewServer creates a new server. refresh may be nil when the host has
// no local library to rescan.
func NewServer(core Core, authHandler *auth.Auth, broadcaster *events.Broadcaster, cfg *config.Config, refresh func() error) *Server {
	return &Server{
		core:        core,
		auth:        authHandler,
		broadcaster: broadcaster,
		config:      cfg,
		refresh:     refresh,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/v1/auth/token", s.auth.HandleLogin)

	protected := http.NewServeMux()
	protected.HandleFunc("GET /api/v1/tree", s.handleTree)
	protected.HandleFunc("GET /api/v1/tree/{path...}", s.handleSubtree)
	protected.HandleFunc("GET /api/v1/content/{path...}", s.handleContent)
	protected.HandleFunc("GET /api/v1/events", s.handleEvents)
	protected.HandleFunc("POST /api/v1/refresh", s.handleRefresh)

	mux.Handle("/api/v1/", s.auth.Middleware(protected))

	return s.withMetrics(mux)
}

// withMetrics wraps the handler with request logging and metrics.
func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.RecordHTTPRequest(r.Method, r.URL.Path, rec.status, time.Since(start))
		logging.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "node": s.core.Name()})
}

// TreeResponse wraps the served tree.
type TreeResponse struct {
	Node    string     `json:"node"`
	Entries int        `json:"entries"`
	Root    *tree.Node `json:"root"`
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	s.writeTree(w, r, s.core.Snapshot())
}

func (s *Server) handleSubtree(w http.ResponseWriter, r *http.Request) {
	root := s.core.Snapshot()
	sub := root.FindPath(tree.SplitPath(r.PathValue("path")), s.config.CaseSensitive)
	if sub == nil || !sub.Dir {
		s.sendError(w, http.StatusNotFound, "directory not found")
		return
	}
	s.writeTree(w, r, sub)
}

func (s *Server) writeTree(w http.ResponseWriter, r *http.Request, root *tree.Node) {
	if r.URL.Query().Get("hidden") != "1" {
		root = withoutHidden(root)
	}
	resp := TreeResponse{Node: s.core.Name(), Entries: root.Count(), Root: root}

	w.Header().Set("Content-Type", "application/json")
	if acceptsGzip(r) {
		w.Header().Set("Content-Encoding", "gzip")
		gw := gzipPool.Get().(*gzip.Writer)
		gw.Reset(w)
		json.NewEncoder(gw).Encode(resp)
		gw.Close()
		gzipPool.Put(gw)
		return
	}
	json.NewEncoder(w).Encode(resp)
}

// withoutHidden copies the tree without dot entries.
func withoutHidden(n *tree.Node) *tree.Node {
	if n.Hidden {
		return nil
	}
	if !n.Dir {
		return n
	}
	out := *n
	out.Children = make(map[string]*tree.Node, len(n.Children))
	for name, child := range n.Children {
		if kept := withoutHidden(child); kept != nil {
			out.Children[name] = kept
		}
	}
	return &out
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	pathParam := r.PathValue("path")
	if pathParam == "" {
		s.sendError(w, http.StatusBadRequest, "file path required")
		return
	}

	rf, err := s.core.Resolve(pathParam)
	if err != nil {
		if errors.Is(err, fed.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "file not found: "+pathParam)
			return
		}
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	rng, badRange := parseRangeHeader(r.Header.Get("Range"), rf.Size)
	if badRange {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", rf.Size))
		s.sendError(w, http.StatusRequestedRangeNotSatisfiable, "unsatisfiable range")
		return
	}

	origin := rf.Origin
	if origin == "" {
		origin = "local"
	}

	reader, err := s.core.OpenStream(r.Context(), rf, rng)
	if err != nil {
		metrics.RecordContentDownload(origin, 0, false)
		switch {
		case errors.Is(err, fed.ErrRange):
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", rf.Size))
			s.sendError(w, http.StatusRequestedRangeNotSatisfiable, "unsatisfiable range")
		case errors.Is(err, fed.ErrNotFound):
			s.sendError(w, http.StatusNotFound, "file not found: "+pathParam)
		case errors.Is(err, fed.ErrStream):
			s.sendError(w, http.StatusBadGateway, err.Error())
		default:
			s.sendError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", rf.MediaType)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("X-Origin", origin)

	if rng != nil {
		end := rng.End
		if end < 0 || end >= rf.Size {
			end = rf.Size - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, end, rf.Size))
		w.Header().Set("Content-Length", strconv.FormatInt(end-rng.Start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(rf.Size, 10))
		w.WriteHeader(http.StatusOK)
	}

	n, err := io.Copy(w, reader)
	if err != nil {
		logging.Warn("content transfer error",
			zap.String("path", pathParam), zap.String("origin", origin), zap.Error(err))
	}
	metrics.RecordContentDownload(origin, n, err == nil)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// handleRefresh rescans the local library and asks the rest of the
// graph to do the same.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if claims := auth.GetClaims(r.Context()); s.auth.Enabled() && (claims == nil || !claims.IsAdmin) {
		s.sendError(w, http.StatusForbidden, "admin required")
		return
	}
	if s.refresh != nil {
		if err := s.refresh(); err != nil {
			s.sendError(w, http.StatusInternalServerError, "rescan failed: "+err.Error())
			return
		}
	}
	s.core.Broadcast("library.refresh", nil)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "refreshed"})
}

func acceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

// parseRangeHeader maps a Range header to an inclusive byte range.
// Absent or syntactically foreign headers mean the whole file. A
// syntactically valid range that cannot be satisfied reports bad so
// the handler can answer 416 before opening any stream.
func parseRangeHeader(rangeHeader string, totalSize int64) (rng *fed.Range, bad bool) {
	if rangeHeader == "" {
		return nil, false
	}
	matches := rangeRegex.FindStringSubmatch(rangeHeader)
	if matches == nil {
		return nil, false
	}
	startStr, endStr := matches[1], matches[2]

	// Suffix form: last n bytes.
	if startStr == "" && endStr != "" {
		suffix, _ := strconv.ParseInt(endStr, 10, 64)
		if suffix <= 0 {
			return nil, true
		}
		start := totalSize - suffix
		if start < 0 {
			start = 0
		}
		return &fed.Range{Start: start, End: totalSize - 1}, false
	}
	if startStr == "" {
		return nil, false
	}

	start, _ := strconv.ParseInt(startStr, 10, 64)
	end := int64(-1)
	if endStr != "" {
		end, _ = strconv.ParseInt(endStr, 10, 64)
	}
	if start >= totalSize || (end >= 0 && start > end) {
		return nil, true
	}
	return &fed.Range{Start: start, End: end}, false
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
