package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jpalmerr/simrunner/internal/store"
)

const (
	// sseWriteTimeout is the maximum time allowed for a single SSE write operation.
	// Must be <= shutdown timeout to ensure clean shutdown.
	sseWriteTimeout = 5 * time.Second

	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Tracker exposes the dedup queue's view of outstanding work.
type Tracker interface {
	Keys() []string
	Len() int
	InFlight() int
}

// Server serves the status API.
//
// Routes:
//   - GET /: the embedded dashboard page, when assets are given
//   - GET /healthz: liveness plus the poll loop state
//   - GET /api/items: tracked (queued or in-flight) item keys
//   - GET /api/outcomes: recent outcomes, most recent first
//   - GET /api/outcomes/{key}: one outcome by item key
//   - GET /api/events: Server-Sent Events stream of new outcomes
//   - GET /metrics: Prometheus metrics
//
// The server shuts down gracefully when the context passed to
// [Server.Start] is cancelled.
type Server struct {
	router  *chi.Mux
	store   store.Store
	tracker Tracker
	state   func() string
	port    int
	assets  fs.FS
	logger  *slog.Logger

	httpServer *http.Server
	addr       net.Addr
	done       chan struct{}
	doneOnce   sync.Once
}

// NewServer creates a new status [Server].
//
// Parameters:
//   - st: outcome store backing /api/outcomes and /api/events
//   - tracker: queue view backing /api/items (may be nil)
//   - state: reports the poll loop state for /healthz (may be nil)
//   - port: TCP port to listen on; 0 picks a free port
//   - assets: embedded filesystem containing dashboard assets (may be nil)
//   - reg: registry served at /metrics, which also receives the request
//     metrics; nil gets a fresh registry
//   - logger: Logger for server events
//
// The server is not started until [Server.Start] is called.
func NewServer(st store.Store, tracker Tracker, state func() string, port int, assets fs.FS, reg *prometheus.Registry, logger *slog.Logger) *Server {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s := &Server{
		router:  chi.NewRouter(),
		store:   st,
		tracker: tracker,
		state:   state,
		port:    port,
		assets:  assets,
		logger:  logger,
		done:    make(chan struct{}),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(newHTTPMetrics(reg).middleware)

	s.routes(reg)
	return s
}

func (s *Server) routes(reg prometheus.Gatherer) {
	if s.assets != nil {
		s.router.Get("/", s.handleDashboard)
	}
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler(reg))

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/items", s.handleItems)
		r.Get("/outcomes", s.handleOutcomes)
		// item keys may contain slashes
		r.Get("/outcomes/*", s.handleOutcome)
		r.Get("/events", s.handleSSE)
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests in a background goroutine.
//
// Start is non-blocking and returns immediately after confirming the server
// is listening. When ctx is cancelled the server shuts down gracefully with
// a 5-second timeout; [Server.Done] is closed once shutdown completes.
//
// Returns an error if the server fails to bind to the configured port.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to port %d: %w", s.port, err)
	}
	s.addr = ln.Addr()

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		// request contexts derive from ctx so SSE handlers end on shutdown
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		defer s.doneOnce.Do(func() { close(s.done) })
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}()

	s.logger.Info("status server listening", "addr", s.addr.String())
	return nil
}

// Addr returns the bound address. It is nil before [Server.Start].
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Done is closed when the server has shut down.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// handleDashboard serves the status page.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	content, err := fs.ReadFile(s.assets, "assets/index.html")
	if err != nil {
		http.Error(w, "Dashboard not found", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(content); err != nil {
		s.logger.Error("failed to write dashboard response", "error", err)
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	PollLoop string `json:"poll_loop,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.state != nil {
		resp.PollLoop = s.state()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type itemsResponse struct {
	Queued   int      `json:"queued"`
	InFlight int      `json:"in_flight"`
	Keys     []string `json:"keys"`
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	resp := itemsResponse{Keys: []string{}}
	if s.tracker != nil {
		resp.Queued = s.tracker.Len()
		resp.InFlight = s.tracker.InFlight()
		resp.Keys = s.tracker.Keys()
		sort.Strings(resp.Keys)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.GetAll())
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	rec, ok := s.store.Get(key)
	if !ok {
		http.Error(w, "outcome not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// handleSSE streams new outcomes via Server-Sent Events.
//
// Write deadlines keep a slow or vanished client from pinning the handler
// past shutdown.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	rc := http.NewResponseController(w)
	deadlinesSupported := true

	writeAndFlush := func(data []byte) error {
		if deadlinesSupported {
			if err := rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout)); err != nil {
				s.logger.Warn("sse write deadlines not supported", "error", err)
				deadlinesSupported = false
			}
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		return rc.Flush()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.store.Subscribe()
	defer s.store.Unsubscribe(ch)

	// replay what is already known, oldest first
	existing := s.store.GetAll()
	for i := len(existing) - 1; i >= 0; i-- {
		data, err := json.Marshal(existing[i])
		if err != nil {
			continue
		}
		if err := writeAndFlush(data); err != nil {
			return
		}
	}

	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			if err := writeAndFlush(data); err != nil {
				return
			}

		case <-r.Context().Done():
			// fires on client disconnect and, via BaseContext, on shutdown
			return
		}
	}
}
