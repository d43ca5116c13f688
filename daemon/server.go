package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"carousel"
	"carousel/internal/events"
)

// Orchestrator is the scheduler surface the control API exposes.
type Orchestrator interface {
	Trigger()
	Snapshot() []carousel.Container
	LastCycle() (time.Time, uint64)
}

// EventSource hands out live event subscriptions.
type EventSource interface {
	Subscribe(ctx context.Context) *events.Subscription
}

// HistoryStore serves persisted rotation events.
type HistoryStore interface {
	Recent(ctx context.Context, n int) ([]carousel.Event, error)
}

// PoolView reports the last applied proxy pool membership.
type PoolView interface {
	Members() []carousel.Member
}

// Server is the local control API: status, manual rotation, the live event
// stream, and persisted history. It listens on a unix socket; the broker
// guards the dangerous surface, this one only observes and triggers.
type Server struct {
	orch    Orchestrator
	events  EventSource
	history HistoryStore
	pool    PoolView
	log     *slog.Logger
}

func NewServer(orch Orchestrator, events EventSource, history HistoryStore, pool PoolView) *Server {
	return &Server{
		orch:    orch,
		events:  events,
		history: history,
		pool:    pool,
		log:     slog.With("component", "api"),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/status", requireMethod(http.MethodGet, s.handleStatus))
	mux.HandleFunc("/v1/rotate", requireMethod(http.MethodPost, s.handleRotate))
	mux.HandleFunc("/v1/events", requireMethod(http.MethodGet, s.handleEvents))
	mux.HandleFunc("/v1/history", requireMethod(http.MethodGet, s.handleHistory))
	return mux
}

// requireMethod rejects requests whose method does not match, mirroring the
// 405 responses of ServeMux method patterns, which need Go 1.22+.
func requireMethod(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

// ContainerStatus is one fleet entry in a status response.
type ContainerStatus struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Image     string    `json:"image,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	State     string    `json:"state"`
	LastProbe string    `json:"last_probe,omitempty"`
	InPool    bool      `json:"in_pool"`
	Addr      string    `json:"addr,omitempty"`
}

// MemberStatus is one proxy pool entry in a status response.
type MemberStatus struct {
	Addr     string `json:"addr"`
	Weight   int    `json:"weight"`
	Draining bool   `json:"draining"`
}

// Status is the full daemon status document.
type Status struct {
	Containers []ContainerStatus `json:"containers"`
	Pool       []MemberStatus    `json:"pool"`
	LastCycle  *time.Time        `json:"last_cycle,omitempty"`
	Cycles     uint64            `json:"cycles"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{Containers: []ContainerStatus{}, Pool: []MemberStatus{}}
	for _, c := range s.orch.Snapshot() {
		cs := ContainerStatus{
			ID:        c.ID,
			Name:      c.Name,
			Image:     c.Image,
			CreatedAt: c.CreatedAt,
			State:     c.State.String(),
			InPool:    c.InPool,
		}
		if c.LastProbe != carousel.ProbeUnknown {
			cs.LastProbe = c.LastProbe.String()
		}
		if c.Addr.IsValid() {
			cs.Addr = c.Addr.String()
		}
		st.Containers = append(st.Containers, cs)
	}
	for _, m := range s.pool.Members() {
		st.Pool = append(st.Pool, MemberStatus{Addr: m.Addr.String(), Weight: m.Weight, Draining: m.Draining})
	}
	if last, count := s.orch.LastCycle(); count > 0 {
		st.LastCycle = &last
		st.Cycles = count
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	s.orch.Trigger()
	s.log.Info("manual rotation requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

// handleEvents streams rotation events as server-sent events until the
// client disconnects. Slow clients get a gap marker, never backpressure.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "streaming unsupported"})
		return
	}
	sub := s.events.Subscribe(r.Context())
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range sub.C {
		data, err := json.Marshal(ev)
		if err != nil {
			s.log.Warn("encode event", "err", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Transition, data); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	evs, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.log.Warn("read history", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "history unavailable"})
		return
	}
	if evs == nil {
		evs = []carousel.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe serves the control API on a unix socket until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context, socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return fmt.Errorf("create api socket dir: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale api socket: %w", err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o660); err != nil {
		_ = ln.Close()
		return fmt.Errorf("set api socket permissions: %w", err)
	}

	// BaseContext ties request contexts to ctx so open event streams wind
	// down instead of pinning Shutdown.
	srv := &http.Server{
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("api started", "socket", socketPath)
	defer func() {
		_ = os.Remove(socketPath)
		s.log.Info("api stopped")
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve api: %w", err)
	}
	return nil
}
