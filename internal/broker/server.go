package broker

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Errors callers branch on. The order of checks is fixed: authentication
// first, authorization second, and only then any daemon I/O, so a rejected
// request never causes daemon-side side effects.
var (
	ErrUnauthenticated = errors.New("invalid or missing bearer token")
	ErrForbidden       = errors.New("operation not in allowlist")
)

type peerUIDKey struct{}

// Config assembles a broker server.
type Config struct {
	Token        string
	DaemonSocket string
	Allowlist    *Allowlist
	// RequestTimeout bounds each forwarded daemon call.
	RequestTimeout time.Duration
	// AllowedUID restricts connections to one peer uid where the platform
	// supports credential lookup. nil disables the check.
	AllowedUID *int
}

// Server forwards allowlisted requests to the container daemon. It holds
// the only socket with authority over the daemon; every other component
// goes through it.
type Server struct {
	cfg   Config
	proxy *httputil.ReverseProxy
	log   *slog.Logger
}

// NewServer builds a broker server. The allowlist must already be compiled.
func NewServer(cfg Config) (*Server, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("broker token is required")
	}
	if cfg.DaemonSocket == "" {
		return nil, fmt.Errorf("daemon socket path is required")
	}
	if cfg.Allowlist == nil {
		return nil, fmt.Errorf("allowlist is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	daemonSocket := cfg.DaemonSocket
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "unix", daemonSocket)
		},
	}

	s := &Server{
		cfg: cfg,
		log: slog.With("component", "broker"),
	}
	s.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = "http"
			pr.Out.URL.Host = "docker"
			// The caller's credential must never reach the daemon.
			pr.Out.Header.Del("Authorization")
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.log.Warn("daemon request failed", "method", r.Method, "path", r.URL.Path, "err", err)
			writeError(w, http.StatusBadGateway, "container daemon unreachable")
		},
	}
	return s, nil
}

// Handler returns the broker's HTTP handler.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serve)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	if uid, ok := r.Context().Value(peerUIDKey{}).(int); ok && s.cfg.AllowedUID != nil && uid != *s.cfg.AllowedUID {
		s.log.Warn("rejected connection from unexpected uid", "uid", uid)
		writeError(w, http.StatusForbidden, "peer not permitted")
		return
	}

	if err := s.authenticate(r); err != nil {
		s.log.Warn("request rejected", "method", r.Method, "path", r.URL.Path, "outcome", "unauthenticated")
		writeError(w, http.StatusUnauthorized, ErrUnauthenticated.Error())
		return
	}

	if !s.cfg.Allowlist.Match(r.Method, r.URL.Path) {
		s.log.Warn("request rejected", "method", r.Method, "path", r.URL.Path, "outcome", "forbidden")
		writeError(w, http.StatusForbidden, ErrForbidden.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.proxy.ServeHTTP(rec, r.WithContext(ctx))
	s.log.Info("forwarded", "method", r.Method, "path", r.URL.Path, "status", rec.status)
}

func (s *Server) authenticate(r *http.Request) error {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ErrUnauthenticated
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.cfg.Token)) != 1 {
		return ErrUnauthenticated
	}
	return nil
}

// ListenAndServe serves the broker on a unix socket until ctx is cancelled.
// The socket is created mode 0660: the bearer token is the real gate, the
// mode just keeps casual readers out.
func (s *Server) ListenAndServe(ctx context.Context, socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return fmt.Errorf("create broker socket dir: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale broker socket: %w", err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o660); err != nil {
		_ = ln.Close()
		return fmt.Errorf("set broker socket permissions: %w", err)
	}

	srv := &http.Server{
		Handler: s.Handler(),
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			if uid, ok := peerUID(c); ok {
				return context.WithValue(ctx, peerUIDKey{}, uid)
			}
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("broker started", "socket", socketPath, "daemon", s.cfg.DaemonSocket)
	defer func() {
		_ = os.Remove(socketPath)
		s.log.Info("broker stopped")
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve broker: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// writeError uses the Engine API error shape so SDK clients surface the
// message instead of a generic status.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": message})
}

// SocketURL returns the docker host URL for a broker socket path.
func SocketURL(socketPath string) string {
	return "unix://" + socketPath
}
