package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// ErrPortInUse maps to CLI exit code 2.
var ErrPortInUse = errors.New("listen port already in use")

// lifecyclePaths are the endpoints throttled by the stricter token bucket
// (default 10 req/min).
var lifecyclePaths = map[string]bool{
	"/agent/start":   true,
	"/agent/stop":    true,
	"/agent/restart": true,
	"/model/switch":  true,
}

// Serve binds the REST + socket surface and blocks until ctx is cancelled
// or the listener fails. A bind failure on an occupied port returns
// ErrPortInUse so cmd/vagent can exit with code 2.
func (s *Supervisor) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Gateway.Host, fmt.Sprintf("%d", s.cfg.Gateway.Port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("%w: %s", ErrPortInUse, addr)
		}
		return fmt.Errorf("binding %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	log.Printf("[gateway] listening on %s", addr)
	if err := srv.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server error: %w", err)
	}
	return nil
}

// Handler builds the full route table. ctx bounds websocket streams so
// they close when the supervisor stops.
func (s *Supervisor) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()

	// /health is the only unauthenticated, unthrottled endpoint.
	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/state", s.guard(s.handleState))
	mux.HandleFunc("/task", s.guard(s.handleTask))
	mux.HandleFunc("/steer", s.guard(s.handleSteer))
	mux.HandleFunc("/stop", s.guard(s.handleStop))
	mux.HandleFunc("/pause", s.guard(s.handlePause))
	mux.HandleFunc("/resume", s.guard(s.handleResume))
	mux.HandleFunc("/chat/history", s.guard(s.handleChatHistory))
	mux.HandleFunc("/chat/send", s.guard(s.handleChatSend))
	mux.HandleFunc("/chat/clear", s.guard(s.handleChatClear))
	mux.HandleFunc("/stream/start", s.guard(s.handleStreamStart))
	mux.HandleFunc("/stream/stop", s.guard(s.handleStreamStop))
	mux.HandleFunc("/frame/latest", s.guard(s.handleFrameLatest))
	mux.HandleFunc("/config", s.guard(s.handleConfig))
	mux.HandleFunc("/models", s.guard(s.handleModels))
	mux.HandleFunc("/model/switch", s.guard(s.handleModelSwitch))
	mux.HandleFunc("/model/active", s.guard(s.handleModelActive))
	mux.HandleFunc("/wake-word/enable", s.guard(s.handleWakeWordEnable))
	mux.HandleFunc("/wake-word/disable", s.guard(s.handleWakeWordDisable))
	mux.HandleFunc("/wake-word/status", s.guard(s.handleWakeWordStatus))
	mux.HandleFunc("/agent/status", s.guard(s.handleAgentStatus))
	mux.HandleFunc("/agent/start", s.guard(s.handleAgentStart))
	mux.HandleFunc("/agent/stop", s.guard(s.handleAgentStop))
	mux.HandleFunc("/agent/restart", s.guard(s.handleAgentRestart))

	mux.HandleFunc("/events", s.handleSocket(ctx))

	return mux
}

// guard chains the per-request checks: CORS, body cap, bearer auth,
// then the token-bucket rate limiter (lifecycle endpoints get the stricter
// bucket). Every guarded handler sees only authenticated, in-budget
// requests.
func (s *Supervisor) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.applyCORS(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Gateway.BodyCapBytes)

		key, ok := bearerToken(r)
		if !ok || key != s.apiKey {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing or invalid bearer token"})
			return
		}

		client := clientID(r, key)
		allowed := s.limiter.AllowGeneral(client)
		if lifecyclePaths[r.URL.Path] {
			allowed = s.limiter.AllowLifecycle(client)
		}
		if !allowed {
			if s.metrics != nil {
				s.metrics.RecordRateLimited(r.Context())
			}
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
			return
		}

		next(w, r)
	}
}

// applyCORS allows only configured origins. Returns
// false when it already wrote the preflight response.
func (s *Supervisor) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.Gateway.CORSOrigins {
		if allowed == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			break
		}
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return false
	}
	return true
}

// bearerToken extracts the Authorization: Bearer credential.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	return tok, tok != ""
}

// clientID keys the rate limiter: the API key when present, otherwise the
// source address.
func clientID(r *http.Request, key string) string {
	if key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
