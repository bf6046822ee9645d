// Package gateway implements the always-on supervisor process: it owns
// the VLM lifecycle manager and the orchestrator, and exposes the REST +
// websocket surface with auth, rate limiting, the agent-start circuit
// breaker and memory guard, a single-instance advisory lock, and the
// periodic heartbeat.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/fieldglass/vagent/internal/config"
	"github.com/fieldglass/vagent/internal/events"
	"github.com/fieldglass/vagent/internal/orchestrator"
	"github.com/fieldglass/vagent/internal/session"
	"github.com/fieldglass/vagent/internal/telemetry"
	"github.com/fieldglass/vagent/internal/vlmproc"
)

// Version is the gateway's reported build version (overridable via
// -ldflags at build time).
var Version = "dev"

// ErrAlreadyRunning maps to CLI exit code 3: another
// supervisor instance holds the advisory lock on this host.
var ErrAlreadyRunning = errors.New("another vagent gateway instance is already running")

// Deps bundles the already-constructed components the Supervisor
// wires into the HTTP/socket surface; callers (internal/cmd's serve) are responsible
// for constructing the Actuator, VLM client factory, and catalog, keeping
// the Supervisor itself free of concrete-type knowledge beyond the
// interfaces it already depends on.
type Deps struct {
	Settings config.Settings
	Bus      *events.Bus
	Store    *events.Store
	Session  *session.Session
	Orch     *orchestrator.Orchestrator
	VLMMgr   *vlmproc.Manager
	Catalog  *vlmproc.Catalog
	Metrics  *telemetry.Metrics
	MemProbe MemoryProbe
}

// Supervisor is the always-on gateway process.
type Supervisor struct {
	cfg      config.Settings
	bus      *events.Bus
	store    *events.Store
	sess     *session.Session
	orch     *orchestrator.Orchestrator
	vlmMgr   *vlmproc.Manager
	catalog  *vlmproc.Catalog
	metrics  *telemetry.Metrics
	memProbe MemoryProbe

	apiKey  string
	limiter *RateLimiter
	breaker *CircuitBreaker
	lock    *flock.Flock

	socket *events.Socket

	mu            sync.Mutex
	workerCancel  context.CancelFunc
	workerRunning bool
	startedAt     time.Time
	activeModelID string
	streaming     bool
	wakeWord      bool
	serveCtx      context.Context
}

// New constructs a Supervisor from deps. It does not yet acquire the
// single-instance lock or start listening; call AcquireSingleInstance then
// Run.
func New(deps Deps) (*Supervisor, error) {
	if deps.MemProbe == nil {
		deps.MemProbe = linuxMemInfoProbe
	}
	root := deps.Settings.Gateway.RootDir
	if root == "" {
		root = ".vagent"
	}
	apiKey, err := LoadOrCreateAPIKey(filepath.Join(root, "config", "secrets", "api_key"))
	if err != nil {
		return nil, fmt.Errorf("loading api key: %w", err)
	}

	s := &Supervisor{
		cfg:       deps.Settings,
		bus:       deps.Bus,
		store:     deps.Store,
		sess:      deps.Session,
		orch:      deps.Orch,
		vlmMgr:    deps.VLMMgr,
		catalog:   deps.Catalog,
		metrics:   deps.Metrics,
		memProbe:  deps.MemProbe,
		apiKey:    apiKey,
		limiter:   NewRateLimiter(deps.Settings.Gateway.RateLimitGeneral, deps.Settings.Gateway.RateLimitLifecycle),
		breaker:   NewCircuitBreaker(deps.Settings.Gateway.CrashLimit, deps.Settings.Gateway.CrashWindow),
		lock:      flock.New(filepath.Join(root, "vagent.lock")),
		streaming: true,
	}
	s.socket = events.NewSocket(deps.Bus)
	s.socket.FrameGate = s.StreamingEnabled
	return s, nil
}

// APIKey returns the bearer key the HTTP surface accepts.
func (s *Supervisor) APIKey() string { return s.apiKey }

// runCtx is the parent context agent workers spawned from HTTP handlers
// inherit, bounded by the Run lifetime.
func (s *Supervisor) runCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serveCtx != nil {
		return s.serveCtx
	}
	return context.Background()
}

// AcquireSingleInstance takes the process-wide advisory lock that keeps
// two supervisors from running on the same host.
// Returns an error (exit code 3 at the CLI layer) if another instance
// already holds the lock.
func (s *Supervisor) AcquireSingleInstance() error {
	if err := os.MkdirAll(filepath.Dir(s.lock.Path()), 0o755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring single-instance lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	return nil
}

// ReleaseSingleInstance drops the advisory lock.
func (s *Supervisor) ReleaseSingleInstance() {
	_ = s.lock.Unlock()
}

// Run starts the agent worker's background runtime dependencies (none
// beyond the orchestrator loop itself) and the periodic heartbeat, then
// blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.startedAt = time.Now()
	s.serveCtx = ctx
	s.mu.Unlock()
	go s.heartbeatLoop(ctx)
	go s.activityLoop(ctx)
	<-ctx.Done()
	s.AgentStop()
	return nil
}

// activityLoop mirrors the orchestrator's thought and action events into
// the session's durable activity log, so the best-effort persistence path
// sees the same stream observers do without the control loop ever touching
// the database.
func (s *Supervisor) activityLoop(ctx context.Context) {
	sub := s.bus.Subscribe(0)
	defer sub.Unsubscribe()
	done := ctx.Done()
	for {
		if !sub.Wait(done) {
			return
		}
		for _, e := range sub.Drain() {
			switch e.Kind {
			case events.KindThought:
				if text, ok := e.Payload.(string); ok && text != "" {
					s.sess.RecordActivity("assistant", text)
				}
			case events.KindAction:
				if data, err := json.Marshal(e.Payload); err == nil {
					s.sess.RecordActivity("action", string(data))
				}
			}
		}
	}
}

// agentStartResult is the POST /agent/start response shape.
type agentStartResult struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// AgentStart spawns the agent worker (the orchestrator's Run loop) unless
// one is already running and healthy. It does not check VLM readiness.
func (s *Supervisor) AgentStart(parent context.Context) agentStartResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.workerRunning {
		return agentStartResult{Status: "ok"}
	}
	if s.breaker.Tripped() {
		return agentStartResult{Status: "blocked", Reason: "circuit breaker tripped: too many agent crashes"}
	}
	if mb, err := s.memProbe(); err == nil && mb < s.cfg.Gateway.MinFreeMemoryMB {
		return agentStartResult{Status: "blocked", Reason: "low memory"}
	}

	workerCtx, cancel := context.WithCancel(parent)
	s.workerCancel = cancel
	s.workerRunning = true

	go func() {
		s.orch.Run(workerCtx)
		s.mu.Lock()
		wasRunning := s.workerRunning
		s.workerRunning = false
		s.mu.Unlock()
		if wasRunning && workerCtx.Err() == nil {
			// the orchestrator loop returned on its own, not via Stop.
			s.breaker.RecordFailure()
			if s.metrics != nil {
				s.metrics.RecordCrash(context.Background())
			}
			log.Printf("[gateway] agent worker exited unexpectedly")
		}
	}()

	log.Printf("[gateway] agent worker started")
	return agentStartResult{Status: "ok"}
}

// AgentStop cancels the agent worker's context and marks it stopped.
func (s *Supervisor) AgentStop() agentStartResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.workerRunning {
		return agentStartResult{Status: "ok"}
	}
	if s.workerCancel != nil {
		s.workerCancel()
	}
	s.workerRunning = false
	log.Printf("[gateway] agent worker stopped")
	return agentStartResult{Status: "ok"}
}

// AgentRestart stops then starts the agent worker.
func (s *Supervisor) AgentRestart(ctx context.Context) agentStartResult {
	s.AgentStop()
	return s.AgentStart(ctx)
}

// AgentStatus reports whether the agent worker is running, per
// GET /agent/status.
func (s *Supervisor) AgentStatus() (running bool, pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.workerRunning {
		return false, 0
	}
	return true, os.Getpid()
}

// EnsureModelReady wires a ready VLM client into the orchestrator's VLM
// call path. Gateway-level callers (internal/cmd's `serve`) invoke this once
// at startup for the configured default model.
func (s *Supervisor) EnsureModelReady(ctx context.Context, modelID string) error {
	desc, ok := s.catalog.Find(modelID)
	if !ok {
		return fmt.Errorf("unknown model id %q", modelID)
	}
	if err := s.vlmMgr.EnsureReady(ctx, *desc); err != nil {
		return err
	}
	s.mu.Lock()
	s.activeModelID = modelID
	s.mu.Unlock()
	return nil
}

// SwitchModel validates and applies a model switch, returning BUSY while a
// task is RUNNING.
func (s *Supervisor) SwitchModel(ctx context.Context, modelID string) error {
	desc, ok := s.catalog.Find(modelID)
	if !ok {
		return fmt.Errorf("unknown model id %q", modelID)
	}
	if err := s.vlmMgr.SwitchModel(ctx, *desc, s.orch.IsBusy); err != nil {
		return err
	}
	s.mu.Lock()
	s.activeModelID = modelID
	s.mu.Unlock()
	return nil
}

// ActiveModel returns the currently selected model ID.
func (s *Supervisor) ActiveModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeModelID
}
