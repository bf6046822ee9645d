// Package vlmproc implements the VLM lifecycle manager: spawning and
// supervising the external VLM server process, probing its health,
// warming it up, and applying the crash/backoff/circuit-breaker path.
package vlmproc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fieldglass/vagent/internal/vlm"
)

const (
	probeInterval   = 250 * time.Millisecond
	warmUpDeadline  = 120 * time.Second
	idleWindow      = 10 * time.Minute
	shutdownGrace   = 5 * time.Second
	crashProbeN     = 5
	crashProbeEvery = 1 * time.Second
	circuitWindow   = 5 * time.Minute
	circuitLimit    = 3
	maxBackoff      = 30 * time.Second
)

// Failed is returned by EnsureReady/Chat when the manager could not service
// the request; Reason distinguishes the failure modes.
type Failed struct {
	Reason string
}

func (f *Failed) Error() string { return fmt.Sprintf("vlm failed: %s", f.Reason) }

// NewClientFunc constructs a vlm.Client pointed at a running server; the
// Manager calls it once per STARTING->READY transition. Exposed as a field
// so tests can substitute a fake VLM endpoint.
type NewClientFunc func(host string, port int) (vlm.Client, error)

// Manager owns the VLM child process and its state machine.
type Manager struct {
	// OnStateChange, when set, is invoked (without the Manager's lock
	// held) after every state transition, so the gateway can mirror
	// vlm_status into the observer snapshot and event stream.
	OnStateChange func(State)

	mu        sync.Mutex
	newClient NewClientFunc
	clk       clock
	spawnFn   func(ctx context.Context, binary string, args []string) (*process, error)

	state      State
	proc       *process
	client     vlm.Client
	model      ModelDescriptor
	startedAt  time.Time
	lastOKAt   time.Time
	crashTimes []time.Time
	idleSince  time.Time
	switching  bool
}

// NewManager returns a Manager ready to spawn models; newClient builds the
// VLM client for each started server (typically vlm.NewOpenAIClient wired
// to the server's host:port).
func NewManager(newClient NewClientFunc) *Manager {
	return &Manager{
		newClient: newClient,
		clk:       realClock{},
		spawnFn:   spawnProcess,
		state:     StateOff,
	}
}

// Snapshot returns the current process view.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		PID:        m.proc.pid(),
		State:      m.state,
		ModelID:    m.model.ID,
		MMProjPath: m.model.MMProjFile,
		Port:       m.model.Port,
		StartedAt:  m.startedAt,
		LastOKAt:   m.lastOKAt,
		CrashCount: len(m.crashTimes),
		IdleSince:  m.idleSince,
	}
}

// EnsureReady spawns (if OFF) and waits for the server to become READY.
// Returns *Failed{BLOCKED} if the circuit breaker has tripped.
func (m *Manager) EnsureReady(ctx context.Context, desc ModelDescriptor) error {
	m.mu.Lock()
	if m.circuitTrippedLocked() {
		m.mu.Unlock()
		return &Failed{Reason: "BLOCKED"}
	}
	if m.state == StateReady || m.state == StateIdleHold {
		if m.model.ID == desc.ID {
			m.state = StateReady
			m.idleSince = time.Time{}
			m.mu.Unlock()
			return nil
		}
	}
	m.mu.Unlock()

	return m.start(ctx, desc)
}

func (m *Manager) notify(st State) {
	if m.OnStateChange != nil {
		m.OnStateChange(st)
	}
}

func (m *Manager) start(ctx context.Context, desc ModelDescriptor) error {
	m.mu.Lock()
	priorCrashes := len(m.crashTimes)
	m.state = StateStarting
	m.model = desc
	m.mu.Unlock()
	m.notify(StateStarting)

	// Restarts after a crash honor the exponential backoff schedule.
	if priorCrashes > 0 {
		m.clk.Sleep(BackoffForCrash(priorCrashes - 1))
	}

	args := append([]string{
		"--model", desc.ModelFile,
		"--mmproj", desc.MMProjFile,
		"--gpu-layers", fmt.Sprintf("%d", desc.GPULayers),
		"--ctx-size", fmt.Sprintf("%d", desc.ContextSize),
		"--host", desc.Host,
		"--port", fmt.Sprintf("%d", desc.Port),
	}, desc.ExtraArgs...)

	proc, err := m.spawnFn(ctx, desc.ServerBinary, args)
	if err != nil {
		m.recordCrash()
		return &Failed{Reason: "SPAWN_FAILED"}
	}

	m.mu.Lock()
	m.proc = proc
	m.startedAt = m.clk.Now()
	m.mu.Unlock()

	go m.watchExit(proc)

	client, err := m.newClient(desc.Host, desc.Port)
	if err != nil {
		return &Failed{Reason: "CLIENT_INIT_FAILED"}
	}

	if err := m.probeUntilHealthy(ctx, client); err != nil {
		m.recordCrash()
		return err
	}

	if err := m.warmUp(ctx, client); err != nil {
		m.recordCrash()
		return err
	}

	m.mu.Lock()
	m.client = client
	m.state = StateReady
	m.lastOKAt = m.clk.Now()
	m.mu.Unlock()
	m.notify(StateReady)

	go m.healthLoop(proc, client)

	log.Printf("[vlmproc] model %s ready (pid=%d, port=%d)", desc.ID, proc.pid(), desc.Port)
	return nil
}

// healthLoop keeps probing the server while it is READY or IDLE_HOLD and
// routes crashProbeN consecutive probe failures into the crash path. It
// exits as soon as the manager stops owning proc (shutdown, switch, or a
// crash detected elsewhere).
func (m *Manager) healthLoop(proc *process, client vlm.Client) {
	failures := 0
	for {
		m.clk.Sleep(crashProbeEvery)

		m.mu.Lock()
		active := m.proc == proc && (m.state == StateReady || m.state == StateIdleHold)
		m.mu.Unlock()
		if !active {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), crashProbeEvery)
		err := client.Ping(ctx)
		cancel()
		if err == nil {
			failures = 0
			continue
		}

		failures++
		if failures < crashProbeN {
			continue
		}

		log.Printf("[vlmproc] health probe failed %d consecutive times: %v", failures, err)
		m.crashAndRestart(proc)
		return
	}
}

func (m *Manager) probeUntilHealthy(ctx context.Context, client vlm.Client) error {
	deadline := m.clk.Now().Add(warmUpDeadline)
	for {
		if err := client.Ping(ctx); err == nil {
			return nil
		}
		if m.clk.Now().After(deadline) {
			return &Failed{Reason: "STARTUP_TIMEOUT"}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			m.clk.Sleep(probeInterval)
		}
	}
}

// warmUp issues the trivial first chat call required before STARTING can
// advance to READY, recording its latency.
func (m *Manager) warmUp(ctx context.Context, client vlm.Client) error {
	ctx, cancel := context.WithTimeout(ctx, warmUpDeadline)
	defer cancel()

	start := m.clk.Now()
	_, err := client.Chat(ctx, &vlm.ChatRequest{
		Messages: []vlm.Message{{Role: "user", Text: "ping"}},
	})
	if err != nil {
		return &Failed{Reason: "WARMUP_FAILED"}
	}
	log.Printf("[vlmproc] warm-up chat completed in %s", m.clk.Now().Sub(start))
	return nil
}

// watchExit waits for the child to exit and, if that happens while the
// manager still believes it owns this process, routes it through the
// crash path.
func (m *Manager) watchExit(proc *process) {
	err := <-proc.exited

	log.Printf("[vlmproc] VLM process exited unexpectedly: %v", err)
	m.crashAndRestart(proc)
}

// crashAndRestart is the shared crash path for all three detection routes
// (child exit, consecutive probe failures, unreachable chat). It records
// the crash, then restarts the same model with backoff unless the circuit
// breaker has tripped. A nil proc means the caller did not observe a
// specific process handle (the chat route); otherwise ownership of proc is
// re-checked so a shutdown or model switch that already ran is not
// double-counted as a crash.
func (m *Manager) crashAndRestart(proc *process) {
	m.mu.Lock()
	if proc != nil && (m.proc != proc || m.state == StateStopping || m.state == StateOff) {
		m.mu.Unlock()
		return
	}
	m.state = StateCrashed
	model := m.model
	m.mu.Unlock()

	m.recordCrash()

	m.mu.Lock()
	blocked := m.circuitTrippedLocked()
	m.mu.Unlock()
	if blocked {
		log.Printf("[vlmproc] circuit breaker tripped, not restarting")
		return
	}
	go func() {
		if err := m.start(context.Background(), model); err != nil {
			log.Printf("[vlmproc] restart after crash failed: %v", err)
		}
	}()
}

// recordCrash increments crash_count within the rolling circuit-breaker
// window and transitions to CRASHED.
func (m *Manager) recordCrash() {
	m.mu.Lock()
	now := m.clk.Now()
	m.crashTimes = append(m.crashTimes, now)
	m.pruneCrashesLocked(now)
	m.state = StateCrashed
	m.mu.Unlock()
	m.notify(StateCrashed)
}

func (m *Manager) pruneCrashesLocked(now time.Time) {
	cutoff := now.Add(-circuitWindow)
	kept := m.crashTimes[:0]
	for _, t := range m.crashTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.crashTimes = kept
}

func (m *Manager) circuitTrippedLocked() bool {
	m.pruneCrashesLocked(m.clk.Now())
	return len(m.crashTimes) >= circuitLimit
}

// BackoffForCrash returns the exponential backoff duration for the nth
// crash (0-indexed), capped at maxBackoff: 1,2,4,8,...,30s.
func BackoffForCrash(n int) time.Duration {
	d := time.Second
	for i := 0; i < n; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// Chat forwards one chat call to the running server, moving IDLE_HOLD
// back to READY on use with no re-warm.
func (m *Manager) Chat(ctx context.Context, req *vlm.ChatRequest, timeout time.Duration) (*vlm.ChatResponse, error) {
	m.mu.Lock()
	if m.state != StateReady && m.state != StateIdleHold {
		m.mu.Unlock()
		return nil, &Failed{Reason: "NOT_READY"}
	}
	client := m.client
	m.state = StateReady
	m.idleSince = time.Time{}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := client.Chat(ctx, req)
	if err != nil {
		// Connection refused against a process we believe is READY means
		// the process is gone: route it through the crash path.
		if errors.Is(err, vlm.ErrUnreachable) {
			log.Printf("[vlmproc] chat call found server unreachable: %v", err)
			m.crashAndRestart(nil)
			return nil, &Failed{Reason: "VLM_UNREACHABLE"}
		}
		return nil, &Failed{Reason: "CHAT_FAILED"}
	}

	m.mu.Lock()
	m.lastOKAt = m.clk.Now()
	m.mu.Unlock()
	return resp, nil
}

// IdleLoop periodically checks for chat inactivity and moves READY to
// IDLE_HOLD once the idle window elapses. Run it in its own goroutine for
// the life of the supervisor.
func (m *Manager) IdleLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			idle := m.state == StateReady && m.clk.Now().Sub(m.lastOKAt) >= idleWindow
			m.mu.Unlock()
			if idle {
				log.Printf("[vlmproc] no chat activity for %s, holding idle", idleWindow)
				m.Release()
			}
		}
	}
}

// Release moves READY to IDLE_HOLD; the next Chat call resumes without a
// re-warm.
func (m *Manager) Release() {
	m.mu.Lock()
	if m.state != StateReady {
		m.mu.Unlock()
		return
	}
	m.state = StateIdleHold
	m.idleSince = m.clk.Now()
	m.mu.Unlock()
	m.notify(StateIdleHold)
}

// SwitchModel tears down the current process and starts desc
// (STOPPING -> OFF -> STARTING with the new model descriptor). busy
// reports whether a task is RUNNING; if so this returns *Failed{BUSY}
// without altering the process.
func (m *Manager) SwitchModel(ctx context.Context, desc ModelDescriptor, busy func() bool) error {
	m.mu.Lock()
	if m.switching {
		m.mu.Unlock()
		return &Failed{Reason: "BUSY"}
	}
	if busy != nil && busy() {
		m.mu.Unlock()
		return &Failed{Reason: "BUSY"}
	}
	m.switching = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.switching = false
		m.mu.Unlock()
	}()

	m.Shutdown()
	return m.start(ctx, desc)
}

// Shutdown moves READY/IDLE_HOLD -> STOPPING -> OFF.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	proc := m.proc
	if proc == nil {
		m.mu.Unlock()
		return
	}
	m.state = StateStopping
	m.mu.Unlock()
	m.notify(StateStopping)

	proc.shutdown(shutdownGrace)

	m.mu.Lock()
	m.state = StateOff
	m.proc = nil
	m.client = nil
	m.mu.Unlock()
	m.notify(StateOff)
}
