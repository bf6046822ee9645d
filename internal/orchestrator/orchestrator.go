// Package orchestrator implements the single think-act-verify control
// loop that drives a Task to completion, applies the safety gate, and
// fans status/thought/action/frame events out to the event bus.
package orchestrator

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldglass/vagent/internal/action"
	"github.com/fieldglass/vagent/internal/events"
	"github.com/fieldglass/vagent/internal/telemetry"
	"github.com/fieldglass/vagent/internal/vlm"
	"github.com/fieldglass/vagent/internal/vlmproc"
)

// Defaults for the control loop's gates and timeouts.
const (
	DefaultMaxIterations       = 20
	DefaultConfidenceThreshold = 0.8
	DefaultHistoryTurns        = 10
	DefaultPostActionDelay     = 100 * time.Millisecond
	DefaultCaptureTimeout      = 2 * time.Second
	DefaultActuatorTimeout     = 5 * time.Second
	DefaultVLMTimeout          = 90 * time.Second
	DefaultShutdownWindow      = 2 * time.Second

	defaultSystemPrompt = "You are a desktop automation agent. You are shown " +
		"a screenshot of the current screen and must choose exactly one " +
		"action to make progress on the user's command. Respond with a " +
		"single ```action fenced block."
)

// Config controls one Orchestrator's behavior.
type Config struct {
	SystemPrompt        string
	MaxIterations       int
	ConfidenceThreshold float64
	HistoryTurns        int
	PostActionDelay     time.Duration
	CaptureTimeout      time.Duration
	ActuatorTimeout     time.Duration
	VLMTimeout          time.Duration
	ShutdownWindow      time.Duration
	ContextWindow       int
	// Metrics is optional; nil disables instrumentation (all Record*
	// methods are nil-safe).
	Metrics *telemetry.Metrics
}

func (c *Config) setDefaults() {
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = DefaultHistoryTurns
	}
	if c.PostActionDelay <= 0 {
		c.PostActionDelay = DefaultPostActionDelay
	}
	if c.CaptureTimeout <= 0 {
		c.CaptureTimeout = DefaultCaptureTimeout
	}
	if c.ActuatorTimeout <= 0 {
		c.ActuatorTimeout = DefaultActuatorTimeout
	}
	if c.VLMTimeout <= 0 {
		c.VLMTimeout = DefaultVLMTimeout
	}
	if c.ShutdownWindow <= 0 {
		c.ShutdownWindow = DefaultShutdownWindow
	}
}

// VLMChatter is the subset of *vlmproc.Manager the Orchestrator calls. An
// interface (rather than the concrete Manager) keeps control-loop tests
// independent of the process lifecycle machinery.
type VLMChatter interface {
	Chat(ctx context.Context, req *vlm.ChatRequest, timeout time.Duration) (*vlm.ChatResponse, error)
}

var _ VLMChatter = (*vlmproc.Manager)(nil)

// Orchestrator runs one task at a time end to end. All mutation of task
// state happens inside the single goroutine started by Run; external
// inputs (Submit, Steer, Pause, Resume, Stop, ClearChat) only touch the
// mutex-guarded fields below.
type Orchestrator struct {
	actuator Actuator
	vlmChat  VLMChatter
	bus      *events.Bus
	store    *events.Store
	cfg      Config
	ctxMgr   *contextManager

	mu            sync.Mutex
	task          *Task
	paused        bool
	stopRequested bool
	steerQueue    []string
	history       []vlm.Message
	cancelFunc    context.CancelFunc

	workCh chan *Task
}

// New returns an Orchestrator ready for Run.
func New(actuator Actuator, vlmChat VLMChatter, bus *events.Bus, store *events.Store, cfg Config) *Orchestrator {
	cfg.setDefaults()
	return &Orchestrator{
		actuator: actuator,
		vlmChat:  vlmChat,
		bus:      bus,
		store:    store,
		cfg:      cfg,
		ctxMgr:   newContextManager(cfg.ContextWindow),
		workCh:   make(chan *Task, 1),
	}
}

// Run processes submitted tasks until ctx is cancelled. Intended to run in
// its own goroutine for the life of the Gateway Supervisor's agent worker.
func (o *Orchestrator) Run(ctx context.Context) {
	log.Printf("[orchestrator] started")
	for {
		select {
		case <-ctx.Done():
			log.Printf("[orchestrator] stopping: %v", ctx.Err())
			return
		case task := <-o.workCh:
			o.runTask(ctx, task)
		}
	}
}

// Submit enqueues a new task. Returns *BusyError if a task is already
// RUNNING or another task is still queued; at most one task runs at a time.
func (o *Orchestrator) Submit(command string) (*Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.task != nil && o.task.State == TaskRunning {
		return nil, &BusyError{}
	}
	t := &Task{ID: uuid.NewString(), Command: command, CreatedAt: time.Now(), State: TaskQueued}
	select {
	case o.workCh <- t:
	default:
		return nil, &BusyError{}
	}
	o.task = t
	return t, nil
}

// Steer enqueues text injected into the next prompt, never mid-call.
func (o *Orchestrator) Steer(text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.task == nil || o.task.State != TaskRunning {
		return &NotRunningError{}
	}
	o.steerQueue = append(o.steerQueue, text)
	return nil
}

// Pause honors PAUSED at the next step boundary.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.task == nil || o.task.State != TaskRunning {
		return &NotRunningError{}
	}
	o.paused = true
	return nil
}

// Resume clears PAUSED.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.task == nil || o.task.State != TaskRunning || !o.paused {
		return &NotRunningError{}
	}
	o.paused = false
	return nil
}

// Stop cancels the in-flight iteration cooperatively and the loop finishes
// with ABORTED.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if o.task == nil || o.task.State != TaskRunning {
		o.mu.Unlock()
		return nil
	}
	o.stopRequested = true
	cancel := o.cancelFunc
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// ClearChat drops the in-memory conversation history and the Store's chat
// log.
func (o *Orchestrator) ClearChat() {
	o.mu.Lock()
	o.history = nil
	o.mu.Unlock()
	o.store.ClearChat()
}

// CurrentTask returns a copy of the task currently tracked, if any.
func (o *Orchestrator) CurrentTask() (Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.task == nil {
		return Task{}, false
	}
	return *o.task, true
}

// IsBusy reports whether a task is RUNNING, used by the lifecycle manager's
// SwitchModel busy check.
func (o *Orchestrator) IsBusy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.task != nil && o.task.State == TaskRunning
}

func (o *Orchestrator) runTask(parent context.Context, task *Task) {
	taskCtx, cancel := context.WithCancel(parent)

	o.mu.Lock()
	task.State = TaskRunning
	o.stopRequested = false
	o.paused = false
	o.steerQueue = nil
	o.history = []vlm.Message{
		{Role: "system", Text: o.cfg.SystemPrompt},
		{Role: "user", Text: task.Command},
	}
	o.cancelFunc = cancel
	o.mu.Unlock()

	o.recordChat(events.ChatMessage{Role: "user", Text: task.Command})

	reason, final := o.loop(taskCtx, task)
	cancel()

	o.mu.Lock()
	task.State = final
	task.Details = reason
	o.cancelFunc = nil
	o.mu.Unlock()

	o.publishStatus(statusForState(final), reason)
	log.Printf("[orchestrator] task %s finished: %s (%s) after %d iterations", task.ID, final, reason, task.IterationsUsed)
}

// loop runs the think-act-verify steps until a terminal condition.
func (o *Orchestrator) loop(ctx context.Context, task *Task) (reason string, final TaskState) {
	for {
		if r, f, stop := o.checkControl(ctx); stop {
			return r, f
		}

		if task.IterationsUsed >= o.cfg.MaxIterations {
			return "MAX_ITERATIONS", TaskAborted
		}

		o.publishStatus(events.StatusThinking, "")
		messages := o.buildMessages()

		o.publishStatus(events.StatusCapturing, "")
		frame, err := o.capture(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return "stopped", TaskAborted
			}
			return fmt.Sprintf("ACTUATOR_ERROR: %v", err), TaskError
		}
		o.publishFrame(frame)

		messages = append(messages, vlm.Message{
			Role:  "user",
			Text:  "(current screen)",
			Image: &vlm.Image{Base64JPEG: base64.StdEncoding.EncodeToString(frame.JPEGBytes)},
		})
		if o.ctxMgr.needsTruncation(messages) {
			log.Printf("[orchestrator] task %s: context pressure at iteration %d, truncating", task.ID, task.IterationsUsed+1)
			messages = o.ctxMgr.truncate(messages)
		}

		o.publishStatus(events.StatusThinking, "")
		resp, err := o.vlmChat.Chat(ctx, &vlm.ChatRequest{Messages: messages}, o.cfg.VLMTimeout)
		task.IterationsUsed++
		o.cfg.Metrics.RecordIteration(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return "stopped", TaskAborted
			}
			return fmt.Sprintf("VLM_TIMEOUT: %v", err), TaskError
		}

		env, perr := action.Parse(resp.Content)
		if perr != nil {
			o.recordThought(fmt.Sprintf("(unparseable response: %v)", perr))
			o.publishStatus(events.StatusBlocked, "PARSE_ERROR")
			if task.IterationsUsed >= o.cfg.MaxIterations {
				return "UNPARSEABLE", TaskError
			}
			continue
		}

		o.recordThought(env.Rationale)
		o.appendAssistantTurn(resp.Content)

		if env.IsTerminal() {
			if env.Kind == action.Done {
				return env.Rationale, TaskDone
			}
			return env.Rationale, TaskError
		}

		if env.Confidence < o.cfg.ConfidenceThreshold {
			o.publishStatus(events.StatusBlocked, "LOW_CONFIDENCE")
			continue
		}

		w, h := o.actuator.Resolution()
		pixel, clamped := o.toPixelAction(env, w, h)
		if clamped {
			o.publishStatus(events.StatusBlocked, "target clamped to [0,1000]^2")
		}

		o.publishStatus(events.StatusExecuting, "")
		if err := o.apply(ctx, pixel); err != nil {
			if ctx.Err() != nil {
				return "stopped", TaskAborted
			}
			return fmt.Sprintf("ACTUATOR_ERROR: %v", err), TaskError
		}
		o.store.RecordAction(pixel)
		o.bus.Publish(events.Event{Kind: events.KindAction, Payload: pixel})

		select {
		case <-ctx.Done():
			return "stopped", TaskAborted
		case <-time.After(o.cfg.PostActionDelay):
		}

		o.publishStatus(events.StatusVerifying, "")
		o.drainSteer()
	}
}

// checkControl reports a pending stop or an indefinite pause. Pause is only
// honored at step boundaries, never mid-action.
func (o *Orchestrator) checkControl(ctx context.Context) (reason string, final TaskState, stop bool) {
	for {
		o.mu.Lock()
		stopReq := o.stopRequested
		paused := o.paused
		o.mu.Unlock()

		if stopReq {
			return "stopped", TaskAborted, true
		}
		if !paused {
			return "", "", false
		}

		o.publishStatus(events.StatusPaused, "")
		select {
		case <-ctx.Done():
			return "stopped", TaskAborted, true
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (o *Orchestrator) capture(ctx context.Context) (*ScreenFrame, error) {
	cctx, cancel := context.WithTimeout(ctx, o.cfg.CaptureTimeout)
	defer cancel()
	return o.actuator.Capture(cctx)
}

func (o *Orchestrator) apply(ctx context.Context, pa PixelAction) error {
	actx, cancel := context.WithTimeout(ctx, o.cfg.ActuatorTimeout)
	err := o.actuator.Apply(actx, pa)
	cancel()
	if err == nil {
		return nil
	}
	// one retry.
	actx2, cancel2 := context.WithTimeout(ctx, o.cfg.ActuatorTimeout)
	defer cancel2()
	return o.actuator.Apply(actx2, pa)
}

// toPixelAction translates env through the coordinate normalizer.
// Coordinates are clamped into [0,1000]^2 before mapping to pixels, so
// the Actuator only ever sees in-bounds pixel coordinates.
func (o *Orchestrator) toPixelAction(env *action.Envelope, w, h int) (PixelAction, bool) {
	pa := PixelAction{Kind: env.Kind, Text: env.Text, Amount: env.Amount, Keys: env.Keys, DurationMS: env.DurationMS}
	if env.Target == nil {
		return pa, false
	}
	clampedPt, wasClamped := action.ClampTarget(*env.Target)
	pa.X, pa.Y = action.ToPixels(clampedPt.X, clampedPt.Y, w, h, action.Offsets{})
	return pa, wasClamped
}

func (o *Orchestrator) buildMessages() []vlm.Message {
	o.mu.Lock()
	defer o.mu.Unlock()

	var sys []vlm.Message
	rest := o.history
	if len(rest) > 0 && rest[0].Role == "system" {
		sys = rest[:1]
		rest = rest[1:]
	}
	maxRest := o.cfg.HistoryTurns * 2
	if len(rest) > maxRest {
		rest = rest[len(rest)-maxRest:]
	}
	out := make([]vlm.Message, 0, len(sys)+len(rest))
	out = append(out, sys...)
	out = append(out, rest...)
	return out
}

func (o *Orchestrator) appendAssistantTurn(content string) {
	o.mu.Lock()
	o.history = append(o.history, vlm.Message{Role: "assistant", Text: content})
	o.mu.Unlock()
}

// drainSteer injects accumulated steer hints as high-priority context into
// the next prompt.
func (o *Orchestrator) drainSteer() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.steerQueue) == 0 {
		return
	}
	hint := strings.Join(o.steerQueue, "\n")
	o.steerQueue = nil
	o.history = append(o.history, vlm.Message{Role: "user", Text: "(steer) " + hint})
}

func (o *Orchestrator) publishStatus(status events.Status, details string) {
	o.store.SetStatus(status, details)
	o.bus.Publish(events.Event{Kind: events.KindStatus, Payload: o.store.Snapshot()})
}

func (o *Orchestrator) publishFrame(f *ScreenFrame) {
	payload := events.Frame{
		CapturedAt: f.CapturedAt,
		WidthPx:    f.WidthPx,
		HeightPx:   f.HeightPx,
		Base64JPEG: base64.StdEncoding.EncodeToString(f.JPEGBytes),
	}
	o.store.SetFrame(payload)
	o.bus.Publish(events.Event{Kind: events.KindFrame, Payload: payload})
}

func (o *Orchestrator) recordThought(text string) {
	o.store.RecordThought(text)
	o.bus.Publish(events.Event{Kind: events.KindThought, Payload: text})
}

func (o *Orchestrator) recordChat(m events.ChatMessage) {
	o.store.RecordChat(m)
	o.bus.Publish(events.Event{Kind: events.KindChatMessage, Payload: m})
}

func statusForState(s TaskState) events.Status {
	switch s {
	case TaskDone:
		return events.StatusDone
	case TaskAborted:
		return events.StatusAborted
	case TaskError:
		return events.StatusError
	default:
		return events.StatusIdle
	}
}
