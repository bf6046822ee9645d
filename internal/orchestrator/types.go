package orchestrator

import (
	"context"
	"time"

	"github.com/fieldglass/vagent/internal/action"
)

// ScreenFrame is one captured frame, owned by the Orchestrator for the
// duration of one iteration.
type ScreenFrame struct {
	CapturedAt time.Time
	WidthPx    int
	HeightPx   int
	JPEGBytes  []byte
}

// PixelAction is an action envelope after the coordinate normalizer has
// translated its normalized target (if any) into screen pixels, the only
// form the Actuator accepts.
type PixelAction struct {
	Kind       action.Kind `json:"type"`
	X          int         `json:"x"`
	Y          int         `json:"y"`
	Text       string      `json:"text,omitempty"`
	Amount     int         `json:"amount,omitempty"`
	Keys       []string    `json:"keys,omitempty"`
	DurationMS int         `json:"duration_ms,omitempty"`
}

// Actuator is the externally-owned GUI driver: it captures frames and
// dispatches pointer/keyboard input. The Orchestrator depends only on this
// interface, never on a concrete implementation.
type Actuator interface {
	// Capture returns the current screen as a ScreenFrame.
	Capture(ctx context.Context) (*ScreenFrame, error)
	// Apply dispatches a to the GUI.
	Apply(ctx context.Context, a PixelAction) error
	// Resolution reports the current screen size in pixels.
	Resolution() (w, h int)
}

// TaskState is one state of a task's lifecycle.
type TaskState string

const (
	TaskQueued  TaskState = "QUEUED"
	TaskRunning TaskState = "RUNNING"
	TaskDone    TaskState = "DONE"
	TaskAborted TaskState = "ABORTED"
	TaskError   TaskState = "ERROR"
)

// Task is one submitted command and its progress through the lifecycle.
type Task struct {
	ID             string    `json:"id"`
	Command        string    `json:"command"`
	CreatedAt      time.Time `json:"created_at"`
	State          TaskState `json:"state"`
	IterationsUsed int       `json:"iterations_used"`
	Details        string    `json:"details,omitempty"`
}
