// Package action implements the Coordinate & Action Normalizer: parsing the
// VLM's free-form reply into a typed ActionEnvelope, validating it against
// per-type invariants, and mapping normalized model-space coordinates onto
// screen pixels.
package action

import "fmt"

// Kind identifies the kind of GUI action an envelope describes.
type Kind string

const (
	Click       Kind = "CLICK"
	DoubleClick Kind = "DOUBLE_CLICK"
	RightClick  Kind = "RIGHT_CLICK"
	Type        Kind = "TYPE"
	Scroll      Kind = "SCROLL"
	Key         Kind = "KEY"
	Move        Kind = "MOVE"
	Drag        Kind = "DRAG"
	Wait        Kind = "WAIT"
	Done        Kind = "DONE"
	Fail        Kind = "FAIL"
)

// pointerKinds are the action kinds that require a Target.
var pointerKinds = map[Kind]bool{
	Click:       true,
	DoubleClick: true,
	RightClick:  true,
	Move:        true,
	Drag:        true,
}

// Point is a coordinate pair in model-normalized [0,1000] space.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Envelope is the action record the Orchestrator extracts from a VLM
// response. Exactly the fields a given Kind needs are populated; unlike the
// ad hoc "bag of optional fields" this is still a flat struct, but Validate
// enforces the per-kind invariants from the data model.
type Envelope struct {
	Kind       Kind     `json:"type"`
	Target     *Point   `json:"target,omitempty"`
	Text       string   `json:"text,omitempty"`
	Amount     int      `json:"amount,omitempty"`
	Keys       []string `json:"keys,omitempty"`
	DurationMS int      `json:"duration_ms,omitempty"`
	Confidence float64  `json:"confidence"`
	Rationale  string   `json:"rationale,omitempty"`
}

// ParseError is returned when the VLM's output contains no well-formed
// envelope.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %s", e.Reason)
}

// ValidationError is returned when an otherwise well-formed envelope
// violates a per-kind invariant.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid action envelope: %s", e.Reason)
}

// Validate enforces the per-kind required fields and bounds:
// pointer actions require Target, TYPE requires Text, KEY requires Keys,
// DONE/FAIL require Rationale, Confidence must be in [0,1], and Target
// components (if present) must be in [0,1000].
func (e *Envelope) Validate() error {
	if e.Confidence < 0 || e.Confidence > 1 {
		return &ValidationError{Reason: fmt.Sprintf("confidence %.3f out of [0,1]", e.Confidence)}
	}

	if pointerKinds[e.Kind] {
		if e.Target == nil {
			return &ValidationError{Reason: fmt.Sprintf("%s requires target", e.Kind)}
		}
		if e.Target.X < 0 || e.Target.X > 1000 || e.Target.Y < 0 || e.Target.Y > 1000 {
			return &ValidationError{Reason: fmt.Sprintf("target (%d,%d) out of [0,1000]^2", e.Target.X, e.Target.Y)}
		}
	}

	switch e.Kind {
	case Type:
		if e.Text == "" {
			return &ValidationError{Reason: "TYPE requires text"}
		}
	case Key:
		if len(e.Keys) == 0 {
			return &ValidationError{Reason: "KEY requires keys"}
		}
	case Done, Fail:
		if e.Rationale == "" {
			return &ValidationError{Reason: fmt.Sprintf("%s requires rationale", e.Kind)}
		}
	case Click, DoubleClick, RightClick, Move, Drag, Scroll, Wait:
		// handled above / no extra required fields
	default:
		return &ValidationError{Reason: fmt.Sprintf("unknown action type %q", e.Kind)}
	}

	return nil
}

// IsTerminal reports whether the envelope ends the task (DONE or FAIL).
func (e *Envelope) IsTerminal() bool {
	return e.Kind == Done || e.Kind == Fail
}
