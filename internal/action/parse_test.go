package action

import "testing"

func TestParseHappyPath(t *testing.T) {
	raw := "I'll click the Start button.\n\n```action\n" +
		"type: CLICK\n" +
		"target: 5, 998\n" +
		"confidence: 0.92\n" +
		"rationale: \"opening the Start menu\"\n" +
		"```\n"

	env, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Kind != Click {
		t.Errorf("kind = %s, want CLICK", env.Kind)
	}
	if env.Target == nil || env.Target.X != 5 || env.Target.Y != 998 {
		t.Errorf("target = %+v, want (5,998)", env.Target)
	}
	if env.Confidence != 0.92 {
		t.Errorf("confidence = %v, want 0.92", env.Confidence)
	}
}

func TestParseEmptyString(t *testing.T) {
	_, err := Parse("")
	if err == nil {
		t.Fatal("expected ParseError for empty string")
	}
	if _, ok := err.(*ParseError); !ok {
		t.Errorf("expected *ParseError, got %T", err)
	}
}

func TestParseNoEnvelope(t *testing.T) {
	_, err := Parse("I am thinking about what to do next.")
	if err == nil {
		t.Fatal("expected ParseError")
	}
}

func TestParseLastEnvelopeWins(t *testing.T) {
	raw := "```action\n" +
		"type: CLICK\n" +
		"target: 1, 1\n" +
		"confidence: 0.9\n" +
		"```\n" +
		"On second thought:\n" +
		"```action\n" +
		"type: WAIT\n" +
		"confidence: 0.95\n" +
		"duration_ms: 500\n" +
		"```\n"

	env, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Kind != Wait {
		t.Errorf("kind = %s, want WAIT (last envelope)", env.Kind)
	}
	if env.DurationMS != 500 {
		t.Errorf("duration_ms = %d, want 500", env.DurationMS)
	}
}

func TestParseLastWellFormedWinsWhenLaterMalformed(t *testing.T) {
	raw := "```action\n" +
		"type: CLICK\n" +
		"target: 1, 1\n" +
		"confidence: 0.9\n" +
		"```\n" +
		"```action\n" +
		"type: CLICK\n" +
		"confidence: not-a-number\n" +
		"```\n"

	env, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Kind != Click || env.Target == nil || env.Target.X != 1 {
		t.Errorf("expected first well-formed envelope to win, got %+v", env)
	}
}

func TestParseDoneEnvelope(t *testing.T) {
	raw := "```action\n" +
		"type: DONE\n" +
		"confidence: 1.0\n" +
		"rationale: \"task complete\"\n" +
		"```\n"
	env, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !env.IsTerminal() {
		t.Error("expected terminal envelope")
	}
}

func TestParseKeysEnvelope(t *testing.T) {
	raw := "```action\n" +
		"type: KEY\n" +
		"keys: ctrl + c\n" +
		"confidence: 0.9\n" +
		"rationale: \"copy\"\n" +
		"```\n"
	env, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(env.Keys) != 2 || env.Keys[0] != "ctrl" || env.Keys[1] != "c" {
		t.Errorf("keys = %v, want [ctrl c]", env.Keys)
	}
}

func TestParseRoundTrip(t *testing.T) {
	original := &Envelope{
		Kind:       Drag,
		Target:     &Point{X: 250, Y: 750},
		Confidence: 0.81,
		Rationale:  "dragging the slider",
	}
	if err := original.Validate(); err != nil {
		t.Fatalf("fixture invalid: %v", err)
	}

	serialized := Serialize(original)
	parsed, err := Parse(serialized)
	if err != nil {
		t.Fatalf("parse(serialize(e)) failed: %v", err)
	}

	if parsed.Kind != original.Kind ||
		*parsed.Target != *original.Target ||
		parsed.Confidence != original.Confidence ||
		parsed.Rationale != original.Rationale {
		t.Errorf("round trip mismatch: got %+v, want %+v", parsed, original)
	}
}

func TestParseMissingConfidenceField(t *testing.T) {
	raw := "```action\ntype: WAIT\n```\n"
	if _, err := Parse(raw); err == nil {
		t.Fatal("expected error for missing confidence field")
	}
}

func TestParsePreservesOutOfRangeTarget(t *testing.T) {
	// An out-of-range target is not a parse failure: the raw value is kept
	// so the caller can clamp it and emit the warning.
	raw := "```action\ntype: CLICK\ntarget: 1200, -5\nconfidence: 0.9\n```\n"
	env, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Target == nil || env.Target.X != 1200 || env.Target.Y != -5 {
		t.Errorf("target = %+v, want raw (1200,-5)", env.Target)
	}
}

func TestParseInvalidEnvelopeRejectedByValidate(t *testing.T) {
	// CLICK with no target field: well-formed fields but fails Validate.
	raw := "```action\ntype: CLICK\nconfidence: 0.9\n```\n"
	if _, err := Parse(raw); err == nil {
		t.Fatal("expected validation error for CLICK with no target")
	}
}
