package action

import (
	"bufio"
	"strconv"
	"strings"
)

// fence is the block marker the orchestrator's system persona instructs the
// VLM to emit a single action inside of, e.g.:
//
//	```action
//	type: CLICK
//	target: 512, 880
//	confidence: 0.92
//	rationale: clicking the Start button
//	```
//
// This is the one stable serialization the prompt pins; Parse and Serialize
// are inverses of each other for any canonical Envelope.
const (
	fenceOpenPrefix = "```action"
	fenceClose      = "```"
)

// Parse extracts an Envelope from the VLM's free-form reply. If the text
// contains more than one well-formed ```action fenced block, the last one
// wins. If none parse cleanly, it returns a *ParseError.
func Parse(raw string) (*Envelope, error) {
	blocks := extractFences(raw)
	if len(blocks) == 0 {
		return nil, &ParseError{Reason: "no action block found"}
	}

	var last *Envelope
	var lastErr error
	for _, b := range blocks {
		env, err := parseFields(b)
		if err != nil {
			lastErr = err
			continue
		}
		last = env
		lastErr = nil
	}
	if last == nil {
		if lastErr == nil {
			lastErr = &ParseError{Reason: "no well-formed action block"}
		}
		if _, ok := lastErr.(*ParseError); !ok {
			lastErr = &ParseError{Reason: lastErr.Error()}
		}
		return nil, lastErr
	}
	return last, nil
}

// extractFences returns the inner contents of every ```action ... ``` block
// in raw, in document order.
func extractFences(raw string) []string {
	var blocks []string
	sc := bufio.NewScanner(strings.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var in bool
	var cur strings.Builder
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		switch {
		case !in && strings.HasPrefix(trimmed, fenceOpenPrefix):
			in = true
			cur.Reset()
		case in && trimmed == fenceClose:
			in = false
			blocks = append(blocks, cur.String())
		case in:
			cur.WriteString(line)
			cur.WriteByte('\n')
		}
	}
	return blocks
}

// parseFields parses the "key: value" lines of one fenced block body into an
// Envelope and validates it.
func parseFields(body string) (*Envelope, error) {
	env := &Envelope{}
	sawType := false
	sawConfidence := false

	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			return nil, &ParseError{Reason: "malformed field line: " + line}
		}
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)

		switch key {
		case "type":
			env.Kind = Kind(strings.ToUpper(val))
			sawType = true
		case "target":
			p, err := parsePoint(val)
			if err != nil {
				return nil, err
			}
			env.Target = p
		case "text":
			env.Text = unquote(val)
		case "amount":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, &ParseError{Reason: "bad amount: " + val}
			}
			env.Amount = n
		case "keys":
			env.Keys = splitList(val)
		case "duration_ms":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, &ParseError{Reason: "bad duration_ms: " + val}
			}
			env.DurationMS = n
		case "confidence":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, &ParseError{Reason: "bad confidence: " + val}
			}
			env.Confidence = f
			sawConfidence = true
		case "rationale":
			env.Rationale = unquote(val)
		default:
			// unknown field: tolerated, ignored, so the parser does not
			// break when the VLM adds a harmless extra field.
		}
	}

	if !sawType {
		return nil, &ParseError{Reason: "missing type field"}
	}
	if !sawConfidence {
		return nil, &ParseError{Reason: "missing confidence field"}
	}
	// Validate against a clamped copy: an out-of-range target is not a
	// parse failure, it is clamped (with a warning) by the caller, so the
	// raw value must survive parsing.
	check := *env
	if check.Target != nil {
		clamped, _ := ClampTarget(*check.Target)
		check.Target = &clamped
	}
	if err := check.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

func parsePoint(val string) (*Point, error) {
	x, y, ok := strings.Cut(val, ",")
	if !ok {
		return nil, &ParseError{Reason: "bad target: " + val}
	}
	xi, err := strconv.Atoi(strings.TrimSpace(x))
	if err != nil {
		return nil, &ParseError{Reason: "bad target x: " + val}
	}
	yi, err := strconv.Atoi(strings.TrimSpace(y))
	if err != nil {
		return nil, &ParseError{Reason: "bad target y: " + val}
	}
	return &Point{X: xi, Y: yi}, nil
}

func splitList(val string) []string {
	parts := strings.Split(val, "+")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// Serialize renders an Envelope back into the canonical ```action block, the
// inverse of Parse for any valid Envelope.
func Serialize(e *Envelope) string {
	var b strings.Builder
	b.WriteString(fenceOpenPrefix)
	b.WriteByte('\n')
	b.WriteString("type: " + string(e.Kind) + "\n")
	if e.Target != nil {
		b.WriteString("target: " + strconv.Itoa(e.Target.X) + ", " + strconv.Itoa(e.Target.Y) + "\n")
	}
	if e.Text != "" {
		b.WriteString("text: \"" + e.Text + "\"\n")
	}
	if e.Amount != 0 {
		b.WriteString("amount: " + strconv.Itoa(e.Amount) + "\n")
	}
	if len(e.Keys) > 0 {
		b.WriteString("keys: " + strings.Join(e.Keys, " + ") + "\n")
	}
	if e.DurationMS != 0 {
		b.WriteString("duration_ms: " + strconv.Itoa(e.DurationMS) + "\n")
	}
	b.WriteString("confidence: " + strconv.FormatFloat(e.Confidence, 'f', -1, 64) + "\n")
	if e.Rationale != "" {
		b.WriteString("rationale: \"" + e.Rationale + "\"\n")
	}
	b.WriteString(fenceClose)
	return b.String()
}
