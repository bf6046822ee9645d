package gateway

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/fieldglass/vagent/internal/events"
	"github.com/fieldglass/vagent/internal/vlm"
)

// heartbeatNothing is the sentinel the heartbeat prompt instructs the model
// to reply with when it has nothing worth saying, so that "if no action is
// warranted, it emits nothing" is the model's own call.
const heartbeatNothing = "NOTHING"

const heartbeatPrompt = "You are the proactive side of a desktop assistant. " +
	"Given the current local time, decide whether there is anything brief " +
	"and genuinely useful to tell the user right now. If not, reply with " +
	"exactly " + heartbeatNothing + " and no other text."

// heartbeatLoop runs the periodic proactive task: every interval,
// inside the configured active hours and only while the agent is idle, it
// asks the VLM for a proactive message and publishes it as a chat_message
// event. An empty reply, or one equal to the sentinel (ignoring case and
// surrounding whitespace), is discarded.
func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	interval := s.cfg.Gateway.HeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.heartbeatTick(ctx)
		}
	}
}

func (s *Supervisor) heartbeatTick(ctx context.Context) {
	now := time.Now()
	if !withinActiveHours(now, s.cfg.Gateway.HeartbeatActiveFrom, s.cfg.Gateway.HeartbeatActiveTo) {
		return
	}
	if s.orch.IsBusy() {
		return
	}

	resp, err := s.vlmMgr.Chat(ctx, &vlm.ChatRequest{
		Messages: []vlm.Message{
			{Role: "system", Text: heartbeatPrompt},
			{Role: "user", Text: "Local time: " + now.Format("Monday 15:04")},
		},
	}, 30*time.Second)
	if err != nil {
		// Not an error worth surfacing: the VLM may be OFF or not yet READY
		// between tasks, and the heartbeat must never force a spawn.
		return
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" || strings.EqualFold(text, heartbeatNothing) {
		return
	}

	msg := events.ChatMessage{Role: "assistant", Text: text}
	s.sess.RecordChat(msg)
	s.bus.Publish(events.Event{Kind: events.KindChatMessage, Payload: msg})
	log.Printf("[gateway] heartbeat message published")
}

// withinActiveHours reports whether t falls inside the [from, to) HH:MM
// window; a window that crosses midnight (from > to) wraps. Unparseable
// bounds disable the gate rather than silencing the heartbeat.
func withinActiveHours(t time.Time, from, to string) bool {
	fh, fm, okF := parseHHMM(from)
	th, tm, okT := parseHHMM(to)
	if !okF || !okT {
		return true
	}
	minutes := t.Hour()*60 + t.Minute()
	start := fh*60 + fm
	end := th*60 + tm
	if start == end {
		return true
	}
	if start < end {
		return minutes >= start && minutes < end
	}
	return minutes >= start || minutes < end
}

func parseHHMM(s string) (h, m int, ok bool) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, false
	}
	return parsed.Hour(), parsed.Minute(), true
}
