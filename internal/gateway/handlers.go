package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"

	"github.com/fieldglass/vagent/internal/events"
	"github.com/fieldglass/vagent/internal/orchestrator"
	"github.com/fieldglass/vagent/internal/vlmproc"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[gateway] writing response: %v", err)
	}
}

// decodeJSON reads the request body into v. A body over the 1 MiB cap
// surfaces as 413; malformed JSON as 400.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed JSON body"})
		return false
	}
	return true
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return false
	}
	return true
}

func requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return false
	}
	return true
}

func (s *Supervisor) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": Version})
}

func (s *Supervisor) handleState(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	snap := s.store.Snapshot()
	snap.VLMStatus = string(s.vlmMgr.Snapshot().State)
	if running, pid := s.AgentStatus(); running {
		snap.PID = pid
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Supervisor) handleTask(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var body struct {
		Command string `json:"command"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Command == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "command is required"})
		return
	}
	s.submitTask(w, body.Command)
}

// submitTask is the shared /task and /chat/send path: it submits command as
// a new task and answers BUSY when the orchestrator refuses it.
// handleChatSend steers a RUNNING task itself before it reaches this path.
func (s *Supervisor) submitTask(w http.ResponseWriter, command string) {
	task, err := s.orch.Submit(command)
	if err != nil {
		var busy *orchestrator.BusyError
		if errors.As(err, &busy) {
			writeJSON(w, http.StatusOK, map[string]any{"status": "BUSY"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": task.ID, "status": string(task.State)})
}

func (s *Supervisor) handleSteer(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var body struct {
		Context string `json:"context"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := s.orch.Steer(body.Context); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Supervisor) handleStop(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	_ = s.orch.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Supervisor) handlePause(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := s.orch.Pause(); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Supervisor) handleResume(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := s.orch.Resume(); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Supervisor) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": s.store.ChatHistory()})
}

func (s *Supervisor) handleChatSend(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var body struct {
		Message string `json:"message"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "message is required"})
		return
	}

	if s.orch.IsBusy() {
		if err := s.orch.Steer(body.Message); err == nil {
			s.sess.RecordChat(events.ChatMessage{Role: "user", Text: body.Message})
			task, _ := s.orch.CurrentTask()
			writeJSON(w, http.StatusOK, map[string]any{"task_id": task.ID, "status": "RUNNING", "steered": true})
			return
		}
	}
	s.submitTask(w, body.Message)
}

func (s *Supervisor) handleChatClear(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	s.orch.ClearChat()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Supervisor) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	s.mu.Lock()
	s.streaming = true
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Supervisor) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	s.mu.Lock()
	s.streaming = false
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// StreamingEnabled reports whether frame events flow to socket subscribers;
// /frame/latest keeps working either way.
func (s *Supervisor) StreamingEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

func (s *Supervisor) handleFrameLatest(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.store.LatestFrame())
}

// handleConfig returns the public settings subset, never the API key or
// DSNs.
func (s *Supervisor) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"gateway": map[string]any{
			"host":               s.cfg.Gateway.Host,
			"port":               s.cfg.Gateway.Port,
			"heartbeat_interval": s.cfg.Gateway.HeartbeatInterval.String(),
			"cors_origins":       s.cfg.Gateway.CORSOrigins,
		},
		"orchestrator": map[string]any{
			"max_iterations":       s.cfg.Orchestrator.MaxIterations,
			"confidence_threshold": s.cfg.Orchestrator.ConfidenceThreshold,
			"history_turns":        s.cfg.Orchestrator.HistoryTurns,
			"post_action_delay":    s.cfg.Orchestrator.PostActionDelay.String(),
			"vlm_timeout":          s.cfg.Orchestrator.VLMTimeout.String(),
		},
		"vlm": map[string]any{
			"default_model": s.cfg.VLM.DefaultModel,
		},
		"actuator": map[string]any{
			"width":  s.cfg.Actuator.Width,
			"height": s.cfg.Actuator.Height,
		},
	})
}

func (s *Supervisor) handleModels(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	type modelEntry struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Present bool   `json:"present"`
	}
	models := make([]modelEntry, 0, len(s.catalog.Models))
	for _, m := range s.catalog.Models {
		_, err := os.Stat(m.ModelFile)
		models = append(models, modelEntry{ID: m.ID, Name: m.ModelFile, Present: err == nil})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Supervisor) handleModelSwitch(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var body struct {
		ModelID string `json:"model_id"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := s.SwitchModel(r.Context(), body.ModelID); err != nil {
		var failed *vlmproc.Failed
		if errors.As(err, &failed) {
			switch failed.Reason {
			case "BUSY":
				writeJSON(w, http.StatusOK, map[string]any{"status": "busy"})
			case "BLOCKED":
				writeJSON(w, http.StatusOK, map[string]any{"status": "blocked", "reason": "circuit breaker tripped"})
			default:
				writeJSON(w, http.StatusOK, map[string]any{"status": "error", "reason": failed.Reason})
			}
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "model_id": body.ModelID})
}

func (s *Supervisor) handleModelActive(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"model_id": s.ActiveModel()})
}

func (s *Supervisor) handleWakeWordEnable(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	s.setWakeWord(true)
	writeJSON(w, http.StatusOK, map[string]any{"enabled": true})
}

func (s *Supervisor) handleWakeWordDisable(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	s.setWakeWord(false)
	writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
}

func (s *Supervisor) handleWakeWordStatus(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	s.mu.Lock()
	enabled := s.wakeWord
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"enabled": enabled})
}

// setWakeWord flips the wake-word listener flag and publishes the
// voice_state transition so observers track it in real time. The voice
// capture pipeline itself is an external collaborator; the
// gateway only owns the enabled/disabled state it exposes.
func (s *Supervisor) setWakeWord(enabled bool) {
	s.mu.Lock()
	s.wakeWord = enabled
	s.mu.Unlock()

	state := "off"
	if enabled {
		state = "listening"
	}
	s.store.SetVoice(state, 0)
	s.bus.Publish(events.Event{Kind: events.KindVoiceState, Payload: state})
}

func (s *Supervisor) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	running, pid := s.AgentStatus()
	resp := map[string]any{"running": running}
	if running {
		resp["pid"] = pid
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Supervisor) handleAgentStart(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.AgentStart(s.runCtx()))
}

func (s *Supervisor) handleAgentStop(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.AgentStop())
}

func (s *Supervisor) handleAgentRestart(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.AgentRestart(s.runCtx()))
}

// handleSocket authenticates the websocket handshake (Authorization header
// or an `auth` query field"Subscribers may authenticate with the
// bearer token at handshake") and hands the connection to the event bus
// socket adapter.
func (s *Supervisor) handleSocket(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := bearerToken(r)
		if !ok {
			key = r.URL.Query().Get("auth")
		}
		if key != s.apiKey {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing or invalid bearer token"})
			return
		}
		s.socket.ServeHTTP(ctx, w, r)
	}
}
