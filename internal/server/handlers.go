package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/lexiqai/voice-bridge/internal/bridge"
	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/telephony"
	"github.com/lexiqai/voice-bridge/internal/tools"
)

const maxWebhookBody = 64 * 1024

// terminalCallStatuses are the Twilio CallStatus values after which no
// media will ever arrive
var terminalCallStatuses = map[string]bool{
	"completed": true,
	"failed":    true,
	"busy":      true,
	"no-answer": true,
	"canceled":  true,
}

func (s *Server) handleTwilioStream(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := telephony.Upgrade(w, r)
	if err != nil {
		// Upgrade already replied to the client
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	logger := observability.WithCorrelationID("")
	stream := telephony.NewStream(conn, logger)

	s.streams.Add(1)
	defer s.streams.Done()
	if err := s.bridge.Serve(s.ctx, stream); err != nil {
		s.logger.Warn().Err(err).Msg("Call session ended with error")
	}
}

func (s *Server) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	callSid := r.PostForm.Get("CallSid")
	callStatus := r.PostForm.Get("CallStatus")
	if callSid == "" {
		http.Error(w, "CallSid is required", http.StatusBadRequest)
		return
	}

	if terminalCallStatuses[callStatus] {
		found := s.bridge.EndCall(callSid, bridge.ReasonStatusCallback)
		s.logger.Info().
			Str("call_sid", callSid).
			Str("call_status", callStatus).
			Bool("session_found", found).
			Msg("Terminal call status received")
	}
	w.WriteHeader(http.StatusNoContent)
}

// toolRequest is the body of an engine-originated tool webhook
type toolRequest struct {
	// SessionID is a Twilio call sid or stream sid; it may be empty
	SessionID string          `json:"session_id"`
	CallID    string          `json:"call_id"`
	Arguments json.RawMessage `json:"arguments"`
}

type toolResponse struct {
	CallID  string          `json:"call_id,omitempty"`
	Success bool            `json:"success"`
	Output  json.RawMessage `json:"output"`
}

func (s *Server) handleToolWebhook(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	var req toolRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if req.SessionID == "" {
		req.SessionID = r.URL.Query().Get("session_id")
	}
	args := []byte(req.Arguments)
	if len(args) == 0 || string(args) == "null" {
		args = []byte("{}")
	}

	res, err := s.bridge.InvokeTool(r.Context(), req.SessionID, tools.Call{
		CallID:    req.CallID,
		Name:      name,
		Arguments: args,
	})
	if errors.Is(err, bridge.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "no active call")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("tool", name).Msg("Tool webhook failed")
		writeError(w, http.StatusInternalServerError, "tool invocation failed")
		return
	}

	writeJSON(w, http.StatusOK, toolResponse{CallID: req.CallID, Success: res.Success, Output: res.Output})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
