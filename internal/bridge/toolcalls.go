package bridge

import (
	"context"
	"errors"

	"github.com/lexiqai/voice-bridge/internal/events"
	"github.com/lexiqai/voice-bridge/internal/tools"
)

func (s *CallSession) handleFunctionCall(e events.FunctionCall) {
	if s.ending || s.transferring {
		s.sendToolOutput(e.CallID, tools.FailureOutput(errors.New("the call is already ending")))
		return
	}
	s.toolResponses[e.CallID] = e.ResponseID

	call := tools.Call{CallID: e.CallID, Name: e.Name, Arguments: e.Arguments}
	info := s.Info()
	s.spawn(func() {
		s.post(toolCompleted{result: s.deps.Tools.Dispatch(s.ctx, call, info)})
	})
}

// handleToolResult applies a dispatched tool call. fromEngine is false for
// calls that arrived over the tool webhook, which need no output on the
// engine socket.
func (s *CallSession) handleToolResult(res tools.Result, fromEngine bool) {
	s.recordTool(res)

	switch {
	case res.Kind == tools.KindTerminal && res.Success:
		s.beginEnding(res, fromEngine)
	case res.Kind == tools.KindTransfer && res.Success:
		s.beginTransfer(res, fromEngine)
	default:
		if fromEngine {
			s.sendToolOutput(res.CallID, res.Output)
			s.resume()
		}
	}
}

func (s *CallSession) recordTool(res tools.Result) {
	rec := ToolCallRecord{Name: res.Name, Success: res.Success, Latency: res.Latency, At: s.now()}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	s.toolCalls = append(s.toolCalls, rec)
	s.metrics.RecordToolCall(res.Name, res.Success, res.Latency)

	if !res.Success || res.Kind == tools.KindTerminal {
		return
	}
	s.intent = res.Name
	for k, v := range res.Args {
		s.entities[k] = v
	}
}

func (s *CallSession) beginEnding(res tools.Result, fromEngine bool) {
	if s.ending {
		return
	}
	s.ending = true
	s.awaitingGoodbye = true
	s.toolResponseID = s.toolResponses[res.CallID]
	s.logger.Info().Msg("Call ending after goodbye")

	if s.engine == nil {
		s.finalize(ReasonEndCall)
		return
	}
	if fromEngine {
		s.sendToolOutput(res.CallID, res.Output)
		s.resume()
	}
	s.arm(s.opts.FinalMarkTimeout, finalMarkTimedOut{})
}

func (s *CallSession) beginTransfer(res tools.Result, fromEngine bool) {
	if s.deps.CallControl == nil || s.ExternalCallID == "" {
		s.logger.Warn().Msg("Transfer requested but call control is unavailable")
		if fromEngine {
			s.sendToolOutput(res.CallID, tools.FailureOutput(errors.New("transfers are not available on this line")))
			s.resume()
		}
		return
	}

	s.transferring = true
	if fromEngine {
		s.sendToolOutput(res.CallID, res.Output)
		s.resume()
	}
	s.arm(s.opts.TransferDelay, transferDue{number: res.TransferNumber})
}

// startRedirect asks call control to move the live call to number
func (s *CallSession) startRedirect(number string) {
	if number == "" || s.deps.CallControl == nil || s.ExternalCallID == "" {
		s.handleRedirectCompleted(redirectCompleted{number: number, err: errors.New("no redirect target")})
		return
	}
	s.transferring = true
	s.transferredTo = number
	s.logger.Info().Str("number", number).Msg("Redirecting call")

	callID := s.ExternalCallID
	s.spawn(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.opts.RedirectTimeout)
		defer cancel()
		err := s.deps.CallControl.Redirect(ctx, callID, number)
		s.post(redirectCompleted{number: number, err: err})
	})
}

func (s *CallSession) handleRedirectCompleted(e redirectCompleted) {
	if e.err == nil {
		s.finalize(ReasonTransferred)
		return
	}

	s.logger.Error().Err(e.err).Str("number", e.number).Msg("Call redirect failed")
	s.metrics.RecordError("redirect_failed", "call_control")
	s.transferring = false
	s.transferredTo = ""

	if s.engine == nil {
		s.finalize(ReasonEngineClosed)
		return
	}
	note := "The transfer to a staff member could not be completed. Apologize to the caller and offer to help with their request yourself or to arrange a callback."
	if err := s.engine.CreateItem(events.RoleSystem, note); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to inject transfer failure note")
	}
	s.resume()
}
