package bridge

import (
	"context"
	"maps"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexiqai/voice-bridge/internal/observability"
)

// finalize ends the session exactly once: it persists the call summary,
// unregisters the session and closes both transports. Call-log failures are
// logged and never stop teardown.
func (s *CallSession) finalize(reason string) {
	if !s.finalized.CompareAndSwap(false, true) {
		return
	}
	close(s.done)
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil

	_, span := observability.Tracer().Start(context.WithoutCancel(s.ctx), "call.finalize",
		trace.WithAttributes(
			attribute.String("call.stream_id", s.StreamID),
			attribute.String("call.external_id", s.ExternalCallID),
			attribute.String("call.finalize_reason", reason),
		),
	)
	defer span.End()

	if s.started {
		summary := s.summary(reason)
		if s.deps.CallLog != nil {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.opts.FinalizeTimeout)
			err := s.deps.CallLog.Finish(ctx, s.logID, summary)
			cancel()
			if err != nil {
				s.logger.Error().Err(err).Str("log_id", s.logID).Msg("Failed to write call log")
				s.metrics.RecordCallLogFailure()
				span.RecordError(err)
				span.SetStatus(codes.Error, "call log write failed")
			}
		}
		s.registry.Remove(s)
		s.metrics.RecordCallEnd(reason)
	}

	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Error closing engine connection")
		}
		s.engine = nil
	}
	if err := s.tel.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("Error closing telephony connection")
	}
	s.cancel()

	s.logger.Info().
		Str("reason", reason).
		Int("transcript_entries", len(s.transcript)).
		Int("tool_calls", len(s.toolCalls)).
		Msg("Call finalized")
}

func (s *CallSession) summary(reason string) CallSummary {
	return CallSummary{
		StreamID:       s.StreamID,
		ExternalCallID: s.ExternalCallID,
		Direction:      s.Direction,
		Context:        s.Context,
		Transcript:     slices.Clone(s.transcript),
		Intent:         s.intent,
		Entities:       maps.Clone(s.entities),
		ToolCalls:      slices.Clone(s.toolCalls),
		Reason:         reason,
		TransferredTo:  s.transferredTo,
		StartedAt:      s.CreatedAt,
		EndedAt:        s.now(),
	}
}
