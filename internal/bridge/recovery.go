package bridge

import (
	"context"
	"time"

	"github.com/lexiqai/voice-bridge/internal/audio"
)

func (s *CallSession) handleEngineClosed(err error) {
	if s.engine == nil {
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("AI engine connection closed")
	}
	_ = s.engine.Close()
	s.engine = nil
	s.state = stateIdle
	s.responseActive = false

	switch {
	case s.ending:
		s.finalize(ReasonEndCall)
	case s.transferring:
		// the pending redirect does not need the engine
	default:
		s.metrics.RecordError("engine_closed", "engine")
		s.recover()
	}
}

// recover apologizes to the caller after the engine is lost, then hands the
// call to a human or hangs up
func (s *CallSession) recover() {
	if s.recovering {
		return
	}
	s.recovering = true

	if s.deps.Prompter == nil || s.opts.ApologyText == "" {
		s.handoff()
		return
	}

	text := s.opts.ApologyText
	s.apologyTimer = s.arm(s.opts.ApologyMax, apologyDone{})
	s.spawn(func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.ApologyMax)
		defer cancel()
		ulaw, err := s.deps.Prompter.Synthesize(ctx, text)
		s.post(apologyReady{audio: ulaw, err: err})
	})
}

func (s *CallSession) handleApologyReady(e apologyReady) {
	if s.handedOff {
		return
	}
	if e.err != nil || len(e.audio) == 0 {
		if e.err != nil {
			s.logger.Warn().Err(e.err).Msg("Apology prompt synthesis failed")
		}
		s.handoff()
		return
	}
	if s.apologyTimer != nil {
		s.apologyTimer.Stop()
	}

	if err := s.tel.SendClear(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to clear caller playback")
	}
	s.marks.Reset()
	for off := 0; off < len(e.audio); off += apologyFrameSize {
		end := min(off+apologyFrameSize, len(e.audio))
		if err := s.tel.SendMedia(e.audio[off:end]); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to play apology prompt")
			s.handoff()
			return
		}
	}
	s.sendFinalMark()

	played := audio.Frame{Payload: e.audio, Codec: audio.CodecMulaw}.Duration()
	s.apologyTimer = s.arm(min(played+time.Second, s.opts.ApologyMax), apologyDone{})
}

// handoff redirects to the fallback number when possible and finalizes
// otherwise
func (s *CallSession) handoff() {
	if s.handedOff || !s.recovering {
		return
	}
	s.handedOff = true

	if s.deps.CallControl != nil && s.opts.FallbackNumber != "" && s.ExternalCallID != "" {
		s.startRedirect(s.opts.FallbackNumber)
		return
	}
	s.finalize(ReasonEngineClosed)
}
