package bridge

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/audio"
	"github.com/lexiqai/voice-bridge/internal/events"
	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/playback"
	"github.com/lexiqai/voice-bridge/internal/tools"
)

const (
	// apologyFrameSize is 20ms of 8kHz μ-law
	apologyFrameSize  = 160
	transcribeTimeout = 10 * time.Second

	sourceEngine   = "engine"
	sourceFallback = "fallback"
)

// Finalization reasons
const (
	ReasonTelephonyStop    = "telephony_stop"
	ReasonTelephonyClosed  = "telephony_closed"
	ReasonEndCall          = "end_call"
	ReasonFinalMarkTimeout = "final_mark_timeout"
	ReasonTransferred      = "transferred"
	ReasonEngineClosed     = "engine_closed"
	ReasonStatusCallback   = "status_callback"
	ReasonShutdown         = "shutdown"
)

type turnState int

const (
	stateIdle turnState = iota
	stateAIStreaming
	stateInterrupted
)

func (s turnState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAIStreaming:
		return "ai_streaming"
	case stateInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Events produced inside the bridge by timers and background work. They
// travel through the same channel as transport events.
type (
	greetingDue       struct{}
	finalMarkTimedOut struct{}
	transferDue       struct{ number string }
	redirectCompleted struct {
		number string
		err    error
	}
	toolCompleted struct{ result tools.Result }
	// toolRecorded is a tool call that ran outside the engine socket
	toolRecorded           struct{ result tools.Result }
	transcriptionCompleted struct {
		itemID  string
		text    string
		err     error
		latency time.Duration
	}
	apologyReady struct {
		audio []byte
		err   error
	}
	apologyDone       struct{}
	finalizeRequested struct{ reason string }
)

func (greetingDue) Kind() string            { return "bridge.greeting_due" }
func (finalMarkTimedOut) Kind() string      { return "bridge.final_mark_timeout" }
func (transferDue) Kind() string            { return "bridge.transfer_due" }
func (redirectCompleted) Kind() string      { return "bridge.redirect_completed" }
func (toolCompleted) Kind() string          { return "bridge.tool_completed" }
func (toolRecorded) Kind() string           { return "bridge.tool_recorded" }
func (transcriptionCompleted) Kind() string { return "bridge.transcription_completed" }
func (apologyReady) Kind() string           { return "bridge.apology_ready" }
func (apologyDone) Kind() string            { return "bridge.apology_done" }
func (finalizeRequested) Kind() string      { return "bridge.finalize_requested" }

// CallSession is the state of one bridged call. The exported identity
// fields are written once before the session is registered and are safe to
// read from any goroutine; everything else is owned by the session's
// handler goroutine.
type CallSession struct {
	StreamID       string
	ExternalCallID string
	Direction      string
	Context        BusinessContext
	CreatedAt      time.Time

	finalized atomic.Bool

	opts          Options
	deps          Dependencies
	registry      *Registry
	logger        zerolog.Logger
	metrics       *observability.Metrics
	correlationID string
	now           func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	spawn  func(func())
	events chan events.Event
	done   chan struct{}

	tel    Telephony
	engine Engine

	started bool
	state   turnState
	marks   *playback.Tracker
	speech  *audio.SpeechBuffer

	userSpeaking  bool
	speechItemID  string
	mediaSeen     bool
	lastMediaTS   time.Duration
	currentItemID string
	playbackStart time.Duration
	playbackKnown bool
	// itemSent is the audio length sent to the caller for currentItemID
	itemSent  time.Duration
	cancelled map[string]bool

	responseActive bool
	greeted        bool

	transcript        []TranscriptEntry
	engineTranscribed map[string]bool

	ending            bool
	awaitingGoodbye   bool
	toolResponseID    string
	goodbyeResponseID string
	toolResponses     map[string]string

	transferring  bool
	transferredTo string

	recovering   bool
	handedOff    bool
	apologyTimer *time.Timer

	timers    []*time.Timer
	toolCalls []ToolCallRecord
	intent    string
	entities  map[string]any
	logID     string
}

func (m *Manager) newSession(ctx context.Context, tel Telephony, spawn func(func())) *CallSession {
	ctx, cancel := context.WithCancel(ctx)
	correlationID := observability.NewCorrelationID()
	return &CallSession{
		opts:              m.opts,
		deps:              m.deps,
		registry:          m.registry,
		logger:            m.logger.With().Str("correlation_id", correlationID).Logger(),
		correlationID:     correlationID,
		now:               m.now,
		ctx:               ctx,
		cancel:            cancel,
		spawn:             spawn,
		events:            make(chan events.Event, m.opts.EventBuffer),
		done:              make(chan struct{}),
		tel:               tel,
		marks:             playback.NewTracker(m.opts.MarkMode),
		speech:            audio.NewSpeechBuffer(m.opts.MinSpeech),
		cancelled:         make(map[string]bool),
		engineTranscribed: make(map[string]bool),
		toolResponses:     make(map[string]string),
		entities:          make(map[string]any),
	}
}

// IsFinalized reports whether the session has been finalized
func (s *CallSession) IsFinalized() bool {
	return s.finalized.Load()
}

// Info returns the immutable identity handed to tool handlers
func (s *CallSession) Info() tools.SessionInfo {
	return tools.SessionInfo{
		StreamID:       s.StreamID,
		ExternalCallID: s.ExternalCallID,
		Direction:      s.Direction,
		CallerNumber:   s.Context.CallerNumber,
		PatientID:      s.Context.PatientID,
		HospitalID:     s.Context.HospitalID,
	}
}

// post hands an event to the session loop. It drops the event once the
// session is finalized.
func (s *CallSession) post(ev events.Event) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// arm schedules ev to be posted after d
func (s *CallSession) arm(d time.Duration, ev events.Event) *time.Timer {
	t := time.AfterFunc(d, func() { s.post(ev) })
	s.timers = append(s.timers, t)
	return t
}

func (s *CallSession) run() {
	for {
		select {
		case ev := <-s.events:
			s.route(ev)
			if s.IsFinalized() {
				return
			}
		case <-s.ctx.Done():
			s.finalize(ReasonShutdown)
			return
		}
	}
}

func (s *CallSession) pumpTelephony() {
	for {
		ev, err := s.tel.ReadEvent()
		if err != nil {
			s.post(events.TelephonyClosed{Err: err})
			return
		}
		s.post(ev)
		if _, ok := ev.(events.Stop); ok {
			return
		}
	}
}

func (s *CallSession) pumpEngine(eng Engine) {
	for {
		ev, err := eng.ReadEvent()
		if err != nil {
			s.post(events.EngineClosed{Err: err})
			return
		}
		s.post(ev)
	}
}

// route handles one event. It must only be called from the session's
// handler goroutine.
func (s *CallSession) route(ev events.Event) {
	if s.IsFinalized() {
		return
	}

	switch e := ev.(type) {
	case events.Start:
		s.handleStart(e)
		return
	case events.Stop:
		s.finalize(ReasonTelephonyStop)
		return
	case events.TelephonyClosed:
		if e.Err != nil {
			s.logger.Warn().Err(e.Err).Msg("Telephony stream closed")
		}
		s.finalize(ReasonTelephonyClosed)
		return
	case finalizeRequested:
		s.finalize(e.reason)
		return
	}

	if !s.started {
		s.logger.Debug().Str("event", ev.Kind()).Msg("Ignoring event before stream start")
		return
	}

	switch e := ev.(type) {
	case events.Media:
		s.handleMedia(e)
	case events.Mark:
		s.handleMark(e)

	case events.SessionCreated:
		s.logger.Debug().Str("engine_session", e.ID).Msg("Engine session created")
	case events.ResponseCreated:
		s.handleResponseCreated(e)
	case events.AudioDelta:
		s.handleAudioDelta(e)
	case events.SpeechStarted:
		s.handleSpeechStarted(e)
	case events.SpeechStopped:
		s.handleSpeechStopped(e)
	case events.TranscriptCompleted:
		s.handleTranscript(e)
	case events.FunctionCall:
		s.handleFunctionCall(e)
	case events.ResponseDone:
		s.handleResponseDone(e)
	case events.EngineError:
		s.logger.Warn().Str("code", e.Code).Str("message", e.Message).Msg("Engine reported an error")
	case events.EngineClosed:
		s.handleEngineClosed(e.Err)

	case greetingDue:
		s.handleGreeting()
	case finalMarkTimedOut:
		if s.ending {
			s.logger.Info().Msg("Final mark not acknowledged in time")
			s.finalize(ReasonFinalMarkTimeout)
		}
	case toolCompleted:
		s.handleToolResult(e.result, true)
	case toolRecorded:
		s.handleToolResult(e.result, false)
	case transcriptionCompleted:
		s.handleFallbackTranscript(e)
	case transferDue:
		s.startRedirect(e.number)
	case redirectCompleted:
		s.handleRedirectCompleted(e)
	case apologyReady:
		s.handleApologyReady(e)
	case apologyDone:
		s.handoff()

	default:
		s.logger.Debug().Str("event", ev.Kind()).Msg("Unhandled event")
	}
}

func (s *CallSession) handleStart(e events.Start) {
	if s.started {
		s.logger.Warn().Str("stream_sid", e.StreamID).Msg("Duplicate start event ignored")
		return
	}
	s.started = true

	s.StreamID = e.StreamID
	s.ExternalCallID = e.ExternalCallID
	s.Direction = e.Direction
	if s.Direction == "" {
		s.Direction = e.Params["direction"]
	}
	if s.Direction == "" {
		s.Direction = events.DirectionInbound
	}
	s.logger = s.logger.With().
		Str("stream_sid", s.StreamID).
		Str("call_sid", s.ExternalCallID).
		Logger()

	s.Context = s.resolveContext(e)
	s.CreatedAt = s.now()
	s.metrics = observability.NewCallMetrics(s.StreamID)
	s.metrics.RecordCallStart(s.Direction)
	s.registry.Register(s)

	s.logger.Info().Str("direction", s.Direction).Msg("Call started")

	if s.deps.CallLog != nil {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.FinalizeTimeout)
		logID, err := s.deps.CallLog.Start(ctx, CallStart{
			StreamID:       s.StreamID,
			ExternalCallID: s.ExternalCallID,
			Direction:      s.Direction,
			Context:        s.Context,
			StartedAt:      s.CreatedAt,
		})
		cancel()
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to open call log record")
			s.metrics.RecordCallLogFailure()
		}
		s.logID = logID
	}

	eng, err := s.deps.Dialer.Dial(s.ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to connect to AI engine")
		s.metrics.RecordError("dial_failed", "engine")
		s.recover()
		return
	}
	s.engine = eng

	if err := eng.UpdateSession(BuildInstructions(s.opts, s.Context), tools.Definitions()); err != nil {
		s.logger.Error().Err(err).Msg("Failed to configure AI engine session")
		s.handleEngineClosed(err)
		return
	}
	s.spawn(func() { s.pumpEngine(eng) })
	s.arm(s.opts.GreetingDelay, greetingDue{})
}

func (s *CallSession) resolveContext(e events.Start) BusinessContext {
	var bc BusinessContext
	if s.deps.Resolver != nil {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.ContextTimeout)
		resolved, err := s.deps.Resolver.Resolve(ctx, s.ExternalCallID, e.Params["context_token"])
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Msg("Business context unavailable, continuing without it")
		} else {
			bc = resolved
		}
	}
	if bc.CallerNumber == "" {
		bc.CallerNumber = firstParam(e.Params, "caller_number", "from")
	}
	if bc.HospitalID == "" {
		bc.HospitalID = e.Params["hospital_id"]
	}
	return bc
}

func firstParam(params map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := params[k]; v != "" {
			return v
		}
	}
	return ""
}

func (s *CallSession) handleGreeting() {
	if s.greeted || s.engine == nil || s.ending {
		return
	}
	s.greeted = true
	if err := s.engine.CreateItem(events.RoleSystem, s.opts.GreetingPrompt); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to send greeting prompt")
		return
	}
	s.resume()
}

func (s *CallSession) handleMedia(e events.Media) {
	s.mediaSeen = true
	s.lastMediaTS = e.Frame.Timestamp
	if s.userSpeaking {
		s.speech.AddChunk(e.Frame)
	}
	if s.engine == nil {
		return
	}
	if err := s.engine.AppendAudio(e.Frame.Payload); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to forward caller audio")
		return
	}
	s.metrics.RecordAudioBytes("in", len(e.Frame.Payload))
}

func (s *CallSession) handleAudioDelta(e events.AudioDelta) {
	if s.cancelled[e.ItemID] {
		return
	}
	if e.ItemID != s.currentItemID {
		s.currentItemID = e.ItemID
		s.playbackStart = s.lastMediaTS
		s.playbackKnown = s.mediaSeen
		s.itemSent = 0
	}
	s.state = stateAIStreaming

	if err := s.tel.SendMedia(e.Payload); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to send audio to caller")
		return
	}
	s.itemSent += audio.Frame{Payload: e.Payload, Codec: audio.CodecMulaw}.Duration()
	s.metrics.RecordAudioBytes("out", len(e.Payload))
	if err := s.tel.SendMark(s.marks.Enqueue()); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to send playback mark")
	}
}

func (s *CallSession) handleMark(e events.Mark) {
	s.marks.Acknowledge(e.Name)
	if s.IsFinalized() {
		return
	}
	if s.state == stateAIStreaming && !s.responseActive && s.marks.Len() == 0 {
		s.state = stateIdle
	}
}

func (s *CallSession) handleResponseCreated(e events.ResponseCreated) {
	s.responseActive = true
	if s.awaitingGoodbye && s.goodbyeResponseID == "" && e.ID != s.toolResponseID {
		s.goodbyeResponseID = e.ID
	}
}

func (s *CallSession) handleResponseDone(e events.ResponseDone) {
	s.responseActive = false
	if s.state == stateAIStreaming && s.marks.Len() == 0 {
		s.state = stateIdle
	}
	if s.goodbyeResponseID == "" || e.ID != s.goodbyeResponseID {
		return
	}
	s.awaitingGoodbye = false
	s.sendFinalMark()
}

// sendFinalMark queues the final mark behind all audio sent so far
func (s *CallSession) sendFinalMark() {
	name := s.marks.EnqueueFinal()
	s.marks.OnFinalAcknowledged(s.afterFinalPlayback)
	if err := s.tel.SendMark(name); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to send final mark")
	}
}

func (s *CallSession) afterFinalPlayback() {
	switch {
	case s.ending:
		s.finalize(ReasonEndCall)
	case s.recovering:
		s.handoff()
	}
}

func (s *CallSession) handleSpeechStarted(e events.SpeechStarted) {
	s.userSpeaking = true
	s.speech.Clear()
	s.speechItemID = e.ItemID
	if s.state == stateAIStreaming {
		s.bargeIn()
	}
}

// bargeIn stops AI playback when the caller starts talking over it. The
// whole sequence runs in one handler step, so no caller audio reaches the
// engine in between.
func (s *CallSession) bargeIn() {
	s.state = stateInterrupted

	if err := s.tel.SendClear(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to clear caller playback")
	}
	if s.engine != nil {
		if err := s.engine.CancelResponse(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to cancel engine response")
		}
	}

	var heard time.Duration
	truncated := false
	if s.currentItemID != "" {
		if s.playbackKnown && s.engine != nil {
			// the engine rejects an end past the audio it produced for the item
			heard = min(max(s.lastMediaTS-s.playbackStart, 0), s.itemSent)
			if err := s.engine.Truncate(s.currentItemID, heard.Milliseconds()); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to truncate interrupted item")
			} else {
				truncated = true
			}
		}
		s.cancelled[s.currentItemID] = true
	}

	s.marks.Reset()
	s.currentItemID = ""
	s.playbackStart = 0
	s.playbackKnown = false
	s.itemSent = 0
	s.metrics.RecordBargeIn(heard, truncated)

	s.logger.Debug().Dur("heard", heard).Bool("truncated", truncated).Msg("Caller barged in")
	s.state = stateIdle
}

func (s *CallSession) handleSpeechStopped(e events.SpeechStopped) {
	s.userSpeaking = false
	itemID := e.ItemID
	if itemID == "" {
		itemID = s.speechItemID
	}

	if s.deps.Transcriber != nil && s.speech.HasEnoughAudio() {
		payload := s.speech.Bytes()
		codec := s.speech.Codec()
		s.spawn(func() { s.transcribe(itemID, payload, codec) })
	}
	s.speech.Clear()
}

func (s *CallSession) transcribe(itemID string, payload []byte, codec audio.Codec) {
	ctx, cancel := context.WithTimeout(s.ctx, transcribeTimeout)
	defer cancel()

	start := time.Now()
	text, err := s.deps.Transcriber.Transcribe(ctx, payload, codec)
	s.post(transcriptionCompleted{itemID: itemID, text: text, err: err, latency: time.Since(start)})
}

func (s *CallSession) handleFallbackTranscript(e transcriptionCompleted) {
	s.metrics.RecordFallbackTranscription(e.err == nil, e.latency)
	if e.err != nil {
		s.logger.Debug().Err(e.err).Msg("Fallback transcription failed")
		return
	}
	if e.text == "" || s.engineTranscribed[e.itemID] {
		return
	}

	s.transcript = append(s.transcript, TranscriptEntry{
		Speaker: events.RoleUser,
		Text:    e.text,
		Source:  sourceFallback,
		ItemID:  e.itemID,
		At:      s.now(),
	})
	if s.engine == nil {
		return
	}
	note := fmt.Sprintf("Backup transcription of the caller's last utterance: %q", e.text)
	if err := s.engine.CreateItem(events.RoleSystem, note); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to inject fallback transcription")
	}
}

func (s *CallSession) handleTranscript(e events.TranscriptCompleted) {
	if e.Text == "" {
		return
	}
	entry := TranscriptEntry{
		Speaker: e.Role,
		Text:    e.Text,
		Source:  sourceEngine,
		ItemID:  e.ItemID,
		At:      s.now(),
	}

	if e.Role == events.RoleUser && e.ItemID != "" {
		s.engineTranscribed[e.ItemID] = true
		for i := range s.transcript {
			if s.transcript[i].ItemID == e.ItemID && s.transcript[i].Source == sourceFallback {
				entry.At = s.transcript[i].At
				s.transcript[i] = entry
				return
			}
		}
	}
	s.transcript = append(s.transcript, entry)
}

func (s *CallSession) sendToolOutput(callID string, output []byte) {
	if s.engine == nil {
		return
	}
	if err := s.engine.SendFunctionOutput(callID, output); err != nil {
		s.logger.Warn().Err(err).Str("call_id", callID).Msg("Failed to send tool output")
	}
}

// resume asks the engine to generate the next response
func (s *CallSession) resume() {
	if s.engine == nil {
		return
	}
	if err := s.engine.CreateResponse(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to request engine response")
	}
}
