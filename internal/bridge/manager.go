// Package bridge runs the per-call session that keeps the telephony stream
// and the AI engine conversation in step.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/voice-bridge/internal/playback"
	"github.com/lexiqai/voice-bridge/internal/tools"
)

// Options holds the per-session behaviour knobs
type Options struct {
	Instructions   string
	GreetingPrompt string
	ApologyText    string
	HospitalName   string
	// FallbackNumber receives the caller when the engine fails
	FallbackNumber string
	GreetingDelay    time.Duration
	FinalMarkTimeout time.Duration
	TransferDelay    time.Duration
	FinalizeTimeout  time.Duration
	ContextTimeout   time.Duration
	RedirectTimeout  time.Duration
	ApologyMax       time.Duration
	MinSpeech        time.Duration
	FallbackWindow   time.Duration
	MarkMode         playback.Mode
	// EventBuffer is the capacity of each session's event channel
	EventBuffer int
}

// DefaultOptions returns the production timings
func DefaultOptions() Options {
	return Options{
		GreetingPrompt:   "Greet the caller warmly, introduce yourself as the hospital's assistant and ask how you can help.",
		ApologyText:      "I'm sorry, we're having technical difficulties. Please hold while I connect you to a member of our staff.",
		GreetingDelay:    200 * time.Millisecond,
		FinalMarkTimeout: 5 * time.Second,
		TransferDelay:    3 * time.Second,
		FinalizeTimeout:  5 * time.Second,
		ContextTimeout:   3 * time.Second,
		RedirectTimeout:  10 * time.Second,
		ApologyMax:       10 * time.Second,
		MinSpeech:        800 * time.Millisecond,
		FallbackWindow:   DefaultFallbackWindow,
		MarkMode:         playback.ModeFIFO,
		EventBuffer:      256,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.GreetingPrompt == "" {
		o.GreetingPrompt = d.GreetingPrompt
	}
	if o.GreetingDelay <= 0 {
		o.GreetingDelay = d.GreetingDelay
	}
	if o.FinalMarkTimeout <= 0 {
		o.FinalMarkTimeout = d.FinalMarkTimeout
	}
	if o.TransferDelay < 0 {
		o.TransferDelay = d.TransferDelay
	}
	if o.FinalizeTimeout <= 0 {
		o.FinalizeTimeout = d.FinalizeTimeout
	}
	if o.ContextTimeout <= 0 {
		o.ContextTimeout = d.ContextTimeout
	}
	if o.RedirectTimeout <= 0 {
		o.RedirectTimeout = d.RedirectTimeout
	}
	if o.ApologyMax <= 0 {
		o.ApologyMax = d.ApologyMax
	}
	if o.MinSpeech <= 0 {
		o.MinSpeech = d.MinSpeech
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = d.EventBuffer
	}
	return o
}

// Dependencies are the collaborators a session talks to. Dialer and Tools
// are required; the rest are optional and may be nil.
type Dependencies struct {
	Dialer      EngineDialer
	Tools       ToolDispatcher
	Resolver    ContextResolver
	Transcriber Transcriber
	CallLog     CallLog
	CallControl CallControl
	Prompter    Prompter
}

// Manager creates and supervises call sessions
type Manager struct {
	opts     Options
	deps     Dependencies
	registry *Registry
	logger   zerolog.Logger
	now      func() time.Time
}

// NewManager creates a session manager
func NewManager(opts Options, deps Dependencies, logger zerolog.Logger) (*Manager, error) {
	if deps.Dialer == nil {
		return nil, errors.New("bridge: engine dialer is required")
	}
	if deps.Tools == nil {
		return nil, errors.New("bridge: tool dispatcher is required")
	}
	opts = opts.withDefaults()
	return &Manager{
		opts:     opts,
		deps:     deps,
		registry: NewRegistry(opts.FallbackWindow),
		logger:   logger.With().Str("component", "bridge").Logger(),
		now:      time.Now,
	}, nil
}

// Registry exposes the live-session registry
func (m *Manager) Registry() *Registry {
	return m.registry
}

// ActiveCalls returns the number of registered sessions
func (m *Manager) ActiveCalls() int {
	return m.registry.Len()
}

// Serve bridges one telephony stream until the call is finalized or ctx is
// cancelled. It returns once every goroutine of the session has exited.
func (m *Manager) Serve(ctx context.Context, tel Telephony) error {
	g, gctx := errgroup.WithContext(ctx)
	s := m.newSession(gctx, tel, func(fn func()) {
		g.Go(func() error {
			fn()
			return nil
		})
	})

	g.Go(func() error {
		s.pumpTelephony()
		return nil
	})
	g.Go(func() error {
		s.run()
		return nil
	})
	return g.Wait()
}

// EndCall finalizes the session of an exact external call id, for provider
// status callbacks. It reports whether a session was found.
func (m *Manager) EndCall(externalCallID, reason string) bool {
	s, ok := m.registry.Lookup(externalCallID)
	if !ok {
		return false
	}
	s.post(finalizeRequested{reason: reason})
	return true
}

// InvokeTool runs a tool call that arrived outside the engine socket. The
// session is resolved with the registry fallback.
func (m *Manager) InvokeTool(ctx context.Context, id string, call tools.Call) (tools.Result, error) {
	s, err := m.registry.Resolve(id)
	if err != nil {
		return tools.Result{}, fmt.Errorf("resolve session %q: %w", id, err)
	}
	res := m.deps.Tools.Dispatch(ctx, call, s.Info())
	s.post(toolRecorded{result: res})
	return res, nil
}
