package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/audio"
	"github.com/lexiqai/voice-bridge/internal/events"
	"github.com/lexiqai/voice-bridge/internal/tools"
)

// recorder is an ordered log of side effects shared by all fakes of a test
type recorder struct {
	mu  sync.Mutex
	ops []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	r.ops = append(r.ops, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.ops))
	copy(out, r.ops)
	return out
}

// since returns the ops recorded after the first n
func (r *recorder) since(n int) []string {
	ops := r.snapshot()
	if n > len(ops) {
		return nil
	}
	return ops[n:]
}

func (r *recorder) count(prefix string) int {
	n := 0
	for _, op := range r.snapshot() {
		if strings.HasPrefix(op, prefix) {
			n++
		}
	}
	return n
}

func (r *recorder) has(prefix string) bool {
	return r.count(prefix) > 0
}

type fakeTelephony struct {
	rec       *recorder
	in        chan events.Event
	closed    chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	marks []string
}

func newFakeTelephony(rec *recorder) *fakeTelephony {
	return &fakeTelephony{rec: rec, in: make(chan events.Event, 256), closed: make(chan struct{})}
}

func (f *fakeTelephony) ReadEvent() (events.Event, error) {
	select {
	case ev := <-f.in:
		return ev, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTelephony) SendMedia(payload []byte) error {
	f.rec.add("tel.media")
	return nil
}

func (f *fakeTelephony) SendMark(name string) error {
	f.mu.Lock()
	f.marks = append(f.marks, name)
	f.mu.Unlock()
	f.rec.add("tel.mark:%s", name)
	return nil
}

func (f *fakeTelephony) SendClear() error {
	f.rec.add("tel.clear")
	return nil
}

func (f *fakeTelephony) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		f.rec.add("tel.close")
	})
	return nil
}

func (f *fakeTelephony) lastMark() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.marks) == 0 {
		return ""
	}
	return f.marks[len(f.marks)-1]
}

type fakeEngine struct {
	rec       *recorder
	in        chan events.Event
	closed    chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	instructions string
	tools        int
	appended     int
}

func newFakeEngine(rec *recorder) *fakeEngine {
	return &fakeEngine{rec: rec, in: make(chan events.Event, 256), closed: make(chan struct{})}
}

func (f *fakeEngine) ReadEvent() (events.Event, error) {
	select {
	case ev := <-f.in:
		return ev, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeEngine) UpdateSession(instructions string, defs []tools.Definition) error {
	f.mu.Lock()
	f.instructions = instructions
	f.tools = len(defs)
	f.mu.Unlock()
	f.rec.add("engine.update")
	return nil
}

func (f *fakeEngine) CreateItem(role, text string) error {
	f.rec.add("engine.item:%s", role)
	return nil
}

func (f *fakeEngine) CreateResponse() error {
	f.rec.add("engine.response")
	return nil
}

func (f *fakeEngine) CancelResponse() error {
	f.rec.add("engine.cancel")
	return nil
}

func (f *fakeEngine) Truncate(itemID string, audioEndMs int64) error {
	f.rec.add("engine.truncate:%s:%d", itemID, audioEndMs)
	return nil
}

func (f *fakeEngine) SendFunctionOutput(callID string, output []byte) error {
	f.rec.add("engine.output:%s:%s", callID, output)
	return nil
}

func (f *fakeEngine) AppendAudio(payload []byte) error {
	f.mu.Lock()
	f.appended++
	f.mu.Unlock()
	f.rec.add("engine.append")
	return nil
}

func (f *fakeEngine) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		f.rec.add("engine.close")
	})
	return nil
}

type fakeCallLog struct {
	mu        sync.Mutex
	starts    int
	summaries []CallSummary
	logIDs    []string
	startErr  error
	finishErr error
}

func (f *fakeCallLog) Start(ctx context.Context, start CallStart) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return "", f.startErr
	}
	return "log-" + start.StreamID, nil
}

func (f *fakeCallLog) Finish(ctx context.Context, logID string, summary CallSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logIDs = append(f.logIDs, logID)
	f.summaries = append(f.summaries, summary)
	return f.finishErr
}

func (f *fakeCallLog) finishes() []CallSummary {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]CallSummary, len(f.summaries))
	copy(out, f.summaries)
	return out
}

type fakeCallControl struct {
	rec *recorder
	err error
}

func (f *fakeCallControl) Redirect(ctx context.Context, externalCallID, number string) error {
	f.rec.add("control.redirect:%s:%s", externalCallID, number)
	return f.err
}

type fakeTranscriber struct {
	text string
	err  error

	mu    sync.Mutex
	sizes []int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, payload []byte, codec audio.Codec) (string, error) {
	f.mu.Lock()
	f.sizes = append(f.sizes, len(payload))
	f.mu.Unlock()
	return f.text, f.err
}

type fakePrompter struct {
	audio []byte
	err   error
}

func (f *fakePrompter) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return f.audio, f.err
}

type fakeResolver struct {
	bc  BusinessContext
	err error

	mu     sync.Mutex
	tokens []string
}

func (f *fakeResolver) Resolve(ctx context.Context, externalCallID, token string) (BusinessContext, error) {
	f.mu.Lock()
	f.tokens = append(f.tokens, token)
	f.mu.Unlock()
	return f.bc, f.err
}

// harness wires a manager to fakes and drives one session synchronously
type harness struct {
	t       *testing.T
	rec     *recorder
	tel     *fakeTelephony
	engine  *fakeEngine
	callLog *fakeCallLog
	manager *Manager
	session *CallSession
}

func newHarness(t *testing.T, mutate func(*Options, *Dependencies)) *harness {
	t.Helper()
	rec := &recorder{}
	h := &harness{
		t:       t,
		rec:     rec,
		tel:     newFakeTelephony(rec),
		engine:  newFakeEngine(rec),
		callLog: &fakeCallLog{},
	}

	opts := DefaultOptions()
	opts.FallbackNumber = "+15550100"
	// tests that need the greeting shorten this
	opts.GreetingDelay = time.Hour
	deps := Dependencies{
		Dialer: EngineDialerFunc(func(ctx context.Context) (Engine, error) {
			return h.engine, nil
		}),
		Tools:   tools.NewDispatcher(nil, "+15550100", time.Second, zerolog.Nop()),
		CallLog: h.callLog,
	}
	if mutate != nil {
		mutate(&opts, &deps)
	}

	m, err := NewManager(opts, deps, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	h.manager = m
	h.session = m.newSession(context.Background(), h.tel, func(fn func()) { go fn() })
	t.Cleanup(func() { h.session.finalize(ReasonShutdown) })
	return h
}

func (h *harness) start() *harness {
	h.route(events.Start{StreamID: "MZ1", ExternalCallID: "CA1"})
	return h
}

func (h *harness) route(evs ...events.Event) {
	for _, ev := range evs {
		h.session.route(ev)
	}
}

func (h *harness) media(ts time.Duration) {
	h.route(events.Media{Frame: audio.Frame{
		Payload:   make([]byte, 160),
		Codec:     audio.CodecMulaw,
		Timestamp: ts,
	}})
}

// routeUntil routes queued session events until one of type T is handled
func routeUntil[T events.Event](h *harness, timeout time.Duration) T {
	h.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-h.session.events:
			h.session.route(ev)
			if v, ok := ev.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			h.t.Fatalf("Timed out waiting for %T", zero)
			return zero
		}
	}
}

// filterOps keeps ops starting with any of the prefixes
func filterOps(ops []string, prefixes ...string) []string {
	var out []string
	for _, op := range ops {
		for _, p := range prefixes {
			if strings.HasPrefix(op, p) {
				out = append(out, op)
				break
			}
		}
	}
	return out
}

var errBoom = errors.New("boom")
