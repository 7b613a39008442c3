package bridge

import (
	"sync"
	"testing"
	"time"

	"github.com/lexiqai/voice-bridge/internal/events"
)

func TestFinalize_Idempotent(t *testing.T) {
	h := newHarness(t, nil).start()
	h.route(events.TranscriptCompleted{Role: events.RoleAssistant, Text: "Hello, how can I help?", ItemID: "item_1"})

	h.route(events.Stop{})
	h.session.finalize(ReasonEndCall)
	h.route(events.TelephonyClosed{}, events.EngineClosed{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.session.finalize(ReasonShutdown)
		}()
	}
	wg.Wait()

	sums := h.callLog.finishes()
	if len(sums) != 1 {
		t.Fatalf("Expected exactly one call-log finish, got %d", len(sums))
	}
	if sums[0].Reason != ReasonTelephonyStop {
		t.Errorf("Expected the first reason to win, got %q", sums[0].Reason)
	}
	if len(sums[0].Transcript) != 1 || h.callLog.logIDs[0] != "log-MZ1" {
		t.Errorf("Expected transcript under the opened log id, got %+v %v", sums[0].Transcript, h.callLog.logIDs)
	}
	if n := h.rec.count("tel.close"); n != 1 {
		t.Errorf("Expected telephony closed once, got %d", n)
	}
	if n := h.rec.count("engine.close"); n != 1 {
		t.Errorf("Expected engine closed once, got %d", n)
	}
	if h.manager.ActiveCalls() != 0 {
		t.Errorf("Expected session removed from registry, got %d", h.manager.ActiveCalls())
	}
}

func TestFinalize_CallLogFailureStillTearsDown(t *testing.T) {
	h := newHarness(t, nil)
	h.callLog.finishErr = errBoom
	h.start()

	h.route(events.Stop{})

	if !h.session.IsFinalized() {
		t.Fatal("Expected session to be finalized")
	}
	if !h.rec.has("tel.close") || !h.rec.has("engine.close") {
		t.Errorf("Expected both transports closed despite the log failure, got %v", h.rec.snapshot())
	}
	if h.manager.ActiveCalls() != 0 {
		t.Error("Expected session removed from registry")
	}
}

func TestFinalize_StartLogFailureWritesFullRecord(t *testing.T) {
	h := newHarness(t, nil)
	h.callLog.startErr = errBoom
	h.start()
	h.route(events.Stop{})

	if len(h.callLog.logIDs) != 1 || h.callLog.logIDs[0] != "" {
		t.Errorf("Expected finish with an empty log id, got %v", h.callLog.logIDs)
	}
}

func TestFinalize_BeforeStart(t *testing.T) {
	h := newHarness(t, nil)
	h.route(events.TelephonyClosed{})

	if !h.session.IsFinalized() {
		t.Fatal("Expected finalization")
	}
	if n := len(h.callLog.finishes()); n != 0 {
		t.Errorf("Expected no call log for a stream that never started, got %d", n)
	}
	if !h.rec.has("tel.close") {
		t.Error("Expected telephony closed")
	}
}

func TestFinalize_StopsTimersAndDropsPosts(t *testing.T) {
	h := newHarness(t, func(o *Options, d *Dependencies) {
		o.GreetingDelay = 20 * time.Millisecond
	}).start()
	h.route(events.Stop{})

	time.Sleep(50 * time.Millisecond)
	h.session.post(greetingDue{})

	select {
	case ev := <-h.session.events:
		t.Errorf("Expected no events after finalization, got %s", ev.Kind())
	default:
	}
}
