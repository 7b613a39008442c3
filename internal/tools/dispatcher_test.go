package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeBackend struct {
	mu    sync.Mutex
	calls []string
	args  []any
	out   map[string]any
	err   error
}

func (f *fakeBackend) Invoke(ctx context.Context, name string, args any, info SessionInfo) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	f.args = append(f.args, args)
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]any, len(f.out))
	for k, v := range f.out {
		out[k] = v
	}
	return out, nil
}

func newTestDispatcher(b Backend, fallback string) *Dispatcher {
	return NewDispatcher(b, fallback, time.Second, zerolog.Nop())
}

func decodeOutput(t *testing.T, res Result) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(res.Output, &m); err != nil {
		t.Fatalf("Output is not JSON: %v (%s)", err, res.Output)
	}
	return m
}

func TestDispatch_UnknownTool(t *testing.T) {
	d := newTestDispatcher(&fakeBackend{}, "")
	res := d.Dispatch(context.Background(), Call{CallID: "c1", Name: "order_pizza"}, SessionInfo{})

	if res.Success {
		t.Fatal("Expected unknown tool to fail")
	}
	if !errors.Is(res.Err, ErrUnknownTool) {
		t.Errorf("Expected ErrUnknownTool, got %v", res.Err)
	}
	out := decodeOutput(t, res)
	if out["success"] != false || out["error"] == "" {
		t.Errorf("Expected structured failure payload, got %v", out)
	}
	if res.CallID != "c1" {
		t.Errorf("Expected call id to be echoed, got %q", res.CallID)
	}
}

func TestDispatch_InvalidArguments(t *testing.T) {
	backend := &fakeBackend{}
	d := newTestDispatcher(backend, "")

	tests := []struct {
		name string
		tool string
		args string
	}{
		{"malformed json", NameBookAppointment, `{"date":`},
		{"missing time", NameBookAppointment, `{"date":"2026-10-20","department":"cardiology"}`},
		{"bad date", NameCheckAvailability, `{"date":"next tuesday","department":"cardiology"}`},
		{"missing appointment", NameCancelAppointment, `{}`},
		{"no lookup key", NameLookupPatient, `{"name":"Ana"}`},
		{"wrong type", NameRescheduleAppointment, `{"appointment_id":42}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := d.Dispatch(context.Background(), Call{Name: tt.tool, Arguments: []byte(tt.args)}, SessionInfo{})
			if res.Success {
				t.Fatal("Expected failure")
			}
			if !errors.Is(res.Err, ErrInvalidArguments) {
				t.Errorf("Expected ErrInvalidArguments, got %v", res.Err)
			}
		})
	}

	if len(backend.calls) != 0 {
		t.Errorf("Expected backend not to be called for invalid arguments, got %v", backend.calls)
	}
}

func TestDispatch_NormalTool(t *testing.T) {
	backend := &fakeBackend{out: map[string]any{"appointment_id": "apt-9"}}
	d := newTestDispatcher(backend, "")

	res := d.Dispatch(context.Background(), Call{
		CallID:    "c2",
		Name:      NameBookAppointment,
		Arguments: []byte(`{"department":"cardiology","date":"2026-10-20","time":"09:30"}`),
	}, SessionInfo{StreamID: "MZ1"})

	if !res.Success {
		t.Fatalf("Expected success, got %v", res.Err)
	}
	if res.Kind != KindNormal {
		t.Errorf("Expected normal kind, got %s", res.Kind)
	}
	out := decodeOutput(t, res)
	if out["success"] != true || out["appointment_id"] != "apt-9" {
		t.Errorf("Unexpected output %v", out)
	}
	if _, ok := backend.args[0].(BookAppointmentArgs); !ok {
		t.Errorf("Expected typed args to reach the backend, got %T", backend.args[0])
	}
	if res.Args["department"] != "cardiology" {
		t.Errorf("Expected decoded args map, got %v", res.Args)
	}
}

func TestDispatch_BackendFailure(t *testing.T) {
	d := newTestDispatcher(&fakeBackend{err: errors.New("connection refused")}, "")

	res := d.Dispatch(context.Background(), Call{
		Name:      NameCancelAppointment,
		Arguments: []byte(`{"appointment_id":"apt-1"}`),
	}, SessionInfo{})

	if res.Success {
		t.Fatal("Expected failure")
	}
	out := decodeOutput(t, res)
	if out["success"] != false {
		t.Errorf("Expected success=false payload, got %v", out)
	}
}

func TestDispatch_BackendReportsFailure(t *testing.T) {
	d := newTestDispatcher(&fakeBackend{out: map[string]any{"success": false, "error": "slot taken"}}, "")

	res := d.Dispatch(context.Background(), Call{
		Name:      NameBookAppointment,
		Arguments: []byte(`{"doctor_id":"dr-1","date":"2026-10-20","time":"09:30"}`),
	}, SessionInfo{})

	if res.Success {
		t.Fatal("Expected backend-reported failure to be a failed result")
	}
	if res.Err == nil || res.Err.Error() != "slot taken" {
		t.Errorf("Expected backend error message, got %v", res.Err)
	}
}

func TestDispatch_NoBackend(t *testing.T) {
	d := newTestDispatcher(nil, "")
	res := d.Dispatch(context.Background(), Call{
		Name:      NamePrescriptionRefill,
		Arguments: []byte(`{"medication":"lisinopril 10mg"}`),
	}, SessionInfo{})

	if !errors.Is(res.Err, ErrBackendUnavailable) {
		t.Errorf("Expected ErrBackendUnavailable, got %v", res.Err)
	}
}

func TestDispatch_EndCall(t *testing.T) {
	backend := &fakeBackend{}
	d := newTestDispatcher(backend, "")

	res := d.Dispatch(context.Background(), Call{CallID: "c3", Name: NameEndCall, Arguments: []byte(`{"reason":"done"}`)}, SessionInfo{})

	if !res.Success || res.Kind != KindTerminal {
		t.Fatalf("Expected successful terminal result, got %+v", res)
	}
	if len(backend.calls) != 0 {
		t.Error("Expected end_call to be handled without the backend")
	}
}

func TestDispatch_Transfer(t *testing.T) {
	tests := []struct {
		name       string
		backend    *fakeBackend
		fallback   string
		wantNumber string
		wantOK     bool
	}{
		{"backend number", &fakeBackend{out: map[string]any{"transfer_number": "+15550001111"}}, "+15559999999", "+15550001111", true},
		{"fallback when backend has none", &fakeBackend{out: map[string]any{}}, "+15559999999", "+15559999999", true},
		{"fallback when backend fails", &fakeBackend{err: errors.New("unavailable")}, "+15559999999", "+15559999999", true},
		{"no destination", &fakeBackend{out: map[string]any{}}, "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDispatcher(tt.backend, tt.fallback)
			res := d.Dispatch(context.Background(), Call{Name: NameTransferCall, Arguments: []byte(`{"department":"billing"}`)}, SessionInfo{})

			if res.Kind != KindTransfer {
				t.Errorf("Expected transfer kind, got %s", res.Kind)
			}
			if res.Success != tt.wantOK {
				t.Fatalf("Expected success=%v, got %v (%v)", tt.wantOK, res.Success, res.Err)
			}
			if res.TransferNumber != tt.wantNumber {
				t.Errorf("Expected number %q, got %q", tt.wantNumber, res.TransferNumber)
			}
			if !tt.wantOK && !errors.Is(res.Err, ErrNoTransferTarget) {
				t.Errorf("Expected ErrNoTransferTarget, got %v", res.Err)
			}
		})
	}
}

func TestDefinitions(t *testing.T) {
	defs := Definitions()
	if len(defs) != len(toolTable) {
		t.Fatalf("Expected %d definitions, got %d", len(toolTable), len(defs))
	}

	seen := make(map[string]bool)
	for _, def := range defs {
		if def.Type != "function" {
			t.Errorf("%s: expected type function, got %q", def.Name, def.Type)
		}
		if def.Description == "" {
			t.Errorf("%s: missing description", def.Name)
		}
		if def.Parameters["type"] != "object" {
			t.Errorf("%s: parameters must be an object schema", def.Name)
		}
		if seen[def.Name] {
			t.Errorf("Duplicate definition %s", def.Name)
		}
		seen[def.Name] = true
	}

	if _, err := json.Marshal(defs); err != nil {
		t.Errorf("Definitions must be JSON encodable: %v", err)
	}
}

func TestKindOf(t *testing.T) {
	if k, ok := KindOf(NameEndCall); !ok || k != KindTerminal {
		t.Errorf("Expected end_call to be terminal, got %s %v", k, ok)
	}
	if k, ok := KindOf(NameTransferCall); !ok || k != KindTransfer {
		t.Errorf("Expected transfer_call to be transfer, got %s %v", k, ok)
	}
	if _, ok := KindOf("nope"); ok {
		t.Error("Expected unknown name to be reported")
	}
}
