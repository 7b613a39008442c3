// Package tools routes engine-issued function calls to the hospital backend
// and shapes their results for the engine.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tool names understood by the dispatcher
const (
	NameCheckAvailability     = "check_availability"
	NameBookAppointment       = "book_appointment"
	NameRescheduleAppointment = "reschedule_appointment"
	NameCancelAppointment     = "cancel_appointment"
	NameLookupPatient         = "lookup_patient"
	NameUpdatePatient         = "update_patient"
	NamePrescriptionRefill    = "request_prescription_refill"
	NameVerifyIdentity        = "verify_identity"
	NameScheduleCallback      = "schedule_callback"
	NameTransferCall          = "transfer_call"
	NameEndCall               = "end_call"
)

var (
	// ErrUnknownTool is returned for function names with no handler
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArguments wraps decode and validation failures
	ErrInvalidArguments = errors.New("invalid tool arguments")
	// ErrNoTransferTarget means neither the backend nor config offered a number
	ErrNoTransferTarget = errors.New("no transfer destination available")
	// ErrBackendUnavailable means no backend is configured
	ErrBackendUnavailable = errors.New("hospital backend unavailable")
)

// Kind classifies how the session must act on a result
type Kind int

const (
	KindNormal Kind = iota
	KindTransfer
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindTransfer:
		return "transfer"
	case KindTerminal:
		return "terminal"
	}
	return "normal"
}

// Call is one function call issued by the engine
type Call struct {
	CallID    string
	Name      string
	Arguments []byte
}

// SessionInfo is the caller context a handler may need
type SessionInfo struct {
	StreamID       string
	ExternalCallID string
	Direction      string
	CallerNumber   string
	PatientID      string
	HospitalID     string
}

// Result is what the session sends back to the engine
type Result struct {
	CallID  string
	Name    string
	Kind    Kind
	Success bool
	// Output is the JSON payload for function_call_output
	Output []byte
	Err    error
	// TransferNumber is set on successful transfer results
	TransferNumber string
	// Args holds the validated arguments as a generic map, nil on decode failure
	Args    map[string]any
	Latency time.Duration
}

// Backend executes business tools. Implementations must be safe for
// concurrent use across sessions.
type Backend interface {
	Invoke(ctx context.Context, name string, args any, info SessionInfo) (map[string]any, error)
}

// Dispatcher maps tool names to their handlers
type Dispatcher struct {
	backend        Backend
	fallbackNumber string
	timeout        time.Duration
	logger         zerolog.Logger
	tracer         trace.Tracer
}

// NewDispatcher creates a dispatcher. backend may be nil, in which case only
// end_call and transfers to fallbackNumber succeed.
func NewDispatcher(backend Backend, fallbackNumber string, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Dispatcher{
		backend:        backend,
		fallbackNumber: fallbackNumber,
		timeout:        timeout,
		logger:         logger.With().Str("component", "tools").Logger(),
		tracer:         otel.Tracer("voice-bridge/tools"),
	}
}

// Dispatch runs one tool call. It never returns an error: failures are
// reported in the Result so the agent can recover verbally.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call, info SessionInfo) Result {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "tool."+call.Name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("tool.name", call.Name),
			attribute.String("tool.call_id", call.CallID),
			attribute.String("call.stream_id", info.StreamID),
			attribute.String("call.external_id", info.ExternalCallID),
		),
	)
	defer span.End()

	res := d.dispatch(ctx, call, info)
	res.CallID = call.CallID
	res.Name = call.Name
	res.Latency = time.Since(start)

	logEvt := d.logger.Info()
	if !res.Success {
		logEvt = d.logger.Warn().Err(res.Err)
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	logEvt.
		Str("tool", call.Name).
		Str("call_id", call.CallID).
		Str("kind", res.Kind.String()).
		Dur("latency", res.Latency).
		Msg("Tool call dispatched")

	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, call Call, info SessionInfo) Result {
	t, ok := toolTable[call.Name]
	if !ok {
		return failure(KindNormal, fmt.Errorf("%w: %q", ErrUnknownTool, call.Name))
	}

	args, err := t.decode(call.Arguments)
	if err != nil {
		return failure(t.kind, err)
	}
	argMap := toMap(args)

	switch t.kind {
	case KindTerminal:
		res := success(t.kind, map[string]any{"success": true, "message": "Ending the call after the goodbye."})
		res.Args = argMap
		return res
	case KindTransfer:
		res := d.transfer(ctx, args.(TransferCallArgs), info)
		res.Args = argMap
		return res
	}

	if d.backend == nil {
		return failure(t.kind, ErrBackendUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	out, err := d.backend.Invoke(ctx, call.Name, args, info)
	if err != nil {
		res := failure(t.kind, fmt.Errorf("%s failed: %w", call.Name, err))
		res.Args = argMap
		return res
	}
	if out == nil {
		out = map[string]any{}
	}
	if s, ok := out["success"].(bool); ok && !s {
		msg, _ := out["error"].(string)
		if msg == "" {
			msg = "request was not completed"
		}
		res := Result{Kind: t.kind, Success: false, Err: errors.New(msg), Output: mustJSON(out), Args: argMap}
		return res
	}
	if _, ok := out["success"]; !ok {
		out["success"] = true
	}

	res := success(t.kind, out)
	res.Args = argMap
	return res
}

func (d *Dispatcher) transfer(ctx context.Context, args TransferCallArgs, info SessionInfo) Result {
	number := ""
	if d.backend != nil {
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		out, err := d.backend.Invoke(ctx, NameTransferCall, args, info)
		cancel()
		if err != nil {
			d.logger.Warn().Err(err).Str("department", args.Department).Msg("Transfer lookup failed, using fallback number")
		} else {
			number = firstString(out, "transfer_number", "number", "phone")
		}
	}
	if number == "" {
		number = d.fallbackNumber
	}
	if number == "" {
		return failure(KindTransfer, ErrNoTransferTarget)
	}

	res := success(KindTransfer, map[string]any{
		"success":    true,
		"status":     "transferring",
		"department": args.Department,
	})
	res.TransferNumber = number
	return res
}

func success(kind Kind, out map[string]any) Result {
	return Result{Kind: kind, Success: true, Output: mustJSON(out)}
}

func failure(kind Kind, err error) Result {
	return Result{
		Kind:    kind,
		Success: false,
		Err:     err,
		Output:  mustJSON(map[string]any{"success": false, "error": err.Error()}),
	}
}

// FailureOutput builds the structured failure payload for err
func FailureOutput(err error) []byte {
	return mustJSON(map[string]any{"success": false, "error": err.Error()})
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"success":false,"error":"result could not be encoded"}`)
	}
	return b
}

func toMap(args Args) map[string]any {
	b, err := json.Marshal(args)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
