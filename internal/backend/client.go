// Package backend is the gRPC client for the hospital backend: business
// tools, call-context lookup by call id and a health probe.
package backend

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/voice-bridge/internal/bridge"
	"github.com/lexiqai/voice-bridge/internal/resilience"
	"github.com/lexiqai/voice-bridge/internal/tools"
)

// ErrContextNotFound is returned when the backend knows nothing about a call
var ErrContextNotFound = errors.New("call context not found")

// Client talks to the hospital backend. It is safe for concurrent use.
type Client struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	timeout time.Duration
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryConfig
	logger  zerolog.Logger
}

// NewClient creates a client. The connection is established lazily on the
// first call. breaker may be nil.
func NewClient(opts Options, breaker *resilience.CircuitBreaker, logger zerolog.Logger) (*Client, error) {
	if opts.Target == "" {
		return nil, errors.New("backend target is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	creds := insecure.NewCredentials()
	if opts.TLSEnabled {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		// Keepalive settings for long-lived connections
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	dialOpts = append(dialOpts, opts.DialOptions...)

	conn, err := grpc.NewClient(opts.Target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend client for %s: %w", opts.Target, err)
	}

	return &Client{
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		timeout: opts.Timeout,
		breaker: breaker,
		retry:   resilience.DefaultRetryConfig(),
		logger:  logger.With().Str("component", "backend").Logger(),
	}, nil
}

// Invoke runs a business tool. It implements tools.Backend.
func (c *Client) Invoke(ctx context.Context, name string, args any, info tools.SessionInfo) (map[string]any, error) {
	argMap, err := toStructMap(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s arguments: %w", name, err)
	}
	req, err := structpb.NewStruct(map[string]any{
		"tool":      name,
		"arguments": argMap,
		"session": map[string]any{
			"stream_id":        info.StreamID,
			"external_call_id": info.ExternalCallID,
			"direction":        info.Direction,
			"caller_number":    info.CallerNumber,
			"patient_id":       info.PatientID,
			"hospital_id":      info.HospitalID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", name, err)
	}

	resp := &structpb.Struct{}
	start := time.Now()
	if err := c.call(ctx, invokeMethod, req, resp); err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("tool", name).
		Str("call_sid", info.ExternalCallID).
		Dur("latency", time.Since(start)).
		Msg("Backend tool invoked")
	return resp.AsMap(), nil
}

// Resolve fetches the business context for a call by its external id. It
// implements bridge.ContextResolver.
func (c *Client) Resolve(ctx context.Context, externalCallID, token string) (bridge.BusinessContext, error) {
	if externalCallID == "" && token == "" {
		return bridge.BusinessContext{}, ErrContextNotFound
	}
	req, err := structpb.NewStruct(map[string]any{
		"external_call_id": externalCallID,
		"context_token":    token,
	})
	if err != nil {
		return bridge.BusinessContext{}, err
	}

	resp := &structpb.Struct{}
	if err := c.call(ctx, contextMethod, req, resp); err != nil {
		if status.Code(err) == codes.NotFound {
			return bridge.BusinessContext{}, ErrContextNotFound
		}
		return bridge.BusinessContext{}, err
	}

	var bc bridge.BusinessContext
	b, err := resp.MarshalJSON()
	if err != nil {
		return bridge.BusinessContext{}, fmt.Errorf("decode call context: %w", err)
	}
	if err := json.Unmarshal(b, &bc); err != nil {
		return bridge.BusinessContext{}, fmt.Errorf("decode call context: %w", err)
	}
	return bc, nil
}

// Check probes the standard gRPC health service
func (c *Client) Check(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: toolsService})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("backend is %s", resp.GetStatus())
	}
	return nil
}

// Close closes the gRPC connection
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, req, resp *structpb.Struct) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// Backend rejections do not count against the breaker
	var rejected error
	invoke := func(ctx context.Context) error {
		rejected = nil
		err := c.conn.Invoke(ctx, method, req, resp)
		if err == nil {
			return nil
		}
		switch code := status.Code(err); {
		case isRetryableCode(code):
			return resilience.NewRetryableError(err)
		case isDependencyFailure(code):
			return err
		}
		rejected = err
		return nil
	}
	guarded := invoke
	if c.breaker != nil {
		guarded = func(ctx context.Context) error { return c.breaker.Execute(ctx, invoke) }
	}

	if err := resilience.RetryWithLogger(ctx, c.logger, guarded, c.retry, resilience.IsRetryable); err != nil {
		return fmt.Errorf("backend %s: %w", method, err)
	}
	if rejected != nil {
		return fmt.Errorf("backend %s: %w", method, rejected)
	}
	return nil
}

// isRetryableCode reports codes where the request was not processed. Tool
// calls are not idempotent, so DeadlineExceeded is not retried.
func isRetryableCode(code codes.Code) bool {
	switch code {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return false
}

func isDependencyFailure(code codes.Code) bool {
	switch code {
	case codes.DeadlineExceeded, codes.Internal, codes.Unknown, codes.Unimplemented, codes.DataLoss, codes.Canceled:
		return true
	}
	return false
}

// toStructMap converts typed arguments into the JSON-shaped map structpb
// accepts
func toStructMap(v any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	m := map[string]any{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
