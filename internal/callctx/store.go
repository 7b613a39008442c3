// Package callctx resolves the business context of a call. Outbound call
// originators park the context in Redis under a one-time token that Twilio
// hands back as a stream parameter; inbound calls fall through to the
// hospital backend by call id.
package callctx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/bridge"
)

// ErrNotFound is returned when no source knows the call
var ErrNotFound = errors.New("business context not found")

// kv is the subset of the Redis client the resolver uses
type kv interface {
	GetDel(ctx context.Context, key string) *redis.StringCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Connect parses a redis:// URL and verifies the server answers
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Resolver looks up tokens in Redis and delegates everything else to next
type Resolver struct {
	store  kv
	prefix string
	next   bridge.ContextResolver
	logger zerolog.Logger
}

// NewResolver creates a resolver. next may be nil.
func NewResolver(client *redis.Client, prefix string, next bridge.ContextResolver, logger zerolog.Logger) *Resolver {
	return newResolver(client, prefix, next, logger)
}

func newResolver(store kv, prefix string, next bridge.ContextResolver, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		prefix: prefix,
		next:   next,
		logger: logger.With().Str("component", "callctx").Logger(),
	}
}

// Resolve consumes the token if present. Tokens are single use.
func (r *Resolver) Resolve(ctx context.Context, externalCallID, token string) (bridge.BusinessContext, error) {
	if token != "" {
		bc, err := r.consume(ctx, token)
		switch {
		case err == nil:
			return bc, nil
		case errors.Is(err, redis.Nil):
			r.logger.Warn().Str("call_sid", externalCallID).Msg("Context token unknown or already used")
		default:
			r.logger.Error().Err(err).Str("call_sid", externalCallID).Msg("Context token lookup failed")
		}
	}

	if r.next != nil && externalCallID != "" {
		return r.next.Resolve(ctx, externalCallID, token)
	}
	return bridge.BusinessContext{}, ErrNotFound
}

func (r *Resolver) consume(ctx context.Context, token string) (bridge.BusinessContext, error) {
	raw, err := r.store.GetDel(ctx, r.prefix+token).Bytes()
	if err != nil {
		return bridge.BusinessContext{}, err
	}
	var bc bridge.BusinessContext
	if err := json.Unmarshal(raw, &bc); err != nil {
		return bridge.BusinessContext{}, fmt.Errorf("decode context token: %w", err)
	}
	return bc, nil
}

// Ping checks Redis connectivity for the readiness probe
func (r *Resolver) Ping(ctx context.Context) error {
	return r.store.Ping(ctx).Err()
}
