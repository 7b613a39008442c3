package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/voice-bridge/internal/backend"
	"github.com/lexiqai/voice-bridge/internal/bridge"
	"github.com/lexiqai/voice-bridge/internal/callctx"
	"github.com/lexiqai/voice-bridge/internal/calllog"
	"github.com/lexiqai/voice-bridge/internal/config"
	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/playback"
	"github.com/lexiqai/voice-bridge/internal/realtime"
	"github.com/lexiqai/voice-bridge/internal/resilience"
	"github.com/lexiqai/voice-bridge/internal/server"
	"github.com/lexiqai/voice-bridge/internal/stt"
	"github.com/lexiqai/voice-bridge/internal/telephony"
	"github.com/lexiqai/voice-bridge/internal/tools"
	"github.com/lexiqai/voice-bridge/internal/tts"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("model", cfg.OpenAIModel).
		Bool("backend", cfg.BackendEnabled()).
		Bool("transcription", cfg.TranscriptionEnabled()).
		Bool("call_control", cfg.CallControlEnabled()).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice bridge starting")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Voice bridge stopped")
	}
	logger.Info().Msg("Server exited gracefully")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdownTracing, err := observability.InitTracing(ctx, cfg.OTLPEndpoint, cfg.OTLPInsecure)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(flushCtx); err != nil {
				logger.Warn().Err(err).Msg("Trace flush failed")
			}
		}()
	}

	retry := &resilience.RetryConfig{
		MaxAttempts:       cfg.RetryMaxAttempts,
		InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
	breaker := func(name string) *resilience.CircuitBreaker {
		return resilience.NewCircuitBreaker(name, cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second).
			WithObserver(observability.ObserveCircuitBreaker)
	}

	dialer := realtime.NewDialer(realtime.Options{
		URL:         cfg.OpenAIRealtimeURL,
		APIKey:      cfg.OpenAIAPIKey,
		Model:       cfg.OpenAIModel,
		Voice:       cfg.OpenAIVoice,
		DialTimeout: time.Duration(cfg.EngineDialTimeout) * time.Second,
		Retry:       retry,
	}, breaker("openai"), logger)

	deps := bridge.Dependencies{
		Dialer: bridge.EngineDialerFunc(func(ctx context.Context) (bridge.Engine, error) {
			conn, err := dialer.Dial(ctx)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}),
	}
	var checks []observability.DependencyCheck

	// Hospital backend: tools and call context lookup
	var toolBackend tools.Backend
	var resolver bridge.ContextResolver
	if cfg.BackendEnabled() {
		client, err := backend.NewClient(backend.Options{
			Target:     cfg.BackendURL,
			TLSEnabled: cfg.BackendTLSEnabled,
			Timeout:    time.Duration(cfg.BackendTimeout) * time.Second,
		}, breaker("backend"), logger)
		if err != nil {
			return err
		}
		defer client.Close()
		toolBackend = client
		resolver = client
		checks = append(checks, observability.DependencyCheck{Name: "backend", Check: client.Check})
	} else {
		logger.Warn().Msg("BACKEND_GRPC_URL not set, only end_call and fallback transfers will succeed")
	}
	deps.Tools = tools.NewDispatcher(toolBackend, cfg.FallbackTransferNumber, cfg.ToolTimeout(), logger)

	// Single-use context tokens take precedence over the backend lookup
	if cfg.RedisURL != "" {
		rdb, err := callctx.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer closeRedis(rdb, logger)
		tokens := callctx.NewResolver(rdb, cfg.ContextTokenPrefix, resolver, logger)
		resolver = tokens
		checks = append(checks, observability.DependencyCheck{Name: "redis", Check: tokens.Ping})
	}
	deps.Resolver = resolver

	if cfg.MongoURI != "" {
		mc, err := calllog.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			return err
		}
		defer func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mc.Disconnect(dctx); err != nil {
				logger.Warn().Err(err).Msg("MongoDB disconnect failed")
			}
		}()
		deps.CallLog = calllog.NewStore(mc.Collection(cfg.MongoCallLogTable), logger)
		checks = append(checks, observability.DependencyCheck{Name: "mongodb", Check: mc.Ping})
	}

	if cfg.TranscriptionEnabled() {
		deps.Transcriber = stt.NewDeepgramTranscriber(stt.Options{
			APIKey:   cfg.DeepgramAPIKey,
			Model:    cfg.DeepgramModel,
			Language: cfg.DeepgramLanguage,
		}, breaker("deepgram"), logger)
	}
	if cfg.PromptEnabled() {
		deps.Prompter = tts.NewCartesiaPrompter(tts.Options{
			APIKey:  cfg.CartesiaAPIKey,
			URL:     cfg.CartesiaURL,
			VoiceID: cfg.CartesiaVoiceID,
			ModelID: cfg.CartesiaModelID,
		}, breaker("cartesia"), logger)
	}
	if cfg.CallControlEnabled() {
		deps.CallControl = telephony.NewCallControl(cfg.TwilioAPIBaseURL, cfg.TwilioAccountSid, cfg.TwilioAuthToken, logger)
	}

	opts := bridge.DefaultOptions()
	opts.Instructions = cfg.AgentInstructions
	opts.GreetingPrompt = cfg.GreetingPrompt
	opts.ApologyText = cfg.ApologyText
	opts.HospitalName = cfg.HospitalName
	opts.FallbackNumber = cfg.FallbackTransferNumber
	opts.GreetingDelay = cfg.GreetingDelay()
	opts.FinalMarkTimeout = cfg.FinalMarkTimeout()
	opts.TransferDelay = cfg.TransferDelay()
	opts.FinalizeTimeout = cfg.FinalizeTimeout()
	opts.MinSpeech = cfg.MinSpeech()
	opts.FallbackWindow = cfg.RegistryFallbackWindow()
	if cfg.MarkPairedAcks {
		opts.MarkMode = playback.ModePaired
	}

	manager, err := bridge.NewManager(opts, deps, logger)
	if err != nil {
		return err
	}

	srv := server.New(manager, server.Options{
		Addr:           ":" + cfg.Port,
		MetricsEnabled: cfg.MetricsEnabled,
		ReadyTimeout:   3 * time.Second,
		Checks:         checks,
	}, logger)

	if cfg.PublicURL != "" {
		logger.Info().Str("stream_url", cfg.PublicURL+"/streams/twilio").Msg("Point the Twilio <Stream> at this URL")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Int("active_calls", manager.ActiveCalls()).Msg("Shutting down server...")

		// Graceful shutdown with timeout; live calls are finalized before exit
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout)*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func closeRedis(rdb *redis.Client, logger zerolog.Logger) {
	if err := rdb.Close(); err != nil {
		logger.Warn().Err(err).Msg("Redis close failed")
	}
}
