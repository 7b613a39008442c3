package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice bridge service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service (e.g. https://xxx.ngrok-free.dev).
	// Twilio connects to wss://<this-host>/streams/twilio.
	PublicURL       string `envconfig:"PUBLIC_URL" default:""`
	ShutdownTimeout int    `envconfig:"SHUTDOWN_TIMEOUT" default:"15"` // seconds

	// AI engine (OpenAI Realtime)
	OpenAIAPIKey      string `envconfig:"OPENAI_API_KEY" required:"true"`
	OpenAIRealtimeURL string `envconfig:"OPENAI_REALTIME_URL" default:"wss://api.openai.com/v1/realtime"`
	OpenAIModel       string `envconfig:"OPENAI_MODEL" default:"gpt-4o-realtime-preview"`
	OpenAIVoice       string `envconfig:"OPENAI_VOICE" default:"alloy"`
	EngineDialTimeout int    `envconfig:"ENGINE_DIAL_TIMEOUT" default:"10"` // seconds

	// Agent persona
	HospitalName      string `envconfig:"HOSPITAL_NAME" default:"the hospital"`
	AgentInstructions string `envconfig:"AGENT_INSTRUCTIONS" default:""`
	GreetingPrompt    string `envconfig:"GREETING_PROMPT" default:"Greet the caller warmly, introduce yourself as the hospital's assistant and ask how you can help."`
	ApologyText       string `envconfig:"APOLOGY_TEXT" default:"I'm sorry, we're having technical difficulties. Please hold while I connect you to a member of our staff."`

	// Deepgram fallback transcription (disabled when the key is empty)
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`

	// Cartesia apology prompt (disabled when the key is empty)
	CartesiaAPIKey  string `envconfig:"CARTESIA_API_KEY" default:""`
	CartesiaVoiceID string `envconfig:"CARTESIA_VOICE_ID" default:"sonic-english"`
	CartesiaModelID string `envconfig:"CARTESIA_MODEL_ID" default:"sonic"`
	CartesiaURL     string `envconfig:"CARTESIA_URL" default:"https://api.cartesia.ai/tts/bytes"`

	// Twilio call control (redirects disabled when SID or token is empty)
	TwilioAccountSid       string `envconfig:"TWILIO_ACCOUNT_SID" default:""`
	TwilioAuthToken        string `envconfig:"TWILIO_AUTH_TOKEN" default:""`
	TwilioAPIBaseURL       string `envconfig:"TWILIO_API_BASE_URL" default:"https://api.twilio.com"`
	FallbackTransferNumber string `envconfig:"FALLBACK_TRANSFER_NUMBER" default:""`

	// Hospital backend gRPC endpoint (tools and context lookup)
	BackendURL        string `envconfig:"BACKEND_GRPC_URL" default:""`
	BackendTLSEnabled bool   `envconfig:"BACKEND_TLS_ENABLED" default:"false"`
	BackendTimeout    int    `envconfig:"BACKEND_TIMEOUT" default:"10"` // seconds

	// Redis context-token store
	RedisURL           string `envconfig:"REDIS_URL" default:""`
	ContextTokenPrefix string `envconfig:"CONTEXT_TOKEN_PREFIX" default:"callctx:"`

	// MongoDB call log
	MongoURI          string `envconfig:"MONGO_URI" default:""`
	MongoDatabase     string `envconfig:"MONGO_DATABASE" default:"voice_bridge"`
	MongoCallLogTable string `envconfig:"MONGO_CALL_LOG_COLLECTION" default:"call_logs"`

	// Session timing
	GreetingDelayMs           int  `envconfig:"GREETING_DELAY_MS" default:"200"`
	FinalMarkTimeoutMs        int  `envconfig:"FINAL_MARK_TIMEOUT_MS" default:"5000"`
	TransferDelayMs           int  `envconfig:"TRANSFER_DELAY_MS" default:"3000"`
	RegistryFallbackWindowSec int  `envconfig:"REGISTRY_FALLBACK_WINDOW_SEC" default:"60"`
	MinSpeechMs               int  `envconfig:"MIN_SPEECH_MS" default:"800"`
	MarkPairedAcks            bool `envconfig:"MARK_PAIRED_ACKS" default:"false"`
	FinalizeTimeoutMs         int  `envconfig:"FINALIZE_TIMEOUT_MS" default:"5000"`
	ToolTimeoutMs             int  `envconfig:"TOOL_TIMEOUT_MS" default:"8000"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	OTLPEndpoint   string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:""`
	OTLPInsecure   bool   `envconfig:"OTEL_EXPORTER_OTLP_INSECURE" default:"true"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Missing .env is fine
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.OpenAIAPIKey) == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required"))
	}
	if !strings.HasPrefix(c.OpenAIRealtimeURL, "ws://") && !strings.HasPrefix(c.OpenAIRealtimeURL, "wss://") {
		errs = append(errs, fmt.Errorf("OPENAI_REALTIME_URL must be a ws:// or wss:// URL, got %q", c.OpenAIRealtimeURL))
	}
	if (c.TwilioAccountSid == "") != (c.TwilioAuthToken == "") {
		errs = append(errs, errors.New("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN must be set together"))
	}

	for name, v := range map[string]int{
		"GREETING_DELAY_MS":            c.GreetingDelayMs,
		"FINAL_MARK_TIMEOUT_MS":        c.FinalMarkTimeoutMs,
		"TRANSFER_DELAY_MS":            c.TransferDelayMs,
		"REGISTRY_FALLBACK_WINDOW_SEC": c.RegistryFallbackWindowSec,
		"MIN_SPEECH_MS":                c.MinSpeechMs,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", name, v))
		}
	}
	if c.FinalMarkTimeoutMs == 0 {
		errs = append(errs, errors.New("FINAL_MARK_TIMEOUT_MS must be positive"))
	}

	return errors.Join(errs...)
}

// TranscriptionEnabled reports whether the fallback transcriber is configured
func (c *Config) TranscriptionEnabled() bool { return c.DeepgramAPIKey != "" }

// PromptEnabled reports whether the apology prompt can be synthesized
func (c *Config) PromptEnabled() bool { return c.CartesiaAPIKey != "" }

// CallControlEnabled reports whether live calls can be redirected
func (c *Config) CallControlEnabled() bool {
	return c.TwilioAccountSid != "" && c.TwilioAuthToken != ""
}

// BackendEnabled reports whether the hospital backend is configured
func (c *Config) BackendEnabled() bool { return c.BackendURL != "" }

// GreetingDelay is the pause before the first greeting
func (c *Config) GreetingDelay() time.Duration { return ms(c.GreetingDelayMs) }

// FinalMarkTimeout bounds the wait for the final playback mark after end_call
func (c *Config) FinalMarkTimeout() time.Duration { return ms(c.FinalMarkTimeoutMs) }

// TransferDelay lets the agent's closing remark finish before a redirect
func (c *Config) TransferDelay() time.Duration { return ms(c.TransferDelayMs) }

// RegistryFallbackWindow is the maximum age of a fallback registry match
func (c *Config) RegistryFallbackWindow() time.Duration {
	return time.Duration(c.RegistryFallbackWindowSec) * time.Second
}

// MinSpeech is the minimum utterance length sent to the fallback transcriber
func (c *Config) MinSpeech() time.Duration { return ms(c.MinSpeechMs) }

// FinalizeTimeout bounds the call-log write during finalization
func (c *Config) FinalizeTimeout() time.Duration { return ms(c.FinalizeTimeoutMs) }

// ToolTimeout bounds a single tool dispatch
func (c *Config) ToolTimeout() time.Duration { return ms(c.ToolTimeoutMs) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
