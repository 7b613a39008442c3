// Package realtime is the AI engine adapter: an OpenAI Realtime client
// speaking JSON events over a WebSocket with μ-law audio in both directions.
package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/events"
	"github.com/lexiqai/voice-bridge/internal/resilience"
	"github.com/lexiqai/voice-bridge/internal/tools"
)

const (
	writeWait = 10 * time.Second
	// audio deltas and session echoes can be large
	maxMessageSize = 4 * 1024 * 1024

	audioFormat        = "g711_ulaw"
	transcriptionModel = "whisper-1"
)

// ErrClosed is returned when writing to a closed conversation
var ErrClosed = errors.New("realtime connection closed")

// Options configures the engine dialer
type Options struct {
	URL         string // e.g. wss://api.openai.com/v1/realtime
	APIKey      string
	Model       string
	Voice       string
	DialTimeout time.Duration
	Retry       *resilience.RetryConfig
}

// Dialer opens OpenAI Realtime conversations
type Dialer struct {
	opts    Options
	breaker *resilience.CircuitBreaker
	ws      *websocket.Dialer
	logger  zerolog.Logger
}

// NewDialer creates a Dialer. breaker may be nil.
func NewDialer(opts Options, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *Dialer {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.Retry == nil {
		opts.Retry = resilience.DialRetryConfig()
	}
	return &Dialer{
		opts:    opts,
		breaker: breaker,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.DialTimeout,
		},
		logger: logger.With().Str("component", "realtime").Logger(),
	}
}

func (d *Dialer) endpoint() (string, error) {
	u, err := url.Parse(d.opts.URL)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	if d.opts.Model != "" {
		q := u.Query()
		q.Set("model", d.opts.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Dial opens a conversation, retrying transient failures
func (d *Dialer) Dial(ctx context.Context) (*Conn, error) {
	endpoint, err := d.endpoint()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.opts.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	var conn *websocket.Conn
	attempt := func(ctx context.Context) error {
		dialCtx, cancel := context.WithTimeout(ctx, d.opts.DialTimeout)
		defer cancel()

		c, resp, err := d.ws.DialContext(dialCtx, endpoint, header)
		if err != nil {
			if resp != nil {
				defer resp.Body.Close()
				if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
					return fmt.Errorf("realtime handshake rejected: status %d", resp.StatusCode)
				}
				return resilience.NewRetryableError(fmt.Errorf("realtime handshake failed: status %d: %w", resp.StatusCode, err))
			}
			return resilience.NewRetryableError(fmt.Errorf("realtime dial failed: %w", err))
		}
		conn = c
		return nil
	}

	guarded := attempt
	if d.breaker != nil {
		guarded = func(ctx context.Context) error { return d.breaker.Execute(ctx, attempt) }
	}

	start := time.Now()
	if err := resilience.RetryWithLogger(ctx, d.logger, guarded, d.opts.Retry, resilience.IsRetryableNetworkError); err != nil {
		return nil, err
	}

	d.logger.Debug().Dur("latency", time.Since(start)).Str("model", d.opts.Model).Msg("Realtime conversation opened")
	return newConn(conn, d.opts.Voice, d.logger), nil
}

// Conn is one Realtime conversation. ReadEvent must be called from a single
// goroutine; the command methods are safe for concurrent use.
type Conn struct {
	conn   *websocket.Conn
	voice  string
	logger zerolog.Logger

	writeMu   sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

func newConn(conn *websocket.Conn, voice string, logger zerolog.Logger) *Conn {
	conn.SetReadLimit(maxMessageSize)
	return &Conn{conn: conn, voice: voice, logger: logger}
}

// ReadEvent blocks for the next event the bridge acts on. Malformed frames
// are logged and skipped.
func (c *Conn) ReadEvent() (events.Event, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("Realtime read error")
			}
			return nil, fmt.Errorf("read realtime frame: %w", err)
		}

		ev, err := ParseEvent(data)
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			c.logger.Warn().Err(err).Int("size", len(data)).Msg("Dropping invalid realtime frame")
			continue
		}
		return ev, nil
	}
}

// UpdateSession configures audio formats, voice, turn detection and tools
func (c *Conn) UpdateSession(instructions string, defs []tools.Definition) error {
	return c.write(sessionUpdate(instructions, c.voice, defs))
}

// CreateItem injects a text message into the conversation
func (c *Conn) CreateItem(role, text string) error {
	return c.write(messageItem(role, text))
}

// CreateResponse asks the engine to generate a response
func (c *Conn) CreateResponse() error {
	return c.write(command{Type: "response.create"})
}

// CancelResponse stops the in-progress response
func (c *Conn) CancelResponse() error {
	return c.write(command{Type: "response.cancel"})
}

// Truncate drops the unheard tail of an assistant audio item
func (c *Conn) Truncate(itemID string, audioEndMs int64) error {
	if audioEndMs < 0 {
		audioEndMs = 0
	}
	return c.write(command{
		Type:         "conversation.item.truncate",
		ItemID:       itemID,
		ContentIndex: new(int),
		AudioEndMs:   &audioEndMs,
	})
}

// SendFunctionOutput returns a tool result to the engine
func (c *Conn) SendFunctionOutput(callID string, output []byte) error {
	return c.write(command{
		Type: "conversation.item.create",
		Item: &item{
			Type:   "function_call_output",
			CallID: callID,
			Output: string(output),
		},
	})
}

// AppendAudio forwards one caller μ-law frame
func (c *Conn) AppendAudio(payload []byte) error {
	return c.write(command{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(payload),
	})
}

// Close ends the conversation. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed = true
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *Conn) write(cmd command) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("write realtime %s: %w", cmd.Type, err)
	}
	return nil
}
