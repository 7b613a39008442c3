// Package telephony adapts Twilio Media Streams to the bridge's event
// vocabulary and drives Twilio call control.
package telephony

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/events"
)

const (
	writeWait = 10 * time.Second
	// maxMessageSize bounds one inbound frame; media frames are well under 1KB
	maxMessageSize = 64 * 1024
)

// ErrStreamNotStarted is returned when sending before the start frame
var ErrStreamNotStarted = errors.New("twilio stream not started")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Upgrade accepts a Twilio Media Streams WebSocket. Twilio does not send an
// Origin header, so the default same-origin check admits it.
func Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}

// Stream is one Twilio media stream. ReadEvent must be called from a single
// goroutine; the send methods are safe for concurrent use.
type Stream struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	mu        sync.RWMutex
	streamSid string

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps an upgraded connection
func NewStream(conn *websocket.Conn, logger zerolog.Logger) *Stream {
	conn.SetReadLimit(maxMessageSize)
	return &Stream{
		conn:   conn,
		logger: logger.With().Str("component", "telephony").Logger(),
	}
}

// ReadEvent blocks for the next validated event. Malformed frames are
// logged and skipped; a transport failure is returned as an error.
func (s *Stream) ReadEvent() (events.Event, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return nil, fmt.Errorf("read twilio frame: %w", err)
		}

		ev, err := ParseMessage(data)
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			s.logger.Warn().Err(err).Int("size", len(data)).Msg("Dropping invalid Twilio frame")
			continue
		}

		if start, ok := ev.(events.Start); ok {
			s.mu.Lock()
			s.streamSid = start.StreamID
			s.mu.Unlock()
		}
		return ev, nil
	}
}

// SendMedia plays one μ-law chunk to the caller
func (s *Stream) SendMedia(payload []byte) error {
	sid, err := s.sid()
	if err != nil {
		return err
	}
	return s.write(mediaMessage(sid, payload))
}

// SendMark asks Twilio to echo name once prior audio has played
func (s *Stream) SendMark(name string) error {
	sid, err := s.sid()
	if err != nil {
		return err
	}
	return s.write(markMessage(sid, name))
}

// SendClear drops audio buffered on Twilio's side
func (s *Stream) SendClear() error {
	sid, err := s.sid()
	if err != nil {
		return err
	}
	return s.write(clearMessage(sid))
}

// StreamSid returns the id received in the start frame
func (s *Stream) StreamSid() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamSid
}

// Close closes the connection. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *Stream) sid() (string, error) {
	sid := s.StreamSid()
	if sid == "" {
		return "", ErrStreamNotStarted
	}
	return sid, nil
}

func (s *Stream) write(msg outboundMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write twilio %s: %w", msg.Event, err)
	}
	return nil
}
