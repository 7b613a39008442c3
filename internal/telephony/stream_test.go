package telephony

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/events"
)

// newStreamPair returns a server-side Stream and the client that plays Twilio
func newStreamPair(t *testing.T) (*Stream, *websocket.Conn) {
	t.Helper()
	streams := make(chan *Stream, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		streams <- NewStream(conn, zerolog.Nop())
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case s := <-streams:
		t.Cleanup(func() { s.Close() })
		return s, client
	case <-time.After(time.Second):
		t.Fatal("Server never accepted the connection")
		return nil, nil
	}
}

func TestStream_ReadEventSkipsNoise(t *testing.T) {
	s, client := newStreamPair(t)

	frames := []string{
		`{"event":"connected","protocol":"Call"}`,
		`{"event":"garbage"`,
		`{"event":"start","start":{"callSid":"CA1","streamSid":"MZ1"}}`,
		`{"event":"mark","mark":{"name":"part-1"}}`,
	}
	for _, f := range frames {
		if err := client.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	ev, err := s.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent failed: %v", err)
	}
	if start, ok := ev.(events.Start); !ok || start.ExternalCallID != "CA1" {
		t.Fatalf("Expected start for CA1, got %#v", ev)
	}
	if s.StreamSid() != "MZ1" {
		t.Errorf("Expected stream sid to be captured, got %q", s.StreamSid())
	}

	ev, err = s.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent failed: %v", err)
	}
	if mark, ok := ev.(events.Mark); !ok || mark.Name != "part-1" {
		t.Errorf("Expected mark part-1, got %#v", ev)
	}
}

func TestStream_SendBeforeStart(t *testing.T) {
	s, _ := newStreamPair(t)
	if err := s.SendMedia([]byte{1}); !errors.Is(err, ErrStreamNotStarted) {
		t.Errorf("Expected ErrStreamNotStarted, got %v", err)
	}
}

func TestStream_SendFrames(t *testing.T) {
	s, client := newStreamPair(t)
	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"event":"start","start":{"callSid":"CA1","streamSid":"MZ9"}}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := s.ReadEvent(); err != nil {
		t.Fatalf("ReadEvent failed: %v", err)
	}

	if err := s.SendMedia([]byte{0xff}); err != nil {
		t.Fatalf("SendMedia failed: %v", err)
	}
	if err := s.SendMark("part-1"); err != nil {
		t.Fatalf("SendMark failed: %v", err)
	}
	if err := s.SendClear(); err != nil {
		t.Fatalf("SendClear failed: %v", err)
	}

	want := []string{
		`{"event":"media","streamSid":"MZ9","media":{"payload":"/w=="}}`,
		`{"event":"mark","streamSid":"MZ9","mark":{"name":"part-1"}}`,
		`{"event":"clear","streamSid":"MZ9"}`,
	}
	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	for _, w := range want {
		_, data, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("Client read failed: %v", err)
		}
		if got := strings.TrimSpace(string(data)); got != w {
			t.Errorf("Expected %s, got %s", w, got)
		}
	}
}

func TestStream_CloseEndsReads(t *testing.T) {
	s, _ := newStreamPair(t)
	done := make(chan error, 1)
	go func() {
		_, err := s.ReadEvent()
		done <- err
	}()

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	_ = s.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected read error after close")
		}
	case <-time.After(time.Second):
		t.Fatal("ReadEvent did not return after Close")
	}
}
