package telephony

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/lexiqai/voice-bridge/internal/events"
)

func TestParseMessage_Start(t *testing.T) {
	raw := `{"event":"start","sequenceNumber":"1","start":{"accountSid":"AC1","callSid":"CA1","streamSid":"MZ1","tracks":["inbound"],
		"customParameters":{"context_token":"tok-1","direction":"outbound","attempt":2},
		"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}},"streamSid":"MZ1"}`

	ev, err := ParseMessage([]byte(raw))
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	start, ok := ev.(events.Start)
	if !ok {
		t.Fatalf("Expected events.Start, got %T", ev)
	}
	if start.StreamID != "MZ1" || start.ExternalCallID != "CA1" {
		t.Errorf("Unexpected ids %+v", start)
	}
	if start.Direction != "outbound" || start.Params["context_token"] != "tok-1" || start.Params["attempt"] != "2" {
		t.Errorf("Unexpected parameters %+v", start)
	}
}

func TestParseMessage_Media(t *testing.T) {
	ev, err := ParseMessage([]byte(`{"event":"media","streamSid":"MZ1","media":{"track":"inbound","chunk":"2","timestamp":"1540","payload":"//8A"}}`))
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	media, ok := ev.(events.Media)
	if !ok {
		t.Fatalf("Expected events.Media, got %T", ev)
	}
	if got := media.Frame.Payload; len(got) != 3 || got[0] != 0xff || got[2] != 0x00 {
		t.Errorf("Unexpected payload %v", got)
	}
	if media.Frame.Timestamp != 1540*time.Millisecond {
		t.Errorf("Expected 1540ms timestamp, got %v", media.Frame.Timestamp)
	}
}

func TestParseMessage_MarkAndStop(t *testing.T) {
	ev, err := ParseMessage([]byte(`{"event":"mark","streamSid":"MZ1","mark":{"name":"part-3"}}`))
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	if mark, ok := ev.(events.Mark); !ok || mark.Name != "part-3" {
		t.Errorf("Expected mark part-3, got %#v", ev)
	}

	ev, err = ParseMessage([]byte(`{"event":"stop","streamSid":"MZ1","stop":{"accountSid":"AC1","callSid":"CA1"}}`))
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	if _, ok := ev.(events.Stop); !ok {
		t.Errorf("Expected events.Stop, got %T", ev)
	}
}

func TestParseMessage_Skipped(t *testing.T) {
	tests := []string{
		`{"event":"connected","protocol":"Call","version":"1.0.0"}`,
		`{"event":"media","media":{"track":"outbound","payload":"AA=="}}`,
		`{"event":"dtmf","dtmf":{"digit":"1"}}`,
	}
	for _, raw := range tests {
		if _, err := ParseMessage([]byte(raw)); !errors.Is(err, errSkip) {
			t.Errorf("%s: expected skip, got %v", raw, err)
		}
	}
}

func TestParseMessage_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"event":`},
		{"unknown event", `{"event":"dance"}`},
		{"start without payload", `{"event":"start"}`},
		{"start without stream", `{"event":"start","start":{"callSid":"CA1"}}`},
		{"wrong encoding", `{"event":"start","start":{"streamSid":"MZ1","mediaFormat":{"encoding":"audio/l16"}}}`},
		{"media without body", `{"event":"media"}`},
		{"bad base64", `{"event":"media","media":{"payload":"***"}}`},
		{"bad timestamp", `{"event":"media","media":{"payload":"AA==","timestamp":"soon"}}`},
		{"mark without name", `{"event":"mark","mark":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseMessage([]byte(tt.raw)); !errors.Is(err, ErrMalformedMessage) {
				t.Errorf("Expected ErrMalformedMessage, got %v", err)
			}
		})
	}
}

func TestOutboundMessages(t *testing.T) {
	tests := []struct {
		name string
		msg  outboundMessage
		want string
	}{
		{"media", mediaMessage("MZ1", []byte{0xff, 0x7f}), `{"event":"media","streamSid":"MZ1","media":{"payload":"/38="}}`},
		{"mark", markMessage("MZ1", "part-1"), `{"event":"mark","streamSid":"MZ1","mark":{"name":"part-1"}}`},
		{"clear", clearMessage("MZ1"), `{"event":"clear","streamSid":"MZ1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.msg)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}
