package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lexiqai/voice-bridge/internal/audio"
	"github.com/lexiqai/voice-bridge/internal/events"
)

var (
	// ErrMalformedMessage is returned for frames that fail validation
	ErrMalformedMessage = errors.New("malformed twilio message")
	// errSkip marks frames the bridge has no use for
	errSkip = errors.New("message skipped")
)

// TwilioMessage represents a message from Twilio Media Streams
type TwilioMessage struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSid      string       `json:"streamSid,omitempty"`
	Media          *TwilioMedia `json:"media,omitempty"`
	Start          *TwilioStart `json:"start,omitempty"`
	Mark           *TwilioMark  `json:"mark,omitempty"`
	Stop           *TwilioStop  `json:"stop,omitempty"`
}

// TwilioMedia represents the media payload in a media event
type TwilioMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"` // milliseconds since stream start
	Payload   string `json:"payload"`             // base64 μ-law
}

// TwilioStart represents the start event payload
type TwilioStart struct {
	AccountSid       string         `json:"accountSid"`
	CallSid          string         `json:"callSid"`
	StreamSid        string         `json:"streamSid"`
	Tracks           []string       `json:"tracks"`
	CustomParameters map[string]any `json:"customParameters,omitempty"`
	MediaFormat      *MediaFormat   `json:"mediaFormat,omitempty"`
}

// MediaFormat describes the stream's audio encoding
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// TwilioMark names a playback marker
type TwilioMark struct {
	Name string `json:"name"`
}

// TwilioStop represents the stop event payload
type TwilioStop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// ParseMessage validates one inbound frame and converts it into a bridge
// event. Frames the bridge ignores ("connected", outbound-track media)
// return errSkip.
func ParseMessage(data []byte) (events.Event, error) {
	var msg TwilioMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch msg.Event {
	case "connected":
		return nil, errSkip

	case "start":
		if msg.Start == nil {
			return nil, fmt.Errorf("%w: start without payload", ErrMalformedMessage)
		}
		streamSid := msg.Start.StreamSid
		if streamSid == "" {
			streamSid = msg.StreamSid
		}
		if streamSid == "" {
			return nil, fmt.Errorf("%w: start without streamSid", ErrMalformedMessage)
		}
		if f := msg.Start.MediaFormat; f != nil && f.Encoding != "" && f.Encoding != string(audio.CodecMulaw) {
			return nil, fmt.Errorf("%w: unsupported encoding %q", ErrMalformedMessage, f.Encoding)
		}
		params := stringParams(msg.Start.CustomParameters)
		return events.Start{
			StreamID:       streamSid,
			ExternalCallID: msg.Start.CallSid,
			Direction:      params["direction"],
			Params:         params,
		}, nil

	case "media":
		if msg.Media == nil {
			return nil, fmt.Errorf("%w: media without payload", ErrMalformedMessage)
		}
		if msg.Media.Track != "" && msg.Media.Track != "inbound" {
			return nil, errSkip
		}
		encoded := msg.Media.Payload
		if encoded == "" {
			encoded = msg.Media.Chunk
		}
		payload, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: media payload: %v", ErrMalformedMessage, err)
		}
		var ts time.Duration
		if msg.Media.Timestamp != "" {
			ms, err := strconv.ParseInt(msg.Media.Timestamp, 10, 64)
			if err != nil || ms < 0 {
				return nil, fmt.Errorf("%w: media timestamp %q", ErrMalformedMessage, msg.Media.Timestamp)
			}
			ts = time.Duration(ms) * time.Millisecond
		}
		return events.Media{Frame: audio.Frame{Payload: payload, Codec: audio.CodecMulaw, Timestamp: ts}}, nil

	case "mark":
		if msg.Mark == nil || msg.Mark.Name == "" {
			return nil, fmt.Errorf("%w: mark without name", ErrMalformedMessage)
		}
		return events.Mark{Name: msg.Mark.Name}, nil

	case "stop":
		return events.Stop{}, nil

	case "dtmf":
		return nil, errSkip

	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrMalformedMessage, msg.Event)
	}
}

func stringParams(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

type outboundMessage struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid"`
	Media     *outboundBody `json:"media,omitempty"`
	Mark      *TwilioMark   `json:"mark,omitempty"`
}

type outboundBody struct {
	Payload string `json:"payload"`
}

func mediaMessage(streamSid string, payload []byte) outboundMessage {
	return outboundMessage{
		Event:     "media",
		StreamSid: streamSid,
		Media:     &outboundBody{Payload: base64.StdEncoding.EncodeToString(payload)},
	}
}

func markMessage(streamSid, name string) outboundMessage {
	return outboundMessage{Event: "mark", StreamSid: streamSid, Mark: &TwilioMark{Name: name}}
}

func clearMessage(streamSid string) outboundMessage {
	return outboundMessage{Event: "clear", StreamSid: streamSid}
}
