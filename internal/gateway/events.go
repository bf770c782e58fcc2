package gateway

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/MrWong99/sonavox/pkg/types"
)

// Media-stream wire events. The telephony provider speaks JSON text frames
// over the websocket: "start" opens the stream and carries the call metadata,
// "media" carries one base64 μ-law payload per message, "mark" acknowledges a
// previously sent marker, and "stop" ends the stream.
type streamEvent struct {
	Event     string      `json:"event"`
	StreamSid string      `json:"streamSid,omitempty"`
	Start     *startEvent `json:"start,omitempty"`
	Media     *mediaEvent `json:"media,omitempty"`
	Mark      *markEvent  `json:"mark,omitempty"`
}

type startEvent struct {
	CallSid   string `json:"callSid"`
	StreamSid string `json:"streamSid"`
	// CustomParameters carries the <Parameter> values from the TwiML
	// <Stream> noun. The assistant profile is selected here.
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat"`
	From string `json:"from"`
}

type mediaEvent struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

type markEvent struct {
	Name string `json:"name"`
}

// parseEvent decodes one inbound websocket text frame.
func parseEvent(data []byte) (streamEvent, error) {
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return streamEvent{}, fmt.Errorf("gateway: %w: malformed stream event: %w", types.ErrData, err)
	}
	if ev.Event == "" {
		return streamEvent{}, fmt.Errorf("gateway: %w: stream event without event field", types.ErrData)
	}
	return ev, nil
}

// decodePayload unpacks the base64 audio of a media event.
func decodePayload(ev streamEvent) ([]byte, error) {
	if ev.Media == nil {
		return nil, fmt.Errorf("gateway: %w: media event without media body", types.ErrData)
	}
	frame, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w: media payload decode: %w", types.ErrData, err)
	}
	return frame, nil
}

// outboundMedia encodes one μ-law frame as an outbound media message.
func outboundMedia(streamSid string, frame []byte) []byte {
	msg := struct {
		Event     string `json:"event"`
		StreamSid string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}{Event: "media", StreamSid: streamSid}
	msg.Media.Payload = base64.StdEncoding.EncodeToString(frame)

	data, _ := json.Marshal(msg)
	return data
}

// outboundClear encodes a clear message, telling the provider to discard any
// buffered outbound audio for this stream.
func outboundClear(streamSid string) []byte {
	data, _ := json.Marshal(struct {
		Event     string `json:"event"`
		StreamSid string `json:"streamSid"`
	}{Event: "clear", StreamSid: streamSid})
	return data
}
