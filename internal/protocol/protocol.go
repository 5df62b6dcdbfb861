package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/skypro1111/ctxswitch-asr/internal/audio"
)

// Control message types sent by the client
const (
	TypeStart = "start"
	TypeStop  = "stop"
	TypePing  = "ping"
)

// Reply types sent by the server besides transcript events
const (
	TypeReady   = "ready"
	TypePong    = "pong"
	TypeFlushed = "flushed"
	TypeError   = "error"
)

// ErrInvalidMessage is returned for control messages that do not match the schema
var ErrInvalidMessage = errors.New("invalid control message")

const controlSchemaURL = "ctxswitch-asr://control.json"

const controlSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["start", "stop", "ping"]},
    "sample_rate": {"type": "integer", "minimum": 8000, "maximum": 48000}
  },
  "additionalProperties": false,
  "if": {"properties": {"type": {"const": "start"}}},
  "then": {"required": ["sample_rate"]}
}`

// Control is a client control message.
//
//	{"type":"start","sample_rate":8000}  announce the input rate of following audio
//	{"type":"stop"}                      flush buffered audio and finalize the transcript
//	{"type":"ping"}                      keepalive, answered with a pong
type Control struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

func (c Control) String() string {
	if c.Type == TypeStart {
		return fmt.Sprintf("Control{Type: %s, SampleRate: %d}", c.Type, c.SampleRate)
	}
	return fmt.Sprintf("Control{Type: %s}", c.Type)
}

// Reply is a non-transcript message sent to the client
type Reply struct {
	Type       string    `json:"type"`
	ClientID   string    `json:"client_id"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewReply creates a reply stamped with the current time
func NewReply(replyType, clientID string) Reply {
	return Reply{Type: replyType, ClientID: clientID, Timestamp: time.Now().UTC()}
}

// Codec parses inbound frames. It is safe for concurrent use.
type Codec struct {
	schema *jsonschema.Schema
}

// NewCodec compiles the control message schema
func NewCodec() (*Codec, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(controlSchemaURL, strings.NewReader(controlSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	schema, err := compiler.Compile(controlSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	return &Codec{schema: schema}, nil
}

// ParseControl validates and decodes a text frame
func (c *Codec) ParseControl(data []byte) (Control, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var payload any
	if err := decoder.Decode(&payload); err != nil {
		return Control{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	if err := c.schema.Validate(payload); err != nil {
		return Control{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var control Control
	if err := json.Unmarshal(data, &control); err != nil {
		return Control{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	return control, nil
}

// DecodeAudio decodes a binary frame. WAV payloads carry their own format;
// anything else is taken as mono little-endian float32 at sampleRate. The
// returned chunk is not validated.
func DecodeAudio(data []byte, sampleRate int) (audio.Chunk, error) {
	if audio.IsWAV(data) {
		return audio.DecodeWAV(data)
	}

	samples, err := audio.DecodeFloat32LE(data)
	if err != nil {
		return audio.Chunk{}, err
	}

	return audio.Chunk{Samples: samples, SampleRate: sampleRate, Channels: 1}, nil
}
