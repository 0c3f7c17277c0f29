package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/harun/tutorline/pkg/tutor"
	"github.com/xeipuuv/gojsonschema"
)

// FrameType identifies the kind of a frame
type FrameType string

const (
	TypeAudio   FrameType = "audio"
	TypeText    FrameType = "text"
	TypeControl FrameType = "control"

	TypeResponse      FrameType = "response"
	TypeTranscription FrameType = "transcription"
	TypeCorrection    FrameType = "correction"
	TypeVideoUpdate   FrameType = "videoUpdate"
	TypeError         FrameType = "error"
)

// Command is a control instruction sent by the client
type Command string

const (
	CommandStart Command = "start"
	CommandStop  Command = "stop"
)

// Error codes carried in error frames
const (
	CodeTranscriptionFailed = "transcription_failed"
	CodeBusy                = "busy"
	CodeInvalidFrame        = "invalid_frame"
	CodeRateLimited         = "rate_limited"
)

// ErrInvalidFrame is returned when an inbound frame fails validation
var ErrInvalidFrame = errors.New("invalid frame")

// Envelope is the raw wire shape shared by inbound and outbound frames
type Envelope struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Inbound is a decoded client frame
type Inbound struct {
	Type    FrameType
	Audio   []byte
	Text    string
	Command Command
}

// Outbound is a server frame ready to be encoded
type Outbound struct {
	Type FrameType   `json:"type"`
	Data interface{} `json:"data"`
}

// ResponseData is the payload of a response frame
type ResponseData struct {
	TurnID   string  `json:"turnId"`
	Text     string  `json:"text"`
	Audio    *string `json:"audio"`
	VideoRef *string `json:"videoRef"`
}

// TranscriptionData is the payload of a transcription frame
type TranscriptionData struct {
	Text string `json:"text"`
}

// CorrectionData is the payload of a correction frame
type CorrectionData struct {
	HasErrors        bool               `json:"hasErrors"`
	Corrections      []tutor.Correction `json:"corrections"`
	BetterExpression string             `json:"betterExpression,omitempty"`
	Feedback         string             `json:"feedback"`
}

// VideoUpdateData is the payload of a videoUpdate frame
type VideoUpdateData struct {
	TurnID   string `json:"turnId"`
	Text     string `json:"text"`
	VideoRef string `json:"videoRef"`
}

// ErrorData is the payload of an error frame
type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

const inboundSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["type", "data"],
	"properties": {
		"type": {"enum": ["audio", "text", "control"]},
		"data": {"type": "object"}
	},
	"allOf": [
		{
			"if": {"properties": {"type": {"const": "audio"}}},
			"then": {"properties": {"data": {
				"required": ["audio"],
				"properties": {"audio": {"type": "string", "minLength": 1}}
			}}}
		},
		{
			"if": {"properties": {"type": {"const": "text"}}},
			"then": {"properties": {"data": {
				"required": ["text"],
				"properties": {"text": {"type": "string"}}
			}}}
		},
		{
			"if": {"properties": {"type": {"const": "control"}}},
			"then": {"properties": {"data": {
				"required": ["command"],
				"properties": {"command": {"enum": ["start", "stop"]}}
			}}}
		}
	]
}`

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func loadSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(inboundSchema))
	})
	return schema, schemaErr
}

// Decode validates and decodes an inbound client frame
func Decode(data []byte) (*Inbound, error) {
	s, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to load inbound schema: %w", err)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidFrame, strings.Join(msgs, "; "))
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	in := &Inbound{Type: env.Type}
	switch env.Type {
	case TypeAudio:
		var payload struct {
			Audio string `json:"audio"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		audio, err := base64.StdEncoding.DecodeString(payload.Audio)
		if err != nil {
			return nil, fmt.Errorf("%w: audio is not valid base64", ErrInvalidFrame)
		}
		in.Audio = audio
	case TypeText:
		var payload struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		in.Text = strings.TrimSpace(payload.Text)
		if in.Text == "" {
			return nil, fmt.Errorf("%w: text is empty", ErrInvalidFrame)
		}
	case TypeControl:
		var payload struct {
			Command Command `json:"command"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		in.Command = payload.Command
	}

	return in, nil
}

// Encode serializes an outbound frame
func Encode(msg Outbound) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", msg.Type, err)
	}
	return data, nil
}

// Response builds the reply frame. The video reference is always null here;
// a rendered video arrives later in its own videoUpdate frame.
func Response(turnID, text string, audio []byte) Outbound {
	data := ResponseData{TurnID: turnID, Text: text}
	if len(audio) > 0 {
		encoded := base64.StdEncoding.EncodeToString(audio)
		data.Audio = &encoded
	}
	return Outbound{Type: TypeResponse, Data: data}
}

// Transcription acknowledges the text the engine is about to process
func Transcription(text string) Outbound {
	return Outbound{Type: TypeTranscription, Data: TranscriptionData{Text: text}}
}

// Correction builds a correction frame from an analysis result
func Correction(result tutor.CorrectionResult) Outbound {
	feedback := tutor.FormatFeedback(result)
	corrections := result.Corrections
	if corrections == nil {
		corrections = []tutor.Correction{}
	}
	return Outbound{
		Type: TypeCorrection,
		Data: CorrectionData{
			HasErrors:        result.Found(),
			Corrections:      corrections,
			BetterExpression: result.BetterExpression,
			Feedback:         feedback,
		},
	}
}

// VideoUpdate announces a finished avatar video for an earlier response
func VideoUpdate(turnID, text, videoRef string) Outbound {
	return Outbound{
		Type: TypeVideoUpdate,
		Data: VideoUpdateData{TurnID: turnID, Text: text, VideoRef: videoRef},
	}
}

// Error builds an error frame
func Error(code, message string) Outbound {
	return Outbound{Type: TypeError, Data: ErrorData{Message: message, Code: code}}
}
