package protocol

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/harun/tutorline/pkg/tutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Run("should decode text frame", func(t *testing.T) {
		in, err := Decode([]byte(`{"type":"text","data":{"text":"  I go to school yesterday "}}`))
		require.NoError(t, err)
		assert.Equal(t, TypeText, in.Type)
		assert.Equal(t, "I go to school yesterday", in.Text)
	})

	t.Run("should decode audio frame", func(t *testing.T) {
		payload := base64.StdEncoding.EncodeToString([]byte("webm-bytes"))
		in, err := Decode([]byte(`{"type":"audio","data":{"audio":"` + payload + `"}}`))
		require.NoError(t, err)
		assert.Equal(t, TypeAudio, in.Type)
		assert.Equal(t, []byte("webm-bytes"), in.Audio)
	})

	t.Run("should decode control frame", func(t *testing.T) {
		in, err := Decode([]byte(`{"type":"control","data":{"command":"stop"}}`))
		require.NoError(t, err)
		assert.Equal(t, TypeControl, in.Type)
		assert.Equal(t, CommandStop, in.Command)
	})

	invalid := map[string]string{
		"malformed json":      `{"type":`,
		"unknown type":        `{"type":"video","data":{}}`,
		"missing data":        `{"type":"text"}`,
		"audio missing field": `{"type":"audio","data":{}}`,
		"audio not base64":    `{"type":"audio","data":{"audio":"%%%"}}`,
		"empty text":          `{"type":"text","data":{"text":"   "}}`,
		"unknown command":     `{"type":"control","data":{"command":"pause"}}`,
	}
	for name, raw := range invalid {
		raw := raw
		t.Run("should reject "+name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidFrame)
		})
	}
}

func TestEncode_Response(t *testing.T) {
	data, err := Encode(Response("turn-1", "Hello!", nil))
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, TypeResponse, env.Type)
	assert.JSONEq(t, `{"turnId":"turn-1","text":"Hello!","audio":null,"videoRef":null}`, string(env.Data))

	data, err = Encode(Response("turn-2", "Hi", []byte("mp3")))
	require.NoError(t, err)
	var withAudio struct {
		Data ResponseData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &withAudio))
	require.NotNil(t, withAudio.Data.Audio)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("mp3")), *withAudio.Data.Audio)
	assert.Nil(t, withAudio.Data.VideoRef)
}

func TestEncode_Correction(t *testing.T) {
	data, err := Encode(Correction(tutor.CorrectionResult{
		HasErrors: true,
		Corrections: []tutor.Correction{{
			Kind:      tutor.KindGrammar,
			Original:  "go",
			Corrected: "went",
			Severity:  tutor.SeverityMedium,
		}},
		BetterExpression: "I went to school yesterday.",
		Feedback:         "Watch your past tense.",
	}))
	require.NoError(t, err)

	var frame struct {
		Type FrameType      `json:"type"`
		Data CorrectionData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, TypeCorrection, frame.Type)
	assert.True(t, frame.Data.HasErrors)
	require.Len(t, frame.Data.Corrections, 1)
	assert.Equal(t, tutor.KindGrammar, frame.Data.Corrections[0].Kind)
	assert.Equal(t, "I went to school yesterday.", frame.Data.BetterExpression)
	assert.Contains(t, frame.Data.Feedback, "'go' -> 'went'")
	assert.True(t, strings.HasSuffix(frame.Data.Feedback, "\nWatch your past tense."))
}

func TestEncode_VideoUpdateAndError(t *testing.T) {
	data, err := Encode(VideoUpdate("turn-1", "Hello!", "https://cdn/video.mp4"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"videoUpdate","data":{"turnId":"turn-1","text":"Hello!","videoRef":"https://cdn/video.mp4"}}`, string(data))

	data, err = Encode(Error(CodeBusy, "still working on your last message"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","data":{"message":"still working on your last message","code":"busy"}}`, string(data))
}
