package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"

	"github.com/digital-farmer-service/bharat-vistaar/internal/b64stream"
)

// AudioField is the JSON field carrying base64 audio in speech answers.
const AudioField = "audio_data"

// ErrNoAudio is returned by StreamSpeech when the answer held no audio.
var ErrNoAudio = b64stream.ErrNoAudio

// SpeechRequest asks for text to be spoken.
type SpeechRequest struct {
	SessionID  string `json:"session_id"`
	Text       string `json:"text"`
	TargetLang string `json:"target_lang"`
}

// StreamSpeech synthesizes req.Text. Audio bytes are passed to onBytes as
// soon as they are decoded from the streamed answer, and the whole clip is
// returned at the end. A stream cut short after some audio arrived yields
// the partial clip without error. Speech calls are not retried: a retry
// would replay bytes the caller has already played.
func (c *Client) StreamSpeech(ctx context.Context, req SpeechRequest, onBytes func([]byte)) ([]byte, error) {
	if onBytes == nil {
		onBytes = func([]byte) {}
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, "api/tts/", nil, req, true)
	if err != nil {
		return nil, err
	}
	body, err := c.send(httpReq, "tts.stream")
	if err != nil {
		return nil, err
	}
	defer body.Close()

	audio, err := b64stream.Extract(ctx, body, AudioField, onBytes)
	if err != nil {
		return nil, fmt.Errorf("reading speech stream: %w", err)
	}

	log.Debug("Speech stream complete", "bytes", len(audio))
	return audio, nil
}
