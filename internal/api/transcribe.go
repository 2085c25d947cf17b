package api

import (
	"context"
	"encoding/base64"
	"errors"
)

// DefaultTranscriptionService is the speech recognition backend used when
// none is named.
const DefaultTranscriptionService = "bhashini"

// TranscribeRequest is recorded speech to turn into text.
type TranscribeRequest struct {
	Audio       []byte
	ServiceType string
	SessionID   string
	LangCode    string
}

// Transcription is the recognized text.
type Transcription struct {
	Text     string `json:"text"`
	LangCode string `json:"lang_code"`
	Status   string `json:"status"`
}

type transcribeBody struct {
	AudioContent string `json:"audio_content"`
	ServiceType  string `json:"service_type"`
	SessionID    string `json:"session_id"`
	LangCode     string `json:"lang_code"`
}

// Transcribe sends recorded audio for speech recognition. It is not retried.
func (c *Client) Transcribe(ctx context.Context, req TranscribeRequest) (Transcription, error) {
	if len(req.Audio) == 0 {
		return Transcription{}, errors.New("no audio to transcribe")
	}
	service := req.ServiceType
	if service == "" {
		service = DefaultTranscriptionService
	}

	in := transcribeBody{
		AudioContent: base64.StdEncoding.EncodeToString(req.Audio),
		ServiceType:  service,
		SessionID:    req.SessionID,
		LangCode:     req.LangCode,
	}
	var out Transcription
	if err := c.postJSON(ctx, "api/transcribe/", "transcribe", true, in, &out); err != nil {
		return Transcription{}, err
	}
	return out, nil
}
