package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/digital-farmer-service/bharat-vistaar/internal/retry"
	"github.com/digital-farmer-service/bharat-vistaar/internal/textstream"
)

// Status is the outcome of a successful chat call.
type Status string

const (
	// StatusSuccess means the answer has text.
	StatusSuccess Status = "success"
	// StatusEmpty means the call succeeded but the answer was blank.
	StatusEmpty Status = "empty"
)

// Query is one user question.
type Query struct {
	SessionID  string
	Text       string
	SourceLang string
	TargetLang string

	// Stream reads the answer incrementally. When false the backend's JSON
	// answer is read in one piece.
	Stream bool
}

// ChatResponse is the aggregated answer.
type ChatResponse struct {
	Text   string
	Status Status
}

// chatBody is the non-streaming answer shape.
type chatBody struct {
	Response string `json:"response"`
	Status   string `json:"status"`
}

// SendQuery asks the backend a question. Every attempt reports its text
// through onChunk, at least once, as it arrives; when an attempt fails
// after reporting some text, onRetry runs before the next attempt starts
// over. Only the final attempt's error is returned.
func (c *Client) SendQuery(ctx context.Context, q Query, onChunk func(string), onRetry func(attempt int, err error)) (ChatResponse, error) {
	if strings.TrimSpace(q.Text) == "" {
		return ChatResponse{}, errors.New("query is empty")
	}
	if onChunk == nil {
		onChunk = func(string) {}
	}

	params := url.Values{
		"session_id":  {q.SessionID},
		"query":       {q.Text},
		"source_lang": {q.SourceLang},
		"target_lang": {q.TargetLang},
	}
	if loc, ok := c.Location(); ok {
		params.Set("location", loc.String())
	}

	text, err := retry.Do(ctx, c.retry, func(ctx context.Context) (string, error) {
		if q.Stream {
			return c.streamQuery(ctx, params, onChunk)
		}
		var body chatBody
		if err := c.getJSON(ctx, "api/chat/", "chat", params, &body); err != nil {
			return "", err
		}
		onChunk(body.Response)
		return body.Response, nil
	}, logRetry("chat", onRetry))

	TimingFrom(ctx).Log()
	if err != nil {
		return ChatResponse{}, err
	}

	resp := ChatResponse{Text: text, Status: StatusSuccess}
	if strings.TrimSpace(text) == "" {
		resp.Status = StatusEmpty
	}
	return resp, nil
}

func (c *Client) streamQuery(ctx context.Context, params url.Values, onChunk func(string)) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "api/chat/", params, nil, true)
	if err != nil {
		return "", err
	}
	body, err := c.send(req, "chat.stream")
	if err != nil {
		return "", err
	}
	defer body.Close()

	var sb strings.Builder
	chunks := 0
	dec := textstream.NewDecoder(body)
	for {
		frag, err := dec.Next()
		if frag != "" {
			sb.WriteString(frag)
			chunks++
			onChunk(frag)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("reading answer stream: %w", err)
		}
	}

	if chunks == 0 {
		onChunk("")
	}
	log.Debug("Answer stream complete", "chunks", chunks, "chars", sb.Len())
	return sb.String(), nil
}
