package api

import (
	"context"
	"net/url"

	"github.com/digital-farmer-service/bharat-vistaar/internal/retry"
)

// Suggestions returns follow-up questions the user might ask next.
func (c *Client) Suggestions(ctx context.Context, sessionID, targetLang string) ([]string, error) {
	if targetLang == "" {
		targetLang = "hi"
	}
	params := url.Values{
		"session_id":  {sessionID},
		"target_lang": {targetLang},
	}

	return retry.Do(ctx, c.retry, func(ctx context.Context) ([]string, error) {
		var out []string
		if err := c.getJSON(ctx, "api/suggest/", "suggest", params, &out); err != nil {
			return nil, err
		}
		return out, nil
	}, logRetry("suggest", nil))
}
