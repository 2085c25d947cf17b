package api

import (
	"context"
)

type tokenRequest struct {
	Metadata string `json:"metadata"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// FetchToken obtains a new credential. The call itself is unauthenticated.
func (c *Client) FetchToken(ctx context.Context, metadata string) (string, error) {
	var out tokenResponse
	if err := c.postJSON(ctx, "api/token", "token", false, tokenRequest{Metadata: metadata}, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", ErrEmptyToken
	}
	return out.Token, nil
}
