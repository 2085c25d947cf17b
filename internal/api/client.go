// Package api talks to the assistant backend: chat answers, speech,
// suggestions, transcription and token issue.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/digital-farmer-service/bharat-vistaar/internal/retry"
	"github.com/digital-farmer-service/bharat-vistaar/internal/textstream"
)

// InstrumentationName is the tracer scope used for backend calls.
const InstrumentationName = "github.com/digital-farmer-service/bharat-vistaar/internal/api"

var (
	// ErrUnauthorized is returned when no usable credential exists or the
	// backend rejects it. It is never retried.
	ErrUnauthorized = errors.New("authentication required")

	// ErrEmptyToken is returned when the token endpoint answers without a token.
	ErrEmptyToken = errors.New("no token received from auth endpoint")
)

// TokenSource supplies the bearer token for authenticated calls. It is
// asked before every request, so a token rewritten elsewhere is picked up.
type TokenSource interface {
	Token() (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func() (string, error)

// Token implements TokenSource.
func (f TokenFunc) Token() (string, error) { return f() }

// Location is the user's position, sent with chat queries when known.
type Location struct {
	Latitude  float64
	Longitude float64
}

func (l Location) String() string {
	return strconv.FormatFloat(l.Latitude, 'f', -1, 64) + "," + strconv.FormatFloat(l.Longitude, 'f', -1, 64)
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     TokenSource
	Retry      retry.Config

	// Limiter throttles outbound requests. nil means unlimited.
	Limiter *rate.Limiter

	// TracerProvider receives one span per backend call. nil uses the
	// global provider.
	TracerProvider trace.TracerProvider

	UserAgent string
}

// Client is a backend client. It is safe for concurrent use.
type Client struct {
	base      *url.URL
	http      *http.Client
	tokens    TokenSource
	retry     retry.Config
	limiter   *rate.Limiter
	tracer    trace.Tracer
	userAgent string

	mu       sync.RWMutex
	location *Location
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("api: base URL is required")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("api: invalid base URL: %w", err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if err := opts.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("api: %w", err)
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = TokenFunc(func() (string, error) { return "", nil })
	}

	return &Client{
		base:      base,
		http:      hc,
		tokens:    tokens,
		retry:     opts.Retry,
		limiter:   opts.Limiter,
		tracer:    tp.Tracer(InstrumentationName),
		userAgent: opts.UserAgent,
	}, nil
}

// SetLocation sets or, with nil, clears the location sent with queries.
func (c *Client) SetLocation(loc *Location) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if loc == nil {
		c.location = nil
		return
	}
	l := *loc
	c.location = &l
}

// Location returns the current location, if any.
func (c *Client) Location() (Location, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.location == nil {
		return Location{}, false
	}
	return *c.location, true
}

// RetryConfig returns the retry settings used for retried calls.
func (c *Client) RetryConfig() retry.Config {
	return c.retry
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.base.ResolveReference(&url.URL{Path: path})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// bearer returns the Authorization header value, or a permanent
// ErrUnauthorized when there is no usable token.
func (c *Client) bearer() (string, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("%w: %w", ErrUnauthorized, err))
	}
	if token == "" {
		return "", retry.Permanent(ErrUnauthorized)
	}
	return "Bearer " + token, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any, auth bool) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("encoding request: %w", err))
		}
		r = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), r)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept-Encoding", textstream.AcceptEncoding)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if auth {
		h, err := c.bearer()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", h)
	}
	return req, nil
}

// send performs req and checks the status. On success the caller owns the
// decoded body and must close it. The span ends when the body is closed.
func (c *Client) send(req *http.Request, op string) (io.ReadCloser, error) {
	ctx, span := c.tracer.Start(req.Context(), op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.URL.Path),
		))
	req = req.WithContext(ctx)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	fail := func(err error) (io.ReadCloser, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fail(fmt.Errorf("rate limit wait: %w", err))
		}
	}

	timing := TimingFrom(ctx)
	timing.markNetworkStart()

	resp, err := c.http.Do(req)
	if err != nil {
		return fail(err)
	}
	timing.markFirstByte()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		drain(resp.Body)
		return fail(retry.Permanent(fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		drain(resp.Body)
		return fail(&retry.StatusError{Code: resp.StatusCode, Status: resp.Status})
	}

	body, err := textstream.BodyReader(resp)
	if err != nil {
		drain(resp.Body)
		return fail(retry.Permanent(err))
	}
	return &spanBody{ReadCloser: body, span: span, timing: timing}, nil
}

// spanBody ends the call's span when the body is closed.
type spanBody struct {
	io.ReadCloser
	span   trace.Span
	timing *RequestTiming
	once   sync.Once
}

func (b *spanBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() {
		b.timing.markNetworkEnd()
		b.span.End()
	})
	return err
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}

// getJSON performs an authenticated GET and decodes the JSON answer into v.
func (c *Client) getJSON(ctx context.Context, path, op string, query url.Values, v any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, query, nil, true)
	if err != nil {
		return err
	}
	body, err := c.send(req, op)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s response: %w", op, err)
	}
	return nil
}

// postJSON performs a POST with a JSON body and decodes the JSON answer.
func (c *Client) postJSON(ctx context.Context, path, op string, auth bool, in, out any) error {
	req, err := c.newRequest(ctx, http.MethodPost, path, nil, in, auth)
	if err != nil {
		return err
	}
	body, err := c.send(req, op)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", op, err)
	}
	return nil
}

func logRetry(op string, onRetry func(int, error)) func(int, error) {
	return func(attempt int, err error) {
		log.Warn("Backend call failed; retrying", "op", op, "attempt", attempt, "err", err)
		if onRetry != nil {
			onRetry(attempt, err)
		}
	}
}
