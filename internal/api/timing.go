package api

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// RequestTiming records when the phases of one logical request happened.
// A retried request keeps the first network start and the last network
// end.
type RequestTiming struct {
	ID string

	mu           sync.Mutex
	start        time.Time
	networkStart time.Time
	firstByte    time.Time
	networkEnd   time.Time
}

type timingKey struct{}

// WithTiming returns a context carrying a fresh RequestTiming for id.
func WithTiming(ctx context.Context, id string) (context.Context, *RequestTiming) {
	t := &RequestTiming{ID: id, start: time.Now()}
	return context.WithValue(ctx, timingKey{}, t), t
}

// TimingFrom returns the RequestTiming carried by ctx, or nil. All
// RequestTiming methods accept a nil receiver.
func TimingFrom(ctx context.Context) *RequestTiming {
	t, _ := ctx.Value(timingKey{}).(*RequestTiming)
	return t
}

func (t *RequestTiming) markNetworkStart() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.networkStart.IsZero() {
		t.networkStart = time.Now()
	}
}

func (t *RequestTiming) markFirstByte() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.firstByte.IsZero() {
		t.firstByte = time.Now()
	}
}

func (t *RequestTiming) markNetworkEnd() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.networkEnd = time.Now()
	t.mu.Unlock()
}

// TimingSummary is a snapshot of a RequestTiming.
type TimingSummary struct {
	Queued    time.Duration // start to network start
	FirstByte time.Duration // network start to response headers
	Network   time.Duration // network start to body end
	Total     time.Duration // start to body end, or to now if unfinished
}

// Summary returns the phase durations measured so far.
func (t *RequestTiming) Summary() TimingSummary {
	if t == nil {
		return TimingSummary{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var s TimingSummary
	if !t.networkStart.IsZero() {
		s.Queued = t.networkStart.Sub(t.start)
		if !t.firstByte.IsZero() {
			s.FirstByte = t.firstByte.Sub(t.networkStart)
		}
		if !t.networkEnd.IsZero() {
			s.Network = t.networkEnd.Sub(t.networkStart)
		}
	}
	end := t.networkEnd
	if end.IsZero() {
		end = time.Now()
	}
	s.Total = end.Sub(t.start)
	return s
}

// Log writes the summary at debug level.
func (t *RequestTiming) Log() {
	if t == nil {
		return
	}
	s := t.Summary()
	log.Debug("Request timing",
		"id", t.ID,
		"queued", s.Queued,
		"first_byte", s.FirstByte,
		"network", s.Network,
		"total", s.Total)
}
