package audio

import (
	"errors"
	"sync"
	"time"
)

// Common errors for sinks and sources.
var (
	ErrNothingToPlay     = errors.New("no audio to play")
	ErrAppendInFlight    = errors.New("segment append already in progress")
	ErrSourceNotOpen     = errors.New("media source is not open")
	ErrSourceClosed      = errors.New("media source is closed")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// Source is something a Sink can play.
type Source interface {
	MimeType() string
}

// Sink is the single audio output owned by a Player.
//
// A Sink reports events for its current source only, and must deliver them
// from its own goroutines: a listener is never invoked from inside a Sink
// method call. The same holds for MediaSource.Open and SegmentBuffer
// update-end callbacks.
type Sink interface {
	// SetSource attaches src, replacing any previous source. nil detaches.
	SetSource(src Source)

	// Play starts or resumes playback of the current source. An error
	// means playback did not start (blocked, undecodable, no device).
	Play() error
	Pause()
	// Rewind moves the playback position back to zero.
	Rewind()
	Paused() bool

	Position() time.Duration
	// Duration returns the source length, or 0 while it is unknown.
	Duration() time.Duration

	// SupportsStreaming reports whether segments of the given MIME type
	// can be appended progressively.
	SupportsStreaming(mimeType string) bool

	SetListener(l SinkListener)
}

// SinkListener receives sink events. Each event names the source it
// concerns, so a listener can drop events for a source it has replaced.
type SinkListener interface {
	// Ended is reported when src has played to its end.
	Ended(src Source)
	// Error is reported when src fails.
	Error(src Source, err error)
	// TimeUpdate is reported periodically while src plays.
	TimeUpdate(src Source)
}

// SegmentBuffer accepts media segments for a progressive source. Appends
// are asynchronous: Updating is true until the update-end callback fires.
type SegmentBuffer interface {
	Append(segment []byte) error
	Updating() bool
	// Abort cancels an in-flight append.
	Abort() error
	// OnUpdateEnd registers the callback run after each append completes.
	OnUpdateEnd(fn func())
	// Close signals that no more segments will follow.
	Close() error
}

// Blob is a fully assembled, buffered source.
type Blob struct {
	data []byte
	mime string
}

// NewBlob wraps data as a playable source of the given MIME type.
func NewBlob(data []byte, mimeType string) *Blob {
	return &Blob{data: data, mime: mimeType}
}

// MimeType implements Source.
func (b *Blob) MimeType() string { return b.mime }

// Bytes returns the blob contents.
func (b *Blob) Bytes() []byte { return b.data }

// ReadyState is the lifecycle of a MediaSource.
type ReadyState int

const (
	ReadyClosed ReadyState = iota // not yet attached and opened by a sink
	ReadyOpen                     // accepting segments
	ReadyEnded                    // end of stream signalled
)

// String returns the state name.
func (s ReadyState) String() string {
	switch s {
	case ReadyClosed:
		return "closed"
	case ReadyOpen:
		return "open"
	case ReadyEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// MediaSource is a progressive source. A sink opens it with a
// SegmentBuffer once it is ready to accept segments.
type MediaSource struct {
	mu     sync.Mutex
	mime   string
	state  ReadyState
	buf    SegmentBuffer
	onOpen func(SegmentBuffer)
}

// NewMediaSource returns a closed MediaSource for mimeType.
func NewMediaSource(mimeType string) *MediaSource {
	return &MediaSource{mime: mimeType}
}

// MimeType implements Source.
func (m *MediaSource) MimeType() string { return m.mime }

// ReadyState returns the current state.
func (m *MediaSource) ReadyState() ReadyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnOpen registers fn to run when the source opens.
func (m *MediaSource) OnOpen(fn func(SegmentBuffer)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOpen = fn
}

// Open is called by a sink once buf can accept segments. Only the first
// call has any effect.
func (m *MediaSource) Open(buf SegmentBuffer) {
	m.mu.Lock()
	if m.state != ReadyClosed {
		m.mu.Unlock()
		return
	}
	m.state = ReadyOpen
	m.buf = buf
	fn := m.onOpen
	m.mu.Unlock()

	if fn != nil {
		fn(buf)
	}
}

// EndOfStream signals that no more segments follow. It fails while an
// append is still in flight.
func (m *MediaSource) EndOfStream() error {
	m.mu.Lock()
	if m.state != ReadyOpen {
		m.mu.Unlock()
		return ErrSourceNotOpen
	}
	if m.buf.Updating() {
		m.mu.Unlock()
		return ErrAppendInFlight
	}
	m.state = ReadyEnded
	buf := m.buf
	m.mu.Unlock()

	return buf.Close()
}
