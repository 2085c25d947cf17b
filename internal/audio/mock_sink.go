package audio

import (
	"sync"
	"time"
)

// MockSink implements Sink for testing purposes. It produces no sound;
// tests drive it by opening sources, completing appends and firing events
// from their own goroutine.
type MockSink struct {
	mu       sync.Mutex
	listener SinkListener

	src      Source
	sources  []Source
	buffer   *MockSegmentBuffer
	paused   bool
	position time.Duration
	duration time.Duration

	playErr   error
	streaming bool

	// Metrics for testing
	playCalls   int
	pauseCalls  int
	rewindCalls int
}

// NewMockSink returns a sink that accepts MP3 streaming.
func NewMockSink() *MockSink {
	return &MockSink{streaming: true, paused: true}
}

// SetListener implements Sink.
func (m *MockSink) SetListener(l SinkListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
}

// SetSource implements Sink.
func (m *MockSink) SetSource(src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.src = src
	m.sources = append(m.sources, src)
	m.buffer = nil
	m.position = 0
	m.duration = 0
	m.paused = true
}

// Play implements Sink.
func (m *MockSink) Play() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.playCalls++
	if m.playErr != nil {
		return m.playErr
	}
	if m.src == nil {
		return ErrNothingToPlay
	}
	m.paused = false
	return nil
}

// Pause implements Sink.
func (m *MockSink) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pauseCalls++
	m.paused = true
}

// Rewind implements Sink.
func (m *MockSink) Rewind() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rewindCalls++
	m.position = 0
}

// Paused implements Sink.
func (m *MockSink) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Position implements Sink.
func (m *MockSink) Position() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position
}

// Duration implements Sink.
func (m *MockSink) Duration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duration
}

// SupportsStreaming implements Sink.
func (m *MockSink) SupportsStreaming(mimeType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streaming && mimeType == MimeMPEG
}

// SetStreaming controls whether SupportsStreaming accepts MP3.
func (m *MockSink) SetStreaming(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streaming = ok
}

// FailPlay makes every following Play call return err. nil restores
// normal behaviour.
func (m *MockSink) FailPlay(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playErr = err
}

// SetProgress sets the reported position and duration.
func (m *MockSink) SetProgress(position, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.position = position
	m.duration = duration
}

// OpenSource opens the current MediaSource with a fresh MockSegmentBuffer
// and returns the buffer. It returns nil if the current source is not
// progressive.
func (m *MockSink) OpenSource() *MockSegmentBuffer {
	m.mu.Lock()
	ms, ok := m.src.(*MediaSource)
	if !ok {
		m.mu.Unlock()
		return nil
	}
	buf := &MockSegmentBuffer{}
	m.buffer = buf
	m.mu.Unlock()

	ms.Open(buf)
	return buf
}

// Source returns the attached source.
func (m *MockSink) Source() Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.src
}

// Sources returns every source ever attached, nil detachments included.
func (m *MockSink) Sources() []Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Source(nil), m.sources...)
}

// FireEnded reports a natural end of the current source to the listener.
func (m *MockSink) FireEnded() {
	if l, src := m.current(); l != nil {
		l.Ended(src)
	}
}

// FireEndedFor reports a natural end of src, which need not be the
// current source.
func (m *MockSink) FireEndedFor(src Source) {
	if l, _ := m.current(); l != nil {
		l.Ended(src)
	}
}

// FireError reports a playback error of the current source to the listener.
func (m *MockSink) FireError(err error) {
	if l, src := m.current(); l != nil {
		l.Error(src, err)
	}
}

// FireTimeUpdate reports progress of the current source to the listener.
func (m *MockSink) FireTimeUpdate() {
	if l, src := m.current(); l != nil {
		l.TimeUpdate(src)
	}
}

func (m *MockSink) current() (SinkListener, Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listener, m.src
}

// PlayCalls returns the number of Play calls.
func (m *MockSink) PlayCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playCalls
}

// PauseCalls returns the number of Pause calls.
func (m *MockSink) PauseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pauseCalls
}

// RewindCalls returns the number of Rewind calls.
func (m *MockSink) RewindCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rewindCalls
}

// MockSegmentBuffer implements SegmentBuffer for testing. Appends stay in
// flight until CompleteAppend is called, unless AutoComplete is set.
type MockSegmentBuffer struct {
	mu       sync.Mutex
	updating bool
	closed   bool
	aborts   int
	rejected int
	segments [][]byte
	onEnd    func()
	auto     bool
}

// AutoComplete makes every append complete on its own goroutine.
func (b *MockSegmentBuffer) AutoComplete(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.auto = on
}

// Append implements SegmentBuffer.
func (b *MockSegmentBuffer) Append(segment []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		b.rejected++
		return ErrSourceClosed
	}
	if b.updating {
		b.rejected++
		return ErrAppendInFlight
	}
	b.updating = true
	b.segments = append(b.segments, append([]byte(nil), segment...))
	if b.auto {
		go b.CompleteAppend()
	}
	return nil
}

// CompleteAppend finishes the in-flight append and runs the update-end
// callback. It reports whether an append was in flight.
func (b *MockSegmentBuffer) CompleteAppend() bool {
	b.mu.Lock()
	if !b.updating {
		b.mu.Unlock()
		return false
	}
	b.updating = false
	fn := b.onEnd
	b.mu.Unlock()

	if fn != nil {
		fn()
	}
	return true
}

// Updating implements SegmentBuffer.
func (b *MockSegmentBuffer) Updating() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updating
}

// Abort implements SegmentBuffer.
func (b *MockSegmentBuffer) Abort() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.aborts++
	b.updating = false
	return nil
}

// OnUpdateEnd implements SegmentBuffer.
func (b *MockSegmentBuffer) OnUpdateEnd(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onEnd = fn
}

// Close implements SegmentBuffer.
func (b *MockSegmentBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Segments returns the accepted segments in append order.
func (b *MockSegmentBuffer) Segments() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.segments...)
}

// Closed reports whether end of stream reached the buffer.
func (b *MockSegmentBuffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Rejected returns the number of appends refused.
func (b *MockSegmentBuffer) Rejected() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejected
}

// Aborts returns the number of Abort calls.
func (b *MockSegmentBuffer) Aborts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aborts
}
