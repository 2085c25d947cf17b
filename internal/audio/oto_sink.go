package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ebitengine/oto/v3"
	"github.com/hajimehoshi/go-mp3"
)

// OtoSinkConfig contains configuration for the device sink.
type OtoSinkConfig struct {
	SampleRate   int           // 44100 or 48000 Hz only
	BufferSize   time.Duration // device buffer
	PollInterval time.Duration // how often playback progress is checked
}

// DefaultOtoSinkConfig returns the default device sink configuration.
func DefaultOtoSinkConfig() OtoSinkConfig {
	return OtoSinkConfig{
		SampleRate:   44100,
		BufferSize:   100 * time.Millisecond,
		PollInterval: 50 * time.Millisecond,
	}
}

func validateSinkConfig(config OtoSinkConfig) error {
	// OTO only supports specific sample rates reliably
	if config.SampleRate != 44100 && config.SampleRate != 48000 {
		return fmt.Errorf("sample rate must be 44100 or 48000 Hz, got %d", config.SampleRate)
	}
	if config.BufferSize <= 0 {
		return errors.New("buffer size must be positive")
	}
	if config.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	return nil
}

// OtoSink plays audio on the default output device. Buffered clips may be
// MP3 or WAV; progressive sources must be MP3.
//
// Only one OtoSink may exist per process, since the underlying device
// context cannot be recreated.
type OtoSink struct {
	context *oto.Context
	cfg     OtoSinkConfig

	mu       sync.Mutex
	listener SinkListener
	gen      uint64
	src      Source
	player   *oto.Player
	counter  *countingReader
	duration time.Duration
	paused   bool
	stream   *streamBuffer
}

// NewOtoSink opens the output device.
func NewOtoSink(config OtoSinkConfig) (*OtoSink, error) {
	if err := validateSinkConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	op := &oto.NewContextOptions{
		SampleRate:   config.SampleRate,
		ChannelCount: outputChannels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   config.BufferSize,
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}
	<-ready

	return &OtoSink{context: ctx, cfg: config}, nil
}

// SetListener implements Sink.
func (s *OtoSink) SetListener(l SinkListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// SupportsStreaming implements Sink.
func (s *OtoSink) SupportsStreaming(mimeType string) bool {
	return mimeType == MimeMPEG
}

// SetSource implements Sink.
func (s *OtoSink) SetSource(src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releaseLocked()
	s.gen++
	s.src = src
	if src == nil {
		return
	}

	gen := s.gen
	if ms, ok := src.(*MediaSource); ok {
		sb := newStreamBuffer()
		s.stream = sb
		go ms.Open(sb)
	}
	go s.watch(gen)
}

// Play implements Sink.
func (s *OtoSink) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.src == nil {
		return ErrNothingToPlay
	}
	s.paused = false
	if s.player != nil {
		s.player.Play()
		return nil
	}

	switch src := s.src.(type) {
	case *Blob:
		pcm, err := decodeClip(src.Bytes(), src.MimeType(), s.cfg.SampleRate)
		if err != nil {
			return err
		}
		if len(pcm) == 0 {
			return ErrNothingToPlay
		}
		s.counter = &countingReader{r: bytes.NewReader(pcm)}
		s.duration = frameDuration(int64(len(pcm)), s.cfg.SampleRate)
		s.player = s.context.NewPlayer(s.counter)
		s.player.Play()
		return nil

	case *MediaSource:
		if s.stream == nil {
			return ErrSourceClosed
		}
		go s.startStream(s.gen, s.stream)
		return nil

	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedFormat, src)
	}
}

// startStream creates the device player for a progressive source. The MP3
// decoder blocks until the first frame header has been appended, so it runs
// off the caller's goroutine.
func (s *OtoSink) startStream(gen uint64, sb *streamBuffer) {
	dec, err := mp3.NewDecoder(sb)
	if err != nil {
		s.mu.Lock()
		stale := gen != s.gen
		l, src := s.listener, s.src
		s.mu.Unlock()
		if !stale && l != nil {
			l.Error(src, fmt.Errorf("unable to decode stream: %w", err))
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.player != nil {
		return
	}

	log.Debug("Stream decoder ready", "rate", dec.SampleRate())
	s.counter = &countingReader{r: newResampleReader(dec, dec.SampleRate(), s.cfg.SampleRate)}
	s.duration = 0
	s.player = s.context.NewPlayer(s.counter)
	if !s.paused {
		s.player.Play()
	}
}

// Pause implements Sink.
func (s *OtoSink) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paused = true
	if s.player != nil {
		s.player.Pause()
	}
}

// Rewind implements Sink. Progressive sources cannot seek and ignore it.
func (s *OtoSink) Rewind() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.player == nil {
		return
	}
	if _, ok := s.src.(*Blob); !ok {
		return
	}
	if _, err := s.player.Seek(0, io.SeekStart); err != nil {
		log.Debug("Rewind failed", "err", err)
	}
}

// Paused implements Sink.
func (s *OtoSink) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Position implements Sink.
func (s *OtoSink) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked()
}

func (s *OtoSink) positionLocked() time.Duration {
	if s.player == nil || s.counter == nil {
		return 0
	}
	played := s.counter.n.Load() - int64(s.player.BufferedSize())
	if played < 0 {
		played = 0
	}
	return frameDuration(played, s.cfg.SampleRate)
}

// Duration implements Sink. A progressive source has no duration until its
// decoder has reached the end.
func (s *OtoSink) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.counter == nil {
		return 0
	}
	if s.duration == 0 && s.counter.eof.Load() {
		s.duration = frameDuration(s.counter.n.Load(), s.cfg.SampleRate)
	}
	return s.duration
}

// watch reports progress for the source of generation gen until it ends,
// fails or is replaced. Listener calls are made without holding s.mu, so
// each event carries its source and the listener drops events for a source
// replaced in the meantime.
func (s *OtoSink) watch(gen uint64) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		l, src := s.listener, s.src
		var event func()
		finished := false

		switch {
		case l == nil || s.player == nil || s.paused:
		case s.player.Err() != nil:
			err := s.player.Err()
			event = func() { l.Error(src, err) }
			finished = true
		case s.counter.eof.Load() && !s.player.IsPlaying() && s.player.BufferedSize() == 0:
			event = func() { l.Ended(src) }
			finished = true
		case s.player.IsPlaying():
			event = func() { l.TimeUpdate(src) }
		}
		s.mu.Unlock()

		if event != nil {
			event()
		}
		if finished {
			return
		}
	}
}

// releaseLocked closes the device player and any progressive buffer.
func (s *OtoSink) releaseLocked() {
	if s.player != nil {
		s.player.Pause()
		if err := s.player.Close(); err != nil {
			log.Debug("Error closing device player", "err", err)
		}
		s.player = nil
	}
	if s.stream != nil {
		s.stream.shutdown()
		s.stream = nil
	}
	s.src = nil
	s.counter = nil
	s.duration = 0
	s.paused = false
}

// Close releases the current source. The device context stays open for
// the life of the process.
func (s *OtoSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releaseLocked()
	s.gen++
	return nil
}

// countingReader counts the bytes handed to the device.
type countingReader struct {
	r   io.Reader
	n   atomic.Int64
	eof atomic.Bool
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	if errors.Is(err, io.EOF) {
		c.eof.Store(true)
	}
	return n, err
}

func (c *countingReader) Seek(offset int64, whence int) (int64, error) {
	seeker, ok := c.r.(io.Seeker)
	if !ok {
		return 0, errors.New("source is not seekable")
	}
	pos, err := seeker.Seek(offset, whence)
	if err != nil {
		return pos, err
	}
	c.n.Store(pos)
	c.eof.Store(false)
	return pos, nil
}

// streamBuffer is the SegmentBuffer of an OtoSink and the reader its MP3
// decoder pulls from. Appended segments are copied into memory, so an
// append completes as soon as the bytes are buffered, however slowly the
// device plays them.
type streamBuffer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	data     bytes.Buffer
	updating bool
	seq      uint64 // identifies the in-flight append
	closed   bool   // no more segments follow
	err      error  // set on shutdown; reads fail with it
	onEnd    func()
}

func newStreamBuffer() *streamBuffer {
	b := &streamBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Append implements SegmentBuffer. The update-end callback runs on its own
// goroutine.
func (b *streamBuffer) Append(segment []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrSourceClosed
	}
	if b.updating {
		b.mu.Unlock()
		return ErrAppendInFlight
	}
	b.data.Write(segment)
	b.updating = true
	b.seq++
	seq := b.seq
	b.cond.Broadcast()
	b.mu.Unlock()

	go b.finishAppend(seq)
	return nil
}

func (b *streamBuffer) finishAppend(seq uint64) {
	b.mu.Lock()
	if !b.updating || b.seq != seq {
		b.mu.Unlock()
		return
	}
	b.updating = false
	fn := b.onEnd
	b.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Updating implements SegmentBuffer.
func (b *streamBuffer) Updating() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updating
}

// Abort implements SegmentBuffer. The segment is already buffered, so only
// the in-flight state is cleared and its update-end is not reported.
func (b *streamBuffer) Abort() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updating = false
	return nil
}

// OnUpdateEnd implements SegmentBuffer.
func (b *streamBuffer) OnUpdateEnd(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onEnd = fn
}

// Close implements SegmentBuffer. Reads drain what is buffered and then
// report io.EOF.
func (b *streamBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
	return nil
}

// Read blocks until buffered bytes are available, the buffer is closed or
// it is shut down.
func (b *streamBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.data.Len() == 0 && !b.closed && b.err == nil {
		b.cond.Wait()
	}
	if b.err != nil {
		return 0, b.err
	}
	if b.data.Len() == 0 {
		return 0, io.EOF
	}
	return b.data.Read(p)
}

// shutdown drops buffered bytes and fails pending and future reads.
func (b *streamBuffer) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.updating = false
	b.err = ErrSourceClosed
	b.data.Reset()
	b.cond.Broadcast()
}
