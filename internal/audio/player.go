package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// PlayerConfig contains timing settings for the player.
type PlayerConfig struct {
	// FrameInterval is the poll period used while waiting for the segment
	// buffer to go quiet and while waiting for playback to start.
	FrameInterval time.Duration

	// EndStreamMaxWait bounds the wait in EndStream. Past it the stream is
	// ended anyway.
	EndStreamMaxWait time.Duration

	// EndEpsilon is how close to the duration the position must be for the
	// watchdog to treat playback as finished.
	EndEpsilon time.Duration
}

// DefaultPlayerConfig returns the default player configuration.
func DefaultPlayerConfig() PlayerConfig {
	return PlayerConfig{
		FrameInterval:    16 * time.Millisecond, // one display frame
		EndStreamMaxWait: 5 * time.Second,
		EndEpsilon:       200 * time.Millisecond,
	}
}

// validateConfig validates the player configuration.
func validateConfig(config PlayerConfig) error {
	if config.FrameInterval <= 0 {
		return fmt.Errorf("frame interval must be positive, got %s", config.FrameInterval)
	}
	if config.EndStreamMaxWait < config.FrameInterval {
		return fmt.Errorf("end-of-stream wait %s is shorter than one frame", config.EndStreamMaxWait)
	}
	if config.EndEpsilon < 0 {
		return errors.New("end epsilon must not be negative")
	}
	return nil
}

// Player runs one playback session at a time on a Sink. Starting a session
// always tears down the previous one first, and every handle created for a
// session is revoked exactly once when the session ends.
type Player struct {
	sink    Sink
	cfg     PlayerConfig
	handles *Handles

	mu        sync.Mutex
	state     State
	playing   bool
	messageID string
	seq       uint64

	// gen identifies the current session; callbacks from older sessions
	// compare against it and bail out.
	gen    uint64
	handle Handle
	// current is the source attached to the sink for this session.
	current Source

	// Progressive session state.
	source       *MediaSource
	buffer       SegmentBuffer
	queue        [][]byte
	endRequested bool
	// lastProgress is when the end of stream was requested or, after that,
	// the latest append was started. EndStreamMaxWait runs from here.
	lastProgress time.Time

	subsMu  sync.Mutex
	subs    map[int]func(Status)
	nextSub int
}

// NewPlayer creates a player driving sink.
func NewPlayer(sink Sink, config PlayerConfig) (*Player, error) {
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	p := &Player{
		sink:    sink,
		cfg:     config,
		handles: NewHandles(),
		subs:    make(map[int]func(Status)),
	}
	sink.SetListener(p)
	return p, nil
}

// Play plays a fully buffered clip. The container is sniffed from the
// leading bytes. If the sink refuses to start, the session is torn down and
// the error returned.
func (p *Player) Play(data []byte, messageID string) error {
	if len(data) == 0 {
		return ErrNothingToPlay
	}

	p.mu.Lock()
	p.teardownLocked()

	blob := NewBlob(data, SniffMIME(data))
	p.gen++
	p.handle = p.handles.Create(blob)
	p.messageID = messageID
	p.state = StateBufferedPlaying
	p.current = blob
	p.sink.SetSource(blob)

	if err := p.sink.Play(); err != nil {
		log.Warn("Playback did not start", "message", messageID, "mime", blob.MimeType(), "err", err)
		p.teardownLocked()
		st := p.snapshotLocked()
		p.mu.Unlock()
		p.publish(st)
		return fmt.Errorf("unable to start playback: %w", err)
	}

	p.playing = true
	st := p.snapshotLocked()
	p.mu.Unlock()

	log.Debug("Buffered playback started", "message", messageID, "mime", blob.MimeType(), "bytes", len(data))
	p.publish(st)
	return nil
}

// StartStream begins a progressive session. It returns false, leaving the
// player idle, when the sink cannot stream mimeType; callers then fall back
// to Play.
func (p *Player) StartStream(messageID, mimeType string) bool {
	p.mu.Lock()
	wasActive := p.state != StateIdle
	p.teardownLocked()

	if !p.sink.SupportsStreaming(mimeType) {
		st := p.snapshotLocked()
		p.mu.Unlock()
		log.Warn("Streaming playback not supported; falling back to buffered", "mime", mimeType)
		if wasActive {
			p.publish(st)
		}
		return false
	}

	ms := NewMediaSource(mimeType)
	p.gen++
	gen := p.gen
	p.handle = p.handles.Create(ms)
	p.source = ms
	p.messageID = messageID
	p.state = StateStreamingOpen

	ms.OnOpen(func(buf SegmentBuffer) { p.sourceOpened(gen, buf) })
	p.current = ms
	p.sink.SetSource(ms)

	st := p.snapshotLocked()
	p.mu.Unlock()

	log.Debug("Streaming session opened", "message", messageID, "mime", mimeType)
	p.publish(st)
	return true
}

// sourceOpened attaches the segment buffer, flushes chunks that arrived
// early and asks the sink to start playing.
func (p *Player) sourceOpened(gen uint64, buf SegmentBuffer) {
	p.mu.Lock()
	if gen != p.gen || p.source == nil {
		p.mu.Unlock()
		return
	}

	p.buffer = buf
	buf.OnUpdateEnd(func() { p.updateEnded(gen) })

	if err := p.sink.Play(); err != nil {
		log.Debug("Autoplay of streamed audio refused", "message", p.messageID, "err", err)
	} else {
		p.playing = true
	}

	if len(p.queue) > 0 {
		p.state = StateStreamingAppending
		p.pumpLocked()
	}
	p.finishStreamIfDrainedLocked()

	st := p.snapshotLocked()
	p.mu.Unlock()
	p.publish(st)
}

// AppendToStream queues a segment for the current progressive session.
// Segments reach the sink in the order they were queued, one append at a
// time. Without a progressive session the call does nothing.
func (p *Player) AppendToStream(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	p.mu.Lock()
	if p.source == nil || !p.state.Streaming() {
		p.mu.Unlock()
		log.Debug("Dropping segment: no streaming session", "bytes", len(chunk))
		return
	}
	if p.endRequested {
		p.mu.Unlock()
		log.Warn("Dropping segment appended after end of stream", "bytes", len(chunk))
		return
	}

	p.queue = append(p.queue, chunk)
	changed := false
	if p.buffer != nil {
		if p.state != StateStreamingAppending {
			p.state = StateStreamingAppending
			changed = true
		}
		p.pumpLocked()
	}
	st := p.snapshotLocked()
	p.mu.Unlock()

	if changed {
		p.publish(st)
	}
}

// pumpLocked hands the next queued segment to the buffer if it is idle.
func (p *Player) pumpLocked() {
	for p.buffer != nil && len(p.queue) > 0 && !p.buffer.Updating() {
		next := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]

		if err := p.buffer.Append(next); err != nil {
			log.Error("Error appending segment", "message", p.messageID, "bytes", len(next), "err", err)
			continue
		}
		if p.endRequested {
			p.lastProgress = time.Now()
		}
		return
	}
}

func (p *Player) updateEnded(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != p.gen {
		return
	}
	p.pumpLocked()
	p.finishStreamIfDrainedLocked()
}

// EndStream marks the end of the progressive session. It never blocks: if
// segments are still queued or an append is in flight, a poll runs once
// per frame until the buffer is quiet. Queued segments keep draining for as
// long as appends complete; the stream is ended anyway only when a single
// append (or the source opening) takes longer than EndStreamMaxWait.
func (p *Player) EndStream() {
	p.mu.Lock()
	if p.source == nil || p.endRequested {
		p.mu.Unlock()
		return
	}
	p.endRequested = true
	p.lastProgress = time.Now()
	gen := p.gen
	if p.finishStreamIfDrainedLocked() {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	go p.awaitQuiet(gen)
}

// finishStreamIfDrainedLocked signals end of stream once an end has been
// requested and nothing is queued or in flight.
func (p *Player) finishStreamIfDrainedLocked() bool {
	if !p.endRequested || p.source == nil || p.buffer == nil {
		return false
	}
	if len(p.queue) > 0 || p.buffer.Updating() {
		return false
	}
	if p.source.ReadyState() != ReadyOpen {
		return true
	}
	if err := p.source.EndOfStream(); err != nil {
		log.Warn("Error ending media stream", "message", p.messageID, "err", err)
	}
	return true
}

func (p *Player) awaitQuiet(gen uint64) {
	ticker := time.NewTicker(p.cfg.FrameInterval)
	defer ticker.Stop()

	for range ticker.C {
		p.mu.Lock()
		if gen != p.gen {
			p.mu.Unlock()
			return
		}
		if p.finishStreamIfDrainedLocked() {
			p.mu.Unlock()
			return
		}
		if time.Since(p.lastProgress) < p.cfg.EndStreamMaxWait {
			p.mu.Unlock()
			continue
		}

		if p.source != nil && p.source.ReadyState() == ReadyOpen {
			log.Warn("Segment append stalled; ending stream anyway",
				"message", p.messageID, "queued", len(p.queue), "waited", p.cfg.EndStreamMaxWait)
			if p.buffer != nil && p.buffer.Updating() {
				_ = p.buffer.Abort()
			}
			p.queue = nil
			if err := p.source.EndOfStream(); err != nil {
				log.Warn("Error ending media stream after waiting", "err", err)
			}
		}
		p.mu.Unlock()
		return
	}
}

// Stop ends the current session unconditionally. It is safe to call in
// any state and more than once.
func (p *Player) Stop() {
	p.mu.Lock()
	if p.state == StateIdle {
		p.mu.Unlock()
		return
	}
	p.teardownLocked()
	st := p.snapshotLocked()
	p.mu.Unlock()

	log.Debug("Playback stopped")
	p.publish(st)
}

// teardownLocked releases everything held by the current session and
// returns the player to idle.
func (p *Player) teardownLocked() {
	if p.state == StateIdle {
		return
	}

	if p.state.Active() {
		p.sink.Pause()
		p.sink.Rewind()
	}
	if p.buffer != nil && p.buffer.Updating() {
		if err := p.buffer.Abort(); err != nil {
			log.Debug("Abort of segment append failed", "err", err)
		}
	}
	if p.source != nil && p.source.ReadyState() == ReadyOpen {
		if err := p.source.EndOfStream(); err != nil {
			log.Debug("Error ending media stream during teardown", "err", err)
		}
	}
	p.releaseLocked()
	p.messageID = ""
	p.state = StateIdle
}

// releaseLocked detaches the source, revokes the session handle and drops
// progressive state. It also retires the session generation.
func (p *Player) releaseLocked() {
	if p.handle != 0 {
		p.sink.SetSource(nil)
		p.handles.Revoke(p.handle)
		p.handle = 0
	}
	p.current = nil
	p.source = nil
	p.buffer = nil
	p.queue = nil
	p.endRequested = false
	p.playing = false
	p.gen++
}

// Ended implements SinkListener.
func (p *Player) Ended(src Source) {
	p.mu.Lock()
	if !p.state.Active() || !p.isCurrentLocked(src) {
		p.mu.Unlock()
		return
	}
	p.finishLocked()
	st := p.snapshotLocked()
	p.mu.Unlock()
	p.publish(st)
}

// isCurrentLocked reports whether src belongs to the current session.
func (p *Player) isCurrentLocked(src Source) bool {
	if src != p.current {
		log.Debug("Ignoring event from a replaced source", "message", p.messageID)
		return false
	}
	return true
}

// finishLocked moves a session that played through to StateEnded.
func (p *Player) finishLocked() {
	log.Debug("Playback finished", "message", p.messageID, "state", p.state)
	p.releaseLocked()
	p.state = StateEnded
}

// Error implements SinkListener. Any sink error tears the session down.
func (p *Player) Error(src Source, err error) {
	p.mu.Lock()
	if !p.state.Active() || !p.isCurrentLocked(src) {
		p.mu.Unlock()
		return
	}
	log.Error("Audio sink error", "message", p.messageID, "state", p.state, "err", err)
	p.teardownLocked()
	st := p.snapshotLocked()
	p.mu.Unlock()
	p.publish(st)
}

// TimeUpdate implements SinkListener. Some sources never report their end;
// a playing session whose position has reached its duration is finished
// here instead.
func (p *Player) TimeUpdate(src Source) {
	p.mu.Lock()
	if !p.playing || !p.state.Active() || !p.isCurrentLocked(src) {
		p.mu.Unlock()
		return
	}

	dur := p.sink.Duration()
	pos := p.sink.Position()
	if dur <= 0 || pos <= 0 || pos < dur-p.cfg.EndEpsilon {
		p.mu.Unlock()
		return
	}

	if !p.sink.Paused() {
		p.sink.Pause()
	}
	p.finishLocked()
	st := p.snapshotLocked()
	p.mu.Unlock()
	p.publish(st)
}

// IsPlaying reports whether the current session is audibly playing.
func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// CurrentMessageID returns the message of the most recent session, or ""
// when idle.
func (p *Player) CurrentMessageID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messageID
}

// State returns the current state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Status returns a snapshot of the player.
func (p *Player) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{Seq: p.seq, State: p.state, MessageID: p.messageID, Playing: p.playing}
}

// Handles returns the handle registry, for diagnostics.
func (p *Player) Handles() *Handles {
	return p.handles
}

// started reports whether the latest session is playing or has already
// played to its end.
func (p *Player) started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing || p.state == StateEnded
}

// AwaitPlayback polls once per frame until the latest session has started
// playing, timeout elapses or ctx is done. A session that already played
// to its end counts as started.
func (p *Player) AwaitPlayback(ctx context.Context, timeout time.Duration) bool {
	if p.started() {
		return true
	}

	ticker := time.NewTicker(p.cfg.FrameInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return p.started()
		case <-ticker.C:
			if p.started() {
				return true
			}
		}
	}
}

// Subscribe registers fn to receive a Status after every change. fn runs on
// the goroutine that caused the change and must not block. The returned
// function removes the subscription.
func (p *Player) Subscribe(fn func(Status)) (cancel func()) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()

	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	return func() {
		p.subsMu.Lock()
		defer p.subsMu.Unlock()
		delete(p.subs, id)
	}
}

func (p *Player) snapshotLocked() Status {
	p.seq++
	return Status{Seq: p.seq, State: p.state, MessageID: p.messageID, Playing: p.playing}
}

func (p *Player) publish(st Status) {
	p.subsMu.Lock()
	fns := make([]func(Status), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.subsMu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

// Close stops playback and closes the sink if it holds a device.
func (p *Player) Close() error {
	p.Stop()
	if c, ok := p.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
