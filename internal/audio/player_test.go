package audio

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var (
	mp3Frame = []byte{0xff, 0xfb, 0x90, 0x64, 0x00}
	wavClip  = []byte("RIFF\x24\x00\x00\x00WAVEfmt ")
)

func testConfig() PlayerConfig {
	return PlayerConfig{
		FrameInterval:    time.Millisecond,
		EndStreamMaxWait: 50 * time.Millisecond,
		EndEpsilon:       200 * time.Millisecond,
	}
}

func newTestPlayer(t *testing.T) (*Player, *MockSink) {
	t.Helper()
	sink := NewMockSink()
	p, err := NewPlayer(sink, testConfig())
	if err != nil {
		t.Fatalf("NewPlayer: %v", err)
	}
	t.Cleanup(p.Stop)
	return p, sink
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// TestPlayerConfig tests the player configuration validation.
func TestPlayerConfig(t *testing.T) {
	tests := []struct {
		name      string
		config    PlayerConfig
		expectErr bool
	}{
		{
			name:   "default config",
			config: DefaultPlayerConfig(),
		},
		{
			name:      "zero frame interval",
			config:    PlayerConfig{EndStreamMaxWait: time.Second},
			expectErr: true,
		},
		{
			name:      "max wait shorter than a frame",
			config:    PlayerConfig{FrameInterval: time.Second, EndStreamMaxWait: time.Millisecond},
			expectErr: true,
		},
		{
			name:      "negative epsilon",
			config:    PlayerConfig{FrameInterval: time.Millisecond, EndStreamMaxWait: time.Second, EndEpsilon: -1},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPlayer(NewMockSink(), tt.config)
			if (err != nil) != tt.expectErr {
				t.Errorf("NewPlayer() error = %v, expectErr %v", err, tt.expectErr)
			}
		})
	}

	if _, err := NewPlayer(nil, DefaultPlayerConfig()); err == nil {
		t.Error("expected error for nil sink")
	}
}

func TestPlayBuffered(t *testing.T) {
	p, sink := newTestPlayer(t)

	if err := p.Play(mp3Frame, "m1"); err != nil {
		t.Fatalf("Play: %v", err)
	}

	if got := p.State(); got != StateBufferedPlaying {
		t.Errorf("state = %s, want %s", got, StateBufferedPlaying)
	}
	if !p.IsPlaying() {
		t.Error("expected IsPlaying")
	}
	if got := p.CurrentMessageID(); got != "m1" {
		t.Errorf("message = %q, want m1", got)
	}
	blob, ok := sink.Source().(*Blob)
	if !ok {
		t.Fatalf("source = %T, want *Blob", sink.Source())
	}
	if blob.MimeType() != MimeMPEG {
		t.Errorf("mime = %s, want %s", blob.MimeType(), MimeMPEG)
	}
	if n := p.Handles().Outstanding(); n != 1 {
		t.Errorf("outstanding handles = %d, want 1", n)
	}

	sink.FireEnded()

	if got := p.State(); got != StateEnded {
		t.Errorf("state after end = %s, want %s", got, StateEnded)
	}
	if p.IsPlaying() {
		t.Error("expected playback to have stopped")
	}
	if got := p.CurrentMessageID(); got != "m1" {
		t.Errorf("message after end = %q, want m1", got)
	}
	if n := p.Handles().Outstanding(); n != 0 {
		t.Errorf("outstanding handles after end = %d, want 0", n)
	}
}

func TestPlayEmpty(t *testing.T) {
	p, _ := newTestPlayer(t)
	if err := p.Play(nil, "m1"); !errors.Is(err, ErrNothingToPlay) {
		t.Errorf("Play(nil) error = %v, want ErrNothingToPlay", err)
	}
}

func TestPlayFailureReturnsToIdle(t *testing.T) {
	p, sink := newTestPlayer(t)
	blocked := errors.New("autoplay blocked")
	sink.FailPlay(blocked)

	err := p.Play(wavClip, "m1")
	if !errors.Is(err, blocked) {
		t.Fatalf("Play error = %v, want %v", err, blocked)
	}
	if got := p.State(); got != StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
	if p.CurrentMessageID() != "" {
		t.Errorf("message = %q, want empty", p.CurrentMessageID())
	}
	if n := p.Handles().Outstanding(); n != 0 {
		t.Errorf("outstanding handles = %d, want 0", n)
	}
	if sink.Source() != nil {
		t.Error("expected source to be detached")
	}
}

func TestPlayReplacesPreviousSession(t *testing.T) {
	p, sink := newTestPlayer(t)

	if !p.StartStream("m1", MimeMPEG) {
		t.Fatal("StartStream refused")
	}
	if err := p.Play(wavClip, "m2"); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := p.Play(mp3Frame, "m3"); err != nil {
		t.Fatalf("Play: %v", err)
	}

	if n := p.Handles().Outstanding(); n != 1 {
		t.Errorf("outstanding handles = %d, want 1", n)
	}
	if got := p.CurrentMessageID(); got != "m3" {
		t.Errorf("message = %q, want m3", got)
	}
	if sink.PauseCalls() < 2 {
		t.Errorf("pause calls = %d, want at least 2", sink.PauseCalls())
	}

	// The superseded stream must not come back to life.
	if buf := sink.OpenSource(); buf != nil {
		t.Error("stale stream opened")
	}
	if got := p.State(); got != StateBufferedPlaying {
		t.Errorf("state = %s, want %s", got, StateBufferedPlaying)
	}
}

func TestStreamAppendOrder(t *testing.T) {
	p, sink := newTestPlayer(t)

	if !p.StartStream("m1", MimeMPEG) {
		t.Fatal("StartStream refused")
	}
	if got := p.State(); got != StateStreamingOpen {
		t.Errorf("state = %s, want %s", got, StateStreamingOpen)
	}

	// Chunks arriving before the source opens are queued.
	p.AppendToStream([]byte("a"))
	p.AppendToStream([]byte("b"))

	buf := sink.OpenSource()
	if buf == nil {
		t.Fatal("expected a progressive source")
	}
	if !p.IsPlaying() {
		t.Error("expected autoplay on open")
	}
	if got := p.State(); got != StateStreamingAppending {
		t.Errorf("state = %s, want %s", got, StateStreamingAppending)
	}

	p.AppendToStream([]byte("c"))
	p.AppendToStream([]byte("d"))

	for buf.CompleteAppend() {
	}

	var got []string
	for _, s := range buf.Segments() {
		got = append(got, string(s))
	}
	want := []string{"a", "b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("segments = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("segments = %v, want %v", got, want)
		}
	}
	if n := buf.Rejected(); n != 0 {
		t.Errorf("rejected appends = %d, want 0", n)
	}
}

func TestStreamConcurrentAppends(t *testing.T) {
	p, sink := newTestPlayer(t)
	p.StartStream("m1", MimeMPEG)
	buf := sink.OpenSource()
	buf.AutoComplete(true)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.AppendToStream([]byte{byte(i)})
		}(i)
	}
	wg.Wait()

	waitFor(t, "all segments", func() bool { return len(buf.Segments()) == 50 })
	if n := buf.Rejected(); n != 0 {
		t.Errorf("rejected appends = %d, want 0", n)
	}
}

func TestAppendWithoutStream(t *testing.T) {
	p, sink := newTestPlayer(t)
	p.AppendToStream([]byte("x"))
	if got := p.State(); got != StateIdle {
		t.Errorf("state = %s, want idle", got)
	}

	if err := p.Play(mp3Frame, "m1"); err != nil {
		t.Fatal(err)
	}
	p.AppendToStream([]byte("x"))
	if _, ok := sink.Source().(*Blob); !ok {
		t.Error("append during buffered playback changed the source")
	}
}

func TestStartStreamUnsupported(t *testing.T) {
	p, sink := newTestPlayer(t)
	sink.SetStreaming(false)

	if p.StartStream("m1", MimeMPEG) {
		t.Fatal("expected StartStream to refuse")
	}
	if got := p.State(); got != StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
	if n := p.Handles().Outstanding(); n != 0 {
		t.Errorf("outstanding handles = %d, want 0", n)
	}

	sink.SetStreaming(true)
	if p.StartStream("m1", MimeWAV) {
		t.Error("expected StartStream to refuse wav")
	}
}

func TestEndStreamWaitsForAppend(t *testing.T) {
	p, sink := newTestPlayer(t)
	p.StartStream("m1", MimeMPEG)
	p.AppendToStream([]byte("a"))
	buf := sink.OpenSource()

	ms := sink.Source().(*MediaSource)
	p.EndStream()

	if buf.Closed() {
		t.Fatal("stream ended while an append was in flight")
	}
	if ms.ReadyState() != ReadyOpen {
		t.Fatalf("ready state = %s, want open", ms.ReadyState())
	}

	buf.CompleteAppend()

	waitFor(t, "end of stream", buf.Closed)
	if ms.ReadyState() != ReadyEnded {
		t.Errorf("ready state = %s, want ended", ms.ReadyState())
	}
	if n := buf.Aborts(); n != 0 {
		t.Errorf("aborts = %d, want 0", n)
	}
}

func TestEndStreamGivesUp(t *testing.T) {
	p, sink := newTestPlayer(t)
	p.StartStream("m1", MimeMPEG)
	buf := sink.OpenSource()
	p.AppendToStream([]byte("a"))
	p.AppendToStream([]byte("b"))

	start := time.Now()
	p.EndStream()
	if time.Since(start) > 20*time.Millisecond {
		t.Error("EndStream blocked")
	}

	waitFor(t, "forced end of stream", buf.Closed)
	if time.Since(start) < testConfig().EndStreamMaxWait {
		t.Error("stream ended before the max wait elapsed")
	}
	if n := buf.Aborts(); n != 1 {
		t.Errorf("aborts = %d, want 1", n)
	}
}

func TestEndStreamDrainsLongQueue(t *testing.T) {
	sink := NewMockSink()
	cfg := testConfig()
	cfg.EndStreamMaxWait = 100 * time.Millisecond
	p, err := NewPlayer(sink, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Stop)

	p.StartStream("m1", MimeMPEG)
	buf := sink.OpenSource()
	for _, seg := range []string{"a", "b", "c", "d", "e"} {
		p.AppendToStream([]byte(seg))
	}
	p.EndStream()

	// Each append takes less than the max wait, the whole queue far more.
	for i := 0; i < 5; i++ {
		time.Sleep(40 * time.Millisecond)
		if !buf.CompleteAppend() {
			t.Fatalf("append %d was not in flight", i)
		}
	}

	waitFor(t, "end of stream", buf.Closed)
	if got := len(buf.Segments()); got != 5 {
		t.Errorf("segments = %d, want 5", got)
	}
	if n := buf.Aborts(); n != 0 {
		t.Errorf("aborts = %d, want 0", n)
	}
	if ms := sink.Source().(*MediaSource); ms.ReadyState() != ReadyEnded {
		t.Errorf("ready state = %s, want ended", ms.ReadyState())
	}
}

func TestEndStreamBeforeOpen(t *testing.T) {
	p, sink := newTestPlayer(t)
	p.StartStream("m1", MimeMPEG)
	p.AppendToStream([]byte("a"))
	p.EndStream()

	buf := sink.OpenSource()
	if !buf.CompleteAppend() {
		t.Fatal("queued chunk was not appended on open")
	}

	waitFor(t, "end of stream", buf.Closed)
	if got := len(buf.Segments()); got != 1 {
		t.Errorf("segments = %d, want 1", got)
	}
	if n := buf.Aborts(); n != 0 {
		t.Errorf("aborts = %d, want 0", n)
	}
}

func TestStopIdempotent(t *testing.T) {
	p, sink := newTestPlayer(t)

	var statuses []Status
	var mu sync.Mutex
	cancel := p.Subscribe(func(s Status) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, s)
	})
	defer cancel()

	p.StartStream("m1", MimeMPEG)
	buf := sink.OpenSource()
	p.AppendToStream([]byte("a"))

	p.Stop()
	p.Stop()
	p.Stop()

	if got := p.State(); got != StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
	if p.IsPlaying() {
		t.Error("still playing after Stop")
	}
	if n := p.Handles().Outstanding(); n != 0 {
		t.Errorf("outstanding handles = %d, want 0", n)
	}
	if !buf.Closed() {
		t.Error("expected the stream to be ended on stop")
	}
	if buf.Aborts() != 1 {
		t.Errorf("aborts = %d, want 1", buf.Aborts())
	}
	if sink.RewindCalls() != 1 {
		t.Errorf("rewind calls = %d, want 1", sink.RewindCalls())
	}

	mu.Lock()
	defer mu.Unlock()
	var idle int
	for i, s := range statuses {
		if i > 0 && s.Seq <= statuses[i-1].Seq {
			t.Errorf("status seq not increasing: %d after %d", s.Seq, statuses[i-1].Seq)
		}
		if s.State == StateIdle {
			idle++
		}
	}
	if idle != 1 {
		t.Errorf("idle notifications = %d, want 1", idle)
	}
}

func TestSinkErrorTearsDown(t *testing.T) {
	p, sink := newTestPlayer(t)
	if err := p.Play(mp3Frame, "m1"); err != nil {
		t.Fatal(err)
	}

	sink.FireError(errors.New("decode error"))

	if got := p.State(); got != StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
	if p.CurrentMessageID() != "" {
		t.Errorf("message = %q, want empty", p.CurrentMessageID())
	}
	if n := p.Handles().Outstanding(); n != 0 {
		t.Errorf("outstanding handles = %d, want 0", n)
	}

	// A late end for the dead session is ignored.
	sink.FireEnded()
	if got := p.State(); got != StateIdle {
		t.Errorf("state after stale end = %s, want idle", got)
	}
}

func TestEventsFromReplacedSourceIgnored(t *testing.T) {
	p, sink := newTestPlayer(t)
	if err := p.Play(mp3Frame, "m1"); err != nil {
		t.Fatal(err)
	}
	old := sink.Source()
	if err := p.Play(wavClip, "m2"); err != nil {
		t.Fatal(err)
	}

	sink.FireEndedFor(old)
	p.Error(old, errors.New("late decode error"))
	sink.SetProgress(10*time.Second, 10*time.Second)
	p.TimeUpdate(old)

	if got := p.State(); got != StateBufferedPlaying {
		t.Errorf("state = %s, want %s", got, StateBufferedPlaying)
	}
	if got := p.CurrentMessageID(); got != "m2" {
		t.Errorf("message = %q, want m2", got)
	}

	sink.FireEnded()
	if got := p.State(); got != StateEnded {
		t.Errorf("state after own end = %s, want %s", got, StateEnded)
	}
}

func TestNearEndWatchdog(t *testing.T) {
	tests := []struct {
		name     string
		position time.Duration
		duration time.Duration
		finished bool
	}{
		{"within epsilon", 9900 * time.Millisecond, 10 * time.Second, true},
		{"at end", 10 * time.Second, 10 * time.Second, true},
		{"mid clip", 5 * time.Second, 10 * time.Second, false},
		{"unknown duration", 5 * time.Second, 0, false},
		{"not started", 0, 100 * time.Millisecond, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, sink := newTestPlayer(t)
			if err := p.Play(mp3Frame, "m1"); err != nil {
				t.Fatal(err)
			}

			sink.SetProgress(tt.position, tt.duration)
			sink.FireTimeUpdate()

			want := StateBufferedPlaying
			if tt.finished {
				want = StateEnded
			}
			if got := p.State(); got != want {
				t.Errorf("state = %s, want %s", got, want)
			}
			if tt.finished && !sink.Paused() {
				t.Error("expected the sink to be paused")
			}
		})
	}
}

func TestAwaitPlayback(t *testing.T) {
	p, sink := newTestPlayer(t)
	p.StartStream("m1", MimeMPEG)

	if p.AwaitPlayback(context.Background(), 5*time.Millisecond) {
		t.Fatal("reported playback before the source opened")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		sink.OpenSource()
	}()
	if !p.AwaitPlayback(context.Background(), time.Second) {
		t.Fatal("playback did not start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Stop()
	if p.AwaitPlayback(ctx, time.Second) {
		t.Error("expected false after cancel")
	}
}

func TestAutoplayRefused(t *testing.T) {
	p, sink := newTestPlayer(t)
	p.StartStream("m1", MimeMPEG)
	sink.FailPlay(errors.New("blocked"))
	sink.OpenSource()

	if p.IsPlaying() {
		t.Error("expected autoplay to be refused")
	}
	if got := p.State(); got != StateStreamingOpen {
		t.Errorf("state = %s, want %s", got, StateStreamingOpen)
	}
}

func TestSniffMIME(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"id3 tag", []byte("ID3\x04\x00"), MimeMPEG},
		{"frame sync", mp3Frame, MimeMPEG},
		{"frame sync mpeg2", []byte{0xff, 0xf3}, MimeMPEG},
		{"riff", wavClip, MimeWAV},
		{"0xff without sync", []byte{0xff, 0x10}, MimeWAV},
		{"short", []byte{0xff}, MimeWAV},
		{"empty", nil, MimeWAV},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SniffMIME(tt.data); got != tt.want {
				t.Errorf("SniffMIME(% x) = %s, want %s", tt.data, got, tt.want)
			}
		})
	}
}

func TestHandles(t *testing.T) {
	h := NewHandles()
	a := h.Create(NewBlob(mp3Frame, MimeMPEG))
	b := h.Create(NewMediaSource(MimeMPEG))

	if a == 0 || b == 0 || a == b {
		t.Fatalf("bad handles %d, %d", a, b)
	}
	if h.Outstanding() != 2 {
		t.Errorf("outstanding = %d, want 2", h.Outstanding())
	}
	if !h.Revoke(a) {
		t.Error("first revoke failed")
	}
	if h.Revoke(a) {
		t.Error("second revoke succeeded")
	}
	if h.Outstanding() != 1 {
		t.Errorf("outstanding = %d, want 1", h.Outstanding())
	}
}

func TestMediaSourceLifecycle(t *testing.T) {
	ms := NewMediaSource(MimeMPEG)
	if err := ms.EndOfStream(); !errors.Is(err, ErrSourceNotOpen) {
		t.Errorf("EndOfStream before open = %v, want ErrSourceNotOpen", err)
	}

	opened := 0
	ms.OnOpen(func(SegmentBuffer) { opened++ })
	buf := &MockSegmentBuffer{}
	ms.Open(buf)
	ms.Open(&MockSegmentBuffer{})
	if opened != 1 {
		t.Errorf("open handler ran %d times, want 1", opened)
	}

	if err := buf.Append([]byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := ms.EndOfStream(); !errors.Is(err, ErrAppendInFlight) {
		t.Errorf("EndOfStream while updating = %v, want ErrAppendInFlight", err)
	}
	buf.CompleteAppend()
	if err := ms.EndOfStream(); err != nil {
		t.Errorf("EndOfStream: %v", err)
	}
	if !buf.Closed() || ms.ReadyState() != ReadyEnded {
		t.Error("expected source to be ended")
	}
}

func TestDecodeWAV(t *testing.T) {
	var clip bytes.Buffer
	clip.WriteString("RIFF")
	clip.Write([]byte{0, 0, 0, 0})
	clip.WriteString("WAVEfmt ")
	clip.Write([]byte{16, 0, 0, 0})
	clip.Write([]byte{1, 0, 1, 0})             // PCM, mono
	clip.Write([]byte{0x44, 0xac, 0, 0})       // 44100 Hz
	clip.Write([]byte{0x88, 0x58, 0x01, 0})    // byte rate
	clip.Write([]byte{2, 0, 16, 0})            // block align, 16-bit
	clip.WriteString("data")
	clip.Write([]byte{4, 0, 0, 0})
	clip.Write([]byte{0x01, 0x00, 0xff, 0x7f}) // samples 1, 32767

	pcm, err := decodeClip(clip.Bytes(), MimeWAV, 44100)
	if err != nil {
		t.Fatalf("decodeClip: %v", err)
	}
	want := []byte{0x01, 0x00, 0x01, 0x00, 0xff, 0x7f, 0xff, 0x7f}
	if !bytes.Equal(pcm, want) {
		t.Errorf("pcm = % x, want % x", pcm, want)
	}

	if _, err := decodeClip([]byte("nope"), MimeWAV, 44100); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("bad header error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestResample(t *testing.T) {
	frames := 480
	in := make([]byte, frames*bytesPerFrame)

	out := resamplePCM(in, 48000, 44100)
	if got := len(out) / bytesPerFrame; got != 441 {
		t.Errorf("resampled frames = %d, want 441", got)
	}
	if same := resamplePCM(in, 44100, 44100); len(same) != len(in) {
		t.Error("expected passthrough at equal rates")
	}

	r := newResampleReader(bytes.NewReader(in), 48000, 44100)
	var streamed bytes.Buffer
	if _, err := streamed.ReadFrom(r); err != nil {
		t.Fatal(err)
	}
	got := streamed.Len() / bytesPerFrame
	if got < 439 || got > 441 {
		t.Errorf("streamed frames = %d, want about 441", got)
	}
}
