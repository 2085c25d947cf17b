package tts

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/digital-farmer-service/bharat-vistaar/internal/api"
	"github.com/digital-farmer-service/bharat-vistaar/internal/audio"
	"github.com/digital-farmer-service/bharat-vistaar/internal/cache"
)

// fakeSynth streams canned chunks.
type fakeSynth struct {
	mu     sync.Mutex
	calls  int
	reqs   []api.SpeechRequest
	chunks [][]byte
	err    error

	// before runs once the request has started, before any chunk.
	before func()
	// between runs after each chunk.
	between func(i int)
}

func (f *fakeSynth) StreamSpeech(ctx context.Context, req api.SpeechRequest, onBytes func([]byte)) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	if f.before != nil {
		f.before()
	}
	if f.err != nil {
		return nil, f.err
	}
	var all []byte
	for i, c := range f.chunks {
		onBytes(c)
		all = append(all, c...)
		if f.between != nil {
			f.between(i)
		}
	}
	return all, nil
}

func (f *fakeSynth) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingNotifier struct {
	mu   sync.Mutex
	errs []error
}

func (n *recordingNotifier) Notify(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, err)
}

func (n *recordingNotifier) Errors() []error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]error(nil), n.errs...)
}

type fixture struct {
	synth    *fakeSynth
	sink     *audio.MockSink
	player   *audio.Player
	cache    *cache.MemoryCache
	notifier *recordingNotifier
	orch     *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	sink := audio.NewMockSink()
	player, err := audio.NewPlayer(sink, audio.PlayerConfig{
		FrameInterval:    time.Millisecond,
		EndStreamMaxWait: 50 * time.Millisecond,
		EndEpsilon:       200 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		synth:    &fakeSynth{chunks: [][]byte{[]byte("ID3"), []byte("-frame-1"), []byte("-frame-2")}},
		sink:     sink,
		player:   player,
		cache:    cache.NewMemoryCache(1 << 20),
		notifier: &recordingNotifier{},
	}
	f.orch = New(f.synth, player, f.cache, f.notifier, Options{
		SessionID:  "s1",
		TargetLang: "hi",
		Settle:     10 * time.Millisecond,
	})
	t.Cleanup(func() {
		f.orch.Close()
		player.Stop()
	})
	return f
}

func fullClip(f *fixture) []byte {
	return bytes.Join(f.synth.chunks, nil)
}

func TestSpeakStreaming(t *testing.T) {
	f := newFixture(t)

	var buf *audio.MockSegmentBuffer
	f.synth.before = func() {
		buf = f.sink.OpenSource()
		buf.AutoComplete(true)
	}

	if err := f.orch.Speak(context.Background(), "**Rain** expected tomorrow", "m1"); err != nil {
		t.Fatalf("Speak: %v", err)
	}

	if got := f.synth.reqs[0]; got.Text != "Rain expected tomorrow." || got.SessionID != "s1" || got.TargetLang != "hi" {
		t.Errorf("speech request = %+v", got)
	}
	if buf == nil {
		t.Fatal("stream never opened")
	}
	waitFor(t, "all segments", func() bool { return len(buf.Segments()) == len(f.synth.chunks) })
	for i, seg := range buf.Segments() {
		if !bytes.Equal(seg, f.synth.chunks[i]) {
			t.Errorf("segment %d = %q, want %q", i, seg, f.synth.chunks[i])
		}
	}
	if got := f.player.State(); !got.Streaming() {
		t.Errorf("player state = %s, want a streaming state", got)
	}
	if got := f.orch.State("m1"); got != AudioPlaying {
		t.Errorf("audio state = %s, want playing", got)
	}
	if cached, ok := f.cache.Get("m1"); !ok || !bytes.Equal(cached, fullClip(f)) {
		t.Errorf("cached = %q, %v", cached, ok)
	}
	waitFor(t, "end of stream", buf.Closed)
}

func TestSpeakUsesCache(t *testing.T) {
	f := newFixture(t)

	if err := f.orch.Speak(context.Background(), "hello", "m1"); err != nil {
		t.Fatal(err)
	}
	f.sink.FireEnded()
	if got := f.orch.State("m1"); got != AudioReady {
		t.Errorf("state after end = %s, want ready", got)
	}

	if err := f.orch.Speak(context.Background(), "hello", "m1"); err != nil {
		t.Fatal(err)
	}
	if n := f.synth.Calls(); n != 1 {
		t.Errorf("synthesis requests = %d, want 1", n)
	}
	blob, ok := f.sink.Source().(*audio.Blob)
	if !ok || !bytes.Equal(blob.Bytes(), fullClip(f)) {
		t.Errorf("second play source = %T", f.sink.Source())
	}
	if got := f.orch.State("m1"); got != AudioPlaying {
		t.Errorf("state = %s, want playing", got)
	}
}

func TestSpeakFallsBackWhenStreamingUnsupported(t *testing.T) {
	f := newFixture(t)
	f.sink.SetStreaming(false)

	if err := f.orch.Speak(context.Background(), "hello", "m1"); err != nil {
		t.Fatal(err)
	}

	for _, src := range f.sink.Sources() {
		if _, ok := src.(*audio.MediaSource); ok {
			t.Error("a progressive source was attached")
		}
	}
	blob, ok := f.sink.Source().(*audio.Blob)
	if !ok {
		t.Fatalf("source = %T, want *audio.Blob", f.sink.Source())
	}
	if !bytes.Equal(blob.Bytes(), fullClip(f)) {
		t.Errorf("played %q, want %q", blob.Bytes(), fullClip(f))
	}
	if got := f.player.State(); got != audio.StateBufferedPlaying {
		t.Errorf("player state = %s", got)
	}
}

func TestSpeakFallsBackWhenStreamDoesNotStart(t *testing.T) {
	f := newFixture(t)

	// The sink never opens the progressive source.
	if err := f.orch.Speak(context.Background(), "hello", "m1"); err != nil {
		t.Fatal(err)
	}
	if got := f.player.State(); got != audio.StateBufferedPlaying {
		t.Errorf("player state = %s, want buffered playback", got)
	}
	if n := f.player.Handles().Outstanding(); n != 1 {
		t.Errorf("outstanding handles = %d, want 1", n)
	}
}

func TestSpeakFailure(t *testing.T) {
	tests := []struct {
		name     string
		synthErr error
		chunks   [][]byte
		code     ErrorCode
		is       error
	}{
		{"network", errors.New("connection reset"), nil, ErrorCodeSynthesis, nil},
		{"unauthorized", api.ErrUnauthorized, nil, ErrorCodeSynthesis, api.ErrUnauthorized},
		{"no audio field", api.ErrNoAudio, nil, ErrorCodeNoAudio, ErrNoAudio},
		{"empty clip", nil, [][]byte{}, ErrorCodeNoAudio, ErrNoAudio},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.synth.err = tt.synthErr
			f.synth.chunks = tt.chunks

			err := f.orch.Speak(context.Background(), "hello", "m1")

			var ttsErr *Error
			if !errors.As(err, &ttsErr) {
				t.Fatalf("err = %v, want *Error", err)
			}
			if ttsErr.Code != tt.code || ttsErr.MessageID != "m1" {
				t.Errorf("error = %+v", ttsErr)
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("err = %v, want it to wrap %v", err, tt.is)
			}

			if got := f.player.State(); got != audio.StateIdle {
				t.Errorf("player state = %s, want idle", got)
			}
			if n := f.player.Handles().Outstanding(); n != 0 {
				t.Errorf("outstanding handles = %d, want 0", n)
			}
			if got := f.orch.State("m1"); got != AudioIdle {
				t.Errorf("audio state = %s, want idle", got)
			}
			if errs := f.notifier.Errors(); len(errs) != 1 {
				t.Errorf("notifications = %d, want 1", len(errs))
			}
		})
	}
}

func TestSpeakPlaybackFailure(t *testing.T) {
	f := newFixture(t)
	f.sink.SetStreaming(false)
	f.sink.FailPlay(errors.New("no output device"))

	err := f.orch.Speak(context.Background(), "hello", "m1")
	var ttsErr *Error
	if !errors.As(err, &ttsErr) || ttsErr.Code != ErrorCodePlayback {
		t.Fatalf("err = %v, want playback error", err)
	}
	if got := f.player.State(); got != audio.StateIdle {
		t.Errorf("player state = %s, want idle", got)
	}
	if _, ok := f.cache.Get("m1"); !ok {
		t.Error("decoded audio should still be cached")
	}
}

func TestStopAudioAbandonsRequest(t *testing.T) {
	f := newFixture(t)

	var buf *audio.MockSegmentBuffer
	f.synth.before = func() {
		buf = f.sink.OpenSource()
		buf.AutoComplete(true)
	}
	f.synth.between = func(i int) {
		if i == 0 {
			f.orch.StopAudio()
		}
	}

	if err := f.orch.Speak(context.Background(), "hello", "m1"); err != nil {
		t.Fatal(err)
	}

	if n := len(buf.Segments()); n != 1 {
		t.Errorf("segments appended = %d, want 1", n)
	}
	if got := f.player.State(); got != audio.StateIdle {
		t.Errorf("player state = %s, want idle", got)
	}
	if _, ok := f.cache.Get("m1"); !ok {
		t.Error("abandoned audio should still be cached")
	}
	for _, src := range f.sink.Sources() {
		if _, ok := src.(*audio.Blob); ok {
			t.Error("abandoned request was played")
		}
	}
}

func TestToggle(t *testing.T) {
	f := newFixture(t)
	f.sink.SetStreaming(false)
	ctx := context.Background()

	if err := f.orch.Toggle(ctx, "one", "m1"); err != nil {
		t.Fatal(err)
	}
	if f.player.CurrentMessageID() != "m1" || !f.player.IsPlaying() {
		t.Fatal("m1 should be playing")
	}

	if err := f.orch.Toggle(ctx, "two", "m2"); err != nil {
		t.Fatal(err)
	}
	if f.player.CurrentMessageID() != "m2" {
		t.Errorf("current = %q, want m2", f.player.CurrentMessageID())
	}
	if got := f.orch.State("m1"); got != AudioReady {
		t.Errorf("m1 state = %s, want ready", got)
	}

	if err := f.orch.Toggle(ctx, "two", "m2"); err != nil {
		t.Fatal(err)
	}
	if f.player.IsPlaying() {
		t.Error("toggling the playing message should stop it")
	}
	if got := f.orch.State("m2"); got != AudioReady {
		t.Errorf("m2 state = %s, want ready", got)
	}
}

func TestStateNotifications(t *testing.T) {
	f := newFixture(t)
	f.sink.SetStreaming(false)

	var mu sync.Mutex
	var seen []AudioState
	f.orch.opts.OnState = func(id string, s AudioState) {
		if id != "m1" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if len(seen) == 0 || seen[len(seen)-1] != s {
			seen = append(seen, s)
		}
	}

	if err := f.orch.Speak(context.Background(), "hello", "m1"); err != nil {
		t.Fatal(err)
	}
	f.sink.FireEnded()

	mu.Lock()
	defer mu.Unlock()
	want := []AudioState{AudioLoading, AudioPlaying, AudioReady}
	if len(seen) != len(want) {
		t.Fatalf("states = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("states = %v, want %v", seen, want)
		}
	}
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
