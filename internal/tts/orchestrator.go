package tts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/digital-farmer-service/bharat-vistaar/internal/api"
	"github.com/digital-farmer-service/bharat-vistaar/internal/audio"
)

// Synthesizer streams synthesized speech.
type Synthesizer interface {
	StreamSpeech(ctx context.Context, req api.SpeechRequest, onBytes func([]byte)) ([]byte, error)
}

// MediaPlayer is the playback surface the orchestrator drives.
type MediaPlayer interface {
	Play(data []byte, messageID string) error
	StartStream(messageID, mimeType string) bool
	AppendToStream(chunk []byte)
	EndStream()
	Stop()
	IsPlaying() bool
	CurrentMessageID() string
	AwaitPlayback(ctx context.Context, timeout time.Duration) bool
	Subscribe(fn func(audio.Status)) (cancel func())
}

// AudioCache holds decoded audio per message. Put must not replace an
// existing entry.
type AudioCache interface {
	Get(messageID string) ([]byte, bool)
	Put(messageID string, data []byte) error
}

// Notifier shows a failure to the user.
type Notifier interface {
	Notify(err error)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(error)

// Notify implements Notifier.
func (f NotifierFunc) Notify(err error) { f(err) }

// AudioState is the speech state of one message.
type AudioState string

const (
	AudioIdle    AudioState = "idle"
	AudioLoading AudioState = "loading"
	AudioReady   AudioState = "ready"
	AudioPlaying AudioState = "playing"
)

// Options configures an Orchestrator.
type Options struct {
	SessionID  string
	TargetLang string

	// MimeType is the container requested for progressive playback.
	MimeType string

	// Settle is how long to wait for streamed playback to start before
	// falling back to playing the buffered clip.
	Settle time.Duration

	// OnState, if set, is called after a message's state changes.
	OnState func(messageID string, state AudioState)
}

// DefaultOptions returns the default orchestrator options.
func DefaultOptions() Options {
	return Options{
		TargetLang: "hi",
		MimeType:   audio.MimeMPEG,
		Settle:     100 * time.Millisecond,
	}
}

// Orchestrator speaks chat messages: it serves repeated requests from the
// audio cache, streams new audio into the player while it downloads and
// falls back to buffered playback when streaming is unavailable or does
// not start.
type Orchestrator struct {
	synth    Synthesizer
	player   MediaPlayer
	cache    AudioCache
	notifier Notifier
	opts     Options

	mu      sync.Mutex
	states  map[string]AudioState
	pending map[string]bool
	lastID  string
	lastSeq uint64

	unsubscribe func()
}

// New creates an Orchestrator.
func New(synth Synthesizer, player MediaPlayer, c AudioCache, notifier Notifier, opts Options) *Orchestrator {
	def := DefaultOptions()
	if opts.MimeType == "" {
		opts.MimeType = def.MimeType
	}
	if opts.Settle <= 0 {
		opts.Settle = def.Settle
	}
	if opts.TargetLang == "" {
		opts.TargetLang = def.TargetLang
	}
	if notifier == nil {
		notifier = NotifierFunc(func(err error) { log.Error("Error playing audio", "err", err) })
	}

	o := &Orchestrator{
		synth:    synth,
		player:   player,
		cache:    c,
		notifier: notifier,
		opts:     opts,
		states:   make(map[string]AudioState),
		pending:  make(map[string]bool),
	}
	o.unsubscribe = player.Subscribe(o.playerChanged)
	return o
}

// SetSession changes the session and language used for new requests.
func (o *Orchestrator) SetSession(sessionID, targetLang string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opts.SessionID = sessionID
	if targetLang != "" {
		o.opts.TargetLang = targetLang
	}
}

// playerChanged keeps message states in step with the player.
func (o *Orchestrator) playerChanged(st audio.Status) {
	var changes []stateChange

	o.mu.Lock()
	if st.Seq <= o.lastSeq {
		o.mu.Unlock()
		return
	}
	o.lastSeq = st.Seq

	if o.lastID != "" && o.lastID != st.MessageID && o.states[o.lastID] == AudioPlaying {
		changes = append(changes, o.setLocked(o.lastID, AudioReady))
	}
	if st.MessageID != "" {
		switch {
		case st.Playing:
			changes = append(changes, o.setLocked(st.MessageID, AudioPlaying))
		case o.states[st.MessageID] == AudioPlaying:
			changes = append(changes, o.setLocked(st.MessageID, AudioReady))
		}
	}
	o.lastID = st.MessageID
	o.mu.Unlock()

	o.emit(changes)
}

type stateChange struct {
	id    string
	state AudioState
}

func (o *Orchestrator) setLocked(id string, s AudioState) stateChange {
	o.states[id] = s
	return stateChange{id: id, state: s}
}

func (o *Orchestrator) setState(id string, s AudioState) {
	o.mu.Lock()
	c := o.setLocked(id, s)
	o.mu.Unlock()
	o.emit([]stateChange{c})
}

func (o *Orchestrator) emit(changes []stateChange) {
	if o.opts.OnState == nil {
		return
	}
	for _, c := range changes {
		o.opts.OnState(c.id, c.state)
	}
}

// State returns the speech state of a message.
func (o *Orchestrator) State(messageID string) AudioState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.states[messageID]; ok {
		return s
	}
	return AudioIdle
}

func (o *Orchestrator) isPending(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending[id]
}

func (o *Orchestrator) setPending(id string, on bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if on {
		o.pending[id] = true
	} else {
		delete(o.pending, id)
	}
}

// Speak plays text for messageID. Failures are reported to the Notifier
// and also returned.
func (o *Orchestrator) Speak(ctx context.Context, text, messageID string) error {
	o.setPending(messageID, true)

	if data, ok := o.cache.Get(messageID); ok {
		o.setPending(messageID, false)
		log.Debug("Playing cached audio", "message", messageID, "bytes", len(data))
		return o.playBuffered(data, messageID)
	}

	spoken := SpeechText(text)
	if spoken == "" {
		spoken = strings.TrimSpace(text)
	}
	if spoken == "" {
		return o.fail(messageID, ErrorCodeNoAudio, ErrEmptyText)
	}

	o.setState(messageID, AudioLoading)

	streaming := o.player.StartStream(messageID, o.opts.MimeType)
	ownsPlayer := func() bool { return o.player.CurrentMessageID() == messageID }

	o.mu.Lock()
	req := api.SpeechRequest{SessionID: o.opts.SessionID, Text: spoken, TargetLang: o.opts.TargetLang}
	o.mu.Unlock()

	collected, err := o.synth.StreamSpeech(ctx, req, func(chunk []byte) {
		if !o.isPending(messageID) || !streaming {
			return
		}
		if ownsPlayer() {
			o.player.AppendToStream(chunk)
		}
	})
	if err != nil {
		code := ErrorCodeSynthesis
		if errors.Is(err, api.ErrNoAudio) {
			code, err = ErrorCodeNoAudio, ErrNoAudio
		}
		return o.fail(messageID, code, err)
	}

	if streaming && ownsPlayer() {
		o.player.EndStream()
	}
	if len(collected) == 0 {
		return o.fail(messageID, ErrorCodeNoAudio, ErrNoAudio)
	}

	if err := o.cache.Put(messageID, collected); err != nil {
		log.Debug("Audio not cached", "message", messageID, "err", err)
	}

	if !o.isPending(messageID) {
		log.Debug("Speech request cancelled; audio cached only", "message", messageID)
		return nil
	}
	o.setPending(messageID, false)

	if streaming {
		if o.player.AwaitPlayback(ctx, o.opts.Settle) && ownsPlayer() {
			o.setState(messageID, AudioPlaying)
			return nil
		}
		log.Debug("Streamed playback did not start; playing buffered audio", "message", messageID)
	}
	return o.playBuffered(collected, messageID)
}

func (o *Orchestrator) playBuffered(data []byte, messageID string) error {
	o.setState(messageID, AudioPlaying)
	if err := o.player.Play(data, messageID); err != nil {
		o.setState(messageID, AudioReady)
		return o.fail(messageID, ErrorCodePlayback, err)
	}
	return nil
}

// fail tears down the message's playback, resets its state and notifies
// the user. Playback that has since moved to another message is left alone.
func (o *Orchestrator) fail(messageID string, code ErrorCode, cause error) error {
	if cur := o.player.CurrentMessageID(); cur == "" || cur == messageID {
		o.player.Stop()
	}
	o.setPending(messageID, false)
	o.setState(messageID, AudioIdle)

	err := &Error{Code: code, MessageID: messageID, Cause: cause}
	log.Error("Error in speech playback", "message", messageID, "code", code, "err", cause)
	o.notifier.Notify(err)
	return err
}

// Toggle stops messageID if it is playing, and otherwise stops whatever
// else is playing and speaks messageID.
func (o *Orchestrator) Toggle(ctx context.Context, text, messageID string) error {
	playing := o.player.IsPlaying()
	current := o.player.CurrentMessageID()

	if playing && current == messageID {
		o.StopAudio()
		return nil
	}
	if playing && current != "" {
		o.StopAudio()
	}
	return o.Speak(ctx, text, messageID)
}

// StopAudio stops playback and abandons in-flight requests. Audio still
// arriving for an abandoned request is cached but not played.
func (o *Orchestrator) StopAudio() {
	o.mu.Lock()
	clear(o.pending)
	o.mu.Unlock()

	if current := o.player.CurrentMessageID(); current != "" {
		o.player.Stop()
		o.setState(current, AudioReady)
	}
}

// Close detaches from the player.
func (o *Orchestrator) Close() {
	if o.unsubscribe != nil {
		o.unsubscribe()
	}
}
