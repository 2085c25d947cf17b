package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/digital-farmer-service/bharat-vistaar/internal/api"
	"github.com/digital-farmer-service/bharat-vistaar/internal/audio"
	"github.com/digital-farmer-service/bharat-vistaar/internal/auth"
	"github.com/digital-farmer-service/bharat-vistaar/internal/cache"
	"github.com/digital-farmer-service/bharat-vistaar/internal/chat"
	"github.com/digital-farmer-service/bharat-vistaar/internal/config"
	"github.com/digital-farmer-service/bharat-vistaar/internal/telemetry"
	"github.com/digital-farmer-service/bharat-vistaar/internal/tts"
)

// app holds everything a command needs.
type app struct {
	cfg config.Config
	env config.Env
	out io.Writer

	client    *api.Client
	store     *auth.Store
	validator *auth.Validator
	conv      *chat.Conversation
	render    *renderer

	// Nil when speech is disabled or no audio device is available.
	player *audio.Player
	speech *tts.Orchestrator
	audio  *cache.MemoryCache

	// onUpdate, if set, sees every change to a conversation message.
	onUpdate func(chat.Message)

	shutdown telemetry.ShutdownFunc
	cancel   context.CancelFunc
}

type appOptions struct {
	// speech opens the audio device.
	speech bool
	// sink replaces the audio device.
	sink audio.Sink
	// notify receives speech failures.
	notify func(error)
}

func newApp(ctx context.Context, cfg config.Config, e config.Env, out io.Writer, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg, env: e, out: out}
	ctx, a.cancel = context.WithCancel(ctx)
	defer func() {
		if err != nil {
			a.cancel()
		}
	}()

	tp, shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceVersion: Version,
	})
	if err != nil {
		log.Warn("Tracing disabled", "err", err)
		shutdown = func(context.Context) error { return nil }
	}
	a.shutdown = shutdown

	authFile := cfg.Auth.File
	if authFile == "" {
		if authFile, err = auth.DefaultPath(); err != nil {
			return nil, fmt.Errorf("unable to find data directory: %w", err)
		}
	}
	a.store = auth.NewStore(authFile)
	go func() {
		err := a.store.Watch(ctx, func(_ string, err error) {
			log.Debug("Credential reloaded", "err", err)
		})
		if err != nil {
			log.Debug("Not watching credential file", "err", err)
		}
	}()

	key, err := cfg.PublicKeyPEM()
	if err != nil {
		return nil, err
	}
	if a.validator, err = auth.NewValidator(key); err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.API.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.API.RatePerMinute)), cfg.API.RatePerMinute)
	}
	a.client, err = api.New(api.Options{
		BaseURL: cfg.API.URL,
		HTTPClient: &http.Client{
			Timeout:   cfg.API.Timeout,
			Transport: telemetry.Transport(nil, tp),
		},
		Tokens:         a.store,
		Retry:          cfg.Retry.Config(),
		Limiter:        limiter,
		TracerProvider: tp,
		UserAgent:      "vistaar/" + Version,
	})
	if err != nil {
		return nil, err
	}

	a.conv = chat.New(a.client, chat.Options{
		SourceLang:  cfg.Lang.Source,
		TargetLang:  cfg.Lang.Target,
		Stream:      cfg.API.Stream,
		MaxAttempts: cfg.Retry.MaxAttempts,
		OnUpdate: func(m chat.Message) {
			if a.onUpdate != nil {
				a.onUpdate(m)
			}
		},
	})

	if a.render, err = newRenderer(cfg.Render, e.GlamourStyle, terminalWidth(cfg.Width, stdoutIsTerminal()), stdoutIsTerminal()); err != nil {
		return nil, err
	}

	if opts.speech && cfg.TTS.Enabled && !e.NoAudio {
		if err := a.openSpeech(opts); err != nil {
			log.Warn("Speech disabled", "err", err)
			fmt.Fprintln(out, status("Speech unavailable: "+err.Error()))
		}
	}
	return a, nil
}

func (a *app) openSpeech(opts appOptions) error {
	sink := opts.sink
	if sink == nil {
		sinkCfg := audio.DefaultOtoSinkConfig()
		sinkCfg.SampleRate = a.cfg.Audio.SampleRate
		oto, err := audio.NewOtoSink(sinkCfg)
		if err != nil {
			return err
		}
		sink = oto
	}

	playerCfg := audio.DefaultPlayerConfig()
	playerCfg.FrameInterval = a.cfg.Audio.FrameInterval
	playerCfg.EndStreamMaxWait = a.cfg.Audio.EndMaxWait
	player, err := audio.NewPlayer(sink, playerCfg)
	if err != nil {
		return err
	}

	notify := opts.notify
	if notify == nil {
		notify = func(err error) { fmt.Fprintln(a.out, errorLine(err)) }
	}

	a.player = player
	a.audio = cache.NewMemoryCache(a.cfg.TTS.Cache.MaxBytes)
	a.speech = tts.New(a.client, player, a.audio, tts.NotifierFunc(notify), tts.Options{
		SessionID:  a.conv.SessionID(),
		TargetLang: a.cfg.Lang.Target,
		MimeType:   a.cfg.TTS.Mime,
		Settle:     a.cfg.TTS.Settle,
	})
	return nil
}

// speak reads messageID aloud, replacing whatever is playing.
func (a *app) speak(ctx context.Context, messageID string) error {
	if a.speech == nil {
		return errors.New("speech is disabled")
	}
	m, ok := a.conv.Message(messageID)
	if !ok || m.State != chat.StateDone {
		return errors.New("nothing to speak")
	}
	a.speech.SetSession(a.conv.SessionID(), a.conv.TargetLang())
	return a.speech.Toggle(ctx, m.Text, m.ID)
}

// speakText reads arbitrary text aloud.
func (a *app) speakText(ctx context.Context, text string) error {
	if a.speech == nil {
		return errors.New("speech is disabled")
	}
	a.speech.SetSession(a.conv.SessionID(), a.conv.TargetLang())
	return a.speech.Speak(ctx, text, uuid.NewString())
}

// waitForSpeech blocks until playback ends or ctx is done.
func (a *app) waitForSpeech(ctx context.Context) {
	if a.player == nil {
		return
	}
	done := make(chan struct{})
	var once sync.Once
	cancel := a.player.Subscribe(func(st audio.Status) {
		if !st.State.Active() {
			once.Do(func() { close(done) })
		}
	})
	defer cancel()

	if !a.player.State().Active() {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
		a.player.Stop()
	}
}

func (a *app) stopSpeech() {
	if a.speech != nil {
		a.speech.StopAudio()
	}
}

func (a *app) Close() {
	if a.speech != nil {
		a.speech.Close()
	}
	if a.player != nil {
		if err := a.player.Close(); err != nil {
			log.Debug("Closing player", "err", err)
		}
	}
	a.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.shutdown(ctx); err != nil {
		log.Debug("Telemetry shutdown", "err", err)
	}
}
