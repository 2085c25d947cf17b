// Package config holds the application settings read from the config file,
// flags and environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/digital-farmer-service/bharat-vistaar/internal/retry"
)

// Env is read from the environment only.
type Env struct {
	Debug        bool   `env:"VISTAAR_DEBUG"`
	LogFile      string `env:"VISTAAR_LOG_FILE"`
	GlamourStyle string `env:"GLAMOUR_STYLE" envDefault:"auto"`
	HomeDir      string `env:"HOME"`
	NoAudio      bool   `env:"VISTAAR_NO_AUDIO"`
}

// ParseEnv reads Env from the process environment.
func ParseEnv() (Env, error) {
	e, err := env.ParseAs[Env]()
	if err != nil {
		return Env{}, fmt.Errorf("error parsing environment: %w", err)
	}
	return e, nil
}

// API configures the backend client.
type API struct {
	URL           string        `mapstructure:"url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerMinute int           `mapstructure:"rate_per_minute"`
	Stream        bool          `mapstructure:"stream"`
}

// Retry mirrors retry.Config.
type Retry struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

// Config returns the retry schedule.
func (r Retry) Config() retry.Config {
	return retry.Config{
		MaxAttempts:       r.MaxAttempts,
		InitialDelay:      r.InitialDelay,
		MaxDelay:          r.MaxDelay,
		BackoffMultiplier: r.Multiplier,
	}
}

// Lang holds the question and answer languages.
type Lang struct {
	Source string `mapstructure:"source"`
	Target string `mapstructure:"target"`
}

// Auth configures the credential store and token checks.
type Auth struct {
	PublicKey string `mapstructure:"public_key"`
	File      string `mapstructure:"file"`
}

// TTS configures read-aloud.
type TTS struct {
	Enabled bool          `mapstructure:"enabled"`
	Mime    string        `mapstructure:"mime"`
	Settle  time.Duration `mapstructure:"settle"`
	Cache   struct {
		MaxBytes int64 `mapstructure:"max_bytes"`
	} `mapstructure:"cache"`
}

// Audio configures the output device and stream pacing.
type Audio struct {
	SampleRate    int           `mapstructure:"sample_rate"`
	FrameInterval time.Duration `mapstructure:"frame_interval"`
	EndMaxWait    time.Duration `mapstructure:"end_max_wait"`
}

// Telemetry configures tracing export.
type Telemetry struct {
	Endpoint string `mapstructure:"endpoint"`
}

// Config is the full set of file and flag settings.
type Config struct {
	API       API       `mapstructure:"api"`
	Retry     Retry     `mapstructure:"retry"`
	Lang      Lang      `mapstructure:"lang"`
	Auth      Auth      `mapstructure:"auth"`
	TTS       TTS       `mapstructure:"tts"`
	Audio     Audio     `mapstructure:"audio"`
	Telemetry Telemetry `mapstructure:"telemetry"`
	Render    string    `mapstructure:"render"`
	Width     uint      `mapstructure:"width"`
}

// DefaultRetry is the backend retry schedule.
func DefaultRetry() retry.Config {
	return retry.Config{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
	}
}

// SetDefaults registers every setting's default on v.
func SetDefaults(v *viper.Viper) {
	r := DefaultRetry()
	v.SetDefault("api.url", "http://localhost:8000/bharat-vistaar/")
	v.SetDefault("api.timeout", 2*time.Minute)
	v.SetDefault("api.rate_per_minute", 60)
	v.SetDefault("api.stream", true)
	v.SetDefault("retry.max_attempts", r.MaxAttempts)
	v.SetDefault("retry.initial_delay", r.InitialDelay)
	v.SetDefault("retry.max_delay", r.MaxDelay)
	v.SetDefault("retry.multiplier", r.BackoffMultiplier)
	v.SetDefault("lang.source", "")
	v.SetDefault("lang.target", "hi")
	v.SetDefault("auth.public_key", "")
	v.SetDefault("auth.file", "")
	v.SetDefault("tts.enabled", true)
	v.SetDefault("tts.mime", "audio/mpeg")
	v.SetDefault("tts.settle", 100*time.Millisecond)
	v.SetDefault("tts.cache.max_bytes", 64<<20)
	v.SetDefault("audio.sample_rate", 44100)
	v.SetDefault("audio.frame_interval", 16*time.Millisecond)
	v.SetDefault("audio.end_max_wait", 5*time.Second)
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("render", "auto")
	v.SetDefault("width", 0)
}

// Load decodes v into a Config and checks it.
func Load(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unable to decode configuration: %w", err)
	}
	c.Auth.File = ExpandPath(c.Auth.File)
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	u, err := url.Parse(c.API.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.url must be an http(s) URL, got %q", c.API.URL)
	}
	if c.API.Timeout < 0 {
		return fmt.Errorf("api.timeout must not be negative, got %s", c.API.Timeout)
	}
	if c.API.RatePerMinute < 0 {
		return fmt.Errorf("api.rate_per_minute must not be negative, got %d", c.API.RatePerMinute)
	}
	if err := c.Retry.Config().Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if len(c.Lang.Target) < 2 || len(c.Lang.Target) > 5 {
		return fmt.Errorf("lang.target must be 2-5 characters, got %q", c.Lang.Target)
	}
	if c.TTS.Settle < 0 {
		return fmt.Errorf("tts.settle must not be negative, got %s", c.TTS.Settle)
	}
	if c.TTS.Cache.MaxBytes < 0 {
		return fmt.Errorf("tts.cache.max_bytes must not be negative, got %d", c.TTS.Cache.MaxBytes)
	}
	if c.Audio.SampleRate < 8000 || c.Audio.SampleRate > 192000 {
		return fmt.Errorf("audio.sample_rate must be between 8000 and 192000, got %d", c.Audio.SampleRate)
	}
	if c.Audio.FrameInterval <= 0 || c.Audio.EndMaxWait <= 0 {
		return errors.New("audio.frame_interval and audio.end_max_wait must be positive")
	}
	switch c.Render {
	case "auto", "glamour", "plain":
	default:
		return fmt.Errorf("render must be auto, glamour or plain, got %q", c.Render)
	}
	return nil
}

// PublicKeyPEM returns the configured token key. The setting holds either
// the PEM text or a path to it.
func (c Config) PublicKeyPEM() ([]byte, error) {
	k := strings.TrimSpace(c.Auth.PublicKey)
	if k == "" || strings.HasPrefix(k, "-----BEGIN") {
		return []byte(k), nil
	}
	b, err := os.ReadFile(ExpandPath(k))
	if err != nil {
		return nil, fmt.Errorf("unable to read auth.public_key: %w", err)
	}
	return b, nil
}

// ExpandPath expands a leading ~ and environment variables.
func ExpandPath(path string) string {
	if path == "" {
		return ""
	}
	p, err := homedir.Expand(os.ExpandEnv(path))
	if err != nil {
		return path
	}
	return p
}
