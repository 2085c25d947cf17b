package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultConfig = `# assistant backend
api:
  url: "http://localhost:8000/bharat-vistaar/"
  # request timeout, 0 for none
  timeout: "2m"
  # outbound requests per minute, 0 for unlimited
  rate_per_minute: 60
  # show answers as they arrive
  stream: true

# retries for failed questions
retry:
  max_attempts: 3
  initial_delay: "1s"
  max_delay: "10s"
  multiplier: 2

# answer language (hi, mr, en, ...); the question language is detected
lang:
  target: "hi"

auth:
  # RS256 public key (PEM text or a path) used to check login tokens
  public_key: ""
  # where the login token is kept (default: user data directory)
  file: ""

# reading answers aloud
tts:
  enabled: true
  mime: "audio/mpeg"
  # how long to wait for streamed audio to start before playing the whole clip
  settle: "100ms"
  cache:
    max_bytes: 67108864

audio:
  sample_rate: 44100
  frame_interval: "16ms"
  # how long to wait for the last audio segment before closing the stream
  end_max_wait: "5s"

# OTLP/HTTP traces endpoint, empty to disable
telemetry:
  endpoint: ""

# answer rendering: auto, glamour or plain
render: "auto"
# word-wrap at width, 0 for terminal width
width: 0
`

var configCmd = &cobra.Command{
	Use:     "config",
	Hidden:  false,
	Short:   "Edit the vistaar config file",
	Long:    paragraph(fmt.Sprintf("\n%s the vistaar config file. We’ll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.", keyword("Edit"))),
	Example: paragraph("vistaar config\nvistaar config --config path/to/config.yml"),
	Args:    cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		if err := ensureConfigFile(); err != nil {
			return err
		}

		c, err := editor.Cmd("Vistaar", configFile)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		fmt.Println("Wrote config file to:", configFile)
		return nil
	},
}

func ensureConfigFile() error {
	if configFile == "" {
		configFile = viper.GetViper().ConfigFileUsed()
		if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil { //nolint:gosec
			return fmt.Errorf("could not write configuration file: %w", err)
		}
	}

	if ext := path.Ext(configFile); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("'%s' is not a supported configuration type: use '%s' or '%s'", ext, ".yaml", ".yml")
	}

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		// File doesn't exist yet, create all necessary directories and
		// write the default config file
		if err := os.MkdirAll(filepath.Dir(configFile), 0o700); err != nil {
			return fmt.Errorf("unable create directory: %w", err)
		}

		f, err := os.Create(configFile)
		if err != nil {
			return fmt.Errorf("unable to create config file: %w", err)
		}
		defer func() { _ = f.Close() }()

		if _, err := f.WriteString(defaultConfig); err != nil {
			return fmt.Errorf("unable to write config file: %w", err)
		}
	} else if err != nil { // some other error occurred
		return fmt.Errorf("unable to stat config file: %w", err)
	}
	return nil
}
