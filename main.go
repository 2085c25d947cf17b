// Package main provides the entry point for the Vistaar CLI application.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/digital-farmer-service/bharat-vistaar/internal/config"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string
	cfg        config.Config
	envCfg     config.Env

	rootCmd = &cobra.Command{
		Use:   "vistaar",
		Short: "Ask the farming assistant from your terminal",
		Long: paragraph(
			fmt.Sprintf("\nAsk the farming assistant questions and %s.", keyword("hear the answers")),
		),
		SilenceErrors: false,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return validateOptions(cmd)
		},
		RunE: execute,
	}
)

// envKeyReplacer maps nested keys such as api.url to VISTAAR_API_URL.
var envKeyReplacer = strings.NewReplacer(".", "_")

func validateOptions(cmd *cobra.Command) error {
	if cmd.Flags().Changed("config") {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("unable to read config file: %w", err)
		}
	}

	c, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	cfg = c
	return nil
}

// execute runs the interactive chat.
func execute(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context(), cfg, envCfg, os.Stdout, appOptions{speech: true})
	if err != nil {
		return err
	}
	defer a.Close()

	var in lineReader
	if term.IsTerminal(int(os.Stdin.Fd())) {
		in = &teaPrompt{in: os.Stdin, out: os.Stdout, suggestions: slashCommands}
	} else {
		in = newScanPrompt(os.Stdin)
	}
	return newREPL(a, in, os.Stdout).Run(cmd.Context())
}

func main() {
	e, err := config.ParseEnv()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	envCfg = e

	closer, err := setupLog(e)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err = rootCmd.ExecuteContext(ctx)
	stop()
	_ = closer()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	config.SetDefaults(viper.GetViper())
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	flags.String("url", "", "assistant API base URL")
	flags.StringP("lang", "l", "", "answer language code, e.g. hi or mr")
	flags.Bool("stream", true, "show answers as they arrive")
	flags.Bool("speech", true, "enable reading answers aloud")
	flags.String("render", "", "answer rendering: auto, glamour or plain")
	flags.UintP("width", "w", 0, "word-wrap at width (0 for terminal width)")

	// Config bindings
	_ = viper.BindPFlag("api.url", flags.Lookup("url"))
	_ = viper.BindPFlag("lang.target", flags.Lookup("lang"))
	_ = viper.BindPFlag("api.stream", flags.Lookup("stream"))
	_ = viper.BindPFlag("tts.enabled", flags.Lookup("speech"))
	_ = viper.BindPFlag("render", flags.Lookup("render"))
	_ = viper.BindPFlag("width", flags.Lookup("width"))

	rootCmd.AddCommand(askCmd, speakCmd, suggestCmd, loginCmd, logoutCmd, configCmd, manCmd)
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "vistaar")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not load find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "vistaar")}, dirs...)
	}

	if c := os.Getenv("VISTAAR_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("vistaar")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("vistaar")
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", viper.ConfigFileUsed())
		return
	}

	if viper.ConfigFileUsed() == "" {
		configFile = filepath.Join(dirs[0], "vistaar.yml")
	}
	if err := ensureConfigFile(); err != nil {
		log.Error("Could not create default configuration", "error", err)
	}
}
