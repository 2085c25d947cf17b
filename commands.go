package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/digital-farmer-service/bharat-vistaar/internal/chat"
)

var (
	askSpeak      bool
	loginToken    string
	loginMetadata string

	askCmd = &cobra.Command{
		Use:     "ask QUESTION",
		Short:   "Ask one question and print the answer",
		Example: paragraph("vistaar ask \"When should I sow wheat?\"\necho \"गेहूं कब बोएं?\" | vistaar ask --speak"),
		Args:    cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			question, err := argsOrStdin(args)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg, envCfg, cmd.OutOrStdout(), appOptions{speech: askSpeak})
			if err != nil {
				return err
			}
			defer a.Close()

			r := newREPL(a, nil, cmd.OutOrStdout())
			msg, err := a.conv.Ask(cmd.Context(), question, r.onChunk)
			r.show(msg, err)
			if msg.State != chat.StateDone {
				if lerr := loginRequired(err); lerr != nil {
					return lerr
				}
				if err == nil {
					err = chat.ErrEmptyAnswer
				}
				return err
			}

			if askSpeak {
				if err := a.speak(cmd.Context(), msg.ID); err != nil {
					return err
				}
				a.waitForSpeech(cmd.Context())
			}
			return nil
		},
	}

	speakCmd = &cobra.Command{
		Use:   "speak TEXT",
		Short: "Read text aloud",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := argsOrStdin(args)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg, envCfg, cmd.OutOrStdout(), appOptions{speech: true, notify: func(error) {}})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.speakText(cmd.Context(), text); err != nil {
				return err
			}
			a.waitForSpeech(cmd.Context())
			return nil
		},
	}

	suggestCmd = &cobra.Command{
		Use:   "suggest [FILTER]",
		Short: "List suggested questions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg, envCfg, cmd.OutOrStdout(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			filter := ""
			if len(args) == 1 {
				filter = args[0]
			}
			return newREPL(a, nil, cmd.OutOrStdout()).suggest(cmd.Context(), filter)
		},
	}

	loginCmd = &cobra.Command{
		Use:   "login",
		Short: "Save a login token",
		Long: paragraph(fmt.Sprintf("\n%s a token given with --token or on stdin. Without one, a new token is requested from the server.",
			keyword("Save"))),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfg, envCfg, cmd.OutOrStdout(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			token := strings.TrimSpace(loginToken)
			if token == "" {
				if piped, _ := stdinIsPipe(); piped {
					b, err := io.ReadAll(os.Stdin)
					if err != nil {
						return fmt.Errorf("unable to read token: %w", err)
					}
					token = strings.TrimSpace(string(b))
				}
			}
			if token == "" {
				if token, err = a.client.FetchToken(cmd.Context(), loginMetadata); err != nil {
					return fmt.Errorf("unable to get a token: %w", err)
				}
			}

			claims, err := a.validator.Validate(token)
			if err != nil {
				return err
			}
			if err := a.store.Save(token); err != nil {
				return err
			}

			who := claims.DisplayName()
			if claims.Guest {
				who += " (guest)"
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged in as", keyword(who))
			if !a.validator.Verifies() {
				fmt.Fprintln(cmd.OutOrStdout(), status("Token signature not checked: auth.public_key is not set."))
			}
			return nil
		},
	}

	logoutCmd = &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved login token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfg, envCfg, cmd.OutOrStdout(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
)

func init() {
	askCmd.Flags().BoolVarP(&askSpeak, "speak", "s", false, "read the answer aloud")
	loginCmd.Flags().StringVar(&loginToken, "token", "", "token to save")
	loginCmd.Flags().StringVar(&loginMetadata, "metadata", "", "metadata sent when requesting a new token")
}

// argsOrStdin joins args, or reads stdin when there are none.
func argsOrStdin(args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	piped, err := stdinIsPipe()
	if err != nil {
		return "", err
	}
	if !piped {
		return "", errors.New("missing text: pass it as arguments or on stdin")
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("unable to read from stdin: %w", err)
	}
	text := strings.TrimSpace(string(b))
	if text == "" {
		return "", errors.New("missing text")
	}
	return text, nil
}

func stdinIsPipe() (bool, error) {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false, fmt.Errorf("unable to open file: %w", err)
	}
	if stat.Mode()&os.ModeCharDevice == 0 || stat.Size() > 0 {
		return true, nil
	}
	return false, nil
}
