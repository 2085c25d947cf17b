package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"
	"github.com/sahilm/fuzzy"

	"github.com/digital-farmer-service/bharat-vistaar/internal/api"
	"github.com/digital-farmer-service/bharat-vistaar/internal/chat"
)

var slashCommands = []string{
	"/retry", "/speak", "/stop", "/suggest", "/copy",
	"/lang", "/new", "/stats", "/help", "/quit",
}

const helpText = `Type a question and press enter. Commands:

  /retry            ask the last failed question again
  /speak            read the last answer aloud (again to stop)
  /stop             stop reading aloud
  /suggest [text]   show suggested questions, filtered by text
  #N                ask suggested question N
  /copy             copy the last answer to the clipboard
  /lang CODE        answer in another language, e.g. /lang mr
  /new              start a new conversation
  /stats            show audio cache use
  /quit             leave`

// errLoginRequired ends the chat: nothing can be asked until the user logs in.
var errLoginRequired = errors.New("not logged in; run `vistaar login` first")

// repl is the interactive chat loop.
type repl struct {
	app  *app
	in   lineReader
	out  io.Writer
	copy func(string) error

	suggestions []string
	streamed    bool
}

func newREPL(a *app, in lineReader, out io.Writer) *repl {
	r := &repl{app: a, in: in, out: out, copy: clipboard.WriteAll}
	a.onUpdate = r.messageUpdated
	return r
}

func (r *repl) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}

// Run reads and handles lines until the user quits or ctx ends.
func (r *repl) Run(ctx context.Context) error {
	r.printf("%s %s\n", keyword("Vistaar"), faint("· /help for commands"))
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := r.in.ReadLine()
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := r.handle(ctx, line); errors.Is(err, errQuit) {
			return nil
		} else if errors.Is(err, errLoginRequired) {
			return err
		} else if err != nil {
			r.printf("%s\n", errorLine(err))
		}
	}
}

func parseCommand(line string) (cmd, arg string) {
	cmd, arg, _ = strings.Cut(strings.TrimSpace(line), " ")
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}

func (r *repl) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil
	case strings.HasPrefix(line, "#"):
		return r.askSuggestion(ctx, line[1:])
	case !strings.HasPrefix(line, "/"):
		return r.ask(ctx, line)
	}

	cmd, arg := parseCommand(line)
	switch cmd {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		r.printf("%s\n", helpText)
	case "/retry":
		return r.retry(ctx)
	case "/speak":
		return r.speak(ctx)
	case "/stop":
		r.app.stopSpeech()
	case "/suggest":
		return r.suggest(ctx, arg)
	case "/copy":
		return r.copyLast()
	case "/lang":
		if len(arg) < 2 || len(arg) > 5 {
			return fmt.Errorf("usage: /lang CODE")
		}
		r.app.conv.SetTargetLang(arg)
		r.printf("%s\n", status("Answers will be in "+arg))
	case "/new":
		r.app.stopSpeech()
		id := r.app.conv.Reset()
		r.suggestions = nil
		r.printf("%s\n", status("New conversation "+id[:8]))
	case "/stats":
		r.stats()
	default:
		return fmt.Errorf("unknown command %s, try /help", cmd)
	}
	return nil
}

func (r *repl) onChunk(chunk string) {
	if r.app.render.Rich() {
		return
	}
	r.streamed = true
	r.printf("%s", chunk)
}

func (r *repl) messageUpdated(m chat.Message) {
	if m.Role != chat.RoleAssistant || m.State != chat.StateRetrying {
		return
	}
	if r.streamed {
		r.printf("\n")
		r.streamed = false
	}
	r.printf("%s\n", status(fmt.Sprintf("Connection problem, retrying (%d/%d)…", m.RetryAttempt+1, m.MaxRetryAttempts)))
}

func (r *repl) ask(ctx context.Context, question string) error {
	r.streamed = false
	msg, err := r.app.conv.Ask(ctx, question, r.onChunk)
	r.show(msg, err)
	return loginRequired(err)
}

func (r *repl) retry(ctx context.Context) error {
	last, ok := r.app.conv.Last()
	if !ok {
		return errors.New("nothing to retry")
	}
	r.streamed = false
	msg, err := r.app.conv.Retry(ctx, last.ID, r.onChunk)
	switch {
	case errors.Is(err, chat.ErrNotRetryable):
		return errors.New("nothing to retry")
	case errors.Is(err, chat.ErrRetryLimit):
		return errors.New("this question has been retried too many times")
	}
	r.show(msg, err)
	return loginRequired(err)
}

// loginRequired maps an authentication failure to errLoginRequired.
func loginRequired(err error) error {
	if errors.Is(err, api.ErrUnauthorized) {
		return errLoginRequired
	}
	return nil
}

// show prints the final state of an answer. Authentication failures are
// left to the caller, which ends the chat.
func (r *repl) show(msg chat.Message, err error) {
	if r.streamed {
		r.printf("\n")
		r.streamed = false
	}
	switch msg.State {
	case chat.StateDone:
		if r.app.render.Rich() {
			r.printf("%s", r.app.render.Render(msg.Text))
		}
	case chat.StateEmpty:
		r.printf("%s\n", status("No answer came back."+retryHint(msg)))
	case chat.StateFailed:
		if errors.Is(err, api.ErrUnauthorized) {
			return
		}
		r.printf("%s\n", errorLine(errors.New("could not reach the assistant."+retryHint(msg))))
	default:
		if err != nil {
			r.printf("%s\n", errorLine(err))
		}
	}
}

func retryHint(m chat.Message) string {
	if m.CanRetry {
		return " Type /retry to try again."
	}
	return ""
}

func (r *repl) speak(ctx context.Context) error {
	last, ok := r.app.conv.Last()
	if !ok || last.State != chat.StateDone {
		return errors.New("no answer to read")
	}
	go func() {
		if err := r.app.speak(ctx, last.ID); err != nil {
			log.Debug("Speech failed", "err", err)
		}
	}()
	return nil
}

func (r *repl) suggest(ctx context.Context, filter string) error {
	if len(r.suggestions) == 0 || filter == "" {
		list, err := r.app.client.Suggestions(ctx, r.app.conv.SessionID(), r.app.conv.TargetLang())
		if err != nil {
			return fmt.Errorf("could not load suggestions: %w", err)
		}
		r.suggestions = list
	}
	matches := filterSuggestions(r.suggestions, filter)
	if len(matches) == 0 {
		r.printf("%s\n", status("No suggestions."))
		return nil
	}

	width := r.app.render.width - 6
	for _, m := range matches {
		r.printf("  %s %s\n", keyword(fmt.Sprintf("#%d", m.Index+1)), runewidth.Truncate(m.Str, width, "…"))
	}
	return nil
}

// filterSuggestions returns suggestions matching filter, best first. An
// empty filter keeps every suggestion in order.
func filterSuggestions(list []string, filter string) fuzzy.Matches {
	if filter == "" {
		out := make(fuzzy.Matches, len(list))
		for i, s := range list {
			out[i] = fuzzy.Match{Str: s, Index: i}
		}
		return out
	}
	return fuzzy.Find(filter, list)
}

func (r *repl) askSuggestion(ctx context.Context, n string) error {
	i, err := strconv.Atoi(strings.TrimSpace(n))
	if err != nil || i < 1 || i > len(r.suggestions) {
		return errors.New("no such suggestion; run /suggest first")
	}
	q := r.suggestions[i-1]
	r.printf("%s\n", faint(q))
	return r.ask(ctx, q)
}

func (r *repl) copyLast() error {
	last, ok := r.app.conv.Last()
	if !ok || last.State != chat.StateDone {
		return errors.New("no answer to copy")
	}
	if err := r.copy(last.Text); err != nil {
		return fmt.Errorf("could not copy: %w", err)
	}
	r.printf("%s\n", status("Copied to clipboard"))
	return nil
}

func (r *repl) stats() {
	if r.app.audio == nil {
		r.printf("%s\n", status("Speech is off."))
		return
	}
	s := r.app.audio.Stats()
	r.printf("%s\n", status(fmt.Sprintf("Audio cache: %s of %s in %d clips, %.0f%% hits, %d evicted",
		humanize.IBytes(uint64(s.Size)), humanize.IBytes(uint64(s.Capacity)), //nolint:gosec
		s.ItemCount, s.HitRate*100, s.Evictions)))
}
