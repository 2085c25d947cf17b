package main

import (
	"bufio"
	"errors"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// errQuit is returned by a prompt the user closed.
var errQuit = errors.New("quit")

// lineReader reads one line of user input.
type lineReader interface {
	ReadLine() (string, error)
}

// teaPrompt reads a line with an editable input and slash command
// completion.
type teaPrompt struct {
	in          io.Reader
	out         io.Writer
	suggestions []string
}

type promptModel struct {
	input textinput.Model
	value string
	quit  bool
	done  bool
}

func newPromptModel(suggestions []string) promptModel {
	ti := textinput.New()
	ti.Prompt = promptStyle.Render("› ")
	ti.Placeholder = "Ask a question, or /help"
	ti.CharLimit = 2000
	ti.ShowSuggestions = true
	ti.SetSuggestions(suggestions)
	ti.Focus()
	return promptModel{input: ti}
}

func (m promptModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m promptModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.Type { //nolint:exhaustive
		case tea.KeyEnter:
			m.value = m.input.Value()
			m.done = true
			return m, tea.Quit
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quit, m.done = true, true
			return m, tea.Quit
		case tea.KeyCtrlD:
			if m.input.Value() == "" {
				m.quit, m.done = true, true
				return m, tea.Quit
			}
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m promptModel) View() string {
	if m.done {
		return m.input.Prompt + m.value + "\n"
	}
	return m.input.View()
}

func (p *teaPrompt) ReadLine() (string, error) {
	prog := tea.NewProgram(newPromptModel(p.suggestions), tea.WithInput(p.in), tea.WithOutput(p.out))
	final, err := prog.Run()
	if err != nil {
		return "", err //nolint:wrapcheck
	}
	m, _ := final.(promptModel)
	if m.quit {
		return "", errQuit
	}
	return m.value, nil
}

// scanPrompt reads lines from a non-terminal input.
type scanPrompt struct {
	sc *bufio.Scanner
}

func newScanPrompt(in io.Reader) *scanPrompt {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &scanPrompt{sc: sc}
}

func (p *scanPrompt) ReadLine() (string, error) {
	if !p.sc.Scan() {
		if err := p.sc.Err(); err != nil {
			return "", err //nolint:wrapcheck
		}
		return "", errQuit
	}
	return strings.TrimRight(p.sc.Text(), "\r"), nil
}
