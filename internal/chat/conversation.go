package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/digital-farmer-service/bharat-vistaar/internal/api"
)

var (
	// ErrRetryLimit is returned once a message has used up its retry clicks.
	ErrRetryLimit = errors.New("retry limit reached")
	// ErrNotRetryable is returned for a message that has nothing to retry.
	ErrNotRetryable = errors.New("message cannot be retried")
	// ErrUnknownMessage is returned for an id not in the conversation.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrEmptyQuestion is returned by Ask for blank input.
	ErrEmptyQuestion = errors.New("question is empty")
	// ErrEmptyAnswer is recorded on a message whose answer came back blank.
	ErrEmptyAnswer = errors.New("empty response from server")
)

// MaxRetryClicks is how many manual retries a message allows.
const MaxRetryClicks = 2

// Sender sends a question to the backend.
type Sender interface {
	SendQuery(ctx context.Context, q api.Query, onChunk func(string), onRetry func(attempt int, err error)) (api.ChatResponse, error)
}

// Options configures a Conversation.
type Options struct {
	SessionID  string // a new uuid when empty
	SourceLang string // detected from each question when empty
	TargetLang string
	Stream     bool

	// MaxAttempts is shown next to a retrying message.
	MaxAttempts int

	// OnUpdate, if set, is called with a snapshot whenever a message changes.
	OnUpdate func(Message)
}

// Conversation is one chat session: the ordered messages and the backend
// they are sent to.
type Conversation struct {
	sender Sender

	mu       sync.Mutex
	opts     Options
	messages []*Message
	byID     map[string]*Message
}

// New starts a conversation.
func New(sender Sender, opts Options) *Conversation {
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.TargetLang == "" {
		opts.TargetLang = "hi"
	}
	return &Conversation{
		sender: sender,
		opts:   opts,
		byID:   make(map[string]*Message),
	}
}

// SessionID returns the session id sent with every question.
func (c *Conversation) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.SessionID
}

// TargetLang returns the answer language.
func (c *Conversation) TargetLang() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.TargetLang
}

// SetTargetLang changes the answer language for new questions.
func (c *Conversation) SetTargetLang(lang string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.TargetLang = lang
}

// Reset starts a new session and forgets every message.
func (c *Conversation) Reset() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.SessionID = uuid.NewString()
	c.messages = nil
	c.byID = make(map[string]*Message)
	return c.opts.SessionID
}

// Messages returns snapshots of all messages in order.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = *m
	}
	return out
}

// Message returns a snapshot of one message.
func (c *Conversation) Message(id string) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.byID[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// Last returns the most recent assistant message.
func (c *Conversation) Last() (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role == RoleAssistant {
			return *c.messages[i], true
		}
	}
	return Message{}, false
}

func (c *Conversation) addLocked(role Role, text string, state State) *Message {
	m := &Message{ID: uuid.NewString(), Role: role, Text: text, State: state}
	c.messages = append(c.messages, m)
	c.byID[m.ID] = m
	return m
}

// update changes a message under the lock and publishes the result.
func (c *Conversation) update(id string, fn func(m *Message)) {
	c.mu.Lock()
	m, ok := c.byID[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	fn(m)
	snap := *m
	onUpdate := c.opts.OnUpdate
	c.mu.Unlock()

	if onUpdate != nil {
		onUpdate(snap)
	}
}

// Ask adds the question and an assistant answer to the conversation and
// sends it. onChunk receives answer text as it streams. The returned
// message is the final state of the answer; its error, if any, is also
// returned.
func (c *Conversation) Ask(ctx context.Context, question string, onChunk func(string)) (Message, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Message{}, ErrEmptyQuestion
	}

	c.mu.Lock()
	c.addLocked(RoleUser, question, StateDone)
	answer := c.addLocked(RoleAssistant, "", StatePending)
	answer.Question = question
	answer.MaxRetryAttempts = c.opts.MaxAttempts
	id := answer.ID
	c.mu.Unlock()

	return c.send(ctx, id, question, onChunk)
}

// Retry re-sends the question behind a failed or empty answer. The retry
// affordance is withdrawn after MaxRetryClicks clicks; a further click is
// refused with ErrRetryLimit.
func (c *Conversation) Retry(ctx context.Context, messageID string, onChunk func(string)) (Message, error) {
	c.mu.Lock()
	m, ok := c.byID[messageID]
	if !ok {
		c.mu.Unlock()
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	if m.Role != RoleAssistant || m.Question == "" || (m.State != StateFailed && m.State != StateEmpty) {
		c.mu.Unlock()
		return *m, ErrNotRetryable
	}

	m.RetryClicks++
	if m.RetryClicks > MaxRetryClicks {
		m.CanRetry = false
		snap := *m
		c.mu.Unlock()
		return snap, ErrRetryLimit
	}
	m.CanRetry = m.RetryClicks < MaxRetryClicks
	question, clicks := m.Question, m.RetryClicks
	c.mu.Unlock()

	log.Debug("Retrying message", "message", messageID, "click", clicks)
	return c.send(ctx, messageID, question, onChunk)
}

func (c *Conversation) send(ctx context.Context, id, question string, onChunk func(string)) (Message, error) {
	c.mu.Lock()
	q := api.Query{
		SessionID:  c.opts.SessionID,
		Text:       question,
		SourceLang: c.opts.SourceLang,
		TargetLang: c.opts.TargetLang,
		Stream:     c.opts.Stream,
	}
	c.mu.Unlock()
	if q.SourceLang == "" {
		q.SourceLang = DetectLanguage(question)
	}

	c.update(id, func(m *Message) {
		m.Text = ""
		m.Err = nil
		m.State = StateStreaming
		m.RetryAttempt = 0
	})

	var text strings.Builder
	resp, err := c.sender.SendQuery(ctx, q,
		func(chunk string) {
			text.WriteString(chunk)
			partial := text.String()
			c.update(id, func(m *Message) {
				m.Text = partial
				m.State = StateStreaming
			})
			if onChunk != nil {
				onChunk(chunk)
			}
		},
		func(attempt int, err error) {
			text.Reset()
			c.update(id, func(m *Message) {
				m.Text = ""
				m.State = StateRetrying
				m.RetryAttempt = attempt
			})
			log.Warn("Question failed; retrying", "message", id, "attempt", attempt, "err", err)
		})

	c.update(id, func(m *Message) {
		switch {
		case err != nil:
			m.Text = ""
			m.State = StateFailed
			m.Err = err
			m.CanRetry = !errors.Is(err, api.ErrUnauthorized) && m.RetryClicks < MaxRetryClicks
		case resp.Status == api.StatusEmpty:
			m.Text = ""
			m.State = StateEmpty
			m.Err = ErrEmptyAnswer
			m.CanRetry = m.RetryClicks < MaxRetryClicks
		default:
			m.Text = resp.Text
			m.State = StateDone
			m.Err = nil
			m.CanRetry = false
		}
	})

	final, _ := c.Message(id)
	if err != nil {
		log.Error("Question failed", "message", id, "err", err)
	}
	return final, err
}
