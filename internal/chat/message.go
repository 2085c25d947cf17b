package chat

// Role says who wrote a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// State is where an assistant message is in its lifecycle.
type State string

const (
	StatePending   State = "pending"
	StateStreaming State = "streaming"
	StateRetrying  State = "retrying"
	StateDone      State = "done"
	StateEmpty     State = "empty"
	StateFailed    State = "failed"
)

// Message is one entry in a conversation.
type Message struct {
	ID   string
	Role Role
	Text string

	State State
	Err   error

	// Question is the user text an assistant message answers.
	Question string

	// RetryAttempt is the automatic attempt that failed last while the
	// message is retrying.
	RetryAttempt     int
	MaxRetryAttempts int

	// CanRetry reports whether a manual retry is offered.
	CanRetry    bool
	RetryClicks int
}

// Finished reports whether the message has reached a final state.
func (m Message) Finished() bool {
	switch m.State {
	case StateDone, StateEmpty, StateFailed:
		return true
	}
	return false
}
