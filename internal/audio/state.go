package audio

// State is the playback state of a Player.
type State int32

const (
	StateIdle               State = iota
	StateBufferedPlaying          // playing a fully buffered blob
	StateStreamingOpen            // progressive source attached, nothing appended yet
	StateStreamingAppending       // segments arriving and playing
	StateEnded                    // the last session played to its end
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBufferedPlaying:
		return "buffered-playing"
	case StateStreamingOpen:
		return "streaming-open"
	case StateStreamingAppending:
		return "streaming-appending"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Streaming reports whether s belongs to a progressive session.
func (s State) Streaming() bool {
	return s == StateStreamingOpen || s == StateStreamingAppending
}

// Active reports whether a session holds resources in state s.
func (s State) Active() bool {
	return s == StateBufferedPlaying || s.Streaming()
}

// Status is a snapshot of a Player published to subscribers. Seq grows with
// every change, so a subscriber can drop snapshots that arrive out of order.
type Status struct {
	Seq       uint64
	State     State
	MessageID string
	Playing   bool
}
