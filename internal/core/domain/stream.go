package domain

// StreamState is the livestream state of a single channel.
type StreamState int

const (
	NoStream StreamState = iota
	Streaming
)

func (s StreamState) String() string {
	if s == Streaming {
		return "streaming"
	}
	return "no_stream"
}

// RosterChange describes the effect of one join or leave on a channel's
// livestream roster.
type RosterChange struct {
	Channel  string   `json:"channel"`
	Username string   `json:"username"`
	Roster   []string `json:"roster"`
	Primary  string   `json:"primary,omitempty"`

	// Elected is set when this change produced a new primary.
	Elected bool `json:"elected"`

	// Changed is false when the join or leave was a no-op.
	Changed bool `json:"changed"`
}
