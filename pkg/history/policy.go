// Package history implements the message-history retention policy applied to
// a conversation before each turn.
package history

import "fmt"

// Kind selects how much prior conversation is replayed to the model.
type Kind string

const (
	// KindNone sends no history.
	KindNone Kind = "none"
	// KindLastN sends the most recent N messages.
	KindLastN Kind = "lastN"
	// KindAll sends the full conversation.
	KindAll Kind = "all"
)

// Policy is a retention policy. N is only meaningful for KindLastN.
type Policy struct {
	Kind Kind `json:"kind" mapstructure:"kind"`
	N    int  `json:"n,omitempty" mapstructure:"n"`
}

// Default returns the policy used when an agent does not specify one.
func Default() Policy {
	return Policy{Kind: KindAll}
}

// Validate checks that the policy is one of the accepted kinds and that
// lastN carries a positive length.
func (p Policy) Validate() error {
	switch p.Kind {
	case KindNone, KindAll:
		return nil
	case KindLastN:
		if p.N <= 0 {
			return fmt.Errorf("lastN policy requires a positive length, got %d", p.N)
		}
		return nil
	default:
		return fmt.Errorf("unknown history policy %q", p.Kind)
	}
}

// Apply returns the subset of messages the policy retains, preserving order.
// The input slice is never mutated; lastN with N <= 0 behaves like none, and
// an unknown kind keeps everything rather than silently dropping history.
func Apply[M any](messages []M, p Policy) []M {
	switch p.Kind {
	case KindNone:
		return []M{}
	case KindLastN:
		if p.N <= 0 {
			return []M{}
		}
		if p.N >= len(messages) {
			return messages
		}
		return messages[len(messages)-p.N:]
	default:
		return messages
	}
}
