package harness

import "fmt"

// Outcome is the terminal result of the allocation or binding phase of a session.
//
// The numeric values are part of the report format.
type Outcome int

const (
	OutcomeSuccess Outcome = 0
	OutcomeError   Outcome = 1 // server answered with an error response
	OutcomeBogus   Outcome = 2 // server answered with something else, or garbage
	OutcomeTimeout Outcome = 5 // no answer obtained
	OutcomeNone    Outcome = 10
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeError:
		return "error"
	case OutcomeBogus:
		return "bogus"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeNone:
		return "none"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// State is where a session is in its lifecycle.
type State int

const (
	StateCreated State = iota
	StateAllocating
	StateBinding
	StateExchanging
	StateDone
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAllocating:
		return "allocating"
	case StateBinding:
		return "binding"
	case StateExchanging:
		return "exchanging"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
