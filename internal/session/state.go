package session

// State is the position of a session in its lifecycle.
type State int

// Session states. Blocked and Closed are absorbing.
const (
	StateInit State = iota
	StateWarmup
	StateListing
	StateItemFetch
	StateBlocked
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateWarmup:
		return "warmup"
	case StateListing:
		return "listing"
	case StateItemFetch:
		return "item_fetch"
	case StateBlocked:
		return "blocked"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
