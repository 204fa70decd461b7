// Package boot drives a boot attempt from the partition table to the jump
// into the selected application.
package boot

// State is the progress of one boot attempt.
type State int

const (
	StateInit State = iota
	StateTableLoaded
	StateSlotSelected
	StateImageValid
	StateStarted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateTableLoaded:
		return "TABLE_LOADED"
	case StateSlotSelected:
		return "SLOT_SELECTED"
	case StateImageValid:
		return "IMAGE_VALID"
	case StateStarted:
		return "STARTED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state in JSON and YAML reports.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateStarted || s == StateFailed
}
