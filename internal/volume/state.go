package volume

import "fmt"

// State is the lifecycle state of a remote volume as recorded in the ledger.
type State int

const (
	// StateTemporary is the initial state: the volume is registered but no upload has started.
	StateTemporary State = iota

	// StateUploading indicates an upload was started; size and hash may not be final.
	StateUploading

	// StateUploaded indicates the backend acknowledged the upload.
	StateUploaded

	// StateVerified indicates the volume was seen in a remote listing with the expected size.
	StateVerified

	// StateDeleting indicates the volume is scheduled for deletion.
	StateDeleting

	// StateDeleted indicates the volume is gone or superseded (terminal state).
	StateDeleted
)

var stateNames = map[State]string{
	StateTemporary: "Temporary",
	StateUploading: "Uploading",
	StateUploaded:  "Uploaded",
	StateVerified:  "Verified",
	StateDeleting:  "Deleting",
	StateDeleted:   "Deleted",
}

// String returns the string representation of the state.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// ParseState converts the ledger representation back into a State.
func ParseState(s string) (State, error) {
	for state, name := range stateNames {
		if name == s {
			return state, nil
		}
	}
	return 0, fmt.Errorf("unknown volume state %q", s)
}

// IsTerminal returns true if this is a terminal state (no further transitions allowed).
func (s State) IsTerminal() bool {
	return s == StateDeleted
}

// IsDurable returns true if blocks stored in a volume in this state can be relied upon.
func (s State) IsDurable() bool {
	return s == StateUploaded || s == StateVerified
}

// IsPending returns true for the states of a volume that has not (yet) been acknowledged remotely.
func (s State) IsPending() bool {
	return s == StateTemporary || s == StateUploading
}

// CanTransitionTo returns true if a transition to the target state is valid.
func (s State) CanTransitionTo(target State) bool {
	if s.IsTerminal() {
		return false
	}

	switch s {
	case StateTemporary:
		// Upload begins, or the entry is superseded/confirmed absent
		return target == StateUploading || target == StateDeleting || target == StateDeleted

	case StateUploading:
		// Listed with matching size, protected retry, or scheduled for cleanup
		return target == StateUploaded || target == StateTemporary || target == StateDeleting

	case StateUploaded:
		// Opportunistic verification, or retirement
		return target == StateVerified || target == StateDeleting

	case StateVerified:
		return target == StateDeleting

	case StateDeleting:
		return target == StateDeleted

	default:
		return false
	}
}

// TransitionError is returned when an invalid state transition is attempted.
type TransitionError struct {
	Volume string
	From   State
	To     State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for volume %s: %s -> %s", e.Volume, e.From, e.To)
}

// CheckTransition returns a *TransitionError when from -> to is not part of the lifecycle.
// Re-asserting the current state is always allowed.
func CheckTransition(name string, from, to State) error {
	if from == to || from.CanTransitionTo(to) {
		return nil
	}
	return &TransitionError{Volume: name, From: from, To: to}
}
