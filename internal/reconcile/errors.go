package reconcile

import (
	"fmt"
	"strings"
)

// Reason is the machine-readable cause of a trust violation.
type Reason string

// Reasons a remote listing cannot be trusted.
const (
	ExtraRemoteFiles                Reason = "ExtraRemoteFiles"
	DuplicateRemoteFiles            Reason = "DuplicateRemoteFiles"
	MissingRemoteFiles              Reason = "MissingRemoteFiles"
	AmbiguousStateRemoteFiles       Reason = "AmbiguousStateRemoteFiles"
	VerificationRequiredRemoteFiles Reason = "VerificationRequiredRemoteFiles"
)

// VerificationError reports that the remote store disagrees with the ledger in a way
// only an explicit repair may resolve.
type VerificationError struct {
	Reason Reason
	Names  []string
}

func (e *VerificationError) Error() string {
	const shown = 5
	names := e.Names
	more := ""
	if len(names) > shown {
		more = fmt.Sprintf(" and %d more", len(names)-shown)
		names = names[:shown]
	}
	return fmt.Sprintf("%s: %d remote file(s): %s%s", e.Reason, len(e.Names), strings.Join(names, ", "), more)
}

// Outcome is the verdict of a reconcile pass: either Ok, or a trust violation the
// caller must act on.
type Outcome struct {
	Violation *VerificationError
}

// Ok reports whether the remote store can be trusted.
func (o Outcome) Ok() bool { return o.Violation == nil }

// Err returns the violation as an error, or nil.
func (o Outcome) Err() error {
	if o.Violation == nil {
		return nil
	}
	return o.Violation
}

func violation(reason Reason, names []string) Outcome {
	return Outcome{Violation: &VerificationError{Reason: reason, Names: names}}
}
