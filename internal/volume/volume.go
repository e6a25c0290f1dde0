// Package volume describes remote volumes: their types, lifecycle states and file names.
package volume

import (
	"fmt"
	"time"
)

// Type is the kind of content a remote volume holds.
type Type int

const (
	// TypeFiles volumes hold one fileset manifest.
	TypeFiles Type = iota
	// TypeIndex volumes describe which blocks live in which Blocks volume.
	TypeIndex
	// TypeBlocks volumes hold raw deduplicated block payloads.
	TypeBlocks
)

// String returns the ledger representation of the type.
func (t Type) String() string {
	switch t {
	case TypeFiles:
		return "Files"
	case TypeIndex:
		return "Index"
	case TypeBlocks:
		return "Blocks"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ParseType converts the ledger representation back into a Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "Files":
		return TypeFiles, nil
	case "Index":
		return TypeIndex, nil
	case "Blocks":
		return TypeBlocks, nil
	default:
		return 0, fmt.Errorf("unknown volume type %q", s)
	}
}

// marker returns the single-letter filename marker for the type.
func (t Type) marker() string {
	switch t {
	case TypeFiles:
		return "f"
	case TypeIndex:
		return "i"
	case TypeBlocks:
		return "b"
	default:
		return ""
	}
}

func typeFromMarker(m string) (Type, bool) {
	switch m {
	case "f":
		return TypeFiles, true
	case "i":
		return TypeIndex, true
	case "b":
		return TypeBlocks, true
	default:
		return 0, false
	}
}

// RemoteVolume is the ledger record of one remote object.
type RemoteVolume struct {
	ID                int64
	Name              string
	Type              Type
	State             State
	Size              int64 // -1 when unknown
	Hash              string
	DeleteGracePeriod time.Time // zero when unset
	LockExpiration    time.Time // zero when unset
}

// InGracePeriod reports whether the entry is still protected from purging at now.
func (v RemoteVolume) InGracePeriod(now time.Time) bool {
	return !v.DeleteGracePeriod.IsZero() && v.DeleteGracePeriod.After(now)
}

// IsLocked reports whether the volume is under a retention lock at now.
func (v RemoteVolume) IsLocked(now time.Time) bool {
	return !v.LockExpiration.IsZero() && v.LockExpiration.After(now)
}
