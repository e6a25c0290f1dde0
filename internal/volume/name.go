package volume

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimeFormat is the timestamp layout embedded in generated volume names.
const TimeFormat = "20060102T150405Z"

// dateFormat is the short timestamp layout accepted when parsing.
const dateFormat = "20060102"

// Name errors.
var (
	// ErrInvalidName is returned when a remote object name does not follow the volume grammar.
	ErrInvalidName = errors.New("invalid volume name")
	// ErrUniqueNameExhausted is returned when no unused volume name could be generated.
	ErrUniqueNameExhausted = errors.New("unable to generate a unique volume name")
)

// maxNameAttempts bounds UniqueName.
const maxNameAttempts = 10

// ParsedVolume is the information decoded from a volume's file name.
type ParsedVolume struct {
	Prefix            string
	Type              Type
	Time              time.Time
	GUID              string // 32 hex characters as written in the name, empty when the name carries none
	CompressionModule string
	EncryptionModule  string // empty when the volume is not encrypted
}

// Name renders the volume name:
//
//	<prefix>-<marker>-<timestamp>[-<guid>].<compression>[.<encryption>]
func (p ParsedVolume) Name() string {
	var b strings.Builder
	b.WriteString(p.Prefix)
	b.WriteByte('-')
	b.WriteString(p.Type.marker())
	b.WriteByte('-')
	b.WriteString(p.Time.UTC().Format(TimeFormat))
	if p.GUID != "" {
		b.WriteByte('-')
		b.WriteString(p.GUID)
	}
	b.WriteByte('.')
	b.WriteString(p.CompressionModule)
	if p.EncryptionModule != "" {
		b.WriteByte('.')
		b.WriteString(p.EncryptionModule)
	}
	return b.String()
}

// Generate renders the name for the given components. It is the inverse of Parse.
func Generate(prefix string, t Type, ts time.Time, guid, compression, encryption string) string {
	return ParsedVolume{
		Prefix:            prefix,
		Type:              t,
		Time:              ts,
		GUID:              guid,
		CompressionModule: compression,
		EncryptionModule:  encryption,
	}.Name()
}

// NewGUID returns a fresh random volume GUID.
func NewGUID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// NewName generates a fresh, unique volume name stamped with ts.
func NewName(prefix string, t Type, ts time.Time, compression, encryption string) string {
	return Generate(prefix, t, ts.UTC().Truncate(time.Second), NewGUID(), compression, encryption)
}

// UniqueName generates a name for which taken reports false.
func UniqueName(prefix string, t Type, ts time.Time, compression, encryption string, taken func(string) (bool, error)) (string, error) {
	for i := 0; i < maxNameAttempts; i++ {
		name := NewName(prefix, t, ts, compression, encryption)
		used, err := taken(name)
		if err != nil {
			return "", err
		}
		if !used {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w after %d attempts", ErrUniqueNameExhausted, maxNameAttempts)
}

// Parse decodes a remote object name. The name is parsed from the right so that the
// prefix itself may contain dashes and dots: the module extensions are taken off
// the end first, then the optional GUID, the timestamp and the type marker.
func Parse(name string) (ParsedVolume, error) {
	segs := strings.Split(name, ".")
	if len(segs) < 2 || segs[0] == "" {
		return ParsedVolume{}, fmt.Errorf("%w: %q: missing extension", ErrInvalidName, name)
	}

	var firstErr error
	for _, n := range []int{1, 2} {
		if n >= len(segs) {
			break
		}
		exts := segs[len(segs)-n:]
		for _, e := range exts {
			if e == "" {
				return ParsedVolume{}, fmt.Errorf("%w: %q: empty module name", ErrInvalidName, name)
			}
		}
		p, err := parseStem(strings.Join(segs[:len(segs)-n], "."))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		p.CompressionModule = exts[0]
		if n == 2 {
			p.EncryptionModule = exts[1]
		}
		return p, nil
	}
	return ParsedVolume{}, fmt.Errorf("%w: %q: %v", ErrInvalidName, name, firstErr)
}

// parseStem decodes <prefix>-<marker>-<timestamp>[-<guid>].
func parseStem(stem string) (ParsedVolume, error) {
	var p ParsedVolume
	parts := strings.Split(stem, "-")
	if len(parts) >= 4 && isGUID(parts[len(parts)-1]) {
		p.GUID = parts[len(parts)-1]
		parts = parts[:len(parts)-1]
	}
	if len(parts) < 3 {
		return p, errors.New("too few components")
	}

	ts, err := parseTimestamp(parts[len(parts)-1])
	if err != nil {
		return p, err
	}
	p.Time = ts

	t, ok := typeFromMarker(parts[len(parts)-2])
	if !ok {
		return p, fmt.Errorf("unknown type marker %q", parts[len(parts)-2])
	}
	p.Type = t

	p.Prefix = strings.Join(parts[:len(parts)-2], "-")
	if p.Prefix == "" {
		return p, errors.New("empty prefix")
	}
	return p, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(TimeFormat, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(dateFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q", s)
	}
	return t, nil
}

func isGUID(s string) bool {
	if len(s) != 32 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
