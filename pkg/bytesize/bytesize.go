// Package bytesize reads and prints the binary byte sizes used for volume,
// block and quota settings.
package bytesize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Binary multiples.
const (
	KB int64 = 1 << (10 * (iota + 1))
	MB
	GB
	TB
)

type unit struct {
	factor   int64
	symbol   string
	suffixes []string // accepted spellings, upper case
}

// units is ordered largest first for Format.
var units = []unit{
	{TB, "TB", []string{"T", "TB", "TI", "TIB"}},
	{GB, "GB", []string{"G", "GB", "GI", "GIB"}},
	{MB, "MB", []string{"M", "MB", "MI", "MIB"}},
	{KB, "KB", []string{"K", "KB", "KI", "KIB"}},
	{1, "B", []string{"", "B"}},
}

var factors = func() map[string]int64 {
	m := make(map[string]int64)
	for _, u := range units {
		for _, s := range u.suffixes {
			m[s] = u.factor
		}
	}
	return m
}()

var errEmpty = errors.New("empty byte size")

// Parse reads a size such as "1024", "50MB", "1.5 GiB" or "4k". A bare number
// is bytes. Units are binary and case-insensitive.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errEmpty
	}
	split := strings.IndexFunc(s, func(r rune) bool { return r != '.' && !unicode.IsDigit(r) })
	num, suffix := s, ""
	if split >= 0 {
		num, suffix = s[:split], strings.TrimSpace(s[split:])
	}
	if num == "" || strings.HasSuffix(num, ".") {
		return 0, fmt.Errorf("byte size %q: expected a number", s)
	}
	factor, ok := factors[strings.ToUpper(suffix)]
	if !ok {
		return 0, fmt.Errorf("byte size %q: unknown unit %q", s, suffix)
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("byte size %q: %w", s, err)
	}
	bytes := v * float64(factor)
	if bytes >= math.MaxInt64 {
		return 0, fmt.Errorf("byte size %q: out of range", s)
	}
	return int64(bytes), nil
}

// Format prints n in the largest unit it reaches, with at most two decimals.
// Negative sizes mean unknown.
func Format(n int64) string {
	if n < 0 {
		return "unknown"
	}
	for _, u := range units {
		if n >= u.factor && u.factor > 1 {
			v := strconv.FormatFloat(float64(n)/float64(u.factor), 'f', 2, 64)
			v = strings.TrimSuffix(strings.TrimRight(v, "0"), ".")
			return v + " " + u.symbol
		}
	}
	return strconv.FormatInt(n, 10) + " B"
}

// Size is a byte count that reads from YAML as either a number or a unit string.
type Size int64

// Bytes returns the size as an int64.
func (s Size) Bytes() int64 { return int64(s) }

func (s Size) String() string { return Format(int64(s)) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: byte size must be a scalar", node.Line)
	}
	v, err := Parse(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = Size(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Size) MarshalYAML() (any, error) {
	return int64(s), nil
}
