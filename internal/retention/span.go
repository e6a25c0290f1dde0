package retention

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSpan is returned for a timespan that cannot be parsed.
var ErrInvalidSpan = errors.New("invalid timespan")

// Span is a calendar-aware length of time such as "6M" or "1W2D".
//
// Months and years are applied with time.AddDate so "1M" before March 31st is
// the last day of February rather than a fixed number of hours.
type Span struct {
	Years     int
	Months    int
	Days      int
	Duration  time.Duration
	Unlimited bool
}

// Unlimited is the span used by the "U" token.
var Unlimited = Span{Unlimited: true}

// IsZero reports whether the span has no length.
func (s Span) IsZero() bool {
	return !s.Unlimited && s.Years == 0 && s.Months == 0 && s.Days == 0 && s.Duration == 0
}

// Before returns t minus the span. An unlimited span returns the zero time.
func (s Span) Before(t time.Time) time.Time {
	if s.Unlimited {
		return time.Time{}
	}
	return t.AddDate(-s.Years, -s.Months, -s.Days).Add(-s.Duration)
}

// After returns t plus the span.
func (s Span) After(t time.Time) time.Time {
	if s.Unlimited {
		return time.Unix(1<<62, 0)
	}
	return t.AddDate(s.Years, s.Months, s.Days).Add(s.Duration)
}

func (s Span) String() string {
	if s.Unlimited {
		return "U"
	}
	if s.IsZero() {
		return "0"
	}
	var b strings.Builder
	for _, part := range []struct {
		n    int
		unit string
	}{{s.Years, "Y"}, {s.Months, "M"}, {s.Days, "D"}} {
		if part.n != 0 {
			b.WriteString(strconv.Itoa(part.n))
			b.WriteString(part.unit)
		}
	}
	if s.Duration != 0 {
		b.WriteString(s.Duration.String())
	}
	return b.String()
}

// ParseSpan parses a timespan.
//
// Accepted forms are "U" (unlimited), "0", a sequence of count+unit pairs with
// units s, m, h, D, W, M, Y (for example "1W2D" or "12M"), or any string
// accepted by time.ParseDuration. Units are case sensitive: "m" is minutes and
// "M" is months.
func ParseSpan(s string) (Span, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "":
		return Span{}, fmt.Errorf("%w: empty", ErrInvalidSpan)
	case "U", "u":
		return Unlimited, nil
	case "0":
		return Span{}, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return Span{}, fmt.Errorf("%w: %q is negative", ErrInvalidSpan, s)
		}
		return Span{Duration: d}, nil
	}

	var span Span
	rest := s
	for rest != "" {
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 || i == len(rest) {
			return Span{}, fmt.Errorf("%w: %q", ErrInvalidSpan, s)
		}
		n, err := strconv.Atoi(rest[:i])
		if err != nil {
			return Span{}, fmt.Errorf("%w: %q", ErrInvalidSpan, s)
		}
		switch rest[i] {
		case 's':
			span.Duration += time.Duration(n) * time.Second
		case 'm':
			span.Duration += time.Duration(n) * time.Minute
		case 'h':
			span.Duration += time.Duration(n) * time.Hour
		case 'D':
			span.Days += n
		case 'W':
			span.Days += 7 * n
		case 'M':
			span.Months += n
		case 'Y':
			span.Years += n
		default:
			return Span{}, fmt.Errorf("%w: unknown unit %q in %q", ErrInvalidSpan, rest[i], s)
		}
		rest = rest[i+1:]
	}
	return span, nil
}

// PolicyRule is one timeframe:interval pair of a retention policy.
type PolicyRule struct {
	Timeframe Span
	// Interval is the minimum distance between kept full backups. Zero keeps all.
	Interval Span
}

// ParsePolicy parses a retention policy string such as "1W:1D,4W:1W,12M:1M,U:1M".
// Rules are returned ordered by timeframe, shortest first.
func ParsePolicy(s string) ([]PolicyRule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var rules []PolicyRule
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		frame, interval, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("retention policy %q: expected timeframe:interval", part)
		}
		tf, err := ParseSpan(frame)
		if err != nil {
			return nil, fmt.Errorf("retention policy %q: %w", part, err)
		}
		if tf.IsZero() {
			return nil, fmt.Errorf("retention policy %q: timeframe must be positive", part)
		}
		iv, err := ParseSpan(interval)
		if err != nil {
			return nil, fmt.Errorf("retention policy %q: %w", part, err)
		}
		if iv.Unlimited {
			iv = Span{}
		}
		rules = append(rules, PolicyRule{Timeframe: tf, Interval: iv})
	}

	// Shortest timeframe first; an unlimited timeframe sorts last.
	ref := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Timeframe.Before(ref).After(rules[j].Timeframe.Before(ref))
	})
	return rules, nil
}
