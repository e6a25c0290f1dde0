// Package retention decides which filesets a delete operation removes.
//
// Selection is a pure function over fileset metadata. Strategies are evaluated
// independently and their results are unioned; KeepVersions is then applied to
// what is left, and a final clamp keeps at least one fileset unless full removal
// is explicitly allowed.
package retention

import (
	"sort"
	"time"
)

// Fileset is the metadata the selector works on.
type Fileset struct {
	// Version is the ordinal of the fileset, 0 being the newest.
	Version      int
	Time         time.Time
	IsFullBackup bool
}

// Options configures SelectForDeletion. Zero values disable a strategy.
type Options struct {
	// Versions lists explicit version ordinals to remove.
	Versions []int
	// KeepTime removes filesets older than Now minus KeepTime.
	KeepTime Span
	// KeepVersions keeps this many full backups.
	KeepVersions int
	// Policy thins backups per timeframe.
	Policy []PolicyRule
	// AllowFullRemoval permits removing every fileset.
	AllowFullRemoval bool
	// Now is the reference time. Defaults to time.Now.
	Now time.Time
}

// SelectForDeletion returns the filesets to remove, newest first. The result is
// always a subset of the input.
func SelectForDeletion(filesets []Fileset, opts Options) []Fileset {
	if len(filesets) == 0 {
		return nil
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	sorted := make([]Fileset, len(filesets))
	copy(sorted, filesets)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.After(sorted[j].Time) })

	removed := make(map[int]bool)
	mark := func(list []Fileset) {
		for _, f := range list {
			removed[f.Version] = true
		}
	}
	mark(specificVersions(sorted, opts.Versions))
	if !opts.KeepTime.IsZero() && !opts.KeepTime.Unlimited {
		mark(keepTime(sorted, opts.KeepTime.Before(now)))
	}
	if len(opts.Policy) > 0 {
		mark(retentionPolicy(sorted, opts.Policy, now, opts.AllowFullRemoval))
	}

	if opts.KeepVersions > 0 {
		var remaining []Fileset
		for _, f := range sorted {
			if !removed[f.Version] {
				remaining = append(remaining, f)
			}
		}
		mark(keepVersions(remaining, opts.KeepVersions))
	}

	var out []Fileset
	for _, f := range sorted {
		if removed[f.Version] {
			out = append(out, f)
		}
	}

	if len(out) == len(sorted) && !opts.AllowFullRemoval {
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func specificVersions(filesets []Fileset, versions []int) []Fileset {
	if len(versions) == 0 {
		return nil
	}
	want := make(map[int]bool, len(versions))
	for _, v := range versions {
		want[v] = true
	}
	var out []Fileset
	for _, f := range filesets {
		if want[f.Version] {
			out = append(out, f)
		}
	}
	return out
}

// keepTime keeps every fileset newer than cutoff, and keeps walking past the
// cutoff until a full backup has been kept.
func keepTime(filesets []Fileset, cutoff time.Time) []Fileset {
	fullKept := false
	for i, f := range filesets {
		if f.Time.Before(cutoff) && fullKept {
			return filesets[i:]
		}
		if f.IsFullBackup {
			fullKept = true
		}
	}
	return nil
}

// keepVersions keeps the newest limit full backups along with any partial
// backups newer than the newest full one.
func keepVersions(filesets []Fileset, limit int) []Fileset {
	start := 0
	for start < len(filesets) && !filesets[start].IsFullBackup {
		start++
	}

	var out []Fileset
	kept := 0
	for _, f := range filesets[start:] {
		switch {
		case kept >= limit:
			out = append(out, f)
		case f.IsFullBackup:
			kept++
		default:
			out = append(out, f)
		}
	}
	return out
}

// retentionPolicy buckets filesets by the shortest timeframe that contains
// them and thins full backups inside each bucket.
func retentionPolicy(filesets []Fileset, rules []PolicyRule, now time.Time, allowFullRemoval bool) []Fileset {
	newest := filesets[0]
	inAnyFrame := false

	pending := make([]Fileset, 0, len(filesets))
	pending = append(pending, filesets...)

	var out []Fileset
	for _, rule := range rules {
		cutoff := rule.Timeframe.Before(now)

		var bucket, rest []Fileset
		for _, f := range pending {
			if rule.Timeframe.Unlimited || !f.Time.Before(cutoff) {
				bucket = append(bucket, f)
			} else {
				rest = append(rest, f)
			}
		}
		pending = rest

		// Oldest first, so the oldest full backup anchors the bucket.
		sort.SliceStable(bucket, func(i, j int) bool { return bucket[i].Time.Before(bucket[j].Time) })
		var lastKept time.Time
		anchored := false
		for _, f := range bucket {
			if f.Version == newest.Version {
				inAnyFrame = true
				continue
			}
			if !f.IsFullBackup {
				continue
			}
			if !anchored || rule.Interval.IsZero() || !f.Time.Before(rule.Interval.After(lastKept)) {
				lastKept = f.Time
				anchored = true
				continue
			}
			out = append(out, f)
		}
	}

	for _, f := range pending {
		if f.Version == newest.Version {
			continue
		}
		out = append(out, f)
	}
	if !inAnyFrame && allowFullRemoval {
		out = append(out, newest)
	}
	return out
}
