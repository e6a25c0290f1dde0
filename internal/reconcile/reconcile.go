// Package reconcile compares the ledger against a fresh remote listing, moves volume
// states to match what the remote store holds, and reports what it cannot trust.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/blockvault/blockvault/internal/ledger"
	"github.com/blockvault/blockvault/internal/metrics"
	"github.com/blockvault/blockvault/internal/remote"
	"github.com/blockvault/blockvault/internal/volume"
)

// Config configures a Reconciler.
type Config struct {
	Prefix      string
	Logger      zerolog.Logger
	Metrics     *metrics.EngineMetrics
	Quota       *QuotaMonitor
	DeleteGrace time.Duration // how long an absent pending volume is kept
	Now         func() time.Time
}

// Reconciler runs remote-list analysis.
type Reconciler struct {
	prefix      string
	logger      zerolog.Logger
	metrics     *metrics.EngineMetrics
	quota       *QuotaMonitor
	deleteGrace time.Duration
	now         func() time.Time
}

// New creates a Reconciler.
func New(cfg Config) *Reconciler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	quota := cfg.Quota
	if quota == nil {
		quota = NewQuotaMonitor(0, 0)
	}
	return &Reconciler{
		prefix:      cfg.Prefix,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		quota:       quota,
		deleteGrace: cfg.DeleteGrace,
		now:         now,
	}
}

// Options controls a single pass.
type Options struct {
	// Protected names belong to uploads in flight in this process; they are never
	// deleted or given up on. Uploads still queued on the Manager are always
	// protected.
	Protected []string
	// Strict turns extra, missing and verification-required volumes into a violation.
	Strict bool
}

// ParsedFile is a remote object whose name parsed as a volume of our prefix.
type ParsedFile struct {
	remote.FileEntry
	Volume volume.ParsedVolume
}

// Result is the outcome of a reconcile pass.
type Result struct {
	Outcome Outcome

	Extra                []ParsedFile
	Missing              []volume.RemoteVolume
	VerificationRequired []volume.RemoteVolume
	Parsed               []ParsedFile
	OtherPrefix          []remote.FileEntry
	Unparseable          []remote.FileEntry

	KnownCount   int
	KnownSize    int64
	UnknownCount int
	UnknownSize  int64

	Quota QuotaStatus
}

// Err returns the trust violation, if any.
func (r *Result) Err() error { return r.Outcome.Err() }

// Clean reports whether nothing needs attention.
func (r *Result) Clean() bool {
	return r.Outcome.Ok() && len(r.Extra) == 0 && len(r.Missing) == 0 && len(r.VerificationRequired) == 0
}

// Reconcile lists the remote store and brings the ledger in line with it. Ledger
// changes are made through tx; remote deletes of stale pending volumes go through
// mgr. Trust violations are returned in Result.Outcome, not as an error.
func (r *Reconciler) Reconcile(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager, opts Options) (*Result, error) {
	files, err := mgr.List(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	lookup := make(map[string]ParsedFile)
	var duplicates []string
	for _, f := range files {
		p, err := volume.Parse(f.Name)
		switch {
		case err != nil:
			res.Unparseable = append(res.Unparseable, f)
			continue
		case p.Prefix != r.prefix:
			res.OtherPrefix = append(res.OtherPrefix, f)
			continue
		}
		pf := ParsedFile{FileEntry: f, Volume: p}
		if _, dup := lookup[f.Name]; dup {
			duplicates = append(duplicates, f.Name)
			continue
		}
		lookup[f.Name] = pf
		res.Parsed = append(res.Parsed, pf)
	}
	if len(duplicates) > 0 {
		r.logger.Error().Strs("volumes", duplicates).Msg("Remote listing contains duplicate names")
		res.Outcome = violation(DuplicateRemoteFiles, duplicates)
		return res, nil
	}

	rows, err := tx.RemoteVolumes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load remote volumes: %w", err)
	}
	if ambiguous := ambiguousNames(rows); len(ambiguous) > 0 {
		r.logger.Error().Strs("volumes", ambiguous).Msg("Ledger holds conflicting states for the same volume")
		res.Outcome = violation(AmbiguousStateRemoteFiles, ambiguous)
		return res, nil
	}

	protected := make(map[string]bool, len(opts.Protected))
	for _, n := range append(mgr.Pending(), opts.Protected...) {
		protected[n] = true
	}
	live := make(map[string]bool)
	for _, v := range rows {
		if v.State != volume.StateDeleted {
			live[v.Name] = true
		}
	}

	now := r.now()
	for _, v := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if v.State == volume.StateDeleted && live[v.Name] {
			continue
		}
		f, found := lookup[v.Name]
		if err := r.sweep(ctx, tx, mgr, v, f, found, protected[v.Name], now, lookup, res); err != nil {
			return nil, err
		}
	}

	for _, f := range res.Parsed {
		if _, left := lookup[f.Name]; left {
			res.Extra = append(res.Extra, f)
		}
	}
	sort.Slice(res.Extra, func(i, j int) bool { return res.Extra[i].Name < res.Extra[j].Name })

	for _, f := range res.Extra {
		res.UnknownCount++
		res.UnknownSize += f.Size
	}
	for _, group := range [][]remote.FileEntry{res.OtherPrefix, res.Unparseable} {
		for _, f := range group {
			res.UnknownCount++
			res.UnknownSize += f.Size
		}
	}

	r.checkQuota(ctx, mgr, res)
	r.report(res, opts.Strict)
	r.metrics.SetReconcile(len(res.Extra), len(res.Missing), len(res.VerificationRequired), res.KnownSize, res.UnknownSize)
	return res, nil
}

// sweep applies the state table to one ledger row. Consumed names are removed from
// lookup.
func (r *Reconciler) sweep(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager, v volume.RemoteVolume,
	f ParsedFile, found, isProtected bool, now time.Time, lookup map[string]ParsedFile, res *Result) error {
	log := r.logger.With().Str("volume", v.Name).Str("state", v.State.String()).Logger()

	consume := func() {
		delete(lookup, v.Name)
		res.KnownCount++
		res.KnownSize += f.Size
	}

	switch v.State {
	case volume.StateDeleted:
		if found {
			// A leftover of a delete we already gave up on is ours, never extra.
			consume()
			if !isProtected && !v.InGracePeriod(now) {
				r.deleteStale(ctx, mgr, v.Name, f.Size, log)
			}
			return nil
		}
		used, err := tx.VolumeReferenced(ctx, v.ID)
		if err != nil {
			return err
		}
		if used {
			return nil
		}
		log.Debug().Msg("Removing deleted volume from ledger")
		return tx.RemoveRemoteVolumes(ctx, []string{v.Name})

	case volume.StateTemporary, volume.StateDeleting:
		if found {
			consume()
			if isProtected || v.InGracePeriod(now) {
				return nil
			}
			r.deleteStale(ctx, mgr, v.Name, f.Size, log)
			return r.markDeleted(ctx, tx, v.Name, now)
		}
		if isProtected || v.InGracePeriod(now) {
			return nil
		}
		log.Info().Msg("Stale pending volume is absent, marking deleted")
		return r.markDeleted(ctx, tx, v.Name, now)

	case volume.StateUploading:
		if !found {
			if isProtected {
				log.Info().Msg("Upload not visible yet, keeping for retry")
				if err := tx.SetVolumeState(ctx, v.Name, volume.StateTemporary); err != nil {
					return err
				}
				return tx.SetDeleteGracePeriod(ctx, v.Name, now.Add(r.deleteGrace))
			}
			log.Info().Msg("Interrupted upload never reached the backend, scheduling cleanup")
			if err := tx.SetVolumeState(ctx, v.Name, volume.StateDeleting); err != nil {
				return err
			}
			return tx.SetDeleteGracePeriod(ctx, v.Name, now.Add(r.deleteGrace))
		}
		consume()
		if v.Size < 0 || v.Size == f.Size {
			log.Info().Int64("size", f.Size).Msg("Promoting uploaded volume")
			return tx.UpdateRemoteVolume(ctx, v.Name, volume.StateUploaded, f.Size, v.Hash)
		}
		// Left in Deleting; the next pass confirms the removal.
		log.Warn().Int64("expected", v.Size).Int64("actual", f.Size).Msg("Partial upload found, removing")
		if err := tx.SetVolumeState(ctx, v.Name, volume.StateDeleting); err != nil {
			return err
		}
		r.deleteStale(ctx, mgr, v.Name, f.Size, log)
		return nil

	case volume.StateUploaded, volume.StateVerified:
		if !found {
			res.Missing = append(res.Missing, v)
			return nil
		}
		consume()
		if v.Size >= 0 && v.Size != f.Size {
			res.VerificationRequired = append(res.VerificationRequired, v)
			return nil
		}
		if v.State == volume.StateUploaded {
			return tx.UpdateRemoteVolume(ctx, v.Name, volume.StateVerified, f.Size, v.Hash)
		}
	}
	return nil
}

// deleteStale removes a remote leftover. Failures are logged and the file is
// treated as deleted; the next pass sees it again if it survived.
func (r *Reconciler) deleteStale(ctx context.Context, mgr *remote.Manager, name string, size int64, log zerolog.Logger) {
	log.Info().Int64("size", size).Msg("Deleting stale remote volume")
	if err := mgr.Delete(ctx, name, size); err != nil {
		log.Warn().Err(err).Msg("Failed to delete stale volume, assuming deleted")
	}
}

func (r *Reconciler) markDeleted(ctx context.Context, tx *ledger.Tx, name string, now time.Time) error {
	if err := tx.SetVolumeState(ctx, name, volume.StateDeleted); err != nil {
		return err
	}
	return tx.SetDeleteGracePeriod(ctx, name, now.Add(r.deleteGrace))
}

func (r *Reconciler) checkQuota(ctx context.Context, mgr *remote.Manager, res *Result) {
	var reported *remote.Quota
	q, err := mgr.Quota(ctx)
	switch {
	case err == nil:
		reported = &q
	case !errors.Is(err, remote.ErrQuotaUnsupported):
		r.logger.Warn().Err(err).Msg("Failed to query backend quota")
	}
	res.Quota = r.quota.Check(res.KnownSize, reported, r.logger)
	if res.Quota.Known {
		r.metrics.SetQuotaUsed(res.Quota.UsedPct)
	}
}

func (r *Reconciler) report(res *Result, strict bool) {
	r.logger.Info().
		Int("known", res.KnownCount).
		Int64("known_size", res.KnownSize).
		Int("unknown", res.UnknownCount).
		Int64("unknown_size", res.UnknownSize).
		Msg("Remote listing analysed")

	checks := []struct {
		reason Reason
		names  []string
		msg    string
	}{
		{MissingRemoteFiles, volumeNames(res.Missing), "Volumes are missing from the remote store"},
		{ExtraRemoteFiles, fileNames(res.Extra), "Remote store holds volumes unknown to the ledger"},
		{VerificationRequiredRemoteFiles, volumeNames(res.VerificationRequired), "Remote volume sizes differ from the ledger"},
	}
	for _, c := range checks {
		if len(c.names) == 0 {
			continue
		}
		r.logger.Warn().Strs("volumes", c.names).Msg(c.msg)
		if strict && res.Outcome.Ok() {
			res.Outcome = violation(c.reason, c.names)
		}
	}
}

// ambiguousNames returns names claimed by more than one live row, or by a pending
// row and a deleted row at once.
func ambiguousNames(rows []volume.RemoteVolume) []string {
	type claim struct{ live, pending, deleted int }
	claims := make(map[string]*claim)
	for _, v := range rows {
		c := claims[v.Name]
		if c == nil {
			c = &claim{}
			claims[v.Name] = c
		}
		switch {
		case v.State == volume.StateDeleted:
			c.deleted++
		case v.State.IsPending():
			c.pending++
			c.live++
		default:
			c.live++
		}
	}
	var out []string
	for name, c := range claims {
		if c.live > 1 || (c.pending > 0 && c.deleted > 0) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func volumeNames(vols []volume.RemoteVolume) []string {
	out := make([]string, 0, len(vols))
	for _, v := range vols {
		out = append(out, v.Name)
	}
	return out
}

func fileNames(files []ParsedFile) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Name)
	}
	return out
}
