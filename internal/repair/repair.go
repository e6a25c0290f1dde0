// Package repair brings the remote store back in line with the ledger.
//
// Repair is the explicit remediation for the trust violations the reconciler
// reports. Files and Index volumes are regenerated from the ledger under new names;
// Blocks volumes cannot be regenerated, so a lost one is retired and the files that
// depended on it are reported as broken.
package repair

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/blockvault/blockvault/internal/archive"
	"github.com/blockvault/blockvault/internal/ledger"
	"github.com/blockvault/blockvault/internal/metrics"
	"github.com/blockvault/blockvault/internal/rebuild"
	"github.com/blockvault/blockvault/internal/reconcile"
	"github.com/blockvault/blockvault/internal/remote"
	"github.com/blockvault/blockvault/internal/volume"
)

// ErrAllFilesetsBroken is returned when purging broken files would leave no fileset.
var ErrAllFilesetsBroken = errors.New("every fileset is broken, refusing to purge them all")

// Config configures a Coordinator.
type Config struct {
	Prefix     string
	Codec      *archive.Codec
	Logger     zerolog.Logger
	Metrics    *metrics.EngineMetrics
	Reconciler *reconcile.Reconciler
	Rebuilder  *rebuild.Rebuilder
	Now        func() time.Time
}

// Coordinator runs repairs and broken-file purges.
type Coordinator struct {
	prefix     string
	codec      *archive.Codec
	logger     zerolog.Logger
	metrics    *metrics.EngineMetrics
	reconciler *reconcile.Reconciler
	rebuilder  *rebuild.Rebuilder
	now        func() time.Time
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		prefix:     cfg.Prefix,
		codec:      cfg.Codec,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		reconciler: cfg.Reconciler,
		rebuilder:  cfg.Rebuilder,
		now:        now,
	}
}

// Options controls a repair.
type Options struct {
	// Filter applies when the ledger is empty and repair falls back to a rebuild.
	Filter rebuild.Filter
}

// Result summarises a repair.
type Result struct {
	// Rebuilt is set when the ledger was empty and was recreated instead.
	Rebuilt *rebuild.Result

	ExtraDeleted     []string
	Corrupt          []string
	FilesRewritten   []string // new Files volume names
	IndexesRewritten []string // new Index volume names
	BlocksLost       []string
	BrokenFiles      int
}

// Changed reports whether the repair touched the remote store.
func (r *Result) Changed() bool {
	return len(r.ExtraDeleted)+len(r.FilesRewritten)+len(r.IndexesRewritten)+len(r.BlocksLost) > 0
}

// Repair reconciles the ledger with the remote listing and fixes what it finds. An
// empty ledger is recreated from the remote store instead.
func (c *Coordinator) Repair(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager, opts Options) (*Result, error) {
	n, err := tx.CountRemoteVolumes(ctx)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		c.logger.Info().Msg("Ledger is empty, recreating it from the remote store")
		rebuilt, err := c.rebuilder.Rebuild(ctx, tx, mgr, opts.Filter)
		if err != nil {
			return nil, err
		}
		return &Result{Rebuilt: rebuilt, BrokenFiles: len(rebuilt.BrokenFiles)}, nil
	}

	rec, err := c.reconciler.Reconcile(ctx, tx, mgr, reconcile.Options{})
	if err != nil {
		return nil, err
	}
	if v := rec.Outcome.Violation; v != nil {
		// Duplicates and ambiguous rows need a human; repair would guess.
		return nil, fmt.Errorf("cannot repair: %w", v)
	}
	if err := tx.Checkpoint(ctx); err != nil {
		return nil, err
	}

	res := &Result{}
	if rec.Clean() {
		c.logger.Info().Msg("Remote store matches the ledger, nothing to repair")
	}

	for _, f := range rec.Extra {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.logger.Warn().Str("volume", f.Name).Int64("size", f.Size).Msg("Deleting remote volume unknown to the ledger")
		if err := mgr.Delete(ctx, f.Name, f.Size); err != nil {
			c.logger.Warn().Err(err).Str("volume", f.Name).Msg("Failed to delete extra volume")
			continue
		}
		res.ExtraDeleted = append(res.ExtraDeleted, f.Name)
	}

	damaged := append([]volume.RemoteVolume(nil), rec.Missing...)
	if len(rec.VerificationRequired) > 0 {
		corrupt, err := c.reconciler.VerifyHashes(ctx, tx, mgr, rec.VerificationRequired)
		if err != nil {
			return nil, err
		}
		for _, v := range corrupt {
			res.Corrupt = append(res.Corrupt, v.Name)
		}
		damaged = append(damaged, corrupt...)
		if err := tx.Checkpoint(ctx); err != nil {
			return nil, err
		}
	}

	// Lost Blocks volumes first so regenerated indexes leave them out.
	sort.SliceStable(damaged, func(i, j int) bool { return repairOrder(damaged[i].Type) < repairOrder(damaged[j].Type) })
	for _, v := range damaged {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.replace(ctx, tx, mgr, v, res); err != nil {
			return nil, fmt.Errorf("repair %s: %w", v.Name, err)
		}
	}

	broken, err := tx.BrokenFiles(ctx, c.codec.Blocksize())
	if err != nil {
		return nil, err
	}
	res.BrokenFiles = len(broken)
	filesets := brokenFilesets(broken)
	c.metrics.SetBrokenFilesets(len(filesets))
	if len(broken) > 0 {
		c.logger.Warn().Int("files", len(broken)).Int("filesets", len(filesets)).
			Msg("Backup contains broken files, run purge-broken-files to remove them")
	}
	return res, nil
}

// replace regenerates or retires one missing or corrupt volume.
func (c *Coordinator) replace(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager, v volume.RemoteVolume, res *Result) error {
	log := c.logger.With().Str("volume", v.Name).Stringer("type", v.Type).Logger()

	switch v.Type {
	case volume.TypeFiles:
		fs, ok, err := filesetFor(ctx, tx, v.ID)
		if err != nil {
			return err
		}
		if ok {
			log.Info().Time("fileset", fs.Time).Msg("Regenerating Files volume from the ledger")
			name, err := c.rewriteFileset(ctx, tx, mgr, fs)
			if err != nil {
				return err
			}
			res.FilesRewritten = append(res.FilesRewritten, name)
		} else {
			log.Warn().Msg("Files volume has no fileset, retiring it")
		}

	case volume.TypeIndex:
		blocks, err := tx.IndexedBlockVolumes(ctx, v.ID)
		if err != nil {
			return err
		}
		var live []volume.RemoteVolume
		for _, b := range blocks {
			if b.State.IsDurable() {
				live = append(live, b)
			}
		}
		if len(live) > 0 {
			log.Info().Int("describes", len(live)).Msg("Regenerating Index volume from the ledger")
			name, err := c.rewriteIndex(ctx, tx, mgr, live)
			if err != nil {
				return err
			}
			res.IndexesRewritten = append(res.IndexesRewritten, name)
		}

	case volume.TypeBlocks:
		log.Warn().Msg("Blocks volume is lost, files using its blocks are now broken")
		res.BlocksLost = append(res.BlocksLost, v.Name)
	}
	return c.retire(ctx, tx, mgr, v)
}

func repairOrder(t volume.Type) int {
	switch t {
	case volume.TypeBlocks:
		return 0
	case volume.TypeIndex:
		return 1
	default:
		return 2
	}
}

func filesetFor(ctx context.Context, tx *ledger.Tx, volumeID int64) (ledger.Fileset, bool, error) {
	filesets, err := tx.Filesets(ctx)
	if err != nil {
		return ledger.Fileset{}, false, err
	}
	for _, fs := range filesets {
		if fs.VolumeID == volumeID {
			return fs, true, nil
		}
	}
	return ledger.Fileset{}, false, nil
}

func brokenFilesets(broken []ledger.BrokenFile) map[int64]time.Time {
	out := make(map[int64]time.Time)
	for _, b := range broken {
		out[b.FilesetID] = b.FilesetTime
	}
	return out
}
