package operation

import (
	"context"
	"fmt"
	"time"

	"github.com/blockvault/blockvault/internal/compact"
	"github.com/blockvault/blockvault/internal/ledger"
	"github.com/blockvault/blockvault/internal/rebuild"
	"github.com/blockvault/blockvault/internal/reconcile"
	"github.com/blockvault/blockvault/internal/remote"
	"github.com/blockvault/blockvault/internal/repair"
	"github.com/blockvault/blockvault/internal/retention"
	"github.com/blockvault/blockvault/internal/volume"
)

// CompactResult is the outcome of a compaction.
type CompactResult struct {
	Report *compact.Report
	Stats  compact.Stats
}

// DeleteResult is the outcome of a delete.
type DeleteResult struct {
	Removed        []retention.Fileset
	DeletedVolumes []string
	// Compact is set when auto-compaction ran.
	Compact *CompactResult
}

// Delete removes the filesets selected by the retention options, deletes their
// Files volumes and, unless disabled, compacts afterwards.
func (r *Runner) Delete(ctx context.Context) (*DeleteResult, error) {
	res := &DeleteResult{}
	err := r.run(ctx, OpDelete, func(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager) error {
		if _, err := r.trusted(ctx, tx, mgr); err != nil {
			return err
		}

		filesets, err := tx.Filesets(ctx)
		if err != nil {
			return err
		}
		candidates := make([]retention.Fileset, len(filesets))
		for i, fs := range filesets {
			candidates[i] = retention.Fileset{Version: fs.Version, Time: fs.Time, IsFullBackup: fs.IsFullBackup}
		}
		opts := r.retention
		if opts.Now.IsZero() {
			opts.Now = r.now()
		}
		res.Removed = retention.SelectForDeletion(candidates, opts)
		if len(res.Removed) == 0 {
			r.logger.Info().Int("filesets", len(filesets)).Msg("No filesets selected for deletion")
		} else {
			times := make([]time.Time, len(res.Removed))
			for i, fs := range res.Removed {
				times[i] = fs.Time
				r.logger.Info().Int("version", fs.Version).Time("time", fs.Time).
					Bool("full", fs.IsFullBackup).Msg("Deleting fileset")
				r.audit.LogFilesetRemoval(OpDelete, fs.Version, fs.Time)
			}
			vols, err := tx.DropFilesetsFromTable(ctx, times)
			if err != nil {
				return err
			}
			if err := tx.Checkpoint(ctx); err != nil {
				return err
			}
			if res.DeletedVolumes, err = r.deleteVolumes(ctx, tx, mgr, vols); err != nil {
				return err
			}
		}

		if r.noAutoCompact {
			return nil
		}
		res.Compact, err = r.compact(ctx, tx, mgr)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Compact reclaims and compacts Blocks volumes.
func (r *Runner) Compact(ctx context.Context) (*CompactResult, error) {
	var res *CompactResult
	err := r.run(ctx, OpCompact, func(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager) error {
		if _, err := r.trusted(ctx, tx, mgr); err != nil {
			return err
		}
		var err error
		res, err = r.compact(ctx, tx, mgr)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Runner) compact(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager) (*CompactResult, error) {
	report, err := r.compactor.Report(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !report.ShouldReclaim && !report.ShouldCompact {
		r.logger.Info().Float64("waste", report.WasteRatio()).Msg("Compaction not needed")
		return &CompactResult{Report: report}, nil
	}
	stats, err := r.compactor.Execute(ctx, tx, mgr, report)
	if err != nil {
		return nil, fmt.Errorf("compact: %w", err)
	}
	return &CompactResult{Report: report, Stats: stats}, nil
}

// deleteVolumes retires Files volumes of dropped filesets. A failed remote delete
// leaves the volume in Deleting for the next reconcile.
func (r *Runner) deleteVolumes(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager, vols []volume.RemoteVolume) ([]string, error) {
	for _, v := range vols {
		if err := tx.SetVolumeState(ctx, v.Name, volume.StateDeleting); err != nil {
			return nil, err
		}
	}
	if err := tx.Checkpoint(ctx); err != nil {
		return nil, err
	}

	var deleted []string
	for _, v := range vols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := mgr.Delete(ctx, v.Name, v.Size)
		r.audit.LogVolumeDelete(OpDelete, v.Name, "fileset removed", err)
		if err != nil {
			r.logger.Warn().Err(err).Str("volume", v.Name).Msg("Failed to delete volume, leaving it for the next run")
			continue
		}
		if err := tx.SetVolumeState(ctx, v.Name, volume.StateDeleted); err != nil {
			return nil, err
		}
		deleted = append(deleted, v.Name)
	}
	return deleted, tx.Checkpoint(ctx)
}

// Repair fixes the remote store from the ledger, or recreates an empty ledger.
func (r *Runner) Repair(ctx context.Context, filter rebuild.Filter) (*repair.Result, error) {
	var res *repair.Result
	err := r.run(ctx, OpRepair, func(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager) error {
		var err error
		res, err = r.repair.Repair(ctx, tx, mgr, repair.Options{Filter: filter})
		return err
	})
	if err != nil {
		return nil, err
	}
	if res.Rebuilt == nil {
		for _, name := range res.ExtraDeleted {
			r.audit.LogVolumeDelete(OpRepair, name, "not in ledger", nil)
		}
		for _, name := range res.FilesRewritten {
			r.audit.LogVolumeRegenerated(OpRepair, volume.TypeFiles.String(), name)
		}
		for _, name := range res.IndexesRewritten {
			r.audit.LogVolumeRegenerated(OpRepair, volume.TypeIndex.String(), name)
		}
		for _, name := range res.BlocksLost {
			r.audit.LogVolumeLost(OpRepair, name)
		}
	}
	return res, nil
}

// Recreate rebuilds an empty ledger from the remote store.
func (r *Runner) Recreate(ctx context.Context, filter rebuild.Filter) (*rebuild.Result, error) {
	var res *rebuild.Result
	err := r.run(ctx, OpRecreate, func(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager) error {
		var err error
		res, err = r.rebuilder.Rebuild(ctx, tx, mgr, filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Verify reconciles in strict mode. The ledger fixes of the pass are kept; a trust
// violation is returned alongside the result.
func (r *Runner) Verify(ctx context.Context) (*reconcile.Result, error) {
	var res *reconcile.Result
	err := r.run(ctx, OpVerify, func(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager) error {
		var err error
		res, err = r.reconciler.Reconcile(ctx, tx, mgr, reconcile.Options{Strict: true})
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, res.Err()
}

// ListBroken returns the filesets holding broken files.
func (r *Runner) ListBroken(ctx context.Context) ([]repair.BrokenFileset, error) {
	var groups []repair.BrokenFileset
	err := r.run(ctx, OpListBroken, func(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager) error {
		var err error
		groups, err = r.repair.ListBroken(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// PurgeBroken removes broken files from their filesets.
func (r *Runner) PurgeBroken(ctx context.Context) (*repair.PurgeResult, error) {
	var res *repair.PurgeResult
	err := r.run(ctx, OpPurgeBroken, func(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager) error {
		if _, err := r.trusted(ctx, tx, mgr); err != nil {
			return err
		}
		var err error
		res, err = r.repair.PurgeBroken(ctx, tx, mgr)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, g := range res.Filesets {
		for _, f := range g.Files {
			r.audit.LogFilePurge(g.Fileset.Time, f.Path)
		}
		if g.Emptied() {
			r.audit.LogFilesetRemoval(OpPurgeBroken, g.Fileset.Version, g.Fileset.Time)
		}
	}
	return res, nil
}
