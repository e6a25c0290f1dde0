package repair

import (
	"context"
	"sort"
	"time"

	"github.com/blockvault/blockvault/internal/ledger"
	"github.com/blockvault/blockvault/internal/remote"
)

// BrokenFileset groups the broken entries of one fileset.
type BrokenFileset struct {
	Fileset ledger.Fileset
	Files   []ledger.BrokenFile
	// Entries is the total entry count of the fileset.
	Entries int64
}

// Emptied reports whether purging would remove every entry of the fileset.
func (b BrokenFileset) Emptied() bool { return int64(len(b.Files)) >= b.Entries }

// ListBroken returns the filesets holding files whose blocks cannot be resolved to
// durable Blocks volumes, newest first.
func (c *Coordinator) ListBroken(ctx context.Context, tx *ledger.Tx) ([]BrokenFileset, error) {
	broken, err := tx.BrokenFiles(ctx, c.codec.Blocksize())
	if err != nil {
		return nil, err
	}
	if len(broken) == 0 {
		c.metrics.SetBrokenFilesets(0)
		return nil, nil
	}
	filesets, err := tx.Filesets(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]ledger.Fileset, len(filesets))
	for _, fs := range filesets {
		byID[fs.ID] = fs
	}

	grouped := make(map[int64]*BrokenFileset)
	for _, b := range broken {
		g, ok := grouped[b.FilesetID]
		if !ok {
			g = &BrokenFileset{Fileset: byID[b.FilesetID]}
			if g.Entries, err = tx.FilesetEntryCount(ctx, b.FilesetID); err != nil {
				return nil, err
			}
			grouped[b.FilesetID] = g
		}
		g.Files = append(g.Files, b)
	}

	out := make([]BrokenFileset, 0, len(grouped))
	for _, g := range grouped {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fileset.Time.After(out[j].Fileset.Time) })
	c.metrics.SetBrokenFilesets(len(out))
	return out, nil
}

// PurgeResult summarises a purge of broken files.
type PurgeResult struct {
	Filesets     []BrokenFileset
	Removed      int // entries removed
	Dropped      []time.Time
	Rewritten    []string // new Files volume names
	Unreferenced int64
}

// PurgeBroken removes the broken entries from every affected fileset. A fileset left
// empty is dropped; the others get a new Files volume. Fails with
// ErrAllFilesetsBroken when nothing would remain.
func (c *Coordinator) PurgeBroken(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager) (*PurgeResult, error) {
	groups, err := c.ListBroken(ctx, tx)
	if err != nil {
		return nil, err
	}
	res := &PurgeResult{Filesets: groups}
	if len(groups) == 0 {
		c.logger.Info().Msg("No broken files found")
		return res, nil
	}

	all, err := tx.Filesets(ctx)
	if err != nil {
		return nil, err
	}
	emptied := 0
	for _, g := range groups {
		if g.Emptied() {
			emptied++
		}
	}
	if emptied == len(all) {
		return nil, ErrAllFilesetsBroken
	}

	var drop []time.Time
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ids := make([]int64, len(g.Files))
		for i, f := range g.Files {
			ids[i] = f.FileID
		}
		log := c.logger.With().Time("fileset", g.Fileset.Time).Logger()
		log.Info().Int("files", len(ids)).Msg("Purging broken files from fileset")
		if err := tx.RemoveFilesetEntries(ctx, g.Fileset.ID, ids); err != nil {
			return nil, err
		}
		res.Removed += len(ids)

		if g.Emptied() {
			log.Warn().Msg("Fileset has no files left, dropping it")
			drop = append(drop, g.Fileset.Time)
			continue
		}
		old, err := tx.RemoteVolume(ctx, g.Fileset.VolumeName)
		if err != nil {
			return nil, err
		}
		name, err := c.rewriteFileset(ctx, tx, mgr, g.Fileset)
		if err != nil {
			return nil, err
		}
		res.Rewritten = append(res.Rewritten, name)
		if err := c.retire(ctx, tx, mgr, old); err != nil {
			return nil, err
		}
	}

	if len(drop) > 0 {
		vols, err := tx.DropFilesetsFromTable(ctx, drop)
		if err != nil {
			return nil, err
		}
		for _, v := range vols {
			if err := c.retire(ctx, tx, mgr, v); err != nil {
				return nil, err
			}
		}
		res.Dropped = drop
	}

	if res.Unreferenced, err = tx.RecomputeUnreferenced(ctx); err != nil {
		return nil, err
	}
	if err := tx.Checkpoint(ctx); err != nil {
		return nil, err
	}
	c.metrics.SetBrokenFilesets(0)
	return res, nil
}
