// Package compact reclaims remote space held by blocks no fileset needs anymore.
//
// Volumes without any live block are deleted outright. When waste crosses the
// configured threshold, or too many small volumes have accumulated, the live
// blocks of the affected volumes are copied into new, full volumes and the
// sources are deleted once their replacement is uploaded.
package compact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/blockvault/blockvault/internal/archive"
	"github.com/blockvault/blockvault/internal/ledger"
	"github.com/blockvault/blockvault/internal/metrics"
	"github.com/blockvault/blockvault/internal/remote"
	"github.com/blockvault/blockvault/internal/volume"
)

// Defaults applied by New for unset config values.
const (
	DefaultVolumeSize        = 50 << 20
	DefaultThreshold         = 0.25
	DefaultSmallFileMaxCount = 20
)

const prefetchDepth = 2

// Config configures a Compactor.
type Config struct {
	Prefix  string
	Codec   *archive.Codec
	Logger  zerolog.Logger
	Metrics *metrics.EngineMetrics

	VolumeSize        int64
	Threshold         *float64 // wasted fraction that triggers compaction; nil selects DefaultThreshold
	SmallFileSize     int64    // volumes at or below this size count as small; 0 disables
	SmallFileMaxCount int
	IndexPolicy       IndexPolicy

	Now func() time.Time
}

// Compactor decides on and performs compaction.
type Compactor struct {
	prefix  string
	codec   *archive.Codec
	logger  zerolog.Logger
	metrics *metrics.EngineMetrics

	volumeSize        int64
	threshold         float64
	smallFileSize     int64
	smallFileMaxCount int
	indexPolicy       IndexPolicy
	now               func() time.Time
}

// New creates a Compactor.
func New(cfg Config) *Compactor {
	c := &Compactor{
		prefix:            cfg.Prefix,
		codec:             cfg.Codec,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
		volumeSize:        cfg.VolumeSize,
		threshold:         DefaultThreshold,
		smallFileSize:     cfg.SmallFileSize,
		smallFileMaxCount: cfg.SmallFileMaxCount,
		indexPolicy:       cfg.IndexPolicy,
		now:               cfg.Now,
	}
	if c.volumeSize <= 0 {
		c.volumeSize = DefaultVolumeSize
	}
	if cfg.Threshold != nil {
		c.threshold = *cfg.Threshold
	}
	if c.smallFileMaxCount <= 0 {
		c.smallFileMaxCount = DefaultSmallFileMaxCount
	}
	if c.indexPolicy == "" {
		c.indexPolicy = IndexFull
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Stats counts what an Execute call moved.
type Stats struct {
	Deleted        int
	DeletedSize    int64
	Uploaded       int
	UploadedSize   int64
	Downloaded     int
	DownloadedSize int64
	MovedBlocks    int
}

// Changed reports whether anything was deleted or uploaded.
func (s Stats) Changed() bool { return s.Deleted+s.Uploaded > 0 }

// Execute carries out a report: volumes without live blocks are deleted first, then
// compactable volumes are migrated when compaction is warranted. Ledger work is
// checkpointed around every remote mutation. With a dry-run manager and transaction
// the same steps run but nothing is changed.
func (c *Compactor) Execute(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager, r *Report) (Stats, error) {
	var st Stats

	if r.ShouldReclaim {
		var vols []volume.RemoteVolume
		for _, u := range r.Deletable {
			v, err := tx.RemoteVolumeByID(ctx, u.ID)
			if err != nil {
				return st, err
			}
			vols = append(vols, v)
		}
		c.logger.Info().Int("volumes", len(vols)).Msg("Deleting volumes without live blocks")
		if err := c.retire(ctx, tx, mgr, vols, &st); err != nil {
			return st, err
		}
	}

	if r.ShouldCompact && len(r.Compactable) > 0 {
		c.logger.Info().
			Int("volumes", len(r.Compactable)).
			Float64("waste_ratio", r.WasteRatio()).
			Msg("Compacting volumes")
		if err := c.migrate(ctx, tx, mgr, r.Compactable, &st); err != nil {
			return st, err
		}
	}

	c.logger.Info().
		Int("deleted", st.Deleted).
		Int64("deleted_bytes", st.DeletedSize).
		Int("uploaded", st.Uploaded).
		Int64("uploaded_bytes", st.UploadedSize).
		Int("downloaded", st.Downloaded).
		Int64("downloaded_bytes", st.DownloadedSize).
		Bool("dry_run", mgr.DryRun()).
		Msg("Compaction finished")
	return st, nil
}

// destination is a Blocks volume being filled. Blocks copied into it keep resolving
// to their source until the upload is acknowledged.
type destination struct {
	id    int64
	name  string
	w     *archive.BlockVolumeWriter
	moves []ledger.BlockKey
}

func (c *Compactor) uniqueName(ctx context.Context, tx *ledger.Tx, typ volume.Type) (string, error) {
	return volume.UniqueName(c.prefix, typ, c.now(), c.codec.CompressionModule(), c.codec.EncryptionModule(),
		func(name string) (bool, error) { return tx.VolumeNameTaken(ctx, name) })
}

func (c *Compactor) newDestination(ctx context.Context, tx *ledger.Tx) (*destination, error) {
	name, err := c.uniqueName(ctx, tx, volume.TypeBlocks)
	if err != nil {
		return nil, err
	}
	id, err := tx.RegisterRemoteVolume(ctx, name, volume.TypeBlocks, volume.StateTemporary)
	if err != nil {
		return nil, err
	}
	return &destination{id: id, name: name, w: c.codec.NewBlockVolume()}, nil
}

func (c *Compactor) migrate(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager, sources []ledger.VolumeUsage, st *Stats) error {
	limit := c.volumeSize - c.codec.Blocksize()

	names := make([]string, len(sources))
	byName := make(map[string]ledger.VolumeUsage, len(sources))
	for i, u := range sources {
		names[i] = u.Name
		byName[u.Name] = u
	}

	dest, err := c.newDestination(ctx, tx)
	if err != nil {
		return err
	}
	var drained []volume.RemoteVolume

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for d := range mgr.Prefetch(pctx, names, prefetchDepth) {
		src := byName[d.Name]
		log := c.logger.With().Str("volume", src.Name).Logger()
		if d.Err != nil {
			log.Warn().Err(d.Err).Msg("Failed to download volume, skipping it")
			continue
		}
		st.Downloaded++
		st.DownloadedSize += int64(len(d.Data))

		live, err := tx.LiveBlocks(ctx, src.ID)
		if err != nil {
			return err
		}
		bv, err := c.codec.OpenBlocks(d.Data)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to open volume, skipping it")
			continue
		}

		moved := 0
		err = bv.Each(func(hash string, data []byte) error {
			size, ok := live[hash]
			if !ok || size != int64(len(data)) {
				return nil
			}
			if err := dest.w.Add(hash, data); err != nil {
				return err
			}
			dest.moves = append(dest.moves, ledger.BlockKey{Hash: hash, Size: size})
			moved++
			st.MovedBlocks++

			if dest.w.Size() < limit {
				return nil
			}
			if err := c.finish(ctx, tx, mgr, dest, drained, st); err != nil {
				return err
			}
			drained = nil
			next, err := c.newDestination(ctx, tx)
			if err != nil {
				return err
			}
			dest = next
			return nil
		})
		switch {
		case errors.Is(err, archive.ErrCorruptBlock):
			log.Warn().Err(err).Msg("Volume holds a corrupt block, keeping it")
			continue
		case err != nil:
			return err
		}

		if moved < len(live) {
			log.Warn().Int("live", len(live)).Int("found", moved).Msg("Volume is missing live blocks, keeping it")
			continue
		}
		v, err := tx.RemoteVolumeByID(ctx, src.ID)
		if err != nil {
			return err
		}
		drained = append(drained, v)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if dest.w.Count() > 0 {
		return c.finish(ctx, tx, mgr, dest, drained, st)
	}
	// Nothing left to write: drop the tentative volume.
	if err := tx.RemoveRemoteVolumes(ctx, []string{dest.name}); err != nil {
		return err
	}
	return c.retire(ctx, tx, mgr, drained, st)
}

// finish uploads dest with its Index volume, repoints the copied blocks once the
// upload is acknowledged and then retires the sources whose blocks it completes.
func (c *Compactor) finish(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager, dest *destination, drained []volume.RemoteVolume, st *Stats) error {
	data, err := dest.w.Finish()
	if err != nil {
		return fmt.Errorf("finish %s: %w", dest.name, err)
	}
	hashes := map[string]string{dest.name: archive.HashVolume(data)}
	if err := tx.UpdateRemoteVolume(ctx, dest.name, volume.StateUploading, int64(len(data)), hashes[dest.name]); err != nil {
		return err
	}

	var (
		indexName string
		indexData []byte
	)
	if c.indexPolicy != IndexNone {
		indexName, indexData, err = c.buildIndex(ctx, tx, dest, data)
		if err != nil {
			return err
		}
		hashes[indexName] = archive.HashVolume(indexData)
	}

	// Record the uploads before they start so a crash leaves a trace for the reconciler.
	if err := tx.Checkpoint(ctx); err != nil {
		return err
	}
	if err := mgr.Put(ctx, dest.name, data); err != nil {
		return err
	}
	if indexData != nil {
		if err := mgr.Put(ctx, indexName, indexData); err != nil {
			return err
		}
	}
	uploads, err := mgr.WaitForEmpty(ctx)
	if err != nil {
		return err
	}
	acked := false
	for _, u := range uploads {
		acked = acked || u.Name == dest.name
	}
	if !acked {
		return fmt.Errorf("upload of %s was not acknowledged", dest.name)
	}
	for _, m := range dest.moves {
		if err := tx.RegisterDuplicatedBlock(ctx, m.Hash, m.Size, dest.id); err != nil {
			return err
		}
	}
	for _, u := range uploads {
		if err := tx.UpdateRemoteVolume(ctx, u.Name, volume.StateUploaded, u.Size, hashes[u.Name]); err != nil {
			return err
		}
		st.Uploaded++
		st.UploadedSize += u.Size
	}
	if err := tx.Checkpoint(ctx); err != nil {
		return err
	}
	c.logger.Info().
		Str("volume", dest.name).
		Int("blocks", dest.w.Count()).
		Int("sources", len(drained)).
		Msg("Uploaded compacted volume")

	return c.retire(ctx, tx, mgr, drained, st)
}

func (c *Compactor) buildIndex(ctx context.Context, tx *ledger.Tx, dest *destination, data []byte) (string, []byte, error) {
	name, err := c.uniqueName(ctx, tx, volume.TypeIndex)
	if err != nil {
		return "", nil, err
	}
	id, err := tx.RegisterRemoteVolume(ctx, name, volume.TypeIndex, volume.StateTemporary)
	if err != nil {
		return "", nil, err
	}

	w := c.codec.NewIndexVolume()
	w.AddVolume(dest.name, archive.HashVolume(data), int64(len(data)), dest.w.Blocks())
	if c.indexPolicy == IndexFull {
		hashes := make([]string, len(dest.moves))
		for i, m := range dest.moves {
			hashes[i] = m.Hash
		}
		lists, err := tx.BlocklistsForHashes(ctx, hashes, c.codec.HashesPerBlocklist())
		if err != nil {
			return "", nil, err
		}
		for _, l := range lists {
			raw, err := archive.EncodeBlocklist(l.Hashes)
			if err != nil {
				return "", nil, err
			}
			w.AddBlocklist(l.Hash, raw)
		}
	}
	out, err := w.Finish()
	if err != nil {
		return "", nil, fmt.Errorf("finish %s: %w", name, err)
	}
	if err := tx.UpdateRemoteVolume(ctx, name, volume.StateUploading, int64(len(out)), archive.HashVolume(out)); err != nil {
		return "", nil, err
	}
	if err := tx.LinkIndexVolume(ctx, id, dest.id); err != nil {
		return "", nil, err
	}
	return name, out, nil
}

// retire deletes Blocks volumes together with the Index volumes that only describe
// them. Every volume is marked Deleting and checkpointed before the remote delete.
// A failed delete is logged and left in Deleting for the reconciler to finish.
func (c *Compactor) retire(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager, blocks []volume.RemoteVolume, st *Stats) error {
	if len(blocks) == 0 {
		return nil
	}

	for _, v := range blocks {
		if err := c.markDeleting(ctx, tx, v); err != nil {
			return err
		}
	}
	vols := append([]volume.RemoteVolume(nil), blocks...)
	seen := make(map[int64]bool)
	for _, v := range blocks {
		seen[v.ID] = true
	}
	for _, v := range blocks {
		indexes, err := tx.IndexVolumesFor(ctx, v.ID)
		if err != nil {
			return err
		}
		for _, iv := range indexes {
			if seen[iv.ID] || iv.State == volume.StateDeleted {
				continue
			}
			seen[iv.ID] = true
			if err := c.markDeleting(ctx, tx, iv); err != nil {
				return err
			}
			vols = append(vols, iv)
		}
	}
	if err := tx.Checkpoint(ctx); err != nil {
		return err
	}

	for _, v := range vols {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := mgr.Delete(ctx, v.Name, v.Size); err != nil {
			c.logger.Warn().Err(err).Str("volume", v.Name).Msg("Failed to delete volume, leaving it for the next run")
			continue
		}
		if err := tx.SetVolumeState(ctx, v.Name, volume.StateDeleted); err != nil {
			return err
		}
		if v.Type == volume.TypeBlocks {
			if err := tx.PurgeVolumeBlocks(ctx, v.ID); err != nil {
				return err
			}
		}
		st.Deleted++
		if v.Size > 0 {
			st.DeletedSize += v.Size
		}
	}
	return tx.Checkpoint(ctx)
}

func (c *Compactor) markDeleting(ctx context.Context, tx *ledger.Tx, v volume.RemoteVolume) error {
	if v.State == volume.StateDeleting {
		return nil
	}
	return tx.SetVolumeState(ctx, v.Name, volume.StateDeleting)
}
