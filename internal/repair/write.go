package repair

import (
	"context"
	"fmt"

	"github.com/blockvault/blockvault/internal/archive"
	"github.com/blockvault/blockvault/internal/ledger"
	"github.com/blockvault/blockvault/internal/remote"
	"github.com/blockvault/blockvault/internal/volume"
)

// staged is a volume registered in the ledger and queued for upload.
type staged struct {
	name string
	hash string
}

func (c *Coordinator) uniqueName(ctx context.Context, tx *ledger.Tx, typ volume.Type, fs ledger.Fileset) (string, error) {
	ts := c.now()
	if !fs.Time.IsZero() {
		ts = fs.Time
	}
	return volume.UniqueName(c.prefix, typ, ts, c.codec.CompressionModule(), c.codec.EncryptionModule(),
		func(name string) (bool, error) { return tx.VolumeNameTaken(ctx, name) })
}

// stage registers a new volume as Uploading and queues its upload.
func (c *Coordinator) stage(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager, name string, typ volume.Type, data []byte) (int64, staged, error) {
	id, err := tx.RegisterRemoteVolume(ctx, name, typ, volume.StateTemporary)
	if err != nil {
		return 0, staged{}, err
	}
	s := staged{name: name, hash: archive.HashVolume(data)}
	if err := tx.UpdateRemoteVolume(ctx, name, volume.StateUploading, int64(len(data)), s.hash); err != nil {
		return 0, staged{}, err
	}
	if err := tx.Checkpoint(ctx); err != nil {
		return 0, staged{}, err
	}
	if err := mgr.Put(ctx, name, data); err != nil {
		return 0, staged{}, err
	}
	return id, s, nil
}

// flush waits for queued uploads and marks them Uploaded.
func (c *Coordinator) flush(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager, pending []staged) error {
	if len(pending) == 0 {
		return nil
	}
	hashes := make(map[string]string, len(pending))
	for _, s := range pending {
		hashes[s.name] = s.hash
	}
	uploads, err := mgr.WaitForEmpty(ctx)
	if err != nil {
		return err
	}
	for _, u := range uploads {
		if err := tx.UpdateRemoteVolume(ctx, u.Name, volume.StateUploaded, u.Size, hashes[u.Name]); err != nil {
			return err
		}
	}
	return tx.Checkpoint(ctx)
}

// filelist renders the Files volume of a fileset from the ledger.
func (c *Coordinator) filelist(ctx context.Context, tx *ledger.Tx, fs ledger.Fileset) ([]byte, error) {
	records, err := tx.FilesetEntries(ctx, fs.ID, c.codec.Blocksize())
	if err != nil {
		return nil, err
	}
	fl := archive.Filelist{IsFullBackup: fs.IsFullBackup}
	for _, r := range records {
		fl.Entries = append(fl.Entries, archive.FileEntry{
			Type:       archive.EntryType(r.Type),
			Path:       r.Path,
			Hash:       r.Hash,
			Size:       r.Size,
			Time:       r.LastModified,
			BlockHash:  r.BlockHash,
			Blocklists: r.Blocklists,
		})
	}
	return c.codec.WriteFilelist(fl)
}

// rewriteFileset uploads a fresh Files volume for fs, points the fileset at it and
// returns the volume it replaces.
func (c *Coordinator) rewriteFileset(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager, fs ledger.Fileset) (string, error) {
	data, err := c.filelist(ctx, tx, fs)
	if err != nil {
		return "", fmt.Errorf("render fileset %s: %w", fs.Time, err)
	}
	name, err := c.uniqueName(ctx, tx, volume.TypeFiles, fs)
	if err != nil {
		return "", err
	}
	id, s, err := c.stage(ctx, tx, mgr, name, volume.TypeFiles, data)
	if err != nil {
		return "", err
	}
	if err := c.flush(ctx, tx, mgr, []staged{s}); err != nil {
		return "", err
	}
	if err := tx.SetFilesetVolume(ctx, fs.ID, id); err != nil {
		return "", err
	}
	c.logger.Info().Str("volume", name).Str("replaces", fs.VolumeName).Time("fileset", fs.Time).Msg("Uploaded Files volume")
	return name, tx.Checkpoint(ctx)
}

// rewriteIndex uploads an Index volume describing the given Blocks volumes.
func (c *Coordinator) rewriteIndex(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager, blocks []volume.RemoteVolume) (string, error) {
	w := c.codec.NewIndexVolume()
	for _, b := range blocks {
		keys, err := tx.BlocksInVolume(ctx, b.ID)
		if err != nil {
			return "", err
		}
		refs := make([]archive.BlockRef, len(keys))
		for i, k := range keys {
			refs[i] = archive.BlockRef{Hash: k.Hash, Size: k.Size}
		}
		w.AddVolume(b.Name, b.Hash, b.Size, refs)

		lists, err := tx.BlocklistsInVolume(ctx, b.ID, c.codec.HashesPerBlocklist())
		if err != nil {
			return "", err
		}
		for _, l := range lists {
			raw, err := archive.EncodeBlocklist(l.Hashes)
			if err != nil {
				return "", err
			}
			w.AddBlocklist(l.Hash, raw)
		}
	}
	data, err := w.Finish()
	if err != nil {
		return "", err
	}

	name, err := c.uniqueName(ctx, tx, volume.TypeIndex, ledger.Fileset{})
	if err != nil {
		return "", err
	}
	id, s, err := c.stage(ctx, tx, mgr, name, volume.TypeIndex, data)
	if err != nil {
		return "", err
	}
	if err := c.flush(ctx, tx, mgr, []staged{s}); err != nil {
		return "", err
	}
	for _, b := range blocks {
		if err := tx.LinkIndexVolume(ctx, id, b.ID); err != nil {
			return "", err
		}
	}
	c.logger.Info().Str("volume", name).Int("describes", len(blocks)).Msg("Uploaded Index volume")
	return name, tx.Checkpoint(ctx)
}

// retire moves a volume to Deleting, deletes it remotely and marks it Deleted. A
// failed delete is logged and the volume stays in Deleting.
func (c *Coordinator) retire(ctx context.Context, tx *ledger.Tx, mgr *remote.Manager, v volume.RemoteVolume) error {
	if v.State != volume.StateDeleting {
		if err := tx.SetVolumeState(ctx, v.Name, volume.StateDeleting); err != nil {
			return err
		}
		if err := tx.Checkpoint(ctx); err != nil {
			return err
		}
	}
	if err := mgr.Delete(ctx, v.Name, v.Size); err != nil {
		c.logger.Warn().Err(err).Str("volume", v.Name).Msg("Failed to delete volume, leaving it for the next run")
		return nil
	}
	if err := tx.SetVolumeState(ctx, v.Name, volume.StateDeleted); err != nil {
		return err
	}
	return tx.Checkpoint(ctx)
}
