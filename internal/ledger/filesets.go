package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/blockvault/blockvault/internal/volume"
)

// Special blockset ids for entries without content.
const (
	FolderBlocksetID  int64 = -1
	SymlinkBlocksetID int64 = -2
)

// Fileset is one backup version. Version 0 is the newest.
type Fileset struct {
	ID           int64
	Version      int
	VolumeID     int64
	VolumeName   string
	Time         time.Time
	IsFullBackup bool
}

// FileRecord is a file, folder or symlink entry of a fileset, with everything needed
// to write it back into a filelist.
type FileRecord struct {
	ID           int64
	Path         string
	Type         string
	LastModified time.Time
	BlocksetID   int64
	Hash         string
	Size         int64
	BlockHash    string
	Blocklists   []string
}

// Filesets returns every fileset, newest first, with ordinal versions assigned.
func (t *Tx) Filesets(ctx context.Context) ([]Fileset, error) {
	rows, err := t.query(ctx, `
		SELECT f.id, f.volume_id, COALESCE(rv.name, ''), f.timestamp, f.is_full_backup
		FROM fileset f LEFT JOIN remote_volume rv ON rv.id = f.volume_id
		ORDER BY f.timestamp DESC, f.id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Fileset
	for rows.Next() {
		var (
			fs   Fileset
			ts   int64
			full int
		)
		if err := rows.Scan(&fs.ID, &fs.VolumeID, &fs.VolumeName, &ts, &full); err != nil {
			return nil, err
		}
		fs.Version = len(out)
		fs.Time = time.Unix(ts, 0).UTC()
		fs.IsFullBackup = full != 0
		out = append(out, fs)
	}
	return out, rows.Err()
}

// AddFileset registers a fileset stored in the given Files volume.
func (t *Tx) AddFileset(ctx context.Context, volumeID int64, ts time.Time, isFull bool) (int64, error) {
	full := 0
	if isFull {
		full = 1
	}
	res, err := t.exec(ctx,
		`INSERT INTO fileset (volume_id, timestamp, is_full_backup) VALUES (?, ?, ?)`,
		volumeID, ts.Unix(), full)
	if err != nil {
		return 0, fmt.Errorf("add fileset: %w", err)
	}
	return res.LastInsertId()
}

// SetFilesetVolume moves a fileset to a new Files volume.
func (t *Tx) SetFilesetVolume(ctx context.Context, filesetID, volumeID int64) error {
	_, err := t.exec(ctx, `UPDATE fileset SET volume_id = ? WHERE id = ?`, volumeID, filesetID)
	return err
}

// AddFile records a file in a fileset, reusing an identical file row when present.
func (t *Tx) AddFile(ctx context.Context, filesetID int64, path, typ string, blocksetID int64, lastModified time.Time) (int64, error) {
	if _, err := t.exec(ctx,
		`INSERT OR IGNORE INTO file (path, type, blockset_id) VALUES (?, ?, ?)`,
		path, typ, blocksetID); err != nil {
		return 0, fmt.Errorf("add file %s: %w", path, err)
	}
	var id int64
	if err := t.queryRow(ctx,
		`SELECT id FROM file WHERE path = ? AND type = ? AND blockset_id = ?`,
		path, typ, blocksetID).Scan(&id); err != nil {
		return 0, fmt.Errorf("lookup file %s: %w", path, err)
	}
	if _, err := t.exec(ctx,
		`INSERT OR IGNORE INTO fileset_entry (fileset_id, file_id, last_modified) VALUES (?, ?, ?)`,
		filesetID, id, lastModified.Unix()); err != nil {
		return 0, fmt.Errorf("add fileset entry %s: %w", path, err)
	}
	return id, nil
}

// FilesetEntries returns the entries of a fileset ordered by path.
func (t *Tx) FilesetEntries(ctx context.Context, filesetID int64, blocksize int64) ([]FileRecord, error) {
	rows, err := t.query(ctx, `
		SELECT f.id, f.path, f.type, fe.last_modified, f.blockset_id,
		       COALESCE(bs.full_hash, ''), COALESCE(bs.length, 0)
		FROM fileset_entry fe
		JOIN file f ON f.id = fe.file_id
		LEFT JOIN blockset bs ON bs.id = f.blockset_id
		WHERE fe.fileset_id = ?
		ORDER BY f.path`, filesetID)
	if err != nil {
		return nil, err
	}
	var out []FileRecord
	for rows.Next() {
		var (
			r  FileRecord
			lm int64
		)
		if err := rows.Scan(&r.ID, &r.Path, &r.Type, &lm, &r.BlocksetID, &r.Hash, &r.Size); err != nil {
			_ = rows.Close()
			return nil, err
		}
		r.LastModified = time.Unix(lm, 0).UTC()
		out = append(out, r)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	for i := range out {
		r := &out[i]
		if r.BlocksetID < 0 {
			continue
		}
		if r.Size > blocksize {
			if r.Blocklists, err = t.blocklistHashes(ctx, r.BlocksetID); err != nil {
				return nil, err
			}
			continue
		}
		if r.Size > 0 {
			err := t.queryRow(ctx, `
				SELECT b.hash FROM blockset_entry be JOIN block b ON b.id = be.block_id
				WHERE be.blockset_id = ? AND be.idx = 0`, r.BlocksetID).Scan(&r.BlockHash)
			if err != nil {
				return nil, fmt.Errorf("first block of %s: %w", r.Path, err)
			}
		}
	}
	return out, nil
}

func (t *Tx) blocklistHashes(ctx context.Context, blocksetID int64) ([]string, error) {
	rows, err := t.query(ctx, `SELECT hash FROM blocklist_hash WHERE blockset_id = ? ORDER BY idx`, blocksetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// RemoveFilesetEntries removes files from a fileset.
func (t *Tx) RemoveFilesetEntries(ctx context.Context, filesetID int64, fileIDs []int64) error {
	for _, id := range fileIDs {
		if _, err := t.exec(ctx,
			`DELETE FROM fileset_entry WHERE fileset_id = ? AND file_id = ?`, filesetID, id); err != nil {
			return fmt.Errorf("remove fileset entry: %w", err)
		}
	}
	return nil
}

// DropFilesetsFromTable removes the filesets with the given times and everything only
// they referenced. Blocks that become unreferenced are recorded as wasted space in
// their volume. The Files volumes of the dropped filesets are returned so the caller
// can delete them remotely.
func (t *Tx) DropFilesetsFromTable(ctx context.Context, times []time.Time) ([]volume.RemoteVolume, error) {
	var dropped []volume.RemoteVolume
	for _, ts := range times {
		rows, err := t.query(ctx, `SELECT id, volume_id FROM fileset WHERE timestamp = ?`, ts.Unix())
		if err != nil {
			return nil, err
		}
		type pair struct{ id, volumeID int64 }
		var found []pair
		for rows.Next() {
			var p pair
			if err := rows.Scan(&p.id, &p.volumeID); err != nil {
				_ = rows.Close()
				return nil, err
			}
			found = append(found, p)
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}

		for _, p := range found {
			if _, err := t.exec(ctx, `DELETE FROM fileset_entry WHERE fileset_id = ?`, p.id); err != nil {
				return nil, fmt.Errorf("drop fileset entries: %w", err)
			}
			if _, err := t.exec(ctx, `DELETE FROM fileset WHERE id = ?`, p.id); err != nil {
				return nil, fmt.Errorf("drop fileset: %w", err)
			}
			v, err := t.RemoteVolumeByID(ctx, p.volumeID)
			if err != nil {
				return nil, err
			}
			dropped = append(dropped, v)
		}
	}

	if _, err := t.RecomputeUnreferenced(ctx); err != nil {
		return nil, err
	}
	return dropped, nil
}

// RecomputeUnreferenced removes files, blocksets and blocks no fileset references and
// moves the removed blocks to the deleted-block table, where they count as waste. It
// returns the number of blocks moved.
func (t *Tx) RecomputeUnreferenced(ctx context.Context) (int64, error) {
	steps := []string{
		`DELETE FROM file WHERE id NOT IN (SELECT file_id FROM fileset_entry)`,
		`DELETE FROM blocklist_hash WHERE blockset_id NOT IN (SELECT blockset_id FROM file)`,
		`DELETE FROM blockset_entry WHERE blockset_id NOT IN (SELECT blockset_id FROM file)`,
		`DELETE FROM blockset WHERE id NOT IN (SELECT blockset_id FROM file)`,
		`CREATE TEMP TABLE IF NOT EXISTS unreferenced_block (id INTEGER PRIMARY KEY)`,
		`DELETE FROM unreferenced_block`,
		`INSERT INTO unreferenced_block (id)
			SELECT id FROM block
			WHERE id NOT IN (SELECT block_id FROM blockset_entry)
			  AND hash NOT IN (SELECT hash FROM blocklist_hash)`,
		`INSERT INTO deleted_block (hash, size, volume_id)
			SELECT hash, size, volume_id FROM block
			WHERE id IN (SELECT id FROM unreferenced_block) AND volume_id >= 0`,
		`INSERT INTO deleted_block (hash, size, volume_id)
			SELECT b.hash, b.size, d.volume_id FROM duplicate_block d JOIN block b ON b.id = d.block_id
			WHERE d.block_id IN (SELECT id FROM unreferenced_block)`,
		`DELETE FROM duplicate_block WHERE block_id IN (SELECT id FROM unreferenced_block)`,
	}
	for _, q := range steps {
		if _, err := t.exec(ctx, q); err != nil {
			return 0, fmt.Errorf("recompute unreferenced: %w", err)
		}
	}
	res, err := t.exec(ctx, `DELETE FROM block WHERE id IN (SELECT id FROM unreferenced_block)`)
	if err != nil {
		return 0, fmt.Errorf("recompute unreferenced: %w", err)
	}
	return res.RowsAffected()
}
