package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/blockvault/blockvault/internal/volume"
)

// AddBlockset returns the id of the blockset with the given full hash and length,
// creating it when unknown. created reports whether a new row was inserted.
func (t *Tx) AddBlockset(ctx context.Context, fullHash string, length int64) (id int64, created bool, err error) {
	err = t.queryRow(ctx, `SELECT id FROM blockset WHERE full_hash = ? AND length = ?`, fullHash, length).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, err
	}
	res, err := t.exec(ctx, `INSERT INTO blockset (full_hash, length) VALUES (?, ?)`, fullHash, length)
	if err != nil {
		return 0, false, fmt.Errorf("add blockset: %w", err)
	}
	id, err = res.LastInsertId()
	return id, true, err
}

// AddBlocksetEntry places a block at position idx of a blockset.
func (t *Tx) AddBlocksetEntry(ctx context.Context, blocksetID, idx, blockID int64) error {
	_, err := t.exec(ctx,
		`INSERT OR IGNORE INTO blockset_entry (blockset_id, idx, block_id) VALUES (?, ?, ?)`,
		blocksetID, idx, blockID)
	return err
}

// AddBlocklistHash records the hash of blocklist number idx of a blockset.
func (t *Tx) AddBlocklistHash(ctx context.Context, blocksetID, idx int64, hash string) error {
	_, err := t.exec(ctx,
		`INSERT OR IGNORE INTO blocklist_hash (blockset_id, idx, hash) VALUES (?, ?, ?)`,
		blocksetID, idx, hash)
	return err
}

// BlocklistRef is a blocklist whose block hashes have not been expanded into the
// blockset yet.
type BlocklistRef struct {
	BlocksetID int64
	Idx        int64
	Hash       string
	Length     int64
}

// MissingBlocklistHashes returns the blocklists whose content is still unknown.
func (t *Tx) MissingBlocklistHashes(ctx context.Context, hashesPerList int64) ([]BlocklistRef, error) {
	rows, err := t.query(ctx, `
		SELECT bh.blockset_id, bh.idx, bh.hash, bs.length
		FROM blocklist_hash bh JOIN blockset bs ON bs.id = bh.blockset_id
		WHERE NOT EXISTS (
		  SELECT 1 FROM blockset_entry be
		  WHERE be.blockset_id = bh.blockset_id AND be.idx = bh.idx * ?)
		ORDER BY bh.blockset_id, bh.idx`, hashesPerList)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BlocklistRef
	for rows.Next() {
		var r BlocklistRef
		if err := rows.Scan(&r.BlocksetID, &r.Idx, &r.Hash, &r.Length); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ExpandBlocklist fills the blockset entries listed by a blocklist. Block sizes are
// derived from the blockset length; the last block of a file may be short.
func (t *Tx) ExpandBlocklist(ctx context.Context, ref BlocklistRef, hashes []string, blocksize, hashesPerList int64) error {
	blockCount := (ref.Length + blocksize - 1) / blocksize
	for j, h := range hashes {
		idx := ref.Idx*hashesPerList + int64(j)
		if idx >= blockCount {
			return fmt.Errorf("blocklist %s lists block %d of a %d-block file", ref.Hash, idx, blockCount)
		}
		size := blocksize
		if idx == blockCount-1 {
			size = ref.Length - idx*blocksize
		}
		id, err := t.UpdateBlock(ctx, h, size, -1)
		if err != nil {
			return err
		}
		if err := t.AddBlocksetEntry(ctx, ref.BlocksetID, idx, id); err != nil {
			return err
		}
	}
	return nil
}

// UnresolvedBlockCount returns the number of blocks with no known volume or whose
// only known location is not durable, such as a placeholder for a lost volume.
func (t *Tx) UnresolvedBlockCount(ctx context.Context) (int64, error) {
	return t.count(ctx, `
		SELECT COUNT(*) FROM block b
		LEFT JOIN remote_volume rv ON rv.id = b.volume_id
		WHERE rv.id IS NULL OR rv.state NOT IN (?, ?)`,
		volume.StateUploaded.String(), volume.StateVerified.String())
}

// BrokenFile is a fileset entry whose content cannot be fully resolved to durable
// Blocks volumes.
type BrokenFile struct {
	FilesetID   int64
	FilesetTime time.Time
	FileID      int64
	Path        string
}

// BrokenFiles returns the entries with a block outside any Uploaded or Verified
// Blocks volume, or with fewer blocks recorded than their length requires.
func (t *Tx) BrokenFiles(ctx context.Context, blocksize int64) ([]BrokenFile, error) {
	rows, err := t.query(ctx, `
		SELECT fs.id, fs.timestamp, f.id, f.path
		FROM fileset_entry fe
		JOIN fileset fs ON fs.id = fe.fileset_id
		JOIN file f ON f.id = fe.file_id
		JOIN blockset bs ON bs.id = f.blockset_id
		WHERE EXISTS (
		    SELECT 1 FROM blockset_entry be
		    JOIN block b ON b.id = be.block_id
		    LEFT JOIN remote_volume rv ON rv.id = b.volume_id
		    WHERE be.blockset_id = bs.id
		      AND (rv.id IS NULL OR rv.type <> ? OR rv.state NOT IN (?, ?)))
		  OR (SELECT COUNT(*) FROM blockset_entry be WHERE be.blockset_id = bs.id) <> (bs.length + ? - 1) / ?
		ORDER BY fs.timestamp DESC, f.path`,
		volume.TypeBlocks.String(), volume.StateUploaded.String(), volume.StateVerified.String(),
		blocksize, blocksize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BrokenFile
	for rows.Next() {
		var (
			b  BrokenFile
			ts int64
		)
		if err := rows.Scan(&b.FilesetID, &ts, &b.FileID, &b.Path); err != nil {
			return nil, err
		}
		b.FilesetTime = time.Unix(ts, 0).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

// FilesetEntryCount returns the number of entries in a fileset.
func (t *Tx) FilesetEntryCount(ctx context.Context, filesetID int64) (int64, error) {
	return t.count(ctx, `SELECT COUNT(*) FROM fileset_entry WHERE fileset_id = ?`, filesetID)
}

// SetConfiguration stores a backup-wide setting.
func (t *Tx) SetConfiguration(ctx context.Context, key, value string) error {
	_, err := t.exec(ctx,
		`INSERT INTO configuration (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// Configuration returns a stored setting.
func (t *Tx) Configuration(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := t.queryRow(ctx, `SELECT value FROM configuration WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}
