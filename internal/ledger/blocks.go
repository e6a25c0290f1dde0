package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/blockvault/blockvault/internal/volume"
)

// BlockKey identifies a block by content hash and size.
type BlockKey struct {
	Hash string
	Size int64
}

// VolumeUsage is the space accounting of one live Blocks volume.
type VolumeUsage struct {
	ID           int64
	Name         string
	State        volume.State
	Size         int64
	ActiveSize   int64
	ActiveBlocks int64
	WastedSize   int64
}

// DataSize is the uncompressed payload the volume holds, live or not.
func (u VolumeUsage) DataSize() int64 { return u.ActiveSize + u.WastedSize }

// VolumeUsage returns the space accounting for every Blocks volume in Uploaded or
// Verified state. Wasted space counts deleted blocks and blocks that were copied
// elsewhere.
func (t *Tx) VolumeUsage(ctx context.Context) ([]VolumeUsage, error) {
	rows, err := t.query(ctx, `
		SELECT rv.id, rv.name, rv.state, rv.size,
		  COALESCE((SELECT SUM(size) FROM block WHERE volume_id = rv.id), 0),
		  (SELECT COUNT(*) FROM block WHERE volume_id = rv.id),
		  COALESCE((SELECT SUM(size) FROM deleted_block WHERE volume_id = rv.id), 0) +
		  COALESCE((SELECT SUM(b.size) FROM duplicate_block d JOIN block b ON b.id = d.block_id
		            WHERE d.volume_id = rv.id), 0)
		FROM remote_volume rv
		WHERE rv.type = ? AND rv.state IN (?, ?)
		ORDER BY rv.id`,
		volume.TypeBlocks.String(), volume.StateUploaded.String(), volume.StateVerified.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VolumeUsage
	for rows.Next() {
		var (
			u     VolumeUsage
			state string
		)
		if err := rows.Scan(&u.ID, &u.Name, &state, &u.Size, &u.ActiveSize, &u.ActiveBlocks, &u.WastedSize); err != nil {
			return nil, err
		}
		if u.State, err = volume.ParseState(state); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// LiveBlocks returns the blocks the ledger resolves to the given volume.
func (t *Tx) LiveBlocks(ctx context.Context, volumeID int64) (map[string]int64, error) {
	rows, err := t.query(ctx, `SELECT hash, size FROM block WHERE volume_id = ?`, volumeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			hash string
			size int64
		)
		if err := rows.Scan(&hash, &size); err != nil {
			return nil, err
		}
		out[hash] = size
	}
	return out, rows.Err()
}

// BlocksInVolume returns the live blocks of a volume ordered by id.
func (t *Tx) BlocksInVolume(ctx context.Context, volumeID int64) ([]BlockKey, error) {
	rows, err := t.query(ctx, `SELECT hash, size FROM block WHERE volume_id = ? ORDER BY id`, volumeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BlockKey
	for rows.Next() {
		var k BlockKey
		if err := rows.Scan(&k.Hash, &k.Size); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// RegisterDuplicatedBlock points an existing block at a new volume. The copy left in
// the previous volume is recorded as a duplicate and counts as waste there.
func (t *Tx) RegisterDuplicatedBlock(ctx context.Context, hash string, size int64, volumeID int64) error {
	var id, current int64
	err := t.queryRow(ctx, `SELECT id, volume_id FROM block WHERE hash = ? AND size = ?`, hash, size).Scan(&id, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrBlockMissing, hash)
	}
	if err != nil {
		return err
	}
	if current == volumeID {
		return nil
	}
	if current >= 0 {
		if _, err := t.exec(ctx,
			`INSERT OR IGNORE INTO duplicate_block (block_id, volume_id) VALUES (?, ?)`, id, current); err != nil {
			return fmt.Errorf("record duplicate block: %w", err)
		}
	}
	if _, err := t.exec(ctx, `DELETE FROM duplicate_block WHERE block_id = ? AND volume_id = ?`, id, volumeID); err != nil {
		return err
	}
	if _, err := t.exec(ctx, `UPDATE block SET volume_id = ? WHERE id = ?`, volumeID, id); err != nil {
		return fmt.Errorf("move block: %w", err)
	}
	return nil
}

// UpdateBlock records that the block lives in volumeID, creating the block when
// unknown. A volume id of -1 records a block whose location is not known yet. A
// block already resolved to another volume keeps its location and the new copy is
// recorded as a duplicate, unless only the new volume is durable: then the block
// moves and the old location becomes the duplicate.
func (t *Tx) UpdateBlock(ctx context.Context, hash string, size int64, volumeID int64) (int64, error) {
	var id, current int64
	err := t.queryRow(ctx, `SELECT id, volume_id FROM block WHERE hash = ? AND size = ?`, hash, size).Scan(&id, &current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := t.exec(ctx, `INSERT INTO block (hash, size, volume_id) VALUES (?, ?, ?)`, hash, size, volumeID)
		if err != nil {
			return 0, fmt.Errorf("add block: %w", err)
		}
		return res.LastInsertId()
	case err != nil:
		return 0, err
	}

	switch {
	case volumeID < 0 || current == volumeID:
	case current < 0:
		if _, err := t.exec(ctx, `UPDATE block SET volume_id = ? WHERE id = ?`, volumeID, id); err != nil {
			return 0, err
		}
	default:
		moveTo, err := t.prefersLocation(ctx, current, volumeID)
		if err != nil {
			return 0, err
		}
		if moveTo {
			return id, t.RegisterDuplicatedBlock(ctx, hash, size, volumeID)
		}
		if _, err := t.exec(ctx,
			`INSERT OR IGNORE INTO duplicate_block (block_id, volume_id) VALUES (?, ?)`, id, volumeID); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// prefersLocation reports whether a block located in current should move to
// candidate, i.e. only candidate is durable.
func (t *Tx) prefersLocation(ctx context.Context, current, candidate int64) (bool, error) {
	cur, err := t.volumeDurable(ctx, current)
	if err != nil || cur {
		return false, err
	}
	return t.volumeDurable(ctx, candidate)
}

func (t *Tx) volumeDurable(ctx context.Context, id int64) (bool, error) {
	var state string
	err := t.queryRow(ctx, `SELECT state FROM remote_volume WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s, err := volume.ParseState(state)
	if err != nil {
		return false, err
	}
	return s.IsDurable(), nil
}

// LinkIndexVolume records that an Index volume describes a Blocks volume.
func (t *Tx) LinkIndexVolume(ctx context.Context, indexID, blocksID int64) error {
	_, err := t.exec(ctx,
		`INSERT OR IGNORE INTO index_block_link (index_volume_id, block_volume_id) VALUES (?, ?)`,
		indexID, blocksID)
	return err
}

// IndexVolumesFor returns the Index volumes describing the Blocks volume that describe
// no other live Blocks volume, i.e. those that become obsolete with it.
func (t *Tx) IndexVolumesFor(ctx context.Context, blocksID int64) ([]volume.RemoteVolume, error) {
	return t.queryVolumes(ctx, `
		SELECT `+prefixed("rv", volumeColumns)+`
		FROM remote_volume rv JOIN index_block_link l ON l.index_volume_id = rv.id
		WHERE l.block_volume_id = ?
		  AND NOT EXISTS (
		    SELECT 1 FROM index_block_link l2 JOIN remote_volume b ON b.id = l2.block_volume_id
		    WHERE l2.index_volume_id = rv.id AND l2.block_volume_id <> ?
		      AND b.state NOT IN (?, ?))
		ORDER BY rv.id`,
		blocksID, blocksID, volume.StateDeleting.String(), volume.StateDeleted.String())
}

// IndexedBlockVolumes returns the Blocks volumes an Index volume describes.
func (t *Tx) IndexedBlockVolumes(ctx context.Context, indexID int64) ([]volume.RemoteVolume, error) {
	return t.queryVolumes(ctx, `
		SELECT `+prefixed("rv", volumeColumns)+`
		FROM remote_volume rv JOIN index_block_link l ON l.block_volume_id = rv.id
		WHERE l.index_volume_id = ?
		ORDER BY rv.id`, indexID)
}

// UnindexedBlockVolumes returns the Blocks volumes no Index volume describes.
func (t *Tx) UnindexedBlockVolumes(ctx context.Context) ([]volume.RemoteVolume, error) {
	return t.queryVolumes(ctx, `
		SELECT `+volumeColumns+` FROM remote_volume
		WHERE type = ? AND id NOT IN (SELECT block_volume_id FROM index_block_link)
		ORDER BY id`, volume.TypeBlocks.String())
}

// PurgeVolumeBlocks forgets the waste records and index links of a volume that has
// been removed remotely. It refuses while live blocks still resolve to the volume.
func (t *Tx) PurgeVolumeBlocks(ctx context.Context, volumeID int64) error {
	n, err := t.count(ctx, `SELECT COUNT(*) FROM block WHERE volume_id = ?`, volumeID)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("purge volume #%d with %d live blocks: %w", volumeID, n, ErrVolumeInUse)
	}
	for _, q := range []string{
		`DELETE FROM deleted_block WHERE volume_id = ?`,
		`DELETE FROM duplicate_block WHERE volume_id = ?`,
		`DELETE FROM index_block_link WHERE block_volume_id = ?`,
	} {
		if _, err := t.exec(ctx, q, volumeID); err != nil {
			return fmt.Errorf("purge volume #%d: %w", volumeID, err)
		}
	}
	return nil
}

// Blocklist is a stored blocklist block with the block hashes it lists.
type Blocklist struct {
	Hash   string
	Hashes []string
}

// BlocklistsInVolume returns the blocklists stored as blocks in the given volume.
func (t *Tx) BlocklistsInVolume(ctx context.Context, volumeID int64, hashesPerList int64) ([]Blocklist, error) {
	refs, err := t.blocklistRefs(ctx, `
		SELECT bh.blockset_id, bh.idx, bh.hash
		FROM blocklist_hash bh JOIN block b ON b.hash = bh.hash
		WHERE b.volume_id = ?
		ORDER BY bh.blockset_id, bh.idx`, volumeID)
	if err != nil {
		return nil, err
	}
	return t.expandBlocklists(ctx, refs, hashesPerList)
}

// BlocklistsForHashes returns the blocklists among the given block hashes, in the
// order the hashes are given.
func (t *Tx) BlocklistsForHashes(ctx context.Context, hashes []string, hashesPerList int64) ([]Blocklist, error) {
	var refs []blocklistRef
	for _, h := range hashes {
		r, err := t.blocklistRefs(ctx, `
			SELECT blockset_id, idx, hash FROM blocklist_hash
			WHERE hash = ? ORDER BY blockset_id, idx LIMIT 1`, h)
		if err != nil {
			return nil, err
		}
		refs = append(refs, r...)
	}
	return t.expandBlocklists(ctx, refs, hashesPerList)
}

type blocklistRef struct {
	blocksetID, idx int64
	hash            string
}

func (t *Tx) blocklistRefs(ctx context.Context, query string, args ...any) ([]blocklistRef, error) {
	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []blocklistRef
	for rows.Next() {
		var r blocklistRef
		if err := rows.Scan(&r.blocksetID, &r.idx, &r.hash); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

func (t *Tx) expandBlocklists(ctx context.Context, refs []blocklistRef, hashesPerList int64) ([]Blocklist, error) {
	seen := make(map[string]bool)
	var out []Blocklist
	for _, r := range refs {
		if seen[r.hash] {
			continue
		}
		seen[r.hash] = true
		hashes, err := t.blocksetHashes(ctx, r.blocksetID, r.idx*hashesPerList, (r.idx+1)*hashesPerList)
		if err != nil {
			return nil, err
		}
		out = append(out, Blocklist{Hash: r.hash, Hashes: hashes})
	}
	return out, nil
}

// VolumesBackingPendingBlocks returns the ids of durable Blocks volumes that hold
// a duplicate of a block whose recorded location is not durable. Such a duplicate
// may be the only restorable copy.
func (t *Tx) VolumesBackingPendingBlocks(ctx context.Context) (map[int64]bool, error) {
	rows, err := t.query(ctx, `
		SELECT DISTINCT d.volume_id
		FROM duplicate_block d
		JOIN block b ON b.id = d.block_id
		JOIN remote_volume holder ON holder.id = d.volume_id
		LEFT JOIN remote_volume rv ON rv.id = b.volume_id
		WHERE holder.state IN (?, ?)
		  AND (rv.id IS NULL OR rv.state NOT IN (?, ?))`,
		volume.StateUploaded.String(), volume.StateVerified.String(),
		volume.StateUploaded.String(), volume.StateVerified.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (t *Tx) blocksetHashes(ctx context.Context, blocksetID, from, to int64) ([]string, error) {
	rows, err := t.query(ctx, `
		SELECT b.hash FROM blockset_entry be JOIN block b ON b.id = be.block_id
		WHERE be.blockset_id = ? AND be.idx >= ? AND be.idx < ?
		ORDER BY be.idx`, blocksetID, from, to)
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

// VolumesHoldingBlocks returns the names of the Blocks volumes the given hashes
// currently resolve to.
func (t *Tx) VolumesHoldingBlocks(ctx context.Context, hashes []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, h := range hashes {
		rows, err := t.query(ctx, `
			SELECT rv.name FROM block b JOIN remote_volume rv ON rv.id = b.volume_id
			WHERE b.hash = ? AND rv.type = ?`, h, volume.TypeBlocks.String())
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				_ = rows.Close()
				return nil, err
			}
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func prefixed(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
