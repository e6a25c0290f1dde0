package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blockvault/blockvault/internal/volume"
)

const volumeColumns = `id, name, type, state, size, hash, delete_grace_period, lock_expiration`

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}

func scanVolume(row scanner) (volume.RemoteVolume, error) {
	var (
		v            volume.RemoteVolume
		typ, state   string
		grace, lockT int64
	)
	if err := row.Scan(&v.ID, &v.Name, &typ, &state, &v.Size, &v.Hash, &grace, &lockT); err != nil {
		return v, err
	}
	var err error
	if v.Type, err = volume.ParseType(typ); err != nil {
		return v, err
	}
	if v.State, err = volume.ParseState(state); err != nil {
		return v, err
	}
	v.DeleteGracePeriod = timeOrZero(grace)
	v.LockExpiration = timeOrZero(lockT)
	return v, nil
}

func (t *Tx) queryVolumes(ctx context.Context, query string, args ...any) ([]volume.RemoteVolume, error) {
	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []volume.RemoteVolume
	for rows.Next() {
		v, err := scanVolume(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// RemoteVolumes returns every remote volume row ordered by id.
func (t *Tx) RemoteVolumes(ctx context.Context) ([]volume.RemoteVolume, error) {
	return t.queryVolumes(ctx, `SELECT `+volumeColumns+` FROM remote_volume ORDER BY id`)
}

// RemoteVolumesOfType returns the rows of one volume type in the given states.
// With no states, all states are returned.
func (t *Tx) RemoteVolumesOfType(ctx context.Context, typ volume.Type, states ...volume.State) ([]volume.RemoteVolume, error) {
	query := `SELECT ` + volumeColumns + ` FROM remote_volume WHERE type = ?`
	args := []any{typ.String()}
	if len(states) > 0 {
		query += ` AND state IN (` + placeholders(len(states)) + `)`
		for _, s := range states {
			args = append(args, s.String())
		}
	}
	return t.queryVolumes(ctx, query+` ORDER BY id`, args...)
}

// RemoteVolume returns the most recent row with the given name.
func (t *Tx) RemoteVolume(ctx context.Context, name string) (volume.RemoteVolume, error) {
	v, err := scanVolume(t.queryRow(ctx,
		`SELECT `+volumeColumns+` FROM remote_volume WHERE name = ? ORDER BY id DESC LIMIT 1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return v, fmt.Errorf("remote volume %s: %w", name, ErrNotFound)
	}
	return v, err
}

// VolumeNameTaken reports whether any row uses name.
func (t *Tx) VolumeNameTaken(ctx context.Context, name string) (bool, error) {
	n, err := t.count(ctx, `SELECT COUNT(*) FROM remote_volume WHERE name = ?`, name)
	return n > 0, err
}

// RemoteVolumeByID returns the row with the given id.
func (t *Tx) RemoteVolumeByID(ctx context.Context, id int64) (volume.RemoteVolume, error) {
	v, err := scanVolume(t.queryRow(ctx, `SELECT `+volumeColumns+` FROM remote_volume WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return v, fmt.Errorf("remote volume #%d: %w", id, ErrNotFound)
	}
	return v, err
}

// RegisterRemoteVolume inserts a new row and returns its id.
func (t *Tx) RegisterRemoteVolume(ctx context.Context, name string, typ volume.Type, state volume.State) (int64, error) {
	res, err := t.exec(ctx,
		`INSERT INTO remote_volume (name, type, state) VALUES (?, ?, ?)`,
		name, typ.String(), state.String())
	if err != nil {
		return 0, fmt.Errorf("register remote volume %s: %w", name, err)
	}
	return res.LastInsertId()
}

// UpdateRemoteVolume moves the named volume to state and records size and hash.
// The state change must be allowed by the volume state machine.
func (t *Tx) UpdateRemoteVolume(ctx context.Context, name string, state volume.State, size int64, hash string) error {
	cur, err := t.RemoteVolume(ctx, name)
	if err != nil {
		return err
	}
	if err := volume.CheckTransition(name, cur.State, state); err != nil {
		return err
	}
	_, err = t.exec(ctx,
		`UPDATE remote_volume SET state = ?, size = ?, hash = ? WHERE id = ?`,
		state.String(), size, hash, cur.ID)
	if err != nil {
		return fmt.Errorf("update remote volume %s: %w", name, err)
	}
	return nil
}

// SetVolumeState changes only the state of the named volume.
func (t *Tx) SetVolumeState(ctx context.Context, name string, state volume.State) error {
	cur, err := t.RemoteVolume(ctx, name)
	if err != nil {
		return err
	}
	return t.UpdateRemoteVolume(ctx, name, state, cur.Size, cur.Hash)
}

// SetDeleteGracePeriod sets the instant before which an absent volume in a pending
// state is kept.
func (t *Tx) SetDeleteGracePeriod(ctx context.Context, name string, until time.Time) error {
	_, err := t.exec(ctx,
		`UPDATE remote_volume SET delete_grace_period = ? WHERE id = (SELECT MAX(id) FROM remote_volume WHERE name = ?)`,
		unixOrZero(until), name)
	return err
}

// SetLockExpiration records the object-lock expiration of a volume.
func (t *Tx) SetLockExpiration(ctx context.Context, name string, until time.Time) error {
	_, err := t.exec(ctx,
		`UPDATE remote_volume SET lock_expiration = ? WHERE id = (SELECT MAX(id) FROM remote_volume WHERE name = ?)`,
		unixOrZero(until), name)
	return err
}

// VolumeReferenced reports whether any block or fileset still points at the volume.
func (t *Tx) VolumeReferenced(ctx context.Context, id int64) (bool, error) {
	n, err := t.count(ctx, `SELECT
		(SELECT COUNT(*) FROM block WHERE volume_id = ?) +
		(SELECT COUNT(*) FROM fileset WHERE volume_id = ?)`, id, id)
	return n > 0, err
}

// RemoveRemoteVolumes deletes the named rows together with their index links and
// wasted-block records. A volume still referenced by blocks or filesets is refused.
func (t *Tx) RemoveRemoteVolumes(ctx context.Context, names []string) error {
	for _, name := range names {
		rows, err := t.queryVolumes(ctx, `SELECT `+volumeColumns+` FROM remote_volume WHERE name = ?`, name)
		if err != nil {
			return err
		}
		for _, v := range rows {
			used, err := t.VolumeReferenced(ctx, v.ID)
			if err != nil {
				return err
			}
			if used {
				return fmt.Errorf("remove %s: %w", name, ErrVolumeInUse)
			}
			if _, err := t.exec(ctx,
				`DELETE FROM index_block_link WHERE index_volume_id = ? OR block_volume_id = ?`, v.ID, v.ID); err != nil {
				return fmt.Errorf("remove links of %s: %w", name, err)
			}
			for _, q := range []string{
				`DELETE FROM deleted_block WHERE volume_id = ?`,
				`DELETE FROM duplicate_block WHERE volume_id = ?`,
				`DELETE FROM remote_volume WHERE id = ?`,
			} {
				if _, err := t.exec(ctx, q, v.ID); err != nil {
					return fmt.Errorf("remove %s: %w", name, err)
				}
			}
		}
	}
	return nil
}

// CountRemoteVolumes returns the number of rows in the remote volume table.
func (t *Tx) CountRemoteVolumes(ctx context.Context) (int64, error) {
	return t.count(ctx, `SELECT COUNT(*) FROM remote_volume`)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
