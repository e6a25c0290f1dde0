//go:build !windows

package remote

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// Quota implements QuotaReporter from the filesystem holding the backend directory.
func (b *LocalBackend) Quota(ctx context.Context) (Quota, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(b.dir, &stat); err != nil {
		return Quota{}, fmt.Errorf("statfs %s: %w", b.dir, err)
	}
	// Bsize is int64 on linux but uint32 on darwin.
	bsize := int64(stat.Bsize) //nolint:unconvert
	return Quota{
		Total: int64(stat.Blocks) * bsize,
		Free:  int64(stat.Bavail) * bsize,
	}, nil
}
