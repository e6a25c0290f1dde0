//go:build windows

package remote

import (
	"context"
	"fmt"

	"golang.org/x/sys/windows"
)

// Quota implements QuotaReporter from the volume holding the backend directory.
func (b *LocalBackend) Quota(ctx context.Context) (Quota, error) {
	pathPtr, err := windows.UTF16PtrFromString(b.dir)
	if err != nil {
		return Quota{}, fmt.Errorf("utf16 path: %w", err)
	}

	var freeBytesAvailable, totalBytes, totalFreeBytes uint64
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &freeBytesAvailable, &totalBytes, &totalFreeBytes); err != nil {
		return Quota{}, fmt.Errorf("GetDiskFreeSpaceEx %s: %w", b.dir, err)
	}
	return Quota{Total: int64(totalBytes), Free: int64(freeBytesAvailable)}, nil
}
