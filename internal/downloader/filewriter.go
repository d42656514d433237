package downloader

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
)

// isDiskFull reports whether err wraps the OS's "no space left on
// device" condition (ENOSPC), the signal the queue uses to trigger
// emergency cache eviction.
func isDiskFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}

// existingTempBytes returns the length of a segment's in-progress temp
// file, or 0 if it doesn't exist yet.
func existingTempBytes(cacheDir, tempName string) int64 {
	fi, err := os.Stat(filepath.Join(cacheDir, tempName))
	if err != nil {
		return 0
	}
	return fi.Size()
}

// finalFileLength returns the length of a segment's finished file, or
// -1 if it doesn't exist.
func finalFileLength(cacheDir, finalName string) int64 {
	fi, err := os.Stat(filepath.Join(cacheDir, finalName))
	if err != nil {
		return -1
	}
	return fi.Size()
}

// finalize commits a completed download: if another goroutine already
// produced the final file with the correct size (it won the race), our
// temp copy is discarded; otherwise the temp file is atomically renamed
// into place. Rename is the commit point.
func finalize(cacheDir, tempName, finalName string, expectedSize int64) error {
	tempPath := filepath.Join(cacheDir, tempName)
	finalPath := filepath.Join(cacheDir, finalName)

	if size := finalFileLength(cacheDir, finalName); size >= expectedSize {
		_ = os.Remove(tempPath)
		return nil
	}

	return os.Rename(tempPath, finalPath)
}
