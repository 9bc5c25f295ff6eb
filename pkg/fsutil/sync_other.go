//go:build !unix

package fsutil

import "os"

// FsyncDir is best effort on platforms without directory fsync.
func FsyncDir(dirPath string) error {
	_, err := os.Stat(dirPath)
	return err
}

func isCrossDevice(err error) bool {
	return false
}
