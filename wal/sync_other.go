//go:build !linux

package wal

import "os"

func fdatasync(f *os.File) error {
	return f.Sync()
}

// syncDir is best effort: not every platform can fsync a directory handle.
func syncDir(dir string) error {
	d, err := os.Open(dir) //nolint:gosec // G304: WAL directory is configured
	if err != nil {
		return err
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}
