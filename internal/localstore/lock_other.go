//go:build !unix

package localstore

import "os"

// Advisory locking is only implemented on unix; elsewhere the lock file just
// marks the store as in use.
func lockFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
}

func unlockFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Close()
}
