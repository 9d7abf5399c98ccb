//go:build !unix

package storage

import "os"

// lockFile only checks that the lock file can be created; other processes
// are not excluded on this platform.
func lockFile(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return func() { _ = f.Close() }, nil
}
