//go:build !unix

package concurrency

import (
	"os"
	"sync"
)

// Without flock only goroutines of one process are serialized.
var fileLock sync.Mutex

func lockFile(f *os.File, exclusive bool) error {
	fileLock.Lock()
	return nil
}

func unlockFile(f *os.File) error {
	fileLock.Unlock()
	return nil
}
