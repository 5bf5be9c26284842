package vectorstore

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/andiggi/voidd/internal/verrors"
)

// instanceLock is an exclusive, cross-process lock on a store's data
// directory, so two daemon processes never open the same SQLite file and
// HNSW graph at once.
type instanceLock struct {
	fl *flock.Flock
}

func newInstanceLock(dir string) *instanceLock {
	return &instanceLock{fl: flock.New(filepath.Join(dir, ".voidd.lock"))}
}

// tryLock acquires the lock without blocking. It fails with StoreOpen if
// another process already holds it.
func (l *instanceLock) tryLock(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return verrors.Wrap(verrors.StoreOpen, "create store directory", err)
	}
	ok, err := l.fl.TryLock()
	if err != nil {
		return verrors.Wrap(verrors.StoreOpen, "acquire store lock", err)
	}
	if !ok {
		return verrors.New(verrors.StoreOpen, "store directory is locked by another process")
	}
	return nil
}

func (l *instanceLock) unlock() error {
	return l.fl.Unlock()
}
