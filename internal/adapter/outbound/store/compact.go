package store

import (
	"fmt"
	"os"

	bolt "go.etcd.io/bbolt"

	"github.com/reticlehq/reticle/internal/domain/protocol"
)

// Compact rewrites the session store into a fresh file with no stale
// free-list pages, then swaps it into place. A sidecar lockfile
// (path + ".lock") guards against a second reticle process compacting the
// same store concurrently, since bbolt's own file lock only covers the
// live *bolt.DB handle this process holds, not a copy it is about to
// replace it with.
func (s *Store) Compact() error {
	lockPath := s.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("%w: opening compaction lockfile: %v", protocol.ErrStorage, err)
	}
	defer os.Remove(lockPath)
	defer lockFile.Close()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("%w: acquiring compaction lock: %v", protocol.ErrStorage, err)
	}
	defer flockUnlock(lockFile.Fd())

	tmpPath := s.path + ".compact.tmp"
	_ = os.Remove(tmpPath)

	dst, err := bolt.Open(tmpPath, 0o600, nil)
	if err != nil {
		return fmt.Errorf("%w: opening compaction target: %v", protocol.ErrStorage, err)
	}

	err = dst.Update(func(dstTx *bolt.Tx) error {
		return s.db.View(func(srcTx *bolt.Tx) error {
			for _, name := range [][]byte{sessionsBucket, sessionIndexBucket} {
				dstBucket, err := dstTx.CreateBucketIfNotExists(name)
				if err != nil {
					return err
				}
				srcBucket := srcTx.Bucket(name)
				if srcBucket == nil {
					continue
				}
				if err := srcBucket.ForEach(func(k, v []byte) error {
					return dstBucket.Put(append([]byte(nil), k...), append([]byte(nil), v...))
				}); err != nil {
					return err
				}
			}
			return nil
		})
	})
	closeErr := dst.Close()
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: compacting: %v", protocol.ErrStorage, err)
	}
	if closeErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: closing compaction target: %v", protocol.ErrStorage, closeErr)
	}

	if err := s.db.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: closing live store before swap: %v", protocol.ErrStorage, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("%w: swapping compacted store into place: %v", protocol.ErrStorage, err)
	}

	reopened, err := bolt.Open(s.path, 0o600, nil)
	if err != nil {
		return fmt.Errorf("%w: reopening compacted store: %v", protocol.ErrStorage, err)
	}
	s.db = reopened
	return nil
}
