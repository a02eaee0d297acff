package syncer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// DefaultLockStaleAfter is how old a lock file may get before a new run
// assumes its owner died.
const DefaultLockStaleAfter = 15 * time.Minute

// Lock is an exclusive lock file held for the duration of one sync run.
type Lock struct {
	path string
	info fs.FileInfo
}

// AcquireLock creates path exclusively. If another run holds it, ErrLocked is
// returned unless the file is older than staleAfter, in which case it is
// taken over.
func AcquireLock(path string, staleAfter time.Duration, now time.Time) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			return finishLock(f, path, now)
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}

		info, statErr := os.Stat(path)
		if statErr != nil {
			if errors.Is(statErr, fs.ErrNotExist) {
				continue
			}
			return nil, statErr
		}
		if now.Sub(info.ModTime()) < staleAfter {
			return nil, ErrLocked
		}
		ok, err := takeOver(path, info)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrLocked
		}
	}
	return nil, ErrLocked
}

func finishLock(f *os.File, path string, now time.Time) (*Lock, error) {
	_, werr := fmt.Fprintf(f, "%d %s\n", os.Getpid(), now.UTC().Format(time.RFC3339))
	info, serr := f.Stat()
	cerr := f.Close()
	if err := errors.Join(werr, serr, cerr); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return &Lock{path: path, info: info}, nil
}

// takeOver moves the stale lock file seen at path out of the way. Rename is
// atomic, so of two runners that both judged the lock stale only one moves
// that file; the other may instead move a fresh lock created in between, which
// it detects by file identity and mtime and puts back. It reports whether the caller
// may retry the exclusive create.
func takeOver(path string, seen fs.FileInfo) (bool, error) {
	moved := fmt.Sprintf("%s.stale.%d.%d", path, os.Getpid(), time.Now().UnixNano())
	if err := os.Rename(path, moved); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, err
	}

	info, err := os.Stat(moved)
	if err != nil {
		return false, err
	}
	if !os.SameFile(seen, info) || !info.ModTime().Equal(seen.ModTime()) {
		// Link fails if yet another runner already created path; the moved
		// lock is then lost to its owner, which Release tolerates.
		_ = os.Link(moved, path)
		_ = os.Remove(moved)
		return false, nil
	}
	if err := os.Remove(moved); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	return true, nil
}

// Release removes the lock file if it is still the one this run created.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	info, err := os.Stat(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if l.info != nil && !os.SameFile(l.info, info) {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
