package kv

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"golang.org/x/sys/unix"
)

// locksDirName is the subdirectory for lock files.
// Using a subdirectory keeps lock churn from touching the data directory's
// mtime, which other tooling may watch.
const locksDirName = ".locks"

// LockTimeout is the timeout for acquiring a key lock.
const LockTimeout = 2 * time.Second

const (
	dirPerms  = 0o755
	filePerms = 0o644
)

// File lock and key errors.
var (
	ErrInvalidKey   = errors.New("kv: invalid key")
	errLockTimeout  = errors.New("kv: lock timeout")
	errLockFileOpen = errors.New("kv: failed to open lock file")
)

// File is a [Store] that persists each key as a file inside a data directory.
// Writes go through an atomic temp-file-and-rename so a crash mid-write never
// leaves a torn value behind.
//
// File implements [Locker] using flock(2) on a per-key lock file, giving
// callers a real cross-process critical section over the medium.
//
// Subscribe only observes mutations made through this instance; peers in
// other processes are not notified. Coordination between processes must rely
// on the lease staleness timeout.
type File struct {
	dir string

	mu     sync.Mutex
	subs   map[int]func(Event)
	nextID int
}

var _ Store = (*File)(nil)
var _ Locker = (*File)(nil)

// NewFile opens (creating if needed) a file-backed store rooted at dir.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, errors.New("kv: data directory is empty")
	}

	err := os.MkdirAll(dir, dirPerms)
	if err != nil {
		return nil, fmt.Errorf("kv: creating data dir: %w", err)
	}

	return &File{
		dir:  dir,
		subs: make(map[int]func(Event)),
	}, nil
}

// Get reads the value stored under key, or (nil, false, nil) when absent.
func (f *File) Get(key string) ([]byte, bool, error) {
	path, err := f.keyPath(key)
	if err != nil {
		return nil, false, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("kv: reading %s: %w", key, err)
	}

	return data, true, nil
}

// Set atomically writes value under key.
func (f *File) Set(key string, value []byte) error {
	path, err := f.keyPath(key)
	if err != nil {
		return err
	}

	err = atomic.WriteFile(path, bytes.NewReader(value))
	if err != nil {
		if isNoSpace(err) {
			return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
		}

		return fmt.Errorf("kv: writing %s: %w", key, err)
	}

	f.notify(Event{Key: key, Value: value})

	return nil
}

// Remove deletes the file for key. Removing an absent key is a no-op.
func (f *File) Remove(key string) error {
	path, err := f.keyPath(key)
	if err != nil {
		return err
	}

	err = os.Remove(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("kv: removing %s: %w", key, err)
	}

	f.notify(Event{Key: key, Value: nil})

	return nil
}

// Subscribe registers fn for change events from this instance only.
func (f *File) Subscribe(fn func(Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	f.subs[id] = fn

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()

		delete(f.subs, id)
	}
}

// WithLock runs fn while holding an exclusive flock-backed lock for key.
// The lock is visible to every process sharing the data directory.
func (f *File) WithLock(key string, fn func() error) error {
	path, err := f.keyPath(key)
	if err != nil {
		return err
	}

	lock, err := acquireLock(path)
	if err != nil {
		return fmt.Errorf("kv: acquiring lock: %w", err)
	}

	defer lock.release()

	return fn()
}

// keyPath maps a logical key to a path inside the data directory.
// Keys must be plain file names; anything that could escape the directory is
// rejected.
func (f *File) keyPath(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, "/\\") || key == "." || key == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	return filepath.Join(f.dir, key), nil
}

// isNoSpace reports whether err reflects a full medium. atomic.WriteFile
// flattens underlying errors into its message text, so the errno text is
// matched in addition to the unwrap chain.
func isNoSpace(err error) bool {
	if errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EDQUOT) {
		return true
	}

	msg := err.Error()

	return strings.Contains(msg, unix.ENOSPC.Error()) || strings.Contains(msg, unix.EDQUOT.Error())
}

func (f *File) notify(ev Event) {
	f.mu.Lock()
	subs := make([]func(Event), 0, len(f.subs))

	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// fileLock represents a held lock on a key.
type fileLock struct {
	path string
	file *os.File
}

// release releases the lock and removes the lock file.
// Order matters: remove while holding lock, then unlock, then close.
func (l *fileLock) release() {
	if l.file != nil {
		_ = os.Remove(l.path)
		_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
		_ = l.file.Close()
		l.file = nil
	}
}

// acquireLockWithTimeout tries to acquire an exclusive lock for the given
// data path. Lock files live in a .locks subdirectory. Handles the race
// between flock acquisition and lock file deletion by verifying the inode
// after acquiring the lock.
func acquireLockWithTimeout(path string, timeout time.Duration) (*fileLock, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	locksDir := filepath.Join(dir, locksDirName)
	lockPath := filepath.Join(locksDir, base+".lock")

	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: %s", errLockTimeout, path)
		}

		mkdirErr := os.MkdirAll(locksDir, dirPerms)
		if mkdirErr != nil {
			return nil, fmt.Errorf("creating locks dir: %w", mkdirErr)
		}

		file, openErr := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, filePerms)
		if openErr != nil {
			return nil, fmt.Errorf("%w: %w", errLockFileOpen, openErr)
		}

		var openStat unix.Stat_t

		err := unix.Fstat(int(file.Fd()), &openStat)
		if err != nil {
			_ = file.Close()

			return nil, fmt.Errorf("fstat lock file: %w", err)
		}

		fd := int(file.Fd())
		done := make(chan error, 1)

		go func() {
			done <- unix.Flock(fd, unix.LOCK_EX)
		}()

		select {
		case err := <-done:
			if err != nil {
				_ = file.Close()

				return nil, fmt.Errorf("flock: %w", err)
			}

			// Verify the file at the path still has the same inode.
			// If not, someone deleted and recreated it while we were waiting.
			var pathStat unix.Stat_t

			statErr := unix.Stat(lockPath, &pathStat)
			if statErr != nil || pathStat.Ino != openStat.Ino {
				_ = unix.Flock(fd, unix.LOCK_UN)
				_ = file.Close()

				continue
			}

			return &fileLock{path: lockPath, file: file}, nil
		case <-time.After(remaining):
			_ = file.Close()

			return nil, fmt.Errorf("%w: %s", errLockTimeout, path)
		}
	}
}

// acquireLock tries to acquire an exclusive lock with the default timeout.
func acquireLock(path string) (*fileLock, error) {
	return acquireLockWithTimeout(path, LockTimeout)
}
