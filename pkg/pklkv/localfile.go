package pklkv

import (
	"bytes"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	"golang.org/x/sys/unix"
)

// localFile is the default ByteFile: a real OS file, mmap- and flock-capable
// via golang.org/x/sys/unix. The teacher repo (pkg/slotcache) reaches for the
// raw syscall package for the equivalent operations; x/sys/unix is used here
// instead (see DESIGN.md) for the same mmap/flock surface.
type localFile struct {
	f        *os.File
	writable bool
	closed   bool
}

// openLocalFile opens path for read-write (or read-only) access, creating it
// if it does not exist and writable is true.
func openLocalFile(path string, writable bool) (*localFile, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("pklkv: open %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("pklkv: open %s: %w", path, err)
	}
	return &localFile{f: f, writable: writable}, nil
}

// createLocalFileAtomic writes the initial bytes of a brand-new store file
// durably: a crash mid-create never leaves a half-written file on disk,
// grounded on internal/ticket/cache.go's use of natefinch/atomic for
// whole-file snapshot writes (see DESIGN.md).
func createLocalFileAtomic(path string, initial []byte) error {
	return atomic.WriteFile(path, bytes.NewReader(initial))
}

func (l *localFile) ReadAt(p []byte, off int64) (int, error) {
	return l.f.ReadAt(p, off)
}

func (l *localFile) WriteAt(p []byte, off int64) (int, error) {
	if !l.writable {
		return 0, fmt.Errorf("pklkv: write %s: %w", l.f.Name(), ErrNotWritable)
	}
	return l.f.WriteAt(p, off)
}

func (l *localFile) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	return l.f.Close()
}

func (l *localFile) Len() (int64, error) {
	fi, err := l.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (l *localFile) Truncate(size int64) error {
	if !l.writable {
		return fmt.Errorf("pklkv: truncate %s: %w", l.f.Name(), ErrNotWritable)
	}
	return l.f.Truncate(size)
}

func (l *localFile) Flush() error {
	if !l.writable {
		return nil
	}
	return l.f.Sync()
}

func (l *localFile) Writable() bool { return l.writable }

func (l *localFile) Lockable() bool { return true }

// TryLock acquires a blocking whole-file advisory exclusive lock via flock,
// retrying on EINTR exactly as internal/fs/lock.go's flockRetryEINTR does.
func (l *localFile) TryLock() error {
	return flockRetryEINTR(int(l.f.Fd()), unix.LOCK_EX)
}

func (l *localFile) Unlock() error {
	return flockRetryEINTR(int(l.f.Fd()), unix.LOCK_UN)
}

func (l *localFile) Mappable() bool { return true }

// Map returns a real zero-copy mmap view over [offset, offset+length).
func (l *localFile) Map(offset, length int64) ([]byte, error) {
	prot := unix.PROT_READ
	if l.writable {
		prot |= unix.PROT_WRITE
	}
	b, err := unix.Mmap(int(l.f.Fd()), offset, int(length), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("pklkv: mmap %s: %w", l.f.Name(), err)
	}
	return b, nil
}

func (l *localFile) Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}

// flockRetryEINTR wraps unix.Flock, retrying on EINTR the way
// internal/fs/lock.go's flockRetryEINTR does for signal-interrupted
// syscalls, bounded to avoid spinning forever under a signal storm.
func flockRetryEINTR(fd int, how int) error {
	const maxRetries = 10000
	for i := 0; i < maxRetries; i++ {
		err := unix.Flock(fd, how)
		if err == nil {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		return fmt.Errorf("pklkv: flock: %w", err)
	}
	return fmt.Errorf("pklkv: flock: exceeded %d EINTR retries", maxRetries)
}
