package pklkv

import "sync"

// reentrantLock implements §5's "advisory whole-file exclusive lock,
// re-entrant within a single Store instance": a counter tracks nested
// acquisitions and only the outermost one touches the OS lock. Ported
// behaviorally from original_source/mmappickle/utils.py's `lock` decorator
// (the `self._locked` counter), per §9 "preserve exactly."
//
// The mutex additionally serializes concurrent goroutines calling into the
// same Store; only the goroutine that owns the outermost acquisition is
// expected to make the nested (reentrant) calls that follow, mirroring how
// the original's single-threaded counter was only ever reentered by the
// same call stack.
type reentrantLock struct {
	mu    sync.Mutex
	depth int

	bf ByteFile

	// lockUnavailable records whether the OS lock could not be acquired on
	// the current outermost acquisition (either because bf is not
	// Lockable, or because the underlying TryLock failed). Per §5/§7 this
	// is downgraded to a warning, never an error.
	lockUnavailable bool
	lockWarning     string
}

func newReentrantLock(bf ByteFile) *reentrantLock {
	return &reentrantLock{bf: bf}
}

// acquire enters the lock, taking the OS advisory lock only on the
// outermost call. It never returns an error: LockUnavailable is downgraded
// to a recorded warning (retrievable via takeWarning), per §5/§7.
func (l *reentrantLock) acquire() {
	if l.depth == 0 {
		l.mu.Lock()
		l.lockUnavailable = false
		l.lockWarning = ""
		if !l.bf.Lockable() {
			l.lockUnavailable = true
			l.lockWarning = ErrLockUnavailable.Error() + ": backing has no lockable file descriptor, falling back to per-process locking only"
		} else if err := l.bf.TryLock(); err != nil {
			l.lockUnavailable = true
			l.lockWarning = ErrLockUnavailable.Error() + ": falling back to per-process locking only: " + err.Error()
		}
	}
	l.depth++
}

// release exits the lock, releasing the OS advisory lock only when the
// outermost acquisition unwinds.
func (l *reentrantLock) release() {
	l.depth--
	if l.depth == 0 {
		if !l.lockUnavailable {
			// Best-effort: Store.withLock already flushed before calling
			// release when the revision changed (§5); Unlock errors here
			// are not surfaced per the same "advisory lock, never fatal"
			// policy.
			_ = l.bf.Unlock()
		}
		l.mu.Unlock()
	}
}

// takeWarning returns and clears any warning recorded by the most recent
// outermost acquire.
func (l *reentrantLock) takeWarning() string {
	w := l.lockWarning
	l.lockWarning = ""
	return w
}

// outermost reports whether the current depth corresponds to the outermost
// acquisition (depth == 1, i.e. this call just became the owner).
func (l *reentrantLock) outermost() bool { return l.depth == 1 }
