package blobfile

import "sync"

// Lock proves its holder may do I/O on the file; positioned reads and
// writes are only reachable through a live lock. Release is idempotent
// and the only path that returns the file to the pool's idle set.
type Lock struct {
	mu       sync.Mutex
	f        *File
	released bool
}

// ReadAt reads exactly len(b) bytes from offset off.
func (l *Lock) ReadAt(b []byte, off int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return ErrReleased
	}
	return l.f.pread(b, off)
}

// WriteAt writes exactly len(b) bytes at offset off, within the fixed
// length.
func (l *Lock) WriteAt(b []byte, off int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return ErrReleased
	}
	return l.f.pwrite(b, off)
}

// Release drops the lock. Further I/O through this lock fails; calling
// Release again is a no-op.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	l.f.slot.Release()
}
