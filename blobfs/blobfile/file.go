// Package blobfile provides fixed-length random-access blob files whose
// real OS handles are shared through a bounded pool. A file looks
// always-open to its callers; the handle behind it comes and goes with
// pool pressure.
package blobfile

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"

	"github.com/rarydzu/monoblob/blobfs/pool"
	"go.uber.org/zap"
)

// fillChunk is the unit written while preallocating a file to its
// forced length.
const fillChunk = 4096

// Namer maps persistent ids to filesystem locations and moves files
// into them. Implemented by namegen.Generator.
type Namer interface {
	PathForID(id int64) string
	Relocate(oldPath string, id int64) (string, error)
}

// Tracker records persistent files adopted during restore.
type Tracker interface {
	Register(path string) error
}

// Eraser overwrites a file's contents before it is deleted.
type Eraser interface {
	SecureErase(path string) error
}

// Factory bundles the collaborators every blob file needs. One factory
// per store; tests build their own with fakes.
type Factory struct {
	Pool    *pool.Pool
	Namer   Namer
	Tracker Tracker
	Eraser  Eraser
	Log     *zap.SugaredLogger
}

// File is one logical blob: a fixed logical length over a path, backed
// by a real handle only while locked or recently released.
//
// LOCKING: mu serializes all descriptor I/O and guards f and
// secureDelete. The pool's lock is always taken first; mu is only ever
// taken inside slot callbacks or on the I/O path.
type File struct {
	fac          *Factory
	slot         *pool.Slot
	path         string // mutated only on restore-time relocation
	readOnly     bool
	length       int64 // immutable after construction
	persistentID int64 // -1 = untracked

	mu           sync.Mutex
	f            *os.File
	secureDelete bool
}

func (fac *Factory) newFile(path string, readOnly bool, persistentID int64) *File {
	f := &File{
		fac:          fac,
		path:         path,
		readOnly:     readOnly,
		persistentID: persistentID,
	}
	f.slot = fac.Pool.Register(f.openHandle, f.dropHandle)
	return f
}

// Create opens (or creates) a blob file. If forceLength >= 0 and differs
// from the current size the file is preallocated to exactly forceLength:
// chunks of fill output when a seeded generator is supplied, zero bytes
// otherwise. The length is fixed from here on. On failure the handle is
// rolled back and the file is unusable.
func (fac *Factory) Create(path string, readOnly bool, forceLength int64, fill *rand.Rand, persistentID int64) (*File, error) {
	f := fac.newFile(path, readOnly, persistentID)
	lock, err := f.Lock()
	if err != nil {
		return nil, err
	}
	if err := f.init(forceLength, fill); err != nil {
		lock.Release()
		if cerr := f.Close(); cerr != nil {
			fac.Log.Errorf("closing %s after failed init: %v", path, cerr)
		}
		return nil, err
	}
	lock.Release()
	return f, nil
}

// CreateFrom creates a writable blob file holding exactly content.
func (fac *Factory) CreateFrom(path string, content []byte, persistentID int64) (*File, error) {
	f := fac.newFile(path, false, persistentID)
	f.length = int64(len(content))
	lock, err := f.Lock()
	if err != nil {
		return nil, err
	}
	if err := lock.WriteAt(content, 0); err != nil {
		lock.Release()
		if cerr := f.Close(); cerr != nil {
			fac.Log.Errorf("closing %s after failed write: %v", path, cerr)
		}
		return nil, err
	}
	lock.Release()
	return f, nil
}

func (f *File) init(forceLength int64, fill *rand.Rand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.f.Stat()
	if err != nil {
		return err
	}
	cur := st.Size()
	if forceLength >= 0 && forceLength != cur {
		// Preallocate for predictable disk usage, not minimal usage.
		buf := make([]byte, fillChunk)
		for off := int64(0); off < forceLength; off += fillChunk {
			if fill != nil {
				fill.Read(buf)
			}
			n := int64(fillChunk)
			if forceLength-off < n {
				n = forceLength - off
			}
			if _, err := f.f.WriteAt(buf[:n], off); err != nil {
				return err
			}
		}
		if err := f.f.Truncate(forceLength); err != nil {
			return err
		}
		cur = forceLength
	}
	f.length = cur
	return nil
}

// Lock acquires the file for I/O, opening the real handle through the
// pool if needed. May block indefinitely under handle pressure. The
// returned lock must be released exactly once.
func (f *File) Lock() (*Lock, error) {
	if err := f.slot.Acquire(); err != nil {
		return nil, fmt.Errorf("lock %s: %w", f.path, err)
	}
	return &Lock{f: f}, nil
}

// Size returns the fixed logical length.
func (f *File) Size() int64 {
	return f.length
}

// Path returns the current backing file location.
func (f *File) Path() string {
	return f.path
}

// PersistentID returns the naming-service id, -1 if untracked.
func (f *File) PersistentID() int64 {
	return f.persistentID
}

// ReadOnly reports whether writes are rejected.
func (f *File) ReadOnly() bool {
	return f.readOnly
}

// SetSecureDelete selects overwrite-before-delete behaviour for Free.
func (f *File) SetSecureDelete(secureDelete bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secureDelete = secureDelete
}

// SecureDelete reports the current destruction mode.
func (f *File) SecureDelete() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.secureDelete
}

// Close retires the file. Fails with pool.ErrLocked while a lock is
// held; that is a caller bug, not a transient condition.
func (f *File) Close() error {
	return f.slot.Close()
}

// Free closes the file and deletes its backing store, overwriting the
// contents first when secure delete is set. Deletion trouble is logged,
// not returned: cleanup is best effort.
func (f *File) Free() error {
	if err := f.Close(); err != nil {
		return err
	}
	if f.SecureDelete() && f.fac.Eraser != nil {
		if err := f.fac.Eraser.SecureErase(f.path); err != nil {
			f.fac.Log.Errorf("secure erase of %s: %v", f.path, err)
		}
	}
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		f.fac.Log.Errorf("deleting %s: %v", f.path, err)
	}
	return nil
}

// Verify is the post-restore consistency check: the backing file must
// exist and hold at least the recorded length.
func (f *File) Verify() error {
	st, err := os.Stat(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", f.path, ErrFileLost)
		}
		return err
	}
	if st.Size() < f.length {
		return fmt.Errorf("%s: %w (have %d, want %d)", f.path, ErrShortFile, st.Size(), f.length)
	}
	return nil
}

// openHandle and dropHandle are the slot callbacks; the pool calls them
// with its own lock held.
func (f *File) openHandle() error {
	flags := os.O_RDWR | os.O_CREATE
	if f.readOnly {
		flags = os.O_RDONLY
	}
	h, err := os.OpenFile(f.path, flags, 0640)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.f = h
	f.mu.Unlock()
	return nil
}

func (f *File) dropHandle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.f == nil {
		return
	}
	if err := f.f.Close(); err != nil {
		f.fac.Log.Errorf("closing handle for %s: %v", f.path, err)
	}
	f.f = nil
}

// pread fills b from offset off exactly; a short read is an error,
// never a silent partial fill.
func (f *File) pread(b []byte, off int64) error {
	if off < 0 {
		return ErrNegativeOffset
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.f.ReadAt(b, off)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("short read of %s at %d: %d of %d bytes", f.path, off, n, len(b))
		}
		return err
	}
	return nil
}

// pwrite writes b at offset off. The fixed length is a hard limit: this
// is not a growable file, and bounds are checked before any I/O.
func (f *File) pwrite(b []byte, off int64) error {
	if off < 0 {
		return ErrNegativeOffset
	}
	if f.readOnly {
		return ErrReadOnly
	}
	if off+int64(len(b)) > f.length {
		return fmt.Errorf("%w: %d+%d > %d", ErrLengthLimit, off, len(b), f.length)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.f.WriteAt(b, off)
	return err
}
