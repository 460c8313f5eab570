// Package blobfs is the blob store of a node: many fixed-length on-disk
// blobs reachable through a bounded pool of real file handles, with a
// durable record checkpoint so the set of blobs survives restart.
package blobfs

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/jacobsa/timeutil"
	"github.com/rarydzu/monoblob/blobfs/blobfile"
	"github.com/rarydzu/monoblob/blobfs/config"
	"github.com/rarydzu/monoblob/blobfs/namegen"
	"github.com/rarydzu/monoblob/blobfs/pool"
	"github.com/rarydzu/monoblob/blobfs/tracker"
	"github.com/rarydzu/monoblob/hash"
	"github.com/rarydzu/monoblob/utils"
	"github.com/ztrue/tracerr"
	"go.uber.org/zap"
)

const (
	recordsFileName = "records.chk"
	tempDirName     = "tmp"
	trackerDirName  = "tracker"
	idLockStripes   = 64
)

var ErrNoSuchBlob = errors.New("no such blob")

// Store owns the pool, the naming collaborators and the live blob table.
type Store struct {
	cfg        *config.Config
	log        *zap.SugaredLogger
	pool       *pool.Pool
	namer      *namegen.Generator
	tracker    *tracker.Tracker
	factory    *blobfile.Factory
	clock      timeutil.Clock
	idLock     *hash.Hash
	failedFile string

	mu    sync.RWMutex
	blobs map[int64]*blobfile.File  // tracked blobs by persistent id
	temps map[string]*blobfile.File // temp blobs by path
}

// New opens the store under cfg.Path. eraser may be nil, in which case
// secure-delete blobs fall back to a plain delete.
func New(cfg *config.Config, eraser blobfile.Eraser, log *zap.SugaredLogger) (*Store, error) {
	if cfg.MaxOpenHandles <= 0 {
		return nil, pool.ErrBadCapacity
	}
	if err := os.MkdirAll(filepath.Join(cfg.Path, tempDirName), 0755); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}
	p, err := pool.New(cfg.MaxOpenHandles, log)
	if err != nil {
		return nil, err
	}
	namer, err := namegen.New(cfg.Path, log)
	if err != nil {
		return nil, err
	}
	track, err := tracker.New(filepath.Join(cfg.Path, trackerDirName), clock)
	if err != nil {
		namer.Close()
		return nil, err
	}
	s := &Store{
		cfg:        cfg,
		log:        log,
		pool:       p,
		namer:      namer,
		tracker:    track,
		clock:      clock,
		idLock:     hash.New(idLockStripes),
		failedFile: filepath.Join(cfg.Path, "broken.marker"),
		blobs:      map[int64]*blobfile.File{},
		temps:      map[string]*blobfile.File{},
	}
	s.factory = &blobfile.Factory{
		Pool:    p,
		Namer:   namer,
		Tracker: track,
		Eraser:  eraser,
		Log:     log,
	}
	if s.CheckIfFailed() {
		log.Warnf("store %s was marked broken by a previous run", cfg.Path)
	}
	return s, nil
}

// Factory exposes the dependency bundle for callers that build blob
// files outside the store's own tables.
func (s *Store) Factory() *blobfile.Factory {
	return s.factory
}

// CreateTemp creates an untracked scratch blob of exactly size bytes,
// zero filled or filled from the supplied seeded generator.
func (s *Store) CreateTemp(size int64, fill *rand.Rand) (*blobfile.File, error) {
	path := filepath.Join(s.cfg.Path, tempDirName, fmt.Sprintf("tmp-%s.dat", utils.RandString(12)))
	f, err := s.factory.Create(path, false, size, fill, -1)
	if err != nil {
		return nil, tracerr.Errorf("creating temp blob: %w", err)
	}
	f.SetSecureDelete(s.cfg.SecureDelete)
	s.mu.Lock()
	s.temps[path] = f
	s.mu.Unlock()
	return f, nil
}

// CreatePersistent creates a tracked blob of exactly size bytes under a
// freshly allocated persistent id.
func (s *Store) CreatePersistent(size int64, fill *rand.Rand) (*blobfile.File, error) {
	id, err := s.namer.NextID()
	if err != nil {
		return nil, err
	}
	return s.createTracked(id, func(path string) (*blobfile.File, error) {
		return s.factory.Create(path, false, size, fill, id)
	})
}

// CreatePersistentFrom creates a tracked blob holding exactly content.
func (s *Store) CreatePersistentFrom(content []byte) (*blobfile.File, error) {
	id, err := s.namer.NextID()
	if err != nil {
		return nil, err
	}
	return s.createTracked(id, func(path string) (*blobfile.File, error) {
		return s.factory.CreateFrom(path, content, id)
	})
}

func (s *Store) createTracked(id int64, create func(path string) (*blobfile.File, error)) (*blobfile.File, error) {
	s.idLock.Lock(uint64(id))
	defer s.idLock.Unlock(uint64(id))
	path := s.namer.PathForID(id)
	f, err := create(path)
	if err != nil {
		return nil, tracerr.Errorf("creating blob %d: %w", id, err)
	}
	f.SetSecureDelete(s.cfg.SecureDelete)
	if err := s.tracker.Register(path); err != nil {
		f.Free()
		return nil, s.MarkAsFailed(err)
	}
	s.mu.Lock()
	s.blobs[id] = f
	s.mu.Unlock()
	return f, nil
}

// Blob returns the tracked blob with the given id.
func (s *Store) Blob(id int64) (*blobfile.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.blobs[id]
	if !ok {
		return nil, ErrNoSuchBlob
	}
	return f, nil
}

// Len returns the number of live blobs, tracked and temp.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs) + len(s.temps)
}

// Free destroys the tracked blob with the given id.
func (s *Store) Free(id int64) error {
	s.idLock.Lock(uint64(id))
	defer s.idLock.Unlock(uint64(id))
	s.mu.Lock()
	f, ok := s.blobs[id]
	if ok {
		delete(s.blobs, id)
	}
	s.mu.Unlock()
	if !ok {
		return ErrNoSuchBlob
	}
	path := f.Path()
	if err := f.Free(); err != nil {
		return err
	}
	if err := s.tracker.Forget(path); err != nil {
		return s.MarkAsFailed(err)
	}
	return nil
}

// FreeTemp destroys a temp blob created by CreateTemp. Temp blobs must
// be freed through the store so the live table and the next checkpoint
// stop carrying them.
func (s *Store) FreeTemp(f *blobfile.File) error {
	path := f.Path()
	s.mu.Lock()
	_, ok := s.temps[path]
	if ok {
		delete(s.temps, path)
	}
	s.mu.Unlock()
	if !ok {
		return ErrNoSuchBlob
	}
	return f.Free()
}

// SetCapacity changes the handle limit at runtime.
func (s *Store) SetCapacity(n int) error {
	return s.pool.SetCapacity(n)
}

// Stats returns the current open-handle and idle-set counts.
func (s *Store) Stats() (open int, idle int) {
	return s.pool.OpenHandles(), s.pool.IdleHandles()
}

// MarkAsFailed marks the store as broken and wraps err with a stack.
func (s *Store) MarkAsFailed(err error) error {
	if err == nil {
		return nil
	}
	f, oserr := os.Create(s.failedFile)
	if oserr != nil {
		return tracerr.Errorf("(%w). failed to mark store as broken: %w", err, oserr)
	}
	defer f.Close()
	f.WriteString(fmt.Sprintf("Error: %v", err))
	return tracerr.Wrap(err)
}

// CheckIfFailed checks if the store is marked as broken.
func (s *Store) CheckIfFailed() bool {
	_, err := os.Stat(s.failedFile)
	return err == nil
}

// Close checkpoints the records and releases every handle and db. Blobs
// still locked by a caller are reported and skipped.
func (s *Store) Close() error {
	if err := s.Checkpoint(); err != nil {
		s.log.Errorf("checkpoint on close: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, f := range s.blobs {
		if err := f.Close(); err != nil {
			s.log.Errorf("closing blob %d: %v", id, err)
		}
	}
	for path, f := range s.temps {
		if err := f.Close(); err != nil {
			s.log.Errorf("closing temp blob %s: %v", path, err)
		}
	}
	if err := s.tracker.Close(); err != nil {
		return err
	}
	return s.namer.Close()
}
