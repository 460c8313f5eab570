// Package namegen maps persistent blob ids to filesystem locations and
// issues new ids that survive process restart.
package namegen

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nutsdb/nutsdb"
	"github.com/rarydzu/monoblob/utils"
	"go.uber.org/zap"
)

const (
	bucket  = "blobids"
	lastKey = "last"
	// DataDirName holds the blobs themselves, IDDirName the allocator db.
	DataDirName = "blobs"
	IDDirName   = "ids"
)

// Generator owns the id namespace of one store: it derives the expected
// path for an id, moves stray files into place, and allocates fresh ids
// durably so an id is never reused after a restart.
type Generator struct {
	dir  string
	db   *nutsdb.DB
	mu   sync.Mutex
	last int64
	log  *zap.SugaredLogger
}

// New opens (creating if needed) the generator under dir.
func New(dir string, log *zap.SugaredLogger) (*Generator, error) {
	dataDir := filepath.Join(dir, DataDirName)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	db, err := nutsdb.Open(
		nutsdb.DefaultOptions,
		nutsdb.WithDir(filepath.Join(dir, IDDirName)),
	)
	if err != nil {
		return nil, fmt.Errorf("namegen db: %w", err)
	}
	g := &Generator{
		dir: dataDir,
		db:  db,
		log: log,
	}
	if err := g.readLastID(); err != nil {
		db.Close()
		return nil, err
	}
	return g, nil
}

// readLastID scans the allocator bucket for the highest id issued so
// far. A missing bucket means a fresh store.
func (g *Generator) readLastID() error {
	tx, err := g.db.Begin(false)
	if err != nil {
		return err
	}
	iterator := nutsdb.NewIterator(tx, bucket, nutsdb.IteratorOptions{Reverse: false})
	ok, err := iterator.SetNext()
	if err != nil {
		if nutsdb.IsBucketNotFound(err) {
			return tx.Commit()
		}
		tx.Rollback()
		return err
	}
	max := int64(0)
	for ok {
		id := utils.BytesToInt64(iterator.Entry().Value)
		if id > max {
			max = id
		}
		ok, err = iterator.SetNext()
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	g.last = max
	return nil
}

// NextID allocates a fresh persistent id, durable before it is returned.
func (g *Generator) NextID() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.last + 1
	err := g.db.Update(func(tx *nutsdb.Tx) error {
		return tx.Put(bucket, []byte(lastKey), utils.Int64ToBytes(id), 0)
	})
	if err != nil {
		return -1, fmt.Errorf("persisting id %d: %w", id, err)
	}
	g.last = id
	return id, nil
}

// PathForID returns the expected location for a tracked blob.
func (g *Generator) PathForID(id int64) string {
	return filepath.Join(g.dir, fmt.Sprintf("blob-%d.dat", id))
}

// Relocate moves a stray blob file into its expected location and
// returns the new path.
func (g *Generator) Relocate(oldPath string, id int64) (string, error) {
	target := g.PathForID(id)
	if oldPath == target {
		return target, nil
	}
	if err := os.Rename(oldPath, target); err != nil {
		return "", fmt.Errorf("relocating %s: %w", oldPath, err)
	}
	g.log.Infof("relocated blob %d: %s -> %s", id, oldPath, target)
	return target, nil
}

// Dir returns the blob data directory.
func (g *Generator) Dir() string {
	return g.dir
}

// Close closes the allocator db.
func (g *Generator) Close() error {
	return g.db.Close()
}
