package blobfs

import (
	"bufio"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rarydzu/monoblob/blobfs/blobfile"
	"github.com/ztrue/tracerr"
	"golang.org/x/sync/errgroup"
)

// Checkpoint writes every live blob's record to the records file, temp
// blobs included. The file is replaced atomically so a crash mid-write
// keeps the previous checkpoint.
func (s *Store) Checkpoint() error {
	s.mu.RLock()
	files := make([]*blobfile.File, 0, len(s.blobs)+len(s.temps))
	for _, f := range s.blobs {
		files = append(files, f)
	}
	for _, f := range s.temps {
		files = append(files, f)
	}
	s.mu.RUnlock()

	target := filepath.Join(s.cfg.Path, recordsFileName)
	tmp := target + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return s.MarkAsFailed(err)
	}
	w := bufio.NewWriter(out)
	for _, f := range files {
		if err := f.StoreRecord(w); err != nil {
			out.Close()
			os.Remove(tmp)
			return s.MarkAsFailed(err)
		}
	}
	if err := w.Flush(); err != nil {
		out.Close()
		os.Remove(tmp)
		return s.MarkAsFailed(err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return s.MarkAsFailed(err)
	}
	if err := out.Close(); err != nil {
		return s.MarkAsFailed(err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return s.MarkAsFailed(err)
	}
	s.log.Infof("checkpointed %d blob records", len(files))
	return nil
}

// Restore reads the records file and rebuilds the blob table. Lost
// blobs (backing file unresolvable or undersized) are logged and
// skipped; format errors fail fast. Missing records file means a fresh
// store. Returns the number of blobs lost.
func (s *Store) Restore() (int, error) {
	in, err := os.Open(filepath.Join(s.cfg.Path, recordsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer in.Close()
	r := bufio.NewReader(in)

	var files []*blobfile.File
	lost := 0
	for {
		f, err := s.factory.LoadRecord(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, blobfile.ErrFileLost) {
				s.log.Warnf("blob lost during restore: %v", err)
				lost++
				continue
			}
			return lost, tracerr.Errorf("reading blob record: %w", err)
		}
		files = append(files, f)
	}

	// Resume checks hit the disk once per blob, fan them out.
	var g errgroup.Group
	var lostMu sync.Mutex
	for _, f := range files {
		f := f
		g.Go(func() error {
			if err := f.Verify(); err != nil {
				s.log.Warnf("blob failed resume check: %v", err)
				lostMu.Lock()
				lost++
				lostMu.Unlock()
				return nil
			}
			s.mu.Lock()
			defer s.mu.Unlock()
			if id := f.PersistentID(); id != -1 {
				s.blobs[id] = f
			} else {
				s.temps[f.Path()] = f
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return lost, err
	}
	s.log.Infof("restored %d blobs, %d lost", s.Len(), lost)
	return lost, nil
}
