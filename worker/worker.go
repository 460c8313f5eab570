package worker

import (
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/jinzhu/copier"
	"github.com/rarydzu/monoblob/blobfs"
	"github.com/rarydzu/monoblob/blobfs/blobfile"
	"github.com/rarydzu/monoblob/blobfs/config"
	statserver "github.com/rarydzu/monoblob/monoserver/stat"
	"github.com/rarydzu/monoblob/processor"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

const (
	// fdHeadroom is kept free for everything that is not a blob handle
	// (metadata dbs, sockets, the stat listener).
	fdHeadroom  = 64
	minCapacity = 16
)

// Worker wires config, store, stat server and signal handling into one
// runnable node.
type Worker struct {
	active bool
	sync.RWMutex
	Processor  *processor.Processor
	log        *zap.SugaredLogger
	store      *blobfs.Store
	statServer *statserver.Server
	cfg        *config.Config
}

func New(cfg *config.Config, eraser blobfile.Eraser, log *zap.SugaredLogger) (*Worker, error) {
	w := &Worker{
		Processor: nil,
		log:       log,
		cfg:       &config.Config{},
	}
	if err := copier.Copy(&w.cfg, cfg); err != nil {
		return nil, err
	}
	if w.cfg.MaxOpenHandles <= 0 {
		n, err := defaultCapacity()
		if err != nil {
			return nil, err
		}
		w.cfg.MaxOpenHandles = n
		log.Infof("derived pool capacity %d from the fd limit", n)
	}
	store, err := blobfs.New(w.cfg, eraser, log)
	if err != nil {
		return nil, fmt.Errorf("store: %v", err)
	}
	w.store = store
	return w, nil
}

// defaultCapacity leaves headroom under the soft NOFILE limit for
// descriptors that are not blob handles.
func defaultCapacity() (int, error) {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		return 0, fmt.Errorf("getrlimit: %v", err)
	}
	used := 0
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if n, err := proc.NumFDs(); err == nil {
			used = int(n)
		}
	}
	capacity := int(limit.Cur) - used - fdHeadroom
	if capacity < minCapacity {
		capacity = minCapacity
	}
	return capacity, nil
}

func (w *Worker) Start() error {
	w.Lock()
	defer w.Unlock()
	if w.active {
		return fmt.Errorf("worker already active")
	}
	w.active = true
	lost, err := w.store.Restore()
	if err != nil {
		return fmt.Errorf("restore: %v", err)
	}
	if lost > 0 {
		w.log.Warnf("%d blobs lost during restore", lost)
	}
	w.Processor = processor.New(w.cfg.ShutdownTimeout, w.log)
	if err := w.Processor.Register(processor.Shutdown, "blob store", w.store.Close); err != nil {
		return err
	}
	if err := w.Processor.Register(processor.Reload, "checkpoint", w.store.Checkpoint); err != nil {
		return err
	}
	if w.cfg.StatPort != "" {
		lis, err := net.Listen("tcp", ":"+w.cfg.StatPort)
		if err != nil {
			return fmt.Errorf("stat listener: %v", err)
		}
		w.statServer = statserver.New(w.store, w.cfg.StatInterval, w.log)
		w.statServer.Start(lis)
		if err := w.Processor.Register(processor.Shutdown, "stat server", func() error {
			w.statServer.Stop()
			return nil
		}); err != nil {
			return err
		}
	}
	w.Processor.Run()
	return nil
}

// Store returns the running blob store.
func (w *Worker) Store() *blobfs.Store {
	w.RLock()
	defer w.RUnlock()
	return w.store
}

func (w *Worker) Wait() {
	w.Processor.Wait()
}
