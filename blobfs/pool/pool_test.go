package pool

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type fakeFile struct {
	mu     sync.Mutex
	opens  int
	drops  int
	slot   *Slot
	broken bool
}

func newFakeFile(t *testing.T, p *Pool) *fakeFile {
	t.Helper()
	f := &fakeFile{}
	f.slot = p.Register(f.open, f.drop)
	return f
}

func (f *fakeFile) open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken {
		return assert.AnError
	}
	f.opens++
	return nil
}

func (f *fakeFile) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drops++
}

func (f *fakeFile) dropCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drops
}

func TestNewRejectsBadCapacity(t *testing.T) {
	log := zap.NewNop().Sugar()
	_, err := New(0, log)
	assert.ErrorIs(t, err, ErrBadCapacity)
	_, err = New(-3, log)
	assert.ErrorIs(t, err, ErrBadCapacity)
	p, err := New(1, log)
	require.NoError(t, err)
	assert.ErrorIs(t, p.SetCapacity(0), ErrBadCapacity)
}

func TestAcquireOpensOnce(t *testing.T) {
	p, err := New(4, zap.NewNop().Sugar())
	require.NoError(t, err)
	f := newFakeFile(t, p)
	require.NoError(t, f.slot.Acquire())
	require.NoError(t, f.slot.Acquire())
	assert.Equal(t, 1, f.opens)
	assert.Equal(t, 1, p.OpenHandles())
	assert.True(t, f.slot.IsLocked())
	f.slot.Release()
	assert.True(t, f.slot.IsLocked())
	f.slot.Release()
	assert.False(t, f.slot.IsLocked())
	assert.True(t, f.slot.IsOpen())
	assert.Equal(t, 1, p.IdleHandles())
}

func TestEvictsOldestIdleFirst(t *testing.T) {
	p, err := New(2, zap.NewNop().Sugar())
	require.NoError(t, err)
	a := newFakeFile(t, p)
	b := newFakeFile(t, p)
	c := newFakeFile(t, p)
	require.NoError(t, a.slot.Acquire())
	a.slot.Release()
	require.NoError(t, b.slot.Acquire())
	b.slot.Release()
	// a was released first, so a's handle goes.
	require.NoError(t, c.slot.Acquire())
	assert.Equal(t, 1, a.dropCount())
	assert.Equal(t, 0, b.dropCount())
	assert.False(t, a.slot.IsOpen())
	assert.True(t, b.slot.IsOpen())
	assert.Equal(t, 2, p.OpenHandles())
	c.slot.Release()
}

func TestLockedSlotNeverEvicted(t *testing.T) {
	p, err := New(1, zap.NewNop().Sugar())
	require.NoError(t, err)
	a := newFakeFile(t, p)
	require.NoError(t, a.slot.Acquire())

	b := newFakeFile(t, p)
	done := make(chan error, 1)
	go func() {
		done <- b.slot.Acquire()
	}()
	select {
	case <-done:
		t.Fatal("acquire should block while the only handle is locked")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 0, a.dropCount())

	a.slot.Release()
	require.NoError(t, <-done)
	assert.Equal(t, 1, a.dropCount())
	assert.Equal(t, 1, p.OpenHandles())
	b.slot.Release()
}

func TestRelockLeavesIdleSet(t *testing.T) {
	p, err := New(1, zap.NewNop().Sugar())
	require.NoError(t, err)
	a := newFakeFile(t, p)
	require.NoError(t, a.slot.Acquire())
	a.slot.Release()
	assert.Equal(t, 1, p.IdleHandles())
	// Relocking must pull the slot out of the eviction queue.
	require.NoError(t, a.slot.Acquire())
	assert.Equal(t, 0, p.IdleHandles())

	b := newFakeFile(t, p)
	done := make(chan error, 1)
	go func() {
		done <- b.slot.Acquire()
	}()
	select {
	case <-done:
		t.Fatal("relocked slot must not be evictable")
	case <-time.After(100 * time.Millisecond):
	}
	a.slot.Release()
	require.NoError(t, <-done)
	b.slot.Release()
}

func TestOpenFailureRollsBack(t *testing.T) {
	p, err := New(2, zap.NewNop().Sugar())
	require.NoError(t, err)
	f := newFakeFile(t, p)
	f.broken = true
	require.Error(t, f.slot.Acquire())
	assert.Equal(t, 0, p.OpenHandles())
	assert.Equal(t, 0, p.IdleHandles())
	assert.False(t, f.slot.IsLocked())
	// Slot stays usable once opening works again.
	f.broken = false
	require.NoError(t, f.slot.Acquire())
	f.slot.Release()
}

func TestCloseWhileLocked(t *testing.T) {
	p, err := New(2, zap.NewNop().Sugar())
	require.NoError(t, err)
	f := newFakeFile(t, p)
	require.NoError(t, f.slot.Acquire())
	assert.ErrorIs(t, f.slot.Close(), ErrLocked)
	assert.Equal(t, 0, f.dropCount())
	assert.Equal(t, 1, p.OpenHandles())
	f.slot.Release()
	require.NoError(t, f.slot.Close())
	assert.Equal(t, 1, f.dropCount())
	assert.Equal(t, 0, p.OpenHandles())
	require.NoError(t, f.slot.Close())
	assert.ErrorIs(t, f.slot.Acquire(), ErrClosed)
}

func TestCloseWakesWaiter(t *testing.T) {
	p, err := New(1, zap.NewNop().Sugar())
	require.NoError(t, err)
	a := newFakeFile(t, p)
	require.NoError(t, a.slot.Acquire())
	b := newFakeFile(t, p)
	done := make(chan error, 1)
	go func() {
		done <- b.slot.Acquire()
	}()
	time.Sleep(50 * time.Millisecond)
	a.slot.Release()
	require.NoError(t, <-done)
	b.slot.Release()
}

func TestGrowingCapacityWakesWaiters(t *testing.T) {
	p, err := New(1, zap.NewNop().Sugar())
	require.NoError(t, err)
	a := newFakeFile(t, p)
	require.NoError(t, a.slot.Acquire())
	b := newFakeFile(t, p)
	done := make(chan error, 1)
	go func() {
		done <- b.slot.Acquire()
	}()
	select {
	case <-done:
		t.Fatal("acquire should block at capacity 1")
	case <-time.After(100 * time.Millisecond):
	}
	require.NoError(t, p.SetCapacity(2))
	require.NoError(t, <-done)
	assert.Equal(t, 2, p.OpenHandles())
	a.slot.Release()
	b.slot.Release()
}

func TestShrinkingCapacityDrainsLazily(t *testing.T) {
	p, err := New(3, zap.NewNop().Sugar())
	require.NoError(t, err)
	files := []*fakeFile{newFakeFile(t, p), newFakeFile(t, p), newFakeFile(t, p)}
	for _, f := range files {
		require.NoError(t, f.slot.Acquire())
		f.slot.Release()
	}
	assert.Equal(t, 3, p.OpenHandles())
	require.NoError(t, p.SetCapacity(1))
	// No forced eviction on shrink; the overshoot drains on demand.
	assert.Equal(t, 3, p.OpenHandles())
	d := newFakeFile(t, p)
	require.NoError(t, d.slot.Acquire())
	d.slot.Release()
	assert.LessOrEqual(t, p.OpenHandles(), 1)
}

func TestCapacityInvariantUnderLoad(t *testing.T) {
	const capacity = 4
	p, err := New(capacity, zap.NewNop().Sugar())
	require.NoError(t, err)
	files := make([]*fakeFile, 16)
	for i := range files {
		files[i] = newFakeFile(t, p)
	}
	var g errgroup.Group
	for w := 0; w < 8; w++ {
		seed := int64(w)
		g.Go(func() error {
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				f := files[r.Intn(len(files))]
				if err := f.slot.Acquire(); err != nil {
					return err
				}
				if n := p.OpenHandles(); n > capacity {
					f.slot.Release()
					t.Errorf("open handles %d above capacity %d", n, capacity)
					return nil
				}
				f.slot.Release()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.LessOrEqual(t, p.OpenHandles(), capacity)
}
