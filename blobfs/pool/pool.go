// Bounded pool of real open file handles shared by all blob files of a node.
package pool

import (
	"container/list"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrClosed      = errors.New("slot already closed")
	ErrLocked      = errors.New("slot is locked, release it first")
	ErrBadCapacity = errors.New("capacity must be positive")
)

// Pool counts real open handles against a capacity and keeps an
// insertion-ordered idle set of open-but-unlocked slots. The oldest
// released slot is evicted first when a new handle is needed.
//
// LOCKING: mu guards every counter and every Slot field. Slot callbacks
// (open/drop) run with mu held and may take their owner's own mutex,
// never the other way around.
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int
	open     int
	idle     *list.List
	log      *zap.SugaredLogger
}

// Slot is the pool's view of one blob file: its lock count and whether
// its real handle is open. The owner supplies the open/drop callbacks
// that actually touch the descriptor.
type Slot struct {
	p      *Pool
	openFn func() error
	dropFn func()
	elem   *list.Element // non-nil iff member of the idle set
	locks  int
	open   bool
	closed bool
}

// New creates a pool with the given handle capacity.
func New(capacity int, log *zap.SugaredLogger) (*Pool, error) {
	if capacity <= 0 {
		return nil, ErrBadCapacity
	}
	p := &Pool{
		capacity: capacity,
		idle:     list.New(),
		log:      log,
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Register creates a slot for one file. open must open the real handle,
// drop must close it; both are called with the pool lock held.
func (p *Pool) Register(open func() error, drop func()) *Slot {
	return &Slot{p: p, openFn: open, dropFn: drop}
}

// SetCapacity changes the handle limit for future acquisitions. Shrinking
// does not force eviction; the overshoot drains as idle handles are
// replaced.
func (p *Pool) SetCapacity(capacity int) error {
	if capacity <= 0 {
		return ErrBadCapacity
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	grow := capacity > p.capacity
	p.capacity = capacity
	if grow {
		p.cond.Broadcast()
	}
	return nil
}

// OpenHandles returns the number of real open handles.
func (p *Pool) OpenHandles() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// IdleHandles returns the size of the idle set.
func (p *Pool) IdleHandles() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle.Len()
}

// Acquire takes one lock on the slot, opening its handle if needed.
// Blocks while the pool is at capacity with nothing idle to evict.
func (s *Slot) Acquire() error {
	p := s.p
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if s.closed {
			return ErrClosed
		}
		if s.open {
			s.locks++
			if s.elem != nil {
				// Was idle, no longer evictable.
				p.idle.Remove(s.elem)
				s.elem = nil
			}
			return nil
		}
		if p.open < p.capacity {
			s.locks++
			p.open++
			if err := s.openFn(); err != nil {
				// Roll back, the slot must not enter the idle set.
				s.locks--
				p.open--
				return err
			}
			s.open = true
			return nil
		}
		if victim := p.popIdle(); victim != nil {
			victim.dropFn()
			victim.open = false
			p.open--
			continue
		}
		p.cond.Wait()
	}
}

// Release drops one lock. The last release parks the slot at the tail of
// the idle set and wakes one waiter; the handle stays open until demand
// evicts it.
func (s *Slot) Release() {
	p := s.p
	p.mu.Lock()
	defer p.mu.Unlock()
	s.locks--
	if s.locks > 0 {
		return
	}
	if s.locks < 0 {
		p.log.Errorf("slot released more times than acquired")
		s.locks = 0
		return
	}
	s.elem = p.idle.PushBack(s)
	p.cond.Signal()
}

// Close permanently retires the slot, dropping its handle if open.
// Fails with ErrLocked while any lock is held.
func (s *Slot) Close() error {
	p := s.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.locks != 0 {
		return ErrLocked
	}
	s.closed = true
	if s.elem != nil {
		p.idle.Remove(s.elem)
		s.elem = nil
	}
	if s.open {
		s.dropFn()
		s.open = false
		p.open--
		p.cond.Signal()
	}
	return nil
}

// IsOpen reports whether the slot currently holds a real handle.
func (s *Slot) IsOpen() bool {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return s.open
}

// IsLocked reports whether any lock is held on the slot.
func (s *Slot) IsLocked() bool {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return s.locks != 0
}

// popIdle removes and returns the oldest idle slot, nil if none.
func (p *Pool) popIdle() *Slot {
	front := p.idle.Front()
	if front == nil {
		return nil
	}
	s := front.Value.(*Slot)
	p.idle.Remove(front)
	s.elem = nil
	return s
}
