// Package lockmgr implements whole-file advisory locking (flock
// semantics), grounded on finesse/bitbucket/flock.c: shared/exclusive
// grant rules, FIFO waiter queues per file, and forced cleanup when a
// file is torn down while lock waiters are still blocked. The original
// blocks the calling fuse_req_t until fuse_reply_err is invoked from
// the unlock path; here a blocking Lock call parks on a channel that
// the releasing goroutine (or Forget) fires exactly once.
package lockmgr

import (
	"context"
	"sync"

	"github.com/fsgeek/bitbucket/internal/errs"
	"github.com/fsgeek/bitbucket/internal/list"
)

// ownerEntry records one held lock. A single owner (identified by the
// caller-supplied token, typically a PID) may hold more than one
// shared entry, matching the original's per-request owner records.
type ownerEntry struct {
	owner     any
	exclusive bool
}

// waiterEntry is queued on a file's waiters list until it is granted or
// the file is forcibly torn down.
type waiterEntry struct {
	entry     list.Entry
	owner     any
	exclusive bool
	grant     chan error
}

// state is the lock record for a single file, keyed by the caller's
// file identity (typically an inode id).
type state struct {
	mu sync.Mutex

	owners  []*ownerEntry
	waiters *list.List
	byEntry map[*list.Entry]*waiterEntry

	readers, writers               int
	waitingReaders, waitingWriters int
}

func newState() *state {
	return &state{
		waiters: list.New(),
		byEntry: make(map[*list.Entry]*waiterEntry),
	}
}

// Manager tracks lock state for every file that has ever been locked.
// Entries are created lazily and never removed except via Forget, so a
// file that is never flocked costs nothing beyond a map slot.
type Manager struct {
	mu    sync.Mutex
	files map[uint64]*state
}

// NewManager returns an empty lock manager.
func NewManager() *Manager {
	return &Manager{files: make(map[uint64]*state)}
}

func (m *Manager) stateFor(id uint64) *state {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.files[id]
	if !ok {
		s = newState()
		m.files[id] = s
	}
	return s
}

// Lock acquires a shared or exclusive whole-file lock on behalf of
// owner, the caller's opaque lock-holder identity (a PID, a file
// handle — whatever the caller uses to later Unlock). If nonblock is
// false and the lock cannot be granted immediately, Lock blocks until
// granted, ctx is canceled, or the file is torn down via Forget.
func (m *Manager) Lock(ctx context.Context, id uint64, owner any, exclusive, nonblock bool) error {
	s := m.stateFor(id)
	s.mu.Lock()

	if exclusive {
		blocked := s.writers > 0 || s.waitingWriters > 0 || s.readers > 0
		if !nonblock {
			blocked = blocked || s.waitingReaders > 0
		}
		if !blocked {
			s.writers++
			s.owners = append(s.owners, &ownerEntry{owner: owner, exclusive: true})
			s.mu.Unlock()
			return nil
		}
		if nonblock {
			s.mu.Unlock()
			return errs.Wrap("flock", errs.WouldBlock)
		}
		w := &waiterEntry{owner: owner, exclusive: true, grant: make(chan error, 1)}
		s.waitingWriters++
		s.waiters.PushBack(&w.entry)
		s.byEntry[&w.entry] = w
		s.mu.Unlock()
		return m.waitForGrant(ctx, s, w)
	}

	blocked := s.writers > 0 || s.waitingWriters > 0
	if !blocked {
		s.readers++
		s.owners = append(s.owners, &ownerEntry{owner: owner, exclusive: false})
		s.mu.Unlock()
		return nil
	}
	if nonblock {
		s.mu.Unlock()
		return errs.Wrap("flock", errs.WouldBlock)
	}
	w := &waiterEntry{owner: owner, exclusive: false, grant: make(chan error, 1)}
	s.waitingReaders++
	s.waiters.PushBack(&w.entry)
	s.byEntry[&w.entry] = w
	s.mu.Unlock()
	return m.waitForGrant(ctx, s, w)
}

func (m *Manager) waitForGrant(ctx context.Context, s *state, w *waiterEntry) error {
	select {
	case err := <-w.grant:
		return err
	case <-ctx.Done():
		s.mu.Lock()
		if w.entry.Linked() {
			s.waiters.Remove(&w.entry)
			delete(s.byEntry, &w.entry)
			if w.exclusive {
				s.waitingWriters--
			} else {
				s.waitingReaders--
			}
			s.mu.Unlock()
			return ctx.Err()
		}
		s.mu.Unlock()
		// Granted concurrently with cancellation; honor the grant
		// result rather than dropping it on the floor.
		return <-w.grant
	}
}

// Unlock releases every lock entry owner holds on id and grants as
// many queued waiters as the resulting state allows, matching
// bitbucket_flock_unlock's scan-and-wake loop.
func (m *Manager) Unlock(id uint64, owner any) error {
	s := m.stateFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.owners[:0]
	released := 0
	for _, oe := range s.owners {
		if oe.owner != owner {
			kept = append(kept, oe)
			continue
		}
		released++
		if oe.exclusive {
			s.writers--
		} else {
			s.readers--
		}
	}
	s.owners = kept
	if released == 0 {
		return errs.Wrap("flock", errs.InvalidArg)
	}

	s.wakeWaiters()
	return nil
}

// wakeWaiters grants as many queued waiters as the current owner
// counts permit: an exclusive head is granted only once the file is
// completely unowned; a shared head is granted along with every
// contiguous shared waiter behind it, stopping at the next exclusive
// request. Caller must hold s.mu.
func (s *state) wakeWaiters() {
	for {
		e := s.waiters.Front()
		if e == nil {
			return
		}
		w := s.byEntry[e]

		if w.exclusive {
			if s.readers > 0 || s.writers > 0 {
				return
			}
			s.waiters.Remove(e)
			delete(s.byEntry, e)
			s.waitingWriters--
			s.writers++
			s.owners = append(s.owners, &ownerEntry{owner: w.owner, exclusive: true})
			w.grant <- nil
			return
		}

		if s.writers > 0 {
			return
		}
		s.waiters.Remove(e)
		delete(s.byEntry, e)
		s.waitingReaders--
		s.readers++
		s.owners = append(s.owners, &ownerEntry{owner: w.owner, exclusive: false})
		w.grant <- nil
		// Continue the loop: more contiguous shared waiters, or an
		// exclusive waiter that now blocks, or an empty list.
	}
}

// Forget tears down any lock state held for id, replying EBADF to
// every blocked waiter, matching bitbucket_cleanup_flock. Call this
// when the underlying file inode is torn down so no goroutine is left
// parked on a file that no longer exists.
func (m *Manager) Forget(id uint64) {
	m.mu.Lock()
	s, ok := m.files[id]
	if ok {
		delete(m.files, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		e := s.waiters.PopFront()
		if e == nil {
			break
		}
		w := s.byEntry[e]
		delete(s.byEntry, e)
		if w.exclusive {
			s.waitingWriters--
		} else {
			s.waitingReaders--
		}
		w.grant <- errs.Wrap("flock", errs.BadDescriptor)
	}
}
