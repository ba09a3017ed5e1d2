package tdb

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Spinlock accelerator. fcntl byte-range locks are associated with
// (process, inode): if two *DB handles
// in the *same* process both try to lock the same chain, the second fcntl
// call silently succeeds instead of blocking, because the kernel sees one
// process already holding the range. That is fine for a single handle's own
// reentrancy (lockManager's depth counters handle that) but wrong the
// moment a process opens the same file through two independent handles, for
// example one per worker goroutine. spinChainLocker closes that gap with an
// in-process atomic gate shared by every handle on the same file, entirely
// local to this process; it does nothing to accelerate or replace
// cross-process locking, which still goes through the same fcntl calls.
type spinSlot struct {
	state atomic.Int32
}

type spinTable struct {
	mu    sync.Mutex
	slots map[int]*spinSlot
	refs  int
}

func newSpinTable() *spinTable {
	return &spinTable{slots: make(map[int]*spinSlot)}
}

func (t *spinTable) slot(idx int) *spinSlot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.slots[idx]
	if !ok {
		s = &spinSlot{}
		t.slots[idx] = s
	}

	return s
}

// spinTables is the process-wide registry of spinTable, one per open file
// identity, mirroring globalRegistry so every handle on the same file
// shares the same gate.
var spinTables sync.Map // fileIdentity -> *spinTable

// getOrCreateSpinTable returns the shared spinTable for id, creating it on
// first use and incrementing its reference count so a concurrent Close of
// another handle on the same file doesn't pull the table out from under
// this one (see releaseSpinTable).
func getOrCreateSpinTable(id fileIdentity) *spinTable {
	actual, _ := spinTables.LoadOrStore(id, newSpinTable())
	t := actual.(*spinTable)

	t.mu.Lock()
	t.refs++
	t.mu.Unlock()

	return t
}

// releaseSpinTable drops this handle's reference to id's spinTable, removing
// it from the registry only once every handle sharing it has closed. Every
// other handle retains its own pointer to t regardless, so deletion here
// only governs whether the *next* opener reuses t or builds a fresh one.
func releaseSpinTable(id fileIdentity) {
	actual, ok := spinTables.Load(id)
	if !ok {
		return
	}

	t := actual.(*spinTable)

	t.mu.Lock()
	t.refs--
	done := t.refs <= 0
	t.mu.Unlock()

	if done {
		spinTables.CompareAndDelete(id, t)
	}
}

const spinSpinsBeforeYield = 64

// spinChainLocker wraps an inner ChainLocker (normally a *lockManager) with
// the in-process gate described above.
type spinChainLocker struct {
	inner ChainLocker
	table *spinTable
}

func newSpinChainLocker(inner ChainLocker, table *spinTable) *spinChainLocker {
	return &spinChainLocker{inner: inner, table: table}
}

func (s *spinChainLocker) LockChain(idx int, write bool) error {
	slot := s.table.slot(idx)

	for i := 0; !slot.state.CompareAndSwap(0, 1); i++ {
		if i > spinSpinsBeforeYield {
			runtime.Gosched()
		}
	}

	if err := s.inner.LockChain(idx, write); err != nil {
		slot.state.Store(0)
		return err
	}

	return nil
}

func (s *spinChainLocker) TryLockChain(idx int, write bool) (bool, error) {
	slot := s.table.slot(idx)
	if !slot.state.CompareAndSwap(0, 1) {
		return false, nil
	}

	ok, err := s.inner.TryLockChain(idx, write)
	if !ok || err != nil {
		slot.state.Store(0)
		return ok, err
	}

	return true, nil
}

func (s *spinChainLocker) UnlockChain(idx int) error {
	err := s.inner.UnlockChain(idx)
	s.table.slot(idx).state.Store(0)

	return err
}

var _ ChainLocker = (*spinChainLocker)(nil)
