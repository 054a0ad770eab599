package lidstore

import (
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/chaitin/lidstore/pkg/chunkid"
	"github.com/chaitin/lidstore/pkg/sparelid"
	"github.com/chaitin/lidstore/spare"
)

// Allocator hands out the local ids of a node.
//
// The counter is the next id never issued so far, and is
// only advanced by compare and swap. Every id below the
// counter is either in use, or owed by the spare store.
type Allocator struct {
	node    chunkid.NodeID
	counter atomic.Uint64
	store   *spare.Store
	logger  *zap.SugaredLogger
}

// New creates the allocator of the node. The reclaimer is
// consulted by the spare store to recover zombies, and
// might be nil if the chunk table leaves none.
func New(
	node chunkid.NodeID, reclaimer spare.Reclaimer, opts ...Option,
) *Allocator {
	option := newOption()
	for _, opt := range opts {
		opt(option)
	}
	mustValid(option.initialCounter)
	if option.initialCounter == chunkid.InvalidLID {
		option.initialCounter = 1
	}
	a := &Allocator{
		node: node,
		store: spare.New(node, option.capacity, reclaimer,
			spare.WithLogger(option.logger)),
		logger: option.logger.Sugar().With(
			zap.Stringer("node", node)),
	}
	a.counter.Store(uint64(option.initialCounter))
	return a
}

func mustValid(lid chunkid.LID) {
	if !lid.Valid() {
		panic(errors.Errorf("local id %s exceeds 48 bits", lid))
	}
}

func mustIssued(lid chunkid.LID) {
	if lid == chunkid.InvalidLID {
		panic(errors.New("put of the reserved local id 0"))
	}
	mustValid(lid)
}

// NodeID returns the node owning the allocated ids.
func (a *Allocator) NodeID() chunkid.NodeID {
	return a.node
}

// CID composes the chunk id of a local id of this node.
func (a *Allocator) CID(lid chunkid.LID) chunkid.CID {
	return chunkid.Make(a.node, lid)
}

// Store returns the spare store backing the allocator.
func (a *Allocator) Store() *spare.Store {
	return a.store
}

// claim advances the counter over n ids and returns the
// first of them.
func (a *Allocator) claim(n uint64) chunkid.LID {
	for {
		start := a.counter.Load()
		end := start + n
		if end-1 > uint64(chunkid.MaxLocalID) {
			panic(errors.Errorf(
				"local ids exhausted claiming %d from 0x%x", n, start))
		}
		if a.counter.CompareAndSwap(start, end) {
			return chunkid.LID(start)
		}
	}
}

// Get returns a free id, the lowest spare one if there is
// any, otherwise a fresh one from the counter.
func (a *Allocator) Get() chunkid.LID {
	if lid, ok := a.store.Get(); ok {
		return lid
	}
	return a.claim(1)
}

// GetMany fills the slice with free ids. The spare store is
// drained first, and the rest is taken from the counter as
// a single contiguous block.
func (a *Allocator) GetMany(dst []chunkid.LID) {
	count := 0
	for count < len(dst) {
		n := a.store.GetMany(dst[count:])
		if n == 0 {
			break
		}
		count += n
	}
	if rest := len(dst) - count; rest > 0 {
		start := a.claim(uint64(rest))
		for i := range dst[count:] {
			dst[count+i] = start + chunkid.LID(i)
		}
	}
}

// GetConsecutive fills the slice with consecutive fresh ids
// from the counter, ignoring the spare store.
func (a *Allocator) GetConsecutive(dst []chunkid.LID) {
	if len(dst) == 0 {
		return
	}
	start := a.claim(uint64(len(dst)))
	for i := range dst {
		dst[i] = start + chunkid.LID(i)
	}
}

// Put marks an id as in use or released, depending on
// where it is relative to the counter.
//
// An id at the counter just advances it. An id above the
// counter claims it, while the ids skipped over are
// recorded as free. An id below the counter is handed to
// the spare store, see spare.Store.PutLower.
//
// It returns false if the spare store is full. The counter
// is then left untouched for an id above it. For an id
// below it, the id is owed as a zombie and the caller must
// flag its chunk table entry. The reserved id 0 panics.
func (a *Allocator) Put(lid chunkid.LID) bool {
	mustIssued(lid)
	for {
		current := a.counter.Load()
		switch {
		case uint64(lid) < current:
			return a.store.PutLower(lid)
		case uint64(lid) == current:
			if a.counter.CompareAndSwap(current, current+1) {
				return true
			}
		default:
			if ok, done := a.putAbove(lid, current); done {
				return ok
			}
		}
	}
}

// putAbove records the gap below the id and claims it. It
// reports not done when the counter has moved meanwhile.
func (a *Allocator) putAbove(lid chunkid.LID, current uint64) (ok, done bool) {
	a.store.Lock()
	defer a.store.Unlock()
	gap := sparelid.Range{Start: chunkid.LID(current), End: lid - 1}
	slots, ok := a.store.AppendRangeLocked(gap)
	if !ok {
		a.logger.Debugf("spare store full, cannot skip %s", gap)
		return false, true
	}
	if a.counter.CompareAndSwap(current, uint64(lid)+1) {
		return true, true
	}
	a.store.UndoAppendLocked(slots, gap.Size())
	return false, false
}

// PutMany puts all ids as a whole. If any of them fails,
// the allocator is rolled back to where it was and false
// is returned. Like Put, it panics on the reserved id 0.
func (a *Allocator) PutMany(lids ...chunkid.LID) bool {
	for _, lid := range lids {
		mustIssued(lid)
	}
	for {
		if ok, done := a.putManyOnce(lids); done {
			return ok
		}
	}
}

func (a *Allocator) putManyOnce(lids []chunkid.LID) (ok, done bool) {
	a.store.Lock()
	defer a.store.Unlock()

	// Reclaimed zombies cannot be handed back to the chunk
	// table, the ring is only refilled ahead of the snapshot.
	_ = a.store.RefillLocked()
	snapshot := a.store.SnapshotLocked()
	start := a.counter.Load()
	current := start
	for _, lid := range lids {
		switch {
		case uint64(lid) < current:
			ok = a.store.PutLowerLocked(lid)
		case uint64(lid) == current:
			current, ok = current+1, true
		default:
			_, ok = a.store.AppendRangeLocked(sparelid.Range{
				Start: chunkid.LID(current), End: lid - 1,
			})
			if ok {
				current = uint64(lid) + 1
			}
		}
		if !ok {
			a.store.RestoreLocked(snapshot)
			a.logger.Debugf("spare store full, rolled back %d ids at %s",
				len(lids), lid)
			return false, true
		}
	}
	if current == start || a.counter.CompareAndSwap(start, current) {
		return true, true
	}
	a.store.RestoreLocked(snapshot)
	return false, false
}

// Status returns the current state of the allocator.
func (a *Allocator) Status() Status {
	slots, inStore := a.store.Stats()
	return Status{
		HighestLID: chunkid.LID(a.counter.Load() - 1),
		TotalFree:  a.store.Overall(),
		InStore:    inStore,
		Slots:      slots,
		Capacity:   a.store.Capacity(),
	}
}
