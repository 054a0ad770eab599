// Package spare is the store of free local ids which could
// be handed out again by the allocator.
//
// The store is a fixed capacity ring buffer of packed
// entries. Its live entries, read from the get position to
// the put position, always form a strictly ascending
// sequence of disjoint free ranges, so that the lowest free
// id is always found at the get position.
//
// Since the buffer is bounded, it might not be able to
// represent every free id. The free ids which could not be
// recorded are left as zombie entries inside the chunk
// table, and the store asks the table to reclaim them when
// it has run out of local entries.
package spare

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/chaitin/lidstore/pkg/chunkid"
	"github.com/chaitin/lidstore/pkg/sparelid"
)

// ErrCorrupt is returned when the state of the store is
// found inconsistent, either while importing or validating.
var ErrCorrupt = errors.New("corrupt spare store")

// Reclaimer is implemented by the chunk table to turn its
// zombie entries back into free ranges.
//
// ReclaimZombies scans the table for zombies owned by the
// node, writes at most maxSlots canonical entries into the
// ring starting at putPos (wrapping around the end of the
// ring) in ascending order, and returns the number of slots
// written. The store is locked while it is called, so it
// must not call back into the store.
type Reclaimer interface {
	ReclaimZombies(
		node chunkid.NodeID, ring []sparelid.Entry,
		putPos, getPos, maxSlots int,
	) int
}

type option struct {
	logger *zap.Logger
}

// Option to initialize the spare store.
type Option func(*option)

// WithLogger specifies the logger for the store.
// The default value is zap.L().
func WithLogger(logger *zap.Logger) Option {
	return func(opt *option) {
		opt.logger = logger
	}
}

func newOption() *option {
	return &option{
		logger: zap.L(),
	}
}

// Store is the ring buffer of free local ids.
type Store struct {
	mu        sync.Mutex
	node      chunkid.NodeID
	reclaimer Reclaimer
	logger    *zap.SugaredLogger

	ring     []sparelid.Entry
	getPos   int
	putPos   int
	slots    int
	freeLIDs uint64

	// overall counts the free ids owed by the store,
	// including those left as zombies in the chunk table.
	// It is only modified with the lock held, but could
	// be read without it to skip locking an empty store.
	overall atomic.Uint64
}

// New creates a store of the specified slot capacity.
//
// The reclaimer might be nil, in which case the store will
// never be refilled.
func New(
	node chunkid.NodeID, capacity int,
	reclaimer Reclaimer, opts ...Option,
) *Store {
	if capacity < 2 {
		panic(errors.Errorf(
			"spare store capacity %d too small", capacity))
	}
	option := newOption()
	for _, opt := range opts {
		opt(option)
	}
	return &Store{
		node:      node,
		reclaimer: reclaimer,
		logger: option.logger.Sugar().With(
			zap.Stringer("node", node)),
		ring: make([]sparelid.Entry, capacity),
	}
}

// Lock acquires the store so that the caller could compose
// several locked operations atomically.
func (s *Store) Lock() {
	s.mu.Lock()
}

// Unlock releases the store acquired by Lock.
func (s *Store) Unlock() {
	s.mu.Unlock()
}

// advance moves the ring position by step slots, where
// step might be negative.
func (s *Store) advance(pos, step int) int {
	n := len(s.ring)
	return ((pos+step)%n + n) % n
}

// offset returns how far the position is from the get
// position, following the ring forward.
func (s *Store) offset(pos int) int {
	return s.advance(pos, -s.getPos)
}

// item is a free range decoded from the ring.
type item struct {
	pos   int
	slots int
	rng   sparelid.Range
}

// itemAt decodes the range headed at the position.
func (s *Store) itemAt(pos int) item {
	head := s.ring[pos]
	tail := head
	slots := head.Slots()
	if slots == 2 {
		tail = s.ring[s.advance(pos, 1)]
	}
	return item{
		pos:   pos,
		slots: slots,
		rng:   sparelid.RangeOf(head, tail),
	}
}

// splice replaces the oldSlots slots starting at pos with
// the replacement entries, shifting all entries behind
// them up to the put position.
//
// It returns false without touching anything if the ring
// does not have enough free slots for the replacement.
func (s *Store) splice(
	pos, oldSlots int, repl []sparelid.Entry,
) bool {
	delta := len(repl) - oldSlots
	if s.slots+delta > len(s.ring) {
		return false
	}
	tailStart := s.advance(pos, oldSlots)
	tailLen := s.slots - s.offset(pos) - oldSlots
	if s.slots == 0 {
		tailLen = 0
	}
	switch {
	case delta > 0:
		for i := tailLen - 1; i >= 0; i-- {
			from := s.advance(tailStart, i)
			s.ring[s.advance(from, delta)] = s.ring[from]
		}
	case delta < 0:
		for i := 0; i < tailLen; i++ {
			from := s.advance(tailStart, i)
			s.ring[s.advance(from, delta)] = s.ring[from]
		}
		for i := delta; i < 0; i++ {
			s.ring[s.advance(s.putPos, i)] = 0
		}
	}
	for i, entry := range repl {
		s.ring[s.advance(pos, i)] = entry
	}
	s.putPos = s.advance(s.putPos, delta)
	s.slots += delta
	return true
}

// replaceHead replaces the range at the get position with
// no more entries than it used to occupy, moving the get
// position forward over the released slots.
func (s *Store) replaceHead(oldSlots int, repl []sparelid.Entry) {
	drop := oldSlots - len(repl)
	for i := 0; i < drop; i++ {
		s.ring[s.advance(s.getPos, i)] = 0
	}
	s.getPos = s.advance(s.getPos, drop)
	for i, entry := range repl {
		s.ring[s.advance(s.getPos, i)] = entry
	}
	s.slots -= drop
}

// items decodes all live ranges in ring order.
func (s *Store) items() []item {
	var result []item
	pos := s.getPos
	for off := 0; off < s.slots; {
		it := s.itemAt(pos)
		result = append(result, it)
		off += it.slots
		pos = s.advance(pos, it.slots)
	}
	return result
}

// Capacity returns the number of slots in the ring.
func (s *Store) Capacity() int {
	return len(s.ring)
}

// Overall returns the number of free ids owed by the store,
// including the zombies left in the chunk table.
func (s *Store) Overall() uint64 {
	return s.overall.Load()
}

// Stats returns the number of occupied slots and the
// number of free ids represented in the ring.
func (s *Store) Stats() (slots int, freeLIDs uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots, s.freeLIDs
}

// Cursors returns the get and put position of the ring.
func (s *Store) Cursors() (getPos, putPos int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getPos, s.putPos
}

// Raw returns a copy of the whole ring, including the
// cleared slots, indexed by ring position.
func (s *Store) Raw() []sparelid.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sparelid.Entry(nil), s.ring...)
}

// Ranges returns the live free ranges in ascending order.
func (s *Store) Ranges() []sparelid.Range {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []sparelid.Range
	for _, it := range s.items() {
		result = append(result, it.rng)
	}
	return result
}

// Entries returns the live entries in ring order.
func (s *Store) Entries() []sparelid.Spare {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]sparelid.Spare, 0, s.slots)
	for i := 0; i < s.slots; i++ {
		result = append(result,
			s.ring[s.advance(s.getPos, i)].Decode())
	}
	return result
}

// Validate checks the ordering and accounting of the ring.
func (s *Store) Validate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validateLocked()
}

func (s *Store) validateLocked() error {
	n := len(s.ring)
	if s.getPos < 0 || s.getPos >= n ||
		s.putPos < 0 || s.putPos >= n {
		return errors.Wrapf(ErrCorrupt,
			"cursors %d/%d out of ring %d", s.getPos, s.putPos, n)
	}
	if s.slots < 0 || s.slots > n ||
		s.advance(s.getPos, s.slots) != s.putPos {
		return errors.Wrapf(ErrCorrupt,
			"%d slots mismatch cursors %d/%d",
			s.slots, s.getPos, s.putPos)
	}
	var sum uint64
	var last sparelid.Range
	pos := s.getPos
	for off := 0; off < s.slots; {
		head := s.ring[pos]
		if head.Kind() == sparelid.KindBorder {
			if off+2 > s.slots {
				return errors.Wrapf(ErrCorrupt,
					"dangling border at %d", pos)
			}
			tail := s.ring[s.advance(pos, 1)]
			if tail.Kind() != sparelid.KindBorder ||
				tail.LID() < head.LID() {
				return errors.Wrapf(ErrCorrupt,
					"malformed interval at %d", pos)
			}
		}
		it := s.itemAt(pos)
		if off > 0 && it.rng.Start <= last.End {
			return errors.Wrapf(ErrCorrupt,
				"range %s at %d not after %s",
				it.rng, pos, last)
		}
		if !it.rng.End.Valid() {
			return errors.Wrapf(ErrCorrupt,
				"range %s at %d exceeds local ids", it.rng, pos)
		}
		last = it.rng
		sum += it.rng.Size()
		off += it.slots
		pos = s.advance(pos, it.slots)
	}
	if sum != s.freeLIDs {
		return errors.Wrapf(ErrCorrupt,
			"ranges hold %d ids, accounted %d", sum, s.freeLIDs)
	}
	if overall := s.overall.Load(); s.freeLIDs > overall {
		return errors.Wrapf(ErrCorrupt,
			"%d ids in ring exceed %d owed", s.freeLIDs, overall)
	}
	return nil
}

// Snapshot is a copy of the store state for rollback.
type Snapshot struct {
	ring     []sparelid.Entry
	getPos   int
	putPos   int
	slots    int
	freeLIDs uint64
	overall  uint64
}

// SnapshotLocked copies the current state, the store must
// have been acquired with Lock.
func (s *Store) SnapshotLocked() Snapshot {
	return Snapshot{
		ring:     append([]sparelid.Entry(nil), s.ring...),
		getPos:   s.getPos,
		putPos:   s.putPos,
		slots:    s.slots,
		freeLIDs: s.freeLIDs,
		overall:  s.overall.Load(),
	}
}

// RestoreLocked rolls the store back to the snapshot, the
// store must have been acquired with Lock.
func (s *Store) RestoreLocked(snapshot Snapshot) {
	if len(s.ring) != len(snapshot.ring) {
		s.ring = make([]sparelid.Entry, len(snapshot.ring))
	}
	copy(s.ring, snapshot.ring)
	s.getPos = snapshot.getPos
	s.putPos = snapshot.putPos
	s.slots = snapshot.slots
	s.freeLIDs = snapshot.freeLIDs
	s.overall.Store(snapshot.overall)
}
