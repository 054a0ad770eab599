package spare

import (
	"github.com/pkg/errors"

	"github.com/chaitin/lidstore/pkg/chunkid"
	"github.com/chaitin/lidstore/pkg/sparelid"
)

// appendLocked records the entries spanning size ids at
// the put position.
func (s *Store) appendLocked(size uint64, entries ...sparelid.Entry) bool {
	if !s.splice(s.putPos, 0, entries) {
		s.logger.Debugf("ring full, cannot append %d ids", size)
		return false
	}
	s.freeLIDs += size
	s.overall.Add(size)
	return true
}

// Put appends a single free id at the put position.
//
// The id must be greater than every id in the store. It
// returns false if the ring is full, in which case the
// caller has to remember the id elsewhere.
func (s *Store) Put(lid chunkid.LID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(1, sparelid.Single(lid))
}

// PutRun appends the free range [start, start+length-1]
// as a single-slot run. The length must not exceed
// sparelid.MaxRunLength.
func (s *Store) PutRun(start chunkid.LID, length uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if length == 1 {
		return s.appendLocked(1, sparelid.Single(start))
	}
	return s.appendLocked(length, sparelid.Run(start, length))
}

// PutInterval appends the free range [start, end] as a
// two-slot interval.
func (s *Store) PutInterval(start, end chunkid.LID) bool {
	if end < start {
		panic(errors.Errorf(
			"interval end %s before start %s", end, start))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(uint64(end-start)+1,
		sparelid.Border(start), sparelid.Border(end))
}

// AppendRangeLocked appends the range in its canonical
// encoding and returns the number of slots it took. The
// store must have been acquired with Lock.
func (s *Store) AppendRangeLocked(rng sparelid.Range) (int, bool) {
	var buf [2]sparelid.Entry
	entries := rng.AppendTo(buf[:0])
	if !s.appendLocked(rng.Size(), entries...) {
		return 0, false
	}
	return len(entries), true
}

// UndoAppendLocked reverts the last append of the given
// number of slots spanning size ids.
func (s *Store) UndoAppendLocked(slots int, size uint64) {
	for i := 1; i <= slots; i++ {
		s.ring[s.advance(s.putPos, -i)] = 0
	}
	s.putPos = s.advance(s.putPos, -slots)
	s.slots -= slots
	s.freeLIDs -= size
	s.overall.Sub(size)
}

// Placement of an id lower than the allocator counter
// relative to the ranges already in the store.
type placement uint8

const (
	placeIsolated = placement(iota)
	placeExtendLeft
	placeExtendRight
	placeMerge
	placeSplit
)

var placementNames = [...]string{
	placeIsolated:    "isolated",
	placeExtendLeft:  "extend-left",
	placeExtendRight: "extend-right",
	placeMerge:       "merge",
	placeSplit:       "split",
}

func (p placement) String() string {
	return placementNames[p]
}

// locateLocked scans the ring for the ranges around the
// id. The left item is the last range starting at or
// below the id and the right item is the first range
// starting above it, pos is the position where an
// isolated id would be inserted.
func (s *Store) locateLocked(lid chunkid.LID) (
	kind placement, left, right item, pos int,
) {
	hasLeft, hasRight := false, false
	pos = s.getPos
	for off := 0; off < s.slots; {
		it := s.itemAt(pos)
		if it.rng.Start > lid {
			right, hasRight = it, true
			break
		}
		left, hasLeft = it, true
		off += it.slots
		pos = s.advance(pos, it.slots)
	}
	if hasLeft && left.rng.End >= lid {
		return placeSplit, left, right, pos
	}
	leftAdjacent := hasLeft && left.rng.End+1 == lid
	rightAdjacent := hasRight && right.rng.Start == lid+1
	switch {
	case leftAdjacent && rightAdjacent:
		kind = placeMerge
	case leftAdjacent:
		kind = placeExtendRight
	case rightAdjacent:
		kind = placeExtendLeft
	default:
		kind = placeIsolated
	}
	return kind, left, right, pos
}

// PutLower returns an id lower than the allocator counter
// to the store.
//
// The id extends the range it is adjacent to, or bridges
// the two ranges around it into one, or is inserted as a
// new single in between. If the id lies inside a range
// that is already free, the range is split around it and
// the id is taken out of the store, since the id is now
// individually accounted by the caller.
//
// It returns false if the ring is full. A released id
// which could not be inserted is still counted as owed,
// the caller must flag its chunk table entry as zombie.
func (s *Store) PutLower(lid chunkid.LID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ensureLocked()
	return s.PutLowerLocked(lid)
}

// PutLowerLocked is PutLower with the store acquired. It
// never refills the ring, call RefillLocked beforehand.
func (s *Store) PutLowerLocked(lid chunkid.LID) bool {
	kind, left, right, pos := s.locateLocked(lid)

	var buf [4]sparelid.Entry
	repl := buf[:0]
	var ok bool
	switch kind {
	case placeSplit:
		if lid > left.rng.Start {
			repl = sparelid.Range{
				Start: left.rng.Start, End: lid - 1,
			}.AppendTo(repl)
		}
		if lid < left.rng.End {
			repl = sparelid.Range{
				Start: lid + 1, End: left.rng.End,
			}.AppendTo(repl)
		}
		if !s.splice(left.pos, left.slots, repl) {
			s.logger.Debugf("ring full, cannot split %s at %s",
				left.rng, lid)
			return false
		}
		s.freeLIDs--
		s.overall.Dec()
		return true
	case placeMerge:
		repl = sparelid.Range{
			Start: left.rng.Start, End: right.rng.End,
		}.AppendTo(repl)
		ok = s.splice(left.pos, left.slots+right.slots, repl)
	case placeExtendRight:
		repl = sparelid.Range{
			Start: left.rng.Start, End: lid,
		}.AppendTo(repl)
		ok = s.splice(left.pos, left.slots, repl)
	case placeExtendLeft:
		repl = sparelid.Range{
			Start: lid, End: right.rng.End,
		}.AppendTo(repl)
		ok = s.splice(right.pos, right.slots, repl)
	default:
		ok = s.splice(pos, 0, append(repl, sparelid.Single(lid)))
	}
	s.overall.Inc()
	if !ok {
		s.logger.Debugf("ring full, %s of %s left as zombie",
			kind, lid)
		return false
	}
	s.freeLIDs++
	return true
}

// Settle records that n owed ids have been claimed straight
// from the zombies of the chunk table, without passing
// through the ring.
func (s *Store) Settle(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	overall := s.overall.Load()
	if zombies := overall - s.freeLIDs; n > zombies {
		s.logger.Warnf("settling %d ids while %d zombies owed",
			n, zombies)
		n = zombies
	}
	s.overall.Sub(n)
}
