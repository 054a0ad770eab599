package spare

import (
	"github.com/chaitin/lidstore/pkg/chunkid"
	"github.com/chaitin/lidstore/pkg/sparelid"
)

// ensureLocked refills the ring when it has run out of
// entries while there are still zombies to reclaim, and
// reports whether there are entries to consume.
func (s *Store) ensureLocked() bool {
	if s.slots == 0 && s.overall.Load() > 0 {
		_ = s.refillLocked()
	}
	return s.slots > 0
}

// takeHeadLocked consumes n ids from the left of the
// lowest range. When compact is not set, a two-slot
// interval stays two-slot until a single id is left.
func (s *Store) takeHeadLocked(head item, n uint64, compact bool) {
	var buf [2]sparelid.Entry
	repl := buf[:0]
	if remaining := head.rng.Size() - n; remaining > 0 {
		rest := sparelid.Range{
			Start: head.rng.Start + chunkid.LID(n),
			End:   head.rng.End,
		}
		if head.slots == 2 && !compact && remaining > 1 {
			repl = append(repl,
				sparelid.Border(rest.Start),
				sparelid.Border(rest.End))
		} else {
			repl = rest.AppendTo(repl)
		}
	}
	s.replaceHead(head.slots, repl)
	s.freeLIDs -= n
	s.overall.Sub(n)
}

// Get removes and returns the lowest free id.
//
// It returns false when the ring is empty and no zombies
// could be reclaimed from the chunk table.
func (s *Store) Get() (chunkid.LID, bool) {
	if s.overall.Load() == 0 {
		return chunkid.InvalidLID, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ensureLocked() {
		return chunkid.InvalidLID, false
	}
	head := s.itemAt(s.getPos)
	s.takeHeadLocked(head, 1, false)
	return head.rng.Start, true
}

// GetMany fills the slice with the lowest free ids, whole
// ranges are consumed while they fit and the last range
// is trimmed from its left.
//
// It returns the number of ids written, which is less than
// the slice length only if the store has been drained.
func (s *Store) GetMany(dst []chunkid.LID) int {
	if len(dst) == 0 || s.overall.Load() == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for count < len(dst) && s.ensureLocked() {
		head := s.itemAt(s.getPos)
		take := head.rng.Size()
		if rest := uint64(len(dst) - count); take > rest {
			take = rest
		}
		for i := uint64(0); i < take; i++ {
			dst[count] = head.rng.Start + chunkid.LID(i)
			count++
		}
		s.takeHeadLocked(head, take, true)
	}
	return count
}
