package spare

// Refill asks the chunk table to reclaim its zombies into
// the ring. It only happens when the ring is empty while
// ids are still owed, and reports whether anything has
// been reclaimed.
func (s *Store) Refill() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refillLocked()
}

// RefillLocked is Refill with the store acquired.
func (s *Store) RefillLocked() bool {
	return s.refillLocked()
}

func (s *Store) refillLocked() bool {
	overall := s.overall.Load()
	if s.reclaimer == nil || s.slots != 0 || overall == 0 {
		return false
	}
	written := s.reclaimer.ReclaimZombies(s.node, s.ring,
		s.putPos, s.getPos, len(s.ring)-s.slots)
	if written <= 0 {
		s.logger.Debugf("no zombies reclaimed, %d ids owed", overall)
		return false
	}
	if written > len(s.ring) {
		written = len(s.ring)
	}

	// Account the ranges deposited behind the put position.
	var freed uint64
	pos := s.putPos
	for off := 0; off < written; {
		it := s.itemAt(pos)
		freed += it.rng.Size()
		off += it.slots
		pos = s.advance(pos, it.slots)
	}
	s.putPos = s.advance(s.putPos, written)
	s.slots += written
	s.freeLIDs += freed
	if s.freeLIDs > overall {
		s.logger.Warnf("reclaimed %d ids while %d owed",
			s.freeLIDs, overall)
		s.overall.Store(s.freeLIDs)
	}
	s.logger.Debugf("reclaimed %d ids into %d slots", freed, written)
	return true
}
