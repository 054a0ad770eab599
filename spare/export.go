package spare

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/chaitin/lidstore/pkg/sparelid"
)

// maxImportCapacity bounds the ring length accepted from
// a dump, so that a corrupt length will not exhaust memory.
const maxImportCapacity = 1 << 28

// exportTrailer is the fixed part following the ring.
type exportTrailer struct {
	GetPos  uint32
	PutPos  uint32
	Slots   uint32
	Overall uint64
}

// Sizeof returns the number of bytes Export writes.
func (s *Store) Sizeof() int {
	return 4 + 8*len(s.ring) + binary.Size(exportTrailer{})
}

// Export writes the ring (length prefixed), the get and
// put position, the slot count and the overall count.
func (s *Store) Export(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ExportLocked(w)
}

// ExportLocked is Export with the store acquired.
func (s *Store) ExportLocked(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian,
		uint32(len(s.ring))); err != nil {
		return errors.Wrap(err, "write ring length")
	}
	if err := binary.Write(w, binary.BigEndian, s.ring); err != nil {
		return errors.Wrap(err, "write ring")
	}
	if err := binary.Write(w, binary.BigEndian, exportTrailer{
		GetPos:  uint32(s.getPos),
		PutPos:  uint32(s.putPos),
		Slots:   uint32(s.slots),
		Overall: s.overall.Load(),
	}); err != nil {
		return errors.Wrap(err, "write cursors")
	}
	return nil
}

// Import replaces the state of the store with the one
// written by Export. The ring capacity follows the dump.
//
// The cursors are restored as they were, and the ranges
// are validated before anything is replaced.
func (s *Store) Import(r io.Reader) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return errors.Wrap(err, "read ring length")
	}
	if length < 2 || length > maxImportCapacity {
		return errors.Wrapf(ErrCorrupt, "ring length %d", length)
	}
	ring := make([]sparelid.Entry, length)
	if err := binary.Read(r, binary.BigEndian, ring); err != nil {
		return errors.Wrap(err, "read ring")
	}
	var trailer exportTrailer
	if err := binary.Read(r, binary.BigEndian, &trailer); err != nil {
		return errors.Wrap(err, "read cursors")
	}

	imported := &Store{
		node:      s.node,
		reclaimer: s.reclaimer,
		logger:    s.logger,
		ring:      ring,
		getPos:    int(trailer.GetPos),
		putPos:    int(trailer.PutPos),
		slots:     int(trailer.Slots),
	}
	imported.overall.Store(trailer.Overall)
	if imported.getPos >= len(ring) || imported.putPos >= len(ring) ||
		imported.slots > len(ring) {
		return errors.Wrapf(ErrCorrupt,
			"cursors %d/%d with %d slots out of ring %d",
			trailer.GetPos, trailer.PutPos, trailer.Slots, length)
	}
	for _, it := range imported.items() {
		imported.freeLIDs += it.rng.Size()
	}
	if err := imported.validateLocked(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring = imported.ring
	s.getPos = imported.getPos
	s.putPos = imported.putPos
	s.slots = imported.slots
	s.freeLIDs = imported.freeLIDs
	s.overall.Store(trailer.Overall)
	s.logger.Debugf("imported %d slots holding %d of %d ids",
		s.slots, s.freeLIDs, trailer.Overall)
	return nil
}
