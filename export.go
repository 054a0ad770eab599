package lidstore

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/chaitin/lidstore/pkg/chunkid"
	"github.com/chaitin/lidstore/spare"
)

// Sizeof returns the number of bytes Export writes.
func (a *Allocator) Sizeof() int {
	return 8 + a.store.Sizeof()
}

// Export writes the counter followed by the spare store.
// The allocator is held still while it is written.
func (a *Allocator) Export(w io.Writer) error {
	a.store.Lock()
	defer a.store.Unlock()
	if err := binary.Write(w, binary.BigEndian,
		a.counter.Load()); err != nil {
		return errors.Wrap(err, "write counter")
	}
	return a.store.ExportLocked(w)
}

// Import replaces the state of the allocator with the one
// written by Export. The allocator must not be used by
// anyone else while importing.
func (a *Allocator) Import(r io.Reader) error {
	var counter uint64
	if err := binary.Read(r, binary.BigEndian, &counter); err != nil {
		return errors.Wrap(err, "read counter")
	}
	if counter == 0 || counter-1 > uint64(chunkid.MaxLocalID) {
		return errors.Wrapf(ErrCorruptDump, "counter 0x%x", counter)
	}
	a.store.Lock()
	previous := a.store.SnapshotLocked()
	a.store.Unlock()
	if err := a.store.Import(r); err != nil {
		if errors.Is(err, spare.ErrCorrupt) {
			return errors.Wrap(ErrCorruptDump, err.Error())
		}
		return errors.Wrap(err, "import spare store")
	}
	ranges := a.store.Ranges()
	if n := len(ranges); n > 0 && (ranges[0].Start == chunkid.InvalidLID ||
		uint64(ranges[n-1].End) >= counter) {
		a.store.Lock()
		a.store.RestoreLocked(previous)
		a.store.Unlock()
		return errors.Wrapf(ErrCorruptDump,
			"spare ranges %s to %s outside (0, 0x%x)",
			ranges[0], ranges[n-1], counter)
	}
	a.counter.Store(counter)
	status := a.Status()
	a.logger.Infof("imported allocator at %s with %d spare ids",
		status.HighestLID, status.TotalFree)
	return nil
}
