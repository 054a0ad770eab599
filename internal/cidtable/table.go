// Package cidtable is the chunk table of a node, which maps
// the local id of every chunk to its address.
//
// The table is a flat array of 64-bit entries indexed by
// local id, mapped anonymously so that the pages of unused
// ids are never touched. The ids freed while the spare store
// was full are flagged as zombies, and are handed back to
// the store when it asks for them.
package cidtable

import (
	"sync"
	"unsafe"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/chaitin/lidstore/pkg/chunkid"
	"github.com/chaitin/lidstore/pkg/sparelid"
)

var (
	// ErrOutOfRange is returned for an id the table has no
	// entry for.
	ErrOutOfRange = errors.New("local id out of table range")

	// ErrNotFound is returned when the entry is empty.
	ErrNotFound = errors.New("chunk not found")

	// ErrOccupied is returned when inserting into an entry
	// which is already in use.
	ErrOccupied = errors.New("chunk entry occupied")
)

type option struct {
	logger *zap.Logger
}

// Option to initialize the table.
type Option func(*option)

// WithLogger specifies the logger for the table.
// The default value is zap.L().
func WithLogger(logger *zap.Logger) Option {
	return func(opt *option) {
		opt.logger = logger
	}
}

// Table is the chunk table of a node.
type Table struct {
	mu      sync.RWMutex
	node    chunkid.NodeID
	mem     []byte
	entries []uint64
	zombies *bitset.BitSet
	used    int
	logger  *zap.SugaredLogger
}

// New maps the table with the specified number of entries.
// The entry 0 is reserved and never used.
func New(
	node chunkid.NodeID, numEntries int, opts ...Option,
) (*Table, error) {
	if numEntries < 2 || uint64(numEntries-1) > uint64(chunkid.MaxLocalID) {
		return nil, errors.Errorf("invalid table size %d", numEntries)
	}
	option := &option{
		logger: zap.L(),
	}
	for _, opt := range opts {
		opt(option)
	}
	mem, err := unix.Mmap(-1, 0, numEntries*8,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "map table of %d entries", numEntries)
	}
	return &Table{
		node:    node,
		mem:     mem,
		entries: unsafe.Slice((*uint64)(unsafe.Pointer(&mem[0])), numEntries),
		zombies: bitset.New(uint(numEntries)),
		logger: option.logger.Sugar().With(
			zap.Stringer("node", node)),
	}, nil
}

// Close unmaps the table.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mem == nil {
		return nil
	}
	t.entries = nil
	mem := t.mem
	t.mem = nil
	return unix.Munmap(mem)
}

// NodeID returns the node owning the table.
func (t *Table) NodeID() chunkid.NodeID {
	return t.node
}

// Len returns the number of entries in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Used returns the number of entries in use.
func (t *Table) Used() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.used
}

func (t *Table) check(lid chunkid.LID) error {
	if lid == chunkid.InvalidLID || uint64(lid) >= uint64(len(t.entries)) {
		return errors.Wrapf(ErrOutOfRange, "lid %s", lid)
	}
	return nil
}

// Insert records the address of the chunk. The address
// must not be 0, which marks an empty entry.
func (t *Table) Insert(lid chunkid.LID, addr uint64) error {
	if addr == 0 {
		return errors.Errorf("insert null address at %s", lid)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(lid); err != nil {
		return err
	}
	if t.entries[lid] != 0 {
		return errors.Wrapf(ErrOccupied, "lid %s", lid)
	}
	t.entries[lid] = addr
	t.zombies.Clear(uint(lid))
	t.used++
	return nil
}

// Get returns the address of the chunk.
func (t *Table) Get(lid chunkid.LID) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.check(lid); err != nil {
		return 0, err
	}
	if t.entries[lid] == 0 {
		return 0, errors.Wrapf(ErrNotFound, "lid %s", lid)
	}
	return t.entries[lid], nil
}

// Remove empties the entry and returns the address it held.
func (t *Table) Remove(lid chunkid.LID) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(lid); err != nil {
		return 0, err
	}
	addr := t.entries[lid]
	if addr == 0 {
		return 0, errors.Wrapf(ErrNotFound, "lid %s", lid)
	}
	t.entries[lid] = 0
	t.used--
	return addr, nil
}

// NextFree seeks circularly for the first empty entry at
// or after the id, and returns InvalidLID when the table
// is full.
//
// The entry right at the id is very likely to be empty
// when the table is sparse, which involves only a single
// probe in most cases.
func (t *Table) NextFree(lid chunkid.LID) chunkid.LID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	limit := chunkid.LID(len(t.entries))
	if lid == chunkid.InvalidLID || lid >= limit {
		lid = 1
	}
	for next := lid; next < limit; next++ {
		if t.entries[next] == 0 {
			return next
		}
	}
	for next := chunkid.LID(1); next < lid; next++ {
		if t.entries[next] == 0 {
			return next
		}
	}
	return chunkid.InvalidLID
}

// FlagZombie marks the empty entry as a free id which is
// not recorded by the spare store.
func (t *Table) FlagZombie(lid chunkid.LID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(lid); err != nil {
		return err
	}
	if t.entries[lid] != 0 {
		return errors.Wrapf(ErrOccupied, "flag zombie %s", lid)
	}
	t.zombies.Set(uint(lid))
	return nil
}

// IsZombie reports whether the id is flagged as zombie.
func (t *Table) IsZombie(lid chunkid.LID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.zombies.Test(uint(lid))
}

// ClearZombie removes the zombie flag of the id, and
// reports whether it was flagged.
func (t *Table) ClearZombie(lid chunkid.LID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.zombies.Test(uint(lid)) {
		return false
	}
	t.zombies.Clear(uint(lid))
	return true
}

// Zombies returns the number of zombie entries.
func (t *Table) Zombies() uint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.zombies.Count()
}

// ReclaimZombies implements spare.Reclaimer. The zombies
// are scanned in ascending order and coalesced into ranges,
// and their flags are cleared once written into the ring.
func (t *Table) ReclaimZombies(
	node chunkid.NodeID, ring []sparelid.Entry,
	putPos, getPos, maxSlots int,
) int {
	if node != t.node || len(ring) == 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	written := 0
	var reclaimed uint64
	start, ok := t.zombies.NextSet(0)
	for ok && written < maxSlots {
		end := start
		for next := end + 1; next < uint(len(t.entries)) &&
			t.zombies.Test(next); next++ {
			end = next
		}
		rng := sparelid.Range{
			Start: chunkid.LID(start), End: chunkid.LID(end),
		}

		// Only a run fits in the last slot.
		if rng.Slots() > maxSlots-written {
			rng.End = rng.Start + chunkid.LID(sparelid.MaxRunLength) - 1
		}
		var buf [2]sparelid.Entry
		for _, entry := range rng.AppendTo(buf[:0]) {
			ring[(putPos+written)%len(ring)] = entry
			written++
		}
		for lid := uint(rng.Start); lid <= uint(rng.End); lid++ {
			t.zombies.Clear(lid)
		}
		reclaimed += rng.Size()
		start, ok = t.zombies.NextSet(uint(rng.End) + 1)
	}
	if written > 0 {
		t.logger.Debugf("reclaimed %d zombies into %d slots",
			reclaimed, written)
	}
	return written
}
