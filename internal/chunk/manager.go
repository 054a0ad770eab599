// Package chunk creates and removes chunks of a node, by
// pairing the local ids of the allocator with the entries
// of the chunk table.
package chunk

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/chaitin/lidstore"
	"github.com/chaitin/lidstore/internal/cidtable"
	"github.com/chaitin/lidstore/pkg/chunkid"
)

var (
	// ErrStoreFull is returned when custom ids could not be
	// claimed since the spare store has run out of slots.
	ErrStoreFull = errors.New("spare store full")

	// ErrForeignChunk is returned for a chunk id owned by
	// another node.
	ErrForeignChunk = errors.New("chunk of foreign node")
)

type option struct {
	logger *zap.Logger
}

// Option to initialize the manager.
type Option func(*option)

// WithLogger specifies the logger for the manager.
// The default value is zap.L().
func WithLogger(logger *zap.Logger) Option {
	return func(opt *option) {
		opt.logger = logger
	}
}

// Manager is the chunk manager of a node.
//
// Creating with custom ids excludes every other operation,
// since the ids in the spare store could not be told apart
// from the ids released meanwhile.
type Manager struct {
	mu        sync.RWMutex
	table     *cidtable.Table
	allocator *lidstore.Allocator
	logger    *zap.SugaredLogger

	// handle stands in for the heap address of a chunk.
	handle atomic.Uint64
}

// New creates the manager over the table and allocator
// of the same node.
func New(
	table *cidtable.Table, allocator *lidstore.Allocator,
	opts ...Option,
) *Manager {
	if table.NodeID() != allocator.NodeID() {
		panic(errors.Errorf("table of %s with allocator of %s",
			table.NodeID(), allocator.NodeID()))
	}
	option := &option{
		logger: zap.L(),
	}
	for _, opt := range opts {
		opt(option)
	}
	return &Manager{
		table:     table,
		allocator: allocator,
		logger: option.logger.Sugar().With(
			zap.Stringer("node", table.NodeID())),
	}
}

// NodeID returns the node owning the chunks.
func (m *Manager) NodeID() chunkid.NodeID {
	return m.table.NodeID()
}

// release hands a local id back to the allocator, flagging
// its table entry as zombie if the spare store is full.
func (m *Manager) release(lid chunkid.LID) {
	if m.allocator.Put(lid) {
		return
	}
	if err := m.table.FlagZombie(lid); err != nil {
		m.logger.Errorf("lid %s lost: %v", lid, err)
		return
	}
	m.logger.Debugf("spare store full, lid %s flagged zombie", lid)
}

// insert records the chunks into the table. The ids which
// could not be inserted are released.
func (m *Manager) insert(lids []chunkid.LID) ([]chunkid.CID, error) {
	cids := make([]chunkid.CID, 0, len(lids))
	for i, lid := range lids {
		if err := m.table.Insert(lid, m.handle.Inc()); err != nil {
			for _, rest := range lids[i:] {
				m.release(rest)
			}
			return cids, errors.Wrapf(err,
				"created %d of %d chunks", i, len(lids))
		}
		cids = append(cids, m.allocator.CID(lid))
	}
	return cids, nil
}

// Create creates n chunks with any free ids.
func (m *Manager) Create(n int) ([]chunkid.CID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lids := make([]chunkid.LID, n)
	if n == 1 {
		lids[0] = m.allocator.Get()
	} else {
		m.allocator.GetMany(lids)
	}
	return m.insert(lids)
}

// CreateConsecutive creates n chunks with consecutive ids.
func (m *Manager) CreateConsecutive(n int) ([]chunkid.CID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lids := make([]chunkid.LID, n)
	m.allocator.GetConsecutive(lids)
	return m.insert(lids)
}

// CreateWithIDs creates the chunks with the specified ids.
// Either all of them are created, or none is.
func (m *Manager) CreateWithIDs(lids ...chunkid.LID) ([]chunkid.CID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[chunkid.LID]struct{}, len(lids))
	var zombies, rest []chunkid.LID
	for _, lid := range lids {
		if _, ok := seen[lid]; ok {
			return nil, errors.Errorf("duplicate lid %s", lid)
		}
		seen[lid] = struct{}{}
		_, err := m.table.Get(lid)
		switch {
		case err == nil:
			return nil, errors.Wrapf(cidtable.ErrOccupied, "lid %s", lid)
		case !errors.Is(err, cidtable.ErrNotFound):
			return nil, err
		case m.table.IsZombie(lid):
			zombies = append(zombies, lid)
		default:
			rest = append(rest, lid)
		}
	}

	// The zombies are taken out of the table first, so that
	// claiming the rest could not reclaim them into the store.
	for _, lid := range zombies {
		m.table.ClearZombie(lid)
	}
	if !m.allocator.PutMany(rest...) {
		for _, lid := range zombies {
			_ = m.table.FlagZombie(lid)
		}
		return nil, errors.Wrapf(ErrStoreFull,
			"claim %d custom ids", len(rest))
	}
	m.allocator.Store().Settle(uint64(len(zombies)))
	return m.insert(lids)
}

// NextFree suggests an id for CreateWithIDs, the first
// one not in use at or after the specified id.
func (m *Manager) NextFree(lid chunkid.LID) chunkid.LID {
	return m.table.NextFree(lid)
}

// Get returns the handle of the chunk.
func (m *Manager) Get(cid chunkid.CID) (uint64, error) {
	if cid.NodeID() != m.table.NodeID() {
		return 0, errors.Wrapf(ErrForeignChunk, "get %s", cid)
	}
	return m.table.Get(cid.LocalID())
}

// Remove removes the chunk and releases its id.
func (m *Manager) Remove(cid chunkid.CID) error {
	if cid.NodeID() != m.table.NodeID() {
		return errors.Wrapf(ErrForeignChunk, "remove %s", cid)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, err := m.table.Remove(cid.LocalID()); err != nil {
		return errors.Wrapf(err, "remove %s", cid)
	}
	m.release(cid.LocalID())
	return nil
}

// Status is the state of the node's chunks.
type Status struct {
	lidstore.Status
	Chunks  int
	Zombies uint
}

// Status returns the current state.
func (m *Manager) Status() Status {
	return Status{
		Status:  m.allocator.Status(),
		Chunks:  m.table.Used(),
		Zombies: m.table.Zombies(),
	}
}
