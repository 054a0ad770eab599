package chunk

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/chaitin/lidstore"
	"github.com/chaitin/lidstore/internal/cidtable"
	"github.com/chaitin/lidstore/pkg/chunkid"
)

func newTestManager(t *testing.T, entries, capacity int) *Manager {
	table, err := cidtable.New(1, entries)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, table.Close())
	})
	return New(table, lidstore.New(1, table,
		lidstore.WithCapacity(capacity)))
}

func localIDs(cids []chunkid.CID) []chunkid.LID {
	var result []chunkid.LID
	for _, cid := range cids {
		result = append(result, cid.LocalID())
	}
	return result
}

func TestCreateRemove(t *testing.T) {
	assert := assert.New(t)
	m := newTestManager(t, 64, 16)

	cids, err := m.Create(3)
	assert.NoError(err)
	assert.Equal([]chunkid.LID{1, 2, 3}, localIDs(cids))
	assert.Equal(chunkid.NodeID(1), cids[0].NodeID())
	_, err = m.Get(cids[1])
	assert.NoError(err)

	assert.NoError(m.Remove(cids[1]))
	err = m.Remove(cids[1])
	assert.True(errors.Is(err, cidtable.ErrNotFound))
	_, err = m.Get(cids[1])
	assert.True(errors.Is(err, cidtable.ErrNotFound))

	cids, err = m.Create(1)
	assert.NoError(err)
	assert.Equal([]chunkid.LID{2}, localIDs(cids))

	cids, err = m.CreateConsecutive(2)
	assert.NoError(err)
	assert.Equal([]chunkid.LID{4, 5}, localIDs(cids))

	foreign := chunkid.Make(2, 1)
	assert.True(errors.Is(m.Remove(foreign), ErrForeignChunk))
	_, err = m.Get(foreign)
	assert.True(errors.Is(err, ErrForeignChunk))

	status := m.Status()
	assert.Equal(5, status.Chunks)
	assert.Equal(chunkid.LID(5), status.HighestLID)
	assert.Equal(uint64(0), status.TotalFree)
}

func TestZombieRecycle(t *testing.T) {
	assert := assert.New(t)
	m := newTestManager(t, 64, 2)

	cids, err := m.Create(6)
	require.NoError(t, err)
	for _, i := range []int{1, 3, 5} {
		assert.NoError(m.Remove(cids[i]))
	}
	status := m.Status()
	assert.Equal(uint(1), status.Zombies)
	assert.Equal(uint64(3), status.TotalFree)
	assert.Equal(uint64(2), status.InStore)

	cids, err = m.Create(3)
	assert.NoError(err)
	assert.Equal([]chunkid.LID{2, 4, 6}, localIDs(cids))
	status = m.Status()
	assert.Equal(uint(0), status.Zombies)
	assert.Equal(uint64(0), status.TotalFree)
	assert.Equal(chunkid.LID(6), status.HighestLID)
}

func TestCreateWithIDs(t *testing.T) {
	assert := assert.New(t)
	m := newTestManager(t, 64, 2)

	cids, err := m.Create(6)
	require.NoError(t, err)
	for _, i := range []int{0, 2, 4} {
		assert.NoError(m.Remove(cids[i]))
	}
	assert.True(m.table.IsZombie(5))

	// A zombie, a spare id and an id above the counter.
	cids, err = m.CreateWithIDs(5, 3, 10)
	assert.NoError(err)
	assert.Equal([]chunkid.LID{5, 3, 10}, localIDs(cids))
	status := m.Status()
	assert.Equal(uint(0), status.Zombies)
	assert.Equal(uint64(4), status.TotalFree)
	assert.Equal(uint64(4), status.InStore)
	assert.Equal(chunkid.LID(10), status.HighestLID)
	assert.NoError(m.allocator.Store().Validate())

	_, err = m.CreateWithIDs(2)
	assert.True(errors.Is(err, cidtable.ErrOccupied))
	_, err = m.CreateWithIDs(11, 11)
	assert.Error(err)
	_, err = m.CreateWithIDs(64)
	assert.True(errors.Is(err, cidtable.ErrOutOfRange))

	// The gap below the id does not fit in the store.
	_, err = m.CreateWithIDs(20)
	assert.True(errors.Is(err, ErrStoreFull))
	assert.Equal(status, m.Status())

	cids, err = m.CreateWithIDs(1, 8)
	assert.NoError(err)
	assert.Equal([]chunkid.LID{1, 8}, localIDs(cids))
	cids, err = m.Create(3)
	assert.NoError(err)
	assert.Equal([]chunkid.LID{7, 9, 11}, localIDs(cids))
}

func TestCreateBeyondTable(t *testing.T) {
	assert := assert.New(t)
	m := newTestManager(t, 4, 4)

	cids, err := m.Create(3)
	assert.NoError(err)
	assert.Len(cids, 3)

	_, err = m.Create(2)
	assert.True(errors.Is(err, cidtable.ErrOutOfRange))
	status := m.Status()
	assert.Equal(3, status.Chunks)
	assert.Equal(uint64(2), status.TotalFree)
}

func TestConcurrentChunks(t *testing.T) {
	assert := assert.New(t)
	m := newTestManager(t, 1<<16, 8)

	var group errgroup.Group
	for worker := 0; worker < 8; worker++ {
		group.Go(func() error {
			var held []chunkid.CID
			for i := 0; i < 500; i++ {
				cids, err := m.Create(i%3 + 1)
				if err != nil {
					return err
				}
				held = append(held, cids...)
				if i%2 == 1 {
					for _, cid := range held[:2] {
						if err := m.Remove(cid); err != nil {
							return err
						}
					}
					held = held[2:]
				}
			}
			return nil
		})
	}
	assert.NoError(group.Wait())
	assert.NoError(m.allocator.Store().Validate())

	status := m.Status()
	assert.Equal(uint64(status.HighestLID)-uint64(status.Chunks),
		status.TotalFree)
	assert.Equal(status.TotalFree-status.InStore, uint64(status.Zombies))
}
