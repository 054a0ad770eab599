package chunk

import (
	"github.com/aegistudio/shaft"
	"go.uber.org/zap"

	"github.com/chaitin/lidstore"
	"github.com/chaitin/lidstore/internal/cidtable"
	"github.com/chaitin/lidstore/internal/config"
	"github.com/chaitin/lidstore/pkg/chunkid"
)

func stackTable(
	next func(*cidtable.Table) error,
	conf *config.Workload, logger *zap.Logger,
) error {
	table, err := cidtable.New(chunkid.NodeID(conf.Node),
		conf.TableSize, cidtable.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() { _ = table.Close() }()
	return next(table)
}

func provideAllocator(
	table *cidtable.Table, conf *config.Workload, logger *zap.Logger,
) (*lidstore.Allocator, error) {
	return lidstore.New(table.NodeID(), table,
		lidstore.WithCapacity(conf.Capacity),
		lidstore.WithLogger(logger)), nil
}

func provideManager(
	table *cidtable.Table, allocator *lidstore.Allocator,
	logger *zap.Logger,
) (*Manager, error) {
	return New(table, allocator, WithLogger(logger)), nil
}

// Module is the DI module of the chunk manager.
//
// The module requires a workload and a logger, and
// injects the chunk table, the allocator and the manager
// of the workload's node.
var Module = shaft.Module(
	shaft.Stack(stackTable),
	shaft.Provide(provideAllocator),
	shaft.Provide(provideManager),
)
