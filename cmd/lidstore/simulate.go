package main

import (
	"bufio"
	"context"
	"math/rand"
	"os"
	"sync"

	"github.com/aegistudio/shaft"
	"github.com/aegistudio/shaft/serpent"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chaitin/lidstore"
	"github.com/chaitin/lidstore/internal/chunk"
	"github.com/chaitin/lidstore/internal/cidtable"
	"github.com/chaitin/lidstore/internal/config"
	"github.com/chaitin/lidstore/pkg/chunkid"
)

type moduleBarrier struct{}

var (
	moduleInits  []func() shaft.Option
	workloadPath string
	dumpPath     string
	workload     = config.Workload{}.PopulateDefault()
)

// runID identifies a simulation in logs and reports.
type runID string

// simulator drives the workload against a chunk manager,
// checking that no chunk id is ever held twice.
type simulator struct {
	conf    *config.Workload
	manager *chunk.Manager
	logger  *zap.SugaredLogger

	mu     sync.Mutex
	holder map[chunkid.CID]int

	created  atomic.Uint64
	removed  atomic.Uint64
	rejected atomic.Uint64
}

func (s *simulator) hold(worker int, cids []chunkid.CID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cid := range cids {
		if other, ok := s.holder[cid]; ok {
			return errors.Errorf(
				"%s issued to worker %d while held by %d",
				cid, worker, other)
		}
		s.holder[cid] = worker
	}
	s.created.Add(uint64(len(cids)))
	return nil
}

func (s *simulator) release(cid chunkid.CID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.holder, cid)
}

// create performs one of the creations, an error from the
// manager is only returned when it is not expected from
// the operation.
func (s *simulator) create(
	rng *rand.Rand, choice float64,
) ([]chunkid.CID, error) {
	conf := s.conf
	n := rng.Intn(conf.MaxBatch) + 1
	switch {
	case choice < conf.RemoveRatio+conf.ConsecutiveRatio:
		return s.manager.CreateConsecutive(n)
	case choice < conf.RemoveRatio+conf.ConsecutiveRatio+conf.CustomRatio:
		bound := uint64(s.manager.Status().HighestLID) + uint64(n)
		lid := s.manager.NextFree(chunkid.LID(rng.Int63n(int64(bound)) + 1))
		cids, err := s.manager.CreateWithIDs(lid)
		if errors.Is(err, cidtable.ErrOccupied) ||
			errors.Is(err, cidtable.ErrOutOfRange) ||
			errors.Is(err, chunk.ErrStoreFull) {
			s.rejected.Inc()
			return nil, nil
		}
		return cids, err
	default:
		return s.manager.Create(n)
	}
}

func (s *simulator) run(ctx context.Context, worker int) error {
	rng := rand.New(rand.NewSource(s.conf.Seed + int64(worker)))
	var held []chunkid.CID
	for i := worker; i < s.conf.Operations; i += s.conf.Workers {
		if ctx.Err() != nil {
			return nil
		}
		choice := rng.Float64()
		if choice < s.conf.RemoveRatio {
			if len(held) == 0 {
				continue
			}
			index := rng.Intn(len(held))
			cid := held[index]
			held[index] = held[len(held)-1]
			held = held[:len(held)-1]
			s.release(cid)
			if err := s.manager.Remove(cid); err != nil {
				return err
			}
			s.removed.Inc()
			continue
		}
		cids, err := s.create(rng, choice)
		if holdErr := s.hold(worker, cids); holdErr != nil {
			return holdErr
		}
		held = append(held, cids...)
		if err != nil {
			return err
		}
	}
	return nil
}

// dump writes the allocator state into the dump file.
func dump(path string, allocator *lidstore.Allocator) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create dump")
	}
	defer func() { _ = f.Close() }()
	w := bufio.NewWriter(f)
	if err := allocator.Export(w); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "flush dump")
	}
	return f.Sync()
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a random chunk workload against the allocator",
	Args:  cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		for _, moduleInit := range moduleInits {
			if err := serpent.AddOption(
				cmd, moduleInit()); err != nil {
				return err
			}
		}
		return nil
	},
	RunE: serpent.Executor(shaft.Module(
		shaft.Stack(func(
			next func(*errgroup.Group, context.Context, context.CancelFunc) error,
			rootCtx serpent.CommandContext,
		) error {
			cancelCtx, cancel := context.WithCancel(rootCtx)
			group, ctx := errgroup.WithContext(cancelCtx)
			defer func() { _ = group.Wait() }()
			defer cancel()
			return next(group, ctx, cancel)
		}),
		shaft.Invoke(func(
			ctx context.Context, group *errgroup.Group,
			cancel context.CancelFunc, _ []moduleBarrier,
			conf *config.Workload, id runID,
			manager *chunk.Manager, allocator *lidstore.Allocator,
			logger *zap.SugaredLogger,
		) error {
			logger.Infof("run %s: %d operations on node %s with %d workers",
				id, conf.Operations, chunkid.NodeID(conf.Node), conf.Workers)
			sim := &simulator{
				conf:    conf,
				manager: manager,
				logger:  logger,
				holder:  make(map[chunkid.CID]int),
			}
			workers, workerCtx := errgroup.WithContext(ctx)
			for worker := 0; worker < conf.Workers; worker++ {
				worker := worker
				workers.Go(func() error {
					return sim.run(workerCtx, worker)
				})
			}
			if err := workers.Wait(); err != nil {
				return err
			}
			if err := allocator.Store().Validate(); err != nil {
				return err
			}
			status := manager.Status()
			logger.Infof("run %s: created %d, removed %d, rejected %d",
				id, sim.created.Load(), sim.removed.Load(),
				sim.rejected.Load())
			logger.Infof("run %s: highest lid %s, %d chunks, "+
				"%d free of which %d spare in %d/%d slots, %d zombies",
				id, status.HighestLID, status.Chunks, status.TotalFree,
				status.InStore, status.Slots, status.Capacity,
				status.Zombies)
			if dumpPath != "" {
				if err := dump(dumpPath, allocator); err != nil {
					return err
				}
				logger.Infof("run %s: dumped %d bytes to %q",
					id, allocator.Sizeof(), dumpPath)
			}
			if metricsListen == "" {
				cancel()
			}
			return group.Wait()
		}),
		chunk.Module,
		shaft.Provide(func(logger *zap.SugaredLogger) (runID, error) {
			id := runID(uuid.NewString())
			logger.Debugf("simulation run %s", id)
			return id, nil
		}),
		shaft.Provide(func() (*config.Workload, error) {
			conf := workload
			if workloadPath != "" {
				loaded, err := config.LoadWorkloadFromFile(workloadPath)
				if err != nil {
					return nil, err
				}
				conf = *loaded
			}
			if nodeID != 0 {
				conf.Node = nodeID
			}
			if err := conf.Validate(); err != nil {
				return nil, err
			}
			return &conf, nil
		}),
		loggerModule,
	)).RunE,
}

func init() {
	flags := simulateCmd.Flags()
	flags.StringVarP(&workloadPath, "config", "c", workloadPath,
		"yaml workload file, overriding the workload flags")
	flags.StringVar(&dumpPath, "dump", dumpPath,
		"write the allocator state into the file when done")
	flags.IntVar(&workload.Capacity, "capacity", workload.Capacity,
		"slots of the spare store")
	flags.IntVar(&workload.TableSize, "table-size", workload.TableSize,
		"entries of the chunk table")
	flags.IntVar(&workload.Workers, "workers", workload.Workers,
		"number of concurrent workers")
	flags.IntVar(&workload.Operations, "operations", workload.Operations,
		"total number of operations")
	flags.Int64Var(&workload.Seed, "seed", workload.Seed,
		"seed of the random workload")
	flags.IntVar(&workload.MaxBatch, "max-batch", workload.MaxBatch,
		"maximum chunks created by one operation")
	flags.Float64Var(&workload.RemoveRatio, "remove-ratio",
		workload.RemoveRatio, "ratio of removals")
	flags.Float64Var(&workload.ConsecutiveRatio, "consecutive-ratio",
		workload.ConsecutiveRatio, "ratio of consecutive creations")
	flags.Float64Var(&workload.CustomRatio, "custom-ratio",
		workload.CustomRatio, "ratio of creations with custom ids")
	rootCmd.AddCommand(simulateCmd)
}
