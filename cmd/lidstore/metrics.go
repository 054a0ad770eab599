package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/aegistudio/shaft"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chaitin/lidstore/internal/chunk"
	"github.com/chaitin/lidstore/internal/metrics"
)

var (
	metricsListen string
)

type statusReport struct {
	Run        string `json:"run"`
	Node       string `json:"node"`
	HighestLID uint64 `json:"highest_lid"`
	TotalFree  uint64 `json:"free_lids"`
	InStore    uint64 `json:"spare_lids"`
	Slots      int    `json:"spare_slots"`
	Capacity   int    `json:"spare_capacity"`
	Chunks     int    `json:"chunks"`
	Zombies    uint   `json:"zombies"`
}

func newRouter(
	id runID, manager *chunk.Manager, registry *prometheus.Registry,
	logger *zap.SugaredLogger,
) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(
		registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/status", func(
		w http.ResponseWriter, _ *http.Request,
	) {
		status := manager.Status()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(statusReport{
			Run:        string(id),
			Node:       manager.NodeID().String(),
			HighestLID: uint64(status.HighestLID),
			TotalFree:  status.TotalFree,
			InStore:    status.InStore,
			Slots:      status.Slots,
			Capacity:   status.Capacity,
			Chunks:     status.Chunks,
			Zombies:    status.Zombies,
		}); err != nil {
			logger.Warnf("write status: %v", err)
		}
	}).Methods(http.MethodGet)
	return router
}

func initMetricsModule() shaft.Option {
	if metricsListen == "" {
		return shaft.Module()
	}
	return shaft.Provide(func(
		ctx context.Context, group *errgroup.Group,
		logger *zap.SugaredLogger, id runID, manager *chunk.Manager,
	) ([]moduleBarrier, error) {
		registry := prometheus.NewRegistry()
		if err := registry.Register(metrics.New(
			manager.NodeID(), manager)); err != nil {
			return nil, errors.Wrap(err, "register collector")
		}
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(
				collectors.ProcessCollectorOpts{}),
		)
		listener, err := net.Listen("tcp", metricsListen)
		if err != nil {
			return nil, errors.Wrapf(err, "listen %q", metricsListen)
		}
		server := &http.Server{
			Handler: newRouter(id, manager, registry, logger),
		}
		group.Go(func() error {
			logger.Infof("serving metrics on %s", listener.Addr())
			if err := server.Serve(listener); err != nil &&
				!errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			return server.Shutdown(context.Background())
		})
		return nil, nil
	})
}

func init() {
	moduleInits = append(moduleInits, initMetricsModule)
	simulateCmd.Flags().StringVar(
		&metricsListen, "metrics-listen", metricsListen,
		"serve /metrics and /status on the address")
}
