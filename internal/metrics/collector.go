// Package metrics exports the state of a node's chunks
// and local ids to prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chaitin/lidstore/internal/chunk"
	"github.com/chaitin/lidstore/pkg/chunkid"
)

const namespace = "lidstore"

// Source provides the status to export.
type Source interface {
	Status() chunk.Status
}

// Collector implements prometheus.Collector, reading the
// status of the source at every scrape.
type Collector struct {
	source Source

	highestLID    *prometheus.Desc
	freeTotal     *prometheus.Desc
	freeInStore   *prometheus.Desc
	spareSlots    *prometheus.Desc
	spareCapacity *prometheus.Desc
	chunks        *prometheus.Desc
	zombies       *prometheus.Desc
}

// New creates the collector of the node.
func New(node chunkid.NodeID, source Source) *Collector {
	labels := prometheus.Labels{"node": node.String()}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", name),
			help, nil, labels)
	}
	return &Collector{
		source: source,
		highestLID: desc("highest_lid",
			"Highest local id ever issued."),
		freeTotal: desc("free_lids",
			"Free local ids owed by the spare store, zombies included."),
		freeInStore: desc("spare_lids",
			"Free local ids recorded in the spare store ring."),
		spareSlots: desc("spare_slots",
			"Occupied slots of the spare store ring."),
		spareCapacity: desc("spare_capacity_slots",
			"Total slots of the spare store ring."),
		chunks: desc("chunks",
			"Chunks in the chunk table."),
		zombies: desc("zombie_lids",
			"Free local ids flagged as zombies in the chunk table."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.highestLID
	ch <- c.freeTotal
	ch <- c.freeInStore
	ch <- c.spareSlots
	ch <- c.spareCapacity
	ch <- c.chunks
	ch <- c.zombies
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	status := c.source.Status()
	gauge := func(desc *prometheus.Desc, value float64) {
		ch <- prometheus.MustNewConstMetric(
			desc, prometheus.GaugeValue, value)
	}
	gauge(c.highestLID, float64(status.HighestLID))
	gauge(c.freeTotal, float64(status.TotalFree))
	gauge(c.freeInStore, float64(status.InStore))
	gauge(c.spareSlots, float64(status.Slots))
	gauge(c.spareCapacity, float64(status.Capacity))
	gauge(c.chunks, float64(status.Chunks))
	gauge(c.zombies, float64(status.Zombies))
}
