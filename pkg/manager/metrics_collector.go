package manager

import (
	"context"
	"time"

	"github.com/billetlabs/billet/pkg/metrics"
	"github.com/billetlabs/billet/pkg/storage"
)

const collectInterval = 15 * time.Second

// MetricsCollector refreshes the fleet-level gauges from the stores on a
// fixed cadence. Counters are incremented at the point of action; only
// the observed totals live here.
type MetricsCollector struct {
	mgr    *Manager
	state  *State
	stopCh chan struct{}
}

// NewMetricsCollector returns a collector over the manager and state writer.
func NewMetricsCollector(mgr *Manager, state *State) *MetricsCollector {
	return &MetricsCollector{
		mgr:    mgr,
		state:  state,
		stopCh: make(chan struct{}),
	}
}

// Start begins the collection loop.
func (c *MetricsCollector) Start() {
	ticker := time.NewTicker(collectInterval)
	go func() {
		// Collect immediately so gauges are live before the first tick.
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
}

func (c *MetricsCollector) collect() {
	c.collectInstanceMetrics()
	c.collectWorkerMetrics()
	c.collectDefinitionMetrics()
	c.collectRaftMetrics()
}

func (c *MetricsCollector) collectInstanceMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	instances, rev, err := c.state.ListInstances(ctx)
	if err != nil {
		return
	}
	metrics.StoreRevision.Set(float64(rev))

	counts := make(map[string]int)
	for _, inst := range instances {
		counts[string(inst.State)]++
	}
	metrics.InstancesTotal.Reset()
	for state, count := range counts {
		metrics.InstancesTotal.WithLabelValues(state).Set(float64(count))
	}
}

func (c *MetricsCollector) collectWorkerMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	workers, _, err := c.state.ListWorkers(ctx)
	if err != nil {
		return
	}

	counts := make(map[string]map[string]int)
	for _, w := range workers {
		status := string(w.Status)
		license := string(w.LicenseKind)
		if counts[status] == nil {
			counts[status] = make(map[string]int)
		}
		counts[status][license]++

		metrics.WorkerUtilization.WithLabelValues(w.ID).Set(w.Capacity.Utilization(w.Allocated))
	}
	metrics.WorkersTotal.Reset()
	for status, licenses := range counts {
		for license, count := range licenses {
			metrics.WorkersTotal.WithLabelValues(status, license).Set(float64(count))
		}
	}
}

func (c *MetricsCollector) collectDefinitionMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	defs, err := c.state.ListDefinitions(ctx, storage.DefinitionFilter{})
	if err != nil {
		return
	}
	metrics.DefinitionsTotal.Set(float64(len(defs)))
}

func (c *MetricsCollector) collectRaftMetrics() {
	if c.mgr.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}

	stats := c.mgr.Stats()
	if appliedIndex, ok := stats["applied_index"].(uint64); ok {
		metrics.RaftAppliedIndex.Set(float64(appliedIndex))
	}
	if peers, ok := stats["peers"].(int); ok {
		metrics.RaftPeers.Set(float64(peers))
	}
}
