package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/billetlabs/billet/pkg/cloud"
	"github.com/billetlabs/billet/pkg/log"
	"github.com/billetlabs/billet/pkg/manager"
	"github.com/billetlabs/billet/pkg/metrics"
	"github.com/billetlabs/billet/pkg/storage"
	"github.com/billetlabs/billet/pkg/types"
)

// Config carries the controller knobs. Zero fields fall back to defaults.
type Config struct {
	// NodeID identifies this control plane node in the election record.
	NodeID string

	// LeaseTTL is the controller leadership lease duration.
	LeaseTTL time.Duration

	// Tick is the reconciliation cadence.
	Tick time.Duration

	// Parallelism bounds how many corrective actions run at once.
	Parallelism int

	// ActionTimeout bounds each corrective action.
	ActionTimeout time.Duration

	// LivenessMisses is how many consecutive ticks a running instance may
	// go unreported by its worker before it is stopped.
	LivenessMisses int

	// ScaleDownGrace is how long a worker must sit idle before draining.
	ScaleDownGrace time.Duration

	// TotalLeadTime is how far before its timeslot an unplaced booking
	// demands new capacity, covering worker boot plus lab instantiation.
	TotalLeadTime time.Duration

	// DrainTimeoutDefault bounds draining for templates without their own
	// drain timeout.
	DrainTimeoutDefault time.Duration

	// TelemetryInterval is the per-worker metrics refresh cadence.
	TelemetryInterval time.Duration

	// ArchivedAfter is how long a stopped instance rests before archival.
	ArchivedAfter time.Duration

	// PurgeAfter is how long archived instances are kept before their
	// records are deleted.
	PurgeAfter time.Duration

	// EventRetention bounds the archived event history. Zero keeps
	// everything.
	EventRetention time.Duration

	// TagPrefix namespaces the cloud tags stamped on created machines.
	TagPrefix string
}

func (c *Config) defaults() {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 15 * time.Second
	}
	if c.Tick <= 0 {
		c.Tick = 30 * time.Second
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 30 * time.Second
	}
	if c.LivenessMisses <= 0 {
		c.LivenessMisses = 3
	}
	if c.ScaleDownGrace <= 0 {
		c.ScaleDownGrace = 30 * time.Minute
	}
	if c.TotalLeadTime <= 0 {
		c.TotalLeadTime = 35 * time.Minute
	}
	if c.DrainTimeoutDefault <= 0 {
		c.DrainTimeoutDefault = 4 * time.Hour
	}
	if c.TelemetryInterval <= 0 {
		c.TelemetryInterval = 5 * time.Minute
	}
	if c.ArchivedAfter <= 0 {
		c.ArchivedAfter = time.Hour
	}
	if c.PurgeAfter <= 0 {
		c.PurgeAfter = 30 * 24 * time.Hour
	}
	if c.TagPrefix == "" {
		c.TagPrefix = "billet"
	}
}

// Controller continuously reduces the difference between desired and
// observed state across instances, workers, and capacity. It owns every
// call to the cloud provider. Exactly one controller in the cluster acts
// at a time, guarded by a lease-based election.
//
// Each tick runs three phases: observe (snapshot the store and, where
// needed, the provider), diff (compute corrective actions), act (execute
// them with bounded parallelism and a per-action timeout). Actions that
// fail or conflict are simply recomputed on the next tick from fresh
// state, so nothing here needs durable bookkeeping of its own.
type Controller struct {
	state    *manager.State
	kv       storage.KV
	provider cloud.Provider
	cfg      Config
	logger   zerolog.Logger

	// livenessMisses counts consecutive ticks a running instance went
	// unreported by its worker's lab daemon. Reset on sight or failover.
	livenessMisses map[string]int

	// inflight remembers scale-up demands acted on very recently, so a
	// fulfillment still writing its worker record is not doubled up by
	// the next tick observing stale state.
	inflight *cache.Cache
}

// New creates a controller. It does nothing until Run is called.
func New(state *manager.State, kv storage.KV, provider cloud.Provider, cfg Config) *Controller {
	cfg.defaults()
	return &Controller{
		state:          state,
		kv:             kv,
		provider:       provider,
		cfg:            cfg,
		logger:         log.WithComponent("reconciler"),
		livenessMisses: make(map[string]int),
		inflight:       cache.New(2*cfg.Tick, 10*cfg.Tick),
	}
}

// Run campaigns for the controller role and reconciles while leadership
// holds. It blocks until ctx is cancelled, returning ctx.Err().
func (c *Controller) Run(ctx context.Context) error {
	elector := manager.NewElector(c.kv, manager.RoleController, c.cfg.NodeID, c.cfg.LeaseTTL)
	return elector.Run(ctx, c.lead)
}

func (c *Controller) lead(ctx context.Context) {
	c.logger.Info().Str("node_id", c.cfg.NodeID).Msg("reconciliation leadership acquired")
	defer c.logger.Info().Str("node_id", c.cfg.NodeID).Msg("reconciliation leadership released")

	// A fresh leader has no liveness history; it must not inherit stale
	// miss counts from an earlier stint.
	c.livenessMisses = make(map[string]int)

	ticker := time.NewTicker(c.cfg.Tick)
	defer ticker.Stop()

	c.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick runs one observe/diff/act cycle.
func (c *Controller) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	}()

	obs, err := c.observe(ctx)
	if err != nil {
		metrics.ReconcileErrors.Inc()
		c.logger.Error().Err(err).Msg("observation failed, skipping tick")
		return
	}

	var actions []action
	actions = append(actions, c.diffInstances(obs)...)
	actions = append(actions, c.diffWorkers(obs)...)
	actions = append(actions, c.diffScaleUps(obs)...)
	actions = append(actions, c.diffWarmPools(obs)...)
	actions = append(actions, c.diffLeadTimes(obs)...)

	c.act(ctx, actions)
	c.pruneHistory(obs)
}

// observation is the consistent-enough snapshot one tick works from.
// Mutations re-read under CAS, so staleness here costs at most a dropped
// action, never a lost update.
type observation struct {
	now        time.Time
	instances  []*types.Instance
	workers    []*types.Worker
	workerByID map[string]*types.Worker
	defs       map[string]*types.Definition
	templates  map[string]*types.WorkerTemplate
	scaleUps   []manager.ScaleUpRequest

	// labs holds each observed worker's lab daemon listing. A worker
	// absent from the map was not (or could not be) observed this tick;
	// liveness judgments are suspended for it.
	labs map[string][]cloud.Lab
}

func (o *observation) definition(inst *types.Instance) *types.Definition {
	return o.defs[inst.DefinitionName+"@"+inst.DefinitionVersion]
}

func (c *Controller) observe(ctx context.Context) (*observation, error) {
	instances, _, err := c.state.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	workers, _, err := c.state.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defs, err := c.state.ListDefinitions(ctx, storage.DefinitionFilter{IncludeDeprecated: true})
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	templates, err := c.state.WorkerTemplates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	scaleUps, err := c.state.ListScaleUpRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("list scale-up requests: %w", err)
	}

	obs := &observation{
		now:        time.Now(),
		instances:  instances,
		workers:    workers,
		workerByID: lo.KeyBy(workers, func(w *types.Worker) string { return w.ID }),
		defs: lo.KeyBy(defs, func(d *types.Definition) string {
			return d.Name + "@" + d.Version
		}),
		templates: lo.KeyBy(templates, func(t *types.WorkerTemplate) string { return t.Name }),
		scaleUps:  scaleUps,
		labs:      make(map[string][]cloud.Lab),
	}

	// Lab listings back the per-tick liveness check, so only workers
	// hosting running instances are polled every tick. Listing failures
	// leave the worker unobserved rather than penalizing its instances.
	for _, w := range c.workersNeedingLabObservation(obs) {
		labs, err := c.provider.ListLabs(ctx, w.CloudInstanceID)
		if err != nil {
			c.logger.Debug().Err(err).Str("worker_id", w.ID).Msg("lab listing failed")
			continue
		}
		obs.labs[w.ID] = labs
	}
	return obs, nil
}

func (c *Controller) workersNeedingLabObservation(obs *observation) []*types.Worker {
	hosting := make(map[string]bool)
	for _, inst := range obs.instances {
		if inst.State == types.InstanceRunning && inst.WorkerID != "" {
			hosting[inst.WorkerID] = true
		}
	}
	return lo.Filter(obs.workers, func(w *types.Worker, _ int) bool {
		return hosting[w.ID] && w.Status == types.WorkerRunning && w.CloudInstanceID != ""
	})
}

// action is one corrective step computed by diff. Failures are logged
// and dropped; the next tick recomputes from fresh state.
type action struct {
	kind string
	key  string
	run  func(context.Context) error
}

func (c *Controller) act(ctx context.Context, actions []action) {
	if len(actions) == 0 {
		return
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	sem := make(chan struct{}, c.cfg.Parallelism)
	for _, a := range actions {
		a := a
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			actx, cancel := context.WithTimeout(ctx, c.cfg.ActionTimeout)
			defer cancel()
			if err := a.run(actx); err != nil {
				metrics.ReconcileErrors.Inc()
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s %s: %w", a.kind, a.key, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if errs != nil {
		c.logger.Warn().Err(errs).
			Int("failed", len(multierr.Errors(errs))).
			Int("total", len(actions)).
			Msg("corrective actions failed, retrying next tick")
	}
}

// pruneHistory trims the archived event log and drops liveness counters
// for instances that no longer exist.
func (c *Controller) pruneHistory(obs *observation) {
	if c.cfg.EventRetention > 0 {
		if n, err := c.state.PruneEvents(obs.now.Add(-c.cfg.EventRetention)); err != nil {
			c.logger.Warn().Err(err).Msg("event pruning failed")
		} else if n > 0 {
			c.logger.Debug().Int("pruned", n).Msg("archived events pruned")
		}
	}

	alive := make(map[string]bool, len(obs.instances))
	for _, inst := range obs.instances {
		alive[inst.ID] = true
	}
	for id := range c.livenessMisses {
		if !alive[id] {
			delete(c.livenessMisses, id)
		}
	}
}
