package scheduler

import (
	"container/heap"
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/billetlabs/billet/pkg/events"
	"github.com/billetlabs/billet/pkg/log"
	"github.com/billetlabs/billet/pkg/manager"
	"github.com/billetlabs/billet/pkg/metrics"
	"github.com/billetlabs/billet/pkg/storage"
	"github.com/billetlabs/billet/pkg/types"
)

const (
	// placeAttempts bounds how often one placement is retried inside a
	// single pass when worker records move underneath it. The instance
	// stays pending after the budget runs out and the next pass picks
	// it up again.
	placeAttempts = 3

	// rewatchBackoff is the delay before reopening a watch stream after
	// the store compacts it away or closes it.
	rewatchBackoff = time.Second
)

// Config carries the scheduling knobs. Zero fields fall back to
// defaults suitable for a small deployment.
type Config struct {
	// NodeID identifies this control plane node in the election record.
	NodeID string

	// LeaseTTL is the scheduler leadership lease duration.
	LeaseTTL time.Duration

	// Tick is the interval between full scheduling passes. Watches on
	// instance and worker records kick passes earlier than the tick.
	Tick time.Duration

	// LeadTime is how long before the timeslot opens that a scheduled
	// instance is pushed into instantiation.
	LeadTime time.Duration
}

func (c *Config) defaults() {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 15 * time.Second
	}
	if c.Tick <= 0 {
		c.Tick = 30 * time.Second
	}
	if c.LeadTime <= 0 {
		c.LeadTime = 15 * time.Minute
	}
}

// Scheduler assigns pending instances to workers and pushes scheduled
// instances into instantiation once their lead time arrives. Exactly
// one scheduler in the cluster is active at a time, guarded by a
// lease-based election, so placement decisions never race each other.
// All mutations go through the state service, which detects the stale
// reads a failed-over scheduler might act on.
type Scheduler struct {
	state  *manager.State
	kv     storage.KV
	cfg    Config
	logger zerolog.Logger
}

// New creates a scheduler. It does nothing until Run is called.
func New(state *manager.State, kv storage.KV, cfg Config) *Scheduler {
	cfg.defaults()
	return &Scheduler{
		state:  state,
		kv:     kv,
		cfg:    cfg,
		logger: log.WithComponent("scheduler"),
	}
}

// Run campaigns for the scheduler role and drives scheduling passes
// while leadership holds. It blocks until ctx is cancelled, returning
// ctx.Err(). Lost leadership is not an error; the node drops back to
// standby and campaigns again.
func (s *Scheduler) Run(ctx context.Context) error {
	elector := manager.NewElector(s.kv, manager.RoleScheduler, s.cfg.NodeID, s.cfg.LeaseTTL)
	return elector.Run(ctx, s.lead)
}

// lead is the active-leader loop. A pass runs immediately on takeover,
// then on every tick, and early whenever an instance or worker record
// changes.
func (s *Scheduler) lead(ctx context.Context) {
	s.logger.Info().Str("node_id", s.cfg.NodeID).Msg("scheduling leadership acquired")
	defer s.logger.Info().Str("node_id", s.cfg.NodeID).Msg("scheduling leadership released")

	kick := make(chan struct{}, 1)
	go s.watchPrefix(ctx, storage.PrefixInstances, kick)
	go s.watchPrefix(ctx, storage.PrefixWorkers, kick)

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-kick:
			s.pass(ctx)
		case <-ticker.C:
			s.pass(ctx)
		}
	}
}

// watchPrefix collapses change notifications for a key prefix into the
// kick channel. The watch stream can be closed by compaction or store
// restart; it is simply reopened, since passes re-list everything and
// do not depend on seeing each individual event.
func (s *Scheduler) watchPrefix(ctx context.Context, prefix string, kick chan<- struct{}) {
	for ctx.Err() == nil {
		ch, err := s.kv.Watch(ctx, prefix, 0)
		if err != nil {
			s.logger.Warn().Err(err).Str("prefix", prefix).Msg("watch failed, backing off")
		} else {
			for range ch {
				select {
				case kick <- struct{}{}:
				default:
				}
			}
		}
		select {
		case <-time.After(rewatchBackoff):
		case <-ctx.Done():
			return
		}
	}
}

// pass runs one full scheduling cycle: place every pending instance in
// timeslot order, and move scheduled instances whose lead time has
// arrived into instantiation.
func (s *Scheduler) pass(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.SchedulingLatency.Observe(time.Since(start).Seconds())
	}()

	instances, _, err := s.state.ListInstances(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list instances")
		return
	}

	now := time.Now()
	queue := &timeslotQueue{}
	for _, inst := range instances {
		switch inst.State {
		case types.InstancePending:
			heap.Push(queue, inst)
		case types.InstanceScheduled:
			if s.leadTimeReached(inst, now) {
				s.beginInstantiation(ctx, inst)
			}
		}
	}

	for queue.Len() > 0 {
		if ctx.Err() != nil {
			return
		}
		inst := heap.Pop(queue).(*types.Instance)
		s.place(ctx, inst, now)
	}
}

func (s *Scheduler) leadTimeReached(inst *types.Instance, now time.Time) bool {
	return !now.Before(inst.Timeslot.Start.Add(-s.cfg.LeadTime))
}

// beginInstantiation moves a scheduled instance into instantiating so
// the controller starts building its lab. An invalid transition means
// something else already advanced or stopped the instance.
func (s *Scheduler) beginInstantiation(ctx context.Context, inst *types.Instance) {
	_, err := s.state.TransitionInstance(ctx, inst.ID, types.InstanceInstantiating, events.SourceScheduler, "lead time reached")
	if err != nil && !types.IsInvalidTransition(err) && !storage.IsNotFound(err) {
		s.logger.Error().Err(err).
			Str("instance_id", inst.ID).
			Msg("failed to begin instantiation")
	}
}

// place finds a worker for one pending instance and commits the
// placement. Conflicting worker updates are retried with fresh reads a
// few times; persistent contention defers the instance to the next
// pass. When no worker is eligible, a scale-up request is raised for
// the tightest-fitting template.
func (s *Scheduler) place(ctx context.Context, inst *types.Instance, now time.Time) {
	logger := log.WithInstanceID(s.logger, inst.ID)

	def, err := s.state.GetDefinition(ctx, inst.DefinitionName, inst.DefinitionVersion)
	if err != nil {
		logger.Error().Err(err).
			Str("definition", inst.DefinitionName).
			Msg("cannot place instance without its definition")
		return
	}

	for attempt := 1; attempt <= placeAttempts; attempt++ {
		workers, _, err := s.state.ListWorkers(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("failed to list workers")
			return
		}

		best, rejections := selectWorker(def, workers)
		if best == nil {
			logger.Debug().
				Interface("rejections", rejections).
				Msg("no eligible worker")
			s.maybeScaleUp(ctx, def, inst)
			return
		}

		placed, err := s.state.ScheduleInstance(ctx, manager.Placement{
			InstanceID: inst.ID,
			WorkerID:   best.ID,
		})
		if err == nil {
			logger.Info().
				Str("worker_id", best.ID).
				Interface("ports", placed.Ports).
				Time("timeslot_start", inst.Timeslot.Start).
				Msg("instance placed")
			// A booking made inside the lead window should not wait
			// for the next pass to start building.
			if s.leadTimeReached(placed, now) {
				s.beginInstantiation(ctx, placed)
			}
			return
		}
		if types.IsInvalidTransition(err) || storage.IsNotFound(err) {
			// The instance moved on while queued, nothing to do.
			return
		}
		metrics.SchedulingConflicts.Inc()
		logger.Debug().Err(err).
			Str("worker_id", best.ID).
			Int("attempt", attempt).
			Msg("placement conflicted, retrying with fresh state")
	}

	logger.Warn().Msg("placement kept conflicting, deferring to next pass")
}

// maybeScaleUp raises a capacity request for the template that fits the
// definition tightest. Requests are deduplicated per (template, reason)
// in the store, so repeated passes over the same starved instance are
// cheap.
func (s *Scheduler) maybeScaleUp(ctx context.Context, def *types.Definition, inst *types.Instance) {
	templates, err := s.state.WorkerTemplates(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list worker templates")
		return
	}
	tmpl := chooseTemplate(templates, def)
	if tmpl == nil {
		s.logger.Error().
			Str("instance_id", inst.ID).
			Str("definition", def.Name+"@"+def.Version).
			Msg("no worker template can host the definition")
		return
	}

	created, err := s.state.RequestScaleUp(ctx, tmpl.Name, manager.ScaleReasonCapacity, inst.ID)
	if err != nil {
		s.logger.Error().Err(err).
			Str("template", tmpl.Name).
			Msg("failed to request scale-up")
		return
	}
	if created {
		s.logger.Info().
			Str("template", tmpl.Name).
			Str("instance_id", inst.ID).
			Time("timeslot_start", inst.Timeslot.Start).
			Msg("requested scale-up for starved instance")
	}
}
