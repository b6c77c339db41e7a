package reconciler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/patrickmn/go-cache"

	"github.com/billetlabs/billet/pkg/cloud"
	"github.com/billetlabs/billet/pkg/events"
	"github.com/billetlabs/billet/pkg/log"
	"github.com/billetlabs/billet/pkg/manager"
	"github.com/billetlabs/billet/pkg/metrics"
	"github.com/billetlabs/billet/pkg/storage"
	"github.com/billetlabs/billet/pkg/types"
)

func (c *Controller) diffWorkers(obs *observation) []action {
	var actions []action
	for _, w := range obs.workers {
		w := w
		tmpl := obs.templates[w.TemplateName]

		switch w.Status {
		case types.WorkerPending:
			if w.CloudInstanceID != "" {
				// Machine already exists; a crash interrupted the launch
				// between recording the id and advancing the status.
				actions = append(actions, c.workerTransitionAction(w, types.WorkerProvisioning, ""))
				continue
			}
			if tmpl == nil {
				actions = append(actions, action{kind: "quarantine", key: w.ID, run: func(ctx context.Context) error {
					return c.quarantine(ctx, w, fmt.Sprintf("no template %q registered", w.TemplateName))
				}})
				continue
			}
			actions = append(actions, action{kind: "launch", key: w.ID, run: func(ctx context.Context) error {
				return c.launch(ctx, w, tmpl)
			}})

		case types.WorkerProvisioning:
			actions = append(actions, action{kind: "advance-provisioning", key: w.ID, run: func(ctx context.Context) error {
				return c.advanceProvisioning(ctx, w)
			}})

		case types.WorkerRunning:
			if c.telemetryDue(obs, w) {
				actions = append(actions, action{kind: "telemetry", key: w.ID, run: func(ctx context.Context) error {
					return c.refreshTelemetry(ctx, obs, w)
				}})
			} else if c.scaleDownEligible(obs, w) {
				actions = append(actions, action{kind: "drain", key: w.ID, run: func(ctx context.Context) error {
					return c.drain(ctx, w, tmpl)
				}})
			}

		case types.WorkerDraining:
			deadlinePassed := !w.DrainDeadline.IsZero() && obs.now.After(w.DrainDeadline)
			if len(w.InstanceIDs) == 0 || deadlinePassed {
				forced := len(w.InstanceIDs) > 0
				actions = append(actions, action{kind: "begin-stop", key: w.ID, run: func(ctx context.Context) error {
					return c.beginStop(ctx, w, forced)
				}})
			}

		case types.WorkerStopping:
			actions = append(actions, action{kind: "advance-stopping", key: w.ID, run: func(ctx context.Context) error {
				return c.advanceStopping(ctx, w)
			}})

		case types.WorkerStopped:
			actions = append(actions, action{kind: "cleanup", key: w.ID, run: func(ctx context.Context) error {
				return c.cleanupStopped(ctx, w)
			}})

		case types.WorkerTerminated:
			// Normally removed by cleanup in the same action; sweep
			// records left behind by quarantine or a partial cleanup.
			actions = append(actions, action{kind: "remove-record", key: w.ID, run: func(ctx context.Context) error {
				err := c.state.DeleteWorker(ctx, w.ID)
				if storage.IsNotFound(err) {
					return nil
				}
				return err
			}})
		}
	}
	return actions
}

// launch creates the cloud machine backing a pending worker. Capacity
// shortages wait for the next tick; rejected requests quarantine the
// worker.
func (c *Controller) launch(ctx context.Context, w *types.Worker, tmpl *types.WorkerTemplate) error {
	cloudID, err := c.provider.CreateInstance(ctx, c.createSpec(w, tmpl))
	switch {
	case err == nil:
	case cloud.IsCapacity(err):
		c.logger.Warn().Err(err).
			Str("worker_id", w.ID).
			Str("template", tmpl.Name).
			Msg("provider out of capacity, retrying next tick")
		return nil
	case cloud.IsContract(err):
		return c.quarantine(ctx, w, fmt.Sprintf("machine creation rejected: %v", err))
	default:
		return fmt.Errorf("create machine: %w", err)
	}

	if _, err := c.state.SetWorkerCloudInstance(ctx, w.ID, cloudID); err != nil {
		return err
	}
	c.logger.Info().
		Str("worker_id", w.ID).
		Str("cloud_instance_id", cloudID).
		Str("template", tmpl.Name).
		Msg("machine created")
	_, err = c.state.TransitionWorker(ctx, w.ID, types.WorkerProvisioning, events.SourceController, "")
	if types.IsInvalidTransition(err) {
		return nil
	}
	return err
}

// advanceProvisioning promotes a provisioning worker to running once the
// provider reports the machine healthy. Machines that die or get
// rejected before ever running are quarantined.
func (c *Controller) advanceProvisioning(ctx context.Context, w *types.Worker) error {
	st, err := c.provider.GetInstanceStatus(ctx, w.CloudInstanceID)
	switch {
	case cloud.IsNotFound(err):
		return c.quarantine(ctx, w, "machine disappeared during provisioning")
	case cloud.IsContract(err):
		return c.quarantine(ctx, w, fmt.Sprintf("machine status rejected: %v", err))
	case err != nil:
		return err
	}

	switch st.State {
	case cloud.MachineRunning:
		if !st.ChecksPassed {
			return nil
		}
		_, err := c.state.TransitionWorker(ctx, w.ID, types.WorkerRunning, events.SourceController, "")
		if types.IsInvalidTransition(err) {
			return nil
		}
		return err
	case cloud.MachineStopped, cloud.MachineTerminated:
		return c.quarantine(ctx, w, fmt.Sprintf("machine reached %s before coming up", st.State))
	}
	return nil
}

func (c *Controller) telemetryDue(obs *observation, w *types.Worker) bool {
	if w.CloudInstanceID == "" {
		return false
	}
	return w.NextRefreshAt.IsZero() || !obs.now.Before(w.NextRefreshAt)
}

// refreshTelemetry polls the machine's utilization and lab census and
// stamps the next refresh time on the record. Activity is observed
// server-side: a worker with started labs counts as active now.
func (c *Controller) refreshTelemetry(ctx context.Context, obs *observation, w *types.Worker) error {
	m, err := c.provider.GetInstanceMetrics(ctx, w.CloudInstanceID, c.cfg.TelemetryInterval)
	if cloud.IsNotFound(err) {
		_, terr := c.state.TransitionWorker(ctx, w.ID, types.WorkerStopping, events.SourceController, "machine disappeared")
		if types.IsInvalidTransition(terr) {
			return nil
		}
		return terr
	}
	if err != nil {
		return err
	}

	labs, observed := obs.labs[w.ID]
	if !observed {
		labs, err = c.provider.ListLabs(ctx, w.CloudInstanceID)
		if err != nil {
			labs = nil
		}
	}
	started := 0
	for _, lab := range labs {
		if lab.State == cloud.LabStarted {
			started++
		}
	}

	t := types.WorkerTelemetry{
		CPUPercent:     m.CPUPercent,
		MemoryPercent:  m.MemoryPercent,
		StoragePercent: m.StoragePercent,
		ActiveLabs:     started,
		LastActivityAt: w.Telemetry.LastActivityAt,
		SampledAt:      m.SampledAt,
	}
	if t.SampledAt.IsZero() {
		t.SampledAt = obs.now
	}
	if started > 0 {
		t.LastActivityAt = obs.now
	}

	_, err = c.state.UpdateWorkerTelemetry(ctx, w.ID, t, obs.now.Add(c.cfg.TelemetryInterval))
	if storage.IsNotFound(err) {
		return nil
	}
	return err
}

// scaleDownEligible reports whether an empty running worker has idled
// past the grace window with nothing about to claim it.
func (c *Controller) scaleDownEligible(obs *observation, w *types.Worker) bool {
	if len(w.InstanceIDs) > 0 {
		return false
	}
	last := w.Telemetry.LastActivityAt
	if last.IsZero() {
		last = w.RunningAt
	}
	if last.IsZero() || obs.now.Sub(last) < c.cfg.ScaleDownGrace {
		return false
	}
	// An unplaced booking opening inside the grace window will want
	// this capacity; shedding it now would just scale straight back up.
	for _, inst := range obs.instances {
		if inst.State == types.InstancePending && obs.now.Add(c.cfg.ScaleDownGrace).After(inst.Timeslot.Start) {
			return false
		}
	}
	return !c.warmReserved(obs, w)
}

// warmReserved reports whether the worker is needed to keep some
// definition's warm pool at depth.
func (c *Controller) warmReserved(obs *observation, w *types.Worker) bool {
	for _, def := range obs.defs {
		if def.Deprecated || def.WarmPoolDepth <= 0 || !def.AcceptsLicense(w.LicenseKind) {
			continue
		}
		if c.warmCount(obs, def) <= def.WarmPoolDepth {
			return true
		}
	}
	return false
}

// warmCount tallies the workers counting toward a definition's warm
// pool: in-flight machines and empty running ones with an accepted
// license kind.
func (c *Controller) warmCount(obs *observation, def *types.Definition) int {
	n := 0
	for _, w := range obs.workers {
		if !def.AcceptsLicense(w.LicenseKind) {
			continue
		}
		switch w.Status {
		case types.WorkerPending, types.WorkerProvisioning:
			n++
		case types.WorkerRunning:
			if len(w.InstanceIDs) == 0 {
				n++
			}
		}
	}
	return n
}

func (c *Controller) drain(ctx context.Context, w *types.Worker, tmpl *types.WorkerTemplate) error {
	timeout := c.cfg.DrainTimeoutDefault
	if tmpl != nil && tmpl.DrainTimeout > 0 {
		timeout = tmpl.DrainTimeout
	}
	const reason = "idle beyond scale-down grace"
	_, err := c.state.DrainWorker(ctx, w.ID, time.Now().Add(timeout), reason)
	if err != nil {
		if types.IsInvalidTransition(err) || storage.IsNotFound(err) {
			return nil
		}
		return err
	}
	c.state.Publish(events.New(events.SourceController, events.TypeScalingDownRequested, w.ID, events.ScalingData{
		TemplateName: w.TemplateName,
		WorkerID:     w.ID,
		Reason:       reason,
	}))
	return nil
}

// beginStop moves a drained worker to stopping and shuts its machine
// down. The forced flag records that the drain deadline ran out with
// instances still aboard.
func (c *Controller) beginStop(ctx context.Context, w *types.Worker, forced bool) error {
	reason := "drained"
	if forced {
		reason = "drain deadline elapsed"
	}
	_, err := c.state.TransitionWorker(ctx, w.ID, types.WorkerStopping, events.SourceController, reason)
	if err != nil {
		if types.IsInvalidTransition(err) || storage.IsNotFound(err) {
			return nil
		}
		return err
	}
	if w.CloudInstanceID != "" {
		if err := c.provider.StopInstance(ctx, w.CloudInstanceID); err != nil && !cloud.IsNotFound(err) {
			return fmt.Errorf("stop machine: %w", err)
		}
	}
	return nil
}

// advanceStopping waits for the provider to confirm shutdown, nudging
// the machine again if it is still up.
func (c *Controller) advanceStopping(ctx context.Context, w *types.Worker) error {
	if w.CloudInstanceID == "" {
		return c.markStopped(ctx, w)
	}
	st, err := c.provider.GetInstanceStatus(ctx, w.CloudInstanceID)
	if cloud.IsNotFound(err) {
		return c.markStopped(ctx, w)
	}
	if err != nil {
		return err
	}
	switch st.State {
	case cloud.MachineStopped, cloud.MachineTerminated:
		return c.markStopped(ctx, w)
	case cloud.MachineRunning:
		if err := c.provider.StopInstance(ctx, w.CloudInstanceID); err != nil && !cloud.IsNotFound(err) {
			return fmt.Errorf("stop machine: %w", err)
		}
	}
	return nil
}

func (c *Controller) markStopped(ctx context.Context, w *types.Worker) error {
	_, err := c.state.TransitionWorker(ctx, w.ID, types.WorkerStopped, events.SourceController, "")
	if types.IsInvalidTransition(err) || storage.IsNotFound(err) {
		return nil
	}
	return err
}

// cleanupStopped destroys the machine and removes the worker record.
func (c *Controller) cleanupStopped(ctx context.Context, w *types.Worker) error {
	if w.CloudInstanceID != "" {
		if err := c.provider.TerminateInstance(ctx, w.CloudInstanceID); err != nil && !cloud.IsNotFound(err) {
			return fmt.Errorf("terminate machine: %w", err)
		}
	}
	_, err := c.state.TransitionWorker(ctx, w.ID, types.WorkerTerminated, events.SourceController, "")
	if err != nil && !types.IsInvalidTransition(err) && !storage.IsNotFound(err) {
		return err
	}
	c.state.Publish(events.New(events.SourceController, events.TypeScalingDownCompleted, w.ID, events.ScalingData{
		TemplateName: w.TemplateName,
		WorkerID:     w.ID,
	}))
	err = c.state.DeleteWorker(ctx, w.ID)
	if storage.IsNotFound(err) {
		return nil
	}
	return err
}

// quarantine terminates a worker that violated the provisioning
// contract and records why. The machine, if any, is destroyed on a
// best-effort basis.
func (c *Controller) quarantine(ctx context.Context, w *types.Worker, reason string) error {
	metrics.WorkersQuarantined.Inc()
	logger := log.WithWorkerID(c.logger, w.ID)
	logger.Error().
		Str("template", w.TemplateName).
		Str("reason", reason).
		Msg("worker quarantined")
	if w.CloudInstanceID != "" {
		if err := c.provider.TerminateInstance(ctx, w.CloudInstanceID); err != nil && !cloud.IsNotFound(err) {
			logger.Warn().Err(err).Msg("failed to terminate quarantined machine")
		}
	}
	_, err := c.state.TransitionWorker(ctx, w.ID, types.WorkerTerminated, events.SourceController, reason)
	if types.IsInvalidTransition(err) || storage.IsNotFound(err) {
		return nil
	}
	return err
}

func (c *Controller) workerTransitionAction(w *types.Worker, to types.WorkerStatus, reason string) action {
	return action{kind: "transition-" + string(to), key: w.ID, run: func(ctx context.Context) error {
		_, err := c.state.TransitionWorker(ctx, w.ID, to, events.SourceController, reason)
		if types.IsInvalidTransition(err) || storage.IsNotFound(err) {
			return nil
		}
		return err
	}}
}

func (c *Controller) createSpec(w *types.Worker, tmpl *types.WorkerTemplate) cloud.CreateSpec {
	return cloud.CreateSpec{
		Name:         w.Name,
		InstanceType: tmpl.InstanceType,
		ImageID:      tmpl.ImageID,
		Tags: map[string]string{
			c.cfg.TagPrefix + ":worker":   w.ID,
			c.cfg.TagPrefix + ":template": tmpl.Name,
		},
	}
}

// diffScaleUps matches outstanding capacity demands to workers. A demand
// with a machine already materializing resolves against it; otherwise a
// new worker record is created and its machine launched. At most one
// worker per template is started per tick.
func (c *Controller) diffScaleUps(obs *observation) []action {
	if len(obs.scaleUps) == 0 {
		return nil
	}

	inFlight := make(map[string]*types.Worker)
	for _, w := range obs.workers {
		if w.Status == types.WorkerPending || w.Status == types.WorkerProvisioning {
			if _, ok := inFlight[w.TemplateName]; !ok {
				inFlight[w.TemplateName] = w
			}
		}
	}

	var actions []action
	claimed := make(map[string]bool)
	for _, req := range obs.scaleUps {
		req := req
		if w := inFlight[req.Template]; w != nil {
			w := w
			actions = append(actions, action{kind: "resolve-scale-up", key: req.Template, run: func(ctx context.Context) error {
				return c.state.ResolveScaleUp(ctx, req.Template, req.Reason, w.ID)
			}})
			continue
		}
		if claimed[req.Template] {
			continue
		}
		key := demandKey(req)
		if _, busy := c.inflight.Get(key); busy {
			continue
		}
		claimed[req.Template] = true
		c.inflight.Set(key, struct{}{}, cache.DefaultExpiration)
		actions = append(actions, action{kind: "scale-up", key: req.Template, run: func(ctx context.Context) error {
			return c.fulfillScaleUp(ctx, obs, req)
		}})
	}
	return actions
}

func (c *Controller) fulfillScaleUp(ctx context.Context, obs *observation, req manager.ScaleUpRequest) error {
	tmpl := obs.templates[req.Template]
	if tmpl == nil {
		c.logger.Error().Str("template", req.Template).Msg("scale-up requested for unregistered template")
		return c.state.ResolveScaleUp(ctx, req.Template, req.Reason, "")
	}

	w, err := c.state.CreateWorker(ctx, manager.CreateWorkerRequest{
		TemplateName: req.Template,
		Reason:       "scale-up: " + req.Reason,
	})
	if err != nil {
		return err
	}
	if err := c.state.ResolveScaleUp(ctx, req.Template, req.Reason, w.ID); err != nil {
		return err
	}
	return c.launch(ctx, w, tmpl)
}

// diffWarmPools tops up each definition's warm pool by raising scale-up
// demands; fulfillment rides the ordinary capacity path.
func (c *Controller) diffWarmPools(obs *observation) []action {
	requested := make(map[string]bool)
	for _, req := range obs.scaleUps {
		requested[req.Template] = true
	}

	var actions []action
	for _, def := range obs.defs {
		def := def
		if def.Deprecated || def.WarmPoolDepth <= 0 {
			continue
		}
		if c.warmCount(obs, def) >= def.WarmPoolDepth {
			continue
		}
		tmpl := warmTemplate(obs.templates, def)
		if tmpl == nil {
			c.logger.Error().
				Str("definition", def.Name+"@"+def.Version).
				Msg("no worker template can back the warm pool")
			continue
		}
		if requested[tmpl.Name] {
			continue
		}
		requested[tmpl.Name] = true
		actions = append(actions, action{kind: "warm-pool", key: def.Name, run: func(ctx context.Context) error {
			_, err := c.state.RequestScaleUp(ctx, tmpl.Name, manager.ScaleReasonWarmPool, "")
			return err
		}})
	}
	return actions
}

// diffLeadTimes raises capacity demands for bookings still unplaced once
// their provisioning runway opens. The scheduler demands capacity the
// moment placement finds no candidate; this covers a scheduler that is
// down or failing over while a deadline approaches.
func (c *Controller) diffLeadTimes(obs *observation) []action {
	requested := make(map[string]bool)
	for _, req := range obs.scaleUps {
		requested[req.Template] = true
	}

	var actions []action
	for _, inst := range obs.instances {
		inst := inst
		if inst.State != types.InstancePending || inst.WorkerID != "" {
			continue
		}
		if obs.now.Before(inst.Timeslot.Start.Add(-c.cfg.TotalLeadTime)) {
			continue
		}
		def := obs.definition(inst)
		if def == nil {
			continue
		}
		tmpl := warmTemplate(obs.templates, def)
		if tmpl == nil {
			c.logger.Error().
				Str("instance_id", inst.ID).
				Str("definition", def.Name+"@"+def.Version).
				Msg("no worker template can host the booking")
			continue
		}
		if requested[tmpl.Name] {
			continue
		}
		requested[tmpl.Name] = true
		actions = append(actions, action{kind: "lead-time", key: inst.ID, run: func(ctx context.Context) error {
			_, err := c.state.RequestScaleUp(ctx, tmpl.Name, manager.ScaleReasonCapacity, inst.ID)
			return err
		}})
	}
	return actions
}

// warmTemplate picks the tightest template able to host the definition.
func warmTemplate(templates map[string]*types.WorkerTemplate, def *types.Definition) *types.WorkerTemplate {
	var (
		best    *types.WorkerTemplate
		bestFit float64
	)
	for _, tmpl := range templates {
		if !tmpl.Satisfies(def) {
			continue
		}
		fit := tmpl.Capacity.Utilization(def.Requirements.Resources)
		if best == nil || fit > bestFit || (fit == bestFit && tmpl.Name < best.Name) {
			best = tmpl
			bestFit = fit
		}
	}
	return best
}

// demandKey folds one scale-up demand into a stable cache key.
func demandKey(req manager.ScaleUpRequest) string {
	h, err := hashstructure.Hash(struct{ Template, Reason string }{req.Template, req.Reason}, hashstructure.FormatV2, nil)
	if err != nil {
		return req.Template + "/" + req.Reason
	}
	return strconv.FormatUint(h, 16)
}
