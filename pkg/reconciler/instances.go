package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/samber/lo"

	"github.com/billetlabs/billet/pkg/cloud"
	"github.com/billetlabs/billet/pkg/events"
	"github.com/billetlabs/billet/pkg/rewrite"
	"github.com/billetlabs/billet/pkg/storage"
	"github.com/billetlabs/billet/pkg/types"
)

// instantiationAttempts bounds the import/start retry budget inside one
// instantiation action. Exhaustion stops the instance with the reason
// recorded.
const instantiationAttempts = 3

func (c *Controller) diffInstances(obs *observation) []action {
	var actions []action
	for _, inst := range obs.instances {
		inst := inst
		w := obs.workerByID[inst.WorkerID]

		switch inst.State {
		case types.InstanceScheduled, types.InstanceInstantiating:
			if inst.WorkerID == "" || w == nil || w.Status.Terminal() {
				actions = append(actions, action{kind: "return-drifted", key: inst.ID, run: func(ctx context.Context) error {
					return c.returnDrifted(ctx, inst, "assigned worker lost")
				}})
				continue
			}
			if inst.State != types.InstanceInstantiating || w.Status != types.WorkerRunning {
				// Scheduled instances wait for their lead time; builds
				// wait for the worker to finish provisioning.
				continue
			}
			def := obs.definition(inst)
			if def == nil {
				actions = append(actions, c.stopAction(inst, "definition record missing"))
				continue
			}
			actions = append(actions, action{kind: "instantiate", key: inst.ID, run: func(ctx context.Context) error {
				return c.instantiate(ctx, inst, w, def)
			}})

		case types.InstanceRunning:
			if a, ok := c.runningAction(obs, inst, w); ok {
				actions = append(actions, a)
			}

		case types.InstanceCollecting:
			// A grading result can land before the collection report does;
			// it already supersedes the grading phase, so skip straight to
			// stopping.
			if inst.Grading != nil {
				actions = append(actions, c.transitionAction(inst, types.InstanceStopping, "grading complete"))
			} else if inst.ArtifactsURI != "" {
				actions = append(actions, c.transitionAction(inst, types.InstanceGrading, "artifacts collected"))
			}

		case types.InstanceGrading:
			if inst.Grading != nil {
				actions = append(actions, c.transitionAction(inst, types.InstanceStopping, "grading complete"))
			}

		case types.InstanceStopping:
			actions = append(actions, action{kind: "teardown", key: inst.ID, run: func(ctx context.Context) error {
				return c.teardown(ctx, inst, w)
			}})

		case types.InstanceStopped:
			if obs.now.Sub(stateSince(inst)) >= c.cfg.ArchivedAfter {
				actions = append(actions, c.transitionAction(inst, types.InstanceArchived, ""))
			}

		case types.InstanceArchived:
			if obs.now.Sub(stateSince(inst)) >= c.cfg.PurgeAfter {
				actions = append(actions, action{kind: "purge", key: inst.ID, run: func(ctx context.Context) error {
					return c.purge(ctx, inst)
				}})
			}
		}
	}
	return actions
}

// runningAction decides the single corrective step for a running
// instance, if any. Liveness miss counts are maintained here so they
// advance exactly once per tick.
func (c *Controller) runningAction(obs *observation, inst *types.Instance, w *types.Worker) (action, bool) {
	if labs, observed := obs.labs[inst.WorkerID]; observed && inst.BackendLabID != "" {
		if labStarted(labs, inst.BackendLabID) {
			delete(c.livenessMisses, inst.ID)
		} else {
			c.livenessMisses[inst.ID]++
		}
	}

	switch {
	case w == nil || w.Status.Terminal():
		return c.stopAction(inst, "assigned worker lost"), true
	case c.livenessMisses[inst.ID] >= c.cfg.LivenessMisses:
		return c.stopAction(inst, "lab no longer reported by its worker"), true
	case obs.now.After(inst.Timeslot.End):
		return c.stopAction(inst, "timeslot ended"), true
	}

	if def := obs.definition(inst); def != nil && def.MaxSessionTime > 0 &&
		!inst.RunningAt.IsZero() && obs.now.Sub(inst.RunningAt) > def.MaxSessionTime {
		return c.stopAction(inst, "session time exceeded"), true
	}
	return action{}, false
}

// instantiate drives one instance from instantiating to running: fetch
// the artifact, resolve its port placeholders, push it to the worker's
// lab daemon and boot it. Unrecoverable failures stop the instance with
// the reason recorded; the caller sees only unexpected store errors.
func (c *Controller) instantiate(ctx context.Context, inst *types.Instance, w *types.Worker, def *types.Definition) error {
	artifact, err := c.state.Artifact(ctx, inst.DefinitionName, inst.DefinitionVersion)
	if err != nil {
		return c.stopInstance(ctx, inst, fmt.Sprintf("definition artifact unavailable: %v", err))
	}
	rewritten, err := rewrite.Rewrite(artifact, inst.Ports)
	if err != nil {
		return c.stopInstance(ctx, inst, fmt.Sprintf("artifact rewrite failed: %v", err))
	}
	names := lo.Map(def.PortTemplate, func(p types.PortSpec, _ int) string { return p.Name })
	if missing := rewrite.Missing(rewritten, names); len(missing) > 0 {
		return c.stopInstance(ctx, inst, fmt.Sprintf("ports %v unresolved in artifact", missing))
	}

	labID := inst.BackendLabID
	err = retry.Do(func() error {
		if labID == "" {
			id, err := c.provider.ImportLab(ctx, w.CloudInstanceID, rewritten)
			if err != nil {
				return err
			}
			labID = id
			// The import is not idempotent; the id must be durable
			// before anything after it is allowed to fail.
			if _, err := c.state.SetInstanceBackendLab(ctx, inst.ID, id); err != nil {
				return retry.Unrecoverable(err)
			}
		}
		return c.provider.StartLab(ctx, w.CloudInstanceID, labID)
	},
		retry.Context(ctx),
		retry.Attempts(instantiationAttempts),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(cloud.IsTransient),
	)
	if err != nil {
		return c.stopInstance(ctx, inst, fmt.Sprintf("instantiation failed: %v", err))
	}

	_, err = c.state.TransitionInstance(ctx, inst.ID, types.InstanceRunning, events.SourceController, "")
	if types.IsInvalidTransition(err) {
		return nil
	}
	return err
}

// teardown winds a stopping instance down: stop and wipe its lab if the
// worker is still around, release its placement, and advance to stopped.
func (c *Controller) teardown(ctx context.Context, inst *types.Instance, w *types.Worker) error {
	if inst.BackendLabID != "" && w != nil && !w.Status.Terminal() && w.CloudInstanceID != "" {
		if err := c.provider.StopLab(ctx, w.CloudInstanceID, inst.BackendLabID); err != nil && !cloud.IsNotFound(err) {
			return fmt.Errorf("stop lab: %w", err)
		}
		if err := c.provider.WipeLab(ctx, w.CloudInstanceID, inst.BackendLabID); err != nil && !cloud.IsNotFound(err) {
			return fmt.Errorf("wipe lab: %w", err)
		}
	}
	if err := c.state.UnassignInstance(ctx, inst); err != nil {
		return err
	}
	_, err := c.state.TransitionInstance(ctx, inst.ID, types.InstanceStopped, events.SourceController, "")
	if types.IsInvalidTransition(err) || storage.IsNotFound(err) {
		return nil
	}
	return err
}

// purge terminates and removes an archived instance past retention.
func (c *Controller) purge(ctx context.Context, inst *types.Instance) error {
	_, err := c.state.TransitionInstance(ctx, inst.ID, types.InstanceTerminated, events.SourceController, "retention elapsed")
	if err != nil && !types.IsInvalidTransition(err) && !storage.IsNotFound(err) {
		return err
	}
	if err := c.state.DeleteInstance(ctx, inst.ID); err != nil && !storage.IsNotFound(err) {
		return err
	}
	delete(c.livenessMisses, inst.ID)
	return nil
}

// returnDrifted releases whatever placement residue an instance carries
// and sends it back to pending for rescheduling.
func (c *Controller) returnDrifted(ctx context.Context, inst *types.Instance, reason string) error {
	if err := c.state.UnassignInstance(ctx, inst); err != nil {
		return err
	}
	_, err := c.state.TransitionInstance(ctx, inst.ID, types.InstancePending, events.SourceController, reason)
	if types.IsInvalidTransition(err) || storage.IsNotFound(err) {
		return nil
	}
	return err
}

func (c *Controller) stopInstance(ctx context.Context, inst *types.Instance, reason string) error {
	_, err := c.state.TransitionInstance(ctx, inst.ID, types.InstanceStopping, events.SourceController, reason)
	if types.IsInvalidTransition(err) || storage.IsNotFound(err) {
		return nil
	}
	return err
}

func (c *Controller) stopAction(inst *types.Instance, reason string) action {
	return action{kind: "stop", key: inst.ID, run: func(ctx context.Context) error {
		return c.stopInstance(ctx, inst, reason)
	}}
}

func (c *Controller) transitionAction(inst *types.Instance, to types.InstanceState, reason string) action {
	return action{kind: "transition-" + string(to), key: inst.ID, run: func(ctx context.Context) error {
		_, err := c.state.TransitionInstance(ctx, inst.ID, to, events.SourceController, reason)
		if types.IsInvalidTransition(err) || storage.IsNotFound(err) {
			return nil
		}
		return err
	}}
}

// stateSince reports when the instance entered its current state,
// falling back to creation time for never-transitioned records.
func stateSince(inst *types.Instance) time.Time {
	for i := len(inst.History) - 1; i >= 0; i-- {
		if inst.History[i].To == inst.State {
			return inst.History[i].At
		}
	}
	return inst.CreatedAt
}

func labStarted(labs []cloud.Lab, id string) bool {
	for _, l := range labs {
		if l.ID == id {
			return l.State == cloud.LabStarted
		}
	}
	return false
}
