package manager

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/billetlabs/billet/pkg/log"
	"github.com/billetlabs/billet/pkg/metrics"
	"github.com/billetlabs/billet/pkg/storage"
)

// Control loop roles with elected leaders.
const (
	RoleScheduler  = "scheduler"
	RoleController = "controller"
)

// leaderRecord is the value stored under the election key.
type leaderRecord struct {
	NodeID    string    `json:"node_id"`
	ElectedAt time.Time `json:"elected_at"`
}

// Elector runs lease-based leader election for one control loop role.
// Replicas campaign with a create-only write bound to a TTL lease; the
// replica whose write lands leads until it stops renewing. Standbys watch
// the election key and campaign again the moment it disappears.
type Elector struct {
	kv     storage.KV
	role   string
	nodeID string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewElector builds an elector for role. The ttl is the leader lease
// duration; renewal runs at a third of it.
func NewElector(kv storage.KV, role, nodeID string, ttl time.Duration) *Elector {
	return &Elector{
		kv:     kv,
		role:   role,
		nodeID: nodeID,
		ttl:    ttl,
		logger: log.WithComponent("elector").With().Str("role", role).Logger(),
	}
}

// Run campaigns until ctx ends. Each time this replica wins, lead is
// invoked with a context that is cancelled when leadership is lost; when
// lead returns the lease is dropped so a standby can take over promptly.
func (e *Elector) Run(ctx context.Context, lead func(context.Context)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		lease, won, err := e.campaign(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn().Err(err).Msg("campaign failed")
			select {
			case <-time.After(e.ttl / 3):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if !won {
			if err := e.waitForVacancy(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.logger.Warn().Err(err).Msg("standby watch failed")
			}
			continue
		}
		e.stint(ctx, lease, lead)
	}
}

// campaign attempts the create-only election write. A conflict means
// another replica already leads.
func (e *Elector) campaign(ctx context.Context) (storage.LeaseID, bool, error) {
	lease, err := e.kv.Grant(ctx, e.ttl)
	if err != nil {
		return 0, false, err
	}
	value, err := json.Marshal(leaderRecord{NodeID: e.nodeID, ElectedAt: time.Now().UTC()})
	if err != nil {
		return 0, false, err
	}
	if _, err := e.kv.Create(ctx, storage.LeaderKey(e.role), value, lease); err != nil {
		_ = e.kv.Revoke(ctx, lease)
		if storage.IsConflict(err) {
			metrics.LeaderElections.WithLabelValues(e.role, "lost").Inc()
			return 0, false, nil
		}
		return 0, false, err
	}
	metrics.LeaderElections.WithLabelValues(e.role, "won").Inc()
	return lease, true, nil
}

// stint holds leadership: it runs lead under a cancellable context while
// renewing the lease, then releases the key on the way out.
func (e *Elector) stint(ctx context.Context, lease storage.LeaseID, lead func(context.Context)) {
	leadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		e.renewLoop(leadCtx, lease)
		// Renewal stopped, whether by demotion or shutdown; either way the
		// leader work must not outlive the lease.
		cancel()
	}()

	e.logger.Info().Str("node_id", e.nodeID).Msg("leadership acquired")
	lead(leadCtx)
	cancel()
	<-renewDone

	// Drop the key eagerly so standbys campaign without waiting out the
	// TTL. The ctx may already be done during shutdown.
	revokeCtx, revokeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer revokeCancel()
	_ = e.kv.Revoke(revokeCtx, lease)
	e.logger.Info().Str("node_id", e.nodeID).Msg("leadership released")
}

// renewLoop extends the lease at a third of the TTL. A failed renewal
// returns immediately; the caller treats that as demotion.
func (e *Elector) renewLoop(ctx context.Context, lease storage.LeaseID) {
	ticker := time.NewTicker(e.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.kv.Renew(ctx, lease); err != nil {
				if ctx.Err() == nil {
					e.logger.Warn().Err(err).Msg("lease renewal failed, stepping down")
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// waitForVacancy blocks until the election key disappears. A periodic
// re-check covers deletions that race the watch setup and compacted
// streams.
func (e *Elector) waitForVacancy(ctx context.Context) error {
	key := storage.LeaderKey(e.role)
	pair, err := e.kv.Get(ctx, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil
		}
		return err
	}
	ch, err := e.kv.Watch(ctx, key, pair.ModRevision)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(e.ttl)
	defer ticker.Stop()
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if evt.Type == storage.EventDelete || evt.Type == storage.EventCompacted {
				return nil
			}
		case <-ticker.C:
			if _, err := e.kv.Get(ctx, key); storage.IsNotFound(err) {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
