package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/billetlabs/billet/pkg/client"
	"github.com/billetlabs/billet/pkg/log"
	"github.com/billetlabs/billet/pkg/storage"
)

// ErrNotLeader is returned for mutations proposed on a replica that does
// not hold raft leadership. The message carries the current leader address
// so callers can redirect.
var ErrNotLeader = errors.New("not the cluster leader")

const (
	// applyTimeout bounds a single raft proposal.
	applyTimeout = 5 * time.Second

	// leaseSweepInterval is how often the raft leader proposes expiry of
	// overdue leases. Replicated stores never sweep locally; the deletions
	// travel through the log so every replica applies the same ones.
	leaseSweepInterval = 1 * time.Second

	snapshotRetain = 2
	transportPool  = 3
)

// Config holds what a Manager needs to open its store and, when BindAddr
// is set, its raft layer.
type Config struct {
	NodeID string
	// BindAddr is the raft listen address. Empty runs the coordination
	// store standalone with a local lease sweeper and no replication.
	BindAddr string
	DataDir  string
}

// Manager owns the coordination store and, when clustered, the raft layer
// replicating it. It hands out the storage.KV every other component reads
// and writes through.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string

	kv     *storage.BoltKV
	facade storage.KV
	raft   *raft.Raft
	fsm    *kvFSM
	tokens *TokenManager
	logger zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New opens the coordination store under cfg.DataDir. With a bind address
// the store opens in replicated mode and stays read-only until Bootstrap
// or Join brings the raft layer up.
func New(cfg Config) (*Manager, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("manager: node id must be set")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	m := &Manager{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		tokens:   NewTokenManager(),
		logger:   log.WithComponent("manager"),
		stopCh:   make(chan struct{}),
	}

	var err error
	if m.Replicated() {
		m.kv, err = storage.NewReplicatedBoltKV(cfg.DataDir)
		m.facade = &replicatedKV{m: m}
	} else {
		m.kv, err = storage.NewBoltKV(cfg.DataDir)
		m.facade = m.kv
	}
	if err != nil {
		return nil, err
	}
	m.fsm = newKVFSM(m.kv)
	return m, nil
}

// Replicated reports whether this node runs the raft layer.
func (m *Manager) Replicated() bool {
	return m.bindAddr != ""
}

// KV returns the coordination store. On a replicated node mutations are
// proposed through the raft log; reads always come from the local store.
func (m *Manager) KV() storage.KV {
	return m.facade
}

// Tokens returns the bearer identity registry for the internal API.
func (m *Manager) Tokens() *TokenManager {
	return m.tokens
}

// startRaft builds the transport, stores, and raft instance shared by
// Bootstrap and Join.
func (m *Manager) startRaft() (*raft.NetworkTransport, error) {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)
	config.LogOutput = io.Discard

	// The defaults target WAN latencies. Control plane replicas sit in one
	// region, so tighter timeouts buy failover in a few seconds.
	config.HeartbeatTimeout = 1 * time.Second
	config.ElectionTimeout = 1 * time.Second
	config.LeaderLeaseTimeout = 500 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(m.bindAddr, addr, transportPool, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(m.dataDir, snapshotRetain, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, m.fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft: %w", err)
	}
	m.raft = r

	m.wg.Add(1)
	go m.sweepLoop()
	return transport, nil
}

// Bootstrap initializes a fresh single-node cluster with this replica as
// the only voter. Further replicas join through Join.
func (m *Manager) Bootstrap() error {
	if !m.Replicated() {
		return nil
	}
	transport, err := m.startRaft()
	if err != nil {
		return err
	}
	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(m.nodeID), Address: transport.LocalAddr()},
		},
	}
	if err := m.raft.BootstrapCluster(configuration).Error(); err != nil {
		// An already-bootstrapped data dir resumes from its log.
		if !errors.Is(err, raft.ErrCantBootstrap) {
			return fmt.Errorf("bootstrap cluster: %w", err)
		}
	}
	m.logger.Info().Str("node_id", m.nodeID).Str("bind_addr", m.bindAddr).Msg("raft cluster bootstrapped")
	return nil
}

// Join starts the raft layer and asks one of the given control plane
// replicas to add this node as a voter.
func (m *Manager) Join(joinAddrs []string, token string) error {
	if !m.Replicated() {
		return nil
	}
	if _, err := m.startRaft(); err != nil {
		return err
	}

	var lastErr error
	for _, addr := range joinAddrs {
		c := client.New(addr, client.WithToken(token))
		if err := c.JoinCluster(m.nodeID, m.bindAddr); err != nil {
			lastErr = err
			m.logger.Warn().Err(err).Str("addr", addr).Msg("join request failed")
			continue
		}
		m.logger.Info().Str("node_id", m.nodeID).Str("via", addr).Msg("joined cluster")
		return nil
	}
	return fmt.Errorf("join cluster: %w", lastErr)
}

// AddVoter adds a replica to the raft configuration. Leader only.
func (m *Manager) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("%w: leader is %s", ErrNotLeader, m.LeaderAddr())
	}
	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("add voter %s: %w", nodeID, err)
	}
	m.logger.Info().Str("node_id", nodeID).Str("addr", address).Msg("voter added")
	return nil
}

// RemoveServer drops a replica from the raft configuration. Leader only.
func (m *Manager) RemoveServer(nodeID string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("%w: leader is %s", ErrNotLeader, m.LeaderAddr())
	}
	future := m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("remove server %s: %w", nodeID, err)
	}
	return nil
}

// Servers returns the current raft membership.
func (m *Manager) Servers() ([]raft.Server, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}
	future := m.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("get configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// IsLeader reports whether this replica holds raft leadership. Standalone
// nodes are always the leader.
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return !m.Replicated()
	}
	return m.raft.State() == raft.Leader
}

// LeaderAddr returns the raft address of the current leader, empty when
// unknown.
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	return string(m.raft.Leader())
}

// Stats reports raft health for the operational surface.
func (m *Manager) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"replicated": m.Replicated(),
		"revision":   m.kv.CurrentRevision(),
	}
	if m.raft == nil {
		return stats
	}
	stats["state"] = m.raft.State().String()
	stats["leader"] = string(m.raft.Leader())
	stats["last_log_index"] = m.raft.LastIndex()
	stats["applied_index"] = m.raft.AppliedIndex()
	if servers, err := m.Servers(); err == nil {
		stats["peers"] = len(servers)
	}
	return stats
}

// Apply runs a command through the mutation path: directly against the
// local store when standalone, through the raft log when replicated.
func (m *Manager) Apply(cmd storage.Command) (*storage.ApplyResult, error) {
	if m.raft == nil {
		if m.Replicated() {
			return nil, fmt.Errorf("raft not initialized")
		}
		return m.kv.Apply(cmd)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}
	future := m.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return nil, fmt.Errorf("%w: leader is %s", ErrNotLeader, m.LeaderAddr())
		}
		return nil, fmt.Errorf("apply command: %w", err)
	}
	resp, ok := future.Response().(applyResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected apply response %T", future.Response())
	}
	return resp.result, resp.err
}

// sweepLoop proposes lease expiry through the raft log while this replica
// leads. The timestamp travels with the command so followers apply the
// same deletions.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(leaseSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !m.IsLeader() {
				continue
			}
			cmd, err := storage.NewCommand(storage.OpExpireLeases, storage.ExpireRequest{
				NowNanos: time.Now().UnixNano(),
			})
			if err != nil {
				continue
			}
			if _, err := m.Apply(cmd); err != nil && !errors.Is(err, ErrNotLeader) {
				m.logger.Warn().Err(err).Msg("lease sweep proposal failed")
			}
		case <-m.stopCh:
			return
		}
	}
}

// Shutdown stops the sweep loop, the raft layer, and the store, in that
// order.
func (m *Manager) Shutdown() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("shutdown raft: %w", err)
		}
	}
	return m.kv.Close()
}
