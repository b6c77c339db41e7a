package manager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/billetlabs/billet/pkg/events"
	"github.com/billetlabs/billet/pkg/log"
	"github.com/billetlabs/billet/pkg/metrics"
	"github.com/billetlabs/billet/pkg/ports"
	"github.com/billetlabs/billet/pkg/storage"
	"github.com/billetlabs/billet/pkg/types"
)

// ErrDefinitionInUse means a definition version is still pinned by at
// least one live instance and cannot be deleted.
var ErrDefinitionInUse = errors.New("definition in use")

const (
	// casAttempts bounds the re-read-and-retry loop around lost races.
	// Conflicts are absorbed here; callers only see their own failures.
	casAttempts = 3

	// maxArtifactSize caps a fetched topology document.
	maxArtifactSize = 8 << 20
)

// ArtifactFetcher retrieves a definition's topology artifact from its
// source URI.
type ArtifactFetcher func(ctx context.Context, uri string) ([]byte, error)

// FetchArtifact retrieves http(s) and file URIs; anything else is read as
// a local path.
func FetchArtifact(ctx context.Context, uri string) ([]byte, error) {
	switch {
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch %s: status %d", uri, resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxArtifactSize))
	case strings.HasPrefix(uri, "file://"):
		return os.ReadFile(strings.TrimPrefix(uri, "file://"))
	default:
		return os.ReadFile(uri)
	}
}

// State is the single writer for control plane records. Every mutation of
// a definition, instance, or worker funnels through here so concurrency
// guards, lifecycle validation, and event emission happen exactly once,
// whichever surface requested the change. The scheduler and controller
// call it in-process; remote replicas reach the same methods through the
// internal API.
type State struct {
	kv     storage.KV
	docs   *storage.DocStore
	broker *events.Broker
	alloc  *ports.Allocator
	fetch  ArtifactFetcher
	logger zerolog.Logger
}

// NewState wires the writer over the coordination store, document store,
// event broker, and port allocator.
func NewState(kv storage.KV, docs *storage.DocStore, broker *events.Broker, alloc *ports.Allocator) *State {
	return &State{
		kv:     kv,
		docs:   docs,
		broker: broker,
		alloc:  alloc,
		fetch:  FetchArtifact,
		logger: log.WithComponent("state"),
	}
}

// Broker exposes the event broker for subscription surfaces.
func (s *State) Broker() *events.Broker {
	return s.broker
}

// Publish forwards an event to the broker.
func (s *State) Publish(e *events.Event) {
	s.broker.Publish(e)
}

// ---------------------------------------------------------------------------
// Definitions

// CreateDefinitionRequest carries a new definition version and, when the
// caller already holds it, the artifact body. Without a body the artifact
// is fetched from the declared URI.
type CreateDefinitionRequest struct {
	Definition types.Definition
	Artifact   []byte
}

// CreateDefinition registers a new immutable definition version and caches
// its artifact. The content hash is verified against the declared one, or
// recorded when the declaration left it empty.
func (s *State) CreateDefinition(ctx context.Context, req CreateDefinitionRequest) (*types.Definition, error) {
	def := req.Definition
	if def.Name == "" {
		return nil, &types.ValidationError{Field: "name", Reason: "must be set"}
	}
	if def.Version == "" {
		return nil, &types.ValidationError{Field: "version", Reason: "must be set"}
	}
	if def.Artifact.URI == "" && len(req.Artifact) == 0 {
		return nil, &types.ValidationError{Field: "artifact.uri", Reason: "must be set when no artifact body is supplied"}
	}
	if len(def.LicenseAffinity) == 0 {
		return nil, &types.ValidationError{Field: "license_affinity", Reason: "must name at least one license kind"}
	}
	if def.Requirements.Resources.IsZero() {
		return nil, &types.ValidationError{Field: "requirements.resources", Reason: "must declare capacity"}
	}
	seen := make(map[string]bool, len(def.PortTemplate))
	for i, p := range def.PortTemplate {
		if p.Name == "" {
			return nil, &types.ValidationError{Field: fmt.Sprintf("port_template[%d].name", i), Reason: "must be set"}
		}
		if seen[p.Name] {
			return nil, &types.ValidationError{Field: fmt.Sprintf("port_template[%d].name", i), Reason: fmt.Sprintf("duplicate port name %q", p.Name)}
		}
		seen[p.Name] = true
	}

	if _, err := s.docs.GetDefinition(def.Name, def.Version); err == nil {
		return nil, fmt.Errorf("%w: definition %s@%s", storage.ErrAlreadyExists, def.Name, def.Version)
	} else if !storage.IsNotFound(err) {
		return nil, err
	}

	artifact := req.Artifact
	if len(artifact) == 0 {
		var err error
		artifact, err = s.fetch(ctx, def.Artifact.URI)
		if err != nil {
			return nil, fmt.Errorf("fetch artifact: %w", err)
		}
	}
	sum := sha256.Sum256(artifact)
	digest := hex.EncodeToString(sum[:])
	if def.Artifact.SHA256 == "" {
		def.Artifact.SHA256 = digest
	} else if !strings.EqualFold(def.Artifact.SHA256, digest) {
		return nil, &types.ValidationError{Field: "artifact.sha256", Reason: fmt.Sprintf("content hash is %s", digest)}
	}

	firstVersion := false
	if _, err := s.docs.LatestDefinition(def.Name); storage.IsNotFound(err) {
		firstVersion = true
	} else if err != nil {
		return nil, err
	}

	def.ID = uuid.New().String()
	def.CreatedAt = time.Now().UTC()
	def.Deprecated = false
	def.Revision = 1

	if err := s.docs.PutArtifact(def.ID, artifact); err != nil {
		return nil, err
	}
	if err := s.docs.PutDefinition(&def); err != nil {
		return nil, err
	}

	eventType := events.TypeDefinitionVersionCreated
	if firstVersion {
		eventType = events.TypeDefinitionCreated
	}
	s.broker.Publish(events.New(events.SourceAPI, eventType, def.Name, events.DefinitionData{
		Name:    def.Name,
		Version: def.Version,
		Owner:   def.Owner,
	}))
	logger := log.WithDefinition(s.logger, def.Name, def.Version)
	logger.Info().Int("artifact_bytes", len(artifact)).Msg("definition registered")
	return &def, nil
}

// GetDefinition returns one version, or the latest when version is empty.
func (s *State) GetDefinition(ctx context.Context, name, version string) (*types.Definition, error) {
	if version == "" {
		return s.docs.LatestDefinition(name)
	}
	return s.docs.GetDefinition(name, version)
}

// ListDefinitions returns definitions matching the filter.
func (s *State) ListDefinitions(ctx context.Context, filter storage.DefinitionFilter) ([]*types.Definition, error) {
	return s.docs.ListDefinitions(filter)
}

// Artifact returns the cached topology document for a definition version.
func (s *State) Artifact(ctx context.Context, name, version string) ([]byte, error) {
	def, err := s.GetDefinition(ctx, name, version)
	if err != nil {
		return nil, err
	}
	return s.docs.GetArtifact(def.ID)
}

// DeprecateDefinition blocks new instances of a version. Existing
// instances run out untouched.
func (s *State) DeprecateDefinition(ctx context.Context, name, version string) (*types.Definition, error) {
	def, err := s.docs.DeprecateDefinition(name, version)
	if err != nil {
		return nil, err
	}
	s.broker.Publish(events.New(events.SourceAPI, events.TypeDefinitionDeprecated, def.Name, events.DefinitionData{
		Name:    def.Name,
		Version: def.Version,
		Owner:   def.Owner,
	}))
	return def, nil
}

// SyncDefinition re-fetches the artifact from its source URI and refreshes
// the cache. A content hash drift refuses the refresh.
func (s *State) SyncDefinition(ctx context.Context, name, version string) (*types.Definition, error) {
	def, err := s.GetDefinition(ctx, name, version)
	if err != nil {
		return nil, err
	}
	artifact, err := s.fetch(ctx, def.Artifact.URI)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact: %w", err)
	}
	sum := sha256.Sum256(artifact)
	digest := hex.EncodeToString(sum[:])
	if !strings.EqualFold(def.Artifact.SHA256, digest) {
		return nil, fmt.Errorf("sync %s@%s: artifact drifted, hash %s does not match pinned %s",
			def.Name, def.Version, digest, def.Artifact.SHA256)
	}
	if err := s.docs.PutArtifact(def.ID, artifact); err != nil {
		return nil, err
	}
	logger := log.WithDefinition(s.logger, def.Name, def.Version)
	logger.Info().Msg("artifact cache refreshed")
	return def, nil
}

// DeleteDefinition removes a version. Versions pinned by an instance that
// has not reached its terminal state are refused.
func (s *State) DeleteDefinition(ctx context.Context, name, version string) error {
	if _, err := s.docs.GetDefinition(name, version); err != nil {
		return err
	}
	instances, _, err := s.ListInstances(ctx)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if inst.DefinitionName == name && inst.DefinitionVersion == version && !inst.State.Terminal() {
			return fmt.Errorf("%w: %s@%s pinned by instance %s", ErrDefinitionInUse, name, version, inst.ID)
		}
	}
	return s.docs.DeleteDefinition(name, version)
}

// SeedDefinitions registers definitions parsed from manifest files.
// Versions already registered are skipped, so restarts are idempotent.
func (s *State) SeedDefinitions(ctx context.Context, defs []types.Definition) error {
	for _, def := range defs {
		if _, err := s.docs.GetDefinition(def.Name, def.Version); err == nil {
			continue
		} else if !storage.IsNotFound(err) {
			return err
		}
		if _, err := s.CreateDefinition(ctx, CreateDefinitionRequest{Definition: def}); err != nil {
			return fmt.Errorf("seed definition %s@%s: %w", def.Name, def.Version, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Instances

// CreateInstanceRequest is the public shape of a reservation.
type CreateInstanceRequest struct {
	DefinitionName    string         `json:"definition_name"`
	DefinitionVersion string         `json:"definition_version,omitempty"`
	Timeslot          types.Timeslot `json:"timeslot"`
	Owner             string         `json:"owner"`
	ReservationID     string         `json:"reservation_id,omitempty"`
}

// CreateInstance books a lablet against a timeslot. The definition version
// is pinned here and never changes; an empty version pins the latest.
func (s *State) CreateInstance(ctx context.Context, req CreateInstanceRequest) (*types.Instance, error) {
	if req.DefinitionName == "" {
		return nil, &types.ValidationError{Field: "definition_name", Reason: "must be set"}
	}
	if req.Timeslot.Start.IsZero() || req.Timeslot.End.IsZero() {
		return nil, &types.ValidationError{Field: "timeslot", Reason: "start and end must be set"}
	}
	if !req.Timeslot.End.After(req.Timeslot.Start) {
		return nil, &types.ValidationError{Field: "timeslot", Reason: "end must follow start"}
	}
	if req.Timeslot.End.Before(time.Now()) {
		return nil, &types.ValidationError{Field: "timeslot", Reason: "window already ended"}
	}

	def, err := s.GetDefinition(ctx, req.DefinitionName, req.DefinitionVersion)
	if err != nil {
		return nil, err
	}
	if def.Deprecated {
		return nil, &types.ValidationError{
			Field:  "definition_name",
			Reason: fmt.Sprintf("%s@%s is deprecated", def.Name, def.Version),
		}
	}

	inst := &types.Instance{
		ID:                uuid.New().String(),
		DefinitionName:    def.Name,
		DefinitionVersion: def.Version,
		State:             types.InstancePending,
		Timeslot:          req.Timeslot,
		Owner:             req.Owner,
		ReservationID:     req.ReservationID,
		CreatedAt:         time.Now().UTC(),
		Revision:          1,
	}
	raw, err := json.Marshal(inst)
	if err != nil {
		return nil, err
	}
	if _, err := s.kv.Create(ctx, storage.InstanceKey(inst.ID), raw, 0); err != nil {
		return nil, err
	}
	s.publishInstance(events.SourceAPI, inst, "")
	s.logger.Info().
		Str("instance_id", inst.ID).
		Str("definition", def.Name).
		Str("version", def.Version).
		Time("timeslot_start", inst.Timeslot.Start).
		Msg("instance created")
	return inst, nil
}

// GetInstance reads one instance record.
func (s *State) GetInstance(ctx context.Context, id string) (*types.Instance, error) {
	pair, err := s.kv.Get(ctx, storage.InstanceKey(id))
	if err != nil {
		return nil, err
	}
	return decodeInstance(pair.Value)
}

// ListInstances returns every instance and the revision the listing is
// consistent at.
func (s *State) ListInstances(ctx context.Context) ([]*types.Instance, uint64, error) {
	pairs, rev, err := s.kv.List(ctx, storage.PrefixInstances)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*types.Instance, 0, len(pairs))
	for _, pair := range pairs {
		inst, err := decodeInstance(pair.Value)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, inst)
	}
	return out, rev, nil
}

// TransitionInstance moves an instance along a lifecycle edge and emits
// the matching event. Illegal edges surface *types.InvalidTransitionError.
func (s *State) TransitionInstance(ctx context.Context, id string, to types.InstanceState, actor, reason string) (*types.Instance, error) {
	inst, err := s.casInstance(ctx, id, func(i *types.Instance) error {
		return types.TransitionInstance(i, to, actor, reason)
	})
	if err != nil {
		return nil, err
	}
	s.publishInstance(actor, inst, reason)
	return inst, nil
}

// Placement is a scheduler decision ready to commit.
type Placement struct {
	InstanceID string `json:"instance_id"`
	WorkerID   string `json:"worker_id"`
}

// ScheduleInstance commits a placement: ports are leased on the worker,
// the instance is assigned and moved to scheduled, and the worker's
// allocation accounting is updated. A lost race unwinds the port lease
// and returns the conflict for the scheduler to retry from filtering.
func (s *State) ScheduleInstance(ctx context.Context, p Placement) (*types.Instance, error) {
	pair, err := s.kv.Get(ctx, storage.InstanceKey(p.InstanceID))
	if err != nil {
		return nil, err
	}
	inst, err := decodeInstance(pair.Value)
	if err != nil {
		return nil, err
	}
	if inst.State != types.InstancePending {
		return nil, &types.InvalidTransitionError{
			Kind: "instance",
			ID:   inst.ID,
			From: string(inst.State),
			To:   string(types.InstanceScheduled),
		}
	}
	def, err := s.docs.GetDefinition(inst.DefinitionName, inst.DefinitionVersion)
	if err != nil {
		return nil, err
	}

	allocated, err := s.alloc.Allocate(ctx, p.WorkerID, p.InstanceID, def.PortTemplate)
	if err != nil {
		return nil, err
	}

	inst.WorkerID = p.WorkerID
	inst.Ports = allocated
	if err := types.TransitionInstance(inst, types.InstanceScheduled, events.SourceScheduler, ""); err != nil {
		s.releasePorts(ctx, p.WorkerID, p.InstanceID)
		return nil, err
	}
	inst.Revision++
	raw, err := json.Marshal(inst)
	if err != nil {
		s.releasePorts(ctx, p.WorkerID, p.InstanceID)
		return nil, err
	}
	if _, err := s.kv.CompareAndSwap(ctx, storage.InstanceKey(inst.ID), pair.ModRevision, raw); err != nil {
		s.releasePorts(ctx, p.WorkerID, p.InstanceID)
		return nil, err
	}

	_, err = s.casWorker(ctx, p.WorkerID, func(w *types.Worker) error {
		if !w.Status.Schedulable() {
			return fmt.Errorf("worker %s is %s", w.ID, w.Status)
		}
		w.Allocated = w.Allocated.Add(def.Requirements.Resources)
		w.AllocatedNodes += def.NodeCount
		if !w.HostsInstance(inst.ID) {
			w.InstanceIDs = append(w.InstanceIDs, inst.ID)
		}
		return nil
	})
	if err != nil {
		// Unwind the half-committed placement: free the ports and return
		// the instance to the queue.
		s.releasePorts(ctx, p.WorkerID, p.InstanceID)
		if _, rerr := s.casInstance(ctx, inst.ID, func(i *types.Instance) error {
			return types.TransitionInstance(i, types.InstancePending, events.SourceScheduler, "placement rolled back")
		}); rerr != nil {
			s.logger.Error().Err(rerr).Str("instance_id", inst.ID).Msg("placement rollback failed")
		}
		return nil, err
	}

	metrics.InstancesScheduled.Inc()
	s.publishInstance(events.SourceScheduler, inst, "")
	return inst, nil
}

// SetInstanceBackendLab records the backend lab id handed out by the
// worker's lab daemon during instantiation.
func (s *State) SetInstanceBackendLab(ctx context.Context, id, backendLabID string) (*types.Instance, error) {
	return s.casInstance(ctx, id, func(i *types.Instance) error {
		i.BackendLabID = backendLabID
		return nil
	})
}

// RecordCollection stores where the assessment collaborator parked the
// collected artifacts. The controller advances collecting instances to
// grading on its next pass.
func (s *State) RecordCollection(ctx context.Context, instanceID, artifactsURI string) (*types.Instance, error) {
	return s.casInstance(ctx, instanceID, func(i *types.Instance) error {
		i.ArtifactsURI = artifactsURI
		return nil
	})
}

// RecordGrading stores the score reported by the assessment collaborator
// and emits instance.grading.completed. The controller winds the instance
// down on its next pass.
func (s *State) RecordGrading(ctx context.Context, instanceID string, score types.GradingResult) (*types.Instance, error) {
	inst, err := s.casInstance(ctx, instanceID, func(i *types.Instance) error {
		i.Grading = &score
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.broker.Publish(events.New(events.SourceAPI, events.TypeInstanceGradingCompleted, inst.ID, events.GradingData{
		InstanceID: inst.ID,
		Score:      score,
	}))
	return inst, nil
}

// UnassignInstance returns an instance's worker resources: the port lease
// is released and the allocation accounting reversed. Callable any number
// of times; a missing worker means nothing is held.
func (s *State) UnassignInstance(ctx context.Context, inst *types.Instance) error {
	if inst.WorkerID == "" {
		return nil
	}
	def, err := s.docs.GetDefinition(inst.DefinitionName, inst.DefinitionVersion)
	if err != nil && !storage.IsNotFound(err) {
		return err
	}
	if err := s.alloc.Release(ctx, inst.WorkerID, inst.ID); err != nil {
		return err
	}
	_, err = s.casWorker(ctx, inst.WorkerID, func(w *types.Worker) error {
		if !w.HostsInstance(inst.ID) {
			return nil
		}
		if def != nil {
			w.Allocated = w.Allocated.Sub(def.Requirements.Resources)
			w.AllocatedNodes -= def.NodeCount
			if w.AllocatedNodes < 0 {
				w.AllocatedNodes = 0
			}
		}
		kept := w.InstanceIDs[:0]
		for _, iid := range w.InstanceIDs {
			if iid != inst.ID {
				kept = append(kept, iid)
			}
		}
		w.InstanceIDs = kept
		return nil
	})
	if storage.IsNotFound(err) {
		return nil
	}
	return err
}

// DeleteInstance removes a record that already ran its course. Live
// instances must be stopped first.
func (s *State) DeleteInstance(ctx context.Context, id string) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		pair, err := s.kv.Get(ctx, storage.InstanceKey(id))
		if err != nil {
			return err
		}
		inst, err := decodeInstance(pair.Value)
		if err != nil {
			return err
		}
		switch inst.State {
		case types.InstanceStopped, types.InstanceArchived, types.InstanceTerminated:
		default:
			return &types.ValidationError{
				Field:  "state",
				Reason: fmt.Sprintf("cannot delete a %s instance", inst.State),
			}
		}
		if _, err := s.kv.Delete(ctx, storage.InstanceKey(id), pair.ModRevision); err != nil {
			if storage.IsConflict(err) {
				continue
			}
			return err
		}
		s.broker.Publish(events.New(events.SourceAPI, events.TypeInstanceTerminated, inst.ID, events.InstanceData{
			InstanceID:        inst.ID,
			DefinitionName:    inst.DefinitionName,
			DefinitionVersion: inst.DefinitionVersion,
			State:             string(types.InstanceTerminated),
			Reason:            "record deleted",
		}))
		return nil
	}
	return fmt.Errorf("instance %s: %w", id, storage.ErrConflict)
}

// ---------------------------------------------------------------------------
// Workers

// CreateWorkerRequest describes a new worker cut from a template. A cloud
// instance id marks an import of a pre-existing machine; the controller
// then observes it instead of provisioning one.
type CreateWorkerRequest struct {
	TemplateName    string `json:"template_name"`
	Name            string `json:"name,omitempty"`
	CloudInstanceID string `json:"cloud_instance_id,omitempty"`
	Actor           string `json:"-"`
	Reason          string `json:"reason,omitempty"`
}

// CreateWorker registers a worker record in pending. The controller drives
// it to running as the cloud reports readiness.
func (s *State) CreateWorker(ctx context.Context, req CreateWorkerRequest) (*types.Worker, error) {
	tmpl, err := s.docs.GetWorkerTemplate(req.TemplateName)
	if err != nil {
		return nil, err
	}
	actor := req.Actor
	if actor == "" {
		actor = events.SourceController
	}

	w := &types.Worker{
		ID:              uuid.New().String(),
		Name:            req.Name,
		Region:          tmpl.Region,
		CloudInstanceID: req.CloudInstanceID,
		InstanceType:    tmpl.InstanceType,
		ImageID:         tmpl.ImageID,
		TemplateName:    tmpl.Name,
		LicenseKind:     tmpl.LicenseKind,
		Status:          types.WorkerPending,
		Capacity:        tmpl.Capacity,
		MaxNodes:        tmpl.MaxNodes,
		PortRange:       tmpl.PortRange,
		CreatedAt:       time.Now().UTC(),
		Revision:        1,
	}
	if w.Name == "" {
		w.Name = tmpl.Name + "-" + w.ID[:8]
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	if _, err := s.kv.Create(ctx, storage.WorkerKey(w.ID), raw, 0); err != nil {
		return nil, err
	}
	s.publishWorker(actor, w, req.Reason)
	s.logger.Info().
		Str("worker_id", w.ID).
		Str("template", tmpl.Name).
		Str("cloud_instance_id", w.CloudInstanceID).
		Msg("worker registered")
	return w, nil
}

// GetWorker reads one worker record.
func (s *State) GetWorker(ctx context.Context, id string) (*types.Worker, error) {
	pair, err := s.kv.Get(ctx, storage.WorkerKey(id))
	if err != nil {
		return nil, err
	}
	return decodeWorker(pair.Value)
}

// ListWorkers returns every worker and the revision the listing is
// consistent at.
func (s *State) ListWorkers(ctx context.Context) ([]*types.Worker, uint64, error) {
	pairs, rev, err := s.kv.List(ctx, storage.PrefixWorkers)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*types.Worker, 0, len(pairs))
	for _, pair := range pairs {
		w, err := decodeWorker(pair.Value)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, w)
	}
	return out, rev, nil
}

// TransitionWorker moves a worker along a lifecycle edge and emits the
// matching event.
func (s *State) TransitionWorker(ctx context.Context, id string, to types.WorkerStatus, actor, reason string) (*types.Worker, error) {
	w, err := s.casWorker(ctx, id, func(w *types.Worker) error {
		return types.TransitionWorker(w, to)
	})
	if err != nil {
		return nil, err
	}
	s.publishWorker(actor, w, reason)
	return w, nil
}

// DrainWorker moves a running worker into draining with the given
// deadline. Past the deadline the controller stops it regardless of
// remaining instances.
func (s *State) DrainWorker(ctx context.Context, id string, deadline time.Time, reason string) (*types.Worker, error) {
	w, err := s.casWorker(ctx, id, func(w *types.Worker) error {
		if err := types.TransitionWorker(w, types.WorkerDraining); err != nil {
			return err
		}
		w.DrainDeadline = deadline
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishWorker(events.SourceController, w, reason)
	return w, nil
}

// UpdateWorkerTelemetry stores an observed utilization snapshot and stamps
// the next poll time.
func (s *State) UpdateWorkerTelemetry(ctx context.Context, id string, t types.WorkerTelemetry, nextRefresh time.Time) (*types.Worker, error) {
	return s.casWorker(ctx, id, func(w *types.Worker) error {
		w.Telemetry = t
		w.NextRefreshAt = nextRefresh
		return nil
	})
}

// SetWorkerCloudInstance records the machine id the cloud handed back for
// a freshly provisioned worker.
func (s *State) SetWorkerCloudInstance(ctx context.Context, id, cloudInstanceID string) (*types.Worker, error) {
	return s.casWorker(ctx, id, func(w *types.Worker) error {
		w.CloudInstanceID = cloudInstanceID
		return nil
	})
}

// DeleteWorker removes a terminated worker's record.
func (s *State) DeleteWorker(ctx context.Context, id string) error {
	pair, err := s.kv.Get(ctx, storage.WorkerKey(id))
	if err != nil {
		return err
	}
	w, err := decodeWorker(pair.Value)
	if err != nil {
		return err
	}
	if !w.Status.Terminal() {
		return &types.ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("cannot delete a %s worker", w.Status),
		}
	}
	_, err = s.kv.Delete(ctx, storage.WorkerKey(id), pair.ModRevision)
	if storage.IsConflict(err) {
		// Someone touched a terminated record; drop it unconditionally.
		_, err = s.kv.Delete(ctx, storage.WorkerKey(id), 0)
	}
	return err
}

// ---------------------------------------------------------------------------
// Scale-up bookkeeping

// Scale-up reasons. The (template, reason) pair forms the dedupe key, so
// capacity pressure and warm pool refills queue independently.
const (
	ScaleReasonCapacity = "capacity"
	ScaleReasonWarmPool = "warm_pool"
)

// ScaleUpRequest is one outstanding demand for a worker of a template.
type ScaleUpRequest struct {
	Template    string    `json:"template"`
	Reason      string    `json:"reason"`
	InstanceID  string    `json:"instance_id,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// RequestScaleUp records demand for one more worker of a template. The
// (template, reason) pair dedupes: while a previous request is
// outstanding, further ones are absorbed and false is returned.
func (s *State) RequestScaleUp(ctx context.Context, template, reason, instanceID string) (bool, error) {
	rec := ScaleUpRequest{
		Template:    template,
		Reason:      reason,
		InstanceID:  instanceID,
		RequestedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	if _, err := s.kv.Create(ctx, storage.ScaleUpKey(template, reason), raw, 0); err != nil {
		if storage.IsConflict(err) {
			return false, nil
		}
		return false, err
	}
	metrics.ScaleUpRequests.Inc()
	s.broker.Publish(events.New(events.SourceController, events.TypeScalingUpRequested, template, events.ScalingData{
		TemplateName: template,
		InstanceID:   instanceID,
		Reason:       reason,
	}))
	return true, nil
}

// ListScaleUpRequests returns all outstanding scale-up demands.
func (s *State) ListScaleUpRequests(ctx context.Context) ([]ScaleUpRequest, error) {
	pairs, _, err := s.kv.List(ctx, storage.PrefixScaleUp)
	if err != nil {
		return nil, err
	}
	out := make([]ScaleUpRequest, 0, len(pairs))
	for _, pair := range pairs {
		var rec ScaleUpRequest
		if err := json.Unmarshal(pair.Value, &rec); err != nil {
			return nil, fmt.Errorf("decode scale-up record %s: %w", pair.Key, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// ResolveScaleUp clears an outstanding demand once a worker exists for it.
func (s *State) ResolveScaleUp(ctx context.Context, template, reason, workerID string) error {
	if _, err := s.kv.Delete(ctx, storage.ScaleUpKey(template, reason), 0); err != nil {
		if storage.IsNotFound(err) {
			return nil
		}
		return err
	}
	s.broker.Publish(events.New(events.SourceController, events.TypeScalingUpCompleted, template, events.ScalingData{
		TemplateName: template,
		WorkerID:     workerID,
	}))
	return nil
}

// ---------------------------------------------------------------------------
// Templates and ports

// SeedTemplates writes the configured worker templates into the document
// store. Same-named templates are replaced.
func (s *State) SeedTemplates(templates []types.WorkerTemplate) error {
	for i := range templates {
		if err := s.docs.PutWorkerTemplate(&templates[i]); err != nil {
			return err
		}
	}
	s.logger.Info().Int("count", len(templates)).Msg("worker templates seeded")
	return nil
}

// WorkerTemplates lists every registered template.
func (s *State) WorkerTemplates(ctx context.Context) ([]*types.WorkerTemplate, error) {
	return s.docs.ListWorkerTemplates()
}

// WorkerTemplate returns one template by name.
func (s *State) WorkerTemplate(ctx context.Context, name string) (*types.WorkerTemplate, error) {
	return s.docs.GetWorkerTemplate(name)
}

// PruneEvents drops archived events older than the cutoff and returns how
// many were removed. Live subscribers are unaffected.
func (s *State) PruneEvents(before time.Time) (int, error) {
	return s.docs.PruneEvents(before)
}

// AllocatePorts leases the instance's templated ports on the given worker.
func (s *State) AllocatePorts(ctx context.Context, workerID, instanceID string) (map[string]int, error) {
	inst, err := s.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, err := s.docs.GetDefinition(inst.DefinitionName, inst.DefinitionVersion)
	if err != nil {
		return nil, err
	}
	return s.alloc.Allocate(ctx, workerID, instanceID, def.PortTemplate)
}

// ReleasePorts returns the instance's leased ports on the given worker.
func (s *State) ReleasePorts(ctx context.Context, workerID, instanceID string) error {
	return s.alloc.Release(ctx, workerID, instanceID)
}

// ---------------------------------------------------------------------------
// Guarded record updates

// casInstance runs a guarded read-modify-write of one instance record.
// Lost races re-read and reapply mutate, so callers only ever see their
// own failures, never raw revision conflicts.
func (s *State) casInstance(ctx context.Context, id string, mutate func(*types.Instance) error) (*types.Instance, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		pair, err := s.kv.Get(ctx, storage.InstanceKey(id))
		if err != nil {
			return nil, err
		}
		inst, err := decodeInstance(pair.Value)
		if err != nil {
			return nil, err
		}
		if err := mutate(inst); err != nil {
			return nil, err
		}
		inst.Revision++
		raw, err := json.Marshal(inst)
		if err != nil {
			return nil, err
		}
		if _, err := s.kv.CompareAndSwap(ctx, storage.InstanceKey(id), pair.ModRevision, raw); err != nil {
			if storage.IsConflict(err) {
				continue
			}
			return nil, err
		}
		return inst, nil
	}
	return nil, fmt.Errorf("instance %s: %w", id, storage.ErrConflict)
}

// casWorker is casInstance for worker records.
func (s *State) casWorker(ctx context.Context, id string, mutate func(*types.Worker) error) (*types.Worker, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		pair, err := s.kv.Get(ctx, storage.WorkerKey(id))
		if err != nil {
			return nil, err
		}
		w, err := decodeWorker(pair.Value)
		if err != nil {
			return nil, err
		}
		if err := mutate(w); err != nil {
			return nil, err
		}
		w.Revision++
		raw, err := json.Marshal(w)
		if err != nil {
			return nil, err
		}
		if _, err := s.kv.CompareAndSwap(ctx, storage.WorkerKey(id), pair.ModRevision, raw); err != nil {
			if storage.IsConflict(err) {
				continue
			}
			return nil, err
		}
		return w, nil
	}
	return nil, fmt.Errorf("worker %s: %w", id, storage.ErrConflict)
}

func (s *State) releasePorts(ctx context.Context, workerID, instanceID string) {
	if err := s.alloc.Release(ctx, workerID, instanceID); err != nil {
		s.logger.Error().Err(err).
			Str("worker_id", workerID).
			Str("instance_id", instanceID).
			Msg("port release failed")
	}
}

func (s *State) publishInstance(source string, inst *types.Instance, reason string) {
	if e := events.ForInstance(source, inst, reason); e != nil {
		s.broker.Publish(e)
	}
}

func (s *State) publishWorker(source string, w *types.Worker, reason string) {
	if e := events.ForWorker(source, w, reason); e != nil {
		s.broker.Publish(e)
	}
}

func decodeInstance(raw []byte) (*types.Instance, error) {
	var inst types.Instance
	if err := json.Unmarshal(raw, &inst); err != nil {
		return nil, fmt.Errorf("decode instance: %w", err)
	}
	return &inst, nil
}

func decodeWorker(raw []byte) (*types.Worker, error) {
	var w types.Worker
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode worker: %w", err)
	}
	return &w, nil
}
