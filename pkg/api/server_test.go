package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billetlabs/billet/pkg/events"
	"github.com/billetlabs/billet/pkg/manager"
	"github.com/billetlabs/billet/pkg/ports"
	"github.com/billetlabs/billet/pkg/storage"
	"github.com/billetlabs/billet/pkg/types"
)

const testInternalToken = "internal-test-token"

func newTestServer(t *testing.T) (*Server, *manager.State, *manager.Manager) {
	t.Helper()
	mgr, err := manager.New(manager.Config{NodeID: "api-test", DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown() })

	docs, err := storage.NewDocStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })

	broker := events.NewBroker(nil)
	broker.Start()
	t.Cleanup(broker.Stop)

	kv := mgr.KV()
	state := manager.NewState(kv, docs, broker, ports.NewAllocator(kv))
	mgr.Tokens().Admit(testInternalToken, manager.RoleController)

	return NewServer(state, mgr, broker), state, mgr
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func labDefinition() types.Definition {
	return types.Definition{
		Name:    "dsp-lab",
		Version: "1.0.0",
		Requirements: types.DefinitionRequirements{
			Resources: types.Resources{CPUCores: 4, MemoryMB: 8192, StorageGB: 40},
		},
		LicenseAffinity: []types.LicenseKind{types.LicenseEducation},
		NodeCount:       2,
		PortTemplate: []types.PortSpec{
			{Name: "ssh", Protocol: types.PortProtocolTCP},
			{Name: "https", Protocol: types.PortProtocolTCP},
		},
		MaxSessionTime: 4 * time.Hour,
		Owner:          "platform",
	}
}

func seedDefinition(t *testing.T, h http.Handler) *types.Definition {
	t.Helper()
	w := doJSON(t, h, http.MethodPost, "/v1/definitions", "", createDefinitionRequest{
		Definition: labDefinition(),
		Artifact:   []byte("nodes: []\n"),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var def types.Definition
	require.NoError(t, json.NewDecoder(w.Body).Decode(&def))
	return &def
}

func hourSlot() types.Timeslot {
	now := time.Now()
	return types.Timeslot{Start: now.Add(-time.Minute), End: now.Add(time.Hour)}
}

func eduTemplate(name string, portRange types.PortRange) types.WorkerTemplate {
	return types.WorkerTemplate{
		Name:         name,
		InstanceType: "m7i.8xlarge",
		Capacity:     types.Resources{CPUCores: 32, MemoryMB: 131072, StorageGB: 500},
		MaxNodes:     12,
		LicenseKind:  types.LicenseEducation,
		ImageID:      "ami-0f1e2d3c",
		Region:       "us-east-1",
		PortRange:    portRange,
		DrainTimeout: 4 * time.Hour,
	}
}

func runningWorker(t *testing.T, state *manager.State, tmpl types.WorkerTemplate) *types.Worker {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, state.SeedTemplates([]types.WorkerTemplate{tmpl}))
	w, err := state.CreateWorker(ctx, manager.CreateWorkerRequest{TemplateName: tmpl.Name})
	require.NoError(t, err)
	_, err = state.TransitionWorker(ctx, w.ID, types.WorkerProvisioning, "test", "")
	require.NoError(t, err)
	w, err = state.TransitionWorker(ctx, w.ID, types.WorkerRunning, "test", "")
	require.NoError(t, err)
	return w
}

// ---------------------------------------------------------------------------
// Definitions

func TestDefinitionLifecycleOverHTTP(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	def := seedDefinition(t, h)
	assert.Equal(t, "dsp-lab", def.Name)
	assert.NotEmpty(t, def.ID)
	assert.NotEmpty(t, def.Artifact.SHA256)

	w := doJSON(t, h, http.MethodGet, "/v1/definitions/dsp-lab/1.0.0", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/v1/definitions/dsp-lab/1.0.0/artifact", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nodes: []\n", w.Body.String())

	w = doJSON(t, h, http.MethodGet, "/v1/definitions?name=dsp-lab", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list definitionList
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	require.Len(t, list.Definitions, 1)

	w = doJSON(t, h, http.MethodPost, "/v1/definitions/dsp-lab/1.0.0/deprecate", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var deprecated types.Definition
	require.NoError(t, json.NewDecoder(w.Body).Decode(&deprecated))
	assert.True(t, deprecated.Deprecated)

	// Deprecated versions drop out of the default listing.
	w = doJSON(t, h, http.MethodGet, "/v1/definitions", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list = definitionList{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	assert.Empty(t, list.Definitions)

	w = doJSON(t, h, http.MethodDelete, "/v1/definitions/dsp-lab/1.0.0", "", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, h, http.MethodGet, "/v1/definitions/dsp-lab/1.0.0", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateDefinitionRejectsMissingName(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := doJSON(t, srv.Handler(), http.MethodPost, "/v1/definitions", "", createDefinitionRequest{
		Definition: types.Definition{Version: "1.0.0"},
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var body errorBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Contains(t, body.Error, "name")
	assert.Empty(t, body.AuditID, "validation failures carry no audit id")
}

func TestDeleteDefinitionConflictsWhilePinned(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()
	seedDefinition(t, h)

	w := doJSON(t, h, http.MethodPost, "/v1/instances", "", manager.CreateInstanceRequest{
		DefinitionName: "dsp-lab",
		Timeslot:       hourSlot(),
		Owner:          "student-7",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(t, h, http.MethodDelete, "/v1/definitions/dsp-lab/1.0.0", "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

// ---------------------------------------------------------------------------
// Instances

func TestInstanceLifecycleOverHTTP(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()
	seedDefinition(t, h)

	w := doJSON(t, h, http.MethodPost, "/v1/instances", "", manager.CreateInstanceRequest{
		DefinitionName: "dsp-lab",
		Timeslot:       hourSlot(),
		Owner:          "student-7",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var inst types.Instance
	require.NoError(t, json.NewDecoder(w.Body).Decode(&inst))
	assert.Equal(t, types.InstancePending, inst.State)
	assert.Equal(t, "1.0.0", inst.DefinitionVersion, "version pinned at creation")

	w = doJSON(t, h, http.MethodGet, "/v1/instances?state=pending&owner=student-7", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list instanceList
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	require.Len(t, list.Instances, 1)
	assert.NotZero(t, list.Revision)

	// Start requires a committed placement.
	w = doJSON(t, h, http.MethodPost, "/v1/instances/"+inst.ID+"/start", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = doJSON(t, h, http.MethodPost, "/v1/instances/"+inst.ID+"/stop", "", stopRequest{Reason: "changed my mind"})
	require.Equal(t, http.StatusOK, w.Code)
	var stopped types.Instance
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stopped))
	assert.Equal(t, types.InstanceStopping, stopped.State)
	assert.Equal(t, "changed my mind", stopped.StopReason)

	// A stopping instance is still live, so the record cannot go yet.
	w = doJSON(t, h, http.MethodDelete, "/v1/instances/"+inst.ID, "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestGetInstanceNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := doJSON(t, srv.Handler(), http.MethodGet, "/v1/instances/no-such-id", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateInstanceRejectsDeprecatedDefinition(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()
	seedDefinition(t, h)

	w := doJSON(t, h, http.MethodPost, "/v1/definitions/dsp-lab/1.0.0/deprecate", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodPost, "/v1/instances", "", manager.CreateInstanceRequest{
		DefinitionName: "dsp-lab",
		Timeslot:       hourSlot(),
		Owner:          "student-7",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

// ---------------------------------------------------------------------------
// Internal surface

func TestInternalEndpointsRequireBearerToken(t *testing.T) {
	srv, _, mgr := newTestServer(t)
	h := srv.Handler()
	body := scaleUpRequestBody{Template: "edu-large"}

	w := doJSON(t, h, http.MethodPost, "/internal/v1/scale-up", "", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, h, http.MethodPost, "/internal/v1/scale-up", "wrong-token", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Replica credentials join the cluster and nothing else.
	replica, err := mgr.Tokens().Issue(manager.RoleReplica, time.Hour)
	require.NoError(t, err)
	w = doJSON(t, h, http.MethodPost, "/internal/v1/scale-up", replica.Secret, body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, h, http.MethodPost, "/internal/v1/scale-up", testInternalToken, body)
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp scaleUpResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Raised)

	// The same demand is absorbed, not duplicated.
	w = doJSON(t, h, http.MethodPost, "/internal/v1/scale-up", testInternalToken, body)
	require.Equal(t, http.StatusAccepted, w.Code)
	resp = scaleUpResponse{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.Raised)
}

func TestScheduleCommitsPlacement(t *testing.T) {
	srv, state, _ := newTestServer(t)
	h := srv.Handler()
	seedDefinition(t, h)
	worker := runningWorker(t, state, eduTemplate("edu-large", types.PortRange{Lo: 30000, Hi: 30099}))

	w := doJSON(t, h, http.MethodPost, "/v1/instances", "", manager.CreateInstanceRequest{
		DefinitionName: "dsp-lab",
		Timeslot:       hourSlot(),
		Owner:          "student-7",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var inst types.Instance
	require.NoError(t, json.NewDecoder(w.Body).Decode(&inst))

	w = doJSON(t, h, http.MethodPost, "/internal/v1/instances/"+inst.ID+"/schedule",
		testInternalToken, scheduleRequest{WorkerID: worker.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var placed types.Instance
	require.NoError(t, json.NewDecoder(w.Body).Decode(&placed))
	assert.Equal(t, types.InstanceScheduled, placed.State)
	assert.Equal(t, worker.ID, placed.WorkerID)
	assert.Len(t, placed.Ports, 2)

	w = doJSON(t, h, http.MethodGet, "/v1/workers/"+worker.ID+"/capacity", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var capacity workerCapacityView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&capacity))
	assert.Equal(t, int64(4), capacity.Allocated.CPUCores)
	assert.Equal(t, 1, capacity.Instances)
}

func TestScheduleExhaustedPortsReturnsPending(t *testing.T) {
	srv, state, _ := newTestServer(t)
	h := srv.Handler()
	seedDefinition(t, h)
	// Three ports in the range, two per placement: the second cannot fit.
	worker := runningWorker(t, state, eduTemplate("edu-tiny", types.PortRange{Lo: 30000, Hi: 30002}))

	ids := make([]string, 2)
	for i := range ids {
		w := doJSON(t, h, http.MethodPost, "/v1/instances", "", manager.CreateInstanceRequest{
			DefinitionName: "dsp-lab",
			Timeslot:       hourSlot(),
			Owner:          "student-7",
		})
		require.Equal(t, http.StatusCreated, w.Code)
		var inst types.Instance
		require.NoError(t, json.NewDecoder(w.Body).Decode(&inst))
		ids[i] = inst.ID
	}

	w := doJSON(t, h, http.MethodPost, "/internal/v1/instances/"+ids[0]+"/schedule",
		testInternalToken, scheduleRequest{WorkerID: worker.ID})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodPost, "/internal/v1/instances/"+ids[1]+"/schedule",
		testInternalToken, scheduleRequest{WorkerID: worker.ID})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var body pendingBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "pending", body.Status)

	// The instance was not half-placed.
	w = doJSON(t, h, http.MethodGet, "/v1/instances/"+ids[1], "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var inst types.Instance
	require.NoError(t, json.NewDecoder(w.Body).Decode(&inst))
	assert.Equal(t, types.InstancePending, inst.State)
	assert.Empty(t, inst.WorkerID)
}

func TestDrainWorkerDefaultsDeadlineFromTemplate(t *testing.T) {
	srv, state, _ := newTestServer(t)
	h := srv.Handler()
	worker := runningWorker(t, state, eduTemplate("edu-large", types.PortRange{Lo: 30000, Hi: 30099}))

	w := doJSON(t, h, http.MethodPost, "/internal/v1/workers/"+worker.ID+"/drain",
		testInternalToken, drainRequest{Reason: "kernel upgrade"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var drained types.Worker
	require.NoError(t, json.NewDecoder(w.Body).Decode(&drained))
	assert.Equal(t, types.WorkerDraining, drained.Status)
	assert.WithinDuration(t, time.Now().Add(4*time.Hour), drained.DrainDeadline, time.Minute)
}

// ---------------------------------------------------------------------------
// Workers

func TestWorkerQueries(t *testing.T) {
	srv, state, _ := newTestServer(t)
	h := srv.Handler()
	worker := runningWorker(t, state, eduTemplate("edu-large", types.PortRange{Lo: 30000, Hi: 30099}))

	w := doJSON(t, h, http.MethodGet, "/v1/workers", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list workerList
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	require.Len(t, list.Workers, 1)

	w = doJSON(t, h, http.MethodGet, "/v1/workers/"+worker.ID+"/capacity", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var capacity workerCapacityView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&capacity))
	assert.Equal(t, worker.Capacity, capacity.Available, "nothing allocated yet")

	w = doJSON(t, h, http.MethodGet, "/v1/workers/"+worker.ID+"/ports", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var portsView workerPortsView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&portsView))
	assert.Equal(t, 100, portsView.Free)
	assert.Empty(t, portsView.Allocations)
}

func TestImportWorkerRegistersPendingRecord(t *testing.T) {
	srv, state, _ := newTestServer(t)
	h := srv.Handler()
	require.NoError(t, state.SeedTemplates([]types.WorkerTemplate{
		eduTemplate("edu-large", types.PortRange{Lo: 30000, Hi: 30099}),
	}))

	w := doJSON(t, h, http.MethodPost, "/v1/workers", "", manager.CreateWorkerRequest{
		TemplateName:    "edu-large",
		CloudInstanceID: "i-0aa11bb22cc33dd44",
		Reason:          "adopting an existing machine",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var imported types.Worker
	require.NoError(t, json.NewDecoder(w.Body).Decode(&imported))
	assert.Equal(t, types.WorkerPending, imported.Status)
	assert.Equal(t, "i-0aa11bb22cc33dd44", imported.CloudInstanceID)

	w = doJSON(t, h, http.MethodPost, "/v1/workers", "", manager.CreateWorkerRequest{
		TemplateName: "no-such-template",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTemplateQueries(t *testing.T) {
	srv, state, _ := newTestServer(t)
	h := srv.Handler()
	require.NoError(t, state.SeedTemplates([]types.WorkerTemplate{
		eduTemplate("edu-large", types.PortRange{Lo: 30000, Hi: 30099}),
		eduTemplate("edu-spare", types.PortRange{Lo: 31000, Hi: 31049}),
	}))

	w := doJSON(t, h, http.MethodGet, "/v1/templates", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list templateList
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	require.Len(t, list.Templates, 2)

	w = doJSON(t, h, http.MethodGet, "/v1/templates/edu-large", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tmpl types.WorkerTemplate
	require.NoError(t, json.NewDecoder(w.Body).Decode(&tmpl))
	assert.Equal(t, "m7i.8xlarge", tmpl.InstanceType)
	assert.Equal(t, int64(32), tmpl.Capacity.CPUCores)
	assert.Equal(t, types.PortRange{Lo: 30000, Hi: 30099}, tmpl.PortRange)

	w = doJSON(t, h, http.MethodGet, "/v1/templates/no-such-template", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ---------------------------------------------------------------------------
// Assessment ingress

func TestAssessmentHookRecordsResults(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()
	seedDefinition(t, h)

	w := doJSON(t, h, http.MethodPost, "/v1/instances", "", manager.CreateInstanceRequest{
		DefinitionName: "dsp-lab",
		Timeslot:       hourSlot(),
		Owner:          "student-7",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var inst types.Instance
	require.NoError(t, json.NewDecoder(w.Body).Decode(&inst))

	w = doJSON(t, h, http.MethodPost, "/v1/hooks/assessment", "",
		events.New("assessment", events.TypeCollectionCompleted, inst.ID, events.CollectionCompletedData{
			InstanceID:   inst.ID,
			ArtifactsURI: "s3://assessment/dsp-lab/" + inst.ID + ".tar",
		}))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = doJSON(t, h, http.MethodPost, "/v1/hooks/assessment", "",
		events.New("assessment", events.TypeGradingCompleted, inst.ID, events.GradingCompletedData{
			InstanceID: inst.ID,
			Score:      types.GradingResult{Total: 85, Max: 100, Passed: true},
		}))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = doJSON(t, h, http.MethodGet, "/v1/instances/"+inst.ID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var graded types.Instance
	require.NoError(t, json.NewDecoder(w.Body).Decode(&graded))
	assert.Equal(t, "s3://assessment/dsp-lab/"+inst.ID+".tar", graded.ArtifactsURI)
	require.NotNil(t, graded.Grading)
	assert.Equal(t, 85.0, graded.Grading.Total)
	assert.True(t, graded.Grading.Passed)
}

func TestAssessmentHookRejectsUnknownType(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := doJSON(t, srv.Handler(), http.MethodPost, "/v1/hooks/assessment", "",
		events.New("assessment", events.TypeInstanceRunning, "inst-1", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

// ---------------------------------------------------------------------------
// Cluster

func TestClusterStatusStandalone(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := doJSON(t, srv.Handler(), http.MethodGet, "/v1/cluster", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view clusterStatusView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&view))
	assert.True(t, view.Leader, "standalone nodes lead")
	assert.Empty(t, view.Servers)
	assert.Equal(t, false, view.Raft["replicated"])
}

func TestIssueTokenMintsUsableCredential(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	w := doJSON(t, h, http.MethodPost, "/internal/v1/tokens", testInternalToken,
		issueTokenRequest{Role: manager.RoleReplica, TTL: "1h"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var token tokenResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&token))
	assert.NotEmpty(t, token.Secret)
	assert.Equal(t, manager.RoleReplica, token.Role)
	assert.False(t, token.ExpiresAt.IsZero())

	// The minted credential authenticates on the join endpoint. Standalone
	// nodes have no raft layer, so the call fails past auth with an audit
	// id rather than being rejected at the door.
	w = doJSON(t, h, http.MethodPost, "/internal/v1/cluster/join", token.Secret,
		joinRequest{NodeID: "replica-2", RaftAddr: "10.0.0.2:7000"})
	require.Equal(t, http.StatusInternalServerError, w.Code)
	var body errorBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.NotEmpty(t, body.AuditID)

	w = doJSON(t, h, http.MethodPost, "/internal/v1/tokens", testInternalToken,
		issueTokenRequest{Role: "janitor"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}
