package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/billetlabs/billet/pkg/events"
	"github.com/billetlabs/billet/pkg/types"
)

// Client talks to a Billet control plane over HTTP. The zero value is not
// usable; construct with New.
type Client struct {
	base    string
	token   string
	http    *http.Client
	timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithToken attaches a bearer credential to every request. Required for
// the /internal surface.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout overrides the per-request deadline. Event streams are not
// bounded by it.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithHTTPClient swaps the underlying transport. The client must not set
// http.Client.Timeout or streams will be cut off.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New builds a client for the control plane at addr. A bare host:port is
// taken as http.
func New(addr string, opts ...Option) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	c := &Client{
		base:    strings.TrimRight(base, "/"),
		http:    &http.Client{},
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx control-plane response. The audit id, when set,
// pairs the failure with a server-side log line.
type APIError struct {
	Status  int
	Message string
	AuditID string
}

func (e *APIError) Error() string {
	if e.AuditID != "" {
		return fmt.Sprintf("%s (status %d, audit %s)", e.Message, e.Status, e.AuditID)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

// IsNotFound reports whether err is a 404 from the control plane.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return asAPIError(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// IsConflict reports whether err is a 409 from the control plane.
func IsConflict(err error) bool {
	var apiErr *APIError
	return asAPIError(err, &apiErr) && apiErr.Status == http.StatusConflict
}

func asAPIError(err error, target **APIError) bool {
	for err != nil {
		if e, ok := err.(*APIError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// do runs one JSON round trip. A nil out discards the response body.
func (c *Client) do(method, path string, in, out interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error   string `json:"error"`
		AuditID string `json:"audit_id"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
		if body.Error == "" {
			body.Error = resp.Status
		}
	}
	return &APIError{Status: resp.StatusCode, Message: body.Error, AuditID: body.AuditID}
}

// ---------------------------------------------------------------------------
// Definitions

// CreateDefinitionRequest mirrors the wire shape of POST /v1/definitions.
type CreateDefinitionRequest struct {
	Definition types.Definition `json:"definition"`
	Artifact   []byte           `json:"artifact,omitempty"`
}

// DefinitionListOptions narrows ListDefinitions.
type DefinitionListOptions struct {
	Name              string
	Owner             string
	IncludeDeprecated bool
}

func (c *Client) CreateDefinition(req CreateDefinitionRequest) (*types.Definition, error) {
	var def types.Definition
	if err := c.do(http.MethodPost, "/v1/definitions", req, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func (c *Client) ListDefinitions(opts DefinitionListOptions) ([]*types.Definition, error) {
	q := url.Values{}
	if opts.Name != "" {
		q.Set("name", opts.Name)
	}
	if opts.Owner != "" {
		q.Set("owner", opts.Owner)
	}
	if opts.IncludeDeprecated {
		q.Set("include_deprecated", "true")
	}
	path := "/v1/definitions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var list struct {
		Definitions []*types.Definition `json:"definitions"`
	}
	if err := c.do(http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list.Definitions, nil
}

// GetDefinition returns one version, or the latest when version is empty.
func (c *Client) GetDefinition(name, version string) (*types.Definition, error) {
	path := "/v1/definitions/" + url.PathEscape(name)
	if version != "" {
		path = definitionPath(name, version)
	}
	var def types.Definition
	if err := c.do(http.MethodGet, path, nil, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// Artifact fetches the cached lab topology body.
func (c *Client) Artifact(name, version string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+definitionPath(name, version)+"/artifact", nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, decodeError(resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) SyncDefinition(name, version string) (*types.Definition, error) {
	var def types.Definition
	if err := c.do(http.MethodPost, definitionPath(name, version)+"/sync", nil, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func (c *Client) DeprecateDefinition(name, version string) (*types.Definition, error) {
	var def types.Definition
	if err := c.do(http.MethodPost, definitionPath(name, version)+"/deprecate", nil, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func (c *Client) DeleteDefinition(name, version string) error {
	return c.do(http.MethodDelete, definitionPath(name, version), nil, nil)
}

func definitionPath(name, version string) string {
	return "/v1/definitions/" + url.PathEscape(name) + "/" + url.PathEscape(version)
}

// ---------------------------------------------------------------------------
// Instances

// CreateInstanceRequest mirrors the wire shape of POST /v1/instances.
type CreateInstanceRequest struct {
	DefinitionName    string         `json:"definition_name"`
	DefinitionVersion string         `json:"definition_version,omitempty"`
	Timeslot          types.Timeslot `json:"timeslot"`
	Owner             string         `json:"owner"`
	ReservationID     string         `json:"reservation_id,omitempty"`
}

// InstanceListOptions narrows ListInstances.
type InstanceListOptions struct {
	State      string
	Owner      string
	Definition string
}

// InstanceList is a listing plus the store revision it was read at.
type InstanceList struct {
	Instances []*types.Instance `json:"instances"`
	Revision  uint64            `json:"revision"`
}

func (c *Client) CreateInstance(req CreateInstanceRequest) (*types.Instance, error) {
	var inst types.Instance
	if err := c.do(http.MethodPost, "/v1/instances", req, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (c *Client) ListInstances(opts InstanceListOptions) (*InstanceList, error) {
	q := url.Values{}
	if opts.State != "" {
		q.Set("state", opts.State)
	}
	if opts.Owner != "" {
		q.Set("owner", opts.Owner)
	}
	if opts.Definition != "" {
		q.Set("definition", opts.Definition)
	}
	path := "/v1/instances"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var list InstanceList
	if err := c.do(http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *Client) GetInstance(id string) (*types.Instance, error) {
	var inst types.Instance
	if err := c.do(http.MethodGet, "/v1/instances/"+url.PathEscape(id), nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// StartInstance begins instantiation ahead of the scheduler's lead time.
func (c *Client) StartInstance(id string) (*types.Instance, error) {
	var inst types.Instance
	if err := c.do(http.MethodPost, "/v1/instances/"+url.PathEscape(id)+"/start", nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// StopInstance winds an instance down. An empty reason is recorded as a
// user request.
func (c *Client) StopInstance(id, reason string) (*types.Instance, error) {
	var body interface{}
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	var inst types.Instance
	if err := c.do(http.MethodPost, "/v1/instances/"+url.PathEscape(id)+"/stop", body, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// CollectInstance hands a running lab to the assessment collaborator.
func (c *Client) CollectInstance(id string) (*types.Instance, error) {
	var inst types.Instance
	if err := c.do(http.MethodPost, "/v1/instances/"+url.PathEscape(id)+"/collect", nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (c *Client) DeleteInstance(id string) error {
	return c.do(http.MethodDelete, "/v1/instances/"+url.PathEscape(id), nil, nil)
}

// ---------------------------------------------------------------------------
// Workers

// ImportWorkerRequest mirrors the wire shape of POST /v1/workers.
type ImportWorkerRequest struct {
	TemplateName    string `json:"template_name"`
	Name            string `json:"name,omitempty"`
	CloudInstanceID string `json:"cloud_instance_id,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// WorkerList is a listing plus the store revision it was read at.
type WorkerList struct {
	Workers  []*types.Worker `json:"workers"`
	Revision uint64          `json:"revision"`
}

// WorkerCapacity is the free/used accounting view of one worker.
type WorkerCapacity struct {
	WorkerID       string             `json:"worker_id"`
	Status         types.WorkerStatus `json:"status"`
	Capacity       types.Resources    `json:"capacity"`
	Allocated      types.Resources    `json:"allocated"`
	Available      types.Resources    `json:"available"`
	MaxNodes       int                `json:"max_nodes"`
	AllocatedNodes int                `json:"allocated_nodes"`
	Instances      int                `json:"instances"`
}

// WorkerPorts is the port accounting view of one worker.
type WorkerPorts struct {
	WorkerID    string                 `json:"worker_id"`
	Range       types.PortRange        `json:"range"`
	Free        int                    `json:"free"`
	Allocations []types.PortAllocation `json:"allocations"`
}

func (c *Client) ImportWorker(req ImportWorkerRequest) (*types.Worker, error) {
	var w types.Worker
	if err := c.do(http.MethodPost, "/v1/workers", req, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (c *Client) ListWorkers() (*WorkerList, error) {
	var list WorkerList
	if err := c.do(http.MethodGet, "/v1/workers", nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *Client) GetWorker(id string) (*types.Worker, error) {
	var w types.Worker
	if err := c.do(http.MethodGet, "/v1/workers/"+url.PathEscape(id), nil, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (c *Client) WorkerCapacity(id string) (*WorkerCapacity, error) {
	var view WorkerCapacity
	if err := c.do(http.MethodGet, "/v1/workers/"+url.PathEscape(id)+"/capacity", nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *Client) WorkerPorts(id string) (*WorkerPorts, error) {
	var view WorkerPorts
	if err := c.do(http.MethodGet, "/v1/workers/"+url.PathEscape(id)+"/ports", nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// TemplateList is the worker template collection envelope.
type TemplateList struct {
	Templates []*types.WorkerTemplate `json:"templates"`
}

func (c *Client) ListTemplates() (*TemplateList, error) {
	var list TemplateList
	if err := c.do(http.MethodGet, "/v1/templates", nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *Client) GetTemplate(name string) (*types.WorkerTemplate, error) {
	var tmpl types.WorkerTemplate
	if err := c.do(http.MethodGet, "/v1/templates/"+url.PathEscape(name), nil, &tmpl); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// DrainWorker begins scale-down. Internal surface: the client needs a
// scheduler or controller credential.
func (c *Client) DrainWorker(id, reason string) (*types.Worker, error) {
	var body interface{}
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	var w types.Worker
	if err := c.do(http.MethodPost, "/internal/v1/workers/"+url.PathEscape(id)+"/drain", body, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// ScaleUp records demand for one more worker of a template. False means
// an equivalent demand was already outstanding.
func (c *Client) ScaleUp(template, reason, instanceID string) (bool, error) {
	req := map[string]string{"template": template}
	if reason != "" {
		req["reason"] = reason
	}
	if instanceID != "" {
		req["instance_id"] = instanceID
	}
	var resp struct {
		Raised bool `json:"raised"`
	}
	if err := c.do(http.MethodPost, "/internal/v1/scale-up", req, &resp); err != nil {
		return false, err
	}
	return resp.Raised, nil
}

// ---------------------------------------------------------------------------
// Cluster

// ClusterStatus reports raft role and membership.
type ClusterStatus struct {
	Leader     bool                   `json:"leader"`
	LeaderAddr string                 `json:"leader_addr"`
	Servers    []ClusterServer        `json:"servers"`
	Raft       map[string]interface{} `json:"raft"`
}

// ClusterServer is one raft configuration entry.
type ClusterServer struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	Suffrage string `json:"suffrage"`
}

// Token is a minted bearer credential.
type Token struct {
	Secret    string    `json:"secret"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c *Client) ClusterStatus() (*ClusterStatus, error) {
	var status ClusterStatus
	if err := c.do(http.MethodGet, "/v1/cluster", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// JoinCluster asks the leader to add this node as a raft voter.
func (c *Client) JoinCluster(nodeID, raftAddr string) error {
	req := map[string]string{"node_id": nodeID, "raft_addr": raftAddr}
	return c.do(http.MethodPost, "/internal/v1/cluster/join", req, nil)
}

// IssueToken mints a bearer credential. A blank ttl never expires.
func (c *Client) IssueToken(role, ttl string) (*Token, error) {
	req := map[string]string{"role": role}
	if ttl != "" {
		req["ttl"] = ttl
	}
	var token Token
	if err := c.do(http.MethodPost, "/internal/v1/tokens", req, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// ---------------------------------------------------------------------------
// Events

// StreamOptions narrows the event stream.
type StreamOptions struct {
	// Types keeps only the listed event types. System events always pass.
	Types []string
	// AggregateID keeps only one entity's events.
	AggregateID string
}

// StreamEvents subscribes to the control plane's push channel. The
// returned channel closes when ctx ends, the connection drops, or the
// server shuts down. The per-request timeout does not apply.
func (c *Client) StreamEvents(ctx context.Context, opts StreamOptions) (<-chan *events.Event, error) {
	q := url.Values{}
	if len(opts.Types) > 0 {
		q.Set("types", strings.Join(opts.Types, ","))
	}
	if opts.AggregateID != "" {
		q.Set("aggregate_id", opts.AggregateID)
	}
	path := c.base + "/v1/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	ch := make(chan *events.Event, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var e events.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
				continue
			}
			select {
			case ch <- &e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
