package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/avast/retry-go"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/billetlabs/billet/pkg/config"
	"github.com/billetlabs/billet/pkg/health"
	"github.com/billetlabs/billet/pkg/log"
	"github.com/billetlabs/billet/pkg/metrics"
)

// Per-call deadlines. Lab imports carry large artifacts over the VPC and get
// the widest margin.
const (
	machineOpTimeout = 30 * time.Second
	statusTimeout    = 10 * time.Second
	metricsTimeout   = 15 * time.Second
	listTimeout      = 30 * time.Second
	labImportTimeout = 2 * time.Minute
	labOpTimeout     = 45 * time.Second
	labProbeTimeout  = 3 * time.Second
)

// EC2API is the slice of the EC2 client the provider uses. Narrow so tests
// can fake it.
type EC2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	StartInstances(ctx context.Context, params *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeInstanceStatus(ctx context.Context, params *ec2.DescribeInstanceStatusInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error)
}

// CloudWatchAPI is the metric-query slice of the CloudWatch client.
type CloudWatchAPI interface {
	GetMetricData(ctx context.Context, params *cloudwatch.GetMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricDataOutput, error)
}

// AWSProvider implements Provider on EC2 for machine lifecycle, CloudWatch
// for utilization metrics, and each worker's lab daemon for lab operations.
type AWSProvider struct {
	ec2    EC2API
	cw     CloudWatchAPI
	lab    *labClient
	cfg    config.CloudConfig
	logger zerolog.Logger
}

// NewAWSProvider loads the ambient AWS credential chain for the configured
// region and returns a ready provider.
func NewAWSProvider(ctx context.Context, cfg config.CloudConfig) (*AWSProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return newAWSProvider(cfg, ec2.NewFromConfig(awsCfg), cloudwatch.NewFromConfig(awsCfg)), nil
}

func newAWSProvider(cfg config.CloudConfig, ec2api EC2API, cw CloudWatchAPI) *AWSProvider {
	return &AWSProvider{
		ec2:    ec2api,
		cw:     cw,
		lab:    newLabClient(cfg.LabAPIPort, cfg.LabAPIToken),
		cfg:    cfg,
		logger: log.WithComponent("cloud"),
	}
}

func observeCall(operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.CloudAPICalls.WithLabelValues(operation, outcome).Inc()
}

// CreateInstance launches one machine from the spec, tagged so listings can
// recover fleet membership after a control plane restart.
func (p *AWSProvider) CreateInstance(ctx context.Context, spec CreateSpec) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, machineOpTimeout)
	defer cancel()

	tags := []ec2types.Tag{{Key: aws.String("Name"), Value: aws.String(spec.Name)}}
	for k, v := range spec.Tags {
		tags = append(tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(spec.ImageID),
		InstanceType: ec2types.InstanceType(spec.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags:         tags,
		}},
	}
	if p.cfg.SubnetID != "" {
		input.SubnetId = aws.String(p.cfg.SubnetID)
	}
	if p.cfg.SecurityGroupID != "" {
		input.SecurityGroupIds = []string{p.cfg.SecurityGroupID}
	}

	out, err := p.ec2.RunInstances(ctx, input)
	observeCall("RunInstances", err)
	if err != nil {
		return "", fmt.Errorf("failed to run instance: %w", err)
	}
	if len(out.Instances) == 0 {
		return "", fmt.Errorf("run instance %s: empty reservation", spec.Name)
	}
	id := aws.ToString(out.Instances[0].InstanceId)

	p.logger.Info().
		Str("cloud_instance_id", id).
		Str("instance_type", spec.InstanceType).
		Str("image_id", spec.ImageID).
		Msg("Launched instance")
	return id, nil
}

// StartInstance powers on a stopped machine.
func (p *AWSProvider) StartInstance(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, machineOpTimeout)
	defer cancel()

	_, err := p.ec2.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{id}})
	observeCall("StartInstances", err)
	if err != nil {
		return fmt.Errorf("failed to start instance %s: %w", id, err)
	}
	return nil
}

// StopInstance initiates machine shutdown.
func (p *AWSProvider) StopInstance(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, machineOpTimeout)
	defer cancel()

	_, err := p.ec2.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{id}})
	observeCall("StopInstances", err)
	if err != nil {
		return fmt.Errorf("failed to stop instance %s: %w", id, err)
	}
	return nil
}

// TerminateInstance destroys the machine.
func (p *AWSProvider) TerminateInstance(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, machineOpTimeout)
	defer cancel()

	_, err := p.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
	observeCall("TerminateInstances", err)
	if err != nil {
		return fmt.Errorf("failed to terminate instance %s: %w", id, err)
	}
	p.logger.Info().Str("cloud_instance_id", id).Msg("Terminated instance")
	return nil
}

// GetInstanceStatus reports lifecycle state, health checks, and address.
// A running machine passes checks only when EC2 status checks are green
// and the lab daemon answers its readiness endpoint.
func (p *AWSProvider) GetInstanceStatus(ctx context.Context, id string) (*MachineStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	inst, err := p.describeOne(ctx, id)
	if err != nil {
		return nil, err
	}

	status := &MachineStatus{
		State:   machineStateFromEC2(inst.State),
		Address: aws.ToString(inst.PrivateIpAddress),
	}
	if status.State != MachineRunning {
		return status, nil
	}

	checks, err := p.ec2.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{
		InstanceIds:         []string{id},
		IncludeAllInstances: aws.Bool(true),
	})
	observeCall("DescribeInstanceStatus", err)
	if err != nil {
		return nil, fmt.Errorf("failed to describe instance status %s: %w", id, err)
	}
	for _, s := range checks.InstanceStatuses {
		if aws.ToString(s.InstanceId) != id {
			continue
		}
		status.ChecksPassed = s.InstanceStatus != nil && s.SystemStatus != nil &&
			s.InstanceStatus.Status == ec2types.SummaryStatusOk &&
			s.SystemStatus.Status == ec2types.SummaryStatusOk
	}

	if status.ChecksPassed && status.Address != "" {
		if res := p.lab.ready(ctx, status.Address); !res.Healthy {
			status.ChecksPassed = false
			p.logger.Debug().
				Str("cloud_instance_id", id).
				Str("reason", res.Message).
				Msg("Lab daemon not ready")
		}
	}
	return status, nil
}

// GetInstanceMetrics queries CloudWatch for average utilization over the
// trailing window. Memory and storage come from the CWAgent namespace the
// worker image ships with.
func (p *AWSProvider) GetInstanceMetrics(ctx context.Context, id string, window time.Duration) (*Metrics, error) {
	ctx, cancel := context.WithTimeout(ctx, metricsTimeout)
	defer cancel()

	end := time.Now().UTC()
	start := end.Add(-window)

	query := func(qid, namespace, metric string) cwtypes.MetricDataQuery {
		return cwtypes.MetricDataQuery{
			Id: aws.String(qid),
			MetricStat: &cwtypes.MetricStat{
				Metric: &cwtypes.Metric{
					Namespace:  aws.String(namespace),
					MetricName: aws.String(metric),
					Dimensions: []cwtypes.Dimension{{
						Name:  aws.String("InstanceId"),
						Value: aws.String(id),
					}},
				},
				Period: aws.Int32(300),
				Stat:   aws.String("Average"),
			},
		}
	}

	out, err := p.cw.GetMetricData(ctx, &cloudwatch.GetMetricDataInput{
		StartTime: aws.Time(start),
		EndTime:   aws.Time(end),
		ScanBy:    cwtypes.ScanByTimestampDescending,
		MetricDataQueries: []cwtypes.MetricDataQuery{
			query("cpu", "AWS/EC2", "CPUUtilization"),
			query("mem", "CWAgent", "mem_used_percent"),
			query("disk", "CWAgent", "disk_used_percent"),
		},
	})
	observeCall("GetMetricData", err)
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics for %s: %w", id, err)
	}

	return &Metrics{
		CPUPercent:     latestValue(out.MetricDataResults, "cpu"),
		MemoryPercent:  latestValue(out.MetricDataResults, "mem"),
		StoragePercent: latestValue(out.MetricDataResults, "disk"),
		SampledAt:      end,
	}, nil
}

// ListInstances pages through every machine matching the filter.
func (p *AWSProvider) ListInstances(ctx context.Context, filter ListFilter) ([]Machine, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	input := &ec2.DescribeInstancesInput{}
	for k, v := range filter.Tags {
		input.Filters = append(input.Filters, ec2types.Filter{
			Name:   aws.String("tag:" + k),
			Values: []string{v},
		})
	}
	if len(filter.States) > 0 {
		input.Filters = append(input.Filters, ec2types.Filter{
			Name: aws.String("instance-state-name"),
			Values: lo.Map(filter.States, func(s MachineState, _ int) string {
				return string(s)
			}),
		})
	}

	var machines []Machine
	paginator := ec2.NewDescribeInstancesPaginator(p.ec2, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		observeCall("DescribeInstances", err)
		if err != nil {
			return nil, fmt.Errorf("failed to list instances: %w", err)
		}
		for _, res := range page.Reservations {
			machines = append(machines, lo.Map(res.Instances, func(i ec2types.Instance, _ int) Machine {
				return machineFromEC2(i)
			})...)
		}
	}
	return machines, nil
}

// ImportLab uploads the artifact to the machine's lab daemon. No retry: a
// duplicate import would define a second lab.
func (p *AWSProvider) ImportLab(ctx context.Context, instanceID string, artifact []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, labImportTimeout)
	defer cancel()

	addr, err := p.instanceAddress(ctx, instanceID)
	if err != nil {
		return "", err
	}
	return p.lab.importLab(ctx, addr, artifact)
}

// StartLab boots an imported lab. Idempotent on the daemon side, so
// transient failures retry in place.
func (p *AWSProvider) StartLab(ctx context.Context, instanceID, labID string) error {
	return p.labOp(ctx, instanceID, labID, "start")
}

// StopLab shuts the lab down.
func (p *AWSProvider) StopLab(ctx context.Context, instanceID, labID string) error {
	return p.labOp(ctx, instanceID, labID, "stop")
}

// WipeLab discards the lab's state. The daemon rejects wipes of started
// labs; the caller stops first.
func (p *AWSProvider) WipeLab(ctx context.Context, instanceID, labID string) error {
	return p.labOp(ctx, instanceID, labID, "wipe")
}

// ListLabs reports the labs the machine's daemon holds.
func (p *AWSProvider) ListLabs(ctx context.Context, instanceID string) ([]Lab, error) {
	ctx, cancel := context.WithTimeout(ctx, labOpTimeout)
	defer cancel()

	addr, err := p.instanceAddress(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return p.lab.listLabs(ctx, addr)
}

func (p *AWSProvider) labOp(ctx context.Context, instanceID, labID, op string) error {
	ctx, cancel := context.WithTimeout(ctx, labOpTimeout)
	defer cancel()

	addr, err := p.instanceAddress(ctx, instanceID)
	if err != nil {
		return err
	}
	return retry.Do(
		func() error { return p.lab.labOp(ctx, addr, labID, op) },
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(1*time.Second),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsTransient),
	)
}

func (p *AWSProvider) describeOne(ctx context.Context, id string) (*ec2types.Instance, error) {
	out, err := p.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	observeCall("DescribeInstances", err)
	if err != nil {
		return nil, fmt.Errorf("failed to describe instance %s: %w", id, err)
	}
	for _, res := range out.Reservations {
		for i := range res.Instances {
			if aws.ToString(res.Instances[i].InstanceId) == id {
				return &res.Instances[i], nil
			}
		}
	}
	return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
}

func (p *AWSProvider) instanceAddress(ctx context.Context, id string) (string, error) {
	inst, err := p.describeOne(ctx, id)
	if err != nil {
		return "", err
	}
	addr := aws.ToString(inst.PrivateIpAddress)
	if addr == "" {
		return "", fmt.Errorf("instance %s has no private address yet", id)
	}
	return addr, nil
}

func machineStateFromEC2(state *ec2types.InstanceState) MachineState {
	if state == nil {
		return MachineUnknown
	}
	switch state.Name {
	case ec2types.InstanceStateNamePending:
		return MachinePending
	case ec2types.InstanceStateNameRunning:
		return MachineRunning
	case ec2types.InstanceStateNameStopping, ec2types.InstanceStateNameShuttingDown:
		return MachineStopping
	case ec2types.InstanceStateNameStopped:
		return MachineStopped
	case ec2types.InstanceStateNameTerminated:
		return MachineTerminated
	}
	return MachineUnknown
}

func machineFromEC2(inst ec2types.Instance) Machine {
	tags := make(map[string]string, len(inst.Tags))
	for _, t := range inst.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return Machine{
		ID:           aws.ToString(inst.InstanceId),
		State:        machineStateFromEC2(inst.State),
		Address:      aws.ToString(inst.PrivateIpAddress),
		InstanceType: string(inst.InstanceType),
		ImageID:      aws.ToString(inst.ImageId),
		LaunchedAt:   aws.ToTime(inst.LaunchTime),
		Tags:         tags,
	}
}

func latestValue(results []cwtypes.MetricDataResult, id string) float64 {
	for _, r := range results {
		if aws.ToString(r.Id) == id && len(r.Values) > 0 {
			return r.Values[0]
		}
	}
	return 0
}

// labClient talks to the lab daemon each worker image runs. The daemon
// exposes import, start, stop, wipe, list, and a readiness endpoint on a
// bearer-authenticated API inside the VPC.
type labClient struct {
	hc    *http.Client
	port  int
	token string
}

func newLabClient(port int, token string) *labClient {
	if port == 0 {
		port = 8443
	}
	return &labClient{
		hc:    &http.Client{Timeout: labImportTimeout},
		port:  port,
		token: token,
	}
}

func (c *labClient) base(addr string) string {
	return fmt.Sprintf("http://%s:%d", addr, c.port)
}

// ready probes the daemon's readiness endpoint. EC2 reports a machine
// healthy well before the daemon on it finishes booting, so promotion
// waits for this answer too.
func (c *labClient) ready(ctx context.Context, addr string) health.Result {
	chk := health.NewHTTPChecker(c.base(addr) + "/v0/healthz").WithTimeout(labProbeTimeout)
	if c.token != "" {
		chk = chk.WithBearer(c.token)
	}
	res := chk.Check(ctx)

	outcome := "success"
	if !res.Healthy {
		outcome = "error"
	}
	metrics.CloudAPICalls.WithLabelValues("Labready", outcome).Inc()
	return res
}

func (c *labClient) importLab(ctx context.Context, addr string, artifact []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base(addr)+"/v0/labs", bytes.NewReader(artifact))
	if err != nil {
		return "", fmt.Errorf("failed to build import request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-yaml")

	body, err := c.roundTrip(req, "import")
	if err != nil {
		return "", err
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode import response: %w", err)
	}
	if resp.ID == "" {
		return "", &labError{op: "import", status: 200, body: "response missing lab id"}
	}
	return resp.ID, nil
}

func (c *labClient) labOp(ctx context.Context, addr, labID, op string) error {
	url := fmt.Sprintf("%s/v0/labs/%s/%s", c.base(addr), labID, op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	_, err = c.roundTrip(req, op)
	return err
}

func (c *labClient) listLabs(ctx context.Context, addr string) ([]Lab, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base(addr)+"/v0/labs", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build list request: %w", err)
	}
	body, err := c.roundTrip(req, "list")
	if err != nil {
		return nil, err
	}
	var labs []Lab
	if err := json.Unmarshal(body, &labs); err != nil {
		return nil, fmt.Errorf("failed to decode lab list: %w", err)
	}
	return labs, nil
}

func (c *labClient) roundTrip(req *http.Request, op string) ([]byte, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.hc.Do(req)
	observeCall("Lab"+op, err)
	if err != nil {
		return nil, fmt.Errorf("lab daemon %s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("lab daemon %s: read response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &labError{op: op, status: resp.StatusCode, body: trimBody(body)}
	}
	return body, nil
}

func trimBody(body []byte) string {
	const limit = 256
	s := string(bytes.TrimSpace(body))
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
