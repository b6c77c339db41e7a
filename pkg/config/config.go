package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/billetlabs/billet/pkg/types"
)

// Config is the full process configuration, loaded from a single YAML
// document. Validation failures refuse process start.
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	API        APIConfig        `yaml:"api"`
	Storage    StorageConfig    `yaml:"storage"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Controller ControllerConfig `yaml:"controller"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Cloud      CloudConfig      `yaml:"cloud"`
	Log        LogConfig        `yaml:"log"`
	Retention  RetentionConfig  `yaml:"retention"`

	// Templates are seeded into the document store at start. Scale-up can
	// only create workers from templates named here.
	Templates []TemplateConfig `yaml:"templates"`

	// DefinitionsDir, when set, is scanned at start for definition manifests
	// to register (new versions only).
	DefinitionsDir string `yaml:"definitions_dir"`
}

// NodeConfig identifies this control plane replica.
type NodeConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	ListenAddr        string `yaml:"listen_addr"`
	MetricsListenAddr string `yaml:"metrics_listen_addr"`
	// InternalToken is the static bearer credential accepted on the
	// internal endpoints. Empty disables remote internal calls.
	InternalToken string `yaml:"internal_token"`
}

// StorageConfig locates the on-disk stores.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// ClusterConfig configures the replicated coordination store. With an empty
// BindAddr the store runs standalone without raft.
type ClusterConfig struct {
	BindAddr  string   `yaml:"bind_addr"`
	Bootstrap bool     `yaml:"bootstrap"`
	JoinAddrs []string `yaml:"join_addrs"`
}

// SchedulerConfig tunes placement.
type SchedulerConfig struct {
	// LeaseTTL is the leader-lease duration.
	LeaseTTL Duration `yaml:"lease_ttl"`
	// Tick is the periodic scheduling cadence.
	Tick Duration `yaml:"tick"`
	// LeadTime is how far before its timeslot an instance is instantiated.
	LeadTime Duration `yaml:"lead_time"`
}

// ControllerConfig tunes the reconciliation controller.
type ControllerConfig struct {
	// Tick is the reconciliation cadence.
	Tick Duration `yaml:"tick"`
	// TotalLeadTime is how far before a timeslot scale-up triggers.
	TotalLeadTime Duration `yaml:"total_lead_time"`
	// ScaleDownGrace is how long a worker must sit idle before draining.
	ScaleDownGrace Duration `yaml:"scale_down_grace"`
	// DrainTimeoutDefault is the drain deadline for templates without one.
	DrainTimeoutDefault Duration `yaml:"drain_timeout_default"`
}

// TelemetryConfig tunes worker observation.
type TelemetryConfig struct {
	// PollInterval is the per-worker metrics refresh cadence.
	PollInterval Duration `yaml:"poll_interval"`
}

// CloudConfig selects and configures the compute provider.
type CloudConfig struct {
	// Provider is "aws" or "fake".
	Provider string `yaml:"provider"`
	Region   string `yaml:"region"`
	// SubnetID and SecurityGroupID parameterize instance creation.
	SubnetID        string `yaml:"subnet_id"`
	SecurityGroupID string `yaml:"security_group_id"`
	// TagPrefix namespaces the cloud tags this control plane owns.
	TagPrefix string `yaml:"tag_prefix"`
	// LabAPIPort is where each worker's lab daemon listens.
	LabAPIPort int `yaml:"lab_api_port"`
	// LabAPIToken authenticates control plane calls to the lab daemon.
	LabAPIToken string `yaml:"lab_api_token"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// RetentionConfig bounds historical data kept in the document store.
type RetentionConfig struct {
	// ArchivedAfter is how long a stopped instance waits before archival.
	ArchivedAfter Duration `yaml:"archived_after"`
	// PurgeAfter is how long archived instances are kept before deletion.
	PurgeAfter Duration `yaml:"purge_after"`
	// Events is how long persisted events are kept.
	Events Duration `yaml:"events"`
}

// TemplateConfig is the YAML shape of a worker template.
type TemplateConfig struct {
	Name         string            `yaml:"name"`
	InstanceType string            `yaml:"instance_type"`
	Capacity     types.Resources   `yaml:"capacity"`
	MaxNodes     int               `yaml:"max_nodes"`
	LicenseKind  types.LicenseKind `yaml:"license_kind"`
	ImageID      string            `yaml:"image_id"`
	Region       string            `yaml:"region"`
	PortRange    types.PortRange   `yaml:"port_range"`
	DrainTimeout Duration          `yaml:"drain_timeout"`
}

// Template converts the YAML shape into the stored record, applying the
// controller-level drain fallback when the template omits one.
func (t TemplateConfig) Template(drainDefault time.Duration) types.WorkerTemplate {
	drain := t.DrainTimeout.Std()
	if drain == 0 {
		drain = drainDefault
	}
	return types.WorkerTemplate{
		Name:         t.Name,
		InstanceType: t.InstanceType,
		Capacity:     t.Capacity,
		MaxNodes:     t.MaxNodes,
		LicenseKind:  t.LicenseKind,
		ImageID:      t.ImageID,
		Region:       t.Region,
		PortRange:    t.PortRange,
		DrainTimeout: drain,
	}
}

// DefinitionManifest is the YAML shape of a definition registration file.
// One file registers one definition version.
type DefinitionManifest struct {
	Name             string                       `yaml:"name"`
	Version          string                       `yaml:"version"`
	Artifact         types.ArtifactRef            `yaml:"artifact"`
	Requirements     types.DefinitionRequirements `yaml:"requirements"`
	LicenseAffinity  []types.LicenseKind          `yaml:"license_affinity"`
	NodeCount        int                          `yaml:"node_count"`
	PortTemplate     []types.PortSpec             `yaml:"port_template"`
	GradingRulesetID string                       `yaml:"grading_ruleset_id"`
	MaxSessionTime   Duration                     `yaml:"max_session_time"`
	WarmPoolDepth    int                          `yaml:"warm_pool_depth"`
	Owner            string                       `yaml:"owner"`
}

// Definition converts the manifest into the domain record.
func (m DefinitionManifest) Definition() types.Definition {
	return types.Definition{
		Name:             m.Name,
		Version:          m.Version,
		Artifact:         m.Artifact,
		Requirements:     m.Requirements,
		LicenseAffinity:  m.LicenseAffinity,
		NodeCount:        m.NodeCount,
		PortTemplate:     m.PortTemplate,
		GradingRulesetID: m.GradingRulesetID,
		MaxSessionTime:   m.MaxSessionTime.Std(),
		WarmPoolDepth:    m.WarmPoolDepth,
		Owner:            m.Owner,
	}
}

// LoadDefinitionManifests parses every .yaml/.yml manifest under dir.
// Relative artifact URIs resolve against the manifest's directory.
func LoadDefinitionManifests(dir string) ([]types.Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir: %w", err)
	}
	var out []types.Definition
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read manifest: %w", err)
		}
		var m DefinitionManifest
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("parse manifest %s: %w", path, err)
		}
		def := m.Definition()
		if uri := def.Artifact.URI; uri != "" && !strings.Contains(uri, "://") && !filepath.IsAbs(uri) {
			def.Artifact.URI = filepath.Join(dir, uri)
		}
		out = append(out, def)
	}
	return out, nil
}

// Default returns the built-in configuration. Load applies the file on top.
func Default() *Config {
	return &Config{
		Node: NodeConfig{},
		API: APIConfig{
			ListenAddr:        ":8080",
			MetricsListenAddr: ":9090",
		},
		Storage: StorageConfig{
			DataDir: "/var/lib/billet",
		},
		Scheduler: SchedulerConfig{
			LeaseTTL: Duration(15 * time.Second),
			Tick:     Duration(30 * time.Second),
			LeadTime: Duration(15 * time.Minute),
		},
		Controller: ControllerConfig{
			Tick:                Duration(30 * time.Second),
			TotalLeadTime:       Duration(35 * time.Minute),
			ScaleDownGrace:      Duration(30 * time.Minute),
			DrainTimeoutDefault: Duration(4 * time.Hour),
		},
		Telemetry: TelemetryConfig{
			PollInterval: Duration(300 * time.Second),
		},
		Cloud: CloudConfig{
			Provider:   "aws",
			TagPrefix:  "billet",
			LabAPIPort: 8443,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
		Retention: RetentionConfig{
			ArchivedAfter: Duration(1 * time.Hour),
			PurgeAfter:    Duration(30 * 24 * time.Hour),
			Events:        Duration(7 * 24 * time.Hour),
		},
	}
}

// Load reads the YAML document at path on top of the defaults and validates
// the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural consistency. Any error here refuses start.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return &types.ValidationError{Field: "node.id", Reason: "must be set"}
	}
	if c.Storage.DataDir == "" {
		return &types.ValidationError{Field: "storage.data_dir", Reason: "must be set"}
	}
	if c.Scheduler.LeaseTTL.Std() <= 0 {
		return &types.ValidationError{Field: "scheduler.lease_ttl", Reason: "must be positive"}
	}
	if c.Scheduler.Tick.Std() <= 0 {
		return &types.ValidationError{Field: "scheduler.tick", Reason: "must be positive"}
	}
	if c.Controller.Tick.Std() <= 0 {
		return &types.ValidationError{Field: "controller.tick", Reason: "must be positive"}
	}
	if c.Controller.TotalLeadTime.Std() < c.Scheduler.LeadTime.Std() {
		return &types.ValidationError{
			Field:  "controller.total_lead_time",
			Reason: "must not be shorter than scheduler.lead_time",
		}
	}
	switch c.Cloud.Provider {
	case "aws", "fake":
	default:
		return &types.ValidationError{Field: "cloud.provider", Reason: fmt.Sprintf("unknown provider %q", c.Cloud.Provider)}
	}
	if c.Cloud.Provider == "aws" && c.Cloud.Region == "" {
		return &types.ValidationError{Field: "cloud.region", Reason: "must be set for the aws provider"}
	}

	seen := make(map[string]bool, len(c.Templates))
	for i, t := range c.Templates {
		if t.Name == "" {
			return &types.ValidationError{Field: fmt.Sprintf("templates[%d].name", i), Reason: "must be set"}
		}
		if seen[t.Name] {
			return &types.ValidationError{Field: fmt.Sprintf("templates[%d].name", i), Reason: fmt.Sprintf("duplicate template %q", t.Name)}
		}
		seen[t.Name] = true
		if t.InstanceType == "" {
			return &types.ValidationError{Field: fmt.Sprintf("templates[%d].instance_type", i), Reason: "must be set"}
		}
		if t.Capacity.IsZero() {
			return &types.ValidationError{Field: fmt.Sprintf("templates[%d].capacity", i), Reason: "must declare capacity"}
		}
		if t.PortRange.Size() <= 0 {
			return &types.ValidationError{Field: fmt.Sprintf("templates[%d].port_range", i), Reason: "lo..hi must be a non-empty range"}
		}
		if t.PortRange.Lo < 1024 || t.PortRange.Hi > 65535 {
			return &types.ValidationError{Field: fmt.Sprintf("templates[%d].port_range", i), Reason: "must lie within 1024..65535"}
		}
	}
	return nil
}

// WorkerTemplates materializes the configured templates as store records.
func (c *Config) WorkerTemplates() []types.WorkerTemplate {
	out := make([]types.WorkerTemplate, 0, len(c.Templates))
	for _, t := range c.Templates {
		out = append(out, t.Template(c.Controller.DrainTimeoutDefault.Std()))
	}
	return out
}
