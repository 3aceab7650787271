package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/basket/workqueue/internal/otel"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// HandoffFileName is the default rules file inside the home directory.
const HandoffFileName = "handoff.yaml"

type ServerConfig struct {
	BindAddr string `yaml:"bind_addr"`
	// ClaimRatePerSecond and ClaimBurst size the per-agent token bucket on
	// POST /api/claims. A zero rate disables limiting.
	ClaimRatePerSecond  float64 `yaml:"claim_rate_per_second"`
	ClaimBurst          int     `yaml:"claim_burst"`
	DrainTimeoutSeconds int     `yaml:"drain_timeout_seconds"`
	MaxUploadMB         int     `yaml:"max_upload_mb"`
	// AllowOrigins lists browser origins accepted on /ws.
	AllowOrigins []string `yaml:"allow_origins"`
}

type StoreConfig struct {
	DBPath      string `yaml:"db_path"`
	ArtifactDir string `yaml:"artifact_dir"`
}

type LeaseConfig struct {
	DefaultTTLSeconds int    `yaml:"default_ttl_seconds"`
	ReclaimSchedule   string `yaml:"reclaim_schedule"`
	ReclaimStatus     string `yaml:"reclaim_status"`
	ReclaimBatch      int    `yaml:"reclaim_batch"`
}

type ClaimConfig struct {
	RetryAttempts   int `yaml:"retry_attempts"`
	RetryBaseMillis int `yaml:"retry_base_millis"`
}

type SegmentsConfig struct {
	// Allowed lists the segments tasks may live in. Empty allows any.
	Allowed []string `yaml:"allowed"`
	// CreationSegment, when set, is the only segment ingestion may create in.
	CreationSegment string `yaml:"creation_segment"`
}

// PreferenceConfig mirrors an agent preference record in YAML form.
type PreferenceConfig struct {
	PrimarySegments      []string `yaml:"primary_segments"`
	FallbackSegments     []string `yaml:"fallback_segments"`
	PickupStatuses       []string `yaml:"pickup_statuses"`
	ActiveStatuses       []string `yaml:"active_statuses"`
	AcceptStatus         string   `yaml:"accept_status"`
	ReturnStatus         string   `yaml:"return_status"`
	MaxInProgressMinutes int      `yaml:"max_in_progress_minutes"`
	MaxActiveTasks       int      `yaml:"max_active_tasks"`
}

type DefaultsConfig struct {
	Preference PreferenceConfig `yaml:"preference"`
}

// AgentSeed is an agent provisioned on startup.
type AgentSeed struct {
	ID          string            `yaml:"id"`
	Role        string            `yaml:"role"`
	DisplayName string            `yaml:"display_name"`
	Contact     string            `yaml:"contact"`
	Preference  *PreferenceConfig `yaml:"preference,omitempty"`
}

// SegmentValidation configures the per-segment submission validators.
type SegmentValidation struct {
	RequiredFields []string `yaml:"required_fields"`
	// Schema is a JSON Schema file, relative to the home directory.
	Schema string `yaml:"schema"`
}

type ValidationConfig struct {
	Segments map[string]SegmentValidation `yaml:"segments"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Enabled reports whether a broker URL is configured.
func (n NATSConfig) Enabled() bool {
	return strings.TrimSpace(n.URL) != ""
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Server         ServerConfig     `yaml:"server"`
	Store          StoreConfig      `yaml:"store"`
	Lease          LeaseConfig      `yaml:"lease"`
	Claim          ClaimConfig      `yaml:"claim"`
	Segments       SegmentsConfig   `yaml:"segments"`
	KnowledgeRoots []string         `yaml:"knowledge_roots"`
	Defaults       DefaultsConfig   `yaml:"defaults"`
	Agents         []AgentSeed      `yaml:"agents"`
	Validation     ValidationConfig `yaml:"validation"`
	HandoffFile    string           `yaml:"handoff_file"`
	Telemetry      otel.Config      `yaml:"telemetry"`
	NATS           NATSConfig       `yaml:"nats"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HandoffPath resolves the handoff rules file against the home directory.
func (c Config) HandoffPath() string {
	return c.resolve(c.HandoffFile)
}

// SchemaPath resolves a validation schema path against the home directory.
func (c Config) SchemaPath(p string) string {
	return c.resolve(p)
}

// KnowledgeRootPaths returns the knowledge roots as absolute paths.
func (c Config) KnowledgeRootPaths() []string {
	out := make([]string, 0, len(c.KnowledgeRoots))
	for _, r := range c.KnowledgeRoots {
		out = append(out, c.resolve(r))
	}
	return out
}

func (c Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.HomeDir, p)
}

// Fingerprint returns a stable hash of the settings that affect request handling.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|db=%s|log=%s|ttl=%d|reclaim=%s/%s|claim=%d/%d|segments=%v/%s|roots=%v|handoff=%s|nats=%s",
		c.Server.BindAddr, c.Store.DBPath, c.LogLevel,
		c.Lease.DefaultTTLSeconds, c.Lease.ReclaimSchedule, c.Lease.ReclaimStatus,
		c.Claim.RetryAttempts, c.Claim.RetryBaseMillis,
		c.Segments.Allowed, c.Segments.CreationSegment, c.KnowledgeRoots, c.HandoffFile, c.NATS.URL)
	p := c.Defaults.Preference
	fmt.Fprintf(h, "|pref=%v/%v/%v/%v/%s/%s/%d/%d", p.PrimarySegments, p.FallbackSegments,
		p.PickupStatuses, p.ActiveStatuses, p.AcceptStatus, p.ReturnStatus, p.MaxInProgressMinutes, p.MaxActiveTasks)
	segs := make([]string, 0, len(c.Validation.Segments))
	for s := range c.Validation.Segments {
		segs = append(segs, s)
	}
	sort.Strings(segs)
	for _, s := range segs {
		v := c.Validation.Segments[s]
		fmt.Fprintf(h, "|val=%s:%v:%s", s, v.RequiredFields, v.Schema)
	}
	for _, a := range c.Agents {
		fmt.Fprintf(h, "|agent=%s:%s", a.ID, a.Role)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// SegmentAllowed reports whether seg may hold tasks.
func (c Config) SegmentAllowed(seg string) bool {
	if len(c.Segments.Allowed) == 0 {
		return strings.TrimSpace(seg) != ""
	}
	for _, s := range c.Segments.Allowed {
		if s == seg {
			return true
		}
	}
	return false
}

func DefaultPreference() PreferenceConfig {
	return PreferenceConfig{
		PickupStatuses:       []string{"queued", "ready", "returned"},
		ActiveStatuses:       []string{"in_progress"},
		AcceptStatus:         "in_progress",
		ReturnStatus:         "returned",
		MaxInProgressMinutes: 60,
	}
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			BindAddr:            "127.0.0.1:18790",
			ClaimRatePerSecond:  2,
			ClaimBurst:          5,
			DrainTimeoutSeconds: 5,
			MaxUploadMB:         32,
		},
		Store: StoreConfig{
			ArtifactDir: "artifacts",
		},
		Lease: LeaseConfig{
			DefaultTTLSeconds: 3600,
			ReclaimSchedule:   "@every 30s",
			ReclaimStatus:     "returned",
			ReclaimBatch:      100,
		},
		Claim: ClaimConfig{
			RetryAttempts:   3,
			RetryBaseMillis: 25,
		},
		Defaults:    DefaultsConfig{Preference: DefaultPreference()},
		HandoffFile: HandoffFileName,
	}
}

func HomeDir() string {
	if override := os.Getenv("WORKQUEUE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".workqueue")
}

// Load reads config from HomeDir().
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml over the defaults, applies env
// overrides, fills gaps and validates the result.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create workqueue home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "127.0.0.1:18790"
	}
	if cfg.Server.DrainTimeoutSeconds <= 0 {
		cfg.Server.DrainTimeoutSeconds = 5
	}
	if cfg.Server.MaxUploadMB <= 0 {
		cfg.Server.MaxUploadMB = 32
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Store.DBPath == "" {
		cfg.Store.DBPath = filepath.Join(cfg.HomeDir, "workqueue.db")
	} else {
		cfg.Store.DBPath = cfg.resolve(cfg.Store.DBPath)
	}
	if cfg.Store.ArtifactDir == "" {
		cfg.Store.ArtifactDir = "artifacts"
	}
	cfg.Store.ArtifactDir = cfg.resolve(cfg.Store.ArtifactDir)
	if cfg.Lease.DefaultTTLSeconds <= 0 {
		cfg.Lease.DefaultTTLSeconds = 3600
	}
	if strings.TrimSpace(cfg.Lease.ReclaimSchedule) == "" {
		cfg.Lease.ReclaimSchedule = "@every 30s"
	}
	if cfg.Lease.ReclaimStatus == "" {
		cfg.Lease.ReclaimStatus = "returned"
	}
	if cfg.Lease.ReclaimBatch <= 0 {
		cfg.Lease.ReclaimBatch = 100
	}
	if cfg.Claim.RetryAttempts <= 0 {
		cfg.Claim.RetryAttempts = 3
	}
	if cfg.Claim.RetryBaseMillis <= 0 {
		cfg.Claim.RetryBaseMillis = 25
	}
	if cfg.HandoffFile == "" {
		cfg.HandoffFile = HandoffFileName
	}
	if cfg.NATS.Enabled() && cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "workqueue"
	}

	def := DefaultPreference()
	p := &cfg.Defaults.Preference
	if len(p.PickupStatuses) == 0 {
		p.PickupStatuses = def.PickupStatuses
	}
	if len(p.ActiveStatuses) == 0 {
		p.ActiveStatuses = def.ActiveStatuses
	}
	if p.AcceptStatus == "" {
		p.AcceptStatus = def.AcceptStatus
	}
	if p.ReturnStatus == "" {
		p.ReturnStatus = def.ReturnStatus
	}
	if p.MaxInProgressMinutes == 0 {
		p.MaxInProgressMinutes = def.MaxInProgressMinutes
	}
	for i := range cfg.Agents {
		if cfg.Agents[i].DisplayName == "" {
			cfg.Agents[i].DisplayName = cfg.Agents[i].ID
		}
	}
}

// Validate rejects settings the services cannot run with.
func (c Config) Validate() error {
	var errs []error
	if _, err := cron.ParseStandard(c.Lease.ReclaimSchedule); err != nil {
		errs = append(errs, fmt.Errorf("lease.reclaim_schedule %q: %w", c.Lease.ReclaimSchedule, err))
	}
	if c.Server.ClaimRatePerSecond < 0 {
		errs = append(errs, fmt.Errorf("server.claim_rate_per_second must be >= 0"))
	}
	if c.Server.ClaimRatePerSecond > 0 && c.Server.ClaimBurst <= 0 {
		errs = append(errs, fmt.Errorf("server.claim_burst must be > 0 when rate limiting is on"))
	}
	if cs := c.Segments.CreationSegment; cs != "" && !c.SegmentAllowed(cs) {
		errs = append(errs, fmt.Errorf("segments.creation_segment %q is not an allowed segment", cs))
	}
	if err := validatePreference("defaults.preference", c.Defaults.Preference); err != nil {
		errs = append(errs, err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if strings.TrimSpace(a.ID) == "" {
			errs = append(errs, fmt.Errorf("agents[%d]: id is required", i))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID))
		}
		seen[a.ID] = true
		if strings.TrimSpace(a.Role) == "" {
			errs = append(errs, fmt.Errorf("agents[%d]: role is required", i))
		}
		if a.Preference != nil {
			if err := validatePreference(fmt.Sprintf("agents[%d].preference", i), *a.Preference); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for seg, v := range c.Validation.Segments {
		if v.Schema != "" {
			if _, err := os.Stat(c.SchemaPath(v.Schema)); err != nil {
				errs = append(errs, fmt.Errorf("validation.segments.%s.schema: %w", seg, err))
			}
		}
	}
	return errors.Join(errs...)
}

func validatePreference(field string, p PreferenceConfig) error {
	if p.MaxInProgressMinutes != 0 && (p.MaxInProgressMinutes < 1 || p.MaxInProgressMinutes > 1440) {
		return fmt.Errorf("%s.max_in_progress_minutes must be within 1..1440", field)
	}
	if p.MaxActiveTasks < 0 {
		return fmt.Errorf("%s.max_active_tasks must be >= 0", field)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("WORKQUEUE_BIND_ADDR"); raw != "" {
		cfg.Server.BindAddr = raw
	}
	if raw := os.Getenv("WORKQUEUE_DB_PATH"); raw != "" {
		cfg.Store.DBPath = raw
	}
	if raw := os.Getenv("WORKQUEUE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("WORKQUEUE_NATS_URL"); raw != "" {
		cfg.NATS.URL = raw
	}
	if raw := os.Getenv("WORKQUEUE_RECLAIM_SCHEDULE"); raw != "" {
		cfg.Lease.ReclaimSchedule = raw
	}
	if raw := os.Getenv("WORKQUEUE_LEASE_TTL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Lease.DefaultTTLSeconds = v
		}
	}
}
