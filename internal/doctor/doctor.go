package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/workqueue/internal/config"
	"github.com/basket/workqueue/internal/handoff"
	"github.com/basket/workqueue/internal/persistence"
	"github.com/basket/workqueue/internal/validation"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkArtifacts,
		checkHandoffRules,
		checkValidators,
		checkKnowledgeRoots,
		checkBroker,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "Configuration missing (run serve once to write the starter)"}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration invalid", Detail: err.Error()}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  cfg.Fingerprint(),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.Store.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	statuses, err := store.ListEnumValues(ctx, persistence.EnumGroupTaskStatus)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	if len(statuses) == 0 {
		return CheckResult{Name: "Database", Status: StatusFail, Message: "task_status enum is empty"}
	}
	queues, err := store.ListQueues(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("path=%s statuses=%d queues=%d", cfg.Store.DBPath, len(statuses), len(queues)),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	if err := writable(cfg.HomeDir); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkArtifacts(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Artifacts", Status: StatusSkip, Message: "Config missing"}
	}
	dir := cfg.Store.ArtifactDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return CheckResult{Name: "Artifacts", Status: StatusFail, Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
	}
	if err := writable(dir); err != nil {
		return CheckResult{Name: "Artifacts", Status: StatusFail, Message: fmt.Sprintf("Artifact dir unwritable: %v", err)}
	}
	return CheckResult{Name: "Artifacts", Status: StatusPass, Message: fmt.Sprintf("Uploads stored under %s", dir)}
}

func checkHandoffRules(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Handoff Rules", Status: StatusSkip, Message: "Config missing"}
	}
	path := cfg.HandoffPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return CheckResult{Name: "Handoff Rules", Status: StatusWarn, Message: "No rules file; submissions will never hand off", Detail: path}
	}
	rules, err := handoff.LoadFile(path)
	if err != nil {
		return CheckResult{Name: "Handoff Rules", Status: StatusFail, Message: "Rules file rejected", Detail: err.Error()}
	}
	var unknown []string
	for _, r := range rules {
		for _, seg := range []string{r.CurrentSegment, r.NextSegment} {
			if !cfg.SegmentAllowed(seg) {
				unknown = append(unknown, seg)
			}
		}
	}
	if len(unknown) > 0 {
		return CheckResult{
			Name:    "Handoff Rules",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d rules loaded, some name segments outside the allow list", len(rules)),
			Detail:  strings.Join(unknown, ", "),
		}
	}
	return CheckResult{Name: "Handoff Rules", Status: StatusPass, Message: fmt.Sprintf("%d rules loaded", len(rules)), Detail: path}
}

func checkValidators(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Validators", Status: StatusSkip, Message: "Config missing"}
	}
	reg, err := validation.FromConfig(*cfg)
	if err != nil {
		return CheckResult{Name: "Validators", Status: StatusFail, Message: "Validator setup failed", Detail: err.Error()}
	}
	names := reg.Names()
	return CheckResult{
		Name:    "Validators",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d validators registered", len(names)),
		Detail:  strings.Join(names, ", "),
	}
}

func checkKnowledgeRoots(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Knowledge Roots", Status: StatusSkip, Message: "Config missing"}
	}
	roots := cfg.KnowledgeRootPaths()
	if len(roots) == 0 {
		return CheckResult{Name: "Knowledge Roots", Status: StatusWarn, Message: "No knowledge roots; only URL references will resolve"}
	}
	var missing []string
	for _, r := range roots {
		if fi, err := os.Stat(r); err != nil || !fi.IsDir() {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:    "Knowledge Roots",
			Status:  StatusFail,
			Message: fmt.Sprintf("%d of %d roots missing", len(missing), len(roots)),
			Detail:  strings.Join(missing, ", "),
		}
	}
	return CheckResult{Name: "Knowledge Roots", Status: StatusPass, Message: fmt.Sprintf("%d roots present", len(roots))}
}

func checkBroker(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.NATS.Enabled() {
		return CheckResult{Name: "Event Broker", Status: StatusSkip, Message: "NATS not configured"}
	}
	host, err := brokerAddr(cfg.NATS.URL)
	if err != nil {
		return CheckResult{Name: "Event Broker", Status: StatusFail, Message: fmt.Sprintf("Bad NATS url: %v", err)}
	}
	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Event Broker",
			Status:  StatusFail,
			Message: fmt.Sprintf("Cannot reach %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	conn.Close()
	return CheckResult{
		Name:    "Event Broker",
		Status:  StatusPass,
		Message: fmt.Sprintf("Reached %s (%dms)", host, latency.Milliseconds()),
		Detail:  "subject_prefix=" + cfg.NATS.SubjectPrefix,
	}
}

// brokerAddr takes the first server of a comma separated NATS url list and
// returns host:port, defaulting the port to 4222.
func brokerAddr(raw string) (string, error) {
	first := strings.TrimSpace(strings.Split(raw, ",")[0])
	if !strings.Contains(first, "://") {
		first = "nats://" + first
	}
	u, err := url.Parse(first)
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("no host in %q", raw)
	}
	port := u.Port()
	if port == "" {
		port = "4222"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

func writable(dir string) error {
	testFile := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return err
	}
	return os.Remove(testFile)
}
