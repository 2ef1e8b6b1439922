package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// MAINTAINER NOTE: If you add/change/remove config fields that affect run
	// behavior, keep these in sync:
	// - CLI flags in internal/cli/run.go
	// - the plan printer in internal/engine/plan.go
	Workflow  Workflow  `yaml:"workflow"`
	Service   Service   `yaml:"service"`
	Toolchain Toolchain `yaml:"toolchain"`
	Cache     Cache     `yaml:"cache"`
	Test      Test      `yaml:"test"`
	Artifact  Artifact  `yaml:"artifact"`
	Store     Store     `yaml:"store"`
	Output    Output    `yaml:"output"`
	Runtime   Runtime   `yaml:"runtime"`
}

type Workflow struct {
	// Name is the workflow identity used in the concurrency group key.
	Name string `yaml:"name"`

	// PrimaryBranch is the trusted branch. Only pushes to it may write caches.
	PrimaryBranch string `yaml:"primary_branch"`
}

type Service struct {
	// Image is the homeserver image reference started as the sidecar.
	Image string `yaml:"image"`

	// Hostname is the logical hostname (network alias and container name suffix).
	Hostname string `yaml:"hostname"`

	// Host is the address the test runner dials to reach the published port.
	Host string `yaml:"host"`

	// Port is both the container port and the published host port.
	Port int `yaml:"port"`

	// Network, when set, is a user-defined docker network the sidecar joins
	// under the alias Hostname.
	Network string `yaml:"network"`

	// Database selects the homeserver database backend (sqlite or postgres).
	Database string `yaml:"database"`

	// ServerName is the homeserver's identity (Matrix server name).
	ServerName string `yaml:"server_name"`

	// ReadyPath is polled over HTTP until it answers 200.
	ReadyPath string `yaml:"ready_path"`

	// ReadyTimeout bounds the readiness wait. Must be > 0.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`

	// DockerBin overrides the container CLI binary (default: docker).
	DockerBin string `yaml:"docker_bin"`
}

type Toolchain struct {
	// Install is a list of commands run in order to install the language toolchain.
	Install [][]string `yaml:"install"`

	// Packages are native library packages installed with apt-get.
	Packages []string `yaml:"packages"`

	// CoverageTool is the command that installs the coverage instrumentation tool.
	// Empty means the toolchain ships its own instrumentation.
	CoverageTool []string `yaml:"coverage_tool"`

	// RemoveOverrides lists checked-in files that would suppress diagnostics or
	// change what gets measured. They are deleted before the test run.
	RemoveOverrides []string `yaml:"remove_overrides"`

	// Env is added to every step's environment. ${WORKDIR} expands to the
	// absolute work dir.
	Env map[string]string `yaml:"env"`
}

type Cache struct {
	// Disabled turns off both restore and save.
	Disabled bool `yaml:"disabled"`

	// Prefix namespaces cache keys.
	Prefix string `yaml:"prefix"`

	// KeyFiles are glob patterns (relative to the work dir) whose contents
	// fingerprint the project state.
	KeyFiles []string `yaml:"key_files"`

	// Paths are the directories archived into a cache entry.
	Paths []string `yaml:"paths"`
}

type Test struct {
	// Command runs the suite under coverage instrumentation.
	Command []string `yaml:"command"`

	// LogEnv names the logging verbosity variable; LogLevel is its value.
	LogEnv   string `yaml:"log_env"`
	LogLevel string `yaml:"log_level"`

	// URLEnv and DomainEnv name the connection variables handed to the suite.
	URLEnv    string `yaml:"url_env"`
	DomainEnv string `yaml:"domain_env"`

	// BaseURL and Domain pin the connection values. When empty they are taken
	// from the provisioned service. When set they must agree with Service.
	BaseURL string `yaml:"base_url"`
	Domain  string `yaml:"domain"`

	// Report is the coverage report path (relative to the work dir).
	Report string `yaml:"report"`
}

type Artifact struct {
	// Name is the stable artifact name the publication side looks up.
	Name string `yaml:"name"`

	// PRFile and SHAFile are the metadata file names inside the bundle.
	PRFile  string `yaml:"pr_file"`
	SHAFile string `yaml:"sha_file"`
}

type Store struct {
	// Backend selects where cache entries and artifacts live: local or s3.
	Backend string `yaml:"backend"`

	// Dir is the root for the local backend and for epoch state.
	Dir string `yaml:"dir"`

	S3 S3 `yaml:"s3"`
}

type S3 struct {
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`
	UseSSL   bool   `yaml:"use_ssl"`

	// CacheBucket and ArtifactBucket hold the two kinds of objects.
	CacheBucket    string `yaml:"cache_bucket"`
	ArtifactBucket string `yaml:"artifact_bucket"`

	// AccessKeyEnv and SecretKeyEnv name the variables that hold credentials.
	// The values themselves never appear in config files.
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
}

type Output struct {
	// ConsoleFormat controls the console sink format (see --console-format).
	// Allowed values: text, ndjson.
	ConsoleFormat string `yaml:"console_format"`

	// Out writes structured output to this path (see --out).
	Out string `yaml:"out"`

	// OutFormat selects the format for --out (see --out-format).
	// Allowed values: json, ndjson. If empty, it is inferred from the --out file extension.
	OutFormat string `yaml:"out_format"`

	// Emit writes an additional structured event stream to stdout (see --emit).
	Emit []string `yaml:"emit"`

	// Summary writes a Markdown run summary to this path (see --summary).
	Summary string `yaml:"summary"`

	// NoConsole suppresses the console sink.
	NoConsole bool `yaml:"no_console"`
}

type Runtime struct {
	// WorkDir is the project checkout the steps run in.
	WorkDir string `yaml:"work_dir"`

	// Timeout bounds the whole run. 0 means no timeout.
	Timeout time.Duration `yaml:"timeout"`

	// PollInterval is how often a run checks whether it has been superseded.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Credentials are environment variable names that must never reach an
	// untrusted run's steps.
	Credentials []string `yaml:"credentials"`

	// Verbose enables debug logging.
	Verbose bool `yaml:"verbose"`
}

// DefaultCredentials are the publication credentials scrubbed from every step.
var DefaultCredentials = []string{
	"CODECOV_TOKEN",
	"GITHUB_TOKEN",
	"GH_TOKEN",
	"ACTIONS_RUNTIME_TOKEN",
	"ACTIONS_ID_TOKEN_REQUEST_TOKEN",
}

func New() *Config {
	return &Config{
		Workflow: Workflow{
			Name:          "coverage",
			PrimaryBranch: "main",
		},
		Service: Service{
			Image:        "ghcr.io/matrix-org/synapse-service:v1.117.0",
			Hostname:     "synapse",
			Host:         "localhost",
			Port:         8008,
			Database:     "sqlite",
			ServerName:   "synapse",
			ReadyPath:    "/_matrix/client/versions",
			ReadyTimeout: 2 * time.Minute,
			DockerBin:    "docker",
		},
		Toolchain: Toolchain{
			Install: [][]string{
				{"go", "version"},
				{"go", "mod", "download"},
			},
			RemoveOverrides: []string{"go.work", "go.work.sum"},
			Env: map[string]string{
				"GOCACHE":    "${WORKDIR}/.cache/go-build",
				"GOMODCACHE": "${WORKDIR}/.cache/go-mod",
			},
		},
		Cache: Cache{
			Prefix:   "covpipe",
			KeyFiles: []string{"go.sum"},
			Paths:    []string{".cache/go-build", ".cache/go-mod"},
		},
		Test: Test{
			Command:   []string{"go", "test", "-covermode=atomic", "-coverprofile=coverage.out", "./..."},
			LogEnv:    "LOG_LEVEL",
			LogLevel:  "trace",
			URLEnv:    "HOMESERVER_URL",
			DomainEnv: "HOMESERVER_DOMAIN",
			Report:    "coverage.out",
		},
		Artifact: Artifact{
			Name:    "codecov_report",
			PRFile:  "pr_number.txt",
			SHAFile: "sha.txt",
		},
		Store: Store{
			Backend: "local",
			Dir:     ".covpipe",
			S3: S3{
				Region:         "us-east-1",
				CacheBucket:    "covpipe-cache",
				ArtifactBucket: "covpipe-artifacts",
				AccessKeyEnv:   "COVPIPE_S3_ACCESS_KEY",
				SecretKeyEnv:   "COVPIPE_S3_SECRET_KEY",
			},
		},
		Output: Output{
			ConsoleFormat: "text",
		},
		Runtime: Runtime{
			WorkDir:      ".",
			PollInterval: 500 * time.Millisecond,
			Credentials:  append([]string(nil), DefaultCredentials...),
		},
	}
}

// Load overlays the YAML file at path onto the defaults. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func Load(path string) (*Config, error) {
	cfg := New()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	c.Output.Emit = splitCommaList(c.Output.Emit)
	c.Runtime.Credentials = splitCommaList(c.Runtime.Credentials)

	// Workflow
	c.Workflow.Name = strings.TrimSpace(c.Workflow.Name)
	if c.Workflow.Name == "" {
		return errors.New("--workflow must not be empty")
	}
	c.Workflow.PrimaryBranch = strings.TrimPrefix(strings.TrimSpace(c.Workflow.PrimaryBranch), "refs/heads/")
	if c.Workflow.PrimaryBranch == "" {
		return errors.New("--primary-branch must not be empty")
	}

	// Service
	if strings.TrimSpace(c.Service.Image) == "" {
		return errors.New("service image must not be empty")
	}
	if strings.TrimSpace(c.Service.Hostname) == "" {
		return errors.New("service hostname must not be empty")
	}
	if strings.TrimSpace(c.Service.Host) == "" {
		c.Service.Host = "localhost"
	}
	c.Service.Network = strings.TrimSpace(c.Service.Network)
	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		return fmt.Errorf("service port must be in 1..65535, got %d", c.Service.Port)
	}
	c.Service.Database = normalizeEnumValue(c.Service.Database)
	if c.Service.Database != "sqlite" && c.Service.Database != "postgres" {
		return fmt.Errorf("unsupported service database: %s (must be one of: sqlite, postgres)", c.Service.Database)
	}
	if strings.TrimSpace(c.Service.ServerName) == "" {
		return errors.New("service server_name must not be empty")
	}
	if !strings.HasPrefix(c.Service.ReadyPath, "/") {
		return fmt.Errorf("service ready_path must start with '/': %q", c.Service.ReadyPath)
	}
	if c.Service.ReadyTimeout <= 0 {
		return errors.New("service ready_timeout must be > 0")
	}
	if strings.TrimSpace(c.Service.DockerBin) == "" {
		c.Service.DockerBin = "docker"
	}

	// Toolchain
	for i, argv := range c.Toolchain.Install {
		if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
			return fmt.Errorf("toolchain install command %d is empty", i)
		}
	}
	for name := range c.Toolchain.Env {
		if !isEnvName(name) {
			return fmt.Errorf("toolchain env has an invalid variable name: %q", name)
		}
	}
	for _, p := range c.Toolchain.RemoveOverrides {
		if err := checkRelative("toolchain remove_overrides", p); err != nil {
			return err
		}
	}

	// Cache
	if !c.Cache.Disabled {
		if strings.TrimSpace(c.Cache.Prefix) == "" {
			return errors.New("cache prefix must not be empty")
		}
		if len(c.Cache.KeyFiles) == 0 {
			return errors.New("cache key_files must not be empty (set cache.disabled to turn caching off)")
		}
		if len(c.Cache.Paths) == 0 {
			return errors.New("cache paths must not be empty (set cache.disabled to turn caching off)")
		}
		for _, p := range c.Cache.Paths {
			if err := checkRelative("cache paths", p); err != nil {
				return err
			}
		}
	}

	// Test
	if len(c.Test.Command) == 0 || strings.TrimSpace(c.Test.Command[0]) == "" {
		return errors.New("test command must not be empty")
	}
	for name, v := range map[string]string{"log_env": c.Test.LogEnv, "url_env": c.Test.URLEnv, "domain_env": c.Test.DomainEnv} {
		if !isEnvName(v) {
			return fmt.Errorf("test %s is not a valid environment variable name: %q", name, v)
		}
	}
	if strings.TrimSpace(c.Test.LogLevel) == "" {
		return errors.New("test log_level must not be empty")
	}
	if err := checkRelative("test report", c.Test.Report); err != nil {
		return err
	}
	if err := c.checkConnectionPins(); err != nil {
		return err
	}

	// Artifact
	if strings.TrimSpace(c.Artifact.Name) == "" {
		return errors.New("artifact name must not be empty")
	}
	names := map[string]struct{}{}
	for _, n := range []string{filepath.Base(c.Test.Report), c.Artifact.PRFile, c.Artifact.SHAFile} {
		if n == "" || strings.ContainsAny(n, `/\`) {
			return fmt.Errorf("artifact file name must be a plain file name: %q", n)
		}
		if _, dup := names[n]; dup {
			return fmt.Errorf("artifact file names must be distinct: %q appears twice", n)
		}
		names[n] = struct{}{}
	}

	// Store
	c.Store.Backend = normalizeEnumValue(c.Store.Backend)
	if c.Store.Backend == "" {
		c.Store.Backend = "local"
	}
	if c.Store.Backend != "local" && c.Store.Backend != "s3" {
		return fmt.Errorf("unsupported store backend: %s (must be one of: local, s3)", c.Store.Backend)
	}
	if strings.TrimSpace(c.Store.Dir) == "" {
		return errors.New("--state-dir must not be empty")
	}
	if c.Store.Backend == "s3" {
		if strings.TrimSpace(c.Store.S3.Endpoint) == "" {
			return errors.New("store s3 endpoint is required when backend is s3")
		}
		if c.Store.S3.CacheBucket == "" || c.Store.S3.ArtifactBucket == "" {
			return errors.New("store s3 cache_bucket and artifact_bucket are required when backend is s3")
		}
	}

	// Output validation
	c.Output.ConsoleFormat = normalizeEnumValue(c.Output.ConsoleFormat)
	if c.Output.ConsoleFormat != "text" && c.Output.ConsoleFormat != "ndjson" {
		return fmt.Errorf("unsupported --console-format: %s (must be one of: text, ndjson)", c.Output.ConsoleFormat)
	}
	for i, emit := range c.Output.Emit {
		v := normalizeEnumValue(emit)
		if v != "json" && v != "ndjson" {
			return fmt.Errorf("unsupported --emit value: %s (must be one of: json, ndjson)", v)
		}
		c.Output.Emit[i] = v
	}
	if c.Output.Out != "" {
		c.Output.OutFormat = normalizeEnumValue(c.Output.OutFormat)
		if c.Output.OutFormat == "" {
			ext := strings.ToLower(filepath.Ext(c.Output.Out))
			switch ext {
			case ".json":
				c.Output.OutFormat = "json"
			case ".ndjson", ".jsonl":
				c.Output.OutFormat = "ndjson"
			default:
				if ext == "" {
					return errors.New("cannot infer output format from file extension (missing extension); use --out-format")
				}
				return fmt.Errorf("cannot infer output format from file extension %q; use --out-format", ext)
			}
		} else if c.Output.OutFormat != "json" && c.Output.OutFormat != "ndjson" {
			return fmt.Errorf("unsupported output format: %s", c.Output.OutFormat)
		}
	}

	// Runtime validation
	if strings.TrimSpace(c.Runtime.WorkDir) == "" {
		c.Runtime.WorkDir = "."
	}
	if c.Runtime.Timeout < 0 {
		return errors.New("--timeout must be >= 0")
	}
	if c.Runtime.PollInterval <= 0 {
		return errors.New("runtime poll_interval must be > 0")
	}
	for _, name := range c.Runtime.Credentials {
		if !isEnvName(name) {
			return fmt.Errorf("invalid credential variable name: %q", name)
		}
	}

	return nil
}

// GuardedVariables lists every variable kept out of step environments: the
// publication credentials plus the store credentials, which grant write
// access to the cache and artifact buckets.
func (c *Config) GuardedVariables() []string {
	names := append([]string(nil), c.Runtime.Credentials...)
	for _, name := range []string{c.Store.S3.AccessKeyEnv, c.Store.S3.SecretKeyEnv} {
		if name = strings.TrimSpace(name); name != "" && !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	return names
}

// StepEnv returns Toolchain.Env with ${WORKDIR} expanded to absWorkDir.
func (c *Config) StepEnv(absWorkDir string) map[string]string {
	out := make(map[string]string, len(c.Toolchain.Env))
	for k, v := range c.Toolchain.Env {
		out[k] = os.Expand(v, func(name string) string {
			if name == "WORKDIR" {
				return absWorkDir
			}
			return ""
		})
	}
	return out
}

// ServiceBaseURL is the URL the provisioner publishes for the sidecar.
func (c *Config) ServiceBaseURL() string {
	return "http://" + net.JoinHostPort(c.Service.Host, strconv.Itoa(c.Service.Port))
}

// checkConnectionPins rejects pinned connection values that disagree with the
// service configuration. A mismatch fails every test instead of one.
func (c *Config) checkConnectionPins() error {
	if c.Test.BaseURL != "" {
		u, err := url.Parse(c.Test.BaseURL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid test base_url: %q", c.Test.BaseURL)
		}
		if u.Port() != strconv.Itoa(c.Service.Port) {
			return fmt.Errorf("test base_url port %q does not match service port %d", u.Port(), c.Service.Port)
		}
		if u.Hostname() != c.Service.Host && u.Hostname() != c.Service.Hostname {
			return fmt.Errorf("test base_url host %q matches neither service host %q nor hostname %q", u.Hostname(), c.Service.Host, c.Service.Hostname)
		}
	}
	if c.Test.Domain != "" && c.Test.Domain != c.Service.ServerName {
		return fmt.Errorf("test domain %q does not match service server_name %q", c.Test.Domain, c.Service.ServerName)
	}
	return nil
}

func checkRelative(field, p string) error {
	p = strings.TrimSpace(p)
	if p == "" {
		return fmt.Errorf("%s entry must not be empty", field)
	}
	if filepath.IsAbs(p) {
		return fmt.Errorf("%s entry must be relative to the work dir: %q", field, p)
	}
	clean := filepath.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%s entry escapes the work dir: %q", field, p)
	}
	return nil
}

func isEnvName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func normalizeEnumValue(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func splitCommaList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			p := strings.TrimSpace(part)
			if p == "" {
				continue
			}
			out = append(out, p)
		}
	}
	return out
}
