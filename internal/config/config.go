package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StateBackend selects where tag state is persisted
type StateBackend string

const (
	// BackendTOML keeps the state in a TOML file
	BackendTOML StateBackend = "toml"
	// BackendSQLite keeps the state in a SQLite database
	BackendSQLite StateBackend = "sqlite"
)

// DefaultBranch is used when an entry omits a branch name
const DefaultBranch = "main"

// DefaultPollInterval is the delay between two polling passes
const DefaultPollInterval = time.Hour

// Config represents the complete tagsyncd configuration
type Config struct {
	GitHub  GitHubConfig `yaml:"github"`
	Paths   PathsConfig  `yaml:"paths"`
	State   StateConfig  `yaml:"state"`
	Poll    PollConfig   `yaml:"poll"`
	Entries []Entry      `yaml:"entries"`
	Serve   ServeConfig  `yaml:"serve"`
}

// GitHubConfig configures access to the GitHub API
type GitHubConfig struct {
	TokenFile string `yaml:"token_file"`
	APIURL    string `yaml:"api_url"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir string `yaml:"state_dir"`
}

// StateConfig configures state persistence
type StateConfig struct {
	Backend StateBackend `yaml:"backend"`
}

// PollConfig configures the polling loop
type PollConfig struct {
	Interval Duration `yaml:"interval"`
}

// Entry describes one upstream repository whose tags are replicated to a fork
type Entry struct {
	UpstreamOwner     string `yaml:"upstream_owner"`
	UpstreamRepo      string `yaml:"upstream_repo"`
	UpstreamBranch    string `yaml:"upstream_branch"`
	ForkOwner         string `yaml:"fork_owner"`
	ForkRepo          string `yaml:"fork_repo"`
	ForkBranch        string `yaml:"fork_branch"`
	IgnorePrereleases bool   `yaml:"ignore_prereleases"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
}

// Duration is a time.Duration that unmarshals from Go duration strings
type Duration time.Duration

// UnmarshalYAML parses values such as "90s" or "1h"
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in path-like string fields
func (c *Config) expandEnv() {
	c.GitHub.TokenFile = os.ExpandEnv(c.GitHub.TokenFile)
	c.GitHub.APIURL = os.ExpandEnv(c.GitHub.APIURL)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.State.Backend == "" {
		c.State.Backend = BackendTOML
	}
	if c.Poll.Interval == 0 {
		c.Poll.Interval = Duration(DefaultPollInterval)
	}
	for i := range c.Entries {
		if c.Entries[i].UpstreamBranch == "" {
			c.Entries[i].UpstreamBranch = DefaultBranch
		}
		if c.Entries[i].ForkBranch == "" {
			c.Entries[i].ForkBranch = DefaultBranch
		}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}

	switch c.State.Backend {
	case BackendTOML, BackendSQLite:
		// valid
	default:
		return fmt.Errorf("invalid state.backend: %s (must be toml or sqlite)", c.State.Backend)
	}

	if c.Poll.Interval < 0 {
		return fmt.Errorf("poll.interval must not be negative")
	}

	if c.GitHub.APIURL != "" && !strings.HasPrefix(c.GitHub.APIURL, "https://") && !strings.HasPrefix(c.GitHub.APIURL, "http://") {
		return fmt.Errorf("github.api_url must be an http(s) URL: %s", c.GitHub.APIURL)
	}

	if len(c.Entries) == 0 {
		return fmt.Errorf("at least one entry is required")
	}
	// Tag state is keyed by upstream repository, so each upstream may only
	// feed one fork.
	upstreams := make(map[string]int, len(c.Entries))
	for i, e := range c.Entries {
		if err := e.validate(); err != nil {
			return fmt.Errorf("entries[%d].%w", i, err)
		}
		key := strings.ToLower(e.Upstream())
		if first, ok := upstreams[key]; ok {
			return fmt.Errorf("entries[%d] duplicates upstream %s of entries[%d]", i, e.Upstream(), first)
		}
		upstreams[key] = i
	}

	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.GitHubWebhookSecretFile == "" {
			return fmt.Errorf("serve.github_webhook_secret_file is required when serve is enabled")
		}
	}

	return nil
}

func (e Entry) validate() error {
	required := []struct {
		key   string
		value string
	}{
		{"upstream_owner", e.UpstreamOwner},
		{"upstream_repo", e.UpstreamRepo},
		{"upstream_branch", e.UpstreamBranch},
		{"fork_owner", e.ForkOwner},
		{"fork_repo", e.ForkRepo},
		{"fork_branch", e.ForkBranch},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.key)
		}
	}
	return nil
}

// Upstream returns "owner/repo" of the upstream repository
func (e Entry) Upstream() string {
	return e.UpstreamOwner + "/" + e.UpstreamRepo
}

// Fork returns "owner/repo" of the fork
func (e Entry) Fork() string {
	return e.ForkOwner + "/" + e.ForkRepo
}

// Token returns the GitHub token from github.token_file, falling back to the
// GITHUB_TOKEN environment variable.
func (c *Config) Token() (string, error) {
	if c.GitHub.TokenFile != "" {
		token, err := os.ReadFile(c.GitHub.TokenFile)
		if err != nil {
			return "", fmt.Errorf("failed to read GitHub token file: %w", err)
		}
		return strings.TrimSpace(string(token)), nil
	}
	return strings.TrimSpace(os.Getenv("GITHUB_TOKEN")), nil
}

// PollInterval returns the configured delay between passes
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.Interval)
}

// StateFilePath returns the path to the TOML state file
func (c *Config) StateFilePath() string {
	return filepath.Join(c.Paths.StateDir, "state.toml")
}

// StateDBPath returns the path to the SQLite state database
func (c *Config) StateDBPath() string {
	return filepath.Join(c.Paths.StateDir, "state.db")
}

// UpstreamEntry returns the first entry whose upstream repository matches
// fullName ("owner/repo", case-insensitive).
func (c *Config) UpstreamEntry(fullName string) (Entry, bool) {
	for _, e := range c.Entries {
		if strings.EqualFold(e.Upstream(), fullName) {
			return e, true
		}
	}
	return Entry{}, false
}
