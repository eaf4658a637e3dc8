// Package config loads the server configuration from a YAML file and a .env
// file. Command line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	HTTP           string    `yaml:"http"`
	LogLevel       string    `yaml:"log_level"`
	AdminToken     string    `yaml:"admin_token"`
	AdminTokenHash string    `yaml:"admin_token_hash"`
	CORSOrigins    []string  `yaml:"cors_origins"`
	MaxBodyBytes   int64     `yaml:"max_body_bytes"`
	RateLimit      RateLimit `yaml:"rate_limit"`
	Store          Store     `yaml:"store"`
	GitHub         GitHub    `yaml:"github"`
	Git            Git       `yaml:"git"`
	Postgres       Postgres  `yaml:"postgres"`
	Committer      Committer `yaml:"committer"`
}

// RateLimit bounds unauthenticated writes per client IP.
type RateLimit struct {
	PublicWritesPerMin int `yaml:"public_writes_per_min"`
}

// Store selects and tunes the document store.
type Store struct {
	Backend string        `yaml:"backend"`
	DataDir string        `yaml:"data_dir"`
	Timeout time.Duration `yaml:"timeout"`
	Retry   Retry         `yaml:"retry"`
}

// Retry bounds the conflict retry loop.
type Retry struct {
	MaxAttempts     uint          `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// GitHub configures the remote repository store. Either Token or the App
// triple must be set.
type GitHub struct {
	APIURL         string `yaml:"api_url"`
	Owner          string `yaml:"owner"`
	Repo           string `yaml:"repo"`
	Branch         string `yaml:"branch"`
	Token          string `yaml:"token"`
	AppID          int64  `yaml:"app_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// UsesApp reports whether GitHub App authentication is configured.
func (g *GitHub) UsesApp() bool {
	return g.AppID != 0 || g.InstallationID != 0 || g.PrivateKeyPath != ""
}

// Git configures the local repository store.
type Git struct {
	Dir         string `yaml:"dir"`
	Remote      string `yaml:"remote"`
	RemoteToken string `yaml:"remote_token"`
}

// Postgres configures the relational store.
type Postgres struct {
	URL string `yaml:"url"`
}

// Committer is the identity recorded on each version.
type Committer struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

// Backends.
const (
	BackendGitHub   = "github"
	BackendGit      = "git"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		HTTP:         "localhost:8080",
		LogLevel:     "info",
		MaxBodyBytes: 64 << 10,
		RateLimit:    RateLimit{PublicWritesPerMin: 30},
		Store: Store{
			Backend: BackendGitHub,
			DataDir: "data",
			Timeout: 15 * time.Second,
			Retry: Retry{
				MaxAttempts:     5,
				InitialInterval: 100 * time.Millisecond,
				MaxInterval:     2 * time.Second,
			},
		},
		GitHub:    GitHub{APIURL: "https://api.github.com", Branch: "main"},
		Git:       Git{Dir: "./repo"},
		Committer: Committer{Name: "marketbff", Email: "marketbff@localhost"},
	}
}

// Load returns Default() overlaid with the YAML file at path, then with the
// .env file at envPath. Either file may be missing.
func Load(path, envPath string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path) //nolint:gosec // G304: path comes from a flag
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		}
	}
	if envPath != "" {
		env, err := godotenv.Read(envPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read %s: %w", envPath, err)
		}
		if err := cfg.ApplyEnv(env); err != nil {
			return nil, fmt.Errorf("%s: %w", envPath, err)
		}
	}
	return cfg, nil
}

// ApplyEnv overrides settings with the non-empty values of env.
func (c *Config) ApplyEnv(env map[string]string) error {
	str := map[string]*string{
		"HTTP":                    &c.HTTP,
		"LOG_LEVEL":               &c.LogLevel,
		"ADMIN_TOKEN":             &c.AdminToken,
		"ADMIN_TOKEN_HASH":        &c.AdminTokenHash,
		"STORE_BACKEND":           &c.Store.Backend,
		"DATA_DIR":                &c.Store.DataDir,
		"GITHUB_API_URL":          &c.GitHub.APIURL,
		"GITHUB_OWNER":            &c.GitHub.Owner,
		"GITHUB_REPO":             &c.GitHub.Repo,
		"GITHUB_BRANCH":           &c.GitHub.Branch,
		"GITHUB_TOKEN":            &c.GitHub.Token,
		"GITHUB_PRIVATE_KEY_PATH": &c.GitHub.PrivateKeyPath,
		"GIT_REPO_DIR":            &c.Git.Dir,
		"GIT_REMOTE":              &c.Git.Remote,
		"GIT_REMOTE_TOKEN":        &c.Git.RemoteToken,
		"DATABASE_URL":            &c.Postgres.URL,
		"COMMITTER_NAME":          &c.Committer.Name,
		"COMMITTER_EMAIL":         &c.Committer.Email,
	}
	for k, p := range str {
		if v := env[k]; v != "" {
			*p = v
		}
	}
	ints := map[string]*int64{
		"GITHUB_APP_ID":          &c.GitHub.AppID,
		"GITHUB_INSTALLATION_ID": &c.GitHub.InstallationID,
		"MAX_BODY_BYTES":         &c.MaxBodyBytes,
	}
	for k, p := range ints {
		if v := env[k]; v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", k, err)
			}
			*p = n
		}
	}
	if v := env["RATE_LIMIT_PUBLIC_WRITES_PER_MIN"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RATE_LIMIT_PUBLIC_WRITES_PER_MIN: %w", err)
		}
		c.RateLimit.PublicWritesPerMin = n
	}
	if v := env["STORE_RETRY_MAX_ATTEMPTS"]; v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid STORE_RETRY_MAX_ATTEMPTS: %w", err)
		}
		c.Store.Retry.MaxAttempts = uint(n)
	}
	durations := map[string]*time.Duration{
		"STORE_TIMEOUT":                &c.Store.Timeout,
		"STORE_RETRY_INITIAL_INTERVAL": &c.Store.Retry.InitialInterval,
		"STORE_RETRY_MAX_INTERVAL":     &c.Store.Retry.MaxInterval,
	}
	for k, p := range durations {
		if v := env[k]; v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", k, err)
			}
			*p = d
		}
	}
	if v := env["CORS_ORIGINS"]; v != "" {
		c.CORSOrigins = SplitList(v)
	}
	return nil
}

// SplitList splits a comma separated list, dropping empty items.
func SplitList(s string) []string {
	var out []string
	for item := range strings.SplitSeq(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level: %q", c.LogLevel))
	}
	if c.AdminToken == "" && c.AdminTokenHash == "" {
		errs = append(errs, errors.New("admin_token or admin_token_hash is required"))
	}
	if c.AdminToken != "" && c.AdminTokenHash != "" {
		errs = append(errs, errors.New("admin_token and admin_token_hash are mutually exclusive"))
	}
	if c.AdminTokenHash != "" {
		if _, err := bcrypt.Cost([]byte(c.AdminTokenHash)); err != nil {
			errs = append(errs, fmt.Errorf("admin_token_hash is not a bcrypt hash: %w", err))
		}
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max_body_bytes must be positive"))
	}
	if c.RateLimit.PublicWritesPerMin < 0 {
		errs = append(errs, errors.New("rate_limit.public_writes_per_min must not be negative"))
	}
	if c.Store.Retry.MaxAttempts == 0 {
		errs = append(errs, errors.New("store.retry.max_attempts must be at least 1"))
	}
	if c.Store.DataDir == "" || strings.HasPrefix(c.Store.DataDir, "/") || strings.Contains(c.Store.DataDir, "..") {
		errs = append(errs, fmt.Errorf("store.data_dir must be a relative path: %q", c.Store.DataDir))
	}
	switch c.Store.Backend {
	case BackendGitHub:
		if c.GitHub.Owner == "" || c.GitHub.Repo == "" {
			errs = append(errs, errors.New("github.owner and github.repo are required"))
		}
		if c.GitHub.UsesApp() {
			if c.GitHub.Token != "" {
				errs = append(errs, errors.New("github.token and github app settings are mutually exclusive"))
			}
			if c.GitHub.AppID == 0 || c.GitHub.InstallationID == 0 || c.GitHub.PrivateKeyPath == "" {
				errs = append(errs, errors.New("github.app_id, github.installation_id and github.private_key_path must all be set"))
			}
		} else if c.GitHub.Token == "" {
			errs = append(errs, errors.New("github.token or github app settings are required"))
		}
	case BackendGit:
		if c.Git.Dir == "" {
			errs = append(errs, errors.New("git.dir is required"))
		}
		if c.Git.RemoteToken != "" && c.Git.Remote == "" {
			errs = append(errs, errors.New("git.remote_token requires git.remote"))
		}
	case BackendPostgres:
		if c.Postgres.URL == "" {
			errs = append(errs, errors.New("postgres.url is required"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend: %q", c.Store.Backend))
	}
	return errors.Join(errs...)
}
