package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"

	"github.com/schaermu/modsync/internal/git"
	"github.com/schaermu/modsync/internal/identity"
)

// Kind discriminates package sources
type Kind string

const (
	KindGit       Kind = "git"
	KindContentDB Kind = "contentdb"
)

// DefaultRemote is the remote name packages are fetched from unless a
// declaration or sync.remote names another one.
const DefaultRemote = "origin"

// Category names, in processing order
const (
	CategoryMods         = "mods"
	CategoryClientMods   = "client_mods"
	CategoryGames        = "games"
	CategoryTexturePacks = "texture_packs"
)

// CategoryNames lists every category in the order they are reconciled.
var CategoryNames = []string{CategoryMods, CategoryClientMods, CategoryGames, CategoryTexturePacks}

var (
	ErrDuplicatePackage = errors.New("duplicate package")
	ErrUnknownCategory  = errors.New("unknown category")
	ErrPackageNotFound  = errors.New("package not found")
)

const (
	defaultJobs       = 1
	defaultTimeout    = "10m"
	defaultLinkRole   = "link"
	defaultListenAddr = "127.0.0.1:8787"
	lastRunFile       = "last-run.json"
)

// Config represents the complete modsync configuration
type Config struct {
	Collection string      `yaml:"collection,omitempty" toml:"collection,omitempty" json:"collection,omitempty"`
	Content    Content     `yaml:"content" toml:"content" json:"content"`
	Links      []Link      `yaml:"links,omitempty" toml:"links,omitempty" json:"links,omitempty"`
	Sync       SyncConfig  `yaml:"sync,omitempty" toml:"sync,omitempty" json:"sync,omitempty"`
	Auth       AuthConfig  `yaml:"auth,omitempty" toml:"auth,omitempty" json:"auth,omitempty"`
	Paths      PathsConfig `yaml:"paths,omitempty" toml:"paths,omitempty" json:"paths,omitempty"`
	Serve      ServeConfig `yaml:"serve,omitempty" toml:"serve,omitempty" json:"serve,omitempty"`
}

// Content holds the package declarations of every category
type Content struct {
	Mods         []Package `yaml:"mods,omitempty" toml:"mods,omitempty" json:"mods,omitempty"`
	ClientMods   []Package `yaml:"client_mods,omitempty" toml:"client_mods,omitempty" json:"client_mods,omitempty"`
	Games        []Package `yaml:"games,omitempty" toml:"games,omitempty" json:"games,omitempty"`
	TexturePacks []Package `yaml:"texture_packs,omitempty" toml:"texture_packs,omitempty" json:"texture_packs,omitempty"`
}

// Package declares one package of a category
type Package struct {
	Type       Kind   `yaml:"type" toml:"type" json:"type"`
	URL        string `yaml:"url" toml:"url" json:"url"`
	FolderName string `yaml:"folder_name,omitempty" toml:"folder_name,omitempty" json:"folder_name,omitempty"`
	Branch     string `yaml:"remote_branch,omitempty" toml:"remote_branch,omitempty" json:"remote_branch,omitempty"`
	Remote     string `yaml:"remote,omitempty" toml:"remote,omitempty" json:"remote,omitempty"`
}

// Folder returns the folder name the package is kept in: the explicit
// folder_name, or the name derived from its URL.
func (p Package) Folder() (string, error) {
	if p.FolderName != "" {
		return p.FolderName, nil
	}
	return identity.FolderName(p.URL)
}

// Category is a named, ordered group of declarations
type Category struct {
	Name     string
	Packages []Package
}

// Link declares a pair of directories whose subdirectories are mirrored by symlink
type Link struct {
	Source       string `yaml:"source" toml:"source" json:"source"`
	Target       string `yaml:"target" toml:"target" json:"target"`
	Role         string `yaml:"role,omitempty" toml:"role,omitempty" json:"role,omitempty"`
	IgnoreHidden bool   `yaml:"ignore_hidden,omitempty" toml:"ignore_hidden,omitempty" json:"ignore_hidden,omitempty"`
}

// SyncConfig configures reconcile behavior
type SyncConfig struct {
	Jobs    int    `yaml:"jobs,omitempty" toml:"jobs,omitempty" json:"jobs,omitempty"`
	Timeout string `yaml:"timeout,omitempty" toml:"timeout,omitempty" json:"timeout,omitempty"`
	Remote  string `yaml:"remote,omitempty" toml:"remote,omitempty" json:"remote,omitempty"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file,omitempty" toml:"ssh_key_file,omitempty" json:"ssh_key_file,omitempty"`
	HTTPSTokenFile string `yaml:"https_token_file,omitempty" toml:"https_token_file,omitempty" json:"https_token_file,omitempty"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir string `yaml:"state_dir,omitempty" toml:"state_dir,omitempty" json:"state_dir,omitempty"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	ListenAddr              string   `yaml:"listen_addr,omitempty" toml:"listen_addr,omitempty" json:"listen_addr,omitempty"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file,omitempty" toml:"github_webhook_secret_file,omitempty" json:"github_webhook_secret_file,omitempty"`
	AllowedEventTypes       []string `yaml:"allowed_event_types,omitempty" toml:"allowed_event_types,omitempty" json:"allowed_event_types,omitempty"`
	AllowedRefs             []string `yaml:"allowed_refs,omitempty" toml:"allowed_refs,omitempty" json:"allowed_refs,omitempty"`
}

// DefaultPath returns the configuration file used when none is given.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "modsync", "config.yaml")
}

// Read parses the configuration file and checks it against the schema,
// without expanding or defaulting anything. The result can be saved back
// unchanged.
func Read(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	f, err := formatOf(path)
	if err != nil {
		return nil, err
	}

	doc, err := f.decodeDocument(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := validateSchema(doc); err != nil {
		return nil, fmt.Errorf("malformed config file: %w", err)
	}

	var cfg Config
	if err := f.unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// Load reads the configuration file and prepares it for use: environment
// variables are expanded, relative paths resolved against the file's
// directory and defaults applied before validation.
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}

	cfg.expandEnv()

	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(base)

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// expandEnv expands environment variables in all path-like fields
func (c *Config) expandEnv() {
	c.Collection = os.ExpandEnv(c.Collection)
	for i := range c.Links {
		c.Links[i].Source = os.ExpandEnv(c.Links[i].Source)
		c.Links[i].Target = os.ExpandEnv(c.Links[i].Target)
	}
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

func (c *Config) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	c.Collection = abs(c.Collection)
	for i := range c.Links {
		c.Links[i].Source = abs(c.Links[i].Source)
		c.Links[i].Target = abs(c.Links[i].Target)
	}
	c.Paths.StateDir = abs(c.Paths.StateDir)
	c.Auth.SSHKeyFile = abs(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = abs(c.Auth.HTTPSTokenFile)
	c.Serve.GitHubWebhookSecretFile = abs(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Sync.Jobs == 0 {
		c.Sync.Jobs = defaultJobs
	}
	if c.Sync.Timeout == "" {
		c.Sync.Timeout = defaultTimeout
	}
	if c.Sync.Remote == "" {
		c.Sync.Remote = DefaultRemote
	}
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = filepath.Join(xdg.StateHome, "modsync")
	}
	for i := range c.Links {
		if c.Links[i].Role == "" {
			c.Links[i].Role = defaultLinkRole
		}
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = defaultListenAddr
	}
	if len(c.Serve.AllowedEventTypes) == 0 {
		c.Serve.AllowedEventTypes = []string{"push"}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	for _, cat := range c.Categories() {
		if err := validatePackages(cat); err != nil {
			return err
		}
	}

	if c.Sync.Jobs < 1 {
		return fmt.Errorf("sync.jobs must be at least 1, got %d", c.Sync.Jobs)
	}
	if d, err := time.ParseDuration(c.Sync.Timeout); err != nil {
		return fmt.Errorf("invalid sync.timeout: %w", err)
	} else if d <= 0 {
		return fmt.Errorf("sync.timeout must be positive: %s", c.Sync.Timeout)
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	// Validate auth: when auth is configured, some URL must use the matching scheme
	if c.Auth.SSHKeyFile != "" && !c.anyGitURL(git.IsSSH) {
		return fmt.Errorf("auth.ssh_key_file is set but no git package url uses an SSH scheme (git@ or ssh://)")
	}
	if c.Auth.HTTPSTokenFile != "" && !c.anyGitURL(git.IsHTTPS) {
		return fmt.Errorf("auth.https_token_file is set but no git package url uses the HTTPS scheme")
	}

	for i, l := range c.Links {
		if l.Source == "" || l.Target == "" {
			return fmt.Errorf("links[%d]: source and target are required", i)
		}
		if filepath.Clean(l.Source) == filepath.Clean(l.Target) {
			return fmt.Errorf("links[%d]: source and target are the same directory: %s", i, l.Source)
		}
	}

	return nil
}

// validatePackages rejects declarations the engine could not tell apart.
// Folder names that cannot be derived are left for the reconciler to report.
func validatePackages(cat Category) error {
	urls := make(map[string]int)
	folders := make(map[string]int)

	for i, pkg := range cat.Packages {
		if pkg.URL == "" {
			return fmt.Errorf("content.%s[%d]: url is required", cat.Name, i)
		}

		switch pkg.Type {
		case KindGit:
		case KindContentDB:
			if _, _, ok := identity.PackageIdentity(pkg.URL); !ok {
				return fmt.Errorf("content.%s[%d]: %q is not a content database package url (.../packages/<owner>/<name>)", cat.Name, i, pkg.URL)
			}
		default:
			return fmt.Errorf("content.%s[%d]: invalid type %q (must be git or contentdb)", cat.Name, i, pkg.Type)
		}

		if j, ok := urls[pkg.URL]; ok {
			return fmt.Errorf("content.%s[%d]: url %s already declared at index %d: %w", cat.Name, i, pkg.URL, j, ErrDuplicatePackage)
		}
		urls[pkg.URL] = i

		folder, err := pkg.Folder()
		if err != nil {
			continue
		}
		if j, ok := folders[folder]; ok {
			return fmt.Errorf("content.%s[%d]: folder %q already used at index %d: %w", cat.Name, i, folder, j, ErrDuplicatePackage)
		}
		folders[folder] = i
	}

	return nil
}

// ValidateServe checks the settings only the webhook server needs
func (c *Config) ValidateServe() error {
	if c.Serve.ListenAddr == "" {
		return fmt.Errorf("serve.listen_addr is required")
	}
	if c.Serve.GitHubWebhookSecretFile == "" {
		return fmt.Errorf("serve.github_webhook_secret_file is required")
	}
	return nil
}

// Categories returns every category with its declarations in processing order
func (c *Config) Categories() []Category {
	cats := make([]Category, 0, len(CategoryNames))
	for _, name := range CategoryNames {
		pkgs, _ := c.packages(name)
		cats = append(cats, Category{Name: name, Packages: *pkgs})
	}
	return cats
}

func (c *Config) packages(category string) (*[]Package, error) {
	switch category {
	case CategoryMods:
		return &c.Content.Mods, nil
	case CategoryClientMods:
		return &c.Content.ClientMods, nil
	case CategoryGames:
		return &c.Content.Games, nil
	case CategoryTexturePacks:
		return &c.Content.TexturePacks, nil
	}
	return nil, fmt.Errorf("%q (must be one of %s): %w", category, strings.Join(CategoryNames, ", "), ErrUnknownCategory)
}

// IsCategory reports whether name is a known category
func IsCategory(name string) bool {
	for _, n := range CategoryNames {
		if n == name {
			return true
		}
	}
	return false
}

// TimeoutDuration returns sync.timeout, or zero when it is unset or invalid
func (c *Config) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Sync.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// LastRunPath returns the path of the report written after every run
func (c *Config) LastRunPath() string {
	return filepath.Join(c.Paths.StateDir, lastRunFile)
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

func (c *Config) anyGitURL(match func(string) bool) bool {
	for _, cat := range c.Categories() {
		for _, pkg := range cat.Packages {
			if pkg.Type == KindGit && match(pkg.URL) {
				return true
			}
		}
	}
	return false
}
