package internal

import (
	"fmt"
	"log/slog"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/rid"
	"github.com/starford/koinet-node/internal/storage"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Node types as written in the config file.
const (
	NodeTypeFull    = "full"
	NodeTypePartial = "partial"
)

var (
	urlRe  = regexp.MustCompile(`^https?://\S+$`)
	repoRe = regexp.MustCompile(`^[\w.-]+/[\w.-]+$`)
)

// Config represents the application configuration.
type Config struct {
	App    ApplicationConfig `yaml:"app"`
	Node   NodeConfig        `yaml:"node"`
	Cache  CacheConfig       `yaml:"cache"`
	Index  IndexConfig       `yaml:"index"`
	Poll   PollConfig        `yaml:"poll"`
	Vault  VaultConfig       `yaml:"vault"`
	HackMD HackMDConfig      `yaml:"hackmd"`
	GitHub GitHubConfig      `yaml:"github"`
	Auth   AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Node.Validate(); err != nil {
		return fmt.Errorf("node: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := c.Poll.Validate(); err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	if err := c.HackMD.Validate(); err != nil {
		return fmt.Errorf("hackmd: %w", err)
	}
	if err := c.GitHub.Validate(); err != nil {
		return fmt.Errorf("github: %w", err)
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// ProvidesConfig lists the record types the node pushes and serves.
type ProvidesConfig struct {
	Event []string `yaml:"event"`
	State []string `yaml:"state"`
}

// NodeConfig describes the node identity and its place in the mesh.
type NodeConfig struct {
	Name         string         `yaml:"name"`
	RID          string         `yaml:"rid"`
	Type         string         `yaml:"type"`
	BaseURL      string         `yaml:"base_url"`
	FirstContact string         `yaml:"first_contact"`
	Provides     ProvidesConfig `yaml:"provides"`
	Wants        []string       `yaml:"wants"`
	SensorRID    string         `yaml:"sensor_rid"`
	Workers      int            `yaml:"workers"`
}

// Validate validates the node configuration.
func (c *NodeConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Name, validation.Required),
		validation.Field(&c.RID, validation.By(ridRule)),
		validation.Field(&c.Type, validation.Required, validation.In(NodeTypeFull, NodeTypePartial)),
		validation.Field(&c.BaseURL, validation.When(c.Type == NodeTypeFull, validation.Required), validation.Match(urlRe)),
		validation.Field(&c.FirstContact, validation.Match(urlRe)),
		validation.Field(&c.SensorRID, validation.By(ridRule)),
		validation.Field(&c.Workers, validation.Min(0)),
	)
}

func ridRule(v any) error {
	s, _ := v.(string)
	if s == "" {
		return nil
	}
	_, err := rid.Parse(s)
	return err
}

// NodeType returns the protocol node type.
func (c *NodeConfig) NodeType() models.NodeType {
	if c.Type == NodeTypePartial {
		return models.NodeTypePartial
	}
	return models.NodeTypeFull
}

// ProvidesTypes converts the configured type lists.
func (c *NodeConfig) ProvidesTypes() models.NodeProvides {
	return models.NodeProvides{Event: toTypes(c.Provides.Event), State: toTypes(c.Provides.State)}
}

func toTypes(in []string) []rid.Type {
	out := make([]rid.Type, 0, len(in))
	for _, s := range in {
		out = append(out, rid.Type(s))
	}
	return out
}

// CacheConfig selects the object store.
type CacheConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// Validate validates the cache configuration.
func (c *CacheConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Driver, validation.Required, validation.In(storage.DriverFS, storage.DriverSQLite)),
		validation.Field(&c.Path, validation.Required),
	)
}

// IndexConfig controls the search index.
type IndexConfig struct {
	Enabled bool     `yaml:"enabled"`
	Types   []string `yaml:"types"`
}

// PollConfig controls the background poll loop.
type PollConfig struct {
	Interval time.Duration `yaml:"interval"`
	Limit    int           `yaml:"limit"`
}

// Validate validates the poll configuration.
func (c *PollConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Interval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.Limit, validation.Min(0)),
	)
}

// VaultConfig holds the path to a Markdown directory to sense. Empty disables the sensor.
type VaultConfig struct {
	Path string `yaml:"path"`
}

// HackMDConfig enables the HackMD sensor when a team path or note ids are set.
type HackMDConfig struct {
	BaseURL  string   `yaml:"base_url"`
	Token    string   `yaml:"token"`
	TeamPath string   `yaml:"team_path"`
	NoteIDs  []string `yaml:"note_ids"`
}

// Enabled reports whether there is anything to poll.
func (c *HackMDConfig) Enabled() bool {
	return c.TeamPath != "" || len(c.NoteIDs) > 0
}

// Validate validates the HackMD configuration.
func (c *HackMDConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Match(urlRe)),
		validation.Field(&c.Token, validation.When(c.Enabled(), validation.Required)),
		validation.Field(&c.NoteIDs, validation.Each(validation.Required)),
	)
}

// GitHubConfig enables the commit sensor for the listed "owner/name" repos.
type GitHubConfig struct {
	BaseURL string   `yaml:"base_url"`
	Token   string   `yaml:"token"`
	Repos   []string `yaml:"repos"`
	PerPage int      `yaml:"per_page"`
}

// Enabled reports whether any repository is configured.
func (c *GitHubConfig) Enabled() bool {
	return len(c.Repos) > 0
}

// Validate validates the GitHub configuration.
func (c *GitHubConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Match(urlRe)),
		validation.Field(&c.Repos, validation.Each(validation.Required, validation.Match(repoRe))),
		validation.Field(&c.PerPage, validation.Min(0), validation.Max(100)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty. The
//     same token is sent to peers.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8011,
			},
		},
		Node: NodeConfig{
			Name:    "node",
			Type:    NodeTypeFull,
			BaseURL: "http://127.0.0.1:8011/koi-net",
			Workers: 4,
		},
		Cache: CacheConfig{
			Driver: storage.DriverFS,
			Path:   "./.koi/cache",
		},
		Index: IndexConfig{
			Enabled: true,
		},
		Poll: PollConfig{
			Interval: 30 * time.Second,
			Limit:    50,
		},
		HackMD: HackMDConfig{
			BaseURL: "https://api.hackmd.io/v1",
		},
		GitHub: GitHubConfig{
			BaseURL: "https://api.github.com",
			PerPage: 30,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
