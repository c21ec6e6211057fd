package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"replyassist/internal/completion"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level config.
	WorkspaceDirName = ".replyassist"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the reply assistant.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Browser    BrowserConfig    `yaml:"browser"`
	Host       HostConfig       `yaml:"host"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Completion CompletionConfig `yaml:"completion"`
	Prompts    PromptsConfig    `yaml:"prompts"`
	Mangle     MangleConfig     `yaml:"mangle"`
	Recorder   RecorderConfig   `yaml:"recorder"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	MCP        MCPConfig        `yaml:"mcp"`
}

type ServerConfig struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command (e.g., ["chrome", "--remote-debugging-port=9222"]).
	Launch []string `yaml:"launch"`
	// Headless controls whether a launched Chrome runs headless (default: false, a
	// person has to be signed in to the webmail).
	Headless *bool `yaml:"headless"`
	// WebmailURL is opened when no existing tab matches TargetMatch.
	WebmailURL string `yaml:"webmail_url"`
	// TargetMatch selects an already open tab by URL substring.
	TargetMatch string `yaml:"target_match"`
	// Navigation timeout (e.g., "15s").
	NavigationTimeoutRaw string `yaml:"navigation_timeout"`
	ViewportWidth        int    `yaml:"viewport_width"`
	ViewportHeight       int    `yaml:"viewport_height"`
}

// HostConfig describes the host page's markup and the surface we inject.
type HostConfig struct {
	ThreadContainer string `yaml:"thread_container"`
	ThreadMessage   string `yaml:"thread_message"`
	ComposeTarget   string `yaml:"compose_target"`
	// QuoteMarker overrides the locale's quoted-reply marker when set.
	QuoteMarker string `yaml:"quote_marker"`
	MountID     string `yaml:"mount_id"`
	BindingName string `yaml:"binding_name"`
}

// ScheduleConfig is the attachment retry policy. Zero max_attempts and an
// empty timeout mean unbounded polling.
type ScheduleConfig struct {
	IntervalRaw string `yaml:"interval"`
	MaxAttempts int    `yaml:"max_attempts"`
	TimeoutRaw  string `yaml:"timeout"`
}

// CompletionConfig selects and configures the completion backend.
type CompletionConfig struct {
	// Backend is "openai" or "gemini".
	Backend  string `yaml:"backend"`
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	// APIKey is used verbatim when set; otherwise APIKeyEnv is read. An
	// empty APIKeyEnv means the backend's usual variable.
	APIKey    string            `yaml:"api_key"`
	APIKeyEnv string            `yaml:"api_key_env"`
	Params    completion.Params `yaml:"params"`
	// Empty means no timeout.
	RequestTimeoutRaw string `yaml:"request_timeout"`
}

type PromptsConfig struct {
	Locale string `yaml:"locale"`
}

// MangleConfig controls the embedded deductive engine.
type MangleConfig struct {
	Enable          bool   `yaml:"enable"`
	SchemaPath      string `yaml:"schema_path"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

type RecorderConfig struct {
	Enable bool   `yaml:"enable"`
	Dir    string `yaml:"dir"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set (e.g., ":9090").
	Addr string `yaml:"addr"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// DefaultConfig targets Gmail with the Norwegian wording.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:     "replyassist",
			Version:  "0.1.0",
			LogFile:  "replyassist.log",
			LogLevel: "info",
		},
		Browser: BrowserConfig{
			WebmailURL:           "https://mail.google.com/mail/u/0/#inbox",
			TargetMatch:          "mail.google.com",
			NavigationTimeoutRaw: "15s",
			ViewportWidth:        1280,
			ViewportHeight:       900,
		},
		Host: HostConfig{
			ThreadContainer: ".adn",
			ThreadMessage:   ".ii",
			ComposeTarget:   "div[aria-multiline='true']",
			MountID:         "thread-ai-wrapper",
			BindingName:     "replyassistAction",
		},
		Schedule: ScheduleConfig{
			IntervalRaw: "100ms",
		},
		Completion: CompletionConfig{
			Backend:   "openai",
			Endpoint:  completion.DefaultOpenAIEndpoint,
			Model:     "gpt-3.5-turbo-instruct",
			Params:    completion.DefaultParams(),
		},
		Prompts: PromptsConfig{
			Locale: "nb",
		},
		Mangle: MangleConfig{
			Enable:          true,
			FactBufferLimit: 2048,
		},
		Recorder: RecorderConfig{
			Enable: false,
			Dir:    "data/traces",
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .replyassist/config.yaml file.
// Returns the workspace root directory or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .replyassist/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

const templateConfig = `# replyassist project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

# browser:
#   debugger_url: "ws://127.0.0.1:9222/devtools/browser/..."
#   launch: ["chromium", "--remote-debugging-port=9222"]
#   webmail_url: "https://mail.google.com/mail/u/0/#inbox"
#   target_match: "mail.google.com"

# completion:
#   backend: openai          # or gemini
#   api_key_env: ""         # defaults to OPENAI_API_KEY or GEMINI_API_KEY
#   request_timeout: ""      # empty means no timeout

# prompts:
#   locale: nb               # nb or en

# schedule:
#   interval: 100ms
#   max_attempts: 0          # 0 polls until the next route change
#   timeout: ""

# mangle:
#   schema_path: ".replyassist/schemas/project.mg"

# recorder:
#   enable: true
#   dir: "data/traces"

# metrics:
#   addr: ":9090"
`

// InitWorkspace creates a .replyassist/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "schemas"),
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignoreContent := "# Runtime data (logs, traces) - do not version control\ndata/\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Mangle.SchemaPath = resolve(cfg.Mangle.SchemaPath)
	cfg.Recorder.Dir = resolve(cfg.Recorder.Dir)
	return cfg
}

// Validate ensures required fields exist so the agent can start deterministically.
// Browser endpoints are checked separately by ValidateBrowser, since offline
// commands never touch Chrome.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	switch strings.ToLower(c.Completion.Backend) {
	case "openai", "gemini":
	default:
		return fmt.Errorf("completion.backend must be openai or gemini, got %q", c.Completion.Backend)
	}
	if _, err := completion.TemplatesFor(c.Prompts.Locale); err != nil {
		return fmt.Errorf("prompts.locale: %w", err)
	}
	if c.Host.ThreadContainer == "" || c.Host.ThreadMessage == "" || c.Host.ComposeTarget == "" {
		return errors.New("host.thread_container, host.thread_message and host.compose_target are required")
	}
	if c.Host.MountID == "" {
		return errors.New("host.mount_id is required")
	}
	if c.Host.BindingName == "" {
		return errors.New("host.binding_name is required")
	}
	if c.Schedule.MaxAttempts < 0 {
		return errors.New("schedule.max_attempts must not be negative")
	}
	if c.Completion.Params.MaxTokens <= 0 {
		return errors.New("completion.params.max_tokens must be positive")
	}
	return nil
}

// ValidateBrowser checks that Chrome can be reached or launched.
func (c *Config) ValidateBrowser() error {
	if c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
		return errors.New("browser.debugger_url or browser.launch must be provided")
	}
	if c.Browser.WebmailURL == "" && c.Browser.TargetMatch == "" {
		return errors.New("browser.webmail_url or browser.target_match must be provided")
	}
	return nil
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDuration(b.NavigationTimeoutRaw, 15*time.Second)
}

// IsHeadless returns whether a launched Chrome runs headless (default: false).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return false
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1280
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 900
	}
	return b.ViewportHeight
}

// Interval returns the polling period, 100ms unless configured.
func (s ScheduleConfig) Interval() time.Duration {
	d := parseDuration(s.IntervalRaw, 100*time.Millisecond)
	if d == 0 {
		return 100 * time.Millisecond
	}
	return d
}

// Timeout returns the per-cycle timeout; zero means none.
func (s ScheduleConfig) Timeout() time.Duration {
	return parseDuration(s.TimeoutRaw, 0)
}

// RequestTimeout returns the completion timeout; zero means none.
func (c CompletionConfig) RequestTimeout() time.Duration {
	return parseDuration(c.RequestTimeoutRaw, 0)
}

// KeyEnv names the environment variable holding the API key.
func (c CompletionConfig) KeyEnv() string {
	if c.APIKeyEnv != "" {
		return c.APIKeyEnv
	}
	if strings.EqualFold(c.Backend, "gemini") {
		return "GEMINI_API_KEY"
	}
	return "OPENAI_API_KEY"
}

// ResolveAPIKey returns api_key, or the value of KeyEnv.
func (c CompletionConfig) ResolveAPIKey() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	return os.Getenv(c.KeyEnv())
}

// Templates returns the prompt wording for the configured locale, with the
// host's quote marker override applied.
func (c Config) Templates() (completion.Templates, error) {
	t, err := completion.TemplatesFor(c.Prompts.Locale)
	if err != nil {
		return t, err
	}
	if c.Host.QuoteMarker != "" {
		t.QuoteMarker = c.Host.QuoteMarker
	}
	return t, nil
}
