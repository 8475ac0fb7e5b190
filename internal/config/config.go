// Package config loads layered steward settings and exposes them as the
// providers the orchestrator consumes. Settings merge user, project, and
// local files in that order; later layers win. Files may be JSONC and may
// reference environment variables with {env:VAR} placeholders.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/joho/godotenv"
	claudecode "github.com/severity1/claude-agent-sdk-go"
	"github.com/tidwall/jsonc"

	"github.com/dkemper/steward/internal/backend"
)

// SettingsDirName is the per-scope directory settings live under.
const SettingsDirName = ".steward"

// ToolServerConfig describes one MCP tool server from the mcpServers section.
type ToolServerConfig struct {
	// Type is "stdio" (default when a command is given), "sse", or "http".
	Type    string            `json:"type"`
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

// TailscaleConfig contains settings for exposing the server as a tsnet node.
type TailscaleConfig struct {
	// Enabled toggles whether the server should listen via tsnet instead of
	// a plain TCP socket.
	Enabled bool `json:"enabled"`

	// Hostname is the device name that will appear in the tailnet.
	Hostname string `json:"hostname"`

	// AuthKey is an optional Tailscale auth key for unattended login. If
	// empty, tsnet falls back to TS_AUTHKEY, then interactive login.
	AuthKey string `json:"authKey"`

	// Ephemeral controls whether this node is ephemeral in the tailnet.
	Ephemeral bool `json:"ephemeral"`

	// Dir overrides the directory where tsnet stores its persistent state.
	Dir string `json:"dir"`

	// HTTPS enables automatic TLS via Tailscale-managed certificates.
	HTTPS bool `json:"https"`
}

// WatcherConfig tunes the workspace watcher.
type WatcherConfig struct {
	// Ignore holds doublestar glob patterns for paths the watcher skips.
	Ignore []string `json:"ignore"`
}

// Settings is the merged view of every settings layer.
type Settings struct {
	ListenAddr   string                      `json:"listenAddr"`
	DatabasePath string                      `json:"databasePath"`
	Model        string                      `json:"model"`
	Env          map[string]string           `json:"env"`
	ToolServers  map[string]ToolServerConfig `json:"mcpServers"`
	Tailscale    TailscaleConfig             `json:"tailscale"`
	Watcher      WatcherConfig               `json:"watcher"`
}

// DefaultIgnorePatterns are the watcher ignores applied when none are
// configured.
var DefaultIgnorePatterns = []string{"node_modules/**", ".git/**", "vendor/**"}

// Provider is the orchestrator's configuration collaborator: it answers the
// working directory, environment variables, and tool servers for each turn.
type Provider struct {
	dir      string
	log      *slog.Logger
	settings Settings
	dotenv   map[string]string
}

// Load reads every settings layer for the given workspace directory plus its
// .env file. Missing files are fine; malformed files fail the load.
func Load(dir string, log *slog.Logger) (*Provider, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "config")

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace dir: %w", err)
	}

	settings := Settings{
		ListenAddr:   "127.0.0.1:8420",
		DatabasePath: filepath.Join(abs, SettingsDirName, "steward.db"),
	}

	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, SettingsDirName, "settings.json"))
	}
	paths = append(paths,
		filepath.Join(abs, SettingsDirName, "settings.json"),
		filepath.Join(abs, SettingsDirName, "settings.local.json"),
	)
	for _, path := range paths {
		if err := loadSettingsFile(path, &settings); err != nil {
			return nil, err
		}
	}

	if len(settings.Watcher.Ignore) == 0 {
		settings.Watcher.Ignore = DefaultIgnorePatterns
	}

	dotenv, err := godotenv.Read(filepath.Join(abs, ".env"))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading .env: %w", err)
		}
		dotenv = map[string]string{}
	}

	log.Debug("settings loaded",
		"dir", abs,
		"tool_servers", len(settings.ToolServers),
		"dotenv_vars", len(dotenv))

	return &Provider{dir: abs, log: log, settings: settings, dotenv: dotenv}, nil
}

// loadSettingsFile merges one layer into settings. A missing file is a no-op.
func loadSettingsFile(path string, settings *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data)

	var layer Settings
	if err := json.Unmarshal(data, &layer); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	mergeSettings(settings, &layer)
	return nil
}

var envPattern = regexp.MustCompile(`\{env:([^}]+)\}`)

// interpolate replaces {env:VAR} placeholders with the variable's value.
// Unset variables become empty strings.
func interpolate(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// mergeSettings overlays source onto target. Scalars replace when set, maps
// merge key-by-key, and watcher ignores replace wholesale when given.
func mergeSettings(target, source *Settings) {
	if source.ListenAddr != "" {
		target.ListenAddr = source.ListenAddr
	}
	if source.DatabasePath != "" {
		target.DatabasePath = source.DatabasePath
	}
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.Env != nil {
		if target.Env == nil {
			target.Env = make(map[string]string)
		}
		for k, v := range source.Env {
			target.Env[k] = v
		}
	}
	if source.ToolServers != nil {
		if target.ToolServers == nil {
			target.ToolServers = make(map[string]ToolServerConfig)
		}
		for k, v := range source.ToolServers {
			target.ToolServers[k] = v
		}
	}
	if source.Tailscale.Enabled {
		target.Tailscale = source.Tailscale
	}
	if source.Watcher.Ignore != nil {
		target.Watcher.Ignore = source.Watcher.Ignore
	}
}

// Dir returns the workspace directory the provider was loaded for.
func (p *Provider) Dir() string { return p.dir }

// Settings returns the merged settings.
func (p *Provider) Settings() Settings { return p.settings }

// Environment returns the working directory and environment variables for a
// turn. The settings env section wins over .env entries.
func (p *Provider) Environment() (backend.Environment, error) {
	env := make(map[string]string, len(p.dotenv)+len(p.settings.Env))
	for k, v := range p.dotenv {
		env[k] = v
	}
	for k, v := range p.settings.Env {
		env[k] = v
	}
	return backend.Environment{
		WorkingDirectory:     p.dir,
		EnvironmentVariables: env,
	}, nil
}

// ToolServers translates the mcpServers section into SDK server configs.
func (p *Provider) ToolServers() (map[string]claudecode.McpServerConfig, error) {
	servers := make(map[string]claudecode.McpServerConfig, len(p.settings.ToolServers))
	for name, ts := range p.settings.ToolServers {
		cfg, err := ts.toServerConfig()
		if err != nil {
			return nil, fmt.Errorf("tool server %q: %w", name, err)
		}
		servers[name] = cfg
	}
	return servers, nil
}

func (ts ToolServerConfig) toServerConfig() (claudecode.McpServerConfig, error) {
	switch ts.Type {
	case "", "stdio":
		if ts.Command == "" {
			return nil, fmt.Errorf("stdio server needs a command")
		}
		return &claudecode.McpStdioServerConfig{
			Type:    claudecode.McpServerTypeStdio,
			Command: ts.Command,
			Args:    ts.Args,
			Env:     ts.Env,
		}, nil
	case "sse":
		if ts.URL == "" {
			return nil, fmt.Errorf("sse server needs a url")
		}
		return &claudecode.McpSSEServerConfig{
			Type:    claudecode.McpServerTypeSSE,
			URL:     ts.URL,
			Headers: ts.Headers,
		}, nil
	case "http":
		if ts.URL == "" {
			return nil, fmt.Errorf("http server needs a url")
		}
		return &claudecode.McpHTTPServerConfig{
			Type:    claudecode.McpServerTypeHTTP,
			URL:     ts.URL,
			Headers: ts.Headers,
		}, nil
	default:
		return nil, fmt.Errorf("unknown tool server type %q", ts.Type)
	}
}
