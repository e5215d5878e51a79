package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/text/language"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StateDir    string `toml:"state_dir"`
	ArtifactDir string `toml:"artifact_dir"`
	LogDir      string `toml:"log_dir"`
}

// Server describes the upstream documentation backend.
type Server struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
}

// Agent contains the local control API settings.
type Agent struct {
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token"`
}

// Network configures the connectivity monitor.
type Network struct {
	ProbeURL      string `toml:"probe_url"`
	ProbeInterval int    `toml:"probe_interval"`
	ProbeTimeout  int    `toml:"probe_timeout"`
	ExpectStatus  int    `toml:"probe_expect_status"`
	LinkEvents    bool   `toml:"link_events"`
}

// Queue configures replay of pending actions.
type Queue struct {
	MaxAttempts    int     `toml:"max_attempts"`
	ReplayRate     float64 `toml:"replay_rate"`
	RequestTimeout int     `toml:"request_timeout"`
}

// Audio configures capture limits and the AI upload.
type Audio struct {
	MaxSeconds     int      `toml:"max_seconds"`
	MaxBytes       int64    `toml:"max_bytes"`
	MimeType       string   `toml:"mime_type"`
	CaptureCommand []string `toml:"capture_command"`
	TargetLanguage string   `toml:"target_language"`
	MinFreeMiB     int64    `toml:"min_free_mib"`
	UploadTimeout  int      `toml:"upload_timeout"`
}

// Gateway configures the caching proxy in front of the web app.
type Gateway struct {
	Enabled      bool     `toml:"enabled"`
	Bind         string   `toml:"bind"`
	UpstreamURL  string   `toml:"upstream_url"`
	CacheVersion string   `toml:"cache_version"`
	Manifest     []string `toml:"manifest"`
}

// Sync configures the polling fallback used when background sync is unavailable.
type Sync struct {
	PollInterval int `toml:"poll_interval"`
}

// Session configures inactivity logout and autosave.
type Session struct {
	Timeout          int `toml:"timeout"`
	Warning          int `toml:"warning"`
	AutosaveInterval int `toml:"autosave_interval"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	ActionFailures bool   `toml:"action_failures"`
	AudioFailures  bool   `toml:"audio_failures"`
	SyncCompleted  bool   `toml:"sync_completed"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for carenote.
//
// Configuration sections by subsystem:
//   - Paths: state, artifact, and log directories
//   - Server: upstream REST/AI backend location and credentials
//   - Agent: local control API bind address
//   - Network: connectivity probe endpoint and timing
//   - Queue: action replay ceiling and pacing
//   - Audio: capture limits, capture command, translation target
//   - Gateway: caching proxy bind, upstream, cache version, precache manifest
//   - Sync: polling fallback interval
//   - Session: inactivity timeout, warning window, autosave period
//   - Notifications: ntfy push notification settings
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Server        Server        `toml:"server"`
	Agent         Agent         `toml:"agent"`
	Network       Network       `toml:"network"`
	Queue         Queue         `toml:"queue"`
	Audio         Audio         `toml:"audio"`
	Gateway       Gateway       `toml:"gateway"`
	Sync          Sync          `toml:"sync"`
	Session       Session       `toml:"session"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`

	targetLanguage language.Tag
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/carenote/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("carenote.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for agent operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.ArtifactDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// QueueDBPath returns the location of the agent's queue database.
func (c *Config) QueueDBPath() string {
	return filepath.Join(c.Paths.StateDir, "queue.db")
}

// GatewayDBPath returns the location of the gateway's cache database. The
// gateway never reads the queue database, and the agent never reads this one.
func (c *Config) GatewayDBPath() string {
	return filepath.Join(c.Paths.StateDir, "gateway-cache.db")
}

// LockPath returns the single-instance lock file for the agent.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "carenoted.lock")
}

// TargetLanguage returns the parsed translation target language.
func (c *Config) TargetLanguage() language.Tag {
	if c.targetLanguage == language.Und {
		if tag, err := language.Parse(c.Audio.TargetLanguage); err == nil {
			return tag
		}
	}
	return c.targetLanguage
}

// ProbeInterval returns the connectivity polling period.
func (c *Config) ProbeInterval() time.Duration {
	return seconds(c.Network.ProbeInterval)
}

// ProbeTimeout returns the per-probe deadline.
func (c *Config) ProbeTimeout() time.Duration {
	return seconds(c.Network.ProbeTimeout)
}

// RequestTimeout returns the replay request deadline.
func (c *Config) RequestTimeout() time.Duration {
	return seconds(c.Queue.RequestTimeout)
}

// UploadTimeout returns the deadline for one audio upload including AI processing.
func (c *Config) UploadTimeout() time.Duration {
	return seconds(c.Audio.UploadTimeout)
}

// MaxAudioDuration returns the hard capture cap.
func (c *Config) MaxAudioDuration() time.Duration {
	return seconds(c.Audio.MaxSeconds)
}

// SyncPollInterval returns the polling fallback period.
func (c *Config) SyncPollInterval() time.Duration {
	return seconds(c.Sync.PollInterval)
}

// SessionTimeout returns the inactivity logout threshold.
func (c *Config) SessionTimeout() time.Duration {
	return seconds(c.Session.Timeout)
}

// SessionWarning returns how long before logout the warning fires.
func (c *Config) SessionWarning() time.Duration {
	return seconds(c.Session.Warning)
}

// AutosaveInterval returns the fixed autosave period.
func (c *Config) AutosaveInterval() time.Duration {
	return seconds(c.Session.AutosaveInterval)
}

func seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
