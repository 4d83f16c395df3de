package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"gantry/internal/fileutil"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and file location configuration.
type Paths struct {
	DownloadDir string `toml:"download_dir"`
	LogDir      string `toml:"log_dir"`
	QueuePath   string `toml:"queue_path"`
}

// Source describes the public remote content source. The password is stored
// base64-encoded, matching the upstream catalog convention.
type Source struct {
	BaseAddress string `toml:"base_address"`
	Password    string `toml:"password"`
}

// Bandwidth contains transfer rate limits in KiB/s. Zero means unlimited.
type Bandwidth struct {
	DownloadLimitKiB int `toml:"download_limit_kib"`
	UploadLimitKiB   int `toml:"upload_limit_kib"`
}

// Binaries overrides the external tool commands.
type Binaries struct {
	Rclone   string `toml:"rclone"`
	SevenZip string `toml:"sevenzip"`
	ADB      string `toml:"adb"`
}

// Workflow contains pipeline timing and policy knobs.
type Workflow struct {
	NotifyDebounceMs    int  `toml:"notify_debounce_ms"`
	SaveDebounceMs      int  `toml:"save_debounce_ms"`
	KillGraceSeconds    int  `toml:"kill_grace_seconds"`
	SurfaceMirrorErrors bool `toml:"surface_mirror_errors"`
	MinFreeSpaceGiB     int  `toml:"min_free_space_gib"`
}

// Notifications contains push notification configuration.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Config is the root configuration document.
type Config struct {
	Paths         Paths         `toml:"paths"`
	Source        Source        `toml:"source"`
	Bandwidth     Bandwidth     `toml:"bandwidth"`
	Binaries      Binaries      `toml:"binaries"`
	Workflow      Workflow      `toml:"workflow"`
	Notifications Notifications `toml:"notifications"`
	LogLevel      string        `toml:"log_level"`
	LogFormat     string        `toml:"log_format"`
}

// DefaultConfigPath returns the conventional config file location.
func DefaultConfigPath() string {
	return fileutil.ExpandPath("~/.config/gantry/config.toml")
}

// Load reads the configuration at path, falling back to defaults when the
// file does not exist. An empty path uses DefaultConfigPath.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultConfigPath()
	}
	cfg := Default()

	data, err := os.ReadFile(fileutil.ExpandPath(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg.normalize()
			return &cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WriteSample writes the embedded sample configuration to path without
// overwriting an existing file.
func WriteSample(path string) error {
	path = fileutil.ExpandPath(path)
	if fileutil.PathExists(path) {
		return fmt.Errorf("config already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure config directory: %w", err)
	}
	return os.WriteFile(path, []byte(sampleConfig), 0o644)
}

func (c *Config) normalize() {
	c.Paths.DownloadDir = fileutil.ExpandPath(c.Paths.DownloadDir)
	c.Paths.LogDir = fileutil.ExpandPath(c.Paths.LogDir)
	c.Paths.QueuePath = fileutil.ExpandPath(c.Paths.QueuePath)
	if c.Paths.QueuePath == "" && c.Paths.DownloadDir != "" {
		c.Paths.QueuePath = filepath.Join(c.Paths.DownloadDir, "queue.json")
	}
	if c.Workflow.NotifyDebounceMs <= 0 {
		c.Workflow.NotifyDebounceMs = defaultNotifyDebounceMs
	}
	if c.Workflow.SaveDebounceMs <= 0 {
		c.Workflow.SaveDebounceMs = defaultSaveDebounceMs
	}
	if c.Workflow.KillGraceSeconds <= 0 {
		c.Workflow.KillGraceSeconds = defaultKillGraceSeconds
	}
	if c.Binaries.Rclone == "" {
		c.Binaries.Rclone = defaultRcloneBinary
	}
	if c.Binaries.SevenZip == "" {
		c.Binaries.SevenZip = defaultSevenZipBinary
	}
	if c.Binaries.ADB == "" {
		c.Binaries.ADB = defaultADBBinary
	}
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNtfyRequestTimeout
	}
}

// Validate checks invariants that cannot be defaulted away.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Paths.DownloadDir) == "" {
		return errors.New("config: paths.download_dir is required")
	}
	if c.Bandwidth.DownloadLimitKiB < 0 || c.Bandwidth.UploadLimitKiB < 0 {
		return errors.New("config: bandwidth limits must not be negative")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "console", "json":
	default:
		return fmt.Errorf("config: unsupported log_format %q", c.LogFormat)
	}
	return nil
}
