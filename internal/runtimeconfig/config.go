package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/buildkite/sandboxd/internal/paths"
	"gopkg.in/yaml.v3"
)

const (
	DefaultRuntimeBinary         = "runsc"
	DefaultNetwork               = "host"
	DefaultInstanceID            = "fib-container"
	DefaultWorkload              = "sandbox-fib"
	DefaultListen                = "http://0.0.0.0:8080"
	DefaultCommandTimeoutSeconds = 30
	DefaultLaunchTimeoutSeconds  = 30
	DefaultExecuteTimeoutSeconds = 60
	DefaultLogBufferLines        = 10000
	DefaultMaxConcurrent         = 4
	DefaultMaxPayloadBytes       = 1 << 20
	DefaultMaxOutputBytes        = 1 << 20
)

// ConfigEnvVar overrides the config file location.
const ConfigEnvVar = "SANDBOXD_CONFIG"

type Config struct {
	Runtime   RuntimeConfig  `yaml:"runtime"`
	Instance  InstanceConfig `yaml:"instance"`
	Execute   ExecuteConfig  `yaml:"execute"`
	Server    ServerConfig   `yaml:"server"`
	BundleDir string         `yaml:"bundle_dir"`
}

type RuntimeConfig struct {
	Binary                string   `yaml:"binary"`
	Root                  string   `yaml:"root"`
	Network               string   `yaml:"network"`
	Platform              string   `yaml:"platform"`
	ExtraArgs             []string `yaml:"extra_args"`
	CommandTimeoutSeconds int64    `yaml:"command_timeout_seconds"`
}

type InstanceConfig struct {
	ID                   string            `yaml:"id"`
	Args                 []string          `yaml:"args"`
	Cwd                  string            `yaml:"cwd"`
	Env                  map[string]string `yaml:"env"`
	InheritEnv           *bool             `yaml:"inherit_env"`
	RootFS               string            `yaml:"rootfs"`
	RootFSImage          string            `yaml:"rootfs_image"`
	ReadOnly             *bool             `yaml:"read_only"`
	Hostname             string            `yaml:"hostname"`
	Mounts               []MountConfig     `yaml:"mounts"`
	LaunchTimeoutSeconds int64             `yaml:"launch_timeout_seconds"`
	LogBufferLines       int               `yaml:"log_buffer_lines"`
}

type MountConfig struct {
	Destination string   `yaml:"destination"`
	Type        string   `yaml:"type"`
	Source      string   `yaml:"source"`
	Options     []string `yaml:"options"`
}

type ExecuteConfig struct {
	Interpreter     []string          `yaml:"interpreter"`
	Extension       string            `yaml:"extension"`
	RootFS          string            `yaml:"rootfs"`
	Cwd             string            `yaml:"cwd"`
	Env             map[string]string `yaml:"env"`
	TimeoutSeconds  *int64            `yaml:"timeout_seconds"` // 0 disables
	MaxConcurrent   int64             `yaml:"max_concurrent"`
	MaxPayloadBytes int64             `yaml:"max_payload_bytes"`
	MaxOutputBytes  int               `yaml:"max_output_bytes"`
	WorkDir         string            `yaml:"work_dir"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// Path returns the config file location, honouring $SANDBOXD_CONFIG.
func Path() (string, error) {
	if override := strings.TrimSpace(os.Getenv(ConfigEnvVar)); override != "" {
		return override, nil
	}
	dir, err := paths.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the config file. A missing file yields a zero Config.
func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, path, nil
		}
		return Config{}, path, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, path, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Instance.ID = strings.TrimSpace(cfg.Instance.ID)
	cfg.Server.Listen = strings.TrimSpace(cfg.Server.Listen)
	return cfg, path, nil
}

// WithDefaults fills every unset field. Directory fields that depend on the
// host (runtime root, bundle dir, work dir, instance cwd) are left for the
// caller to resolve.
func (c Config) WithDefaults() Config {
	if strings.TrimSpace(c.Runtime.Binary) == "" {
		c.Runtime.Binary = DefaultRuntimeBinary
	}
	if strings.TrimSpace(c.Runtime.Network) == "" {
		c.Runtime.Network = DefaultNetwork
	}
	if c.Runtime.CommandTimeoutSeconds <= 0 {
		c.Runtime.CommandTimeoutSeconds = DefaultCommandTimeoutSeconds
	}

	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}
	if len(c.Instance.Args) == 0 {
		c.Instance.Args = []string{DefaultWorkload}
	}
	if c.Instance.InheritEnv == nil {
		c.Instance.InheritEnv = boolPtr(true)
	}
	if c.Instance.RootFS == "" {
		c.Instance.RootFS = "/"
	}
	if c.Instance.ReadOnly == nil {
		c.Instance.ReadOnly = boolPtr(true)
	}
	if c.Instance.LaunchTimeoutSeconds <= 0 {
		c.Instance.LaunchTimeoutSeconds = DefaultLaunchTimeoutSeconds
	}
	if c.Instance.LogBufferLines <= 0 {
		c.Instance.LogBufferLines = DefaultLogBufferLines
	}

	if len(c.Execute.Interpreter) == 0 {
		c.Execute.Interpreter = []string{"python3"}
	}
	if c.Execute.Extension == "" {
		c.Execute.Extension = ".py"
	}
	if !strings.HasPrefix(c.Execute.Extension, ".") {
		c.Execute.Extension = "." + c.Execute.Extension
	}
	if c.Execute.RootFS == "" {
		c.Execute.RootFS = "/"
	}
	if c.Execute.Cwd == "" {
		c.Execute.Cwd = "/"
	}
	if c.Execute.TimeoutSeconds == nil {
		v := int64(DefaultExecuteTimeoutSeconds)
		c.Execute.TimeoutSeconds = &v
	}
	if c.Execute.MaxConcurrent <= 0 {
		c.Execute.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Execute.MaxPayloadBytes <= 0 {
		c.Execute.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.Execute.MaxOutputBytes <= 0 {
		c.Execute.MaxOutputBytes = DefaultMaxOutputBytes
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	return c
}

// GlobalArgs renders the runtime flags placed before every subcommand.
func (r RuntimeConfig) GlobalArgs() []string {
	var args []string
	if root := strings.TrimSpace(r.Root); root != "" {
		args = append(args, "--root", root)
	}
	if network := strings.TrimSpace(r.Network); network != "" {
		args = append(args, "--network="+network)
	}
	if platform := strings.TrimSpace(r.Platform); platform != "" {
		args = append(args, "--platform="+platform)
	}
	return append(args, r.ExtraArgs...)
}

func (r RuntimeConfig) CommandTimeout() time.Duration {
	return time.Duration(r.CommandTimeoutSeconds) * time.Second
}

func (i InstanceConfig) LaunchTimeout() time.Duration {
	return time.Duration(i.LaunchTimeoutSeconds) * time.Second
}

func (e ExecuteConfig) Timeout() time.Duration {
	if e.TimeoutSeconds == nil || *e.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(*e.TimeoutSeconds) * time.Second
}

func boolPtr(v bool) *bool { return &v }
