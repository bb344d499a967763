package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Worker runtimes.
const (
	RuntimeExec   = "exec"
	RuntimeDocker = "docker"
)

// Size is a byte count that reads human-friendly values such as "5GB" or
// "512MiB" from YAML and the environment.
type Size int64

func (s *Size) Decode(v string) error {
	n, err := units.RAMInBytes(v)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", v, err)
	}
	*s = Size(n)
	return nil
}

func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	return s.Decode(node.Value)
}

func (s Size) MarshalYAML() (any, error) {
	return s.String(), nil
}

func (s Size) String() string {
	return units.BytesSize(float64(s))
}

type LogConfig struct {
	Level  string `yaml:"level" env:"CHUNKER_LOG_LEVEL"`
	Format string `yaml:"format" env:"CHUNKER_LOG_FORMAT"`
}

type WorkerConfig struct {
	CLIPath     string        `yaml:"cli_path" env:"CHUNKER_CLI_PATH"`
	JavaOptions string        `yaml:"java_options" env:"CHUNKER_JAVA_OPTIONS"`
	Runtime     string        `yaml:"runtime" env:"CHUNKER_WORKER_RUNTIME"`
	DockerImage string        `yaml:"docker_image" env:"CHUNKER_WORKER_DOCKER_IMAGE"`
	KillTimeout time.Duration `yaml:"kill_timeout" env:"CHUNKER_WORKER_KILL_TIMEOUT"`
	// PoolSize is the number of idle workers kept running; 0 disables the pool.
	PoolSize int `yaml:"pool_size" env:"CHUNKER_WORKER_POOL_SIZE"`
}

type ServerConfig struct {
	UIDir         string        `yaml:"ui_dir" env:"CHUNKER_UI_DIR"`
	MaxUploadSize Size          `yaml:"max_upload_size" env:"CHUNKER_MAX_UPLOAD_SIZE"`
	MaxFrameSize  Size          `yaml:"max_frame_size" env:"CHUNKER_MAX_FRAME_SIZE"`
	WriteTimeout  time.Duration `yaml:"write_timeout" env:"CHUNKER_WRITE_TIMEOUT"`
}

type SessionConfig struct {
	MaxArchiveSize    Size     `yaml:"max_archive_size" env:"CHUNKER_MAX_ARCHIVE_SIZE"`
	MaxExtractSize    Size     `yaml:"max_extract_size" env:"CHUNKER_MAX_EXTRACT_SIZE"`
	AllowedInputRoots []string `yaml:"allowed_input_roots" env:"CHUNKER_ALLOWED_INPUT_ROOTS"`
	AllowAnyInputPath bool     `yaml:"allow_any_input_path" env:"CHUNKER_ALLOW_ANY_INPUT_PATH"`
}

type ReaperConfig struct {
	Interval  time.Duration `yaml:"interval" env:"CHUNKER_REAPER_INTERVAL"`
	UploadTTL time.Duration `yaml:"upload_ttl" env:"CHUNKER_UPLOAD_TTL"`
	// SessionRetention is how long ended sessions stay in the ledger.
	SessionRetention time.Duration `yaml:"session_retention" env:"CHUNKER_SESSION_RETENTION"`
}

type Config struct {
	Listen  string        `yaml:"listen" env:"CHUNKER_LISTEN"`
	TempDir string        `yaml:"temp_dir" env:"CHUNKER_TEMP_DIR"`
	DBPath  string        `yaml:"db_path" env:"CHUNKER_DB_PATH"`
	Log     LogConfig     `yaml:"log"`
	Worker  WorkerConfig  `yaml:"worker"`
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Reaper  ReaperConfig  `yaml:"reaper"`
}

// legacyEnv holds the unprefixed variables older deployments set.
type legacyEnv struct {
	Port        string `env:"PORT"`
	CLIPath     string `env:"CLI_PATH"`
	JavaOptions string `env:"JAVA_OPTIONS"`
}

// DefaultCLIPaths are searched when no CLI path is configured.
var DefaultCLIPaths = []string{
	"cli/build/libs/chunker-cli.jar",
	"../cli/build/libs/chunker-cli.jar",
	"/app/chunker-cli.jar",
}

func Default() *Config {
	return &Config{
		Listen:  ":3001",
		TempDir: filepath.Join(os.TempDir(), "chunker-web"),
		DBPath:  "./chunkerweb.db",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Worker: WorkerConfig{
			Runtime:     RuntimeExec,
			KillTimeout: 10 * time.Second,
		},
		Server: ServerConfig{
			UIDir:         "app/ui/build",
			MaxUploadSize: 5 * units.GiB,
			MaxFrameSize:  16 * units.MiB,
			WriteTimeout:  30 * time.Second,
		},
		Session: SessionConfig{
			MaxArchiveSize: 5 * units.GiB,
			MaxExtractSize: 20 * units.GiB,
		},
		Reaper: ReaperConfig{
			Interval:         10 * time.Minute,
			UploadTTL:        24 * time.Hour,
			SessionRetention: 7 * 24 * time.Hour,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at yamlPath (a
// missing file is not an error) and the environment, in that order.
func Load(yamlPath string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if cfg.Worker.CLIPath == "" {
		cfg.Worker.CLIPath = findCLIPath(DefaultCLIPaths)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	var legacy legacyEnv
	if err := decodeEnv(&legacy); err != nil {
		return err
	}
	if legacy.Port != "" {
		cfg.Listen = ":" + legacy.Port
	}
	if legacy.CLIPath != "" {
		cfg.Worker.CLIPath = legacy.CLIPath
	}
	if legacy.JavaOptions != "" {
		cfg.Worker.JavaOptions = legacy.JavaOptions
	}
	return decodeEnv(cfg)
}

// decodeEnv overlays the variables that are set onto target.
func decodeEnv(target any) error {
	err := envdecode.Decode(target)
	if err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("environment: %w", err)
	}
	return nil
}

func findCLIPath(candidates []string) string {
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			if abs, err := filepath.Abs(p); err == nil {
				return abs
			}
			return p
		}
	}
	return ""
}

func (c *Config) Validate() error {
	switch c.Worker.Runtime {
	case RuntimeExec:
	case RuntimeDocker:
		if c.Worker.DockerImage == "" {
			return errors.New("worker.docker_image is required for the docker runtime")
		}
	default:
		return fmt.Errorf("unknown worker.runtime %q", c.Worker.Runtime)
	}
	if c.Worker.PoolSize < 0 {
		return errors.New("worker.pool_size must not be negative")
	}
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if c.TempDir == "" {
		return errors.New("temp_dir is required")
	}
	return nil
}

// UploadDir is where uploaded worlds are stored.
func (c *Config) UploadDir() string {
	return filepath.Join(c.TempDir, "uploads")
}

// SessionsDir holds the session workspaces.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.TempDir, "sessions")
}

// InputRoots returns the directories select_world may read from. It is nil
// when any path is allowed.
func (c *Config) InputRoots() []string {
	if c.Session.AllowAnyInputPath {
		return nil
	}
	if len(c.Session.AllowedInputRoots) > 0 {
		return c.Session.AllowedInputRoots
	}
	return []string{c.UploadDir()}
}
