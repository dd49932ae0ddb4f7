package quartermaster

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Host           string   `yaml:"host"`
		Port           int      `yaml:"port"`
		RequestTimeout Duration `yaml:"request-timeout"`
	} `yaml:"server"`

	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`

	Webhook struct {
		// Global signing secret; a per-repo secret on the monitoring
		// config takes precedence. Overridable via $QUARTERMASTER_WEBHOOK_SECRET.
		Secret string `yaml:"secret"`
	} `yaml:"webhook"`

	Queue struct {
		MaxConcurrent int      `yaml:"max-concurrent"`
		StaleAge      Duration `yaml:"stale-age"`
	} `yaml:"queue"`

	Sweep struct {
		Interval Duration `yaml:"interval"`
	} `yaml:"sweep"`

	Worker struct {
		PollInterval Duration `yaml:"poll-interval"`
		RunTimeout   Duration `yaml:"run-timeout"`
	} `yaml:"worker"`
}

func (cfg Config) Valid() error {
	if cfg.Server.Port == 0 {
		return MustBeSetError{"server.port"}
	}

	if cfg.Store.Path == "" {
		return MustBeSetError{"store.path"}
	}

	if cfg.Queue.MaxConcurrent <= 0 {
		return MustBeSetError{"queue.max-concurrent"}
	}

	return nil
}

type MustBeSetError struct {
	field string
}

func (e MustBeSetError) Error() string {
	return fmt.Sprintf("field '%s' must be set", e.field)
}

// Load will attempt to load the config from the following
// sources (in order):
//   - flag value (if passed)
//   - Env Var ($QUARTERMASTER_CONFIG_PATH)
//   - current working directory
//
// It will return the source used, which aids in debugging.
func Load(fpath string) (Config, Source, error) {
	source := determineSource(fpath)

	switch source {
	case LoadFromFlag:
		cfg, err := loadConfigFromFile(fpath)
		return cfg, source, err

	case LoadFromEnv:
		cfg, err := loadConfigFromFile(os.Getenv(ConfigEnvVar))
		return cfg, source, err

	case LoadFromCurDir:
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, source, fmt.Errorf("os.Getwd failed: %w", err)
		}

		cfg, err := loadConfigFromFile(filepath.Join(wd, defaultFilename))

		return cfg, source, err

	default:
		return Config{}, "", errors.New("no source could be determined")
	}
}

// Source is where the config was read from.
type Source string

const (
	LoadFromFlag   Source = "load-from-flag"
	LoadFromEnv    Source = "load-from-env"
	LoadFromCurDir Source = "load-from-cur-dir"
)

func determineSource(fpath string) Source {
	if fpath != "" {
		return LoadFromFlag
	}

	if os.Getenv(ConfigEnvVar) != "" {
		return LoadFromEnv
	}

	return LoadFromCurDir
}

type FileNotFoundError struct {
	Path string
}

func (e FileNotFoundError) Error() string {
	return fmt.Sprintf("file not found: '%s'", e.Path)
}

func loadConfigFromFile(fpath string) (Config, error) {
	absPath, err := filepath.Abs(fpath)
	if err != nil {
		return Config{}, fmt.Errorf("filepath.Abs failed when loading config from file: %w", err)
	}

	file, err := os.Open(fpath)
	if err != nil {
		return Config{}, fmt.Errorf("could not read file '%s': %w", absPath, err)
	}
	defer func() { _ = file.Close() }()

	return loadConfig(file)
}

func loadConfig(rdr io.Reader) (Config, error) {
	cfg := Config{}

	data, err := io.ReadAll(rdr)
	if err != nil {
		return cfg, fmt.Errorf("could not read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("could not unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if secret := os.Getenv(SecretEnvVar); secret != "" {
		cfg.Webhook.Secret = secret
	}

	if err := cfg.Valid(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = defaultHost
	}

	if cfg.Server.RequestTimeout.Duration == 0 {
		cfg.Server.RequestTimeout.Duration = defaultRequestTimeout
	}

	if cfg.Queue.MaxConcurrent == 0 {
		cfg.Queue.MaxConcurrent = defaultMaxConcurrent
	}

	if cfg.Queue.StaleAge.Duration == 0 {
		cfg.Queue.StaleAge.Duration = defaultStaleAge
	}

	if cfg.Sweep.Interval.Duration == 0 {
		cfg.Sweep.Interval.Duration = defaultSweepInterval
	}

	if cfg.Worker.PollInterval.Duration == 0 {
		cfg.Worker.PollInterval.Duration = defaultPollInterval
	}

	if cfg.Worker.RunTimeout.Duration == 0 {
		cfg.Worker.RunTimeout.Duration = defaultRunTimeout
	}
}

type Duration struct {
	time.Duration
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Value == "" {
		return nil
	}

	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("could not parse '%s': %w", value.Value, err)
	}

	d.Duration = dur

	return nil
}
