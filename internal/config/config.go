package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// WorkerConfig holds configuration for a tasknode worker.
type WorkerConfig struct {
	Listen    string `yaml:"listen"`     // HTTP listen address (default ":8090")
	LogLevel  string `yaml:"log_level"`  // Log level: debug, info, warn, error
	LogFormat string `yaml:"log_format"` // Log format: text, json
	Name      string `yaml:"name"`
	NCPUs     int    `yaml:"ncpus"`
	Runtime   string `yaml:"runtime"`  // none, docker, apptainer
	WorkDir   string `yaml:"work_dir"` // Per-task directories are created below it
	HistoryDB string `yaml:"history_db"` // SQLite run journal; empty disables it
}

// DefaultWorkerConfig returns sensible defaults.
func DefaultWorkerConfig() WorkerConfig {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return WorkerConfig{
		Listen:    ":8090",
		LogLevel:  "info",
		LogFormat: "text",
		Name:      host,
		NCPUs:     1,
		Runtime:   "none",
	}
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (WorkerConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return WorkerConfig{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return WorkerConfig{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads YAML from r over the defaults.
func Decode(r io.Reader) (WorkerConfig, error) {
	cfg := DefaultWorkerConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return WorkerConfig{}, fmt.Errorf("parse: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the worker cannot start with.
func (c WorkerConfig) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.NCPUs <= 0 {
		errs = append(errs, fmt.Errorf("ncpus must be positive, got %d", c.NCPUs))
	}
	switch c.Runtime {
	case "", "none", "docker", "apptainer":
	default:
		errs = append(errs, fmt.Errorf("unknown runtime %q", c.Runtime))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}
