// Package config loads the host configuration file used by the inapp
// command: which storage backend to open, which bus to listen on, where to
// serve the admin API, and the engine configuration itself.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/roach88/inapp/internal/model"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// DefaultAddr is the admin API listen address when none is configured.
const DefaultAddr = "127.0.0.1:8080"

// HostConfig is the top-level configuration file.
type HostConfig struct {
	Storage   StorageConfig   `yaml:"storage"`
	Bus       BusConfig       `yaml:"bus"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Engine    EngineConfig    `yaml:"engine"`
}

// StorageConfig selects the cache backend. DSN is a file path for sqlite
// and a URL for redis and postgres.
type StorageConfig struct {
	Driver string `yaml:"driver" validate:"required,oneof=memory sqlite redis postgres"`
	DSN    string `yaml:"dsn" validate:"required_unless=Driver memory"`
	Prefix string `yaml:"prefix"`
}

// BusConfig enables the NATS analytics bus when NATSURL is set.
type BusConfig struct {
	NATSURL       string `yaml:"natsURL" validate:"omitempty,url"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

// ServerConfig configures the admin API.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

// TelemetryConfig enables OTLP trace export when OTLPEndpoint is set.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// EngineConfig tunes the engine. Config is passed to Engine.Configure
// unchanged.
type EngineConfig struct {
	ProviderIsolation bool         `yaml:"providerIsolation"`
	Config            model.Config `yaml:"config"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns the configuration used when no file is given: in-memory
// storage, no bus, no telemetry.
func Default() *HostConfig {
	return &HostConfig{
		Storage: StorageConfig{Driver: DriverMemory},
		Server:  ServerConfig{Addr: DefaultAddr},
		Engine:  EngineConfig{Config: model.Config{}},
	}
}

// Load reads and validates the file at path. Unknown fields are rejected.
func Load(path string) (*HostConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode parses YAML from r over Default and validates the result.
func Decode(r io.Reader) (*HostConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultAddr
	}
	if cfg.Engine.Config == nil {
		cfg.Engine.Config = model.Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *HostConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
