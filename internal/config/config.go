// Package config loads and validates the daemon configuration from TOML.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

// Backend names accepted in the [storage] section.
const (
	BackendInMem    = "inmem"
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
	BackendConsul   = "consul"
	BackendDynamoDB = "dynamodb"
)

// Config holds the full daemon configuration. Struct tags map TOML keys
// to fields; anything absent from the file keeps its default.
type Config struct {
	ListenAddr string  `toml:"listen_addr"`
	LogLevel   string  `toml:"log_level"`
	Storage    Storage `toml:"storage"`
}

// Storage selects the record backend and carries per-backend settings.
// Only the section matching Backend is consulted. Stage orders the store
// within host startup; components registered at higher stages start after
// it and stop before it.
type Storage struct {
	Backend  string   `toml:"backend"`
	Stage    int      `toml:"stage"`
	Bolt     Bolt     `toml:"bolt"`
	Postgres Postgres `toml:"postgres"`
	Consul   Consul   `toml:"consul"`
	DynamoDB DynamoDB `toml:"dynamodb"`
}

// Bolt configures the embedded file-backed store.
type Bolt struct {
	Path string `toml:"path"`
}

// Postgres configures the PostgreSQL backend.
type Postgres struct {
	ConnStr string `toml:"conn_str"`
	Schema  string `toml:"schema"`
	Table   string `toml:"table"`
}

// Consul configures the Consul KV backend.
type Consul struct {
	Address    string `toml:"address"`
	Prefix     string `toml:"prefix"`
	Token      string `toml:"token"`
	Datacenter string `toml:"datacenter"`
}

// DynamoDB configures the DynamoDB backend. Endpoint overrides the AWS
// endpoint for local test instances and is usually empty.
type DynamoDB struct {
	Table    string `toml:"table"`
	Region   string `toml:"region"`
	Endpoint string `toml:"endpoint"`
}

// New returns a Config with default values: an in-memory backend behind
// a loopback listener.
func New() *Config {
	return &Config{
		ListenAddr: "127.0.0.1:8470",
		LogLevel:   "info",
		Storage: Storage{
			Backend: BackendInMem,
			Bolt: Bolt{
				Path: "grainstore.db",
			},
			Postgres: Postgres{
				Schema: "public",
				Table:  "grain_records",
			},
			Consul: Consul{
				Address: "127.0.0.1:8500",
				Prefix:  "grainstore/records",
			},
			DynamoDB: DynamoDB{
				Table:  "grain-records",
				Region: "us-east-1",
			},
		},
	}
}

// Load reads the TOML file at path over the defaults and validates the
// result. An empty path yields the validated defaults.
func Load(path string) (*Config, error) {
	cfg := New()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration and reports every problem found, not
// just the first.
func (c *Config) Validate() error {
	var errs *multierror.Error

	if c.ListenAddr == "" {
		errs = multierror.Append(errs, fmt.Errorf("listen_addr must not be empty"))
	}
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		errs = multierror.Append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	if c.Storage.Stage < 0 {
		errs = multierror.Append(errs, fmt.Errorf("storage.stage must not be negative"))
	}

	switch c.Storage.Backend {
	case BackendInMem:
	case BackendBolt:
		if c.Storage.Bolt.Path == "" {
			errs = multierror.Append(errs, fmt.Errorf("storage.bolt.path must not be empty"))
		}
	case BackendPostgres:
		if c.Storage.Postgres.ConnStr == "" {
			errs = multierror.Append(errs, fmt.Errorf("storage.postgres.conn_str must not be empty"))
		}
		if c.Storage.Postgres.Table == "" {
			errs = multierror.Append(errs, fmt.Errorf("storage.postgres.table must not be empty"))
		}
	case BackendConsul:
		if c.Storage.Consul.Address == "" {
			errs = multierror.Append(errs, fmt.Errorf("storage.consul.address must not be empty"))
		}
		if c.Storage.Consul.Prefix == "" {
			errs = multierror.Append(errs, fmt.Errorf("storage.consul.prefix must not be empty"))
		}
	case BackendDynamoDB:
		if c.Storage.DynamoDB.Table == "" {
			errs = multierror.Append(errs, fmt.Errorf("storage.dynamodb.table must not be empty"))
		}
		if c.Storage.DynamoDB.Region == "" {
			errs = multierror.Append(errs, fmt.Errorf("storage.dynamodb.region must not be empty"))
		}
	default:
		errs = multierror.Append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}

	return errs.ErrorOrNil()
}
