// Package config loads keyvaultd's configuration from an optional TOML
// file, with command-line flags available to override any field.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Config is the full set of tunables for one keyvaultd instance.
type Config struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`

	SnapshotPath string `toml:"snapshot_path"`
	BackupPath   string `toml:"backup_path"`

	MaxKeys         int           `toml:"max_keys"`
	SweepInterval   time.Duration `toml:"sweep_interval"`
	BacklogCapacity int           `toml:"backlog_capacity"`

	// ReplicationRole is "primary" or "replica".
	ReplicationRole       string `toml:"replication_role"`
	ReplicationMasterHost string `toml:"replication_master_host"`
	ReplicationMasterPort int    `toml:"replication_master_port"`

	MetricsAddr string `toml:"metrics_addr"`
}

// Default returns the baseline configuration before any file or flag
// override is applied.
func Default() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            6379,
		SnapshotPath:    "keyvaultd.sdb",
		BackupPath:      "backup.rdb",
		MaxKeys:         1000,
		SweepInterval:   10 * time.Second,
		BacklogCapacity: 1024 * 1024,
		ReplicationRole: "primary",
		MetricsAddr:     "",
	}
}

// Load reads path (if non-empty) into a Config seeded with Default,
// returning an error if the file cannot be read or fails to parse.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to load config file %q", path)
	}
	return cfg, nil
}

// BindFlags registers pflag overrides for every field onto fs, with
// cfg's current values as defaults. Call after Load so file values
// become the flags' defaults, then call fs.Parse and pass the pointers
// through.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Host, "host", cfg.Host, "address to bind the client listener")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "port to listen on")
	fs.StringVar(&cfg.SnapshotPath, "snapshot-path", cfg.SnapshotPath, "path to the on-disk snapshot file")
	fs.StringVar(&cfg.BackupPath, "backup-path", cfg.BackupPath, "path the BACKUP command writes to")
	fs.IntVar(&cfg.MaxKeys, "max-keys", cfg.MaxKeys, "hard cap on live keyspace size")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "background sweeper interval")
	fs.IntVar(&cfg.BacklogCapacity, "backlog-capacity", cfg.BacklogCapacity, "replication backlog size in bytes")
	fs.StringVar(&cfg.ReplicationRole, "replication-role", cfg.ReplicationRole, "primary or replica")
	fs.StringVar(&cfg.ReplicationMasterHost, "replication-master-host", cfg.ReplicationMasterHost, "primary host when role is replica")
	fs.IntVar(&cfg.ReplicationMasterPort, "replication-master-port", cfg.ReplicationMasterPort, "primary port when role is replica")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve /metrics on, empty disables it")
}

// IsReplica reports whether the configured role is "replica".
func (c Config) IsReplica() bool {
	return c.ReplicationRole == "replica"
}
