// Package config loads and validates the PureBoot server configuration.
//
// Configuration sources, in order of precedence:
//  1. CLI flags (bound by cmd/pureboot)
//  2. Environment variables (PUREBOOT_*)
//  3. Configuration file (YAML)
//  4. Defaults
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	// DataDir holds the event journal and, with the sqlite backend,
	// the relational database file.
	DataDir string `mapstructure:"data_dir"`

	Log       LogConfig       `mapstructure:"log"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	TFTP      TFTPConfig      `mapstructure:"tftp"`
	ProxyDHCP ProxyDHCPConfig `mapstructure:"proxy_dhcp"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Workflows WorkflowConfig  `mapstructure:"workflows"`
	Staging   StagingConfig   `mapstructure:"staging"`
	Clone     CloneConfig     `mapstructure:"clone"`
	Partition PartitionConfig `mapstructure:"partition"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// HTTPConfig controls the API server.
type HTTPConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`

	// BaseURL is the externally reachable URL agents and iPXE use to
	// call back, e.g. "http://10.0.0.1:8080". Rendered into every
	// boot script.
	BaseURL string `mapstructure:"base_url"`

	// ControlTimeout bounds non-streaming request handling.
	ControlTimeout time.Duration `mapstructure:"control_timeout"`
}

// TFTPConfig controls the bootloader file server.
type TFTPConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Root       string `mapstructure:"root"`
}

// ProxyDHCPConfig controls the PXE helper on UDP 4011.
type ProxyDHCPConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`

	// NextServer is the TFTP server address handed to PXE clients.
	// Defaults to the host part of HTTP.BaseURL.
	NextServer string `mapstructure:"next_server"`
}

// DatabaseType selects the relational backend.
type DatabaseType string

const (
	DatabaseSQLite   DatabaseType = "sqlite"
	DatabasePostgres DatabaseType = "postgres"
)

// DatabaseConfig configures the persistence store.
type DatabaseConfig struct {
	Type DatabaseType `mapstructure:"type"`

	// SQLite
	Path string `mapstructure:"path"`

	// Postgres
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// DSN returns the postgres connection string.
func (c *DatabaseConfig) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		c.Host, c.Port, c.User, c.Password, c.Name)
	if c.SSLMode != "" {
		dsn += fmt.Sprintf(" sslmode=%s", c.SSLMode)
	}
	return dsn
}

// WorkflowConfig locates workflow definitions.
type WorkflowConfig struct {
	Dir string `mapstructure:"dir"`
}

// StagingConfig configures the staging brokers. A broker is active only
// when its section is filled in; staged clones fail with a capability
// error when no broker is configured.
type StagingConfig struct {
	NFS   NFSStagingConfig   `mapstructure:"nfs"`
	ISCSI ISCSIStagingConfig `mapstructure:"iscsi"`
}

// NFSStagingConfig describes the export staged images are parked under.
type NFSStagingConfig struct {
	Server       string `mapstructure:"server"`
	Export       string `mapstructure:"export"`
	MountOptions string `mapstructure:"mount_options"`

	// LocalPath is where the export is mounted on the controller, used
	// to create and clean per-session directories. Leave empty when the
	// NFS server manages the tree itself.
	LocalPath string `mapstructure:"local_path"`
}

// Configured reports whether the NFS broker can be used.
func (c NFSStagingConfig) Configured() bool {
	return c.Server != "" && c.Export != ""
}

// ISCSIStagingConfig describes the target service LUNs are provisioned on.
type ISCSIStagingConfig struct {
	Portal    string `mapstructure:"portal"`
	IQNPrefix string `mapstructure:"iqn_prefix"`
	CHAP      bool   `mapstructure:"chap"`
}

// Configured reports whether the iSCSI broker can be used.
func (c ISCSIStagingConfig) Configured() bool {
	return c.Portal != "" && c.IQNPrefix != ""
}

// CloneConfig holds clone session timing knobs.
type CloneConfig struct {
	// CertGrace keeps session certificates fetchable after a terminal
	// transition, so a retrying agent gets its material instead of a 404.
	CertGrace time.Duration `mapstructure:"cert_grace"`

	// DirectTimeout bounds the wait for source rendezvous in direct mode.
	DirectTimeout time.Duration `mapstructure:"direct_timeout"`

	// StagingTimeout bounds the wait for staging readiness.
	StagingTimeout time.Duration `mapstructure:"staging_timeout"`
}

// PartitionConfig holds partition queue timing knobs.
type PartitionConfig struct {
	// StaleWindow returns an in_progress operation to pending when the
	// agent has gone quiet for this long.
	StaleWindow time.Duration `mapstructure:"stale_window"`

	// Retention keeps terminal operations around for audit before purge.
	Retention time.Duration `mapstructure:"retention"`
}

// Load reads configuration from the given file path (optional) plus
// PUREBOOT_* environment variables, applies defaults, and validates.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("PUREBOOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "/var/lib/pureboot")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("http.listen_addr", ":8080")
	v.SetDefault("http.control_timeout", 30*time.Second)
	v.SetDefault("tftp.enabled", true)
	v.SetDefault("tftp.listen_addr", ":69")
	v.SetDefault("proxy_dhcp.enabled", false)
	v.SetDefault("proxy_dhcp.listen_addr", ":4011")
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("clone.cert_grace", 60*time.Second)
	v.SetDefault("clone.direct_timeout", 10*time.Minute)
	v.SetDefault("clone.staging_timeout", 30*time.Minute)
	v.SetDefault("partition.stale_window", 15*time.Minute)
	v.SetDefault("partition.retention", 24*time.Hour)
}

// ApplyDefaults fills in values derived from other settings.
func (c *Config) ApplyDefaults() {
	if c.Database.Type == DatabaseSQLite && c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "pureboot.db")
	}
	if c.TFTP.Root == "" {
		c.TFTP.Root = filepath.Join(c.DataDir, "tftp")
	}
	if c.Workflows.Dir == "" {
		c.Workflows.Dir = filepath.Join(c.DataDir, "workflows")
	}
}

// Validate checks the configuration for values the server cannot run
// without.
func (c *Config) Validate() error {
	if c.HTTP.BaseURL == "" {
		return fmt.Errorf("http.base_url is required: agents and iPXE need a reachable callback URL")
	}
	switch c.Database.Type {
	case DatabaseSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case DatabasePostgres:
		if c.Database.Host == "" || c.Database.Name == "" || c.Database.User == "" {
			return fmt.Errorf("database host, name and user are required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}
	return nil
}
