package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"portreg/internal/logger"
)

const (
	EnvListenAddr          = "LISTEN_ADDR"
	EnvDBDriver            = "DB_DRIVER"
	EnvDBPath              = "DB_PATH"
	EnvDatabaseURL         = "DATABASE_URL"
	EnvDBMaxConns          = "DB_MAX_CONNS"
	EnvPortBaseline        = "PORT_BASELINE"
	EnvPortMax             = "PORT_MAX"
	EnvMaxPortsPerDevice   = "MAX_PORTS_PER_DEVICE"
	EnvAllocationRetries   = "ALLOCATION_RETRIES"
	EnvStrictSSHKeys       = "STRICT_SSH_KEYS"
	EnvDomainName          = "DOMAIN_NAME"
	EnvProxyBackendHost    = "PROXY_BACKEND_HOST"
	EnvProxyEntryPoint     = "PROXY_ENTRYPOINT"
	EnvProxyCertResolver   = "PROXY_CERT_RESOLVER"
	EnvAuthorizeKeyHost    = "AUTHORIZE_KEY_HOST"
	EnvAuthorizeKeyPort    = "AUTHORIZE_KEY_PORT"
	EnvAuthorizeKeyTimeout = "AUTHORIZE_KEY_TIMEOUT"
	EnvBackupEnabled       = "BACKUP_ENABLED"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	DefaultPortBaseline = 8000
	MinPortNumber       = 1
	MaxPortNumber       = 65535
)

// DatabaseConfig selects and addresses the device/port store.
type DatabaseConfig struct {
	Driver   string
	Path     string // sqlite file
	URL      string // postgres connection string
	MaxConns int32
}

// AllocatorConfig bounds port allocation.
type AllocatorConfig struct {
	Baseline          uint16
	MaxPort           uint16
	MaxPortsPerDevice int
	MaxRetries        int
	StrictSSHKeys     bool
}

// ProxyConfig parameterizes the generated routing document.
type ProxyConfig struct {
	DomainName   string
	BackendHost  string
	EntryPoint   string
	CertResolver string
}

// AuthorizeKeyConfig addresses the key-registration service that receives
// device credentials.
type AuthorizeKeyConfig struct {
	Host    string
	Port    int
	Timeout time.Duration
}

// Config holds runtime configuration loaded from environment variables.
type Config struct {
	ListenAddr   string
	Database     DatabaseConfig
	Allocator    AllocatorConfig
	Proxy        ProxyConfig
	AuthorizeKey AuthorizeKeyConfig
	Log          logger.Config

	// BackupEnabled exposes the database download. The snapshot holds every
	// device credential and the API is unauthenticated, so it is off unless
	// asked for.
	BackupEnabled bool
}

// LoadFromEnv loads configuration from the process environment. The result
// is not validated; callers apply their overrides and then call Validate.
func LoadFromEnv() (Config, error) {
	return Load(os.Getenv)
}

// Load builds a Config from getenv. Only malformed values are rejected here.
func Load(getenv func(string) string) (Config, error) {
	e := env{getenv: getenv}

	cfg := Config{
		ListenAddr: e.getStr(EnvListenAddr, ":8081"),
		Database: DatabaseConfig{
			Driver:   strings.ToLower(e.getStr(EnvDBDriver, DriverSQLite)),
			Path:     e.getStr(EnvDBPath, "app.db"),
			URL:      e.getStr(EnvDatabaseURL, ""),
			MaxConns: int32(e.getInt(EnvDBMaxConns, 0)),
		},
		Allocator: AllocatorConfig{
			Baseline:          e.getPort(EnvPortBaseline, DefaultPortBaseline),
			MaxPort:           e.getPort(EnvPortMax, MaxPortNumber),
			MaxPortsPerDevice: e.getInt(EnvMaxPortsPerDevice, 16),
			MaxRetries:        e.getInt(EnvAllocationRetries, 5),
			StrictSSHKeys:     e.getBool(EnvStrictSSHKeys, false),
		},
		Proxy: ProxyConfig{
			DomainName:   e.getStr(EnvDomainName, ""),
			BackendHost:  e.getStr(EnvProxyBackendHost, "ssh_reverse_proxy"),
			EntryPoint:   e.getStr(EnvProxyEntryPoint, "websecure"),
			CertResolver: e.getStr(EnvProxyCertResolver, "myresolver"),
		},
		AuthorizeKey: AuthorizeKeyConfig{
			Host:    e.getStr(EnvAuthorizeKeyHost, ""),
			Port:    e.getInt(EnvAuthorizeKeyPort, 8081),
			Timeout: e.getDuration(EnvAuthorizeKeyTimeout, 5*time.Second),
		},
		Log:           logger.ConfigFromEnv(getenv),
		BackupEnabled: e.getBool(EnvBackupEnabled, false),
	}

	if e.err != nil {
		return Config{}, e.err
	}
	return cfg, nil
}

// Validate checks that the configuration is coherent.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("invalid %s: must not be empty", EnvListenAddr)
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("invalid %s: must not be empty", EnvDBPath)
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("invalid %s: required when %s=%s", EnvDatabaseURL, EnvDBDriver, DriverPostgres)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("invalid %s: %q (want %s, %s or %s)",
			EnvDBDriver, c.Database.Driver, DriverSQLite, DriverPostgres, DriverMemory)
	}

	a := c.Allocator
	if a.Baseline < MinPortNumber {
		return fmt.Errorf("invalid %s: must be in range %d..%d", EnvPortBaseline, MinPortNumber, MaxPortNumber)
	}
	if a.MaxPort < a.Baseline {
		return fmt.Errorf("invalid %s: %d is below %s %d", EnvPortMax, a.MaxPort, EnvPortBaseline, a.Baseline)
	}
	if a.MaxPortsPerDevice <= 0 {
		return fmt.Errorf("invalid %s: must be > 0", EnvMaxPortsPerDevice)
	}
	if a.MaxRetries <= 0 {
		return fmt.Errorf("invalid %s: must be > 0", EnvAllocationRetries)
	}

	if c.Proxy.BackendHost == "" {
		return fmt.Errorf("invalid %s: must not be empty", EnvProxyBackendHost)
	}
	if c.Proxy.EntryPoint == "" {
		return fmt.Errorf("invalid %s: must not be empty", EnvProxyEntryPoint)
	}

	if c.AuthorizeKey.Host != "" {
		if c.AuthorizeKey.Port < MinPortNumber || c.AuthorizeKey.Port > MaxPortNumber {
			return fmt.Errorf("invalid %s: must be in range %d..%d", EnvAuthorizeKeyPort, MinPortNumber, MaxPortNumber)
		}
		if c.AuthorizeKey.Timeout <= 0 {
			return fmt.Errorf("invalid %s: must be > 0", EnvAuthorizeKeyTimeout)
		}
	}
	return nil
}

// env reads typed values and remembers the first parse failure.
type env struct {
	getenv func(string) string
	err    error
}

func (e *env) getStr(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *env) getInt(key string, def int) int {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(fmt.Errorf("invalid %s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (e *env) getPort(key string, def uint16) uint16 {
	n := e.getInt(key, int(def))
	if n < MinPortNumber || n > MaxPortNumber {
		e.fail(fmt.Errorf("invalid %s: must be in range %d..%d", key, MinPortNumber, MaxPortNumber))
		return def
	}
	return uint16(n)
}

func (e *env) getBool(key string, def bool) bool {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(fmt.Errorf("invalid %s: %q is not a boolean", key, v))
		return def
	}
	return b
}

func (e *env) getDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(fmt.Errorf("invalid %s: %q is not a duration", key, v))
		return def
	}
	return d
}

func (e *env) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}
