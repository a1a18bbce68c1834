// Package config loads the hostguard preferences. The core only reads them.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"hostguard/pkg/enforce"
	"hostguard/pkg/sources"
	"hostguard/pkg/version"
)

const (
	DefaultConfigPath = "/etc/hostguard/hostguard.toml"
	configEnvVar      = "HOSTGUARD_CONFIG"
)

// Config contains all runtime options.
type Config struct {
	Logging     LoggingConfig                 `mapstructure:"logging"`
	Data        DataConfig                    `mapstructure:"data"`
	Enforcement EnforcementConfig             `mapstructure:"enforcement"`
	Hosts       HostsConfig                   `mapstructure:"hosts"`
	Tunnel      TunnelConfig                  `mapstructure:"tunnel"`
	Sync        SyncConfig                    `mapstructure:"sync"`
	Admin       AdminConfig                   `mapstructure:"admin"`
	Sources     map[string]sources.ListConfig `mapstructure:"-"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level           string `mapstructure:"level"`
	File            string `mapstructure:"file"`
	ParseErrorLimit int    `mapstructure:"parse_error_limit"`
}

// DataConfig locates persistent state.
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// EnforcementConfig selects the strategy and the boot behaviour.
type EnforcementConfig struct {
	MethodName       string         `mapstructure:"method"`
	Method           enforce.Method `mapstructure:"-"`
	VPNOnBoot        bool           `mapstructure:"vpn_on_boot"`
	WebserverEnabled bool           `mapstructure:"webserver_enabled"`
	WebserverListen  string         `mapstructure:"webserver_listen"`
}

// HostsConfig configures the hosts-file strategy.
type HostsConfig struct {
	Path          string   `mapstructure:"path"`
	BackupPath    string   `mapstructure:"backup_path"`
	ReloadCommand []string `mapstructure:"reload_command"`
}

// TunnelConfig configures the tunnel strategy.
type TunnelConfig struct {
	Name            string        `mapstructure:"name"`
	Address         string        `mapstructure:"address"`
	DNSAddress      string        `mapstructure:"dns_address"`
	MTU             int           `mapstructure:"mtu"`
	Upstreams       []string      `mapstructure:"upstreams"`
	CacheSize       int           `mapstructure:"cache_size"`
	UpstreamTimeout time.Duration `mapstructure:"-"`
	Prefix          netip.Prefix  `mapstructure:"-"`
	Resolver        netip.Addr    `mapstructure:"-"`
}

// SyncConfig controls source retrieval.
type SyncConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	UserAgent   string        `mapstructure:"user_agent"`
	Timeout     time.Duration `mapstructure:"-"`
	Interval    time.Duration `mapstructure:"-"`
}

// AdminConfig configures the admin HTTP API. An empty Listen disables it.
type AdminConfig struct {
	Listen string `mapstructure:"listen"`
	Token  string `mapstructure:"token"`
}

// ValidateLogLevel ensures the user-provided log level matches the supported set.
func ValidateLogLevel(level string) error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[strings.ToLower(level)] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", level)
	}
	return nil
}

// ValidateAddress confirms that an address string has a valid host and UDP port.
func ValidateAddress(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if port == "" {
		return errors.New("invalid port")
	}
	if err != nil {
		return fmt.Errorf("invalid address format %s: %w", addr, err)
	}
	if ip := net.ParseIP(host); ip == nil {
		return fmt.Errorf("invalid IP address: %s", host)
	}
	if _, err := net.LookupPort("udp", port); err != nil {
		return fmt.Errorf("invalid port: %s", port)
	}
	return nil
}

// ParseUpstream adds the default DNS port when an upstream is provided without one.
func ParseUpstream(upstream string) string {
	if _, _, err := net.SplitHostPort(upstream); err == nil {
		return upstream
	}
	return net.JoinHostPort(strings.Trim(upstream, "[]"), "53")
}

// ResolvePath picks the configuration file: the flag value, then
// HOSTGUARD_CONFIG, then the default location.
func ResolvePath(flag string) string {
	if p := strings.TrimSpace(flag); p != "" {
		return p
	}
	if fromEnv := strings.TrimSpace(os.Getenv(configEnvVar)); fromEnv != "" {
		return fromEnv
	}
	return DefaultConfigPath
}

// Loader reads one configuration file and can watch it for changes.
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader prepares a loader for the TOML file at path.
func NewLoader(path string) *Loader {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)
	return &Loader{v: v, path: path}
}

// Path returns the file the loader reads.
func (l *Loader) Path() string { return l.path }

// Load reads and validates the file.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return l.decode()
}

// Watch calls onChange with the re-read configuration whenever the file
// changes. Invalid edits are reported through err; the caller keeps its
// previous configuration.
func (l *Loader) Watch(onChange func(cfg *Config, err error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		onChange(l.decode())
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	v := l.v
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	listConfigs, err := parseListConfigs(v)
	if err != nil {
		return nil, err
	}
	cfg.Sources = listConfigs

	if cfg.Tunnel.UpstreamTimeout, err = parseDuration(v.GetString("tunnel.upstream_timeout")); err != nil {
		return nil, fmt.Errorf("invalid tunnel.upstream_timeout: %w", err)
	}
	if cfg.Sync.Timeout, err = parseDuration(v.GetString("sync.timeout")); err != nil {
		return nil, fmt.Errorf("invalid sync.timeout: %w", err)
	}
	if cfg.Sync.Interval, err = parseDuration(v.GetString("sync.interval")); err != nil {
		return nil, fmt.Errorf("invalid sync.interval: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "stdout")
	v.SetDefault("logging.parse_error_limit", 20)
	v.SetDefault("data.dir", "/var/lib/hostguard")
	v.SetDefault("enforcement.method", "root")
	v.SetDefault("enforcement.vpn_on_boot", false)
	v.SetDefault("enforcement.webserver_enabled", false)
	v.SetDefault("enforcement.webserver_listen", "127.0.0.1:80")
	v.SetDefault("hosts.path", "/etc/hosts")
	v.SetDefault("tunnel.name", "hostguard0")
	v.SetDefault("tunnel.address", "10.111.222.1/24")
	v.SetDefault("tunnel.dns_address", "10.111.222.2")
	v.SetDefault("tunnel.mtu", 1500)
	v.SetDefault("tunnel.upstreams", []string{"1.1.1.1", "9.9.9.9"})
	v.SetDefault("tunnel.upstream_timeout", "3s")
	v.SetDefault("tunnel.cache_size", 10000)
	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("sync.timeout", "30s")
	v.SetDefault("sync.interval", "24h")
	v.SetDefault("sync.user_agent", "hostguard/"+version.HostguardVersion)
	v.SetDefault("admin.listen", "127.0.0.1:8053")
}

func parseDuration(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}

func validateConfig(cfg *Config) error {
	if err := ValidateLogLevel(cfg.Logging.Level); err != nil {
		return err
	}
	if cfg.Logging.ParseErrorLimit < 0 {
		return errors.New("logging.parse_error_limit must be >= 0")
	}
	if strings.TrimSpace(cfg.Data.Dir) == "" {
		return errors.New("data.dir is required")
	}

	method, err := enforce.ParseMethod(cfg.Enforcement.MethodName)
	if err != nil {
		return fmt.Errorf("invalid enforcement.method: %w", err)
	}
	cfg.Enforcement.Method = method
	if cfg.Enforcement.WebserverEnabled {
		if err := ValidateAddress(cfg.Enforcement.WebserverListen); err != nil {
			return fmt.Errorf("invalid enforcement.webserver_listen: %w", err)
		}
	}

	if cfg.Hosts.Path == "" {
		return errors.New("hosts.path is required")
	}

	if err := validateTunnel(&cfg.Tunnel); err != nil {
		return err
	}

	if cfg.Sync.Concurrency < 1 {
		return errors.New("sync.concurrency must be >= 1")
	}
	if cfg.Sync.Interval < 0 {
		return errors.New("sync.interval must be >= 0")
	}

	if cfg.Admin.Listen != "" {
		if err := ValidateAddress(cfg.Admin.Listen); err != nil {
			return fmt.Errorf("invalid admin.listen: %w", err)
		}
	}
	return nil
}

func validateTunnel(t *TunnelConfig) error {
	if t.Name == "" {
		return errors.New("tunnel.name is required")
	}
	prefix, err := netip.ParsePrefix(t.Address)
	if err != nil {
		return fmt.Errorf("invalid tunnel.address: %w", err)
	}
	t.Prefix = prefix
	resolver, err := netip.ParseAddr(t.DNSAddress)
	if err != nil {
		return fmt.Errorf("invalid tunnel.dns_address: %w", err)
	}
	t.Resolver = resolver
	if t.MTU < 576 || t.MTU > 65535 {
		return fmt.Errorf("tunnel.mtu %d out of range", t.MTU)
	}

	if len(t.Upstreams) == 0 {
		return errors.New("tunnel.upstreams must contain at least one entry")
	}
	parsedUpstreams := make([]string, len(t.Upstreams))
	for i, addr := range t.Upstreams {
		parsed := ParseUpstream(addr)
		if err := ValidateAddress(parsed); err != nil {
			return fmt.Errorf("invalid upstream address %s: %w", addr, err)
		}
		parsedUpstreams[i] = parsed
	}
	t.Upstreams = parsedUpstreams
	return nil
}

func parseListConfigs(v *viper.Viper) (map[string]sources.ListConfig, error) {
	raw := v.GetStringMap("sources")
	listConfigs := make(map[string]sources.ListConfig, len(raw))
	for key, value := range raw {
		subMap, ok := value.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("sources.%s must be a table", key)
		}
		var cfg sources.ListConfig
		if err := mapstructure.Decode(subMap, &cfg); err != nil {
			return nil, fmt.Errorf("parse sources.%s: %w", key, err)
		}
		listConfigs[strings.ToLower(key)] = cfg
	}
	return listConfigs, nil
}
