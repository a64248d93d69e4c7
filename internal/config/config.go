// Package config loads the YAML configuration shared by the client and
// server roles, with optional .env and environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	RoleClient = "client"
	RoleServer = "server"

	TransportUDP  = "udp"
	TransportQUIC = "quic"

	// QUIC DATAGRAM frames must fit a single QUIC packet.
	maxQUICMTU = 1150
)

// Environment overrides, applied after the YAML file.
const (
	EnvServer       = "NETUAL_SERVER"
	EnvLogLevel     = "NETUAL_LOG_LEVEL"
	EnvStatusListen = "NETUAL_STATUS_LISTEN"
)

type Config struct {
	Role            string        `yaml:"role"`
	Server          string        `yaml:"server"`
	DataPort        int           `yaml:"data_port"`
	ControlPort     int           `yaml:"control_port"`
	RegisterTimeout time.Duration `yaml:"register_timeout"`

	TunName  string   `yaml:"tun_name"`
	TunCIDR  string   `yaml:"tun_cidr"`
	MTU      int      `yaml:"mtu"`
	Routes   []string `yaml:"routes"`
	LogLevel string   `yaml:"log_level"`

	Transport   string          `yaml:"transport"`
	Transports  []string        `yaml:"transports"`
	Paths       []PathConfig    `yaml:"paths"`
	Links       LinksConfig     `yaml:"links"`
	DedupWindow int             `yaml:"dedup_window"`
	Reconnect   ReconnectConfig `yaml:"reconnect"`

	StatusListen string `yaml:"status_listen"`

	TLSCertFile           string `yaml:"tls_cert_file"`
	TLSKeyFile            string `yaml:"tls_key_file"`
	TLSCAFile             string `yaml:"tls_ca_file"`
	TLSServerName         string `yaml:"tls_server_name"`
	TLSInsecureSkipVerify bool   `yaml:"tls_insecure_skip_verify"`

	// Server role.
	Listen          string        `yaml:"listen"`
	SessionTimeout  time.Duration `yaml:"session_timeout"`
	PeerTimeout     time.Duration `yaml:"peer_timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// PathConfig pins one link to a local address or interface instead of
// discovering paths through netlink. Bind is an IPv4 address or
// "if:<name>".
type PathConfig struct {
	Name  string `yaml:"name"`
	Bind  string `yaml:"bind"`
	Class string `yaml:"class"`
}

type LinksConfig struct {
	QueueSize         int           `yaml:"queue_size"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	Supervise         bool          `yaml:"supervise"`
	SuperviseInterval time.Duration `yaml:"supervise_interval"`
}

type ReconnectConfig struct {
	Enabled         *bool         `yaml:"enabled"`
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// On reports whether the client should retry failed attempts. Defaults to true.
func (r ReconnectConfig) On() bool {
	return r.Enabled == nil || *r.Enabled
}

// Default returns a client config with every default applied.
func Default() *Config {
	cfg := &Config{Role: RoleClient}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML file, applies environment overrides, then defaults and
// validation. An empty path yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv(EnvServer); ok && v != "" {
		c.Server = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv(EnvStatusListen); ok {
		c.StatusListen = v
	}
}

func (c *Config) applyDefaults() {
	c.Role = strings.ToLower(strings.TrimSpace(c.Role))
	if c.Role == "" {
		c.Role = RoleClient
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.Server = strings.TrimSpace(c.Server)
	if c.DataPort == 0 {
		c.DataPort = 9999
	}
	if c.ControlPort == 0 {
		c.ControlPort = 9998
	}
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = 5 * time.Second
	}
	if c.TunName == "" {
		c.TunName = "netual0"
	}
	if c.TunCIDR == "" {
		if c.Role == RoleServer {
			c.TunCIDR = "10.0.0.1/24"
		} else {
			c.TunCIDR = "10.0.0.2/24"
		}
	}
	if c.MTU == 0 {
		c.MTU = 1500
	}
	if c.Routes == nil && c.Role == RoleClient {
		c.Routes = []string{"0.0.0.0/1", "128.0.0.0/1"}
	}
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	if c.Transport == "" {
		c.Transport = TransportUDP
	}
	if len(c.Transports) == 0 {
		c.Transports = []string{"wifi", "cellular"}
	}
	for i := range c.Transports {
		c.Transports[i] = strings.ToLower(strings.TrimSpace(c.Transports[i]))
	}
	for i := range c.Paths {
		p := &c.Paths[i]
		if p.Name == "" {
			p.Name = fmt.Sprintf("path%d", i+1)
		}
		if p.Class == "" {
			p.Class = "static"
		}
	}
	if c.Links.QueueSize <= 0 {
		c.Links.QueueSize = 256
	}
	if c.Links.PollInterval <= 0 {
		c.Links.PollInterval = 50 * time.Millisecond
	}
	if c.Links.SuperviseInterval <= 0 {
		c.Links.SuperviseInterval = 5 * time.Second
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 1024
	}
	if c.Reconnect.InitialInterval <= 0 {
		c.Reconnect.InitialInterval = time.Second
	}
	if c.Reconnect.MaxInterval <= 0 {
		c.Reconnect.MaxInterval = 30 * time.Second
	}
	if c.TLSServerName == "" {
		c.TLSServerName = "netual-server"
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 120 * time.Second
	}
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = 10 * time.Second
	}
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" && c.Role == RoleServer {
		c.Listen = "0.0.0.0"
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 30 * time.Second
	}
}

// Validate checks a config that already had defaults applied.
func (c *Config) Validate() error {
	if c.Role != RoleClient && c.Role != RoleServer {
		return fmt.Errorf("role must be client or server")
	}
	if c.DataPort <= 0 || c.DataPort > 65535 {
		return fmt.Errorf("data_port invalid")
	}
	if c.ControlPort <= 0 || c.ControlPort > 65535 {
		return fmt.Errorf("control_port invalid")
	}
	if _, err := netip.ParsePrefix(c.TunCIDR); err != nil {
		return fmt.Errorf("tun_cidr invalid: %w", err)
	}
	if c.MTU < 576 || c.MTU > 65535-8 {
		return fmt.Errorf("mtu must be between 576 and %d", 65535-8)
	}
	for _, r := range c.Routes {
		if _, err := netip.ParsePrefix(r); err != nil {
			return fmt.Errorf("routes: %w", err)
		}
	}
	if c.Transport != TransportUDP && c.Transport != TransportQUIC {
		return fmt.Errorf("transport must be udp or quic")
	}
	if c.Transport == TransportQUIC && c.MTU > maxQUICMTU {
		return fmt.Errorf("mtu must be <= %d with quic transport", maxQUICMTU)
	}
	if c.DedupWindow < 64 || c.DedupWindow > 1<<20 || c.DedupWindow&(c.DedupWindow-1) != 0 {
		return fmt.Errorf("dedup_window must be a power of two between 64 and %d", 1<<20)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must be >= 0")
	}

	switch c.Role {
	case RoleClient:
		for _, t := range c.Transports {
			switch t {
			case "wifi", "cellular", "ethernet":
			default:
				return fmt.Errorf("transports: unknown class %q", t)
			}
		}
		for i, p := range c.Paths {
			if p.Bind == "" {
				return fmt.Errorf("paths[%d].bind required", i)
			}
			if !strings.HasPrefix(p.Bind, "if:") && net.ParseIP(p.Bind) == nil {
				return fmt.Errorf("paths[%d].bind invalid: %s", i, p.Bind)
			}
		}
		if c.Transport == TransportQUIC && !c.TLSInsecureSkipVerify && c.TLSCAFile == "" {
			return fmt.Errorf("tls_ca_file required for quic transport when tls_insecure_skip_verify=false")
		}
	case RoleServer:
		if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
			return fmt.Errorf("tls_cert_file and tls_key_file must be set together")
		}
		if c.Transport == TransportQUIC && c.TLSCertFile == "" {
			return fmt.Errorf("tls_cert_file and tls_key_file required for quic transport")
		}
		if c.Listen != "" && net.ParseIP(c.Listen) == nil {
			return fmt.Errorf("listen must be an IP address: %s", c.Listen)
		}
	}
	return nil
}

// DataAddr is the server's data endpoint for the given host.
func (c *Config) DataAddr(host string) string {
	return net.JoinHostPort(host, fmt.Sprintf("%d", c.DataPort))
}

// ControlAddr is the server's control endpoint for the given host.
func (c *Config) ControlAddr(host string) string {
	return net.JoinHostPort(host, fmt.Sprintf("%d", c.ControlPort))
}
