// Package config holds node configuration: the base-currency network and
// what derives from it, plus the settings a node is started with.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/kunal-geeks/bisqp2p/internal/pb"
)

// Config is the node configuration. Zero values mean "not set".
type Config struct {
	Network Network `yaml:"network"`

	// ListenAddr is where the server accepts peers, e.g. "127.0.0.1:9999".
	ListenAddr string `yaml:"listen_addr"`

	// PublicAddr is the address announced to peers. When empty the
	// listening socket's address is used.
	PublicAddr string `yaml:"public_addr"`

	// ForcedSeed bypasses seed selection, "host:port".
	ForcedSeed string `yaml:"forced_seed"`

	// SocksProxyPort routes outbound dials through 127.0.0.1:port. 0 dials
	// directly.
	SocksProxyPort int `yaml:"socks_proxy_port"`

	LogLevel       string `yaml:"log_level"`
	LogDevelopment bool   `yaml:"log_development"`

	// MetricsAddr serves /metrics when set.
	MetricsAddr string `yaml:"metrics_addr"`

	// DataDir persists received data items. Empty keeps them in memory.
	DataDir string `yaml:"data_dir"`
}

// Default returns a regtest configuration listening on loopback.
func Default() Config {
	return Config{
		Network:    BtcRegtest,
		ListenAddr: "127.0.0.1:9999",
		LogLevel:   "info",
	}
}

// Load reads a YAML file over Default(). An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config.Load: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config.Load: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every field that is set.
func (c Config) Validate() error {
	var errs error
	if !c.Network.Valid() {
		errs = multierr.Append(errs, fmt.Errorf("network: unknown ordinal %d", int32(c.Network)))
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("listen_addr: %w", err))
	}
	if c.PublicAddr != "" {
		if _, err := ParseNodeAddress(c.PublicAddr); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("public_addr: %w", err))
		}
	}
	if c.ForcedSeed != "" {
		if _, err := ParseNodeAddress(c.ForcedSeed); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("forced_seed: %w", err))
		}
	}
	if c.SocksProxyPort < 0 || c.SocksProxyPort > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("socks_proxy_port: %w: %d", pb.ErrInvalidPort, c.SocksProxyPort))
	}
	return errs
}

// ParseNodeAddress parses "host:port". Ports outside 0..65535 are rejected
// here, so everything past this point can hold them as uint16.
func ParseNodeAddress(s string) (pb.NodeAddress, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return pb.NodeAddress{}, fmt.Errorf("parse node address %q: %w", s, err)
	}
	if host == "" {
		return pb.NodeAddress{}, fmt.Errorf("parse node address %q: empty host", s)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return pb.NodeAddress{}, fmt.Errorf("parse node address %q: %w", s, pb.ErrInvalidPort)
	}
	return pb.NodeAddress{HostName: host, Port: uint16(port)}, nil
}
