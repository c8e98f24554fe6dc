// Package config loads the gateway's bootstrap YAML settings file and
// translates it into the internal settings structs the rest of the gateway
// core consumes, following cmd/agsys-controller/main.go's loadConfig shape.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agsys/lorawan-gateway-core/internal/connector"
	"github.com/agsys/lorawan-gateway-core/internal/server"
)

// Config is the on-disk LoraServerSettings-equivalent bootstrap file (§3,
// §6): protocol identity, the heartbeat schedule, and an ordered list of
// connectors to try during handshake/failover.
type Config struct {
	Gateway struct {
		MAC             string `yaml:"mac"`
		ProtocolVersion int    `yaml:"protocol_version"`
		HeartbeatPeriod int    `yaml:"heartbeat_period_seconds"`
		UpMessagePool   int    `yaml:"up_message_pool_size"`
		CommandTimeout  int    `yaml:"command_timeout_seconds"`
	} `yaml:"gateway"`

	Connectors []ConnectorEntry `yaml:"connectors"`

	Metrics struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"metrics"`

	Node struct {
		EventURL   string `yaml:"event_url"`
		CommandURL string `yaml:"command_url"`
	} `yaml:"node"`
}

// ConnectorEntry is one entry of the connectors list. Only the "wifi" kind
// is implemented by this repository's reference ConnectorItf.
type ConnectorEntry struct {
	Name                 string `yaml:"name"`
	Kind                 string `yaml:"kind"`
	NetworkServerURL     string `yaml:"network_server_url"`
	NetworkServerPort    int    `yaml:"network_server_port"`
	NetworkServerUser    string `yaml:"network_server_user"`
	NetworkServerPass    string `yaml:"network_server_pass"`
	NetworkServerTimeout int    `yaml:"network_server_timeout_seconds"`
	SNTPServerURL        string `yaml:"sntp_server_url"`
	SNTPServerPeriod     int    `yaml:"sntp_server_period_seconds"`
	SendTimeout          int    `yaml:"send_timeout_seconds"`
	RecvTimeout          int    `yaml:"recv_timeout_seconds"`
	DownlinkPoolSize     int    `yaml:"downlink_pool_size"`
}

// Load reads and parses the bootstrap file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(cfg.Connectors) == 0 {
		return nil, fmt.Errorf("config: at least one connector is required")
	}
	return &cfg, nil
}

// GatewayMAC parses the configured colon-separated MAC address.
func (c *Config) GatewayMAC() ([6]byte, error) {
	var mac [6]byte
	hw, err := net.ParseMAC(c.Gateway.MAC)
	if err != nil || len(hw) != 6 {
		return mac, fmt.Errorf("config: invalid gateway.mac %q", c.Gateway.MAC)
	}
	copy(mac[:], hw)
	return mac, nil
}

// ServerConfig translates the bootstrap file into a server.Config, wiring
// one connector.Itf per configured entry. Unknown connector kinds are
// rejected rather than silently skipped.
func (c *Config) ServerConfig() (server.Config, error) {
	mac, err := c.GatewayMAC()
	if err != nil {
		return server.Config{}, err
	}

	sc := server.Config{
		ProtocolVersion:   byte(c.Gateway.ProtocolVersion),
		GatewayMAC:        mac,
		HeartbeatPeriod:   time.Duration(c.Gateway.HeartbeatPeriod) * time.Second,
		UpMessagePoolSize: c.Gateway.UpMessagePool,
		CommandTimeout:    time.Duration(c.Gateway.CommandTimeout) * time.Second,
	}

	for _, entry := range c.Connectors {
		if entry.Kind != "" && entry.Kind != "wifi" {
			return server.Config{}, fmt.Errorf("config: unsupported connector kind %q for %q", entry.Kind, entry.Name)
		}
		wifiCfg := connector.DefaultWifiConfig()
		if entry.DownlinkPoolSize > 0 {
			wifiCfg.DownlinkPoolSize = entry.DownlinkPoolSize
		}
		if entry.NetworkServerTimeout > 0 {
			wifiCfg.CommandTimeout = time.Duration(entry.NetworkServerTimeout) * time.Second
		}
		conn := connector.NewWifiConnector(wifiCfg)

		settings := connector.Settings{
			NetworkServerURL:     entry.NetworkServerURL,
			NetworkServerPort:    entry.NetworkServerPort,
			NetworkServerUser:    entry.NetworkServerUser,
			NetworkServerPass:    entry.NetworkServerPass,
			NetworkServerTimeout: time.Duration(entry.NetworkServerTimeout) * time.Second,
			SNTPServerURL:        entry.SNTPServerURL,
			SNTPServerPeriod:     time.Duration(entry.SNTPServerPeriod) * time.Second,
			SendTimeout:          time.Duration(entry.SendTimeout) * time.Second,
			RecvTimeout:          time.Duration(entry.RecvTimeout) * time.Second,
			GatewayMAC:           mac,
		}

		sc.Connectors = append(sc.Connectors, server.ConnectorConfig{
			Name:     entry.Name,
			Conn:     conn,
			Settings: settings,
		})
	}

	return sc, nil
}
