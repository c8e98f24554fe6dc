package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
gateway:
  mac: "AA:BB:CC:11:22:33"
  protocol_version: 1
  heartbeat_period_seconds: 30
  up_message_pool_size: 16
  command_timeout_seconds: 5

connectors:
  - name: primary
    kind: wifi
    network_server_url: ns.example.test
    network_server_port: 1700
    sntp_server_url: pool.ntp.org
    sntp_server_period_seconds: 3600

node:
  event_url: "ipc:///tmp/gw-events.sock"
  command_url: "ipc:///tmp/gw-cmd.sock"

metrics:
  listen_addr: ":9100"
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write sample config: %v", err)
	}
	return path
}

func TestLoadParsesGatewayAndConnectors(t *testing.T) {
	cfg, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Connectors) != 1 || cfg.Connectors[0].Name != "primary" {
		t.Fatalf("unexpected connectors: %+v", cfg.Connectors)
	}
	mac, err := cfg.GatewayMAC()
	if err != nil {
		t.Fatalf("GatewayMAC: %v", err)
	}
	want := [6]byte{0xAA, 0xBB, 0xCC, 0x11, 0x22, 0x33}
	if mac != want {
		t.Fatalf("mac = %v; want %v", mac, want)
	}
}

func TestServerConfigWiresOneConnectorPerEntry(t *testing.T) {
	cfg, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sc, err := cfg.ServerConfig()
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	if len(sc.Connectors) != 1 {
		t.Fatalf("expected one connector, got %d", len(sc.Connectors))
	}
	if sc.Connectors[0].Conn == nil {
		t.Fatalf("expected a constructed connector.Itf")
	}
	if sc.HeartbeatPeriod.Seconds() != 30 {
		t.Fatalf("heartbeat period = %v; want 30s", sc.HeartbeatPeriod)
	}
}

func TestServerConfigRejectsUnknownConnectorKind(t *testing.T) {
	cfg := &Config{}
	cfg.Gateway.MAC = "AA:BB:CC:11:22:33"
	cfg.Connectors = []ConnectorEntry{{Name: "x", Kind: "lorawan-backend-cloud"}}
	if _, err := cfg.ServerConfig(); err == nil {
		t.Fatalf("expected error for unsupported connector kind")
	}
}
