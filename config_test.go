package coap

import (
	"os"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	os.Unsetenv(envClientTransport)
	os.Unsetenv(envServerTransport)
	os.Unsetenv(envExpectAllDefaults)

	cfg := LoadConfig()
	if len(cfg.ClientTransports) != 1 || cfg.ClientTransports[0] != "udp" {
		t.Fatalf("ClientTransports = %v, want [udp]", cfg.ClientTransports)
	}
	if cfg.ExpectAllDefaults {
		t.Fatal("ExpectAllDefaults = true, want false by default")
	}
}

func TestLoadConfigReadsTransportPriorityList(t *testing.T) {
	os.Setenv(envClientTransport, "oscore:udp")
	defer os.Unsetenv(envClientTransport)

	cfg := LoadConfig()
	if len(cfg.ClientTransports) != 2 || cfg.ClientTransports[0] != "oscore" || cfg.ClientTransports[1] != "udp" {
		t.Fatalf("ClientTransports = %v, want [oscore udp]", cfg.ClientTransports)
	}
}
