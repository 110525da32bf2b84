package coap

import (
	"os"
	"strconv"
	"strings"
)

// Config holds the settings a Context reads from its environment at
// construction, matching the teacher's Debug/HealthMonitor pattern of
// a handful of package-level toggles rather than a configuration
// struct threaded everywhere (spec.md section 5, "Environment
// configuration").
type Config struct {
	// ClientTransports lists client transport names in priority order.
	// Context stores it but does not consult it: the message layer
	// picks the first transport whose Scheme equals the remote
	// endpoint's Transport field.
	ClientTransports []string
	// ServerTransports lists server transport names in priority order.
	// Context stores it but binds nothing from it; the transports
	// passed to NewContext are the ones used.
	ServerTransports []string
	// ExpectAllDefaults records whether AIOCOAP_DEFAULTS_EXPECT_ALL is
	// set to a true value. Nothing in this module reads it.
	ExpectAllDefaults bool
}

const (
	envClientTransport   = "AIOCOAP_CLIENT_TRANSPORT"
	envServerTransport   = "AIOCOAP_SERVER_TRANSPORT"
	envExpectAllDefaults = "AIOCOAP_DEFAULTS_EXPECT_ALL"
)

// LoadConfig reads Config from the process environment, defaulting to
// a single "udp" transport on both sides.
func LoadConfig() Config {
	cfg := Config{
		ClientTransports: []string{"udp"},
		ServerTransports: []string{"udp"},
	}
	if v := os.Getenv(envClientTransport); v != "" {
		cfg.ClientTransports = splitColon(v)
	}
	if v := os.Getenv(envServerTransport); v != "" {
		cfg.ServerTransports = splitColon(v)
	}
	if v := os.Getenv(envExpectAllDefaults); v != "" {
		b, err := strconv.ParseBool(v)
		cfg.ExpectAllDefaults = err == nil && b
	}
	return cfg
}

func splitColon(v string) []string {
	parts := strings.Split(v, ":")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
