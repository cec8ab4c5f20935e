// Package config resolves runtime settings from the environment, with an
// optional .env file for development setups. Every value has a default
// that works for same-machine play out of the box.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/okvee/peertable/pkg/transport/ws"
)

// Config is everything tunable from outside the binary.
type Config struct {
	// BindHost is the interface a host listens on.
	BindHost string

	// GatewayHost is the address clients dial for a room code.
	GatewayHost string

	// BasePort and PortSpan bound the port range room codes map into.
	// Host and clients must agree on them.
	BasePort int
	PortSpan int

	// AllowedOrigins gates browser upgrades on the host's listener.
	AllowedOrigins []string

	// STUNServers feed ICE when rooms run over WebRTC.
	STUNServers []string

	// GracePeriod is how long a host hides a disconnect before telling
	// the table.
	GracePeriod time.Duration

	// OpenTimeout bounds claiming a room, dialing one, and WebRTC
	// negotiation.
	OpenTimeout time.Duration

	// IdentityFile overrides where the device identity is stored.
	IdentityFile string
}

// Load reads the environment, after folding in a .env file when present.
func Load() Config {
	if err := godotenv.Load(); err == nil {
		log.Print("config: loaded .env")
	}

	return Config{
		BindHost:       getEnv("PEERTABLE_BIND_HOST", "0.0.0.0"),
		GatewayHost:    getEnv("PEERTABLE_GATEWAY_HOST", "127.0.0.1"),
		BasePort:       getInt("PEERTABLE_BASE_PORT", ws.DefaultBasePort),
		PortSpan:       getInt("PEERTABLE_PORT_SPAN", ws.DefaultPortSpan),
		AllowedOrigins: getList("PEERTABLE_ALLOWED_ORIGINS", []string{"*"}),
		STUNServers:    getList("PEERTABLE_STUN_SERVERS", nil),
		GracePeriod:    getDuration("PEERTABLE_GRACE_PERIOD", 0),
		OpenTimeout:    getDuration("PEERTABLE_OPEN_TIMEOUT", 0),
		IdentityFile:   getEnv("PEERTABLE_IDENTITY_FILE", ""),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("config: %s=%q is not a number, using %d", key, v, def)
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("config: %s=%q is not a duration, using %s", key, v, def)
		return def
	}
	return d
}

func getList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
