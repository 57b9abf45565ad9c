package config

import (
	"fmt"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Config holds all server settings, loaded from the environment. Fields
// tagged with options:"file" also accept NAME_FILE / NAME__FILE variants
// pointing at a file containing the value (docker secrets style).
type Config struct {
	Environment string `env:"ENVIRONMENT" default:"production" options:"lower"`
	Listen      string `env:"LISTEN"`
	Port        string `env:"PORT" default:"8080"`

	// Domain is the wildcard tunnel apex without scheme or port, e.g.
	// "tunnel.example.com". Requests for <sub>.Domain hit the ingress;
	// requests for Domain itself reach the management API.
	Domain         string `env:"DOMAIN" default:"localhost"`
	ExternalScheme string `env:"EXTERNAL_SCHEME" default:"https" options:"lower"`

	LogLevel  string `env:"LOG_LEVEL" default:"info" options:"lower"`
	LogFormat string `env:"LOG_FORMAT" default:"text" options:"lower"`

	DataDir     string `env:"DATA_DIR" default:"data"`
	DatabaseURL string `env:"DATABASE_URL" options:"file"`

	// SecretKey signs management session tokens.
	SecretKey     string `env:"SECRET_KEY" default:"passage-dev-secret-change-me" options:"file"`
	AdminUsername string `env:"ADMIN_USERNAME" default:"admin"`
	AdminPassword string `env:"ADMIN_PASSWORD" options:"file"`

	// NotifyURLs is a comma-separated list of shoutrrr URLs pinged when a
	// firewall block creates a new access request.
	NotifyURLs string `env:"NOTIFY_URLS"`

	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT" default:"30s"`
	SendTimeout       time.Duration `env:"TUNNEL_SEND_TIMEOUT" default:"5s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" default:"30s"`

	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS" default:"100"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW" default:"60s"`

	FirewallCacheTTL time.Duration `env:"FIREWALL_CACHE_TTL" default:"60s"`
	ApprovalDuration time.Duration `env:"APPROVAL_DURATION" default:"5m"`
	LogRetention     time.Duration `env:"LOG_RETENTION" default:"72h"`
}

// Load reads the configuration from the environment, applying tag defaults.
func Load() *Config {
	cfg := &Config{}
	loadFromEnv(cfg)
	return cfg
}

func loadFromEnv(cfg *Config) {
	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		envName := field.Tag.Get("env")
		if envName == "" {
			continue
		}

		opts := strings.Split(field.Tag.Get("options"), ",")
		raw, ok := lookupValue(envName, contains(opts, "file"))
		if !ok {
			raw = field.Tag.Get("default")
		}
		if contains(opts, "lower") {
			raw = strings.ToLower(raw)
		}

		if !setField(v.Field(i), raw) {
			// Unparsable value; fall back to the tag default.
			setField(v.Field(i), field.Tag.Get("default"))
		}
	}
}

// lookupValue resolves an env var, honoring __FILE and _FILE indirection for
// fields that allow it. File variants win over the direct value; unreadable
// files fall through to the next candidate.
func lookupValue(name string, allowFile bool) (string, bool) {
	if allowFile {
		for _, suffix := range []string{"__FILE", "_FILE"} {
			if path, ok := os.LookupEnv(name + suffix); ok && path != "" {
				if data, err := os.ReadFile(path); err == nil {
					return strings.TrimSpace(string(data)), true
				}
			}
		}
	}
	if val, ok := os.LookupEnv(name); ok && val != "" {
		return val, true
	}
	return "", false
}

func setField(f reflect.Value, raw string) bool {
	switch f.Interface().(type) {
	case time.Duration:
		// Accept Go duration strings and bare integer seconds.
		if d, err := time.ParseDuration(raw); err == nil {
			f.Set(reflect.ValueOf(d))
			return true
		}
		if secs, err := strconv.Atoi(raw); err == nil {
			f.Set(reflect.ValueOf(time.Duration(secs) * time.Second))
			return true
		}
		return false
	case int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return false
		}
		f.SetInt(int64(n))
		return true
	case bool:
		f.SetBool(strings.EqualFold(raw, "true") || raw == "1")
		return true
	case string:
		f.SetString(raw)
		return true
	}
	return false
}

func contains(opts []string, opt string) bool {
	for _, o := range opts {
		if strings.TrimSpace(o) == opt {
			return true
		}
	}
	return false
}

// ListenAddr joins Listen and Port into a net address, bracketing IPv6 hosts.
func (c *Config) ListenAddr() string {
	port := c.Port
	if port == "" {
		port = "8080"
	}
	if c.Listen == "" {
		return ":" + port
	}
	return net.JoinHostPort(c.Listen, port)
}

// PublicURL builds the externally visible URL for a tunnel subdomain.
func (c *Config) PublicURL(subdomain string) string {
	return fmt.Sprintf("%s://%s.%s", c.ExternalScheme, subdomain, c.Domain)
}

// AgentOfflineAfter is the heartbeat staleness threshold past which an agent
// is considered gone.
func (c *Config) AgentOfflineAfter() time.Duration {
	return 2 * c.HeartbeatInterval
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// DatabasePath returns the sqlite file path used when DATABASE_URL is unset.
func (c *Config) DatabasePath() string {
	return c.DataDir + string(os.PathSeparator) + "passage.db"
}
