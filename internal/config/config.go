package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
)

// Config holds the global runtime configuration for the soft-switch.
// Precedence: CLI flags > env vars > defaults. Profile, gateway and ACL
// definitions live in a separate JSON file (see profiles.go).
type Config struct {
	NodeName     string // this node's identity in dialog rows (cross-node transfer)
	APIAddr      string // status/metrics HTTP listen address
	DatabaseDSN  string // sqlite path or postgres:// DSN for the SQL sink
	ProfilesFile string // path to the JSON profile definitions
	ExternalIP   string // public IP advertised in SDP; auto-detected if empty
	RTPPortMin   int
	RTPPortMax   int
	LogLevel     string
	LogFormat    string // "text" or "json"
}

// defaults
const (
	defaultAPIAddr      = ":8080"
	defaultDatabaseDSN  = "./softswitch.db"
	defaultProfilesFile = "./profiles.json"
	defaultRTPPortMin   = 10000
	defaultRTPPortMax   = 20000
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
)

// envPrefix is the prefix for all soft-switch environment variables.
const envPrefix = "SOFTSWITCH_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("softswitch", flag.ContinueOnError)

	fs.StringVar(&cfg.NodeName, "node-name", "", "node identity for dialog ownership (defaults to hostname)")
	fs.StringVar(&cfg.APIAddr, "api-addr", defaultAPIAddr, "status/metrics HTTP listen address")
	fs.StringVar(&cfg.DatabaseDSN, "database-dsn", defaultDatabaseDSN, "sqlite path or postgres:// DSN for call records")
	fs.StringVar(&cfg.ProfilesFile, "profiles", defaultProfilesFile, "path to the JSON profile definitions")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "public IP address for SDP (auto-detected if empty)")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for media")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for media")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the
	// command line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"node-name":    envPrefix + "NODE_NAME",
		"api-addr":     envPrefix + "API_ADDR",
		"database-dsn": envPrefix + "DATABASE_DSN",
		"profiles":     envPrefix + "PROFILES",
		"external-ip":  envPrefix + "EXTERNAL_IP",
		"rtp-port-min": envPrefix + "RTP_PORT_MIN",
		"rtp-port-max": envPrefix + "RTP_PORT_MAX",
		"log-level":    envPrefix + "LOG_LEVEL",
		"log-format":   envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "node-name":
			cfg.NodeName = val
		case "api-addr":
			cfg.APIAddr = val
		case "database-dsn":
			cfg.DatabaseDSN = val
		case "profiles":
			cfg.ProfilesFile = val
		case "external-ip":
			cfg.ExternalIP = val
		case "rtp-port-min":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMin = v
			}
		case "rtp-port-max":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMax = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.NodeName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("node-name empty and hostname lookup failed: %w", err)
		}
		c.NodeName = hostname
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP ports must be even (RTP uses even ports, RTCP the next odd port).
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// MediaIP returns the IP address to use in SDP. If ExternalIP is
// configured, it is returned directly. Otherwise the machine's primary
// non-loopback IPv4 address is detected, falling back to "127.0.0.1".
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate
// format (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
