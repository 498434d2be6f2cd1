// Package config loads the orchestrator configuration from command-line
// flags with environment-variable overrides.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
)

// Config holds the orchestrator configuration.
type Config struct {
	// Service is the default logical tenant id for wire-created objects.
	Service string

	// SIP settings
	SIPPort       int
	SIPBindAddr   string
	AdvertiseAddr string

	// SIPRegistrar accepts REGISTER at all.
	SIPRegistrar bool
	// SIPDomain is the realm / force-domain value.
	SIPDomain string
	// SIPRegistrarForceDomain rewrites the REGISTER To-domain.
	SIPRegistrarForceDomain bool
	// SIPInviteNotRegistered permits INVITE to unregistered URIs.
	SIPInviteNotRegistered bool

	// VertoListen holds the Verto WebSocket bind specs.
	VertoListen []string
	// APIListen is the external API WebSocket bind spec.
	APIListen string
	// MetricsListen is the Prometheus scrape bind spec, empty disables.
	MetricsListen string

	// Backend engine image references.
	FSDockerImage  string
	KMSDockerImage string

	// Backend engine control socket URLs; empty disables the engine.
	FSControlURL  string
	KMSControlURL string

	LogLevel string
}

// Load reads configuration from flags, then applies environment overrides.
func Load() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.Service, "service", "nkmedia", "Default service id")
	flag.IntVar(&cfg.SIPPort, "sip-port", 5060, "SIP listening port")
	flag.StringVar(&cfg.SIPBindAddr, "sip-bind", "0.0.0.0", "SIP bind address")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise", "127.0.0.1", "Address advertised in SIP headers")
	flag.BoolVar(&cfg.SIPRegistrar, "sip-registrar", true, "Accept SIP REGISTER")
	flag.StringVar(&cfg.SIPDomain, "sip-domain", "", "SIP realm / forced domain")
	flag.BoolVar(&cfg.SIPRegistrarForceDomain, "sip-registrar-force-domain", false, "Rewrite REGISTER To-domain")
	flag.BoolVar(&cfg.SIPInviteNotRegistered, "sip-invite-not-registered", true, "Permit INVITE to unregistered URIs")
	var vertoListen string
	flag.StringVar(&vertoListen, "verto-listen", "0.0.0.0:8081", "Verto WebSocket bind specs (comma-separated)")
	flag.StringVar(&cfg.APIListen, "api-listen", "0.0.0.0:9010", "External API WebSocket bind spec")
	flag.StringVar(&cfg.MetricsListen, "metrics-listen", "", "Prometheus bind spec (empty disables)")
	flag.StringVar(&cfg.FSDockerImage, "fs-docker-image", "nkmedia/freeswitch:latest", "FS engine image reference")
	flag.StringVar(&cfg.KMSDockerImage, "kms-docker-image", "nkmedia/kms:latest", "KMS engine image reference")
	flag.StringVar(&cfg.FSControlURL, "fs-control", "", "FS engine control socket URL (ws://...)")
	flag.StringVar(&cfg.KMSControlURL, "kms-control", "", "KMS engine socket URL (ws://...)")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg.VertoListen = splitList(vertoListen)

	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("NKMEDIA_SERVICE"); v != "" {
		cfg.Service = v
	}
	if v := os.Getenv("NKMEDIA_SIP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.SIPPort = p
		}
	}
	if v := os.Getenv("NKMEDIA_SIP_BIND"); v != "" {
		cfg.SIPBindAddr = v
	}
	if v := os.Getenv("NKMEDIA_ADVERTISE"); v != "" {
		cfg.AdvertiseAddr = v
	}
	if v := os.Getenv("NKMEDIA_SIP_REGISTRAR"); v != "" {
		cfg.SIPRegistrar = parseBool(v, cfg.SIPRegistrar)
	}
	if v := os.Getenv("NKMEDIA_SIP_DOMAIN"); v != "" {
		cfg.SIPDomain = v
	}
	if v := os.Getenv("NKMEDIA_SIP_REGISTRAR_FORCE_DOMAIN"); v != "" {
		cfg.SIPRegistrarForceDomain = parseBool(v, cfg.SIPRegistrarForceDomain)
	}
	if v := os.Getenv("NKMEDIA_SIP_INVITE_NOT_REGISTERED"); v != "" {
		cfg.SIPInviteNotRegistered = parseBool(v, cfg.SIPInviteNotRegistered)
	}
	if v := os.Getenv("NKMEDIA_VERTO_LISTEN"); v != "" {
		cfg.VertoListen = splitList(v)
	}
	if v := os.Getenv("NKMEDIA_API_LISTEN"); v != "" {
		cfg.APIListen = v
	}
	if v := os.Getenv("NKMEDIA_METRICS_LISTEN"); v != "" {
		cfg.MetricsListen = v
	}
	if v := os.Getenv("NKMEDIA_FS_DOCKER_IMAGE"); v != "" {
		cfg.FSDockerImage = v
	}
	if v := os.Getenv("NKMEDIA_KMS_DOCKER_IMAGE"); v != "" {
		cfg.KMSDockerImage = v
	}
	if v := os.Getenv("NKMEDIA_FS_CONTROL"); v != "" {
		cfg.FSControlURL = v
	}
	if v := os.Getenv("NKMEDIA_KMS_CONTROL"); v != "" {
		cfg.KMSControlURL = v
	}
	if v := os.Getenv("NKMEDIA_LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Realm returns the SIP realm: the configured domain or the advertise
// address.
func (c *Config) Realm() string {
	if c.SIPDomain != "" {
		return c.SIPDomain
	}
	return c.AdvertiseAddr
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(s string, def bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return b
}
