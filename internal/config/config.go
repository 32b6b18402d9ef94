package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/BioHazard786/peerlink/internal/linkstore"
	"github.com/BioHazard786/peerlink/internal/webrtc"
	"github.com/joho/godotenv"
)

// Default configuration values (production)
const (
	DefaultSignalingURL           = "wss://signaling-server.radixdlt.com"
	DefaultSTUN                   = "stun:stun.l.google.com:19302"
	DefaultTURN                   = "" // Optional, empty by default
	DefaultPingInterval           = 60 * time.Second
	DefaultFirstConnectionTimeout = 30 * time.Second
	DefaultReconnectDelay         = 5 * time.Second
	DefaultRelayAddr              = ":8080"
)

// Config holds application configuration
type Config struct {
	// SignalingURL is the relay base URL; connection ids are appended to it
	SignalingURL string

	// ICE servers for WebRTC
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool

	PingInterval           time.Duration
	FirstConnectionTimeout time.Duration
	ReconnectDelay         time.Duration

	// LinksFile is where links and the wallet identity are stored
	LinksFile string

	// RelayAddr is the listen address of `peerlink relay`
	RelayAddr string
}

// Options for loading config with CLI flag overrides
type Options struct {
	SignalingURL string
	STUNServer   string
	TURNServer   string
	TURNUser     string
	TURNPass     string
	ForceRelay   bool
	LinksFile    string
	RelayAddr    string

	// EnvFile is read into the environment before anything else. Missing
	// files are ignored.
	EnvFile string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables, including those from a .env file
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := &Config{
		SignalingURL: pick(opts.SignalingURL, "SIGNALING_URL", DefaultSignalingURL),
		STUNServer:   pick(opts.STUNServer, "STUN_SERVER", DefaultSTUN),
		TURNServer:   pick(opts.TURNServer, "TURN_SERVER", DefaultTURN),
		TURNUser:     pick(opts.TURNUser, "TURN_USERNAME", ""),
		TURNPass:     pick(opts.TURNPass, "TURN_PASSWORD", ""),
		RelayAddr:    pick(opts.RelayAddr, "RELAY_ADDR", DefaultRelayAddr),
	}

	// Relay-only ICE when asked to, or when a TURN server is available and
	// the host sits behind a VPN or CGNAT where direct candidates rarely work
	cfg.ForceRelay = opts.ForceRelay || (cfg.TURNServer != "" && webrtc.ShouldForceRelay())

	var err error
	if cfg.PingInterval, err = duration("PING_INTERVAL", DefaultPingInterval); err != nil {
		return nil, err
	}
	if cfg.FirstConnectionTimeout, err = duration("FIRST_CONNECTION_TIMEOUT", DefaultFirstConnectionTimeout); err != nil {
		return nil, err
	}
	if cfg.ReconnectDelay, err = duration("RECONNECT_DELAY", DefaultReconnectDelay); err != nil {
		return nil, err
	}

	cfg.LinksFile = pick(opts.LinksFile, "LINKS_FILE", "")
	if cfg.LinksFile == "" {
		cfg.LinksFile = linkstore.DefaultPath()
	}

	if !strings.HasPrefix(cfg.SignalingURL, "ws://") && !strings.HasPrefix(cfg.SignalingURL, "wss://") {
		return nil, fmt.Errorf("signaling url %q must use ws:// or wss://", cfg.SignalingURL)
	}

	return cfg, nil
}

func pick(flag, env, def string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

func duration(env string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(env)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: want a positive duration like 30s", env, v)
	}
	return d, nil
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	host := strings.TrimPrefix(c.TURNServer, "turn:")
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}

// ICEConfig returns the ICE settings for the pion factory
func (c *Config) ICEConfig() webrtc.ICEConfig {
	user, pass := c.GetTURNCredentials()
	return webrtc.ICEConfig{
		STUNServers:  c.GetSTUNServers(),
		TURNServers:  c.GetTURNServers(),
		TURNUser:     user,
		TURNPassword: pass,
		ForceRelay:   c.ForceRelay,
	}
}
