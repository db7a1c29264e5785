package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BioHazard786/voicelink/internal/call"
	"github.com/BioHazard786/voicelink/internal/media"
	"github.com/BioHazard786/voicelink/internal/netmon"
	"github.com/BioHazard786/voicelink/internal/relay"
	"github.com/BioHazard786/voicelink/internal/walkie"
	"gopkg.in/yaml.v3"
)

// Default configuration values
const (
	DefaultRelayURL = "ws://localhost:8080/ws"
	DefaultListen   = ":8080"
	DefaultSTUN     = "stun:stun.l.google.com:19302"
	DefaultTokenTTL = 24 * time.Hour
)

// Relay backends. Clients normally talk to the relay service over a
// websocket; redis and memory bypass it.
const (
	BackendWebSocket = "ws"
	BackendRedis     = "redis"
	BackendMemory    = "memory"
)

// Config holds application configuration
type Config struct {
	// Domain is the relay service host; it derives RelayURL when that is
	// not set.
	Domain   string `yaml:"domain"`
	RelayURL string `yaml:"relay_url"`
	// Token is the relay token identifying the local user.
	Token    string `yaml:"token"`
	Backend  string `yaml:"backend"`
	LogLevel string `yaml:"log_level"`

	Redis   RedisConfig   `yaml:"redis"`
	ICE     ICEConfig     `yaml:"ice"`
	Server  ServerConfig  `yaml:"server"`
	Network NetworkConfig `yaml:"network"`

	Call   call.Timing    `yaml:"call"`
	Walkie walkie.Timing  `yaml:"walkie"`
	Retry  relay.Policies `yaml:"retry"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// ICEConfig lists the STUN and TURN servers handed to every transport.
type ICEConfig struct {
	STUNServer string `yaml:"stun_server"`
	// TURNServer is a host name; the UDP, TCP and TLS URLs are derived from
	// it.
	TURNServer string `yaml:"turn_server"`
	TURNUser   string `yaml:"turn_username"`
	TURNPass   string `yaml:"turn_password"`
	ForceRelay bool   `yaml:"force_relay"`
}

// ServerConfig configures `voicelink relay serve`.
type ServerConfig struct {
	Listen    string        `yaml:"listen"`
	JWTSecret string        `yaml:"jwt_secret"`
	AccessKey string        `yaml:"access_key"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	// Store is the backing store of the service: memory or redis.
	Store string `yaml:"store"`
}

type NetworkConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Options carries CLI flag overrides. Empty fields are not applied.
type Options struct {
	// Path is the YAML file to read. When empty the file in the user config
	// directory is read if it exists.
	Path       string
	Domain     string
	RelayURL   string
	Token      string
	Backend    string
	RedisAddr  string
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
	Listen     string
	JWTSecret  string
	AccessKey  string
	Store      string
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Backend:  BackendWebSocket,
		LogLevel: "error",
		Redis:    RedisConfig{Addr: "localhost:6379", Prefix: "voicelink:", TTL: time.Hour},
		ICE:      ICEConfig{STUNServer: DefaultSTUN},
		Server:   ServerConfig{Listen: DefaultListen, TokenTTL: DefaultTokenTTL, Store: BackendMemory},
		Network:  NetworkConfig{PollInterval: netmon.DefaultInterval},
		Call:     call.DefaultTiming(),
		Walkie:   walkie.DefaultTiming(),
		Retry:    relay.DefaultPolicies(),
	}
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. YAML config file
// 4. Saved token from `voicelink login`
// 5. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	cfg := Default()

	if token, err := readSavedToken(); err == nil {
		cfg.Token = token
	}

	path := opts.Path
	if path == "" {
		path = os.Getenv("VOICELINK_CONFIG")
	}
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyOptions(opts)

	if cfg.RelayURL == "" {
		if cfg.Domain != "" {
			cfg.RelayURL = fmt.Sprintf("wss://%s/ws", cfg.Domain)
		} else {
			cfg.RelayURL = DefaultRelayURL
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Domain, "DOMAIN")
	setString(&c.RelayURL, "VOICELINK_RELAY_URL")
	setString(&c.Token, "VOICELINK_TOKEN")
	setString(&c.Backend, "VOICELINK_BACKEND")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.ICE.STUNServer, "STUN_SERVER")
	setString(&c.ICE.TURNServer, "TURN_SERVER")
	setString(&c.ICE.TURNUser, "TURN_USERNAME")
	setString(&c.ICE.TURNPass, "TURN_PASSWORD")
	setString(&c.Server.Listen, "VOICELINK_LISTEN")
	setString(&c.Server.JWTSecret, "JWT_SECRET")
	setString(&c.Server.AccessKey, "VOICELINK_ACCESS_KEY")

	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_DB %q: %w", v, err)
		}
		c.Redis.DB = db
	}
	if v := os.Getenv("FORCE_RELAY"); v != "" {
		force, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid FORCE_RELAY %q: %w", v, err)
		}
		c.ICE.ForceRelay = force
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) applyOptions(opts Options) {
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&c.Domain, opts.Domain)
	override(&c.RelayURL, opts.RelayURL)
	override(&c.Token, opts.Token)
	override(&c.Backend, opts.Backend)
	override(&c.Redis.Addr, opts.RedisAddr)
	override(&c.ICE.STUNServer, opts.STUNServer)
	override(&c.ICE.TURNServer, opts.TURNServer)
	override(&c.ICE.TURNUser, opts.TURNUser)
	override(&c.ICE.TURNPass, opts.TURNPass)
	override(&c.Server.Listen, opts.Listen)
	override(&c.Server.JWTSecret, opts.JWTSecret)
	override(&c.Server.AccessKey, opts.AccessKey)
	override(&c.Server.Store, opts.Store)
	if opts.ForceRelay {
		c.ICE.ForceRelay = true
	}
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendWebSocket, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("unknown relay backend %q (want ws, redis or memory)", c.Backend)
	}
	switch c.Server.Store {
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("unknown relay server store %q (want memory or redis)", c.Server.Store)
	}
	if c.Walkie.ReconnectAttempts < 0 {
		return fmt.Errorf("walkie.reconnect_attempts must not be negative")
	}
	for name, p := range map[string]relay.RetryPolicy{"write": c.Retry.Write, "terminal": c.Retry.Terminal, "candidate": c.Retry.Candidate} {
		if p.Attempts < 1 {
			return fmt.Errorf("retry.%s.attempts must be at least 1", name)
		}
	}
	return nil
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	if c.ICE.STUNServer == "" {
		return nil
	}
	return []string{c.ICE.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if c.ICE.TURNServer == "" {
		return nil
	}
	host := strings.TrimPrefix(strings.TrimPrefix(c.ICE.TURNServer, "turns:"), "turn:")
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// MediaConfig builds the transport configuration. Relay-only ICE is used
// when configured, or when a TURN server is available and snap shows the
// host behind a VPN. A nil snap skips detection.
func (c *Config) MediaConfig(snap *netmon.Snapshot) media.Config {
	var servers []media.ICEServer
	if stun := c.GetSTUNServers(); len(stun) > 0 {
		servers = append(servers, media.ICEServer{URLs: stun})
	}
	if turn := c.GetTURNServers(); len(turn) > 0 {
		servers = append(servers, media.ICEServer{URLs: turn, Username: c.ICE.TURNUser, Credential: c.ICE.TURNPass})
	}

	cfg := media.Config{ICEServers: servers, ForceRelay: c.ICE.ForceRelay}
	if !cfg.ForceRelay && snap != nil && cfg.HasTURN() && netmon.ShouldForceRelay(*snap) {
		cfg.ForceRelay = true
	}
	return cfg
}

// DefaultPath is the config file read when none is given.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "voicelink", "config.yaml")
}

func tokenPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "voicelink", "token"), nil
}

func readSavedToken() (string, error) {
	path, err := tokenPath()
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// SaveToken stores token for later runs and returns the file written.
func SaveToken(token string) (string, error) {
	path, err := tokenPath()
	if err != nil {
		return "", fmt.Errorf("locate config directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("save token: %w", err)
	}
	return path, nil
}
