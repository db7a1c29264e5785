package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BioHazard786/voicelink/internal/auth"
	"github.com/BioHazard786/voicelink/internal/call"
	"github.com/BioHazard786/voicelink/internal/config"
	"github.com/BioHazard786/voicelink/internal/media"
	"github.com/BioHazard786/voicelink/internal/netmon"
	"github.com/BioHazard786/voicelink/internal/presence"
	"github.com/BioHazard786/voicelink/internal/relay"
	"github.com/BioHazard786/voicelink/internal/walkie"
	"github.com/redis/go-redis/v9"
)

// Session bundles everything a signed-in command needs: the relay store and
// presence directory for the configured backend, the media engine and the
// local identity.
type Session struct {
	Config *config.Config
	Self   auth.Identity
	Auth   auth.Authenticator
	Store  relay.Store
	Dir    presence.Directory
	Relay  *relay.Client
	Engine media.Engine
	Logger *slog.Logger

	closers []func() error
}

func NewSession(cfg *config.Config, logger *slog.Logger) (*Session, error) {
	authn := auth.NewTokenAuthenticator(cfg.Token, nil)
	self, err := authn.Current()
	if err != nil {
		return nil, NewError("sign in", err)
	}

	s := &Session{Config: cfg, Self: self, Auth: authn, Logger: logger}
	if err := s.openBackend(); err != nil {
		return nil, err
	}
	s.Relay = relay.NewClient(s.Store, cfg.Retry, logger)

	engine, err := media.NewPionEngine(media.PionOptions{Logger: logger})
	if err != nil {
		s.Close()
		return nil, NewError("start media engine", err)
	}
	s.Engine = engine
	return s, nil
}

func (s *Session) openBackend() error {
	cfg := s.Config
	switch cfg.Backend {
	case config.BackendWebSocket:
		rs := relay.NewRemoteStore(cfg.RelayURL, cfg.Token, s.Logger)
		s.Store, s.Dir = rs, rs
		s.closers = append(s.closers, rs.Close)

	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.Store = relay.NewRedisStore(rdb, relay.RedisOptions{Prefix: cfg.Redis.Prefix, TTL: cfg.Redis.TTL, Logger: s.Logger})
		s.Dir = presence.NewRedisDirectory(rdb, cfg.Redis.Prefix, s.Logger)
		s.closers = append(s.closers, rdb.Close)

	case config.BackendMemory:
		s.Store = relay.NewMemoryStore()
		s.Dir = presence.NewMemoryDirectory()

	default:
		return fmt.Errorf("unknown relay backend %q", cfg.Backend)
	}
	return nil
}

// Monitor builds a network monitor. Each manager gets its own since a
// monitor serves one subscription at a time.
func (s *Session) Monitor() *netmon.Monitor {
	return netmon.New(netmon.HostProber{}, s.Config.Network.PollInterval, s.Logger)
}

// MediaConfig probes the host once so relay-only ICE can be forced behind a
// VPN.
func (s *Session) MediaConfig() media.Config {
	snap, err := netmon.HostProber{}.Probe()
	if err != nil {
		s.Logger.Debug("network probe failed", "error", err)
		return s.Config.MediaConfig(nil)
	}
	return s.Config.MediaConfig(&snap)
}

func (s *Session) CallManager() *call.Manager {
	return call.New(call.Options{
		Engine:   s.Engine,
		Media:    s.MediaConfig(),
		Relay:    s.Relay,
		Auth:     s.Auth,
		Presence: s.Dir,
		Network:  s.Monitor(),
		Timing:   s.Config.Call,
		Logger:   s.Logger.With("component", "call"),
	})
}

// WalkieManager builds the walkie-talkie manager. calls may be nil when no
// call manager runs in this process.
func (s *Session) WalkieManager(calls walkie.CallSignal) *walkie.Manager {
	return walkie.New(walkie.Options{
		Engine:   s.Engine,
		Media:    s.MediaConfig(),
		Relay:    s.Relay,
		Auth:     s.Auth,
		Presence: s.Dir,
		Network:  s.Monitor(),
		Calls:    calls,
		Timing:   s.Config.Walkie,
		Logger:   s.Logger.With("component", "walkie"),
	})
}

// User is the local user as presence sees it.
func (s *Session) User() presence.User {
	return presence.User{ID: s.Self.UserID, Name: s.Self.Name}
}

// SetStatus publishes the local user's presence, logging failures.
func (s *Session) SetStatus(ctx context.Context, status presence.Status) {
	if err := s.Dir.SetStatus(ctx, s.User(), status); err != nil {
		s.Logger.Warn("set presence", "status", status, "error", err)
	}
}

func (s *Session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.Logger.Debug("close session", "error", err)
		}
	}
	s.closers = nil
}

func newSession() (*Session, error) {
	return NewSession(cfg, logger)
}
