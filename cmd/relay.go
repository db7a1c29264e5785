package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BioHazard786/voicelink/internal/config"
	"github.com/BioHazard786/voicelink/internal/presence"
	"github.com/BioHazard786/voicelink/internal/relay"
	"github.com/BioHazard786/voicelink/internal/relayserver"
	"github.com/BioHazard786/voicelink/internal/ui"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the relay service",
}

var relayServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve negotiation records, candidates and presence over websockets",
	Long: `Serve the relay service that clients use to exchange offers, answers and ICE
candidates and to publish presence.

Examples:
  voicelink relay serve --jwt-secret s3cret
  voicelink relay serve --listen :9000 --store redis --redis localhost:6379`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRelay(cmd)
	},
}

func serveRelay(cmd *cobra.Command) error {
	if cfg.Server.JWTSecret == "" {
		return fmt.Errorf("a JWT secret is required (--jwt-secret or JWT_SECRET)")
	}

	store, dir, closeStore, err := openServerStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if logger.Enabled(cmd.Context(), slog.LevelDebug) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	hub := relayserver.NewHub(store, dir, relayserver.NewMetrics(), logger.With("component", "relay"))
	router := relayserver.NewRouter(hub, relayserver.RouterOptions{
		Secret:    []byte(cfg.Server.JWTSecret),
		AccessKey: cfg.Server.AccessKey,
		TokenTTL:  cfg.Server.TokenTTL,
	})

	ui.PrintSuccessf("Relay listening on %s (%s store)", cfg.Server.Listen, cfg.Server.Store)
	if err := relayserver.Serve(cmd.Context(), cfg.Server.Listen, hub, router); err != nil {
		return NewError("serve relay", err)
	}
	ui.PrintInfo("Relay stopped")
	return nil
}

func openServerStore(c *config.Config, logger *slog.Logger) (relay.Store, presence.Directory, func(), error) {
	switch c.Server.Store {
	case config.BackendMemory:
		return relay.NewMemoryStore(), presence.NewMemoryDirectory(), func() {}, nil
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: c.Redis.Addr, Password: c.Redis.Password, DB: c.Redis.DB})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			rdb.Close()
			return nil, nil, nil, WrapError("connect to redis", err, c.Redis.Addr)
		}
		store := relay.NewRedisStore(rdb, relay.RedisOptions{Prefix: c.Redis.Prefix, TTL: c.Redis.TTL, Logger: logger})
		dir := presence.NewRedisDirectory(rdb, c.Redis.Prefix, logger)
		return store, dir, func() { rdb.Close() }, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown relay server store %q", c.Server.Store)
}

func init() {
	rootCmd.AddCommand(relayCmd)
	relayCmd.AddCommand(relayServeCmd)

	f := relayServeCmd.Flags()
	f.StringVarP(&flags.Listen, "listen", "l", "", "Listen address (default :8080)")
	f.StringVar(&flags.JWTSecret, "jwt-secret", "", "Secret used to sign and verify relay tokens")
	f.StringVar(&flags.AccessKey, "access-key", "", "Key clients must present to log in")
	f.StringVar(&flags.Store, "store", "", "Backing store: memory or redis")
}
