package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/notesync/internal/collab"
	"github.com/agentworkforce/notesync/internal/config"
	"github.com/agentworkforce/notesync/internal/httpapi"
	"github.com/agentworkforce/notesync/internal/remotestore"
	"github.com/fsnotify/fsnotify"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "notesyncd",
		Short: "Serve the notesync entity API and collaboration rooms",
		Long: `notesyncd stores notes, tasks and folders, answers the offline clients'
sync requests and hosts the live collaboration rooms.

Settings come from defaults, the optional --config YAML file and NOTESYNC_*
environment variables (NOTESYNC_SERVER_ADDR, NOTESYNC_STORE_PROFILE, ...).`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, v, err := config.LoadServer(configFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, v)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "YAML config file")
	return cmd
}

func run(ctx context.Context, cfg config.Server, v *viper.Viper) error {
	logFile := config.SetupLog(cfg.Log)
	defer logFile.Close()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	comps, err := buildComponents(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer comps.close()

	config.Watch(v, func(ev fsnotify.Event) {
		next, err := config.DecodeServer(v)
		if err != nil {
			log.Printf("ignoring config change from %s: %v", ev.Name, err)
			return
		}
		comps.api.SetRateLimit(next.Server.RateLimitMax, next.Server.RateLimitWindow)
		log.Printf("config reloaded: rate_limit_max=%d rate_limit_window=%s", next.Server.RateLimitMax, next.Server.RateLimitWindow)
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           comps.api,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("notesyncd listening on %s (profile=%s)", cfg.Server.Addr, cfg.Store.Profile)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Printf("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	}
}

type components struct {
	store   *remotestore.Store
	hub     *collab.Hub
	api     *httpapi.Server
	closers []func() error
}

func (c *components) close() {
	c.api.Close()
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}
}

func buildComponents(ctx context.Context, cfg config.Server) (*components, error) {
	logger := log.Default()
	c := &components{}
	dsn, err := storageProfileDSN(cfg)
	if err != nil {
		return nil, err
	}
	backend, err := remotestore.BuildStateBackendFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	store, err := remotestore.NewStoreWithOptions(remotestore.StoreOptions{
		StateBackend:      backend,
		BackendProfile:    cfg.Store.Profile,
		IdempotencyWindow: cfg.Store.IdempotencyWindow,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	c.store = store
	c.closers = append(c.closers, store.Close)

	hubOpts := collab.HubOptions{Authorizer: store, Logger: logger}
	if url := strings.TrimSpace(cfg.Redis.URL); url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			c.closeAll()
			return nil, fmt.Errorf("parse redis.url: %w", err)
		}
		rdb := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			c.closeAll()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		c.closers = append(c.closers, rdb.Close)
		hubOpts.Presence = collab.NewRedisPresence(rdb, cfg.Collab.PresenceTTL)
	}
	c.hub = collab.NewHub(hubOpts)

	apiCfg := httpapi.ServerConfig{
		JWTSecret:       cfg.Server.JWTSecret,
		RateLimitMax:    cfg.Server.RateLimitMax,
		RateLimitWindow: cfg.Server.RateLimitWindow,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		SendBuffer:      cfg.Collab.SendBuffer,
		OriginPatterns:  cfg.Server.OriginPatterns,
		Logger:          logger,
	}
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := collab.NewSaramaProducer(cfg.Kafka.Brokers)
		if err != nil {
			c.closeAll()
			return nil, fmt.Errorf("connect kafka: %w", err)
		}
		feed := collab.NewKafkaFeed(producer, collab.KafkaFeedOptions{
			Topic:   cfg.Kafka.Topic,
			Workers: cfg.Kafka.Workers,
			Logger:  logger,
		})
		c.closers = append(c.closers, feed.Close)
		apiCfg.Feed = feed
	}
	c.api = httpapi.NewServerWithConfig(store, c.hub, apiCfg)
	return c, nil
}

func (c *components) closeAll() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		_ = c.closers[i]()
	}
}

// storageProfileDSN maps a profile to the state backend it persists to.
func storageProfileDSN(cfg config.Server) (string, error) {
	switch cfg.Store.Profile {
	case config.ProfileMemory:
		return "memory://", nil
	case config.ProfileDurableLocal:
		if dsn := strings.TrimSpace(cfg.Store.DSN); dsn != "" {
			return dsn, nil
		}
		dataDir := strings.TrimSpace(cfg.Store.DataDir)
		if dataDir == "" {
			dataDir = ".notesync"
		}
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return "", fmt.Errorf("create data dir: %w", err)
		}
		return "file://" + filepath.Join(dataDir, "state.json"), nil
	case config.ProfileProduction:
		dsn := strings.TrimSpace(cfg.Store.DSN)
		if dsn == "" {
			return "", fmt.Errorf("store.dsn is required when store.profile=%s", cfg.Store.Profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported store.profile: %s", cfg.Store.Profile)
	}
}
