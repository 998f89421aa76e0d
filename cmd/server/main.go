package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/rideshare-matching/internal/assignment"
	"github.com/example/rideshare-matching/internal/config"
	"github.com/example/rideshare-matching/internal/conversation"
	"github.com/example/rideshare-matching/internal/dispatch"
	"github.com/example/rideshare-matching/internal/events"
	"github.com/example/rideshare-matching/internal/geo"
	httpapi "github.com/example/rideshare-matching/internal/http"
	"github.com/example/rideshare-matching/internal/lifecycle"
	"github.com/example/rideshare-matching/internal/logging"
	"github.com/example/rideshare-matching/internal/matcher"
	"github.com/example/rideshare-matching/internal/profile"
	"github.com/example/rideshare-matching/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		// logger is not configured yet
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log, err := logging.New("ride-matching", cfg.LogLevel, cfg.Env)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.ServerConfig, log *zap.Logger) error {
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	var (
		index    geo.Index
		profiles profile.Lookup
		rc       *redis.Client
	)
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			log.Warn("redis ping failed", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		shared := profile.NewRedisCache(rc, profile.NewRedisSource(rc), cfg.ProfileCacheTTL)
		profiles = profile.NewCache(shared, cfg.ProfileMemoryTTL)
	} else {
		log.Info("REDIS_ADDR not set, using in-process profiles")
		profiles = profile.NewStatic()
	}
	index = rideIndex(rc, cfg.RedisGeoKey, store)
	if index == nil {
		log.Info("no shared geo index, rides are pruned by latitude band")
	}

	var publisher events.Publisher = events.LogPublisher{Logger: log}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		log.Info("publishing request events to kafka",
			zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}
	defer publisher.Close()

	var driverCheck profile.Lookup
	if cfg.RequireVerified {
		driverCheck = profiles
	}
	match := &matcher.Service{
		Store:    store,
		Index:    index,
		Profiles: driverCheck,
		Penalties: matcher.Penalties{
			UnknownSeats: cfg.UnknownSeatsPenalty,
			NoSeats:      cfg.NoSeatsPenalty,
		},
		Logger: log.Named("matcher"),
	}
	messenger := &conversation.Messenger{Store: store, Logger: log.Named("conversation")}
	wsReg := dispatch.NewWSRegistry()

	srv := httpapi.NewServer(httpapi.Deps{
		Matcher: match,
		Lifecycle: &lifecycle.Service{
			Store:    store,
			Profiles: profiles,
			Search:   match,
			Events:   publisher,
			Logger:   log.Named("lifecycle"),
		},
		Assignment: &assignment.Service{
			Store:    store,
			Identity: &conversation.Identity{Store: store},
			Messages: messenger,
			Profiles: profiles,
			Events:   publisher,
			Logger:   log.Named("assignment"),
		},
		Messenger: messenger,
		WSReg:     wsReg,
		Logger:    log.Named("http"),
	})

	if rc != nil {
		relay := &dispatch.Relay{Client: rc, Channel: cfg.NotifyChannel, Local: wsReg, Logger: log.Named("relay")}
		go func() {
			if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("notification relay stopped", zap.Error(err))
			}
		}()
	}

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("ride-matching listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// rideIndex picks the prune index for the matcher. An in-process index only
// sees rides published through this process, so it is used only when the
// store is in-process too. Otherwise nil selects the latitude band query.
func rideIndex(rc *redis.Client, key string, store storage.Store) geo.Index {
	if rc != nil {
		return geo.NewRedisIndex(rc, key)
	}
	if _, ok := store.(*storage.MemoryStore); ok {
		return geo.NewMemoryIndex()
	}
	return nil
}

func openStore(ctx context.Context, cfg config.ServerConfig, log *zap.Logger) (storage.Store, error) {
	opts := storage.Options{MaxTxAttempts: cfg.MaxTxAttempts, TxBackoff: cfg.TxBackoff, Logger: log.Named("storage")}
	if cfg.PGDSN == "" {
		log.Info("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(opts), nil
	}
	if cfg.RunMigrations {
		if err := storage.Migrate(cfg.PGDSN, cfg.MigrationsDir, log); err != nil {
			return nil, err
		}
	}
	pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN, opts)
	if err != nil {
		return nil, err
	}
	if err := pg.Listen(cfg.PGDSN); err != nil {
		log.Warn("request change listener unavailable, subscriptions see local writes only", zap.Error(err))
	}
	return pg, nil
}
