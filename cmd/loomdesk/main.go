package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jordanhubbard/loomdesk/internal/api"
	"github.com/jordanhubbard/loomdesk/internal/auth"
	"github.com/jordanhubbard/loomdesk/internal/desk"
	"github.com/jordanhubbard/loomdesk/internal/hub"
	"github.com/jordanhubbard/loomdesk/internal/logging"
	"github.com/jordanhubbard/loomdesk/internal/metrics"
	"github.com/jordanhubbard/loomdesk/internal/presence"
	"github.com/jordanhubbard/loomdesk/internal/provider"
	"github.com/jordanhubbard/loomdesk/internal/slots"
	"github.com/jordanhubbard/loomdesk/internal/store"
	"github.com/jordanhubbard/loomdesk/internal/telemetry"
	"github.com/jordanhubbard/loomdesk/pkg/config"
	"github.com/jordanhubbard/loomdesk/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	hashPassword := flag.String("hash-password", "", "Print the bcrypt hash of a password for security.agents and exit")
	showVersion := flag.Bool("version", false, "Show version information")
	showHelp := flag.Bool("help", false, "Show help message")
	flag.Parse()

	if *showHelp {
		printHelp()
		return
	}
	if *showVersion {
		fmt.Printf("loomdesk v%s\n", version)
		return
	}
	if *hashPassword != "" {
		hash, err := auth.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	// .env is optional; real environment variables win
	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	logs := logging.NewManager(cfg.Logging.BufferSize)
	logger.AddHook(logs)
	if err := run(cfg, *configPath, logger, logs); err != nil {
		logger.WithError(err).Fatal("loomdesk stopped")
	}
}

// loadConfig falls back to defaults plus environment when the file is absent
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfigFromFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.Parse(nil)
	}
	return cfg, err
}

func run(cfg *config.Config, configPath string, logger *logrus.Logger, logs *logging.Manager) error {
	log := logging.Component(logger, "main")
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint, logger)
		if err != nil {
			log.WithError(err).Warn("failed to initialize telemetry")
		} else {
			defer func() {
				if err := shutdownTelemetry(context.Background()); err != nil {
					log.WithError(err).Warn("error shutting down telemetry")
				}
			}()
		}
	}

	m := metrics.NewMetrics()
	checks := map[string]api.Check{}

	db, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Database.Type, err)
	}
	defer db.Close()
	log.WithField("type", cfg.Database.Type).Info("conversation store ready")

	var (
		presenceStore presence.Store = presence.NewMemoryStore(cfg.Desk.PresenceStaleAfter)
		slotStore     slots.Store    = slots.NewMemory(cfg.Desk.SuggestionTTL)
	)
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}
		presenceStore = presence.NewRedisStore(rdb, cfg.Redis.KeyPrefix, cfg.Desk.PresenceStaleAfter)
		slotStore = slots.NewRedis(rdb, cfg.Redis.KeyPrefix, cfg.Desk.SuggestionTTL)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		log.Info("presence and suggestion slots backed by redis")
	}

	gen, err := provider.New(cfg.Provider)
	if err != nil {
		return fmt.Errorf("failed to configure suggestion provider: %w", err)
	}
	if gen == nil {
		log.Warn("no suggestion provider configured; hitl suggestions and autopilot are disabled")
	}

	svc, err := desk.New(desk.Options{
		Store:         db,
		Slots:         slotStore,
		Presence:      presenceStore,
		Generator:     gen,
		Mode:          cfg.Desk.Mode,
		Redistribute:  cfg.Desk.RedistributeOnOnline,
		PresenceSweep: cfg.Desk.PresenceSweep,
		Logger:        logger,
		Metrics:       m,
	})
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}

	replica := cfg.Server.ReplicaID
	if replica == "" {
		replica, _ = os.Hostname()
	}
	h := hub.New(hub.Options{
		Desk:           svc,
		ReplicaID:      replica,
		AllowedOrigins: cfg.Security.AllowedOrigins,
		Logger:         logger,
		Metrics:        m,
	})
	svc.SetBroadcaster(h)

	if cfg.NATS.URL != "" {
		bus, err := hub.ConnectNATS(cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer bus.Close()
		if err := bus.Subscribe(h.Receive); err != nil {
			return err
		}
		h.SetBus(bus)
		checks["nats"] = func(context.Context) error { return bus.Status() }
	}

	go svc.Run(ctx)

	// The system mode follows edits to desk.mode in the config file
	go func() {
		onReload := followMode(cfg.Desk.Mode, func(mode models.SystemMode) error {
			return svc.ApplyMode(ctx, mode)
		}, log)
		err := config.Watch(ctx, configPath, onReload, func(err error) {
			log.WithError(err).Warn("config reload failed")
		})
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Debug("config watch disabled")
		}
	}()

	if !cfg.Security.EnableAuth {
		log.Warn("authentication disabled; every caller is trusted as admin")
	}
	apiServer := api.NewServer(api.Options{
		Desk:     svc,
		Hub:      h,
		Auth:     auth.NewManager(cfg.Security, logger),
		Security: cfg.Security,
		Checks:   checks,
		Logs:     logs,
		Logger:   logger,
		Metrics:  m,
	})

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      apiServer.SetupRoutes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", httpSrv.Addr).WithField("mode", svc.Mode()).Info("loomdesk listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpSrv.Shutdown(shutdownCtx)
	svc.Wait()
	log.Info("loomdesk stopped")
	return nil
}

func printHelp() {
	fmt.Println("Usage: loomdesk [flags]")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -config         Path to configuration file (default: config.yaml)")
	fmt.Println("  -hash-password  Print a bcrypt hash for an agent account and exit")
	fmt.Println("  -version        Show version information")
	fmt.Println("  -help           Show help message")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  LOOMDESK_<SECTION>_<FIELD>  Override any config value, e.g. LOOMDESK_DESK_MODE=autopilot")
}

// followMode returns a reload callback that applies desk.mode only when the
// file changes it. Other edits leave a mode set through the API alone.
func followMode(initial models.SystemMode, apply func(models.SystemMode) error, log logrus.FieldLogger) func(*config.Config) {
	last := initial
	return func(next *config.Config) {
		if next.Desk.Mode == last {
			return
		}
		if err := apply(next.Desk.Mode); err != nil {
			log.WithError(err).Warn("failed to apply reloaded system mode")
			return
		}
		log.WithField("mode", next.Desk.Mode).Info("system mode changed by config reload")
		last = next.Desk.Mode
	}
}
