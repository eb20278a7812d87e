/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the leave engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Build the logger
  3. Initialize SQLite store
  4. Wire tenant entitlement, notifications, ledger, workflow, settings
  5. Configure HTTP router
  6. Run HTTP server, notification dispatcher and audit scheduler

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for in-memory database
  -env     Optional .env file (default: .env)

NOTIFICATIONS:
  With KAFKA_BROKERS set, events go to KAFKA_TOPIC. Otherwise they are
  logged. Either way they pass through a bounded in-process queue so a slow
  sink never holds up a request.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Drain queued notifications
  4. Close Kafka writer and database connection

EXAMPLES:
  # Run with file database
  JWT_SECRET=... ./server -db="./data/leave.db"

  # Local demo with seeded scenarios
  JWT_SECRET=... DEV_MODE=true ./server -db=":memory:"

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/leave-engine/api"
	"github.com/warp/leave-engine/config"
	"github.com/warp/leave-engine/identity"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/notify"
	"github.com/warp/leave-engine/settings"
	"github.com/warp/leave-engine/store/sqlite"
	"github.com/warp/leave-engine/tenant"
	"github.com/warp/leave-engine/workflow"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Flags
	port := flag.Int("port", 0, "HTTP server port")
	dbPath := flag.String("db", "", "SQLite database path")
	envFile := flag.String("env", ".env", "optional .env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	logger, err := cfg.Logger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	// Notifications
	var sink notify.Emitter = notify.NewLog(log)
	if len(cfg.KafkaBrokers) > 0 {
		w := notify.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer w.Close()
		sink = notify.NewKafka(w)
		log.Info("publishing events to kafka",
			zap.Strings("brokers", cfg.KafkaBrokers),
			zap.String("topic", cfg.KafkaTopic))
	}
	dispatcher := notify.NewDispatcher(sink, cfg.NotifyQueueSize, log)

	checker := tenant.NewChecker(store, tenant.Options{CacheTTL: cfg.EntitlementCacheTTL, Logger: log})
	l := ledger.New(ledger.WithLogger(log))
	auditor := ledger.NewAuditor(store, l, log)

	handler := api.NewHandler(api.Deps{
		Workflow: workflow.New(store, l, dispatcher, checker, workflow.Options{
			Policy: workflow.Policy{CancelNotice: cfg.CancelNotice},
			Logger: log,
		}),
		Settings: settings.New(store, l, auditor, checker, settings.Options{Logger: log}),
		Resolver: identity.NewResolver(identity.Config{
			Secret: []byte(cfg.JWTSecret),
			Issuer: cfg.JWTIssuer,
		}, identity.StoreDirectory(store), log),
		Health:   store,
		Logger:   log,
		TokenTTL: cfg.TokenTTL,
	})

	// Create router
	router := api.NewRouter(handler, api.RouterConfig{
		CORSOrigins: cfg.CORSOrigins,
		RateLimit:   cfg.RateLimit,
		RateBurst:   cfg.RateBurst,
		Timeout:     cfg.RequestTimeout,
		DevMode:     cfg.DevMode,
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	scheduler := api.NewAuditScheduler(auditor, cfg.AuditInterval, log)
	scheduler.Enabled = cfg.AuditEnabled

	// the dispatcher outlives the server so in-flight requests can still emit
	dctx, stopDispatcher := context.WithCancel(context.Background())
	defer stopDispatcher()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", zap.Int("port", cfg.Port), zap.Bool("dev_mode", cfg.DevMode))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		defer stopDispatcher()
		return server.Shutdown(sctx)
	})
	g.Go(func() error { return dispatcher.Run(dctx) })
	g.Go(func() error { return scheduler.Run(gctx) })

	return g.Wait()
}
