package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/tecsuporte/helpdesk/cmd/helpdesk/cli"
	"github.com/tecsuporte/helpdesk/internal/app"
	"github.com/tecsuporte/helpdesk/internal/audit"
	audithttp "github.com/tecsuporte/helpdesk/internal/audit/http"
	"github.com/tecsuporte/helpdesk/internal/auth"
	"github.com/tecsuporte/helpdesk/internal/guard"
	"github.com/tecsuporte/helpdesk/internal/identity"
	"github.com/tecsuporte/helpdesk/internal/observability"
	"github.com/tecsuporte/helpdesk/internal/permissions"
	permissionshttp "github.com/tecsuporte/helpdesk/internal/permissions/http"
	"github.com/tecsuporte/helpdesk/internal/platform/cache"
	"github.com/tecsuporte/helpdesk/internal/platform/db"
	"github.com/tecsuporte/helpdesk/internal/portal"
	"github.com/tecsuporte/helpdesk/internal/shared"
	"github.com/tecsuporte/helpdesk/internal/view"
	"github.com/tecsuporte/helpdesk/jobs"
)

const sweepInterval = time.Minute

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		os.Exit(runJobsCommand(os.Args[2:]))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConn, ApplicationName: "helpdesk"})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "helpdesk_session", cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	templates, err := view.NewEngine()
	if err != nil {
		logger.Error("parse templates", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	permMetrics := permissions.NewMetrics(metrics.Registerer())

	permRepo := permissions.NewRepository(dbpool)
	loader := permissions.NewLoader(permRepo, logger,
		permissions.WithTimeout(cfg.PermissionsLookupTimeout),
		permissions.WithMetrics(permMetrics),
	)
	registry := permissions.NewRegistry(loader, logger, permMetrics)
	go registry.Run(ctx, sweepInterval, cfg.PermissionsIdleTTL)

	events := permissions.NewRedisEvents(redisClient, logger)
	if err := events.Listen(ctx, func(profileID string) {
		if n := registry.RefreshProfile(profileID); n > 0 {
			logger.Info("refreshed resolvers", slog.String("profile_id", profileID), slog.Int("sessions", n))
		}
	}); err != nil {
		logger.Warn("profile change listener", slog.Any("error", err))
	}

	gate := guard.Middleware{
		Resolvers:  registry,
		Identities: identity.NewRepository(dbpool),
		Templates:  templates,
		Logger:     logger,
		Wait:       cfg.GuardWait,
		LoginPath:  "/auth/login",
	}

	auditLogger := shared.NewAuditLogger(dbpool)
	permService := permissions.NewService(permRepo, auditLogger, events, logger)

	authHandler := auth.NewHandler(logger, auth.NewService(auth.NewRepository(dbpool)), templates, sessionManager, csrfManager, registry)
	portalHandler := portal.NewHandler(logger, templates, csrfManager, gate)
	permissionsHandler := permissionshttp.NewHandler(logger, permService, gate)
	auditHandler := audithttp.NewHandler(logger, audit.NewService(audit.NewRepository(dbpool)), gate)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	inspector := asynq.NewInspector(redisOpts)
	defer func() { _ = inspector.Close() }()
	jobClient := jobs.NewClient(redisOpts)
	defer func() { _ = jobClient.Close() }()
	jobHandler := jobs.NewHandler(inspector, jobClient, gate.Require(permissions.ModuleConfiguracoes, true), logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Templates:          templates,
		SessionManager:     sessionManager,
		CSRFManager:        csrfManager,
		AuthHandler:        authHandler,
		PortalHandler:      portalHandler,
		PermissionsHandler: permissionsHandler,
		AuditHandler:       auditHandler,
		JobHandler:         jobHandler,
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	registry.Close()
}

func runJobsCommand(args []string) int {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	redisAddr := fs.String("redis", envOr("REDIS_ADDR", "127.0.0.1:6379"), "redis address")
	repair := fs.Bool("repair", false, "repair edit-only grants when triggering grant integrity")
	size := fs.Int("size", 10, "page size for scheduled listing")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: helpdesk jobs [-redis addr] <trigger NAME|stats|scheduled>")
		return 2
	}

	jobsCLI := cli.NewJobsCLI(*redisAddr)
	defer func() { _ = jobsCLI.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return jobsCLI.Run(ctx, cli.JobsOptions{
		Command: fs.Arg(0),
		Name:    fs.Arg(1),
		Repair:  *repair,
		Size:    *size,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
