package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dimitrije/taskflow-api/internal/config"
	"github.com/dimitrije/taskflow-api/internal/database"
	"github.com/dimitrije/taskflow-api/internal/gateway"
	"github.com/dimitrije/taskflow-api/internal/handlers"
	"github.com/dimitrije/taskflow-api/internal/hub"
	"github.com/dimitrije/taskflow-api/internal/logging"
	"github.com/dimitrije/taskflow-api/internal/metrics"
	authmw "github.com/dimitrije/taskflow-api/internal/middleware"
	"github.com/dimitrije/taskflow-api/internal/services"
	"github.com/dimitrije/taskflow-api/internal/session"
	"github.com/dimitrije/taskflow-api/internal/sse"
	"github.com/dimitrije/taskflow-api/internal/store"
	"github.com/dimitrije/taskflow-api/internal/subscription"
	"github.com/m1z23r/drift/pkg/drift"
	"github.com/m1z23r/drift/pkg/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	cleanupInterval = time.Hour
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := logging.Component(logger, "main")

	if err := run(cfg, logger); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
	log.Info("server stopped")
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	log := logging.Component(logger, "main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	feed := hub.NewHub()

	var (
		docs   store.Store
		creds  services.CredentialStore
		tokens services.TokenStore
	)
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		db, err := database.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}

		tokenService := services.NewTokenService(db)
		docs, creds, tokens = store.NewPostgres(db, feed), tokenService, tokenService
	case config.StoreDriverMemory:
		log.Warn("using the in-memory store; data is lost on restart")
		memTokens := services.NewMemoryTokens()
		docs, creds, tokens = store.NewMemory(feed), memTokens, memTokens
	}

	broker := session.NewBroker()
	manager := subscription.NewManager(docs, subscription.WithLogger(logging.Component(logger, "subscriptions")))
	metrics.ObserveSubscriptions(func() (int, int) {
		s := manager.Stats()
		return s.Remote, s.Listeners
	})

	jwtService := services.NewJWTService(cfg.JWTSecret, cfg.JWTAccessExpiry, cfg.JWTRefreshExpiry)
	userService := services.NewUserService(docs)
	authService := services.NewAuthService(userService, creds, tokens, jwtService, broker,
		services.WithAuthLogger(logging.Component(logger, "auth")))

	gwOpts := []gateway.Option{
		gateway.WithLogger(logging.Component(logger, "gateway")),
		gateway.WithSessions(broker),
		gateway.WithBaseURL(cfg.BaseURL),
		gateway.WithProjectDuration(cfg.ProjectDuration()),
	}
	emailService := services.NewEmailService(cfg.SMTP)
	if emailService.IsConfigured() {
		gwOpts = append(gwOpts, gateway.WithMailer(emailService))
	} else {
		log.Info("SMTP not configured; invitation emails are disabled")
	}
	gw := gateway.New(docs, gwOpts...)

	clients := sse.NewHub()

	handlerLog := logging.Component(logger, "http")
	authHandler := handlers.NewAuthHandler(authService, handlerLog)
	userHandler := handlers.NewUserHandler(gw, clients, handlerLog)
	projectHandler := handlers.NewProjectHandler(gw, clients, handlerLog)
	taskHandler := handlers.NewTaskHandler(gw, clients, handlerLog)
	viewsHandler := handlers.NewViewsHandler(manager, gw, clients, broker, logging.Component(logger, "views"))

	authLimiter, authRateLimit := authmw.RateLimit(cfg.AuthRatePerMinute)

	app := drift.New()

	if cfg.IsProduction() {
		app.SetMode(drift.ReleaseMode)
	} else {
		app.SetMode(drift.DebugMode)
	}

	app.Use(middleware.Recovery())
	app.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", handlers.ClientIDHeader},
		MaxAge:       86400,
	}))
	app.Use(middleware.BodyParser())

	api := app.Group("/api/v1")

	auth := api.Group("/auth")
	auth.Use(authRateLimit)
	auth.Post("/register", authHandler.Register)
	auth.Post("/login", authHandler.Login)
	auth.Post("/refresh", authHandler.RefreshToken)

	protected := api.Group("")
	protected.Use(authmw.Auth(authService))

	protected.Post("/auth/logout", authHandler.Logout)
	protected.Post("/auth/logout-all", authHandler.LogoutAll)

	protected.Get("/users/me", userHandler.GetMe)
	protected.Patch("/users/me", userHandler.UpdateMe)

	protected.Get("/projects", projectHandler.List)
	protected.Post("/projects", projectHandler.Create)
	protected.Get("/projects/:id", projectHandler.Get)
	protected.Patch("/projects/:id", projectHandler.Update)
	protected.Delete("/projects/:id", projectHandler.Delete)
	protected.Post("/projects/:id/repair", projectHandler.Repair)
	protected.Get("/projects/:id/members", projectHandler.Members)
	protected.Post("/projects/:id/invitations", projectHandler.InviteMember)

	protected.Get("/projects/:id/tasks", taskHandler.List)
	protected.Post("/projects/:id/tasks", taskHandler.Create)
	protected.Patch("/tasks/:id", taskHandler.Update)
	protected.Delete("/tasks/:id", taskHandler.Delete)
	protected.Post("/tasks/:id/toggle", taskHandler.Toggle)

	protected.Get("/invitations", projectHandler.MyInvitations)
	protected.Post("/invitations/:id/accept", projectHandler.AcceptInvitation)
	protected.Post("/invitations/:id/reject", projectHandler.RejectInvitation)

	protected.Get("/views/projects", viewsHandler.Projects)
	protected.Get("/views/projects/:id/tasks", viewsHandler.Tasks)
	protected.Get("/views/projects/:id/members", viewsHandler.Members)
	protected.Get("/views/agenda", viewsHandler.Agenda)
	protected.Get("/views/invitations", viewsHandler.Invitations)

	// Browsers cannot set headers on a WebSocket handshake; the auth
	// middleware also accepts ?access_token=.
	protected.Get("/ws", viewsHandler.Connect)

	api.Get("/health", func(c *drift.Context) {
		_ = c.JSON(200, map[string]any{
			"status":  "ok",
			"store":   cfg.StoreDriver,
			"streams": clients.Count(),
		})
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           app,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.MetricsPort),
		Handler:           metricsMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		feed.Run(gctx)
		return nil
	})
	g.Go(func() error {
		manager.Run(gctx)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				n, err := authService.PurgeExpired(gctx)
				if err != nil {
					log.WithError(err).Warn("refresh token cleanup failed")
				} else if n > 0 {
					log.WithField("count", n).Info("expired refresh tokens removed")
				}
				authLimiter.Sweep()
			}
		}
	})
	g.Go(func() error {
		log.WithField("addr", server.Addr).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.WithField("addr", metricsServer.Addr).Info("metrics server starting")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server...")

		// Streams block in their handlers until their client closes.
		clients.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http server shutdown")
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("metrics server shutdown")
		}
		return nil
	})

	return g.Wait()
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}
