// Package server wires the stores, services and handlers together and runs
// the HTTP server.
//
// DEPENDENCY INJECTION FLOW:
//
//	config.Config
//	  → sqlite.DB, cache.Store, mail.Sender, media.FileStore   (resources)
//	  → auth.TokenService, auth.NonceService, auth.ProviderRegistry
//	  → service.AuthService, service.ProfileService, service.PasswordResetService
//	  → handler.AuthHandler, handler.UserHandler, handler.PasswordHandler
//
// This is the composition root: nothing below it constructs its own
// dependencies.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sakif/user-api/internal/auth"
	"github.com/sakif/user-api/internal/cache"
	"github.com/sakif/user-api/internal/config"
	"github.com/sakif/user-api/internal/handler"
	"github.com/sakif/user-api/internal/mail"
	"github.com/sakif/user-api/internal/media"
	"github.com/sakif/user-api/internal/middleware"
	sqliteRepo "github.com/sakif/user-api/internal/repository/sqlite"
	"github.com/sakif/user-api/internal/service"
)

// Server owns the router and the resources that must be closed on shutdown.
type Server struct {
	router *chi.Mux
	config *config.Config
	logger *slog.Logger

	db     *sqliteRepo.DB
	nonces cache.Store
	images *media.FileStore
}

// New opens every resource named by cfg and builds the router. On error,
// whatever was already opened is closed again.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := sqliteRepo.New(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	store, err := cache.New(ctx, cfg.Cache)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening nonce store: %w", err)
	}

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
		db:     db,
		nonces: store,
		images: media.NewFileStore(cfg.Media.Dir, cfg.Media.BaseURL),
	}

	if err := s.setupRoutes(); err != nil {
		s.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}
	return s, nil
}

// providers builds the registry of enabled identity providers.
func (s *Server) providers() *auth.ProviderRegistry {
	var enabled []auth.Provider
	if w := s.config.Providers.Weibo; w.Enabled {
		enabled = append(enabled, auth.NewWeiboProvider(w.BaseURL, w.AppKey, s.config.Providers.Timeout, s.logger))
	}
	registry := auth.NewProviderRegistry(enabled...)
	s.logger.Info("identity providers enabled", slog.Any("providers", registry.Names()))
	return registry
}

// setupRoutes configures middleware and routes.
//
// ROUTES:
//
//	POST      /social-login        social login or register
//	POST      /email-login         email login (nonce required)
//	POST      /email-register      email register (nonce required)
//	POST      /login               combined login or register
//	GET       /nonce               nonce for the email endpoints
//	GET       /user/{id}           formatted account (session or provider credentials)
//	PUT|PATCH /user/{id}           merge a profile update (session required)
//	POST      /password/reset      mail a reset link
//	POST      /password/change     redeem a reset key
//	POST      /sl-api/login        legacy alias of /social-login
//	GET       /sl-api/user/{id}    legacy alias of GET /user/{id}
//	GET       /uploads/*           uploaded profile pictures
//	GET       /metrics             Prometheus metrics
//	GET       /healthz             liveness and database check
//
// MIDDLEWARE ORDER:
// RequestID first so every later layer (including the logger) can read it;
// Recoverer inside Logger so a panic is still logged as a 500.
func (s *Server) setupRoutes() error {
	cfg := s.config

	tokens, err := auth.NewTokenService(cfg.Auth.Secret, cfg.Auth.SessionTTL)
	if err != nil {
		return err
	}
	nonces, err := auth.NewNonceService(cfg.Auth.Secret, cfg.Auth.NonceTTL, s.nonces, s.logger)
	if err != nil {
		return err
	}
	metrics, err := middleware.NewMetrics()
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	passwords := auth.NewPasswordService(cfg.Auth.BcryptCost)
	providers := s.providers()
	mailer := mail.New(cfg.Mail, s.logger)

	authService := service.NewAuthService(s.db, providers, tokens, passwords, nonces, s.logger)
	profileService := service.NewProfileService(s.db, providers, tokens, s.images, cfg.Media.ProfilePictureKey, s.logger)
	resetService := service.NewPasswordResetService(s.db, passwords, mailer, service.ResetOptions{
		SiteName: cfg.Mail.SiteName,
		ResetURL: cfg.Mail.ResetURL,
		KeyTTL:   cfg.Auth.ResetKeyTTL,
	}, s.logger)

	authHandler := handler.NewAuthHandler(authService, s.logger)
	userHandler := handler.NewUserHandler(profileService, s.logger)
	passwordHandler := handler.NewPasswordHandler(resetService, s.logger)

	// === Global Middleware ===
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(metrics.Middleware)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)
	if len(cfg.Server.CORSOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.Server.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// === Infrastructure ===
	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", metrics.Handler())
	fileServer := http.FileServer(http.Dir(s.images.Dir()))
	s.router.Handle("/uploads/*", http.StripPrefix("/uploads/", fileServer))

	// === Auth ===
	s.router.Post("/social-login", authHandler.HandleSocialLogin)
	s.router.Post("/email-login", authHandler.HandleEmailLogin)
	s.router.Post("/email-register", authHandler.HandleEmailRegister)
	s.router.Post("/login", authHandler.HandleLogin)
	s.router.Get("/nonce", authHandler.HandleNonce)

	// === Users ===
	s.router.Get("/user/{id}", userHandler.HandleGet)
	s.router.Group(func(r chi.Router) {
		r.Use(auth.RequireSession(tokens))
		r.Put("/user/{id}", userHandler.HandleUpdate)
		r.Patch("/user/{id}", userHandler.HandleUpdate)
	})

	// === Password ===
	s.router.Post("/password/reset", passwordHandler.HandleReset)
	s.router.Post("/password/change", passwordHandler.HandleChange)

	// === Legacy ===
	s.router.Route("/sl-api", func(r chi.Router) {
		r.Post("/login", authHandler.HandleSocialLogin)
		r.Get("/user/{id}", userHandler.HandleGet)
	})

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.db.Ping(r.Context()); err != nil {
		s.logger.Error("health check failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Handler returns the fully wired router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close releases the database and the nonce store.
func (s *Server) Close() error {
	return errors.Join(s.db.Close(), s.nonces.Close())
}

// Start serves until SIGINT or SIGTERM, then drains in-flight requests for
// at most Server.ShutdownTimeout and closes every resource.
func (s *Server) Start() error {
	defer s.Close()

	srv := &http.Server{
		Addr:         s.config.Server.Addr,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.String("addr", s.config.Server.Addr),
			slog.String("database", s.config.Storage.DBPath),
			slog.String("cache", s.config.Cache.Kind),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}
	return nil
}
