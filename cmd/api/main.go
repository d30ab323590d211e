package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jcollis/bastion/internal/auth"
	"github.com/jcollis/bastion/internal/background"
	"github.com/jcollis/bastion/internal/config"
	"github.com/jcollis/bastion/internal/database"
	"github.com/jcollis/bastion/internal/handlers"
	middlewareCustom "github.com/jcollis/bastion/internal/middleware"
	"github.com/jcollis/bastion/internal/models"
	"github.com/jcollis/bastion/internal/repositories"
	"github.com/jcollis/bastion/internal/routes"
	"github.com/jcollis/bastion/internal/services"
	pkgauth "github.com/jcollis/bastion/pkg/auth"
	pkghttp "github.com/jcollis/bastion/pkg/http"
	pkglogger "github.com/jcollis/bastion/pkg/logger"
	"github.com/redis/go-redis/v9"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Initialize repositories
	userRepo := repositories.NewUserRepository(db)
	attemptRepo := repositories.NewAttemptRepository(db)
	incidentRepo := repositories.NewIncidentRepository(db)
	blockRepo := repositories.NewBlockRepository(db)
	emailVerificationRepo := repositories.NewEmailVerificationRepository(db)

	auditLogger := pkglogger.NewAuditLogger(logger)

	// Burst counter backend: in-process by default, Redis when instances
	// need to share a window.
	var counter services.RequestCounter
	var memCounter *services.MemoryRequestCounter
	switch cfg.Burst.Backend {
	case "redis":
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Burst.RedisAddr,
			Password: cfg.Burst.RedisPassword,
			DB:       cfg.Burst.RedisDB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Error("failed to connect to redis", slog.Any("error", err))
			os.Exit(1)
		}
		counter = services.NewRedisRequestCounter(redisClient, cfg.Burst.Window, logger)
	default:
		memCounter = services.NewMemoryRequestCounter(cfg.Burst.Window)
		counter = memCounter
	}

	// Detection pipeline
	classifier := services.NewClassifier(cfg.Burst.Limit)
	registryService := services.NewBlockRegistryService(blockRepo, incidentRepo, logger, auditLogger)
	escalationService := services.NewEscalationService(incidentRepo, registryService, cfg.Detection.Policies, logger, auditLogger)

	// Session and lockout layers
	tokenManager := auth.NewTokenManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenExpiry,
		cfg.Auth.RefreshTokenExpiry,
	)
	sessionService := services.NewSessionService(userRepo, tokenManager, logger, auditLogger)
	lockoutService := services.NewLockoutService(userRepo, cfg.Lockout, logger)

	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:   cfg.Auth.TimingDelayBaseMs,
		RandomDelayMs: cfg.Auth.TimingDelayRandMs,
	})

	var totpManager *auth.TOTPManager
	if cfg.Auth.TOTPEncryptionKey != "" {
		totpManager, err = auth.NewTOTPManager([]byte(cfg.Auth.TOTPEncryptionKey), cfg.Auth.TOTPIssuer)
		if err != nil {
			logger.Error("failed to initialize TOTP manager", slog.Any("error", err))
			os.Exit(1)
		}
	}

	// Email delivery: SES in production, log-only when disabled.
	var emailService services.EmailService
	if cfg.Email.Enabled {
		emailService, err = services.NewAWSSESEmailService(
			cfg.Email.AWSRegion,
			cfg.Email.FromAddress,
			cfg.Email.VerificationURLBase,
			logger,
		)
		if err != nil {
			logger.Error("failed to initialize email service", slog.Any("error", err))
			os.Exit(1)
		}
	} else {
		emailService = services.NewLogEmailService(logger)
	}

	emailVerificationService := services.NewEmailVerificationService(
		emailVerificationRepo,
		userRepo,
		emailService,
		logger,
		time.Duration(cfg.Email.TokenExpiryHours)*time.Hour,
	)

	authService := services.NewAuthService(
		userRepo,
		attemptRepo,
		lockoutService,
		escalationService,
		sessionService,
		timingDelay,
		totpManager,
		logger,
		auditLogger,
		cfg.Detection.AttemptRetention,
	)

	// IP extraction config for the detection gate and handlers
	ipConfig := &pkghttp.IPConfig{}
	if proxies := os.Getenv("TRUSTED_PROXIES"); proxies != "" {
		ipConfig.TrustedProxies = splitAndTrim(proxies)
	}

	detector := middlewareCustom.NewDetector(registryService, escalationService, classifier, counter, ipConfig, logger)

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(authService, sessionService, emailVerificationService, ipConfig)
	adminHandler := handlers.NewAdminHandler(registryService, escalationService, attemptRepo, userRepo)

	// Cleanup task: attempt retention, verification tokens, burst windows
	var sweeper interface{ Sweep() int }
	if memCounter != nil {
		sweeper = memCounter
	}
	cleanupManager := background.NewCleanupManager(attemptRepo, emailVerificationRepo, sweeper, logger, cfg.Auth.CleanupInterval)

	// Bootstrap first admin user if configured
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ensureAdminUser(ctx, userRepo, logger); err != nil {
		logger.Error("failed to ensure admin user", slog.Any("error", err))
	}
	cancel()

	// Setup CORS middleware
	corsConfig := middlewareCustom.DefaultCORSConfig(cfg.Server.Env)
	corsConfig.AllowedOrigins = cfg.Server.AllowedOrigins

	// Setup router. The detection gate sits ahead of routing so blocked
	// origins are turned away before any handler runs.
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(corsConfig))
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))
	router.Use(middlewareCustom.RateLimitByIP(middlewareCustom.RateLimitConfig{
		RequestsPerMinute: cfg.Server.GlobalRequestsPerMinute,
	}))
	router.Use(detector.Middleware)
	router.NotFound(detector.NotFoundHandler())

	// Register routes
	routes.RegisterRoutes(router, authHandler, adminHandler, sessionService, userRepo,
		middlewareCustom.RateLimitConfig{RequestsPerMinute: cfg.Server.AuthRequestsPerMinute})

	// Health check with database
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.HealthCheck(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","database":"down"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","database":"up"}`))
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start cleanup task
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}

// ensureAdminUser creates the first superadmin if ADMIN_EMAIL and
// ADMIN_PASSWORD are set. The bootstrap user is fully gated-in: verified
// email and accepted terms, so it can log in immediately.
func ensureAdminUser(ctx context.Context, userRepo *repositories.UserRepository, logger *slog.Logger) error {
	adminEmail := os.Getenv("ADMIN_EMAIL")
	adminPassword := os.Getenv("ADMIN_PASSWORD")

	if adminEmail == "" || adminPassword == "" {
		logger.Info("no ADMIN_EMAIL or ADMIN_PASSWORD set, skipping admin user creation")
		return nil
	}

	_, err := userRepo.GetByEmail(ctx, adminEmail)
	if err == nil {
		logger.Info("admin user already exists")
		return nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to check if admin exists: %w", err)
	}

	hashedPassword, err := pkgauth.HashPassword(adminPassword)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	now := time.Now()
	admin := &models.User{
		Email:             adminEmail,
		PasswordHash:      hashedPassword,
		Name:              "Admin",
		Role:              models.RoleSuperadmin,
		EmailVerified:     true,
		PasswordChangedAt: &now,
	}

	created, err := userRepo.Create(ctx, admin)
	if err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}

	if err := userRepo.SetTermsAccepted(ctx, created.ID); err != nil {
		return fmt.Errorf("failed to accept terms for admin user: %w", err)
	}

	logger.Info("admin user created successfully")
	return nil
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
