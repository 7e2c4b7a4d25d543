package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"contacts-api/internal/auth"
	"contacts-api/internal/cache"
	"contacts-api/internal/contact"
	"contacts-api/internal/db"
	"contacts-api/internal/maintenance"
	"contacts-api/internal/mailer"
	"contacts-api/internal/media"
	"contacts-api/internal/observability"
	"contacts-api/internal/profile"
	"contacts-api/internal/token"
	"contacts-api/internal/user"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), envOrDefault("APP_ENV", "development")); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	var redisClient *redis.Client
	if redisURL := strings.TrimSpace(os.Getenv("REDIS_URL")); redisURL != "" {
		redisClient, err = cache.NewRedisClient(redisURL)
		if err != nil {
			logger.Warn("redis_unavailable", map[string]any{"error": err.Error()})
			redisClient = nil
		}
	}
	sessions := cache.NewSessions(redisClient, logger)

	codec := token.NewCodec(jwtSecret)

	outbox := mailer.New(
		os.Getenv("MAIL_HOST"),
		envIntOrDefault("MAIL_PORT", 465),
		os.Getenv("MAIL_USERNAME"),
		os.Getenv("MAIL_PASSWORD"),
		envOrDefault("MAIL_FROM", "noreply@contacts.local"),
		envOrDefault("MAIL_FROM_NAME", "Contacts API"),
		EnvBoolOrDefault("MAIL_SSL", true),
	)
	if !outbox.Configured() {
		logger.Warn("mailer_disabled", map[string]any{"reason": "MAIL_HOST not set"})
	}

	directory := user.NewRepository(database)

	authService := auth.NewService(directory, sessions, codec, outbox, logger)
	authService.WithTokenTTLs(
		envSecondsOrDefault("ACCESS_TOKEN_TTL_SECONDS", 3600),
		envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 168),
		envHoursOrDefault("EMAIL_TOKEN_TTL_HOURS", 48),
	)
	authHandler := auth.NewHandler(authService)
	gate := auth.NewGate(codec, sessions, directory, logger)

	contactRepo := contact.NewRepository(database)
	contactHandler := contact.NewHandler(contactRepo)

	var uploader profile.ImageUploader
	if cloudinaryURL := strings.TrimSpace(os.Getenv("CLOUDINARY_URL")); cloudinaryURL != "" {
		cloudinaryClient, err := media.NewCloudinary(cloudinaryURL)
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("init cloudinary: %w", err)
		}
		uploader = cloudinaryClient
	}
	profileHandler := profile.NewHandler(directory, uploader, sessions)

	cleanupHandler := maintenance.NewCleanupHandler(
		directory,
		codec,
		logger,
		os.Getenv("CRON_SECRET"),
		envIntOrDefault("TOKEN_CLEANUP_BATCH_SIZE", 500),
	)

	loginLimiter := auth.NewRateLimiter(
		envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
		envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),
	)
	profileLimiter := auth.NewRateLimiter(
		envIntOrDefault("PROFILE_RATE_LIMIT_MAX", 10),
		envSecondsOrDefault("PROFILE_RATE_LIMIT_WINDOW_SECONDS", 60),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/register", authHandler.Register)
	mux.Handle("POST /auth/login", loginLimiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.HandleFunc("POST /auth/refresh-token", authHandler.Refresh)
	mux.HandleFunc("GET /auth/confirmed_email/{token}", authHandler.ConfirmEmail)
	mux.HandleFunc("POST /auth/request_email", authHandler.RequestEmail)
	mux.HandleFunc("POST /auth/reset-password", authHandler.ResetPassword)
	mux.HandleFunc("POST /auth/change-password", authHandler.ChangePassword)

	mux.Handle("GET /users/me", gate.Middleware(profileLimiter.Middleware(http.HandlerFunc(profileHandler.Me))))
	mux.Handle("PATCH /users/avatar", gate.Middleware(http.HandlerFunc(profileHandler.UpdateAvatar)))

	mux.Handle("GET /contacts", gate.Middleware(http.HandlerFunc(contactHandler.List)))
	mux.Handle("POST /contacts", gate.Middleware(http.HandlerFunc(contactHandler.Create)))
	mux.Handle("GET /contacts/birthdays", gate.Middleware(http.HandlerFunc(contactHandler.Birthdays)))
	mux.Handle("GET /contacts/search/{field}", gate.Middleware(http.HandlerFunc(contactHandler.Search)))
	mux.Handle("GET /contacts/{id}", gate.Middleware(http.HandlerFunc(contactHandler.Get)))
	mux.Handle("PUT /contacts/{id}", gate.Middleware(http.HandlerFunc(contactHandler.Update)))
	mux.Handle("PATCH /contacts/{id}", gate.Middleware(http.HandlerFunc(contactHandler.UpdateStatus)))
	mux.Handle("DELETE /contacts/{id}", gate.Middleware(http.HandlerFunc(contactHandler.Delete)))

	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /healthchecker", healthHandler(database, sessions))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			sessions.Close()
			return database.Close()
		},
	}, nil
}

func healthHandler(database *sql.DB, sessions *cache.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		} else if err := sessions.Ping(ctx); err != nil {
			body["cache"] = "unavailable"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
