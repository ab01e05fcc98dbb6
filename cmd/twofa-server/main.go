package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/sosodev/duration"
	"github.com/tendant/chi-demo/app"

	"github.com/lovelink/twofa-service/pkg/audit"
	"github.com/lovelink/twofa-service/pkg/backupcode"
	"github.com/lovelink/twofa-service/pkg/challenge"
	challengeapi "github.com/lovelink/twofa-service/pkg/challenge/api"
	"github.com/lovelink/twofa-service/pkg/client"
	"github.com/lovelink/twofa-service/pkg/notification"
	"github.com/lovelink/twofa-service/pkg/ratelimit"
	"github.com/lovelink/twofa-service/pkg/recovery"
	recoveryapi "github.com/lovelink/twofa-service/pkg/recovery/api"
	"github.com/lovelink/twofa-service/pkg/secretvault"
	"github.com/lovelink/twofa-service/pkg/twofa"
	twofaapi "github.com/lovelink/twofa-service/pkg/twofa/api"
)

type DbConfig struct {
	Host     string `env:"TWOFA_PG_HOST" env-default:"localhost"`
	Port     uint16 `env:"TWOFA_PG_PORT" env-default:"5432"`
	Database string `env:"TWOFA_PG_DATABASE" env-default:"twofa_db"`
	User     string `env:"TWOFA_PG_USER" env-default:"twofa"`
	Password string `env:"TWOFA_PG_PASSWORD" env-default:"pwd"`
	Schema   string `env:"TWOFA_PG_SCHEMA" env-default:"public"`
}

func (d DbConfig) toDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s,public",
		d.User, d.Password, d.Host, d.Port, d.Database, d.Schema)
}

type JwtConfig struct {
	Secret string `env:"JWT_SECRET" env-default:"very-secure-jwt-secret"`
}

type EmailConfig struct {
	Host     string `env:"EMAIL_HOST" env-default:"localhost"`
	Port     uint16 `env:"EMAIL_PORT" env-default:"1025"`
	Username string `env:"EMAIL_USERNAME" env-default:"noreply@example.com"`
	Password string `env:"EMAIL_PASSWORD" env-default:"pwd"`
	From     string `env:"EMAIL_FROM" env-default:"noreply@example.com"`
	TLS      bool   `env:"EMAIL_TLS" env-default:"false"`
}

type TwoFaConfig struct {
	// "postgres" or "memory"
	PersistenceType   string `env:"TWOFA_PERSISTENCE_TYPE" env-default:"postgres"`
	EncryptionKey     string `env:"TWOFA_ENCRYPTION_KEY"`
	Issuer            string `env:"TWOFA_ISSUER" env-default:"LoveLink"`
	MaxFailedAttempts int    `env:"TWOFA_MAX_FAILED_ATTEMPTS" env-default:"5"`
	// ISO 8601 durations
	LockoutDuration string `env:"TWOFA_LOCKOUT_DURATION" env-default:"PT15M"`
	ChallengeTTL    string `env:"TWOFA_CHALLENGE_TTL" env-default:"PT5M"`
	RecoveryTTL     string `env:"TWOFA_RECOVERY_TTL" env-default:"PT24H"`
	BackupCodeCount int    `env:"TWOFA_BACKUP_CODE_COUNT" env-default:"10"`
}

type RateLimitConfig struct {
	PerIPEnabled    bool    `env:"RATELIMIT_PER_IP_ENABLED" env-default:"true"`
	PerIPCapacity   int     `env:"RATELIMIT_PER_IP_CAPACITY" env-default:"60"`
	PerIPRefillRate float64 `env:"RATELIMIT_PER_IP_REFILL_RATE" env-default:"1.0"`

	PerUserEnabled    bool    `env:"RATELIMIT_PER_USER_ENABLED" env-default:"true"`
	PerUserCapacity   int     `env:"RATELIMIT_PER_USER_CAPACITY" env-default:"120"`
	PerUserRefillRate float64 `env:"RATELIMIT_PER_USER_REFILL_RATE" env-default:"2.0"`

	// Verification endpoints get tight budgets to slow brute force.
	VerifyCapacity   int     `env:"RATELIMIT_VERIFY_CAPACITY" env-default:"10"`
	VerifyRefillRate float64 `env:"RATELIMIT_VERIFY_REFILL_RATE" env-default:"0.167"`

	RecoveryCapacity   int     `env:"RATELIMIT_RECOVERY_CAPACITY" env-default:"3"`
	RecoveryRefillRate float64 `env:"RATELIMIT_RECOVERY_REFILL_RATE" env-default:"0.00083"`
}

type Config struct {
	DbConfig        DbConfig
	AppConfig       app.AppConfig
	JwtConfig       JwtConfig
	EmailConfig     EmailConfig
	TwilioConfig    notification.TwilioConfig
	TwoFaConfig     TwoFaConfig
	RateLimitConfig RateLimitConfig
}

// loadEnvFile loads environment variables from a .env file next to the
// binary or in the working directory. Variables already set win.
func loadEnvFile() {
	execPath, err := os.Executable()
	if err != nil {
		slog.Error("Failed to get executable path", "error", err)
		return
	}

	envFile := filepath.Join(filepath.Dir(execPath), ".env")
	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		cwd, err := os.Getwd()
		if err != nil {
			slog.Error("Failed to get current working directory", "error", err)
			return
		}
		envFile = filepath.Join(cwd, ".env")
	}
	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		return
	}

	if err := godotenv.Load(envFile); err != nil {
		slog.Error("Failed to load .env file", "error", err, "path", envFile)
		return
	}
	slog.Info("Configuration loaded from .env file", "path", envFile)
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	d, err := duration.Parse(value)
	if err != nil {
		slog.Error("Failed to parse duration, using default", "value", value, "default", fallback, "err", err)
		return fallback
	}
	return d.ToTimeDuration()
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
	}))
	slog.SetDefault(logger)

	loadEnvFile()

	config := Config{}
	cleanenv.ReadEnv(&config)

	if config.TwoFaConfig.EncryptionKey == "" {
		slog.Error("TWOFA_ENCRYPTION_KEY is required")
		os.Exit(-1)
	}

	server := app.DefaultApp()
	app.RegisterHealthzRoutes(server.R)

	rateLimitMiddleware := createRateLimitMiddleware(&config.RateLimitConfig)
	server.R.Use(rateLimitMiddleware.Handler)
	server.R.Use(audit.Middleware)

	var pool *pgxpool.Pool
	if config.TwoFaConfig.PersistenceType == "postgres" {
		var err error
		pool, err = pgxpool.New(context.Background(), config.DbConfig.toDatabaseURL())
		if err != nil {
			slog.Error("Failed creating dbpool", "db", config.DbConfig.Database,
				"host", config.DbConfig.Host, "port", config.DbConfig.Port, "user", config.DbConfig.User)
			os.Exit(-1)
		}
	}

	vault, err := secretvault.New(config.TwoFaConfig.EncryptionKey,
		secretvault.WithIssuer(config.TwoFaConfig.Issuer))
	if err != nil {
		slog.Error("Failed creating secret vault", "err", err)
		os.Exit(-1)
	}

	notificationManager, err := notification.NewNotificationManagerWithOptions(
		notification.WithSMTP(notification.SMTPConfig{
			Host:     config.EmailConfig.Host,
			Port:     int(config.EmailConfig.Port),
			Username: config.EmailConfig.Username,
			Password: config.EmailConfig.Password,
			From:     config.EmailConfig.From,
			TLS:      config.EmailConfig.TLS,
		}),
		notification.WithTwilio(config.TwilioConfig),
		notification.WithDefaultTemplates(),
	)
	if err != nil {
		slog.Error("Failed initialize notification manager", "err", err)
		os.Exit(-1)
	}

	persistenceType := config.TwoFaConfig.PersistenceType
	configRepo, err := twofa.NewConfigRepository(persistenceType, twofa.RepositoryConfig{Pool: pool})
	if err != nil {
		slog.Error("Failed creating twofa repository", "err", err)
		os.Exit(-1)
	}
	challengeRepo, err := challenge.NewRepository(persistenceType, challenge.RepositoryConfig{Pool: pool})
	if err != nil {
		slog.Error("Failed creating challenge repository", "err", err)
		os.Exit(-1)
	}
	recoveryRepo, err := recovery.NewRepository(persistenceType, recovery.RepositoryConfig{Pool: pool})
	if err != nil {
		slog.Error("Failed creating recovery repository", "err", err)
		os.Exit(-1)
	}

	var backupCodeRepo backupcode.Repository
	var attemptRepo audit.Repository
	if persistenceType == "postgres" {
		backupCodeRepo = backupcode.NewPostgresRepository(pool)
		attemptRepo = audit.NewPostgresRepository(pool)
	} else {
		backupCodeRepo = backupcode.NewInMemRepository()
		attemptRepo = audit.NewInMemRepository()
	}
	backupCodeVault := backupcode.NewVault(backupCodeRepo)
	attemptRecorder := audit.NewRecorder(attemptRepo)

	lockoutPolicy := twofa.LockoutPolicy{
		MaxFailedAttempts: config.TwoFaConfig.MaxFailedAttempts,
		LockoutDuration:   parseDuration(config.TwoFaConfig.LockoutDuration, twofa.DefaultLockoutDuration),
	}

	twofaService := twofa.NewService(configRepo, vault,
		twofa.WithBackupCodes(backupCodeVault),
		twofa.WithAttemptRecorder(attemptRecorder),
		twofa.WithLockoutPolicy(lockoutPolicy),
		twofa.WithBackupCodeCount(config.TwoFaConfig.BackupCodeCount),
	)
	slog.Info("Two-factor service created",
		"maxFailedAttempts", lockoutPolicy.MaxFailedAttempts,
		"lockoutDuration", lockoutPolicy.LockoutDuration)

	challengeService := challenge.NewService(challengeRepo, configRepo, vault,
		challenge.WithNoticeSender(notificationManager),
		challenge.WithBackupCodes(backupCodeVault),
		challenge.WithAttemptRecorder(attemptRecorder),
		challenge.WithLockoutPolicy(lockoutPolicy),
		challenge.WithChallengeTTL(parseDuration(config.TwoFaConfig.ChallengeTTL, challenge.DefaultChallengeTTL)),
	)

	recoveryService := recovery.NewService(recoveryRepo, configRepo, twofaService,
		recovery.WithNoticeSender(notificationManager),
		recovery.WithRequestTTL(parseDuration(config.TwoFaConfig.RecoveryTTL, recovery.DefaultRequestTTL)),
	)

	twofaHandle := twofaapi.NewHandle(twofaService, attemptRecorder)
	challengeHandle := challengeapi.NewHandle(challengeService)
	recoveryHandle := recoveryapi.NewHandle(recoveryService)

	auth := jwtauth.New("HS256", []byte(config.JwtConfig.Secret), nil)

	server.R.Group(func(r chi.Router) {
		r.Use(client.Verifier(auth))
		r.Use(jwtauth.Authenticator(auth))
		r.Use(client.AuthUserMiddleware)

		r.Mount("/api/v1/2fa/challenge", challengeHandle.Routes())
		r.Mount("/api/v1/2fa/recovery", recoveryHandle.Routes())
		r.Mount("/api/v1/2fa", twofaHandle.Routes())
	})

	server.Run()
}

// createRateLimitMiddleware configures rate limiting with tight budgets on
// the code verification and recovery endpoints.
func createRateLimitMiddleware(rlc *RateLimitConfig) *ratelimit.Middleware {
	cfg := ratelimit.DefaultConfig()
	cfg.PerIPEnabled = rlc.PerIPEnabled
	cfg.PerIPCapacity = rlc.PerIPCapacity
	cfg.PerIPRefillRate = rlc.PerIPRefillRate
	cfg.PerUserEnabled = rlc.PerUserEnabled
	cfg.PerUserCapacity = rlc.PerUserCapacity
	cfg.PerUserRefillRate = rlc.PerUserRefillRate

	verify := ratelimit.EndpointLimit{Capacity: rlc.VerifyCapacity, RefillRate: rlc.VerifyRefillRate}
	cfg.EndpointLimits["POST /api/v1/2fa/challenge"] = verify
	cfg.EndpointLimits["POST /api/v1/2fa/challenge/verify"] = verify
	cfg.EndpointLimits["POST /api/v1/2fa/setup/verify"] = verify
	cfg.EndpointLimits["POST /api/v1/2fa/recovery"] = ratelimit.EndpointLimit{
		Capacity:   rlc.RecoveryCapacity,
		RefillRate: rlc.RecoveryRefillRate,
	}

	return ratelimit.NewMiddleware(cfg)
}
