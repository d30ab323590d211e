package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jcollis/bastion/internal/models"
	"github.com/joho/godotenv"
)

type Config struct {
	Database  DatabaseConfig
	Server    ServerConfig
	Auth      AuthConfig
	Detection DetectionConfig
	Lockout   LockoutConfig
	Burst     BurstConfig
	Email     EmailConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	AllowedOrigins []string
	// Request-rate ceilings enforced by the httprate middleware.
	GlobalRequestsPerMinute int
	AuthRequestsPerMinute   int
}

type AuthConfig struct {
	JWTSecret          string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	CleanupInterval    time.Duration
	TimingDelayBaseMs  int
	TimingDelayRandMs  int
	TOTPEncryptionKey  string // 32 bytes for AES-256
	TOTPIssuer         string
}

// DetectionConfig holds the per-category escalation tuples. Each category
// owns its own window and thresholds.
type DetectionConfig struct {
	Policies map[models.Category]models.CategoryPolicy
	// AttemptRetention controls how long attempt records are kept before
	// the cleanup task prunes them.
	AttemptRetention time.Duration
}

type LockoutConfig struct {
	TempThreshold      int           // failures before a temporary lock
	TempWindow         time.Duration // window the temporary lock is derived over
	PermanentThreshold int           // failures before the permanent flag is set
}

type BurstConfig struct {
	Limit         int           // requests per window before the burst category fires
	Window        time.Duration
	Backend       string        // "memory" or "redis"
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type EmailConfig struct {
	AWSRegion           string
	FromAddress         string
	VerificationURLBase string
	TokenExpiryHours    int
	Enabled             bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "bastion"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Server: ServerConfig{
			Port:                    getEnv("PORT", "8080"),
			Env:                     env,
			LogLevel:                getEnv("LOG_LEVEL", "info"),
			AllowedOrigins:          parseAllowedOrigins(env),
			GlobalRequestsPerMinute: getEnvAsInt("GLOBAL_REQUESTS_PER_MINUTE", 300),
			AuthRequestsPerMinute:   getEnvAsInt("AUTH_REQUESTS_PER_MINUTE", 10),
		},
		Auth: AuthConfig{
			JWTSecret:          jwtSecret,
			AccessTokenExpiry:  getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
			RefreshTokenExpiry: getEnvAsDuration("REFRESH_TOKEN_EXPIRY", 7*24*time.Hour),
			CleanupInterval:    getEnvAsDuration("CLEANUP_INTERVAL", 1*time.Hour),
			TimingDelayBaseMs:  getEnvAsInt("TIMING_DELAY_BASE_MS", 100),
			TimingDelayRandMs:  getEnvAsInt("TIMING_DELAY_RANDOM_MS", 150),
			TOTPEncryptionKey:  getEnv("TOTP_ENCRYPTION_KEY", ""),
			TOTPIssuer:         getEnv("TOTP_ISSUER", "bastion"),
		},
		Detection: DetectionConfig{
			Policies:         loadCategoryPolicies(),
			AttemptRetention: getEnvAsDuration("ATTEMPT_RETENTION", 24*time.Hour),
		},
		Lockout: LockoutConfig{
			TempThreshold:      getEnvAsInt("LOCKOUT_TEMP_THRESHOLD", 10),
			TempWindow:         getEnvAsDuration("LOCKOUT_TEMP_WINDOW", 15*time.Minute),
			PermanentThreshold: getEnvAsInt("LOCKOUT_PERMANENT_THRESHOLD", 20),
		},
		Burst: BurstConfig{
			Limit:         getEnvAsInt("BURST_LIMIT", 60),
			Window:        getEnvAsDuration("BURST_WINDOW", 1*time.Minute),
			Backend:       getEnv("BURST_BACKEND", "memory"),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvAsInt("REDIS_DB", 0),
		},
		Email: EmailConfig{
			AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
			FromAddress:         getEnv("EMAIL_FROM_ADDRESS", ""),
			VerificationURLBase: getEnv("EMAIL_VERIFICATION_URL_BASE", "http://localhost:8080/auth/verify-email"),
			TokenExpiryHours:    getEnvAsInt("EMAIL_TOKEN_EXPIRY_HOURS", 24),
			Enabled:             getEnvAsBool("EMAIL_ENABLED", false),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}

	if cfg.Lockout.PermanentThreshold <= cfg.Lockout.TempThreshold {
		return nil, fmt.Errorf("LOCKOUT_PERMANENT_THRESHOLD (%d) must be strictly greater than LOCKOUT_TEMP_THRESHOLD (%d)",
			cfg.Lockout.PermanentThreshold, cfg.Lockout.TempThreshold)
	}

	if cfg.Burst.Backend != "memory" && cfg.Burst.Backend != "redis" {
		return nil, fmt.Errorf("BURST_BACKEND must be \"memory\" or \"redis\", got %q", cfg.Burst.Backend)
	}

	if cfg.Auth.TOTPEncryptionKey != "" && len(cfg.Auth.TOTPEncryptionKey) != 32 {
		return nil, fmt.Errorf("TOTP_ENCRYPTION_KEY must be exactly 32 bytes (got %d)", len(cfg.Auth.TOTPEncryptionKey))
	}

	return cfg, nil
}

// loadCategoryPolicies builds the per-category escalation tuples.
// Severity and the immediate-block flag are fixed in code; windows and
// thresholds are environment-tunable.
func loadCategoryPolicies() map[models.Category]models.CategoryPolicy {
	return map[models.Category]models.CategoryPolicy{
		models.CategoryBruteForce: {
			Window:         getEnvAsDuration("ESCALATION_BRUTE_FORCE_WINDOW", 10*time.Minute),
			WarnThreshold:  getEnvAsInt("ESCALATION_BRUTE_FORCE_WARN", 5),
			BlockThreshold: getEnvAsInt("ESCALATION_BRUTE_FORCE_BLOCK", 9),
			Severity:       models.SeverityHigh,
		},
		models.CategoryScan: {
			Window:         getEnvAsDuration("ESCALATION_SCAN_WINDOW", 10*time.Minute),
			WarnThreshold:  getEnvAsInt("ESCALATION_SCAN_WARN", 10),
			BlockThreshold: getEnvAsInt("ESCALATION_SCAN_BLOCK", 25),
			Severity:       models.SeverityLow,
		},
		models.CategorySensitivePath: {
			Window:         getEnvAsDuration("ESCALATION_SENSITIVE_PATH_WINDOW", 30*time.Minute),
			WarnThreshold:  getEnvAsInt("ESCALATION_SENSITIVE_PATH_WARN", 1),
			BlockThreshold: getEnvAsInt("ESCALATION_SENSITIVE_PATH_BLOCK", 3),
			Severity:       models.SeverityCritical,
		},
		models.CategoryPayloadInjection: {
			Window:         getEnvAsDuration("ESCALATION_PAYLOAD_INJECTION_WINDOW", 30*time.Minute),
			WarnThreshold:  getEnvAsInt("ESCALATION_PAYLOAD_INJECTION_WARN", 1),
			BlockThreshold: getEnvAsInt("ESCALATION_PAYLOAD_INJECTION_BLOCK", 2),
			Severity:       models.SeverityCritical,
		},
		models.CategoryBurst: {
			Window:         getEnvAsDuration("ESCALATION_BURST_WINDOW", 10*time.Minute),
			WarnThreshold:  getEnvAsInt("ESCALATION_BURST_WARN", 3),
			BlockThreshold: getEnvAsInt("ESCALATION_BURST_BLOCK", 6),
			Severity:       models.SeverityMedium,
		},
		models.CategoryBadSignature: {
			Window:         getEnvAsDuration("ESCALATION_BAD_SIGNATURE_WINDOW", 30*time.Minute),
			WarnThreshold:  1,
			BlockThreshold: 1,
			Severity:       models.SeverityCritical,
			Immediate:      true,
		},
	}
}

// validateJWTSecret enforces minimum security standards for JWT secret
func validateJWTSecret(secret, env string) error {
	minLength := 16
	if env == "production" {
		minLength = 32
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func parseAllowedOrigins(env string) []string {
	if env == "production" {
		originsStr := getEnv("ALLOWED_ORIGINS", "")
		if originsStr == "" {
			return []string{}
		}
		origins := strings.Split(originsStr, ",")
		for i, origin := range origins {
			origins[i] = strings.TrimSpace(origin)
		}
		return origins
	}

	// Development: allow localhost variants
	return []string{
		"http://localhost:3000",
		"http://localhost:8080",
		"http://localhost:5173",
		"http://127.0.0.1:3000",
		"http://127.0.0.1:8080",
		"http://127.0.0.1:5173",
	}
}
