package cfg

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Secret holds a wipeable credential. String() never reveals the value, so a
// Cfg dumped into a log stays clean.
type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}

func (s Secret) Value() string {
	return string(s.value)
}

func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}

func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port        string
	Environment string
	LogLevel    string

	DatabasePath   string
	DBMaxOpenConns int
	DBMaxIdleConns int
	DBQueryTimeout time.Duration

	RedisURL      string
	RedisTLS      bool
	RedisUsername string
	RedisPassword Secret
	RedisTimeout  time.Duration

	LRUCacheSize int
	PostCacheTTL time.Duration

	// Ledger read API.
	LedgerURL   string
	CoreProgram string

	// Gate budgets and windows.
	UnlockRateLimit  int
	UnlockRateWindow time.Duration
	CreateRateLimit  int
	CreateRateWindow time.Duration
	DeleteRateLimit  int
	DeleteRateWindow time.Duration
	FreshnessWindow  time.Duration

	Pepper                   Secret
	PepperFromKMS            bool
	IdentityRotationInterval time.Duration
	DEKCacheTTL              time.Duration

	MetricsUser string
	MetricsPass Secret

	TrustedProxies []string
	AllowedOrigins []string
	ContextTimeout time.Duration
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.DatabasePath = getEnv("DATABASE_PATH", "veilpost.db")
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))

	var err error
	if c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 1000); err != nil {
		return nil, err
	}
	if c.PostCacheTTL, err = getDuration("POST_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}

	c.LedgerURL = getEnv("LEDGER_URL", "")
	c.CoreProgram = getEnv("CORE_PROGRAM", "veilpost_v1.aleo")

	if c.UnlockRateLimit, err = getInt("UNLOCK_RATE_LIMIT", 30); err != nil {
		return nil, err
	}
	if c.UnlockRateWindow, err = getDuration("UNLOCK_RATE_WINDOW", 60*time.Second); err != nil {
		return nil, err
	}
	if c.CreateRateLimit, err = getInt("CREATE_RATE_LIMIT", 5); err != nil {
		return nil, err
	}
	if c.CreateRateWindow, err = getDuration("CREATE_RATE_WINDOW", time.Minute); err != nil {
		return nil, err
	}
	if c.DeleteRateLimit, err = getInt("DELETE_RATE_LIMIT", 10); err != nil {
		return nil, err
	}
	if c.DeleteRateWindow, err = getDuration("DELETE_RATE_WINDOW", time.Minute); err != nil {
		return nil, err
	}
	if c.FreshnessWindow, err = getDuration("FRESHNESS_WINDOW", 5*time.Minute); err != nil {
		return nil, err
	}

	c.Pepper = NewSecret(getEnv("PEPPER", ""))
	c.PepperFromKMS = getEnv("PEPPER_FROM_KMS", "false") == "true"
	if c.IdentityRotationInterval, err = getDuration("IDENTITY_ROTATION_INTERVAL", 1*time.Hour); err != nil {
		return nil, err
	}
	if c.DEKCacheTTL, err = getDuration("DEK_CACHE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}

	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	if c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}

	if c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 100); err != nil {
		return nil, err
	}
	if c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 10); err != nil {
		return nil, err
	}
	if c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if c.DatabasePath == "" {
		return errors.New("DATABASE_PATH is required")
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absDBPath, err := filepath.Abs(c.DatabasePath)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_PATH: %w", err)
	}
	if !strings.HasPrefix(absDBPath, absWorkDir+string(filepath.Separator)) && absDBPath != absWorkDir {
		return fmt.Errorf("DATABASE_PATH must be within working directory %s", absWorkDir)
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	if c.CoreProgram == "" {
		return errors.New("CORE_PROGRAM is required")
	}
	if c.UnlockRateLimit <= 0 || c.CreateRateLimit <= 0 || c.DeleteRateLimit <= 0 {
		return errors.New("rate limits must be positive")
	}
	if c.UnlockRateWindow < time.Second || c.CreateRateWindow < time.Second || c.DeleteRateWindow < time.Second {
		return errors.New("rate windows must be at least 1s")
	}
	if c.FreshnessWindow < time.Minute {
		return errors.New("FRESHNESS_WINDOW must be at least 1 minute")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	if !c.PepperFromKMS {
		if len(c.Pepper.Value()) == 0 {
			return errors.New("PEPPER is required if PEPPER_FROM_KMS is false")
		}
		if len(c.Pepper.Value()) < 32 {
			return errors.New("PEPPER must be at least 32 bytes")
		}
	}
	if c.IdentityRotationInterval < 15*time.Minute {
		return errors.New("IDENTITY_ROTATION_INTERVAL must be at least 15 minutes")
	}
	if c.IdentityRotationInterval > 24*time.Hour {
		return errors.New("IDENTITY_ROTATION_INTERVAL should not exceed 24 hours")
	}
	if c.DEKCacheTTL < 1*time.Minute {
		return errors.New("DEK_CACHE_TTL must be at least 1 minute")
	}
	if c.DEKCacheTTL > 1*time.Hour {
		return errors.New("DEK_CACHE_TTL should not exceed 1 hour")
	}
	return nil
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.Pepper.Wipe()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}

func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	var result []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}
