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

const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

type Cfg struct {
	Port              string
	Environment       string
	LogLevel          string
	StoreBackend      string
	DatabasePath      string
	BoltPath          string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBQueryTimeout    time.Duration
	RedisURL          string
	RedisTLS          bool
	RedisUsername     string
	RedisPassword     Secret
	RedisTimeout      time.Duration
	RedisEventChannel string
	LRUCacheSize      int
	TombstoneTTL      time.Duration
	Argon2Time        uint32
	Argon2Memory      uint32
	Argon2Parallelism uint8
	HasherWorkerCount int
	Pepper            Secret
	PepperFromKMS     bool
	MaxPasteSize      int
	IDLength          int
	TTLPresets        []int
	DefaultTTLMinutes int
	SweepInterval     time.Duration
	ContextTimeout    time.Duration
	TrustedProxies    []string
	MetricsUser       string
	MetricsPass       Secret
	AllowedOrigins    []string
	KEKCacheTTL       time.Duration
	Notify            NotifyCfg
}

// NotifyCfg selects the event sinks. Empty URLs disable a sink.
type NotifyCfg struct {
	WebhookCreatedURL string
	WebhookDeletedURL string
	WebhookTimeout    time.Duration
	NATSURL           string
	NATSSubjectPrefix string
	QueueSize         int
	Workers           int
	RatePerSec        float64
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", BackendSQLite))
	c.DatabasePath = getEnv("DATABASE_PATH", "fogbin.db")
	c.BoltPath = getEnv("BOLT_PATH", "fogbin.bolt")
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	c.RedisEventChannel = getEnv("REDIS_EVENT_CHANNEL", "fogbin:events")
	var err error
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 100)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, err
	}
	c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	c.TombstoneTTL, err = getDuration("TOMBSTONE_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	c.Argon2Time, err = getUint32("ARGON2_TIME", 4)
	if err != nil {
		return nil, err
	}
	c.Argon2Memory, err = getUint32("ARGON2_MEMORY", 64*1024)
	if err != nil {
		return nil, err
	}
	p, err := getUint32("ARGON2_PARALLELISM", 2)
	if err != nil {
		return nil, err
	}
	if p > 255 {
		return nil, errors.New("ARGON2_PARALLELISM must be <= 255")
	}
	c.Argon2Parallelism = uint8(p)
	c.HasherWorkerCount, err = getInt("HASHER_WORKER_COUNT", 4)
	if err != nil {
		return nil, err
	}
	c.Pepper = NewSecret(getEnv("PEPPER", ""))
	c.PepperFromKMS = getEnv("PEPPER_FROM_KMS", "false") == "true"
	c.MaxPasteSize, err = getInt("MAX_PASTE_SIZE", 512*1024)
	if err != nil {
		return nil, err
	}
	c.IDLength, err = getInt("ID_LENGTH", 8)
	if err != nil {
		return nil, err
	}
	c.TTLPresets, err = getIntSlice("TTL_PRESETS", []int{1, 10, 60, 360, 1440, 10080, 43200})
	if err != nil {
		return nil, err
	}
	c.DefaultTTLMinutes, err = getInt("DEFAULT_TTL_MINUTES", 60)
	if err != nil {
		return nil, err
	}
	c.SweepInterval, err = getDuration("SWEEP_INTERVAL", 60*time.Second)
	if err != nil {
		return nil, err
	}
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	c.KEKCacheTTL, err = getDuration("KEK_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, err
	}

	c.Notify.WebhookCreatedURL = getEnv("WEBHOOK_CREATED_URL", "")
	c.Notify.WebhookDeletedURL = getEnv("WEBHOOK_DELETED_URL", "")
	c.Notify.WebhookTimeout, err = getDuration("WEBHOOK_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	c.Notify.NATSURL = getEnv("NATS_URL", "")
	c.Notify.NATSSubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", "fogbin.paste")
	c.Notify.QueueSize, err = getInt("NOTIFY_QUEUE_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	c.Notify.Workers, err = getInt("NOTIFY_WORKERS", 2)
	if err != nil {
		return nil, err
	}
	c.Notify.RatePerSec, err = getFloat("NOTIFY_RATE_PER_SEC", 20)
	if err != nil {
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

	switch c.StoreBackend {
	case BackendSQLite:
		if err := withinWorkDir("DATABASE_PATH", c.DatabasePath); err != nil {
			return err
		}
	case BackendBolt:
		if err := withinWorkDir("BOLT_PATH", c.BoltPath); err != nil {
			return err
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q", BackendSQLite, BackendBolt)
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
	if c.TombstoneTTL < time.Minute {
		return errors.New("TOMBSTONE_TTL must be at least 1 minute")
	}
	if c.Argon2Time < 1 {
		return errors.New("ARGON2_TIME must be at least 1")
	}
	if c.Argon2Memory < 1024 {
		return errors.New("ARGON2_MEMORY must be >= 1024 (1MB)")
	}
	if c.Argon2Parallelism < 1 {
		return errors.New("ARGON2_PARALLELISM must be at least 1")
	}
	if c.HasherWorkerCount <= 0 {
		return errors.New("HASHER_WORKER_COUNT must be positive")
	}

	if c.MaxPasteSize <= 0 {
		return errors.New("MAX_PASTE_SIZE must be positive")
	}
	if c.MaxPasteSize > 10*1024*1024 {
		return errors.New("MAX_PASTE_SIZE cannot exceed 10MB")
	}
	if c.IDLength < 6 || c.IDLength > 32 {
		return errors.New("ID_LENGTH must be between 6 and 32")
	}
	if len(c.TTLPresets) == 0 {
		return errors.New("TTL_PRESETS must list at least one value")
	}
	found := false
	for _, m := range c.TTLPresets {
		if m <= 0 {
			return fmt.Errorf("invalid TTL preset %d", m)
		}
		if m == c.DefaultTTLMinutes {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("DEFAULT_TTL_MINUTES %d is not one of TTL_PRESETS", c.DefaultTTLMinutes)
	}
	if c.SweepInterval < time.Second {
		return errors.New("SWEEP_INTERVAL must be at least 1s")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else {
			if net.ParseIP(proxy) == nil {
				return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
			}
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

	if c.KEKCacheTTL < 1*time.Minute {
		return errors.New("KEK_CACHE_TTL must be at least 1 minute")
	}
	if c.KEKCacheTTL > 1*time.Hour {
		return errors.New("KEK_CACHE_TTL should not exceed 1 hour (security risk)")
	}
	if c.Notify.WebhookDeletedURL != "" && c.Notify.WebhookCreatedURL == "" {
		return errors.New("WEBHOOK_DELETED_URL requires WEBHOOK_CREATED_URL")
	}
	for _, u := range []string{c.Notify.WebhookCreatedURL, c.Notify.WebhookDeletedURL} {
		if u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("webhook url %q must be http(s)", u)
		}
	}
	if c.Notify.QueueSize <= 0 || c.Notify.Workers <= 0 {
		return errors.New("NOTIFY_QUEUE_SIZE and NOTIFY_WORKERS must be positive")
	}
	if c.Notify.RatePerSec < 0 {
		return errors.New("NOTIFY_RATE_PER_SEC cannot be negative")
	}

	return nil
}

func withinWorkDir(key, path string) error {
	if path == "" {
		return fmt.Errorf("%s is required", key)
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if !strings.HasPrefix(absPath, absWorkDir+string(filepath.Separator)) && absPath != absWorkDir {
		return fmt.Errorf("%s must be within working directory %s", key, absWorkDir)
	}
	return nil
}

func (c *Cfg) Dev() bool {
	return c.Environment != "production"
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
func getFloat(key string, fallback float64) (float64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number for %s: %w", key, err)
	}
	return v, nil
}
func getUint32(key string, fallback uint32) (uint32, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid uint32 for %s: %w", key, err)
	}
	return uint32(v), nil
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
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// getIntSlice parses a comma separated list of minutes, e.g. "1,10,60".
func getIntSlice(key string, fallback []int) ([]int, error) {
	parts := getSlice(key, nil)
	if parts == nil {
		return fallback, nil
	}
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid TTL preset %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}
