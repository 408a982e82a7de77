package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wms-platform/occupation-service/internal/conflict"
	"github.com/wms-platform/occupation-service/internal/infrastructure/redis"
	"github.com/wms-platform/occupation-service/internal/lock"
	"github.com/wms-platform/occupation-service/pkg/kafka"
	"github.com/wms-platform/occupation-service/pkg/mongodb"
)

// Driver names
const (
	DriverMemory  = "memory"
	DriverMongoDB = "mongodb"
	DriverRedis   = "redis"
	DriverKafka   = "kafka"
	DriverLog     = "log"
)

// Config holds application configuration
type Config struct {
	ServerAddr     string        `yaml:"serverAddr"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	CORSOrigins    []string      `yaml:"corsOrigins"`

	RecordStore string `yaml:"recordStore"`
	LockStore   string `yaml:"lockStore"`
	Notifier    string `yaml:"notifier"`

	MongoDB *mongodb.Config `yaml:"mongodb"`
	Redis   *redis.Config   `yaml:"redis"`
	Kafka   *kafka.Config   `yaml:"kafka"`
	Topic   string          `yaml:"topic"`

	Lock  LockConfig  `yaml:"lock"`
	Retry RetryConfig `yaml:"retry"`

	// Seed lists work units created at startup when they do not exist yet.
	Seed []SeedUnit `yaml:"seed"`
}

// LockConfig mirrors lock.Config in file form
type LockConfig struct {
	Mode           string        `yaml:"mode"`
	LeaseTTL       time.Duration `yaml:"leaseTtl"`
	SafetyTTL      time.Duration `yaml:"safetyTtl"`
	AbandonedAfter time.Duration `yaml:"abandonedAfter"`
}

// RetryConfig mirrors conflict.RetryPolicy in file form
type RetryConfig struct {
	MaxAttempts  int           `yaml:"maxAttempts"`
	BaseDelay    time.Duration `yaml:"baseDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	StoreRetries int           `yaml:"storeRetries"`
}

// SeedUnit is a work unit to create on startup
type SeedUnit struct {
	WorkUnitID     string `yaml:"workUnitId"`
	MaterialsReady bool   `yaml:"materialsReady"`
}

func loadConfig() (*Config, error) {
	mongoCfg := mongodb.DefaultConfig()
	mongoCfg.URI = getEnv("MONGODB_URI", mongoCfg.URI)
	mongoCfg.Database = getEnv("MONGODB_DATABASE", mongoCfg.Database)
	mongoCfg.Username = getEnv("MONGODB_USERNAME", "")
	mongoCfg.Password = getEnv("MONGODB_PASSWORD", "")

	redisCfg := redis.DefaultConfig()
	redisCfg.Addr = getEnv("REDIS_ADDR", redisCfg.Addr)
	redisCfg.Password = getEnv("REDIS_PASSWORD", "")
	redisCfg.DB = getEnvInt("REDIS_DB", 0)

	kafkaCfg := kafka.DefaultConfig()
	kafkaCfg.Brokers = strings.Split(getEnv("KAFKA_BROKERS", strings.Join(kafkaCfg.Brokers, ",")), ",")

	lockDefaults := lock.DefaultConfig()
	retryDefaults := conflict.DefaultRetryPolicy()

	cfg := &Config{
		ServerAddr:     getEnv("SERVER_ADDR", ":8030"),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		CORSOrigins:    getEnvList("CORS_ALLOWED_ORIGINS"),
		RecordStore:    getEnv("RECORD_STORE", DriverMongoDB),
		LockStore:      getEnv("LOCK_STORE", DriverRedis),
		Notifier:       getEnv("NOTIFIER", DriverKafka),
		MongoDB:        mongoCfg,
		Redis:          redisCfg,
		Kafka:          kafkaCfg,
		Topic:          getEnv("KAFKA_TOPIC", kafka.Topics.OccupationEvents),
		Lock: LockConfig{
			Mode:           getEnv("LOCK_MODE", string(lockDefaults.Mode)),
			LeaseTTL:       getEnvDuration("LOCK_LEASE_TTL", lockDefaults.LeaseTTL),
			SafetyTTL:      getEnvDuration("LOCK_SAFETY_TTL", lockDefaults.SafetyTTL),
			AbandonedAfter: getEnvDuration("LOCK_ABANDONED_AFTER", lockDefaults.AbandonedAfter),
		},
		Retry: RetryConfig{
			MaxAttempts:  getEnvInt("RETRY_MAX_ATTEMPTS", retryDefaults.MaxAttempts),
			BaseDelay:    getEnvDuration("RETRY_BASE_DELAY", retryDefaults.BaseDelay),
			MaxDelay:     getEnvDuration("RETRY_MAX_DELAY", retryDefaults.MaxDelay),
			StoreRetries: getEnvInt("RETRY_STORE_RETRIES", retryDefaults.StoreRetries),
		},
	}

	if path := os.Getenv("OCCUPATION_CONFIG"); path != "" {
		if err := overlayFile(cfg, path); err != nil {
			return nil, err
		}
	}
	return cfg, cfg.validate()
}

// overlayFile decodes the YAML file at path over cfg. Keys absent from the
// file keep their environment values.
func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.RecordStore != DriverMemory && c.RecordStore != DriverMongoDB {
		return fmt.Errorf("unknown record store %q", c.RecordStore)
	}
	if c.LockStore != DriverMemory && c.LockStore != DriverRedis {
		return fmt.Errorf("unknown lock store %q", c.LockStore)
	}
	if c.Notifier != DriverLog && c.Notifier != DriverKafka {
		return fmt.Errorf("unknown notifier %q", c.Notifier)
	}
	switch lock.Mode(c.Lock.Mode) {
	case lock.ModeLeased, lock.ModePersistent:
	default:
		return fmt.Errorf("unknown lock mode %q", c.Lock.Mode)
	}
	return nil
}

func (c *Config) lockConfig() lock.Config {
	cfg := lock.DefaultConfig()
	cfg.Mode = lock.Mode(c.Lock.Mode)
	cfg.LeaseTTL = c.Lock.LeaseTTL
	cfg.SafetyTTL = c.Lock.SafetyTTL
	cfg.AbandonedAfter = c.Lock.AbandonedAfter
	return cfg
}

func (c *Config) retryPolicy() conflict.RetryPolicy {
	p := conflict.DefaultRetryPolicy()
	p.MaxAttempts = c.Retry.MaxAttempts
	p.BaseDelay = c.Retry.BaseDelay
	p.MaxDelay = c.Retry.MaxDelay
	p.StoreRetries = c.Retry.StoreRetries
	return p
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}
