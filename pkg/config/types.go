// Package config loads and validates the orchestrator's configuration tree
// from YAML plus an environment-variable overlay.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration tree for a planexec process.
type Config struct {
	Queue     QueueConfig          `yaml:"queue"`
	PlanStore PlanStoreConfig      `yaml:"planState"`
	Policy    PolicyConfig         `yaml:"policy"`
	Dedupe    DedupeConfig         `yaml:"dedupe"`
	Lock      LockConfig           `yaml:"lock"`
	Retention RetentionConfig      `yaml:"retention"`
	Content   ContentCaptureConfig `yaml:"-"` // flattened from Retention.ContentCapture
}

// QueueConfig controls the Queue Adapter and the consumer retry policy
// shared by the Step and Completion Consumers.
type QueueConfig struct {
	// Backend selects the transport: "broker" (amqp091-go) or "log" (kafka-go).
	Backend string `yaml:"backend"`

	Broker BrokerConfig `yaml:"broker"`
	Log    LogConfig    `yaml:"log"`

	// RetryMaxAttempts bounds step executions (first run plus retries).
	RetryMaxAttempts int `yaml:"retryMaxAttempts"`
	// RetryBaseBackoffMs is the base for backoff(n) = base * 2^(n-1).
	RetryBaseBackoffMs int `yaml:"retryBaseBackoffMs"`

	// PrefetchCount bounds in-flight messages per consumer (broker backend).
	PrefetchCount int `yaml:"prefetchCount"`

	// PollInterval / PollIntervalJitter apply to backends whose transport
	// doesn't already push messages.
	PollInterval       time.Duration `yaml:"pollInterval"`
	PollIntervalJitter time.Duration `yaml:"pollIntervalJitter"`
}

// BrokerConfig configures the amqp091-go backed Adapter.
type BrokerConfig struct {
	URL                string        `yaml:"url"`
	DelayExchangeTTLMs int           `yaml:"delayExchangeTtlMs"`
	Heartbeat          time.Duration `yaml:"heartbeat"`
}

// LogConfig configures the kafka-go backed Adapter.
type LogConfig struct {
	Brokers           []string `yaml:"brokers"`
	Partitions        int      `yaml:"partitions"`
	ReplicationFactor int      `yaml:"replicationFactor"`
	AutoCreateTopics  bool     `yaml:"autoCreateTopics"`
	ConsumerGroup     string   `yaml:"consumerGroup"`
	// CompactedTopics names topics that get cleanup.policy=compact applied.
	// Ships empty by default; the two core queues are not state-holding.
	CompactedTopics []string `yaml:"compactedTopics,omitempty"`
}

// PlanStoreConfig controls the Plan State Store.
type PlanStoreConfig struct {
	// Backend selects "file" or "relational".
	Backend string `yaml:"backend"`

	FilePath string         `yaml:"filePath"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig is the relational backend's connection configuration.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	ConnMaxIdleTime time.Duration `yaml:"connMaxIdleTime"`
}

// DSN builds the pgx-compatible connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// PolicyConfig controls the Policy Enforcer.
type PolicyConfig struct {
	Cache PolicyCacheConfig  `yaml:"cache"`
	Rules []PolicyRuleConfig `yaml:"rules,omitempty"`
}

// PolicyRuleConfig grants one capability to subjects holding any of the
// named roles or scopes.
type PolicyRuleConfig struct {
	Capability      string   `yaml:"capability"`
	AnyRole         []string `yaml:"anyRole,omitempty"`
	AnyScope        []string `yaml:"anyScope,omitempty"`
	RequireApproval bool     `yaml:"requireApproval"`
}

// PolicyCacheConfig controls the optional decision cache.
type PolicyCacheConfig struct {
	Enabled    bool   `yaml:"enabled"`
	TTLSeconds int    `yaml:"ttlSeconds"`
	MaxEntries int    `yaml:"maxEntries"`
	Backend    string `yaml:"backend"` // "memory" or "redis"
	RedisAddr  string `yaml:"redisAddr"`
}

// DedupeConfig controls the Dedupe Service.
type DedupeConfig struct {
	Backend   string        `yaml:"backend"` // "memory" or "shared" (redis)
	TTL       time.Duration `yaml:"ttl"`
	RedisAddr string        `yaml:"redisAddr"`
}

// LockConfig controls the Distributed Lock Service.
type LockConfig struct {
	Backend   string        `yaml:"backend"` // "memory" or "redis"
	RedisAddr string        `yaml:"redisAddr"`
	TTL       time.Duration `yaml:"ttl"`
}

// ContentCaptureConfig gates whether Completion.output is persisted and
// forwarded on events.
type ContentCaptureConfig struct {
	Enabled bool `yaml:"enabled"`
}

// RetentionConfig controls the Plan State Store retention sweep.
type RetentionConfig struct {
	Days           int                  `yaml:"days"`
	SweepInterval  time.Duration        `yaml:"sweepInterval"`
	ContentCapture ContentCaptureConfig `yaml:"contentCapture"`
}
