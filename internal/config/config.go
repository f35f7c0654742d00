// Package config loads apigate settings from defaults, an optional YAML file
// and APIGATE_ environment variables, in that order of precedence.
package config

import (
	"time"

	"golang.org/x/time/rate"

	"apigate/internal/auth"
	"apigate/internal/clientip"
	"apigate/internal/defense"
	"apigate/internal/gateway"
	"apigate/internal/validation"
)

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Firestore  FirestoreConfig  `koanf:"firestore"`
	Redis      RedisConfig      `koanf:"redis"`
	Admin      AdminConfig      `koanf:"admin"`
	Keys       KeysConfig       `koanf:"keys"`
	Gateway    GatewayConfig    `koanf:"gateway"`
	Defense    DefenseConfig    `koanf:"defense"`
	Validation ValidationConfig `koanf:"validation"`
	Audit      AuditConfig      `koanf:"audit"`
	Sentry     SentryConfig     `koanf:"sentry"`
}

type ServerConfig struct {
	Addr              string        `koanf:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout" validate:"gt=0"`
	ReadTimeout       time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout      time.Duration `koanf:"write_timeout" validate:"gt=0"`
	IdleTimeout       time.Duration `koanf:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// FirestoreConfig selects the durable key store. An empty ProjectID keeps
// keys in memory.
type FirestoreConfig struct {
	ProjectID          string `koanf:"project_id"`
	KeysCollection     string `koanf:"keys_collection" validate:"required"`
	UsageCollection    string `koanf:"usage_collection" validate:"required"`
	SecurityCollection string `koanf:"security_collection" validate:"required"`
}

func (f FirestoreConfig) Enabled() bool { return f.ProjectID != "" }

// RedisConfig enables the shared rate-limit store and usage counters when Addr is set.
type RedisConfig struct {
	Addr      string `koanf:"addr" validate:"omitempty,hostname_port"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db" validate:"gte=0"`
	KeyPrefix string `koanf:"key_prefix"`
}

func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type AdminConfig struct {
	MasterKeys []string `koanf:"master_keys" validate:"dive,min=16"`
	// RatePerSecond and Burst throttle admin calls per client address.
	RatePerSecond float64 `koanf:"rate_per_second" validate:"gt=0"`
	Burst         int     `koanf:"burst" validate:"gt=0"`
}

type KeysConfig struct {
	CleanupInterval   time.Duration `koanf:"cleanup_interval" validate:"gt=0"`
	CleanupLimit      int           `koanf:"cleanup_limit" validate:"gt=0"`
	NegativeCacheSize int           `koanf:"negative_cache_size" validate:"gte=0"`
}

type GatewayConfig struct {
	// Upstream receives admitted /api/v1 traffic. Empty serves only the built-in endpoints.
	Upstream            string        `koanf:"upstream" validate:"omitempty,url"`
	SiteOrigin          string        `koanf:"site_origin" validate:"omitempty,url"`
	TrustProxyHeaders   bool          `koanf:"trust_proxy_headers"`
	TrustedProxies      []string      `koanf:"trusted_proxies"`
	MaxConcurrentPerIP  int           `koanf:"max_concurrent_per_ip" validate:"gte=0"`
	MaxConcurrentGlobal int           `koanf:"max_concurrent_global" validate:"gte=0"`
	MemoryLimitMB       int           `koanf:"memory_limit_mb" validate:"gte=0"`
	HandlerTimeout      time.Duration `koanf:"handler_timeout" validate:"gt=0"`
	SignatureSkew       time.Duration `koanf:"signature_skew" validate:"gt=0"`
	JanitorInterval     time.Duration `koanf:"janitor_interval" validate:"gt=0"`
}

type DefenseConfig struct {
	ConnPerSecond       int           `koanf:"conn_per_second" validate:"gte=0"`
	ConnPerMinute       int           `koanf:"conn_per_minute" validate:"gte=0"`
	ConnPerHour         int           `koanf:"conn_per_hour" validate:"gte=0"`
	SuspiciousCount     int           `koanf:"suspicious_count" validate:"gt=0"`
	SuspiciousWindow    time.Duration `koanf:"suspicious_window" validate:"gt=0"`
	ChallengeCount      int           `koanf:"challenge_count" validate:"gt=0"`
	AutoblockCount      int           `koanf:"autoblock_count" validate:"gtfield=ChallengeCount"`
	CircuitCount        int           `koanf:"circuit_count" validate:"gte=0"`
	LongWindow          time.Duration `koanf:"long_window" validate:"gt=0"`
	MaxStrikes          int           `koanf:"max_strikes" validate:"gte=0"`
	BlockDuration       time.Duration `koanf:"block_duration" validate:"gt=0"`
	ChallengeDuration   time.Duration `koanf:"challenge_duration" validate:"gt=0"`
	CircuitCooldown     time.Duration `koanf:"circuit_cooldown" validate:"gt=0"`
	ChallengeDifficulty int           `koanf:"challenge_difficulty" validate:"min=1,max=8"`
	GlobalThreshold     int64         `koanf:"global_threshold" validate:"gte=0"`
	GlobalCooldown      time.Duration `koanf:"global_cooldown" validate:"gt=0"`
	Blacklist           []string      `koanf:"blacklist"`
	SweepInterval       time.Duration `koanf:"sweep_interval" validate:"gt=0"`
	Retention           time.Duration `koanf:"retention" validate:"gt=0"`
}

type ValidationConfig struct {
	MaxHeaders     int   `koanf:"max_headers" validate:"gt=0"`
	MaxQueryParams int   `koanf:"max_query_params" validate:"gt=0"`
	MaxQueryLength int   `koanf:"max_query_length" validate:"gt=0"`
	MaxBodyBytes   int64 `koanf:"max_body_bytes" validate:"gt=0"`
	MaxJSONDepth   int   `koanf:"max_json_depth" validate:"gt=0"`
	MaxJSONKeys    int   `koanf:"max_json_keys" validate:"gt=0"`
}

type AuditConfig struct {
	Buffer           int           `koanf:"buffer" validate:"gt=0"`
	FailureThreshold uint32        `koanf:"failure_threshold" validate:"gt=0"`
	Cooldown         time.Duration `koanf:"cooldown" validate:"gt=0"`
	CounterTTL       time.Duration `koanf:"counter_ttl" validate:"gt=0"`
}

type SentryConfig struct {
	DSN         string `koanf:"dsn" validate:"omitempty,url"`
	Environment string `koanf:"environment"`
}

func defaultConfig() *Config {
	limits := validation.DefaultLimits()
	th := defense.DefaultThresholds()
	conn := defense.DefaultConnLimits()
	gw := gateway.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      45 * time.Second,
			IdleTimeout:       2 * time.Minute,
			ShutdownTimeout:   15 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Firestore: FirestoreConfig{
			KeysCollection:     "apiKeys",
			UsageCollection:    "apiUsage",
			SecurityCollection: "securityEvents",
		},
		Redis: RedisConfig{KeyPrefix: "apigate:"},
		Admin: AdminConfig{RatePerSecond: 5, Burst: 10},
		Keys: KeysConfig{
			CleanupInterval:   time.Hour,
			CleanupLimit:      auth.DefaultCleanupLimit(),
			NegativeCacheSize: 10_000,
		},
		Gateway: GatewayConfig{
			MaxConcurrentPerIP:  gw.MaxConcurrentPerIP,
			MaxConcurrentGlobal: gw.MaxConcurrentGlobal,
			HandlerTimeout:      gw.HandlerTimeout,
			SignatureSkew:       gw.SignatureSkew,
			JanitorInterval:     time.Minute,
		},
		Defense: DefenseConfig{
			ConnPerSecond:       conn.PerSecond,
			ConnPerMinute:       conn.PerMinute,
			ConnPerHour:         conn.PerHour,
			SuspiciousCount:     th.SuspiciousCount,
			SuspiciousWindow:    th.SuspiciousWindow,
			ChallengeCount:      th.ChallengeCount,
			AutoblockCount:      th.AutoblockCount,
			CircuitCount:        th.CircuitCount,
			LongWindow:          th.LongWindow,
			MaxStrikes:          th.MaxStrikes,
			BlockDuration:       th.BlockDuration,
			ChallengeDuration:   th.ChallengeDuration,
			CircuitCooldown:     th.CircuitCooldown,
			ChallengeDifficulty: th.ChallengeDifficulty,
			GlobalThreshold:     defense.DefaultGlobalThreshold,
			GlobalCooldown:      defense.DefaultGlobalCooldown,
			SweepInterval:       5 * time.Minute,
			Retention:           time.Hour,
		},
		Validation: ValidationConfig{
			MaxHeaders:     limits.MaxHeaders,
			MaxQueryParams: limits.MaxQueryParams,
			MaxQueryLength: limits.MaxQueryLength,
			MaxBodyBytes:   limits.MaxBodyBytes,
			MaxJSONDepth:   limits.MaxJSONDepth,
			MaxJSONKeys:    limits.MaxJSONKeys,
		},
		Audit: AuditConfig{
			Buffer:           1024,
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
			CounterTTL:       48 * time.Hour,
		},
		Sentry: SentryConfig{Environment: "development"},
	}
}

// GatewayOptions converts the gateway section into the orchestrator's settings.
// Entries were checked by Validate.
func (c *Config) GatewayOptions() gateway.Config {
	proxies, _ := clientip.ParseTrustedProxies(c.Gateway.TrustedProxies)
	return gateway.Config{
		SiteOrigin:          c.Gateway.SiteOrigin,
		TrustProxyHeaders:   c.Gateway.TrustProxyHeaders,
		TrustedProxies:      proxies,
		MaxConcurrentPerIP:  c.Gateway.MaxConcurrentPerIP,
		MaxConcurrentGlobal: c.Gateway.MaxConcurrentGlobal,
		MemoryLimitBytes:    uint64(c.Gateway.MemoryLimitMB) << 20,
		HandlerTimeout:      c.Gateway.HandlerTimeout,
		SignatureSkew:       c.Gateway.SignatureSkew,
	}
}

func (d DefenseConfig) Thresholds() defense.Thresholds {
	return defense.Thresholds{
		SuspiciousCount:     d.SuspiciousCount,
		SuspiciousWindow:    d.SuspiciousWindow,
		ChallengeCount:      d.ChallengeCount,
		AutoblockCount:      d.AutoblockCount,
		CircuitCount:        d.CircuitCount,
		LongWindow:          d.LongWindow,
		MaxStrikes:          d.MaxStrikes,
		BlockDuration:       d.BlockDuration,
		ChallengeDuration:   d.ChallengeDuration,
		CircuitCooldown:     d.CircuitCooldown,
		ChallengeDifficulty: d.ChallengeDifficulty,
	}
}

func (d DefenseConfig) ConnLimits() defense.ConnLimits {
	return defense.ConnLimits{PerSecond: d.ConnPerSecond, PerMinute: d.ConnPerMinute, PerHour: d.ConnPerHour}
}

func (v ValidationConfig) Limits() validation.Limits {
	limits := validation.DefaultLimits()
	limits.MaxHeaders = v.MaxHeaders
	limits.MaxQueryParams = v.MaxQueryParams
	limits.MaxQueryLength = v.MaxQueryLength
	limits.MaxBodyBytes = v.MaxBodyBytes
	limits.MaxJSONDepth = v.MaxJSONDepth
	limits.MaxJSONKeys = v.MaxJSONKeys
	return limits
}

func (a AdminConfig) Limit() rate.Limit { return rate.Limit(a.RatePerSecond) }
