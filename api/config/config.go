package config

import (
	"fmt"
	"time"

	sconfig "github.com/relaychat/tms/shared/config"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	IdP       IdPConfig
	JWT       JWTConfig
	OSS       OSSConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
	Environment    string
}

type DatabaseConfig struct {
	URL      string
	MaxConns int32
}

type RedisConfig struct {
	// URL is optional; empty disables the external cache without being fatal.
	URL string
}

type IdPConfig struct {
	APIURL  string
	APIKey  string
	Timeout time.Duration
}

type JWTConfig struct {
	// Secret must equal the identity provider's signing secret byte-for-byte
	// or every token fails verification.
	Secret     string
	Expiration time.Duration
}

type OSSConfig struct {
	Endpoint         string
	InternalEndpoint string
	Region           string
	Bucket           string
	AccessKeyID      string
	AccessKeySecret  string
	MaxUploadBytes   int64
	URLTTL           time.Duration
}

type RateLimitConfig struct {
	PerMinute       int
	PerHour         int
	SendPerMinute   int
	WsEventsPerSec  int
	UploadPerMinute int
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           sconfig.GetEnv("HOST", "0.0.0.0"),
			Port:           sconfig.GetEnvInt("PORT", 8080),
			AllowedOrigins: sconfig.GetEnvSlice("ALLOWED_ORIGINS", []string{"*"}),
			Environment:    sconfig.GetEnv("ENVIRONMENT", "development"),
		},
		Database: DatabaseConfig{
			URL:      sconfig.GetEnv("DATABASE_URL", "postgres://localhost:5432/tms?sslmode=disable"),
			MaxConns: int32(sconfig.GetEnvInt("DATABASE_MAX_CONNS", 30)),
		},
		Redis: RedisConfig{
			URL: sconfig.GetEnv("REDIS_URL", ""),
		},
		IdP: IdPConfig{
			APIURL:  sconfig.GetEnv("IDP_API_URL", ""),
			APIKey:  sconfig.GetEnv("IDP_API_KEY", ""),
			Timeout: sconfig.GetEnvDuration("IDP_API_TIMEOUT", 30*time.Second),
		},
		JWT: JWTConfig{
			Secret:     sconfig.GetEnvWithFallback("JWT_SECRET", "NEXTAUTH_SECRET", ""),
			Expiration: time.Duration(sconfig.GetEnvInt("JWT_EXPIRATION_HOURS", 720)) * time.Hour,
		},
		OSS: OSSConfig{
			Endpoint:         sconfig.GetEnv("OSS_ENDPOINT", ""),
			InternalEndpoint: sconfig.GetEnv("OSS_INTERNAL_ENDPOINT", ""),
			Region:           sconfig.GetEnv("OSS_REGION", "us-east-1"),
			Bucket:           sconfig.GetEnv("OSS_BUCKET", "tms-media"),
			AccessKeyID:      sconfig.GetEnv("OSS_ACCESS_KEY_ID", ""),
			AccessKeySecret:  sconfig.GetEnv("OSS_ACCESS_KEY_SECRET", ""),
			MaxUploadBytes:   int64(sconfig.GetEnvInt("OSS_MAX_UPLOAD_MB", 100)) << 20,
			URLTTL:           sconfig.GetEnvDuration("OSS_URL_TTL", time.Hour),
		},
		RateLimit: RateLimitConfig{
			PerMinute:       sconfig.GetEnvInt("RATE_LIMIT_PER_MINUTE", 100),
			PerHour:         sconfig.GetEnvInt("RATE_LIMIT_PER_HOUR", 3000),
			SendPerMinute:   sconfig.GetEnvInt("RATE_LIMIT_SEND_PER_MINUTE", 30),
			WsEventsPerSec:  sconfig.GetEnvInt("RATE_LIMIT_WS_EVENTS_PER_SECOND", 10),
			UploadPerMinute: sconfig.GetEnvInt("RATE_LIMIT_UPLOAD_PER_MINUTE", 5),
		},
	}
}

// Validate checks the invariants startup depends on. A missing signing
// secret is unrecoverable: every token would fail verification.
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET (or NEXTAUTH_SECRET) is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

// PreferredOSSEndpoint picks the internal endpoint when co-located with the
// object store.
func (c *Config) PreferredOSSEndpoint() string {
	if c.OSS.InternalEndpoint != "" {
		return c.OSS.InternalEndpoint
	}
	return c.OSS.Endpoint
}

func (c *Config) IsRedisConfigured() bool {
	return c.Redis.URL != ""
}

func (c *Config) IsIdPConfigured() bool {
	return c.IdP.APIURL != ""
}
