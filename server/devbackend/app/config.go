package app

import (
	"time"

	cmnenv "fieldsync/server/common/env"
)

type Config struct {
	Port          string
	JWTSecret     string
	JWTTTLMinutes int
	SeedPassword  string

	// Optional infrastructure; empty disables it.
	RedisAddr     string
	RedisPassword string
	LavinMQURL    string

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool
	MinIORegion    string

	ShutdownTimeout time.Duration
}

func LoadConfig() Config {
	return Config{
		Port:            cmnenv.String("DEVBACKEND_PORT", "8090"),
		JWTSecret:       cmnenv.String("JWT_SECRET", "change-me-in-production"),
		JWTTTLMinutes:   cmnenv.Int("JWT_TTL_MINUTES", 1440),
		SeedPassword:    cmnenv.String("DEVBACKEND_SEED_PASSWORD", "fieldsync"),
		RedisAddr:       cmnenv.String("REDIS_ADDR", ""),
		RedisPassword:   cmnenv.String("REDIS_PASSWORD", ""),
		LavinMQURL:      cmnenv.String("LAVINMQ_URL", ""),
		MinIOEndpoint:   cmnenv.String("MINIO_ENDPOINT", ""),
		MinIOAccessKey:  cmnenv.String("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey:  cmnenv.String("MINIO_SECRET_KEY", "minioadmin"),
		MinIOBucket:     cmnenv.String("MINIO_BUCKET", "field-photos"),
		MinIOUseSSL:     cmnenv.Bool("MINIO_USE_SSL", false),
		MinIORegion:     cmnenv.String("MINIO_REGION", ""),
		ShutdownTimeout: cmnenv.DurationMillis("DEVBACKEND_SHUTDOWN_TIMEOUT_MS", 10*time.Second),
	}
}
