package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort string
	ServiceName string

	// Upload pipeline configuration
	UploadTempDir     string
	ChunkSizeMB       int
	SessionTTLHours   int
	CompletedTTLMins  int
	SweepIntervalMins int
	PresignExpiryMins int
	PublishRetries    int
	MaxDirectUploadMB int

	// MinIO configuration
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucketName string
	MinIOUseSSL     bool
	PublicBaseURL   string

	// MySQL configuration
	MySQLHost     string
	MySQLPort     string
	MySQLUser     string
	MySQLPassword string
	MySQLDatabase string

	// Redis configuration
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Auth configuration
	JWTSecret string

	// Jaeger configuration
	JaegerEndpoint string
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	config := &Config{
		// Service defaults
		ServicePort: getEnv("SERVICE_PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "sharechat-media-upload"),

		// Upload defaults. TTLs and thresholds are tunables, not contracts.
		UploadTempDir:     getEnv("UPLOAD_TEMP_DIR", "/tmp/sharechat-uploads"),
		ChunkSizeMB:       getEnvAsInt("CHUNK_SIZE_MB", 4),
		SessionTTLHours:   getEnvAsInt("SESSION_TTL_HOURS", 24),
		CompletedTTLMins:  getEnvAsInt("COMPLETED_TTL_MINUTES", 60),
		SweepIntervalMins: getEnvAsInt("SWEEP_INTERVAL_MINUTES", 60),
		PresignExpiryMins: getEnvAsInt("PRESIGN_EXPIRY_MINUTES", 60),
		PublishRetries:    getEnvAsInt("PUBLISH_RETRIES", 3),
		MaxDirectUploadMB: getEnvAsInt("MAX_DIRECT_UPLOAD_MB", 32),

		// MinIO defaults
		MinIOEndpoint:   getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey:  getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey:  getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinIOBucketName: getEnv("MINIO_BUCKET_NAME", "sharechat-media"),
		MinIOUseSSL:     getEnvAsBool("MINIO_USE_SSL", false),
		PublicBaseURL:   getEnv("PUBLIC_BASE_URL", "http://localhost:9000"),

		// MySQL defaults
		MySQLHost:     getEnv("MYSQL_HOST", "localhost"),
		MySQLPort:     getEnv("MYSQL_PORT", "3306"),
		MySQLUser:     getEnv("MYSQL_USER", "root"),
		MySQLPassword: getEnv("MYSQL_PASSWORD", ""),
		MySQLDatabase: getEnv("MYSQL_DATABASE", "sharechat"),

		// Redis defaults
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// Auth defaults
		JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-me"),

		// Jaeger defaults
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "localhost:4318"),
	}

	return config, nil
}

// GetDSN returns the MySQL connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.MySQLUser,
		c.MySQLPassword,
		c.MySQLHost,
		c.MySQLPort,
		c.MySQLDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// GetChunkSizeBytes returns chunk size in bytes
func (c *Config) GetChunkSizeBytes() int64 {
	return int64(c.ChunkSizeMB) * 1024 * 1024
}

// GetSessionTTL returns how long an incomplete session may live
func (c *Config) GetSessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}

// GetCompletedTTL returns the grace period completed sessions are kept
// in the registry for late upload-info lookups
func (c *Config) GetCompletedTTL() time.Duration {
	return time.Duration(c.CompletedTTLMins) * time.Minute
}

// GetSweepInterval returns how often the expiry sweep runs
func (c *Config) GetSweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMins) * time.Minute
}

// GetPresignExpiry returns the lifetime of resumable upload targets
func (c *Config) GetPresignExpiry() time.Duration {
	return time.Duration(c.PresignExpiryMins) * time.Minute
}

// GetMaxDirectUploadBytes returns the direct-upload payload cap in bytes
func (c *Config) GetMaxDirectUploadBytes() int64 {
	return int64(c.MaxDirectUploadMB) * 1024 * 1024
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
