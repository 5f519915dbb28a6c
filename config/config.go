package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port              string
	ChallengesPath    string
	DeployerMode      string
	DeployTimeout     time.Duration
	GlobalConcurrency int64
	MaxInstances      int
	RateLimitBurst    int
	RateLimitWindow   time.Duration
	ReaperInterval    time.Duration
	AttachmentBucket  string
	Database          Database
}

type Database struct {
	Host       string
	Port       string
	User       string
	Password   string
	Name       string
	SchemaPath string
}

func NewConfigFromEnv() *Config {
	return &Config{
		Port:              getEnv("SERVER_PORT", "50080"),
		ChallengesPath:    getEnv("CHALLENGES_PATH", "challenges.yaml"),
		DeployerMode:      getEnv("DEPLOYER_MODE", "script"),
		DeployTimeout:     getEnvDuration("DEPLOY_TIMEOUT", 2*time.Minute),
		GlobalConcurrency: int64(getEnvInt("MAX_CONCURRENT_DEPLOYMENTS", 8)),
		MaxInstances:      getEnvInt("MAX_INSTANCES_PER_USER", 3),
		RateLimitBurst:    getEnvInt("RATE_LIMIT_BURST", 5),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		ReaperInterval:    getEnvDuration("REAPER_INTERVAL", 30*time.Second),
		AttachmentBucket:  getEnv("ATTACHMENT_BUCKET", ""),
		Database: Database{
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       getEnv("DB_PORT", "3306"),
			User:       getEnv("DB_USER", "root"),
			Password:   getEnv("DB_PASSWORD", "password"),
			Name:       getEnv("DB_NAME", "instancer_db"),
			SchemaPath: getEnv("SCHEMA_PATH", "migration/instancer_schema.sql"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}
