package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, relative to the working directory.
const ConfigPath = "config.yaml"

const (
	ArchivalPinata = "pinata"
	ArchivalObject = "object"
	ArchivalNone   = "none"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                    string `yaml:"port"`
	LogLevel                string `yaml:"logLevel"`
	DatabaseURL             string `yaml:"databaseURL"`
	RedisAddr               string `yaml:"redisAddr"`
	RedisPassword           string `yaml:"redisPassword"`
	QueueName               string `yaml:"queueName"`
	QueueGroup              string `yaml:"queueGroup"`
	ArchivalBackend         string `yaml:"archivalBackend"`
	ArchivalWorkers         int    `yaml:"archivalWorkers"`
	PinataEndpoint          string `yaml:"pinataEndpoint"`
	PinataGateway           string `yaml:"pinataGateway"`
	PinataAPIKey            string `yaml:"pinataApiKey"`
	PinataAPISecret         string `yaml:"pinataApiSecret"`
	PinataJWT               string `yaml:"pinataJwt"`
	MinioEndpoint           string `yaml:"minioEndpoint"`
	MinioAccessKey          string `yaml:"minioAccessKey"`
	MinioSecretKey          string `yaml:"minioSecretKey"`
	MinioBucket             string `yaml:"minioBucket"`
	MinioUseSSL             bool   `yaml:"minioUseSSL"`
	AMQPURL                 string `yaml:"amqpURL"`
	AMQPExchange            string `yaml:"amqpExchange"`
	BootstrapAuthority      string `yaml:"bootstrapAuthority"`
	JWKSURL                 string `yaml:"jwksURL"`
	JWTIssuer               string `yaml:"jwtIssuer"`
	JWTAudience             string `yaml:"jwtAudience"`
	SubmitRateLimit         int    `yaml:"submitRateLimit"`
	SubmitRateWindowSeconds int    `yaml:"submitRateWindowSeconds"`
	CORSAllowedOrigins      string `yaml:"corsAllowedOrigins"`
}

// Load reads config from path (defaults to config.yaml), applies
// environment overrides and fills defaults.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("WHISPR_ARCHIVAL_BACKEND"); v != "" {
		cfg.ArchivalBackend = v
	}
	if v := os.Getenv("WHISPR_ARCHIVAL_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ArchivalWorkers = n
		}
	}
	if v := os.Getenv("WHISPR_PINATA_API_KEY"); v != "" {
		cfg.PinataAPIKey = v
	}
	if v := os.Getenv("WHISPR_PINATA_API_SECRET"); v != "" {
		cfg.PinataAPISecret = v
	}
	if v := os.Getenv("WHISPR_PINATA_JWT"); v != "" {
		cfg.PinataJWT = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = enabled
		}
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("WHISPR_BOOTSTRAP_AUTHORITY"); v != "" {
		cfg.BootstrapAuthority = v
	}
	if v := os.Getenv("WHISPR_JWKS_URL"); v != "" {
		cfg.JWKSURL = v
	}
	if v := os.Getenv("WHISPR_SUBMIT_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SubmitRateLimit = n
		}
	}
	if v := os.Getenv("WHISPR_SUBMIT_RATE_WINDOW_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SubmitRateWindowSeconds = n
		}
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = v
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.ArchivalBackend = strings.ToLower(strings.TrimSpace(cfg.ArchivalBackend))
	if cfg.ArchivalBackend == "" {
		cfg.ArchivalBackend = ArchivalNone
	}
	if cfg.ArchivalWorkers <= 0 {
		cfg.ArchivalWorkers = 4
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "whispr:archive"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "whispr-archivers"
	}
	if cfg.AMQPExchange == "" {
		cfg.AMQPExchange = "whispr.events"
	}
	if cfg.SubmitRateWindowSeconds <= 0 {
		cfg.SubmitRateWindowSeconds = 60
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	switch cfg.ArchivalBackend {
	case ArchivalPinata, ArchivalNone:
	case ArchivalObject:
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: archivalBackend=object requires minioEndpoint and minioBucket")
		}
		if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
			return errors.New("config: archivalBackend=object requires MINIO_ACCESS_KEY + MINIO_SECRET_KEY")
		}
	default:
		return fmt.Errorf("config: unknown archivalBackend %q (want pinata, object or none)", cfg.ArchivalBackend)
	}
	if cfg.SubmitRateLimit < 0 {
		return errors.New("config: submitRateLimit must be >= 0")
	}
	if cfg.SubmitRateLimit > 0 && cfg.RedisAddr == "" {
		return errors.New("config: submitRateLimit requires redisAddr")
	}
	if (cfg.JWTIssuer != "" || cfg.JWTAudience != "") && cfg.JWKSURL == "" {
		return errors.New("config: jwtIssuer/jwtAudience require jwksURL")
	}
	return nil
}

// AllowedOrigins returns the CORS allow-list; empty means same-origin only.
func (c FileConfig) AllowedOrigins() []string {
	return splitCSV(c.CORSAllowedOrigins)
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
