package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultConfigPath = "config/config.json"

type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Auth      AuthConfig      `json:"auth"`
	Redis     RedisConfig     `json:"redis"`
	Kafka     KafkaConfig     `json:"kafka"`
	Chat      ChatConfig      `json:"chat"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Log       LogConfig       `json:"log"`
}

type ServerConfig struct {
	Addr         string   `json:"addr"`
	AllowOrigins []string `json:"allow_origins"`
}

type DatabaseConfig struct {
	DSN string `json:"dsn"`
}

type AuthConfig struct {
	JWTSecret     string `json:"jwt_secret"`
	TokenExpiry   int    `json:"token_expiry"`   // in hours
	RefreshExpiry int    `json:"refresh_expiry"` // in hours
}

// RedisConfig 用于配置 Redis 连接
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type KafkaConfig struct {
	Enabled       bool     `json:"enabled"`
	Brokers       []string `json:"brokers"`
	GroupID       string   `json:"group_id"`
	MessageTopic  string   `json:"message_topic"`
	OrderTopic    string   `json:"order_topic"`
	Username      string   `json:"username"`
	Password      string   `json:"password"`
	SASLMechanism string   `json:"sasl_mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	UseTLS        bool     `json:"use_tls"`
	CertFile      string   `json:"cert_file"`
	KeyFile       string   `json:"key_file"`
	CAFile        string   `json:"ca_file"`
	QueueSize     int      `json:"queue_size"`
}

type ChatConfig struct {
	RequireAuth             bool   `json:"require_auth"`
	DuplicatePolicy         string `json:"duplicate_policy"` // supersede, reject
	HistoryRetentionSeconds int    `json:"history_retention_seconds"`
	MaxBodyBytes            int    `json:"max_body_bytes"`
	InboundQueueSize        int    `json:"inbound_queue_size"`
	SendBufferSize          int    `json:"send_buffer_size"`
	IdentifyTimeoutSeconds  int    `json:"identify_timeout_seconds"`
	LedgerWorkers           int    `json:"ledger_workers"`
	LedgerQueueSize         int    `json:"ledger_queue_size"`
}

type RateLimitConfig struct {
	Strategy      string `json:"strategy"` // fixed_window, token_bucket
	MessageLimit  int    `json:"message_limit"`
	MessageWindow int    `json:"message_window_seconds"`
	ConnectLimit  int    `json:"connect_limit"`
	ConnectWindow int    `json:"connect_window_seconds"`
}

type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, console
}

// HistoryRetention 客户离线后会话保留时长
func (c ChatConfig) HistoryRetention() time.Duration {
	return time.Duration(c.HistoryRetentionSeconds) * time.Second
}

func (c ChatConfig) IdentifyTimeout() time.Duration {
	return time.Duration(c.IdentifyTimeoutSeconds) * time.Second
}

// Default 默认配置
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":8080",
			AllowOrigins: []string{"http://localhost:5173"},
		},
		Auth: AuthConfig{TokenExpiry: 24, RefreshExpiry: 168},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Kafka: KafkaConfig{
			GroupID:      "shophub-support",
			MessageTopic: "support.messages",
			OrderTopic:   "shop.orders",
			QueueSize:    1000,
		},
		Chat: ChatConfig{
			RequireAuth:             true,
			DuplicatePolicy:         "supersede",
			HistoryRetentionSeconds: 1800,
			MaxBodyBytes:            4096,
			InboundQueueSize:        64,
			SendBufferSize:          256,
			IdentifyTimeoutSeconds:  10,
			LedgerWorkers:           4,
			LedgerQueueSize:         1000,
		},
		RateLimit: RateLimitConfig{
			Strategy:      "fixed_window",
			MessageLimit:  20,
			MessageWindow: 10,
			ConnectLimit:  30,
			ConnectWindow: 60,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// LoadConfig 先加载 .env，再读取 JSON 配置文件，最后用环境变量覆盖
func LoadConfig() (Config, error) {
	_ = godotenv.Load(".env")
	path := os.Getenv("SHOPHUB_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}
	return LoadFile(path)
}

func LoadFile(path string) (config Config, err error) {
	config = Default()
	file, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return config, err
		}
		log.Printf("Config file %s not found, using defaults", path)
	} else {
		defer func(file *os.File) {
			closeErr := file.Close()
			if closeErr != nil {
				log.Printf("Error closing config file: %v", closeErr)
			}
		}(file)
		decoder := json.NewDecoder(file)
		if err := decoder.Decode(&config); err != nil {
			return config, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	config.applyEnv()
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
		c.Kafka.Enabled = true
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Chat.RequireAuth {
		if c.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret is required when chat.require_auth is set")
		}
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required when chat.require_auth is set")
		}
	}
	switch c.Chat.DuplicatePolicy {
	case "", "supersede", "reject":
	default:
		return fmt.Errorf("chat.duplicate_policy: unknown value %q", c.Chat.DuplicatePolicy)
	}
	switch c.RateLimit.Strategy {
	case "", "fixed_window", "token_bucket":
	default:
		return fmt.Errorf("rate_limit.strategy: unknown value %q", c.RateLimit.Strategy)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required when kafka is enabled")
	}
	if c.Chat.HistoryRetentionSeconds < 0 {
		return errors.New("chat.history_retention_seconds must not be negative")
	}
	return nil
}
