package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Server    ServerConfig
	Redis     RedisConfig
	Broker    BrokerConfig
	Rest      RestConfig
	SSE       SSEConfig
	WebSocket WebSocketConfig
	Auth      AuthConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Port          int
	ReadTimeout   int // Seconds; SSE responses are exempt from the write timeout
	AllowedOrigin string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// Addr joins host and port for the go-redis client.
func (c RedisConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type BrokerConfig struct {
	Type  string // "redis" or "kafka"
	Kafka KafkaConfig
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
}

// RestConfig selects the anonymous-request policy. The two variants are
// deliberately exclusive; see DESIGN.md.
type RestConfig struct {
	RequestMode string // "aggregate" or "immediate"
}

type SSEConfig struct {
	HeartbeatInterval int // Seconds
}

type WebSocketConfig struct {
	MessageSizeLimit int
	PingInterval     int // Seconds
	PongTimeout      int // Seconds
	WriteTimeout     int // Seconds
	MaxWriteRetries  int
}

type AuthConfig struct {
	Enabled           bool
	JWTSecret         string
	TokenQueryParam   string
	RevocationListKey string
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

var (
	instance *AppConfig
	once     sync.Once
)

// Initialize loads configuration from configs/config.{env}.yaml (optional)
// and the environment. Safe to call once per process.
func Initialize(env string) error {
	var initErr error
	once.Do(func() {
		viper.SetConfigName(fmt.Sprintf("config.%s", env))
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")

		viper.AutomaticEnv()
		viper.SetEnvPrefix("MEETINGREST")

		setDefaults()
		bindEnvVars()

		if err := viper.ReadInConfig(); err != nil {
			// Env-only deployments carry no config file.
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				initErr = fmt.Errorf("config file error: %w", err)
				return
			}
		}

		if err := viper.Unmarshal(&instance); err != nil {
			initErr = fmt.Errorf("config unmarshal error: %w", err)
			return
		}

		if err := instance.Validate(); err != nil {
			initErr = fmt.Errorf("config validation failed: %w", err)
			return
		}
	})
	return initErr
}

// Get returns the process configuration. Initialize must have succeeded.
func Get() *AppConfig {
	return instance
}
