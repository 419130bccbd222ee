package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}

	if c.Redis.Host == "" {
		return errors.New("redis host must be specified")
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		return errors.New("invalid redis port")
	}

	switch strings.ToLower(c.Broker.Type) {
	case "redis":
		// Shares the state store connection; nothing more to check.
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers must be specified for kafka broker")
		}
		if c.Broker.Kafka.GroupID == "" {
			return errors.New("kafka groupID must be specified for kafka broker")
		}
	default:
		return fmt.Errorf("invalid broker type: %s. Must be 'redis' or 'kafka'", c.Broker.Type)
	}

	switch strings.ToLower(c.Rest.RequestMode) {
	case "aggregate", "immediate":
	default:
		return fmt.Errorf("invalid rest request mode: %s. Must be 'aggregate' or 'immediate'", c.Rest.RequestMode)
	}

	if c.SSE.HeartbeatInterval < 1 {
		return errors.New("sse heartbeat interval must be at least 1 second")
	}

	if c.WebSocket.PingInterval >= c.WebSocket.PongTimeout {
		return errors.New("ping interval should be less than pong timeout")
	}

	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "default-secret" {
			return errors.New("auth.jwtSecret must be set to a strong secret when auth is enabled")
		}
		if c.Auth.TokenQueryParam == "" {
			return errors.New("auth.tokenQueryParam must be configured when auth is enabled")
		}
	}

	return nil
}

func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "MEETINGREST_PORT")
	viper.BindEnv("server.allowedOrigin", "MEETINGREST_ALLOWED_ORIGIN")

	// Redis: both the prefixed names and the bare names the deploy scripts
	// have always used.
	viper.BindEnv("redis.host", "MEETINGREST_REDIS_HOST", "REDIS_HOST")
	viper.BindEnv("redis.port", "MEETINGREST_REDIS_PORT", "REDIS_PORT")
	viper.BindEnv("redis.password", "MEETINGREST_REDIS_PASSWORD", "REDIS_PASSWORD")

	// Broker
	viper.BindEnv("broker.type", "MEETINGREST_BROKER_TYPE")
	viper.BindEnv("broker.kafka.brokers", "MEETINGREST_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.groupID", "MEETINGREST_KAFKA_GROUPID")

	// Rest-request policy
	viper.BindEnv("rest.requestMode", "MEETINGREST_REST_REQUEST_MODE")

	// SSE
	viper.BindEnv("sse.heartbeatInterval", "MEETINGREST_SSE_HEARTBEAT_INTERVAL")

	// Auth
	viper.BindEnv("auth.enabled", "MEETINGREST_AUTH_ENABLED")
	viper.BindEnv("auth.jwtSecret", "MEETINGREST_AUTH_JWT_SECRET")
	viper.BindEnv("auth.tokenQueryParam", "MEETINGREST_AUTH_TOKEN_PARAM")
	viper.BindEnv("auth.revocationListKey", "MEETINGREST_AUTH_REVOCATION_KEY")

	// Metrics
	viper.BindEnv("metrics.enabled", "MEETINGREST_METRICS_ENABLED")
	viper.BindEnv("metrics.port", "MEETINGREST_METRICS_PORT")
}
