package config

import (
	"log"
	"time"

	"github.com/basemarket/market-settlement-api/shared/env"
	"github.com/basemarket/market-settlement-api/shared/messaging"
	shpg "github.com/basemarket/market-settlement-api/shared/postgres"
	shredis "github.com/basemarket/market-settlement-api/shared/redis"
)

type HTTPConfig struct {
	Port int
}

type ChainRPCConfig struct {
	Endpoint   string
	Timeout    time.Duration
	MaxRetries int
}

type Config struct {
	HTTP     HTTPConfig
	Postgres shpg.PostgresConfig
	Redis    shredis.RedisConfig
	RabbitMQ messaging.RabbitMQConfig
	ChainRPC ChainRPCConfig
}

func Load() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port: env.GetInt("SETTLEMENT_HTTP_PORT", 8086),
		},
		Postgres: shpg.PostgresConfig{
			PostgresHost:     env.GetString("POSTGRES_HOST", "localhost"),
			PostgresPort:     env.GetInt("POSTGRES_PORT", 5432),
			PostgresUser:     env.GetString("POSTGRES_USER", "postgres"),
			PostgresPassword: env.GetString("POSTGRES_PASSWORD", "postgres"),
			PostgresDatabase: env.GetString("POSTGRES_DATABASE", "market_settlement"),
		},
		Redis: shredis.RedisConfig{
			RedisHost:     env.GetString("REDIS_HOST", "localhost"),
			RedisPort:     env.GetInt("REDIS_PORT", 6379),
			RedisPassword: env.GetString("REDIS_PASSWORD", ""),
			RedisDB:       env.GetInt("REDIS_DB", 0),
		},
		RabbitMQ: messaging.RabbitMQConfig{
			RabbitMQHost:     env.GetString("RABBITMQ_HOST", "localhost"),
			RabbitMQPort:     env.GetInt("RABBITMQ_PORT", 5672),
			RabbitMQUser:     env.GetString("RABBITMQ_USER", "guest"),
			RabbitMQPassword: env.GetString("RABBITMQ_PASSWORD", "guest"),
		},
		ChainRPC: ChainRPCConfig{
			Endpoint:   env.GetString("CHAIN_RPC_ENDPOINT", "http://localhost:9090/rpc"),
			Timeout:    env.GetDuration("CHAIN_RPC_TIMEOUT", 30*time.Second),
			MaxRetries: env.GetInt("CHAIN_RPC_MAX_RETRIES", 3),
		},
	}
}

func (c *Config) Validate() {
	if c.HTTP.Port == 0 {
		log.Fatal("HTTP.Port required")
	}
	if c.Postgres.PostgresHost == "" {
		log.Fatal("Postgres.Host required")
	}
	if c.RabbitMQ.RabbitMQHost == "" {
		log.Fatal("RabbitMQ.Host required")
	}
	if c.ChainRPC.Endpoint == "" {
		log.Fatal("ChainRPC.Endpoint required")
	}
}
