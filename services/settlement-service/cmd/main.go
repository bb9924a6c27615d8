package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/basemarket/market-settlement-api/services/settlement-service/internal/config"
	"github.com/basemarket/market-settlement-api/services/settlement-service/internal/infrastructure/chain"
	"github.com/basemarket/market-settlement-api/services/settlement-service/internal/infrastructure/events"
	"github.com/basemarket/market-settlement-api/services/settlement-service/internal/infrastructure/httpapi"
	"github.com/basemarket/market-settlement-api/services/settlement-service/internal/infrastructure/repository"
	"github.com/basemarket/market-settlement-api/services/settlement-service/internal/service"
	"github.com/basemarket/market-settlement-api/shared/logging"
	"github.com/basemarket/market-settlement-api/shared/messaging"
	"github.com/basemarket/market-settlement-api/shared/metrics"
	"github.com/basemarket/market-settlement-api/shared/migration"
	shpg "github.com/basemarket/market-settlement-api/shared/postgres"
	shredis "github.com/basemarket/market-settlement-api/shared/redis"
)

func main() {
	cfg := config.Load()
	cfg.Validate()

	log := logging.NewLogger(logging.DefaultConfig("settlement-service"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := shpg.NewPostgres(cfg.Postgres)
	if err != nil {
		log.WithError(err).Fatal("failed to connect postgres")
	}
	defer pg.Close()
	if err := pg.HealthCheck(ctx); err != nil {
		log.WithError(err).Fatal("failed to ping postgres")
	}

	migrator := migration.NewMigrator(&migration.Config{
		DB:         pg.GetClient(),
		Migrations: repository.Migrations,
	})
	if err := migrator.Migrate(); err != nil {
		log.WithError(err).Fatal("failed to run migrations")
	}

	redis, err := shredis.NewRedis(cfg.Redis)
	if err != nil {
		log.WithError(err).Fatal("failed to connect redis")
	}
	defer redis.Close()
	if err := redis.HealthCheck(ctx); err != nil {
		log.WithError(err).Fatal("failed to ping redis")
	}

	amqp, err := messaging.NewRabbitMQ(cfg.RabbitMQ)
	if err != nil {
		log.WithError(err).Fatal("failed to connect rabbitmq")
	}
	defer amqp.Close()

	m := metrics.NewMetrics("market", "settlement")

	listingRepo := repository.NewListingRepository(pg, redis)
	ledgerRepo := repository.NewLedgerRepository(pg)
	policyRepo := repository.NewPolicyRepository(pg)

	gateway := chain.NewGateway(chain.Config{
		Endpoint:   cfg.ChainRPC.Endpoint,
		Timeout:    cfg.ChainRPC.Timeout,
		MaxRetries: cfg.ChainRPC.MaxRetries,
	}, log)

	publisher := events.NewEventPublisher(amqp)

	listingSvc := service.NewListingManager(listingRepo, ledgerRepo, policyRepo, gateway, publisher, m, log)
	settlementSvc := service.NewSettlementEngine(listingRepo, policyRepo, listingSvc, gateway, gateway, publisher, m, log)
	adminSvc := service.NewAdminManager(policyRepo, ledgerRepo, gateway, m, log)

	consumer := events.NewConsumer(amqp, listingSvc, settlementSvc, gateway, log)
	if err := consumer.DeclareTopology(); err != nil {
		log.WithError(err).Fatal("failed to declare messaging topology")
	}
	if err := consumer.Start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start consumers")
	}

	server := httpapi.NewServer(cfg.HTTP.Port, listingSvc, settlementSvc, adminSvc, pg, redis, m, log)

	go func() {
		log.Infof("settlement service listening on :%d", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http shutdown failed")
	}
}
