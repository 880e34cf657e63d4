package cmd

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"referral-service/internal/config"
	"referral-service/internal/db"
	"referral-service/internal/lifecycle"
	"referral-service/internal/matchmaking"
	"referral-service/internal/rabbitmq"
	"referral-service/internal/repositories"
	"referral-service/internal/scheduler"
	"referral-service/internal/telemetry"
	"referral-service/internal/ws"
)

// services is the dependency graph shared by serve and sweep.
type services struct {
	db          *sqlx.DB
	redis       *redis.Client
	publisher   rabbitmq.Publisher
	events      *telemetry.Emitter
	hub         *ws.Hub
	store       *repositories.SQLStore
	lifecycle   *lifecycle.Service
	matchmaking *matchmaking.Service
	scheduler   *scheduler.Scheduler
}

func buildServices(ctx context.Context, cfg *config.Config, log *zap.Logger) (*services, error) {
	database, err := db.Connect(ctx, cfg.DatabaseDSN, cfg.Migrate, log)
	if err != nil {
		return nil, err
	}

	s := &services{db: database}
	s.publisher = rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, log)
	log.Info("event publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(s.publisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(s.publisher)),
	)

	s.events = telemetry.NewEmitter(s.publisher, cfg.ServiceName, cfg.Environment, log)
	s.hub = ws.NewHub(s.publisher, log)
	s.store = repositories.NewSQLStore(database)

	s.lifecycle = lifecycle.NewService(s.store,
		lifecycle.WithDecisionWindow(cfg.DecisionWindow),
		lifecycle.WithLogger(log),
		lifecycle.WithEvents(s.events),
		lifecycle.WithBroadcaster(s.hub),
	)
	s.matchmaking = matchmaking.NewService(s.store,
		matchmaking.WithDecisionWindow(cfg.DecisionWindow),
		matchmaking.WithLogger(log),
		matchmaking.WithEvents(s.events),
		matchmaking.WithBroadcaster(s.hub),
	)

	var locker scheduler.Locker
	if cfg.RedisURL != "" {
		rdb, err := db.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		s.redis = rdb
		locker = scheduler.NewRedisLocker(rdb)
		log.Info("sweep lock backed by redis")
	} else {
		log.Warn("REDIS_URL unset, sweep lock is process local")
	}
	s.scheduler = scheduler.New(s.matchmaking, s.lifecycle, locker, cfg.SweepSpec(), log)

	return s, nil
}

func (s *services) close() {
	if s.publisher != nil {
		s.publisher.Close()
	}
	if s.redis != nil {
		s.redis.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
}
