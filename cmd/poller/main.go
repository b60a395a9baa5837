package main

import (
	"context"
	"fmt"
	"time"

	"github.com/groupcast/group-service/internal/config"
	"github.com/groupcast/group-service/internal/logger"
	"github.com/groupcast/group-service/internal/publisher"
	"github.com/groupcast/group-service/internal/repo"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.EventTopic,
		Balancer: &kafka.LeastBytes{},
	}

	repository := repo.NewRepository(gdb, rdb, kw, log)

	pub := publisher.New(repository, log,
		time.Duration(cfg.Publisher.IntervalMS)*time.Millisecond,
		cfg.Publisher.Batch, cfg.Publisher.RPS, cfg.Publisher.Burst)

	log.Info("group-poller started")
	pub.Run(context.Background())
}
