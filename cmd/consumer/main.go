package main

import (
	"context"
	"fmt"

	"github.com/groupcast/group-service/internal/config"
	"github.com/groupcast/group-service/internal/consumer"
	"github.com/groupcast/group-service/internal/logger"
	"github.com/groupcast/group-service/internal/repo"
	"github.com/groupcast/group-service/internal/service"
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

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.RequestTopic,
		GroupID: cfg.Kafka.ConsumerGroup,
	})
	defer reader.Close()

	repository := repo.NewRepository(gdb, rdb, kw, log)
	svc := service.NewGroupService(repository, log)

	log.Info("group-consumer started")
	consumer.New(reader, svc, log).Run(context.Background())
}
