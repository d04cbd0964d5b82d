package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/richardliu001/coinledger/internal/config"
	"github.com/richardliu001/coinledger/internal/logger"
	"github.com/richardliu001/coinledger/internal/outbox"
	"github.com/richardliu001/coinledger/internal/pool"
	"github.com/richardliu001/coinledger/internal/retry"
)

func main() {
	path := os.Getenv("LEDGER_CONFIG")
	if path == "" {
		path = "internal/config/config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	if !cfg.HasDatabase() || len(cfg.Kafka.Brokers) == 0 {
		log.Fatal("poller needs database.dsn and kafka.brokers")
	}

	p, err := pool.Open(cfg.Database, log)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer p.Close()

	kw := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	defer kw.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := outbox.NewStore(p, retry.FromConfig(cfg.Retry), log)
	relay := outbox.NewRelay(store, kw, time.Second, log)
	if err := relay.Run(ctx); err != nil {
		log.Errorf("relay: %v", err)
	}
}
