package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/WayBill/config"
	"github.com/BearBump/WayBill/internal/broker/kafka"
	"github.com/BearBump/WayBill/internal/broker/messages"
	"github.com/BearBump/WayBill/internal/cache/rediscache"
	"github.com/BearBump/WayBill/internal/integrations/whatsapp"
	"github.com/BearBump/WayBill/internal/integrations/whatsapp/fake"
	"github.com/BearBump/WayBill/internal/integrations/whatsapp/graphapi"
	"github.com/BearBump/WayBill/internal/services/lifecycle"
	"github.com/BearBump/WayBill/internal/services/maintenance"
	"github.com/BearBump/WayBill/internal/services/notifier"
	"github.com/BearBump/WayBill/internal/storage/pgshipment"
)

type notifierFactories struct {
	newStorage  func(cfg *config.Config) (*pgshipment.Storage, error)
	newConsumer func(cfg *config.Config, topic, group string) kafkaConsumer
	newSink     func(cfg *config.Config) whatsapp.Sink
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
	Close() error
}

func defaultNotifierFactories() notifierFactories {
	return notifierFactories{
		newStorage: func(cfg *config.Config) (*pgshipment.Storage, error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			return pgshipment.New(connString)
		},
		newConsumer: func(cfg *config.Config, topic, group string) kafkaConsumer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewConsumer(brokers, topic, group)
		},
		newSink: func(cfg *config.Config) whatsapp.Sink {
			// Без токена работаем через локальный fake.
			if cfg.WayBill.WhatsAppToken == "" || cfg.WayBill.WhatsAppPhoneNumberID == "" {
				return fake.New()
			}
			timeout := time.Duration(cfg.WayBill.WhatsAppTimeoutSeconds) * time.Second
			return graphapi.New(cfg.WayBill.WhatsAppBaseURL, cfg.WayBill.WhatsAppToken, cfg.WayBill.WhatsAppPhoneNumberID, timeout)
		},
	}
}

func RunWayBillNotifier(ctx context.Context, cfg *config.Config, f notifierFactories) error {
	topic := cfg.Kafka.StatusChangedTopicName
	if topic == "" {
		topic = "shipments.status-changed"
	}
	group := cfg.WayBill.KafkaConsumerGroup
	if group == "" {
		group = "waybill-notifier"
	}
	httpAddr := cfg.WayBill.NotifierHTTPAddr
	if httpAddr == "" {
		httpAddr = ":8082"
	}
	interval := time.Duration(cfg.WayBill.MaintenanceIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	st, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	sink := f.newSink(cfg)
	n := notifier.New(st, sink).
		WithRetryPolicy(
			time.Duration(cfg.WayBill.RetryBackoffSeconds)*time.Second,
			int32(cfg.WayBill.RetryMax),
		)

	// Продюсер и кэш нужны lifecycle только для транзитных переходов;
	// self-heal публикует в тот же топик, который слушает этот процесс.
	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)
	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)
	cacheTTL := time.Duration(cfg.WayBill.TrackingCacheTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	svc := lifecycle.New(st, producer, rc, topic, cacheTTL).
		WithWindows(
			time.Duration(cfg.WayBill.IntakeWindowSeconds)*time.Second,
			time.Duration(cfg.WayBill.RetentionDays)*24*time.Hour,
			cfg.WayBill.SelfHealBatchSize,
		)

	driver := maintenance.New(svc, n).WithIntervals(interval, time.Hour)

	consumer := f.newConsumer(cfg, topic, group)
	defer func() { _ = consumer.Close() }()

	consumerErr := make(chan error, 1)
	go func() {
		slog.Info("kafka consumer started", "topic", topic, "group", group)
		consumerErr <- consumer.Consume(ctx, func(_key, value []byte) error {
			var msg messages.StatusChanged
			if err := json.Unmarshal(value, &msg); err != nil {
				// Битое сообщение ретраить бессмысленно.
				slog.Error("unmarshal status changed", "error", err.Error())
				return nil
			}
			return n.Notify(ctx, msg)
		})
	}()

	driverErr := make(chan error, 1)
	go func() {
		driverErr <- driver.Run(ctx)
	}()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runNotifierHTTPServer(ctx, notifierHTTPOpts{
			httpAddr: httpAddr,
			driver:   driver,
			cfg:      cfg,
		})
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-consumerErr:
		return err
	case err := <-driverErr:
		return err
	case err := <-httpErr:
		return err
	}
}
