package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/WayBill/config"
	"github.com/BearBump/WayBill/internal/api/shipments_api"
	"github.com/BearBump/WayBill/internal/broker/kafka"
	"github.com/BearBump/WayBill/internal/cache/rediscache"
	"github.com/BearBump/WayBill/internal/integrations/whatsapp"
	"github.com/BearBump/WayBill/internal/integrations/whatsapp/fake"
	"github.com/BearBump/WayBill/internal/integrations/whatsapp/graphapi"
	"github.com/BearBump/WayBill/internal/services/dedup"
	"github.com/BearBump/WayBill/internal/services/lifecycle"
	"github.com/BearBump/WayBill/internal/services/notifier"
	"github.com/BearBump/WayBill/internal/storage/pgshipment"
)

type wayBillAPIApp struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   wayBillAPIOpts
	api    *shipments_api.ShipmentsAPI

	closeDB func()
}

func mustBootstrapWayBillAPI(cfgPath string) *wayBillAPIApp {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.WayBill.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	topic := cfg.Kafka.StatusChangedTopicName
	if topic == "" {
		topic = "shipments.status-changed"
	}
	cacheTTL := time.Duration(cfg.WayBill.TrackingCacheTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}

	st := mustOpenPostgresWithRetry(postgresConnString(cfg), 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)
	rl := rediscache.NewRateLimiter(redisAddr)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)

	svc := lifecycle.New(st, producer, rc, topic, cacheTTL).
		WithWindows(
			time.Duration(cfg.WayBill.IntakeWindowSeconds)*time.Second,
			time.Duration(cfg.WayBill.RetentionDays)*24*time.Hour,
			cfg.WayBill.SelfHealBatchSize,
		)
	gate := dedup.New(st)
	sink := newSink(cfg)
	retries := notifier.New(st, sink).
		WithRetryPolicy(
			time.Duration(cfg.WayBill.RetryBackoffSeconds)*time.Second,
			int32(cfg.WayBill.RetryMax),
		)

	api := shipments_api.New(svc, gate, retries, rl, sink, shipments_api.Options{
		VerifyToken:        cfg.WayBill.WebhookVerifyToken,
		AllowedGroupID:     cfg.WayBill.WebhookAllowedGroupID,
		RateLimitPerMinute: int64(cfg.WayBill.WebhookRateLimitPerMinute),
		AuthToken:          cfg.WayBill.APIAuthToken,
		CronSecret:         cfg.WayBill.CronSecret,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &wayBillAPIApp{
		ctx:     ctx,
		cancel:  cancel,
		opts:    wayBillAPIOpts{httpAddr: httpAddr},
		api:     api,
		closeDB: st.Close,
	}
}

func postgresConnString(cfg *config.Config) string {
	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgshipment.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgshipment.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

// newSink: без настроенного Graph API уходим в локальный fake, чтобы
// dev-окружение работало без токена.
func newSink(cfg *config.Config) whatsapp.Sink {
	if cfg.WayBill.WhatsAppToken == "" || cfg.WayBill.WhatsAppPhoneNumberID == "" {
		return fake.New()
	}
	timeout := time.Duration(cfg.WayBill.WhatsAppTimeoutSeconds) * time.Second
	return graphapi.New(cfg.WayBill.WhatsAppBaseURL, cfg.WayBill.WhatsAppToken, cfg.WayBill.WhatsAppPhoneNumberID, timeout)
}

func (a *wayBillAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *wayBillAPIApp) Run() error {
	return runWayBillAPI(a.ctx, a.opts, a.api)
}
