package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	WayBill  WayBillConfig  `yaml:"waybill"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	StatusChangedTopicName string `yaml:"status_changed_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type WayBillConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	// Bearer token for operator endpoints (/api/shipments...).
	APIAuthToken string `yaml:"api_auth_token"`
	// Shared secret for the cron entry points.
	CronSecret string `yaml:"cron_secret"`

	TrackingCacheTTLSeconds int `yaml:"tracking_cache_ttl_seconds"`

	// Lifecycle windows. Defaults: intake 1 hour, retention 7 days.
	IntakeWindowSeconds int `yaml:"intake_window_seconds"`
	RetentionDays       int `yaml:"retention_days"`
	SelfHealBatchSize   int `yaml:"self_heal_batch_size"`

	// Notification retry policy: fixed delay, hard cap. Defaults: 300s / 3.
	RetryBackoffSeconds int `yaml:"retry_backoff_seconds"`
	RetryMax            int `yaml:"retry_max"`

	// Maintenance driver (waybill-notifier). Default tick: 1 minute.
	MaintenanceIntervalSeconds int    `yaml:"maintenance_interval_seconds"`
	NotifierHTTPAddr           string `yaml:"notifier_http_addr"`

	// Bot webhook.
	WebhookVerifyToken        string `yaml:"webhook_verify_token"`
	WebhookAllowedGroupID     string `yaml:"webhook_allowed_group_id"`
	WebhookRateLimitPerMinute int    `yaml:"webhook_rate_limit_per_minute"`

	// WhatsApp Graph API sink. Если base_url не задан — fallback на локальный fake.
	WhatsAppBaseURL        string `yaml:"whatsapp_base_url"`
	WhatsAppToken          string `yaml:"whatsapp_token"`
	WhatsAppPhoneNumberID  string `yaml:"whatsapp_phone_number_id"`
	WhatsAppTimeoutSeconds int    `yaml:"whatsapp_timeout_seconds"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
