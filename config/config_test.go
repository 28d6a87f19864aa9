package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
database:
  host: "localhost"
  port: 5432
  username: "u"
  password: "p"
  name: "db"
kafka:
  host: "localhost"
  port: 9092
  status_changed_topic_name: "shipment.status_changed"
redis:
  host: "localhost"
  port: 6379
waybill:
  http_addr: ":8080"
  kafka_consumer_group: "waybill-notifier"
  cron_secret: "s3cret"
  intake_window_seconds: 3600
  retry_backoff_seconds: 300
  retry_max: 3
`), 0o600))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "u", cfg.Database.Username)
	require.Equal(t, "shipment.status_changed", cfg.Kafka.StatusChangedTopicName)
	require.Equal(t, 6379, cfg.Redis.Port)
	require.Equal(t, ":8080", cfg.WayBill.HTTPAddr)
	require.Equal(t, "s3cret", cfg.WayBill.CronSecret)
	require.Equal(t, 3600, cfg.WayBill.IntakeWindowSeconds)
	require.Equal(t, 3, cfg.WayBill.RetryMax)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
