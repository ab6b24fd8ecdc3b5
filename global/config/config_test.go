package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(kv map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := kv[k]
		return v, ok
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "friendchat.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDefaults(t *testing.T) {
	cfg, err := (&Loader{}).Load()
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, SessionMemory, cfg.Session.Driver)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 256, cfg.Gateway.OutboxSize)
	assert.Equal(t, 50, cfg.History.DefaultLimit)
	assert.Len(t, cfg.Session.Secret, 64)
	assert.False(t, cfg.NATS.Enabled)
	assert.False(t, cfg.Kafka.Enabled)
}

func TestFileThenEnv(t *testing.T) {
	p := writeFile(t, `
node_id: gw-7
http:
  addr: ":9000"
  allowed_origins: ["https://chat.example"]
gateway:
  ping_interval: 15s
  overflow: disconnect
store:
  driver: postgres
  postgres:
    dsn: postgres://u:p@db/chat
session:
  secret: s3cret
  ttl: 1h
kafka:
  enabled: true
  brokers: ["k1:9092", "k2:9092"]
`)
	l := &Loader{Path: p, Getenv: envOf(map[string]string{
		"FRIENDCHAT_HTTP_ADDR":    ":9100",
		"FRIENDCHAT_NATS_ENABLED": "true",
		"FRIENDCHAT_NATS_SERVERS": "nats://a:4222,nats://b:4222",
		"FRIENDCHAT_REDIS_DB":     "3",
	})}
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "gw-7", cfg.NodeID)
	assert.Equal(t, ":9100", cfg.HTTP.Addr)
	assert.Equal(t, []string{"https://chat.example"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, 15*time.Second, cfg.Gateway.PingInterval)
	assert.Equal(t, 10*time.Second, cfg.Gateway.WriteWait)
	assert.Equal(t, "disconnect", cfg.Gateway.Overflow)
	assert.Equal(t, StorePostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://u:p@db/chat", cfg.Store.Postgres.DSN)
	assert.Equal(t, int32(10), cfg.Store.Postgres.MaxConns)
	assert.Equal(t, "s3cret", cfg.Session.Secret)
	assert.Equal(t, time.Hour, cfg.Session.TTL)
	assert.Equal(t, 3, cfg.Session.Redis.DB)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.Client.Servers)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "friendchat.messages", cfg.Kafka.Topic)
}

func TestRemoteLayer(t *testing.T) {
	var seen *AppConfig
	l := &Loader{
		Getenv: envOf(map[string]string{
			"FRIENDCHAT_NACOS_ENABLED": "true",
			"FRIENDCHAT_LOG_LEVEL":     "error",
		}),
		Remote: func(cfg *AppConfig) (string, error) {
			seen = cfg
			return "log:\n  level: debug\n  format: json\nnode_id: gw-remote\n", nil
		},
	}
	cfg, err := l.Load()
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, "gw-remote", cfg.NodeID)
	assert.Equal(t, "json", cfg.Log.Format)
	// 环境变量压过远端
	assert.Equal(t, "error", cfg.Log.Level)

	l.Remote = func(*AppConfig) (string, error) { return "", errors.New("nacos down") }
	_, err = l.Load()
	assert.Error(t, err)
}

func TestRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"unknown key":     "nope: 1\n",
		"bad driver":      "store:\n  driver: cassandra\n",
		"bad session":     "session:\n  driver: etcd\n",
		"bad overflow":    "gateway:\n  overflow: block\n",
		"bad duration":    "gateway:\n  ping_interval: soon\n",
		"limits":          "history:\n  default_limit: 900\n",
		"redis no secret": "session:\n  driver: redis\n",
		"not yaml":        "::\n  - [",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := (&Loader{Path: writeFile(t, body)}).Load()
			assert.Error(t, err)
		})
	}

	_, err := (&Loader{Path: filepath.Join(t.TempDir(), "missing.yaml")}).Load()
	assert.Error(t, err)
}
