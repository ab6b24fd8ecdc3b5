package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"FriendChat/logger"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "FRIENDCHAT_"

// envKeys 环境变量 -> 配置路径
var envKeys = map[string]string{
	"NODE_ID":              "node_id",
	"LOG_LEVEL":            "log.level",
	"LOG_FORMAT":           "log.format",
	"HTTP_ADDR":            "http.addr",
	"HTTP_ALLOWED_ORIGINS": "http.allowed_origins",
	"GRPC_ENABLED":         "grpc.enabled",
	"GRPC_ADDR":            "grpc.addr",
	"GATEWAY_MAX_PER_USER": "gateway.max_per_user",
	"GATEWAY_OUTBOX_SIZE":  "gateway.outbox_size",
	"GATEWAY_OVERFLOW":     "gateway.overflow",
	"GATEWAY_RATE_LIMIT":   "gateway.rate_limit",
	"GATEWAY_RATE_BURST":   "gateway.rate_burst",
	"STORE_DRIVER":         "store.driver",
	"MONGO_URI":            "store.mongo.uri",
	"MONGO_DATABASE":       "store.mongo.database",
	"MONGO_USERNAME":       "store.mongo.username",
	"MONGO_PASSWORD":       "store.mongo.password",
	"POSTGRES_DSN":         "store.postgres.dsn",
	"BADGER_PATH":          "store.badger.path",
	"SESSION_DRIVER":       "session.driver",
	"SESSION_SECRET":       "session.secret",
	"SESSION_TTL":          "session.ttl",
	"REDIS_ADDR":           "session.redis.addr",
	"REDIS_PASSWORD":       "session.redis.password",
	"REDIS_DB":             "session.redis.db",
	"NATS_ENABLED":         "nats.enabled",
	"NATS_SERVERS":         "nats.client.servers",
	"NATS_SUBJECT":         "nats.relay.subject",
	"KAFKA_ENABLED":        "kafka.enabled",
	"KAFKA_BROKERS":        "kafka.brokers",
	"KAFKA_TOPIC":          "kafka.topic",
	"NACOS_ENABLED":        "nacos.enabled",
	"NACOS_HOST":           "nacos.host",
	"NACOS_PORT":           "nacos.port",
	"NACOS_NAMESPACE":      "nacos.namespace",
	"NACOS_REGISTER":       "nacos.register",
}

// RemoteFetcher 远端配置（Nacos）；返回 YAML
type RemoteFetcher func(cfg *AppConfig) (string, error)

// Loader 按 默认值 < 文件 < 远端 < 环境变量 合并配置
type Loader struct {
	Path   string
	Getenv func(string) (string, bool)
	Remote RemoteFetcher
}

func Load(path string) (*AppConfig, error) {
	return (&Loader{Path: path, Getenv: os.LookupEnv}).Load()
}

func (l *Loader) Load() (*AppConfig, error) {
	cfg := Default()
	if l.Path != "" {
		raw, err := os.ReadFile(l.Path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", l.Path, err)
		}
		if err := MergeYAML(&cfg, raw); err != nil {
			return nil, fmt.Errorf("config %s: %w", l.Path, err)
		}
	}
	if err := l.applyEnv(&cfg); err != nil {
		return nil, err
	}
	if l.Remote != nil && cfg.Nacos.Enabled {
		content, err := l.Remote(&cfg)
		if err != nil {
			return nil, fmt.Errorf("remote config: %w", err)
		}
		if err := MergeYAML(&cfg, []byte(content)); err != nil {
			return nil, fmt.Errorf("remote config: %w", err)
		}
		// 环境变量优先级最高，远端合并后再覆盖一次
		if err := l.applyEnv(&cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MergeYAML 把 YAML 里出现的键覆盖到 cfg，未出现的保持原值
func MergeYAML(cfg *AppConfig, raw []byte) error {
	m := map[string]any{}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return decodeInto(cfg, m)
}

func decodeInto(cfg *AppConfig, m map[string]any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		ZeroFields:       true, // 切片整体替换，结构体按键合并
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(m)
}

func (l *Loader) applyEnv(cfg *AppConfig) error {
	if l.Getenv == nil {
		return nil
	}
	m := map[string]any{}
	for name, path := range envKeys {
		v, ok := l.Getenv(EnvPrefix + name)
		if !ok {
			continue
		}
		setPath(m, strings.Split(path, "."), v)
	}
	if len(m) == 0 {
		return nil
	}
	if err := decodeInto(cfg, m); err != nil {
		return fmt.Errorf("env: %w", err)
	}
	return nil
}

func setPath(m map[string]any, keys []string, v string) {
	for _, k := range keys[:len(keys)-1] {
		next, ok := m[k].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[k] = next
		}
		m = next
	}
	m[keys[len(keys)-1]] = v
}

// Validate 校验枚举项；未配置会话密钥时生成随机密钥（重启后旧令牌失效）
func (c *AppConfig) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id required")
	}
	switch c.Store.Driver {
	case StoreMemory, StoreMongo, StorePostgres, StoreBadger:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Session.Driver {
	case SessionMemory, SessionRedis:
	default:
		return fmt.Errorf("unknown session driver %q", c.Session.Driver)
	}
	switch c.Gateway.Overflow {
	case "", "drop_oldest", "disconnect":
	default:
		return fmt.Errorf("unknown gateway overflow policy %q", c.Gateway.Overflow)
	}
	if c.History.MaxLimit > 0 && c.History.DefaultLimit > c.History.MaxLimit {
		return fmt.Errorf("history default_limit %d exceeds max_limit %d", c.History.DefaultLimit, c.History.MaxLimit)
	}
	if c.Session.Secret == "" {
		if c.Session.Driver == SessionRedis {
			return fmt.Errorf("session.secret required with redis sessions")
		}
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return err
		}
		c.Session.Secret = hex.EncodeToString(b)
		logger.Warn("session secret not configured, generated an ephemeral one", zap.String("node", c.NodeID))
	}
	return nil
}
