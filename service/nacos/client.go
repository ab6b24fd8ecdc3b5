package nacos

import (
	"errors"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
)

// Conf Nacos 接入：远端配置（DataID/Group）与网关实例注册（ServiceName）
type Conf struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Host        string `mapstructure:"host" yaml:"host"`
	Port        uint64 `mapstructure:"port" yaml:"port"`
	Namespace   string `mapstructure:"namespace" yaml:"namespace"`
	Username    string `mapstructure:"username" yaml:"username"`
	Password    string `mapstructure:"password" yaml:"password"`
	TimeoutMs   uint64 `mapstructure:"timeout_ms" yaml:"timeout_ms"`
	LogDir      string `mapstructure:"log_dir" yaml:"log_dir"`
	CacheDir    string `mapstructure:"cache_dir" yaml:"cache_dir"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`
	DataID      string `mapstructure:"data_id" yaml:"data_id"`
	Group       string `mapstructure:"group" yaml:"group"`
	Register    bool   `mapstructure:"register" yaml:"register"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	IP          string `mapstructure:"ip" yaml:"ip"`
}

func DefaultConf() Conf {
	return Conf{
		Host:        "127.0.0.1",
		Port:        8848,
		TimeoutMs:   5000,
		LogDir:      "nacos/log",
		CacheDir:    "nacos/cache",
		LogLevel:    "warn",
		DataID:      "friendchat.yaml",
		Group:       "DEFAULT_GROUP",
		ServiceName: "friendchat-gateway",
		IP:          "127.0.0.1",
	}
}

func (c Conf) params() (vo.NacosClientParam, error) {
	if c.Host == "" || c.Port == 0 {
		return vo.NacosClientParam{}, errors.New("nacos host/port missing")
	}
	opts := []constant.ClientOption{
		constant.WithNamespaceId(c.Namespace),
		constant.WithTimeoutMs(c.TimeoutMs),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogLevel(c.LogLevel),
		constant.WithLogDir(c.LogDir),
		constant.WithCacheDir(c.CacheDir),
	}
	if c.Username != "" {
		opts = append(opts, constant.WithUsername(c.Username), constant.WithPassword(c.Password))
	}
	return vo.NacosClientParam{
		ClientConfig:  constant.NewClientConfig(opts...),
		ServerConfigs: []constant.ServerConfig{*constant.NewServerConfig(c.Host, c.Port)},
	}, nil
}

func NewConfigClient(c Conf) (config_client.IConfigClient, error) {
	p, err := c.params()
	if err != nil {
		return nil, err
	}
	return clients.NewConfigClient(p)
}

func NewNamingClient(c Conf) (naming_client.INamingClient, error) {
	p, err := c.params()
	if err != nil {
		return nil, err
	}
	return clients.NewNamingClient(p)
}
