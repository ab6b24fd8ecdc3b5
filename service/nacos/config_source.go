package nacos

import (
	"errors"
	"sync"

	"FriendChat/logger"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
)

// ConfigReader config_client.IConfigClient 的子集
type ConfigReader interface {
	GetConfig(param vo.ConfigParam) (string, error)
	ListenConfig(param vo.ConfigParam) error
	CancelListenConfig(param vo.ConfigParam) error
}

// ConfigSource 读取并监听一份远端 YAML
type ConfigSource struct {
	cli    ConfigReader
	dataID string
	group  string

	mu      sync.RWMutex
	current string
}

func NewConfigSource(cli ConfigReader, dataID, group string) *ConfigSource {
	return &ConfigSource{cli: cli, dataID: dataID, group: group}
}

// Fetch 拉取一次当前内容
func (s *ConfigSource) Fetch() (string, error) {
	content, err := s.cli.GetConfig(vo.ConfigParam{DataId: s.dataID, Group: s.group})
	if err != nil {
		return "", err
	}
	s.set(content)
	return content, nil
}

// Watch 注册变更回调；回调在 SDK 的协程里执行
func (s *ConfigSource) Watch(onChange func(content string)) error {
	if onChange == nil {
		return errors.New("nil onChange")
	}
	return s.cli.ListenConfig(vo.ConfigParam{
		DataId: s.dataID,
		Group:  s.group,
		OnChange: func(_, group, dataID, data string) {
			logger.Info("nacos config changed", zap.String("dataId", dataID), zap.String("group", group))
			s.set(data)
			onChange(data)
		},
	})
}

func (s *ConfigSource) Stop() error {
	return s.cli.CancelListenConfig(vo.ConfigParam{DataId: s.dataID, Group: s.group})
}

func (s *ConfigSource) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *ConfigSource) set(content string) {
	s.mu.Lock()
	s.current = content
	s.mu.Unlock()
}
