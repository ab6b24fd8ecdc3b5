package kafka

import (
	"github.com/Shopify/sarama"
)

const DefaultTopic = "friendchat.messages"

// SinkConfig 消息事件流配置。单机演示 partitions=8、replication_factor=1；
// compression 取 none/snappy/lz4/zstd，initial_offset 取 newest/oldest
type SinkConfig struct {
	Enabled               bool     `mapstructure:"enabled" yaml:"enabled"`
	Brokers               []string `mapstructure:"brokers" yaml:"brokers"`
	Topic                 string   `mapstructure:"topic" yaml:"topic"`
	GroupID               string   `mapstructure:"group_id" yaml:"group_id"`
	PartitionsPerTopic    int32    `mapstructure:"partitions" yaml:"partitions"`
	ReplicationFactor     int16    `mapstructure:"replication_factor" yaml:"replication_factor"`
	ProducerRetries       int      `mapstructure:"producer_retries" yaml:"producer_retries"`
	ProducerCompression   string   `mapstructure:"compression" yaml:"compression"`
	ConsumerInitialOffset string   `mapstructure:"initial_offset" yaml:"initial_offset"`
	Version               string   `mapstructure:"version" yaml:"version"`
	AutoCreateTopic       bool     `mapstructure:"auto_create_topic" yaml:"auto_create_topic"`
	QueueSize             int      `mapstructure:"queue_size" yaml:"queue_size"`
}

// DefaultSinkConfig 默认配置（默认关闭）
func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		Brokers:               []string{"127.0.0.1:9092"},
		Topic:                 DefaultTopic,
		GroupID:               "friendchat-events",
		PartitionsPerTopic:    8,
		ReplicationFactor:     1,
		ProducerRetries:       5,
		ProducerCompression:   "snappy",
		ConsumerInitialOffset: "newest",
		Version:               sarama.V2_1_0_0.String(),
		AutoCreateTopic:       true,
		QueueSize:             4096,
	}
}

func (c *SinkConfig) norm() {
	d := DefaultSinkConfig()
	if c.Topic == "" {
		c.Topic = d.Topic
	}
	if c.GroupID == "" {
		c.GroupID = d.GroupID
	}
	if c.PartitionsPerTopic <= 0 {
		c.PartitionsPerTopic = d.PartitionsPerTopic
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = d.ReplicationFactor
	}
	if c.ProducerRetries <= 0 {
		c.ProducerRetries = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
}
