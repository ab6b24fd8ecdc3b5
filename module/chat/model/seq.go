package model

import "time"

const (
	SeqConvTableName = "seq_conversation"

	SeqConvFieldConversationID = "conversation_id"
	SeqConvFieldMaxSeq         = "max_seq"
	SeqConvFieldCreateTime     = "create_time"
	SeqConvFieldUpdateTime     = "update_time"
)

// SeqConversation 某个会话消息流的发号水位（Mongo 后端使用）。
// MaxSeq 即最近一条已分配的序号；会话第一次追加时 upsert 创建。
type SeqConversation struct {
	ConversationID string    `bson:"conversation_id"`
	MaxSeq         int64     `bson:"max_seq"`
	CreateTime     time.Time `bson:"create_time"`
	UpdateTime     time.Time `bson:"update_time"`
}

func (s *SeqConversation) GetTableName() string {
	return SeqConvTableName
}
