package model

import "time"

const (
	MsgTableName = "msg"

	MsgFieldConversationID = "conversation_id"
	MsgFieldSeq            = "seq"
	MsgFieldSendID         = "send_id"
	MsgFieldContent        = "content"
	MsgFieldSendTime       = "send_time"
)

// Message 会话日志里的一条消息，追加后不可修改。
// Seq 在同一会话内从 1 开始连续递增，由存储层在追加时分配。
type Message struct {
	ConversationID string    `bson:"conversation_id" json:"channelKey"`
	Seq            int64     `bson:"seq" json:"sequenceNumber"`
	SendID         string    `bson:"send_id" json:"sender"`
	Content        string    `bson:"content" json:"body"`
	SendTime       time.Time `bson:"send_time" json:"timestamp"`
}

func (m *Message) GetTableName() string {
	return MsgTableName
}
