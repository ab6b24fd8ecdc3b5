package model

import "time"

const (
	FriendTableName = "friend"

	FriendFieldOwner      = "owner_user_id"
	FriendFieldFriend     = "friend_user_id"
	FriendFieldCreateTime = "create_time"
)

// FriendEdge 单向好友关系：Owner 把 Friend 加进自己的列表，不代表对方回加。
// 存储侧以 owner_user_id + friend_user_id 作唯一键。
type FriendEdge struct {
	OwnerUserID  string    `bson:"owner_user_id" json:"owner"`
	FriendUserID string    `bson:"friend_user_id" json:"friend"`
	CreateTime   time.Time `bson:"create_time" json:"createTime"`
}

func (f *FriendEdge) GetTableName() string {
	return FriendTableName
}
