package database

import (
	"context"
	"errors"

	chatmodel "FriendChat/module/chat/model"
	usermodel "FriendChat/module/user/model"
)

var (
	ErrNotFound      = errors.New("database: not found")
	ErrAlreadyExists = errors.New("database: already exists")
)

// Store 持久化边界。任何满足这些语义的后端都可以接：内存、Mongo、Postgres、Badger。
//
// AppendToLog 必须原子地分配 seq：同一会话内不重复、从 1 连续递增。
// ReadLog 返回最近 limit 条，按 seq 升序；会话不存在时返回空切片而不是错误。
type Store interface {
	PutUser(ctx context.Context, u *usermodel.User) error
	GetUser(ctx context.Context, username string) (*usermodel.User, error)

	PutFriendEdge(ctx context.Context, e chatmodel.FriendEdge) error
	GetFriendEdges(ctx context.Context, owner string) ([]chatmodel.FriendEdge, error)

	AppendToLog(ctx context.Context, conversationID string, msg chatmodel.Message) (chatmodel.Message, error)
	ReadLog(ctx context.Context, conversationID string, limit int) ([]chatmodel.Message, error)

	Close(ctx context.Context) error
}

// Driver 名称，对应配置 store.driver
const (
	DriverMemory   = "memory"
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)
