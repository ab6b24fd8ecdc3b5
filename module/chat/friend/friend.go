package friend

import (
	"context"
	"sort"
	"strings"
	"time"

	"FriendChat/data/database"
	chatmodel "FriendChat/module/chat/model"
	"FriendChat/tools/errs"
)

// UserDirectory 只需要知道用户是否存在
type UserDirectory interface {
	Exists(ctx context.Context, username string) (bool, error)
}

// Service 单向好友关系
type Service struct {
	store database.Store
	users UserDirectory
	now   func() time.Time
}

func NewService(store database.Store, users UserDirectory) *Service {
	return &Service{store: store, users: users, now: time.Now}
}

// AddFriend 重复添加是空操作
func (s *Service) AddFriend(ctx context.Context, owner, friend string) error {
	if owner == friend {
		return errs.ErrSelfFriendNotAllowed.WrapMsg("", "user", owner)
	}
	ok, err := s.users.Exists(ctx, friend)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrUnknownUser.WrapMsg("", "user", friend)
	}
	edge := chatmodel.FriendEdge{OwnerUserID: owner, FriendUserID: friend, CreateTime: s.now().UTC()}
	if err := s.store.PutFriendEdge(ctx, edge); err != nil {
		return errs.ErrStoreUnavailable.WrapMsg(err.Error())
	}
	return nil
}

// ListFriends 快照，不保证顺序
func (s *Service) ListFriends(ctx context.Context, owner string) ([]string, error) {
	edges, err := s.store.GetFriendEdges(ctx, owner)
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg(err.Error())
	}
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		out = append(out, e.FriendUserID)
	}
	return out, nil
}

// SearchFriends 在 owner 的好友里做大小写不敏感的子串匹配；空查询返回全部
func (s *Service) SearchFriends(ctx context.Context, owner, query string) ([]string, error) {
	all, err := s.ListFriends(ctx, owner)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return all, nil
	}
	out := all[:0]
	for _, name := range all {
		if strings.Contains(strings.ToLower(name), q) {
			out = append(out, name)
		}
	}
	return out, nil
}

// Sorted 展示用，返回新切片
func Sorted(names []string) []string {
	out := make([]string, len(names))
	copy(out, names)
	sort.Strings(out)
	return out
}
