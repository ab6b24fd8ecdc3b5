package memstore

import (
	"context"
	"sort"
	"sync"

	"FriendChat/data/database"
	chatmodel "FriendChat/module/chat/model"
	usermodel "FriendChat/module/user/model"
)

// Store 进程内实现，单节点部署和测试用
type Store struct {
	mu    sync.RWMutex
	users map[string]usermodel.User
	edges map[string]map[string]chatmodel.FriendEdge // owner -> friend -> edge
	logs  map[string]*convLog
}

type convLog struct {
	mu   sync.RWMutex
	msgs []chatmodel.Message
}

var _ database.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users: make(map[string]usermodel.User),
		edges: make(map[string]map[string]chatmodel.FriendEdge),
		logs:  make(map[string]*convLog),
	}
}

func (s *Store) PutUser(_ context.Context, u *usermodel.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.Username]; ok {
		return database.ErrAlreadyExists
	}
	s.users[u.Username] = *u
	return nil
}

func (s *Store) GetUser(_ context.Context, username string) (*usermodel.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &u, nil
}

func (s *Store) PutFriendEdge(_ context.Context, e chatmodel.FriendEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mm := s.edges[e.OwnerUserID]
	if mm == nil {
		mm = make(map[string]chatmodel.FriendEdge)
		s.edges[e.OwnerUserID] = mm
	}
	if _, ok := mm[e.FriendUserID]; ok {
		return nil
	}
	mm[e.FriendUserID] = e
	return nil
}

func (s *Store) GetFriendEdges(_ context.Context, owner string) ([]chatmodel.FriendEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chatmodel.FriendEdge, 0, len(s.edges[owner]))
	for _, e := range s.edges[owner] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreateTime.Before(out[j].CreateTime) })
	return out, nil
}

func (s *Store) conv(id string, create bool) *convLog {
	s.mu.RLock()
	l := s.logs[id]
	s.mu.RUnlock()
	if l != nil || !create {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l = s.logs[id]; l == nil {
		l = &convLog{}
		s.logs[id] = l
	}
	return l
}

func (s *Store) AppendToLog(_ context.Context, conversationID string, msg chatmodel.Message) (chatmodel.Message, error) {
	l := s.conv(conversationID, true)
	l.mu.Lock()
	defer l.mu.Unlock()

	msg.ConversationID = conversationID
	msg.Seq = int64(len(l.msgs)) + 1
	l.msgs = append(l.msgs, msg)
	return msg, nil
}

// ReadLog limit<=0 返回全部
func (s *Store) ReadLog(_ context.Context, conversationID string, limit int) ([]chatmodel.Message, error) {
	l := s.conv(conversationID, false)
	if l == nil {
		return []chatmodel.Message{}, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := 0
	if limit > 0 && len(l.msgs) > limit {
		start = len(l.msgs) - limit
	}
	out := make([]chatmodel.Message, len(l.msgs)-start)
	copy(out, l.msgs[start:])
	return out, nil
}

func (s *Store) Close(context.Context) error { return nil }
