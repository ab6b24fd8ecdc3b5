package channel

import (
	"context"
	"strings"
	"sync"
	"time"

	"FriendChat/data/database"
	"FriendChat/logger"
	chatmodel "FriendChat/module/chat/model"
	"FriendChat/tools/errs"

	"go.uber.org/zap"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// AppendHook 在会话锁内、落库成功后按 seq 顺序调用；实现方不得阻塞
type AppendHook func(msg chatmodel.Message)

type chanLock struct {
	mu   sync.Mutex
	refs int
}

// Registry 会话日志的唯一写入口。同一会话的追加串行，不同会话互不影响
type Registry struct {
	store database.Store

	mu    sync.Mutex
	locks map[string]*chanLock

	hooks        []AppendHook
	defaultLimit int
	maxLimit     int
	now          func() time.Time
}

type Option func(*Registry)

func WithHistoryLimits(def, max int) Option {
	return func(r *Registry) {
		if def > 0 {
			r.defaultLimit = def
		}
		if max > 0 {
			r.maxLimit = max
		}
	}
}

func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

func NewRegistry(store database.Store, opts ...Option) *Registry {
	r := &Registry{
		store:        store,
		locks:        make(map[string]*chanLock),
		defaultLimit: DefaultHistoryLimit,
		maxLimit:     MaxHistoryLimit,
		now:          time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.defaultLimit > r.maxLimit {
		r.defaultLimit = r.maxLimit
	}
	return r
}

// OnAppend 注册追加回调，需在开始服务前调用
func (r *Registry) OnAppend(h AppendHook) {
	r.hooks = append(r.hooks, h)
}

// acquire 引用计数，最后一个持有者释放时删掉锁，避免 map 无限增长
func (r *Registry) acquire(key string) *chanLock {
	r.mu.Lock()
	l := r.locks[key]
	if l == nil {
		l = &chanLock{}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return l
}

func (r *Registry) release(key string, l *chanLock) {
	l.mu.Unlock()

	r.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(r.locks, key)
	}
	r.mu.Unlock()
}

// AppendMessage 正文去首尾空白后为空则拒绝，日志不变
func (r *Registry) AppendMessage(ctx context.Context, key, sender, body string) (chatmodel.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return chatmodel.Message{}, errs.ErrEmptyMessage.WrapMsg("", "channel", key)
	}

	l := r.acquire(key)
	defer r.release(key, l)

	msg, err := r.store.AppendToLog(ctx, key, chatmodel.Message{
		SendID:   sender,
		Content:  body,
		SendTime: r.now().UTC(),
	})
	if err != nil {
		logger.Error("append message failed", zap.String("channel", key), zap.String("sender", sender), zap.Error(err))
		return chatmodel.Message{}, errs.ErrStoreUnavailable.WrapMsg(err.Error())
	}

	for _, h := range r.hooks {
		h(msg)
	}
	return msg, nil
}

// History 最近 limit 条，升序；未出现过的会话返回空
func (r *Registry) History(ctx context.Context, key string, limit int) ([]chatmodel.Message, error) {
	msgs, err := r.store.ReadLog(ctx, key, r.clampLimit(limit))
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg(err.Error())
	}
	return msgs, nil
}

func (r *Registry) clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return r.defaultLimit
	case limit > r.maxLimit:
		return r.maxLimit
	default:
		return limit
	}
}
