package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"FriendChat/data/database"
	chatmodel "FriendChat/module/chat/model"
	usermodel "FriendChat/module/user/model"
	"FriendChat/tools/safe"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Config 嵌入式文件日志后端
type Config struct {
	Path       string        // 数据目录，InMemory 时忽略
	InMemory   bool          // 测试用
	SyncWrites bool          // 每次提交 fsync
	GCInterval time.Duration // value log GC 周期，0 关闭
	GCRatio    float64
	Logger     *zap.Logger // nil 则关闭 badger 自身日志
}

func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true, GCInterval: 5 * time.Minute, GCRatio: 0.5}
}

func InMemoryConfig() Config {
	return Config{InMemory: true}
}

const maxTxnRetries = 1000

// key 布局，\x00 分隔：
//
//	u\x00<username>                 -> user json
//	f\x00<owner>\x00<friend>        -> edge json
//	s\x00<conv>                     -> uint64 BE 最近分配的 seq
//	m\x00<conv>\x00<uint64 BE seq>  -> message json
var (
	pfxUser   = []byte("u\x00")
	pfxFriend = []byte("f\x00")
	pfxSeq    = []byte("s\x00")
	pfxMsg    = []byte("m\x00")
)

type Store struct {
	db     *badger.DB
	stopCh chan struct{}
	doneCh chan struct{}
	log    *zap.Logger
}

var _ database.Store = (*Store)(nil)

func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&zapBadgerLogger{l: cfg.Logger.Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &Store{db: db, log: cfg.Logger}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		s.stopCh = make(chan struct{})
		s.doneCh = make(chan struct{})
		safe.SafeGo("badger-gc", func() { s.gcLoop(cfg.GCInterval, ratio) })
	}
	return s, nil
}

func (s *Store) gcLoop(every time.Duration, ratio float64) {
	defer close(s.doneCh)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			// ErrNoRewrite 表示这轮没东西可回收
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Warn("badger value log gc", zap.Error(err))
			}
		}
	}
}

func (s *Store) Close(context.Context) error {
	if s.stopCh != nil {
		close(s.stopCh)
		<-s.doneCh
	}
	return s.db.Close()
}

func userKey(username string) []byte {
	return append(append([]byte{}, pfxUser...), username...)
}

func friendPrefix(owner string) []byte {
	k := append(append([]byte{}, pfxFriend...), owner...)
	return append(k, 0)
}

func seqKey(conv string) []byte {
	return append(append([]byte{}, pfxSeq...), conv...)
}

func msgPrefix(conv string) []byte {
	k := append(append([]byte{}, pfxMsg...), conv...)
	return append(k, 0)
}

func msgKey(conv string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(msgPrefix(conv), seq)
}

// update 乐观事务冲突时重试
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for i := 0; i < maxTxnRetries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("badger: too many txn conflicts: %w", badger.ErrConflict)
}

func (s *Store) PutUser(ctx context.Context, u *usermodel.User) error {
	val, err := json.Marshal(u)
	if err != nil {
		return err
	}
	key := userKey(u.Username)
	return s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return database.ErrAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, val)
	})
}

func (s *Store) GetUser(_ context.Context, username string) (*usermodel.User, error) {
	var u usermodel.User
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userKey(username))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &u) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) PutFriendEdge(ctx context.Context, e chatmodel.FriendEdge) error {
	val, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := append(friendPrefix(e.OwnerUserID), e.FriendUserID...)
	return s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, val)
	})
}

func (s *Store) GetFriendEdges(_ context.Context, owner string) ([]chatmodel.FriendEdge, error) {
	out := []chatmodel.FriendEdge{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = friendPrefix(owner)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var e chatmodel.FriendEdge
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// AppendToLog seq 计数器与消息体在同一事务内写入，冲突即整体重试，保证连续
func (s *Store) AppendToLog(ctx context.Context, conversationID string, msg chatmodel.Message) (chatmodel.Message, error) {
	sk := seqKey(conversationID)
	var out chatmodel.Message
	err := s.update(ctx, func(txn *badger.Txn) error {
		var last uint64
		item, err := txn.Get(sk)
		switch {
		case err == nil:
			if err := item.Value(func(v []byte) error {
				if len(v) != 8 {
					return fmt.Errorf("badger: corrupt seq counter for %s", conversationID)
				}
				last = binary.BigEndian.Uint64(v)
				return nil
			}); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		next := last + 1
		m := msg
		m.ConversationID = conversationID
		m.Seq = int64(next)
		val, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := txn.Set(sk, binary.BigEndian.AppendUint64(nil, next)); err != nil {
			return err
		}
		if err := txn.Set(msgKey(conversationID, next), val); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return chatmodel.Message{}, err
	}
	return out, nil
}

// ReadLog 逆序扫描取最近 limit 条，再翻转成升序；limit<=0 返回全部
func (s *Store) ReadLog(_ context.Context, conversationID string, limit int) ([]chatmodel.Message, error) {
	prefix := msgPrefix(conversationID)
	out := []chatmodel.Message{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(msgKey(conversationID, ^uint64(0))); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var m chatmodel.Message
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &m) }); err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

type zapBadgerLogger struct{ l *zap.SugaredLogger }

func (z *zapBadgerLogger) Errorf(f string, a ...interface{})   { z.l.Errorf(f, a...) }
func (z *zapBadgerLogger) Warningf(f string, a ...interface{}) { z.l.Warnf(f, a...) }
func (z *zapBadgerLogger) Infof(f string, a ...interface{})    { z.l.Infof(f, a...) }
func (z *zapBadgerLogger) Debugf(f string, a ...interface{})   { z.l.Debugf(f, a...) }
