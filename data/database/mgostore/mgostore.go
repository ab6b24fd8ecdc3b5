package mgostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"FriendChat/data/database"
	"FriendChat/data/database/mgo/mongoutil"
	"FriendChat/logger"
	chatmodel "FriendChat/module/chat/model"
	usermodel "FriendChat/module/user/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Store Mongo 后端：user / friend / seq_conversation / msg 四个集合
type Store struct {
	cli *mongo.Client
	db  *mongo.Database
}

var _ database.Store = (*Store)(nil)

func Open(ctx context.Context, cfg *mongoutil.Config) (*Store, error) {
	cli, err := mongoutil.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{cli: cli, db: cli.Database(cfg.Database)}
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Store) coll(name string) *mongo.Collection { return s.db.Collection(name) }

// EnsureIndexes 幂等创建唯一索引；seq 唯一索引兜底防止重复发号
func (s *Store) EnsureIndexes(ctx context.Context) error {
	specs := []struct {
		coll string
		keys bson.D
	}{
		{usermodel.UserTableName, bson.D{{Key: usermodel.UserFieldUsername, Value: 1}}},
		{chatmodel.FriendTableName, bson.D{{Key: chatmodel.FriendFieldOwner, Value: 1}, {Key: chatmodel.FriendFieldFriend, Value: 1}}},
		{chatmodel.SeqConvTableName, bson.D{{Key: chatmodel.SeqConvFieldConversationID, Value: 1}}},
		{chatmodel.MsgTableName, bson.D{{Key: chatmodel.MsgFieldConversationID, Value: 1}, {Key: chatmodel.MsgFieldSeq, Value: 1}}},
	}
	for _, sp := range specs {
		_, err := s.coll(sp.coll).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    sp.keys,
			Options: options.Index().SetUnique(true),
		})
		if err != nil {
			return fmt.Errorf("ensure index on %s: %w", sp.coll, err)
		}
	}
	return nil
}

func (s *Store) PutUser(ctx context.Context, u *usermodel.User) error {
	_, err := s.coll(u.GetTableName()).InsertOne(ctx, u)
	if mongo.IsDuplicateKeyError(err) {
		return database.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetUser(ctx context.Context, username string) (*usermodel.User, error) {
	var u usermodel.User
	err := s.coll(usermodel.UserTableName).FindOne(ctx, bson.M{usermodel.UserFieldUsername: username}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) PutFriendEdge(ctx context.Context, e chatmodel.FriendEdge) error {
	filter := bson.M{chatmodel.FriendFieldOwner: e.OwnerUserID, chatmodel.FriendFieldFriend: e.FriendUserID}
	_, err := s.coll(e.GetTableName()).UpdateOne(ctx, filter,
		bson.M{"$setOnInsert": bson.M{chatmodel.FriendFieldCreateTime: e.CreateTime}},
		options.Update().SetUpsert(true),
	)
	// 并发 upsert 撞唯一索引，说明边已存在
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

func (s *Store) GetFriendEdges(ctx context.Context, owner string) ([]chatmodel.FriendEdge, error) {
	cur, err := s.coll(chatmodel.FriendTableName).Find(ctx,
		bson.M{chatmodel.FriendFieldOwner: owner},
		options.Find().SetSort(bson.D{{Key: chatmodel.FriendFieldCreateTime, Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	out := []chatmodel.FriendEdge{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// allocSeq max_seq += 1 并返回新值；会话第一次出现时 upsert
func (s *Store) allocSeq(ctx context.Context, conversationID string) (int64, error) {
	now := time.Now()
	filter := bson.M{chatmodel.SeqConvFieldConversationID: conversationID}
	update := bson.M{
		"$inc":         bson.M{chatmodel.SeqConvFieldMaxSeq: int64(1)},
		"$setOnInsert": bson.M{chatmodel.SeqConvFieldCreateTime: now},
		"$set":         bson.M{chatmodel.SeqConvFieldUpdateTime: now},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var after chatmodel.SeqConversation
	for attempt := 0; attempt < 2; attempt++ {
		err := s.coll(chatmodel.SeqConvTableName).FindOneAndUpdate(ctx, filter, update, opts).Decode(&after)
		// 两个节点同时首次 upsert 会有一个撞唯一索引，重试一次即走 update 分支
		if mongo.IsDuplicateKeyError(err) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return after.MaxSeq, nil
	}
	return 0, fmt.Errorf("alloc seq for %s: upsert conflict", conversationID)
}

// insertOutcome 写消息失败后对结果的判断
type insertOutcome int

const (
	insertRejected  insertOutcome = iota // 服务端明确拒绝，未落库，可回退本号
	insertSlotTaken                      // 本号已有消息，计数器落后于日志
	insertUnknown                        // 超时或断网，可能已提交
)

func classifyInsertErr(err error) insertOutcome {
	switch {
	case mongo.IsDuplicateKeyError(err):
		return insertSlotTaken
	case mongo.IsTimeout(err), mongo.IsNetworkError(err), errors.Is(err, context.Canceled):
		return insertUnknown
	default:
		return insertRejected
	}
}

const appendAttempts = 3

// AppendToLog 先发号再落消息。只有确认未落库才回退计数器；
// 本号被占用时重新发号越过去，结果未知时查一次，查不到就留空洞，宁缺不重
func (s *Store) AppendToLog(ctx context.Context, conversationID string, msg chatmodel.Message) (chatmodel.Message, error) {
	msg.ConversationID = conversationID
	for attempt := 0; attempt < appendAttempts; attempt++ {
		seq, err := s.allocSeq(ctx, conversationID)
		if err != nil {
			return chatmodel.Message{}, err
		}
		msg.Seq = seq

		_, err = s.coll(msg.GetTableName()).InsertOne(ctx, msg)
		if err == nil {
			return msg, nil
		}
		switch classifyInsertErr(err) {
		case insertSlotTaken:
			logger.Warn("mgostore: seq slot taken, realloc", zap.String("conv", conversationID), zap.Int64("seq", seq))
			continue
		case insertUnknown:
			ok, lerr := s.hasSeq(ctx, conversationID, seq)
			if lerr == nil && ok {
				return msg, nil
			}
			logger.Warn("mgostore: insert outcome unknown, seq left as gap",
				zap.String("conv", conversationID), zap.Int64("seq", seq), zap.Error(err))
			return chatmodel.Message{}, err
		default:
			if rbErr := s.releaseSeq(ctx, conversationID, seq); rbErr != nil {
				return chatmodel.Message{}, errors.Join(err, fmt.Errorf("rollback seq %d: %w", seq, rbErr))
			}
			return chatmodel.Message{}, err
		}
	}
	return chatmodel.Message{}, fmt.Errorf("append to %s: seq slot taken %d times", conversationID, appendAttempts)
}

// releaseSeq 水位仍停在本号才回退，避免把别人的号让出去
func (s *Store) releaseSeq(ctx context.Context, conversationID string, seq int64) error {
	_, err := s.coll(chatmodel.SeqConvTableName).UpdateOne(context.WithoutCancel(ctx),
		bson.M{chatmodel.SeqConvFieldConversationID: conversationID, chatmodel.SeqConvFieldMaxSeq: seq},
		bson.M{"$inc": bson.M{chatmodel.SeqConvFieldMaxSeq: int64(-1)}},
	)
	return err
}

func (s *Store) hasSeq(ctx context.Context, conversationID string, seq int64) (bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	n, err := s.coll(chatmodel.MsgTableName).CountDocuments(ctx,
		bson.M{chatmodel.MsgFieldConversationID: conversationID, chatmodel.MsgFieldSeq: seq},
		options.Count().SetLimit(1),
	)
	return n > 0, err
}

func (s *Store) ReadLog(ctx context.Context, conversationID string, limit int) ([]chatmodel.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: chatmodel.MsgFieldSeq, Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.coll(chatmodel.MsgTableName).Find(ctx, bson.M{chatmodel.MsgFieldConversationID: conversationID}, opts)
	if err != nil {
		return nil, err
	}
	out := []chatmodel.Message{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.cli.Disconnect(ctx)
}
