package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math"
	"time"

	"FriendChat/data/database"
	chatmodel "FriendChat/module/chat/model"
	usermodel "FriendChat/module/user/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Config struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// Store Postgres 后端：seq 由 channels.last_seq 在事务内自增分配
type Store struct {
	pool *pgxpool.Pool
}

var _ database.Store = (*Store)(nil)

// gooseUpContext 测试替换点
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// RunMigrations 用内嵌 SQL 执行 goose 迁移
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(pool)
	if err := gooseUpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *Store) PutUser(ctx context.Context, u *usermodel.User) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO users (username, email, password_hash, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (username) DO NOTHING`,
		u.Username, u.Email, u.PasswordHash, u.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return database.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*usermodel.User, error) {
	var u usermodel.User
	err := s.pool.QueryRow(ctx,
		`SELECT username, email, password_hash, created_at FROM users WHERE username = $1`, username,
	).Scan(&u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) PutFriendEdge(ctx context.Context, e chatmodel.FriendEdge) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO friend_edges (owner_username, friend_username, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`,
		e.OwnerUserID, e.FriendUserID, e.CreateTime)
	return err
}

func (s *Store) GetFriendEdges(ctx context.Context, owner string) ([]chatmodel.FriendEdge, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT owner_username, friend_username, created_at
		 FROM friend_edges WHERE owner_username = $1 ORDER BY created_at`, owner)
	if err != nil {
		return nil, err
	}
	out := []chatmodel.FriendEdge{}
	for rows.Next() {
		var e chatmodel.FriendEdge
		if err := rows.Scan(&e.OwnerUserID, &e.FriendUserID, &e.CreateTime); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendToLog 发号与写消息同一事务；upsert 的行锁让同一会话的并发追加串行
func (s *Store) AppendToLog(ctx context.Context, conversationID string, msg chatmodel.Message) (chatmodel.Message, error) {
	msg.ConversationID = conversationID
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO channels (channel_key, last_seq) VALUES ($1, 1)
			 ON CONFLICT (channel_key) DO UPDATE
			 SET last_seq = channels.last_seq + 1, updated_at = now()
			 RETURNING last_seq`, conversationID,
		).Scan(&msg.Seq); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO messages (channel_key, seq, sender, body, sent_at) VALUES ($1, $2, $3, $4, $5)`,
			conversationID, msg.Seq, msg.SendID, msg.Content, msg.SendTime)
		return err
	})
	if err != nil {
		return chatmodel.Message{}, err
	}
	return msg, nil
}

func (s *Store) ReadLog(ctx context.Context, conversationID string, limit int) ([]chatmodel.Message, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.pool.Query(ctx,
		`SELECT channel_key, seq, sender, body, sent_at FROM (
		   SELECT channel_key, seq, sender, body, sent_at FROM messages
		   WHERE channel_key = $1 ORDER BY seq DESC LIMIT $2
		 ) t ORDER BY seq`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []chatmodel.Message{}
	for rows.Next() {
		var m chatmodel.Message
		var sentAt time.Time
		if err := rows.Scan(&m.ConversationID, &m.Seq, &m.SendID, &m.Content, &sentAt); err != nil {
			return nil, err
		}
		m.SendTime = sentAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}
