package session

import (
	"context"
	"errors"
	"time"

	"FriendChat/logger"
	usermodel "FriendChat/module/user/model"
	userservice "FriendChat/module/user/service"
	"FriendChat/tools/errs"
	"FriendChat/tools/security"

	"go.uber.org/zap"
)

var ErrUnknownToken = errors.New("session: unknown token")

// Registry 服务端登记 tokenHash -> username，用于吊销
type Registry interface {
	Save(ctx context.Context, tokenHash, username string, ttl time.Duration) error
	Lookup(ctx context.Context, tokenHash string) (string, error)
	Delete(ctx context.Context, tokenHash string) error
}

// Verifier 用户名密码校验，由 user service 实现
type Verifier interface {
	Verify(ctx context.Context, in userservice.LoginParams) (*usermodel.User, error)
}

type Session struct {
	Token    string    `json:"token"`
	Username string    `json:"username"`
	ExpireAt time.Time `json:"expireAt"`
}

// Store 会话：签发、解析、吊销。同一用户可同时持有多个令牌（多端）
type Store struct {
	verifier Verifier
	registry Registry
	opts     security.Options
}

func NewStore(verifier Verifier, registry Registry, opts security.Options) *Store {
	return &Store{verifier: verifier, registry: registry, opts: opts}
}

func (s *Store) Authenticate(ctx context.Context, username, password string) (*Session, error) {
	u, err := s.verifier.Verify(ctx, userservice.LoginParams{Username: username, Password: password})
	if err != nil {
		return nil, err
	}
	return s.Issue(ctx, u.Username)
}

// Issue 给已确认身份的用户签发令牌
func (s *Store) Issue(ctx context.Context, username string) (*Session, error) {
	token, hash, exp, err := security.Generate(s.opts, username)
	if err != nil {
		return nil, errs.ErrInternal.WrapMsg("sign token", "err", err)
	}
	if err := s.registry.Save(ctx, hash, username, time.Until(exp)); err != nil {
		logger.Error("session: save token", zap.String("username", username), zap.Error(err))
		return nil, errs.ErrStoreUnavailable.WrapMsg(err.Error())
	}
	return &Session{Token: token, Username: username, ExpireAt: exp}, nil
}

// Resolve 签名、过期、服务端登记三者都通过才算有效
func (s *Store) Resolve(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", errs.ErrExpiredOrUnknownToken.Wrap()
	}
	claims, err := security.Verify(s.opts, token)
	if err != nil {
		return "", errs.ErrExpiredOrUnknownToken.WrapMsg(err.Error())
	}
	username, err := s.registry.Lookup(ctx, security.HashToken(token))
	if errors.Is(err, ErrUnknownToken) {
		return "", errs.ErrExpiredOrUnknownToken.WrapMsg("revoked")
	}
	if err != nil {
		return "", errs.ErrStoreUnavailable.WrapMsg(err.Error())
	}
	if username != claims.Username() {
		return "", errs.ErrExpiredOrUnknownToken.WrapMsg("subject mismatch")
	}
	return username, nil
}

func (s *Store) Revoke(ctx context.Context, token string) error {
	if err := s.registry.Delete(ctx, security.HashToken(token)); err != nil {
		return errs.ErrStoreUnavailable.WrapMsg(err.Error())
	}
	return nil
}
