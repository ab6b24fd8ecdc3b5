package session

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"FriendChat/data/database/memstore"
	userservice "FriendChat/module/user/service"
	"FriendChat/tools/errs"
	"FriendChat/tools/security"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newStore(t *testing.T, reg Registry) *Store {
	t.Helper()
	users := userservice.NewService(memstore.New(), userservice.WithBcryptCost(bcrypt.MinCost))
	_, err := users.Signup(context.Background(), userservice.SignupParams{Username: "alice", Email: "alice@example.com", Password: "pw"})
	require.NoError(t, err)
	return NewStore(users, reg, security.DefaultOptions([]byte("test-secret")))
}

func TestAuthenticateResolveRevoke(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, NewMemRegistry())

	sess, err := s.Authenticate(ctx, "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.Username)

	who, err := s.Resolve(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", who)

	require.NoError(t, s.Revoke(ctx, sess.Token))
	_, err = s.Resolve(ctx, sess.Token)
	assert.True(t, errors.Is(err, errs.ErrExpiredOrUnknownToken))

	// 重复吊销无副作用
	require.NoError(t, s.Revoke(ctx, sess.Token))
}

func TestAuthenticateBadPassword(t *testing.T) {
	s := newStore(t, NewMemRegistry())
	_, err := s.Authenticate(context.Background(), "alice", "nope")
	assert.True(t, errors.Is(err, errs.ErrInvalidCredentials))
}

func TestMultiDeviceTokensIndependent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, NewMemRegistry())

	phone, err := s.Authenticate(ctx, "alice", "pw")
	require.NoError(t, err)
	laptop, err := s.Authenticate(ctx, "alice", "pw")
	require.NoError(t, err)
	require.NotEqual(t, phone.Token, laptop.Token)

	require.NoError(t, s.Revoke(ctx, phone.Token))

	who, err := s.Resolve(ctx, laptop.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", who)
}

func TestResolveRejectsGarbageAndForeignTokens(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, NewMemRegistry())

	for _, tok := range []string{"", "not-a-jwt", "a.b.c"} {
		_, err := s.Resolve(ctx, tok)
		assert.True(t, errors.Is(err, errs.ErrExpiredOrUnknownToken), "token %q", tok)
	}

	// 签名正确但从未登记（比如另一个部署用同一密钥签的）
	tok, _, _, err := security.Generate(security.DefaultOptions([]byte("test-secret")), "alice")
	require.NoError(t, err)
	_, err = s.Resolve(ctx, tok)
	assert.True(t, errors.Is(err, errs.ErrExpiredOrUnknownToken))
}

func TestMemRegistryExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	r := NewMemRegistry()
	r.clock = func() time.Time { return now }

	require.NoError(t, r.Save(ctx, "h1", "alice", time.Minute))
	require.NoError(t, r.Save(ctx, "h2", "bob", time.Hour))

	u, err := r.Lookup(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "alice", u)

	now = now.Add(2 * time.Minute)
	_, err = r.Lookup(ctx, "h1")
	assert.ErrorIs(t, err, ErrUnknownToken)

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, r.Sweep())
	_, err = r.Lookup(ctx, "h2")
	assert.ErrorIs(t, err, ErrUnknownToken)
}

// 需要真实 Redis：FRIENDCHAT_REDIS_ADDR=127.0.0.1:6379
func TestRedisRegistry(t *testing.T) {
	addr := os.Getenv("FRIENDCHAT_REDIS_ADDR")
	if addr == "" {
		t.Skip("FRIENDCHAT_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	require.NoError(t, rdb.Ping(ctx).Err())

	reg := NewRedisRegistry(rdb)
	user := "redis_test_" + time.Now().Format("150405.000000")
	require.NoError(t, reg.Save(ctx, "h-"+user, user, time.Minute))

	got, err := reg.Lookup(ctx, "h-"+user)
	require.NoError(t, err)
	assert.Equal(t, user, got)

	n, err := reg.ActiveTokens(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, reg.Delete(ctx, "h-"+user))
	_, err = reg.Lookup(ctx, "h-"+user)
	assert.ErrorIs(t, err, ErrUnknownToken)

	n, err = reg.ActiveTokens(ctx, user)
	require.NoError(t, err)
	assert.Zero(t, n)
}
