package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"FriendChat/data/database"
	"FriendChat/data/database/memstore"
	chatmodel "FriendChat/module/chat/model"
	usermodel "FriendChat/module/user/model"
	"FriendChat/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newService() *Service {
	return NewService(memstore.New(), WithBcryptCost(bcrypt.MinCost))
}

func TestSignupAndVerify(t *testing.T) {
	ctx := context.Background()
	s := newService()

	u, err := s.Signup(ctx, SignupParams{Username: "alice", Email: "alice@example.com", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.NotEqual(t, "pw", u.PasswordHash)

	got, err := s.Verify(ctx, LoginParams{Username: "alice", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got.Email)

	_, err = s.Verify(ctx, LoginParams{Username: "alice", Password: "wrong"})
	assert.True(t, errors.Is(err, errs.ErrInvalidCredentials))

	_, err = s.Verify(ctx, LoginParams{Username: "nobody", Password: "pw"})
	assert.True(t, errors.Is(err, errs.ErrInvalidCredentials))

	_, err = s.Verify(ctx, LoginParams{Username: "", Password: ""})
	assert.True(t, errors.Is(err, errs.ErrInvalidCredentials))
}

func TestSignupDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newService()
	_, err := s.Signup(ctx, SignupParams{Username: "alice", Email: "a@example.com", Password: "pw"})
	require.NoError(t, err)

	_, err = s.Signup(ctx, SignupParams{Username: "alice", Email: "b@example.com", Password: "other"})
	assert.True(t, errors.Is(err, errs.ErrUsernameTaken))

	// 原密码仍有效
	_, err = s.Verify(ctx, LoginParams{Username: "alice", Password: "pw"})
	assert.NoError(t, err)
}

func TestSignupValidation(t *testing.T) {
	ctx := context.Background()
	s := newService()
	cases := map[string]SignupParams{
		"empty username": {Username: "", Email: "a@example.com", Password: "pw"},
		"separator":      {Username: "a:b", Email: "a@example.com", Password: "pw"},
		"space":          {Username: "a b", Email: "a@example.com", Password: "pw"},
		"bad email":      {Username: "alice", Email: "not-an-email", Password: "pw"},
		"missing pass":   {Username: "alice", Email: "a@example.com"},
		"too long name":  {Username: "abcdefghijklmnopqrstuvwxyz0123456789", Email: "a@example.com", Password: "pw"},
		"long pass":      {Username: "alice", Email: "a@example.com", Password: strings.Repeat("x", 73)},
		"multibyte pass": {Username: "alice", Email: "a@example.com", Password: strings.Repeat("密", 30)},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := s.Signup(ctx, in)
			assert.True(t, errors.Is(err, errs.ErrInvalidRequest), "got %v", err)
		})
	}
}

func TestSignupPasswordByteLimit(t *testing.T) {
	ctx := context.Background()
	s := newService()

	// 24 个字符正好 72 字节
	pw := strings.Repeat("密", 24)
	_, err := s.Signup(ctx, SignupParams{Username: "alice", Email: "a@example.com", Password: pw})
	require.NoError(t, err)
	_, err = s.Verify(ctx, LoginParams{Username: "alice", Password: pw})
	assert.NoError(t, err)

	_, err = s.Signup(ctx, SignupParams{Username: "bob", Email: "b@example.com", Password: pw + "密"})
	assert.True(t, errors.Is(err, errs.ErrInvalidRequest), "got %v", err)
	assert.False(t, errors.Is(err, errs.ErrInternal))
}

func TestExists(t *testing.T) {
	ctx := context.Background()
	s := newService()
	_, err := s.Signup(ctx, SignupParams{Username: "bob", Email: "bob@example.com", Password: "pw"})
	require.NoError(t, err)

	ok, err := s.Exists(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(ctx, "Bob")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Exists(ctx, "bad:name")
	require.NoError(t, err)
	assert.False(t, ok)
}

type brokenStore struct{ database.Store }

func (brokenStore) PutUser(context.Context, *usermodel.User) error { return errors.New("disk gone") }
func (brokenStore) GetUser(context.Context, string) (*usermodel.User, error) {
	return nil, errors.New("disk gone")
}
func (brokenStore) GetFriendEdges(context.Context, string) ([]chatmodel.FriendEdge, error) {
	return nil, errors.New("disk gone")
}

func TestStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	s := NewService(brokenStore{}, WithBcryptCost(bcrypt.MinCost))

	_, err := s.Signup(ctx, SignupParams{Username: "alice", Email: "a@example.com", Password: "pw"})
	assert.True(t, errors.Is(err, errs.ErrStoreUnavailable))

	_, err = s.Verify(ctx, LoginParams{Username: "alice", Password: "pw"})
	assert.True(t, errors.Is(err, errs.ErrStoreUnavailable))

	_, err = s.Exists(ctx, "alice")
	assert.True(t, errors.Is(err, errs.ErrStoreUnavailable))
}
