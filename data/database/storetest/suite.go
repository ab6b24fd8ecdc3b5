// Package storetest 持久化边界的通用契约测试，各后端的 _test.go 直接调用 Run。
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"FriendChat/data/database"
	chatmodel "FriendChat/module/chat/model"
	usermodel "FriendChat/module/user/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Factory func(t *testing.T) database.Store

func Run(t *testing.T, newStore Factory) {
	t.Run("users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("friend edges", func(t *testing.T) { testFriendEdges(t, newStore(t)) })
	t.Run("append contiguous", func(t *testing.T) { testAppendContiguous(t, newStore(t)) })
	t.Run("append concurrent", func(t *testing.T) { testAppendConcurrent(t, newStore(t)) })
	t.Run("read log", func(t *testing.T) { testReadLog(t, newStore(t)) })
	t.Run("channels isolated", func(t *testing.T) { testChannelsIsolated(t, newStore(t)) })
}

func msg(sender, body string) chatmodel.Message {
	return chatmodel.Message{SendID: sender, Content: body, SendTime: time.Now().UTC().Truncate(time.Millisecond)}
}

func testUsers(t *testing.T, s database.Store) {
	ctx := context.Background()

	_, err := s.GetUser(ctx, "alice")
	require.ErrorIs(t, err, database.ErrNotFound)

	u := &usermodel.User{Username: "alice", Email: "alice@example.com", PasswordHash: "h", CreatedAt: time.Now().UTC().Truncate(time.Millisecond)}
	require.NoError(t, s.PutUser(ctx, u))

	got, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got.Email)
	assert.Equal(t, "h", got.PasswordHash)

	err = s.PutUser(ctx, &usermodel.User{Username: "alice", PasswordHash: "other"})
	require.ErrorIs(t, err, database.ErrAlreadyExists)

	// 大小写敏感
	_, err = s.GetUser(ctx, "Alice")
	require.ErrorIs(t, err, database.ErrNotFound)
}

func testFriendEdges(t *testing.T, s database.Store) {
	ctx := context.Background()

	edges, err := s.GetFriendEdges(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, edges)

	e := chatmodel.FriendEdge{OwnerUserID: "alice", FriendUserID: "bob", CreateTime: time.Now().UTC()}
	require.NoError(t, s.PutFriendEdge(ctx, e))
	require.NoError(t, s.PutFriendEdge(ctx, e))
	require.NoError(t, s.PutFriendEdge(ctx, chatmodel.FriendEdge{OwnerUserID: "alice", FriendUserID: "carol", CreateTime: time.Now().UTC()}))

	edges, err = s.GetFriendEdges(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, edges, 2)

	// 单向
	edges, err = s.GetFriendEdges(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func testAppendContiguous(t *testing.T, s database.Store) {
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		m, err := s.AppendToLog(ctx, "alice:bob", msg("alice", fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		assert.Equal(t, int64(i), m.Seq)
		assert.Equal(t, "alice:bob", m.ConversationID)
	}
}

func testAppendConcurrent(t *testing.T, s database.Store) {
	ctx := context.Background()
	const workers, per = 8, 25

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seqs = make(map[int64]int)
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				m, err := s.AppendToLog(ctx, "alice:bob", msg(fmt.Sprintf("u%d", w), "x"))
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seqs[m.Seq]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, seqs, workers*per)
	for i := int64(1); i <= workers*per; i++ {
		assert.Equal(t, 1, seqs[i], "seq %d", i)
	}
}

func testReadLog(t *testing.T, s database.Store) {
	ctx := context.Background()

	empty, err := s.ReadLog(ctx, "nobody:none", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)

	for i := 1; i <= 10; i++ {
		_, err := s.AppendToLog(ctx, "alice:bob", msg("bob", fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	last3, err := s.ReadLog(ctx, "alice:bob", 3)
	require.NoError(t, err)
	require.Len(t, last3, 3)
	assert.Equal(t, []int64{8, 9, 10}, []int64{last3[0].Seq, last3[1].Seq, last3[2].Seq})
	assert.Equal(t, "m10", last3[2].Content)
	assert.Equal(t, "bob", last3[2].SendID)

	all, err := s.ReadLog(ctx, "alice:bob", 100)
	require.NoError(t, err)
	require.Len(t, all, 10)
	for i, m := range all {
		assert.Equal(t, int64(i+1), m.Seq)
	}

	again, err := s.ReadLog(ctx, "alice:bob", 100)
	require.NoError(t, err)
	assert.Equal(t, all, again)
}

func testChannelsIsolated(t *testing.T, s database.Store) {
	ctx := context.Background()
	a, err := s.AppendToLog(ctx, "alice:bob", msg("alice", "to bob"))
	require.NoError(t, err)
	c, err := s.AppendToLog(ctx, "alice:carol", msg("alice", "to carol"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Seq)
	assert.Equal(t, int64(1), c.Seq)

	got, err := s.ReadLog(ctx, "alice:carol", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "to carol", got[0].Content)
}
