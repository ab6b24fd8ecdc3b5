package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"FriendChat/data/database/memstore"
	"FriendChat/module/chat/channel"
	"FriendChat/module/chat/friend"
	chatmodel "FriendChat/module/chat/model"
	"FriendChat/module/session"
	userservice "FriendChat/module/user/service"
	"FriendChat/service/chat"
	"FriendChat/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type env struct {
	srv  *chat.Server
	http *httptest.Server
}

func newEnv(t *testing.T, mconf chat.ManagerConf) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memstore.New()
	users := userservice.NewService(store, userservice.WithBcryptCost(bcrypt.MinCost))
	sessions := session.NewStore(users, session.NewMemRegistry(), security.DefaultOptions([]byte("e2e-secret")))
	s := chat.NewServer(chat.ServerConf{NodeID: "test"}, chat.NewConnManager(mconf, "test"), chat.Deps{
		Sessions: sessions,
		Users:    users,
		Friends:  friend.NewService(store, users),
		Channels: channel.NewRegistry(store),
	})
	RegisterAll(s)

	r := gin.New()
	s.RegisterRoutes(r)
	hs := httptest.NewServer(r)
	t.Cleanup(func() {
		s.Shutdown()
		hs.Close()
	})
	return &env{srv: s, http: hs}
}

// ===== WS 客户端 =====

type client struct {
	t       *testing.T
	ws      *websocket.Conn
	pending []chat.Frame
	seq     int
}

func (e *env) dial(t *testing.T) *client {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.http.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &client{t: t, ws: ws}
}

func (c *client) send(typ string, data any) string {
	c.seq++
	id := fmt.Sprintf("c%d", c.seq)
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteJSON(chat.Frame{Type: typ, ID: id, Data: raw}))
	return id
}

func (c *client) sendRaw(b string) {
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, []byte(b)))
}

// waitFor 读到指定类型为止，途中其他帧留给后续调用
func (c *client) waitFor(typ string) chat.Frame {
	c.t.Helper()
	for i, f := range c.pending {
		if f.Type == typ {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return f
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(c.t, c.ws.SetReadDeadline(deadline))
		var f chat.Frame
		require.NoError(c.t, c.ws.ReadJSON(&f), "waiting for %s", typ)
		if f.Type == typ {
			return f
		}
		c.pending = append(c.pending, f)
	}
}

func decodeAs[T any](t *testing.T, f chat.Frame) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(f.Data, &out))
	return out
}

func (c *client) signup(name string) {
	c.send(chat.TypeSignup, chat.SignupReq{Username: name, Email: name + "@example.com", Password: "pw-" + name})
	res := decodeAs[chat.SignupResult](c.t, c.waitFor(chat.EventSignupResult))
	require.True(c.t, res.OK, res.Reason)
}

func (c *client) login(name string) string {
	c.send(chat.TypeLogin, chat.LoginReq{Username: name, Password: "pw-" + name})
	res := decodeAs[chat.LoginResult](c.t, c.waitFor(chat.EventLoginResult))
	require.True(c.t, res.OK, res.Reason)
	return res.Token
}

func (c *client) errorReason() string {
	return decodeAs[struct {
		Reason string `json:"reason"`
	}](c.t, c.waitFor(chat.EventError)).Reason
}

// ===== 用例 =====

func TestAliceBobScenario(t *testing.T) {
	e := newEnv(t, chat.ManagerConf{})
	alice, bob := e.dial(t), e.dial(t)
	alice.signup("alice")
	bob.signup("bob")
	alice.login("alice")
	bob.login("bob")

	alice.send(chat.TypeAddFriend, chat.AddFriendReq{Username: "bob"})
	fl := decodeAs[chat.FriendList](t, alice.waitFor(chat.EventFriendListUpdated))
	assert.Equal(t, []string{"bob"}, fl.Friends)

	alice.send(chat.TypeSubscribe, chat.FriendReq{Friend: "bob"})
	sub := decodeAs[chat.SubscribeResult](t, alice.waitFor(chat.EventSubscribeResult))
	require.True(t, sub.OK)
	assert.Equal(t, "alice:bob", sub.ChannelKey)

	bob.send(chat.TypeSendMessage, chat.SendMessageReq{Friend: "alice", Body: "hi"})
	sent := decodeAs[chat.SendResult](t, bob.waitFor(chat.EventSendResult))
	require.True(t, sent.OK, sent.Reason)
	assert.Equal(t, int64(1), sent.SequenceNumber)

	got := decodeAs[chatmodel.Message](t, alice.waitFor(chat.EventMessageDelivered))
	assert.Equal(t, "bob", got.SendID)
	assert.Equal(t, "hi", got.Content)
	assert.Equal(t, int64(1), got.Seq)
	assert.Equal(t, "alice:bob", got.ConversationID)

	// 先拉历史再订阅的组合：历史里有这条
	bob.send(chat.TypeFetchHistory, chat.FetchHistoryReq{Friend: "alice"})
	h := decodeAs[chat.HistoryResult](t, bob.waitFor(chat.EventHistoryResult))
	require.Len(t, h.Messages, 1)
	assert.Equal(t, "hi", h.Messages[0].Content)
}

func TestRequestsRequireAuthentication(t *testing.T) {
	e := newEnv(t, chat.ManagerConf{})
	c := e.dial(t)

	for _, typ := range []string{chat.TypeSendMessage, chat.TypeSubscribe, chat.TypeAddFriend, chat.TypeListFriends, chat.TypeFetchHistory, chat.TypeLogout} {
		c.send(typ, map[string]any{"friend": "bob", "body": "hi"})
		assert.Equal(t, "NotAuthenticated", c.errorReason(), typ)
	}

	// ping 不需要登录
	id := c.send(chat.TypePing, struct{}{})
	assert.Equal(t, id, c.waitFor(chat.EventPong).ID)
}

func TestLoginFailures(t *testing.T) {
	e := newEnv(t, chat.ManagerConf{})
	c := e.dial(t)
	c.signup("alice")

	c.send(chat.TypeLogin, chat.LoginReq{Username: "alice", Password: "wrong"})
	res := decodeAs[chat.LoginResult](t, c.waitFor(chat.EventLoginResult))
	assert.False(t, res.OK)
	assert.Equal(t, "InvalidCredentials", res.Reason)

	c.send(chat.TypeAuth, chat.AuthReq{Token: "garbage"})
	res = decodeAs[chat.LoginResult](t, c.waitFor(chat.EventLoginResult))
	assert.False(t, res.OK)
	assert.Equal(t, "NotAuthenticated", res.Reason)

	c.send(chat.TypeSignup, chat.SignupReq{Username: "alice", Email: "a@example.com", Password: "x"})
	sres := decodeAs[chat.SignupResult](t, c.waitFor(chat.EventSignupResult))
	assert.False(t, sres.OK)
	assert.Equal(t, "UsernameTaken", sres.Reason)
}

func TestSelfFriendAndUnknownUser(t *testing.T) {
	e := newEnv(t, chat.ManagerConf{})
	c := e.dial(t)
	c.signup("alice")
	c.login("alice")

	c.send(chat.TypeAddFriend, chat.AddFriendReq{Username: "alice"})
	assert.Equal(t, "SelfFriendNotAllowed", c.errorReason())

	c.send(chat.TypeAddFriend, chat.AddFriendReq{Username: "mallory"})
	assert.Equal(t, "UnknownUser", c.errorReason())

	c.send(chat.TypeSendMessage, chat.SendMessageReq{Friend: "mallory", Body: "hi"})
	res := decodeAs[chat.SendResult](t, c.waitFor(chat.EventSendResult))
	assert.False(t, res.OK)
	assert.Equal(t, "UnknownUser", res.Reason)

	c.send(chat.TypeListFriends, struct{}{})
	fl := decodeAs[chat.FriendList](t, c.waitFor(chat.EventFriendListUpdated))
	assert.Empty(t, fl.Friends)
}

func TestWhitespaceBodyAppendsNothing(t *testing.T) {
	e := newEnv(t, chat.ManagerConf{})
	alice, bob := e.dial(t), e.dial(t)
	alice.signup("alice")
	bob.signup("bob")
	alice.login("alice")

	alice.send(chat.TypeSendMessage, chat.SendMessageReq{Friend: "bob", Body: "first"})
	require.True(t, decodeAs[chat.SendResult](t, alice.waitFor(chat.EventSendResult)).OK)

	alice.send(chat.TypeSendMessage, chat.SendMessageReq{Friend: "bob", Body: "   "})
	res := decodeAs[chat.SendResult](t, alice.waitFor(chat.EventSendResult))
	assert.False(t, res.OK)
	assert.Equal(t, "EmptyMessage", res.Reason)

	alice.send(chat.TypeFetchHistory, chat.FetchHistoryReq{Friend: "bob", Limit: 10})
	h := decodeAs[chat.HistoryResult](t, alice.waitFor(chat.EventHistoryResult))
	require.Len(t, h.Messages, 1)
	assert.Equal(t, int64(1), h.Messages[0].Seq)
}

func TestMalformedFrames(t *testing.T) {
	e := newEnv(t, chat.ManagerConf{})
	c := e.dial(t)
	c.signup("alice")
	c.signup("bob")
	c.login("alice")

	c.sendRaw("not json")
	assert.Equal(t, "InvalidRequest", c.errorReason())

	c.sendRaw(`{"id":"x"}`)
	assert.Equal(t, "InvalidRequest", c.errorReason())

	c.sendRaw(`{"type":"teleport","id":"t1"}`)
	f := c.waitFor(chat.EventError)
	assert.Equal(t, "t1", f.ID)

	c.sendRaw(`{"type":"send_message","id":"s1","data":"hello"}`)
	assert.Equal(t, "InvalidRequest", c.errorReason())

	c.sendRaw(`{"type":"send_message","id":"s2","data":{"friend":"bob","body":42}}`)
	assert.Equal(t, "InvalidRequest", c.errorReason())

	// 连接仍然可用
	c.send(chat.TypeSendMessage, chat.SendMessageReq{Friend: "bob", Body: "still here"})
	assert.True(t, decodeAs[chat.SendResult](t, c.waitFor(chat.EventSendResult)).OK)
}

func TestConcurrentSendersGetContiguousSequences(t *testing.T) {
	e := newEnv(t, chat.ManagerConf{})
	alice, bob := e.dial(t), e.dial(t)
	alice.signup("alice")
	bob.signup("bob")
	alice.login("alice")
	bob.login("bob")

	const per = 20
	var wg sync.WaitGroup
	results := make([][]int64, 2)
	for i, pair := range []struct {
		c      *client
		friend string
	}{{alice, "bob"}, {bob, "alice"}} {
		wg.Add(1)
		go func(i int, c *client, friend string) {
			defer wg.Done()
			for n := 0; n < per; n++ {
				c.send(chat.TypeSendMessage, chat.SendMessageReq{Friend: friend, Body: fmt.Sprintf("%s-%d", friend, n)})
			}
			for n := 0; n < per; n++ {
				var res chat.SendResult
				if err := json.Unmarshal(c.waitFor(chat.EventSendResult).Data, &res); err == nil && res.OK {
					results[i] = append(results[i], res.SequenceNumber)
				}
			}
		}(i, pair.c, pair.friend)
	}
	wg.Wait()

	seen := map[int64]bool{}
	for _, r := range results {
		require.Len(t, r, per)
		for _, s := range r {
			assert.False(t, seen[s], "duplicate seq %d", s)
			seen[s] = true
		}
	}
	for s := int64(1); s <= 2*per; s++ {
		assert.True(t, seen[s], "missing seq %d", s)
	}
}

func TestSenderOtherSessionsReceiveMessages(t *testing.T) {
	e := newEnv(t, chat.ManagerConf{})
	phone, laptop, bob := e.dial(t), e.dial(t), e.dial(t)
	phone.signup("alice")
	bob.signup("bob")
	token := phone.login("alice")

	laptop.send(chat.TypeAuth, chat.AuthReq{Token: token})
	require.True(t, decodeAs[chat.LoginResult](t, laptop.waitFor(chat.EventLoginResult)).OK)

	laptop.send(chat.TypeSubscribe, chat.FriendReq{Friend: "bob"})
	require.True(t, decodeAs[chat.SubscribeResult](t, laptop.waitFor(chat.EventSubscribeResult)).OK)

	phone.send(chat.TypeSendMessage, chat.SendMessageReq{Friend: "bob", Body: "from phone"})
	require.True(t, decodeAs[chat.SendResult](t, phone.waitFor(chat.EventSendResult)).OK)

	got := decodeAs[chatmodel.Message](t, laptop.waitFor(chat.EventMessageDelivered))
	assert.Equal(t, "alice", got.SendID)
	assert.Equal(t, "from phone", got.Content)

	// add_friend 的好友列表推送到 alice 的所有连接
	phone.send(chat.TypeAddFriend, chat.AddFriendReq{Username: "bob"})
	assert.Equal(t, []string{"bob"}, decodeAs[chat.FriendList](t, phone.waitFor(chat.EventFriendListUpdated)).Friends)
	assert.Equal(t, []string{"bob"}, decodeAs[chat.FriendList](t, laptop.waitFor(chat.EventFriendListUpdated)).Friends)
}

func TestDisconnectUnsubscribesEverything(t *testing.T) {
	e := newEnv(t, chat.ManagerConf{})
	alice := e.dial(t)
	alice.signup("alice")
	alice.signup("bob")
	alice.signup("carol")
	alice.login("alice")

	for _, f := range []string{"bob", "carol"} {
		alice.send(chat.TypeSubscribe, chat.FriendReq{Friend: f})
		require.True(t, decodeAs[chat.SubscribeResult](t, alice.waitFor(chat.EventSubscribeResult)).OK)
	}
	require.Len(t, e.srv.Broadcaster().Subscribers("alice:bob"), 1)

	require.NoError(t, alice.ws.Close())
	require.Eventually(t, func() bool {
		return len(e.srv.Broadcaster().Subscribers("alice:bob")) == 0 &&
			len(e.srv.Broadcaster().Subscribers("alice:carol")) == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	e := newEnv(t, chat.ManagerConf{})
	alice, bob := e.dial(t), e.dial(t)
	alice.signup("alice")
	bob.signup("bob")
	alice.login("alice")
	bob.login("bob")

	alice.send(chat.TypeSubscribe, chat.FriendReq{Friend: "bob"})
	alice.waitFor(chat.EventSubscribeResult)
	alice.send(chat.TypeUnsubscribe, chat.FriendReq{Friend: "bob"})
	alice.waitFor(chat.EventUnsubscribeResult)

	bob.send(chat.TypeSendMessage, chat.SendMessageReq{Friend: "alice", Body: "anyone?"})
	bob.waitFor(chat.EventSendResult)

	// ping 的回包先于任何迟到的投递
	alice.send(chat.TypePing, struct{}{})
	alice.waitFor(chat.EventPong)
	for _, f := range alice.pending {
		assert.NotEqual(t, chat.EventMessageDelivered, f.Type)
	}
}

func TestLogoutOverWebSocket(t *testing.T) {
	e := newEnv(t, chat.ManagerConf{})
	c := e.dial(t)
	c.signup("alice")
	c.signup("bob")
	token := c.login("alice")

	c.send(chat.TypeLogout, struct{}{})
	c.waitFor(chat.EventLogoutResult)

	c.send(chat.TypeSendMessage, chat.SendMessageReq{Friend: "bob", Body: "hi"})
	assert.Equal(t, "NotAuthenticated", c.errorReason())

	// 令牌已吊销
	c.send(chat.TypeAuth, chat.AuthReq{Token: token})
	res := decodeAs[chat.LoginResult](t, c.waitFor(chat.EventLoginResult))
	assert.False(t, res.OK)
}

func TestRateLimitedFrames(t *testing.T) {
	e := newEnv(t, chat.ManagerConf{RateLimit: 1, RateBurst: 2})
	c := e.dial(t)
	for i := 0; i < 4; i++ {
		c.send(chat.TypePing, struct{}{})
	}
	assert.Equal(t, "RateLimited", c.errorReason())
}

// ===== HTTP API =====

type apiResp struct {
	OK     bool            `json:"ok"`
	Reason string          `json:"reason"`
	Data   json.RawMessage `json:"data"`
}

func (e *env) call(t *testing.T, method, path, token string, body any) (int, apiResp) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.http.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	var out apiResp
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return res.StatusCode, out
}

func TestHTTPAPI(t *testing.T) {
	e := newEnv(t, chat.ManagerConf{})

	for _, name := range []string{"alice", "bob"} {
		code, res := e.call(t, http.MethodPost, "/api/signup", "", chat.SignupReq{Username: name, Email: name + "@example.com", Password: "pw"})
		require.Equal(t, http.StatusOK, code, res.Reason)
	}
	code, res := e.call(t, http.MethodPost, "/api/signup", "", chat.SignupReq{Username: "alice", Email: "a@example.com", Password: "pw"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "UsernameTaken", res.Reason)

	code, res = e.call(t, http.MethodPost, "/api/login", "", chat.LoginReq{Username: "alice", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "InvalidCredentials", res.Reason)

	_, res = e.call(t, http.MethodPost, "/api/login", "", chat.LoginReq{Username: "alice", Password: "pw"})
	require.True(t, res.OK)
	var sess session.Session
	require.NoError(t, json.Unmarshal(res.Data, &sess))

	code, res = e.call(t, http.MethodGet, "/api/friends", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "NotAuthenticated", res.Reason)

	code, _ = e.call(t, http.MethodPost, "/api/friends", sess.Token, chat.AddFriendReq{Username: "bob"})
	require.Equal(t, http.StatusOK, code)

	_, res = e.call(t, http.MethodGet, "/api/friends/search?q=BO", sess.Token, nil)
	var sr chat.SearchResult
	require.NoError(t, json.Unmarshal(res.Data, &sr))
	assert.Equal(t, []string{"bob"}, sr.Friends)

	code, res = e.call(t, http.MethodPost, "/api/messages", sess.Token, chat.SendMessageReq{Friend: "bob", Body: "  "})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "EmptyMessage", res.Reason)

	code, _ = e.call(t, http.MethodPost, "/api/messages", sess.Token, chat.SendMessageReq{Friend: "bob", Body: "over http"})
	require.Equal(t, http.StatusOK, code)

	_, res = e.call(t, http.MethodGet, "/api/history/bob?limit=5", sess.Token, nil)
	var h chat.HistoryResult
	require.NoError(t, json.Unmarshal(res.Data, &h))
	assert.Equal(t, "alice:bob", h.ChannelKey)
	require.Len(t, h.Messages, 1)
	assert.Equal(t, "over http", h.Messages[0].Content)

	code, _ = e.call(t, http.MethodGet, "/api/history/bob?limit=abc", sess.Token, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.call(t, http.MethodPost, "/api/logout", sess.Token, nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = e.call(t, http.MethodGet, "/api/friends", sess.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

// HTTP 发的消息同样推给 WS 订阅者
func TestHTTPSendReachesWebSocketSubscriber(t *testing.T) {
	e := newEnv(t, chat.ManagerConf{})
	alice := e.dial(t)
	alice.signup("alice")
	alice.signup("bob")
	alice.login("alice")
	alice.send(chat.TypeSubscribe, chat.FriendReq{Friend: "bob"})
	require.True(t, decodeAs[chat.SubscribeResult](t, alice.waitFor(chat.EventSubscribeResult)).OK)

	_, res := e.call(t, http.MethodPost, "/api/login", "", chat.LoginReq{Username: "bob", Password: "pw-bob"})
	require.True(t, res.OK)
	var sess session.Session
	require.NoError(t, json.Unmarshal(res.Data, &sess))

	code, _ := e.call(t, http.MethodPost, "/api/messages", sess.Token, chat.SendMessageReq{Friend: "alice", Body: "hello from http"})
	require.Equal(t, http.StatusOK, code)

	got := decodeAs[chatmodel.Message](t, alice.waitFor(chat.EventMessageDelivered))
	assert.Equal(t, "bob", got.SendID)
	assert.Equal(t, "hello from http", got.Content)
}

func TestHealthz(t *testing.T) {
	e := newEnv(t, chat.ManagerConf{})
	res, err := http.Get(e.http.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res2, err := http.Get(e.http.URL + "/metrics")
	require.NoError(t, err)
	defer res2.Body.Close()
	assert.Equal(t, http.StatusOK, res2.StatusCode)
}

// 换号登录被连接上限拒绝时，原身份和它的订阅都不受影响
func TestRejectedReloginKeepsSubscriptions(t *testing.T) {
	e := newEnv(t, chat.ManagerConf{MaxPerUser: 1})
	alice, bob := e.dial(t), e.dial(t)
	alice.signup("alice")
	bob.signup("bob")
	alice.login("alice")
	bob.login("bob")

	alice.send(chat.TypeSubscribe, chat.FriendReq{Friend: "bob"})
	require.True(t, decodeAs[chat.SubscribeResult](t, alice.waitFor(chat.EventSubscribeResult)).OK)

	alice.send(chat.TypeLogin, chat.LoginReq{Username: "bob", Password: "pw-bob"})
	res := decodeAs[chat.LoginResult](t, alice.waitFor(chat.EventLoginResult))
	assert.False(t, res.OK)
	assert.Equal(t, "RateLimited", res.Reason)

	bob.send(chat.TypeSendMessage, chat.SendMessageReq{Friend: "alice", Body: "still there?"})
	require.True(t, decodeAs[chat.SendResult](t, bob.waitFor(chat.EventSendResult)).OK)

	got := decodeAs[chatmodel.Message](t, alice.waitFor(chat.EventMessageDelivered))
	assert.Equal(t, "still there?", got.Content)
	assert.Equal(t, "bob", got.SendID)

	// 仍以 alice 身份发消息
	alice.send(chat.TypeSendMessage, chat.SendMessageReq{Friend: "bob", Body: "yes"})
	sent := decodeAs[chat.SendResult](t, alice.waitFor(chat.EventSendResult))
	require.True(t, sent.OK, sent.Reason)
	assert.Equal(t, int64(2), sent.SequenceNumber)
}
