package chat

import (
	"context"
	"errors"
	"net/http"
	"time"

	"FriendChat/logger"
	"FriendChat/module/chat/channel"
	"FriendChat/module/chat/friend"
	chatmodel "FriendChat/module/chat/model"
	"FriendChat/module/session"
	userservice "FriendChat/module/user/service"
	"FriendChat/tools/errs"
	"FriendChat/tools/safe"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ServerConf struct {
	NodeID         string
	WriteWait      time.Duration // 单次写超时
	PingInterval   time.Duration // 服务端 ping 周期
	FirstPingDelay time.Duration // 首个 ping 延后
	PongWait       time.Duration // 读超时，收到 pong 或任意帧后顺延
	MaxFrameBytes  int64
	AllowedOrigins []string // 为空不校验
}

func (c *ServerConf) norm() {
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.FirstPingDelay <= 0 || c.FirstPingDelay > c.PingInterval {
		c.FirstPingDelay = 5 * time.Second
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 3
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 64 << 10
	}
}

// Deps 网关依赖的业务组件
type Deps struct {
	Sessions    *session.Store
	Users       *userservice.Service
	Friends     *friend.Service
	Channels    *channel.Registry
	Broadcaster *Broadcaster
}

// Server 网关：WS 与 HTTP 共用同一组业务操作
type Server struct {
	conf     ServerConf
	connMgr  *ConnManager
	disp     *Dispatcher
	bc       *Broadcaster
	sessions *session.Store
	users    *userservice.Service
	friends  *friend.Service
	channels *channel.Registry
	upgrader websocket.Upgrader
}

func NewServer(conf ServerConf, connMgr *ConnManager, deps Deps) *Server {
	conf.norm()
	safe.MustNotNil(connMgr, "connMgr")
	safe.MustNotNil(deps.Sessions, "sessions")
	safe.MustNotNil(deps.Users, "users")
	safe.MustNotNil(deps.Friends, "friends")
	safe.MustNotNil(deps.Channels, "channels")
	if deps.Broadcaster == nil {
		deps.Broadcaster = NewBroadcaster()
	}
	s := &Server{
		conf:     conf,
		connMgr:  connMgr,
		disp:     NewDispatcher(),
		bc:       deps.Broadcaster,
		sessions: deps.Sessions,
		users:    deps.Users,
		friends:  deps.Friends,
		channels: deps.Channels,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	// 落库成功后在会话锁内发布，保证发布顺序与 seq 一致
	s.channels.OnAppend(func(m chatmodel.Message) { s.bc.Publish(m) })
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.conf.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.conf.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

func (s *Server) Conf() ServerConf                         { return s.conf }
func (s *Server) ConnMgr() *ConnManager                    { return s.connMgr }
func (s *Server) Disp() *Dispatcher                        { return s.disp }
func (s *Server) Broadcaster() *Broadcaster                { return s.bc }
func (s *Server) Sessions() *session.Store                 { return s.sessions }
func (s *Server) Channels() *channel.Registry              { return s.channels }
func (s *Server) Users() *userservice.Service              { return s.users }
func (s *Server) Friends() *friend.Service                 { return s.friends }
func (s *Server) NodeID() string                           { return s.conf.NodeID }
func (s *Server) Register(hs ...Handler)                   { s.disp.Register(hs...) }
func (s *Server) Shutdown()                                { s.connMgr.Close() }
func (s *Server) withCtx(ctx context.Context) *ChatContext { return &ChatContext{Ctx: ctx, S: s} }

// ===== 会话态 =====

// Attach 把已确认的身份挂到连接上；换号成功后才清掉旧身份的订阅，绑定失败时旧身份原样保留
func (s *Server) Attach(conn *WsConn, username, token string) error {
	switched := conn.Authorized && conn.UserId != username
	if err := s.connMgr.BindUser(conn.SnowID, username); err != nil {
		if errors.Is(err, ErrTooManyConns) {
			return errs.ErrRateLimited.WrapMsg("too many connections", "user", username)
		}
		return errs.ErrInternal.WrapMsg(err.Error())
	}
	if switched {
		s.bc.UnsubscribeAll(conn.SnowID)
	}
	conn.SetToken(token)
	return nil
}

// Detach 登出：吊销令牌、取消全部订阅、退回未授权态
func (s *Server) Detach(ctx context.Context, conn *WsConn) error {
	var err error
	if tok := conn.Token(); tok != "" {
		err = s.sessions.Revoke(ctx, tok)
	}
	s.bc.UnsubscribeAll(conn.SnowID)
	s.connMgr.UnbindUser(conn.SnowID)
	return err
}

// ===== 业务操作（WS 与 HTTP 共用）=====

// ChannelFor self 与 friend 的会话键；friend 必须是已注册的其他用户
func (s *Server) ChannelFor(ctx context.Context, self, friendName string) (string, error) {
	if friendName == "" {
		return "", errs.ErrInvalidRequest.WrapMsg("friend required")
	}
	if friendName == self {
		return "", errs.ErrInvalidRequest.WrapMsg("cannot open a channel with yourself")
	}
	ok, err := s.users.Exists(ctx, friendName)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errs.ErrUnknownUser.WrapMsg("", "user", friendName)
	}
	return channel.CanonicalKey(self, friendName), nil
}

func (s *Server) SendMessage(ctx context.Context, self, friendName, body string) (chatmodel.Message, error) {
	key, err := s.ChannelFor(ctx, self, friendName)
	if err != nil {
		return chatmodel.Message{}, err
	}
	return s.channels.AppendMessage(ctx, key, self, body)
}

func (s *Server) History(ctx context.Context, self, friendName string, limit int) (string, []chatmodel.Message, error) {
	key, err := s.ChannelFor(ctx, self, friendName)
	if err != nil {
		return "", nil, err
	}
	msgs, err := s.channels.History(ctx, key, limit)
	if err != nil {
		return key, nil, err
	}
	if msgs == nil {
		msgs = []chatmodel.Message{}
	}
	return key, msgs, nil
}

// AddFriend 成功后把新的好友列表推给 owner 的所有连接
func (s *Server) AddFriend(ctx context.Context, owner, friendName string) ([]string, error) {
	if err := s.friends.AddFriend(ctx, owner, friendName); err != nil {
		return nil, err
	}
	list, err := s.ListFriends(ctx, owner)
	if err != nil {
		return nil, err
	}
	n := s.connMgr.BroadcastUser(owner, Encode(EventFriendListUpdated, "", FriendList{Friends: list}))
	logger.Debug("friend list pushed", zap.String("owner", owner), zap.Int("conns", n))
	return list, nil
}

func (s *Server) ListFriends(ctx context.Context, owner string) ([]string, error) {
	list, err := s.friends.ListFriends(ctx, owner)
	if err != nil {
		return nil, err
	}
	return friend.Sorted(list), nil
}

func (s *Server) SearchFriends(ctx context.Context, owner, query string) ([]string, error) {
	list, err := s.friends.SearchFriends(ctx, owner, query)
	if err != nil {
		return nil, err
	}
	return friend.Sorted(list), nil
}
