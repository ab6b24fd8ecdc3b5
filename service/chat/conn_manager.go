package chat

import (
	"errors"
	"net"
	"sync"
	"time"

	"FriendChat/logger"
	chatmodel "FriendChat/module/chat/model"
	"FriendChat/tools/safe"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrConnExists     = errors.New("snowID exists")
	ErrConnNotFound   = errors.New("snowID not found")
	ErrTooManyConns   = errors.New("exceeds max connections per user")
	ErrEmptyConnParam = errors.New("snowID/conn empty")
)

// ===== 配置 =====

type ManagerConf struct {
	UnauthTTL   time.Duration    // 未授权连接的 TTL（如 60s）
	AuthTTL     time.Duration    // 已授权连接的 TTL，心跳续期
	SweepEvery  time.Duration    // 清理周期（如 10s）
	MaxPerUser  int              // 每用户最大连接数（<=0 不限制）
	EvictOldest bool             // 超限时淘汰最老连接，否则 BindUser 报错
	OutboxSize  int              // 每连接出站队列长度
	Overflow    OverflowPolicy   // 出站队列溢出策略
	RateLimit   float64          // 每连接每秒入站帧数（<=0 不限制）
	RateBurst   int              // 突发
	Clock       func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.UnauthTTL <= 0 {
		c.UnauthTTL = 60 * time.Second
	}
	if c.AuthTTL <= 0 {
		c.AuthTTL = 2 * time.Hour
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = 256
	}
	if c.Overflow == "" {
		c.Overflow = OverflowDropOldest
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = int(c.RateLimit) + 1
	}
}

// ===== 数据结构 =====

// WsConn 一条 WebSocket 连接。UserId/Authorized/token 只由读协程修改，
// 管理器的索引字段在 m.mu 下读写
type WsConn struct {
	SnowID     string
	UserId     string
	Authorized bool

	Conn   *websocket.Conn
	Remote net.Addr

	CreatedAt time.Time
	UpdatedAt time.Time

	TTL       time.Duration // 当前 TTL（随授权态切换）
	ExpireAt  time.Time     // 到期时间（过期由 sweeper 清理）
	Heartbeat time.Time     // 最近心跳时间

	token      string
	out        *Outbox
	limiter    *rate.Limiter
	writerDone chan struct{}
}

func (c *WsConn) ID() string { return c.SnowID }

// Deliver 实现 Subscriber；只入队，不做网络 IO
func (c *WsConn) Deliver(msg chatmodel.Message) bool {
	return c.out.Push(Encode(EventMessageDelivered, "", msg))
}

// Send 入队一帧已编码数据
func (c *WsConn) Send(frame []byte) bool { return c.out.Push(frame) }

// Reply 回一个事件帧
func (c *WsConn) Reply(typ, id string, data any) bool {
	return c.out.Push(Encode(typ, id, data))
}

func (c *WsConn) Token() string { return c.token }

func (c *WsConn) SetToken(token string) { c.token = token }

// Allow 入站限流
func (c *WsConn) Allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

func (c *WsConn) Outbox() *Outbox { return c.out }

func (c *WsConn) kick(reason string) {
	evictionsTotal.WithLabelValues(reason).Inc()
	c.out.Close()
}

type ConnManager struct {
	mu     sync.RWMutex
	bySnow map[string]*WsConn            // 主索引：snowID -> wsConn
	byUser map[string]map[string]*WsConn // 辅助索引：userID -> (snowID -> wsConn)

	conf     ManagerConf
	stopOnce sync.Once
	stopCh   chan struct{}
	gwId     string // 节点ID
}

// ===== 构造/关闭 =====

func NewConnManager(conf ManagerConf, gwId string) *ConnManager {
	conf.norm()
	m := &ConnManager{
		bySnow: make(map[string]*WsConn),
		byUser: make(map[string]map[string]*WsConn),
		conf:   conf,
		gwId:   gwId,
		stopCh: make(chan struct{}),
	}
	safe.SafeGo("conn-sweeper", m.sweeper)
	return m
}

func (m *ConnManager) GwId() string {
	return m.gwId
}

func (m *ConnManager) Conf() ManagerConf { return m.conf }

// Close 停止清理并踢掉所有连接；写协程负责发 Close 帧
func (m *ConnManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.bySnow {
		x.kick("shutdown")
	}
	m.bySnow = map[string]*WsConn{}
	m.byUser = map[string]map[string]*WsConn{}
	connectionsGauge.Reset()
}

// ===== 未授权 → 授权 =====

func (m *ConnManager) newWsConn(snowID string, conn *websocket.Conn, now time.Time) *WsConn {
	c := &WsConn{
		SnowID:     snowID,
		Conn:       conn,
		CreatedAt:  now,
		UpdatedAt:  now,
		Heartbeat:  now,
		TTL:        m.conf.UnauthTTL,
		ExpireAt:   now.Add(m.conf.UnauthTTL),
		out:        NewOutbox(m.conf.OutboxSize, m.conf.Overflow),
		writerDone: make(chan struct{}),
	}
	if ra := conn.RemoteAddr(); ra != nil {
		c.Remote = ra
	}
	if m.conf.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(m.conf.RateLimit), m.conf.RateBurst)
	}
	return c
}

// AddUnauth : 新连接（未授权）登记；仅有 snowID
func (m *ConnManager) AddUnauth(snowID string, conn *websocket.Conn) (*WsConn, error) {
	if snowID == "" || conn == nil {
		return nil, ErrEmptyConnParam
	}
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.bySnow[snowID]; exists {
		return nil, ErrConnExists
	}
	w := m.newWsConn(snowID, conn, now)
	m.bySnow[snowID] = w
	connectionsGauge.WithLabelValues("unauth").Inc()
	return w, nil
}

func (m *ConnManager) Get(snowID string) (*WsConn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.bySnow[snowID]
	return w, ok
}

// BindUser : 将 snowID 绑定到 user；切到 AuthTTL，并执行“最大连接数/挤下线”策略
func (m *ConnManager) BindUser(snowID, user string) error {
	if snowID == "" || user == "" {
		return ErrEmptyConnParam
	}
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.bySnow[snowID]
	if !ok {
		return ErrConnNotFound
	}
	if w.Authorized && w.UserId == user {
		m.touchLocked(w, now)
		return nil
	}

	if m.conf.MaxPerUser > 0 {
		if err := m.ensureRoomForUserLocked(user); err != nil {
			return err
		}
	}

	// 如果已绑定其他用户，从旧 user 索引移除
	if w.Authorized {
		m.dropFromUserLocked(w)
	} else {
		connectionsGauge.WithLabelValues("unauth").Dec()
	}

	if m.byUser[user] == nil {
		m.byUser[user] = make(map[string]*WsConn)
	}
	m.byUser[user][w.SnowID] = w
	connectionsGauge.WithLabelValues("auth").Inc()

	w.UserId = user
	w.Authorized = true
	w.TTL = m.conf.AuthTTL
	m.touchLocked(w, now)
	return nil
}

// UnbindUser : 登出，退回未授权态，连接保留
func (m *ConnManager) UnbindUser(snowID string) {
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.bySnow[snowID]
	if !ok || !w.Authorized {
		return
	}
	m.dropFromUserLocked(w)
	connectionsGauge.WithLabelValues("unauth").Inc()
	w.UserId = ""
	w.Authorized = false
	w.token = ""
	w.TTL = m.conf.UnauthTTL
	m.touchLocked(w, now)
}

// Heartbeat : 刷新某条连接的心跳与到期时间（未授权/已授权都可调）
func (m *ConnManager) Heartbeat(snowID string) error {
	if snowID == "" {
		return ErrEmptyConnParam
	}
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.bySnow[snowID]
	if !ok {
		return ErrConnNotFound
	}
	m.touchLocked(w, now)
	return nil
}

func (m *ConnManager) touchLocked(w *WsConn, now time.Time) {
	w.Heartbeat = now
	w.ExpireAt = now.Add(w.TTL)
	w.UpdatedAt = now
}

// AttachPongHandler : 绑定 gorilla/websocket 的 PongHandler，自动心跳续期并推后读超时
func (m *ConnManager) AttachPongHandler(conn *websocket.Conn, snowID string, pongWait time.Duration) {
	if conn == nil || snowID == "" {
		return
	}
	conn.SetPongHandler(func(string) error {
		_ = m.Heartbeat(snowID) // 连接可能刚好被清理
		if pongWait > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		}
		return nil
	})
}

// RemoveBySnow : 移除并关闭出站队列；返回被移除的连接
func (m *ConnManager) RemoveBySnow(snowID string) *WsConn {
	if snowID == "" {
		return nil
	}
	m.mu.Lock()
	w, ok := m.bySnow[snowID]
	if ok {
		delete(m.bySnow, snowID)
		if w.Authorized {
			m.dropFromUserLocked(w)
		} else {
			connectionsGauge.WithLabelValues("unauth").Dec()
		}
	}
	m.mu.Unlock()

	if ok {
		w.out.Close()
	}
	return w
}

func (m *ConnManager) dropFromUserLocked(w *WsConn) {
	if mm := m.byUser[w.UserId]; mm != nil {
		if _, ok := mm[w.SnowID]; ok {
			delete(mm, w.SnowID)
			connectionsGauge.WithLabelValues("auth").Dec()
		}
		if len(mm) == 0 {
			delete(m.byUser, w.UserId)
		}
	}
}

// KickAllUnauth : 踢出所有“未授权”连接
func (m *ConnManager) KickAllUnauth() int {
	n := 0
	m.mu.Lock()
	defer m.mu.Unlock()

	for sid, w := range m.bySnow {
		if !w.Authorized {
			delete(m.bySnow, sid)
			connectionsGauge.WithLabelValues("unauth").Dec()
			w.kick("unauth")
			n++
		}
	}
	return n
}

// BroadcastUser : 向某用户所有连接入队，返回成功入队的连接数
func (m *ConnManager) BroadcastUser(user string, frame []byte) int {
	m.mu.RLock()
	targets := make([]*WsConn, 0, len(m.byUser[user]))
	for _, w := range m.byUser[user] {
		targets = append(targets, w)
	}
	m.mu.RUnlock()

	n := 0
	for _, w := range targets {
		if w.Send(frame) {
			n++
		}
	}
	return n
}

// UserConnCount : 用户当前已授权连接数
func (m *ConnManager) UserConnCount(user string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[user])
}

// Count : 总连接数与已授权连接数
func (m *ConnManager) Count() (total, authed int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mm := range m.byUser {
		authed += len(mm)
	}
	return len(m.bySnow), authed
}

// ===== 清理协程 =====

func (m *ConnManager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			if n := m.sweepOnce(m.conf.Clock()); n > 0 {
				logger.Info("[ConnManager] swept expired connections", zap.Int("count", n), zap.String("gw", m.gwId))
			}
		}
	}
}

func (m *ConnManager) sweepOnce(now time.Time) int {
	var expired []*WsConn

	m.mu.Lock()
	for sid, w := range m.bySnow {
		if !now.After(w.ExpireAt) {
			continue
		}
		// 收集后统一关闭，避免持锁期间做 IO
		expired = append(expired, w)
		delete(m.bySnow, sid)
		if w.Authorized {
			m.dropFromUserLocked(w)
		} else {
			connectionsGauge.WithLabelValues("unauth").Dec()
		}
	}
	m.mu.Unlock()

	for _, w := range expired {
		w.kick("expired")
	}
	return len(expired)
}

// ===== 最大连接数/挤下线 =====

// 需要在持锁状态下调用（*_Locked）
func (m *ConnManager) ensureRoomForUserLocked(user string) error {
	mm := m.byUser[user]
	if len(mm) < m.conf.MaxPerUser {
		return nil
	}
	if !m.conf.EvictOldest {
		return ErrTooManyConns
	}

	// 选择最老的一条淘汰（CreatedAt 更早）
	var oldest *WsConn
	for _, w := range mm {
		if oldest == nil || w.CreatedAt.Before(oldest.CreatedAt) {
			oldest = w
		}
	}
	if oldest != nil {
		delete(m.bySnow, oldest.SnowID)
		m.dropFromUserLocked(oldest)
		oldest.kick("evicted")
		logger.Info("[ConnManager] evict oldest connection", zap.String("user", user), zap.String("snowID", oldest.SnowID))
	}
	return nil
}
