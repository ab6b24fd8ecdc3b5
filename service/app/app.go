package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"FriendChat/data/database"
	"FriendChat/data/database/badgerstore"
	"FriendChat/data/database/memstore"
	"FriendChat/data/database/mgostore"
	"FriendChat/data/database/pgstore"
	"FriendChat/global/config"
	"FriendChat/logger"
	"FriendChat/middleware"
	"FriendChat/module/chat/channel"
	"FriendChat/module/chat/friend"
	"FriendChat/module/session"
	userservice "FriendChat/module/user/service"
	"FriendChat/service/chat"
	"FriendChat/service/chat/handlers"
	"FriendChat/service/kafka"
	"FriendChat/service/nacos"
	"FriendChat/service/natsx"
	storeredis "FriendChat/service/storage/redis"
	"FriendChat/tools/ids"
	"FriendChat/tools/security"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const HealthService = "friendchat.Gateway"

// App 进程装配：存储、会话、网关、HTTP/gRPC、跨节点转发、事件流、服务注册
type App struct {
	cfg *config.AppConfig

	store    database.Store
	rdb      *goredis.Client
	chat     *chat.Server
	engine   *gin.Engine
	httpSrv  *http.Server
	grpcSrv  *grpc.Server
	health   *health.Server
	natsCli  *natsx.NatsxClient
	relay    *natsx.Relay
	sink     *kafka.Sink
	nacosReg *nacos.Registry
	nacosSrc *nacos.ConfigSource
}

// New 按配置装配全部组件；失败时已打开的资源会被关闭
func New(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	ids.SetNodeID(ids.NodeIDFromName(cfg.NodeID))
	a := &App{cfg: cfg}
	if err := a.build(ctx); err != nil {
		a.closeResources(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) (err error) {
	cfg := a.cfg

	if a.store, err = OpenStore(ctx, cfg.Store); err != nil {
		return err
	}
	var registry session.Registry
	registry, err = a.openSessionRegistry(ctx)
	if err != nil {
		return err
	}

	users := userservice.NewService(a.store, userservice.WithBcryptCost(cfg.Session.BcryptCost))
	sessions := session.NewStore(users, registry, security.Options{
		Secret: []byte(cfg.Session.Secret),
		Alg:    cfg.Session.Alg,
		TTL:    cfg.Session.TTL,
	})
	channels := channel.NewRegistry(a.store, channel.WithHistoryLimits(cfg.History.DefaultLimit, cfg.History.MaxLimit))

	var overflow chat.OverflowPolicy
	overflow, err = chat.ParseOverflowPolicy(cfg.Gateway.Overflow)
	if err != nil {
		return err
	}
	connMgr := chat.NewConnManager(chat.ManagerConf{
		UnauthTTL:   cfg.Gateway.UnauthTTL,
		AuthTTL:     cfg.Gateway.AuthTTL,
		SweepEvery:  cfg.Gateway.SweepEvery,
		MaxPerUser:  cfg.Gateway.MaxPerUser,
		EvictOldest: cfg.Gateway.EvictOldest,
		OutboxSize:  cfg.Gateway.OutboxSize,
		Overflow:    overflow,
		RateLimit:   cfg.Gateway.RateLimit,
		RateBurst:   cfg.Gateway.RateBurst,
	}, cfg.NodeID)
	a.chat = chat.NewServer(chat.ServerConf{
		NodeID:         cfg.NodeID,
		WriteWait:      cfg.Gateway.WriteWait,
		PingInterval:   cfg.Gateway.PingInterval,
		FirstPingDelay: cfg.Gateway.FirstPingDelay,
		PongWait:       cfg.Gateway.PongWait,
		MaxFrameBytes:  cfg.Gateway.MaxFrameBytes,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, connMgr, chat.Deps{
		Sessions: sessions,
		Users:    users,
		Friends:  friend.NewService(a.store, users),
		Channels: channels,
	})
	handlers.RegisterAll(a.chat)

	if cfg.NATS.Enabled {
		if a.natsCli, err = natsx.NewNatsxClient(cfg.NATS.Client); err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		if a.relay, err = natsx.NewRelay(a.natsCli, cfg.NodeID, a.chat.Broadcaster(), cfg.NATS.Relay); err != nil {
			return err
		}
		channels.OnAppend(a.relay.OnAppend)
	}
	if cfg.Kafka.Enabled {
		if a.sink, err = kafka.NewSink(cfg.Kafka); err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		channels.OnAppend(a.sink.OnAppend)
	}
	if cfg.Nacos.Enabled && cfg.Nacos.Register {
		naming, nerr := nacos.NewNamingClient(cfg.Nacos)
		if nerr != nil {
			return fmt.Errorf("nacos naming: %w", nerr)
		}
		a.nacosReg = nacos.NewRegistry(naming, cfg.Nacos.ServiceName, cfg.Nacos.IP, portOf(cfg.HTTP.Addr), cfg.Nacos.Group)
		_ = a.nacosReg.SetMeta("node", cfg.NodeID)
		_ = a.nacosReg.SetMeta("protocol", "ws")
	}

	a.engine = NewEngine(a.chat, cfg.HTTP)
	a.httpSrv = &http.Server{Addr: cfg.HTTP.Addr, Handler: a.engine, ReadHeaderTimeout: 10 * time.Second}
	if cfg.GRPC.Enabled {
		a.grpcSrv = grpc.NewServer()
		a.health = health.NewServer()
		healthpb.RegisterHealthServer(a.grpcSrv, a.health)
	}
	return nil
}

// NewEngine gin 引擎：恢复、访问日志、来源与请求体限制，再挂业务路由
func NewEngine(s *chat.Server, hc config.HTTPConf) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.AccessLog())
	r.Use(middleware.Standard(hc.AllowedOrigins, hc.MaxBodyBytes).Use())
	s.RegisterRoutes(r)
	return r
}

func (a *App) Engine() *gin.Engine       { return a.engine }
func (a *App) Chat() *chat.Server        { return a.chat }
func (a *App) Config() *config.AppConfig { return a.cfg }

// Run 阻塞直到 ctx 结束或任一服务出错，然后优雅退出
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.relay != nil {
		if err := a.relay.Start(gctx); err != nil {
			return fmt.Errorf("nats relay: %w", err)
		}
	}

	g.Go(func() error {
		logger.Info("[HTTP] listening", zap.String("addr", a.cfg.HTTP.Addr))
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	if a.grpcSrv != nil {
		lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		a.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		a.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
		g.Go(func() error {
			logger.Info("[gRPC] listening", zap.String("addr", a.cfg.GRPC.Addr))
			if err := a.grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc: %w", err)
			}
			return nil
		})
	}

	if a.nacosReg != nil {
		if err := a.nacosReg.Register(); err != nil {
			logger.Warn("nacos register failed", zap.Error(err))
		}
	}
	if a.cfg.Nacos.Enabled && a.cfg.Nacos.DataID != "" {
		a.watchRemote()
	}

	g.Go(func() error {
		<-gctx.Done()
		a.shutdown()
		return nil
	})
	return g.Wait()
}

func (a *App) shutdown() {
	logger.Info("shutting down", zap.String("node", a.cfg.NodeID))
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownWait)
	defer cancel()

	if a.nacosSrc != nil {
		_ = a.nacosSrc.Stop()
	}
	if a.nacosReg != nil {
		if err := a.nacosReg.Deregister(); err != nil {
			logger.Warn("nacos deregister failed", zap.Error(err))
		}
	}
	if a.health != nil {
		a.health.Shutdown()
	}
	if err := a.httpSrv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if a.grpcSrv != nil {
		a.grpcSrv.GracefulStop()
	}
	a.closeResources(ctx)
}

// closeResources 先停网关（断开连接），再停转发与事件流，最后关存储
func (a *App) closeResources(ctx context.Context) {
	if a.chat != nil {
		a.chat.Shutdown()
	}
	if a.natsCli != nil {
		if err := a.natsCli.Close(); err != nil {
			logger.Warn("nats close", zap.Error(err))
		}
	}
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			logger.Warn("kafka sink close", zap.Error(err))
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.store != nil {
		if err := a.store.Close(ctx); err != nil {
			logger.Warn("store close", zap.Error(err))
		}
	}
	logger.Sync()
}

// OpenStore 按驱动名打开存储
func OpenStore(ctx context.Context, sc config.StoreConf) (database.Store, error) {
	switch sc.Driver {
	case config.StoreMemory, "":
		return memstore.New(), nil
	case config.StoreMongo:
		mc := sc.Mongo
		st, err := mgostore.Open(ctx, &mc)
		if err != nil {
			return nil, fmt.Errorf("mongo: %w", err)
		}
		return st, nil
	case config.StorePostgres:
		st, err := pgstore.Open(ctx, sc.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return st, nil
	case config.StoreBadger:
		st, err := badgerstore.Open(badgerstore.Config{
			Path:       sc.Badger.Path,
			InMemory:   sc.Badger.InMemory,
			SyncWrites: sc.Badger.SyncWrites,
			GCInterval: sc.Badger.GCInterval,
			GCRatio:    sc.Badger.GCRatio,
			Logger:     logger.Named("badger"),
		})
		if err != nil {
			return nil, fmt.Errorf("badger: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}

func (a *App) openSessionRegistry(ctx context.Context) (session.Registry, error) {
	if a.cfg.Session.Driver != config.SessionRedis {
		return session.NewMemRegistry(), nil
	}
	rdb, err := storeredis.NewClient(ctx, a.cfg.Session.Redis)
	if err != nil {
		return nil, err
	}
	a.rdb = rdb
	return session.NewRedisRegistry(rdb), nil
}

// RemoteConfig 从 Nacos 拉取 YAML，作为 config.Loader 的远端层
func RemoteConfig(cfg *config.AppConfig) (string, error) {
	cli, err := nacos.NewConfigClient(cfg.Nacos)
	if err != nil {
		return "", err
	}
	return nacos.NewConfigSource(cli, cfg.Nacos.DataID, cfg.Nacos.Group).Fetch()
}

// watchRemote 远端配置变更时只热更新日志级别，其余项需重启生效
func (a *App) watchRemote() {
	cli, err := nacos.NewConfigClient(a.cfg.Nacos)
	if err != nil {
		logger.Warn("nacos config client", zap.Error(err))
		return
	}
	a.nacosSrc = nacos.NewConfigSource(cli, a.cfg.Nacos.DataID, a.cfg.Nacos.Group)
	err = a.nacosSrc.Watch(func(content string) {
		if lv, ok := LogLevelChange(a.cfg.Log, content); ok {
			if err := logger.Init(lv, a.cfg.Log.Format); err != nil {
				logger.Warn("apply remote log level", zap.Error(err))
				return
			}
			a.cfg.Log.Level = lv
			logger.Info("log level changed", zap.String("level", lv))
		}
	})
	if err != nil {
		logger.Warn("nacos watch failed", zap.Error(err))
	}
}

// LogLevelChange 解析远端 YAML，返回与当前不同的日志级别
func LogLevelChange(cur config.LogConf, content string) (string, bool) {
	next := config.AppConfig{Log: cur}
	if err := config.MergeYAML(&next, []byte(content)); err != nil {
		logger.Warn("bad remote config", zap.Error(err))
		return "", false
	}
	if next.Log.Level == "" || next.Log.Level == cur.Level {
		return "", false
	}
	return next.Log.Level, true
}

func portOf(addr string) uint64 {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseUint(p, 10, 64)
	return n
}
