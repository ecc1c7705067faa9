package global

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"PPChat/config"
	"PPChat/logger"
	"PPChat/middleware"
	"PPChat/module/message"
	"PPChat/service/chat"
	"PPChat/service/chat/handlers"
	"PPChat/service/natsx"
	"PPChat/service/storage"
	"PPChat/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const healthService = "ppchat.Gateway"

// Gateway 网关节点：websocket 接入、限流、加密落库、跨节点扇出
type Gateway struct {
	cfg    *config.AppConfig
	hub    *chat.Hub
	engine *gin.Engine
	health *health.Server
	c      closer
}

func NewGateway(ctx context.Context, cfg *config.AppConfig) (g *Gateway, err error) {
	g = &Gateway{cfg: cfg, health: health.NewServer()}
	defer func() {
		if err != nil {
			g.c.Close()
		}
	}()
	ConfigIds(cfg)

	var rdb *redis.Client
	if needRedis(cfg) {
		if rdb, err = ConfigRedis(cfg, &g.c); err != nil {
			return nil, err
		}
	}

	verifier, err := security.NewVerifier(JWTOptions(cfg))
	if err != nil {
		return nil, err
	}
	cipher, err := ConfigCipher(cfg)
	if err != nil {
		return nil, err
	}
	store, err := ConfigStore(ctx, cfg, &g.c)
	if err != nil {
		return nil, err
	}
	sink, err := ConfigSink(cfg, store, &g.c)
	if err != nil {
		return nil, err
	}
	idem := ConfigIdem(cfg, rdb)

	h := cfg.Hub
	rooms := chat.Rooms{ThreadPrefix: h.ThreadPrefix, UserPrefix: h.UserPrefix}
	var opts []chat.Option
	if rdb != nil {
		opts = append(opts, chat.WithPresence(storage.NewPresence(rdb, cfg.Redis.KeyPrefix, cfg.Node.ID, h.PresenceTTL)))
	}
	g.hub = chat.NewHub(chat.HubConf{
		NodeID:      cfg.Node.ID,
		UnauthTTL:   h.UnauthTTL,
		SweepEvery:  h.SweepEvery,
		SendQueue:   h.SendQueue,
		FrameRate:   h.FrameRate,
		FrameBurst:  h.FrameBurst,
		MaxPerUser:  h.MaxPerUser,
		EvictOldest: h.EvictOldest,
		Rooms:       rooms,
	}, chat.NewRegistry(h.Shards), verifier, opts...)

	handlers.Register(g.hub, handlers.Deps{
		Limiter:  ConfigLimiter(cfg, ConfigLimiterStore(cfg, rdb, &g.c)),
		Messages: message.NewService(cipher, ConfigKeyRing(cfg, rdb), sink, store),
		Idem:     idem,
		IdemTTL:  h.IdemTTL,
	})

	if cfg.NATS.Enabled {
		nc, err := natsx.NewNatsxClient(natsx.NatsxConfig{
			Servers: cfg.NATS.Servers,
			Name:    cfg.NATS.Name + "-" + cfg.Node.ID,
			User:    cfg.NATS.User,
			Pass:    cfg.NATS.Pass,
		})
		if err != nil {
			return nil, err
		}
		g.c.add(func() { _ = nc.Close() })
		if err := chat.NewBridge(g.hub, nc, cfg.NATS.Subject, idem, 0).Start(); err != nil {
			return nil, err
		}
	}

	g.engine = g.routes()
	return g, nil
}

func (g *Gateway) Hub() *chat.Hub { return g.hub }

// Handler 测试里直接挂到 httptest
func (g *Gateway) Handler() http.Handler { return g.engine }

func (g *Gateway) routes() *gin.Engine {
	r := gin.New()
	mids := middleware.NewManager(middleware.AccessLog())
	if len(g.cfg.HTTP.AllowedOrigins) > 0 {
		mids.Add(middleware.Origin(g.cfg.HTTP.WSPath, g.cfg.HTTP.AllowedOrigins))
	}
	r.Use(gin.Recovery(), mids.Use())

	h := g.cfg.Hub
	chat.NewServer(g.hub, chat.ServerConf{
		WSPath:       g.cfg.HTTP.WSPath,
		PingInterval: h.PingInterval,
		PongWait:     h.PongWait,
		WriteWait:    h.WriteWait,
		MaxFrame:     h.MaxFrame,
		CheckOrigin:  middleware.OriginChecker(g.cfg.HTTP.AllowedOrigins),
	}).Register(r)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, Success(map[string]any{
			"node":  g.cfg.Node.ID,
			"conns": g.hub.Registry().Len(),
		}))
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// Run 阻塞直到 ctx 结束或任一监听失败，然后优雅退出
func (g *Gateway) Run(ctx context.Context) error {
	defer g.c.Close()
	var lis net.Listener
	if addr := g.cfg.GRPC.Addr; addr != "" {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		lis = l
	}
	g.hub.Start()

	errCh := make(chan error, 2)
	srv := &http.Server{Addr: g.cfg.HTTP.Addr, Handler: g.engine, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("[HTTP] listening", zap.String("addr", srv.Addr), zap.String("ws", g.cfg.HTTP.WSPath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var gs *grpc.Server
	if lis != nil {
		addr := lis.Addr().String()
		gs = grpc.NewServer()
		healthpb.RegisterHealthServer(gs, g.health)
		g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		g.health.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
		go func() {
			logger.Info("[gRPC] health listening", zap.String("addr", addr))
			if err := gs.Serve(lis); err != nil {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		logger.Error("gateway listener failed", zap.Error(runErr))
	}

	g.health.Shutdown()
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// 先断开 websocket，再关 HTTP；被劫持的连接不受 Shutdown 管理
	g.hub.Stop()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if gs != nil {
		gs.GracefulStop()
	}
	logger.Info("gateway stopped", zap.String("node", g.cfg.Node.ID))
	return runErr
}
