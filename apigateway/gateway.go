/*
Package apigateway - API 网关

负责对外暴露 Agent Gateway：
- HTTP/JSON REST API (创建、列出 Agent，发送 Prompt)
- WebSocket 连接
- gRPC 健康检查服务
- Prometheus metrics
*/
package apigateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/agentflow/foundry-gateway/agentgateway"
	"github.com/agentflow/foundry-gateway/config"
)

// Gateway API 网关
type Gateway struct {
	cfg    *config.Config
	agents *agentgateway.Gateway

	router  *gin.Engine
	limiter Limiter
	redis   *redis.Client

	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
}

// New 创建 API 网关
func New(cfg *config.Config, agents *agentgateway.Gateway) *Gateway {
	g := &Gateway{
		cfg:    cfg,
		agents: agents,
		health: health.NewServer(),
	}
	// 启动完成前不对外宣告 SERVING
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.RedisAddr != "" {
			g.redis = redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
			g.limiter = NewRedisLimiter(g.redis, cfg.RateLimit.RPS, time.Second)
		} else {
			g.limiter = NewMemoryLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		}
	}

	g.router = g.newRouter()
	return g
}

// Handler 返回 HTTP 路由
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Start 监听配置地址并启动服务，ctx 结束后优雅关闭
func (g *Gateway) Start(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", g.cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("HTTP 监听失败: %w", err)
	}

	var grpcLis net.Listener
	if g.cfg.Server.GRPCAddr != "" {
		grpcLis, err = net.Listen("tcp", g.cfg.Server.GRPCAddr)
		if err != nil {
			httpLis.Close()
			return fmt.Errorf("gRPC 监听失败: %w", err)
		}
	}

	return g.Serve(ctx, httpLis, grpcLis)
}

// Serve 在给定 listener 上提供服务，grpcLis 为 nil 时不启动 gRPC
func (g *Gateway) Serve(ctx context.Context, httpLis, grpcLis net.Listener) error {
	errCh := make(chan error, 2)

	g.httpServer = &http.Server{
		Handler:           g.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := g.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP 服务错误: %w", err)
		}
	}()

	if grpcLis != nil {
		g.grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(g.grpcServer, g.health)
		go func() {
			if err := g.grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("gRPC 服务错误: %w", err)
			}
		}()
	}

	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	logEvent := log.Info().Str("http", httpLis.Addr().String())
	if grpcLis != nil {
		logEvent = logEvent.Str("grpc", grpcLis.Addr().String())
	}
	logEvent.Msg("API Gateway 已启动")

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Msg("服务异常退出")
	}

	if err := g.shutdown(); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// shutdown 关闭服务
func (g *Gateway) shutdown() error {
	timeout := g.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	g.health.Shutdown()

	var err error
	if g.httpServer != nil {
		if e := g.httpServer.Shutdown(ctx); e != nil {
			err = fmt.Errorf("HTTP 关闭失败: %w", e)
		}
	}
	if g.grpcServer != nil {
		g.grpcServer.GracefulStop()
	}
	if g.redis != nil {
		g.redis.Close()
	}

	log.Info().Msg("API Gateway 已关闭")
	return err
}

// ============================================================================
// 路由
// ============================================================================

func (g *Gateway) newRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.Use(g.loggerMiddleware())
	r.Use(g.corsMiddleware())

	// 探活与监控不经过限流和认证
	r.GET("/health", g.handleHealth)
	if g.cfg.Metrics.Enabled {
		path := g.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(g.agents.Monitor().Handler()))
	}

	api := r.Group("/")
	if g.limiter != nil {
		api.Use(g.rateLimitMiddleware())
	}
	if g.cfg.Auth.Enabled {
		api.Use(g.authMiddleware())
	}
	{
		api.POST("/agents", g.handleCreateAgent)
		api.GET("/agents", g.handleListAgents)
		api.GET("/list-agents", g.handleListAgents)
		api.POST("/agents/:agent_id/prompt", g.handleSendPrompt)

		api.GET("/ws", g.handleWebSocket)
	}

	return r
}
