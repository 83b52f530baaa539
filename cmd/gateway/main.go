package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agentflow/foundry-gateway/agentgateway"
	"github.com/agentflow/foundry-gateway/apigateway"
	"github.com/agentflow/foundry-gateway/config"
	"github.com/agentflow/foundry-gateway/platform"
	"github.com/agentflow/foundry-gateway/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// 命令行参数
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	envPath := flag.String("env", ".env", ".env 文件路径")
	flag.Parse()

	if err := config.LoadDotEnv(*envPath); err != nil {
		log.Fatal().Err(err).Msg("加载 .env 失败")
	}

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("加载配置失败")
	}
	cfg.ApplyEnv()

	setupLogger(cfg.Logging)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("配置无效")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 平台客户端
	var cred azcore.TokenCredential
	if cfg.Platform.APIKey == "" {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			log.Fatal().Err(err).Msg("获取 Azure 凭据失败")
		}
	}
	foundry, err := platform.New(platform.Config{
		Endpoint:     cfg.Platform.Endpoint,
		APIVersion:   cfg.Platform.APIVersion,
		APIKey:       cfg.Platform.APIKey,
		PollInterval: cfg.Platform.PollInterval,
		MaxRetries:   cfg.Platform.MaxRetries,
	}, cred)
	if err != nil {
		log.Fatal().Err(err).Msg("创建平台客户端失败")
	}

	// 追踪，从这里开始不再使用 log.Fatal，退出前必须 Shutdown
	tel, err := telemetry.Start(ctx, cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化追踪失败")
	}

	agents := agentgateway.New(foundry, agentgateway.Options{
		Model:  cfg.Platform.ModelDeployment,
		Tracer: tel.Tracer(),
		Flush:  tel.Flush,
		Stager: &agentgateway.Stager{
			Dir:      cfg.Upload.ScratchDir,
			MaxBytes: cfg.Upload.MaxBytes,
		},
	})

	telemetry.EmitStartupSpan(ctx, tel,
		attribute.String("gen_ai.request.model", cfg.Platform.ModelDeployment),
		attribute.String("gateway.http_addr", cfg.Server.HTTPAddr),
	)

	log.Info().
		Str("endpoint", cfg.Platform.Endpoint).
		Str("model", cfg.Platform.ModelDeployment).
		Msg("Agent Gateway 已就绪")

	// 启动服务，收到信号后优雅关闭
	gw := apigateway.New(cfg, agents)
	if err := serve(ctx, gw, tel); err != nil {
		log.Error().Err(err).Msg("API Gateway 运行失败")
		stop()
		os.Exit(1)
	}
}

type starter interface {
	Start(ctx context.Context) error
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// serve 运行网关直到退出，无论结果如何都会关闭追踪
func serve(ctx context.Context, gw starter, tel shutdowner) error {
	err := gw.Start(ctx)

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := tel.Shutdown(sctx); serr != nil {
		log.Warn().Err(serr).Msg("关闭追踪失败")
	}
	return err
}

func setupLogger(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
