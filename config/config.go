package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultModelDeployment 未配置 MODEL_DEPLOYMENT_NAME 时使用的模型部署
const DefaultModelDeployment = "gpt-4o"

// Config 网关总配置
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Platform  PlatformConfig  `yaml:"platform"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
	Auth      AuthConfig      `yaml:"auth"`
	Upload    UploadConfig    `yaml:"upload"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig 服务地址配置
type ServerConfig struct {
	// HTTP 服务
	HTTPAddr string `yaml:"http_addr"`

	// gRPC 健康检查服务，为空则不启动
	GRPCAddr string `yaml:"grpc_addr"`

	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PlatformConfig Azure AI Foundry 项目配置
type PlatformConfig struct {
	// 项目 endpoint，例如 https://<resource>.services.ai.azure.com/api/projects/<project>
	Endpoint string `yaml:"endpoint"`

	// 模型部署名称
	ModelDeployment string `yaml:"model_deployment"`

	APIVersion string `yaml:"api_version"`

	// 可选，设置后不再使用 DefaultAzureCredential
	APIKey string `yaml:"api_key"`

	// Run 轮询间隔
	PollInterval time.Duration `yaml:"poll_interval"`

	MaxRetries int `yaml:"max_retries"`
}

// TelemetryConfig 追踪导出配置
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`

	// Langfuse 兼容后端，形如 https://cloud.langfuse.com
	BaseURL   string `yaml:"base_url"`
	PublicKey string `yaml:"public_key"`
	SecretKey string `yaml:"secret_key"`

	// 通用 OTLP 导出，BaseURL 为空时生效
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPProtocol string `yaml:"otlp_protocol"` // grpc, http
	Insecure     bool   `yaml:"insecure"`

	// Application Insights 连接串
	AppInsightsConnectionString string `yaml:"appinsights_connection_string"`
}

// Enabled 是否配置了任一导出后端
func (c TelemetryConfig) Enabled() bool {
	return c.BaseURL != "" || c.OTLPEndpoint != ""
}

// MetricsConfig Prometheus metrics 配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`

	// 每秒请求数
	RPS int `yaml:"rps"`

	// 突发请求数
	Burst int `yaml:"burst"`

	// 设置后使用 Redis 做跨实例限流
	RedisAddr string `yaml:"redis_addr"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	AllowOrigins []string `yaml:"allow_origins"`
	AllowMethods []string `yaml:"allow_methods"`
	AllowHeaders []string `yaml:"allow_headers"`
}

// AuthConfig 认证配置
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`

	// API Key 认证
	APIKeys []string `yaml:"api_keys"`
}

// UploadConfig 上传文件暂存配置
type UploadConfig struct {
	// 暂存目录，为空时使用系统临时目录
	ScratchDir string `yaml:"scratch_dir"`

	// 单个文件上限 (字节)
	MaxBytes int64 `yaml:"max_bytes"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console, json
}

// Load 加载配置文件
//
// 文件不存在时返回默认配置；文件中的 ${VAR} 会被替换为环境变量。
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv 加载 .env 文件，文件不存在不算错误
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// ApplyEnv 用环境变量覆盖配置
func (c *Config) ApplyEnv() {
	setString(&c.Platform.Endpoint, "AZURE_AI_FOUNDRY_ENDPOINT")
	setString(&c.Platform.ModelDeployment, "MODEL_DEPLOYMENT_NAME")
	setString(&c.Platform.APIKey, "AZURE_AI_FOUNDRY_API_KEY")
	setString(&c.Platform.APIVersion, "AZURE_AI_FOUNDRY_API_VERSION")

	setString(&c.Telemetry.BaseURL, "LANGFUSE_HOST")
	setString(&c.Telemetry.PublicKey, "LANGFUSE_PUBLIC_KEY")
	setString(&c.Telemetry.SecretKey, "LANGFUSE_SECRET_KEY")
	setString(&c.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&c.Telemetry.AppInsightsConnectionString, "APPLICATIONINSIGHTS_CONNECTION_STRING")

	setString(&c.Server.HTTPAddr, "GATEWAY_HTTP_ADDR")
	setString(&c.Server.GRPCAddr, "GATEWAY_GRPC_ADDR")
	setString(&c.RateLimit.RedisAddr, "GATEWAY_REDIS_ADDR")
	setString(&c.Upload.ScratchDir, "GATEWAY_SCRATCH_DIR")
	setString(&c.Logging.Level, "LOG_LEVEL")

	if v, ok := os.LookupEnv("OTEL_EXPORTER_OTLP_INSECURE"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Telemetry.Insecure = b
		}
	}

	if c.Platform.ModelDeployment == "" {
		c.Platform.ModelDeployment = DefaultModelDeployment
	}
}

// Validate 校验必填项
func (c *Config) Validate() error {
	if c.Platform.Endpoint == "" {
		return errors.New("platform.endpoint 未配置 (AZURE_AI_FOUNDRY_ENDPOINT)")
	}
	if c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr 未配置")
	}
	if c.Telemetry.BaseURL != "" && (c.Telemetry.PublicKey == "" || c.Telemetry.SecretKey == "") {
		return errors.New("telemetry.base_url 已配置但缺少 public_key/secret_key")
	}
	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		return fmt.Errorf("rate_limit.rps 必须大于 0, 当前 %d", c.RateLimit.RPS)
	}
	return nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8000",
			ShutdownTimeout: 5 * time.Second,
		},
		Platform: PlatformConfig{
			ModelDeployment: DefaultModelDeployment,
			APIVersion:      "2025-05-01",
			PollInterval:    time.Second,
			MaxRetries:      2,
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "foundry-agent-gateway",
			OTLPProtocol: "http",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			RPS:     100,
			Burst:   200,
		},
		Upload: UploadConfig{
			MaxBytes: 32 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars 将 ${VAR_NAME} 替换为环境变量，未设置时替换为空串
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}
