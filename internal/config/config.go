// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 供应商名称
const (
	VendorGoogle     = "google"
	VendorOpenRouter = "openrouter"
)

// MaxRateLimitBackoff 限流后等待时间的上限
const MaxRateLimitBackoff = 2 * time.Second

// Config 存储应用配置，由调用方显式传入各个构造函数
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Group     GroupConfig     `yaml:"group"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Port        string   `yaml:"port"`
	DebugMode   bool     `yaml:"debug_mode"`
	LogDir      string   `yaml:"log_dir"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// StorageConfig 持久化配置
// Driver 取值 file、sqlite、postgres
type StorageConfig struct {
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	DataDir string `yaml:"data_dir"`
}

// VendorConfig 单个供应商的调度策略
type VendorConfig struct {
	Models       []string `yaml:"models"`
	HistoryLimit int      `yaml:"history_limit"`
	Temperature  float64  `yaml:"temperature"`
	MaxTokens    int      `yaml:"max_tokens"`
	// ContinueOnError 为 true 时，非可重试错误也会切换到下一个模型
	ContinueOnError bool   `yaml:"continue_on_error"`
	BaseURL         string `yaml:"base_url,omitempty"`
}

// DispatchConfig 供应商调度配置
type DispatchConfig struct {
	AttemptTimeout   time.Duration `yaml:"attempt_timeout"`
	RateLimitBackoff time.Duration `yaml:"rate_limit_backoff"`
	Google           VendorConfig  `yaml:"google"`
	OpenRouter       VendorConfig  `yaml:"openrouter"`
	Referer          string        `yaml:"referer"`
	Title            string        `yaml:"title"`
}

// Vendor 按名称返回供应商配置
func (d DispatchConfig) Vendor(name string) (VendorConfig, bool) {
	switch name {
	case VendorGoogle:
		return d.Google, true
	case VendorOpenRouter:
		return d.OpenRouter, true
	}
	return VendorConfig{}, false
}

// RetrievalConfig 知识检索配置
type RetrievalConfig struct {
	ChunkSize     int           `yaml:"chunk_size"`
	ChunkStride   int           `yaml:"chunk_stride"`
	TopN          int           `yaml:"top_n"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	MaxFetchBytes int64         `yaml:"max_fetch_bytes"`
}

// GroupConfig 群聊编排配置
type GroupConfig struct {
	FallbackResponders int `yaml:"fallback_responders"`
	HistoryWindow      int `yaml:"history_window"`
}

// KnowledgeConfig 对话后知识提取
type KnowledgeConfig struct {
	ExtractionEnabled bool `yaml:"extraction_enabled"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8080",
			DebugMode:   false,
			LogDir:      "logs",
			CORSOrigins: []string{"http://localhost:5173"},
		},
		Storage: StorageConfig{
			Driver:  "file",
			DataDir: "data",
		},
		Dispatch: DispatchConfig{
			AttemptTimeout:   45 * time.Second,
			RateLimitBackoff: 2 * time.Second,
			Google: VendorConfig{
				Models:          []string{"gemini-2.0-flash-exp", "gemini-1.5-flash", "gemini-1.5-pro"},
				HistoryLimit:    10,
				Temperature:     0.85,
				MaxTokens:       1000,
				ContinueOnError: false,
			},
			OpenRouter: VendorConfig{
				Models:          []string{"openai/gpt-3.5-turbo", "google/gemma-7b-it:free", "anthropic/claude-3.5-sonnet"},
				HistoryLimit:    15,
				Temperature:     0.85,
				MaxTokens:       1000,
				ContinueOnError: true,
				BaseURL:         "https://openrouter.ai/api/v1",
			},
			Referer: "https://personarelay.app",
			Title:   "PersonaRelay",
		},
		Retrieval: RetrievalConfig{
			ChunkSize:     1000,
			ChunkStride:   800,
			TopN:          3,
			FetchTimeout:  20 * time.Second,
			MaxFetchBytes: 10 << 20,
		},
		Group: GroupConfig{
			FallbackResponders: 3,
			HistoryWindow:      15,
		},
	}
}

// Load 依次读取默认值、YAML 配置文件（可选）和环境变量
// path 为空时使用 CONFIG_FILE 环境变量
func Load(path string) (*Config, error) {
	// 尝试加载.env文件（可选）
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.DebugMode = getEnvBool("DEBUG_MODE", c.Server.DebugMode)
	c.Server.LogDir = getEnv("LOG_DIR", c.Server.LogDir)
	c.Server.CORSOrigins = getEnvList("CORS_ORIGINS", c.Server.CORSOrigins)

	c.Storage.Driver = getEnv("STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.DSN = getEnv("STORAGE_DSN", c.Storage.DSN)
	c.Storage.DataDir = getEnv("DATA_DIR", c.Storage.DataDir)

	d := &c.Dispatch
	d.AttemptTimeout = getEnvDuration("DISPATCH_ATTEMPT_TIMEOUT", d.AttemptTimeout)
	d.RateLimitBackoff = getEnvDuration("DISPATCH_RATE_LIMIT_BACKOFF", d.RateLimitBackoff)
	d.Google.Models = getEnvList("GEMINI_MODELS", d.Google.Models)
	d.Google.HistoryLimit = getEnvInt("GEMINI_HISTORY_LIMIT", d.Google.HistoryLimit)
	d.OpenRouter.Models = getEnvList("OPENROUTER_MODELS", d.OpenRouter.Models)
	d.OpenRouter.HistoryLimit = getEnvInt("OPENROUTER_HISTORY_LIMIT", d.OpenRouter.HistoryLimit)
	d.OpenRouter.BaseURL = getEnv("OPENROUTER_BASE_URL", d.OpenRouter.BaseURL)

	c.Retrieval.TopN = getEnvInt("RETRIEVAL_TOP_N", c.Retrieval.TopN)
	c.Retrieval.FetchTimeout = getEnvDuration("RETRIEVAL_FETCH_TIMEOUT", c.Retrieval.FetchTimeout)

	c.Group.FallbackResponders = getEnvInt("GROUP_FALLBACK_RESPONDERS", c.Group.FallbackResponders)
	c.Group.HistoryWindow = getEnvInt("GROUP_HISTORY_WINDOW", c.Group.HistoryWindow)

	c.Knowledge.ExtractionEnabled = getEnvBool("KNOWLEDGE_EXTRACTION", c.Knowledge.ExtractionEnabled)
}

// Validate 拒绝无法工作的配置
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "file", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage driver postgres requires a dsn")
	}

	for _, name := range []string{VendorGoogle, VendorOpenRouter} {
		v, _ := c.Dispatch.Vendor(name)
		if len(v.Models) < 2 {
			return fmt.Errorf("%s fallback chain needs at least 2 models, got %d", name, len(v.Models))
		}
		if v.HistoryLimit <= 0 {
			return fmt.Errorf("%s history limit must be positive", name)
		}
	}
	if c.Dispatch.AttemptTimeout <= 0 {
		return fmt.Errorf("dispatch attempt timeout must be positive")
	}
	if c.Dispatch.RateLimitBackoff < 0 || c.Dispatch.RateLimitBackoff > MaxRateLimitBackoff {
		return fmt.Errorf("rate limit backoff must be between 0 and %s", MaxRateLimitBackoff)
	}

	r := c.Retrieval
	if r.ChunkSize <= 0 || r.ChunkStride <= 0 {
		return fmt.Errorf("chunk size and stride must be positive")
	}
	if r.ChunkStride > r.ChunkSize {
		return fmt.Errorf("chunk stride %d exceeds chunk size %d", r.ChunkStride, r.ChunkSize)
	}
	if r.TopN <= 0 {
		return fmt.Errorf("retrieval top_n must be positive")
	}

	if c.Group.FallbackResponders <= 0 || c.Group.HistoryWindow <= 0 {
		return fmt.Errorf("group fallback responders and history window must be positive")
	}
	return nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

// getEnvList 读取逗号分隔的列表
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
