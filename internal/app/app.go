// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/Corphon/PersonaRelay/internal/api"
	"github.com/Corphon/PersonaRelay/internal/config"
	"github.com/Corphon/PersonaRelay/internal/mcp"
	"github.com/Corphon/PersonaRelay/internal/services"
	"github.com/Corphon/PersonaRelay/internal/storage"
	"github.com/Corphon/PersonaRelay/internal/utils"
)

const (
	shutdownTimeout = 30 * time.Second
	metricsInterval = time.Minute
)

// httpServer 便于测试替换
type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// Options 可选依赖，测试中用来注入替身
type Options struct {
	Logger      *utils.Logger
	Dispatchers services.DispatcherProvider
	Fetcher     services.Fetcher
}

// App 持有一个进程内的全部组件，按依赖顺序显式构造
type App struct {
	Config      *config.Config
	Logger      *utils.Logger
	Metrics     *utils.RelayMetrics
	Store       storage.Store
	Dispatchers services.DispatcherProvider
	Chat        *services.ChatService
	Reflection  *services.ReflectionService
	Synthesis   *services.SynthesisService
	Hub         *api.GroupHub

	router *gin.Engine
	server httpServer
}

// New 初始化存储、服务与路由，不启动任何后台任务
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = newLogger(cfg.Server)
		if err != nil {
			return nil, err
		}
	}
	metrics := utils.NewRelayMetrics(nil, logger)

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	dispatchers := opts.Dispatchers
	if dispatchers == nil {
		dispatchers = services.NewDispatcherFactory(cfg.Dispatch, metrics, logger)
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = services.NewHTTPFetcher(cfg.Retrieval.FetchTimeout, cfg.Retrieval.MaxFetchBytes)
	}

	mood := services.NewMoodService()
	knowledge := services.NewKnowledgeService(cfg.Retrieval, fetcher, logger)
	groups := services.NewGroupService(mood, knowledge, cfg.Group.FallbackResponders, metrics, logger)
	chat := services.NewChatService(store, dispatchers, mood, knowledge, groups, services.ChatOptions{
		GroupHistoryWindow: cfg.Group.HistoryWindow,
		ExtractionEnabled:  cfg.Knowledge.ExtractionEnabled,
	}, metrics, logger)

	a := &App{
		Config:      cfg,
		Logger:      logger,
		Metrics:     metrics,
		Store:       store,
		Dispatchers: dispatchers,
		Chat:        chat,
		Reflection:  services.NewReflectionService(),
		Synthesis:   services.NewSynthesisService(),
		Hub:         api.NewGroupHub(0, logger),
	}

	a.router = api.SetupRouter(cfg.Server, api.NewHandler(api.HandlerDeps{
		Chat:        a.Chat,
		Reflection:  a.Reflection,
		Synthesis:   a.Synthesis,
		Dispatchers: a.Dispatchers,
		Store:       a.Store,
		Hub:         a.Hub,
		Metrics:     a.Metrics,
		Logger:      a.Logger,
	}))
	a.server = &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("application initialized", utils.Fields{
		"storage": cfg.Storage.Driver,
		"port":    cfg.Server.Port,
		"debug":   cfg.Server.DebugMode,
	})
	return a, nil
}

func newLogger(cfg config.ServerConfig) (*utils.Logger, error) {
	opts := utils.LoggerOptions{Debug: cfg.DebugMode}
	if cfg.LogDir != "" {
		opts.LogFile = filepath.Join(cfg.LogDir, "relay.log")
	}
	return utils.NewLogger(opts)
}

// Router 返回 HTTP 路由
func (a *App) Router() *gin.Engine {
	return a.router
}

// MCPServer 基于同一组服务构造 MCP 服务
func (a *App) MCPServer(apiKey, version string) *mcp.Server {
	return mcp.NewServer(mcp.Deps{
		Chat:        a.Chat,
		Reflection:  a.Reflection,
		Dispatchers: a.Dispatchers,
		Store:       a.Store,
		Logger:      a.Logger,
		APIKey:      apiKey,
	}, version)
}

// Run 启动 HTTP 服务与推送中心，ctx 结束后优雅关闭
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.Metrics.StartMetricsCollection(ctx, metricsInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.Logger.Info("server listening", utils.Fields{"port": a.Config.Server.Port})
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("shutting down server", nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	a.Logger.Info("server stopped", nil)
	return err
}

// Close 释放存储并刷新日志
func (a *App) Close() error {
	err := a.Store.Close()
	_ = a.Logger.Sync()
	return err
}
