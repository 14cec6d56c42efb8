// internal/mcp/server.go
package mcp

import (
	"context"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Corphon/PersonaRelay/internal/services"
	"github.com/Corphon/PersonaRelay/internal/storage"
	"github.com/Corphon/PersonaRelay/internal/utils"
)

// Deps MCP 服务所需的依赖
type Deps struct {
	Chat        *services.ChatService
	Reflection  *services.ReflectionService
	Dispatchers services.DispatcherProvider
	Store       storage.Store
	Logger      *utils.Logger
	// APIKey 工具调用未携带 api_key 时使用
	APIKey string
}

// Server 通过 MCP 协议暴露人格对话工具
type Server struct {
	deps Deps
	mcp  *sdk.Server
}

// NewServer 创建 MCP 服务并注册全部工具
func NewServer(deps Deps, version string) *Server {
	if deps.Logger == nil {
		deps.Logger = utils.NewNopLogger()
	}
	if deps.Reflection == nil {
		deps.Reflection = services.NewReflectionService()
	}
	s := &Server{
		deps: deps,
		mcp: sdk.NewServer(&sdk.Implementation{
			Name:    "personarelay",
			Version: version,
		}, nil),
	}
	s.registerTools()
	return s
}

// Run 在给定传输上提供服务，直到 ctx 结束或客户端断开
func (s *Server) Run(ctx context.Context, transport sdk.Transport) error {
	s.deps.Logger.Info("mcp server started", nil)
	return s.mcp.Run(ctx, transport)
}
