// internal/api/router.go
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/Corphon/PersonaRelay/internal/config"
)

// SetupRouter 配置HTTP路由
func SetupRouter(cfg config.ServerConfig, handler *Handler) *gin.Engine {
	if !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(handler.logger))
	r.Use(MetricsMiddleware(handler.metrics))
	r.Use(corsMiddleware(cfg.CORSOrigins))

	r.GET("/health", handler.Health)

	// WebSocket 支持
	r.GET("/ws/group/:id", handler.GroupWebSocket)

	// ===============================
	// API路由组
	// ===============================
	api := r.Group("/api")
	{
		chatGroup := api.Group("/chat")
		{
			chatGroup.POST("/send", handler.SendMessage)
			chatGroup.POST("/group/send", handler.SendGroupMessage)
			chatGroup.GET("/history/:conversation_id", handler.GetHistory)
		}

		api.POST("/life/reflect", handler.Reflect)
		api.POST("/persona/synthesize", handler.SynthesizePersona)

		personasGroup := api.Group("/personas")
		{
			personasGroup.GET("", handler.ListPersonas)
			personasGroup.POST("", handler.CreatePersona)
			personasGroup.GET("/:id", handler.GetPersona)
		}

		groupsGroup := api.Group("/groups")
		{
			groupsGroup.GET("", handler.ListGroups)
			groupsGroup.POST("", handler.CreateGroup)
			groupsGroup.GET("/:id", handler.GetGroup)
		}

		api.GET("/stats", handler.GetStats)
		api.GET("/ws/status", handler.GetWebSocketStatus)
	}

	return r
}
