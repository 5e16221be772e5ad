// Package router wires the HTTP route table.
package router

import (
	"kiro-load/internal/handler"
	"kiro-load/internal/middleware"
	"kiro-load/internal/proxy"
	"kiro-load/internal/types"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

// NewRouter assembles the gin engine with middleware and routes.
func NewRouter(
	configManager types.ConfigManager,
	proxyServer *proxy.Server,
	commonHandler *handler.CommonHandler,
	adminHandler *handler.AdminHandler,
) *gin.Engine {
	if configManager.GetLogConfig().Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger(configManager.GetLogConfig()))
	engine.Use(middleware.CORS(configManager.GetCORSConfig()))
	engine.Use(middleware.Auth(configManager.GetAuthConfig()))

	engine.GET("/health", commonHandler.Health)

	v1 := engine.Group("/v1")
	{
		v1.GET("/models", commonHandler.ListModels)
		v1.POST("/messages", proxyServer.HandleMessages)
		v1.POST("/messages/count_tokens", commonHandler.CountTokens)
	}

	admin := engine.Group("/admin")
	admin.Use(gzip.Gzip(gzip.DefaultCompression))
	{
		admin.GET("/pool/status", adminHandler.PoolStatus)
		admin.GET("/accounts", adminHandler.ListAccounts)
		admin.POST("/accounts", adminHandler.AddAccount)
		admin.POST("/accounts/remove", adminHandler.RemoveAccount)
		admin.POST("/accounts/refresh", adminHandler.RefreshAccount)
		admin.POST("/accounts/reset", adminHandler.ResetAccount)
		admin.POST("/accounts/check", adminHandler.CheckAccount)
		admin.POST("/accounts/batch-check", adminHandler.BatchCheckAccounts)
		admin.POST("/accounts/credentials", adminHandler.AccountCredentials)
		admin.GET("/usage", adminHandler.Usage)
		admin.GET("/error-logs", adminHandler.ErrorLogs)
		admin.DELETE("/error-logs", adminHandler.ClearErrorLogs)
	}

	return engine
}
