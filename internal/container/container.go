// Package container assembles the dependency-injection container.
package container

import (
	"kiro-load/internal/app"
	"kiro-load/internal/config"
	"kiro-load/internal/db"
	"kiro-load/internal/encryption"
	"kiro-load/internal/handler"
	"kiro-load/internal/pool"
	"kiro-load/internal/proxy"
	"kiro-load/internal/router"
	"kiro-load/internal/services"
	"kiro-load/internal/types"

	"go.uber.org/dig"
)

// BuildContainer registers every constructor with dig.
func BuildContainer() (*dig.Container, error) {
	container := dig.New()

	constructors := []any{
		config.NewManager,
		db.NewDB,
		newEncryptionService,
		newAccountPool,
		services.NewUsageService,
		services.NewTokenCountService,
		proxy.NewServer,
		handler.NewCommonHandler,
		handler.NewAdminHandler,
		router.NewRouter,
		app.NewApp,
	}

	for _, constructor := range constructors {
		if err := container.Provide(constructor); err != nil {
			return nil, err
		}
	}

	return container, nil
}

func newEncryptionService(configManager types.ConfigManager) (encryption.Service, error) {
	return encryption.NewService(configManager.GetEncryptionKey())
}

func newAccountPool(configManager types.ConfigManager) *pool.AccountPool {
	return pool.NewAccountPool(configManager.GetPoolConfig())
}
