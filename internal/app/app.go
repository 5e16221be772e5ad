// Package app provides the application lifecycle: pool loading, database
// migration, HTTP serving, and graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"kiro-load/internal/credential"
	"kiro-load/internal/encryption"
	"kiro-load/internal/models"
	"kiro-load/internal/pool"
	"kiro-load/internal/types"
	"kiro-load/internal/version"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.uber.org/dig"
	"gorm.io/gorm"
)

// ErrBindFailed marks a failure to bind the listen address; main exits with
// code 2 on it.
var ErrBindFailed = errors.New("app: failed to bind listen address")

// ErrLoadFailed marks a configuration or credential loading failure; main
// exits with code 1 on it.
var ErrLoadFailed = errors.New("app: failed to load configuration or credentials")

// App holds the assembled services and manages the lifecycle.
type App struct {
	engine        *gin.Engine
	configManager types.ConfigManager
	accountPool   *pool.AccountPool
	encryptionSvc encryption.Service
	db            *gorm.DB
	httpServer    *http.Server
}

// Params defines the dependencies for the App.
type Params struct {
	dig.In
	Engine        *gin.Engine
	ConfigManager types.ConfigManager
	AccountPool   *pool.AccountPool
	EncryptionSvc encryption.Service
	DB            *gorm.DB
}

// NewApp is the constructor for App, with dependencies injected by dig.
func NewApp(params Params) *App {
	return &App{
		engine:        params.Engine,
		configManager: params.ConfigManager,
		accountPool:   params.AccountPool,
		encryptionSvc: params.EncryptionSvc,
		db:            params.DB,
	}
}

// Start loads accounts, migrates the database, and begins serving. The bind
// happens synchronously so bind failures surface before Start returns.
func (a *App) Start() error {
	if err := a.db.AutoMigrate(
		&models.RequestStat{},
		&models.UpstreamErrorLog{},
	); err != nil {
		return fmt.Errorf("database auto-migration failed: %w", err)
	}

	if err := a.loadAccounts(); err != nil {
		return fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}

	serverConfig := a.configManager.GetServerConfig()
	addr := net.JoinHostPort(serverConfig.Host, strconv.Itoa(serverConfig.Port))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBindFailed, err)
	}

	a.httpServer = &http.Server{
		Handler:      a.engine,
		ReadTimeout:  time.Duration(serverConfig.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(serverConfig.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(serverConfig.IdleTimeout) * time.Second,
	}

	go func() {
		logrus.Infof("kiro-load %s listening on %s", version.Version, addr)
		if err := a.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logrus.Errorf("HTTP server terminated: %v", err)
		}
	}()

	return nil
}

// loadAccounts populates the pool from the credentials directory or the
// single credentials file.
func (a *App) loadAccounts() error {
	poolConfig := a.configManager.GetPoolConfig()
	region := a.configManager.GetUpstreamConfig().Region
	opts := []credential.StoreOption{credential.WithEncryption(a.encryptionSvc)}

	if poolConfig.CredentialsDir != "" {
		return a.accountPool.LoadDirectory(poolConfig.CredentialsDir, region, opts...)
	}
	return a.accountPool.LoadFile(poolConfig.CredentialsFile, region, opts...)
}

// Stop gracefully shuts down the HTTP server and closes the database.
func (a *App) Stop(ctx context.Context) {
	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			logrus.Errorf("HTTP server shutdown error: %v", err)
		}
	}

	if sqlDB, err := a.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			logrus.Errorf("Database close error: %v", err)
		}
	}

	logrus.Info("Application stopped")
}
