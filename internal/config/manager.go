// Package config implements the environment-backed configuration manager.
package config

import (
	"fmt"
	"os"
	"time"

	"kiro-load/internal/types"
	"kiro-load/internal/utils"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Manager implements types.ConfigManager on top of process environment
// variables, optionally seeded from a .env file.
type Manager struct {
	server     types.ServerConfig
	auth       types.AuthConfig
	cors       types.CORSConfig
	log        types.LogConfig
	upstream   types.UpstreamConfig
	pool       types.PoolConfig
	database   types.DatabaseConfig
	tokenCount types.TokenCountConfig
	encryption string
}

// NewManager creates a configuration manager. A missing .env file is not an
// error; the process environment alone is enough.
func NewManager() (types.ConfigManager, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found, using environment variables")
	}

	m := &Manager{
		server: types.ServerConfig{
			Host:                    utils.GetEnvOrDefault("HOST", "127.0.0.1"),
			Port:                    utils.ParseInteger(os.Getenv("PORT"), 8080),
			ReadTimeout:             utils.ParseInteger(os.Getenv("SERVER_READ_TIMEOUT"), 60),
			WriteTimeout:            utils.ParseInteger(os.Getenv("SERVER_WRITE_TIMEOUT"), 600),
			IdleTimeout:             utils.ParseInteger(os.Getenv("SERVER_IDLE_TIMEOUT"), 120),
			GracefulShutdownTimeout: utils.ParseInteger(os.Getenv("SERVER_GRACEFUL_SHUTDOWN_TIMEOUT"), 10),
		},
		auth: types.AuthConfig{
			Key: os.Getenv("AUTH_KEY"),
		},
		cors: types.CORSConfig{
			Enabled:          utils.ParseBoolean(os.Getenv("ENABLE_CORS"), false),
			AllowedOrigins:   utils.ParseArray(os.Getenv("ALLOWED_ORIGINS"), []string{"*"}),
			AllowedMethods:   utils.ParseArray(os.Getenv("ALLOWED_METHODS"), []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders:   utils.ParseArray(os.Getenv("ALLOWED_HEADERS"), []string{"*"}),
			AllowCredentials: utils.ParseBoolean(os.Getenv("ALLOW_CREDENTIALS"), false),
		},
		log: types.LogConfig{
			Level:      utils.GetEnvOrDefault("LOG_LEVEL", "info"),
			Format:     utils.GetEnvOrDefault("LOG_FORMAT", "text"),
			EnableFile: utils.ParseBoolean(os.Getenv("LOG_ENABLE_FILE"), false),
			FilePath:   utils.GetEnvOrDefault("LOG_FILE_PATH", "./data/logs/app.log"),
		},
		upstream: types.UpstreamConfig{
			Region:          utils.GetEnvOrDefault("REGION", "us-east-1"),
			KiroVersion:     utils.GetEnvOrDefault("KIRO_VERSION", "0.3.26"),
			SystemVersion:   utils.GetEnvOrDefault("SYSTEM_VERSION", "darwin#24.6.0"),
			NodeVersion:     utils.GetEnvOrDefault("NODE_VERSION", "20.16.0"),
			MachineID:       os.Getenv("MACHINE_ID"),
			ConnectTimeout:  time.Duration(utils.ParseInteger(os.Getenv("UPSTREAM_CONNECT_TIMEOUT"), 10)) * time.Second,
			ReadIdleTimeout: time.Duration(utils.ParseInteger(os.Getenv("UPSTREAM_READ_IDLE_TIMEOUT"), 60)) * time.Second,
			RefreshTimeout:  time.Duration(utils.ParseInteger(os.Getenv("REFRESH_TIMEOUT"), 15)) * time.Second,
		},
		pool: types.PoolConfig{
			CredentialsDir:  os.Getenv("CREDENTIALS_DIR"),
			CredentialsFile: utils.GetEnvOrDefault("CREDENTIALS_FILE", "./credentials.json"),
			FailureCooldown: time.Duration(utils.ParseInteger(os.Getenv("FAILURE_COOLDOWN_SECONDS"), 60)) * time.Second,
			MaxFailures:     utils.ParseInteger(os.Getenv("MAX_FAILURES"), 5),
			MaxFrameSize:    utils.ParseInteger(os.Getenv("MAX_FRAME_SIZE"), 16*1024*1024),
		},
		database: types.DatabaseConfig{
			DSN: utils.GetEnvOrDefault("DATABASE_DSN", "./data/kiro-load.db"),
		},
		tokenCount: types.TokenCountConfig{
			URL:      os.Getenv("COUNT_TOKENS_API_URL"),
			Key:      os.Getenv("COUNT_TOKENS_API_KEY"),
			AuthType: utils.GetEnvOrDefault("COUNT_TOKENS_AUTH_TYPE", "x-api-key"),
		},
		encryption: os.Getenv("ENCRYPTION_KEY"),
	}

	machineID, err := utils.EnsureMachineID(m.upstream.MachineID, utils.GetEnvOrDefault("MACHINE_ID_FILE", "./data/machine-id"))
	if err != nil {
		return nil, fmt.Errorf("machine id setup failed: %w", err)
	}
	m.upstream.MachineID = machineID

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks configuration invariants.
func (m *Manager) Validate() error {
	if m.auth.Key == "" {
		return fmt.Errorf("AUTH_KEY is required")
	}
	if m.server.Port < 1 || m.server.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", m.server.Port)
	}
	if m.pool.MaxFailures < 1 {
		return fmt.Errorf("MAX_FAILURES must be at least 1")
	}
	if m.pool.FailureCooldown <= 0 {
		return fmt.Errorf("FAILURE_COOLDOWN_SECONDS must be positive")
	}
	return nil
}

// GetServerConfig returns the server configuration.
func (m *Manager) GetServerConfig() types.ServerConfig { return m.server }

// GetAuthConfig returns the inbound auth configuration.
func (m *Manager) GetAuthConfig() types.AuthConfig { return m.auth }

// GetCORSConfig returns the CORS configuration.
func (m *Manager) GetCORSConfig() types.CORSConfig { return m.cors }

// GetLogConfig returns the log configuration.
func (m *Manager) GetLogConfig() types.LogConfig { return m.log }

// GetUpstreamConfig returns the upstream configuration.
func (m *Manager) GetUpstreamConfig() types.UpstreamConfig { return m.upstream }

// GetPoolConfig returns the account pool configuration.
func (m *Manager) GetPoolConfig() types.PoolConfig { return m.pool }

// GetDatabaseConfig returns the database configuration.
func (m *Manager) GetDatabaseConfig() types.DatabaseConfig { return m.database }

// GetTokenCountConfig returns the token counting delegation configuration.
func (m *Manager) GetTokenCountConfig() types.TokenCountConfig { return m.tokenCount }

// GetEncryptionKey returns the optional at-rest encryption key.
func (m *Manager) GetEncryptionKey() string { return m.encryption }
