// Package types defines the configuration interfaces and structs shared across the application.
package types

import "time"

// ConfigManager provides access to all application configuration.
type ConfigManager interface {
	GetServerConfig() ServerConfig
	GetAuthConfig() AuthConfig
	GetCORSConfig() CORSConfig
	GetLogConfig() LogConfig
	GetUpstreamConfig() UpstreamConfig
	GetPoolConfig() PoolConfig
	GetDatabaseConfig() DatabaseConfig
	GetTokenCountConfig() TokenCountConfig
	GetEncryptionKey() string
	Validate() error
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host                    string
	Port                    int
	ReadTimeout             int
	WriteTimeout            int
	IdleTimeout             int
	GracefulShutdownTimeout int
}

// AuthConfig contains the shared bearer key for the inbound API surface.
type AuthConfig struct {
	Key string
}

// CORSConfig contains CORS configuration.
type CORSConfig struct {
	Enabled          bool
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level      string
	Format     string
	EnableFile bool
	FilePath   string
}

// UpstreamConfig describes the Kiro upstream endpoint and the device identity
// presented to it.
type UpstreamConfig struct {
	Region          string
	KiroVersion     string
	SystemVersion   string
	NodeVersion     string
	MachineID       string
	ConnectTimeout  time.Duration
	ReadIdleTimeout time.Duration
	RefreshTimeout  time.Duration
}

// PoolConfig contains account pool behavior configuration.
type PoolConfig struct {
	CredentialsDir  string
	CredentialsFile string
	FailureCooldown time.Duration
	MaxFailures     int
	MaxFrameSize    int
}

// DatabaseConfig contains database connection configuration.
type DatabaseConfig struct {
	DSN string
}

// TokenCountConfig configures optional delegation of token counting to an
// external service. When URL is empty, the local estimator is used.
type TokenCountConfig struct {
	URL      string
	Key      string
	AuthType string
}
