// Package models defines the gorm persistence models: per-request usage
// statistics and the upstream error log.
package models

import "time"

// RequestStat is one completed proxy request, recorded asynchronously.
type RequestStat struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	AccountName  string    `gorm:"index;size:255" json:"account_name"`
	Model        string    `gorm:"size:128" json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	IsStream     bool      `json:"is_stream"`
	DurationMs   int64     `json:"duration_ms"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}

// Upstream error classifications by status code family.
const (
	ErrorTypeAuth      = "auth"
	ErrorTypeRateLimit = "rate_limit"
	ErrorTypeClient    = "client"
	ErrorTypeServer    = "server"
	ErrorTypeOther     = "other"
)

// UpstreamErrorLog is one recorded upstream API failure.
type UpstreamErrorLog struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	AccountName string    `gorm:"index;size:255" json:"account_name"`
	StatusCode  int       `json:"status_code"`
	ErrorType   string    `gorm:"size:32" json:"error_type"`
	Message     string    `gorm:"type:text" json:"message"`
	IsStream    bool      `json:"is_stream"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

// ClassifyStatusCode maps an upstream HTTP status onto an error type.
func ClassifyStatusCode(statusCode int) string {
	switch {
	case statusCode == 401 || statusCode == 403:
		return ErrorTypeAuth
	case statusCode == 429:
		return ErrorTypeRateLimit
	case statusCode >= 400 && statusCode < 500:
		return ErrorTypeClient
	case statusCode >= 500:
		return ErrorTypeServer
	default:
		return ErrorTypeOther
	}
}
