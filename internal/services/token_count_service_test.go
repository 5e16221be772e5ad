package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"kiro-load/internal/types"

	"github.com/stretchr/testify/assert"
)

// countTestConfig stubs ConfigManager for token counting tests.
type countTestConfig struct {
	tokenCount types.TokenCountConfig
}

func (c countTestConfig) GetServerConfig() types.ServerConfig { return types.ServerConfig{} }

func (c countTestConfig) GetAuthConfig() types.AuthConfig { return types.AuthConfig{} }

func (c countTestConfig) GetCORSConfig() types.CORSConfig { return types.CORSConfig{} }

func (c countTestConfig) GetLogConfig() types.LogConfig { return types.LogConfig{} }

func (c countTestConfig) GetUpstreamConfig() types.UpstreamConfig { return types.UpstreamConfig{} }

func (c countTestConfig) GetPoolConfig() types.PoolConfig {
	return types.PoolConfig{FailureCooldown: time.Minute, MaxFailures: 5}
}

func (c countTestConfig) GetDatabaseConfig() types.DatabaseConfig { return types.DatabaseConfig{} }

func (c countTestConfig) GetTokenCountConfig() types.TokenCountConfig { return c.tokenCount }

func (c countTestConfig) GetEncryptionKey() string { return "" }

func (c countTestConfig) Validate() error { return nil }

func TestEstimateCoversRequestShape(t *testing.T) {
	svc := NewTokenCountService(countTestConfig{})

	body := []byte(`{
		"model": "claude-sonnet-4-5",
		"system": "You are a helpful assistant with a long preamble.",
		"messages": [
			{"role": "user", "content": "What is the weather like in Berlin today?"},
			{"role": "assistant", "content": [{"type": "text", "text": "Let me check."}]},
			{"role": "user", "content": [{"type": "tool_result", "tool_use_id": "t1", "content": "sunny"}]}
		],
		"tools": [{"name": "weather", "description": "gets weather", "input_schema": {"type": "object"}}]
	}`)

	count := svc.Estimate(body)
	assert.Greater(t, count, int64(20))

	smaller := svc.Estimate([]byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`))
	assert.Less(t, smaller, count)
	assert.GreaterOrEqual(t, smaller, int64(1))
}

func TestCountTokensDelegatesToExternalService(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "external-key", r.Header.Get("x-api-key"))
		w.Write([]byte(`{"input_tokens": 777}`))
	}))
	defer server.Close()

	svc := NewTokenCountService(countTestConfig{tokenCount: types.TokenCountConfig{
		URL:      server.URL,
		Key:      "external-key",
		AuthType: "x-api-key",
	}})

	count := svc.CountTokens(context.Background(), []byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	assert.Equal(t, int64(777), count)
}

func TestCountTokensFallsBackOnDelegationFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	svc := NewTokenCountService(countTestConfig{tokenCount: types.TokenCountConfig{URL: server.URL}})

	count := svc.CountTokens(context.Background(), []byte(`{"messages":[{"role":"user","content":"hello world"}]}`))
	assert.Greater(t, count, int64(0))
}

func TestCountTokensBearerAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer external-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"input_tokens": 5}`))
	}))
	defer server.Close()

	svc := NewTokenCountService(countTestConfig{tokenCount: types.TokenCountConfig{
		URL:      server.URL,
		Key:      "external-key",
		AuthType: "bearer",
	}})

	count := svc.CountTokens(context.Background(), []byte(`{}`))
	assert.Equal(t, int64(5), count)
}
