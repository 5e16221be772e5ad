package proxy

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"kiro-load/internal/credential"
	"kiro-load/internal/eventstream"
	"kiro-load/internal/pool"
	"kiro-load/internal/services"
	"kiro-load/internal/types"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// testConfig is a static ConfigManager for tests.
type testConfig struct{}

func (testConfig) GetServerConfig() types.ServerConfig { return types.ServerConfig{} }

func (testConfig) GetAuthConfig() types.AuthConfig { return types.AuthConfig{Key: "k"} }

func (testConfig) GetCORSConfig() types.CORSConfig { return types.CORSConfig{} }

func (testConfig) GetLogConfig() types.LogConfig { return types.LogConfig{Level: "info"} }
func (testConfig) GetUpstreamConfig() types.UpstreamConfig {
	return types.UpstreamConfig{
		Region:          "us-east-1",
		KiroVersion:     "0.3.26",
		SystemVersion:   "darwin#24.6.0",
		NodeVersion:     "20.16.0",
		MachineID:       "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		ConnectTimeout:  5 * time.Second,
		ReadIdleTimeout: 10 * time.Second,
		RefreshTimeout:  5 * time.Second,
	}
}
func (testConfig) GetPoolConfig() types.PoolConfig {
	return types.PoolConfig{
		FailureCooldown: time.Minute,
		MaxFailures:     5,
		MaxFrameSize:    eventstream.DefaultMaxFrameSize,
	}
}
func (testConfig) GetDatabaseConfig() types.DatabaseConfig { return types.DatabaseConfig{} }

func (testConfig) GetTokenCountConfig() types.TokenCountConfig { return types.TokenCountConfig{} }

func (testConfig) GetEncryptionKey() string { return "" }

func (testConfig) Validate() error { return nil }

func newTestPool(t *testing.T, names ...string) *pool.AccountPool {
	t.Helper()
	dir := t.TempDir()
	p := pool.NewAccountPool(testConfig{}.GetPoolConfig())
	for _, name := range names {
		data, err := json.Marshal(credential.Credential{
			AccessToken:  "token-" + name,
			RefreshToken: "refresh-" + name,
			AuthMethod:   credential.AuthMethodSocial,
			ProfileArn:   "arn:aws:test/" + name,
			ExpiresAt:    time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		})
		require.NoError(t, err)
		path := filepath.Join(dir, name+".json")
		require.NoError(t, os.WriteFile(path, data, 0600))
		store, err := credential.Load(path, "us-east-1")
		require.NoError(t, err)
		p.Add(name, store)
	}
	return p
}

func newTestServer(t *testing.T, accountPool *pool.AccountPool, upstreamURL string) *Server {
	t.Helper()
	server := NewServer(
		testConfig{},
		accountPool,
		services.NewUsageService(nil),
		services.NewTokenCountService(testConfig{}),
	)
	server.SetUpstreamURL(upstreamURL)
	return server
}

func encodeFrames(t *testing.T, frames ...*eventstream.Frame) []byte {
	t.Helper()
	var wire []byte
	for _, frame := range frames {
		encoded, err := frame.Encode()
		require.NoError(t, err)
		wire = append(wire, encoded...)
	}
	return wire
}

func performMessages(t *testing.T, server *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader([]byte(body)))
	server.HandleMessages(c)
	return w
}

const streamRequestBody = `{"model":"claude-sonnet-4-5","max_tokens":256,"stream":true,"messages":[{"role":"user","content":"hi"}]}`
const plainRequestBody = `{"model":"claude-sonnet-4-5","max_tokens":256,"messages":[{"role":"user","content":"hi"}]}`

func TestHandleMessagesStreaming(t *testing.T) {
	var gotAuth atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		assert.Equal(t, "true", r.Header.Get("x-amzn-codewhisperer-optout"))
		assert.NotEmpty(t, r.Header.Get("amz-sdk-invocation-id"))

		body, _ := json.Marshal(map[string]string{"content": "hello"})
		w.Write(encodeFrames(t,
			eventstream.NewEventFrame("assistantResponseEvent", body),
		))
	}))
	defer upstream.Close()

	accountPool := newTestPool(t, "a")
	server := newTestServer(t, accountPool, upstream.URL)

	w := performMessages(t, server, streamRequestBody)
	require.Equal(t, http.StatusOK, w.Code)

	out := w.Body.String()
	assert.Contains(t, out, "event: message_start")
	assert.Contains(t, out, `"text":"hello"`)
	assert.Contains(t, out, "event: message_stop")
	assert.Contains(t, out, "data: [DONE]\n\n")
	assert.Equal(t, "Bearer token-a", gotAuth.Load())

	status, err := accountPool.Get("a")
	require.NoError(t, err)
	assert.Zero(t, status.FailureCount)
	assert.Equal(t, uint64(1), status.RequestCount)
}

func TestHandleMessagesNonStreamAggregation(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		text1, _ := json.Marshal(map[string]string{"content": "Hello "})
		text2, _ := json.Marshal(map[string]string{"content": "world"})
		tool, _ := json.Marshal(map[string]any{
			"toolUseId": "tu_1", "name": "calc", "input": `{"a":1}`, "stop": true,
		})
		w.Write(encodeFrames(t,
			eventstream.NewEventFrame("assistantResponseEvent", text1),
			eventstream.NewEventFrame("assistantResponseEvent", text2),
			eventstream.NewEventFrame("toolUseEvent", tool),
		))
	}))
	defer upstream.Close()

	server := newTestServer(t, newTestPool(t, "a"), upstream.URL)
	w := performMessages(t, server, plainRequestBody)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.Bytes()
	assert.Equal(t, "message", gjson.GetBytes(body, "type").String())
	assert.Equal(t, "assistant", gjson.GetBytes(body, "role").String())
	assert.Equal(t, "Hello world", gjson.GetBytes(body, "content.0.text").String())
	assert.Equal(t, "tool_use", gjson.GetBytes(body, "content.1.type").String())
	assert.Equal(t, "tool_use", gjson.GetBytes(body, "stop_reason").String())
}

func TestHandleMessagesRetriesOnServerFault(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"message":"boom"}`, http.StatusInternalServerError)
			return
		}
		body, _ := json.Marshal(map[string]string{"content": "ok"})
		w.Write(encodeFrames(t, eventstream.NewEventFrame("assistantResponseEvent", body)))
	}))
	defer upstream.Close()

	accountPool := newTestPool(t, "a", "b")
	server := newTestServer(t, accountPool, upstream.URL)

	w := performMessages(t, server, plainRequestBody)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(2), calls.Load())

	// Exactly one account took the fault.
	faults := 0
	for _, name := range []string{"a", "b"} {
		status, err := accountPool.Get(name)
		require.NoError(t, err)
		faults += status.FailureCount
	}
	assert.Equal(t, 1, faults)
}

func TestHandleMessagesClientFaultNoRetry(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"message":"validation failed"}`, http.StatusBadRequest)
	}))
	defer upstream.Close()

	accountPool := newTestPool(t, "a", "b")
	server := newTestServer(t, accountPool, upstream.URL)

	w := performMessages(t, server, plainRequestBody)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, int32(1), calls.Load(), "client faults are not retried")
	assert.Equal(t, "error", gjson.GetBytes(w.Body.Bytes(), "type").String())
	assert.Equal(t, "invalid_request_error", gjson.GetBytes(w.Body.Bytes(), "error.type").String())

	status, err := accountPool.Get("a")
	require.NoError(t, err)
	assert.Zero(t, status.FailureCount, "client faults are not charged to the account")
}

func TestHandleMessagesRateLimitedExhaustion(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"message":"throttled"}`, http.StatusTooManyRequests)
	}))
	defer upstream.Close()

	accountPool := newTestPool(t, "a", "b", "c", "d")
	server := newTestServer(t, accountPool, upstream.URL)

	w := performMessages(t, server, plainRequestBody)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")
	assert.Equal(t, "rate_limit_error", gjson.GetBytes(w.Body.Bytes(), "error.type").String())
}

func TestHandleMessagesNoHealthyAccount(t *testing.T) {
	server := newTestServer(t, pool.NewAccountPool(testConfig{}.GetPoolConfig()), "http://unused.invalid")
	w := performMessages(t, server, plainRequestBody)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "error", gjson.GetBytes(w.Body.Bytes(), "type").String())
}

func TestHandleMessagesInvalidRequest(t *testing.T) {
	server := newTestServer(t, newTestPool(t, "a"), "http://unused.invalid")
	w := performMessages(t, server, `{"model":"m","messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request_error", gjson.GetBytes(w.Body.Bytes(), "error.type").String())
}

func TestHandleMessagesUpstreamExceptionMidStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		text, _ := json.Marshal(map[string]string{"content": "partial"})
		w.Write(encodeFrames(t,
			eventstream.NewEventFrame("assistantResponseEvent", text),
			eventstream.NewExceptionFrame("ThrottlingException", []byte(`{"message":"slow down"}`)),
		))
	}))
	defer upstream.Close()

	accountPool := newTestPool(t, "a")
	server := newTestServer(t, accountPool, upstream.URL)

	w := performMessages(t, server, streamRequestBody)
	out := w.Body.String()
	assert.Contains(t, out, "event: error")
	assert.Contains(t, out, "overloaded_error")
	assert.NotContains(t, out, "data: [DONE]")

	status, err := accountPool.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 1, status.FailureCount)
}

func TestHandleMessagesDecodeErrorMidStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		text, _ := json.Marshal(map[string]string{"content": "partial"})
		wire := encodeFrames(t, eventstream.NewEventFrame("assistantResponseEvent", text))
		wire = append(wire, 0xDE, 0xAD) // trailing garbage breaks the framing
		w.Write(wire)
	}))
	defer upstream.Close()

	accountPool := newTestPool(t, "a")
	server := newTestServer(t, accountPool, upstream.URL)

	w := performMessages(t, server, streamRequestBody)
	out := w.Body.String()
	assert.Contains(t, out, `"text":"partial"`)
	assert.Contains(t, out, "event: error")
	assert.NotContains(t, out, "data: [DONE]")

	status, err := accountPool.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 1, status.FailureCount)
}
