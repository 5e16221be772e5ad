// Package proxy implements the per-request orchestrator: account selection,
// request translation, upstream dispatch, streaming, and failure accounting.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	app_errors "kiro-load/internal/errors"
	"kiro-load/internal/eventstream"
	"kiro-load/internal/models"
	"kiro-load/internal/pool"
	"kiro-load/internal/response"
	"kiro-load/internal/services"
	"kiro-load/internal/translator"
	"kiro-load/internal/types"
	"kiro-load/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
)

// maxAttempts bounds account retries: the initial attempt plus two retries,
// each with a fresh pick.
const maxAttempts = 3

// maxUpstreamErrorBodySize caps how much of an upstream error body is read.
const maxUpstreamErrorBodySize = 64 * 1024

const upstreamURLTemplate = "https://codewhisperer.%s.amazonaws.com/generateAssistantResponse"

// Server dispatches Anthropic Messages requests to the Kiro upstream.
type Server struct {
	pool         *pool.AccountPool
	upstream     types.UpstreamConfig
	maxFrameSize int
	client       *http.Client
	usageService *services.UsageService
	tokenCounter *services.TokenCountService

	// upstreamURL overrides the production endpoint in tests.
	upstreamURL string
}

// NewServer creates the proxy server.
func NewServer(
	configManager types.ConfigManager,
	accountPool *pool.AccountPool,
	usageService *services.UsageService,
	tokenCounter *services.TokenCountService,
) *Server {
	upstream := configManager.GetUpstreamConfig()
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   upstream.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   upstream.ConnectTimeout,
		ResponseHeaderTimeout: upstream.ReadIdleTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}

	return &Server{
		pool:         accountPool,
		upstream:     upstream,
		maxFrameSize: configManager.GetPoolConfig().MaxFrameSize,
		client:       &http.Client{Transport: transport},
		usageService: usageService,
		tokenCounter: tokenCounter,
	}
}

// SetUpstreamURL overrides the upstream endpoint. Test hook.
func (s *Server) SetUpstreamURL(url string) {
	s.upstreamURL = url
}

func (s *Server) endpointURL(region string) string {
	if s.upstreamURL != "" {
		return s.upstreamURL
	}
	return fmt.Sprintf(upstreamURLTemplate, region)
}

// HandleMessages serves POST /v1/messages.
func (s *Server) HandleMessages(c *gin.Context) {
	startTime := time.Now()

	buf := utils.GetBuffer()
	defer utils.PutBuffer(buf)
	if _, err := buf.ReadFrom(c.Request.Body); err != nil {
		logrus.Errorf("Failed to read request body: %v", err)
		response.AnthropicErrorJSON(c, app_errors.NewAPIError(app_errors.ErrBadRequest, "failed to read request body"))
		return
	}
	c.Request.Body.Close()
	bodyBytes := buf.Bytes()

	converted, apiErr := translator.ConvertRequest(bodyBytes, "")
	if apiErr != nil {
		response.AnthropicErrorJSON(c, apiErr)
		return
	}

	inputTokens := s.tokenCounter.Estimate(bodyBytes)

	resp, entry, apiErr := s.dispatchWithRetry(c.Request.Context(), converted)
	if apiErr != nil {
		response.AnthropicErrorJSON(c, apiErr)
		return
	}
	// Streams may legitimately be long; the idle timeout applies per chunk.
	resp.Body = newIdleTimeoutBody(resp.Body, s.upstream.ReadIdleTimeout)
	defer resp.Body.Close()

	if converted.Stream {
		s.streamResponse(c, resp, entry, converted, inputTokens, startTime)
	} else {
		s.aggregateResponse(c, resp, entry, converted, inputTokens, startTime)
	}
}

// dispatchWithRetry picks an account, freshens its token, and posts the
// translated request, retrying with a fresh pick on account faults.
func (s *Server) dispatchWithRetry(ctx context.Context, converted *translator.ConvertedRequest) (*http.Response, *pool.Entry, *app_errors.APIError) {
	var lastErr *app_errors.APIError

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, nil, app_errors.NewAPIError(app_errors.ErrBadRequest, "client disconnected")
		}

		entry, err := s.pool.Pick()
		if err != nil {
			if lastErr != nil {
				return nil, nil, lastErr
			}
			return nil, nil, app_errors.ErrNoHealthyAccount
		}

		logrus.WithFields(logrus.Fields{
			"account": entry.Name,
			"attempt": attempt,
			"model":   converted.UpstreamModel,
		}).Debug("Dispatching upstream request")

		token, err := entry.Store.AccessToken(ctx)
		if err != nil {
			logrus.WithError(err).WithField("account", entry.Name).Warn("Token refresh failed")
			s.pool.ReportFailure(entry.Name)
			s.usageService.RecordError(entry.Name, 0, err.Error(), converted.Stream)
			return nil, nil, app_errors.NewAPIError(app_errors.ErrRefreshFailed, "token refresh failed")
		}

		cred := entry.Store.Snapshot()
		body, sjErr := sjson.SetBytes(converted.Body, "profileArn", cred.ProfileArn)
		if sjErr != nil {
			return nil, nil, app_errors.NewAPIError(app_errors.ErrInternalServer, "failed to bind profile to request")
		}
		if cred.ProfileArn == "" {
			body, _ = sjson.DeleteBytes(body, "profileArn")
		}

		region := cred.RegionOrDefault(s.upstream.Region)
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, s.endpointURL(region), bytes.NewReader(body))
		if reqErr != nil {
			return nil, nil, app_errors.NewAPIError(app_errors.ErrInternalServer, "failed to build upstream request")
		}
		s.applyHeaders(req, token)

		resp, doErr := s.client.Do(req)
		if doErr != nil {
			if ctx.Err() != nil {
				// Client went away; no fault attributed to the account.
				return nil, nil, app_errors.NewAPIError(app_errors.ErrBadRequest, "client disconnected")
			}
			logrus.WithError(doErr).WithField("account", entry.Name).Warn("Upstream request failed")
			s.pool.ReportFailure(entry.Name)
			s.usageService.RecordError(entry.Name, 0, doErr.Error(), converted.Stream)
			lastErr = app_errors.NewAPIError(app_errors.ErrBadGateway, "upstream transport failure")
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return resp, entry, nil
		}

		errBody := readErrorBody(resp)
		resp.Body.Close()
		s.usageService.RecordError(entry.Name, resp.StatusCode, errBody, converted.Stream)

		if !app_errors.IsAccountFault(resp.StatusCode) {
			// Client fault (validation etc.) surfaces directly without retry.
			return nil, nil, app_errors.NewAPIErrorWithUpstream(resp.StatusCode, "UPSTREAM_REJECTED", upstreamErrorMessage(resp.StatusCode, errBody))
		}

		if resp.StatusCode == http.StatusUnauthorized {
			// The access token may simply be stale; refresh before the
			// account is retried on a later pick.
			if refreshErr := entry.Store.ForceRefresh(ctx); refreshErr != nil {
				logrus.WithError(refreshErr).WithField("account", entry.Name).Warn("Lazy refresh after 401 failed")
			}
		}

		logrus.WithFields(logrus.Fields{
			"account": entry.Name,
			"status":  resp.StatusCode,
			"attempt": attempt,
		}).Warn("Upstream returned account fault")
		s.pool.ReportFailure(entry.Name)

		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			lastErr = app_errors.NewAPIError(app_errors.ErrRateLimited, upstreamErrorMessage(resp.StatusCode, errBody))
		default:
			lastErr = app_errors.NewAPIErrorWithUpstream(http.StatusBadGateway, "UPSTREAM_ERROR", upstreamErrorMessage(resp.StatusCode, errBody))
		}
	}

	return nil, nil, lastErr
}

// applyHeaders sets the Kiro request header set.
func (s *Server) applyHeaders(req *http.Request, token string) {
	agentSuffix := fmt.Sprintf("KiroIDE-%s-%s", s.upstream.KiroVersion, s.upstream.MachineID)

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("x-amzn-codewhisperer-optout", "true")
	req.Header.Set("x-amzn-kiro-agent-mode", "vibe")
	req.Header.Set("x-amz-user-agent", "aws-sdk-js/1.0.27 "+agentSuffix)
	req.Header.Set("User-Agent", fmt.Sprintf(
		"aws-sdk-js/1.0.27 ua/2.1 os/%s lang/js md/nodejs#%s api/codewhispererstreaming#1.0.27 m/E %s",
		s.upstream.SystemVersion, s.upstream.NodeVersion, agentSuffix))
	req.Header.Set("amz-sdk-invocation-id", uuid.New().String())
	req.Header.Set("amz-sdk-request", "attempt=1; max=3")
}

// streamResponse decodes the upstream event stream and relays it as SSE.
func (s *Server) streamResponse(c *gin.Context, resp *http.Response, entry *pool.Entry, converted *translator.ConvertedRequest, inputTokens int64, startTime time.Time) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, _ := c.Writer.(http.Flusher)
	writeEvents := func(events []translator.SSEEvent) bool {
		for _, event := range events {
			if _, err := c.Writer.Write(event.Encode()); err != nil {
				return false
			}
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	reader := eventstream.NewReader(resp.Body, eventstream.NewDecoder(s.maxFrameSize))
	assembler := translator.NewAssembler(converted.UpstreamModel, inputTokens)

	for {
		frame, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(c.Request.Context().Err(), context.Canceled) {
				logrus.Debug("Client disconnected mid-stream")
				return
			}
			logrus.WithError(err).WithField("account", entry.Name).Error("Upstream stream decode failed")
			s.pool.ReportFailure(entry.Name)
			s.usageService.RecordError(entry.Name, 0, err.Error(), true)
			writeEvents([]translator.SSEEvent{
				translator.ErrorEvent("api_error", "upstream stream decode failed"),
			})
			return
		}

		events, stepErr := assembler.Step(frame)
		if !writeEvents(events) {
			logrus.Debug("Client write failed mid-stream, aborting upstream")
			return
		}
		if stepErr != nil {
			// The assembler already emitted the terminal error event.
			s.pool.ReportFailure(entry.Name)
			s.usageService.RecordError(entry.Name, 0, stepErr.Error(), true)
			return
		}
	}

	if !writeEvents(assembler.Finish()) {
		return
	}
	c.Writer.Write(translator.DoneTail)
	if flusher != nil {
		flusher.Flush()
	}

	s.pool.ReportSuccess(entry.Name)
	usage := assembler.FinalUsage()
	s.usageService.RecordRequest(models.RequestStat{
		AccountName:  entry.Name,
		Model:        converted.UpstreamModel,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		IsStream:     true,
		DurationMs:   time.Since(startTime).Milliseconds(),
	})
}

// aggregateResponse collects the upstream stream into one Anthropic message.
func (s *Server) aggregateResponse(c *gin.Context, resp *http.Response, entry *pool.Entry, converted *translator.ConvertedRequest, inputTokens int64, startTime time.Time) {
	reader := eventstream.NewReader(resp.Body, eventstream.NewDecoder(s.maxFrameSize))
	message, err := translator.Aggregate(reader, converted.UpstreamModel, inputTokens)
	if err != nil {
		logrus.WithError(err).WithField("account", entry.Name).Error("Failed to aggregate upstream response")
		s.pool.ReportFailure(entry.Name)
		s.usageService.RecordError(entry.Name, 0, err.Error(), false)
		response.AnthropicErrorJSON(c, app_errors.NewAPIError(app_errors.ErrDecodeFailed, "upstream response could not be decoded"))
		return
	}

	s.pool.ReportSuccess(entry.Name)
	s.usageService.RecordRequest(models.RequestStat{
		AccountName:  entry.Name,
		Model:        converted.UpstreamModel,
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
		IsStream:     false,
		DurationMs:   time.Since(startTime).Milliseconds(),
	})
	c.JSON(http.StatusOK, message)
}

// idleTimeoutBody closes the underlying body when a single Read stalls
// longer than the timeout, which unblocks the reader with an error.
type idleTimeoutBody struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
}

func newIdleTimeoutBody(rc io.ReadCloser, timeout time.Duration) io.ReadCloser {
	if timeout <= 0 {
		return rc
	}
	b := &idleTimeoutBody{rc: rc, timeout: timeout}
	b.timer = time.AfterFunc(timeout, func() {
		logrus.Warn("Upstream read idle timeout, closing stream")
		rc.Close()
	})
	return b
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	b.timer.Reset(b.timeout)
	n, err := b.rc.Read(p)
	b.timer.Stop()
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	return b.rc.Close()
}

// readErrorBody reads and decompresses a bounded upstream error body.
func readErrorBody(resp *http.Response) string {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamErrorBodySize))
	if err != nil {
		return ""
	}
	decoded, _ := utils.DecompressResponse(resp.Header.Get("Content-Encoding"), raw)
	return strings.TrimSpace(string(decoded))
}

func upstreamErrorMessage(statusCode int, body string) string {
	if body == "" {
		return fmt.Sprintf("upstream returned status %d", statusCode)
	}
	return fmt.Sprintf("upstream returned status %d: %s", statusCode, body)
}
