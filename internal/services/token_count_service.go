package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"kiro-load/internal/types"
	"kiro-load/internal/utils"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// TokenCountService approximates token counts over the Anthropic request
// shape, optionally delegating to an external counting service.
type TokenCountService struct {
	config types.TokenCountConfig
	client *http.Client
}

// NewTokenCountService creates the token counting service.
func NewTokenCountService(configManager types.ConfigManager) *TokenCountService {
	return &TokenCountService{
		config: configManager.GetTokenCountConfig(),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// CountTokens returns the input token count for a Messages request body.
// When an external counting service is configured, its result wins; on any
// delegation failure the local estimate is returned.
func (s *TokenCountService) CountTokens(ctx context.Context, body []byte) int64 {
	if s.config.URL != "" {
		if count, err := s.delegate(ctx, body); err == nil {
			return count
		} else {
			logrus.WithError(err).Warn("External token counting failed, falling back to local estimate")
		}
	}
	return s.Estimate(body)
}

// Estimate approximates the input token count of a Messages request from
// its text content: system entries, message text parts, tool results, and
// tool schemas.
func (s *TokenCountService) Estimate(body []byte) int64 {
	root := gjson.ParseBytes(body)
	var total int64

	system := root.Get("system")
	if system.Type == gjson.String {
		total += int64(utils.EstimateTokensFromString(system.String()))
	} else if system.IsArray() {
		system.ForEach(func(_, part gjson.Result) bool {
			total += int64(utils.EstimateTokensFromString(part.Get("text").String()))
			return true
		})
	}

	root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if content.Type == gjson.String {
			total += int64(utils.EstimateTokensFromString(content.String()))
			return true
		}
		content.ForEach(func(_, part gjson.Result) bool {
			switch part.Get("type").String() {
			case "text":
				total += int64(utils.EstimateTokensFromString(part.Get("text").String()))
			case "tool_use":
				total += int64(utils.EstimateTokensFromString(part.Get("input").Raw))
			case "tool_result":
				total += int64(utils.EstimateTokensFromString(part.Get("content").Raw))
			}
			return true
		})
		return true
	})

	root.Get("tools").ForEach(func(_, tool gjson.Result) bool {
		total += int64(utils.EstimateTokensFromString(tool.Raw))
		return true
	})

	// Per-message framing overhead.
	total += int64(len(root.Get("messages").Array())) * 3
	if total < 1 {
		total = 1
	}
	return total
}

// delegate forwards the request body to the configured counting service and
// reads back {input_tokens}.
func (s *TokenCountService) delegate(ctx context.Context, body []byte) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build count request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.Key != "" {
		if strings.EqualFold(s.config.AuthType, "bearer") {
			req.Header.Set("Authorization", "Bearer "+s.config.Key)
		} else {
			req.Header.Set("x-api-key", s.config.Key)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("count request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("count service returned %d", resp.StatusCode)
	}

	var parsed struct {
		InputTokens int64 `json:"input_tokens"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return 0, fmt.Errorf("failed to parse count response: %w", err)
	}
	if parsed.InputTokens <= 0 {
		return 0, fmt.Errorf("count service returned non-positive count")
	}
	return parsed.InputTokens, nil
}
