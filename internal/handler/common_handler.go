// Package handler implements the HTTP handlers outside the proxy hot path:
// health, model listing, token counting, and the admin surface.
package handler

import (
	"io"
	"net/http"
	"time"

	app_errors "kiro-load/internal/errors"
	"kiro-load/internal/response"
	"kiro-load/internal/services"
	"kiro-load/internal/translator"

	"github.com/gin-gonic/gin"
)

// CommonHandler serves health, model listing, and token counting.
type CommonHandler struct {
	tokenCounter *services.TokenCountService
	startTime    time.Time
}

// NewCommonHandler creates the common handler.
func NewCommonHandler(tokenCounter *services.TokenCountService) *CommonHandler {
	return &CommonHandler{
		tokenCounter: tokenCounter,
		startTime:    time.Now(),
	}
}

// Health serves GET /health.
func (h *CommonHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"uptime": time.Since(h.startTime).String(),
	})
}

// modelInfo is one entry of the /v1/models listing.
type modelInfo struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	DisplayName string `json:"display_name"`
}

// ListModels serves GET /v1/models with the static model list.
func (h *CommonHandler) ListModels(c *gin.Context) {
	data := make([]modelInfo, 0, len(translator.SupportedModels))
	for _, id := range translator.SupportedModels {
		data = append(data, modelInfo{ID: id, Type: "model", DisplayName: id})
	}
	c.JSON(http.StatusOK, gin.H{
		"data":     data,
		"has_more": false,
	})
}

// CountTokens serves POST /v1/messages/count_tokens.
func (h *CommonHandler) CountTokens(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.AnthropicErrorJSON(c, app_errors.NewAPIError(app_errors.ErrBadRequest, "failed to read request body"))
		return
	}

	count := h.tokenCounter.CountTokens(c.Request.Context(), body)
	c.JSON(http.StatusOK, gin.H{"input_tokens": count})
}
