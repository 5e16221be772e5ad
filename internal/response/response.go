// Package response provides standardized JSON response helpers, including the
// Anthropic-shaped error body used on the proxy surface.
package response

import (
	"net/http"

	app_errors "kiro-load/internal/errors"

	"github.com/gin-gonic/gin"
)

// SuccessResponse defines the standard JSON success response structure used
// on the admin surface.
type SuccessResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ErrorResponse defines the standard JSON error response structure used on
// the admin surface.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AnthropicError is the error body shape expected by Anthropic API clients.
type AnthropicError struct {
	Type  string              `json:"type"`
	Error AnthropicErrorInner `json:"error"`
}

// AnthropicErrorInner carries the error type and message.
type AnthropicErrorInner struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Success sends a standardized success response.
func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// Error sends a standardized error response using an APIError.
func Error(c *gin.Context, apiErr *app_errors.APIError) {
	c.JSON(apiErr.HTTPStatus, ErrorResponse{
		Code:    apiErr.Code,
		Message: apiErr.Message,
	})
}

// AnthropicErrorJSON sends an Anthropic-shaped error body. Used on the
// /v1/messages surface where clients parse the Anthropic error schema.
func AnthropicErrorJSON(c *gin.Context, apiErr *app_errors.APIError) {
	c.JSON(apiErr.HTTPStatus, AnthropicError{
		Type: "error",
		Error: AnthropicErrorInner{
			Type:    app_errors.AnthropicErrorType(apiErr.HTTPStatus),
			Message: apiErr.Message,
		},
	})
}
