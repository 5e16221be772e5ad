// Package translator implements the bidirectional mapping between the
// Anthropic Messages API and the Kiro upstream: request conversion, the
// streaming SSE assembler, and the non-stream aggregator.
package translator

import "strings"

// Upstream model tags.
const (
	ModelOpus   = "claude-opus-4.5"
	ModelHaiku  = "claude-haiku-4.5"
	ModelSonnet = "claude-sonnet-4.5"
)

// SupportedModels is the static list served by /v1/models.
var SupportedModels = []string{
	ModelOpus,
	ModelSonnet,
	ModelHaiku,
}

// MapModel maps an Anthropic model identifier onto an upstream model tag by
// substring. Anything that is not an opus or haiku variant falls back to
// sonnet.
func MapModel(model string) string {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "opus"):
		return ModelOpus
	case strings.Contains(lower, "haiku"):
		return ModelHaiku
	default:
		return ModelSonnet
	}
}
