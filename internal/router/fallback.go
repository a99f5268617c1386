package router

import (
	"fmt"

	"github.com/bigdegenenergy/open-cloud-ops/bulwark/pkg/models"
)

// Fallback reasons attached to degraded responses.
const (
	ReasonRateLimited     = "rate_limited"
	ReasonBudgetExhausted = "budget_exhausted"
	ReasonProvidersDown   = "providers_unavailable"
)

// fallbackMessages holds the degraded-but-useful canned reply per operation
// class. The presentation layer uses Response.Degraded and Reason to decide
// whether to show a service notice alongside.
var fallbackMessages = map[models.OperationClass]string{
	models.OpHelp: "The AI assistant is temporarily unavailable. Please consult the " +
		"built-in documentation for this section, or try again in a few minutes.",
	models.OpAnalysis: "Automated analysis is temporarily unavailable. Your request has " +
		"been noted; previously generated analyses remain valid and can be found in " +
		"your reports section.",
	models.OpRecommendations: "Personalized recommendations are temporarily unavailable. " +
		"As general guidance, review your highest-severity open findings first and " +
		"re-run this request shortly.",
	models.OpQuickCheck: "Quick checks are temporarily unavailable. Please retry in a " +
		"few minutes.",
	models.OpStreaming: "Live responses are temporarily unavailable. Please retry in a " +
		"few minutes.",
}

const genericFallbackMessage = "The AI service is temporarily unavailable. Please try again shortly."

// fallbackText returns the canned degraded reply for a task type.
func fallbackText(taskType models.OperationClass, reason string) string {
	msg, ok := fallbackMessages[taskType]
	if !ok {
		msg = genericFallbackMessage
	}
	if reason == ReasonRateLimited {
		return fmt.Sprintf("You have made too many %s requests. %s", taskType, msg)
	}
	return msg
}
