// Package llm provides LLM provider implementations and utilities.
package llm

import (
	"regexp"
	"strconv"
	"strings"
)

// ErrorType categorizes LLM errors for failover and user messaging decisions.
type ErrorType string

const (
	ErrorTypeUnknown         ErrorType = "unknown"
	ErrorTypeContextOverflow ErrorType = "context_overflow"
	ErrorTypeRateLimit       ErrorType = "rate_limit"
	ErrorTypeOverloaded      ErrorType = "overloaded"
	ErrorTypeAuth            ErrorType = "auth"
	ErrorTypeBilling         ErrorType = "billing"
	ErrorTypeTimeout         ErrorType = "timeout"
	ErrorTypeFormat          ErrorType = "format"
	ErrorTypeMaxTokens       ErrorType = "max_tokens" // max_tokens exceeds model limit
)

// ParseMaxTokensLimit checks if a message indicates max_tokens exceeds model limit.
// Returns (true, limit) if matched and limit could be parsed.
// Matches patterns like:
//   - "max_tokens: 8192 > 4096, which is the maximum allowed"
//   - "max_tokens must be <= 4096"
//   - "maximum.*output.*tokens.*4096"
func ParseMaxTokensLimit(msg string) (bool, int) {
	if msg == "" {
		return false, 0
	}

	// Pattern 1: "max_tokens: X > Y" (Anthropic style)
	// Example: "max_tokens: 8192 > 4096, which is the maximum allowed number of output tokens"
	re1 := regexp.MustCompile(`max_tokens:\s*\d+\s*>\s*(\d+)`)
	if matches := re1.FindStringSubmatch(msg); len(matches) > 1 {
		if limit, err := strconv.Atoi(matches[1]); err == nil {
			return true, limit
		}
	}

	// Pattern 2: "max_tokens must be <= X" or "max_tokens cannot exceed X"
	re2 := regexp.MustCompile(`max_tokens\s+(?:must be|cannot exceed|<=)\s*(\d+)`)
	if matches := re2.FindStringSubmatch(msg); len(matches) > 1 {
		if limit, err := strconv.Atoi(matches[1]); err == nil {
			return true, limit
		}
	}

	// Pattern 3: Generic "maximum ... output tokens ... N" (fallback)
	re3 := regexp.MustCompile(`maximum.*?output.*?tokens.*?(\d+)`)
	if matches := re3.FindStringSubmatch(strings.ToLower(msg)); len(matches) > 1 {
		if limit, err := strconv.Atoi(matches[1]); err == nil {
			return true, limit
		}
	}

	// Check if it's a max_tokens error even if we can't parse the limit
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "max_tokens") &&
		(strings.Contains(lower, "maximum") || strings.Contains(lower, "exceed") || strings.Contains(lower, ">")) {
		return true, 0 // It's a max_tokens error but we couldn't parse the limit
	}

	return false, 0
}

// IsMaxTokensMessage checks if a message indicates max_tokens error (without parsing limit).
func IsMaxTokensMessage(msg string) bool {
	isMaxTokens, _ := ParseMaxTokensLimit(msg)
	return isMaxTokens
}

// ClassifyError determines the error type from an error message.
// Returns ErrorTypeUnknown if the error doesn't match any known pattern.
func ClassifyError(msg string) ErrorType {
	if msg == "" {
		return ErrorTypeUnknown
	}
	// Check in order of specificity
	// max_tokens must be checked BEFORE auth to avoid misclassification
	// (400 Bad Request with invalid_request_error was being classified as auth)
	if IsMaxTokensMessage(msg) {
		return ErrorTypeMaxTokens
	}
	if IsContextOverflowMessage(msg) {
		return ErrorTypeContextOverflow
	}
	if IsRateLimitMessage(msg) {
		return ErrorTypeRateLimit
	}
	if IsOverloadedMessage(msg) {
		return ErrorTypeOverloaded
	}
	if IsBillingMessage(msg) {
		return ErrorTypeBilling
	}
	if IsAuthMessage(msg) {
		return ErrorTypeAuth
	}
	if IsTimeoutMessage(msg) {
		return ErrorTypeTimeout
	}
	if IsFormatMessage(msg) {
		return ErrorTypeFormat
	}
	return ErrorTypeUnknown
}

// IsFailoverError returns true if the error type should trigger model failover.
// Failover errors: rate_limit, auth, billing, timeout, overloaded
// Non-failover: context_overflow (needs compaction), format (session corruption),
//               max_tokens (retry with capped value first), unknown
func IsFailoverError(errType ErrorType) bool {
	switch errType {
	case ErrorTypeRateLimit, ErrorTypeAuth, ErrorTypeBilling, ErrorTypeTimeout, ErrorTypeOverloaded:
		return true
	case ErrorTypeMaxTokens:
		return false // Retry with capped tokens first, don't failover immediately
	default:
		return false
	}
}

// IsContextOverflowMessage checks if an error message indicates context overflow.
// Use this when you have a string instead of an error.
func IsContextOverflowMessage(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)

	// LM Studio
	if strings.Contains(lower, "context size has been exceeded") {
		return true
	}

	// OpenAI / OpenRouter
	if strings.Contains(lower, "context_length_exceeded") {
		return true
	}

	// Anthropic
	if strings.Contains(lower, "context length exceeded") {
		return true
	}

	// Common patterns
	if strings.Contains(lower, "maximum context length") ||
		strings.Contains(lower, "prompt is too long") ||
		strings.Contains(lower, "request_too_large") ||
		strings.Contains(lower, "request exceeds the maximum size") ||
		strings.Contains(lower, "exceeds model context window") ||
		strings.Contains(lower, "context overflow") ||
		strings.Contains(lower, "exceeded model token limit") || // Kimi
		strings.Contains(lower, "too many tokens") ||
		strings.Contains(lower, "contextwindowexceedederror") {
		return true
	}

	// HTTP 413 with size indication
	if strings.Contains(lower, "413") && strings.Contains(lower, "too large") {
		return true
	}

	// Request size + context combination
	if strings.Contains(lower, "request size exceeds") && strings.Contains(lower, "context") {
		return true
	}

	return false
}

// IsRateLimitMessage checks if a message indicates rate limiting.
func IsRateLimitMessage(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)

	// HTTP 429
	if strings.Contains(lower, "429") {
		return true
	}

	// Common patterns
	if strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "exceeded your current quota") ||
		strings.Contains(lower, "quota exceeded") ||
		strings.Contains(lower, "resource_exhausted") ||
		strings.Contains(lower, "resource has been exhausted") ||
		strings.Contains(lower, "usage limit") ||
		strings.Contains(lower, "requests per minute") ||
		strings.Contains(lower, "requests per day") {
		return true
	}

	return false
}

// IsOverloadedMessage checks if a message indicates the service is overloaded.
func IsOverloadedMessage(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)

	// HTTP 503
	if strings.Contains(lower, "503") && (strings.Contains(lower, "service") || strings.Contains(lower, "unavailable")) {
		return true
	}

	// Common patterns
	if strings.Contains(lower, "overloaded_error") ||
		strings.Contains(lower, "overloaded") ||
		strings.Contains(lower, "server is busy") ||
		strings.Contains(lower, "temporarily unavailable") ||
		strings.Contains(lower, "capacity") {
		return true
	}

	return false
}

// IsAuthMessage checks if a message indicates authentication failure.
func IsAuthMessage(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)

	// HTTP 401, 403
	if strings.Contains(lower, "401") || strings.Contains(lower, "403") {
		return true
	}

	// Common patterns
	if strings.Contains(lower, "invalid api key") ||
		strings.Contains(lower, "invalid_api_key") ||
		strings.Contains(lower, "incorrect api key") ||
		strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "forbidden") ||
		strings.Contains(lower, "access denied") ||
		strings.Contains(lower, "token has expired") ||
		strings.Contains(lower, "authentication") ||
		strings.Contains(lower, "no api key found") ||
		strings.Contains(lower, "api key not found") ||
		strings.Contains(lower, "invalid credentials") {
		return true
	}

	return false
}

// IsBillingMessage checks if a message indicates billing/payment issues.
func IsBillingMessage(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)

	// HTTP 402
	if strings.Contains(lower, "402") {
		return true
	}

	// Common patterns
	if strings.Contains(lower, "payment required") ||
		strings.Contains(lower, "insufficient credits") ||
		strings.Contains(lower, "credit balance") ||
		strings.Contains(lower, "plans & billing") ||
		strings.Contains(lower, "billing") ||
		strings.Contains(lower, "insufficient_quota") ||
		strings.Contains(lower, "account balance") {
		return true
	}

	return false
}

// IsTimeoutMessage checks if a message indicates a timeout.
func IsTimeoutMessage(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)

	// HTTP 408, 504
	if strings.Contains(lower, "408") || strings.Contains(lower, "504") {
		return true
	}

	// Common patterns
	if strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "deadline exceeded") ||
		strings.Contains(lower, "context deadline exceeded") ||
		strings.Contains(lower, "request cancelled") ||
		strings.Contains(lower, "connection reset") {
		return true
	}

	return false
}

// IsFormatMessage checks if a message indicates invalid request format.
func IsFormatMessage(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)

	// Common patterns
	if strings.Contains(lower, "invalid request format") ||
		strings.Contains(lower, "roles must alternate") ||
		strings.Contains(lower, "incorrect role information") ||
		strings.Contains(lower, "tool_use.id") ||
		strings.Contains(lower, "messages.*.content") ||
		strings.Contains(lower, "invalid_request_error") ||
		strings.Contains(lower, "malformed") ||
		strings.Contains(lower, "schema validation") {
		return true
	}

	return false
}
