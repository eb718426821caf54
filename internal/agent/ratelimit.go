package agent

import "strings"

// rateLimitPatterns are substrings that identify a provider rate-limit
// or quota failure in agent output. Matching is case-insensitive.
var rateLimitPatterns = []string{
	"rate limit",
	"rate_limit_error",
	"429",
	"too many requests",
	"overloaded_error",
	"quota exceeded",
	"usage limit reached",
	"capacity constraints",
}

// IsRateLimited reports whether output indicates the agent exited
// because the provider throttled it. Rate-limit exits are retried with
// backoff rather than counted as task failures.
func IsRateLimited(output string) bool {
	lower := strings.ToLower(output)
	for _, pattern := range rateLimitPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
