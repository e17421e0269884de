package cache

import "fmt"

// ResponseKey namespaces an upstream response by its request signature.
func ResponseKey(signature string) string {
	return fmt.Sprintf("ai:response:%s", signature)
}

// RateLimitKey namespaces a sliding window by scope ("ai", "http") and caller.
func RateLimitKey(scope, callerID string) string {
	return fmt.Sprintf("ratelimit:%s:%s", scope, callerID)
}
