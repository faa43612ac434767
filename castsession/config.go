package castsession

import (
	"os"
	"strconv"

	"castrelay.app/castrelay/dedup"
)

// Compiled defaults, overridable per call and via environment.
const (
	DefaultWSURL    = "wss://relay.castrelay.app/socket/websocket"
	DefaultAuthURL  = "https://auth.castrelay.app/api/v1/tokens/anonymous"
	DefaultPlatform = "tv"

	envWSURL       = "CASTRELAY_WS_URL"
	envAuthURL     = "CASTRELAY_AUTH_URL"
	envPlatform    = "CASTRELAY_PLATFORM"
	envDedupWindow = "CASTRELAY_DEDUP_WINDOW"
)

// ResolveWSURL picks the websocket URL: explicit override, then environment,
// then the compiled default.
func ResolveWSURL(override string) string {
	if override != "" {
		return override
	}
	if v := os.Getenv(envWSURL); v != "" {
		return v
	}
	return DefaultWSURL
}

// ResolveAuthURL picks the token endpoint the same way.
func ResolveAuthURL(override string) string {
	if override != "" {
		return override
	}
	if v := os.Getenv(envAuthURL); v != "" {
		return v
	}
	return DefaultAuthURL
}

// ResolvePlatform picks the platform tag sent on socket init.
func ResolvePlatform(override string) string {
	if override != "" {
		return override
	}
	if v := os.Getenv(envPlatform); v != "" {
		return v
	}
	return DefaultPlatform
}

// ResolveDedupWindow picks the dedup window size: explicit override, then
// environment, then the compiled default of 100.
func ResolveDedupWindow(override int) int {
	if override > 0 {
		return override
	}
	if v := os.Getenv(envDedupWindow); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return dedup.DefaultWindow
}
