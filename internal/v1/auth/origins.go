package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ledmatrix/pairing-broker/internal/v1/logging"
)

// ValidateOrigin rejects a WebSocket upgrade whose Origin header doesn't
// scheme+host match one of allowedOrigins. A missing Origin header is
// permitted — non-browser clients (the embedded displays) don't send one.
func ValidateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(r.Context(), fmt.Sprintf("invalid origin URL: %s", origin))
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(context.Background(), fmt.Sprintf("origin not allowed: %s", origin))
	return fmt.Errorf("origin not allowed: %s", origin)
}
