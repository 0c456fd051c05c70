package httputil

import (
	"fmt"
	"net/http"

	"github.com/block/telespool/internal/logging"
)

// LoggingMiddleware attaches a request-scoped logger to the request context
// and logs each request at debug level.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := logging.FromContext(r.Context()).With("request", fmt.Sprintf("%s %s", r.Method, r.RequestURI))
		r = r.WithContext(logging.ContextWithLogger(r.Context(), logger))
		logger.Debug("Request received")
		next.ServeHTTP(w, r)
	})
}
