package middleware

import (
	"net/http"
	"os"

	"go.uber.org/zap"
)

// Exit terminates the process after a panic in a state critical route.
var Exit = os.Exit

// A state critical route is an HTTP handler that reads state the
// partition controller depends on. A panic while serving it means the
// owned-partitions view is inconsistent with the lease store, so the
// process exits and another host takes over its leases once they expire.
func StateCriticalRoute(h http.HandlerFunc, logger *zap.Logger) http.HandlerFunc {
	return func(res http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("state critical route panicked", zap.Any("err", err), zap.String("path", req.URL.Path))
				Exit(1)
			}
		}()
		h(res, req)
	}
}
