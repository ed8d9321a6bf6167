package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/wudi/edgegate/internal/gwerrors"
	"github.com/wudi/edgegate/internal/reqctx"
	"go.uber.org/zap"
)

// RecoveryConfig configures the recovery middleware
type RecoveryConfig struct {
	// PrintStack prints the stack trace when a panic occurs
	PrintStack bool
	// LogFunc is called when a panic occurs
	LogFunc func(err interface{}, stack []byte)
}

// DefaultRecoveryConfig provides default recovery settings; it has no
// logging side effect, for tests and standalone use.
var DefaultRecoveryConfig = RecoveryConfig{
	PrintStack: true,
}

// NewRecovery builds a recovery middleware that logs panics through logger.
func NewRecovery(logger *zap.Logger) Middleware {
	return RecoveryWithConfig(RecoveryConfig{
		PrintStack: true,
		LogFunc: func(err interface{}, stack []byte) {
			logger.Error("panic recovered", zap.Any("error", err), zap.ByteString("stack", stack))
		},
	})
}

// Recovery creates a panic recovery middleware
func Recovery() Middleware {
	return RecoveryWithConfig(DefaultRecoveryConfig)
}

// RecoveryWithConfig creates a recovery middleware with custom config
func RecoveryWithConfig(cfg RecoveryConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					// Get stack trace
					var stack []byte
					if cfg.PrintStack {
						stack = debug.Stack()
					}

					// Log the panic
					if cfg.LogFunc != nil {
						cfg.LogFunc(err, stack)
					}

					// Return 500 error
					gwErr := gwerrors.ErrInternal.WithDetails(fmt.Sprintf("panic: %v", err))

					if rc := reqctx.FromRequest(r); rc != nil && rc.RequestID != "" {
						gwErr = gwErr.WithRequestID(rc.RequestID)
					}

					gwErr.WriteJSON(w)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// RecoveryWithWriter creates a recovery middleware that writes to a custom writer
func RecoveryWithWriter(logFunc func(format string, args ...interface{})) Middleware {
	return RecoveryWithConfig(RecoveryConfig{
		PrintStack: true,
		LogFunc: func(err interface{}, stack []byte) {
			logFunc("[PANIC] %v\n%s", err, stack)
		},
	})
}
