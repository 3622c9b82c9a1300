package gate

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var logger atomic.Pointer[zap.Logger]

func init() {
	logger.Store(zap.NewNop())
}

// Logger returns the gate package's logger instance.
// It uses a no-op logger by default.
func Logger() *zap.Logger {
	return logger.Load()
}

// SetLogger configures the gate package's logger. A nil logger restores the
// no-op default. It is safe to call while operations are running.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}
