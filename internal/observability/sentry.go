package observability

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// InitSentry wires error reporting when SENTRY_DSN is set; without a DSN the
// API runs fine and captures become no-ops.
func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
	})
}

// FlushSentry drains buffered events. Called on shutdown and, in the
// serverless entry, before the handler returns.
func FlushSentry() {
	sentry.Flush(2 * time.Second)
}
