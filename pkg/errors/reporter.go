package errors

import (
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// Reporter sends fatal errors to an external error tracker.
type Reporter interface {
	Report(err error, tags map[string]string)
	Flush(timeout time.Duration) bool
}

// NopReporter drops every report.
type NopReporter struct{}

func (NopReporter) Report(error, map[string]string) {}

func (NopReporter) Flush(time.Duration) bool { return true }

// SentryReporter reports errors to Sentry through its own hub.
type SentryReporter struct {
	hub    *sentry.Hub
	logger *zap.Logger
}

// NewSentryReporter creates a reporter for the given DSN.
// An empty DSN yields a reporter whose client drops events.
func NewSentryReporter(dsn, environment, release string, logger *zap.Logger) (*SentryReporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return nil, NewInternalError("", "failed to create sentry client", "SENTRY_INIT_FAILED", err)
	}
	hub := sentry.NewHub(client, sentry.NewScope())
	return &SentryReporter{hub: hub, logger: logger}, nil
}

// Report captures err with the supplied tags. CompilationErrors also get
// their tenant triple and path attached as tags.
func (r *SentryReporter) Report(err error, tags map[string]string) {
	if err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		if ce, ok := AsCompilationError(err); ok {
			scope.SetTag("account_id", ce.AccountID)
			scope.SetTag("org_id", ce.OrgID)
			scope.SetTag("project_id", ce.ProjectID)
			scope.SetTag("path", ce.Path)
		}
		if id := r.hub.CaptureException(err); id != nil {
			r.logger.Debug("Reported error to sentry", zap.String("event_id", string(*id)))
		}
	})
}

// Flush waits for queued events to be sent.
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}
