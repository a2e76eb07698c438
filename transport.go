package registrycore

import (
	"context"
	"time"
)

// Transport is the server push/pull contract of §6. It fixes the request and
// response shape the spec requires; the core never assumes a concrete wire
// format beyond it. A single Transport value is shared by the Internal Sync
// Engine across every tenant it is asked to sync.
type Transport interface {
	// Push sends a chunk of events for the given tenant and config. token is
	// the bearer token the Sync Engine attaches as "Authorization: Bearer
	// <token>" per §6; implementations talking to a real server set that
	// header from it. Push returns a Transport-kinded error on network
	// failure or a non-2xx response; the Sync Engine treats such errors as
	// retriable.
	Push(ctx context.Context, token, tenantID string, events []*Event) error

	// Pull fetches a page of events newer than since. next is nil when the
	// server reports no further pages.
	Pull(ctx context.Context, token, tenantID string, since time.Time) (events []*Event, next *time.Time, err error)

	// PushAudit ships a batch of audit entries alongside an event push.
	PushAudit(ctx context.Context, token, tenantID string, entries []*AuditEntry) error
}

// RetryPolicy configures the Internal Sync Engine's push-chunk retry loop
// (§4.G, §5 timeouts paragraph).
type RetryPolicy struct {
	MaxAttempts int           // default 3
	BaseDelay   time.Duration // default 1s; actual delay is BaseDelay * attempt
}

func (r RetryPolicy) orDefaults() RetryPolicy {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = time.Second
	}
	return r
}

// isRetriable reports whether err should be retried by the bounded-backoff
// loop. Only Transport-kinded errors are considered transient; every other
// kind aborts the cycle immediately per §7's propagation policy.
func isRetriable(err error) bool {
	return KindOf(err) == KindTransport
}
