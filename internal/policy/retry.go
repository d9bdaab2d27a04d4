package policy

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/arohanajit/simplecql/internal/cql"
)

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 10 * time.Millisecond
	defaultMaxBackoff     = 500 * time.Millisecond
)

// Decision is what the executor does after a failed attempt
type Decision int

const (
	// Rethrow surfaces the error to the caller
	Rethrow Decision = iota
	// RetryNext tries the next node of the query plan after a backoff
	RetryNext
)

func (d Decision) String() string {
	if d == RetryNext {
		return "retry_next"
	}
	return "rethrow"
}

// RetryPolicy decides whether a failed attempt is retried
type RetryPolicy interface {
	Decide(err error, attempt int, idempotent bool) Decision
	NewBackOff() backoff.BackOff
	MaxAttempts() int
}

// ExponentialRetry retries transport failures, timeouts and node-level
// errors on the next node up to a bounded number of attempts, sleeping with
// exponential backoff between them. Write timeouts are retried only for
// idempotent statements. Query errors are never retried.
type ExponentialRetry struct {
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewExponentialRetry creates a new instance of ExponentialRetry
func NewExponentialRetry(maxAttempts int, initialBackoff, maxBackoff time.Duration) *ExponentialRetry {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if initialBackoff <= 0 {
		initialBackoff = defaultInitialBackoff
	}
	if maxBackoff < initialBackoff {
		maxBackoff = defaultMaxBackoff
		if maxBackoff < initialBackoff {
			maxBackoff = initialBackoff
		}
	}
	return &ExponentialRetry{
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
	}
}

// MaxAttempts returns the total attempt budget, first attempt included
func (r *ExponentialRetry) MaxAttempts() int { return r.maxAttempts }

// Decide classifies err from attempt (1-based)
func (r *ExponentialRetry) Decide(err error, attempt int, idempotent bool) Decision {
	if attempt >= r.maxAttempts || !Retriable(err, idempotent) {
		return Rethrow
	}
	return RetryNext
}

// NewBackOff returns a fresh backoff for one request
func (r *ExponentialRetry) NewBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.initialBackoff
	bo.MaxInterval = r.maxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()
	return backoff.WithMaxRetries(bo, uint64(r.maxAttempts-1))
}

// Retriable reports whether err may succeed on another node. A write timeout
// or a request that never got a response may already have been applied, so
// those are only retried for idempotent statements.
func Retriable(err error, idempotent bool) bool {
	var (
		connErr    *cql.ConnectionError
		timeoutErr *cql.TimeoutError
		nodeErr    *cql.NodeError
	)
	switch {
	case errors.As(err, &connErr):
		return true
	case errors.As(err, &timeoutErr):
		if timeoutErr.IsWrite() || timeoutErr.Code == 0 {
			return idempotent
		}
		return true
	case errors.As(err, &nodeErr):
		return true
	default:
		return false
	}
}

// Reason labels err for retry metrics
func Reason(err error) string {
	var (
		connErr    *cql.ConnectionError
		timeoutErr *cql.TimeoutError
		nodeErr    *cql.NodeError
	)
	switch {
	case errors.As(err, &connErr):
		return "connection"
	case errors.As(err, &timeoutErr):
		switch timeoutErr.Code {
		case 0:
			return "client_timeout"
		case cql.CodeReadTimeout:
			return "read_timeout"
		default:
			return "write_timeout"
		}
	case errors.As(err, &nodeErr):
		return "node_error"
	default:
		return "other"
	}
}
