package forwarder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is the retry policy applied around a single-attempt send.
// RetryCount is the number of additional attempts after the first.
type Policy struct {
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	// Backoff selects the delay progression between attempts:
	// "constant" (default) or "exponential".
	Backoff string `yaml:"backoff"`
}

func (p Policy) withDefaults() Policy {
	if p.Timeout <= 0 {
		p.Timeout = 10 * time.Second
	}
	if p.RetryCount < 0 {
		p.RetryCount = 0
	}
	if p.RetryDelay <= 0 {
		p.RetryDelay = time.Second
	}
	return p
}

func (p Policy) backoff() backoff.BackOff {
	if p.Backoff == "exponential" {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = p.RetryDelay
		b.MaxInterval = 30 * time.Second
		b.MaxElapsedTime = 0
		return b
	}
	return backoff.NewConstantBackOff(p.RetryDelay)
}

// sendFunc performs one delivery attempt. statusCode is zero for protocols
// without an application-level status.
type sendFunc func(ctx context.Context, body []byte) (statusCode int, err error)

// statusError marks an application-level rejection (HTTP non-2xx). 5xx is
// transient, 4xx short-circuits the retry loop.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

// isTransient reports whether err should trigger another attempt.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// run executes send up to 1+RetryCount times with the policy delay between
// attempts. Non-transient errors short-circuit. The returned retry count is
// the number of attempts beyond the first.
func (p Policy) run(ctx context.Context, body []byte, send sendFunc) (Status, int, int, error) {
	bo := p.backoff()
	var lastErr error
	var lastCode int

	for attempt := 0; attempt <= p.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return StatusFailed, lastCode, attempt - 1, ctx.Err()
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		code, err := send(attemptCtx, body)
		cancel()

		if err == nil {
			return StatusSuccess, code, attempt, nil
		}
		lastErr, lastCode = err, code

		if !isTransient(err) {
			return StatusFailed, code, attempt, err
		}
		if ctx.Err() != nil {
			break
		}
	}

	if isTimeout(lastErr) {
		return StatusTimeout, lastCode, p.RetryCount, lastErr
	}
	return StatusFailed, lastCode, p.RetryCount, lastErr
}
