package kube

import (
	"context"
	"errors"
	"fmt"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/mlsysops/continuum/pkg/errdefs"
)

// RetryDelay is the pause between the first attempt and the retry
var RetryDelay = 200 * time.Millisecond

// IsTransient reports whether err is worth one more attempt: timeouts,
// throttling, server-side 5xx and optimistic-lock conflicts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errdefs.ErrTransientAPI) {
		return true
	}
	return apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsInternalError(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsUnexpectedServerError(err) ||
		apierrors.IsConflict(err)
}

// RetryOnce calls f, and calls it a second time when the first error is
// transient. A transient error that persists is wrapped with
// errdefs.ErrTransientAPI; the api status stays inspectable with apierrors.
func RetryOnce[T any](ctx context.Context, f func() (T, error)) (T, error) {
	v, err := f()
	if err == nil || !IsTransient(err) {
		return v, err
	}

	select {
	case <-ctx.Done():
		return v, fmt.Errorf("%w: %w", errdefs.ErrTransientAPI, err)
	case <-time.After(RetryDelay):
	}

	v, err = f()
	if err != nil && IsTransient(err) && !errors.Is(err, errdefs.ErrTransientAPI) {
		err = fmt.Errorf("%w: %w", errdefs.ErrTransientAPI, err)
	}
	return v, err
}
