// Package errdefs defines the error kinds shared by every agent tier.
//
// Errors are plain sentinels wrapped with fmt.Errorf("...: %w", ...). Callers
// branch with errors.Is; Kind returns the short name used in logs, metrics
// and PLAN_EXECUTED payloads.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	ErrTransientAPI         = errors.New("transient api error")
	ErrResourceVersionStale = errors.New("resource version stale")
	ErrDuplicateName        = errors.New("duplicate name")
	ErrUnsupportedMutation  = errors.New("unsupported mutation")
	ErrHostIneligible       = errors.New("host ineligible")
	ErrHostNotPlaced        = errors.New("host not placed")
	ErrPodNeverReady        = errors.New("pod never ready")
	ErrPredecessorStuck     = errors.New("predecessor stuck")
	ErrNoEffectiveChange    = errors.New("no effective change")
	ErrUnknownPlan          = errors.New("unknown plan")
	ErrValidationFailed     = errors.New("validation failed")
	ErrNotFound             = errors.New("not found")
	ErrFatalConfig          = errors.New("fatal config error")
	ErrBacklogFull          = errors.New("backlog full")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrTransientAPI, "TransientAPIError"},
	{ErrResourceVersionStale, "ResourceVersionStale"},
	{ErrDuplicateName, "DuplicateName"},
	{ErrUnsupportedMutation, "UnsupportedMutation"},
	{ErrHostIneligible, "HostIneligible"},
	{ErrHostNotPlaced, "HostNotPlaced"},
	{ErrPodNeverReady, "PodNeverReady"},
	{ErrPredecessorStuck, "PredecessorStuck"},
	{ErrNoEffectiveChange, "NoEffectiveChange"},
	{ErrUnknownPlan, "UnknownPlan"},
	{ErrValidationFailed, "ValidationFailed"},
	{ErrNotFound, "NotFound"},
	{ErrFatalConfig, "FatalConfig"},
	{ErrBacklogFull, "BacklogFull"},
}

// Kind returns the taxonomy name of err, or "Internal" when err wraps none of
// the known kinds. A nil error has kind "".
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}

// Wrap annotates kind with a formatted message.
func Wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
