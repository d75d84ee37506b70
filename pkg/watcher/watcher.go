package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/events"
	"github.com/mlsysops/continuum/pkg/log"
	"github.com/mlsysops/continuum/pkg/metrics"
)

// Source lists and watches one kind of resource
type Source interface {
	Kind() string
	List(ctx context.Context) ([]runtime.Object, string, error)
	Watch(ctx context.Context, resourceVersion string) (watch.Interface, error)
}

// Event is one typed change of a watched resource
type Event struct {
	Op              string
	Kind            string
	Name            string
	Namespace       string
	UID             string
	ResourceVersion string
	Object          runtime.Object
}

// Sink receives events in the order the watcher saw them. A Sink error other
// than cancellation is logged and the event is skipped.
type Sink func(ctx context.Context, ev Event) error

type known struct {
	resourceVersion string
	obj             runtime.Object
}

// Watcher tails a Source and emits ADDED, MODIFIED and DELETED events.
//
// The watcher remembers the last version of every object it has emitted, so a
// re-list after a stale resourceVersion only emits real differences.
type Watcher struct {
	source          Source
	sink            Sink
	limiter         *rate.Limiter
	logger          zerolog.Logger
	resourceVersion string
	objects         map[string]known
	synced          chan struct{}
	syncOnce        sync.Once
}

// Option configures a Watcher
type Option func(*Watcher)

// WithLimiter replaces the reconnect limiter (default: 1/s, burst 3)
func WithLimiter(l *rate.Limiter) Option {
	return func(w *Watcher) { w.limiter = l }
}

// New creates a watcher over source delivering to sink
func New(source Source, sink Sink, opts ...Option) *Watcher {
	w := &Watcher{
		source:  source,
		sink:    sink,
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
		logger:  log.WithComponent("watcher").With().Str("kind", source.Kind()).Logger(),
		objects: make(map[string]known),
		synced:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ResourceVersion returns the last observed resourceVersion
func (w *Watcher) ResourceVersion() string {
	return w.resourceVersion
}

// Synced is closed once the first list has been delivered to the sink
func (w *Watcher) Synced() <-chan struct{} {
	return w.synced
}

// Run lists, then watches until ctx is cancelled. Watch expiry and server
// timeouts reconnect; a stale resourceVersion triggers a re-list.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}

		if w.resourceVersion == "" {
			if err := w.relist(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.logger.Warn().Err(err).Msg("List failed")
				continue
			}
		}

		wi, err := w.source.Watch(ctx, w.resourceVersion)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isStale(err) {
				w.logger.Info().Str("resourceVersion", w.resourceVersion).Msg("Resource version too old, re-listing")
				w.resourceVersion = ""
				continue
			}
			w.logger.Warn().Err(err).Msg("Watch failed")
			continue
		}

		err = w.consume(ctx, wi)
		wi.Stop()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errdefs.ErrResourceVersionStale) {
			w.logger.Info().Str("resourceVersion", w.resourceVersion).Msg("Resource version too old, re-listing")
			w.resourceVersion = ""
		} else if err != nil {
			w.logger.Warn().Err(err).Msg("Watch interrupted")
		}
	}
}

func (w *Watcher) consume(ctx context.Context, wi watch.Interface) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-wi.ResultChan():
			if !ok {
				// server-side timeout; resume from the last version
				return nil
			}
			switch ev.Type {
			case watch.Bookmark:
				if acc, err := meta.Accessor(ev.Object); err == nil {
					w.resourceVersion = acc.GetResourceVersion()
				}
			case watch.Error:
				err := apierrors.FromObject(ev.Object)
				if isStale(err) {
					return fmt.Errorf("%w: %v", errdefs.ErrResourceVersionStale, err)
				}
				return err
			case watch.Added, watch.Modified, watch.Deleted:
				if err := w.observe(ctx, ev.Type, ev.Object); err != nil {
					return err
				}
			}
		}
	}
}

// observe folds one watch event into the known set and emits it. An ADDED for
// an object already known at the same version is a catch-up and emits nothing.
func (w *Watcher) observe(ctx context.Context, t watch.EventType, obj runtime.Object) error {
	acc, err := meta.Accessor(obj)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Dropping event without object metadata")
		return nil
	}
	key := keyOf(acc.GetNamespace(), acc.GetName())
	rv := acc.GetResourceVersion()
	w.resourceVersion = rv

	prev, seen := w.objects[key]
	op := events.OpAdded
	switch t {
	case watch.Deleted:
		delete(w.objects, key)
		return w.emit(ctx, events.OpDeleted, obj)
	case watch.Added, watch.Modified:
		if seen {
			if prev.resourceVersion == rv {
				return nil
			}
			op = events.OpModified
		}
	}
	w.objects[key] = known{resourceVersion: rv, obj: obj}
	return w.emit(ctx, op, obj)
}

// relist refreshes the baseline and emits the difference against what was
// already known
func (w *Watcher) relist(ctx context.Context) error {
	objs, rv, err := w.source.List(ctx)
	if err != nil {
		return err
	}
	metrics.WatcherRelists.WithLabelValues(w.source.Kind()).Inc()

	present := make(map[string]bool, len(objs))
	for _, obj := range objs {
		acc, err := meta.Accessor(obj)
		if err != nil {
			continue
		}
		key := keyOf(acc.GetNamespace(), acc.GetName())
		present[key] = true

		prev, seen := w.objects[key]
		if seen && prev.resourceVersion == acc.GetResourceVersion() {
			continue
		}
		op := events.OpAdded
		if seen {
			op = events.OpModified
		}
		w.objects[key] = known{resourceVersion: acc.GetResourceVersion(), obj: obj}
		if err := w.emit(ctx, op, obj); err != nil {
			return err
		}
	}

	for key, prev := range w.objects {
		if present[key] {
			continue
		}
		delete(w.objects, key)
		if err := w.emit(ctx, events.OpDeleted, prev.obj); err != nil {
			return err
		}
	}

	w.resourceVersion = rv
	w.syncOnce.Do(func() { close(w.synced) })
	return nil
}

func (w *Watcher) emit(ctx context.Context, op string, obj runtime.Object) error {
	acc, err := meta.Accessor(obj)
	if err != nil {
		return nil
	}
	ev := Event{
		Op:              op,
		Kind:            w.source.Kind(),
		Name:            acc.GetName(),
		Namespace:       acc.GetNamespace(),
		UID:             string(acc.GetUID()),
		ResourceVersion: acc.GetResourceVersion(),
		Object:          obj,
	}
	metrics.WatcherEvents.WithLabelValues(ev.Kind, op).Inc()

	if err := w.sink(ctx, ev); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Warn().Err(err).Str("name", ev.Name).Str("op", op).Msg("Sink rejected event")
	}
	return nil
}

func isStale(err error) bool {
	return apierrors.IsResourceExpired(err) || apierrors.IsGone(err)
}

func keyOf(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "/" + name
}
