package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	k8stypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/mlsysops/continuum/pkg/events"
)

type fakeSource struct {
	mu         sync.Mutex
	lists      [][]runtime.Object
	listRVs    []string
	listCalls  int
	watchers   []*watch.FakeWatcher
	watchErrs  []error
	watchRVs   []string
	watchCalls int
}

func (s *fakeSource) Kind() string { return "Pod" }

func (s *fakeSource) List(ctx context.Context) ([]runtime.Object, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.listCalls
	if i >= len(s.lists) {
		i = len(s.lists) - 1
	}
	s.listCalls++
	return s.lists[i], s.listRVs[i], nil
}

func (s *fakeSource) Watch(ctx context.Context, resourceVersion string) (watch.Interface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.watchCalls
	s.watchCalls++
	s.watchRVs = append(s.watchRVs, resourceVersion)
	if i < len(s.watchErrs) && s.watchErrs[i] != nil {
		return nil, s.watchErrs[i]
	}
	if i < len(s.watchers) && s.watchers[i] != nil {
		return s.watchers[i], nil
	}
	return watch.NewFake(), nil
}

func (s *fakeSource) calls() (int, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls, append([]string(nil), s.watchRVs...)
}

func pod(name, rv string) *corev1.Pod {
	return &corev1.Pod{ObjectMeta: metav1.ObjectMeta{
		Name:            name,
		Namespace:       "mlsysops",
		UID:             k8stypes.UID("uid-" + name),
		ResourceVersion: rv,
	}}
}

func startWatcher(t *testing.T, src *fakeSource) (<-chan Event, context.CancelFunc, <-chan error) {
	t.Helper()
	out := make(chan Event, 64)
	sink := func(ctx context.Context, ev Event) error {
		out <- ev
		return nil
	}
	w := New(src, sink, WithLimiter(rate.NewLimiter(rate.Inf, 1)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return out, cancel, done
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watcher event")
		return Event{}
	}
}

func assertQuiet(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s %s", ev.Op, ev.Name)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcherListThenWatch(t *testing.T) {
	fw := watch.NewFake()
	src := &fakeSource{
		lists:    [][]runtime.Object{{pod("p1", "1"), pod("p2", "2")}},
		listRVs:  []string{"2"},
		watchers: []*watch.FakeWatcher{fw},
	}
	out, cancel, done := startWatcher(t, src)
	defer cancel()

	ev := next(t, out)
	assert.Equal(t, events.OpAdded, ev.Op)
	assert.Equal(t, "p1", ev.Name)
	assert.Equal(t, "uid-p1", ev.UID)
	assert.Equal(t, "p2", next(t, out).Name)

	fw.Modify(pod("p1", "3"))
	fw.Add(pod("p3", "4"))
	fw.Delete(pod("p2", "5"))

	ev = next(t, out)
	assert.Equal(t, events.OpModified, ev.Op)
	assert.Equal(t, "3", ev.ResourceVersion)
	ev = next(t, out)
	assert.Equal(t, events.OpAdded, ev.Op)
	assert.Equal(t, "p3", ev.Name)
	ev = next(t, out)
	assert.Equal(t, events.OpDeleted, ev.Op)
	assert.Equal(t, "p2", ev.Name)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on cancellation")
	}

	_, rvs := src.calls()
	assert.Equal(t, "2", rvs[0])
}

func TestWatcherRelistOnExpiredDoesNotReplayAdded(t *testing.T) {
	fw := watch.NewFake()
	src := &fakeSource{
		lists: [][]runtime.Object{
			{pod("p1", "1"), pod("p2", "2")},
			{pod("p1", "3"), pod("p3", "6"), pod("p4", "7")},
		},
		listRVs:  []string{"2", "7"},
		watchers: []*watch.FakeWatcher{fw},
	}
	out, cancel, _ := startWatcher(t, src)
	defer cancel()

	next(t, out)
	next(t, out)

	fw.Modify(pod("p1", "3"))
	fw.Add(pod("p3", "4"))
	fw.Delete(pod("p2", "5"))
	next(t, out)
	next(t, out)
	next(t, out)

	expired := apierrors.NewResourceExpired("too old resource version")
	fw.Error(&expired.ErrStatus)

	got := map[string]string{}
	for i := 0; i < 2; i++ {
		ev := next(t, out)
		got[ev.Name] = ev.Op
	}
	assert.Equal(t, map[string]string{"p3": events.OpModified, "p4": events.OpAdded}, got)
	assertQuiet(t, out)

	require.Eventually(t, func() bool {
		lists, rvs := src.calls()
		return lists == 2 && len(rvs) == 2 && rvs[1] == "7"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherGoneOnWatchRelists(t *testing.T) {
	src := &fakeSource{
		lists: [][]runtime.Object{
			{pod("p1", "1")},
			{},
		},
		listRVs:   []string{"1", "9"},
		watchErrs: []error{apierrors.NewGone("gone")},
	}
	out, cancel, _ := startWatcher(t, src)
	defer cancel()

	assert.Equal(t, events.OpAdded, next(t, out).Op)

	ev := next(t, out)
	assert.Equal(t, events.OpDeleted, ev.Op)
	assert.Equal(t, "p1", ev.Name)
}

func TestWatcherResumesAfterServerTimeout(t *testing.T) {
	first := watch.NewFake()
	second := watch.NewFake()
	src := &fakeSource{
		lists:    [][]runtime.Object{{pod("p1", "1")}},
		listRVs:  []string{"1"},
		watchers: []*watch.FakeWatcher{first, second},
	}
	out, cancel, _ := startWatcher(t, src)
	defer cancel()

	next(t, out)
	first.Modify(pod("p1", "2"))
	next(t, out)
	first.Stop()

	second.Modify(pod("p1", "3"))
	assert.Equal(t, "3", next(t, out).ResourceVersion)

	lists, rvs := src.calls()
	assert.Equal(t, 1, lists)
	assert.Equal(t, []string{"1", "2"}, rvs)
}

func TestWatcherSyncedAfterFirstList(t *testing.T) {
	src := &fakeSource{
		lists:   [][]runtime.Object{{pod("p1", "1"), pod("p2", "2")}},
		listRVs: []string{"2"},
	}
	release := make(chan struct{})
	var got []string
	sink := func(ctx context.Context, ev Event) error {
		<-release
		got = append(got, ev.Name)
		return nil
	}
	w := New(src, sink, WithLimiter(rate.NewLimiter(rate.Inf, 1)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	select {
	case <-w.Synced():
		t.Fatal("synced before the list was delivered")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-w.Synced():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never synced")
	}
	assert.Equal(t, []string{"p1", "p2"}, got)
}
