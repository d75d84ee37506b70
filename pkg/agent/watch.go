package agent

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/events"
	"github.com/mlsysops/continuum/pkg/kube"
	"github.com/mlsysops/continuum/pkg/watcher"
)

// opEvents names the message emitted for each watch operation
type opEvents struct {
	added    events.EventType
	modified events.EventType
	deleted  events.EventType
}

var (
	appEvents         = opEvents{events.AppCreated, events.AppUpdated, events.AppDeleted}
	podEvents         = opEvents{events.PodAdded, events.PodModified, events.PodDeleted}
	nodeEvents        = opEvents{events.KubernetesNodeAdded, events.KubernetesNodeModified, events.KubernetesNodeRemoved}
	descriptionEvents = opEvents{events.NodeSystemDescriptionSubmitted, events.NodeSystemDescriptionUpdated, events.NodeSystemDescriptionRemoved}
)

func (e opEvents) of(op string) events.EventType {
	switch op {
	case events.OpAdded:
		return e.added
	case events.OpDeleted:
		return e.deleted
	}
	return e.modified
}

// operation maps a message back to the watch operation it stands for
func operation(msg *events.Message) string {
	if msg.Operation != "" {
		return msg.Operation
	}
	switch msg.Event {
	case events.AppCreated, events.PodAdded, events.KubernetesNodeAdded, events.NodeSystemDescriptionSubmitted:
		return events.OpAdded
	case events.AppDeleted, events.PodDeleted, events.KubernetesNodeRemoved, events.NodeSystemDescriptionRemoved:
		return events.OpDeleted
	}
	return events.OpModified
}

// sinkFor turns watch events into inbound messages so they are handled in
// order with everything else the agent receives
func (a *Agent) sinkFor(evs opEvents, convert func(runtime.Object) (any, error)) watcher.Sink {
	return func(ctx context.Context, ev watcher.Event) error {
		payload, err := convert(ev.Object)
		if err != nil {
			return err
		}
		msg, err := events.NewMessage(evs.of(ev.Op), payload)
		if err != nil {
			return err
		}
		msg.Origin = events.OriginInternal
		msg.Operation = ev.Op
		msg.From = a.actx.Config.Name
		return a.actx.Inbound.Put(ctx, msg)
	}
}

func appPayload(obj runtime.Object) (any, error) {
	u, ok := obj.(*unstructured.Unstructured)
	if !ok {
		return nil, errdefs.Wrap(errdefs.ErrValidationFailed, "unexpected app object %T", obj)
	}
	return kube.AppSpecFromUnstructured(u)
}

func descriptionPayload(obj runtime.Object) (any, error) {
	u, ok := obj.(*unstructured.Unstructured)
	if !ok {
		return nil, errdefs.Wrap(errdefs.ErrValidationFailed, "unexpected description object %T", obj)
	}
	return kube.NodeDescriptionFromUnstructured(u)
}

func podPayload(obj runtime.Object) (any, error) {
	pod, ok := obj.(*corev1.Pod)
	if !ok {
		return nil, fmt.Errorf("unexpected pod object %T", obj)
	}
	return pod, nil
}

func nodePayload(obj runtime.Object) (any, error) {
	node, ok := obj.(*corev1.Node)
	if !ok {
		return nil, fmt.Errorf("unexpected node object %T", obj)
	}
	return node, nil
}
