package mechanism

import (
	"context"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/mlsysops/continuum/pkg/errdefs"
)

// CollectorKind names a per-node telemetry pod
type CollectorKind string

const (
	CollectorOtel         CollectorKind = "otel-collector"
	CollectorNodeExporter CollectorKind = "node-exporter"
)

// LabelCollector marks telemetry pods; the reconciler leaves them alone
const LabelCollector = "mlsysops.eu/collector"

const nodeExporterPort = 9100

// CollectorConfig holds the images and defaults of the telemetry pods
type CollectorConfig struct {
	OtelImage         string
	NodeExporterImage string
	OtelEndpoint      string
	ExportInterval    time.Duration
}

// DefaultCollectorConfig returns the stock images
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		OtelImage:         "otel/opentelemetry-collector-contrib:0.120.0",
		NodeExporterImage: "quay.io/prometheus/node-exporter:v1.9.0",
		ExportInterval:    15 * time.Second,
	}
}

// CollectorRequest is the payload of OTEL_DEPLOY, OTEL_REMOVE,
// NODE_EXPORTER_DEPLOY and NODE_EXPORTER_REMOVE
type CollectorRequest struct {
	Node     string `json:"node"`
	Endpoint string `json:"otel_endpoint,omitempty"`
	Interval string `json:"interval,omitempty"`
	Port     int32  `json:"port,omitempty"`
}

// CollectorPodName returns the pod name of kind on node
func CollectorPodName(kind CollectorKind, node string) string {
	return fmt.Sprintf("%s-%s", kind, strings.ToLower(node))
}

// DeployCollector starts the telemetry pod of kind on req.Node. A pod that
// already exists is left as is.
func (m *Mechanism) DeployCollector(ctx context.Context, kind CollectorKind, req CollectorRequest) (string, error) {
	pod, err := m.collectorPod(kind, req)
	if err != nil {
		return "", err
	}
	logger := m.logger.With().Str("collector", string(kind)).Str("node", req.Node).Logger()

	_, err = m.kube.CreatePod(ctx, m.reg.Namespace(), pod)
	if apierrors.IsAlreadyExists(err) {
		logger.Debug().Msg("Collector already running")
		return pod.Name, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to create %s pod: %w", kind, err)
	}
	logger.Info().Str("pod", pod.Name).Msg("Collector deployed")
	return pod.Name, nil
}

// RemoveCollector deletes the telemetry pod of kind on node
func (m *Mechanism) RemoveCollector(ctx context.Context, kind CollectorKind, node string) error {
	name := CollectorPodName(kind, node)
	if err := m.kube.DeletePod(ctx, m.reg.Namespace(), name); err != nil {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	m.logger.Info().Str("collector", string(kind)).Str("node", node).Msg("Collector removed")
	return nil
}

func (m *Mechanism) collectorPod(kind CollectorKind, req CollectorRequest) (*corev1.Pod, error) {
	if req.Node == "" {
		return nil, errdefs.Wrap(errdefs.ErrValidationFailed, "%s request without node", kind)
	}
	cfg := m.cfg.Collectors

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      CollectorPodName(kind, req.Node),
			Namespace: m.reg.Namespace(),
			Labels:    map[string]string{LabelCollector: string(kind)},
		},
		Spec: corev1.PodSpec{
			NodeName:      req.Node,
			RestartPolicy: corev1.RestartPolicyAlways,
		},
	}

	switch kind {
	case CollectorOtel:
		endpoint := req.Endpoint
		if endpoint == "" {
			endpoint = cfg.OtelEndpoint
		}
		interval := cfg.ExportInterval
		if req.Interval != "" {
			d, err := time.ParseDuration(req.Interval)
			if err != nil {
				return nil, errdefs.Wrap(errdefs.ErrValidationFailed, "otel interval %q: %v", req.Interval, err)
			}
			interval = d
		}
		pod.Spec.Containers = []corev1.Container{{
			Name:  string(kind),
			Image: cfg.OtelImage,
			Env: []corev1.EnvVar{
				{Name: "OTEL_EXPORTER_OTLP_ENDPOINT", Value: endpoint},
				{Name: "OTEL_METRIC_EXPORT_INTERVAL", Value: fmt.Sprint(interval.Milliseconds())},
				{Name: "NODE_NAME", Value: req.Node},
			},
		}}
	case CollectorNodeExporter:
		port := req.Port
		if port == 0 {
			port = nodeExporterPort
		}
		pod.Spec.HostNetwork = true
		pod.Spec.Containers = []corev1.Container{{
			Name:  string(kind),
			Image: cfg.NodeExporterImage,
			Args:  []string{fmt.Sprintf("--web.listen-address=:%d", port)},
			Ports: []corev1.ContainerPort{{Name: "metrics", ContainerPort: port, Protocol: corev1.ProtocolTCP}},
		}}
	default:
		return nil, errdefs.Wrap(errdefs.ErrValidationFailed, "unknown collector %q", kind)
	}
	return pod, nil
}
