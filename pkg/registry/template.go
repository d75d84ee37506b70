package registry

import (
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/types"
)

// EnvServiceAddr carries the address of the first service a component calls
const EnvServiceAddr = "SERVICE_ADDR"

// ServiceAddr is a captured Service endpoint
type ServiceAddr struct {
	VIP  string
	Port int32
}

func (a ServiceAddr) String() string {
	return fmt.Sprintf("%s:%d", a.VIP, a.Port)
}

// envName returns the per-target variable name, e.g. c1 -> C1_SERVICE_ADDR
func envName(target string) string {
	r := strings.NewReplacer("-", "_", ".", "_")
	return strings.ToUpper(r.Replace(target)) + "_" + EnvServiceAddr
}

// BuildPodTemplate derives the canonical pod of comp. Requests and limits are
// aggregated across containers with limits raised to requests, egress targets
// are injected as SERVICE_ADDR variables, and the app and component labels are
// stamped. componentUID and planUID are left to the mechanism.
func BuildPodTemplate(app *types.AppSpec, comp *types.ComponentSpec, services map[string]ServiceAddr, namespace string) (*corev1.Pod, corev1.ResourceList, corev1.ResourceList, error) {
	pod := &corev1.Pod{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Pod"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      comp.Name,
			Namespace: namespace,
			Labels: map[string]string{
				types.LabelApp:       app.Name,
				types.LabelAppUID:    app.UID,
				types.LabelComponent: comp.Name,
			},
		},
		Spec: corev1.PodSpec{
			HostNetwork: comp.HostNetwork,
		},
	}

	switch comp.RestartPolicy {
	case "":
		pod.Spec.RestartPolicy = corev1.RestartPolicyAlways
	case string(corev1.RestartPolicyAlways), string(corev1.RestartPolicyOnFailure), string(corev1.RestartPolicyNever):
		pod.Spec.RestartPolicy = corev1.RestartPolicy(comp.RestartPolicy)
	default:
		return nil, nil, nil, errdefs.Wrap(errdefs.ErrValidationFailed, "component %s: restartPolicy %q", comp.Name, comp.RestartPolicy)
	}
	if comp.RuntimeClassName != "" {
		rc := comp.RuntimeClassName
		pod.Spec.RuntimeClassName = &rc
	}

	env := serviceEnv(app, comp, services)
	requests := corev1.ResourceList{}
	limits := corev1.ResourceList{}

	for i, c := range comp.Containers {
		name := c.Name
		if name == "" {
			name = comp.Name
			if len(comp.Containers) > 1 {
				name = fmt.Sprintf("%s-%d", comp.Name, i)
			}
		}
		container := corev1.Container{
			Name:            name,
			Image:           c.Image,
			ImagePullPolicy: corev1.PullPolicy(c.ImagePullPolicy),
			Command:         c.Command,
			Args:            c.Args,
		}
		for _, p := range c.Ports {
			proto := corev1.Protocol(p.Protocol)
			if proto == "" {
				proto = corev1.ProtocolTCP
			}
			container.Ports = append(container.Ports, corev1.ContainerPort{Name: p.Name, ContainerPort: p.ContainerPort, Protocol: proto})
		}
		container.Env = mergeEnv(c.Env, env)

		res, err := containerResources(comp.Name, c.PlatformRequirements)
		if err != nil {
			return nil, nil, nil, err
		}
		container.Resources = res
		addInto(requests, res.Requests)
		addInto(limits, res.Limits)

		if c.PlatformRequirements.CPUFrequency != "" {
			setAnnotation(pod, types.AnnotationCPUFrequency, c.PlatformRequirements.CPUFrequency)
		}
		if c.PlatformRequirements.PowerMode != "" {
			setAnnotation(pod, types.AnnotationPowerMode, c.PlatformRequirements.PowerMode)
		}
		pod.Spec.Containers = append(pod.Spec.Containers, container)
	}
	raiseLimits(requests, limits)

	return pod, requests, limits, nil
}

// serviceEnv builds SERVICE_ADDR for the first egress target of comp and a
// named variable for every target
func serviceEnv(app *types.AppSpec, comp *types.ComponentSpec, services map[string]ServiceAddr) []corev1.EnvVar {
	var env []corev1.EnvVar
	for i, target := range app.EgressTargets(comp.Name) {
		addr, ok := services[target]
		if !ok {
			continue
		}
		if i == 0 {
			env = append(env, corev1.EnvVar{Name: EnvServiceAddr, Value: addr.String()})
		}
		env = append(env, corev1.EnvVar{Name: envName(target), Value: addr.String()})
	}
	return env
}

// mergeEnv keeps user variables and lets generated ones replace same-named entries
func mergeEnv(user []types.EnvVar, generated []corev1.EnvVar) []corev1.EnvVar {
	gen := make(map[string]bool, len(generated))
	for _, e := range generated {
		gen[e.Name] = true
	}
	var out []corev1.EnvVar
	for _, e := range user {
		if !gen[e.Name] {
			out = append(out, corev1.EnvVar{Name: e.Name, Value: e.Value})
		}
	}
	return append(out, generated...)
}

func containerResources(comp string, req types.PlatformRequirements) (corev1.ResourceRequirements, error) {
	res := corev1.ResourceRequirements{Requests: corev1.ResourceList{}, Limits: corev1.ResourceList{}}
	set := func(list corev1.ResourceList, name corev1.ResourceName, value string) error {
		if value == "" {
			return nil
		}
		q, err := resource.ParseQuantity(value)
		if err != nil {
			return errdefs.Wrap(errdefs.ErrValidationFailed, "component %s: %s %q: %v", comp, name, value, err)
		}
		list[name] = q
		return nil
	}
	if err := set(res.Requests, corev1.ResourceCPU, req.CPU.Requests); err != nil {
		return res, err
	}
	if err := set(res.Limits, corev1.ResourceCPU, req.CPU.Limits); err != nil {
		return res, err
	}
	if err := set(res.Requests, corev1.ResourceMemory, req.Memory.Requests); err != nil {
		return res, err
	}
	if err := set(res.Limits, corev1.ResourceMemory, req.Memory.Limits); err != nil {
		return res, err
	}
	raiseLimits(res.Requests, res.Limits)
	if len(res.Requests) == 0 {
		res.Requests = nil
	}
	if len(res.Limits) == 0 {
		res.Limits = nil
	}
	return res, nil
}

// raiseLimits sets every limit below its request to the request
func raiseLimits(requests, limits corev1.ResourceList) {
	for name, req := range requests {
		if lim, ok := limits[name]; ok && lim.Cmp(req) < 0 {
			limits[name] = req.DeepCopy()
		}
	}
}

func addInto(dst, src corev1.ResourceList) {
	for name, q := range src {
		cur, ok := dst[name]
		if !ok {
			dst[name] = q.DeepCopy()
			continue
		}
		cur.Add(q)
		dst[name] = cur
	}
}

func setAnnotation(pod *corev1.Pod, key, value string) {
	if pod.Annotations == nil {
		pod.Annotations = make(map[string]string)
	}
	if _, ok := pod.Annotations[key]; !ok {
		pod.Annotations[key] = value
	}
}

// BuildService derives the Service of an egress-targeted component. The first
// declared container port is exposed.
func BuildService(app *types.AppSpec, comp *types.ComponentSpec, namespace string) (*corev1.Service, error) {
	var port *types.ContainerPort
	for i := range comp.Containers {
		if len(comp.Containers[i].Ports) > 0 {
			port = &comp.Containers[i].Ports[0]
			break
		}
	}
	if port == nil {
		return nil, errdefs.Wrap(errdefs.ErrValidationFailed, "component %s is an egress target but exposes no port", comp.Name)
	}

	proto := corev1.Protocol(port.Protocol)
	if proto == "" {
		proto = corev1.ProtocolTCP
	}
	svcType := corev1.ServiceTypeClusterIP
	if comp.ExternalAccess {
		svcType = corev1.ServiceTypeNodePort
	}

	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      comp.Name,
			Namespace: namespace,
			Labels: map[string]string{
				types.LabelApp:       app.Name,
				types.LabelComponent: comp.Name,
			},
		},
		Spec: corev1.ServiceSpec{
			Type: svcType,
			Selector: map[string]string{
				types.LabelApp:       app.Name,
				types.LabelComponent: comp.Name,
			},
			Ports: []corev1.ServicePort{{
				Name:       port.Name,
				Port:       port.ContainerPort,
				TargetPort: intstr.FromInt32(port.ContainerPort),
				Protocol:   proto,
			}},
		},
	}, nil
}
