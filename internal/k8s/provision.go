package k8s

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

// Resource names are derived from the instance id so teardown can find
// everything by label or by convention.

func GatewayPodName(instanceID string) string {
	return fmt.Sprintf("warden-%s-gateway", instanceID)
}

func AgentPodName(instanceID string) string {
	return fmt.Sprintf("warden-%s-agent", instanceID)
}

func ToolPodName(instanceID, toolName string) string {
	return fmt.Sprintf("warden-%s-tool-%s", instanceID, toolName)
}

func ServiceName(instanceID string) string {
	return fmt.Sprintf("warden-%s", instanceID)
}

func gatewayConfigMapName(instanceID string) string {
	return fmt.Sprintf("warden-%s-gateway-config", instanceID)
}

func toolsConfigMapName(instanceID string) string {
	return fmt.Sprintf("warden-%s-tools-config", instanceID)
}

// ProxyURL is the in-cluster address agents and tools are pointed at.
func ProxyURL(instanceID, namespace string) string {
	return fmt.Sprintf("http://%s.%s.svc.cluster.local:%d", ServiceName(instanceID), namespace, ProxyPort)
}

// ControlURL is the gateway control surface address for the control plane.
func ControlURL(instanceID, namespace string) string {
	return fmt.Sprintf("http://%s.%s.svc.cluster.local:%d", ServiceName(instanceID), namespace, ControlPort)
}

func instanceLabels(instanceID, appID, role string) map[string]string {
	return map[string]string{
		"app":           LabelApp,
		LabelInstanceID: instanceID,
		LabelAppID:      appID,
		LabelRole:       role,
	}
}

func resourceRequirements(cpu, memory, defCPU, defMem string) corev1.ResourceRequirements {
	if cpu == "" {
		cpu = defCPU
	}
	if memory == "" {
		memory = defMem
	}
	return corev1.ResourceRequirements{
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(cpu),
			corev1.ResourceMemory: resource.MustParse(memory),
		},
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse("100m"),
			corev1.ResourceMemory: resource.MustParse("128Mi"),
		},
	}
}

func envVars(env map[string]string) []corev1.EnvVar {
	var out []corev1.EnvVar
	for k, v := range env {
		out = append(out, corev1.EnvVar{Name: k, Value: v})
	}
	return out
}

func basePodSecurity() *corev1.PodSecurityContext {
	return &corev1.PodSecurityContext{
		SeccompProfile: &corev1.SeccompProfile{
			Type: corev1.SeccompProfileTypeRuntimeDefault,
		},
	}
}

func baseContainerSecurity() *corev1.SecurityContext {
	var runAsUser int64 = 1000
	return &corev1.SecurityContext{
		AllowPrivilegeEscalation: boolPtr(false),
		RunAsNonRoot:             boolPtr(true),
		RunAsUser:                &runAsUser,
	}
}

// GatewayPodOptions describes the egress gateway pod for one instance.
type GatewayPodOptions struct {
	InstanceID string
	AppID      string
	Image      string
	CPU        string
	Memory     string
	// PolicyYAML is the policy snapshot the gateway loads at boot.
	PolicyYAML string
	// Env carries the admin token, webhook callback URL and app identity.
	Env map[string]string
}

// CreateGatewayPod creates the gateway's policy config map and pod.
func (c *Client) CreateGatewayPod(ctx context.Context, opts GatewayPodOptions) (*corev1.Pod, error) {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      gatewayConfigMapName(opts.InstanceID),
			Namespace: c.namespace,
			Labels:    instanceLabels(opts.InstanceID, opts.AppID, RoleGateway),
		},
		Data: map[string]string{"policy.yaml": opts.PolicyYAML},
	}
	if _, err := c.clientset.CoreV1().ConfigMaps(c.namespace).Create(ctx, cm, metav1.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("failed to create gateway config map: %w", err)
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      GatewayPodName(opts.InstanceID),
			Namespace: c.namespace,
			Labels:    instanceLabels(opts.InstanceID, opts.AppID, RoleGateway),
			Annotations: map[string]string{
				AnnotationCreatedAt: time.Now().UTC().Format(time.RFC3339),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:   corev1.RestartPolicyNever,
			SecurityContext: basePodSecurity(),
			Containers: []corev1.Container{
				{
					Name:            "main",
					Image:           opts.Image,
					ImagePullPolicy: corev1.PullIfNotPresent,
					Env: append(envVars(opts.Env),
						corev1.EnvVar{Name: "GATEWAY_POLICY_PATH", Value: "/etc/warden/policy.yaml"},
					),
					Ports: []corev1.ContainerPort{
						{Name: "proxy", ContainerPort: ProxyPort},
						{Name: "control", ContainerPort: ControlPort},
					},
					Resources:       resourceRequirements(opts.CPU, opts.Memory, "500m", "256Mi"),
					SecurityContext: baseContainerSecurity(),
					ReadinessProbe: &corev1.Probe{
						ProbeHandler: corev1.ProbeHandler{
							HTTPGet: &corev1.HTTPGetAction{
								Path: "/health",
								Port: intstr.FromInt(ControlPort),
							},
						},
						PeriodSeconds: 2,
					},
					VolumeMounts: []corev1.VolumeMount{
						{Name: "policy", MountPath: "/etc/warden", ReadOnly: true},
					},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: "policy",
					VolumeSource: corev1.VolumeSource{
						ConfigMap: &corev1.ConfigMapVolumeSource{
							LocalObjectReference: corev1.LocalObjectReference{
								Name: gatewayConfigMapName(opts.InstanceID),
							},
						},
					},
				},
			},
		},
	}
	return c.clientset.CoreV1().Pods(c.namespace).Create(ctx, pod, metav1.CreateOptions{})
}

// AgentPodOptions describes the workload pod for one instance.
type AgentPodOptions struct {
	InstanceID string
	AppID      string
	Image      string
	CPU        string
	Memory     string
	// Env must include the explicit HTTP_PROXY/HTTPS_PROXY pointing at the
	// instance's gateway service.
	Env map[string]string
	// StdioToolsYAML is the tool launch config mounted into the agent.
	StdioToolsYAML string
	Volumes        []AgentVolume
}

// AgentVolume maps a host path into the agent container.
type AgentVolume struct {
	Name      string
	HostPath  string
	MountPath string
	ReadWrite bool
}

// CreateAgentPod creates the agent's tool config map and pod.
func (c *Client) CreateAgentPod(ctx context.Context, opts AgentPodOptions) (*corev1.Pod, error) {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      toolsConfigMapName(opts.InstanceID),
			Namespace: c.namespace,
			Labels:    instanceLabels(opts.InstanceID, opts.AppID, RoleAgent),
		},
		Data: map[string]string{"tools.yaml": opts.StdioToolsYAML},
	}
	if _, err := c.clientset.CoreV1().ConfigMaps(c.namespace).Create(ctx, cm, metav1.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("failed to create tools config map: %w", err)
	}

	mounts := []corev1.VolumeMount{
		{Name: "workspace", MountPath: "/workspace"},
		{Name: "tools", MountPath: "/etc/warden", ReadOnly: true},
	}
	volumes := []corev1.Volume{
		{
			Name:         "workspace",
			VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
		},
		{
			Name: "tools",
			VolumeSource: corev1.VolumeSource{
				ConfigMap: &corev1.ConfigMapVolumeSource{
					LocalObjectReference: corev1.LocalObjectReference{
						Name: toolsConfigMapName(opts.InstanceID),
					},
				},
			},
		},
	}
	for _, v := range opts.Volumes {
		mounts = append(mounts, corev1.VolumeMount{
			Name:      v.Name,
			MountPath: v.MountPath,
			ReadOnly:  !v.ReadWrite,
		})
		volumes = append(volumes, corev1.Volume{
			Name: v.Name,
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{Path: v.HostPath},
			},
		})
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      AgentPodName(opts.InstanceID),
			Namespace: c.namespace,
			Labels:    instanceLabels(opts.InstanceID, opts.AppID, RoleAgent),
			Annotations: map[string]string{
				AnnotationCreatedAt: time.Now().UTC().Format(time.RFC3339),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:   corev1.RestartPolicyNever,
			SecurityContext: basePodSecurity(),
			Containers: []corev1.Container{
				{
					Name:            "main",
					Image:           opts.Image,
					ImagePullPolicy: corev1.PullIfNotPresent,
					Env: append(envVars(opts.Env),
						corev1.EnvVar{Name: "WARDEN_TOOLS_PATH", Value: "/etc/warden/tools.yaml"},
					),
					Ports: []corev1.ContainerPort{
						{Name: "agent", ContainerPort: AgentPort},
					},
					Resources:       resourceRequirements(opts.CPU, opts.Memory, "1", "1Gi"),
					SecurityContext: baseContainerSecurity(),
					VolumeMounts:    mounts,
				},
			},
			Volumes: volumes,
		},
	}
	return c.clientset.CoreV1().Pods(c.namespace).Create(ctx, pod, metav1.CreateOptions{})
}

// ToolPodOptions describes one sse-transport tool pod.
type ToolPodOptions struct {
	InstanceID string
	AppID      string
	ToolName   string
	Image      string
	Command    []string
	Args       []string
	CPU        string
	Memory     string
	Env        map[string]string
}

func (c *Client) CreateToolPod(ctx context.Context, opts ToolPodOptions) (*corev1.Pod, error) {
	labels := instanceLabels(opts.InstanceID, opts.AppID, RoleTool)
	labels[LabelToolName] = opts.ToolName

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ToolPodName(opts.InstanceID, opts.ToolName),
			Namespace: c.namespace,
			Labels:    labels,
			Annotations: map[string]string{
				AnnotationCreatedAt: time.Now().UTC().Format(time.RFC3339),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:   corev1.RestartPolicyNever,
			SecurityContext: basePodSecurity(),
			Containers: []corev1.Container{
				{
					Name:            "main",
					Image:           opts.Image,
					ImagePullPolicy: corev1.PullIfNotPresent,
					Command:         opts.Command,
					Args:            opts.Args,
					Env:             envVars(opts.Env),
					Resources:       resourceRequirements(opts.CPU, opts.Memory, "250m", "256Mi"),
					SecurityContext: baseContainerSecurity(),
				},
			},
		},
	}
	return c.clientset.CoreV1().Pods(c.namespace).Create(ctx, pod, metav1.CreateOptions{})
}

// CreateInstanceService creates the per-instance ClusterIP service fronting
// the gateway's proxy and control ports.
func (c *Client) CreateInstanceService(ctx context.Context, instanceID, appID string) (*corev1.Service, error) {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ServiceName(instanceID),
			Namespace: c.namespace,
			Labels:    instanceLabels(instanceID, appID, RoleGateway),
		},
		Spec: corev1.ServiceSpec{
			Type: corev1.ServiceTypeClusterIP,
			Selector: map[string]string{
				LabelInstanceID: instanceID,
				LabelRole:       RoleGateway,
			},
			Ports: []corev1.ServicePort{
				{
					Name:       "proxy",
					Port:       ProxyPort,
					TargetPort: intstr.FromInt(ProxyPort),
				},
				{
					Name:       "control",
					Port:       ControlPort,
					TargetPort: intstr.FromInt(ControlPort),
				},
			},
		},
	}
	return c.clientset.CoreV1().Services(c.namespace).Create(ctx, svc, metav1.CreateOptions{})
}
