package k8s

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
)

const (
	DefaultSandboxNamespace = "warden"

	LabelApp        = "warden"
	LabelInstanceID = "warden.io/instance-id"
	LabelAppID      = "warden.io/app-id"
	LabelRole       = "warden.io/role"
	LabelToolName   = "warden.io/tool-name"

	RoleGateway = "gateway"
	RoleAgent   = "agent"
	RoleTool    = "tool"

	AnnotationCreatedAt = "warden.io/created-at"

	ProxyPort   = 15001
	ControlPort = 15002
	AgentPort   = 8080
)

// Client wraps the Kubernetes API for sandbox provisioning. The interface
// types keep it swappable for fakes in tests.
type Client struct {
	clientset     kubernetes.Interface
	dynamicClient dynamic.Interface
	config        *rest.Config
	namespace     string
}

func NewClient(kubeconfigPath, namespace string) (*Client, error) {
	var config *rest.Config
	var err error

	if kubeconfigPath != "" {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	} else {
		config, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	dynamicClient, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}

	if namespace == "" {
		namespace = DefaultSandboxNamespace
	}
	return &Client{
		clientset:     clientset,
		dynamicClient: dynamicClient,
		config:        config,
		namespace:     namespace,
	}, nil
}

// NewClientWithInterfaces builds a Client over pre-constructed API clients.
// Exec and log streaming need a rest config, so fakes only cover the typed
// resource surface.
func NewClientWithInterfaces(clientset kubernetes.Interface, dynamicClient dynamic.Interface, namespace string) *Client {
	if namespace == "" {
		namespace = DefaultSandboxNamespace
	}
	return &Client{
		clientset:     clientset,
		dynamicClient: dynamicClient,
		namespace:     namespace,
	}
}

func (c *Client) Namespace() string {
	return c.namespace
}

func (c *Client) EnsureNamespace(ctx context.Context) error {
	_, err := c.clientset.CoreV1().Namespaces().Get(ctx, c.namespace, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: c.namespace},
	}
	_, err = c.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	return err
}

func (c *Client) GetPod(ctx context.Context, podName string) (*corev1.Pod, error) {
	return c.clientset.CoreV1().Pods(c.namespace).Get(ctx, podName, metav1.GetOptions{})
}

func (c *Client) DeletePod(ctx context.Context, podName string) error {
	return c.clientset.CoreV1().Pods(c.namespace).Delete(ctx, podName, metav1.DeleteOptions{})
}

// FindInstancePods lists pods belonging to an app, for adopting instances
// that survived a control plane restart.
func (c *Client) FindInstancePods(ctx context.Context, appID string) (*corev1.PodList, error) {
	return c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("app=%s,%s=%s", LabelApp, LabelAppID, appID),
	})
}

// DeleteInstanceResources removes every pod, service, config map and policy
// tagged with the instance id. Missing resources are not errors; teardown is
// idempotent.
func (c *Client) DeleteInstanceResources(ctx context.Context, instanceID string) error {
	selector := fmt.Sprintf("%s=%s", LabelInstanceID, instanceID)

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	pods, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		record(err)
	} else {
		for _, pod := range pods.Items {
			record(ignoreNotFound(c.clientset.CoreV1().Pods(c.namespace).Delete(ctx, pod.Name, metav1.DeleteOptions{})))
		}
	}

	svcs, err := c.clientset.CoreV1().Services(c.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		record(err)
	} else {
		for _, svc := range svcs.Items {
			record(ignoreNotFound(c.clientset.CoreV1().Services(c.namespace).Delete(ctx, svc.Name, metav1.DeleteOptions{})))
		}
	}

	cms, err := c.clientset.CoreV1().ConfigMaps(c.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		record(err)
	} else {
		for _, cm := range cms.Items {
			record(ignoreNotFound(c.clientset.CoreV1().ConfigMaps(c.namespace).Delete(ctx, cm.Name, metav1.DeleteOptions{})))
		}
	}

	nps, err := c.clientset.NetworkingV1().NetworkPolicies(c.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		record(err)
	} else {
		for _, np := range nps.Items {
			record(ignoreNotFound(c.clientset.NetworkingV1().NetworkPolicies(c.namespace).Delete(ctx, np.Name, metav1.DeleteOptions{})))
		}
	}

	return firstErr
}

type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Exec runs a command in a pod's main container.
func (c *Client) Exec(ctx context.Context, podName string, command []string) (*ExecResult, error) {
	req := c.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(podName).
		Namespace(c.namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: "main",
			Command:   command,
			Stdin:     false,
			Stdout:    true,
			Stderr:    true,
			TTY:       false,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(c.config, "POST", req.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	var stdout, stderr bytes.Buffer
	err = exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})

	result := &ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		if exitErr, ok := err.(interface{ ExitStatus() int }); ok {
			result.ExitCode = exitErr.ExitStatus()
		} else {
			result.ExitCode = 1
			result.Stderr = result.Stderr + "\n" + err.Error()
		}
	}
	return result, nil
}

// GetLogs returns the tail of a pod's main container log, for failure
// diagnostics.
func (c *Client) GetLogs(ctx context.Context, podName string, tailLines int64) (string, error) {
	opts := &corev1.PodLogOptions{Container: "main"}
	if tailLines > 0 {
		opts.TailLines = &tailLines
	}

	req := c.clientset.CoreV1().Pods(c.namespace).GetLogs(podName, opts)
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get logs: %w", err)
	}
	defer stream.Close()

	logs, err := io.ReadAll(stream)
	if err != nil {
		return "", fmt.Errorf("failed to read logs: %w", err)
	}
	return string(logs), nil
}

func (c *Client) GetPodEvents(ctx context.Context, podName string) ([]string, error) {
	events, err := c.clientset.CoreV1().Events(c.namespace).List(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("involvedObject.name=%s", podName),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}

	var result []string
	for _, event := range events.Items {
		result = append(result, fmt.Sprintf("[%s] %s: %s", event.Type, event.Reason, event.Message))
	}
	return result, nil
}

func (c *Client) GetPodIP(ctx context.Context, podName string) (string, error) {
	pod, err := c.clientset.CoreV1().Pods(c.namespace).Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to get pod: %w", err)
	}
	if pod.Status.PodIP == "" {
		return "", fmt.Errorf("pod IP not available")
	}
	return pod.Status.PodIP, nil
}

// ProbeSpec defines an exec readiness probe polled by WaitForReady.
type ProbeSpec struct {
	Exec                []string
	InitialDelaySeconds int
	PeriodSeconds       int
	TimeoutSeconds      int
}

// WaitForReady polls until the pod is ready, the probe passes, or the
// timeout expires.
func (c *Client) WaitForReady(ctx context.Context, podName string, probe *ProbeSpec) error {
	pollInterval := 2 * time.Second
	timeout := 5 * time.Minute
	if probe != nil {
		if probe.PeriodSeconds > 0 {
			pollInterval = time.Duration(probe.PeriodSeconds) * time.Second
		}
		if probe.TimeoutSeconds > 0 {
			timeout = time.Duration(probe.TimeoutSeconds) * time.Second
		}
		if probe.InitialDelaySeconds > 0 {
			select {
			case <-time.After(time.Duration(probe.InitialDelaySeconds) * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for pod %s to be ready", podName)
		case <-ticker.C:
			pod, err := c.clientset.CoreV1().Pods(c.namespace).Get(ctx, podName, metav1.GetOptions{})
			if err != nil {
				return fmt.Errorf("failed to get pod: %w", err)
			}
			if pod.Status.Phase == corev1.PodFailed {
				return fmt.Errorf("pod %s failed", podName)
			}

			if probe != nil && len(probe.Exec) > 0 {
				result, err := c.Exec(context.Background(), podName, probe.Exec)
				if err != nil {
					continue
				}
				if result.ExitCode == 0 {
					return nil
				}
				continue
			}

			if pod.Status.Phase == corev1.PodRunning {
				for _, cond := range pod.Status.Conditions {
					if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
						return nil
					}
				}
			}
		}
	}
}

func ignoreNotFound(err error) error {
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

func boolPtr(b bool) *bool {
	return &b
}
