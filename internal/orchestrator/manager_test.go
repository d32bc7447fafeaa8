package orchestrator

import (
	"context"
	"log/slog"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	"github.com/wardenbox/warden/internal/k8s"
)

func orphanPod(name, appID, instanceID string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: k8s.DefaultSandboxNamespace,
			Labels: map[string]string{
				"app":               k8s.LabelApp,
				k8s.LabelAppID:      appID,
				k8s.LabelInstanceID: instanceID,
			},
		},
	}
}

func TestRemoveOrphanPodsClearsUntrackedInstances(t *testing.T) {
	ctx := context.Background()
	clientset := k8sfake.NewSimpleClientset(
		orphanPod("warden-gateway-i1", "app-a", "i1"),
		orphanPod("warden-agent-i1", "app-a", "i1"),
		orphanPod("warden-gateway-i2", "app-b", "i2"),
	)
	client := k8s.NewClientWithInterfaces(clientset, dynamicfake.NewSimpleDynamicClient(runtime.NewScheme()), "")

	m := &Manager{k8sClient: client}
	if err := m.removeOrphanPods(ctx, "app-a", slog.Default()); err != nil {
		t.Fatalf("removeOrphanPods error: %v", err)
	}

	pods, err := clientset.CoreV1().Pods(k8s.DefaultSandboxNamespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(pods.Items) != 1 || pods.Items[0].Name != "warden-gateway-i2" {
		t.Fatalf("expected only the other app's pod to survive, got %+v", pods.Items)
	}
}

func TestRemoveOrphanPodsNoPodsIsNoOp(t *testing.T) {
	client := k8s.NewClientWithInterfaces(k8sfake.NewSimpleClientset(), dynamicfake.NewSimpleDynamicClient(runtime.NewScheme()), "")

	m := &Manager{k8sClient: client}
	if err := m.removeOrphanPods(context.Background(), "app-a", slog.Default()); err != nil {
		t.Fatalf("removeOrphanPods error: %v", err)
	}
}
