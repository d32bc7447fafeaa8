package k8s

import (
	"context"
	"testing"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	k8sfake "k8s.io/client-go/kubernetes/fake"
)

func newTestClient() *Client {
	scheme := runtime.NewScheme()
	return &Client{
		clientset:     k8sfake.NewSimpleClientset(),
		dynamicClient: dynamicfake.NewSimpleDynamicClient(scheme),
		namespace:     DefaultSandboxNamespace,
	}
}

func TestEnsureBasePoliciesIsIdempotent(t *testing.T) {
	ctx := context.Background()
	client := newTestClient()
	manager := NewNetworkPolicyManager(client)

	if err := manager.EnsureBasePolicies(ctx); err != nil {
		t.Fatalf("EnsureBasePolicies error: %v", err)
	}
	if err := manager.EnsureBasePolicies(ctx); err != nil {
		t.Fatalf("second EnsureBasePolicies error: %v", err)
	}

	nps, err := client.clientset.NetworkingV1().NetworkPolicies(client.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(nps.Items) != 3 {
		t.Fatalf("expected 3 base policies, got %d", len(nps.Items))
	}
}

func TestInstancePoliciesBindAgentToOwnGateway(t *testing.T) {
	ctx := context.Background()
	client := newTestClient()
	manager := NewNetworkPolicyManager(client)

	if err := manager.EnsureInstancePolicies(ctx, "inst1"); err != nil {
		t.Fatalf("EnsureInstancePolicies error: %v", err)
	}

	np, err := client.clientset.NetworkingV1().NetworkPolicies(client.namespace).Get(ctx, "allow-agent-egress-inst1", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("Get policy error: %v", err)
	}

	if np.Spec.PodSelector.MatchLabels[LabelInstanceID] != "inst1" {
		t.Fatalf("agent egress policy not scoped to instance: %+v", np.Spec.PodSelector)
	}
	if len(np.Spec.Egress) != 1 || len(np.Spec.Egress[0].To) != 1 {
		t.Fatalf("unexpected egress rules: %+v", np.Spec.Egress)
	}
	to := np.Spec.Egress[0].To[0]
	if to.PodSelector.MatchLabels[LabelRole] != RoleGateway || to.PodSelector.MatchLabels[LabelInstanceID] != "inst1" {
		t.Fatalf("agent egress must target the instance's own gateway: %+v", to)
	}
}

func TestApplyToolDomainPolicyCreatesFQDNRules(t *testing.T) {
	ctx := context.Background()
	client := newTestClient()
	manager := NewNetworkPolicyManager(client)

	domains := []string{"api.github.com", "*.githubusercontent.com"}
	if err := manager.ApplyToolDomainPolicy(ctx, "inst1", "github", domains); err != nil {
		t.Fatalf("ApplyToolDomainPolicy error: %v", err)
	}

	resource := client.dynamicClient.Resource(ciliumPolicyGVR).Namespace(client.namespace)
	policy, err := resource.Get(ctx, toolDomainPolicyName("inst1", "github"), metav1.GetOptions{})
	if err != nil {
		t.Fatalf("Get policy error: %v", err)
	}

	matchLabels, found, err := unstructured.NestedMap(policy.Object, "spec", "endpointSelector", "matchLabels")
	if err != nil || !found {
		t.Fatalf("missing endpointSelector.matchLabels")
	}
	if matchLabels[LabelToolName] != "github" {
		t.Fatalf("missing tool label in endpointSelector: %v", matchLabels)
	}

	egress, found, err := unstructured.NestedSlice(policy.Object, "spec", "egress")
	if err != nil || !found || len(egress) == 0 {
		t.Fatalf("missing egress rules")
	}
	rule, ok := egress[0].(map[string]interface{})
	if !ok {
		t.Fatalf("invalid egress rule format")
	}
	toFQDNs, found, err := unstructured.NestedSlice(rule, "toFQDNs")
	if err != nil || !found {
		t.Fatalf("missing toFQDNs")
	}

	foundMatchName := false
	foundMatchPattern := false
	for _, item := range toFQDNs {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if entry["matchName"] == "api.github.com" {
			foundMatchName = true
		}
		if entry["matchPattern"] == "*.githubusercontent.com" {
			foundMatchPattern = true
		}
	}
	if !foundMatchName || !foundMatchPattern {
		t.Fatalf("toFQDNs missing expected entries: matchName=%v matchPattern=%v", foundMatchName, foundMatchPattern)
	}
}

func TestApplyToolDomainPolicyWithNoDomains(t *testing.T) {
	ctx := context.Background()
	client := newTestClient()
	manager := NewNetworkPolicyManager(client)

	if err := manager.ApplyToolDomainPolicy(ctx, "inst1", "memory", nil); err != nil {
		t.Fatalf("no-domain tool should not error: %v", err)
	}

	resource := client.dynamicClient.Resource(ciliumPolicyGVR).Namespace(client.namespace)
	_, err := resource.Get(ctx, toolDomainPolicyName("inst1", "memory"), metav1.GetOptions{})
	if err == nil || !apierrors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteToolDomainPolicy(t *testing.T) {
	ctx := context.Background()
	client := newTestClient()
	manager := NewNetworkPolicyManager(client)

	if err := manager.ApplyToolDomainPolicy(ctx, "inst1", "fetch", []string{"example.com"}); err != nil {
		t.Fatalf("ApplyToolDomainPolicy error: %v", err)
	}
	if err := manager.DeleteToolDomainPolicy(ctx, "inst1", "fetch"); err != nil {
		t.Fatalf("DeleteToolDomainPolicy error: %v", err)
	}
	// Deleting an absent policy is fine.
	if err := manager.DeleteToolDomainPolicy(ctx, "inst1", "fetch"); err != nil {
		t.Fatalf("delete of absent policy should be nil: %v", err)
	}
}

func TestDeleteInstanceResources(t *testing.T) {
	ctx := context.Background()
	client := newTestClient()

	if _, err := client.CreateInstanceService(ctx, "inst1", "app-1"); err != nil {
		t.Fatalf("CreateInstanceService error: %v", err)
	}
	if _, err := client.CreateGatewayPod(ctx, GatewayPodOptions{
		InstanceID: "inst1",
		AppID:      "app-1",
		Image:      "warden/gateway:latest",
		PolicyYAML: "app_id: app-1\n",
	}); err != nil {
		t.Fatalf("CreateGatewayPod error: %v", err)
	}

	if err := client.DeleteInstanceResources(ctx, "inst1"); err != nil {
		t.Fatalf("DeleteInstanceResources error: %v", err)
	}

	pods, _ := client.clientset.CoreV1().Pods(client.namespace).List(ctx, metav1.ListOptions{})
	if len(pods.Items) != 0 {
		t.Fatalf("pods survived teardown: %d", len(pods.Items))
	}
	svcs, _ := client.clientset.CoreV1().Services(client.namespace).List(ctx, metav1.ListOptions{})
	if len(svcs.Items) != 0 {
		t.Fatalf("services survived teardown: %d", len(svcs.Items))
	}

	// Teardown of an already-clean instance is a no-op.
	if err := client.DeleteInstanceResources(ctx, "inst1"); err != nil {
		t.Fatalf("repeat teardown error: %v", err)
	}
}
