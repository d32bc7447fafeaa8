package k8s

import (
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/intstr"
)

var ciliumPolicyGVR = schema.GroupVersionResource{
	Group:    "cilium.io",
	Version:  "v2",
	Resource: "ciliumnetworkpolicies",
}

// NetworkPolicyManager installs the policies that make the sandbox network
// isolated: agents and tools can only reach DNS and their own gateway, and
// only the gateway can reach the internet.
type NetworkPolicyManager struct {
	client *Client
}

func NewNetworkPolicyManager(client *Client) *NetworkPolicyManager {
	return &NetworkPolicyManager{client: client}
}

// EnsureBasePolicies applies the namespace-wide policies. Called once at
// startup; idempotent.
func (m *NetworkPolicyManager) EnsureBasePolicies(ctx context.Context) error {
	if err := m.client.EnsureNamespace(ctx); err != nil {
		return fmt.Errorf("failed to ensure namespace: %w", err)
	}

	policies := []struct {
		name string
		spec *networkingv1.NetworkPolicy
	}{
		{"default-deny-all", m.defaultDenyAllPolicy()},
		{"allow-dns", m.allowDNSPolicy()},
		{"allow-gateway-egress", m.allowGatewayEgressPolicy()},
	}
	for _, p := range policies {
		if err := m.ensurePolicy(ctx, p.spec); err != nil {
			return fmt.Errorf("failed to ensure policy %s: %w", p.name, err)
		}
	}
	return nil
}

// EnsureInstancePolicies applies the per-instance policies binding an agent
// and its tools to their own gateway.
func (m *NetworkPolicyManager) EnsureInstancePolicies(ctx context.Context, instanceID string) error {
	policies := []struct {
		name string
		spec *networkingv1.NetworkPolicy
	}{
		{"agent egress", m.agentToGatewayPolicy(instanceID)},
		{"gateway ingress", m.gatewayIngressPolicy(instanceID)},
	}
	for _, p := range policies {
		if err := m.ensurePolicy(ctx, p.spec); err != nil {
			return fmt.Errorf("failed to ensure instance policy %s: %w", p.name, err)
		}
	}
	return nil
}

func (m *NetworkPolicyManager) ensurePolicy(ctx context.Context, policy *networkingv1.NetworkPolicy) error {
	ns := m.client.namespace
	existing, err := m.client.clientset.NetworkingV1().NetworkPolicies(ns).Get(ctx, policy.Name, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			_, err = m.client.clientset.NetworkingV1().NetworkPolicies(ns).Create(ctx, policy, metav1.CreateOptions{})
			return err
		}
		return err
	}
	policy.ResourceVersion = existing.ResourceVersion
	_, err = m.client.clientset.NetworkingV1().NetworkPolicies(ns).Update(ctx, policy, metav1.UpdateOptions{})
	return err
}

// defaultDenyAllPolicy denies all traffic for every sandbox pod. The allow
// policies below punch holes in it.
func (m *NetworkPolicyManager) defaultDenyAllPolicy() *networkingv1.NetworkPolicy {
	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: "default-deny-all"},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{
				MatchLabels: map[string]string{"app": LabelApp},
			},
			PolicyTypes: []networkingv1.PolicyType{
				networkingv1.PolicyTypeIngress,
				networkingv1.PolicyTypeEgress,
			},
		},
	}
}

func (m *NetworkPolicyManager) allowDNSPolicy() *networkingv1.NetworkPolicy {
	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: "allow-dns"},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{
				MatchLabels: map[string]string{"app": LabelApp},
			},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
			Egress: []networkingv1.NetworkPolicyEgressRule{
				{
					To:    []networkingv1.NetworkPolicyPeer{kubeDNSPeer()},
					Ports: dnsPorts(),
				},
			},
		},
	}
}

// allowGatewayEgressPolicy lets gateway pods reach the internet, excluding
// private ranges so a compromised gateway cannot pivot into the cluster.
func (m *NetworkPolicyManager) allowGatewayEgressPolicy() *networkingv1.NetworkPolicy {
	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: "allow-gateway-egress"},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{
				MatchLabels: map[string]string{
					"app":     LabelApp,
					LabelRole: RoleGateway,
				},
			},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
			Egress: []networkingv1.NetworkPolicyEgressRule{
				{
					To: []networkingv1.NetworkPolicyPeer{
						{
							IPBlock: &networkingv1.IPBlock{
								CIDR: "0.0.0.0/0",
								Except: []string{
									"10.0.0.0/8",
									"172.16.0.0/12",
									"192.168.0.0/16",
									"127.0.0.0/8",
									"169.254.0.0/16",
								},
							},
						},
					},
				},
				{
					To:    []networkingv1.NetworkPolicyPeer{kubeDNSPeer()},
					Ports: dnsPorts(),
				},
			},
		},
	}
}

// agentToGatewayPolicy restricts an agent's and its tools' egress to the
// instance's own gateway.
func (m *NetworkPolicyManager) agentToGatewayPolicy(instanceID string) *networkingv1.NetworkPolicy {
	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name: fmt.Sprintf("allow-agent-egress-%s", instanceID),
			Labels: map[string]string{
				LabelInstanceID: instanceID,
			},
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{
				MatchLabels: map[string]string{
					"app":           LabelApp,
					LabelInstanceID: instanceID,
				},
				MatchExpressions: []metav1.LabelSelectorRequirement{
					{
						Key:      LabelRole,
						Operator: metav1.LabelSelectorOpIn,
						Values:   []string{RoleAgent, RoleTool},
					},
				},
			},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
			Egress: []networkingv1.NetworkPolicyEgressRule{
				{
					To: []networkingv1.NetworkPolicyPeer{
						{
							PodSelector: &metav1.LabelSelector{
								MatchLabels: map[string]string{
									LabelInstanceID: instanceID,
									LabelRole:       RoleGateway,
								},
							},
						},
					},
					Ports: []networkingv1.NetworkPolicyPort{
						tcpPort(ProxyPort),
					},
				},
			},
		},
	}
}

// gatewayIngressPolicy lets the instance's agent and tools, plus the control
// plane, reach the gateway.
func (m *NetworkPolicyManager) gatewayIngressPolicy(instanceID string) *networkingv1.NetworkPolicy {
	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name: fmt.Sprintf("allow-gateway-ingress-%s", instanceID),
			Labels: map[string]string{
				LabelInstanceID: instanceID,
			},
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{
				MatchLabels: map[string]string{
					LabelInstanceID: instanceID,
					LabelRole:       RoleGateway,
				},
			},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress},
			Ingress: []networkingv1.NetworkPolicyIngressRule{
				{
					From: []networkingv1.NetworkPolicyPeer{
						{
							PodSelector: &metav1.LabelSelector{
								MatchLabels: map[string]string{
									LabelInstanceID: instanceID,
								},
							},
						},
					},
					Ports: []networkingv1.NetworkPolicyPort{
						tcpPort(ProxyPort),
					},
				},
				{
					From: []networkingv1.NetworkPolicyPeer{
						{
							NamespaceSelector: &metav1.LabelSelector{},
						},
					},
					Ports: []networkingv1.NetworkPolicyPort{
						tcpPort(ControlPort),
					},
				},
			},
		},
	}
}

func kubeDNSPeer() networkingv1.NetworkPolicyPeer {
	return networkingv1.NetworkPolicyPeer{
		NamespaceSelector: &metav1.LabelSelector{
			MatchLabels: map[string]string{
				"kubernetes.io/metadata.name": "kube-system",
			},
		},
		PodSelector: &metav1.LabelSelector{
			MatchLabels: map[string]string{"k8s-app": "kube-dns"},
		},
	}
}

func dnsPorts() []networkingv1.NetworkPolicyPort {
	udp := corev1.ProtocolUDP
	tcp := corev1.ProtocolTCP
	return []networkingv1.NetworkPolicyPort{
		{Protocol: &udp, Port: &intstr.IntOrString{Type: intstr.Int, IntVal: 53}},
		{Protocol: &tcp, Port: &intstr.IntOrString{Type: intstr.Int, IntVal: 53}},
	}
}

func tcpPort(port int32) networkingv1.NetworkPolicyPort {
	tcp := corev1.ProtocolTCP
	return networkingv1.NetworkPolicyPort{
		Protocol: &tcp,
		Port:     &intstr.IntOrString{Type: intstr.Int, IntVal: port},
	}
}

// ApplyToolDomainPolicy pins a tool pod's egress to its classified domain
// set with a Cilium FQDN policy, where the CNI supports it. Tools with no
// declared domains get no policy; the base deny plus the agent egress policy
// already confine them.
func (m *NetworkPolicyManager) ApplyToolDomainPolicy(ctx context.Context, instanceID, toolName string, domains []string) error {
	if len(domains) == 0 {
		return nil
	}
	policy := m.toolDomainPolicy(instanceID, toolName, domains)
	resource := m.client.dynamicClient.Resource(ciliumPolicyGVR).Namespace(m.client.namespace)
	existing, err := resource.Get(ctx, policy.GetName(), metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			_, err = resource.Create(ctx, policy, metav1.CreateOptions{})
			return err
		}
		return err
	}
	policy.SetResourceVersion(existing.GetResourceVersion())
	_, err = resource.Update(ctx, policy, metav1.UpdateOptions{})
	return err
}

func (m *NetworkPolicyManager) DeleteToolDomainPolicy(ctx context.Context, instanceID, toolName string) error {
	resource := m.client.dynamicClient.Resource(ciliumPolicyGVR).Namespace(m.client.namespace)
	err := resource.Delete(ctx, toolDomainPolicyName(instanceID, toolName), metav1.DeleteOptions{})
	if errors.IsNotFound(err) {
		return nil
	}
	return err
}

func toolDomainPolicyName(instanceID, toolName string) string {
	return fmt.Sprintf("tool-egress-%s-%s", instanceID, toolName)
}

func (m *NetworkPolicyManager) toolDomainPolicy(instanceID, toolName string, domains []string) *unstructured.Unstructured {
	var toFQDNs []interface{}
	for _, domain := range domains {
		if strings.HasPrefix(domain, "*.") {
			toFQDNs = append(toFQDNs, map[string]interface{}{"matchPattern": domain})
		} else {
			toFQDNs = append(toFQDNs, map[string]interface{}{"matchName": domain})
		}
	}

	return &unstructured.Unstructured{
		Object: map[string]interface{}{
			"apiVersion": "cilium.io/v2",
			"kind":       "CiliumNetworkPolicy",
			"metadata": map[string]interface{}{
				"name":      toolDomainPolicyName(instanceID, toolName),
				"namespace": m.client.namespace,
				"labels": map[string]interface{}{
					LabelInstanceID: instanceID,
				},
			},
			"spec": map[string]interface{}{
				"endpointSelector": map[string]interface{}{
					"matchLabels": map[string]interface{}{
						"app":           LabelApp,
						LabelInstanceID: instanceID,
						LabelToolName:   toolName,
					},
				},
				"egress": []interface{}{
					map[string]interface{}{
						"toFQDNs": toFQDNs,
						"toPorts": []interface{}{
							map[string]interface{}{
								"ports": []interface{}{
									map[string]interface{}{"port": "443", "protocol": "TCP"},
									map[string]interface{}{"port": "80", "protocol": "TCP"},
								},
							},
						},
					},
					map[string]interface{}{
						"toEndpoints": []interface{}{
							map[string]interface{}{
								"matchLabels": map[string]interface{}{
									"k8s-app":                     "kube-dns",
									"io.kubernetes.pod.namespace": "kube-system",
								},
							},
						},
						"toPorts": []interface{}{
							map[string]interface{}{
								"ports": []interface{}{
									map[string]interface{}{"port": "53", "protocol": "UDP"},
									map[string]interface{}{"port": "53", "protocol": "TCP"},
								},
							},
						},
					},
				},
			},
		},
	}
}
