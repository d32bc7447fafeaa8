package orchestrator

import (
	"os"
)

// Config holds the orchestrator's deployment settings.
type Config struct {
	// KubeconfigPath is empty in-cluster.
	KubeconfigPath string
	// Namespace is where sandbox pods run.
	Namespace string
	// AgentImage runs the workload.
	AgentImage string
	// GatewayImage runs the egress gateway.
	GatewayImage string
	// ToolImage runs sse-transport tool servers.
	ToolImage string
	// WebhookBaseURL is the control plane address gateways report events to.
	WebhookBaseURL string
}

func LoadConfig() *Config {
	agentImage := os.Getenv("AGENT_IMAGE")
	if agentImage == "" {
		agentImage = "wardenbox/agent:latest"
	}
	gatewayImage := os.Getenv("GATEWAY_IMAGE")
	if gatewayImage == "" {
		gatewayImage = "wardenbox/gateway:latest"
	}
	toolImage := os.Getenv("TOOL_IMAGE")
	if toolImage == "" {
		toolImage = "wardenbox/tool:latest"
	}
	webhookBaseURL := os.Getenv("WEBHOOK_BASE_URL")
	if webhookBaseURL == "" {
		webhookBaseURL = "http://warden-server.warden-system.svc.cluster.local:8080"
	}

	return &Config{
		KubeconfigPath: os.Getenv("KUBECONFIG"),
		Namespace:      os.Getenv("SANDBOX_NAMESPACE"),
		AgentImage:     agentImage,
		GatewayImage:   gatewayImage,
		ToolImage:      toolImage,
		WebhookBaseURL: webhookBaseURL,
	}
}
