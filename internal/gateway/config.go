package gateway

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wardenbox/warden/internal/model"
	"github.com/wardenbox/warden/internal/policy"
)

// Config holds the gateway process configuration, loaded from environment
// variables set by the orchestrator at pod creation.
type Config struct {
	// ProxyPort is where agent traffic arrives.
	ProxyPort string
	// ControlPort serves the control surface for the control plane.
	ControlPort string
	// PolicyPath is the mounted policy snapshot.
	PolicyPath string
	// WebhookURL receives fire-and-forget network events. Empty disables
	// reporting.
	WebhookURL string
	// AdminToken authenticates control surface callers.
	AdminToken string
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

func LoadConfig() *Config {
	proxyPort := os.Getenv("PROXY_PORT")
	if proxyPort == "" {
		proxyPort = "15001"
	}
	controlPort := os.Getenv("CONTROL_PORT")
	if controlPort == "" {
		controlPort = "15002"
	}
	policyPath := os.Getenv("GATEWAY_POLICY_PATH")
	if policyPath == "" {
		policyPath = "/etc/warden/policy.yaml"
	}

	return &Config{
		ProxyPort:       proxyPort,
		ControlPort:     controlPort,
		PolicyPath:      policyPath,
		WebhookURL:      os.Getenv("WEBHOOK_URL"),
		AdminToken:      os.Getenv("WARDEN_ADMIN_TOKEN"),
		ShutdownTimeout: 30 * time.Second,
	}
}

// PolicySnapshot is the policy document the orchestrator renders for the
// gateway at start. Runtime pattern pushes update the in-memory engine, not
// this file.
type PolicySnapshot struct {
	AppID                  string              `yaml:"app_id"`
	AllowAllNetwork        bool                `yaml:"allow_all_network"`
	UnknownAction          model.UnknownAction `yaml:"unknown_action"`
	ApprovalTimeoutSeconds int                 `yaml:"approval_timeout_seconds"`
	UserPatterns           []policy.Pattern    `yaml:"user_patterns"`
	AutoPatterns           []policy.Pattern    `yaml:"auto_patterns"`
}

// MarshalPolicySnapshot renders the snapshot the orchestrator mounts into
// the gateway pod.
func MarshalPolicySnapshot(s *PolicySnapshot) (string, error) {
	raw, err := yaml.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal policy snapshot: %w", err)
	}
	return string(raw), nil
}

// LoadPolicySnapshot reads and validates the mounted snapshot.
func LoadPolicySnapshot(path string) (*PolicySnapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy snapshot: %w", err)
	}
	var snap PolicySnapshot
	if err := yaml.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse policy snapshot: %w", err)
	}
	for i := range snap.UserPatterns {
		if err := snap.UserPatterns[i].Validate(); err != nil {
			return nil, fmt.Errorf("invalid user pattern in snapshot: %w", err)
		}
	}
	for i := range snap.AutoPatterns {
		if err := snap.AutoPatterns[i].Validate(); err != nil {
			return nil, fmt.Errorf("invalid auto pattern in snapshot: %w", err)
		}
	}
	return &snap, nil
}

// ApprovalTimeout returns the snapshot's approval timeout with a default.
func (s *PolicySnapshot) ApprovalTimeout() time.Duration {
	if s.ApprovalTimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(s.ApprovalTimeoutSeconds) * time.Second
}
