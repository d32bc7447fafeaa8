package model

import (
	"fmt"
	"time"

	"github.com/wardenbox/warden/internal/policy"
)

// SandboxStatus is the lifecycle state of a sandbox instance.
type SandboxStatus string

const (
	SandboxStatusStopped  SandboxStatus = "stopped"
	SandboxStatusStarting SandboxStatus = "starting"
	SandboxStatusRunning  SandboxStatus = "running"
	SandboxStatusStopping SandboxStatus = "stopping"
	SandboxStatusError    SandboxStatus = "error"
)

// UnknownAction is the policy applied to destinations no pattern matches.
type UnknownAction string

const (
	UnknownAsk   UnknownAction = "ask"
	UnknownDeny  UnknownAction = "deny"
	UnknownAllow UnknownAction = "allow"
)

// ResourceLimits are per-role container limits in Kubernetes quantity syntax.
type ResourceLimits struct {
	CPU    string `json:"cpu" yaml:"cpu"`
	Memory string `json:"memory" yaml:"memory"`
}

// VolumeMount maps a host path into the agent container. Paths declared as
// persistence locations by the workload are mounted read-write; everything
// else defaults to read-only.
type VolumeMount struct {
	HostPath  string `json:"host_path" yaml:"host_path"`
	MountPath string `json:"mount_path" yaml:"mount_path"`
	ReadWrite bool   `json:"read_write" yaml:"read_write"`
}

// SandboxConfig is the persisted sandbox policy for one owning app. It
// embeds in the owning project's configuration document; only the fields
// here round-trip through the store.
type SandboxConfig struct {
	Enabled                bool             `json:"enabled" yaml:"enabled"`
	AllowAllNetwork        bool             `json:"allow_all_network" yaml:"allow_all_network"`
	Allowlist              policy.Allowlist `json:"allowlist" yaml:"allowlist"`
	UnknownAction          UnknownAction    `json:"unknown_action" yaml:"unknown_action"`
	ApprovalTimeoutSeconds int              `json:"approval_timeout_seconds" yaml:"approval_timeout_seconds"`
	RunTimeoutSeconds      int              `json:"run_timeout_seconds" yaml:"run_timeout_seconds"`
	AgentResources         ResourceLimits   `json:"agent_resources" yaml:"agent_resources"`
	GatewayResources       ResourceLimits   `json:"gateway_resources" yaml:"gateway_resources"`
	ToolResources          ResourceLimits   `json:"tool_resources" yaml:"tool_resources"`
	Volumes                []VolumeMount    `json:"volumes" yaml:"volumes"`
	MCPServers             []MCPServerDecl  `json:"mcp_servers" yaml:"mcp_servers"`
}

// Validate rejects configs the orchestrator cannot act on. Bad patterns and
// unknown enum values are errors at mutation time, never coerced.
func (c *SandboxConfig) Validate() error {
	switch c.UnknownAction {
	case UnknownAsk, UnknownDeny, UnknownAllow, "":
	default:
		return fmt.Errorf("%w: unknown_action %q is not one of ask/deny/allow", ErrConfigInvalid, c.UnknownAction)
	}
	for i := range c.Allowlist.User {
		if err := c.Allowlist.User[i].Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
		}
	}
	return nil
}

// ApprovalTimeout returns the configured approval timeout with a default.
func (c *SandboxConfig) ApprovalTimeout() time.Duration {
	if c.ApprovalTimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.ApprovalTimeoutSeconds) * time.Second
}

// RunTimeout returns the hard bound on one Send call with a default.
func (c *SandboxConfig) RunTimeout() time.Duration {
	if c.RunTimeoutSeconds <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.RunTimeoutSeconds) * time.Second
}

// MCPServerDecl is a tool process declared by the workload. Classification
// into transport and network requirements happens in the tools package.
type MCPServerDecl struct {
	Name    string            `json:"name" yaml:"name"`
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args" yaml:"args"`
	Env     map[string]string `json:"env" yaml:"env"`
}

// Instance is the orchestrator's record of one provisioned sandbox, keyed by
// owning-app identity.
type Instance struct {
	ID         string        `json:"id"`
	AppID      string        `json:"app_id"`
	Status     SandboxStatus `json:"status"`
	GatewayPod string        `json:"gateway_pod"`
	AgentPod   string        `json:"agent_pod"`
	// ToolPods maps tool name to pod name for sse-transport tools.
	ToolPods   map[string]string `json:"tool_pods,omitempty"`
	AdminToken string            `json:"-"`
	// Config is the snapshot used to start the instance; later config edits
	// do not apply until restart, except pattern pushes.
	Config    SandboxConfig `json:"config"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// SendRequest delivers workload input to a running agent.
type SendRequest struct {
	Message   string `json:"message" binding:"required"`
	SessionID string `json:"session_id"`
}

// SendResponse relays the agent's reply.
type SendResponse struct {
	Result    string `json:"result"`
	SessionID string `json:"session_id,omitempty"`
}

// ApproveRequest resolves a pending approval, optionally committing a new
// pattern so later requests to the same target pass without asking.
type ApproveRequest struct {
	RequestID   string `json:"request_id" binding:"required"`
	Pattern     string `json:"pattern"`
	PatternType string `json:"pattern_type"`
}

// DenyRequest resolves a pending approval negatively.
type DenyRequest struct {
	RequestID string `json:"request_id" binding:"required"`
}

// AddPatternRequest pushes an allowlist pattern to a running gateway.
type AddPatternRequest struct {
	Pattern     string `json:"pattern" binding:"required"`
	PatternType string `json:"pattern_type" binding:"required"`
}
