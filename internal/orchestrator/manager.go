package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/uuid"

	"github.com/wardenbox/warden/internal/events"
	"github.com/wardenbox/warden/internal/gateway"
	"github.com/wardenbox/warden/internal/k8s"
	"github.com/wardenbox/warden/internal/logx"
	"github.com/wardenbox/warden/internal/model"
	"github.com/wardenbox/warden/internal/policy"
	"github.com/wardenbox/warden/internal/security"
	"github.com/wardenbox/warden/internal/store"
	"github.com/wardenbox/warden/internal/tools"
)

// Manager drives sandbox instance lifecycle. One instance per owning app;
// concurrent starts for the same app serialize on a per-app lock.
type Manager struct {
	k8sClient     *k8s.Client
	npManager     *k8s.NetworkPolicyManager
	configStore   *store.ConfigStore
	instanceStore *store.InstanceStore
	requestLog    *store.RequestLog
	eventStore    *events.Store
	tokenCipher   *security.TokenCipher
	config        *Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(
	k8sClient *k8s.Client,
	configStore *store.ConfigStore,
	instanceStore *store.InstanceStore,
	requestLog *store.RequestLog,
	eventStore *events.Store,
	tokenCipher *security.TokenCipher,
	config *Config,
) *Manager {
	return &Manager{
		k8sClient:     k8sClient,
		npManager:     k8s.NewNetworkPolicyManager(k8sClient),
		configStore:   configStore,
		instanceStore: instanceStore,
		requestLog:    requestLog,
		eventStore:    eventStore,
		tokenCipher:   tokenCipher,
		config:        config,
		locks:         make(map[string]*sync.Mutex),
	}
}

// appLock returns the mutex serializing lifecycle operations for one app.
func (m *Manager) appLock(appID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[appID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[appID] = l
	}
	return l
}

// Start provisions a sandbox instance for the app's saved config. Starting
// an app whose instance is already healthy returns the existing instance;
// a stale record whose pods are gone is torn down and recreated.
func (m *Manager) Start(ctx context.Context, appID string) (*model.Instance, error) {
	lock := m.appLock(appID)
	lock.Lock()
	defer lock.Unlock()

	logger := logx.LoggerWithRequestID(ctx).With("component", "orchestrator", "app_id", appID)

	cfg, err := m.configStore.Load(ctx, appID)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("%w: sandbox is disabled for this app", model.ErrConfigInvalid)
	}
	if err := m.validateImages(); err != nil {
		return nil, err
	}

	// Adopt-or-recreate: a record whose gateway pod still exists is adopted
	// as-is; anything else is torn down first.
	if existing, err := m.instanceStore.GetByApp(ctx, appID); err != nil {
		return nil, err
	} else if existing != nil {
		if _, podErr := m.k8sClient.GetPod(ctx, existing.GatewayPod); podErr == nil {
			logger.Info("adopting existing instance", "instance_id", existing.InstanceID)
			return m.recordToInstance(existing)
		}
		logger.Info("recreating stale instance", "instance_id", existing.InstanceID)
		_ = m.k8sClient.DeleteInstanceResources(ctx, existing.InstanceID)
		_ = m.instanceStore.Delete(ctx, appID)
	} else if err := m.removeOrphanPods(ctx, appID, logger); err != nil {
		return nil, err
	}

	instanceID := uuid.NewString()[:8]
	now := time.Now().UTC()
	logger = logger.With("instance_id", instanceID)
	logger.Info("starting sandbox instance")

	adminToken, err := security.GenerateToken(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate admin token: %w", err)
	}
	ciphertext, nonce, keyID, err := m.tokenCipher.Encrypt(adminToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt admin token: %w", err)
	}

	inst := &model.Instance{
		ID:         instanceID,
		AppID:      appID,
		Status:     model.SandboxStatusStarting,
		GatewayPod: k8s.GatewayPodName(instanceID),
		AgentPod:   k8s.AgentPodName(instanceID),
		ToolPods:   map[string]string{},
		AdminToken: adminToken,
		Config:     *cfg,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := m.persistInstance(ctx, inst, ciphertext, nonce, keyID); err != nil {
		return nil, err
	}
	_ = m.instanceStore.AppendStatusHistory(ctx, appID, "", string(model.SandboxStatusStarting), "start requested", now)

	// A fresh run starts with a clean event stream and audit log.
	m.eventStore.Clear(appID)
	_ = m.requestLog.Clear(ctx, appID)

	if err := m.provision(ctx, inst, cfg); err != nil {
		logger.Error("provisioning failed, rolling back", "error", err)
		m.rollback(ctx, inst, err)
		return nil, err
	}

	inst.Status = model.SandboxStatusRunning
	inst.UpdatedAt = time.Now().UTC()
	if err := m.instanceStore.UpdateStatus(ctx, appID, string(model.SandboxStatusRunning), inst.UpdatedAt); err != nil {
		return nil, err
	}
	_ = m.instanceStore.AppendStatusHistory(ctx, appID, string(model.SandboxStatusStarting), string(model.SandboxStatusRunning), "instance ready", inst.UpdatedAt)

	logger.Info("sandbox instance running")
	return inst, nil
}

// removeOrphanPods tears down pods left behind by an instance whose record
// is gone. The admin token dies with the record, so an untracked instance
// cannot be controlled and is removed rather than adopted.
func (m *Manager) removeOrphanPods(ctx context.Context, appID string, logger *slog.Logger) error {
	pods, err := m.k8sClient.FindInstancePods(ctx, appID)
	if err != nil {
		return fmt.Errorf("failed to list pods for app %s: %w", appID, err)
	}

	seen := map[string]bool{}
	for _, pod := range pods.Items {
		id := pod.Labels[k8s.LabelInstanceID]
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		logger.Warn("removing orphaned instance resources", "instance_id", id)
		if err := m.k8sClient.DeleteInstanceResources(ctx, id); err != nil {
			return fmt.Errorf("failed to remove orphaned instance %s: %w", id, err)
		}
	}
	return nil
}

// provision creates the instance's cluster resources in dependency order:
// policies and gateway first, then tools, then the agent.
func (m *Manager) provision(ctx context.Context, inst *model.Instance, cfg *model.SandboxConfig) error {
	appID := inst.AppID
	instanceID := inst.ID

	if err := m.npManager.EnsureBasePolicies(ctx); err != nil {
		return &model.ProvisioningError{Step: "base_policies", Err: err}
	}
	if err := m.npManager.EnsureInstancePolicies(ctx, instanceID); err != nil {
		return &model.ProvisioningError{Step: "instance_policies", Err: err}
	}
	if _, err := m.k8sClient.CreateInstanceService(ctx, instanceID, appID); err != nil {
		return &model.ProvisioningError{Step: "service", Err: err}
	}

	proxyURL := k8s.ProxyURL(instanceID, m.k8sClient.Namespace())
	proxyEnv := map[string]string{
		"HTTP_PROXY":  proxyURL,
		"HTTPS_PROXY": proxyURL,
		"NO_PROXY":    "localhost,127.0.0.1,.svc.cluster.local",
	}

	derived := tools.Derive(cfg.MCPServers, proxyEnv)

	// Seed the run's ephemeral allowlist: required egress, the webhook
	// callback host, and each tool's classified domains.
	callbackHost := webhookHost(m.config.WebhookBaseURL)
	list := cfg.Allowlist.WithDefaults(callbackHost)
	derived.SeedAllowlist(list)

	policyYAML, err := gateway.MarshalPolicySnapshot(&gateway.PolicySnapshot{
		AppID:                  appID,
		AllowAllNetwork:        cfg.AllowAllNetwork,
		UnknownAction:          cfg.UnknownAction,
		ApprovalTimeoutSeconds: cfg.ApprovalTimeoutSeconds,
		UserPatterns:           list.User,
		AutoPatterns:           list.Auto,
	})
	if err != nil {
		return &model.ProvisioningError{Step: "policy_snapshot", Err: err}
	}

	if _, err := m.k8sClient.CreateGatewayPod(ctx, k8s.GatewayPodOptions{
		InstanceID: instanceID,
		AppID:      appID,
		Image:      m.config.GatewayImage,
		CPU:        cfg.GatewayResources.CPU,
		Memory:     cfg.GatewayResources.Memory,
		PolicyYAML: policyYAML,
		Env: map[string]string{
			"WARDEN_ADMIN_TOKEN": inst.AdminToken,
			"WEBHOOK_URL":        m.config.WebhookBaseURL + "/api/v1/webhook/network_event",
			"APP_ID":             appID,
		},
	}); err != nil {
		return &model.ProvisioningError{Step: "gateway_pod", Err: err}
	}
	if err := m.k8sClient.WaitForReady(ctx, inst.GatewayPod, nil); err != nil {
		return &model.ProvisioningError{Step: "gateway_ready", Err: err}
	}

	for _, spec := range derived.SSE {
		podName := k8s.ToolPodName(instanceID, spec.Name)
		if _, err := m.k8sClient.CreateToolPod(ctx, k8s.ToolPodOptions{
			InstanceID: instanceID,
			AppID:      appID,
			ToolName:   spec.Name,
			Image:      m.config.ToolImage,
			Command:    []string{spec.Command},
			Args:       spec.Args,
			CPU:        cfg.ToolResources.CPU,
			Memory:     cfg.ToolResources.Memory,
			Env:        spec.Env,
		}); err != nil {
			return &model.ProvisioningError{Step: "tool_pod_" + spec.Name, Err: err}
		}
		if err := m.npManager.ApplyToolDomainPolicy(ctx, instanceID, spec.Name, derived.SeedDomains[spec.Name]); err != nil {
			return &model.ProvisioningError{Step: "tool_policy_" + spec.Name, Err: err}
		}
		inst.ToolPods[spec.Name] = podName
	}

	stdioYAML, err := derived.StdioConfigYAML()
	if err != nil {
		return &model.ProvisioningError{Step: "tools_config", Err: err}
	}

	agentVolumes := make([]k8s.AgentVolume, 0, len(cfg.Volumes))
	for i, v := range cfg.Volumes {
		agentVolumes = append(agentVolumes, k8s.AgentVolume{
			Name:      fmt.Sprintf("vol-%d", i),
			HostPath:  v.HostPath,
			MountPath: v.MountPath,
			ReadWrite: v.ReadWrite,
		})
	}

	if _, err := m.k8sClient.CreateAgentPod(ctx, k8s.AgentPodOptions{
		InstanceID:     instanceID,
		AppID:          appID,
		Image:          m.config.AgentImage,
		CPU:            cfg.AgentResources.CPU,
		Memory:         cfg.AgentResources.Memory,
		Env:            proxyEnv,
		StdioToolsYAML: string(stdioYAML),
		Volumes:        agentVolumes,
	}); err != nil {
		return &model.ProvisioningError{Step: "agent_pod", Err: err}
	}
	if err := m.k8sClient.WaitForReady(ctx, inst.AgentPod, nil); err != nil {
		return &model.ProvisioningError{Step: "agent_ready", Err: err}
	}

	return m.persistInstance(ctx, inst, "", "", "")
}

// rollback tears down a partially provisioned instance and records the
// failure. The instance record is kept in error state for diagnosis.
func (m *Manager) rollback(ctx context.Context, inst *model.Instance, cause error) {
	_ = m.k8sClient.DeleteInstanceResources(ctx, inst.ID)
	now := time.Now().UTC()
	_ = m.instanceStore.UpdateStatus(ctx, inst.AppID, string(model.SandboxStatusError), now)
	_ = m.instanceStore.AppendStatusHistory(ctx, inst.AppID, string(model.SandboxStatusStarting), string(model.SandboxStatusError), cause.Error(), now)
}

// Stop tears down the app's instance. Stopping an app with no instance is a
// no-op. Pending approvals die with the gateway pod; their waiters see
// connection errors, not resolutions.
func (m *Manager) Stop(ctx context.Context, appID string) error {
	lock := m.appLock(appID)
	lock.Lock()
	defer lock.Unlock()

	logger := logx.LoggerWithRequestID(ctx).With("component", "orchestrator", "app_id", appID)

	rec, err := m.instanceStore.GetByApp(ctx, appID)
	if err != nil {
		return err
	}
	if rec == nil {
		logger.Debug("stop of untracked app is a no-op")
		return nil
	}

	now := time.Now().UTC()
	_ = m.instanceStore.UpdateStatus(ctx, appID, string(model.SandboxStatusStopping), now)
	_ = m.instanceStore.AppendStatusHistory(ctx, appID, rec.Status, string(model.SandboxStatusStopping), "stop requested", now)

	if err := m.k8sClient.DeleteInstanceResources(ctx, rec.InstanceID); err != nil {
		logger.Warn("teardown left residue", "instance_id", rec.InstanceID, "error", err)
	}
	if err := m.instanceStore.Delete(ctx, appID); err != nil {
		return err
	}
	_ = m.instanceStore.AppendStatusHistory(ctx, appID, string(model.SandboxStatusStopping), string(model.SandboxStatusStopped), "", time.Now().UTC())

	logger.Info("sandbox instance stopped", "instance_id", rec.InstanceID)
	return nil
}

// Get returns the app's instance. model.ErrNotFound when none exists.
func (m *Manager) Get(ctx context.Context, appID string) (*model.Instance, error) {
	rec, err := m.instanceStore.GetByApp(ctx, appID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("instance for %s: %w", appID, model.ErrNotFound)
	}
	return m.recordToInstance(rec)
}

// Approve forwards an approval to the instance's gateway, then mirrors any
// committed pattern into the persisted config so it survives restarts.
func (m *Manager) Approve(ctx context.Context, appID string, req *model.ApproveRequest) error {
	gw, err := m.gatewayClient(ctx, appID)
	if err != nil {
		return err
	}
	if err := gw.Approve(ctx, req.RequestID, req.Pattern, req.PatternType); err != nil {
		return err
	}

	if req.Pattern != "" {
		typ := policy.PatternType(req.PatternType)
		if typ == "" {
			typ = policy.PatternExact
		}
		if _, err := m.configStore.SyncUserPatterns(ctx, appID, []policy.Pattern{
			{Pattern: req.Pattern, Type: typ, Source: policy.SourceApproved},
		}); err != nil {
			return fmt.Errorf("approved on gateway but failed to persist pattern: %w", err)
		}
	}
	return nil
}

func (m *Manager) Deny(ctx context.Context, appID string, req *model.DenyRequest) error {
	gw, err := m.gatewayClient(ctx, appID)
	if err != nil {
		return err
	}
	return gw.Deny(ctx, req.RequestID)
}

// AddPattern persists a pattern and pushes it to the running gateway when
// one exists. Persisting first keeps the store authoritative.
func (m *Manager) AddPattern(ctx context.Context, appID string, req *model.AddPatternRequest) error {
	typ := policy.PatternType(req.PatternType)
	p := policy.Pattern{Pattern: req.Pattern, Type: typ, Source: policy.SourceUser}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrConfigInvalid, err)
	}

	if _, err := m.configStore.SyncUserPatterns(ctx, appID, []policy.Pattern{p}); err != nil {
		return err
	}

	gw, err := m.gatewayClient(ctx, appID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return err
	}
	// The gateway may already hold the pattern from an earlier push.
	if err := gw.AddPattern(ctx, req.Pattern, req.PatternType); err != nil {
		logx.LoggerWithRequestID(ctx).Warn("pattern persisted but gateway push failed",
			"app_id", appID, "pattern", req.Pattern, "error", err)
	}
	return nil
}

// SyncPatterns merges a batch of user patterns into the persisted config and
// pushes the result to the running gateway.
func (m *Manager) SyncPatterns(ctx context.Context, appID string, patterns []policy.Pattern) (*model.SandboxConfig, error) {
	merged, err := m.configStore.SyncUserPatterns(ctx, appID, patterns)
	if err != nil {
		return nil, err
	}

	gw, err := m.gatewayClient(ctx, appID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return merged, nil
		}
		return nil, err
	}
	for _, p := range merged.Allowlist.User {
		_ = gw.AddPattern(ctx, p.Pattern, string(p.Type))
	}
	return merged, nil
}

// GatewayStatus queries the live gateway for its policy state.
func (m *Manager) GatewayStatus(ctx context.Context, appID string) (*GatewayStatus, error) {
	gw, err := m.gatewayClient(ctx, appID)
	if err != nil {
		return nil, err
	}
	return gw.Status(ctx)
}

// gatewayClient resolves the app's instance and builds an authenticated
// control client for its gateway.
func (m *Manager) gatewayClient(ctx context.Context, appID string) (*GatewayClient, error) {
	rec, err := m.instanceStore.GetByApp(ctx, appID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("instance for %s: %w", appID, model.ErrNotFound)
	}

	token, err := m.tokenCipher.Decrypt(rec.AdminTokenCiphertext, rec.AdminTokenNonce)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt admin token: %w", err)
	}
	return NewGatewayClient(k8s.ControlURL(rec.InstanceID, m.k8sClient.Namespace()), token), nil
}

func (m *Manager) validateImages() error {
	for _, image := range []string{m.config.AgentImage, m.config.GatewayImage, m.config.ToolImage} {
		if _, err := name.ParseReference(image); err != nil {
			return fmt.Errorf("%w: invalid image reference %q: %v", model.ErrConfigInvalid, image, err)
		}
	}
	return nil
}

func (m *Manager) persistInstance(ctx context.Context, inst *model.Instance, ciphertext, nonce, keyID string) error {
	existing, err := m.instanceStore.GetByApp(ctx, inst.AppID)
	if err != nil {
		return err
	}
	if ciphertext == "" && existing != nil {
		ciphertext = existing.AdminTokenCiphertext
		nonce = existing.AdminTokenNonce
		keyID = existing.AdminTokenKeyID
	}

	toolPods, err := json.Marshal(inst.ToolPods)
	if err != nil {
		return fmt.Errorf("failed to marshal tool pods: %w", err)
	}
	cfgJSON, err := json.Marshal(&inst.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config snapshot: %w", err)
	}

	return m.instanceStore.Upsert(ctx, &store.InstanceRecord{
		AppID:                inst.AppID,
		InstanceID:           inst.ID,
		Status:               string(inst.Status),
		GatewayPod:           inst.GatewayPod,
		AgentPod:             inst.AgentPod,
		ToolPodsJSON:         string(toolPods),
		AdminTokenCiphertext: ciphertext,
		AdminTokenNonce:      nonce,
		AdminTokenKeyID:      keyID,
		AdminTokenSHA256:     security.HashToken(inst.AdminToken),
		ConfigJSON:           string(cfgJSON),
		CreatedAt:            inst.CreatedAt,
		UpdatedAt:            time.Now().UTC(),
	})
}

func (m *Manager) recordToInstance(rec *store.InstanceRecord) (*model.Instance, error) {
	cfg, err := rec.Config()
	if err != nil {
		return nil, err
	}
	return &model.Instance{
		ID:         rec.InstanceID,
		AppID:      rec.AppID,
		Status:     model.SandboxStatus(rec.Status),
		GatewayPod: rec.GatewayPod,
		AgentPod:   rec.AgentPod,
		ToolPods:   rec.ToolPods(),
		Config:     *cfg,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}, nil
}

func webhookHost(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Hostname()
}
