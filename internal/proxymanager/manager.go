package proxymanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cognihq/agent-runtime/internal/core"
	"github.com/cognihq/agent-runtime/internal/llmproxy"
	"github.com/cognihq/agent-runtime/internal/metrics"
)

// Instance is one live per-run proxy. Ownership transfers to the graph
// provider for the run's duration; Release returns it.
type Instance struct {
	RunID        string
	SocketPath   string
	AuditLogPath string
	ContainerID  string
	Dir          string

	// Headers is what the proxy injects upstream, minus the authorization
	// header. The gateway path reuses these as its outbound headers.
	Headers map[string]string
}

// Config for the manager.
type Config struct {
	Image         string
	BaseDir       string
	UpstreamURL   string
	MasterKey     string
	HealthTimeout time.Duration
	SweepInterval time.Duration
}

// Manager creates and destroys per-run proxies and sweeps orphans.
// The live set is the only shared mutable state; the mutex guards it and
// serializes same-runId lifecycle transitions.
type Manager struct {
	mu      sync.Mutex
	live    map[string]*Instance
	cfg     Config
	backend ContainerBackend
	metrics *metrics.Metrics
}

func NewManager(cfg Config, backend ContainerBackend, m *metrics.Metrics) *Manager {
	if cfg.HealthTimeout == 0 {
		cfg.HealthTimeout = 15 * time.Second
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Manager{
		live:    make(map[string]*Instance),
		cfg:     cfg,
		backend: backend,
		metrics: m,
	}
}

// Acquire launches the per-run proxy and blocks until it answers /health
// over its unix socket. A second Acquire for a runId that is still live
// fails fast with duplicate_run — coalescing would hand two runs a single
// audit log and break billing attribution.
func (m *Manager) Acquire(ctx context.Context, runID string, caller core.Caller, graphID string) (*Instance, error) {
	m.mu.Lock()
	if _, exists := m.live[runID]; exists {
		m.mu.Unlock()
		m.metrics.ProxyAcquires.WithLabelValues("duplicate_run").Inc()
		return nil, core.NewRunError(core.KindDuplicateRun, fmt.Sprintf("proxy already live for run %s", runID), nil)
	}
	// Reserve the slot before the slow container work so concurrent
	// Acquires for the same runId fail fast instead of racing.
	m.live[runID] = nil
	m.mu.Unlock()

	inst, err := m.startProxy(ctx, runID, caller, graphID)
	if err != nil {
		m.mu.Lock()
		delete(m.live, runID)
		m.mu.Unlock()
		m.metrics.ProxyAcquires.WithLabelValues("proxy_start_failed").Inc()
		return nil, err
	}

	m.mu.Lock()
	if _, reserved := m.live[runID]; !reserved {
		// Released while still starting: honor the release.
		m.mu.Unlock()
		m.teardown(inst)
		return nil, core.NewRunError(core.KindProxyStartFailed, "proxy released during startup", nil)
	}
	m.live[runID] = inst
	m.mu.Unlock()
	m.metrics.ProxyAcquires.WithLabelValues("ok").Inc()
	m.metrics.ProxyLive.Inc()
	return inst, nil
}

func (m *Manager) startProxy(ctx context.Context, runID string, caller core.Caller, graphID string) (*Instance, error) {
	if err := os.MkdirAll(m.cfg.BaseDir, 0o700); err != nil {
		return nil, core.NewRunError(core.KindProxyStartFailed, "create proxy base dir", err)
	}
	dir, err := os.MkdirTemp(m.cfg.BaseDir, "run-")
	if err != nil {
		return nil, core.NewRunError(core.KindProxyStartFailed, "create run dir", err)
	}
	// Directory-scoped isolation: only this process (and the bind mount)
	// can reach the socket.
	if err := os.Chmod(dir, 0o700); err != nil {
		os.RemoveAll(dir)
		return nil, core.NewRunError(core.KindProxyStartFailed, "chmod run dir", err)
	}

	spendLogs, _ := json.Marshal(map[string]string{"run_id": runID, "graph_id": graphID})
	headers := map[string]string{
		llmproxy.HeaderEndUser:   caller.BillingAccountID,
		llmproxy.HeaderSpendLogs: string(spendLogs),
		llmproxy.HeaderRunID:     runID,
	}

	inst := &Instance{
		RunID:        runID,
		SocketPath:   filepath.Join(dir, "llm.sock"),
		AuditLogPath: filepath.Join(dir, "audit.log"),
		Dir:          dir,
		Headers:      headers,
	}

	proxyCfg := llmproxy.Config{
		SocketPath:   filepath.Join(ContainerRunDir, "llm.sock"),
		UpstreamURL:  m.cfg.UpstreamURL,
		AuditLogPath: filepath.Join(ContainerRunDir, "audit.log"),
		Inject:       headers,
	}
	if err := llmproxy.WriteConfigFile(filepath.Join(dir, "proxy.yaml"), proxyCfg); err != nil {
		os.RemoveAll(dir)
		return nil, core.NewRunError(core.KindProxyStartFailed, "write proxy config", err)
	}

	containerID, err := m.backend.CreateProxyContainer(ctx, ProxySpec{
		Image:     m.cfg.Image,
		RunID:     runID,
		RunDir:    dir,
		MasterKey: m.cfg.MasterKey,
	})
	if err != nil {
		os.RemoveAll(dir)
		return nil, core.NewRunError(core.KindProxyStartFailed, "create proxy container", err)
	}
	inst.ContainerID = containerID

	if err := m.backend.StartContainer(ctx, containerID); err != nil {
		m.teardown(inst)
		return nil, core.NewRunError(core.KindProxyStartFailed, "start proxy container", err)
	}

	if err := m.waitHealthy(ctx, inst.SocketPath); err != nil {
		m.teardown(inst)
		return nil, core.NewRunError(core.KindProxyStartFailed, "proxy never became healthy", err)
	}

	slog.Info("proxy acquired", "run_id", runID, "container_id", shortID(containerID), "backend", m.backend.Name())
	return inst, nil
}

// waitHealthy polls /health over the unix socket until 200 or timeout.
func (m *Manager) waitHealthy(ctx context.Context, socketPath string) error {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 2 * time.Second,
	}

	deadline := time.NewTimer(m.cfg.HealthTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://proxy/health", nil)
		if err != nil {
			return err
		}
		if resp, err := client.Do(req); err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("health probe timed out after %s", m.cfg.HealthTimeout)
		case <-tick.C:
		}
	}
}

// Release tears down the run's proxy. Idempotent; runs even after a
// partially failed Acquire. Container removal errors are logged, never
// re-raised — the sweeper reclaims whatever is left behind.
func (m *Manager) Release(ctx context.Context, runID string) {
	m.mu.Lock()
	inst, exists := m.live[runID]
	delete(m.live, runID)
	m.mu.Unlock()

	if !exists || inst == nil {
		return
	}
	m.metrics.ProxyLive.Dec()
	m.teardown(inst)
	slog.Info("proxy released", "run_id", runID)
}

func (m *Manager) teardown(inst *Instance) {
	// Decouple from the run's context: teardown must finish even when the
	// run was cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if inst.ContainerID != "" {
		if err := m.backend.StopContainer(ctx, inst.ContainerID); err != nil {
			slog.Warn("proxy stop failed", "run_id", inst.RunID, "error", err)
		}
		if err := m.backend.RemoveContainer(ctx, inst.ContainerID); err != nil {
			slog.Warn("proxy remove failed", "run_id", inst.RunID, "error", err)
		}
	}
	if err := os.Remove(inst.SocketPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("socket remove failed", "run_id", inst.RunID, "error", err)
	}
	if err := os.RemoveAll(inst.Dir); err != nil {
		slog.Warn("run dir remove failed", "run_id", inst.RunID, "error", err)
	}
}

// ReadAuditEntries parses the run's audit log. An empty result is valid —
// the agent may have exited before any LLM call.
func (m *Manager) ReadAuditEntries(runID string) ([]llmproxy.AuditEntry, error) {
	m.mu.Lock()
	inst, exists := m.live[runID]
	m.mu.Unlock()
	if !exists || inst == nil {
		return nil, fmt.Errorf("no live proxy for run %s", runID)
	}
	return llmproxy.ReadAuditLog(inst.AuditLogPath)
}

// Sweep removes every owned proxy container whose runId is not in the live
// set. Called once at startup (reclaiming orphans from a crashed prior
// process) and then on a timer.
func (m *Manager) Sweep(ctx context.Context) error {
	owned, err := m.backend.ListOwned(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}

	m.mu.Lock()
	liveIDs := make(map[string]bool, len(m.live))
	for runID := range m.live {
		liveIDs[runID] = true
	}
	m.mu.Unlock()

	for _, c := range owned {
		if liveIDs[c.RunID] {
			continue
		}
		slog.Warn("sweeping orphaned proxy", "run_id", c.RunID, "container_id", shortID(c.ID))
		if err := m.backend.StopContainer(ctx, c.ID); err != nil {
			slog.Warn("orphan stop failed", "container_id", shortID(c.ID), "error", err)
		}
		if err := m.backend.RemoveContainer(ctx, c.ID); err != nil {
			slog.Warn("orphan remove failed", "container_id", shortID(c.ID), "error", err)
			continue
		}
		m.metrics.ProxySweepOrphan.Inc()
	}
	return nil
}

// RunSweeper blocks, sweeping on the configured interval until ctx ends.
func (m *Manager) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				slog.Warn("periodic sweep failed", "error", err)
			}
		}
	}
}

// LiveCount reports the current live-set size.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
