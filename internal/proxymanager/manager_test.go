package proxymanager

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognihq/agent-runtime/internal/core"
	"github.com/cognihq/agent-runtime/internal/llmproxy"
	"github.com/cognihq/agent-runtime/internal/metrics"
)

// fakeBackend stands in for Docker: "starting the container" runs the real
// llmproxy server in-process on the run dir's socket, so Acquire's health
// probe and audit reads exercise the genuine proxy code path.
type fakeBackend struct {
	mu          sync.Mutex
	upstreamURL string
	masterKey   string
	broken      bool // if set, StartContainer starts nothing → health probe fails
	containers  map[string]*fakeContainer
	orphans     []LabeledContainer
	removed     []string
	nextID      int
}

type fakeContainer struct {
	runID string
	dir   string
	srv   *llmproxy.Server
}

func newFakeBackend(upstreamURL string) *fakeBackend {
	return &fakeBackend{
		upstreamURL: upstreamURL,
		containers:  map[string]*fakeContainer{},
	}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) CreateProxyContainer(_ context.Context, spec ProxySpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "ctr-" + spec.RunID
	f.masterKey = spec.MasterKey
	f.containers[id] = &fakeContainer{runID: spec.RunID, dir: spec.RunDir}
	return id, nil
}

func (f *fakeBackend) StartContainer(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken {
		return nil // container "runs" but never opens its socket
	}
	c, ok := f.containers[containerID]
	if !ok {
		return errors.New("unknown container")
	}
	srv, err := llmproxy.New(llmproxy.Config{
		SocketPath:   filepath.Join(c.dir, "llm.sock"),
		UpstreamURL:  f.upstreamURL,
		AuditLogPath: filepath.Join(c.dir, "audit.log"),
		MasterKey:    f.masterKey,
		Inject:       map[string]string{llmproxy.HeaderRunID: c.runID},
	})
	if err != nil {
		return err
	}
	c.srv = srv
	go srv.Start()
	return nil
}

func (f *fakeBackend) StopContainer(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok && c.srv != nil {
		c.srv.Shutdown(context.Background())
		c.srv = nil
	}
	return nil
}

func (f *fakeBackend) RemoveContainer(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
	for i, o := range f.orphans {
		if o.ID == containerID {
			f.orphans = append(f.orphans[:i], f.orphans[i+1:]...)
			break
		}
	}
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeBackend) ListOwned(context.Context) ([]LabeledContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var owned []LabeledContainer
	for id, c := range f.containers {
		owned = append(owned, LabeledContainer{ID: id, RunID: c.runID})
	}
	return append(owned, f.orphans...), nil
}

func (f *fakeBackend) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func newTestManager(t *testing.T, backend ContainerBackend) *Manager {
	t.Helper()
	return NewManager(Config{
		Image:         "cogni/llmproxy:test",
		BaseDir:       t.TempDir(),
		UpstreamURL:   "http://unused",
		MasterKey:     "sk-test",
		HealthTimeout: 2 * time.Second,
	}, backend, metrics.NewTestMetrics())
}

func socketClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 2 * time.Second,
	}
}

func TestAcquireStartsHealthyProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(llmproxy.HeaderCallID, "c-1")
		w.Header().Set(llmproxy.HeaderResponseCost, "0.003")
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	backend := newFakeBackend(upstream.URL)
	m := newTestManager(t, backend)

	caller := core.Caller{BillingAccountID: "b1"}
	inst, err := m.Acquire(context.Background(), "r1", caller, "sandbox:agent")
	require.NoError(t, err)
	defer m.Release(context.Background(), "r1")

	assert.Equal(t, "r1", inst.RunID)
	assert.Equal(t, "b1", inst.Headers[llmproxy.HeaderEndUser])
	assert.Contains(t, inst.Headers[llmproxy.HeaderSpendLogs], `"run_id":"r1"`)
	assert.Contains(t, inst.Headers[llmproxy.HeaderSpendLogs], `"graph_id":"sandbox:agent"`)
	assert.Equal(t, 1, m.LiveCount())

	// Audit log is empty before any LLM call.
	entries, err := m.ReadAuditEntries("r1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	// One call through the socket produces one audit entry.
	resp, err := socketClient(inst.SocketPath).Post("http://proxy/v1/chat/completions", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()

	entries, err = m.ReadAuditEntries("r1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "c-1", entries[0].LitellmCallID)
	assert.Equal(t, "0.003", entries[0].CostUSD)
}

func TestAcquireDuplicateRunFailsFast(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()

	m := newTestManager(t, newFakeBackend(upstream.URL))
	_, err := m.Acquire(context.Background(), "r1", core.Caller{BillingAccountID: "b1"}, "g")
	require.NoError(t, err)
	defer m.Release(context.Background(), "r1")

	_, err = m.Acquire(context.Background(), "r1", core.Caller{BillingAccountID: "b1"}, "g")
	require.Error(t, err)
	assert.Equal(t, core.KindDuplicateRun, core.KindOf(err))
	assert.Equal(t, 1, m.LiveCount())
}

func TestAcquireHealthFailureCleansUp(t *testing.T) {
	backend := newFakeBackend("http://unused")
	backend.broken = true
	m := NewManager(Config{
		Image:         "cogni/llmproxy:test",
		BaseDir:       t.TempDir(),
		UpstreamURL:   "http://unused",
		MasterKey:     "sk-test",
		HealthTimeout: 300 * time.Millisecond,
	}, backend, metrics.NewTestMetrics())

	_, err := m.Acquire(context.Background(), "r1", core.Caller{BillingAccountID: "b1"}, "g")
	require.Error(t, err)
	assert.Equal(t, core.KindProxyStartFailed, core.KindOf(err))
	assert.Equal(t, 0, m.LiveCount())
	assert.Contains(t, backend.removedIDs(), "ctr-r1")

	// The failed runId is acquirable again.
	backend.broken = false
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()
	backend.upstreamURL = upstream.URL
	_, err = m.Acquire(context.Background(), "r1", core.Caller{BillingAccountID: "b1"}, "g")
	require.NoError(t, err)
	m.Release(context.Background(), "r1")
}

func TestReleaseIsIdempotentAndRemovesRunDir(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()

	backend := newFakeBackend(upstream.URL)
	m := newTestManager(t, backend)
	inst, err := m.Acquire(context.Background(), "r1", core.Caller{BillingAccountID: "b1"}, "g")
	require.NoError(t, err)

	m.Release(context.Background(), "r1")
	m.Release(context.Background(), "r1")

	assert.Equal(t, 0, m.LiveCount())
	assert.Equal(t, []string{"ctr-r1"}, backend.removedIDs())
	_, statErr := os.Stat(inst.Dir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSweepRemovesOnlyOrphans(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()

	backend := newFakeBackend(upstream.URL)
	backend.orphans = []LabeledContainer{
		{ID: "ctr-dead-1", RunID: "dead-1"},
		{ID: "ctr-dead-2", RunID: "dead-2"},
	}
	m := newTestManager(t, backend)

	_, err := m.Acquire(context.Background(), "r1", core.Caller{BillingAccountID: "b1"}, "g")
	require.NoError(t, err)
	defer m.Release(context.Background(), "r1")

	require.NoError(t, m.Sweep(context.Background()))

	removed := backend.removedIDs()
	assert.ElementsMatch(t, []string{"ctr-dead-1", "ctr-dead-2"}, removed)
	assert.Equal(t, 1, m.LiveCount())
}

func TestReadAuditEntriesUnknownRun(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()
	m := newTestManager(t, newFakeBackend(upstream.URL))
	_, err := m.ReadAuditEntries("missing")
	require.Error(t, err)
}
