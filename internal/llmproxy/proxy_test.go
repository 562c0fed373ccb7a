package llmproxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, upstream *httptest.Server) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		SocketPath:   filepath.Join(dir, "llm.sock"),
		UpstreamURL:  upstream.URL,
		AuditLogPath: filepath.Join(dir, "audit.log"),
		MasterKey:    "sk-master-secret",
		Inject: map[string]string{
			HeaderEndUser:   "b1",
			HeaderSpendLogs: `{"run_id":"r1","graph_id":"sandbox:agent"}`,
			HeaderRunID:     "r1",
		},
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return srv, cfg.AuditLogPath
}

func TestProxyInjectsAndStripsHeaders(t *testing.T) {
	var seen http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Header().Set(HeaderCallID, "c-1")
		w.Header().Set(HeaderResponseCost, "0.003")
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer upstream.Close()

	srv, _ := newTestServer(t, upstream)
	front := httptest.NewServer(srv.Handler())
	defer front.Close()

	req, _ := http.NewRequest(http.MethodPost, front.URL+"/v1/chat/completions", strings.NewReader(`{}`))
	// Spoofed identity from inside the sandbox: all of it must be dropped.
	req.Header.Set("Authorization", "Bearer stolen-key")
	req.Header.Set(HeaderEndUser, "victim-account")
	req.Header.Set("X-Litellm-Spend-Logs-Metadata", `{"run_id":"evil"}`)
	req.Header.Set("X-Cogni-Run-Id", "evil")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "Bearer sk-master-secret", seen.Get("Authorization"))
	assert.Equal(t, "b1", seen.Get(HeaderEndUser))
	assert.Equal(t, `{"run_id":"r1","graph_id":"sandbox:agent"}`, seen.Get(HeaderSpendLogs))
	assert.Equal(t, "r1", seen.Get(HeaderRunID))
}

func TestProxyWritesAuditEntryPerBillableResponse(t *testing.T) {
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 2 {
			// Second response carries no call id: not billable, no entry.
			w.Write([]byte(`{}`))
			return
		}
		w.Header().Set(HeaderCallID, "c-1")
		w.Header().Set(HeaderResponseCost, "0.003")
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	srv, auditPath := newTestServer(t, upstream)
	front := httptest.NewServer(srv.Handler())
	defer front.Close()

	for i := 0; i < 2; i++ {
		resp, err := http.Post(front.URL+"/v1/chat/completions", "application/json", strings.NewReader(`{}`))
		require.NoError(t, err)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	entries, err := ReadAuditLog(auditPath)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "c-1", entries[0].LitellmCallID)
	assert.Equal(t, "0.003", entries[0].CostUSD)
	assert.WithinDuration(t, time.Now().UTC(), entries[0].Timestamp, time.Minute)
}

func TestProxyHealthEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("health must not reach upstream")
	}))
	defer upstream.Close()

	srv, _ := newTestServer(t, upstream)
	front := httptest.NewServer(srv.Handler())
	defer front.Close()

	resp, err := http.Get(front.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProxyServesOnUnixSocket(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderCallID, "c-sock")
		w.Header().Set(HeaderResponseCost, "0.001")
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	srv, _ := newTestServer(t, upstream)
	go srv.Start()

	socketPath := srv.cfg.SocketPath
	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	info, err := os.Stat(socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
			},
		},
	}
	resp, err := client.Get("http://proxy/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadAuditLogToleratesTruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	body := `{"litellm_call_id":"c-1","cost_usd":"0.003","timestamp":"2026-08-24T10:00:00Z"}` + "\n" +
		`{"litellm_call_id":"c-2","cost_` // interrupted append
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	entries, err := ReadAuditLog(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "c-1", entries[0].LitellmCallID)
}

func TestReadAuditLogMissingFileIsEmpty(t *testing.T) {
	entries, err := ReadAuditLog(filepath.Join(t.TempDir(), "nope.log"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
