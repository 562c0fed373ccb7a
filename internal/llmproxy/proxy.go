// Package llmproxy implements the per-run authenticating reverse proxy.
// The proxy listens on a host-only unix socket, strips any client-supplied
// billing or authorization headers, injects the run-pinned identity headers
// plus the upstream master key, and records one audit entry per LLM
// response. The same code runs inside the per-run proxy container
// (cmd/llmproxy) and in-process in tests.
package llmproxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strings"
	"time"
)

// Headers the proxy owns. Inbound values for these are dropped before
// forwarding so a sandboxed agent cannot spoof tenant identity.
const (
	HeaderEndUser      = "x-litellm-end-user-id"
	HeaderSpendLogs    = "x-litellm-spend-logs-metadata"
	HeaderRunID        = "x-cogni-run-id"
	HeaderCallID       = "x-litellm-call-id"
	HeaderResponseCost = "x-litellm-response-cost"
)

// Config pins one run's proxy behavior.
type Config struct {
	SocketPath   string            `yaml:"socket_path"`
	UpstreamURL  string            `yaml:"upstream_url"`
	AuditLogPath string            `yaml:"audit_log_path"`
	Inject       map[string]string `yaml:"inject"`

	// MasterKey authenticates to the upstream LLM. Delivered via the proxy
	// container's environment, never via the config file and never visible
	// to the sandboxed agent.
	MasterKey string `yaml:"-"`
}

// Server is a single-run proxy instance.
type Server struct {
	cfg      Config
	upstream *url.URL
	audit    *AuditWriter
	httpSrv  *http.Server
}

// New builds a Server from cfg. The audit log is opened append-only.
func New(cfg Config) (*Server, error) {
	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	audit, err := OpenAuditWriter(cfg.AuditLogPath)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Server{cfg: cfg, upstream: upstream, audit: audit}, nil
}

// Handler returns the proxy's HTTP handler: /health plus the forwarding
// path for everything else.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.Handle("/", s.reverseProxy())
	return mux
}

func (s *Server) reverseProxy() *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = s.upstream.Scheme
			req.URL.Host = s.upstream.Host
			req.Host = s.upstream.Host

			stripSpoofableHeaders(req.Header)

			req.Header.Set("Authorization", "Bearer "+s.cfg.MasterKey)
			for k, v := range s.cfg.Inject {
				req.Header.Set(k, v)
			}
		},
		ModifyResponse: func(resp *http.Response) error {
			callID := resp.Header.Get(HeaderCallID)
			cost := resp.Header.Get(HeaderResponseCost)
			if callID == "" {
				return nil // not a billable LLM response
			}
			if err := s.audit.Append(AuditEntry{
				LitellmCallID: callID,
				CostUSD:       cost,
				Timestamp:     time.Now().UTC(),
			}); err != nil {
				// Audit failures must not break the agent's LLM call; the
				// authoritative cost arrives via the ingest callback anyway.
				slog.Warn("audit append failed", "call_id", callID, "error", err)
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.Error("upstream request failed", "path", r.URL.Path, "error", err)
			http.Error(w, "upstream request failed", http.StatusBadGateway)
		},
		FlushInterval: -1, // stream SSE token deltas immediately
	}
}

// stripSpoofableHeaders removes every header the proxy owns from an inbound
// request: authorization plus the whole x-litellm-* and x-cogni-* spaces.
func stripSpoofableHeaders(h http.Header) {
	h.Del("Authorization")
	h.Del("Proxy-Authorization")
	for name := range h {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-litellm-") || strings.HasPrefix(lower, "x-cogni-") {
			h.Del(name)
		}
	}
}

// Start listens on the unix socket (mode 0600) and serves until Shutdown.
func (s *Server) Start() error {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.SocketPath, err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.httpSrv = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: streaming completions can run for minutes.
		IdleTimeout: 120 * time.Second,
	}

	slog.Info("llm proxy listening", "socket", s.cfg.SocketPath, "upstream", s.cfg.UpstreamURL)
	if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server and flushes/closes the audit log.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	if cerr := s.audit.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
