// Package provider is the entry point of the execution core. It accepts a
// GraphRunRequest, selects ephemeral or gateway execution by graph id, and
// produces the outbound RunEvent stream: accepted first, exactly one
// final/error, usage reports after the terminal event, then stream_close.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cognihq/agent-runtime/internal/config"
	"github.com/cognihq/agent-runtime/internal/core"
	"github.com/cognihq/agent-runtime/internal/gateway"
	"github.com/cognihq/agent-runtime/internal/llmproxy"
	"github.com/cognihq/agent-runtime/internal/metrics"
	"github.com/cognihq/agent-runtime/internal/proxymanager"
	"github.com/cognihq/agent-runtime/internal/sandbox"
)

// ProxyPool is the slice of the ProxyManager the provider needs.
type ProxyPool interface {
	Acquire(ctx context.Context, runID string, caller core.Caller, graphID string) (*proxymanager.Instance, error)
	Release(ctx context.Context, runID string)
	ReadAuditEntries(runID string) ([]llmproxy.AuditEntry, error)
}

// SandboxRunner executes one ephemeral container to completion.
type SandboxRunner interface {
	RunOnce(ctx context.Context, spec sandbox.RunSpec) (*sandbox.RunResult, error)
}

// GatewayRunner starts one logical run on the shared gateway socket.
type GatewayRunner interface {
	RunAgent(ctx context.Context, req gateway.RunRequest) (<-chan gateway.AgentEvent, error)
}

// EventSink mirrors the outbound stream to interested observers (the redis
// event bus). Publishing never blocks a run.
type EventSink interface {
	Publish(ctx context.Context, ev core.RunEvent)
}

// Provider orchestrates runs.
type Provider struct {
	cfg     *config.Config
	proxies ProxyPool
	sandbox SandboxRunner
	gateway GatewayRunner
	sink    EventSink
	metrics *metrics.Metrics
}

func New(cfg *config.Config, proxies ProxyPool, sb SandboxRunner, gw GatewayRunner, sink EventSink, m *metrics.Metrics) *Provider {
	return &Provider{
		cfg:     cfg,
		proxies: proxies,
		sandbox: sb,
		gateway: gw,
		sink:    sink,
		metrics: m,
	}
}

// streamBuffer bounds the outbound channel so a stalled consumer cannot
// pin goroutines forever; emit falls back to ctx.
const streamBuffer = 64

// inputFileName is where the program input lands inside the workspace.
const inputFileName = "input.json"

// Fallback resource bounds when the caller omits limits. The sandbox
// always runs with a wall-clock kill and a memory cap.
const (
	defaultMaxRuntimeSec = 300
	defaultMaxMemoryMB   = 512
)

// Run validates the request and starts the run. The returned error covers
// request-shape problems only (unknown graph, schema violations) so the
// HTTP layer can answer 400 before committing to a stream; every runtime
// failure arrives in-stream as a terminal error event.
func (p *Provider) Run(ctx context.Context, req core.GraphRunRequest) (<-chan core.RunEvent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	graph := p.cfg.Graph(req.GraphID)
	if graph == nil {
		return nil, core.NewRunError(core.KindInvalidRequest, fmt.Sprintf("unknown graph %q", req.GraphID), nil)
	}

	// Anything but an explicit gateway mode executes as ephemeral; the
	// metric label follows the same normalization.
	mode := config.ModeEphemeral
	if graph.Mode == config.ModeGateway {
		mode = config.ModeGateway
	}

	out := make(chan core.RunEvent, streamBuffer)
	p.metrics.RunsStarted.WithLabelValues(mode).Inc()
	switch mode {
	case config.ModeGateway:
		if p.gateway == nil {
			return nil, core.NewRunError(core.KindInvalidRequest, "no gateway configured for this deployment", nil)
		}
		go p.runGateway(ctx, req, out)
	default:
		go p.runEphemeral(ctx, req, graph, out)
	}
	return out, nil
}

// stream wraps the outbound channel with the per-run bookkeeping: emit
// order, sink mirroring and terminal-once accounting.
type stream struct {
	runID    string
	out      chan<- core.RunEvent
	sink     EventSink
	terminal bool
}

func (s *stream) emit(ctx context.Context, ev core.RunEvent) {
	ev.RunID = s.runID
	if ev.Terminal() {
		if s.terminal {
			return
		}
		s.terminal = true
	}
	if s.sink != nil {
		s.sink.Publish(ctx, ev)
	}
	select {
	case s.out <- ev:
	case <-ctx.Done():
	}
}

func (p *Provider) runEphemeral(ctx context.Context, req core.GraphRunRequest, graph *config.GraphSpec, out chan core.RunEvent) {
	defer close(out)
	s := &stream{runID: req.RunID, out: out, sink: p.sink}
	started := time.Now()
	outcome := "final"
	defer func() {
		p.metrics.RunsFinished.WithLabelValues("ephemeral", outcome).Inc()
		p.metrics.RunDuration.WithLabelValues("ephemeral").Observe(time.Since(started).Seconds())
	}()

	inst, err := p.proxies.Acquire(ctx, req.RunID, req.Caller, req.GraphID)
	if err != nil {
		outcome = string(core.KindOf(err))
		s.emit(context.Background(), errorEvent(err))
		s.emit(context.Background(), core.RunEvent{Type: core.EventStreamClose})
		return
	}
	// Exactly one Release per acquired instance, on every path.
	defer p.proxies.Release(context.Background(), req.RunID)

	s.emit(ctx, core.RunEvent{Type: core.EventAccepted})

	limits := req.Limits
	if limits.MaxRuntimeSec <= 0 {
		limits.MaxRuntimeSec = defaultMaxRuntimeSec
	}
	if limits.MaxMemoryMB <= 0 {
		limits.MaxMemoryMB = defaultMaxMemoryMB
	}

	workspace, err := p.prepareWorkspace(req)
	if err != nil {
		outcome = string(core.KindSandboxStart)
		s.emit(context.Background(), core.RunEvent{Type: core.EventError, Message: err.Error(), Code: core.KindSandboxStart})
		s.emit(context.Background(), core.RunEvent{Type: core.EventStreamClose})
		return
	}
	defer os.RemoveAll(workspace)

	spec := sandbox.RunSpec{
		Image:        graph.Image,
		Cmd:          graph.Cmd,
		WorkspaceDir: workspace,
		Env:          map[string]string{},
		Network:      sandbox.NetworkNone,
		InternalNet:  p.cfg.Sandbox.InternalNetwork,
		LLMProxy:     &sandbox.ProxyBridge{SocketPath: inst.SocketPath},
		MaxRuntime:   time.Duration(limits.MaxRuntimeSec) * time.Second,
		MaxMemoryMB:  int64(limits.MaxMemoryMB),
		Labels:       map[string]string{"io.cogni.sandbox.run-id": req.RunID},
	}

	res, runErr := p.sandbox.RunOnce(ctx, spec)
	var terminal core.RunEvent
	switch {
	case runErr != nil:
		terminal = errorEvent(runErr)
	case res.TimedOut:
		terminal = core.RunEvent{
			Type:    core.EventError,
			Code:    core.KindSandboxTimeout,
			Message: fmt.Sprintf("agent exceeded %ds wall clock", limits.MaxRuntimeSec),
		}
	case !res.OK:
		terminal = core.RunEvent{
			Type:    core.EventError,
			Code:    core.KindSandboxExit,
			Message: fmt.Sprintf("agent exited %d: %s", res.ExitCode, tail(res.Stderr, 512)),
		}
	default:
		terminal = p.envelopeEvent(res.Stdout)
	}
	outcome = terminalOutcome(terminal)
	// Terminal and billing events go out even when the run context is
	// already cancelled; the consumer reads until stream_close.
	s.emit(context.Background(), terminal)

	// Usage reports follow the terminal event: billing is independent of
	// content delivery, and calls that completed before a cancel or crash
	// are still reported.
	p.emitUsage(s, req)
	s.emit(context.Background(), core.RunEvent{Type: core.EventStreamClose})
}

func (p *Provider) envelopeEvent(stdout string) core.RunEvent {
	env, err := core.ParseEnvelope([]byte(stdout))
	if err != nil {
		return errorEvent(err)
	}
	switch oc := env.Outcome().(type) {
	case core.ErrorOutcome:
		return core.RunEvent{Type: core.EventError, Message: oc.Message}
	case core.TextOutcome:
		return core.RunEvent{Type: core.EventFinal, Text: oc.Text}
	default:
		return core.RunEvent{Type: core.EventError, Code: core.KindInvalidEnvelope, Message: "unrecognized envelope outcome"}
	}
}

func (p *Provider) runGateway(ctx context.Context, req core.GraphRunRequest, out chan core.RunEvent) {
	defer close(out)
	s := &stream{runID: req.RunID, out: out, sink: p.sink}
	started := time.Now()
	outcome := "final"
	defer func() {
		p.metrics.RunsFinished.WithLabelValues("gateway", outcome).Inc()
		p.metrics.RunDuration.WithLabelValues("gateway").Observe(time.Since(started).Seconds())
	}()

	// The proxy instance exists for header generation and audit capture;
	// the gateway container forwards the headers on its own proxy path.
	inst, err := p.proxies.Acquire(ctx, req.RunID, req.Caller, req.GraphID)
	if err != nil {
		outcome = string(core.KindOf(err))
		s.emit(context.Background(), errorEvent(err))
		s.emit(context.Background(), core.RunEvent{Type: core.EventStreamClose})
		return
	}
	defer p.proxies.Release(context.Background(), req.RunID)

	message := ""
	if req.Message != nil {
		message = *req.Message
	}
	events, err := p.gateway.RunAgent(ctx, gateway.RunRequest{
		SessionKey:      fmt.Sprintf("%s/%d", req.RunID, req.Attempt),
		Message:         message,
		OutboundHeaders: inst.Headers,
		Timeout:         time.Duration(p.cfg.Gateway.DefaultTimeoutMs) * time.Millisecond,
		ModelOverride:   req.Model,
	})
	if err != nil {
		outcome = string(core.KindOf(err))
		s.emit(context.Background(), errorEvent(err))
		s.emit(context.Background(), core.RunEvent{Type: core.EventStreamClose})
		return
	}

	accepted := false
	terminated := false
	for ev := range events {
		switch ev.Type {
		case gateway.FrameAccepted:
			accepted = true
			s.emit(ctx, core.RunEvent{Type: core.EventAccepted})
		case gateway.FrameTextDelta:
			s.emit(ctx, core.RunEvent{Type: core.EventTextDelta, Text: ev.Text})
		case gateway.FrameChatFinal:
			terminated = true
			outcome = "final"
			s.emit(context.Background(), core.RunEvent{Type: core.EventFinal, Text: ev.Text})
		case gateway.FrameChatError:
			terminated = true
			terminal := core.RunEvent{Type: core.EventError, Message: ev.Message}
			if !accepted {
				terminal.Code = core.KindGatewayDown
			}
			outcome = terminalOutcome(terminal)
			s.emit(context.Background(), terminal)
		}
	}
	if !terminated {
		// Stream closed without a terminal frame: the caller cancelled.
		terminal := core.RunEvent{Type: core.EventError, Code: core.KindCancelled, Message: "cancelled"}
		outcome = string(core.KindCancelled)
		s.emit(context.Background(), terminal)
	}

	p.emitUsage(s, req)
	s.emit(context.Background(), core.RunEvent{Type: core.EventStreamClose})
}

// emitUsage reads the proxy audit log and emits one usage_report per
// entry, in append order. Read failures are logged, never fatal.
func (p *Provider) emitUsage(s *stream, req core.GraphRunRequest) {
	entries, err := p.proxies.ReadAuditEntries(req.RunID)
	if err != nil {
		slog.Warn("audit read failed", "run_id", req.RunID, "error", err)
		return
	}
	for _, e := range entries {
		s.emit(context.Background(), core.RunEvent{
			Type: core.EventUsageReport,
			Usage: &core.UsageReport{
				LitellmCallID: e.LitellmCallID,
				CostUSD:       e.CostUSD,
				Model:         req.Model,
				GraphID:       req.GraphID,
			},
		})
	}
}

// prepareWorkspace creates the per-run workspace and places the program
// input file in it.
func (p *Provider) prepareWorkspace(req core.GraphRunRequest) (string, error) {
	base := filepath.Clean(p.cfg.Sandbox.WorkspaceBase)
	dir := filepath.Join(base, "run-"+req.RunID)
	// The workspace is bind-mounted read-write and recursively removed
	// after the run; it must stay under the configured base.
	if !strings.HasPrefix(dir, base+string(filepath.Separator)) {
		return "", core.NewRunError(core.KindInvalidRequest,
			fmt.Sprintf("runId %q escapes the workspace base", req.RunID), nil)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	input := map[string]any{
		"run_id":   req.RunID,
		"attempt":  req.Attempt,
		"graph_id": req.GraphID,
		"message":  req.Message,
	}
	if req.Model != "" {
		input["model"] = req.Model
	}
	data, err := json.Marshal(input)
	if err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("encode program input: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, inputFileName), data, 0o600); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("write program input: %w", err)
	}
	return dir, nil
}

func errorEvent(err error) core.RunEvent {
	var msg string
	if re, ok := err.(*core.RunError); ok {
		msg = re.Message
	} else {
		msg = err.Error()
	}
	return core.RunEvent{Type: core.EventError, Code: core.KindOf(err), Message: msg}
}

func terminalOutcome(ev core.RunEvent) string {
	if ev.Type == core.EventFinal {
		return "final"
	}
	if ev.Code != "" {
		return string(ev.Code)
	}
	return "agent_error"
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}
