// Package codemode implements the capability aggregator: the live,
// append-only (aside from wholesale replacement) description of every
// function a program can call, and the execute pipeline that type-checks
// and runs caller code against that description.
package codemode

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/codemode-dev/codemode/internal/callback"
	"github.com/codemode-dev/codemode/internal/errorkind"
	"github.com/codemode-dev/codemode/internal/mcp"
	"github.com/codemode-dev/codemode/internal/sandbox"
	"github.com/codemode-dev/codemode/internal/schemagen"
	"github.com/codemode-dev/codemode/internal/stream"
	"github.com/codemode-dev/codemode/internal/telemetry"
	"github.com/codemode-dev/codemode/internal/tools"
	"github.com/codemode-dev/codemode/internal/typecheck"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Dialer opens a transport connection for one remote server config. Tests
// substitute a fake that never touches the network; DefaultDialer is the
// production implementation.
type Dialer func(ctx context.Context, cfg mcp.RemoteServerConfig) (mcp.Caller, error)

// DefaultDialer connects over whichever transport cfg names.
func DefaultDialer(ctx context.Context, cfg mcp.RemoteServerConfig) (mcp.Caller, error) {
	switch {
	case cfg.HTTP != nil:
		return mcp.NewHTTPCaller(ctx, *cfg.HTTP)
	case cfg.Stdio != nil:
		return mcp.NewStdioCaller(ctx, *cfg.Stdio)
	default:
		return nil, errorkind.New(errorkind.BadSchema, "server %q: neither http nor stdio transport configured", cfg.Name)
	}
}

// ServerResult is one add_servers outcome: the server name and its
// registration error, or nil on success. A failed server contributes
// nothing to the aggregator and does not abort its peers.
type ServerResult struct {
	Name string
	Err  error
}

// CodeMode is the capability aggregator spec.md §3/§4.3 describes: a set of
// named ToolSets (one per registered remote server, plus synthesized ones
// for host-callback namespaces), the RemoteServerConfigs and CallbackConfigs
// that produced them, and the connections/registry execute dispatches
// against.
type CodeMode struct {
	mu        sync.RWMutex
	toolSets  map[string]*tools.ToolSet
	order     []string // ToolSet registration order, for deterministic rendering
	servers   []mcp.RemoteServerConfig
	callbacks []callback.Config
	conns     map[string]mcp.Caller

	dial       Dialer
	registry   *callback.Registry
	router     *callback.Router
	hasPeer    bool
	outputSink stream.Sink
	tracer     telemetry.Tracer
	metrics    telemetry.Metrics
}

// New constructs an empty aggregator. dial defaults to DefaultDialer when
// nil; registry defaults to a fresh, empty callback.Registry owned by this
// aggregator. Tracing/metrics default to no-ops until BindTelemetry is
// called.
func New(dial Dialer, registry *callback.Registry) *CodeMode {
	if dial == nil {
		dial = DefaultDialer
	}
	if registry == nil {
		registry = callback.NewRegistry()
	}
	return &CodeMode{
		toolSets: make(map[string]*tools.ToolSet),
		conns:    make(map[string]mcp.Caller),
		dial:     dial,
		registry: registry,
		router:   callback.NewRouter(registry, nil, 0),
		tracer:   telemetry.NewNoopTracer(),
		metrics:  telemetry.NewNoopMetrics(),
	}
}

// BindTelemetry attaches a tracer/metrics pair every subsequent AddServer/
// AddServers/Execute span-per-operation, mirroring the teacher's
// toolregistry executor. Either argument may be nil to leave that half at
// its current (default no-op) implementation.
func (c *CodeMode) BindTelemetry(tracer telemetry.Tracer, metrics telemetry.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tracer != nil {
		c.tracer = tracer
	}
	if metrics != nil {
		c.metrics = metrics
	}
}

// Registry exposes the in-process callback registry host-language code
// registers implementations against.
func (c *CodeMode) Registry() *callback.Registry { return c.registry }

// BindPeer pairs this aggregator with a cross-process callback peer
// (spec.md §3's optional Session.callback_peer). Any callback with no
// in-process binding falls through to a round trip over peer.
func (c *CodeMode) BindPeer(peer callback.Peer, timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.router = callback.NewRouter(c.registry, peer, timeout)
	c.hasPeer = peer != nil
}

// BindOutputSink attaches sink to receive tool-output deltas from every
// subsequent Execute call until unbound. Purely additive: no call bound
// here or in BindPeer depends on the other.
func (c *CodeMode) BindOutputSink(sink stream.Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputSink = sink
}

// UnbindOutputSink detaches the current output sink, if any; subsequent
// Execute calls forward no deltas until a new sink is bound.
func (c *CodeMode) UnbindOutputSink() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputSink = nil
}

// UnbindPeer drops the cross-process peer, canceling any callbacks it had
// in flight (spec.md §5: "session close cancels pending callbacks").
func (c *CodeMode) UnbindPeer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.router != nil {
		c.router.Close()
	}
	c.router = callback.NewRouter(c.registry, nil, 0)
	c.hasPeer = false
}

// HandleCallbackFrame feeds one inbound frame from the bound peer's read
// loop into the callback router's pending-slot map, resolving whichever
// in-flight execute_tool round trip the frame's id matches.
func (c *CodeMode) HandleCallbackFrame(data []byte) error {
	c.mu.RLock()
	router := c.router
	c.mu.RUnlock()
	return router.HandleFrame(data)
}

// Close releases every connected remote server's transport and cancels any
// callbacks still in flight.
func (c *CodeMode) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.router != nil {
		c.router.Close()
	}
	return firstErr
}

// AddServer registers one remote server, bounded by timeout (the default
// 30s applies when timeout <= 0). On success the server's tools become a
// new ToolSet named after cfg.Name; on failure the aggregator is left
// exactly as it was.
func (c *CodeMode) AddServer(ctx context.Context, cfg mcp.RemoteServerConfig, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.connectAndRegister(callCtx, cfg)
}

// AddServers registers every cfg in parallel, each bounded by
// perServerTimeout. Parallelism is bounded only by the caller's own
// goroutine scheduling — no worker pool caps concurrency, matching
// spec.md §4.3's "parallelism is bounded only by the caller's task
// runtime". Each server commits atomically: a failing server reports its
// own error without aborting or rolling back its peers.
func (c *CodeMode) AddServers(ctx context.Context, cfgs []mcp.RemoteServerConfig, perServerTimeout time.Duration) []ServerResult {
	results := make([]ServerResult, len(cfgs))
	var wg sync.WaitGroup
	for i, cfg := range cfgs {
		wg.Add(1)
		go func(i int, cfg mcp.RemoteServerConfig) {
			defer wg.Done()
			results[i] = ServerResult{Name: cfg.Name, Err: c.AddServer(ctx, cfg, perServerTimeout)}
		}(i, cfg)
	}
	wg.Wait()
	return results
}

func (c *CodeMode) connectAndRegister(ctx context.Context, cfg mcp.RemoteServerConfig) (err error) {
	c.mu.RLock()
	tracer, metrics := c.tracer, c.metrics
	c.mu.RUnlock()

	transport := "stdio"
	if cfg.HTTP != nil {
		transport = "http"
	}
	ctx, span := tracer.Start(ctx, "codemode.add_server", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("codemode.server", cfg.Name),
			attribute.String("codemode.transport", transport),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "add_server failed")
			metrics.IncCounter("codemode.add_server.error", 1, "server", cfg.Name)
		} else {
			metrics.IncCounter("codemode.add_server.ok", 1, "server", cfg.Name)
		}
		span.End()
	}()

	if cfg.Name == "" {
		return errorkind.New(errorkind.BadSchema, "server config is missing a name")
	}
	if c.hasToolSet(cfg.Name) {
		return errorkind.New(errorkind.Conflict, "tool set %q already registered", cfg.Name)
	}

	caller, err := c.dial(ctx, cfg)
	if err != nil {
		return errorkind.Wrap(errorkind.TransportFailure, err, "connecting to server %q", cfg.Name)
	}

	descriptors, err := caller.ListAllTools(ctx)
	if err != nil {
		_ = caller.Close()
		return errorkind.Wrap(errorkind.TransportFailure, err, "listing tools for server %q", cfg.Name)
	}

	toolList := make([]tools.Tool, 0, len(descriptors))
	for _, d := range descriptors {
		input, err := schemagen.RenderInput(d.InputSchema, d.Name)
		if err != nil {
			_ = caller.Close()
			return err
		}
		output, err := schemagen.RenderOutput(d.OutputSchema, d.Name)
		if err != nil {
			_ = caller.Close()
			return err
		}
		toolList = append(toolList, tools.NewRemoteTool(d.Name, d.Description, input, output))
	}

	toolSet, err := tools.NewToolSet(cfg.Name, "", toolList)
	if err != nil {
		_ = caller.Close()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.toolSets[cfg.Name]; exists {
		_ = caller.Close()
		return errorkind.New(errorkind.Conflict, "tool set %q already registered", cfg.Name)
	}
	c.toolSets[cfg.Name] = toolSet
	c.order = append(c.order, cfg.Name)
	c.servers = append(c.servers, cfg)
	c.conns[cfg.Name] = caller
	span.AddEvent("codemode.add_server.tools_registered", "count", len(toolList))
	return nil
}

func (c *CodeMode) hasToolSet(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.toolSets[name]
	return ok
}

// AddCallback locates or creates the ToolSet named cfg.Namespace, appends a
// callback-provenance Tool to it, and records cfg. A missing InputSchema
// (CallbackConfig's schemas are optional, unlike a Tool's general
// requirement) renders as "unknown", the same fallback already used for a
// missing output schema — see the Open Question decision in DESIGN.md.
func (c *CodeMode) AddCallback(cfg callback.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts, exists := c.toolSets[cfg.Namespace]
	if !exists {
		newSet, err := tools.NewToolSet(cfg.Namespace, "", nil)
		if err != nil {
			return err
		}
		ts = newSet
	}

	input, err := renderCallbackInput(cfg.InputSchema, cfg.Name)
	if err != nil {
		return err
	}
	output, err := schemagen.RenderOutput(cfg.OutputSchema, cfg.Name)
	if err != nil {
		return err
	}

	if err := ts.Add(tools.NewCallbackTool(cfg.Name, cfg.Description, input, output)); err != nil {
		return err
	}
	if !exists {
		c.toolSets[cfg.Namespace] = ts
		c.order = append(c.order, cfg.Namespace)
	}
	c.callbacks = append(c.callbacks, cfg)
	return nil
}

func renderCallbackInput(schemaBytes []byte, fnName string) (tools.TypeSpec, error) {
	if len(schemaBytes) == 0 {
		return tools.TypeSpec{Expr: "unknown"}, nil
	}
	return schemagen.RenderInput(schemaBytes, fnName)
}

// ListFunctionsResult is list_functions()'s response shape.
type ListFunctionsResult struct {
	Code      string
	Functions []schemagen.FunctionSummary
}

// ListFunctions renders every non-empty ToolSet's declaration-form
// namespace interface plus the flat function summary list.
func (c *CodeMode) ListFunctions() ListFunctionsResult {
	sets := c.orderedToolSets()
	return ListFunctionsResult{Code: schemagen.ListFunctionsCode(sets), Functions: schemagen.ListFunctionsSummaries(sets)}
}

// GetFunctionDetailsResult is get_function_details()'s response shape.
type GetFunctionDetailsResult struct {
	Code      string
	Functions []schemagen.FunctionDetail
}

// GetFunctionDetails renders the requested (namespace, name) subset.
func (c *CodeMode) GetFunctionDetails(requested []tools.Ident) GetFunctionDetailsResult {
	sets := c.orderedToolSets()
	code, functions := schemagen.GetFunctionDetails(sets, requested)
	return GetFunctionDetailsResult{Code: code, Functions: functions}
}

func (c *CodeMode) orderedToolSets() []*tools.ToolSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*tools.ToolSet, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.toolSets[name])
	}
	return out
}

// AllowedHosts derives the network allow-list: every HTTP server
// contributes its host:port (default port inferred from scheme); stdio
// servers contribute nothing.
func (c *CodeMode) AllowedHosts() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hosts := make(map[string]bool)
	for _, s := range c.servers {
		if s.HTTP == nil {
			continue
		}
		if host, ok := hostPort(s.HTTP.URL); ok {
			hosts[host] = true
		}
	}
	return hosts
}

func hostPort(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "", false
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		case "http":
			port = "80"
		default:
			return u.Hostname(), true
		}
	}
	return u.Hostname() + ":" + port, true
}

// buildModuleText implements execute algorithm step 2: caller code followed
// by the implementation-form namespace interface of every non-empty
// ToolSet, in registration order.
func buildModuleText(code string, sets []*tools.ToolSet) string {
	var b strings.Builder
	b.WriteString(code)
	for _, ts := range sets {
		if ts.Len() == 0 {
			continue
		}
		b.WriteString("\n\n")
		b.WriteString(schemagen.RenderNamespaceInterface(ts, true))
	}
	return b.String()
}

// Execute runs the full execute pipeline (spec.md §4.4 step list): the
// pre-execute MissingCallbacks check, the §4.5 type check against
// pre-merge code, module-text construction, and sandboxed evaluation.
//
// A non-nil error return means execute could not run the caller's code at
// all (a control-plane failure — missing callback bindings, or an engine
// setup failure bubbled up from internal/sandbox); a non-nil Result with
// Success == false means the caller's code ran (or failed to transpile/
// type-check) and that outcome is reported inside the envelope, per
// spec.md §4.7's distinction between the two failure classes.
func (c *CodeMode) Execute(ctx context.Context, code string) (result *sandbox.Result, err error) {
	c.mu.RLock()
	callbacks := append([]callback.Config(nil), c.callbacks...)
	hasPeer := c.hasPeer
	registry := c.registry
	router := c.router
	outputSink := c.outputSink
	tracer, metrics := c.tracer, c.metrics
	sets := make([]*tools.ToolSet, 0, len(c.order))
	remoteServers := make(map[string]sandbox.RemoteCaller, len(c.conns))
	for _, name := range c.order {
		sets = append(sets, c.toolSets[name])
		if conn, ok := c.conns[name]; ok {
			remoteServers[name] = conn
		}
	}
	c.mu.RUnlock()

	ctx, span := tracer.Start(ctx, "codemode.execute", trace.WithSpanKind(trace.SpanKindInternal))
	start := time.Now()
	defer func() {
		metrics.RecordTimer("codemode.execute.duration", time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "execute failed")
			metrics.IncCounter("codemode.execute.error", 1)
		} else if result != nil && !result.Success {
			span.SetStatus(codes.Error, "execute reported failure")
			metrics.IncCounter("codemode.execute.failure", 1)
		} else {
			metrics.IncCounter("codemode.execute.ok", 1)
		}
		span.End()
	}()

	if missing := callback.MissingCallbacks(callbacks, registry, hasPeer); len(missing) > 0 {
		return nil, errorkind.New(errorkind.MissingCallbacks, "unbound callback slots: %s", strings.Join(missing, ", "))
	}

	check := typecheck.Check(code, sets)
	if !check.Success {
		return &sandbox.Result{Success: false, Stderr: typecheck.FormatDiagnostics(check.Diagnostics)}, nil
	}

	moduleText := buildModuleText(code, sets)
	deps := sandbox.Dependencies{
		RemoteServers: remoteServers,
		Router:        router,
		AllowedHosts:  c.AllowedHosts(),
		OutputSink:    outputSink,
		Tracer:        tracer,
	}
	result, err = sandbox.Execute(ctx, code, moduleText, deps)
	if err != nil {
		return nil, fmt.Errorf("executing caller code: %w", err)
	}
	return result, nil
}
