package codemode

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/codemode-dev/codemode/internal/callback"
	"github.com/codemode-dev/codemode/internal/errorkind"
	"github.com/codemode-dev/codemode/internal/mcp"
	"github.com/codemode-dev/codemode/internal/stream"
	"github.com/codemode-dev/codemode/internal/telemetry"
	"github.com/codemode-dev/codemode/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// fakeTracer/fakeSpan/fakeMetrics record what they're called with, so tests
// can assert a span-per-operation was actually started and closed rather
// than only that the no-op default doesn't panic.
type fakeTracer struct {
	mu     sync.Mutex
	starts []string
	spans  []*fakeSpan
}

func (t *fakeTracer) Start(ctx context.Context, name string, _ ...trace.SpanStartOption) (context.Context, telemetry.Span) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.starts = append(t.starts, name)
	s := &fakeSpan{}
	t.spans = append(t.spans, s)
	return ctx, s
}

func (t *fakeTracer) Span(ctx context.Context) telemetry.Span { return &fakeSpan{} }

func (t *fakeTracer) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.starts...)
}

type fakeSpan struct {
	mu     sync.Mutex
	ended  bool
	status codes.Code
	errs   []error
}

func (s *fakeSpan) End(...trace.SpanEndOption) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
}
func (s *fakeSpan) AddEvent(string, ...any) {}
func (s *fakeSpan) SetStatus(code codes.Code, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = code
}
func (s *fakeSpan) RecordError(err error, _ ...trace.EventOption) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

type fakeMetrics struct {
	mu       sync.Mutex
	counters []string
	timers   []string
}

func (m *fakeMetrics) IncCounter(name string, _ float64, _ ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = append(m.counters, name)
}
func (m *fakeMetrics) RecordTimer(name string, _ time.Duration, _ ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers = append(m.timers, name)
}
func (m *fakeMetrics) RecordGauge(string, float64, ...string) {}

func (m *fakeMetrics) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.counters...)
}

type fakeCaller struct {
	descriptors []mcp.ToolDescriptor
	listErr     error
	closed      bool
	calls       []string
}

func (f *fakeCaller) ListAllTools(ctx context.Context) ([]mcp.ToolDescriptor, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.descriptors, nil
}

func (f *fakeCaller) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	f.calls = append(f.calls, name)
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *fakeCaller) Close() error {
	f.closed = true
	return nil
}

func addInputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"}},"required":["a"]}`)
}

func fakeDialer(caller mcp.Caller, dialErr error) Dialer {
	return func(ctx context.Context, cfg mcp.RemoteServerConfig) (mcp.Caller, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		return caller, nil
	}
}

func TestAddServerRegistersToolSet(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{descriptors: []mcp.ToolDescriptor{
		{Name: "add", Description: "adds", InputSchema: addInputSchema()},
	}}
	cm := New(fakeDialer(caller, nil), nil)

	err := cm.AddServer(context.Background(), mcp.RemoteServerConfig{Name: "Math", HTTP: &mcp.HTTPServerConfig{URL: "https://math.example.com"}}, 0)
	require.NoError(t, err)

	summary := cm.ListFunctions()
	require.Len(t, summary.Functions, 1)
	assert.Equal(t, "Math", summary.Functions[0].Namespace)
	assert.Equal(t, "add", summary.Functions[0].Name)
	assert.Contains(t, summary.Code, "namespace Math")

	hosts := cm.AllowedHosts()
	assert.True(t, hosts["math.example.com:443"])
}

func TestAddServerRejectsDuplicateName(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{}
	cm := New(fakeDialer(caller, nil), nil)
	cfg := mcp.RemoteServerConfig{Name: "Math", HTTP: &mcp.HTTPServerConfig{URL: "https://math.example.com"}}

	require.NoError(t, cm.AddServer(context.Background(), cfg, 0))
	err := cm.AddServer(context.Background(), cfg, 0)
	require.Error(t, err)
	kind, ok := errorkind.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errorkind.Conflict, kind)
}

func TestAddServerSurfacesTransportFailure(t *testing.T) {
	t.Parallel()

	cm := New(fakeDialer(nil, assert.AnError), nil)
	err := cm.AddServer(context.Background(), mcp.RemoteServerConfig{Name: "Math", HTTP: &mcp.HTTPServerConfig{URL: "https://math.example.com"}}, 0)
	require.Error(t, err)
	kind, ok := errorkind.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errorkind.TransportFailure, kind)
}

func TestAddServersParallelFanOutIsolatesFailures(t *testing.T) {
	t.Parallel()

	goodCaller := &fakeCaller{descriptors: []mcp.ToolDescriptor{{Name: "add", InputSchema: addInputSchema()}}}

	dial := func(ctx context.Context, cfg mcp.RemoteServerConfig) (mcp.Caller, error) {
		if cfg.Name == "Bad" {
			return nil, assert.AnError
		}
		return goodCaller, nil
	}
	cm := New(dial, nil)

	results := cm.AddServers(context.Background(), []mcp.RemoteServerConfig{
		{Name: "Good", HTTP: &mcp.HTTPServerConfig{URL: "https://good.example.com"}},
		{Name: "Bad", HTTP: &mcp.HTTPServerConfig{URL: "https://bad.example.com"}},
	}, 0)

	require.Len(t, results, 2)
	var sawGoodOK, sawBadErr bool
	for _, r := range results {
		if r.Name == "Good" && r.Err == nil {
			sawGoodOK = true
		}
		if r.Name == "Bad" && r.Err != nil {
			sawBadErr = true
		}
	}
	assert.True(t, sawGoodOK)
	assert.True(t, sawBadErr)
	assert.Len(t, cm.ListFunctions().Functions, 1) // only the good server's tools survive
}

func TestAddCallbackCreatesNamespaceAndAppendsTool(t *testing.T) {
	t.Parallel()

	cm := New(nil, nil)
	err := cm.AddCallback(callback.Config{Namespace: "Notify", Name: "send", Description: "send a notification"})
	require.NoError(t, err)

	summary := cm.ListFunctions()
	require.Len(t, summary.Functions, 1)
	assert.Equal(t, "Notify", summary.Functions[0].Namespace)
	assert.Equal(t, "send", summary.Functions[0].Name)
}

func TestAddCallbackRejectsDuplicateName(t *testing.T) {
	t.Parallel()

	cm := New(nil, nil)
	require.NoError(t, cm.AddCallback(callback.Config{Namespace: "Notify", Name: "send"}))
	err := cm.AddCallback(callback.Config{Namespace: "Notify", Name: "send"})
	require.Error(t, err)
	kind, ok := errorkind.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errorkind.Conflict, kind)
}

func TestGetFunctionDetailsOmitsUnmatched(t *testing.T) {
	t.Parallel()

	cm := New(nil, nil)
	require.NoError(t, cm.AddCallback(callback.Config{Namespace: "Notify", Name: "send"}))

	details := cm.GetFunctionDetails([]tools.Ident{
		tools.NewIdent("Notify", "send"),
		tools.NewIdent("Notify", "nonexistent"),
	})
	require.Len(t, details.Functions, 1)
	assert.Equal(t, "send", details.Functions[0].Name)
}

func TestExecuteFailsWithMissingCallbacks(t *testing.T) {
	t.Parallel()

	cm := New(nil, nil)
	require.NoError(t, cm.AddCallback(callback.Config{Namespace: "Notify", Name: "send"}))

	result, err := cm.Execute(context.Background(), "async function run() { return 1; }")
	assert.Nil(t, result)
	require.Error(t, err)
	kind, ok := errorkind.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errorkind.MissingCallbacks, kind)
}

func TestExecuteRunsArithmeticWithNoCapabilities(t *testing.T) {
	t.Parallel()

	cm := New(nil, nil)
	result, err := cm.Execute(context.Background(), "async function run() { return 2 + 2; }")
	require.NoError(t, err)
	require.True(t, result.Success, result.Stderr)
	assert.JSONEq(t, "4", string(result.Output))
}

func TestExecuteSurfacesTypeCheckDiagnosticsAsStderr(t *testing.T) {
	t.Parallel()

	cm := New(nil, nil)
	result, err := cm.Execute(context.Background(), "function notRun() { return 1; }")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Stderr, "TS2304")
}

func TestExecuteDispatchesRemoteToolThroughRegisteredServer(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{descriptors: []mcp.ToolDescriptor{{Name: "add", InputSchema: addInputSchema()}}}
	cm := New(fakeDialer(caller, nil), nil)
	require.NoError(t, cm.AddServer(context.Background(), mcp.RemoteServerConfig{
		Name: "Math", HTTP: &mcp.HTTPServerConfig{URL: "https://math.example.com"},
	}, 0))

	result, err := cm.Execute(context.Background(), `async function run() { return Math.add({a:1}); }`)
	require.NoError(t, err)
	require.True(t, result.Success, result.Stderr)
	assert.JSONEq(t, `{"ok":true}`, string(result.Output))
	assert.Equal(t, []string{"add"}, caller.calls)
}

func TestExecuteDispatchesInProcessCallback(t *testing.T) {
	t.Parallel()

	cm := New(nil, nil)
	require.NoError(t, cm.AddCallback(callback.Config{Namespace: "Notify", Name: "send"}))
	require.NoError(t, cm.Registry().Register(tools.NewIdent("Notify", "send"), func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"delivered":true}`), nil
	}))

	result, err := cm.Execute(context.Background(), `async function run() { return Notify.send({}); }`)
	require.NoError(t, err)
	require.True(t, result.Success, result.Stderr)
	assert.JSONEq(t, `{"delivered":true}`, string(result.Output))
}

// fakeOutputSink collects deltas sent to it, safe for concurrent sends.
type fakeOutputSink struct {
	mu     sync.Mutex
	deltas []stream.Delta
}

func (s *fakeOutputSink) Send(_ context.Context, d stream.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deltas = append(s.deltas, d)
	return nil
}

func (s *fakeOutputSink) snapshot() []stream.Delta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stream.Delta(nil), s.deltas...)
}

func TestExecuteForwardsConsoleOutputToBoundSink(t *testing.T) {
	t.Parallel()

	cm := New(nil, nil)
	sink := &fakeOutputSink{}
	cm.BindOutputSink(sink)

	result, err := cm.Execute(context.Background(), `async function run() { console.log("hi"); return 1; }`)
	require.NoError(t, err)
	require.True(t, result.Success, result.Stderr)

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []stream.Delta{{Stream: "stdout", Data: "hi"}}, sink.snapshot())
}

func TestExecuteAfterUnbindOutputSinkForwardsNothing(t *testing.T) {
	t.Parallel()

	cm := New(nil, nil)
	sink := &fakeOutputSink{}
	cm.BindOutputSink(sink)
	cm.UnbindOutputSink()

	result, err := cm.Execute(context.Background(), `async function run() { console.log("hi"); return 1; }`)
	require.NoError(t, err)
	require.True(t, result.Success, result.Stderr)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sink.snapshot())
}

func TestBindPeerSatisfiesMissingCallbacksCheck(t *testing.T) {
	t.Parallel()

	cm := New(nil, nil)
	require.NoError(t, cm.AddCallback(callback.Config{Namespace: "Notify", Name: "send"}))
	cm.BindPeer(noopPeer{}, time.Second)

	_, err := cm.Execute(context.Background(), "async function run() { return 1; }")
	// No peer response will ever arrive in this test, but the
	// pre-execute MissingCallbacks gate must pass now that a peer is
	// bound — the program itself doesn't call Notify.send.
	require.NoError(t, err)
}

type noopPeer struct{}

func (noopPeer) Send(ctx context.Context, frame []byte) error { return nil }

func TestAddServerEmitsSpanAndSuccessCounter(t *testing.T) {
	t.Parallel()

	tracer := &fakeTracer{}
	metrics := &fakeMetrics{}
	cm := New(fakeDialer(&fakeCaller{descriptors: []mcp.ToolDescriptor{{Name: "add", InputSchema: addInputSchema()}}}, nil), nil)
	cm.BindTelemetry(tracer, metrics)

	require.NoError(t, cm.AddServer(context.Background(), mcp.RemoteServerConfig{
		Name: "Math", HTTP: &mcp.HTTPServerConfig{URL: "https://math.example.com"},
	}, 0))

	assert.Contains(t, tracer.snapshot(), "codemode.add_server")
	require.Len(t, tracer.spans, 1)
	assert.True(t, tracer.spans[0].ended)
	assert.Empty(t, tracer.spans[0].errs)
	assert.Contains(t, metrics.snapshot(), "codemode.add_server.ok")
}

func TestAddServerEmitsSpanErrorOnTransportFailure(t *testing.T) {
	t.Parallel()

	tracer := &fakeTracer{}
	metrics := &fakeMetrics{}
	cm := New(fakeDialer(nil, assert.AnError), nil)
	cm.BindTelemetry(tracer, metrics)

	err := cm.AddServer(context.Background(), mcp.RemoteServerConfig{
		Name: "Math", HTTP: &mcp.HTTPServerConfig{URL: "https://math.example.com"},
	}, 0)
	require.Error(t, err)

	require.Len(t, tracer.spans, 1)
	assert.True(t, tracer.spans[0].ended)
	assert.NotEmpty(t, tracer.spans[0].errs)
	assert.Equal(t, codes.Error, tracer.spans[0].status)
	assert.Contains(t, metrics.snapshot(), "codemode.add_server.error")
}

func TestExecuteEmitsSpanAndTimerMetric(t *testing.T) {
	t.Parallel()

	tracer := &fakeTracer{}
	metrics := &fakeMetrics{}
	cm := New(nil, nil)
	cm.BindTelemetry(tracer, metrics)

	result, err := cm.Execute(context.Background(), "async function run() { return 2 + 2; }")
	require.NoError(t, err)
	require.True(t, result.Success, result.Stderr)

	assert.Contains(t, tracer.snapshot(), "codemode.execute")
	require.Len(t, tracer.spans, 1)
	assert.True(t, tracer.spans[0].ended)
	assert.Contains(t, metrics.snapshot(), "codemode.execute.ok")
	assert.Contains(t, metrics.timers, "codemode.execute.duration")
}
