package sandbox

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/codemode-dev/codemode/internal/callback"
	"github.com/codemode-dev/codemode/internal/errorkind"
	"github.com/codemode-dev/codemode/internal/stream"
	"github.com/codemode-dev/codemode/internal/telemetry"
	"github.com/codemode-dev/codemode/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// fakeTracer records span names without needing a real OTEL SDK.
type fakeTracer struct {
	mu     sync.Mutex
	starts []string
	ended  []bool
}

func (t *fakeTracer) Start(ctx context.Context, name string, _ ...trace.SpanStartOption) (context.Context, telemetry.Span) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.starts = append(t.starts, name)
	idx := len(t.ended)
	t.ended = append(t.ended, false)
	return ctx, &fakeSpan{tracer: t, idx: idx}
}

func (t *fakeTracer) Span(ctx context.Context) telemetry.Span { return &fakeSpan{tracer: t, idx: -1} }

func (t *fakeTracer) names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.starts...)
}

type fakeSpan struct {
	tracer *fakeTracer
	idx    int
}

func (s *fakeSpan) End(...trace.SpanEndOption) {
	if s.idx < 0 {
		return
	}
	s.tracer.mu.Lock()
	defer s.tracer.mu.Unlock()
	s.tracer.ended[s.idx] = true
}
func (s *fakeSpan) AddEvent(string, ...any)                 {}
func (s *fakeSpan) SetStatus(codes.Code, string)            {}
func (s *fakeSpan) RecordError(error, ...trace.EventOption) {}

func moduleFor(callerCode string) (string, string) {
	return callerCode, callerCode
}

func TestExecuteArithmeticOnly(t *testing.T) {
	t.Parallel()

	caller, module := moduleFor("async function run() { return 1 + 1; }")
	result, err := Execute(context.Background(), caller, module, Dependencies{})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "", result.Stdout)
	assert.Equal(t, "", result.Stderr)
	assert.JSONEq(t, "2", string(result.Output))
}

func TestExecuteReturnsNullOutputForUndefinedResult(t *testing.T) {
	t.Parallel()

	caller, module := moduleFor("async function run() { }")
	result, err := Execute(context.Background(), caller, module, Dependencies{})
	require.NoError(t, err)
	require.True(t, result.Success, result.Stderr)
	assert.JSONEq(t, "null", string(result.Output))
}

func TestExecuteSpansRunModuleWhenTracerBound(t *testing.T) {
	t.Parallel()

	tracer := &fakeTracer{}
	caller, module := moduleFor("async function run() { return 1; }")
	result, err := Execute(context.Background(), caller, module, Dependencies{Tracer: tracer})
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.Equal(t, []string{"sandbox.run_module"}, tracer.names())
	assert.Equal(t, []bool{true}, tracer.ended)
}

func TestExecuteConsoleCapture(t *testing.T) {
	t.Parallel()

	caller, module := moduleFor(`async function run() { console.log('a'); console.error('b'); return 'done'; }`)
	result, err := Execute(context.Background(), caller, module, Dependencies{})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "a\n", result.Stdout)
	assert.Equal(t, "b\n", result.Stderr)
	assert.JSONEq(t, `"done"`, string(result.Output))
}

func TestExecuteTranspileFailureSurfacesAsStderr(t *testing.T) {
	t.Parallel()

	caller, module := moduleFor("async function run() { bloop x = 12 return x }")
	result, err := Execute(context.Background(), caller, module, Dependencies{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Stderr, "Transpilation failed")
}

type fakeRemoteCaller struct {
	calls []string
}

func (f *fakeRemoteCaller) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	f.calls = append(f.calls, name)
	return json.RawMessage(`{"sum":3}`), nil
}

func TestExecuteDispatchesRemoteToolCall(t *testing.T) {
	t.Parallel()

	remote := &fakeRemoteCaller{}
	caller := `async function run() { const v = await Math.add({a:1,b:2}); return v; }`
	module := caller + "\n\nnamespace Math {\n" +
		"  async function add(input: any): Promise<any> {\n" +
		"    return __callRemoteTool(\"Math\", \"add\", input);\n" +
		"  }\n}\n"

	result, err := Execute(context.Background(), caller, module, Dependencies{
		RemoteServers: map[string]RemoteCaller{"Math": remote},
	})
	require.NoError(t, err)
	require.True(t, result.Success, result.Stderr)
	assert.JSONEq(t, `{"sum":3}`, string(result.Output))
	assert.Equal(t, []string{"add"}, remote.calls)
}

func TestExecuteDispatchesInProcessCallbackChain(t *testing.T) {
	t.Parallel()

	reg := callback.NewRegistry()
	var order []string
	register := func(name string, fn func(a, b float64) float64) {
		n := name
		require.NoError(t, reg.Register(tools.NewIdent("TestMath", n), func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			order = append(order, n)
			var in struct {
				A, B float64
			}
			require.NoError(t, json.Unmarshal(args, &in))
			return json.Marshal(map[string]float64{"result": fn(in.A, in.B)})
		}))
	}
	register("add", func(a, b float64) float64 { return a + b })
	register("subtract", func(a, b float64) float64 { return a - b })
	register("multiply", func(a, b float64) float64 { return a * b })
	register("divide", func(a, b float64) float64 { return a / b })

	router := callback.NewRouter(reg, nil, 0)

	caller := `
async function run() {
  let v = (await TestMath.add({a:8,b:2})).result;
  v = (await TestMath.subtract({a:v,b:5})).result;
  v = (await TestMath.multiply({a:v,b:10})).result;
  v = (await TestMath.divide({a:v,b:2})).result;
  return v;
}`
	module := caller + "\n\nnamespace TestMath {\n" +
		"  async function add(input: any): Promise<any> { return __callHostCallback(\"TestMath\", \"add\", input); }\n" +
		"  async function subtract(input: any): Promise<any> { return __callHostCallback(\"TestMath\", \"subtract\", input); }\n" +
		"  async function multiply(input: any): Promise<any> { return __callHostCallback(\"TestMath\", \"multiply\", input); }\n" +
		"  async function divide(input: any): Promise<any> { return __callHostCallback(\"TestMath\", \"divide\", input); }\n}\n"

	result, err := Execute(context.Background(), caller, module, Dependencies{Router: router})
	require.NoError(t, err)
	require.True(t, result.Success, result.Stderr)
	assert.JSONEq(t, "25", string(result.Output))
	assert.Equal(t, []string{"add", "subtract", "multiply", "divide"}, order)
}

func TestExecuteFetchRestrictedToAllowedHosts(t *testing.T) {
	t.Parallel()

	caller := `async function run() {
  try {
    await fetch("https://example.com/forbidden");
    return "reached";
  } catch (e) {
    return "blocked";
  }
}`
	result, err := Execute(context.Background(), caller, caller, Dependencies{AllowedHosts: map[string]bool{}})
	require.NoError(t, err)
	require.True(t, result.Success, result.Stderr)
	assert.JSONEq(t, `"blocked"`, string(result.Output))
}

// fakeValidationError exercises callback.ValidationError so a host callback
// rejection's RetryHint reaches the caller's catch block as structured
// fields instead of only a message string.
type fakeValidationError struct{}

func (fakeValidationError) Error() string { return "missing required field" }
func (fakeValidationError) Issues() []errorkind.FieldIssue {
	return []errorkind.FieldIssue{{Field: "b", Missing: true}}
}
func (fakeValidationError) ExampleInput() map[string]any { return map[string]any{"a": 1, "b": 2} }

func TestExecuteHostCallbackRejectionCarriesRetryHint(t *testing.T) {
	t.Parallel()

	reg := callback.NewRegistry()
	id := tools.NewIdent("TestMath", "add")
	require.NoError(t, reg.Register(id, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, fakeValidationError{}
	}))
	router := callback.NewRouter(reg, nil, 0)

	caller := `async function run() {
  try {
    await __callHostCallback("TestMath", "add", {a:1});
    return "unreachable";
  } catch (e) {
    return { reason: e.retryHint.reason, missing: e.retryHint.missingFields };
  }
}`
	result, err := Execute(context.Background(), caller, caller, Dependencies{Router: router})
	require.NoError(t, err)
	require.True(t, result.Success, result.Stderr)
	assert.JSONEq(t, `{"reason":"missing_fields","missing":["b"]}`, string(result.Output))
}

// fakeSink collects deltas sent to it, safe for the concurrent sends
// registerConsoleOps performs from its own goroutines.
type fakeSink struct {
	mu     sync.Mutex
	deltas []stream.Delta
}

func (s *fakeSink) Send(_ context.Context, d stream.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deltas = append(s.deltas, d)
	return nil
}

func (s *fakeSink) snapshot() []stream.Delta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stream.Delta(nil), s.deltas...)
}

func TestExecuteForwardsConsoleOutputToSink(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	caller := `async function run() {
  console.log("one");
  console.warn("two");
  return "done";
}`
	result, err := Execute(context.Background(), caller, caller, Dependencies{OutputSink: sink})
	require.NoError(t, err)
	require.True(t, result.Success, result.Stderr)

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, time.Second, time.Millisecond,
		"both console writes should have reached the sink")
	deltas := sink.snapshot()
	assert.ElementsMatch(t, []stream.Delta{
		{Stream: "stdout", Data: "one"},
		{Stream: "stderr", Data: "two"},
	}, deltas)
}

func TestExecuteWithNoSinkDropsDeltasSilently(t *testing.T) {
	t.Parallel()

	caller := `async function run() { console.log("x"); return 1; }`
	result, err := Execute(context.Background(), caller, caller, Dependencies{})
	require.NoError(t, err)
	assert.True(t, result.Success, result.Stderr)
}
