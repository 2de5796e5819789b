// Package sandbox embeds a JavaScript engine that evaluates caller-supplied
// program text against a generated typed surface, denying filesystem
// access and restricting network access to an explicit allow-list.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/codemode-dev/codemode/internal/callback"
	"github.com/codemode-dev/codemode/internal/errorkind"
	"github.com/codemode-dev/codemode/internal/stream"
	"github.com/codemode-dev/codemode/internal/telemetry"
	"github.com/codemode-dev/codemode/internal/tools"
	"github.com/dop251/goja"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RemoteCaller is the subset of an mcp.Caller the sandbox needs to route
// __callRemoteTool invocations: one already-connected server per
// registered ToolSet name.
type RemoteCaller interface {
	CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// Dependencies are the capabilities one execute wires into a fresh engine
// instance: the remote servers currently registered (by ToolSet name), the
// callback router, and the hosts caller code's fetch may reach.
type Dependencies struct {
	RemoteServers map[string]RemoteCaller
	Router        *callback.Router
	AllowedHosts  map[string]bool
	// OutputSink, when non-nil, receives each console.log/console.warn
	// write as a stream.Delta while execution is still in progress,
	// independent of and in addition to the batched Stdout/Stderr on the
	// final Result (spec.md §13 supplement: "tool output delta streaming").
	OutputSink stream.Sink
	// Tracer spans the goja run loop itself (runModule), nested under the
	// caller's own "codemode.execute" span. Nil defaults to a no-op, so
	// callers that don't care about tracing (tests, CLI one-shots) pay
	// nothing for it.
	Tracer telemetry.Tracer
}

// Result is the execution result envelope spec.md §3 names: console
// accumulators plus the caller program's returned value, or a failure
// message in stderr.
type Result struct {
	Success bool
	Stdout  string
	Stderr  string
	Output  json.RawMessage
}

// transpileFailure formats the "Transpilation failed: …" stderr line step
// 1 of the execute algorithm names.
func transpileFailure(err error) *Result {
	return &Result{Success: false, Stderr: fmt.Sprintf("Transpilation failed: %s", err.Error())}
}

// Execute runs moduleText — caller code merged with namespace
// implementation blocks, per the execute algorithm's step 2 — inside a
// fresh goja.Runtime (one per call; nothing persists between executions).
// callerSource is transpile-checked alone first, surfacing a syntax error
// immediately rather than only after merging.
func Execute(ctx context.Context, callerSource, moduleText string, deps Dependencies) (*Result, error) {
	if _, err := transpileTS(callerSource); err != nil {
		return transpileFailure(err), nil
	}

	built, err := buildModule(moduleText)
	if err != nil {
		return transpileFailure(err), nil
	}

	tracer := deps.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	ctx, span := tracer.Start(ctx, "sandbox.run_module", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	result, err := runModule(ctx, built, deps)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run_module failed")
	} else if !result.Success {
		span.SetStatus(codes.Error, "run_module reported failure")
		span.AddEvent("sandbox.run_module.stderr", "message", result.Stderr)
	} else {
		span.AddEvent("sandbox.run_module.done")
	}
	return result, err
}

// buildModule wraps moduleText in an async IIFE that captures its result
// (or rejection) into two globals, then transpiles the whole thing. The
// spec's literal "export default await run();" form assumes an ES-module
// loader; goja has none, and esbuild refuses top-level await once a CJS
// wrapper is introduced, so this substitutes an equivalent convention
// (documented in DESIGN.md) that needs neither.
func buildModule(moduleText string) (string, error) {
	wrapped := "(async () => {\n" + moduleText +
		"\n  globalThis.__codemode_result__ = await run();\n  globalThis.__codemode_done__ = true;\n" +
		"})().catch((err) => { globalThis.__codemode_error__ = err; globalThis.__codemode_done__ = true; });\n"
	return transpileTS(wrapped)
}

func runModule(ctx context.Context, program string, deps Dependencies) (*Result, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())

	var stdout, stderr strings.Builder
	jobs := make(chan func(), 64)

	if _, err := vm.RunProgram(preludeProgram()); err != nil {
		return nil, errorkind.Wrap(errorkind.Runtime, err, "loading sandbox prelude")
	}
	registerConsoleOps(ctx, vm, &stdout, &stderr, deps.OutputSink)
	registerCallOps(vm, jobs, deps)
	registerFetchOp(vm, jobs, deps.AllowedHosts)

	if _, err := vm.RunString(program); err != nil {
		return nil, errorkind.Wrap(errorkind.Runtime, err, "evaluating sandbox module")
	}

	deadline := time.NewTimer(5 * time.Minute)
	defer deadline.Stop()
	for {
		// __codemode_done__ is the sole completion signal: caller code
		// whose run() resolves to undefined (no explicit return) leaves
		// __codemode_result__ itself goja-undefined, indistinguishable
		// from "not finished yet" if polled directly — see buildModule.
		done := vm.Get("__codemode_done__")
		if done != nil && !goja.IsUndefined(done) {
			errVal := vm.Get("__codemode_error__")
			if errVal != nil && !goja.IsUndefined(errVal) {
				return finish(vm, &stdout, &stderr, nil, errVal), nil
			}
			return finish(vm, &stdout, &stderr, vm.Get("__codemode_result__"), nil), nil
		}
		select {
		case job := <-jobs:
			job()
		case <-ctx.Done():
			return &Result{Success: false, Stdout: stdout.String(), Stderr: ctx.Err().Error()}, nil
		case <-deadline.C:
			return &Result{Success: false, Stdout: stdout.String(), Stderr: "execution exceeded the maximum run time"}, nil
		}
	}
}

func finish(vm *goja.Runtime, stdout, stderr *strings.Builder, result, errVal goja.Value) *Result {
	if errVal != nil {
		return &Result{Success: false, Stdout: stdout.String(), Stderr: formatJSError(vm, errVal)}
	}
	output, err := marshalJSValue(vm, result)
	if err != nil {
		return &Result{Success: false, Stdout: stdout.String(), Stderr: err.Error()}
	}
	return &Result{Success: true, Stdout: stdout.String(), Stderr: stderr.String(), Output: output}
}

func formatJSError(vm *goja.Runtime, errVal goja.Value) string {
	exported := errVal.Export()
	if obj, ok := exported.(map[string]any); ok {
		if stack, ok := obj["stack"].(string); ok && stack != "" {
			return stack
		}
		if msg, ok := obj["message"].(string); ok && msg != "" {
			return msg
		}
	}
	return errVal.String()
}

func marshalJSValue(vm *goja.Runtime, v goja.Value) (json.RawMessage, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return json.RawMessage("null"), nil
	}
	data, err := json.Marshal(v.Export())
	if err != nil {
		return nil, fmt.Errorf("serializing program output: %w", err)
	}
	return data, nil
}

// CallbackID helps ops translate a (namespace, name) pair into the
// identifier the callback router expects.
func CallbackID(namespace, name string) tools.Ident { return tools.NewIdent(namespace, name) }
