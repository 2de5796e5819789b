package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/codemode-dev/codemode/internal/errorkind"
	"github.com/codemode-dev/codemode/internal/stream"
	"github.com/dop251/goja"
)

func registerConsoleOps(ctx context.Context, vm *goja.Runtime, stdout, stderr *strings.Builder, sink stream.Sink) {
	vm.Set("__hostLog", func(args []any) {
		line := formatConsoleArgs(args)
		stdout.WriteString(line)
		stdout.WriteString("\n")
		emitDelta(ctx, sink, "stdout", line)
	})
	vm.Set("__hostWarn", func(args []any) {
		line := formatConsoleArgs(args)
		stderr.WriteString(line)
		stderr.WriteString("\n")
		emitDelta(ctx, sink, "stderr", line)
	})
}

// emitDelta forwards one console write to sink on its own goroutine so a
// slow or blocking sink never stalls the VM-owning goroutine console.log
// is called from. Best-effort: a send error has nowhere meaningful to
// surface, since nothing about execute's outcome depends on it.
func emitDelta(ctx context.Context, sink stream.Sink, streamName, data string) {
	if sink == nil {
		return
	}
	go func() { _ = sink.Send(ctx, stream.Delta{Stream: streamName, Data: data}) }()
}

func formatConsoleArgs(args []any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case string:
			parts[i] = v
		case nil:
			parts[i] = "undefined"
		default:
			if b, err := json.Marshal(v); err == nil {
				parts[i] = string(b)
			} else {
				parts[i] = fmt.Sprintf("%v", v)
			}
		}
	}
	return strings.Join(parts, " ")
}

// registerCallOps wires __callRemoteTool(namespace, name, input) and
// __callHostCallback(namespace, name, input) — the two built-in ops every
// generated implementation-form function dispatches to (see
// schemagen.dispatchOp). Both return a goja Promise constructed
// synchronously; the actual work runs on a background goroutine, which
// posts a resolve/reject job back onto jobs so it runs on the
// VM-owning goroutine, since goja.Runtime is not safe for concurrent use.
func registerCallOps(vm *goja.Runtime, jobs chan func(), deps Dependencies) {
	vm.Set("__callRemoteTool", func(call goja.FunctionCall) goja.Value {
		namespace := call.Argument(0).String()
		name := call.Argument(1).String()
		input := call.Argument(2).Export()

		p, resolve, reject := vm.NewPromise()
		go func() {
			argsJSON, err := json.Marshal(input)
			if err != nil {
				jobs <- func() { reject(err.Error()) }
				return
			}
			server, ok := deps.RemoteServers[namespace]
			if !ok {
				jobs <- func() { reject(fmt.Sprintf("no remote server registered for %q", namespace)) }
				return
			}
			result, err := server.CallTool(context.Background(), name, argsJSON)
			if err != nil {
				jobs <- func() { reject(err.Error()) }
				return
			}
			var decoded any
			if len(result) > 0 {
				if err := json.Unmarshal(result, &decoded); err != nil {
					jobs <- func() { reject(err.Error()) }
					return
				}
			}
			jobs <- func() { resolve(decoded) }
		}()
		return vm.ToValue(p)
	})

	vm.Set("__callHostCallback", func(call goja.FunctionCall) goja.Value {
		namespace := call.Argument(0).String()
		name := call.Argument(1).String()
		input := call.Argument(2).Export()

		p, resolve, reject := vm.NewPromise()
		go func() {
			argsJSON, err := json.Marshal(input)
			if err != nil {
				jobs <- func() { reject(err.Error()) }
				return
			}
			if deps.Router == nil {
				jobs <- func() { reject(errorkind.New(errorkind.MissingCallbacks, "no callback router bound").Error()) }
				return
			}
			result, err := deps.Router.Dispatch(context.Background(), CallbackID(namespace, name), argsJSON)
			if err != nil {
				jobs <- func() { reject(callbackRejectionValue(err)) }
				return
			}
			var decoded any
			if len(result) > 0 {
				if err := json.Unmarshal(result, &decoded); err != nil {
					jobs <- func() { reject(err.Error()) }
					return
				}
			}
			jobs <- func() { resolve(decoded) }
		}()
		return vm.ToValue(p)
	})
}

// registerFetchOp registers a restricted fetch reachable only by the hosts
// derived from the currently registered HTTP remote servers (spec.md
// §3's allowed_hosts). Requests to any other host reject synchronously
// before any I/O happens.
func registerFetchOp(vm *goja.Runtime, jobs chan func(), allowedHosts map[string]bool) {
	vm.Set("fetch", func(call goja.FunctionCall) goja.Value {
		rawURL := call.Argument(0).String()
		p, resolve, reject := vm.NewPromise()

		parsed, err := url.Parse(rawURL)
		if err != nil {
			reject(fmt.Sprintf("invalid URL %q: %s", rawURL, err))
			return vm.ToValue(p)
		}
		port := parsed.Port()
		if port == "" {
			switch parsed.Scheme {
			case "https":
				port = "443"
			case "http":
				port = "80"
			}
		}
		if !allowedHosts[parsed.Hostname()+":"+port] {
			reject(fmt.Sprintf("fetch restricted to allow-listed hosts, got %q", parsed.Host))
			return vm.ToValue(p)
		}

		method := http.MethodGet
		var body io.Reader
		headers := map[string]string{}
		if len(call.Arguments) > 1 && !goja.IsUndefined(call.Argument(1)) {
			if opts, ok := call.Argument(1).Export().(map[string]any); ok {
				if m, ok := opts["method"].(string); ok {
					method = strings.ToUpper(m)
				}
				if b, ok := opts["body"].(string); ok {
					body = strings.NewReader(b)
				}
				if h, ok := opts["headers"].(map[string]any); ok {
					for k, v := range h {
						if s, ok := v.(string); ok {
							headers[k] = s
						}
					}
				}
			}
		}

		go func() {
			req, err := http.NewRequest(method, rawURL, body)
			if err != nil {
				jobs <- func() { reject(err.Error()) }
				return
			}
			for k, v := range headers {
				req.Header.Set(k, v)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				jobs <- func() { reject(err.Error()) }
				return
			}
			defer resp.Body.Close()
			respBody, _ := io.ReadAll(resp.Body)
			jobs <- func() { resolve(buildFetchResponse(vm, resp.StatusCode, respBody)) }
		}()
		return vm.ToValue(p)
	})
}

// callbackRejectionValue turns a Dispatch error into the value a caller's
// catch block sees: a plain message string, unless the error carries a
// RetryHint, in which case the rejection is an object exposing both
// "message" and "retryHint" so generated caller code (or a human iterating
// by hand) can act on the structured detail instead of re-parsing text.
func callbackRejectionValue(err error) any {
	var ek *errorkind.Error
	if !errors.As(err, &ek) || ek.RetryHint == nil {
		return err.Error()
	}
	hint := ek.RetryHint
	return map[string]any{
		"message": err.Error(),
		"retryHint": map[string]any{
			"reason":             string(hint.Reason),
			"tool":               hint.Tool,
			"missingFields":      hint.MissingFields,
			"invalidFields":      hint.InvalidFields,
			"exampleInput":       hint.ExampleInput,
			"clarifyingQuestion": hint.ClarifyingQuestion,
		},
	}
}

func buildFetchResponse(vm *goja.Runtime, status int, body []byte) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("ok", status >= 200 && status < 300)
	_ = obj.Set("status", status)
	bodyStr := string(body)
	_ = obj.Set("text", func(goja.FunctionCall) goja.Value { return vm.ToValue(bodyStr) })
	_ = obj.Set("json", func(goja.FunctionCall) goja.Value {
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			panic(vm.NewGoError(fmt.Errorf("invalid JSON response: %w", err)))
		}
		return vm.ToValue(v)
	})
	return obj
}
