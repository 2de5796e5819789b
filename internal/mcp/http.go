package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/codemode-dev/codemode/internal/errorkind"
	"golang.org/x/time/rate"
)

// HTTPCaller implements Caller over a JSON-RPC-over-HTTP MCP server,
// matching the request/response shapes the stdio transport also uses
// (initialize, tools/list, tools/call) so both transports share one wire
// protocol.
type HTTPCaller struct {
	baseURL     string
	client      *http.Client
	nextID      int64
	authHeaders map[string]string // resolved once at connect time, held in memory only
	limiter     *rate.Limiter     // nil when cfg.RateLimit is unset: unlimited
}

// NewHTTPCaller connects to an MCP server over HTTP, performing the
// initialize handshake. Auth secret strings are resolved here, once, at
// connect time, into an in-memory header map — never written back to
// config, never re-resolved per call.
func NewHTTPCaller(ctx context.Context, cfg HTTPServerConfig) (*HTTPCaller, error) {
	headers, err := resolveAuthHeaders(ctx, cfg.Auth)
	if err != nil {
		return nil, errorkind.Wrap(errorkind.TransportFailure, err, "resolving auth for %s", cfg.URL)
	}
	c := &HTTPCaller{baseURL: cfg.URL, client: http.DefaultClient, authHeaders: headers, limiter: newRateLimiter(cfg.RateLimit, cfg.RateBurst)}
	if err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "codemode", "version": "dev"},
	}, nil); err != nil {
		return nil, errorkind.Wrap(errorkind.TransportFailure, err, "initialize handshake with %s failed", cfg.URL)
	}
	return c, nil
}

func resolveAuthHeaders(ctx context.Context, auth *AuthConfig) (map[string]string, error) {
	if auth == nil {
		return nil, nil
	}
	headers := make(map[string]string, len(auth.Headers)+1)
	if auth.Bearer.HasSecrets() || auth.Bearer.String() != "" {
		token, err := auth.Bearer.Resolve(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolving bearer token: %w", err)
		}
		if token != "" {
			headers["Authorization"] = "Bearer " + token
		}
	}
	for k, v := range auth.Headers {
		resolved, err := v.Resolve(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolving header %q: %w", k, err)
		}
		headers[k] = resolved
	}
	return headers, nil
}

// ListAllTools enumerates the server's tools via "tools/list".
func (c *HTTPCaller) ListAllTools(ctx context.Context) ([]ToolDescriptor, error) {
	var result struct {
		Tools []struct {
			Name         string          `json:"name"`
			Description  string          `json:"description"`
			InputSchema  json.RawMessage `json:"inputSchema"`
			OutputSchema json.RawMessage `json:"outputSchema"`
		} `json:"tools"`
	}
	if err := c.call(ctx, "tools/list", map[string]any{}, &result); err != nil {
		return nil, errorkind.Wrap(errorkind.TransportFailure, err, "tools/list against %s failed", c.baseURL)
	}
	out := make([]ToolDescriptor, 0, len(result.Tools))
	for _, t := range result.Tools {
		out = append(out, ToolDescriptor{
			Name: t.Name, Description: t.Description,
			InputSchema: t.InputSchema, OutputSchema: t.OutputSchema,
		})
	}
	return out, nil
}

// CallTool invokes "tools/call" with the given tool name and arguments.
func (c *HTTPCaller) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	var result struct {
		Content json.RawMessage `json:"content"`
	}
	params := map[string]any{"name": name, "arguments": args}
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return nil, err
	}
	return result.Content, nil
}

// Close is a no-op: HTTPCaller holds no persistent connection beyond the
// stdlib HTTP client's pooled transport.
func (c *HTTPCaller) Close() error { return nil }

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// newRateLimiter builds the token bucket a HTTPCaller applies to every
// outbound request, or nil (unlimited) when perSecond is unset.
func newRateLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func (c *HTTPCaller) call(ctx context.Context, method string, params any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	c.nextID++
	reqBody, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID, Method: method, Params: params})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.authHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("mcp error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out != nil && rpcResp.Result != nil {
		return json.Unmarshal(rpcResp.Result, out)
	}
	return nil
}
