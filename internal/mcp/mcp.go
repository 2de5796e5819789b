// Package mcp defines the remote tool-server transport contract the
// capability aggregator uses to enumerate and invoke tools hosted by an
// external MCP-style server, plus HTTP and stdio client implementations.
package mcp

import (
	"context"
	"encoding/json"

	"github.com/codemode-dev/codemode/internal/secret"
)

// ToolDescriptor is one entry of a server's tools/list response.
type ToolDescriptor struct {
	Name         string
	Description  string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage // absent (nil) when the server declares no output schema
}

// Caller is the transport contract the aggregator requires of a connected
// remote server: enumerate its tools once at registration, then invoke them
// by name for the lifetime of the connection.
type Caller interface {
	// ListAllTools enumerates every tool the server exposes.
	ListAllTools(ctx context.Context) ([]ToolDescriptor, error)
	// CallTool invokes one tool by name, passing already-encoded JSON
	// arguments and returning the server's raw JSON result.
	CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
	// Close releases transport resources (child process, connections).
	Close() error
}

// AuthConfig describes how an HTTPCaller authenticates its requests.
// Exactly one of Bearer or Headers should be set; both are secret strings
// resolved lazily, at connect time.
type AuthConfig struct {
	Bearer  secret.String
	Headers map[string]secret.String
}

// HTTPServerConfig configures an HTTP-transport remote server.
type HTTPServerConfig struct {
	URL  string
	Auth *AuthConfig
	// RateLimit bounds every outbound request (initialize, tools/list and
	// tools/call alike) to this many per second, process-local (no cross-node coordination, unlike the
	// teacher's cluster-aware adaptive limiter — see DESIGN.md). Zero
	// means unlimited.
	RateLimit float64
	// RateBurst caps the token bucket's burst size when RateLimit is set;
	// zero defaults to 1.
	RateBurst int
}

// StdioServerConfig configures a child-process remote server.
type StdioServerConfig struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
}

// RemoteServerConfig is a remote tool-server description: a name (matched
// against a future ToolSet.Name) and exactly one of an HTTP or stdio
// transport, per spec.md §3.
type RemoteServerConfig struct {
	Name  string
	HTTP  *HTTPServerConfig
	Stdio *StdioServerConfig
}
