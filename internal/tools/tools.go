// Package tools holds the Tool/ToolSet registry that the capability
// aggregator builds namespaces out of: one Tool per exposed capability,
// carrying both its JSON schema and its generated TypeScript signature.
package tools

import "github.com/codemode-dev/codemode/internal/errorkind"

// Provenance tags where a Tool's implementation lives.
type Provenance int

const (
	// Remote tools are backed by a connected MCP-style tool server.
	Remote Provenance = iota
	// HostCallback tools are backed by a cross-process callback peer or an
	// in-process CallbackRegistry entry, resolved at execute time.
	HostCallback
	// HostLanguage tools carry an in-process Go closure (Tool.HostFunc).
	// Their generated implementation dispatches through __callHostCallback,
	// the same op HostCallback tools use.
	HostLanguage
)

// String renders the provenance tag used in error messages and diagnostics.
func (p Provenance) String() string {
	switch p {
	case Remote:
		return "remote"
	case HostCallback:
		return "host-callback"
	case HostLanguage:
		return "host-language"
	default:
		return "unknown"
	}
}

// TypeSpec is a generated TypeScript type together with the JSON schema it
// was rendered from. Expr and SupportingDecls are the pieces a schema
// renders into (see internal/schemagen).
type TypeSpec struct {
	// Expr is the inline type expression usable at a parameter or return
	// position (e.g. "AddInput", "number[]", "unknown").
	Expr string
	// SupportingDecls holds any auxiliary "type X = ..." declarations Expr
	// refers to, already topologically ordered for textual emission.
	SupportingDecls []string
	// Schema is the JSON-Schema document Expr was rendered from. Nil for the
	// implicit "no output schema" case.
	Schema []byte
}

// HostFunc is the Go-native implementation of a HostLanguage tool: it
// receives the call's JSON-encoded arguments and returns a JSON-encodable
// value or an error.
type HostFunc func(args []byte) (any, error)

// Tool is the unit of exposed capability: a typed async function appearing
// inside its ToolSet's namespace in the sandbox.
type Tool struct {
	// Name is the function identifier, unique within its ToolSet.
	Name string
	// Description is optional human-readable context shown in the
	// generated doc comment.
	Description string
	// Input describes the required input schema/signature.
	Input TypeSpec
	// Output describes the optional output schema/signature. A Tool
	// registered without an output schema has Output.Expr == "unknown".
	Output TypeSpec
	// Provenance determines how execute dispatches a call to this tool.
	Provenance Provenance
	// HostFunc is set only when Provenance == HostLanguage.
	HostFunc HostFunc
}

// NewRemoteTool constructs a Tool backed by a remote MCP-style server.
func NewRemoteTool(name, description string, input, output TypeSpec) Tool {
	return Tool{Name: name, Description: description, Input: input, Output: output, Provenance: Remote}
}

// NewCallbackTool constructs a Tool backed by a host callback slot, resolved
// at execute time against a CallbackRegistry or callback peer.
func NewCallbackTool(name, description string, input, output TypeSpec) Tool {
	return Tool{Name: name, Description: description, Input: input, Output: output, Provenance: HostCallback}
}

// NewHostLanguageTool constructs a Tool backed by an in-process Go closure.
func NewHostLanguageTool(name, description string, input, output TypeSpec, fn HostFunc) Tool {
	return Tool{Name: name, Description: description, Input: input, Output: output, Provenance: HostLanguage, HostFunc: fn}
}

// ToolSet is a namespace: an ordered, name-unique collection of Tools sharing
// a mod_name used verbatim as the sandbox namespace identifier.
type ToolSet struct {
	// Name is the toolset identifier; must be unique within an aggregator.
	Name string
	// Description is optional human-readable context for the namespace.
	Description string
	// ModName is the identifier used verbatim as the sandbox namespace
	// (e.g. "namespace ModName { ... }"). Defaults to Name when empty.
	ModName string

	tools []Tool
	byName map[string]int
}

// NewToolSet validates name uniqueness across tools and returns a ToolSet,
// or a *errorkind.Error{Kind: Conflict} naming the first duplicate. No
// partially constructed ToolSet is ever returned on failure.
func NewToolSet(name, description string, toolsIn []Tool) (*ToolSet, error) {
	modName := name
	byName := make(map[string]int, len(toolsIn))
	ordered := make([]Tool, 0, len(toolsIn))
	for _, t := range toolsIn {
		if _, exists := byName[t.Name]; exists {
			return nil, errorkind.New(errorkind.Conflict, "toolset %q: duplicate tool name %q", name, t.Name)
		}
		byName[t.Name] = len(ordered)
		ordered = append(ordered, t)
	}
	return &ToolSet{Name: name, Description: description, ModName: modName, tools: ordered, byName: byName}, nil
}

// Tools returns the ordered list of tools in this set. The returned slice
// must not be mutated by callers; use Add to extend the set.
func (ts *ToolSet) Tools() []Tool {
	return ts.tools
}

// Len reports the number of tools registered in this set.
func (ts *ToolSet) Len() int {
	return len(ts.tools)
}

// Lookup finds a tool by name within this set.
func (ts *ToolSet) Lookup(name string) (Tool, bool) {
	i, ok := ts.byName[name]
	if !ok {
		return Tool{}, false
	}
	return ts.tools[i], true
}

// Add appends a tool, enforcing name uniqueness. On conflict the set is left
// unchanged and a *errorkind.Error{Kind: Conflict} is returned.
func (ts *ToolSet) Add(t Tool) error {
	if ts.byName == nil {
		ts.byName = make(map[string]int)
	}
	if _, exists := ts.byName[t.Name]; exists {
		return errorkind.New(errorkind.Conflict, "toolset %q: duplicate tool name %q", ts.Name, t.Name)
	}
	ts.byName[t.Name] = len(ts.tools)
	ts.tools = append(ts.tools, t)
	return nil
}
