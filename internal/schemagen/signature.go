package schemagen

import (
	"fmt"
	"sort"
	"strings"

	"github.com/codemode-dev/codemode/internal/tools"
)

// RenderSignature emits one tool's async-function member text, in
// declaration form (withBody=false, used by list_functions/
// get_function_details) or implementation form (withBody=true, used inside
// the module text an execute builds). The implementation form dispatches to
// the built-in op matching the tool's provenance; namespace is only used
// (and required) when withBody is true.
func RenderSignature(namespace string, t tools.Tool, withBody bool) string {
	var b strings.Builder
	if t.Description != "" {
		fmt.Fprintf(&b, "  /** %s */\n", t.Description)
	}
	inputExpr := t.Input.Expr
	if inputExpr == "" {
		inputExpr = "unknown"
	}
	outputExpr := t.Output.Expr
	if outputExpr == "" {
		outputExpr = "unknown"
	}

	if !withBody {
		fmt.Fprintf(&b, "  function %s(input: %s): Promise<%s>;", t.Name, inputExpr, outputExpr)
		return b.String()
	}

	op := dispatchOp(t.Provenance)
	fmt.Fprintf(&b, "  async function %s(input: %s): Promise<%s> {\n", t.Name, inputExpr, outputExpr)
	fmt.Fprintf(&b, "    return %s(%q, %q, input);\n", op, namespace, t.Name)
	b.WriteString("  }")
	return b.String()
}

func dispatchOp(p tools.Provenance) string {
	switch p {
	case tools.Remote:
		return "__callRemoteTool"
	default:
		return "__callHostCallback"
	}
}

// RenderNamespaceInterface emits a ToolSet's full namespace block: the
// declaration form when withBodies is false (what list_functions/
// get_function_details show callers), the implementation form when true
// (spliced into the module execute builds). Matches spec.md §4.1's
// "namespace <mod_name> { ... }" shape; supporting declarations render
// ahead of the namespace block they belong to.
func RenderNamespaceInterface(ts *tools.ToolSet, withBodies bool) string {
	if ts.Len() == 0 {
		return ""
	}
	var b strings.Builder

	seenDecls := map[string]bool{}
	var allDecls []string
	for _, t := range ts.Tools() {
		for _, d := range t.Input.SupportingDecls {
			if !seenDecls[d] {
				seenDecls[d] = true
				allDecls = append(allDecls, d)
			}
		}
		for _, d := range t.Output.SupportingDecls {
			if !seenDecls[d] {
				seenDecls[d] = true
				allDecls = append(allDecls, d)
			}
		}
	}
	for _, d := range allDecls {
		b.WriteString(d)
		b.WriteString("\n")
	}

	modName := ts.ModName
	if modName == "" {
		modName = ts.Name
	}
	fmt.Fprintf(&b, "namespace %s {\n", modName)
	members := make([]string, 0, ts.Len())
	for _, t := range ts.Tools() {
		members = append(members, RenderSignature(ts.Name, t, withBodies))
	}
	b.WriteString(strings.Join(members, "\n\n"))
	b.WriteString("\n}")
	return b.String()
}

// ListFunctionsCode renders list_functions().code: the pretty-printed
// concatenation of every non-empty ToolSet's declaration-form namespace
// interface, in the order supplied.
func ListFunctionsCode(sets []*tools.ToolSet) string {
	var blocks []string
	for _, ts := range sets {
		if ts.Len() == 0 {
			continue
		}
		blocks = append(blocks, RenderNamespaceInterface(ts, false))
	}
	return strings.Join(blocks, "\n\n")
}

// FunctionSummary is one entry of list_functions().functions.
type FunctionSummary struct {
	Namespace   string
	Name        string
	Description string
}

// ListFunctionsSummaries renders list_functions().functions: the flat,
// order-preserving concatenation of {namespace, fn_name, description} over
// every non-empty ToolSet.
func ListFunctionsSummaries(sets []*tools.ToolSet) []FunctionSummary {
	var out []FunctionSummary
	for _, ts := range sets {
		for _, t := range ts.Tools() {
			out = append(out, FunctionSummary{Namespace: ts.Name, Name: t.Name, Description: t.Description})
		}
	}
	return out
}

// FunctionDetail is one entry of get_function_details().functions.
type FunctionDetail struct {
	Namespace  string
	Name       string
	InputType  string
	OutputType string
	Types      []string
}

// GetFunctionDetails renders the response to get_function_details: only
// the requested (namespace, name) pairs that actually exist, grouped back
// into their namespaces for `code`, with per-tool metadata for `functions`.
// Unmatched requests are silently omitted; if every request is unmatched,
// code is a single comment line rather than empty text.
func GetFunctionDetails(sets []*tools.ToolSet, requested []tools.Ident) (code string, functions []FunctionDetail) {
	byNamespace := map[string]*tools.ToolSet{}
	for _, ts := range sets {
		byNamespace[ts.Name] = ts
	}

	matchedByNamespace := map[string][]tools.Tool{}
	var namespaceOrder []string
	for _, id := range requested {
		ts, ok := byNamespace[id.Namespace]
		if !ok {
			continue
		}
		t, ok := ts.Lookup(id.Name)
		if !ok {
			continue
		}
		if _, seen := matchedByNamespace[id.Namespace]; !seen {
			namespaceOrder = append(namespaceOrder, id.Namespace)
		}
		matchedByNamespace[id.Namespace] = append(matchedByNamespace[id.Namespace], t)
		functions = append(functions, FunctionDetail{
			Namespace:  id.Namespace,
			Name:       t.Name,
			InputType:  t.Input.Expr,
			OutputType: t.Output.Expr,
			Types:      append(append([]string{}, t.Input.SupportingDecls...), t.Output.SupportingDecls...),
		})
	}

	if len(namespaceOrder) == 0 {
		return "// no matching functions", nil
	}

	sort.Strings(namespaceOrder) // deterministic grouping order
	var blocks []string
	for _, ns := range namespaceOrder {
		sub, err := tools.NewToolSet(ns, "", matchedByNamespace[ns])
		if err != nil {
			// Requested tools came from real sets already enforcing
			// uniqueness, so this can only happen if the same (ns, name)
			// pair was requested twice; keep the first occurrence.
			sub, _ = tools.NewToolSet(ns, "", dedupeTools(matchedByNamespace[ns]))
		}
		sub.ModName = byNamespace[ns].ModName
		blocks = append(blocks, RenderNamespaceInterface(sub, false))
	}
	return strings.Join(blocks, "\n\n"), functions
}

func dedupeTools(in []tools.Tool) []tools.Tool {
	seen := map[string]bool{}
	var out []tools.Tool
	for _, t := range in {
		if seen[t.Name] {
			continue
		}
		seen[t.Name] = true
		out = append(out, t)
	}
	return out
}
