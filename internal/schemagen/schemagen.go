// Package schemagen renders JSON-Schema documents into TypeScript type
// expressions and the async-function signatures the sandbox namespaces are
// built from. No library in the dependency set emits TypeScript from JSON
// Schema, so the renderer is hand-written; schema *validation* (catching
// malformed documents before rendering) reuses the teacher's
// santhosh-tekuri/jsonschema/v6 compiler, the same way registry/service.go
// validates tool payloads against their declared schema.
package schemagen

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/codemode-dev/codemode/internal/errorkind"
	"github.com/codemode-dev/codemode/internal/tools"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// RenderInput renders a tool's required input schema into a TypeSpec named
// "<FnName>Input". schemaBytes must be non-empty.
func RenderInput(schemaBytes []byte, fnName string) (tools.TypeSpec, error) {
	if len(schemaBytes) == 0 {
		return tools.TypeSpec{}, errorkind.New(errorkind.BadSchema, "tool %q: input_schema is required", fnName)
	}
	return render(schemaBytes, fnName, "Input")
}

// RenderOutput renders a tool's optional output schema. An empty
// schemaBytes yields the spec-mandated "unknown" output type.
func RenderOutput(schemaBytes []byte, fnName string) (tools.TypeSpec, error) {
	if len(schemaBytes) == 0 {
		return tools.TypeSpec{Expr: "unknown"}, nil
	}
	return render(schemaBytes, fnName, "Output")
}

func render(schemaBytes []byte, fnName, suffix string) (tools.TypeSpec, error) {
	var doc any
	if err := json.Unmarshal(schemaBytes, &doc); err != nil {
		return tools.TypeSpec{}, errorkind.Wrap(errorkind.BadSchema, err, "tool %q: %s schema is not valid JSON", fnName, strings.ToLower(suffix))
	}
	if err := validateDocument(schemaBytes); err != nil {
		return tools.TypeSpec{}, errorkind.Wrap(errorkind.BadSchema, err, "tool %q: %s schema failed validation", fnName, strings.ToLower(suffix))
	}

	root, _ := doc.(map[string]any)
	r := &renderer{fnName: fnName, defs: collectDefs(root), declared: map[string]string{}, visiting: map[string]bool{}}
	expr, err := r.renderNode(root, pascalCase(fnName)+suffix, suffix)
	if err != nil {
		return tools.TypeSpec{}, err
	}
	return tools.TypeSpec{Expr: expr, SupportingDecls: r.decls, Schema: schemaBytes}, nil
}

// validateDocument compiles schemaBytes with jsonschema/v6, rejecting
// documents jsonschema itself cannot parse or resolve. This does not
// replace the renderer's own $ref/cycle handling — it is a first line of
// defense against outright malformed schema documents.
func validateDocument(schemaBytes []byte) error {
	var doc any
	if err := json.Unmarshal(schemaBytes, &doc); err != nil {
		return err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return err
	}
	_, err := c.Compile("schema.json")
	return err
}

type renderer struct {
	fnName   string
	defs     map[string]any
	declared map[string]string // canonical node signature -> declared name, for de-dup
	visiting map[string]bool   // ref pointers currently being resolved
	decls    []string
	ordinals map[string]int
}

func collectDefs(root map[string]any) map[string]any {
	defs := map[string]any{}
	for _, key := range []string{"$defs", "definitions"} {
		if raw, ok := root[key].(map[string]any); ok {
			for name, v := range raw {
				if m, ok := v.(map[string]any); ok {
					defs[name] = m
				}
			}
		}
	}
	return defs
}

// renderNode renders one schema node, returning the type expression to use
// at the call site. nameHint names any declaration this node needs to
// synthesize (objects get a named decl; primitives/unions are inlined).
func (r *renderer) renderNode(node map[string]any, nameHint, path string) (string, error) {
	if node == nil {
		return "unknown", nil
	}

	if ref, ok := node["$ref"].(string); ok {
		return r.renderRef(ref, path)
	}

	if enumVals, ok := node["enum"].([]any); ok {
		return r.renderEnum(enumVals, path)
	}
	if constVal, ok := node["const"]; ok {
		return renderLiteral(constVal), nil
	}

	if oneOf, ok := node["oneOf"].([]any); ok {
		return r.renderOneOf(oneOf, nameHint, path)
	}

	switch t := node["type"].(type) {
	case string:
		return r.renderTyped(node, t, nameHint, path)
	case []any:
		var variants []string
		for _, v := range t {
			s, ok := v.(string)
			if !ok {
				continue
			}
			expr, err := r.renderTyped(node, s, nameHint, path)
			if err != nil {
				return "", err
			}
			variants = append(variants, expr)
		}
		if len(variants) == 0 {
			return "unknown", nil
		}
		return strings.Join(dedupe(variants), " | "), nil
	}

	// No "type" keyword: an object schema implied by "properties", or an
	// unconstrained schema.
	if _, ok := node["properties"]; ok {
		return r.renderTyped(node, "object", nameHint, path)
	}
	return "unknown", nil
}

func (r *renderer) renderTyped(node map[string]any, jsonType, nameHint, path string) (string, error) {
	switch jsonType {
	case "string":
		return "string", nil
	case "number", "integer":
		return "number", nil
	case "boolean":
		return "boolean", nil
	case "null":
		return "null", nil
	case "array":
		return r.renderArray(node, nameHint, path)
	case "object":
		return r.renderObject(node, nameHint, path)
	default:
		return "unknown", nil
	}
}

func (r *renderer) renderEnum(vals []any, path string) (string, error) {
	var literals []string
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			return "", errorkind.New(errorkind.BadSchema, "tool %q: field %q: enum must contain only strings to render as a union", r.fnName, path)
		}
		literals = append(literals, fmt.Sprintf("%q", s))
	}
	if len(literals) == 0 {
		return "never", nil
	}
	return strings.Join(literals, " | "), nil
}

// renderOneOf renders a JSON-Schema "oneOf" as a TS union, spec.md:39's
// other named union form alongside "enum" — each member renders through
// the normal renderNode path (so a oneOf of objects still gets named
// decls) and the results are deduped and joined with "|".
func (r *renderer) renderOneOf(members []any, nameHint, path string) (string, error) {
	var variants []string
	for i, m := range members {
		node, _ := m.(map[string]any)
		expr, err := r.renderNode(node, fmt.Sprintf("%s%d", nameHint, i+1), fmt.Sprintf("%s.oneOf[%d]", path, i))
		if err != nil {
			return "", err
		}
		variants = append(variants, expr)
	}
	if len(variants) == 0 {
		return "never", nil
	}
	return strings.Join(dedupe(variants), " | "), nil
}

func renderLiteral(v any) string {
	switch val := v.(type) {
	case string:
		return fmt.Sprintf("%q", val)
	case bool:
		if val {
			return "true"
		}
		return "false"
	case nil:
		return "null"
	default:
		b, _ := json.Marshal(val)
		return string(b)
	}
}

func (r *renderer) renderArray(node map[string]any, nameHint, path string) (string, error) {
	if prefixItems, ok := node["prefixItems"].([]any); ok {
		var elems []string
		for i, it := range prefixItems {
			m, _ := it.(map[string]any)
			expr, err := r.renderNode(m, fmt.Sprintf("%sItem%d", nameHint, i+1), fmt.Sprintf("%s.prefixItems[%d]", path, i))
			if err != nil {
				return "", err
			}
			elems = append(elems, expr)
		}
		return "[" + strings.Join(elems, ", ") + "]", nil
	}
	items, _ := node["items"].(map[string]any)
	itemExpr, err := r.renderNode(items, nameHint+"Item", path+".items")
	if err != nil {
		return "", err
	}
	if strings.Contains(itemExpr, " ") && !strings.HasPrefix(itemExpr, "{") {
		return "(" + itemExpr + ")[]", nil
	}
	return itemExpr + "[]", nil
}

func (r *renderer) renderObject(node map[string]any, nameHint, path string) (string, error) {
	props, _ := node["properties"].(map[string]any)
	required := map[string]bool{}
	if reqList, ok := node["required"].([]any); ok {
		for _, v := range reqList {
			if s, ok := v.(string); ok {
				required[s] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic, idempotent emission regardless of map iteration order

	if len(names) == 0 {
		return "Record<string, unknown>", nil
	}

	var fields []string
	for _, name := range names {
		propNode, _ := props[name].(map[string]any)
		fieldPath := path + ".properties." + name
		expr, err := r.renderNode(propNode, nameHint+pascalCase(name), fieldPath)
		if err != nil {
			return "", err
		}
		optional := ""
		if !required[name] {
			optional = "?"
		}
		fields = append(fields, fmt.Sprintf("%s%s: %s", jsIdent(name), optional, expr))
	}

	body := "{ " + strings.Join(fields, "; ") + " }"
	declName := r.declare(nameHint, body)
	return declName, nil
}

// declare registers a named "type X = { ... }" declaration, de-duplicating
// identical bodies and disambiguating name collisions with an ordinal
// suffix, per spec.md §4.1.
func (r *renderer) declare(nameHint, body string) string {
	if existing, ok := r.declared[body]; ok {
		return existing
	}
	name := nameHint
	if r.ordinals == nil {
		r.ordinals = map[string]int{}
	}
	base := name
	for r.nameInUse(name) {
		r.ordinals[base]++
		name = fmt.Sprintf("%s%d", base, r.ordinals[base]+1)
	}
	r.declared[body] = name
	r.decls = append(r.decls, fmt.Sprintf("type %s = %s;", name, body))
	return name
}

func (r *renderer) nameInUse(name string) bool {
	for _, decl := range r.decls {
		if strings.HasPrefix(decl, "type "+name+" ") {
			return true
		}
	}
	return false
}

func (r *renderer) renderRef(ref, path string) (string, error) {
	defName, ok := strings.CutPrefix(ref, "#/$defs/")
	if !ok {
		defName, ok = strings.CutPrefix(ref, "#/definitions/")
	}
	if !ok {
		return "", errorkind.New(errorkind.BadSchema, "tool %q: field %q: unsupported $ref %q (only local #/$defs and #/definitions refs are resolved)", r.fnName, path, ref)
	}
	target, ok := r.defs[defName]
	if !ok {
		return "", errorkind.New(errorkind.BadSchema, "tool %q: field %q: unresolved $ref %q", r.fnName, path, ref)
	}
	if r.visiting[ref] {
		return "", errorkind.New(errorkind.BadSchema, "tool %q: field %q: cyclic $ref %q", r.fnName, path, ref)
	}
	r.visiting[ref] = true
	defer delete(r.visiting, ref)

	node, _ := target.(map[string]any)
	return r.renderNode(node, pascalCase(defName), "#/$defs/"+defName)
}

func dedupe(items []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, it := range items {
		if seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}

func pascalCase(s string) string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	})
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	if b.Len() == 0 {
		return "Field"
	}
	return b.String()
}

// jsIdent quotes a property name as a string literal key when it is not a
// valid bare JS identifier (e.g. contains a hyphen).
func jsIdent(name string) string {
	if name == "" {
		return `""`
	}
	for i, r := range name {
		if r == '_' || r == '$' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9') {
			continue
		}
		return fmt.Sprintf("%q", name)
	}
	return name
}
