// Package typecheck implements the pre-execute check the execute algorithm
// runs on the caller's pre-merge source (spec.md §4.5): syntax diagnostics
// from esbuild's TS transform, extended with a small hand-written semantic
// pass, filtered through a relevance rule set before being handed back to
// the caller.
package typecheck

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/codemode-dev/codemode/internal/tools"
	"github.com/evanw/esbuild/pkg/api"
)

// Diagnostic mirrors the {line?, column?, code?, message} contract. Line and
// Column are 0 when the source of the diagnostic has no position (e.g. a
// whole-program semantic check). Code is empty when no TSNNNN code applies.
type Diagnostic struct {
	Line    int
	Column  int
	Code    string
	Message string
}

// Result is type_check's return value.
type Result struct {
	Success     bool
	Diagnostics []Diagnostic
}

// checkFileName is the internal path esbuild attributes diagnostics to; it
// is stripped from every message before the diagnostic is returned, per the
// "internal file paths are stripped from messages" integration rule.
const checkFileName = "/check.ts"

var suppressedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)cannot find name ['"]console['"]`),
	regexp.MustCompile(`(?i)['"]?Promise['"]?.*refers to a type, but is being used as a value`),
	regexp.MustCompile(`(?i)implicitly has an? ['"]?any['"]? type`),
	regexp.MustCompile(`(?i)implicit any`),
}

func isSuppressed(message string) bool {
	for _, p := range suppressedPatterns {
		if p.MatchString(message) {
			return true
		}
	}
	return false
}

// Check runs the type checker against pre-merge caller source and the
// namespaces the current aggregator has registered, returning the filtered
// diagnostic set. namespaces may be nil; semantic checks that depend on
// known tool signatures are simply skipped in that case.
func Check(code string, namespaces []*tools.ToolSet) Result {
	var diags []Diagnostic
	diags = append(diags, syntaxDiagnostics(code)...)
	diags = append(diags, semanticDiagnostics(code, namespaces)...)

	filtered := make([]Diagnostic, 0, len(diags))
	for _, d := range diags {
		if isSuppressed(d.Message) {
			continue
		}
		filtered = append(filtered, d)
	}
	return Result{Success: len(filtered) == 0, Diagnostics: filtered}
}

// syntaxDiagnostics erases TypeScript syntax the same way internal/sandbox's
// transpile step does, but keeps esbuild's LogLevel at Silent and reads
// Errors directly so positions and messages can be reshaped into
// Diagnostics instead of a single combined error string.
func syntaxDiagnostics(code string) []Diagnostic {
	result := api.Transform(code, api.TransformOptions{
		Sourcefile: checkFileName,
		Loader:     api.LoaderTS,
		Target:     api.ES2020,
		LogLevel:   api.LogLevelSilent,
	})
	out := make([]Diagnostic, 0, len(result.Errors))
	for _, m := range result.Errors {
		out = append(out, messageToDiagnostic(m))
	}
	return out
}

func messageToDiagnostic(m api.Message) Diagnostic {
	d := Diagnostic{Code: "TS1005", Message: stripInternalPaths(m.Text)}
	if m.Location != nil {
		d.Line = m.Location.Line
		d.Column = m.Location.Column
	}
	return d
}

func stripInternalPaths(msg string) string {
	return strings.ReplaceAll(msg, checkFileName, "")
}

var runDeclPattern = regexp.MustCompile(`\basync\s+function\s+run\s*\(\s*\)`)

// callPattern finds `Identifier.identifier(` call sites; the argument list
// itself is walked separately with a balanced-delimiter scan since regexp
// can't count nested parens/braces reliably.
var callPattern = regexp.MustCompile(`\b([A-Za-z_$][A-Za-z0-9_$]*)\.([A-Za-z_$][A-Za-z0-9_$]*)\s*\(`)

// semanticDiagnostics implements the hand-written pass: duplicate/missing
// `async function run`, and, when namespaces is non-nil, undeclared
// namespace member references and wrong-arity calls against the known
// Tool signatures (every generated tool takes exactly one `input` argument).
func semanticDiagnostics(code string, namespaces []*tools.ToolSet) []Diagnostic {
	var diags []Diagnostic

	runMatches := runDeclPattern.FindAllStringIndex(code, -1)
	switch len(runMatches) {
	case 0:
		diags = append(diags, Diagnostic{Code: "TS2304", Message: "Cannot find name 'run'."})
	case 1:
		// exactly what the execute algorithm requires.
	default:
		for _, m := range runMatches[1:] {
			line, col := lineCol(code, m[0])
			diags = append(diags, Diagnostic{
				Line: line, Column: col, Code: "TS2393",
				Message: "Duplicate function implementation 'run'.",
			})
		}
	}

	if len(namespaces) == 0 {
		return diags
	}
	byName := make(map[string]*tools.ToolSet, len(namespaces))
	for _, ts := range namespaces {
		byName[ts.Name] = ts
	}

	for _, m := range callPattern.FindAllStringSubmatchIndex(code, -1) {
		nsStart, nsEnd := m[2], m[3]
		fnStart, fnEnd := m[4], m[5]
		parenOpen := m[1] - 1
		ns := code[nsStart:nsEnd]
		fn := code[fnStart:fnEnd]

		toolset, known := byName[ns]
		if !known {
			continue // not a reference to a registered namespace; not ours to check
		}
		line, col := lineCol(code, nsStart)
		if _, exists := toolset.Lookup(fn); !exists {
			diags = append(diags, Diagnostic{
				Line: line, Column: col, Code: "TS2339",
				Message: fmt.Sprintf("Property %q does not exist on type %q.", fn, ns),
			})
			continue
		}
		if argc, ok := countTopLevelArgs(code, parenOpen); ok && argc != 1 {
			diags = append(diags, Diagnostic{
				Line: line, Column: col, Code: "TS2554",
				Message: fmt.Sprintf("Expected 1 argument, but got %d.", argc),
			})
		}
	}

	sort.SliceStable(diags, func(i, j int) bool {
		if diags[i].Line != diags[j].Line {
			return diags[i].Line < diags[j].Line
		}
		return diags[i].Column < diags[j].Column
	})
	return diags
}

// countTopLevelArgs scans the parenthesized argument list starting at
// openParen (inclusive) and counts top-level comma-separated arguments,
// tracking nested (), [], {} and string/template literals so a comma inside
// an object literal argument doesn't get mistaken for an argument separator.
// ok is false if the parens never close (malformed input; left to the
// syntax pass to report).
func countTopLevelArgs(code string, openParen int) (count int, ok bool) {
	depth := 0
	sawAny := false
	sawContent := false
	var quote byte
	for i := openParen; i < len(code); i++ {
		c := code[i]
		if quote != 0 {
			if c == '\\' {
				i++
				continue
			}
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
			sawContent = true
		case '(', '[', '{':
			depth++
			sawContent = true
		case ')', ']', '}':
			depth--
			if depth == 0 && c == ')' {
				if sawContent || sawAny {
					return count + 1, true
				}
				return 0, true
			}
		case ',':
			if depth == 1 {
				count++
				sawAny = true
				sawContent = false
			}
		default:
			if !isSpace(c) {
				sawContent = true
			}
		}
	}
	return 0, false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func lineCol(code string, offset int) (line, col int) {
	line = 1
	lastNL := -1
	for i := 0; i < offset && i < len(code); i++ {
		if code[i] == '\n' {
			line++
			lastNL = i
		}
	}
	return line, offset - lastNL
}

// FormatDiagnostics renders the stderr form spec.md §4.7 requires: one line
// per diagnostic, "Line L, Column C, TSNNNN: message" with any part omitted
// when unknown, joined by newline.
func FormatDiagnostics(diags []Diagnostic) string {
	lines := make([]string, len(diags))
	for i, d := range diags {
		var parts []string
		if d.Line > 0 {
			parts = append(parts, fmt.Sprintf("Line %d", d.Line))
		}
		if d.Column > 0 {
			parts = append(parts, fmt.Sprintf("Column %d", d.Column))
		}
		if d.Code != "" {
			parts = append(parts, d.Code)
		}
		if len(parts) == 0 {
			lines[i] = d.Message
			continue
		}
		lines[i] = strings.Join(parts, ", ") + ": " + d.Message
	}
	return strings.Join(lines, "\n")
}
