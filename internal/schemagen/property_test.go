package schemagen

import (
	"fmt"
	"testing"

	"github.com/codemode-dev/codemode/internal/tools"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genToolSets builds a random, name-unique slice of ToolSets. Each set's
// tool count is derived from its own (random) name, so shape still varies
// across draws without needing a nested generator sample.
func genToolSets() gopter.Gen {
	return gen.SliceOfN(3, gen.AlphaString()).Map(func(setNames []string) []*tools.ToolSet {
		seen := map[string]bool{}
		var out []*tools.ToolSet
		for i, n := range setNames {
			name := n
			if name == "" {
				name = fmt.Sprintf("set%d", i)
			}
			if seen[name] {
				continue
			}
			seen[name] = true

			toolCount := len(name) % 4
			var toolsIn []tools.Tool
			for j := 0; j < toolCount; j++ {
				toolsIn = append(toolsIn, tools.NewRemoteTool(fmt.Sprintf("fn%d", j), "",
					tools.TypeSpec{Expr: "number"}, tools.TypeSpec{Expr: "number"}))
			}
			ts, err := tools.NewToolSet(name, "", toolsIn)
			if err != nil {
				// Tool names here are always "fn0".."fn3", generated
				// uniquely per set; this can only happen if NewToolSet
				// itself regressed.
				panic(err)
			}
			out = append(out, ts)
		}
		return out
	})
}

// TestListFunctionsSummariesConcatenationInvariant verifies that, for any
// set of ToolSets, list_functions().functions is exactly the flat
// concatenation of every set's own tools, in set order — it can neither
// drop nor duplicate a tool, regardless of how many sets or tools each
// holds.
func TestListFunctionsSummariesConcatenationInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("summaries length equals the sum of each set's own tool count", prop.ForAll(
		func(sets []*tools.ToolSet) bool {
			summaries := ListFunctionsSummaries(sets)
			want := 0
			for _, ts := range sets {
				want += ts.Len()
			}
			if len(summaries) != want {
				return false
			}

			// Order-preserving: walking summaries in order must reproduce
			// each set's own tool order without interleaving across sets.
			i := 0
			for _, ts := range sets {
				for _, tool := range ts.Tools() {
					if summaries[i].Namespace != ts.Name || summaries[i].Name != tool.Name {
						return false
					}
					i++
				}
			}
			return true
		},
		genToolSets(),
	))

	properties.TestingRun(t)
}

// TestGetFunctionDetailsIsPermutationRoundTripProperty verifies that
// requesting every (namespace, name) list_functions surfaced, in any
// order, returns exactly that same set of functions back (as a set —
// get_function_details groups by namespace and does not promise to
// preserve request order).
func TestGetFunctionDetailsIsPermutationRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("requesting every known function back by any permutation returns the same set", prop.ForAll(
		func(sets []*tools.ToolSet, seed int64) bool {
			summaries := ListFunctionsSummaries(sets)
			requested := make([]tools.Ident, len(summaries))
			for i, s := range summaries {
				requested[i] = tools.NewIdent(s.Namespace, s.Name)
			}
			shuffled := shuffleIdents(requested, seed)

			_, details := GetFunctionDetails(sets, shuffled)
			if len(details) != len(summaries) {
				return false
			}

			want := map[string]bool{}
			for _, s := range summaries {
				want[s.Namespace+"."+s.Name] = true
			}
			got := map[string]bool{}
			for _, d := range details {
				got[d.Namespace+"."+d.Name] = true
			}
			if len(want) != len(got) {
				return false
			}
			for k := range want {
				if !got[k] {
					return false
				}
			}
			return true
		},
		genToolSets(),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

// shuffleIdents performs a deterministic Fisher-Yates shuffle keyed on
// seed, avoiding math/rand's global state so the property stays
// reproducible across runs of the same seed gopter supplies.
func shuffleIdents(in []tools.Ident, seed int64) []tools.Ident {
	out := append([]tools.Ident(nil), in...)
	state := uint64(seed) | 1
	for i := len(out) - 1; i > 0; i-- {
		state = state*6364136223846793005 + 1442695040888963407
		j := int(state % uint64(i+1))
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// TestRenderInputIdempotenceAcrossShapesProperty verifies that rendering
// the same schema twice always yields byte-identical TypeSpecs, across a
// range of randomly generated flat object schemas — idempotence is
// required for get_function_details' re-render-on-every-request contract.
func TestRenderInputIdempotenceAcrossShapesProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	primitiveTypes := []string{"string", "number", "boolean"}

	properties.Property("rendering the same schema twice yields identical output", prop.ForAll(
		func(fieldNames []string, typeIdx []int) bool {
			schema := buildFlatObjectSchema(fieldNames, typeIdx, primitiveTypes)
			if schema == nil {
				return true // no usable fields generated this draw
			}
			spec1, err1 := RenderInput(schema, "shape")
			spec2, err2 := RenderInput(schema, "shape")
			if (err1 == nil) != (err2 == nil) {
				return false
			}
			if err1 != nil {
				return true // both failed identically on a degenerate draw
			}
			return spec1.Expr == spec2.Expr &&
				fmt.Sprint(spec1.SupportingDecls) == fmt.Sprint(spec2.SupportingDecls)
		},
		gen.SliceOfN(4, gen.Identifier()),
		gen.SliceOfN(4, gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}

func buildFlatObjectSchema(fieldNames []string, typeIdx []int, primitiveTypes []string) []byte {
	seen := map[string]bool{}
	props := ""
	n := len(fieldNames)
	if len(typeIdx) < n {
		n = len(typeIdx)
	}
	count := 0
	for i := 0; i < n; i++ {
		name := fieldNames[i]
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if count > 0 {
			props += ","
		}
		props += fmt.Sprintf(`"%s":{"type":"%s"}`, name, primitiveTypes[typeIdx[i]])
		count++
	}
	if count == 0 {
		return nil
	}
	return []byte(fmt.Sprintf(`{"type":"object","properties":{%s}}`, props))
}
