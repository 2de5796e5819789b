package errorkind

import (
	"sort"
	"strings"
)

// RetryReason classifies why a tool/callback call failed in a way the
// caller can act on without re-parsing message text, mirroring the
// teacher's planner.RetryHint reason taxonomy.
type RetryReason string

const (
	// RetryReasonMissingFields indicates required input fields were absent.
	RetryReasonMissingFields RetryReason = "missing_fields"
	// RetryReasonInvalidArguments indicates present fields failed validation.
	RetryReasonInvalidArguments RetryReason = "invalid_arguments"
	// RetryReasonTimeout indicates the call is plausibly retryable as-is.
	RetryReasonTimeout RetryReason = "timeout"
)

// FieldIssue is one structured complaint against a single input field,
// raised by a callback.Func implementation that wants its rejection to
// carry more than a message string.
type FieldIssue struct {
	// Field is the dotted path into the call's input, e.g. "address.zip".
	Field string
	// Missing marks the field absent entirely, rather than present-but-invalid.
	Missing bool
}

// RetryHint enriches a CallbackError with enough structure for a caller to
// retry intelligently instead of resending the identical call: which
// fields were at fault, a human-readable clarifying question, and an
// example input drawn from the tool's declared example, if any.
type RetryHint struct {
	Reason             RetryReason
	Tool               string // namespace.name
	MissingFields      []string
	InvalidFields      []string
	ExampleInput       map[string]any
	ClarifyingQuestion string
}

// BuildRetryHint classifies a set of field issues into a RetryHint,
// mirroring the teacher's buildRetryHintFromIssues: missing-field issues
// win the Reason tie-break over merely-invalid ones, since they are the
// more actionable case for a caller to resolve. Returns nil if issues is
// empty, matching the teacher's "no issues, no hint" short circuit.
func BuildRetryHint(tool string, issues []FieldIssue, exampleInput map[string]any) *RetryHint {
	if len(issues) == 0 {
		return nil
	}

	var missing, invalid []string
	for _, is := range issues {
		if is.Field == "" {
			continue
		}
		if is.Missing {
			missing = append(missing, is.Field)
		} else {
			invalid = append(invalid, is.Field)
		}
	}
	if len(missing) == 0 && len(invalid) == 0 {
		return nil
	}
	missing = uniqueSorted(missing)
	invalid = uniqueSorted(invalid)

	reason := RetryReasonInvalidArguments
	if len(missing) > 0 {
		reason = RetryReasonMissingFields
	}

	return &RetryHint{
		Reason:             reason,
		Tool:               tool,
		MissingFields:      missing,
		InvalidFields:      invalid,
		ExampleInput:       exampleInput,
		ClarifyingQuestion: buildClarifyingQuestion(tool, missing, invalid),
	}
}

// buildClarifyingQuestion renders a templated hint a planner can surface to
// the calling agent verbatim, grounded on the teacher's function of the
// same name in runtime/toolregistry/executor.go.
func buildClarifyingQuestion(tool string, missing, invalid []string) string {
	if len(missing) > 0 {
		return "Calling " + tool + " is missing required input: " + strings.Join(missing, ", ") + ". Please provide " +
			pluralField(len(missing)) + " and retry."
	}
	return "Calling " + tool + " failed validation on: " + strings.Join(invalid, ", ") + ". Please correct " +
		pluralField(len(invalid)) + " and retry."
}

func pluralField(n int) string {
	if n == 1 {
		return "this field"
	}
	return "these fields"
}

func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
