package sandbox

import (
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// transpileTS erases TypeScript syntax from source, preserving source
// positions closely enough that runtime stack frames still point near the
// original lines. No bundling: generated module text references only
// globals the sandbox registers, never import statements.
func transpileTS(source string) (string, error) {
	result := api.Transform(source, api.TransformOptions{
		Loader:   api.LoaderTS,
		Target:   api.ES2020,
		LogLevel: api.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		msgs := make([]string, len(result.Errors))
		for i, e := range result.Errors {
			msgs[i] = e.Text
		}
		return "", fmt.Errorf("%s", strings.Join(msgs, "; "))
	}
	return string(result.Code), nil
}
