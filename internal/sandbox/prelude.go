package sandbox

import (
	"sync"

	"github.com/dop251/goja"
)

// preludeSource defines the public console surface over the two low-level
// sink functions runModule registers per VM instance (__hostLog/
// __hostWarn must be Go-native since they close over a per-execution
// buffer, but the JS glue that assembles them into `console` is identical
// across every execution, so it is compiled once and cached as bytecode —
// the idiomatic goja substitute for a V8 startup snapshot).
const preludeSource = `
(function() {
  function collect(args) {
    var out = [];
    for (var i = 0; i < args.length; i++) out.push(args[i]);
    return out;
  }
  globalThis.console = Object.freeze({
    log: function() { __hostLog(collect(arguments)); },
    info: function() { __hostLog(collect(arguments)); },
    warn: function() { __hostWarn(collect(arguments)); },
    error: function() { __hostWarn(collect(arguments)); },
  });
})();
`

var (
	preludeOnce     sync.Once
	preludeCompiled *goja.Program
	preludeErr      error
)

// preludeProgram compiles preludeSource once at process lifetime and
// returns the cached *goja.Program every subsequent execute clones a
// fresh goja.Runtime against.
func preludeProgram() *goja.Program {
	preludeOnce.Do(func() {
		preludeCompiled, preludeErr = goja.Compile("prelude.js", preludeSource, false)
	})
	if preludeErr != nil {
		panic(preludeErr) // preludeSource is static and known-good at compile time
	}
	return preludeCompiled
}
