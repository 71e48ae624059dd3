// Package policy implements the determinism allow/forbid classifier (C1):
// a small set of node builtins a workflow module is permitted to import
// (redirected to safe runtime-provided overrides), and everything else
// partitioned into forbidden or neutral.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentic-run/wfbundle/pkg/logger"
)

var log = logger.New("bundle:policy")

// runtimeBuiltins is the full set of Node.js builtin module names this
// bundler is aware of. Anything in this set that is not in AllowedBuiltins
// becomes forbidden by construction (spec: forbidden = builtins \ allowed).
var runtimeBuiltins = []string{
	"assert", "async_hooks", "buffer", "child_process", "cluster", "constants",
	"crypto", "dgram", "diagnostics_channel", "dns", "domain", "events", "fs",
	"http", "http2", "https", "inspector", "module", "net", "os", "path",
	"perf_hooks", "process", "punycode", "querystring", "readline", "repl",
	"stream", "string_decoder", "sys", "timers", "tls", "trace_events", "tty",
	"url", "util", "v8", "vm", "wasi", "worker_threads", "zlib",
}

// explicitForbiddenPackages is the closed set of non-builtin npm packages
// known to break deterministic replay (wall-clock time, randomness, or
// network I/O baked into their default export).
var explicitForbiddenPackages = []string{
	"node-fetch", "axios", "got", "uuid", "nanoid", "ioredis", "pg", "mysql2",
	"ws", "undici",
}

// defaultAllowedBuiltins is the closed allow-set: builtins whose surface is
// pure enough (or for which the runtime peer ships a deterministic shim)
// to be safe inside workflow code.
var defaultAllowedBuiltins = []string{"assert", "url", "util"}

// Policy is the loaded, immutable determinism classification for one process.
type Policy struct {
	allowed     map[string]struct{}
	forbidden   map[string]struct{}
	builtins    map[string]struct{}
	overrideDir string
}

var (
	loadOnce   sync.Once
	loaded     *Policy
	loadErr    error
)

// Load returns the process-lifetime Policy, computing it on first call.
// It attempts to source the allow-set from the installed runtime peer
// (peerAllowedBuiltins) and falls back to the bundled default set if that
// peer cannot be located. overrideDir is taken from the first call only;
// later calls return that same Policy whatever they pass.
func Load(overrideDir string) (*Policy, error) {
	loadOnce.Do(func() {
		allowed := peerAllowedBuiltins()
		if allowed == nil {
			log.Print("runtime peer override table not found, falling back to bundled default policy")
			allowed = defaultAllowedBuiltins
		}
		loaded, loadErr = newPolicy(allowed, overrideDir)
	})
	return loaded, loadErr
}

// New builds a Policy directly from an explicit allow-set, bypassing the
// peer-detection Load() path. Used by callers (and tests) that want to pin
// the policy rather than rely on process-lifetime caching.
func New(allowedBuiltins []string, overrideDir string) (*Policy, error) {
	return newPolicy(allowedBuiltins, overrideDir)
}

func newPolicy(allowedBuiltins []string, overrideDir string) (*Policy, error) {
	allowed := make(map[string]struct{}, len(allowedBuiltins))
	for _, a := range allowedBuiltins {
		allowed[Normalize(a)] = struct{}{}
	}

	forbidden := make(map[string]struct{})
	for _, b := range runtimeBuiltins {
		n := Normalize(b)
		if _, ok := allowed[n]; !ok {
			forbidden[n] = struct{}{}
		}
	}
	for _, p := range explicitForbiddenPackages {
		forbidden[Normalize(p)] = struct{}{}
	}

	builtins := make(map[string]struct{}, len(runtimeBuiltins))
	for _, b := range runtimeBuiltins {
		builtins[Normalize(b)] = struct{}{}
	}

	log.Printf("loaded policy: %d allowed builtins, %d forbidden entries", len(allowed), len(forbidden))
	return &Policy{allowed: allowed, forbidden: forbidden, builtins: builtins, overrideDir: overrideDir}, nil
}

// peerAllowedBuiltins simulates probing an installed runtime peer package
// for its own allow-list. Real deployments resolve a JS module to read
// this from; since the core never executes user/peer JS, this hook exists
// so the "attempt peer, else bundled default" contract in spec.md §4.1 has
// a concrete seam, and always reports absent — falling through to
// defaultAllowedBuiltins — which is the documented fallback path.
func peerAllowedBuiltins() []string {
	return nil
}

// Normalize strips the optional "node:" scheme prefix. Idempotent:
// Normalize(Normalize(x)) == Normalize(x) for all x.
func Normalize(specifier string) string {
	return strings.TrimPrefix(specifier, "node:")
}

// matches reports whether normalized specifier s is in set, either exactly,
// as a subpath (m + "/"), or — for scoped packages — at the two-segment
// @scope/pkg prefix.
func matches(s string, set map[string]struct{}) bool {
	if _, ok := set[s]; ok {
		return true
	}
	for m := range set {
		if strings.HasPrefix(s, m+"/") {
			return true
		}
	}
	if strings.HasPrefix(s, "@") {
		parts := strings.SplitN(s, "/", 3)
		if len(parts) >= 2 {
			scopedPkg := parts[0] + "/" + parts[1]
			if _, ok := set[scopedPkg]; ok {
				return true
			}
		}
	}
	return false
}

// IsAllowedBuiltin reports whether specifier normalizes to (or is a subpath
// of) an entry in the allow-set.
func (p *Policy) IsAllowedBuiltin(specifier string) bool {
	return matches(Normalize(specifier), p.allowed)
}

// IsKnownBuiltin reports whether specifier is a runtime builtin at all,
// regardless of whether that builtin is allowed or forbidden. The Resolver
// Plugin uses this to pick between its builtin-filter dispatch step and its
// general catch-all for non-builtin specifiers.
func (p *Policy) IsKnownBuiltin(specifier string) bool {
	return matches(Normalize(specifier), p.builtins)
}

// IsForbidden reports whether specifier matches the forbidden set. Because
// Normalize is idempotent and matching is always performed against the
// normalized form, IsForbidden(s) == IsForbidden(Normalize(s)).
func (p *Policy) IsForbidden(specifier string) bool {
	return matches(Normalize(specifier), p.forbidden)
}

// ModuleOverridePath returns overrideDir/<base>.js, the on-disk stub path
// for an allowed builtin (a relative <base>.js when no override directory
// is configured). It fails if specifier is not in the allow-set.
func (p *Policy) ModuleOverridePath(specifier string) (string, error) {
	base := Normalize(specifier)
	if idx := strings.Index(base, "/"); idx != -1 {
		base = base[:idx]
	}
	if !p.IsAllowedBuiltin(base) {
		return "", fmt.Errorf("policy: %q is not an allowed builtin, no override path", specifier)
	}
	dir := p.overrideDir
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, base+".js"), nil
}

// builtinStubSources are the bundled fallback implementations for the
// default allow-set, used whenever no on-disk override directory is
// configured (or the configured directory has no matching file). Each
// stub avoids wall-clock time, randomness, and I/O so it never threatens
// determinism on its own.
var builtinStubSources = map[string]string{
	"assert": assertStubSource,
	"url":    urlStubSource,
	"util":   utilStubSource,
}

// OverrideSource returns the JS module text to serve for an allowed
// builtin, preferring a real file at ModuleOverridePath when overrideDir
// is configured and that file exists, and falling back to the bundled
// stub otherwise. The Resolver Plugin loads this into the virtual
// override namespace rather than handing esbuild a bare on-disk path.
func (p *Policy) OverrideSource(specifier string) (string, error) {
	base := Normalize(specifier)
	if idx := strings.Index(base, "/"); idx != -1 {
		base = base[:idx]
	}
	if !p.IsAllowedBuiltin(base) {
		return "", fmt.Errorf("policy: %q is not an allowed builtin, no override source", specifier)
	}
	if p.overrideDir != "" {
		path, err := p.ModuleOverridePath(base)
		if err == nil {
			if data, ferr := os.ReadFile(path); ferr == nil {
				return string(data), nil
			}
		}
	}
	src, ok := builtinStubSources[base]
	if !ok {
		return "", fmt.Errorf("policy: %q has no bundled override stub", specifier)
	}
	return src, nil
}

// AllowedBuiltins returns a sorted snapshot of the allow-set, for emitting
// deterministic diagnostics and tests.
func (p *Policy) AllowedBuiltins() []string {
	return sortedKeys(p.allowed)
}

// ForbiddenEntries returns a sorted snapshot of the forbidden set.
func (p *Policy) ForbiddenEntries() []string {
	return sortedKeys(p.forbidden)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	// simple insertion sort keeps this dependency-free and is plenty fast
	// for the small (<100 entry) sets this package deals with.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

const assertStubSource = `'use strict';
function assert(value, message) {
  if (!value) {
    throw new Error(message || 'Assertion failed');
  }
}
assert.ok = assert;
assert.equal = function (a, b, message) {
  if (a !== b) {
    throw new Error(message || 'Expected ' + a + ' to equal ' + b);
  }
};
assert.strictEqual = assert.equal;
assert.notEqual = function (a, b, message) {
  if (a === b) {
    throw new Error(message || 'Expected ' + a + ' to not equal ' + b);
  }
};
assert.deepStrictEqual = function (a, b, message) {
  if (JSON.stringify(a) !== JSON.stringify(b)) {
    throw new Error(message || 'Expected values to be deeply equal');
  }
};
assert.throws = function (fn, message) {
  try {
    fn();
  } catch (e) {
    return;
  }
  throw new Error(message || 'Expected function to throw');
};
module.exports = assert;
module.exports.default = assert;
`

const urlStubSource = `'use strict';
module.exports = {
  URL: typeof URL !== 'undefined' ? URL : undefined,
  URLSearchParams: typeof URLSearchParams !== 'undefined' ? URLSearchParams : undefined,
  domainToASCII: function (domain) { return domain; },
  domainToUnicode: function (domain) { return domain; },
  fileURLToPath: function (url) { return String(url).replace(/^file:\/\//, ''); },
  pathToFileURL: function (path) { return new URL('file://' + path); },
};
`

const utilStubSource = `'use strict';
function format(fmt) {
  var args = Array.prototype.slice.call(arguments, 1);
  var i = 0;
  var str = String(fmt).replace(/%[sdj%]/g, function (match) {
    if (match === '%%') return '%';
    if (i >= args.length) return match;
    var arg = args[i++];
    switch (match) {
      case '%s': return String(arg);
      case '%d': return Number(arg).toString();
      case '%j':
        try { return JSON.stringify(arg); } catch (e) { return '[Circular]'; }
      default: return match;
    }
  });
  for (; i < args.length; i++) {
    str += ' ' + String(args[i]);
  }
  return str;
}
module.exports = {
  format: format,
  inspect: function (obj) {
    try { return JSON.stringify(obj); } catch (e) { return String(obj); }
  },
  isArray: Array.isArray,
  isBoolean: function (v) { return typeof v === 'boolean'; },
  isNull: function (v) { return v === null; },
  isNullOrUndefined: function (v) { return v === null || v === undefined; },
  isNumber: function (v) { return typeof v === 'number'; },
  isString: function (v) { return typeof v === 'string'; },
  isUndefined: function (v) { return v === undefined; },
  deprecate: function (fn) { return fn; },
  promisify: function (fn) {
    return function () {
      var args = Array.prototype.slice.call(arguments);
      return new Promise(function (resolve, reject) {
        fn.apply(null, args.concat([function (err, result) {
          if (err) reject(err); else resolve(result);
        }]));
      });
    };
  },
};
`
