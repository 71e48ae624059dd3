// Package resolver implements the Resolver Plugin (C3): an esbuild plugin
// attached to the underlying bundler's resolve/load hooks that enforces
// determinism policy, redirects allowed builtins to runtime stubs, detects
// dynamic imports, and records forbidden-module hits for the Orchestrator
// to act on after the build completes.
package resolver

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/agentic-run/wfbundle/pkg/bundleerrors"
	"github.com/agentic-run/wfbundle/pkg/entrypoint"
	"github.com/agentic-run/wfbundle/pkg/logger"
	"github.com/agentic-run/wfbundle/pkg/policy"
)

var log = logger.New("bundle:resolver")

// Namespaces assigned by the plugin to short-circuit a path's load step.
const (
	NamespaceIgnored         = "ignored"
	NamespaceTypeOnly        = "type-only"
	NamespaceForbidden       = "forbidden"
	NamespaceConverterStub   = "converter-stub"
	NamespaceBuiltinOverride = "builtin-override"
)

// PluginState is the single mutable record of one build, owned by the
// Orchestrator and handed to the Resolver Plugin by reference. Safe for
// concurrent access since esbuild may invoke hooks from multiple goroutines.
type PluginState struct {
	mu sync.Mutex

	// ForbiddenDirect maps a forbidden specifier to the importer path that
	// referenced it directly from user code (outside node_modules).
	ForbiddenDirect map[string]string
	// ForbiddenTransitive maps a forbidden specifier to the importer path
	// that referenced it from within node_modules; a warning, not fatal.
	ForbiddenTransitive map[string]string
	// DynamicImports records every import(expr) call site found in
	// non-node_modules source during the build.
	DynamicImports []bundleerrors.DynamicImportSite

	importerSourceCache map[string][]byte
}

// NewPluginState returns an empty state scoped to a single build.
func NewPluginState() *PluginState {
	return &PluginState{
		ForbiddenDirect:     make(map[string]string),
		ForbiddenTransitive: make(map[string]string),
		importerSourceCache: make(map[string][]byte),
	}
}

func (s *PluginState) recordForbidden(specifier, importer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if isTransitive(importer) {
		if _, exists := s.ForbiddenTransitive[specifier]; !exists {
			s.ForbiddenTransitive[specifier] = importer
		}
		return
	}
	if _, exists := s.ForbiddenDirect[specifier]; !exists {
		s.ForbiddenDirect[specifier] = importer
	}
}

func (s *PluginState) recordDynamicImport(site bundleerrors.DynamicImportSite) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DynamicImports = append(s.DynamicImports, site)
}

func (s *PluginState) cacheSource(path string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.importerSourceCache[path] = content
}

func (s *PluginState) cachedSource(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.importerSourceCache[path]
	return b, ok
}

// clearSourceCache drops the importer-source cache at build end, per
// spec.md §4.3 step 6. Forbidden-hit and dynamic-import records survive:
// the Orchestrator inspects those after OnEnd fires.
func (s *PluginState) clearSourceCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.importerSourceCache = make(map[string][]byte)
}

func isTransitive(importerPath string) bool {
	return strings.Contains(importerPath, "node_modules")
}

// Options configures one Resolver Plugin instance.
type Options struct {
	Policy *policy.Policy

	// IgnoreModules are specifiers (exact or subpath-matched, same rule as
	// Policy) that should load as an empty-throwing stub instead of being
	// reported as forbidden.
	IgnoreModules []string

	PayloadConverterPath string
	FailureConverterPath string

	// ObservabilityStubPath is the well-known relative specifier the
	// interceptor package imports for its internal observability stub;
	// when the build configures an interceptor implementation,
	// ObservabilityImplPath is substituted for it.
	ObservabilityStubPath string
	ObservabilityImplPath string
}

func ignoredMatch(specifier string, ignoreModules []string) bool {
	norm := policy.Normalize(specifier)
	for _, m := range ignoreModules {
		m = policy.Normalize(m)
		if norm == m || strings.HasPrefix(norm, m+"/") {
			return true
		}
	}
	return false
}

var (
	// importTypeRegex matches `import type X from 'spec'` / `import type {A} from 'spec'`.
	importTypeRegex = regexp.MustCompile(`\bimport\s+type\s+(?:\{[^}]*\}|[\w$*]+(?:\s+as\s+[\w$]+)?)\s+from\s+['"]([^'"]+)['"]`)
	// importInlineTypeRegex matches named imports where every specifier in
	// the clause is individually marked `type`, e.g. `import {type A} from 'spec'`.
	importInlineTypeRegex = regexp.MustCompile(`\bimport\s*\{\s*type\s+[\w$]+(?:\s*,\s*type\s+[\w$]+)*\s*\}\s*from\s+['"]([^'"]+)['"]`)
	// dynamicImportRegex matches the start of an import(expr) call.
	dynamicImportRegex = regexp.MustCompile(`\bimport\s*\(`)
)

// valueImportOrRequireRegex matches any import/require of a specifier that
// is NOT exclusively type-only; used to disqualify a type-only
// classification when the same specifier is also used for its value.
func valueImportOrRequireRegex(specifier string) *regexp.Regexp {
	q := regexp.QuoteMeta(specifier)
	return regexp.MustCompile(
		`require\(\s*['"]` + q + `['"]\s*\)` +
			`|import\s+(?:[\w$*]+\s*,\s*)?(?:\{[^}]*\}|\*\s+as\s+[\w$]+|[\w$]+)\s+from\s+['"]` + q + `['"]`,
	)
}

// isTypeOnlyImport reports whether every static reference to specifier
// inside src is a TypeScript `import type` (or all-inline-`type`) form,
// with no accompanying value import or require() of the same specifier.
// This is a text-based heuristic, not a type-checker: it mirrors the
// regex-scanning approach the rest of this bundler uses for source
// inspection, not a full TS parse.
func isTypeOnlyImport(src []byte, specifier string) bool {
	text := stripComments(string(src))
	q := regexp.QuoteMeta(specifier)
	onlyTypeFrom := regexp.MustCompile(`from\s+['"]` + q + `['"]`)
	if !onlyTypeFrom.MatchString(text) {
		return false
	}

	hasTypeForm := false
	for _, m := range importTypeRegex.FindAllStringSubmatch(text, -1) {
		if m[1] == specifier {
			hasTypeForm = true
		}
	}
	for _, m := range importInlineTypeRegex.FindAllStringSubmatch(text, -1) {
		if m[1] == specifier {
			hasTypeForm = true
		}
	}
	if !hasTypeForm {
		return false
	}

	// Inline-type clauses are removed first so the value-import check does
	// not count `import { type A } from 'spec'` as a value import.
	valueText := importInlineTypeRegex.ReplaceAllString(text, "")
	if valueImportOrRequireRegex(specifier).MatchString(valueText) {
		return false
	}
	return true
}

var (
	lineCommentRegex  = regexp.MustCompile(`//[^\n]*`)
	blockCommentRegex = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

func stripComments(src string) string {
	// Block comments are blanked rather than removed, so the line and column
	// of everything after them stay as in the original source.
	src = blockCommentRegex.ReplaceAllStringFunc(src, func(s string) string {
		b := []byte(s)
		for i := range b {
			if b[i] != '\n' {
				b[i] = ' '
			}
		}
		return string(b)
	})
	src = lineCommentRegex.ReplaceAllString(src, "")
	return src
}

// findDynamicImports scans src for import(expr) occurrences outside
// comments, reporting 1-based line/column for each call site.
func findDynamicImports(file string, src []byte) []bundleerrors.DynamicImportSite {
	clean := stripComments(string(src))
	var sites []bundleerrors.DynamicImportSite
	lines := strings.Split(clean, "\n")
	for i, line := range lines {
		for _, loc := range dynamicImportRegex.FindAllStringIndex(line, -1) {
			sites = append(sites, bundleerrors.DynamicImportSite{
				File:   file,
				Line:   i + 1,
				Column: loc[0] + 1,
			})
		}
	}
	return sites
}

func loaderForPath(path string) api.Loader {
	switch {
	case strings.HasSuffix(path, ".tsx"):
		return api.LoaderTSX
	case strings.HasSuffix(path, ".ts"):
		return api.LoaderTS
	case strings.HasSuffix(path, ".jsx"):
		return api.LoaderJSX
	case strings.HasSuffix(path, ".json"):
		return api.LoaderJSON
	default:
		return api.LoaderJS
	}
}

func ignoredStubSource(specifier string) string {
	return fmt.Sprintf(
		"throw new Error(%s);\n",
		jsonQuote(fmt.Sprintf("%q was ignored during bundling and cannot be used at runtime", specifier)),
	)
}

func forbiddenStubSource(specifier string) string {
	return fmt.Sprintf(
		"throw new Error(%s);\n",
		jsonQuote(fmt.Sprintf("%q would break deterministic workflow replay and cannot be used at runtime", specifier)),
	)
}

func jsonQuote(s string) string {
	// strconv.Quote would also work; this keeps the error-message escaping
	// local and obviously correct for the plain-ASCII strings we build here.
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func converterStubSource() string {
	return "module.exports = { payloadConverter: undefined, failureConverter: undefined };\n"
}

// NewPlugin builds the esbuild plugin implementing spec.md §4.3's dispatch
// order exactly. The resolver never returns an error from a hook: fatal
// decisions are read back from state by the Orchestrator once the build
// completes, per the never-throws-during-hooks invariant.
func NewPlugin(opts Options, state *PluginState) api.Plugin {
	return api.Plugin{
		Name: "wfbundle-resolver",
		Setup: func(build api.PluginBuild) {
			// Step 2: converter aliases, checked before the catch-all so
			// they never fall through to default resolution.
			build.OnResolve(api.OnResolveOptions{Filter: "^" + regexp.QuoteMeta(entrypoint.PayloadConverterSpecifier()) + "$"},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					return resolveConverter(opts.PayloadConverterPath), nil
				})
			build.OnResolve(api.OnResolveOptions{Filter: "^" + regexp.QuoteMeta(entrypoint.FailureConverterSpecifier()) + "$"},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					return resolveConverter(opts.FailureConverterPath), nil
				})

			// Step 3: observability stub swap.
			if opts.ObservabilityStubPath != "" && opts.ObservabilityImplPath != "" {
				build.OnResolve(api.OnResolveOptions{Filter: "^" + regexp.QuoteMeta(opts.ObservabilityStubPath) + "$"},
					func(args api.OnResolveArgs) (api.OnResolveResult, error) {
						log.Printf("swapping observability stub %s -> %s", args.Path, opts.ObservabilityImplPath)
						return build.Resolve(opts.ObservabilityImplPath, api.ResolveOptions{
							ResolveDir: args.ResolveDir,
							Kind:       args.Kind,
						}), nil
					})
			}

			// Steps 1 and 4: builtin filter, then the general catch-all.
			// Both funnel through classify() so the ordering rule (builtin
			// check first, forbidden/ignored/type-only fallthrough second)
			// is expressed once.
			build.OnResolve(api.OnResolveOptions{Filter: ".*"},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					return classify(build, opts, state, args), nil
				})

			build.OnLoad(api.OnLoadOptions{Filter: ".*", Namespace: NamespaceIgnored},
				func(args api.OnLoadArgs) (api.OnLoadResult, error) {
					contents := ignoredStubSource(args.Path)
					loader := api.LoaderJS
					return api.OnLoadResult{Contents: &contents, Loader: loader}, nil
				})
			build.OnLoad(api.OnLoadOptions{Filter: ".*", Namespace: NamespaceForbidden},
				func(args api.OnLoadArgs) (api.OnLoadResult, error) {
					contents := forbiddenStubSource(args.Path)
					loader := api.LoaderJS
					return api.OnLoadResult{Contents: &contents, Loader: loader}, nil
				})
			build.OnLoad(api.OnLoadOptions{Filter: ".*", Namespace: NamespaceTypeOnly},
				func(args api.OnLoadArgs) (api.OnLoadResult, error) {
					contents := "module.exports = {};\n"
					return api.OnLoadResult{Contents: &contents, Loader: api.LoaderJS}, nil
				})
			build.OnLoad(api.OnLoadOptions{Filter: ".*", Namespace: NamespaceConverterStub},
				func(args api.OnLoadArgs) (api.OnLoadResult, error) {
					contents := converterStubSource()
					return api.OnLoadResult{Contents: &contents, Loader: api.LoaderJS}, nil
				})
			build.OnLoad(api.OnLoadOptions{Filter: ".*", Namespace: NamespaceBuiltinOverride},
				func(args api.OnLoadArgs) (api.OnLoadResult, error) {
					contents, err := opts.Policy.OverrideSource(args.Path)
					if err != nil {
						log.Printf("allowed builtin %q has no override source: %v", args.Path, err)
						contents = forbiddenStubSource(args.Path)
					}
					return api.OnLoadResult{Contents: &contents, Loader: api.LoaderJS}, nil
				})

			// Step 5: dynamic-import detection on every non-node_modules load.
			build.OnLoad(api.OnLoadOptions{Filter: `\.(ts|tsx|js|jsx|mjs|cjs)$`},
				func(args api.OnLoadArgs) (api.OnLoadResult, error) {
					if strings.Contains(args.Path, "node_modules") {
						return api.OnLoadResult{}, nil
					}
					content, err := os.ReadFile(args.Path)
					if err != nil {
						return api.OnLoadResult{}, nil
					}
					state.cacheSource(args.Path, content)
					for _, site := range findDynamicImports(args.Path, content) {
						state.recordDynamicImport(site)
					}
					contents := string(content)
					return api.OnLoadResult{Contents: &contents, Loader: loaderForPath(args.Path)}, nil
				})

			// Step 6: on build end, drop the importer-source cache.
			build.OnEnd(func(result *api.BuildResult) (api.OnEndResult, error) {
				state.clearSourceCache()
				return api.OnEndResult{}, nil
			})
		},
	}
}

func resolveConverter(path string) api.OnResolveResult {
	if path != "" {
		return api.OnResolveResult{Path: path}
	}
	return api.OnResolveResult{Namespace: NamespaceConverterStub, Path: "converter-stub"}
}

// classify implements the shared dispatch logic of spec.md §4.3 steps 1 and
// 4: builtin handling first, then ignored/type-only/forbidden fallthrough
// for any other specifier, deferring to default resolution otherwise.
func classify(build api.PluginBuild, opts Options, state *PluginState, args api.OnResolveArgs) api.OnResolveResult {
	specifier := args.Path
	pol := opts.Policy

	if pol.IsKnownBuiltin(specifier) {
		base := policy.Normalize(specifier)
		if idx := strings.Index(base, "/"); idx != -1 {
			base = base[:idx]
		}
		if pol.IsAllowedBuiltin(specifier) {
			return api.OnResolveResult{Namespace: NamespaceBuiltinOverride, Path: base}
		}
		return dispositionForbiddenOrIgnored(opts, state, args, specifier)
	}

	return dispositionForbiddenOrIgnored(opts, state, args, specifier)
}

func dispositionForbiddenOrIgnored(opts Options, state *PluginState, args api.OnResolveArgs, specifier string) api.OnResolveResult {
	if ignoredMatch(specifier, opts.IgnoreModules) {
		return api.OnResolveResult{Namespace: NamespaceIgnored, Path: specifier}
	}

	if opts.Policy.IsForbidden(specifier) {
		if src, ok := state.cachedSource(args.Importer); ok && isTypeOnlyImport(src, specifier) {
			return api.OnResolveResult{Namespace: NamespaceTypeOnly, Path: specifier}
		}
		state.recordForbidden(specifier, args.Importer)
		return api.OnResolveResult{Namespace: NamespaceForbidden, Path: specifier}
	}

	// Not a builtin, not ignored, not forbidden: defer to default resolution.
	return api.OnResolveResult{}
}
