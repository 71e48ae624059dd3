// Package bundle implements the Bundle Orchestrator (C7): the single
// programmatic entry point that ties the Policy Engine, Entrypoint
// Generator, Resolver Plugin, Cross-Runtime Resolver, Output Shim, and
// Dependency-Chain Analyzer together into one bundling pipeline, plus the
// cache-aware and determinism-verification variants of that call.
package bundle

import (
	"fmt"
	"time"

	"github.com/agentic-run/wfbundle/pkg/bundleerrors"
	"github.com/agentic-run/wfbundle/pkg/runtimeresolve"
)

// Mode is the build mode. It is recorded in metadata, and production builds
// also minify whitespace and syntax (identifiers are never minified).
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
)

// SourceMapMode selects how (or whether) a source map is produced.
type SourceMapMode string

const (
	SourceMapInline   SourceMapMode = "inline"
	SourceMapExternal SourceMapMode = "external"
	SourceMapNone     SourceMapMode = "none"
)

// BundleOptions is the full bundling request, per spec.md §3.
type BundleOptions struct {
	WorkflowsPath string

	InterceptorModules   []string
	PayloadConverterPath string
	FailureConverterPath string

	IgnoreModules []string

	// BuiltinOverrideDir, when set, is checked first for a real
	// "<builtin>.js" stub before falling back to the bundler's built-in
	// stub implementations of the allow-set (pkg/policy).
	BuiltinOverrideDir string

	Mode      Mode
	SourceMap SourceMapMode
	// TreeShaking is nil for "use the default" (enabled); explicitly false
	// disables it. Spec.md §4.7: disabling tree-shaking never relaxes name
	// preservation for the entry's exported workflows either way.
	TreeShaking *bool

	Flavor            runtimeresolve.Flavor
	ImportMapPath     string
	AllowURLImports   bool
	RequirePinnedURLs bool
	URLCacheDir       string

	ObservabilityStubPath string
	ObservabilityImplPath string

	// PreludeModules are additional modules force-loaded (via require)
	// before the workflow module, e.g. to register global polyfills.
	// SPEC_FULL.md §3 addition; participates in option_key but never
	// changes policy or resolution semantics.
	PreludeModules []string

	// ForceRebuild and UseContentHash govern the cache-aware call path
	// (get_cached_bundle, spec.md §6); they never affect option_key.
	ForceRebuild   bool
	UseContentHash bool

	// Cache controls (spec.md §3's "cache controls"). Zero CacheMemCapacity,
	// CacheMaxAge and CacheMaxSizeBytes fall back to pkg/cache's defaults;
	// an empty CacheDir makes a fresh temporary directory. The process-wide
	// cache is built from the first cache-aware call's options; later values
	// are ignored.
	CacheDir          string
	CacheMemCapacity  int
	CacheMaxAge       time.Duration
	CacheMaxSizeBytes int64

	// The following are always overridden by the orchestrator's hard table
	// (spec.md §4.7) and exist only so a caller-supplied value can be
	// validated and rejected with CONFIG_INVALID if it contradicts them.
	MinifyIdentifiers *bool
	MangleNames       *bool
	CodeSplitting     *bool
}

// validateHardOverrides is applied after merging file-provided and
// caller-provided options (SPEC_FULL.md §4.11) and rejects caller options
// that contradict the orchestrator's hard overrides: no minification of
// identifiers, no identifier mangling, no code splitting. The single-module
// CommonJS output format has no option to reject; bundleWorkflowCode fixes
// it in the build call. A caller that explicitly asked for the opposite
// gets CONFIG_INVALID rather than a silently ignored request.
func validateHardOverrides(o BundleOptions) error {
	if o.MinifyIdentifiers != nil && *o.MinifyIdentifiers {
		return bundleerrors.NewConfigInvalid("minify_identifiers",
			"identifier minification is disabled to keep workflow function names stable across replay")
	}
	if o.MangleNames != nil && *o.MangleNames {
		return bundleerrors.NewConfigInvalid("mangle_names",
			"name mangling is disabled to keep workflow function names stable across replay")
	}
	if o.CodeSplitting != nil && *o.CodeSplitting {
		return bundleerrors.NewConfigInvalid("code_splitting",
			"output is fixed to a single self-contained module; code splitting cannot be enabled")
	}
	return nil
}

func (o BundleOptions) withDefaults() BundleOptions {
	if o.Mode == "" {
		o.Mode = ModeDevelopment
	}
	if o.SourceMap == "" {
		o.SourceMap = SourceMapNone
	}
	if o.Flavor == "" {
		o.Flavor = runtimeresolve.FlavorAuto
	}
	return o
}

func (o BundleOptions) validate() error {
	if o.WorkflowsPath == "" {
		return fmt.Errorf("bundle: WorkflowsPath is required")
	}
	o = o.withDefaults()
	switch o.SourceMap {
	case SourceMapInline, SourceMapExternal, SourceMapNone:
	default:
		return bundleerrors.NewConfigInvalid("source_map", fmt.Sprintf("unknown source_map mode %q", o.SourceMap))
	}
	switch o.Mode {
	case ModeDevelopment, ModeProduction:
	default:
		return bundleerrors.NewConfigInvalid("mode", fmt.Sprintf("unknown mode %q", o.Mode))
	}
	return validateHardOverrides(o)
}
