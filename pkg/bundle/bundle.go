package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/google/uuid"

	"github.com/agentic-run/wfbundle/pkg/bundleerrors"
	"github.com/agentic-run/wfbundle/pkg/depgraph"
	"github.com/agentic-run/wfbundle/pkg/entrypoint"
	"github.com/agentic-run/wfbundle/pkg/logger"
	"github.com/agentic-run/wfbundle/pkg/policy"
	"github.com/agentic-run/wfbundle/pkg/resolver"
	"github.com/agentic-run/wfbundle/pkg/runtimeresolve"
	"github.com/agentic-run/wfbundle/pkg/safety"
	"github.com/agentic-run/wfbundle/pkg/shim"
)

var log = logger.New("bundle:orchestrator")

const bundlerVersion = "esbuild-api"
const sdkVersion = "1.0.0"

// Diagnostic is a non-fatal, line/column-addressed finding surfaced
// alongside a successful build: SPEC_FULL.md §3's WorkflowBundle.Diagnostics
// addition, populated by the Static Replay-Safety Scanner and the
// Cross-Runtime Resolver's alternate-runtime API scan. Dynamic imports are
// never diagnostics: they always fail the build.
type Diagnostic struct {
	File     string
	Line     int
	Column   int
	Severity string
	Message  string
}

// BundleMetadata mirrors spec.md §3's metadata shape, plus the
// SPEC_FULL.md §3 BuildDurationMS addition.
type BundleMetadata struct {
	CreatedAt       string
	Mode            Mode
	EntryHash       string
	BundlerVersion  string
	SDKVersion      string
	Externals       []string
	Warnings        []string
	BuildDurationMS int64
}

// WorkflowBundle mirrors spec.md §3.
type WorkflowBundle struct {
	Code        string
	SourceMap   string
	Metadata    BundleMetadata
	Diagnostics []Diagnostic
}

// buildClock is overridable in tests; never hashed into entry_hash or
// composite_hash, only embedded in metadata, which VerifyDeterministicBuild
// never hashes (it compares Code only).
var buildClock = func() time.Time { return time.Now().UTC() }

// bundleWorkflowCode implements the eleven-step pipeline of spec.md §4.7.
// It is unexported; BundleWorkflowCode (below) is the public entry point
// that also enforces option validation before the pipeline runs.
func bundleWorkflowCode(opts BundleOptions) (WorkflowBundle, error) {
	started := buildClock()
	opts = opts.withDefaults()
	buildID := uuid.New().String()
	log.Printf("[%s] starting build for %s", buildID, opts.WorkflowsPath)

	// Step 1: validate input path exists.
	if _, err := os.Stat(opts.WorkflowsPath); err != nil {
		return WorkflowBundle{}, bundleerrors.NewEntrypointNotFound(opts.WorkflowsPath)
	}

	// Step 2: emit entrypoint source.
	req := entrypoint.Request{
		WorkflowsPath:        opts.WorkflowsPath,
		InterceptorModules:   opts.InterceptorModules,
		PayloadConverterPath: opts.PayloadConverterPath,
		FailureConverterPath: opts.FailureConverterPath,
	}
	entrySource := entrypoint.Generate(req)
	entrySource = prependPrelude(entrySource, opts.PreludeModules)

	// Step 3: load policy. The process-wide policy is cached without an
	// override directory; a build with BuiltinOverrideDir gets its own
	// Policy over the same allow-set.
	pol, err := policy.Load("")
	if err == nil && opts.BuiltinOverrideDir != "" {
		pol, err = policy.New(pol.AllowedBuiltins(), opts.BuiltinOverrideDir)
	}
	if err != nil {
		return WorkflowBundle{}, bundleerrors.NewBuildFailed(fmt.Errorf("loading determinism policy: %w", err))
	}

	// Step 4: construct Resolver Plugin + Cross-Runtime plugin.
	state := resolver.NewPluginState()
	resolverPlugin := resolver.NewPlugin(resolver.Options{
		Policy:                pol,
		IgnoreModules:         opts.IgnoreModules,
		PayloadConverterPath:  opts.PayloadConverterPath,
		FailureConverterPath:  opts.FailureConverterPath,
		ObservabilityStubPath: opts.ObservabilityStubPath,
		ObservabilityImplPath: opts.ObservabilityImplPath,
	}, state)

	flavor := runtimeresolve.ResolveFlavor(opts.Flavor, opts.WorkflowsPath)
	importMap, err := loadImportMap(opts)
	if err != nil {
		return WorkflowBundle{}, err
	}
	crossRuntimePlugin, urlCapture := newCrossRuntimePlugin(runtimeresolve.Options{
		Flavor:            flavor,
		Map:               importMap,
		AllowURLImports:   opts.AllowURLImports,
		RequirePinnedURLs: opts.RequirePinnedURLs,
		URLCacheDir:       opts.URLCacheDir,
	})

	resolveDir := filepath.Dir(opts.WorkflowsPath)

	// Step 5: invoke the underlying bundler with the virtual entry source.
	result := api.Build(api.BuildOptions{
		Stdin: &api.StdinOptions{
			Contents:   entrySource,
			ResolveDir: resolveDir,
			Loader:     api.LoaderJS,
			Sourcefile: "wfbundle-entry.js",
		},
		Bundle:            true,
		Write:             false,
		Format:            api.FormatCommonJS,
		Platform:          api.PlatformNeutral,
		Target:            api.ES2020,
		LogLevel:          api.LogLevelSilent,
		Metafile:          true,
		External:          []string{entrypoint.WorkerInterfaceSpecifier()},
		MinifyIdentifiers: false,
		MinifyWhitespace:  opts.Mode == ModeProduction,
		MinifySyntax:      opts.Mode == ModeProduction,
		TreeShaking:       treeShakingSetting(opts),
		Sourcemap:         sourcemapSetting(opts.SourceMap),
		Plugins:           []api.Plugin{resolverPlugin, crossRuntimePlugin},
	})

	// Step 6: on bundler failure, wrap as BUILD_FAILED.
	if len(result.Errors) > 0 {
		return WorkflowBundle{}, bundleerrors.NewBuildFailed(fmt.Errorf("%s", formatBuildErrors(result.Errors)))
	}
	if len(result.OutputFiles) == 0 {
		return WorkflowBundle{}, bundleerrors.NewBuildFailed(fmt.Errorf("underlying bundler produced no output"))
	}

	// Step 7: inspect dynamic_imports.
	if len(state.DynamicImports) > 0 {
		return WorkflowBundle{}, bundleerrors.NewDynamicImport(state.DynamicImports)
	}

	// Step 8: inspect forbidden_direct; compute chains via the
	// Dependency-Chain Analyzer using the bundler's metafile.
	if len(state.ForbiddenDirect) > 0 {
		return WorkflowBundle{}, forbiddenModulesError(result.Metafile, state)
	}

	preShim, sourceMapBytes := splitOutputFiles(result.OutputFiles)

	// Step 9: apply shim, validate.
	wrapped := shim.Wrap(preShim)
	if err := shim.Validate(wrapped); err != nil {
		return WorkflowBundle{}, bundleerrors.NewBuildFailed(fmt.Errorf("shim validation: %w", err))
	}

	diagnostics := collectDiagnostics(opts.WorkflowsPath, flavor)
	warnings := mergeDiagnosticWarnings(collectWarnings(result.Warnings, state), diagnostics)

	// Step 10: build metadata. Externals combines the underlying bundler's
	// own external list with any URL imports the Cross-Runtime Resolver
	// fetched and cached during this build, per spec.md §3's Externals
	// field covering "every module resolved outside the bundle".
	meta := BundleMetadata{
		CreatedAt:       started.Format(time.RFC3339),
		Mode:            opts.Mode,
		EntryHash:       req.EntryHash(),
		BundlerVersion:  bundlerVersion,
		SDKVersion:      sdkVersion,
		Externals:       mergeSortedUnique(sortedExternals(result.Metafile), sortedMapKeys(urlCapture)),
		Warnings:        warnings,
		BuildDurationMS: buildClock().Sub(started).Milliseconds(),
	}

	log.Printf("[%s] built %s: %d bytes, entry_hash=%s, %d warning(s), %d diagnostic(s)",
		buildID, opts.WorkflowsPath, len(wrapped), meta.EntryHash, len(warnings), len(diagnostics))

	// Step 11: return bundle.
	return WorkflowBundle{
		Code:        wrapped,
		SourceMap:   sourceMapBytes,
		Metadata:    meta,
		Diagnostics: diagnostics,
	}, nil
}

// BundleWorkflowCode is the main programmatic entry point (spec.md §6):
// bundle_workflow_code(BundleOptions) -> WorkflowBundle. Enforces the
// hard-override table before the pipeline runs.
func BundleWorkflowCode(opts BundleOptions) (WorkflowBundle, error) {
	if err := opts.validate(); err != nil {
		return WorkflowBundle{}, err
	}
	return bundleWorkflowCode(opts)
}

func treeShakingSetting(opts BundleOptions) api.TreeShaking {
	// Tree-shaking defaults to true but never relaxes name preservation
	// for the entry's exported workflows: MinifyIdentifiers stays false
	// regardless, per spec.md §4.7.
	if opts.TreeShaking != nil && !*opts.TreeShaking {
		return api.TreeShakingFalse
	}
	return api.TreeShakingTrue
}

func sourcemapSetting(mode SourceMapMode) api.SourceMap {
	switch mode {
	case SourceMapInline:
		return api.SourceMapInline
	case SourceMapExternal:
		return api.SourceMapExternal
	default:
		return api.SourceMapNone
	}
}

func prependPrelude(entrySource string, modules []string) string {
	if len(modules) == 0 {
		return entrySource
	}
	var b strings.Builder
	for _, m := range modules {
		fmt.Fprintf(&b, "require(%s);\n", jsStringLiteral(m))
	}
	b.WriteString(entrySource)
	return b.String()
}

func jsStringLiteral(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

func loadImportMap(opts BundleOptions) (*runtimeresolve.ImportMap, error) {
	if opts.ImportMapPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(opts.ImportMapPath)
	if err != nil {
		return nil, bundleerrors.NewConfigInvalid("import_map_path", fmt.Sprintf("reading %s: %v", opts.ImportMapPath, err))
	}
	m, err := runtimeresolve.ParseImportMap(data, filepath.Dir(opts.ImportMapPath))
	if err != nil {
		return nil, bundleerrors.NewConfigInvalid("import_map_path", err.Error())
	}
	return m, nil
}

// newCrossRuntimePlugin builds the Cross-Runtime Resolver as an esbuild
// plugin composing alongside the Resolver Plugin. It returns a capture of
// every URL import's content type observed during the build; the
// Orchestrator folds the capture's keys into WorkflowBundle.Metadata.Externals
// alongside the underlying bundler's own external list.
func newCrossRuntimePlugin(opts runtimeresolve.Options) (api.Plugin, map[string]string) {
	capture := make(map[string]string)
	plugin := api.Plugin{
		Name: "wfbundle-cross-runtime",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: ".*"},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					res := runtimeresolve.Rewrite(opts, args.Path)
					if res.Skip {
						return api.OnResolveResult{}, nil
					}
					if res.Err != nil {
						return api.OnResolveResult{}, res.Err
					}
					return api.OnResolveResult{Namespace: res.Namespace, Path: res.Path}, nil
				})
			build.OnLoad(api.OnLoadOptions{Filter: ".*", Namespace: runtimeresolve.NamespaceURLImport},
				func(args api.OnLoadArgs) (api.OnLoadResult, error) {
					content, contentType, err := runtimeresolve.FetchAndCache(opts, args.Path)
					if err != nil {
						return api.OnLoadResult{}, err
					}
					capture[args.Path] = contentType
					contents := string(content)
					loader := runtimeresolve.LoaderForCachedImport(args.Path, contentType)
					return api.OnLoadResult{Contents: &contents, Loader: loader}, nil
				})
		},
	}
	return plugin, capture
}

func formatBuildErrors(errs []api.Message) string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		if e.Location != nil {
			parts[i] = fmt.Sprintf("%s:%d:%d: %s", e.Location.File, e.Location.Line, e.Location.Column, e.Text)
		} else {
			parts[i] = e.Text
		}
	}
	return strings.Join(parts, "; ")
}

func splitOutputFiles(files []api.OutputFile) (code []byte, sourceMap string) {
	for _, f := range files {
		if strings.HasSuffix(f.Path, ".map") {
			sourceMap = string(f.Contents)
			continue
		}
		code = f.Contents
	}
	return code, sourceMap
}

func forbiddenModulesError(metafileJSON string, state *resolver.PluginState) error {
	modules := make([]string, 0, len(state.ForbiddenDirect))
	for m := range state.ForbiddenDirect {
		modules = append(modules, m)
	}
	sort.Strings(modules)

	var chain []string
	mf, err := depgraph.ParseMetafile([]byte(metafileJSON))
	if err == nil {
		if entry, ok := mf.Entrypoint(); ok && len(modules) > 0 {
			if raw := mf.Chain(entry, modules[0]); raw != nil {
				chain = depgraph.FormatChain(raw)
			}
		}
	} else {
		log.Printf("dependency chain unavailable: %v", err)
	}

	berr := bundleerrors.NewForbiddenModules(modules, chain)
	if chain == nil {
		berr.Details = "the dependency chain could not be reconstructed from the underlying bundler's metafile"
	}
	return berr
}

func sortedExternals(metafileJSON string) []string {
	mf, err := depgraph.ParseMetafile([]byte(metafileJSON))
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	for _, in := range mf.Inputs {
		for _, imp := range in.Imports {
			if imp.External {
				seen[imp.Path] = struct{}{}
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func sortedMapKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// mergeSortedUnique unions two already-unsorted-or-sorted string slices
// into one sorted, duplicate-free slice, or nil if both are empty.
func mergeSortedUnique(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// mergeDiagnosticWarnings folds warning-severity scanner findings into the
// metadata.warnings list per spec.md §7: a replay-unsafe pattern that
// doesn't fail the build must still surface somewhere a caller skimming
// warnings alone would see it, not only in Diagnostics.
func mergeDiagnosticWarnings(warnings []string, diagnostics []Diagnostic) []string {
	for _, d := range diagnostics {
		if d.Severity != "warning" {
			continue
		}
		warnings = append(warnings, fmt.Sprintf("%s:%d: %s", d.File, d.Line, d.Message))
	}
	sort.Strings(warnings)
	return warnings
}

// collectWarnings renders the underlying bundler's own warnings plus
// transitive-forbidden hits (non-fatal per spec.md §7) into the sorted
// metadata.warnings list.
func collectWarnings(bundlerWarnings []api.Message, state *resolver.PluginState) []string {
	var out []string
	for _, w := range bundlerWarnings {
		out = append(out, w.Text)
	}
	for m, importer := range state.ForbiddenTransitive {
		out = append(out, fmt.Sprintf("%q is forbidden for deterministic replay but was only reached transitively via %s; treated as a warning", m, importer))
	}
	sort.Strings(out)
	return out
}

// collectDiagnostics runs the Static Replay-Safety Scanner (C10) over the
// workflow source, surfaced as WorkflowBundle.Diagnostics alongside a
// successful build. It never fails the build: findings of every severity
// are returned as Diagnostics, and warning-severity ones are also folded
// into metadata.warnings by mergeDiagnosticWarnings. No BundleOptions field
// turns findings into build errors (see DESIGN.md Open Questions).
func collectDiagnostics(workflowsPath string, flavor runtimeresolve.Flavor) []Diagnostic {
	src, err := os.ReadFile(workflowsPath)
	if err != nil {
		return nil
	}
	var out []Diagnostic
	for _, v := range safety.Scan(workflowsPath, src) {
		out = append(out, Diagnostic{File: v.File, Line: v.Line, Column: v.Column, Severity: v.Severity, Message: v.Message})
	}
	for _, u := range runtimeresolve.ScanForbiddenAPIs(workflowsPath, src, flavor) {
		out = append(out, Diagnostic{
			File:     u.File,
			Line:     u.Line,
			Severity: "warning",
			Message:  fmt.Sprintf("%q is not available under the %s flavor", u.Match, u.Flavor),
		})
	}
	return out
}
