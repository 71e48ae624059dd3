// Package bundleerrors implements the wire error taxonomy for the workflow
// bundler: a small closed set of codes, each carrying enough structured
// context for a caller to act on it, and a human-readable rendering for
// terminals and logs.
package bundleerrors

import (
	"fmt"
	"strings"
)

// Code is one of the fatal error classifications a build can fail with.
type Code string

const (
	CodeForbiddenModules   Code = "FORBIDDEN_MODULES"
	CodeDynamicImport      Code = "DYNAMIC_IMPORT"
	CodeResolutionFailed   Code = "RESOLUTION_FAILED"
	CodeIgnoredModuleUsed  Code = "IGNORED_MODULE_USED"
	CodeConfigInvalid      Code = "CONFIG_INVALID"
	CodeBuildFailed        Code = "BUILD_FAILED"
	CodeEntrypointNotFound Code = "ENTRYPOINT_NOT_FOUND"
)

// userFixable reports whether a code represents a caller-actionable
// configuration or source problem, versus build infrastructure failure.
func (c Code) userFixable() bool {
	switch c {
	case CodeForbiddenModules, CodeDynamicImport, CodeConfigInvalid, CodeEntrypointNotFound, CodeIgnoredModuleUsed:
		return true
	default:
		return false
	}
}

// DynamicImportSite is a single import(expr) call site found in user source.
type DynamicImportSite struct {
	File   string
	Line   int
	Column int
}

// Violation is a single replay-safety finding from the static scanner.
type Violation struct {
	File     string
	Line     int
	Column   int
	Severity string // "error" | "warning"
	Message  string
	Source   string
}

// BuildError is the structured, fatal error a build step raises. It is
// always constructed via one of the New* helpers below so every instance
// carries a code and an actionable hint.
type BuildError struct {
	Code    Code
	Message string
	Hint    string

	Modules         []string
	DependencyChain []string
	Violations      []Violation
	DynamicImports  []DynamicImportSite
	Details         string

	Cause error
}

// Error implements the error interface with the teacher's sectioned,
// glyph-prefixed rendering: a headline, then only the sections that are
// populated.
func (e *BuildError) Error() string {
	var b strings.Builder

	glyph := "❌"
	if !e.Code.userFixable() {
		glyph = "⚠️ "
	}
	fmt.Fprintf(&b, "%s [%s] %s", glyph, e.Code, e.Message)

	if len(e.Modules) > 0 {
		fmt.Fprintf(&b, "\n\n📦 Modules: %s", strings.Join(e.Modules, ", "))
	}
	if len(e.DependencyChain) > 0 {
		fmt.Fprintf(&b, "\n\n🔗 Dependency chain: %s", strings.Join(e.DependencyChain, " -> "))
	}
	if len(e.DynamicImports) > 0 {
		var sites []string
		for _, s := range e.DynamicImports {
			sites = append(sites, fmt.Sprintf("%s:%d:%d", s.File, s.Line, s.Column))
		}
		fmt.Fprintf(&b, "\n\n📍 Dynamic import sites: %s", strings.Join(sites, ", "))
	}
	if len(e.Violations) > 0 {
		for _, v := range e.Violations {
			fmt.Fprintf(&b, "\n\n  %s:%d:%d: %s: %s", v.File, v.Line, v.Column, v.Severity, v.Message)
		}
	}
	if e.Details != "" {
		fmt.Fprintf(&b, "\n\n📝 Details: %s", e.Details)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, "\n\n⚠️  Underlying error: %v", e.Cause)
	}
	if e.Hint != "" {
		fmt.Fprintf(&b, "\n\n💡 How to fix: %s", e.Hint)
	}

	return b.String()
}

// Unwrap exposes the underlying infrastructure error, if any, for errors.Is/As.
func (e *BuildError) Unwrap() error {
	return e.Cause
}

// NewForbiddenModules builds a FORBIDDEN_MODULES error. modules and chain
// should already be sorted by the caller (Orchestrator sorts before raising,
// per the determinism requirement that serialized sets are sorted).
func NewForbiddenModules(modules []string, chain []string) *BuildError {
	return &BuildError{
		Code:            CodeForbiddenModules,
		Message:         fmt.Sprintf("%d module(s) used in the workflow would break deterministic replay", len(modules)),
		Modules:         modules,
		DependencyChain: chain,
		Hint:            "Remove the import, or add the module to ignore_modules if the code path is dead at runtime.",
	}
}

// NewDynamicImport builds a DYNAMIC_IMPORT error for one or more call sites.
func NewDynamicImport(sites []DynamicImportSite) *BuildError {
	return &BuildError{
		Code:           CodeDynamicImport,
		Message:        "dynamic import() calls are not permitted in workflow code",
		DynamicImports: sites,
		Hint:           "Replace import(expr) with a static import, or move the dynamic load outside workflow code (e.g. into an activity).",
	}
}

// NewResolutionFailed builds a RESOLUTION_FAILED error for a specifier that
// the underlying bundler could not resolve.
func NewResolutionFailed(specifier, importer string, cause error) *BuildError {
	return &BuildError{
		Code:    CodeResolutionFailed,
		Message: fmt.Sprintf("could not resolve %q", specifier),
		Details: fmt.Sprintf("imported from %s", importer),
		Cause:   cause,
		Hint:    "Check the import path, or that the dependency is installed.",
	}
}

// NewIgnoredModuleUsed builds the runtime-only IGNORED_MODULE_USED error
// thrown by an ignored-module stub when it is actually invoked.
func NewIgnoredModuleUsed(module string) *BuildError {
	return &BuildError{
		Code:    CodeIgnoredModuleUsed,
		Message: fmt.Sprintf("%q was ignored during bundling and cannot be used at runtime", module),
		Modules: []string{module},
		Hint:    "Remove ignore_modules for this specifier if the code path is actually reachable.",
	}
}

// NewConfigInvalid builds a CONFIG_INVALID error for a rejected BundleOptions override.
func NewConfigInvalid(field, reason string) *BuildError {
	return &BuildError{
		Code:    CodeConfigInvalid,
		Message: fmt.Sprintf("invalid option %q", field),
		Details: reason,
		Hint:    "This option is enforced by the orchestrator and cannot be overridden; remove it from BundleOptions.",
	}
}

// NewBuildFailed wraps an underlying bundler failure.
func NewBuildFailed(cause error) *BuildError {
	return &BuildError{
		Code:    CodeBuildFailed,
		Message: "the underlying bundler failed to produce output",
		Cause:   cause,
		Hint:    "Inspect the underlying bundler errors above for the offending file and syntax.",
	}
}

// NewEntrypointNotFound builds an ENTRYPOINT_NOT_FOUND error.
func NewEntrypointNotFound(path string) *BuildError {
	return &BuildError{
		Code:    CodeEntrypointNotFound,
		Message: fmt.Sprintf("workflows path %q does not exist", path),
		Hint:    "Check BundleOptions.WorkflowsPath points at an existing file.",
	}
}
