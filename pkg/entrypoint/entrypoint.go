// Package entrypoint implements the synthetic bootstrap generator (C2): the
// bootstrap source a workflow bundle actually exports, and the stable
// entry_hash identifying a build request independent of how that source is
// rendered.
package entrypoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentic-run/wfbundle/pkg/logger"
)

var log = logger.New("bundle:entrypoint")

// Request mirrors spec.md §3's EntrypointRequest tuple.
type Request struct {
	WorkflowsPath         string
	InterceptorModules    []string
	PayloadConverterPath  string // "" means not configured
	FailureConverterPath  string // "" means not configured
}

// canonicalRequest fixes the JSON key order (alphabetical) so EntryHash is
// stable regardless of Go struct layout changes to Request itself.
type canonicalRequest struct {
	FailureConverterPath *string  `json:"failure_converter_path"`
	InterceptorModules   []string `json:"interceptor_modules"`
	PayloadConverterPath *string  `json:"payload_converter_path"`
	WorkflowsPath        string   `json:"workflows_path"`
}

// dedupInterceptors preserves the order of first occurrence, dropping later
// repeats. This is the normalization entry_hash is computed over, so
// permuting or repeating duplicates never changes the hash.
func dedupInterceptors(modules []string) []string {
	seen := make(map[string]struct{}, len(modules))
	out := make([]string, 0, len(modules))
	for _, m := range modules {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// EntryHash returns the first 16 hex digits of SHA-256 over the canonical
// JSON of the request tuple, per spec.md §3. It hashes only the request,
// never the emitted source, so cosmetic emitter changes never invalidate
// cached bundles.
func (r Request) EntryHash() string {
	canon := canonicalRequest{
		FailureConverterPath: nilIfEmpty(r.FailureConverterPath),
		InterceptorModules:   dedupInterceptors(r.InterceptorModules),
		PayloadConverterPath: nilIfEmpty(r.PayloadConverterPath),
		WorkflowsPath:        r.WorkflowsPath,
	}
	// canonicalRequest's field order is fixed and json.Marshal never
	// reorders struct fields, so this is deterministic byte-for-byte.
	data, err := json.Marshal(canon)
	if err != nil {
		// canonicalRequest contains only strings, a slice of strings, and
		// string pointers: it cannot fail to marshal.
		panic(fmt.Sprintf("entrypoint: canonical request failed to marshal: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

const payloadConverterSpecifier = "__wfbundle_payload_converter__"
const failureConverterSpecifier = "__wfbundle_failure_converter__"
const workerInterfaceSpecifier = "@temporalio/workflow/lib/worker-interface"

// stabilizedExportName mirrors the observable-name-stabilization rule: the
// emitted source renames every exported function to its own export key so
// later bundler name-mangling (minification, scope hoisting) cannot change
// what code introspecting the export sees as its `.name`.
func stabilizedExportName(key string) string {
	return key
}

// Generate renders the deterministic CommonJS bootstrap source for req.
// The returned source never depends on anything but req itself: wall-clock
// time, environment variables, and filesystem state never leak in, which is
// what keeps repeated builds byte-identical once esbuild's own output is
// normalized (pkg/verify).
func Generate(req Request) string {
	interceptors := dedupInterceptors(req.InterceptorModules)

	var b strings.Builder
	b.WriteString("'use strict';\n")
	b.WriteString("// Generated by the workflow bundler. Do not edit.\n\n")

	fmt.Fprintf(&b, "const api = require(%s);\n", jsStringLiteral(workerInterfaceSpecifier))
	b.WriteString("api.overrideGlobals();\n\n")
	b.WriteString("exports.api = api;\n\n")

	b.WriteString("let __workflows;\n")
	b.WriteString("function import_workflows() {\n")
	b.WriteString("  if (__workflows === undefined) {\n")
	fmt.Fprintf(&b, "    const mod = require(%s);\n", jsStringLiteral(req.WorkflowsPath))
	b.WriteString("    const stabilized = {};\n")
	b.WriteString("    for (const key of Object.keys(mod)) {\n")
	b.WriteString("      const value = mod[key];\n")
	b.WriteString("      if (typeof value === 'function') {\n")
	b.WriteString("        try {\n")
	b.WriteString("          Object.defineProperty(value, 'name', { value: key, configurable: true });\n")
	b.WriteString("        } catch (e) { /* non-configurable name, leave as-is */ }\n")
	b.WriteString("      }\n")
	b.WriteString("      stabilized[key] = value;\n")
	b.WriteString("    }\n")
	b.WriteString("    __workflows = stabilized;\n")
	b.WriteString("  }\n")
	b.WriteString("  return __workflows;\n")
	b.WriteString("}\n")
	b.WriteString("exports.importWorkflows = import_workflows;\n\n")

	b.WriteString("let __interceptors;\n")
	b.WriteString("function import_interceptors() {\n")
	b.WriteString("  if (__interceptors === undefined) {\n")
	b.WriteString("    __interceptors = [\n")
	for _, mod := range interceptors {
		fmt.Fprintf(&b, "      require(%s),\n", jsStringLiteral(mod))
	}
	b.WriteString("    ];\n")
	b.WriteString("  }\n")
	b.WriteString("  return __interceptors;\n")
	b.WriteString("}\n")
	b.WriteString("exports.importInterceptors = import_interceptors;\n\n")

	b.WriteString("exports.payloadConverter = ")
	if req.PayloadConverterPath != "" {
		fmt.Fprintf(&b, "require(%s);\n", jsStringLiteral(req.PayloadConverterPath))
	} else {
		fmt.Fprintf(&b, "require(%s);\n", jsStringLiteral(payloadConverterSpecifier))
	}

	b.WriteString("exports.failureConverter = ")
	if req.FailureConverterPath != "" {
		fmt.Fprintf(&b, "require(%s);\n", jsStringLiteral(req.FailureConverterPath))
	} else {
		fmt.Fprintf(&b, "require(%s);\n", jsStringLiteral(failureConverterSpecifier))
	}

	log.Printf("generated entrypoint for %s: %d interceptor(s), entry_hash=%s",
		req.WorkflowsPath, len(interceptors), req.EntryHash())

	return b.String()
}

// PayloadConverterSpecifier and FailureConverterSpecifier are the two fixed
// literal specifiers the Resolver Plugin (C3) recognizes as converter
// aliases, per spec.md §4.3 step 2.
func PayloadConverterSpecifier() string { return payloadConverterSpecifier }
func FailureConverterSpecifier() string { return failureConverterSpecifier }

// WorkerInterfaceSpecifier is the runtime peer module the generated
// bootstrap always requires. The Orchestrator marks it external rather
// than bundling it: the peer ships its own native bindings and is
// resolved from the caller's own install at runtime, not at build time.
func WorkerInterfaceSpecifier() string { return workerInterfaceSpecifier }

// jsStringLiteral renders s as a single-quoted JS string literal, escaping
// backslashes, quotes, and line terminators.
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
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}
