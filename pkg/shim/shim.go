// Package shim implements the Output Shim & Validator (C5): wraps the
// underlying bundler's single-module-format output as an IIFE publishing
// the deterministic-replay runtime contract, and validates that the
// wrapped bytes actually expose it.
package shim

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/agentic-run/wfbundle/pkg/logger"
)

var log = logger.New("bundle:shim")

const (
	sharedCacheGlobal = "__webpack_module_cache__"
	temporalGlobal    = "__TEMPORAL__"
)

// sourceMapDirectivePrefix identifies an inline source-map comment, which
// must remain the last non-whitespace content of the wrapped bytes.
const sourceMapDirectivePrefix = "//# sourceMappingURL="

// Wrap produces the IIFE-wrapped artifact from pre-shim bundler output.
// The content hash of preShim becomes a stable per-bundle identifier
// embedded in the wrapper so distinct workflow bundles loaded into the
// same process never collide in the shared module cache.
func Wrap(preShim []byte) string {
	body, directive := splitSourceMapDirective(string(preShim))

	sum := sha256.Sum256(preShim)
	id := hex.EncodeToString(sum[:])[:16]

	var b strings.Builder
	fmt.Fprintf(&b, "(function(global, moduleId) {\n")
	fmt.Fprintf(&b, "  var cache = global.%s || (global.%s = {});\n", sharedCacheGlobal, sharedCacheGlobal)
	b.WriteString("  var module = cache[moduleId] || (cache[moduleId] = { exports: {} });\n")
	b.WriteString("  (function(module, exports) {\n")
	b.WriteString(indent(body, "    "))
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("  })(module, module.exports);\n")
	fmt.Fprintf(&b, "  global.%s = module.exports;\n", temporalGlobal)
	fmt.Fprintf(&b, "})(typeof globalThis !== 'undefined' ? globalThis : this, %s);\n", jsStringLiteral(id))

	if directive != "" {
		b.WriteString(directive)
		if !strings.HasSuffix(directive, "\n") {
			b.WriteString("\n")
		}
	}

	log.Printf("wrapped bundle: %d bytes in, %d bytes out, id=%s", len(preShim), b.Len(), id)
	return b.String()
}

// splitSourceMapDirective pulls a trailing "//# sourceMappingURL=..." line
// off content, so Wrap can re-append it after the rest of the bundle is
// indented into the IIFE body.
func splitSourceMapDirective(content string) (body string, directive string) {
	trimmed := strings.TrimRight(content, "\n")
	idx := strings.LastIndex(trimmed, "\n")
	lastLine := trimmed
	if idx != -1 {
		lastLine = trimmed[idx+1:]
	}
	if strings.HasPrefix(strings.TrimSpace(lastLine), sourceMapDirectivePrefix) {
		if idx == -1 {
			return "", lastLine
		}
		return trimmed[:idx], lastLine
	}
	return content, ""
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if line == "" {
			continue
		}
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}

func jsStringLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `\'`) + "'"
}

// Validate rejects shimmed output that does not reference both the shared
// module cache and the __TEMPORAL__ publication point, returning a
// descriptive error identifying which contract element is missing.
func Validate(shimmed string) error {
	var missing []string
	if !strings.Contains(shimmed, sharedCacheGlobal) {
		missing = append(missing, sharedCacheGlobal+" (shared module cache)")
	}
	if !strings.Contains(shimmed, temporalGlobal) {
		missing = append(missing, temporalGlobal+" (runtime publication point)")
	}
	if len(missing) > 0 {
		log.Printf("shim validation failed: missing %s", strings.Join(missing, ", "))
		return fmt.Errorf("shim: wrapped bundle does not reference %s", strings.Join(missing, " or "))
	}
	log.Print("shim validation passed")
	return nil
}

// EndsWithSourceMapDirective reports whether content's last non-whitespace
// line is an inline source-map comment, the invariant host tools rely on
// when locating it by parsing the final line.
func EndsWithSourceMapDirective(content string) bool {
	trimmed := strings.TrimRight(content, "\n \t")
	idx := strings.LastIndex(trimmed, "\n")
	lastLine := trimmed
	if idx != -1 {
		lastLine = trimmed[idx+1:]
	}
	return strings.HasPrefix(strings.TrimSpace(lastLine), sourceMapDirectivePrefix)
}
