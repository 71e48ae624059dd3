package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"node:fs", "fs"},
		{"fs", "fs"},
		{"node:url", "url"},
		{"lodash", "lodash"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsAllowedBuiltin(t *testing.T) {
	p, err := New([]string{"assert", "url", "util"}, "")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		specifier string
		want      bool
	}{
		{"assert", true},
		{"node:assert", true},
		{"url", true},
		{"assert/strict", true},
		{"fs", false},
		{"node:fs", false},
		{"lodash", false},
	}
	for _, tt := range tests {
		if got := p.IsAllowedBuiltin(tt.specifier); got != tt.want {
			t.Errorf("IsAllowedBuiltin(%q) = %v, want %v", tt.specifier, got, tt.want)
		}
	}
}

func TestIsForbidden(t *testing.T) {
	p, err := New([]string{"assert", "url", "util"}, "")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		specifier string
		want      bool
	}{
		{"fs", true},
		{"node:fs", true},
		{"crypto", true},
		{"uuid", true},
		{"node-fetch", true},
		{"assert", false},
		{"lodash", false},
		{"./local-module", false},
	}
	for _, tt := range tests {
		if got := p.IsForbidden(tt.specifier); got != tt.want {
			t.Errorf("IsForbidden(%q) = %v, want %v", tt.specifier, got, tt.want)
		}
	}
}

func TestIsForbidden_ScopedPackagePrefix(t *testing.T) {
	p, err := New([]string{"assert"}, "")
	if err != nil {
		t.Fatal(err)
	}
	// scoped packages are not in the default forbidden set; verify the
	// matcher at least doesn't false-positive on an unrelated scope.
	if p.IsForbidden("@scope/pkg") {
		t.Error("IsForbidden(@scope/pkg) = true, want false (not in forbidden set)")
	}
}

func TestIsKnownBuiltin(t *testing.T) {
	p, err := New([]string{"assert"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if !p.IsKnownBuiltin("node:fs") {
		t.Error("IsKnownBuiltin(node:fs) = false, want true")
	}
	if !p.IsKnownBuiltin("assert") {
		t.Error("IsKnownBuiltin(assert) = false, want true (allowed builtins are still builtins)")
	}
	if p.IsKnownBuiltin("lodash") {
		t.Error("IsKnownBuiltin(lodash) = true, want false")
	}
}

func TestModuleOverridePath(t *testing.T) {
	p, err := New([]string{"assert", "url"}, "/overrides")
	if err != nil {
		t.Fatal(err)
	}

	path, err := p.ModuleOverridePath("node:url")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "/overrides/url.js"; path != want {
		t.Errorf("ModuleOverridePath = %q, want %q", path, want)
	}

	if _, err := p.ModuleOverridePath("fs"); err == nil {
		t.Error("expected error for non-allowed builtin, got nil")
	}
}

func TestModuleOverridePath_SubpathUsesBase(t *testing.T) {
	p, err := New([]string{"assert"}, "/overrides")
	if err != nil {
		t.Fatal(err)
	}
	path, err := p.ModuleOverridePath("assert/strict")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "/overrides/assert.js"; path != want {
		t.Errorf("ModuleOverridePath = %q, want %q", path, want)
	}
}

func TestLoad_FallsBackToDefaultPolicy(t *testing.T) {
	p, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if !p.IsAllowedBuiltin("assert") {
		t.Error("Load() policy should allow assert by default")
	}
	if !p.IsForbidden("fs") {
		t.Error("Load() policy should forbid fs by default")
	}

	// second call must return the same cached instance
	p2, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if p != p2 {
		t.Error("Load() should return the process-lifetime cached Policy on subsequent calls")
	}
}

func TestOverrideSource_FallsBackToBundledStubWithNoOverrideDir(t *testing.T) {
	p, err := New([]string{"assert", "url", "util"}, "")
	if err != nil {
		t.Fatal(err)
	}
	for _, specifier := range []string{"assert", "node:url", "util/types"} {
		src, err := p.OverrideSource(specifier)
		if err != nil {
			t.Fatalf("OverrideSource(%q) unexpected error: %v", specifier, err)
		}
		if src == "" {
			t.Errorf("OverrideSource(%q) returned empty source", specifier)
		}
	}
}

func TestOverrideSource_PrefersOnDiskFileOverBundledStub(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "url.js")
	if err := os.WriteFile(path, []byte("module.exports = { marker: 'on-disk-override' };\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := New([]string{"url"}, dir)
	if err != nil {
		t.Fatal(err)
	}
	src, err := p.OverrideSource("url")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(src, "on-disk-override") {
		t.Errorf("OverrideSource() = %q, want it to use the on-disk stub at %s", src, path)
	}
}

func TestOverrideSource_MissingOnDiskFileFallsBackToBundledStub(t *testing.T) {
	p, err := New([]string{"url"}, filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatal(err)
	}
	src, err := p.OverrideSource("url")
	if err != nil {
		t.Fatalf("expected fallback to bundled stub, got error: %v", err)
	}
	if src == "" {
		t.Error("expected non-empty bundled fallback source")
	}
}

func TestOverrideSource_RejectsNonAllowedBuiltin(t *testing.T) {
	p, err := New([]string{"assert"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.OverrideSource("fs"); err == nil {
		t.Error("expected error for non-allowed builtin, got nil")
	}
}

func TestAllowedBuiltinsAndForbiddenEntriesAreSorted(t *testing.T) {
	p, err := New([]string{"util", "assert", "url"}, "")
	if err != nil {
		t.Fatal(err)
	}
	allowed := p.AllowedBuiltins()
	for i := 1; i < len(allowed); i++ {
		if allowed[i-1] > allowed[i] {
			t.Fatalf("AllowedBuiltins() not sorted: %v", allowed)
		}
	}
	forbidden := p.ForbiddenEntries()
	for i := 1; i < len(forbidden); i++ {
		if forbidden[i-1] > forbidden[i] {
			t.Fatalf("ForbiddenEntries() not sorted: %v", forbidden)
		}
	}
}
