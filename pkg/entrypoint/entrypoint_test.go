package entrypoint

import (
	"strings"
	"testing"
)

func TestEntryHash_StableAcrossRuns(t *testing.T) {
	req := Request{
		WorkflowsPath:      "./workflows/index.ts",
		InterceptorModules: []string{"./interceptors/a.ts", "./interceptors/b.ts"},
	}
	h1 := req.EntryHash()
	h2 := req.EntryHash()
	if h1 != h2 {
		t.Fatalf("EntryHash not stable: %s != %s", h1, h2)
	}
	if len(h1) != 16 {
		t.Fatalf("EntryHash length = %d, want 16", len(h1))
	}
}

func TestEntryHash_IgnoresDuplicateOrderingAfterDedup(t *testing.T) {
	a := Request{
		WorkflowsPath:      "./workflows/index.ts",
		InterceptorModules: []string{"x", "y", "x", "y", "x"},
	}
	b := Request{
		WorkflowsPath:      "./workflows/index.ts",
		InterceptorModules: []string{"x", "y"},
	}
	if a.EntryHash() != b.EntryHash() {
		t.Fatalf("EntryHash should match after first-occurrence dedup: %s != %s", a.EntryHash(), b.EntryHash())
	}
}

func TestEntryHash_DiffersOnFirstOccurrenceOrder(t *testing.T) {
	a := Request{WorkflowsPath: "w.ts", InterceptorModules: []string{"x", "y"}}
	b := Request{WorkflowsPath: "w.ts", InterceptorModules: []string{"y", "x"}}
	if a.EntryHash() == b.EntryHash() {
		t.Fatal("EntryHash should differ when the first-occurrence order itself differs")
	}
}

func TestEntryHash_SensitiveToConverterPaths(t *testing.T) {
	a := Request{WorkflowsPath: "w.ts"}
	b := Request{WorkflowsPath: "w.ts", PayloadConverterPath: "./pc.ts"}
	if a.EntryHash() == b.EntryHash() {
		t.Fatal("EntryHash should change when a payload converter path is set")
	}
}

func TestDedupInterceptors_PreservesFirstOccurrence(t *testing.T) {
	got := dedupInterceptors([]string{"a", "b", "a", "c", "b"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("dedupInterceptors = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dedupInterceptors = %v, want %v", got, want)
		}
	}
}

func TestGenerate_ContainsRequiredExports(t *testing.T) {
	req := Request{
		WorkflowsPath:      "./workflows/index.ts",
		InterceptorModules: []string{"./interceptors/a.ts"},
	}
	src := Generate(req)

	for _, want := range []string{
		"exports.api",
		"api.overrideGlobals()",
		"exports.importWorkflows",
		"exports.importInterceptors",
		"exports.payloadConverter",
		"exports.failureConverter",
		"require('./workflows/index.ts')",
		"require('./interceptors/a.ts')",
	} {
		if !strings.Contains(src, want) {
			t.Errorf("Generate() missing %q\n--- source ---\n%s", want, src)
		}
	}
}

func TestGenerate_UsesConverterAliasesWhenUnset(t *testing.T) {
	src := Generate(Request{WorkflowsPath: "w.ts"})
	if !strings.Contains(src, jsStringLiteral(PayloadConverterSpecifier())) {
		t.Error("Generate() should reference the payload converter alias specifier when unset")
	}
	if !strings.Contains(src, jsStringLiteral(FailureConverterSpecifier())) {
		t.Error("Generate() should reference the failure converter alias specifier when unset")
	}
}

func TestGenerate_UsesConfiguredConverterPaths(t *testing.T) {
	src := Generate(Request{
		WorkflowsPath:        "w.ts",
		PayloadConverterPath: "./my-payload.ts",
		FailureConverterPath: "./my-failure.ts",
	})
	if !strings.Contains(src, "require('./my-payload.ts')") {
		t.Error("Generate() should require the configured payload converter path")
	}
	if !strings.Contains(src, "require('./my-failure.ts')") {
		t.Error("Generate() should require the configured failure converter path")
	}
}

func TestJSStringLiteral_EscapesSpecialChars(t *testing.T) {
	got := jsStringLiteral(`it's a "test"` + "\n")
	want := `'it\'s a "test"\n'`
	if got != want {
		t.Errorf("jsStringLiteral = %q, want %q", got, want)
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	req := Request{WorkflowsPath: "w.ts", InterceptorModules: []string{"a", "b"}}
	if Generate(req) != Generate(req) {
		t.Fatal("Generate should be a pure function of req")
	}
}
