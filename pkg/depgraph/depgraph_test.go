package depgraph

import "testing"

func sampleMetafile() *Metafile {
	return &Metafile{
		Inputs: map[string]MetafileInput{
			"entry.js": {Imports: []MetafileImport{{Path: "a.js", Kind: "import-statement"}}},
			"a.js":     {Imports: []MetafileImport{{Path: "node_modules/left-pad/index.js", Kind: "import-statement"}}},
			"node_modules/left-pad/index.js": {Imports: []MetafileImport{{Path: "forbidden:fs", Kind: "import-statement"}}},
		},
		Outputs: map[string]MetafileOutput{
			"out.js": {EntryPoint: "entry.js"},
		},
	}
}

func TestParseMetafile(t *testing.T) {
	data := []byte(`{"inputs":{"a.js":{"bytes":10,"imports":[{"path":"b.js","kind":"import-statement"}]}},"outputs":{"out.js":{"bytes":20,"entryPoint":"a.js"}}}`)
	m, err := ParseMetafile(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Inputs) != 1 || len(m.Outputs) != 1 {
		t.Fatalf("unexpected shape: %+v", m)
	}
}

func TestEntrypoint_FromDeclaredOutput(t *testing.T) {
	m := sampleMetafile()
	ep, ok := m.Entrypoint()
	if !ok || ep != "entry.js" {
		t.Fatalf("Entrypoint() = %q, %v, want entry.js, true", ep, ok)
	}
}

func TestEntrypoint_FallsBackToUnimportedInput(t *testing.T) {
	m := &Metafile{
		Inputs: map[string]MetafileInput{
			"entry.js": {Imports: []MetafileImport{{Path: "a.js"}}},
			"a.js":     {},
		},
	}
	ep, ok := m.Entrypoint()
	if !ok || ep != "entry.js" {
		t.Fatalf("Entrypoint() = %q, %v, want entry.js, true", ep, ok)
	}
}

func TestEntrypoint_AmbiguousReturnsFalse(t *testing.T) {
	m := &Metafile{
		Inputs: map[string]MetafileInput{
			"a.js": {},
			"b.js": {},
		},
	}
	if _, ok := m.Entrypoint(); ok {
		t.Fatal("ambiguous entrypoint set should return ok=false")
	}
}

func TestChain_FindsShortestPathThroughNodeModules(t *testing.T) {
	m := sampleMetafile()
	chain := m.Chain("entry.js", "fs")
	want := []string{"entry.js", "a.js", "node_modules/left-pad/index.js", "forbidden:fs"}
	if len(chain) != len(want) {
		t.Fatalf("Chain = %v, want %v", chain, want)
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Fatalf("Chain = %v, want %v", chain, want)
		}
	}
}

func TestChain_NoPathReturnsNil(t *testing.T) {
	m := sampleMetafile()
	if chain := m.Chain("entry.js", "nonexistent-module"); chain != nil {
		t.Fatalf("Chain = %v, want nil", chain)
	}
}

func TestChain_TerminatesOnCycle(t *testing.T) {
	m := &Metafile{
		Inputs: map[string]MetafileInput{
			"a.js": {Imports: []MetafileImport{{Path: "b.js"}}},
			"b.js": {Imports: []MetafileImport{{Path: "a.js"}}},
		},
	}
	chain := m.Chain("a.js", "nonexistent")
	if chain != nil {
		t.Fatalf("Chain = %v, want nil", chain)
	}
}

func TestFormatChain(t *testing.T) {
	in := []string{"./entry.js", "node_modules/left-pad/index.js", "forbidden:fs", "ignored:net"}
	want := []string{"entry.js", "left-pad/index.js", "fs (forbidden)", "net (ignored)"}
	got := FormatChain(in)
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("FormatChain[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTargetMatches_FuzzyForms(t *testing.T) {
	tests := []struct {
		candidate, name string
		want            bool
	}{
		{"fs", "fs", true},
		{"src/fs", "fs", true},
		{"node_modules/fs-polyfill/fs", "fs-polyfill", true},
		{"node_modules/fs-polyfill/index.js", "fs-polyfill", true},
		{"forbidden:fs", "fs", true},
		{"unrelated", "fs", false},
	}
	for _, tt := range tests {
		if got := targetMatches(tt.candidate, tt.name); got != tt.want {
			t.Errorf("targetMatches(%q, %q) = %v, want %v", tt.candidate, tt.name, got, tt.want)
		}
	}
}
