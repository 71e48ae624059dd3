package bundle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-run/wfbundle/pkg/runtimeresolve"
)

func TestCollectDiagnostics_SurfacesSafetyViolations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workflows.ts")
	src := "export function run() {\n  const now = Date.now();\n  return now;\n}\n"
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	diags := collectDiagnostics(path, runtimeresolve.FlavorNode)
	require.NotEmpty(t, diags)

	var found bool
	for _, d := range diags {
		if d.Line == 2 {
			found = true
		}
	}
	assert.True(t, found, "diagnostics = %+v, want one anchored at line 2", diags)
}

func TestCollectDiagnostics_MissingFileReturnsNil(t *testing.T) {
	assert.Nil(t, collectDiagnostics(filepath.Join(t.TempDir(), "nope.ts"), runtimeresolve.FlavorNode))
}

func TestCollectDiagnostics_CleanSourceHasNoDiagnostics(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workflows.ts")
	require.NoError(t, os.WriteFile(path, []byte("export function run() { return 1; }\n"), 0o644))

	assert.Empty(t, collectDiagnostics(path, runtimeresolve.FlavorNode))
}
