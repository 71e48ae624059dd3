package bundle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-run/wfbundle/pkg/runtimeresolve"
)

func TestFindConfigFile_FindsInSameDirectory(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, ".wfbundle.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("mode: production\n"), 0o644))
	workflowsPath := filepath.Join(dir, "workflows.ts")

	got, found := findConfigFile(workflowsPath)
	assert.True(t, found)
	assert.Equal(t, cfgPath, got)
}

func TestFindConfigFile_AscendsParents(t *testing.T) {
	root := t.TempDir()
	cfgPath := filepath.Join(root, ".wfbundle.yml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("mode: production\n"), 0o644))
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	workflowsPath := filepath.Join(nested, "workflows.ts")

	got, found := findConfigFile(workflowsPath)
	assert.True(t, found)
	assert.Equal(t, cfgPath, got)
}

func TestFindConfigFile_NotFound(t *testing.T) {
	dir := t.TempDir()
	workflowsPath := filepath.Join(dir, "workflows.ts")
	_, found := findConfigFile(workflowsPath)
	assert.False(t, found)
}

func TestLoadOptionsWithConfig_AppliesFileDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, ".wfbundle.yaml")
	contents := "mode: production\nsource_map: inline\nflavor: bun\nignore_modules:\n  - fs\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(contents), 0o644))
	workflowsPath := filepath.Join(dir, "workflows.ts")

	merged, err := LoadOptionsWithConfig(BundleOptions{WorkflowsPath: workflowsPath})
	require.NoError(t, err)
	assert.Equal(t, ModeProduction, merged.Mode)
	assert.Equal(t, SourceMapInline, merged.SourceMap)
	assert.Equal(t, runtimeresolve.Flavor("bun"), merged.Flavor)
	assert.Equal(t, []string{"fs"}, merged.IgnoreModules)
}

func TestLoadOptionsWithConfig_CallerOverridesWin(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, ".wfbundle.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("mode: production\n"), 0o644))
	workflowsPath := filepath.Join(dir, "workflows.ts")

	merged, err := LoadOptionsWithConfig(BundleOptions{WorkflowsPath: workflowsPath, Mode: ModeDevelopment})
	require.NoError(t, err)
	assert.Equal(t, ModeDevelopment, merged.Mode)
}

func TestLoadOptionsWithConfig_NoFileReturnsOverridesUnchanged(t *testing.T) {
	dir := t.TempDir()
	workflowsPath := filepath.Join(dir, "workflows.ts")

	overrides := BundleOptions{WorkflowsPath: workflowsPath, Mode: ModeProduction}
	merged, err := LoadOptionsWithConfig(overrides)
	require.NoError(t, err)
	assert.Equal(t, overrides.WorkflowsPath, merged.WorkflowsPath)
	assert.Equal(t, overrides.Mode, merged.Mode)
}
