package bundle

import (
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"

	"github.com/agentic-run/wfbundle/pkg/runtimeresolve"
)

// maxConfigAscendDepth mirrors runtimeresolve's flavor-detection ascend
// rule (SPEC_FULL.md §4.11): both discoveries climb at most three parent
// directories from the workflows path.
const maxConfigAscendDepth = 3

var configFileNames = []string{".wfbundle.yaml", ".wfbundle.yml"}

// fileConfig is the on-disk shape of .wfbundle.yaml/.yml, a subset of
// BundleOptions a project can pin as defaults. Every field is optional;
// zero values mean "not set in the file".
type fileConfig struct {
	Mode                 string   `yaml:"mode,omitempty"`
	SourceMap            string   `yaml:"source_map,omitempty"`
	IgnoreModules        []string `yaml:"ignore_modules,omitempty"`
	InterceptorModules   []string `yaml:"interceptor_modules,omitempty"`
	PayloadConverterPath string   `yaml:"payload_converter_path,omitempty"`
	FailureConverterPath string   `yaml:"failure_converter_path,omitempty"`
	Flavor               string   `yaml:"flavor,omitempty"`
	ImportMapPath        string   `yaml:"import_map_path,omitempty"`
	AllowURLImports      *bool    `yaml:"allow_url_imports,omitempty"`
	RequirePinnedURLs    *bool    `yaml:"require_pinned_urls,omitempty"`
	PreludeModules       []string `yaml:"prelude_modules,omitempty"`
}

// findConfigFile ascends up to three parent directories from workflowsPath
// looking for .wfbundle.yaml / .wfbundle.yml, per SPEC_FULL.md §4.11.
func findConfigFile(workflowsPath string) (string, bool) {
	dir := filepath.Dir(workflowsPath)
	for i := 0; i <= maxConfigAscendDepth; i++ {
		for _, name := range configFileNames {
			candidate := filepath.Join(dir, name)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, true
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

// LoadOptionsWithConfig discovers and applies a .wfbundle.yaml/.yml default
// file for workflowsPath, then layers caller-supplied overrides on top:
// explicit BundleOptions fields always win over file-provided defaults,
// per SPEC_FULL.md §4.11. The orchestrator's hard-override table (spec.md
// §4.7) is applied afterward by BundleWorkflowCode/BundleOptions.validate,
// so a config file can never relax an enforced option.
func LoadOptionsWithConfig(overrides BundleOptions) (BundleOptions, error) {
	path, found := findConfigFile(overrides.WorkflowsPath)
	if !found {
		return overrides, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return BundleOptions{}, err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return BundleOptions{}, err
	}

	log.Printf("applying defaults from %s", path)
	merged := overrides
	if merged.Mode == "" && fc.Mode != "" {
		merged.Mode = Mode(fc.Mode)
	}
	if merged.SourceMap == "" && fc.SourceMap != "" {
		merged.SourceMap = SourceMapMode(fc.SourceMap)
	}
	if len(merged.IgnoreModules) == 0 {
		merged.IgnoreModules = fc.IgnoreModules
	}
	if len(merged.InterceptorModules) == 0 {
		merged.InterceptorModules = fc.InterceptorModules
	}
	if merged.PayloadConverterPath == "" {
		merged.PayloadConverterPath = fc.PayloadConverterPath
	}
	if merged.FailureConverterPath == "" {
		merged.FailureConverterPath = fc.FailureConverterPath
	}
	if merged.Flavor == "" && fc.Flavor != "" {
		merged.Flavor = runtimeresolve.Flavor(fc.Flavor)
	}
	if merged.ImportMapPath == "" {
		merged.ImportMapPath = fc.ImportMapPath
	}
	if !merged.AllowURLImports && fc.AllowURLImports != nil {
		merged.AllowURLImports = *fc.AllowURLImports
	}
	if !merged.RequirePinnedURLs && fc.RequirePinnedURLs != nil {
		merged.RequirePinnedURLs = *fc.RequirePinnedURLs
	}
	if len(merged.PreludeModules) == 0 {
		merged.PreludeModules = fc.PreludeModules
	}

	return merged, nil
}
