package bundle

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/agentic-run/wfbundle/pkg/shim"
)

// metaSidecarSuffix names the JSON sidecar a saved bundle's metadata is
// written to, mirroring the {url, meta.json} sidecar convention
// pkg/runtimeresolve already uses for its URL-import cache.
const metaSidecarSuffix = ".meta.json"

// SaveBundle persists a built WorkflowBundle to disk: the code at path, an
// optional source map at path+".map", and metadata at path+".meta.json".
// This is the ambient counterpart to LoadBundle below; spec.md §6 names
// load_bundle but leaves how a bundle reaches disk in the first place to
// the caller, so this fills that gap in the same sidecar style as the
// rest of this package.
func SaveBundle(path string, wb WorkflowBundle) error {
	if err := os.WriteFile(path, []byte(wb.Code), 0o644); err != nil {
		return fmt.Errorf("bundle: writing %s: %w", path, err)
	}
	if wb.SourceMap != "" {
		if err := os.WriteFile(path+".map", []byte(wb.SourceMap), 0o644); err != nil {
			return fmt.Errorf("bundle: writing source map for %s: %w", path, err)
		}
	}
	metaBytes, err := json.Marshal(wb.Metadata)
	if err != nil {
		return fmt.Errorf("bundle: encoding metadata for %s: %w", path, err)
	}
	if err := os.WriteFile(path+metaSidecarSuffix, metaBytes, 0o644); err != nil {
		return fmt.Errorf("bundle: writing metadata for %s: %w", path, err)
	}
	return nil
}

// LoadBundleOptions mirrors spec.md §6's load_bundle argument shape.
type LoadBundleOptions struct {
	Path               string
	SourceMapPath      string
	Validate           bool
	ExpectedSDKVersion string
}

// LoadBundleResult mirrors spec.md §6's LoadBundleResult{bundle, warnings?, path}.
type LoadBundleResult struct {
	Bundle   WorkflowBundle
	Warnings []string
	Path     string
}

// LoadBundle implements spec.md §6's load_bundle: reads a pre-built
// artifact, optionally runs the Output Shim Validator, and optionally
// compares the embedded SDK version against an expectation.
func LoadBundle(opts LoadBundleOptions) (LoadBundleResult, error) {
	code, err := os.ReadFile(opts.Path)
	if err != nil {
		return LoadBundleResult{}, fmt.Errorf("bundle: reading %s: %w", opts.Path, err)
	}

	wb := WorkflowBundle{Code: string(code)}

	sourceMapPath := opts.SourceMapPath
	if sourceMapPath == "" {
		sourceMapPath = opts.Path + ".map"
	}
	if sm, err := os.ReadFile(sourceMapPath); err == nil {
		wb.SourceMap = string(sm)
	}

	if metaBytes, err := os.ReadFile(opts.Path + metaSidecarSuffix); err == nil {
		if err := json.Unmarshal(metaBytes, &wb.Metadata); err != nil {
			return LoadBundleResult{}, fmt.Errorf("bundle: decoding metadata sidecar for %s: %w", opts.Path, err)
		}
	}

	var warnings []string

	if opts.Validate {
		if err := shim.Validate(wb.Code); err != nil {
			return LoadBundleResult{}, fmt.Errorf("bundle: validating %s: %w", opts.Path, err)
		}
	}

	if opts.ExpectedSDKVersion != "" && wb.Metadata.SDKVersion != "" && wb.Metadata.SDKVersion != opts.ExpectedSDKVersion {
		warnings = append(warnings, fmt.Sprintf(
			"bundle was built with sdk_version %q, expected %q", wb.Metadata.SDKVersion, opts.ExpectedSDKVersion))
	}

	return LoadBundleResult{Bundle: wb, Warnings: warnings, Path: opts.Path}, nil
}
