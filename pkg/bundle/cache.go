package bundle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/agentic-run/wfbundle/pkg/cache"
)

// sharedCache is the process-wide cache instance (spec.md §3: "the
// in-memory cache is process-wide state with clear/stat/preload
// operations"). Constructed lazily on first use, matching pkg/policy's
// sync.Once-cached Load() pattern.
var (
	sharedCacheOnce sync.Once
	sharedCache     *cache.Cache
	sharedCacheErr  error
	sharedCacheDir  string
)

func getCache(opts BundleOptions) (*cache.Cache, error) {
	sharedCacheOnce.Do(func() {
		dir := opts.CacheDir
		if dir == "" {
			dir, sharedCacheErr = os.MkdirTemp("", "wfbundle-cache-*")
			if sharedCacheErr != nil {
				return
			}
		}
		sharedCacheDir = dir
		sharedCache, sharedCacheErr = cache.New(opts.CacheMemCapacity, dir, opts.CacheMaxAge, opts.CacheMaxSizeBytes)
	})
	return sharedCache, sharedCacheErr
}

func optionKeyInput(opts BundleOptions) cache.OptionKeyInput {
	return cache.OptionKeyInput{
		Mode:                 string(opts.Mode),
		SourceMapMode:        string(opts.SourceMap),
		IgnoreModules:        opts.IgnoreModules,
		InterceptorModules:   opts.InterceptorModules,
		PayloadConverterPath: opts.PayloadConverterPath,
		FailureConverterPath: opts.FailureConverterPath,
	}
}

func fileHashFor(opts BundleOptions) (string, error) {
	if opts.UseContentHash {
		return cache.FileHashContent(filepath.Dir(opts.WorkflowsPath), isSourceFile)
	}
	return cache.FileHashFast(opts.WorkflowsPath)
}

func isSourceFile(relPath string) bool {
	switch strings.ToLower(filepath.Ext(relPath)) {
	case ".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs", ".json":
		return true
	default:
		return false
	}
}

func toCacheBundle(wb WorkflowBundle) (cache.Bundle, error) {
	metaJSON, err := json.Marshal(wb.Metadata)
	if err != nil {
		return cache.Bundle{}, fmt.Errorf("bundle: marshaling metadata for cache: %w", err)
	}
	return cache.Bundle{Code: wb.Code, SourceMap: wb.SourceMap, Metadata: string(metaJSON)}, nil
}

func fromCacheBundle(b cache.Bundle) (WorkflowBundle, error) {
	var meta BundleMetadata
	if b.Metadata != "" {
		if err := json.Unmarshal([]byte(b.Metadata), &meta); err != nil {
			return WorkflowBundle{}, fmt.Errorf("bundle: unmarshaling cached metadata: %w", err)
		}
	}
	return WorkflowBundle{Code: b.Code, SourceMap: b.SourceMap, Metadata: meta}, nil
}

// GetCachedBundle implements spec.md §6's cache-aware variant:
// get_cached_bundle(BundleOptions + {force_rebuild?, use_content_hash?}).
// A fresh in-memory hit returns a WorkflowBundle rebuilt from the stored
// code, source map and metadata; Diagnostics are not cached and are empty
// on a hit. ForceRebuild always rebuilds and re-populates both cache tiers.
func GetCachedBundle(opts BundleOptions) (WorkflowBundle, error) {
	if err := opts.validate(); err != nil {
		return WorkflowBundle{}, err
	}
	c, err := getCache(opts)
	if err != nil {
		return WorkflowBundle{}, fmt.Errorf("bundle: initializing cache: %w", err)
	}

	key := optionKeyInput(opts).Key()
	if len(opts.PreludeModules) > 0 {
		key += "\x1fprelude=" + strings.Join(opts.PreludeModules, "\x1e")
	}
	fileHash, err := fileHashFor(opts)
	if err != nil {
		return WorkflowBundle{}, fmt.Errorf("bundle: hashing inputs: %w", err)
	}

	if !opts.ForceRebuild {
		if b, ok := c.Get(key, fileHash); ok {
			log.Printf("in-memory cache hit for %s", opts.WorkflowsPath)
			return fromCacheBundle(b)
		}
	}

	built, err := bundleWorkflowCode(opts)
	if err != nil {
		return WorkflowBundle{}, err
	}

	cb, err := toCacheBundle(built)
	if err != nil {
		return WorkflowBundle{}, err
	}
	c.Set(key, fileHash, cb)

	composite := cache.CompositeHash(key, fileHash)
	if err := c.DiskSet(composite, cache.Entry{Bundle: cb, CompositeHash: composite, CreatedAt: built.Metadata.CreatedAt}); err != nil {
		log.Printf("disk cache write failed for %s: %v", opts.WorkflowsPath, err)
	}

	return built, nil
}

// PreloadBundles implements spec.md §6's preload_bundles([BundleOptions])
// -> [WorkflowBundle]: a parallel warm of the cache, fanned out with
// sourcegraph/conc/pool bounded by GOMAXPROCS, matching the teacher
// corpus's preferred fan-out primitive (githubnext-gh-aw's
// downloadRunArtifactsConcurrent) over raw goroutines+sync.WaitGroup.
func PreloadBundles(optsList []BundleOptions) []WorkflowBundle {
	if len(optsList) == 0 {
		return nil
	}
	p := pool.NewWithResults[preloadResult]().WithMaxGoroutines(runtime.GOMAXPROCS(0))
	for _, o := range optsList {
		o := o
		p.Go(func() preloadResult {
			wb, err := GetCachedBundle(o)
			return preloadResult{bundle: wb, err: err}
		})
	}
	results := p.Wait()

	out := make([]WorkflowBundle, 0, len(results))
	for i, r := range results {
		if r.err != nil {
			log.Printf("preload failed for %s: %v", optsList[i].WorkflowsPath, r.err)
			continue
		}
		out = append(out, r.bundle)
	}
	return out
}

type preloadResult struct {
	bundle WorkflowBundle
	err    error
}

// ClearBundleCache implements spec.md §6's clear_bundle_cache().
func ClearBundleCache(opts BundleOptions) error {
	c, err := getCache(opts)
	if err != nil {
		return err
	}
	return c.Clear()
}

// BundleCacheStats is spec.md §6's get_bundle_cache_stats() -> {size, entries[]} shape.
type BundleCacheStats struct {
	Size    int64
	Entries int
}

// GetBundleCacheStats implements spec.md §6's get_bundle_cache_stats().
func GetBundleCacheStats(opts BundleOptions) (BundleCacheStats, error) {
	c, err := getCache(opts)
	if err != nil {
		return BundleCacheStats{}, err
	}
	stats, err := c.Stats()
	if err != nil {
		return BundleCacheStats{}, err
	}
	return BundleCacheStats{Size: stats.TotalSize, Entries: stats.Entries}, nil
}
