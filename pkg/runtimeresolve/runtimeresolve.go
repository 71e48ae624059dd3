// Package runtimeresolve implements the Cross-Runtime Resolver (C4):
// flavor detection, import-map-aware specifier rewriting, and URL-import
// fetch-and-cache, all as an esbuild plugin that composes alongside the
// Resolver Plugin (pkg/resolver).
package runtimeresolve

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/tailscale/hujson"

	"github.com/agentic-run/wfbundle/pkg/bundleerrors"
	"github.com/agentic-run/wfbundle/pkg/logger"
)

var log = logger.New("bundle:runtimeresolve")

// Flavor identifies which JS runtime's conventions govern import resolution.
type Flavor string

const (
	FlavorAuto Flavor = "auto"
	FlavorNode Flavor = "node"
	FlavorDeno Flavor = "deno"
	FlavorBun  Flavor = "bun"
)

const NamespaceURLImport = "url-import"

// maxFlavorAscendDepth bounds how far up the directory tree flavor
// detection walks, matching the same "≤3 parents" rule config-file
// discovery uses (SPEC_FULL.md §4.11).
const maxFlavorAscendDepth = 3

// DetectFlavor ascends up to three parent directories from workflowsPath
// looking for a runtime-identifying config file. It never errors: an
// unrecognized tree is reported as node, matching spec.md §4.4's default.
func DetectFlavor(workflowsPath string) Flavor {
	dir := filepath.Dir(workflowsPath)
	for i := 0; i <= maxFlavorAscendDepth; i++ {
		if fileExists(filepath.Join(dir, "deno.json")) || fileExists(filepath.Join(dir, "deno.jsonc")) {
			log.Printf("detected deno flavor at %s", dir)
			return FlavorDeno
		}
		if fileExists(filepath.Join(dir, "bunfig.toml")) {
			log.Printf("detected bun flavor at %s", dir)
			return FlavorBun
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return FlavorNode
}

// ResolveFlavor applies an explicit override, falling back to detection
// when requested is FlavorAuto or empty.
func ResolveFlavor(requested Flavor, workflowsPath string) Flavor {
	if requested == "" || requested == FlavorAuto {
		return DetectFlavor(workflowsPath)
	}
	return requested
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// ImportMap mirrors spec.md §3's ImportMap.
type ImportMap struct {
	Imports map[string]string            `json:"imports,omitempty"`
	Scopes  map[string]map[string]string `json:"scopes,omitempty"`

	// BaseDir is the directory relative/absolute targets are resolved
	// against; set by the loader to the import map's own directory.
	BaseDir string `json:"-"`
}

// ParseImportMap strips JSONC comments/trailing commas via hujson before
// decoding, per spec.md §4.4 ("Configs may be JSON-with-comments").
func ParseImportMap(data []byte, baseDir string) (*ImportMap, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("runtimeresolve: invalid import map JSONC: %w", err)
	}
	var m ImportMap
	if err := json.Unmarshal(standardized, &m); err != nil {
		return nil, fmt.Errorf("runtimeresolve: invalid import map shape: %w", err)
	}
	m.BaseDir = baseDir
	return &m, nil
}

var (
	packageSpecifierRegex = regexp.MustCompile(`^npm:([^@/]+(?:/[^@/]+)?)(?:@([^/]+))?(/.*)?$`)
	urlSpecifierRegex     = regexp.MustCompile(`^https?://`)
	// altRuntimeBuiltinRegex matches a foreign-runtime builtin specifier of
	// the form RUNTIME:NAME, e.g. "bun:sqlite" seen from a node-flavored
	// build, or "node:fs" seen from a flavor that forbids the node: scheme.
	altRuntimeBuiltinRegex = regexp.MustCompile(`^(deno|bun|node):(.+)$`)
	versionTokenRegex      = regexp.MustCompile(`@[\d^~><=v.x*-]+`)
)

// Target classifies a raw import-map or bare specifier target.
type Target int

const (
	TargetPackage Target = iota
	TargetURL
	TargetPath
)

func classifyTarget(target string) Target {
	switch {
	case packageSpecifierRegex.MatchString(target):
		return TargetPackage
	case urlSpecifierRegex.MatchString(target):
		return TargetURL
	default:
		return TargetPath
	}
}

// rewritePackageStyle converts "npm:NAME@VER/SUB" into "NAME/SUB" (or
// "NAME") for the underlying bundler to resolve through its normal
// node_modules algorithm, per spec.md §4.4.
func rewritePackageStyle(target string) string {
	m := packageSpecifierRegex.FindStringSubmatch(target)
	if m == nil {
		return target
	}
	name, _, sub := m[1], m[2], m[3]
	return name + sub
}

// Options configures the cross-runtime plugin for one build.
type Options struct {
	Flavor Flavor
	Map    *ImportMap

	AllowURLImports    bool
	RequirePinnedURLs  bool
	URLCacheDir        string
	HTTPClient         *http.Client
}

// Resolution is the outcome of classifying one specifier against the
// import map and flavor rules, consumed by the esbuild OnResolve hook.
type Resolution struct {
	// Namespace and Path mirror api.OnResolveResult's fields; kept as a
	// plain struct so the rewrite logic is independently testable without
	// an esbuild build in flight.
	Namespace string
	Path      string
	Skip      bool // true: no import-map/runtime opinion, defer to default resolution
	Err       *bundleerrors.BuildError
}

// Rewrite implements spec.md §4.4's specifier-rewriting algorithm. A prefix
// hit substitutes the prefix target and classifies the result with the same
// target rules as an exact hit; the substituted specifier is not looked up
// in the import map again.
func Rewrite(opts Options, specifier string) Resolution {
	if m := altRuntimeBuiltinRegex.FindStringSubmatch(specifier); m != nil {
		runtime, name := m[1], m[2]
		if string(opts.Flavor) != runtime {
			return Resolution{Err: bundleerrors.NewResolutionFailed(specifier, "",
				fmt.Errorf("%q is a %s-runtime builtin, not available under the %s flavor", name, runtime, opts.Flavor))}
		}
	}

	if opts.Map != nil {
		if target, ok := opts.Map.Imports[specifier]; ok {
			return resolveTarget(opts, specifier, target)
		}
		if best, target, ok := longestPrefixMatch(opts.Map.Imports, specifier); ok {
			rest := strings.TrimPrefix(specifier, best)
			substituted := strings.TrimSuffix(target, "/") + "/" + rest
			return resolveTarget(opts, specifier, substituted)
		}
	}

	switch classifyTarget(specifier) {
	case TargetPackage:
		return Resolution{Path: rewritePackageStyle(specifier)}
	case TargetURL:
		return resolveURLSpecifier(opts, specifier)
	default:
		return Resolution{Skip: true}
	}
}

func resolveTarget(opts Options, originalSpecifier, target string) Resolution {
	switch classifyTarget(target) {
	case TargetPackage:
		return Resolution{Path: rewritePackageStyle(target)}
	case TargetURL:
		return resolveURLSpecifier(opts, target)
	default:
		base := opts.Map.BaseDir
		if base == "" {
			base = "."
		}
		return Resolution{Path: filepath.Join(base, target)}
	}
}

func resolveURLSpecifier(opts Options, url string) Resolution {
	if !opts.AllowURLImports {
		return Resolution{Err: bundleerrors.NewResolutionFailed(url, "",
			fmt.Errorf("URL imports are disabled for this build"))}
	}
	if opts.RequirePinnedURLs && !versionTokenRegex.MatchString(url) {
		return Resolution{Err: bundleerrors.NewResolutionFailed(url, "",
			fmt.Errorf("%q has no pinned version token and require_pinned_urls is set", url))}
	}
	return Resolution{Namespace: NamespaceURLImport, Path: url}
}

// longestPrefixMatch finds the longest "/"-suffixed key in imports that is
// a prefix of specifier, per spec.md §4.4's prefix-key rule.
func longestPrefixMatch(imports map[string]string, specifier string) (key, target string, ok bool) {
	bestLen := -1
	for k, v := range imports {
		if !strings.HasSuffix(k, "/") {
			continue
		}
		if strings.HasPrefix(specifier, k) && len(k) > bestLen {
			key, target, ok = k, v, true
			bestLen = len(k)
		}
	}
	return key, target, ok
}

// CacheMeta is the on-disk sidecar written alongside a cached URL import.
type CacheMeta struct {
	URL         string `json:"url"`
	LocalPath   string `json:"local_path"`
	Integrity   string `json:"integrity"`
	FetchedAt   string `json:"fetched_at"`
	ContentType string `json:"content_type,omitempty"`
}

// cacheKey computes hostname + safe(path) + first 16 hex of SHA-256(url),
// per spec.md §4.4.
func cacheKey(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	hash := hex.EncodeToString(sum[:])[:16]

	hostname, path := rawURL, ""
	if idx := strings.Index(rawURL, "://"); idx != -1 {
		rest := rawURL[idx+3:]
		if slash := strings.Index(rest, "/"); slash != -1 {
			hostname, path = rest[:slash], rest[slash:]
		} else {
			hostname = rest
		}
	}
	return hostname + safePathComponent(path) + hash
}

func safePathComponent(p string) string {
	replacer := strings.NewReplacer("/", "_", ":", "_", "?", "_", "&", "_", "=", "_")
	return replacer.Replace(p)
}

// FetchAndCache loads the content for a url-import namespace path, using
// the on-disk cache when present and integrity-verified, fetching and
// persisting otherwise. Writes are atomic via CreateTemp+Rename so a
// concurrent reader never observes a partial file.
func FetchAndCache(opts Options, rawURL string) ([]byte, string, error) {
	key := cacheKey(rawURL)
	contentPath := filepath.Join(opts.URLCacheDir, key)
	metaPath := filepath.Join(opts.URLCacheDir, key+".meta.json")

	if content, meta, ok := readVerifiedCache(contentPath, metaPath); ok {
		log.Printf("url-import cache hit for %s", rawURL)
		return content, meta.ContentType, nil
	}

	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Get(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("runtimeresolve: fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("runtimeresolve: fetching %s: HTTP %d", rawURL, resp.StatusCode)
	}
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("runtimeresolve: reading %s: %w", rawURL, err)
	}

	sum := sha256.Sum256(content)
	integrity := "sha256-" + hex.EncodeToString(sum[:])
	meta := CacheMeta{
		URL:         rawURL,
		LocalPath:   contentPath,
		Integrity:   integrity,
		FetchedAt:   fetchedAtStamp(),
		ContentType: resp.Header.Get("Content-Type"),
	}

	if err := opts.persist(contentPath, content); err != nil {
		return nil, "", err
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, "", fmt.Errorf("runtimeresolve: marshaling cache metadata: %w", err)
	}
	if err := opts.persist(metaPath, metaBytes); err != nil {
		return nil, "", err
	}

	return content, meta.ContentType, nil
}

// fetchedAtStamp is overridable in tests; production always uses wall
// clock, which is fine since FetchedAt is metadata, not build output, and
// is never hashed into entry_hash or composite_hash.
var fetchedAtStamp = func() string { return time.Now().UTC().Format(time.RFC3339) }

func (o Options) persist(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("runtimeresolve: creating cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("runtimeresolve: creating temp cache file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("runtimeresolve: writing temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("runtimeresolve: closing temp cache file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("runtimeresolve: renaming temp cache file: %w", err)
	}
	return nil
}

func readVerifiedCache(contentPath, metaPath string) ([]byte, CacheMeta, bool) {
	metaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, CacheMeta{}, false
	}
	var meta CacheMeta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, CacheMeta{}, false
	}
	content, err := os.ReadFile(contentPath)
	if err != nil {
		return nil, CacheMeta{}, false
	}
	sum := sha256.Sum256(content)
	if "sha256-"+hex.EncodeToString(sum[:]) != meta.Integrity {
		log.Printf("cache integrity mismatch for %s, refetching", contentPath)
		return nil, CacheMeta{}, false
	}
	return content, meta, true
}

// LoaderForCachedImport picks a loader by file extension of the original
// URL first, falling back to a content-type keyword match.
func LoaderForCachedImport(rawURL, contentType string) api.Loader {
	ext := strings.ToLower(filepath.Ext(strings.SplitN(rawURL, "?", 2)[0]))
	switch ext {
	case ".ts":
		return api.LoaderTS
	case ".tsx":
		return api.LoaderTSX
	case ".jsx":
		return api.LoaderJSX
	case ".json":
		return api.LoaderJSON
	case ".js", ".mjs", ".cjs":
		return api.LoaderJS
	}
	switch {
	case strings.Contains(contentType, "typescript"):
		return api.LoaderTS
	case strings.Contains(contentType, "json"):
		return api.LoaderJSON
	default:
		return api.LoaderJS
	}
}

// forbiddenAPIPatterns maps a flavor to the alternate-runtime API call
// patterns that are meaningless (or unsafe) under it, per spec.md §4.4's
// static scan. Modeled as pre-compiled regexps at package init, matching
// the teacher's bundler_validation.go convention.
var forbiddenAPIPatterns = map[Flavor][]*regexp.Regexp{
	FlavorNode: {
		regexp.MustCompile(`\bDeno\.\w+`),
		regexp.MustCompile(`\bBun\.\w+`),
	},
	FlavorDeno: {
		regexp.MustCompile(`\bprocess\.binding\(`),
		regexp.MustCompile(`\bBun\.\w+`),
	},
	FlavorBun: {
		regexp.MustCompile(`\bDeno\.\w+`),
	},
}

// ForbiddenAPIUsage is a single line-numbered diagnostic from the static
// alternate-runtime API scan.
type ForbiddenAPIUsage struct {
	File    string
	Line    int
	Match   string
	Flavor  Flavor
}

// ScanForbiddenAPIs scans src for the chosen flavor's alternate-runtime API
// patterns, skipping comment lines.
func ScanForbiddenAPIs(file string, src []byte, flavor Flavor) []ForbiddenAPIUsage {
	patterns := forbiddenAPIPatterns[flavor]
	if len(patterns) == 0 {
		return nil
	}
	var found []ForbiddenAPIUsage
	lines := strings.Split(string(src), "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "*") {
			continue
		}
		for _, p := range patterns {
			if m := p.FindString(line); m != "" {
				found = append(found, ForbiddenAPIUsage{File: file, Line: i + 1, Match: m, Flavor: flavor})
			}
		}
	}
	return found
}
