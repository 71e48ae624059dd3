// Package cache implements the content-addressed Cache Layer (C8): an
// in-memory LRU keyed by option set, plus a TTL- and size-bounded on-disk
// cache keyed by the full composite hash of options and source inputs.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/agentic-run/wfbundle/pkg/logger"
)

var log = logger.New("bundle:cache")

// DefaultMaxAge and DefaultMaxSizeBytes mirror spec.md §4.8's defaults.
const (
	DefaultMaxAge       = 7 * 24 * time.Hour
	DefaultMaxSizeBytes = 100 * 1024 * 1024
)

// Bundle is the cache's domain-agnostic view of a built artifact: just
// enough to round-trip a WorkflowBundle without pkg/cache importing the
// orchestrator package that owns that type (which imports pkg/cache).
type Bundle struct {
	Code      string `json:"code"`
	SourceMap string `json:"source_map,omitempty"`
	Metadata  string `json:"metadata,omitempty"` // caller-serialized JSON blob
}

// Entry is the on-disk record shape from spec.md §3/§6: a bundle, the
// composite hash that produced it, and a creation timestamp.
type Entry struct {
	Bundle        Bundle `json:"bundle"`
	CompositeHash string `json:"composite_hash"`
	CreatedAt     string `json:"created_at"`
}

type memoryRecord struct {
	bundle    Bundle
	fileHash  string
	timestamp time.Time
}

// Cache is the process-wide cache instance: an in-memory LRU plus an
// on-disk directory. The zero value is not usable; construct via New.
type Cache struct {
	mu  sync.RWMutex
	mem *lru.Cache[string, *memoryRecord]

	diskDir      string
	maxAge       time.Duration
	maxSizeBytes int64
}

// New builds a Cache with an in-memory LRU of the given capacity and an
// on-disk store rooted at diskDir (created if missing). maxAge and
// maxSizeBytes of zero fall back to the spec defaults.
func New(memCapacity int, diskDir string, maxAge time.Duration, maxSizeBytes int64) (*Cache, error) {
	if memCapacity <= 0 {
		memCapacity = 128
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if maxSizeBytes <= 0 {
		maxSizeBytes = DefaultMaxSizeBytes
	}
	mem, err := lru.New[string, *memoryRecord](memCapacity)
	if err != nil {
		return nil, fmt.Errorf("cache: creating in-memory LRU: %w", err)
	}
	if diskDir != "" {
		if err := os.MkdirAll(diskDir, 0o755); err != nil {
			return nil, fmt.Errorf("cache: creating disk cache dir: %w", err)
		}
	}
	return &Cache{mem: mem, diskDir: diskDir, maxAge: maxAge, maxSizeBytes: maxSizeBytes}, nil
}

// OptionKeyInput is the subset of BundleOptions that affects build output,
// per spec.md §4.8. The orchestrator constructs one of these from its own
// options type and passes it here, again to avoid an import cycle.
type OptionKeyInput struct {
	Mode                 string
	SourceMapMode         string
	IgnoreModules         []string
	InterceptorModules    []string
	PayloadConverterPath  string
	FailureConverterPath  string
}

// Key renders a stable, delimiter-safe serialization of the fields that
// affect output. Slices are sorted first so option order never changes
// the key, matching the "all serialized sets are sorted" ordering
// guarantee in spec.md §5.
func (o OptionKeyInput) Key() string {
	ignore := append([]string(nil), o.IgnoreModules...)
	sort.Strings(ignore)
	interceptors := append([]string(nil), o.InterceptorModules...)
	sort.Strings(interceptors)

	var b strings.Builder
	b.WriteString("mode=")
	b.WriteString(o.Mode)
	b.WriteString("\x1fsourceMap=")
	b.WriteString(o.SourceMapMode)
	b.WriteString("\x1fignore=")
	b.WriteString(strings.Join(ignore, "\x1e"))
	b.WriteString("\x1finterceptors=")
	b.WriteString(strings.Join(interceptors, "\x1e"))
	b.WriteString("\x1fpayloadConverter=")
	b.WriteString(o.PayloadConverterPath)
	b.WriteString("\x1ffailureConverter=")
	b.WriteString(o.FailureConverterPath)
	return b.String()
}

// FileHashFast computes the fast-path file_hash: the entrypoint's modtime
// and size, not its content.
func FileHashFast(entrypointPath string) (string, error) {
	info, err := os.Stat(entrypointPath)
	if err != nil {
		return "", fmt.Errorf("cache: stat %s: %w", entrypointPath, err)
	}
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(info.ModTime().UnixNano(), 10)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(info.Size(), 10)))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FileHashContent computes the content-hash path: SHA-256 over
// concatenated (relative_path, content_bytes) pairs for every file under
// root matching include, visited in sorted path order.
func FileHashContent(root string, include func(relPath string) bool) (string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if include == nil || include(rel) {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("cache: walking %s: %w", root, err)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, rel := range paths {
		content, err := os.ReadFile(filepath.Join(root, rel))
		if err != nil {
			return "", fmt.Errorf("cache: reading %s: %w", rel, err)
		}
		h.Write([]byte(rel))
		h.Write([]byte{0})
		h.Write(content)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CompositeHash computes H = SHA-256(option_key || file_hash).
func CompositeHash(optionKey, fileHash string) string {
	h := sha256.New()
	h.Write([]byte(optionKey))
	h.Write([]byte(fileHash))
	return hex.EncodeToString(h.Sum(nil))
}

// Get looks up the in-memory entry for optionKey. If found and its stored
// file_hash matches fileHash, returns the cached bundle; a stale file_hash
// is treated as a miss (the caller is responsible for rebuilding).
func (c *Cache) Get(optionKey, fileHash string) (Bundle, bool) {
	rec, ok := c.mem.Get(optionKey)
	if !ok {
		return Bundle{}, false
	}
	if rec.fileHash != fileHash {
		return Bundle{}, false
	}
	return rec.bundle, true
}

// Set inserts or overwrites the in-memory entry for optionKey.
func (c *Cache) Set(optionKey, fileHash string, b Bundle) {
	c.mem.Add(optionKey, &memoryRecord{bundle: b, fileHash: fileHash, timestamp: time.Now()})
}

// DiskGet reads the on-disk entry for compositeHash, honoring the TTL:
// an expired entry is deleted and reported as a miss.
func (c *Cache) DiskGet(compositeHash string) (Entry, bool, error) {
	if c.diskDir == "" {
		return Entry{}, false, nil
	}
	path := c.diskPath(compositeHash)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: reading %s: %w", path, err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: decoding %s: %w", path, err)
	}

	createdAt, err := time.Parse(time.RFC3339, entry.CreatedAt)
	if err == nil && time.Since(createdAt) > c.maxAge {
		log.Printf("disk cache entry %s expired (age > %s), evicting", compositeHash, c.maxAge)
		os.Remove(path)
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// DiskSet atomically writes entry for compositeHash, then runs size-bounded
// eviction over the whole disk cache directory.
func (c *Cache) DiskSet(compositeHash string, entry Entry) error {
	if c.diskDir == "" {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: encoding entry: %w", err)
	}
	path := c.diskPath(compositeHash)
	if err := c.atomicWrite(path, data); err != nil {
		return err
	}
	return c.evictIfOverSize()
}

func (c *Cache) diskPath(compositeHash string) string {
	return filepath.Join(c.diskDir, compositeHash+".json")
}

func (c *Cache) atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cache: creating cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("cache: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("cache: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cache: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cache: renaming temp file: %w", err)
	}
	return nil
}

type diskFileInfo struct {
	path    string
	modTime time.Time
	size    int64
}

// evictIfOverSize deletes the oldest on-disk entries (by modtime ascending)
// until total size is within maxSizeBytes.
func (c *Cache) evictIfOverSize() error {
	entries, err := os.ReadDir(c.diskDir)
	if err != nil {
		return fmt.Errorf("cache: listing disk cache: %w", err)
	}

	var files []diskFileInfo
	var total int64
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, diskFileInfo{path: filepath.Join(c.diskDir, e.Name()), modTime: info.ModTime(), size: info.Size()})
		total += info.Size()
	}
	if total <= c.maxSizeBytes {
		return nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
	for _, f := range files {
		if total <= c.maxSizeBytes {
			break
		}
		if err := os.Remove(f.path); err != nil {
			continue
		}
		total -= f.size
		log.Printf("evicted disk cache entry %s (size-bounded eviction)", f.path)
	}
	return nil
}

// Clear wipes every in-memory and on-disk entry.
func (c *Cache) Clear() error {
	c.mem.Purge()
	if c.diskDir == "" {
		return nil
	}
	entries, err := os.ReadDir(c.diskDir)
	if err != nil {
		return fmt.Errorf("cache: listing disk cache: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		os.Remove(filepath.Join(c.diskDir, e.Name()))
	}
	log.Print("cache cleared")
	return nil
}

// Stats is the count and byte total of the on-disk cache.
type Stats struct {
	Entries   int
	TotalSize int64
}

// Stats reports count and total byte size of on-disk entries.
func (c *Cache) Stats() (Stats, error) {
	if c.diskDir == "" {
		return Stats{}, nil
	}
	entries, err := os.ReadDir(c.diskDir)
	if err != nil {
		return Stats{}, fmt.Errorf("cache: listing disk cache: %w", err)
	}
	var stats Stats
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		stats.Entries++
		stats.TotalSize += info.Size()
	}
	return stats, nil
}
