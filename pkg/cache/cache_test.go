package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOptionKeyInput_SortsSlicesForStability(t *testing.T) {
	a := OptionKeyInput{IgnoreModules: []string{"b", "a"}, InterceptorModules: []string{"y", "x"}}
	b := OptionKeyInput{IgnoreModules: []string{"a", "b"}, InterceptorModules: []string{"x", "y"}}
	if a.Key() != b.Key() {
		t.Fatalf("Key() should be order-independent: %q != %q", a.Key(), b.Key())
	}
}

func TestOptionKeyInput_DiffersOnMode(t *testing.T) {
	a := OptionKeyInput{Mode: "development"}
	b := OptionKeyInput{Mode: "production"}
	if a.Key() == b.Key() {
		t.Fatal("Key() should differ across modes")
	}
}

func TestCompositeHash_Deterministic(t *testing.T) {
	a := CompositeHash("key1", "filehash1")
	b := CompositeHash("key1", "filehash1")
	if a != b {
		t.Fatal("CompositeHash should be deterministic")
	}
	if CompositeHash("key1", "filehash2") == a {
		t.Fatal("CompositeHash should differ on file hash")
	}
}

func TestFileHashFast_ChangesWithModTime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entry.ts")
	if err := os.WriteFile(path, []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	h1, err := FileHashFast(path)
	if err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	h2, err := FileHashFast(path)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Fatal("FileHashFast should change when modtime changes")
	}
}

func TestFileHashContent_DeterministicAndOrderIndependent(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.ts"), []byte("content-a"), 0o644)
	os.WriteFile(filepath.Join(dir, "b.ts"), []byte("content-b"), 0o644)

	h1, err := FileHashContent(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := FileHashContent(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatal("FileHashContent should be deterministic across calls")
	}
}

func TestFileHashContent_ChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.ts")
	os.WriteFile(path, []byte("v1"), 0o644)
	h1, _ := FileHashContent(dir, nil)
	os.WriteFile(path, []byte("v2"), 0o644)
	h2, _ := FileHashContent(dir, nil)
	if h1 == h2 {
		t.Fatal("FileHashContent should change when a file's content changes")
	}
}

func TestMemoryCache_GetSet(t *testing.T) {
	c, err := New(8, "", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	c.Set("opt1", "filehash1", Bundle{Code: "console.log(1)"})

	b, ok := c.Get("opt1", "filehash1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if b.Code != "console.log(1)" {
		t.Errorf("Code = %q", b.Code)
	}

	if _, ok := c.Get("opt1", "stale-filehash"); ok {
		t.Error("expected miss when file_hash has changed")
	}
}

func TestDiskCache_RoundTripAndTTL(t *testing.T) {
	dir := t.TempDir()
	c, err := New(8, dir, 50*time.Millisecond, 0)
	if err != nil {
		t.Fatal(err)
	}

	entry := Entry{
		Bundle:        Bundle{Code: "x"},
		CompositeHash: "abc123",
		CreatedAt:     time.Now().Format(time.RFC3339Nano),
	}
	if err := c.DiskSet("abc123", entry); err != nil {
		t.Fatal(err)
	}

	got, ok, err := c.DiskGet("abc123")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got.Bundle.Code != "x" {
		t.Fatalf("DiskGet = %+v, %v", got, ok)
	}

	time.Sleep(100 * time.Millisecond)
	_, ok, err = c.DiskGet("abc123")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected TTL-expired entry to be a miss")
	}
}

func TestDiskCache_SizeEviction(t *testing.T) {
	dir := t.TempDir()
	c, err := New(8, dir, DefaultMaxAge, 100)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		entry := Entry{
			Bundle:        Bundle{Code: "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"},
			CompositeHash: string(rune('a' + i)),
			CreatedAt:     time.Now().Format(time.RFC3339),
		}
		if err := c.DiskSet(entry.CompositeHash, entry); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	stats, err := c.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalSize > 100 {
		t.Errorf("TotalSize = %d, want <= 100 after eviction", stats.TotalSize)
	}
}

func TestCache_Clear(t *testing.T) {
	dir := t.TempDir()
	c, err := New(8, dir, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	c.Set("opt1", "fh1", Bundle{Code: "x"})
	c.DiskSet("h1", Entry{CompositeHash: "h1", CreatedAt: time.Now().Format(time.RFC3339)})

	if err := c.Clear(); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get("opt1", "fh1"); ok {
		t.Error("expected memory cache cleared")
	}
	stats, _ := c.Stats()
	if stats.Entries != 0 {
		t.Errorf("Entries = %d, want 0 after clear", stats.Entries)
	}
}
