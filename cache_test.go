package vfskit

import (
	"testing"
	"time"
)

func fileAt(uri string, size int64) FileInfo {
	p := MustParse(uri)
	return FileInfo{Name: p.Name(), Path: p, Size: size, Type: TypeRegular}
}

func TestAttributeCacheTakeIsSingleUse(t *testing.T) {
	c := NewAttributeCache(0)
	c.Put(fileAt("mem://vol/a.txt", 10))

	fi, ok := c.Take(MustParse("mem://vol/a.txt"))
	if !ok || fi.Size != 10 {
		t.Fatalf("Take() = %+v, %v", fi, ok)
	}
	if _, ok := c.Take(MustParse("mem://vol/a.txt")); ok {
		t.Error("second Take() should miss")
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Size != 0 {
		t.Errorf("Stats() = %+v", stats)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("HitRate = %v, want 0.5", stats.HitRate)
	}
}

func TestAttributeCacheExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewAttributeCache(time.Minute)
	c.now = func() time.Time { return now }

	c.Put(fileAt("mem://vol/a", 1))
	c.Put(fileAt("mem://vol/b", 2))

	now = now.Add(30 * time.Second)
	if _, ok := c.Take(MustParse("mem://vol/a")); !ok {
		t.Error("entry expired early")
	}

	now = now.Add(time.Minute)
	c.Put(fileAt("mem://vol/c", 3))
	c.Cleanup()

	stats := c.Stats()
	if stats.Size != 1 || stats.Evictions != 1 {
		t.Errorf("after Cleanup() Stats() = %+v", stats)
	}
	if _, ok := c.Take(MustParse("mem://vol/c")); !ok {
		t.Error("fresh entry was evicted")
	}

	c.Put(fileAt("mem://vol/d", 4))
	now = now.Add(2 * time.Minute)
	if _, ok := c.Take(MustParse("mem://vol/d")); ok {
		t.Error("Take() returned an expired entry")
	}
	if got := c.Stats().Evictions; got != 2 {
		t.Errorf("Evictions = %d, want 2", got)
	}
}

func TestAttributeCacheInvalidate(t *testing.T) {
	c := NewAttributeCache(0)
	for _, uri := range []string{
		"mem://vol/dir",
		"mem://vol/dir/a",
		"mem://vol/dir/sub/b",
		"mem://vol/dirx",
		"mem://other/dir/a",
	} {
		c.Put(fileAt(uri, 1))
	}

	c.Invalidate(MustParse("mem://vol/dirx"))
	if c.Stats().Size != 4 {
		t.Fatalf("Size = %d after Invalidate", c.Stats().Size)
	}

	c.InvalidatePrefix(MustParse("mem://vol/dir"))
	if got := c.Stats().Size; got != 1 {
		t.Errorf("Size = %d after InvalidatePrefix, want 1", got)
	}
	if _, ok := c.Take(MustParse("mem://other/dir/a")); !ok {
		t.Error("InvalidatePrefix() crossed authorities")
	}
}

func TestAttributeCacheInvalidatePrefixFTPOptions(t *testing.T) {
	c := NewAttributeCache(0)
	c.Put(fileAt("ftp://h/pub/a?mode=extended-passive", 1))
	c.Put(fileAt("ftp://h/pub/a", 1))

	c.InvalidatePrefix(MustParse("ftp://h/pub?mode=extended-passive"))
	if got := c.Stats().Size; got != 1 {
		t.Errorf("Size = %d, want 1", got)
	}
	if _, ok := c.Take(MustParse("ftp://h/pub/a")); !ok {
		t.Error("entry of the passive authority was dropped")
	}
}

func TestAttributeCacheInvalidateRoot(t *testing.T) {
	c := NewAttributeCache(0)
	c.Put(fileAt("mem://vol/a", 1))
	c.Put(fileAt("mem://vol/b/c", 1))
	c.InvalidatePrefix(MustParse("mem://vol/"))
	if got := c.Stats().Size; got != 0 {
		t.Errorf("Size = %d, want 0", got)
	}

	c.Put(fileAt("mem://vol/a", 1))
	c.Clear()
	if got := c.Stats().Size; got != 0 {
		t.Errorf("Size = %d after Clear, want 0", got)
	}
}
