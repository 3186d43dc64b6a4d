package cache

import (
	"testing"
	"time"
)

func TestGetWithinTTL(t *testing.T) {
	c := New(5 * time.Minute)

	c.Set("k", 42)
	v, ok := c.Get("k")
	if !ok {
		t.Fatal("expected hit within TTL")
	}
	if v.(int) != 42 {
		t.Fatalf("got %v, want 42", v)
	}
}

func TestGetAfterTTLIsMiss(t *testing.T) {
	c := New(5 * time.Minute)

	base := time.Now()
	c.now = func() time.Time { return base }
	c.Set("k", "v")

	c.now = func() time.Time { return base.Add(5*time.Minute + time.Second) }
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected miss after TTL elapsed")
	}
}

func TestSetOverwrites(t *testing.T) {
	c := New(time.Minute)
	c.Set("k", 1)
	c.Set("k", 2)
	v, ok := c.Get("k")
	if !ok || v.(int) != 2 {
		t.Fatalf("got %v (ok=%v), want 2", v, ok)
	}
}

func TestPurgeExpired(t *testing.T) {
	c := New(time.Minute)

	base := time.Now()
	c.now = func() time.Time { return base }
	c.Set("old", 1)

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	c.Set("fresh", 2)
	c.PurgeExpired()

	if c.Len() != 1 {
		t.Fatalf("expected 1 entry after purge, got %d", c.Len())
	}
	if _, ok := c.Get("fresh"); !ok {
		t.Fatal("fresh entry should survive purge")
	}
}

func TestKeyIsDeterministic(t *testing.T) {
	a := Key("planta_el_volcan", "history", "100", "200")
	b := Key("planta_el_volcan", "history", "100", "200")
	if a != b {
		t.Fatalf("keys differ: %q vs %q", a, b)
	}
	if a == Key("planta_el_volcan", "history", "100", "300") {
		t.Fatal("different params must yield different keys")
	}
}
