package proxy

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPool_Empty(t *testing.T) {
	p := NewPool(Config{})
	if got := p.Next(); got != nil {
		t.Errorf("expected nil from empty pool, got %v", got)
	}
}

func TestPool_RoundRobin(t *testing.T) {
	p := NewPool(Config{})
	if err := p.Add("http://p1:8080", "http://p2:8080"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first := p.Next()
	second := p.Next()
	third := p.Next()

	if first == nil || second == nil || third == nil {
		t.Fatal("expected proxies from pool")
	}
	if first.String() == second.String() {
		t.Error("expected rotation between proxies")
	}
	if first.String() != third.String() {
		t.Error("expected rotation to wrap around")
	}
}

func TestPool_DefaultScheme(t *testing.T) {
	p := NewPool(Config{})
	if err := p.Add("10.0.0.1:3128"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := p.Next(); got.Scheme != "http" {
		t.Errorf("expected http scheme default, got %s", got.Scheme)
	}
}

func TestPool_BenchAfterFailures(t *testing.T) {
	p := NewPool(Config{MaxFailures: 2, Cooldown: time.Hour})
	_ = p.Add("http://flaky:8080")

	u, _ := url.Parse("http://flaky:8080")
	_ = p.MarkFailure(u)
	_ = p.MarkFailure(u)

	if got := p.Next(); got != nil {
		t.Errorf("benched proxy should not be returned, got %v", got)
	}
}

func TestPool_ReviveAfterCooldown(t *testing.T) {
	p := NewPool(Config{MaxFailures: 1, Cooldown: 10 * time.Millisecond})
	_ = p.Add("http://flaky:8080")

	u, _ := url.Parse("http://flaky:8080")
	_ = p.MarkFailure(u)

	if got := p.Next(); got != nil {
		t.Fatal("proxy should be benched")
	}

	time.Sleep(20 * time.Millisecond)
	if got := p.Next(); got == nil {
		t.Fatal("proxy should be revived after cooldown")
	}
}

func TestPool_SuccessOffsetsFailure(t *testing.T) {
	p := NewPool(Config{MaxFailures: 2, Cooldown: time.Hour})
	_ = p.Add("http://wobbly:8080")

	u, _ := url.Parse("http://wobbly:8080")
	_ = p.MarkFailure(u)
	_ = p.MarkSuccess(u)
	_ = p.MarkFailure(u)

	// One net failure, below the threshold of two.
	if got := p.Next(); got == nil {
		t.Error("proxy should still be healthy")
	}
}

func TestPool_UnknownProxy(t *testing.T) {
	p := NewPool(Config{})
	u, _ := url.Parse("http://stranger:8080")
	if err := p.MarkFailure(u); err == nil {
		t.Error("expected error for unknown proxy")
	}
	if err := p.MarkSuccess(nil); err == nil {
		t.Error("expected error for nil proxy")
	}
}

func TestPool_LoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxies.txt")
	content := "# fleet\nhttp://p1:8080\n\np2:8080\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	p := NewPool(Config{})
	if err := p.LoadFile(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Len() != 2 {
		t.Errorf("expected 2 proxies, got %d", p.Len())
	}
}
