package useragent

import (
	"sync"
	"testing"
)

func TestNewPool_FallsBackToDefault(t *testing.T) {
	p := NewPool(nil)
	if len(p.All()) != len(DefaultPool) {
		t.Errorf("expected %d default UAs, got %d", len(DefaultPool), len(p.All()))
	}
}

func TestPool_NextRoundRobin(t *testing.T) {
	uas := []string{"ua-1", "ua-2", "ua-3"}
	p := NewPool(uas)

	for i := 0; i < 6; i++ {
		got := p.Next()
		want := uas[i%3]
		if got != want {
			t.Errorf("call %d: got %s, want %s", i, got, want)
		}
	}
}

func TestPool_NextConcurrent(t *testing.T) {
	p := NewPool([]string{"a", "b", "c"})

	var wg sync.WaitGroup
	counts := make(map[string]int)
	var mu sync.Mutex

	for i := 0; i < 300; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ua := p.Next()
			mu.Lock()
			counts[ua]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, ua := range []string{"a", "b", "c"} {
		if counts[ua] != 100 {
			t.Errorf("ua %s: expected 100 uses, got %d", ua, counts[ua])
		}
	}
}

func TestPool_Random(t *testing.T) {
	p := NewPool([]string{"only"})
	if got := p.Random(); got != "only" {
		t.Errorf("expected 'only', got %s", got)
	}
}

func TestHeaders(t *testing.T) {
	ff := "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0"
	h := Headers(ff)
	if h.Get("User-Agent") != ff {
		t.Error("User-Agent not carried through")
	}
	if h.Get("Accept") == "" || h.Get("Accept-Language") == "" {
		t.Error("expected plausible Accept headers")
	}

	chrome := DefaultPool[0]
	if Headers(chrome).Get("Accept") == h.Get("Accept") {
		t.Error("Chrome and Firefox Accept headers should differ")
	}
}

func TestPool_AllReturnsCopy(t *testing.T) {
	p := NewPool([]string{"x"})
	all := p.All()
	all[0] = "mutated"
	if p.Next() != "x" {
		t.Error("mutating All() result must not affect the pool")
	}
}
