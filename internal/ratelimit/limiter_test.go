package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_Wait(t *testing.T) {
	l := New(Config{
		DefaultRPS:   10, // 10 requests per second = 100ms interval
		DefaultBurst: 1,
	})
	ctx := context.Background()

	// Consume initial token
	if err := l.Wait(ctx, "https://repo.example.edu/oai?verb=Identify"); err != nil {
		t.Fatal(err)
	}

	// Next one should wait ~100ms
	start := time.Now()
	if err := l.Wait(ctx, "https://REPO.example.edu/oai?verb=ListSets"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiter_DifferentHosts(t *testing.T) {
	l := New(Config{
		DefaultRPS:   1, // 1 RPS = 1s interval
		DefaultBurst: 1,
	})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://a.example.edu/oai"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := l.Wait(ctx, "https://b.example.edu/oai"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur > 100*time.Millisecond {
		t.Errorf("expected host b to be independent of host a, waited %v", dur)
	}
}

func TestLimiter_HostOverride(t *testing.T) {
	l := New(Config{
		DefaultRPS:   1,
		DefaultBurst: 1,
		Hosts:        map[string]HostLimit{"Fast.example.edu": {RPS: 0}},
	})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := l.Wait(ctx, "https://fast.example.edu/oai"); err != nil {
			t.Fatal(err)
		}
	}
	if dur := time.Since(start); dur > 100*time.Millisecond {
		t.Errorf("expected unlimited host, waited %v", dur)
	}
}

func TestLimiter_ContextCanceled(t *testing.T) {
	l := New(Config{DefaultRPS: 0.01, DefaultBurst: 1})
	if err := l.Wait(context.Background(), "https://slow.example.edu"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "https://slow.example.edu"); err == nil {
		t.Fatal("expected wait to fail once the context expires")
	}

	canceled, stop := context.WithCancel(context.Background())
	stop()
	if err := (Noop{}).Wait(canceled, "https://x"); err == nil {
		t.Fatal("expected noop limiter to surface cancellation")
	}
}
