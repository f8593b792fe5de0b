package offlinecache

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/eyojana/offline-cache/cache"
)

func TestInstallStoresManifest(t *testing.T) {
	origin := newTestOrigin()
	w := newTestWorker(t, origin)

	if err := w.Install(t.Context()); err != nil {
		t.Fatal(err)
	}

	static, _ := w.CacheNames()
	if static != "eyojana-static-v1" {
		t.Fatalf("Static cache is %s", static)
	}
	keys, err := w.storage.Handle(static).Keys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != len(DefaultManifest) {
		t.Fatalf("Stored %v", keys)
	}
	if !slices.Contains(keys, "GET:http://origin.test/offline.html") {
		t.Fatalf("Offline page not stored: %v", keys)
	}
	if w.State() != StateInstalled {
		t.Fatalf("State is %s", w.State())
	}
}

func TestInstallIsAllOrNothing(t *testing.T) {
	origin := newTestOrigin()
	origin.failPath = "/app.js"
	w := newTestWorker(t, origin)

	err := w.Install(t.Context())

	if !errors.Is(err, ErrBadStatus) {
		t.Fatalf("Install returned %v", err)
	}
	if names, _ := w.storage.Names(); len(names) != 0 {
		t.Fatalf("Caches written on failed install: %v", names)
	}
	if w.State() != StateRedundant {
		t.Fatalf("State is %s", w.State())
	}
}

func TestInstallFailsOffline(t *testing.T) {
	origin := newTestOrigin()
	origin.offline.Store(true)
	w := newTestWorker(t, origin)

	if err := w.Install(t.Context()); !errors.Is(err, errOffline) {
		t.Fatalf("Install returned %v", err)
	}
	if names, _ := w.storage.Names(); len(names) != 0 {
		t.Fatalf("Caches written on failed install: %v", names)
	}
}

func TestActivateDeletesStaleGenerations(t *testing.T) {
	storage := cache.NewStorage(cache.NewMemCache())
	for _, name := range []string{"eyojana-static-v0", "eyojana-dynamic-v0", "unrelated"} {
		if _, err := storage.Open(name); err != nil {
			t.Fatal(err)
		}
	}
	w := newActiveWorker(t, newTestOrigin(), func(c *Config) { c.Storage = storage })

	names, err := storage.Names()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "eyojana-static-v1" {
		t.Fatalf("Caches after activation: %v", names)
	}
	if w.State() != StateActivated {
		t.Fatalf("State is %s", w.State())
	}
}

type claimRecorder struct {
	claimed *Worker
	err     error
}

func (c *claimRecorder) Claim(ctx context.Context, w *Worker) error {
	c.claimed = w
	return c.err
}

func TestActivateClaimsClients(t *testing.T) {
	w := newTestWorker(t, newTestOrigin())
	if err := w.Install(t.Context()); err != nil {
		t.Fatal(err)
	}
	clients := &claimRecorder{}

	if err := w.Activate(t.Context(), clients); err != nil {
		t.Fatal(err)
	}
	if clients.claimed != w {
		t.Fatal("Clients not claimed")
	}
}

func TestFailedActivationKeepsState(t *testing.T) {
	w := newTestWorker(t, newTestOrigin())
	if err := w.Install(t.Context()); err != nil {
		t.Fatal(err)
	}
	clients := &claimRecorder{err: errors.New("claim failed")}

	if err := w.Activate(t.Context(), clients); err == nil {
		t.Fatal("Activation did not fail")
	}
	if w.State() != StateInstalled {
		t.Fatalf("State is %s", w.State())
	}
}

func TestGenerationIsPartOfCacheNames(t *testing.T) {
	w := newTestWorker(t, newTestOrigin(), func(c *Config) {
		c.Generation = "v7"
		c.StaticCacheName = "app-static"
	})
	static, dynamic := w.CacheNames()
	if static != "app-static-v7" || dynamic != "eyojana-dynamic-v7" {
		t.Fatalf("Cache names are %s and %s", static, dynamic)
	}
}
