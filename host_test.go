package offlinecache

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eyojana/offline-cache/cache"
	"github.com/eyojana/offline-cache/notify"

	"github.com/rs/zerolog"
)

func newTestHost(t *testing.T, network Fetcher, mutate ...func(*HostConfig)) (*Host, *notify.Center) {
	t.Helper()
	logger := zerolog.Nop()
	center := notify.NewCenter(notify.PermissionGranted, &logger)
	config := HostConfig{
		Network:        network,
		Logger:         &logger,
		Notifications:  center,
		InstallBackoff: time.Millisecond,
	}
	for _, m := range mutate {
		m(&config)
	}
	return NewHost(config), center
}

func post(t *testing.T, h http.Handler, path, body string) *http.Response {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rr.Result()
}

func TestHostPassesThroughWithoutWorker(t *testing.T) {
	origin := newTestOrigin()
	host, _ := newTestHost(t, origin)

	res := get(t, host, http.MethodGet, "/api/data")

	if body := readBody(t, res); body != `{"ok":true}` {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "Offline-Cache; fwd=bypass" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if res := post(t, host, "/.offline-cache/push", "hello"); res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Push without worker answered %d", res.StatusCode)
	}
}

func TestHostRoutesToActivatedWorker(t *testing.T) {
	origin := newTestOrigin()
	host, _ := newTestHost(t, origin)
	w := newTestWorker(t, origin)

	if err := host.Register(t.Context(), w); err != nil {
		t.Fatal(err)
	}
	if host.Controller() != w {
		t.Fatal("Worker does not control the host")
	}

	res := get(t, host, http.MethodGet, "/styles.css")
	if cs := res.Header.Get("Cache-Status"); cs != "Offline-Cache; hit" {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

// flakyOrigin fails the first n fetches.
type flakyOrigin struct {
	*testOrigin
	failures atomic.Int32
}

func (o *flakyOrigin) Fetch(r *http.Request) (*http.Response, error) {
	if o.failures.Add(-1) >= 0 {
		return nil, errOffline
	}
	return o.testOrigin.Fetch(r)
}

func TestHostRetriesInstall(t *testing.T) {
	origin := &flakyOrigin{testOrigin: newTestOrigin()}
	origin.failures.Store(2)
	host, _ := newTestHost(t, origin)
	w := newTestWorker(t, origin)

	if err := host.Register(t.Context(), w); err != nil {
		t.Fatal(err)
	}
	if w.State() != StateActivated {
		t.Fatalf("State is %s", w.State())
	}
}

func TestHostGivesUpInstall(t *testing.T) {
	origin := newTestOrigin()
	origin.offline.Store(true)
	host, _ := newTestHost(t, origin, func(c *HostConfig) { c.InstallAttempts = 2 })
	w := newTestWorker(t, origin)

	if err := host.Register(t.Context(), w); !errors.Is(err, errOffline) {
		t.Fatalf("Register returned %v", err)
	}
	if host.Controller() != nil || w.State() != StateRedundant {
		t.Fatalf("Worker in state %s controls the host", w.State())
	}
}

func TestNewGenerationReplacesOldOne(t *testing.T) {
	origin := newTestOrigin()
	host, _ := newTestHost(t, origin)
	storage := cache.NewStorage(cache.NewMemCache())
	v1 := newTestWorker(t, origin, func(c *Config) { c.Storage = storage })
	v2 := newTestWorker(t, origin, func(c *Config) {
		c.Storage = storage
		c.Generation = "v2"
	})

	if err := host.Register(t.Context(), v1); err != nil {
		t.Fatal(err)
	}
	get(t, host, http.MethodGet, "/api/data")
	if err := host.Register(t.Context(), v2); err != nil {
		t.Fatal(err)
	}

	if host.Controller() != v2 || v1.State() != StateRedundant {
		t.Fatalf("v1 is %s, v2 is %s", v1.State(), v2.State())
	}
	names, _ := storage.Names()
	if len(names) != 1 || names[0] != "eyojana-static-v2" {
		t.Fatalf("Caches are %v", names)
	}
}

func TestHostNotificationRoutes(t *testing.T) {
	origin := newTestOrigin()
	host, center := newTestHost(t, origin)
	opener := &notify.CommandOpener{}
	w := newTestWorker(t, origin, func(c *Config) {
		c.Notifier = center
		c.Windows = opener
	})
	if err := host.Register(t.Context(), w); err != nil {
		t.Fatal(err)
	}

	if res := post(t, host, "/.offline-cache/push", `{"title":"T","url":"/schemes"}`); res.StatusCode != http.StatusAccepted {
		t.Fatalf("Push answered %d", res.StatusCode)
	}

	res := get(t, host, http.MethodGet, "/.offline-cache/notifications")
	var list []notify.Notification
	if err := json.NewDecoder(res.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Title != "T" {
		t.Fatalf("Notifications are %v", list)
	}

	if res := post(t, host, "/.offline-cache/notifications/"+list[0].ID+"/click", ""); res.StatusCode != http.StatusNoContent {
		t.Fatalf("Click answered %d", res.StatusCode)
	}
	if opened := opener.Opened(); len(opened) != 1 || opened[0] != "http://origin.test/schemes" {
		t.Fatalf("Opened %v", opened)
	}
	if res := post(t, host, "/.offline-cache/notifications/"+list[0].ID+"/click", ""); res.StatusCode != http.StatusNotFound {
		t.Fatalf("Second click answered %d", res.StatusCode)
	}
}

func TestHostSyncRoutes(t *testing.T) {
	origin := newTestOrigin()
	endpoint := newSyncEndpoint(t, http.StatusOK, `{}`)
	host, _ := newTestHost(t, origin)
	if err := host.Register(t.Context(), newTestWorker(t, origin, endpoint.config)); err != nil {
		t.Fatal(err)
	}

	if res := post(t, host, "/.offline-cache/sync/yojana-sync", ""); res.StatusCode != http.StatusAccepted {
		t.Fatalf("Register answered %d", res.StatusCode)
	}
	if pending, _ := host.Sync().Pending(); len(pending) != 1 {
		t.Fatalf("Pending %v", pending)
	}
	host.Sync().RunPending(t.Context())

	if n := endpoint.requests.Load(); n != 1 {
		t.Fatalf("Endpoint called %d times", n)
	}
	if pending, _ := host.Sync().Pending(); len(pending) != 0 {
		t.Fatalf("Pending %v", pending)
	}
}

func TestHostRetriesFailedSyncUntilMaxAttempts(t *testing.T) {
	origin := newTestOrigin()
	endpoint := newSyncEndpoint(t, http.StatusServiceUnavailable, "")
	host, _ := newTestHost(t, origin, func(c *HostConfig) {
		c.SyncMaxAttempts = 2
		c.SyncBackoff = time.Hour
	})
	if err := host.Register(t.Context(), newTestWorker(t, origin, endpoint.config)); err != nil {
		t.Fatal(err)
	}

	post(t, host, "/.offline-cache/sync/yojana-sync", "")
	host.Sync().RunPending(t.Context())
	if pending, _ := host.Sync().Pending(); len(pending) != 1 || pending[0].Attempts != 1 {
		t.Fatalf("Pending %v", pending)
	}

	if res := post(t, host, "/.offline-cache/online", ""); res.StatusCode != http.StatusAccepted {
		t.Fatalf("Online answered %d", res.StatusCode)
	}
	host.Sync().RunPending(t.Context())

	if n := endpoint.requests.Load(); n != 2 {
		t.Fatalf("Endpoint called %d times", n)
	}
	if pending, _ := host.Sync().Pending(); len(pending) != 0 {
		t.Fatalf("Task not dropped: %v", pending)
	}
}

func TestHostStatus(t *testing.T) {
	origin := newTestOrigin()
	host, _ := newTestHost(t, origin)
	if err := host.Register(t.Context(), newTestWorker(t, origin)); err != nil {
		t.Fatal(err)
	}

	res := get(t, host, http.MethodGet, "/.offline-cache/status")
	var status hostStatus
	if err := json.NewDecoder(res.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.State != StateActivated || status.Generation != "v1" || len(status.Caches) != 1 {
		t.Fatalf("Status is %+v", status)
	}
}

func TestSyncRegisteredBeforeActivationWaitsForWorker(t *testing.T) {
	origin := newTestOrigin()
	endpoint := newSyncEndpoint(t, http.StatusOK, `{}`)
	host, _ := newTestHost(t, origin, func(c *HostConfig) {
		c.SyncMaxAttempts = 2
		c.SyncBackoff = time.Hour
	})

	if err := host.Sync().Register(DefaultSyncTag); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		host.Sync().Trigger()
		host.Sync().RunPending(t.Context())
	}
	pending, _ := host.Sync().Pending()
	if len(pending) != 1 || pending[0].Attempts != 0 {
		t.Fatalf("Pending %v", pending)
	}

	if err := host.Register(t.Context(), newTestWorker(t, origin, endpoint.config)); err != nil {
		t.Fatal(err)
	}
	host.Sync().Trigger()
	host.Sync().RunPending(t.Context())

	if n := endpoint.requests.Load(); n != 1 {
		t.Fatalf("Endpoint called %d times", n)
	}
	if pending, _ := host.Sync().Pending(); len(pending) != 0 {
		t.Fatalf("Pending %v", pending)
	}
}

func TestHostPermissionRoute(t *testing.T) {
	origin := newTestOrigin()
	host, center := newTestHost(t, origin)
	center.SetPermission(notify.PermissionDenied)
	w := newTestWorker(t, origin, func(c *Config) { c.Notifier = center })
	if err := host.Register(t.Context(), w); err != nil {
		t.Fatal(err)
	}

	setPermission := func(body string) int {
		rr := httptest.NewRecorder()
		host.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/.offline-cache/notifications/permission", strings.NewReader(body)))
		return rr.Code
	}

	post(t, host, "/.offline-cache/push", `{"title":"Dropped"}`)
	if n := len(center.List()); n != 0 {
		t.Fatalf("%d notifications shown while denied", n)
	}

	if code := setPermission(`{"permission":"maybe"}`); code != http.StatusBadRequest {
		t.Fatalf("Unknown permission answered %d", code)
	}
	if code := setPermission(`{"permission":"granted"}`); code != http.StatusNoContent {
		t.Fatalf("Permission answered %d", code)
	}
	if p := center.Permission(); p != notify.PermissionGranted {
		t.Fatalf("Permission is %s", p)
	}

	post(t, host, "/.offline-cache/push", `{"title":"Shown"}`)
	if list := center.List(); len(list) != 1 || list[0].Title != "Shown" {
		t.Fatalf("Notifications are %v", list)
	}
}
