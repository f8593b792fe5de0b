package offlinecache_test

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	offlinecache "github.com/eyojana/offline-cache"
)

// The worker can sit in front of an in-process handler instead of a remote origin.
func ExampleNewHandlerFetcher() {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "Hello, %q", r.URL.Path)
	})
	origin, _ := url.Parse("http://localhost:8080")

	worker := offlinecache.CreateWorker(offlinecache.Config{
		OriginURL: *origin,
		Network:   offlinecache.NewHandlerFetcher(handler),
	})
	host := offlinecache.NewHost(offlinecache.HostConfig{
		Network: offlinecache.NewHandlerFetcher(handler),
	})
	if err := host.Register(context.Background(), worker); err != nil {
		panic(err)
	}

	http.ListenAndServe(":8080", host)
}
