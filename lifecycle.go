package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	serializer "github.com/eyojana/offline-cache/pkg/response-serializer"

	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of a worker.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// ErrBadStatus is returned by Install when a manifest resource is not answered with 2xx.
var ErrBadStatus = errors.New("unexpected status")

// Clients is what a worker can take control of when it activates.
type Clients interface {
	Claim(ctx context.Context, w *Worker) error
}

func (w *Worker) State() State {
	return w.state.Load().(State)
}

func (w *Worker) setState(s State) {
	w.state.Store(s)
	w.log.Debug().Str("state", string(s)).Msg("Worker state changed")
}

// Install stores every manifest resource in the static cache.
// Either all of them are stored or, on error, none.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)
	err := dispatch(ctx, func(e *ExtendableEvent) {
		e.WaitUntil(w.precache)
	})
	if err != nil {
		w.log.Error().Err(err).Msg("Install failed")
		w.setState(StateRedundant)
		return fmt.Errorf("install: %w", err)
	}
	w.log.Info().Str("cache", w.staticName).Int("resources", len(w.manifest)).Msg("Installed")
	w.setState(StateInstalled)
	return nil
}

func (w *Worker) precache(ctx context.Context) error {
	var mutex sync.Mutex
	entries := make(map[string][]byte, len(w.manifest))

	g, gctx := errgroup.WithContext(ctx)
	for _, path := range w.manifest {
		g.Go(func() error {
			key, bytes, err := w.fetchForCache(gctx, path)
			if err != nil {
				return err
			}
			mutex.Lock()
			entries[key] = bytes
			mutex.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return w.storage.Handle(w.staticName).AddAll(entries)
}

func (w *Worker) fetchForCache(ctx context.Context, path string) (string, []byte, error) {
	u, err := w.keyer.Resolve(path)
	if err != nil {
		return "", nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", nil, err
	}
	res, err := w.network.Fetch(req)
	if err != nil {
		return "", nil, fmt.Errorf("fetch %s: %w", path, err)
	}
	defer res.Body.Close()
	if !isSuccess(res.StatusCode) {
		return "", nil, fmt.Errorf("fetch %s: %w %d", path, ErrBadStatus, res.StatusCode)
	}
	bytes, err := serializer.StoredResponseToBytes(serializer.StoredResponse{
		Response: res,
		StoredAt: time.Now(),
	})
	if err != nil {
		return "", nil, fmt.Errorf("read %s: %w", path, err)
	}
	return w.keyer.GetKey(req), bytes, nil
}

// Activate deletes the caches of other generations and claims the clients.
// clients may be nil.
func (w *Worker) Activate(ctx context.Context, clients Clients) error {
	prev := w.State()
	w.setState(StateActivating)
	err := dispatch(ctx, func(e *ExtendableEvent) {
		e.WaitUntil(func(ctx context.Context) error {
			if err := w.purgeStaleCaches(); err != nil {
				return err
			}
			if clients == nil {
				return nil
			}
			return clients.Claim(ctx, w)
		})
	})
	if err != nil {
		w.log.Error().Err(err).Msg("Activation failed")
		w.setState(prev)
		return fmt.Errorf("activate: %w", err)
	}
	w.setState(StateActivated)
	w.log.Info().Msg("Activated")
	return nil
}

func (w *Worker) purgeStaleCaches() error {
	names, err := w.storage.Names()
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}
	for _, name := range names {
		if name == w.staticName || name == w.dynamicName {
			continue
		}
		w.log.Info().Str("cache", name).Msg("Deleting stale cache")
		if _, err := w.storage.Delete(name); err != nil {
			return fmt.Errorf("delete cache %s: %w", name, err)
		}
	}
	return nil
}
