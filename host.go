package offlinecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eyojana/offline-cache/bgsync"
	"github.com/eyojana/offline-cache/notify"
	"github.com/eyojana/offline-cache/rfc9111"
	"github.com/eyojana/offline-cache/rfc9211"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// ControlPrefix is where the host's control plane is mounted.
const ControlPrefix = "/.offline-cache"

// ErrNotActivated means no activated worker controls the host.
var ErrNotActivated = errors.New("no activated worker")

type HostConfig struct {
	// Network used while no worker controls the host.
	Network Fetcher
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Open notifications, listed by the control plane. May be nil.
	Notifications *notify.Center
	// Pending sync tasks. An in-memory queue is used if nil.
	SyncQueue bgsync.Queue
	// Passed on to the sync manager.
	SyncInterval    time.Duration
	SyncMaxAttempts int
	SyncBackoff     time.Duration
	// Install attempts before a worker is given up, and the first retry delay.
	InstallAttempts int
	InstallBackoff  time.Duration
}

// Host runs workers: it installs and activates them, routes intercepted
// requests to the controlling worker and turns control-plane calls into events.
type Host struct {
	network         Fetcher
	log             zerolog.Logger
	notifications   *notify.Center
	sync            *bgsync.Manager
	installAttempts int
	installBackoff  time.Duration
	router          chi.Router

	mutex      sync.Mutex
	active     *Worker
	controller atomic.Pointer[Worker]
}

func NewHost(config HostConfig) *Host {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	h := &Host{
		network:         config.Network,
		log:             logger.With().Str("component", "host").Logger(),
		notifications:   config.Notifications,
		installAttempts: config.InstallAttempts,
		installBackoff:  config.InstallBackoff,
	}
	if h.installAttempts <= 0 {
		h.installAttempts = 3
	}
	if h.installBackoff <= 0 {
		h.installBackoff = time.Second
	}
	h.sync = bgsync.NewManager(bgsync.Config{
		Queue:          config.SyncQueue,
		Handler:        h.dispatchSync,
		Interval:       config.SyncInterval,
		MaxAttempts:    config.SyncMaxAttempts,
		InitialBackoff: config.SyncBackoff,
		Logger:         &logger,
	})
	h.router = h.routes()
	return h
}

// Register installs the worker, retrying with backoff, and activates it
// right away. A previously active worker becomes redundant.
func (h *Host) Register(ctx context.Context, w *Worker) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.installBackoff
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, w.Install(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(h.installAttempts)),
		backoff.WithNotify(func(err error, d time.Duration) {
			h.log.Warn().Err(err).Dur("retryIn", d).Msg("Install failed, retrying")
		}),
	)
	if err != nil {
		return err
	}

	if err := w.Activate(ctx, h); err != nil {
		return err
	}

	h.mutex.Lock()
	prev := h.active
	h.active = w
	h.mutex.Unlock()
	if prev != nil && prev != w {
		prev.setState(StateRedundant)
	}
	return nil
}

// Claim makes the worker control every request from now on.
func (h *Host) Claim(ctx context.Context, w *Worker) error {
	h.controller.Store(w)
	h.log.Info().Str("generation", w.generation).Msg("Worker claimed clients")
	return nil
}

// Controller returns the worker controlling requests, or nil.
func (h *Host) Controller() *Worker {
	w := h.controller.Load()
	if w == nil || w.State() != StateActivated {
		return nil
	}
	return w
}

// Sync returns the background sync manager.
func (h *Host) Sync() *bgsync.Manager {
	return h.sync
}

// Run dispatches background sync tasks until the context is cancelled.
func (h *Host) Run(ctx context.Context) error {
	return h.sync.Run(ctx)
}

// dispatchSync postpones tasks registered before any worker is activated.
func (h *Host) dispatchSync(ctx context.Context, tag string) error {
	w := h.Controller()
	if w == nil {
		return fmt.Errorf("%w: %w", bgsync.ErrNotReady, ErrNotActivated)
	}
	return w.Sync(ctx, tag)
}

// ServeHTTP implements the http.Handler interface.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Host) routes() chi.Router {
	r := chi.NewRouter()
	r.Route(ControlPrefix, func(r chi.Router) {
		r.Post("/push", h.handlePush)
		r.Get("/notifications", h.handleNotifications)
		r.Put("/notifications/permission", h.handlePermission)
		r.Post("/notifications/{id}/click", h.handleClick)
		r.Post("/sync/{tag}", h.handleSyncRegister)
		r.Get("/sync", h.handleSyncList)
		r.Post("/online", h.handleOnline)
		r.Get("/status", h.handleStatus)
	})
	r.HandleFunc("/*", h.intercept)
	return r
}

// intercept hands the request to the controlling worker, or to the network
// while there is none.
func (h *Host) intercept(w http.ResponseWriter, r *http.Request) {
	if worker := h.Controller(); worker != nil {
		worker.ServeHTTP(w, r)
		return
	}
	if h.network == nil {
		http.Error(w, ErrNotActivated.Error(), http.StatusServiceUnavailable)
		return
	}
	var cacheStatus rfc9211.CacheStatus
	cacheStatus.Forward(rfc9211.FwdReasonBypass)
	res, err := h.network.Fetch(rfc9111.GetForwardRequest(r))
	if err != nil {
		h.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Network failed without worker")
		http.Error(w, "Could not reach origin", http.StatusBadGateway)
		return
	}
	send(w, res, cacheStatus, h.log)
}

func (h *Host) handlePush(w http.ResponseWriter, r *http.Request) {
	worker := h.Controller()
	if worker == nil {
		http.Error(w, ErrNotActivated.Error(), http.StatusServiceUnavailable)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Could not read push payload", http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		data = nil
	}
	if err := worker.Push(r.Context(), data); err != nil {
		h.log.Error().Err(err).Msg("Push event failed")
		http.Error(w, "Push failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Host) handleNotifications(w http.ResponseWriter, r *http.Request) {
	list := []notify.Notification{}
	if h.notifications != nil {
		list = h.notifications.List()
	}
	writeJSON(w, http.StatusOK, list)
}

type permissionRequest struct {
	Permission notify.Permission `json:"permission"`
}

// handlePermission records the user's answer to a permission prompt.
func (h *Host) handlePermission(w http.ResponseWriter, r *http.Request) {
	if h.notifications == nil {
		http.Error(w, "Notifications not available", http.StatusServiceUnavailable)
		return
	}
	var req permissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Could not parse permission", http.StatusBadRequest)
		return
	}
	if notify.ParsePermission(string(req.Permission)) != req.Permission {
		http.Error(w, fmt.Sprintf("Unknown permission %q", req.Permission), http.StatusBadRequest)
		return
	}
	h.notifications.SetPermission(req.Permission)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Host) handleClick(w http.ResponseWriter, r *http.Request) {
	worker := h.Controller()
	if worker == nil {
		http.Error(w, ErrNotActivated.Error(), http.StatusServiceUnavailable)
		return
	}
	err := worker.NotificationClick(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, notify.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrNavigationRefused):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		h.log.Error().Err(err).Msg("Notification click failed")
		http.Error(w, "Could not open window", http.StatusInternalServerError)
	}
}

func (h *Host) handleSyncRegister(w http.ResponseWriter, r *http.Request) {
	if err := h.sync.Register(chi.URLParam(r, "tag")); err != nil {
		h.log.Error().Err(err).Msg("Could not register sync")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Host) handleSyncList(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.sync.Pending()
	if err != nil {
		h.log.Error().Err(err).Msg("Could not list sync tasks")
		http.Error(w, "Could not list sync tasks", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Host) handleOnline(w http.ResponseWriter, r *http.Request) {
	if err := h.sync.Trigger(); err != nil {
		h.log.Error().Err(err).Msg("Could not trigger sync")
		http.Error(w, "Could not trigger sync", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type hostStatus struct {
	State      State    `json:"state"`
	Generation string   `json:"generation,omitempty"`
	Caches     []string `json:"caches"`
}

func (h *Host) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := hostStatus{State: StateRedundant, Caches: []string{}}
	worker := h.controller.Load()
	if worker != nil {
		status.State = worker.State()
		status.Generation = worker.generation
		names, err := worker.storage.Names()
		if err != nil {
			h.log.Error().Err(err).Msg("Could not list caches")
			http.Error(w, "Could not list caches", http.StatusInternalServerError)
			return
		}
		status.Caches = names
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
