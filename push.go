package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/eyojana/offline-cache/notify"
)

// ErrNavigationRefused is returned when a clicked notification points outside the origin.
var ErrNavigationRefused = errors.New("navigation outside origin refused")

// Push handles a push message. data is nil when the message has no payload.
// Malformed payloads never fail the event; they are shown as text.
func (w *Worker) Push(ctx context.Context, data []byte) error {
	return dispatch(ctx, func(e *ExtendableEvent) {
		w.log.Debug().Int("size", len(data)).Msg("Push received")
		payload, err := notify.Decode(data)
		if err != nil {
			w.log.Debug().Err(err).Msg("Push payload is not JSON, showing it as text")
		}
		payload = payload.Normalize()

		if w.notifier == nil {
			w.log.Warn().Msg("No notifier, dropping push")
			return
		}
		if p := w.notifier.Permission(); p != notify.PermissionGranted {
			w.log.Warn().Str("permission", string(p)).Msg("Notification permission not granted, dropping push")
			return
		}
		e.WaitUntil(func(ctx context.Context) error {
			_, err := w.notifier.Show(ctx, payload)
			return err
		})
	})
}

// NotificationClick closes the notification and opens a window at its URL.
func (w *Worker) NotificationClick(ctx context.Context, id string) error {
	if w.notifier == nil {
		return notify.ErrNotFound
	}
	n, err := w.notifier.Get(id)
	if err != nil {
		return err
	}
	w.notifier.Close(id)

	target, err := w.navigationTarget(n.URL)
	if err != nil {
		w.log.Warn().Err(err).Str("url", n.URL).Msg("Not opening window")
		return err
	}
	if w.windows == nil {
		w.log.Info().Str("url", target).Msg("No window opener, not opening window")
		return nil
	}
	return dispatch(ctx, func(e *ExtendableEvent) {
		e.WaitUntil(func(ctx context.Context) error {
			return w.windows.OpenWindow(ctx, target)
		})
	})
}

// navigationTarget resolves a notification URL against the origin.
// An empty URL opens the origin root.
func (w *Worker) navigationTarget(raw string) (string, error) {
	if raw == "" {
		raw = "/"
	}
	u, err := w.keyer.Resolve(raw)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q", ErrNavigationRefused, u.Scheme)
	}
	if !w.allowCrossOrigin && !w.keyer.SameOrigin(u) {
		return "", fmt.Errorf("%w: %s", ErrNavigationRefused, (&url.URL{Scheme: u.Scheme, Host: u.Host}).String())
	}
	return u.String(), nil
}
