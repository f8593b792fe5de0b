package offlinecache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrSyncFailed is returned by Sync when the replay request did not succeed.
// The host retries the task later.
var ErrSyncFailed = errors.New("sync failed")

type syncRequest struct {
	Synced bool `json:"synced"`
}

// Sync handles a background sync event. Only the configured tag does anything.
func (w *Worker) Sync(ctx context.Context, tag string) error {
	w.log.Debug().Str("tag", tag).Msg("Sync event")
	if tag != w.syncTag {
		return nil
	}
	return dispatch(ctx, func(e *ExtendableEvent) {
		e.WaitUntil(w.replay)
	})
}

func (w *Worker) replay(ctx context.Context) error {
	body, err := json.Marshal(syncRequest{Synced: true})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.syncEndpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := w.syncClient.Do(req)
	if err != nil {
		w.log.Error().Err(err).Str("endpoint", w.syncEndpoint).Msg("Sync failed")
		return fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}
	defer res.Body.Close()

	text, err := io.ReadAll(res.Body)
	if err != nil {
		w.log.Error().Err(err).Str("endpoint", w.syncEndpoint).Msg("Sync failed")
		return fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}
	if !isSuccess(res.StatusCode) {
		w.log.Error().Int("code", res.StatusCode).Str("endpoint", w.syncEndpoint).Msg("Sync failed")
		return fmt.Errorf("%w: status %d", ErrSyncFailed, res.StatusCode)
	}

	if !json.Valid(text) {
		w.log.Warn().Str("response", string(text)).Msg("Sync response not valid JSON")
		return nil
	}
	w.log.Info().RawJSON("response", text).Msg("Sync successful")
	return nil
}
