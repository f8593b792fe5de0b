package bgsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Handler runs the sync task with the given tag.
// A nil error means the task succeeded and is forgotten.
type Handler func(ctx context.Context, tag string) error

// ErrNotReady is returned (possibly wrapped) by a handler that could not
// attempt the task at all. The task is postponed without counting an attempt.
var ErrNotReady = errors.New("sync handler not ready")

type Config struct {
	// Pending task storage. An in-memory queue is used if nil.
	Queue Queue
	// Handler receiving due tasks.
	Handler Handler
	// How often the queue is checked when nothing wakes the loop.
	Interval time.Duration
	// Attempts after which a failing task is dropped.
	MaxAttempts int
	// Delay before the first retry; it doubles up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Zero disables jitter.
	RandomizationFactor float64
	// Upper bound for a single handler run.
	AttemptTimeout time.Duration
	Logger         *zerolog.Logger
}

// Manager is the host side of background sync. Tasks are retried with
// exponential backoff until their handler succeeds or MaxAttempts is reached.
type Manager struct {
	queue   Queue
	handler Handler
	cfg     Config
	wake    chan struct{}
	log     zerolog.Logger
}

func NewManager(cfg Config) *Manager {
	if cfg.Queue == nil {
		cfg.Queue = NewMemQueue()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &log.Logger
	}
	return &Manager{
		queue:   cfg.Queue,
		handler: cfg.Handler,
		cfg:     cfg,
		wake:    make(chan struct{}, 1),
		log:     logger.With().Str("component", "sync").Logger(),
	}
}

// Register records a sync task. It is dispatched by the next pass of the loop.
func (m *Manager) Register(tag string) error {
	if tag == "" {
		return errors.New("empty sync tag")
	}
	if err := m.queue.Add(tag, time.Now()); err != nil {
		return fmt.Errorf("register sync %s: %w", tag, err)
	}
	m.log.Debug().Str("tag", tag).Msg("Sync registered")
	m.notify()
	return nil
}

// Trigger signals restored connectivity: every pending task becomes due.
func (m *Manager) Trigger() error {
	if err := m.queue.Expedite(time.Now()); err != nil {
		return err
	}
	m.notify()
	return nil
}

// Pending returns the tasks waiting to be dispatched.
func (m *Manager) Pending() ([]Task, error) {
	return m.queue.All()
}

func (m *Manager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run dispatches due tasks until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.log.Info().Msgf("Starting sync loop with interval %s", m.cfg.Interval)
	for {
		m.RunPending(ctx)

		timer := time.NewTimer(m.untilNext())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-m.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// untilNext returns how long the loop may sleep before a task becomes due.
func (m *Manager) untilNext() time.Duration {
	wait := m.cfg.Interval
	tasks, err := m.queue.All()
	if err != nil || len(tasks) == 0 {
		return wait
	}
	if d := time.Until(tasks[0].NextAttempt); d < wait {
		wait = d
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// RunPending dispatches every task that is due now and returns how many ran.
func (m *Manager) RunPending(ctx context.Context) int {
	ran := 0
	for ctx.Err() == nil {
		task, ok, err := m.queue.Due(time.Now())
		if err != nil {
			m.log.Error().Err(err).Msg("Could not get due sync task")
			return ran
		}
		if !ok {
			return ran
		}
		m.dispatch(ctx, task)
		ran++
	}
	return ran
}

func (m *Manager) dispatch(ctx context.Context, task Task) {
	logger := m.log.With().Str("tag", task.Tag).Int("attempt", task.Attempts+1).Logger()
	if m.handler == nil {
		logger.Error().Msg("No sync handler, dropping task")
		m.remove(logger, task)
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
	err := m.handler(attemptCtx, task.Tag)
	cancel()

	if err == nil {
		logger.Debug().Msg("Sync task done")
		m.remove(logger, task)
		return
	}
	if errors.Is(err, ErrNotReady) {
		task.NextAttempt = time.Now().Add(m.cfg.InitialBackoff)
		logger.Debug().Err(err).Msg("Sync task postponed")
		m.update(logger, task)
		return
	}

	task.Attempts++
	task.LastError = err.Error()
	if task.Attempts >= m.cfg.MaxAttempts {
		logger.Error().Err(err).Msg("Sync task failed too many times, dropping it")
		m.remove(logger, task)
		return
	}
	delay := m.backoff(task.Attempts)
	task.NextAttempt = time.Now().Add(delay)
	logger.Warn().Err(err).Dur("retryIn", delay).Msg("Sync task failed, rescheduling")
	m.update(logger, task)
}

// update and remove leave the task alone if its tag was registered again
// while the handler ran.
func (m *Manager) update(logger zerolog.Logger, task Task) {
	if err := m.queue.Update(task); err != nil {
		logger.Error().Err(err).Msg("Could not reschedule sync task")
	}
}

func (m *Manager) remove(logger zerolog.Logger, task Task) {
	if err := m.queue.Remove(task); err != nil {
		logger.Error().Err(err).Msg("Could not remove sync task")
	}
}

// backoff returns the delay before the retry following the given number of failed attempts.
func (m *Manager) backoff(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     m.cfg.InitialBackoff,
		RandomizationFactor: m.cfg.RandomizationFactor,
		Multiplier:          2,
		MaxInterval:         m.cfg.MaxBackoff,
	}
	b.Reset()
	var delay time.Duration
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
