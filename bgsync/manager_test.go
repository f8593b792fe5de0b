package bgsync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func queues(t *testing.T) map[string]Queue {
	sqlite, err := NewSQLiteQueue(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Queue{
		"memory": NewMemQueue(),
		"sqlite": sqlite,
	}
}

func TestSuccessfulTaskIsRemoved(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			var handled []string
			m := NewManager(Config{Queue: q, Handler: func(ctx context.Context, tag string) error {
				handled = append(handled, tag)
				return nil
			}})

			if err := m.Register("yojana-sync"); err != nil {
				t.Fatal(err)
			}
			if ran := m.RunPending(context.Background()); ran != 1 {
				t.Fatalf("Ran %d tasks", ran)
			}
			if len(handled) != 1 || handled[0] != "yojana-sync" {
				t.Fatalf("Handled %v", handled)
			}
			if pending, _ := m.Pending(); len(pending) != 0 {
				t.Fatalf("Pending %v", pending)
			}
		})
	}
}

func TestFailedTaskIsRescheduled(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			calls := 0
			m := NewManager(Config{
				Queue:          q,
				InitialBackoff: time.Hour,
				Handler: func(ctx context.Context, tag string) error {
					calls++
					return errors.New("offline")
				},
			})

			m.Register("yojana-sync")
			m.RunPending(context.Background())
			// not due again before the backoff has passed
			m.RunPending(context.Background())

			if calls != 1 {
				t.Fatalf("Handler called %d times", calls)
			}
			pending, _ := m.Pending()
			if len(pending) != 1 {
				t.Fatalf("Pending %v", pending)
			}
			if task := pending[0]; task.Attempts != 1 || task.LastError != "offline" || time.Until(task.NextAttempt) < 59*time.Minute {
				t.Fatalf("Task is %+v", task)
			}
		})
	}
}

func TestTriggerExpeditesAndTaskIsDroppedAfterMaxAttempts(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			calls := 0
			m := NewManager(Config{
				Queue:          q,
				MaxAttempts:    2,
				InitialBackoff: time.Hour,
				Handler: func(ctx context.Context, tag string) error {
					calls++
					return errors.New("offline")
				},
			})

			m.Register("yojana-sync")
			m.RunPending(context.Background())
			if err := m.Trigger(); err != nil {
				t.Fatal(err)
			}
			m.RunPending(context.Background())

			if calls != 2 {
				t.Fatalf("Handler called %d times", calls)
			}
			if pending, _ := m.Pending(); len(pending) != 0 {
				t.Fatalf("Task not dropped: %v", pending)
			}
		})
	}
}

func TestRegisterCoalesces(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			m := NewManager(Config{Queue: q})
			m.Register("yojana-sync")
			m.Register("yojana-sync")
			if pending, _ := m.Pending(); len(pending) != 1 {
				t.Fatalf("Pending %v", pending)
			}
		})
	}
}

func TestRegisterDuringSuccessfulRunIsKept(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			var m *Manager
			calls := 0
			m = NewManager(Config{Queue: q, Handler: func(ctx context.Context, tag string) error {
				calls++
				if calls == 1 {
					// new data arrived while the first run was sending
					if err := m.Register(tag); err != nil {
						t.Fatal(err)
					}
				}
				return nil
			}})

			m.Register("yojana-sync")
			if ran := m.RunPending(context.Background()); ran != 2 {
				t.Fatalf("Ran %d tasks", ran)
			}
			if calls != 2 {
				t.Fatalf("Handler called %d times", calls)
			}
			if pending, _ := m.Pending(); len(pending) != 0 {
				t.Fatalf("Pending %v", pending)
			}
		})
	}
}

func TestRegisterDuringFailedRunIsDueImmediately(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			var m *Manager
			calls := 0
			m = NewManager(Config{
				Queue:          q,
				InitialBackoff: time.Hour,
				Handler: func(ctx context.Context, tag string) error {
					calls++
					if calls == 1 {
						m.Register(tag)
					}
					return errors.New("offline")
				},
			})

			m.Register("yojana-sync")
			m.RunPending(context.Background())

			// the re-registered task ran again right away instead of backing off
			if calls != 2 {
				t.Fatalf("Handler called %d times", calls)
			}
			pending, _ := m.Pending()
			if len(pending) != 1 {
				t.Fatalf("Pending %v", pending)
			}
			if task := pending[0]; task.Attempts != 1 || task.Registration != 2 {
				t.Fatalf("Task is %+v", task)
			}
		})
	}
}

func TestNotReadyHandlerDoesNotCountAttempts(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ready := false
			calls := 0
			m := NewManager(Config{
				Queue:          q,
				MaxAttempts:    2,
				InitialBackoff: time.Hour,
				Handler: func(ctx context.Context, tag string) error {
					calls++
					if !ready {
						return fmt.Errorf("no worker: %w", ErrNotReady)
					}
					return nil
				},
			})

			m.Register("yojana-sync")
			for i := 0; i < 4; i++ {
				m.Trigger()
				m.RunPending(context.Background())
			}
			pending, _ := m.Pending()
			if len(pending) != 1 {
				t.Fatalf("Task dropped after %d calls", calls)
			}
			if task := pending[0]; task.Attempts != 0 || time.Until(task.NextAttempt) < 59*time.Minute {
				t.Fatalf("Task is %+v", task)
			}

			ready = true
			m.Trigger()
			m.RunPending(context.Background())
			if pending, _ := m.Pending(); len(pending) != 0 || calls != 5 {
				t.Fatalf("Pending %v after %d calls", pending, calls)
			}
		})
	}
}

func TestBackoffDoubles(t *testing.T) {
	m := NewManager(Config{InitialBackoff: time.Second, MaxBackoff: 3 * time.Second})
	if d := m.backoff(1); d != time.Second {
		t.Fatalf("First delay %s", d)
	}
	if d := m.backoff(2); d != 2*time.Second {
		t.Fatalf("Second delay %s", d)
	}
	if d := m.backoff(3); d != 3*time.Second {
		t.Fatalf("Third delay %s", d)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	done := make(chan string, 1)
	m := NewManager(Config{Handler: func(ctx context.Context, tag string) error {
		done <- tag
		return nil
	}})
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- m.Run(ctx) }()

	m.Register("yojana-sync")
	select {
	case tag := <-done:
		if tag != "yojana-sync" {
			t.Fatalf("Tag is %s", tag)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Task not dispatched")
	}
	cancel()
	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
}
