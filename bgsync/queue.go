// Package bgsync schedules background sync tasks: it remembers tagged
// registrations and dispatches them until a handler reports success.
package bgsync

import (
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Task is a pending sync registration.
type Task struct {
	Tag          string    `json:"tag"`
	RegisteredAt time.Time `json:"registeredAt"`
	// Bumped every time the tag is registered again.
	Registration int       `json:"registration"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"lastError,omitempty"`
	NextAttempt  time.Time `json:"nextAttempt"`
}

// Queue persists pending tasks.
//
// Implementations must be thread-safe!
type Queue interface {
	// Add registers a task. Registering a tag that is already pending keeps
	// the existing task, bumps its registration, resets its attempts and
	// makes it due at next.
	Add(tag string, next time.Time) error
	// Due returns the pending task with the earliest next attempt time, if it
	// is not later than now.
	Due(now time.Time) (Task, bool, error)
	// Update stores the attempt bookkeeping of a task. It is a no-op if the
	// tag was registered again since the task was read.
	Update(task Task) error
	// Remove deletes a task unless its tag was registered again since the
	// task was read.
	Remove(task Task) error
	// All returns every pending task, earliest first.
	All() ([]Task, error)
	// Expedite makes every pending task due at the given time.
	Expedite(now time.Time) error
}

type MemQueue struct {
	mutex *sync.Mutex
	tasks map[string]Task
}

func NewMemQueue() MemQueue {
	return MemQueue{
		mutex: &sync.Mutex{},
		tasks: make(map[string]Task),
	}
}

func (m MemQueue) Add(tag string, next time.Time) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	task, ok := m.tasks[tag]
	if !ok {
		task = Task{Tag: tag, RegisteredAt: time.Now()}
	}
	task.Registration++
	task.Attempts = 0
	task.LastError = ""
	task.NextAttempt = next
	m.tasks[tag] = task
	return nil
}

func (m MemQueue) Due(now time.Time) (Task, bool, error) {
	all, _ := m.All()
	if len(all) == 0 || all[0].NextAttempt.After(now) {
		return Task{}, false, nil
	}
	return all[0], true, nil
}

func (m MemQueue) Update(task Task) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if current, ok := m.tasks[task.Tag]; ok && current.Registration == task.Registration {
		m.tasks[task.Tag] = task
	}
	return nil
}

func (m MemQueue) Remove(task Task) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if current, ok := m.tasks[task.Tag]; ok && current.Registration == task.Registration {
		delete(m.tasks, task.Tag)
	}
	return nil
}

func (m MemQueue) All() ([]Task, error) {
	m.mutex.Lock()
	tasks := make([]Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		tasks = append(tasks, task)
	}
	m.mutex.Unlock()
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].NextAttempt.Before(tasks[j].NextAttempt)
	})
	return tasks, nil
}

func (m MemQueue) Expedite(now time.Time) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for tag, task := range m.tasks {
		task.NextAttempt = now
		m.tasks[tag] = task
	}
	return nil
}

type SQLiteQueue struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteQueue opens the sync task table in the given db file.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteQueue(filename string) (SQLiteQueue, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteQueue{}, err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS sync_tasks (
		tag TEXT PRIMARY KEY,
		registered_at INTEGER,
		registration INTEGER,
		attempts INTEGER,
		last_error TEXT,
		next_attempt INTEGER
	)`)
	if err != nil {
		db.Close()
		return SQLiteQueue{}, err
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS next_attempt_idx ON sync_tasks (next_attempt)")
	if err != nil {
		db.Close()
		return SQLiteQueue{}, err
	}
	return SQLiteQueue{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteQueue) Add(tag string, next time.Time) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(`INSERT INTO sync_tasks (tag, registered_at, registration, attempts, last_error, next_attempt)
		VALUES (?, ?, 1, 0, '', ?)
		ON CONFLICT (tag) DO UPDATE SET
			registration = sync_tasks.registration + 1,
			attempts = 0,
			last_error = '',
			next_attempt = excluded.next_attempt`,
		tag, time.Now().UnixMilli(), next.UnixMilli())
	return err
}

func (s SQLiteQueue) Due(now time.Time) (Task, bool, error) {
	task, err := scanTask(s.db.QueryRow(`SELECT tag, registered_at, registration, attempts, last_error, next_attempt
		FROM sync_tasks WHERE next_attempt <= ? ORDER BY next_attempt ASC LIMIT 1`, now.UnixMilli()))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, nil
	} else if err != nil {
		return Task{}, false, err
	}
	return task, true, nil
}

func (s SQLiteQueue) Update(task Task) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(`UPDATE sync_tasks SET attempts = ?, last_error = ?, next_attempt = ?
		WHERE tag = ? AND registration = ?`,
		task.Attempts, task.LastError, task.NextAttempt.UnixMilli(), task.Tag, task.Registration)
	return err
}

func (s SQLiteQueue) Remove(task Task) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM sync_tasks WHERE tag = ? AND registration = ?", task.Tag, task.Registration)
	return err
}

func (s SQLiteQueue) All() ([]Task, error) {
	rows, err := s.db.Query(`SELECT tag, registered_at, registration, attempts, last_error, next_attempt
		FROM sync_tasks ORDER BY next_attempt ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tasks := make([]Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return tasks, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s SQLiteQueue) Expedite(now time.Time) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("UPDATE sync_tasks SET next_attempt = ?", now.UnixMilli())
	return err
}

func (s SQLiteQueue) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (Task, error) {
	var task Task
	var registeredAt, nextAttempt int64
	if err := row.Scan(&task.Tag, &registeredAt, &task.Registration, &task.Attempts, &task.LastError, &nextAttempt); err != nil {
		return Task{}, err
	}
	task.RegisteredAt = time.UnixMilli(registeredAt)
	task.NextAttempt = time.UnixMilli(nextAttempt)
	return task, nil
}
