package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNotFound = errors.New("notification not found")

// Permission is the user's decision about showing notifications.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionDefault Permission = "default"
)

// ParsePermission maps unknown values to PermissionDefault.
func ParsePermission(s string) Permission {
	switch Permission(s) {
	case PermissionGranted, PermissionDenied:
		return Permission(s)
	default:
		return PermissionDefault
	}
}

// Notification is a notification shown to the user.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Notifier shows notifications on behalf of a worker.
type Notifier interface {
	// Permission returns the current permission state.
	Permission() Permission
	// Show displays a notification built from the payload.
	Show(ctx context.Context, p Payload) (Notification, error)
	// Get returns an open notification.
	Get(id string) (Notification, error)
	// Close dismisses a notification. Closing an unknown notification is not an error.
	Close(id string)
}

// Center is the in-process Notifier. It keeps open notifications until they
// are closed and logs every notification shown.
type Center struct {
	mutex         sync.RWMutex
	permission    Permission
	notifications map[string]Notification
	log           zerolog.Logger
}

func NewCenter(permission Permission, logger *zerolog.Logger) *Center {
	if logger == nil {
		logger = &log.Logger
	}
	return &Center{
		permission:    permission,
		notifications: make(map[string]Notification),
		log:           logger.With().Str("component", "notifications").Logger(),
	}
}

func (c *Center) Permission() Permission {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.permission
}

// SetPermission records a new user decision.
func (c *Center) SetPermission(p Permission) {
	c.mutex.Lock()
	c.permission = p
	c.mutex.Unlock()
	c.log.Info().Str("permission", string(p)).Msg("Notification permission changed")
}

func (c *Center) Show(ctx context.Context, p Payload) (Notification, error) {
	if err := ctx.Err(); err != nil {
		return Notification{}, err
	}
	n := Notification{
		ID:        uuid.NewString(),
		Title:     p.Title,
		Body:      p.Body,
		URL:       p.URL,
		CreatedAt: time.Now(),
	}
	c.mutex.Lock()
	c.notifications[n.ID] = n
	c.mutex.Unlock()
	c.log.Info().Str("id", n.ID).Str("title", n.Title).Str("body", n.Body).Msg("Notification shown")
	return n, nil
}

func (c *Center) Get(id string) (Notification, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	n, ok := c.notifications[id]
	if !ok {
		return Notification{}, ErrNotFound
	}
	return n, nil
}

func (c *Center) Close(id string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.notifications, id)
}

// List returns the open notifications, oldest first.
func (c *Center) List() []Notification {
	c.mutex.RLock()
	list := make([]Notification, 0, len(c.notifications))
	for _, n := range c.notifications {
		list = append(list, n)
	}
	c.mutex.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}
