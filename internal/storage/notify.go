package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrNoNotify is returned when the DB was opened without a notify DSN.
var ErrNoNotify = errors.New("storage: notify connection not configured")

// Listen starts listening on the specified channel using the dedicated notify connection.
// Returns an error if no notify connection is configured.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return ErrNoNotify
	}
	_, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened channel.
// Returns the channel name and payload.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", ErrNoNotify
	}
	notification, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return notification.Channel, notification.Payload, nil
}

// EventListener fans skill event notifications out to per-job watchers.
// It lets a follower on one instance wake up when the instance that owns
// the run records a new event.
type EventListener struct {
	db *DB

	mu       sync.Mutex
	watchers map[uuid.UUID]map[chan struct{}]struct{}
}

// NewEventListener returns a listener bound to db. Call Run to start it.
func (db *DB) NewEventListener() *EventListener {
	return &EventListener{db: db, watchers: make(map[uuid.UUID]map[chan struct{}]struct{})}
}

// Run listens on ChannelSkillEvents until ctx is done.
func (l *EventListener) Run(ctx context.Context) error {
	if err := l.db.Listen(ctx, ChannelSkillEvents); err != nil {
		return err
	}
	for {
		_, payload, err := l.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		jobID, err := uuid.Parse(payload)
		if err != nil {
			l.db.logger.Warn("storage: bad skill event notification", "payload", payload)
			continue
		}
		l.wake(jobID)
	}
}

// WatchJob returns a channel that receives a value whenever jobID gains an
// event, and a func that stops watching.
func (l *EventListener) WatchJob(jobID uuid.UUID) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	l.mu.Lock()
	set := l.watchers[jobID]
	if set == nil {
		set = make(map[chan struct{}]struct{})
		l.watchers[jobID] = set
	}
	set[ch] = struct{}{}
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.watchers[jobID], ch)
			if len(l.watchers[jobID]) == 0 {
				delete(l.watchers, jobID)
			}
		})
	}
}

func (l *EventListener) wake(jobID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.watchers[jobID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
