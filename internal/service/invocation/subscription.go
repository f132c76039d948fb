package invocation

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/refly-ai/refly/internal/model"
)

// fetchFunc returns the events after a cursor and whether the source has
// nothing more to give beyond them.
type fetchFunc func(ctx context.Context, after int64) ([]model.SkillEvent, bool, error)

// Subscription delivers one invocation's events in seq order, from a
// resume point through the terminal event. Next returns io.EOF after the
// terminal event. A Subscription is not safe for concurrent use.
type Subscription struct {
	jobID  uuid.UUID
	cursor int64
	buf    []model.SkillEvent
	ended  bool

	fetch fetchFunc
	wake  <-chan struct{}
	poll  time.Duration
	stop  func()
}

// JobID is the invocation being followed.
func (s *Subscription) JobID() uuid.UUID { return s.jobID }

// Cursor is the seq of the last event returned by Next.
func (s *Subscription) Cursor() int64 { return s.cursor }

// Next blocks until the next event is available, ctx is done, or the
// invocation has ended.
func (s *Subscription) Next(ctx context.Context) (model.SkillEvent, error) {
	for {
		if len(s.buf) > 0 {
			ev := s.buf[0]
			s.buf = s.buf[1:]
			s.cursor = ev.Seq
			if ev.Terminal() {
				s.ended = true
				s.buf = nil
			}
			return ev, nil
		}
		if s.ended {
			return model.SkillEvent{}, io.EOF
		}

		events, finished, err := s.fetch(ctx, s.cursor)
		if err != nil {
			return model.SkillEvent{}, err
		}
		if len(events) > 0 {
			s.buf = events
			continue
		}
		if finished {
			s.ended = true
			continue
		}
		if err := s.wait(ctx); err != nil {
			return model.SkillEvent{}, err
		}
	}
}

func (s *Subscription) wait(ctx context.Context) error {
	var tick <-chan time.Time
	if s.poll > 0 {
		t := time.NewTimer(s.poll)
		defer t.Stop()
		tick = t.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.wake:
	case <-tick:
	}
	return nil
}

// Close releases the subscription. It does not affect the invocation.
func (s *Subscription) Close() {
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
}
