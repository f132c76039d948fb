package invocation

import (
	"sync"

	"github.com/refly-ai/refly/internal/model"
)

// journal is the in-memory copy of a live run's events. The pump appends;
// any number of subscribers read by cursor, so a slow reader never holds
// up the run and never misses an event.
type journal struct {
	mu      sync.Mutex
	events  []model.SkillEvent // events[i].Seq == i+1
	done    bool
	waiters map[chan struct{}]struct{}
}

func newJournal() *journal {
	return &journal{waiters: make(map[chan struct{}]struct{})}
}

func (j *journal) append(ev model.SkillEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	j.wakeLocked()
}

func (j *journal) finish() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.done = true
	j.wakeLocked()
}

func (j *journal) wakeLocked() {
	for ch := range j.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// since returns a copy of the events with seq > after and whether the
// journal is complete.
func (j *journal) since(after int64) ([]model.SkillEvent, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if after < 0 {
		after = 0
	}
	if after >= int64(len(j.events)) {
		return nil, j.done
	}
	out := make([]model.SkillEvent, int64(len(j.events))-after)
	copy(out, j.events[after:])
	return out, j.done
}

func (j *journal) all() []model.SkillEvent {
	events, _ := j.since(0)
	return events
}

// watch registers a wakeup channel. The returned func unregisters it.
func (j *journal) watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	j.mu.Lock()
	j.waiters[ch] = struct{}{}
	j.mu.Unlock()
	return ch, func() {
		j.mu.Lock()
		delete(j.waiters, ch)
		j.mu.Unlock()
	}
}
