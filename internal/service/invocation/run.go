package invocation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/refly-ai/refly/internal/model"
	"github.com/refly-ai/refly/internal/skill"
	"github.com/refly-ai/refly/internal/storage"
)

// writeTimeout bounds each store write. Writes are detached from the run's
// deadline, which only stops the executor, so events already produced are
// recorded even after it expires.
const writeTimeout = 10 * time.Second

// tracked is a run owned by this instance.
type tracked struct {
	uid     string
	run     *skill.Run
	journal *journal
	done    chan struct{} // closed after the log is finalized

	mu       sync.Mutex
	log      model.SkillLog
	terminal model.SkillEvent
}

// snapshot returns the log as it stands, with every journaled event. The
// terminal event is journaled under mu together with the terminal status,
// so a terminal snapshot always ends with it.
func (t *tracked) snapshot() model.SkillLog {
	t.mu.Lock()
	defer t.mu.Unlock()
	log := t.log
	log.Events = t.journal.all()
	log.EventCount = len(log.Events)
	return log
}

// pump is the only writer for an invocation. It numbers events, persists
// them, then publishes them to the journal, so subscribers never see an
// event the store does not have.
func (s *Service) pump(ctx context.Context, t *tracked, cancel context.CancelFunc) {
	jobID := t.log.JobID
	defer func() {
		t.journal.finish()
		s.mu.Lock()
		delete(s.runs, jobID)
		s.mu.Unlock()
		cancel()
		s.sem.Release(1)
		s.wg.Done()
		close(t.done)
	}()

	var seq int64
	for ev := range t.run.Events() {
		seq++
		ev.JobID = jobID
		ev.Seq = seq
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = time.Now().UTC()
		}

		if ev.Terminal() {
			s.finalize(ctx, t, ev)
			continue
		}
		wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
		err := s.store.AppendEvent(wctx, ev)
		wcancel()
		if err != nil {
			// The journal keeps the event so live followers are unaffected;
			// a later replay from the store will skip this seq.
			s.logger.Error("invocation: append event failed",
				"job_id", jobID, "seq", seq, "type", ev.Type, "error", err)
		}
		t.journal.append(ev)
	}
}

// finalize writes the terminal event and status in one step, then publishes
// both before anything else sees the outcome.
func (s *Service) finalize(ctx context.Context, t *tracked, ev model.SkillEvent) {
	fin := model.Finalization{Terminal: ev, CompletedAt: ev.CreatedAt}
	if res, ok := model.ResultOf(ev); ok {
		fin.Status = model.LogStatusSucceeded
		fin.Result = &res
	} else {
		fin.Status = model.LogStatusFailed
		kind, msg := ev.Kind(), ev.Message()
		fin.ErrorKind, fin.ErrorMessage = &kind, &msg
	}

	// The run context may already be cancelled or expired here.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	err := s.store.FinalizeLog(wctx, t.log.JobID, fin)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrAlreadyFinalized):
		s.logger.Warn("invocation: log already finalized", "job_id", t.log.JobID)
	default:
		s.logger.Error("invocation: finalize log failed", "job_id", t.log.JobID, "error", err)
	}

	t.mu.Lock()
	t.terminal = ev
	t.log.Status = fin.Status
	t.log.Result = fin.Result
	t.log.ErrorKind = fin.ErrorKind
	t.log.ErrorMessage = fin.ErrorMessage
	t.log.CompletedAt = &fin.CompletedAt
	t.journal.append(ev)
	log := t.log
	t.mu.Unlock()

	s.metrics.record(log, ev)
	s.logger.Info("invocation finished",
		"job_id", log.JobID, "skill", log.SkillName, "status", log.Status, "events", ev.Seq)

	if fin.Status == model.LogStatusSucceeded && s.notifier != nil {
		s.notifier.Notify(model.Document{
			Kind:      model.KindDocument,
			ID:        log.JobID.String(),
			UID:       log.UID,
			Title:     log.SkillName,
			Content:   fin.Result.Text(),
			UpdatedAt: fin.CompletedAt,
		})
	}
}
