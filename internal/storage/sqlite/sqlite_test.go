package sqlite_test

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refly-ai/refly/internal/model"
	"github.com/refly-ai/refly/internal/storage"
	"github.com/refly-ai/refly/internal/storage/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), sqlite.Memory, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func running(t *testing.T, s *sqlite.Store, uid, skill string, at time.Time) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()
	require.NoError(t, s.CreateLog(ctx, model.SkillLog{
		JobID: id, UID: uid, SkillName: skill,
		Input:     map[string]any{"query": "hello"},
		Config:    map[string]any{"repeat": 3},
		CreatedAt: at,
	}))
	require.NoError(t, s.MarkRunning(ctx, id, at))
	return id
}

func tokenAt(id uuid.UUID, seq int64, text string) model.SkillEvent {
	ev := model.TokenEvent(text)
	ev.JobID, ev.Seq, ev.CreatedAt = id, seq, time.Now()
	return ev
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	id := running(t, s, "u1", "planner", time.Now())

	require.NoError(t, s.AppendEvent(ctx, tokenAt(id, 1, "Hello, world!")))

	res := model.SkillResult{Messages: []model.Message{{Role: "assistant", Content: "Hello, world!"}}}
	done := model.DoneEvent(res)
	done.Seq = 2
	require.NoError(t, s.FinalizeLog(ctx, id, model.Finalization{
		Status: model.LogStatusSucceeded, Terminal: done, Result: &res, CompletedAt: time.Now(),
	}))

	log, err := s.GetLog(ctx, id, true)
	require.NoError(t, err)
	assert.Equal(t, model.LogStatusSucceeded, log.Status)
	assert.Equal(t, "hello", log.Input["query"])
	assert.Equal(t, 3.0, log.Config["repeat"])
	assert.Equal(t, 2, log.EventCount)
	require.NotNil(t, log.Result)
	assert.Equal(t, "Hello, world!", log.Result.Text())
	require.NotNil(t, log.StartedAt)
	require.NotNil(t, log.CompletedAt)

	require.Len(t, log.Events, 2)
	assert.Equal(t, model.EventToken, log.Events[0].Type)
	assert.Equal(t, "Hello, world!", log.Events[0].Content())
	assert.Equal(t, id, log.Events[1].JobID)
	got, ok := model.ResultOf(log.Events[1])
	require.True(t, ok)
	assert.Equal(t, "Hello, world!", got.Text())

	tail, err := s.GetEvents(ctx, id, 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, model.EventDone, tail[0].Type)
}

func TestStoreGuards(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	id := running(t, s, "u1", "planner", time.Now())

	kind := model.ErrorKindExecution
	msg := "boom"
	ev := model.ErrorEvent(kind, msg)
	ev.Seq = 1
	require.NoError(t, s.FinalizeLog(ctx, id, model.Finalization{
		Status: model.LogStatusFailed, Terminal: ev, ErrorKind: &kind, ErrorMessage: &msg, CompletedAt: time.Now(),
	}))

	assert.ErrorIs(t, s.AppendEvent(ctx, tokenAt(id, 2, "late")), storage.ErrAlreadyFinalized)
	ev.Seq = 2
	assert.ErrorIs(t, s.FinalizeLog(ctx, id, model.Finalization{
		Status: model.LogStatusFailed, Terminal: ev, CompletedAt: time.Now(),
	}), storage.ErrAlreadyFinalized)

	log, err := s.GetLog(ctx, id, true)
	require.NoError(t, err)
	require.NotNil(t, log.ErrorKind)
	assert.Equal(t, model.ErrorKindExecution, *log.ErrorKind)
	require.NotNil(t, log.ErrorMessage)
	assert.Equal(t, "boom", *log.ErrorMessage)
	assert.Len(t, log.Events, 1)

	missing := uuid.New()
	_, err = s.GetLog(ctx, missing, false)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.AppendEvent(ctx, tokenAt(missing, 1, "x")), storage.ErrNotFound)

	err = s.CreateLog(ctx, model.SkillLog{JobID: id, UID: "u1", SkillName: "planner", CreatedAt: time.Now()})
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestStoreListLogs(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	base := time.Now().Add(-time.Hour)

	var ids []uuid.UUID
	for i := range 4 {
		skill := "planner"
		if i == 3 {
			skill = "stream-demo"
		}
		ids = append(ids, running(t, s, "u1", skill, base.Add(time.Duration(i)*time.Second)))
	}
	running(t, s, "u2", "planner", base)

	logs, total, err := s.ListLogs(ctx, model.LogFilter{UID: "u1", Page: 1, PageSize: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, logs, 3)
	assert.Equal(t, ids[3], logs[0].JobID)
	assert.Equal(t, ids[1], logs[2].JobID)

	logs, _, err = s.ListLogs(ctx, model.LogFilter{UID: "u1", Page: 2, PageSize: 3})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, ids[0], logs[0].JobID)

	logs, total, err = s.ListLogs(ctx, model.LogFilter{UID: "u1", SkillName: "stream-demo", Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, logs, 1)
	assert.Equal(t, "stream-demo", logs[0].SkillName)
}

func TestStoreFilePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "refly.db")

	s, err := sqlite.Open(ctx, path, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	id := running(t, s, "u1", "planner", time.Now())
	require.NoError(t, s.Close())

	s, err = sqlite.Open(ctx, path, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	log, err := s.GetLog(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, model.LogStatusRunning, log.Status)
}

func TestStoreConflicts(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	now := time.Now()
	inst := model.SkillInstance{SkillID: "sk-1", UID: "u1", SkillName: "planner", DisplayName: "p", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateInstances(ctx, []model.SkillInstance{inst}))
	assert.ErrorIs(t, s.CreateInstances(ctx, []model.SkillInstance{inst}), storage.ErrConflict)

	// A foreign key failure is a constraint error too, but not a conflict.
	err := s.CreateTrigger(ctx, model.SkillTrigger{
		TriggerID: "tg-1", SkillID: "sk-missing", UID: "u1", DisplayName: "t",
		TriggerType: model.TriggerEvent, EventName: "x", CreatedAt: now, UpdatedAt: now,
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrConflict)
}

func TestStoreDiscardLog(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	pending := uuid.New()
	require.NoError(t, s.CreateLog(ctx, model.SkillLog{JobID: pending, UID: "u1", SkillName: "planner", CreatedAt: time.Now()}))
	require.NoError(t, s.DiscardLog(ctx, pending))
	_, err := s.GetLog(ctx, pending, false)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	started := running(t, s, "u1", "planner", time.Now())
	require.NoError(t, s.DiscardLog(ctx, started))
	_, err = s.GetLog(ctx, started, false)
	assert.NoError(t, err, "started logs are kept")
}

func TestStoreListLogsBySkillID(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	running(t, s, "u1", "planner", time.Now())
	id := uuid.New()
	require.NoError(t, s.CreateLog(ctx, model.SkillLog{
		JobID: id, UID: "u1", SkillName: "planner", SkillID: "sk-1", CreatedAt: time.Now(),
	}))

	logs, total, err := s.ListLogs(ctx, model.LogFilter{UID: "u1", SkillID: "sk-1", Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, logs, 1)
	assert.Equal(t, id, logs[0].JobID)
	assert.Equal(t, "sk-1", logs[0].SkillID)
}

func TestStoreInstancesAndTriggers(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	base := time.Now().Add(-time.Minute).UTC()

	trigger := model.SkillTrigger{
		TriggerID: "tg-1", SkillID: "sk-1", UID: "u1", DisplayName: "hourly",
		TriggerType: model.TriggerTimer, Crontab: "0 * * * *", Input: map[string]any{"query": "news"},
		Enabled: true, CreatedAt: base, UpdatedAt: base,
	}
	require.NoError(t, s.CreateInstances(ctx, []model.SkillInstance{
		{
			SkillID: "sk-1", UID: "u1", SkillName: "planner", DisplayName: "Planner",
			Config: map[string]any{}, Triggers: []model.SkillTrigger{trigger}, CreatedAt: base, UpdatedAt: base,
		},
		{
			SkillID: "sk-2", UID: "u1", SkillName: "stream-demo", DisplayName: "Demo",
			Config: map[string]any{"repeat": 2}, CreatedAt: base.Add(time.Second), UpdatedAt: base.Add(time.Second),
		},
	}))

	instances, total, err := s.ListInstances(ctx, model.InstanceFilter{UID: "u1", Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, instances, 2)
	assert.Equal(t, "sk-2", instances[0].SkillID, "newest first")
	assert.Equal(t, 2.0, instances[0].Config["repeat"])

	_, err = s.GetInstance(ctx, "u2", "sk-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	inst, err := s.GetInstance(ctx, "u1", "sk-2")
	require.NoError(t, err)
	inst.DisplayName = "Renamed"
	inst.Config = map[string]any{"repeat": 4}
	require.NoError(t, s.UpdateInstance(ctx, inst))
	inst, err = s.GetInstance(ctx, "u1", "sk-2")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", inst.DisplayName)
	assert.Equal(t, 4.0, inst.Config["repeat"])
	inst.UID = "u2"
	assert.ErrorIs(t, s.UpdateInstance(ctx, inst), storage.ErrNotFound)

	got, err := s.GetTrigger(ctx, "u1", "tg-1")
	require.NoError(t, err)
	assert.Equal(t, model.TriggerTimer, got.TriggerType)
	assert.Equal(t, "0 * * * *", got.Crontab)
	assert.Equal(t, "news", got.Input["query"])
	assert.True(t, got.Enabled)

	got.Enabled = false
	got.TriggerType, got.Crontab, got.EventName = model.TriggerEvent, "", "document.created"
	require.NoError(t, s.UpdateTrigger(ctx, got))
	require.NoError(t, s.CreateTrigger(ctx, model.SkillTrigger{
		TriggerID: "tg-2", SkillID: "sk-2", UID: "u1", DisplayName: "t2",
		TriggerType: model.TriggerEvent, EventName: "x", Enabled: true, CreatedAt: base, UpdatedAt: base,
	}))

	triggers, total, err := s.ListTriggers(ctx, model.TriggerFilter{UID: "u1", SkillID: "sk-1", Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, triggers, 1)
	assert.False(t, triggers[0].Enabled)
	assert.Equal(t, "document.created", triggers[0].EventName)

	_, total, err = s.ListTriggers(ctx, model.TriggerFilter{UID: "u1", Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	require.NoError(t, s.DeleteInstance(ctx, "u1", "sk-1"))
	_, err = s.GetTrigger(ctx, "u1", "tg-1")
	assert.ErrorIs(t, err, storage.ErrNotFound, "triggers go with their instance")
	assert.ErrorIs(t, s.DeleteInstance(ctx, "u1", "sk-1"), storage.ErrNotFound)

	assert.ErrorIs(t, s.DeleteTrigger(ctx, "u2", "tg-2"), storage.ErrNotFound)
	require.NoError(t, s.DeleteTrigger(ctx, "u1", "tg-2"))
}

func TestStoreUpgradesOlderFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "old.db")

	// A file written before logs recorded their instance.
	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = raw.ExecContext(ctx, `CREATE TABLE skill_logs (
		job_id TEXT PRIMARY KEY, uid TEXT NOT NULL, skill_name TEXT NOT NULL,
		status TEXT NOT NULL, input TEXT NOT NULL DEFAULT '{}', config TEXT NOT NULL DEFAULT '{}',
		result TEXT, error_kind TEXT, error_message TEXT, event_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL, started_at INTEGER, completed_at INTEGER)`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	s, err := sqlite.Open(ctx, path, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	id := uuid.New()
	require.NoError(t, s.CreateLog(ctx, model.SkillLog{
		JobID: id, UID: "u1", SkillName: "planner", SkillID: "sk-1", CreatedAt: time.Now(),
	}))
	log, err := s.GetLog(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, "sk-1", log.SkillID)
}
