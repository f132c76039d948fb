// Package invocation runs skills on behalf of callers and records every
// invocation as a durable log.
//
// Both the HTTP API and the MCP server go through Service. An invocation is
// resolved and validated first; only then is its log created. The executor
// runs on a context detached from the caller, and a single pump goroutine
// per invocation numbers the events, writes them to the Store, and makes
// them available to subscribers. Losing the caller never stops the run.
package invocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/refly-ai/refly/internal/model"
	"github.com/refly-ai/refly/internal/skill"
	"github.com/refly-ai/refly/internal/storage"
)

// Defaults for Config fields left zero.
const (
	DefaultInvocationTimeout = 5 * time.Minute
	DefaultMaxConcurrent     = 64
	DefaultPollInterval      = 250 * time.Millisecond
	DefaultPageSize          = 10
	MaxPageSize              = 100
)

var (
	// ErrNotFound is returned for unknown job ids and for jobs owned by another uid.
	ErrNotFound = errors.New("invocation: job not found")

	// ErrBusy is returned when the concurrency limit is reached.
	ErrBusy = errors.New("invocation: too many concurrent invocations")

	// ErrDraining is returned once shutdown has begun.
	ErrDraining = errors.New("invocation: service is shutting down")

	// ErrConflict is returned when a caller-chosen job id is already taken.
	ErrConflict = errors.New("invocation: job id already in use")

	// ErrNotLocal is returned when cancelling a job that is running but not
	// owned by this instance.
	ErrNotLocal = errors.New("invocation: job is not running on this instance")
)

// Store persists invocation logs. FinalizeLog writes the terminal event and
// the terminal status together and fails with storage.ErrAlreadyFinalized
// once a log has left the running state. DiscardLog removes a log that is
// still pending.
type Store interface {
	CreateLog(ctx context.Context, log model.SkillLog) error
	MarkRunning(ctx context.Context, jobID uuid.UUID, at time.Time) error
	DiscardLog(ctx context.Context, jobID uuid.UUID) error
	AppendEvent(ctx context.Context, ev model.SkillEvent) error
	FinalizeLog(ctx context.Context, jobID uuid.UUID, fin model.Finalization) error
	GetLog(ctx context.Context, jobID uuid.UUID, withEvents bool) (model.SkillLog, error)
	GetEvents(ctx context.Context, jobID uuid.UUID, afterSeq int64) ([]model.SkillEvent, error)
	ListLogs(ctx context.Context, f model.LogFilter) ([]model.SkillLog, int, error)
}

// Notifier receives the output of successful invocations for indexing.
type Notifier interface {
	Notify(doc model.Document) bool
}

// Instances looks up a caller's saved skill instances.
type Instances interface {
	GetInstance(ctx context.Context, uid, skillID string) (model.SkillInstance, error)
}

// Watcher wakes followers of runs owned by other instances.
type Watcher interface {
	WatchJob(jobID uuid.UUID) (<-chan struct{}, func())
}

// Config tunes the service.
type Config struct {
	InvocationTimeout  time.Duration
	MaxConcurrent      int64
	PollInterval       time.Duration
	CancelOnDisconnect bool
}

// Request describes one invocation.
type Request struct {
	UID       string
	SkillName string
	// SkillID names a saved instance. Its config applies beneath Config,
	// and SkillName may be left empty.
	SkillID string
	Input   map[string]any
	Config  map[string]any
	// JobID is optional; a new id is generated when it is zero.
	JobID       uuid.UUID
	NodeTimeout time.Duration
	Timeout     time.Duration
}

// Service owns every invocation started on this instance.
type Service struct {
	registry *skill.Registry
	executor *skill.Executor
	store    Store
	notifier  Notifier
	watcher   Watcher
	instances Instances
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics

	sem      *semaphore.Weighted
	draining atomic.Bool
	wg       sync.WaitGroup

	mu   sync.Mutex
	runs map[uuid.UUID]*tracked
}

// New creates a Service. notifier may be nil if search indexing is disabled.
func New(registry *skill.Registry, executor *skill.Executor, store Store, notifier Notifier, cfg Config, logger *slog.Logger) *Service {
	if cfg.InvocationTimeout <= 0 {
		cfg.InvocationTimeout = DefaultInvocationTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	s := &Service{
		registry: registry,
		executor: executor,
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		runs:     make(map[uuid.UUID]*tracked),
	}
	s.metrics = newMetrics(s)
	return s
}

// SetWatcher installs a cross-instance wakeup source for Attach. Without
// one, followers of runs owned elsewhere poll the store.
func (s *Service) SetWatcher(w Watcher) { s.watcher = w }

// SetInstances enables Request.SkillID.
func (s *Service) SetInstances(i Instances) { s.instances = i }

// Registry returns the skill registry.
func (s *Service) Registry() *skill.Registry { return s.registry }

// Invoke runs a skill and waits for it to finish. When the run ends with an
// error event the finalized log is returned together with the typed error.
// If ctx ends first the run keeps going (unless CancelOnDisconnect is set)
// and ctx's error is returned with the log as it stood.
func (s *Service) Invoke(ctx context.Context, req Request) (model.SkillLog, error) {
	t, err := s.start(ctx, req)
	if err != nil {
		return model.SkillLog{}, err
	}
	select {
	case <-t.done:
	case <-ctx.Done():
		if s.cfg.CancelOnDisconnect {
			t.run.Cancel()
		}
		return t.snapshot(), ctx.Err()
	}
	log := t.snapshot()
	return log, skill.TerminalError(log.SkillName, t.terminal)
}

// Stream starts a skill and returns a subscription that yields every event
// from seq 1.
func (s *Service) Stream(ctx context.Context, req Request) (*Subscription, error) {
	t, err := s.start(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.follow(t, 0), nil
}

// Attach follows an existing invocation from afterSeq. Events already
// recorded are replayed, then live ones follow; the subscription ends after
// the terminal event.
func (s *Service) Attach(ctx context.Context, uid string, jobID uuid.UUID, afterSeq int64) (*Subscription, error) {
	if t := s.tracked(jobID); t != nil {
		if t.uid != uid {
			return nil, ErrNotFound
		}
		return s.follow(t, afterSeq), nil
	}

	log, err := s.store.GetLog(ctx, jobID, false)
	if err != nil {
		return nil, s.storeErr(err)
	}
	if log.UID != uid {
		return nil, ErrNotFound
	}

	sub := &Subscription{jobID: jobID, cursor: max(afterSeq, 0), poll: s.cfg.PollInterval}
	sub.fetch = func(ctx context.Context, after int64) ([]model.SkillEvent, bool, error) {
		// Status before events: a terminal status guarantees its terminal
		// event is visible to the read that follows.
		log, err := s.store.GetLog(ctx, jobID, false)
		if err != nil {
			return nil, false, s.storeErr(err)
		}
		events, err := s.store.GetEvents(ctx, jobID, after)
		if err != nil {
			return nil, false, err
		}
		return events, log.Status.Terminal(), nil
	}
	if s.watcher != nil {
		sub.wake, sub.stop = s.watcher.WatchJob(jobID)
	}
	return sub, nil
}

// Cancel stops a running invocation and returns its finalized log. Cancelling
// an invocation that already finished is a no-op that returns its log.
func (s *Service) Cancel(ctx context.Context, uid string, jobID uuid.UUID) (model.SkillLog, error) {
	if t := s.tracked(jobID); t != nil {
		if t.uid != uid {
			return model.SkillLog{}, ErrNotFound
		}
		t.run.Cancel()
		select {
		case <-t.done:
			return t.snapshot(), nil
		case <-ctx.Done():
			return model.SkillLog{}, ctx.Err()
		}
	}

	log, err := s.GetLog(ctx, uid, jobID)
	if err != nil {
		return model.SkillLog{}, err
	}
	if !log.Status.Terminal() {
		return log, ErrNotLocal
	}
	return log, nil
}

// Abandon records that the caller streaming jobID went away. The run is
// cancelled only when CancelOnDisconnect is set; otherwise it runs to
// completion and stays attachable.
func (s *Service) Abandon(uid string, jobID uuid.UUID) bool {
	if !s.cfg.CancelOnDisconnect {
		return false
	}
	t := s.tracked(jobID)
	if t == nil || t.uid != uid {
		return false
	}
	t.run.Cancel()
	return true
}

// GetLog returns one of the caller's logs with its events.
func (s *Service) GetLog(ctx context.Context, uid string, jobID uuid.UUID) (model.SkillLog, error) {
	log, err := s.store.GetLog(ctx, jobID, true)
	if err != nil {
		return model.SkillLog{}, s.storeErr(err)
	}
	if log.UID != uid {
		return model.SkillLog{}, ErrNotFound
	}
	if log.Events == nil {
		log.Events = []model.SkillEvent{}
	}
	return log, nil
}

// ListLogs returns a page of the caller's logs, newest first, and the total.
func (s *Service) ListLogs(ctx context.Context, f model.LogFilter) ([]model.SkillLog, int, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	switch {
	case f.PageSize <= 0:
		f.PageSize = DefaultPageSize
	case f.PageSize > MaxPageSize:
		f.PageSize = MaxPageSize
	}
	return s.store.ListLogs(ctx, f)
}

// InFlight returns the number of invocations running on this instance.
func (s *Service) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Drain rejects new invocations and waits for running ones to finish. If
// ctx ends first the remaining runs are cancelled, so their logs are still
// finalized before the process exits.
func (s *Service) Drain(ctx context.Context) error {
	s.draining.Store(true)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	for _, t := range s.runs {
		t.run.Cancel()
	}
	n := len(s.runs)
	s.mu.Unlock()
	s.logger.Warn("invocation: drain timed out, cancelled running invocations", "count", n)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	return ctx.Err()
}

// start resolves, validates, records and launches an invocation.
func (s *Service) start(ctx context.Context, req Request) (*tracked, error) {
	if s.draining.Load() {
		return nil, ErrDraining
	}
	if req.SkillID != "" {
		var err error
		if req, err = s.applyInstance(ctx, req); err != nil {
			return nil, err
		}
	}
	def, err := s.registry.Resolve(req.SkillName)
	if err != nil {
		return nil, err
	}
	plan, err := s.executor.Prepare(def, req.Input, skill.RunConfig{Config: req.Config, NodeTimeout: req.NodeTimeout})
	if err != nil {
		return nil, err
	}
	if !s.sem.TryAcquire(1) {
		return nil, ErrBusy
	}
	started := false
	defer func() {
		if !started {
			s.sem.Release(1)
		}
	}()

	jobID := req.JobID
	if jobID == uuid.Nil {
		jobID = uuid.New()
	}
	log := model.SkillLog{
		JobID:     jobID,
		SkillName: def.Name,
		SkillID:   req.SkillID,
		UID:       req.UID,
		Status:    model.LogStatusPending,
		Input:     plan.Input,
		Config:    plan.Config,
		CreatedAt: time.Now().UTC(),
	}
	// Once created the log must either run or go away, whatever happens
	// to the caller.
	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer wcancel()
	if err := s.store.CreateLog(wctx, log); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("invocation: create log: %w", err)
	}
	now := time.Now().UTC()
	if err := s.store.MarkRunning(wctx, jobID, now); err != nil {
		if derr := s.store.DiscardLog(wctx, jobID); derr != nil {
			s.logger.Error("invocation: discard pending log failed", "job_id", jobID, "error", derr)
		}
		return nil, fmt.Errorf("invocation: mark running: %w", err)
	}
	log.Status = model.LogStatusRunning
	log.StartedAt = &now

	timeout := s.cfg.InvocationTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)

	t := &tracked{
		uid:     req.UID,
		log:     log,
		journal: newJournal(),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.runs[jobID] = t
	s.mu.Unlock()

	t.run = s.executor.Start(runCtx, plan)
	started = true
	s.wg.Add(1)
	go s.pump(runCtx, t, cancel)

	s.logger.Info("invocation started", "job_id", jobID, "skill", def.Name, "uid", req.UID)
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("refly.job_id", jobID.String()),
		attribute.String("refly.skill", def.Name),
	)
	return t, nil
}

// applyInstance resolves req.SkillID into its skill and layers the
// request's config over the instance's.
func (s *Service) applyInstance(ctx context.Context, req Request) (Request, error) {
	if s.instances == nil {
		return req, &skill.InvalidInputError{Skill: req.SkillName, Field: "skill_id", Reason: "is not supported"}
	}
	inst, err := s.instances.GetInstance(ctx, req.UID, req.SkillID)
	if err != nil {
		return req, fmt.Errorf("invocation: skill instance %s: %w", req.SkillID, err)
	}
	if req.SkillName != "" && req.SkillName != inst.SkillName {
		return req, &skill.InvalidInputError{Skill: req.SkillName, Field: "skill_id",
			Reason: "belongs to skill " + inst.SkillName}
	}
	req.SkillName = inst.SkillName
	cfg := maps.Clone(inst.Config)
	if cfg == nil {
		cfg = make(map[string]any, len(req.Config))
	}
	maps.Copy(cfg, req.Config)
	req.Config = cfg
	return req, nil
}

func (s *Service) tracked(jobID uuid.UUID) *tracked {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[jobID]
}

func (s *Service) follow(t *tracked, after int64) *Subscription {
	wake, stop := t.journal.watch()
	return &Subscription{
		jobID:  t.log.JobID,
		cursor: max(after, 0),
		fetch: func(_ context.Context, after int64) ([]model.SkillEvent, bool, error) {
			events, done := t.journal.since(after)
			return events, done, nil
		},
		wake: wake,
		stop: stop,
	}
}

func (s *Service) storeErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
