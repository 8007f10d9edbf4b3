// Package scheduler owns the set of active galleries. Each gallery runs as
// one long-lived task that fires the pipeline on its cron schedule; all
// external mutations arrive as control messages on a single bounded channel
// and are acknowledged individually. The pipeline closes the loop after a
// run by posting an update on the same channel.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gazer/internal/gallery"
	"gazer/internal/logging"
	"gazer/internal/metrics"
	"gazer/internal/pipeline"
)

// DefaultControlCapacity bounds the control channel. Senders block when it
// is full; do not make this unbounded without a load-shedding policy.
const DefaultControlCapacity = 10000

var (
	// ErrAlreadyExists reports an Add for a known gallery id.
	ErrAlreadyExists = errors.New("gallery already scheduled")
	// ErrNotFound reports an Update or Delete for an unknown gallery id.
	ErrNotFound = errors.New("gallery not scheduled")
	// ErrIDMismatch reports an Update whose state carries a different id
	// than the one addressed.
	ErrIDMismatch = errors.New("gallery id mismatch")
	// ErrStopped reports an operation against a stopped scheduler.
	ErrStopped = errors.New("scheduler stopped")
)

// Runner executes one pipeline run. *pipeline.Instance implements it.
type Runner interface {
	Run(ctx context.Context, initial pipeline.SearchScraping) (gallery.SessionID, error)
}

type messageKind int

const (
	addMsg messageKind = iota
	updateMsg
	deleteMsg
)

type controlMessage struct {
	kind  messageKind
	id    gallery.ID
	state gallery.SchedulerState
	reply chan error
}

// Config wires a Scheduler.
type Config struct {
	Runner          Runner
	Logger          logging.Logger
	Metrics         *metrics.Metrics
	ControlCapacity int
}

// Scheduler dispatches per-gallery tasks and serializes control messages.
type Scheduler struct {
	ctrl    chan controlMessage
	runner  Runner
	logger  logging.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	tasks map[gallery.ID]*galleryTask

	ctx    context.Context
	cancel context.CancelFunc
	loopWG sync.WaitGroup
	taskWG sync.WaitGroup
}

// New constructs a Scheduler. Start must be called before use.
func New(cfg Config) *Scheduler {
	capacity := cfg.ControlCapacity
	if capacity <= 0 {
		capacity = DefaultControlCapacity
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}
	return &Scheduler{
		ctrl:    make(chan controlMessage, capacity),
		runner:  cfg.Runner,
		logger:  logging.OrNop(cfg.Logger),
		metrics: cfg.Metrics,
		tasks:   make(map[gallery.ID]*galleryTask),
	}
}

// Start launches the control loop. ctx cancellation stops the scheduler and
// every gallery task.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.loopWG.Add(1)
	go s.controlLoop()
}

// Stop cancels every task and waits for the control loop and all tasks to
// exit. In-flight pipeline runs observe context cancellation.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.loopWG.Wait()
	s.taskWG.Wait()
}

// InitGalleries registers the initial set loaded from the store. Failures
// are counted and logged, never fatal.
func (s *Scheduler) InitGalleries(ctx context.Context, states []gallery.SchedulerState) {
	failures := 0
	for _, state := range states {
		if err := s.Add(ctx, state); err != nil {
			failures++
			s.logger.Error("initial schedule of gallery %s failed: %v", state.GalleryID, err)
		}
	}
	s.logger.Info("scheduled %d galleries at startup (%d failures)", len(states)-failures, failures)
}

// Add schedules a new gallery and spawns its task. Fails with
// ErrAlreadyExists when the id is known.
func (s *Scheduler) Add(ctx context.Context, state gallery.SchedulerState) error {
	return s.send(ctx, controlMessage{kind: addMsg, id: state.GalleryID, state: state})
}

// Update atomically replaces a task's gallery snapshot without restarting
// its sleep. Fails with ErrNotFound for unknown ids and ErrIDMismatch when
// the state's id differs from the addressed id.
func (s *Scheduler) Update(ctx context.Context, id gallery.ID, state gallery.SchedulerState) error {
	return s.send(ctx, controlMessage{kind: updateMsg, id: id, state: state})
}

// Delete cancels a gallery's task. A run already in flight completes, but
// its closing update finds no task and is dropped.
func (s *Scheduler) Delete(ctx context.Context, id gallery.ID) error {
	return s.send(ctx, controlMessage{kind: deleteMsg, id: id})
}

// ApplyGalleryUpdate is the pipeline's closing update. A gallery deleted
// while its last run was in flight is not an error here: the update is
// dropped silently.
func (s *Scheduler) ApplyGalleryUpdate(ctx context.Context, state gallery.SchedulerState) error {
	err := s.Update(ctx, state.GalleryID, state)
	if errors.Is(err, ErrNotFound) {
		s.logger.Debug("dropping update for deleted gallery %s", state.GalleryID)
		return nil
	}
	return err
}

// send enqueues a control message and waits for its acknowledgment. The
// channel is bounded; a full channel blocks the caller until drained.
func (s *Scheduler) send(ctx context.Context, msg controlMessage) error {
	if s.ctx == nil {
		return ErrStopped
	}
	msg.reply = make(chan error, 1)
	select {
	case s.ctrl <- msg:
	case <-ctx.Done():
		return fmt.Errorf("control send: %w", ctx.Err())
	case <-s.ctx.Done():
		return ErrStopped
	}
	select {
	case err := <-msg.reply:
		return err
	case <-ctx.Done():
		return fmt.Errorf("control ack: %w", ctx.Err())
	case <-s.ctx.Done():
		return ErrStopped
	}
}

func (s *Scheduler) controlLoop() {
	defer s.loopWG.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.ctrl:
			switch msg.kind {
			case addMsg:
				msg.reply <- s.handleAdd(msg.state)
			case updateMsg:
				msg.reply <- s.handleUpdate(msg.id, msg.state)
			case deleteMsg:
				msg.reply <- s.handleDelete(msg.id)
			}
		}
	}
}

func (s *Scheduler) handleAdd(state gallery.SchedulerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[state.GalleryID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, state.GalleryID)
	}
	if state.ScrapingPeriodicity.IsZero() {
		return fmt.Errorf("%w: gallery %s has no schedule", gallery.ErrInvalidCron, state.GalleryID)
	}

	task := newGalleryTask(state)
	s.tasks[state.GalleryID] = task
	s.spawnLocked(task)
	s.metrics.ActiveGalleries.Inc()
	s.logger.Info("scheduled gallery %s (%s)", state.GalleryID, state.ScrapingPeriodicity.Expr())
	return nil
}

func (s *Scheduler) handleUpdate(id gallery.ID, state gallery.SchedulerState) error {
	if state.GalleryID != id {
		return fmt.Errorf("%w: addressed %s, state carries %s", ErrIDMismatch, id, state.GalleryID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	task.setState(state)
	// A task whose loop died (cron stopped producing occurrences) is
	// revived by the replacement snapshot.
	if !task.running {
		s.spawnLocked(task)
	}
	s.logger.Debug("updated gallery %s snapshot", id)
	return nil
}

func (s *Scheduler) handleDelete(id gallery.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	task.cancel()
	delete(s.tasks, id)
	s.metrics.ActiveGalleries.Dec()
	s.logger.Info("unscheduled gallery %s", id)
	return nil
}

// spawnLocked starts the task loop. Caller holds s.mu.
func (s *Scheduler) spawnLocked(task *galleryTask) {
	taskCtx, cancel := context.WithCancel(s.ctx)
	task.cancel = cancel
	task.running = true
	s.taskWG.Add(1)
	go func() {
		defer s.taskWG.Done()
		defer s.markStopped(task)
		s.runTaskLoop(taskCtx, task)
	}()
}

func (s *Scheduler) markStopped(task *galleryTask) {
	s.mu.Lock()
	task.running = false
	s.mu.Unlock()
}

// Galleries returns the ids currently scheduled, for diagnostics.
func (s *Scheduler) Galleries() []gallery.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]gallery.ID, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	return ids
}
