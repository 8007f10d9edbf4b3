package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"gazer/internal/gallery"
	"gazer/internal/pipeline"
)

// galleryTask is one scheduled gallery. The snapshot is replaced in place by
// updates; the loop re-reads it at every tick, so an update takes effect on
// the next firing without restarting the current sleep.
type galleryTask struct {
	id gallery.ID

	mu    sync.Mutex
	state gallery.SchedulerState

	// cancel and running are guarded by the scheduler's registry mutex.
	cancel  context.CancelFunc
	running bool
}

func newGalleryTask(state gallery.SchedulerState) *galleryTask {
	return &galleryTask{id: state.GalleryID, state: state}
}

func (t *galleryTask) snapshot() gallery.SchedulerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Clone()
}

func (t *galleryTask) setState(state gallery.SchedulerState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
}

// runTaskLoop fires the pipeline on the gallery's schedule. The next firing
// is computed from the previous scheduled tick, not from wall time, so a run
// that overshoots its period is followed by an immediate catch-up tick.
// ctx governs the sleeps and the loop only; see the Run call below.
func (s *Scheduler) runTaskLoop(ctx context.Context, task *galleryTask) {
	base := time.Now()
	for {
		snap := task.snapshot()
		next := snap.ScrapingPeriodicity.Next(base)
		if next.IsZero() {
			s.logger.Error("gallery %s: schedule %q yields no further occurrences, task going dormant",
				task.id, snap.ScrapingPeriodicity.Expr())
			return
		}

		if wait := time.Until(next); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		base = next

		snap = task.snapshot()
		if !snap.IsActive {
			s.logger.Debug("gallery %s: inactive, skipping tick", task.id)
			continue
		}

		// The run gets the scheduler's lifetime context, not the task's.
		// A Delete landing mid-run stops future ticks but the run itself
		// commits; its closing update then finds no task and is dropped.
		if _, err := s.runner.Run(s.ctx, pipeline.NewSearchScraping(snap)); err != nil {
			// A lost closing update means this task's snapshot has
			// diverged from the store; stop rather than keep scraping
			// from a stale watermark. An Update revives the task.
			if errors.Is(err, pipeline.ErrFailedToUpdate) {
				s.logger.Error("gallery %s: closing update lost, task going dormant: %v", task.id, err)
				return
			}
			// Other run failures never kill the task; the next tick
			// retries from the stored state.
			s.logger.Error("gallery %s: pipeline run failed: %v", task.id, err)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
