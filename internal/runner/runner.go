// Package runner drains the task queue through a bounded worker pool. It
// owns the task lifecycle around a resolution: start staggering, stall
// detection, progress throttling and the terminal status transition.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openshelf/openshelf/internal/cascade"
	"github.com/openshelf/openshelf/internal/fetch"
	"github.com/openshelf/openshelf/internal/history"
	"github.com/openshelf/openshelf/internal/logging"
	"github.com/openshelf/openshelf/internal/metadata"
	"github.com/openshelf/openshelf/internal/queue"
	"github.com/openshelf/openshelf/internal/scanloop"
)

var log = logging.GetLogger("runner")

var (
	// New downloads are staggered when others are already running so a
	// burst of enqueues does not hit every mirror at once.
	staggerMin = 2 * time.Second
	staggerMax = 5 * time.Second

	dispatchInterval    = 250 * time.Millisecond
	stallCheckInterval  = time.Second
	progressMinInterval = 5 * time.Second
)

// Resolver turns a book into a staged file. *cascade.Controller implements it.
type Resolver interface {
	Resolve(ctx context.Context, book *metadata.Book, progress fetch.ProgressFunc, status fetch.StatusFunc) (*cascade.Result, error)
}

// Recorder persists finished attempts. *history.Repo implements it.
type Recorder interface {
	Record(e history.Entry) error
}

// Runner dispatches queued tasks to at most Workers concurrent resolutions.
type Runner struct {
	Queue    *queue.Queue
	Resolver Resolver

	// History is optional; nil disables attempt recording.
	History Recorder

	Workers      int
	StallTimeout time.Duration

	// StaggerMin/StaggerMax bound the random start delay applied when other
	// downloads are already running. Zero values fall back to 2-5 s.
	StaggerMin time.Duration
	StaggerMax time.Duration

	stopCh    chan struct{}
	wg        sync.WaitGroup
	active    atomic.Int32
	startOnce sync.Once
	stopOnce  sync.Once
}

// Start launches the dispatch loop. Safe to call once.
func (r *Runner) Start() {
	r.startOnce.Do(func() {
		if r.Workers <= 0 {
			r.Workers = 3
		}
		if r.StallTimeout <= 0 {
			r.StallTimeout = 5 * time.Minute
		}
		if r.StaggerMin <= 0 {
			r.StaggerMin = staggerMin
		}
		if r.StaggerMax <= r.StaggerMin {
			r.StaggerMax = r.StaggerMin + (staggerMax - staggerMin)
		}
		r.stopCh = make(chan struct{})
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			scanloop.Run(r.stopCh, dispatchInterval, 0, r.dispatch)
		}()
		log.Info().Int("workers", r.Workers).Msg("runner started")
	})
}

// Stop halts dispatching, cancels running tasks via the shared stop signal
// and waits for the workers to unwind.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()
		log.Info().Msg("runner stopped")
	})
}

func (r *Runner) dispatch() {
	for int(r.active.Load()) < r.Workers {
		task := r.Queue.Next()
		if task == nil {
			return
		}
		r.active.Add(1)
		r.wg.Add(1)
		go r.run(task)
	}
}

func (r *Runner) run(task *queue.Task) {
	defer r.wg.Done()
	defer r.active.Add(-1)

	// Stagger only when other downloads are already in flight.
	if r.active.Load() > 1 {
		delay := r.StaggerMin + time.Duration(rand.Int64N(int64(r.StaggerMax-r.StaggerMin)))
		if !sleepInterruptible(delay, task.Cancelled(), r.stopCh) {
			if task.IsCancelled() {
				r.finishCancelled(task, time.Duration(0))
			}
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())
	touch := func() { lastActivity.Store(time.Now().UnixNano()) }

	var stalled atomic.Bool
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		ticker := time.NewTicker(stallCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-task.Cancelled():
				cancel()
				return
			case <-r.stopCh:
				cancel()
				return
			case <-ticker.C:
				idle := time.Since(time.Unix(0, lastActivity.Load()))
				if idle > r.StallTimeout {
					stalled.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	var lastProgress float64
	var lastProgressAt time.Time
	var progressMu sync.Mutex
	progressFn := func(percent float64) {
		touch()
		progressMu.Lock()
		defer progressMu.Unlock()
		now := time.Now()
		switch {
		case percent <= 1 || percent >= 99:
		case now.Sub(lastProgressAt) >= progressMinInterval:
		case percent-lastProgress >= 10:
		default:
			return
		}
		lastProgress, lastProgressAt = percent, now
		r.Queue.SetProgress(task.ID, percent)
	}

	statusFn := func(phase, message string) {
		touch()
		r.Queue.SetStatus(task.ID, phaseStatus(phase), message)
	}

	log.Info().Str("task", task.ID).Str("title", task.Book.Title).Msg("starting download")
	start := time.Now()
	result, err := r.Resolver.Resolve(ctx, task.Book, progressFn, statusFn)
	elapsed := time.Since(start)
	cancel()
	<-watchdogDone

	switch {
	case err == nil:
		r.Queue.SetProgress(task.ID, 100)
		r.Queue.SetPath(task.ID, result.Path)
		r.Queue.SetStatus(task.ID, queue.StatusComplete, "")
		r.record(history.Entry{
			ID: task.ID, Book: task.Book,
			Source: result.SourceID, URL: result.URL,
			Outcome: "complete", Bytes: fileSize(result.Path), Duration: elapsed,
		})
		log.Info().Str("task", task.ID).Str("source", result.SourceID).Dur("elapsed", elapsed).Msg("download complete")

	case stalled.Load():
		msg := fmt.Sprintf("Download stalled (no activity for %ds)", int(r.StallTimeout.Seconds()))
		r.Queue.SetStatus(task.ID, queue.StatusError, msg)
		r.record(history.Entry{
			ID: task.ID, Book: task.Book,
			Outcome: "error", Reason: msg, Duration: elapsed,
		})
		log.Warn().Str("task", task.ID).Msg("download stalled, cancelled")

	case task.IsCancelled():
		r.finishCancelled(task, elapsed)

	case errors.Is(err, context.Canceled):
		// Shutdown: leave the task where it is, no terminal record.

	default:
		msg := "All sources failed"
		if !errors.Is(err, cascade.ErrAllSourcesFailed) {
			msg = err.Error()
		}
		r.Queue.SetStatus(task.ID, queue.StatusError, msg)
		r.record(history.Entry{
			ID: task.ID, Book: task.Book,
			Outcome: "error", Reason: msg, Duration: elapsed,
		})
		log.Warn().Err(err).Str("task", task.ID).Msg("download failed")
	}
}

func (r *Runner) finishCancelled(task *queue.Task, elapsed time.Duration) {
	r.Queue.SetStatus(task.ID, queue.StatusCancelled, "Cancelled")
	r.record(history.Entry{
		ID: task.ID, Book: task.Book,
		Outcome: "cancelled", Duration: elapsed,
	})
	log.Info().Str("task", task.ID).Msg("download cancelled")
}

func (r *Runner) record(e history.Entry) {
	if r.History == nil {
		return
	}
	if err := r.History.Record(e); err != nil {
		log.Warn().Err(err).Str("task", e.ID).Msg("history record failed")
	}
}

func phaseStatus(phase string) queue.Status {
	switch phase {
	case "downloading":
		return queue.StatusDownloading
	case "error":
		return queue.StatusError
	default:
		return queue.StatusResolving
	}
}

// sleepInterruptible waits for d; false means cancel or stop fired first.
func sleepInterruptible(d time.Duration, cancelled, stop <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-cancelled:
		return false
	case <-stop:
		return false
	}
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
