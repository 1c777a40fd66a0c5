package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"rentintel/server/config"
)

var ErrAlreadyRunning = errors.New("collection already running")

// Runner allows one collection run at a time over a fixed region catalogue.
type Runner struct {
	orch           *Orchestrator
	regions        *config.Regions
	maxConcurrency int
	logger         *logrus.Logger

	mu      sync.Mutex
	running bool
	last    *Result
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewRunner(orch *Orchestrator, regions *config.Regions, maxConcurrency int, logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = orch.logger
	}
	return &Runner{
		orch:           orch,
		regions:        regions,
		maxConcurrency: maxConcurrency,
		logger:         logger,
	}
}

func (r *Runner) acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrAlreadyRunning
	}
	r.running = true
	return nil
}

func (r *Runner) release(res *Result) {
	r.mu.Lock()
	r.running = false
	if res != nil {
		r.last = res
	}
	r.mu.Unlock()
}

// Run collects the regions named by codes, or every region when codes is
// empty, and blocks until the run is merged.
func (r *Runner) Run(ctx context.Context, codes []string) (Result, error) {
	selected, err := r.regions.Select(codes)
	if err != nil {
		return Result{}, fmt.Errorf("failed to select regions: %w", err)
	}
	if err := r.acquire(); err != nil {
		return Result{}, err
	}

	res := r.orch.CollectAll(ctx, selected, r.maxConcurrency)
	r.release(&res)
	return res, nil
}

// Start is Run in the background. The run is detached from ctx so it outlives
// the request that started it; Cancel stops it and Wait blocks until it is
// done.
func (r *Runner) Start(ctx context.Context, codes []string) error {
	selected, err := r.regions.Select(codes)
	if err != nil {
		return fmt.Errorf("failed to select regions: %w", err)
	}
	if err := r.acquire(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		res := r.orch.CollectAll(runCtx, selected, r.maxConcurrency)
		r.release(&res)
		r.logger.WithFields(logrus.Fields{
			"run_id":         res.RunID,
			"status":         res.Status,
			"total_listings": res.TotalListings,
		}).Info("Background collection finished")
	}()
	return nil
}

// Cancel stops a background run, if one is in progress.
func (r *Runner) Cancel() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until background runs have finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Running reports whether a run is in progress.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Last returns the result of the most recent finished run, if any.
func (r *Runner) Last() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Status reports the orchestrator state.
func (r *Runner) Status() string {
	return string(r.orch.Status())
}
