package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ai-coach-context/internal/pkg/logger"

	"github.com/go-co-op/gocron/v2"
)

// Reconciler periodically runs IndexAll so edits made while the process was
// not watching are picked up.
type Reconciler struct {
	indexer   *Indexer
	interval  time.Duration
	log       logger.ILogger
	scheduler gocron.Scheduler
}

func NewReconciler(idx *Indexer, interval time.Duration, log logger.ILogger) *Reconciler {
	return &Reconciler{indexer: idx, interval: interval, log: logger.OrNop(log)}
}

// Start schedules the job. A zero interval disables reconciliation.
func (r *Reconciler) Start() error {
	if r.interval <= 0 || r.scheduler != nil {
		return nil
	}
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(r.interval),
		gocron.NewTask(r.run),
		gocron.WithName("reconcile_index"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return fmt.Errorf("schedule reconcile job: %w", err)
	}
	scheduler.Start()
	r.scheduler = scheduler
	r.log.Info(logModule, "Reconcile job scheduled", map[string]interface{}{"interval": r.interval.String()})
	return nil
}

func (r *Reconciler) run() {
	res, err := r.indexer.IndexAll(context.Background())
	if errors.Is(err, ErrIndexRunning) {
		r.log.Debug(logModule, "Reconcile skipped, full index already running", nil)
		return
	}
	if err != nil {
		r.log.Error(logModule, "Reconcile failed", map[string]interface{}{"error": err.Error()})
		return
	}
	r.log.Debug(logModule, "Reconcile finished", map[string]interface{}{
		"indexed": res.Indexed,
		"errors":  res.Errors,
	})
}

func (r *Reconciler) Stop() error {
	if r.scheduler == nil {
		return nil
	}
	err := r.scheduler.Shutdown()
	r.scheduler = nil
	return err
}
