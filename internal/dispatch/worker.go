package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tastythames/slurm-portal/internal/orchestrator"
)

type task struct {
	req  orchestrator.Request
	ctx  context.Context
	done chan orchestrator.Result
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	log := d.log.With(zap.Int("worker", id))
	log.Debug("worker started")

	for t := range d.jobCh {
		d.handle(log, t)
	}
	log.Debug("worker stopped")
}

func (d *Dispatcher) handle(log *zap.Logger, t task) {
	runID := t.req.ID
	defer d.forget(runID)

	var res orchestrator.Result
	if err := t.ctx.Err(); err != nil {
		res = canceledResult(t.req, err)
		now := time.Now()
		res.StartedAt, res.EndedAt = now, now
	} else {
		start := time.Now()
		log.Info("run started", zap.String("run_id", runID))
		res = d.runner.Run(t.ctx, t.req, func(p orchestrator.Progress) {
			d.store.Advance(runID, p)
		})
		log.Info("run done", zap.String("run_id", runID), zap.String("outcome", string(res.Outcome)),
			zap.Duration("took", time.Since(start)))
	}

	d.store.Finish(runID, res)
	t.done <- res
	close(t.done)
}
