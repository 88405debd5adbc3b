package slurm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tastythames/slurm-portal/internal/failure"
)

// PollerConfig bounds the wait loop. The overall deadline comes from the
// caller's context.
type PollerConfig struct {
	// Interval between successful queue queries.
	Interval time.Duration

	// MaxRetries is how many consecutive failed queries are retried before the
	// wait gives up with ErrPoll.
	MaxRetries int

	// MaxBackoff caps the delay after repeated failures.
	MaxBackoff time.Duration

	// Limiter, when set, is shared by every run to cap queries per second
	// against the login node.
	Limiter *rate.Limiter
}

func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:   5 * time.Second,
		MaxRetries: 5,
		MaxBackoff: 40 * time.Second,
	}
}

type Poller struct {
	cfg PollerConfig
	log *zap.Logger
}

func NewPoller(cfg PollerConfig, log *zap.Logger) *Poller {
	def := DefaultPollerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxBackoff < cfg.Interval {
		cfg.MaxBackoff = 8 * cfg.Interval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{cfg: cfg, log: log}
}

// PollResult records how a wait ended.
type PollResult struct {
	State   PollState
	Queries int
}

// Wait queries squeue for id until it disappears from the listing. onChange,
// if non-nil, sees every Queued/Running transition. Cancelling ctx returns
// ctx.Err() without querying the scheduler again.
func (p *Poller) Wait(ctx context.Context, ex Executor, user string, id JobHandle, onChange func(PollState)) (PollResult, error) {
	res := PollResult{State: StateQueued}
	failures := 0

	for {
		if p.cfg.Limiter != nil {
			if err := p.cfg.Limiter.Wait(ctx); err != nil {
				// The limiter refuses early when its reservation would outlast
				// the deadline; hold until the deadline so it reports as one.
				if _, ok := ctx.Deadline(); ok {
					<-ctx.Done()
				}
				return res, p.stopped(ctx, id, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return res, p.stopped(ctx, id, err)
		}

		res.Queries++
		present, state, err := p.query(ctx, ex, user, id)

		delay := p.cfg.Interval
		switch {
		case err != nil && ctx.Err() != nil:
			return res, p.stopped(ctx, id, ctx.Err())
		case err != nil:
			failures++
			if failures > p.cfg.MaxRetries {
				return res, failure.New(failure.ErrPoll, "squeue", fmt.Errorf("job %s: %d consecutive failures: %w", id, failures, err))
			}
			delay = p.backoff(failures)
			p.log.Warn("queue query failed, retrying",
				zap.String("job_id", string(id)), zap.Int("attempt", failures), zap.Duration("backoff", delay), zap.Error(err))
		case !present:
			res.State = StateCompleted
			p.log.Debug("job left queue", zap.String("job_id", string(id)), zap.Int("queries", res.Queries))
			return res, nil
		default:
			failures = 0
			if state != res.State {
				res.State = state
				if onChange != nil {
					onChange(state)
				}
			}
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return res, p.stopped(ctx, id, ctx.Err())
		case <-t.C:
		}
	}
}

func (p *Poller) stopped(ctx context.Context, id JobHandle, err error) error {
	p.log.Info("polling stopped", zap.String("job_id", string(id)), zap.Error(err))
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	return fmt.Errorf("poll job %s: %w", id, err)
}

func (p *Poller) backoff(failures int) time.Duration {
	d := p.cfg.Interval
	for i := 1; i < failures && d < p.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > p.cfg.MaxBackoff {
		d = p.cfg.MaxBackoff
	}
	return d
}

func (p *Poller) query(ctx context.Context, ex Executor, user string, id JobHandle) (bool, PollState, error) {
	out, err := ex.Execute(ctx, CmdSqueue(user, id).String())
	if err != nil {
		return false, "", err
	}
	if out.ExitStatus != 0 {
		if isInvalidJobID(out.Stderr) {
			return false, StateCompleted, nil
		}
		return false, "", fmt.Errorf("squeue exit status %d: %s", out.ExitStatus, strings.TrimSpace(out.Stderr))
	}
	present, state := ParseQueue(out.Stdout, id)
	return present, state, nil
}

// Inspect asks sacct for the final state of a job that has left the queue.
func Inspect(ctx context.Context, ex Executor, id JobHandle) (Accounting, error) {
	out, err := ex.Execute(ctx, CmdSacct(id).String())
	if err != nil {
		return Accounting{}, fmt.Errorf("sacct: %w", err)
	}
	if out.ExitStatus != 0 {
		return Accounting{}, fmt.Errorf("sacct exit status %d: %s", out.ExitStatus, strings.TrimSpace(out.Stderr))
	}
	return ParseAccounting(out.Stdout)
}
