// Package orchestrator composes session, staging, rendering, submission,
// polling and collection into one pipeline per request.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tastythames/slurm-portal/internal/artifacts"
	"github.com/tastythames/slurm-portal/internal/failure"
	"github.com/tastythames/slurm-portal/internal/jobscript"
	"github.com/tastythames/slurm-portal/internal/slurm"
)

// DefaultRemoteRoot is expanded with the run's username.
const DefaultRemoteRoot = "/scrfs/storage/{username}/home/"

type Options struct {
	Dialer    Dialer
	Renderer  *jobscript.Renderer
	Submitter *slurm.Submitter
	Poller    *slurm.Poller
	Collector *artifacts.Collector

	// Staging is where inputs are written before upload.
	Staging *Staging

	// Job carries the fixed script parameters. RemoteDir, Source and Inputs
	// are filled per run.
	Job jobscript.Spec

	// SourceFile names the upload to compile; the first upload otherwise.
	SourceFile string

	// RemoteRoot may contain {username}.
	RemoteRoot string

	// PerRunDir places each run under <root>/runs/<run id>.
	PerRunDir bool

	PollTimeout time.Duration

	// Inspect runs sacct after the job leaves the queue.
	Inspect bool

	// ArtifactLabel is used in result messages, e.g. ".vtk".
	ArtifactLabel string

	Log *zap.Logger
	Now func() time.Time
}

type Orchestrator struct {
	opts  Options
	log   *zap.Logger
	now   func() time.Time
	locks dirLocks
}

func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Dialer == nil:
		return nil, errors.New("orchestrator: dialer is required")
	case opts.Submitter == nil:
		return nil, errors.New("orchestrator: submitter is required")
	case opts.Poller == nil:
		return nil, errors.New("orchestrator: poller is required")
	case opts.Collector == nil:
		return nil, errors.New("orchestrator: collector is required")
	case opts.Staging == nil:
		return nil, errors.New("orchestrator: staging is required")
	}
	if opts.Renderer == nil {
		r, err := jobscript.NewRenderer("")
		if err != nil {
			return nil, err
		}
		opts.Renderer = r
	}
	if opts.RemoteRoot == "" {
		opts.RemoteRoot = DefaultRemoteRoot
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 24 * time.Hour
	}
	if opts.ArtifactLabel == "" {
		opts.ArtifactLabel = opts.Job.ArtifactSuffix
	}
	if opts.ArtifactLabel == "" {
		opts.ArtifactLabel = "result"
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{opts: opts, log: log, now: now}, nil
}

// RemoteDir is the working directory a request runs in.
func (o *Orchestrator) RemoteDir(req Request) string {
	root := strings.ReplaceAll(o.opts.RemoteRoot, "{username}", req.Credentials.Username)
	root = path.Clean(root)
	if o.opts.PerRunDir {
		return path.Join(root, "runs", req.ID)
	}
	return root
}

// Run executes the whole pipeline for req. It never returns without releasing
// the session it opened. Runs sharing a remote directory run one at a time.
// progress may be nil.
func (o *Orchestrator) Run(ctx context.Context, req Request, progress ProgressFunc) (res Result) {
	if progress == nil {
		progress = func(Progress) {}
	}
	log := o.log.With(zap.String("run_id", req.ID), zap.String("user", req.Credentials.Username))

	res = Result{RunID: req.ID, Artifacts: []string{}, StartedAt: o.now()}
	defer func() {
		res.EndedAt = o.now()
		if res.Err != nil {
			log.Warn("run failed", zap.String("job_id", res.JobID), zap.String("reason", string(res.Reason)), zap.Error(res.Err))
			return
		}
		log.Info("run finished", zap.String("job_id", res.JobID), zap.String("outcome", string(res.Outcome)), zap.Int("artifacts", len(res.Artifacts)))
	}()

	if err := req.validate(); err != nil {
		return o.fail(res, failure.ReasonInvalidRequest, err)
	}
	if err := ctx.Err(); err != nil {
		return o.fail(res, failure.ReasonOf(err), err)
	}

	progress(Progress{Stage: StageStaging})
	staged, errs := o.opts.Staging.Stage(req.ID, req.Inputs)
	defer o.opts.Staging.Cleanup(req.ID)
	res.Errors = append(res.Errors, errs...)
	if len(staged) == 0 {
		return o.fail(res, failure.ReasonStaging, failure.New(failure.ErrStaging, "stage", errors.New("no input could be staged")))
	}

	remoteDir := o.RemoteDir(req)
	log = log.With(zap.String("remote_dir", remoteDir))
	unlock, err := o.locks.acquire(ctx, remoteDir)
	if err != nil {
		return o.fail(res, failure.ReasonOf(err), err)
	}
	defer unlock()

	sess, err := o.opts.Dialer.Establish(ctx, req.Credentials)
	if err != nil {
		// A dialer may hand back a half-open session along with the error.
		if sess != nil {
			_ = sess.Release()
		}
		err = ctxOr(ctx, err)
		return o.fail(res, failure.ReasonOf(err), err)
	}
	defer func() {
		if err := sess.Release(); err != nil {
			log.Debug("session release", zap.Error(err))
		}
	}()

	if o.opts.PerRunDir {
		if err := sess.MkdirAll(ctx, remoteDir); err != nil {
			err = ctxOr(ctx, failure.WithPath(failure.ErrTransfer, "mkdir", remoteDir, err))
			return o.fail(res, failure.ReasonOf(err), err)
		}
	}

	uploaded, errs := o.upload(ctx, log, sess, req.ID, staged, remoteDir)
	res.Errors = append(res.Errors, errs...)
	if err := ctx.Err(); err != nil {
		return o.fail(res, failure.ReasonOf(err), err)
	}
	if len(uploaded) == 0 {
		return o.fail(res, failure.ReasonTransfer, failure.New(failure.ErrTransfer, "upload", errors.New("no input could be uploaded")))
	}

	script, err := o.opts.Renderer.Render(o.spec(remoteDir, uploaded))
	if err != nil {
		err = failure.New(failure.ErrRender, "render", err)
		return o.fail(res, failure.ReasonRender, err)
	}

	progress(Progress{Stage: StageSubmitting})
	id, err := o.opts.Submitter.Submit(ctx, sess, script, remoteDir)
	if err != nil {
		err = ctxOr(ctx, err)
		return o.fail(res, failure.ReasonOf(err), err)
	}
	res.JobID = id.String()
	log = log.With(zap.String("job_id", res.JobID))
	log.Info("job submitted")

	progress(Progress{Stage: StagePolling, JobID: id, Queue: slurm.StateQueued})
	pollCtx, cancel := context.WithTimeout(ctx, o.opts.PollTimeout)
	pr, err := o.opts.Poller.Wait(pollCtx, sess, req.Credentials.Username, id, func(s slurm.PollState) {
		progress(Progress{Stage: StagePolling, JobID: id, Queue: s})
	})
	cancel()
	if err != nil {
		return o.fail(res, failure.ReasonOf(err), err)
	}
	log.Debug("job completed", zap.Int("queries", pr.Queries))

	if o.opts.Inspect {
		acct, err := slurm.Inspect(ctx, sess, id)
		if err != nil {
			log.Warn("accounting lookup failed", zap.Error(err))
		} else {
			res.SchedulerState = acct.State
			if !acct.Succeeded() {
				log.Warn("job ended unsuccessfully", zap.String("state", acct.State), zap.String("exit_code", acct.ExitCode))
			}
		}
	}

	progress(Progress{Stage: StageCollecting, JobID: id, Queue: slurm.StateCompleted})
	set, err := o.opts.Collector.Collect(ctx, sess, remoteDir, string(id))
	res.Errors = append(res.Errors, set.Failures...)
	if err != nil {
		return o.fail(res, failure.ReasonOf(err), err)
	}
	res.Artifacts = set.Names

	if len(set.Names) > 0 {
		res.Outcome = OutcomeArtifacts
		res.Message = fmt.Sprintf("Job completed and %s files retrieved.", o.opts.ArtifactLabel)
	} else {
		res.Outcome = OutcomeNoArtifacts
		res.Message = fmt.Sprintf("Job completed, but no %s files found.", o.opts.ArtifactLabel)
	}
	return res
}

func (o *Orchestrator) upload(ctx context.Context, log *zap.Logger, sess Session, runID string, staged []string, remoteDir string) ([]string, []failure.FileError) {
	var (
		uploaded []string
		errs     []failure.FileError
	)
	for _, name := range staged {
		if ctx.Err() != nil {
			break
		}
		dst := path.Join(remoteDir, name)
		err := o.opts.Staging.WithFile(runID, name, func(f afero.File) error {
			return sess.Upload(ctx, f, dst)
		})
		if err != nil {
			log.Warn("upload failed", zap.String("path", dst), zap.Error(err))
			errs = append(errs, failure.NewFileError(name, failure.WithPath(failure.ErrTransfer, "upload", dst, err)))
			continue
		}
		uploaded = append(uploaded, dst)
	}
	return uploaded, errs
}

func (o *Orchestrator) spec(remoteDir string, uploaded []string) jobscript.Spec {
	s := o.opts.Job
	s.RemoteDir = remoteDir
	s.Inputs = append([]string(nil), uploaded...)
	s.Source = uploaded[0]
	for _, p := range uploaded {
		if o.opts.SourceFile != "" && path.Base(p) == o.opts.SourceFile {
			s.Source = p
			break
		}
	}
	return s
}

func (o *Orchestrator) fail(res Result, reason failure.Reason, err error) Result {
	res.Outcome = OutcomeFailed
	res.Reason = reason
	res.Err = err
	res.Message = failureMessage(reason)
	return res
}

// ctxOr prefers the context's error once it is done, so a cut-short step is
// reported as canceled or timed out.
func ctxOr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
		return fmt.Errorf("%w: %v", cerr, err)
	}
	return err
}

func failureMessage(r failure.Reason) string {
	switch r {
	case failure.ReasonInvalidRequest:
		return "Username, password and at least one file are required."
	case failure.ReasonStaging:
		return "Failed to save uploaded files."
	case failure.ReasonAuth, failure.ReasonConnect:
		return "SSH connection failed."
	case failure.ReasonTransfer:
		return "Failed to upload input files."
	case failure.ReasonRender, failure.ReasonSubmission:
		return "Failed to submit the Slurm job."
	case failure.ReasonPoll:
		return "Lost track of the Slurm job."
	case failure.ReasonArtifactList:
		return "Job completed, but its results could not be listed."
	case failure.ReasonCanceled:
		return "Job canceled."
	case failure.ReasonTimeout:
		return "Timed out waiting for the Slurm job."
	default:
		return "Internal error."
	}
}
