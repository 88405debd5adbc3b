package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tastythames/slurm-portal/internal/failure"
	"github.com/tastythames/slurm-portal/internal/slurm"
	"github.com/tastythames/slurm-portal/internal/sshclient"
)

// Session is everything a run does over one cluster connection.
type Session interface {
	Execute(ctx context.Context, cmd string) (sshclient.ExecResult, error)
	WriteFile(ctx context.Context, remotePath string, data []byte) error
	Upload(ctx context.Context, r io.Reader, remotePath string) error
	MkdirAll(ctx context.Context, dir string) error
	ListDirectory(ctx context.Context, remotePath string) ([]string, error)
	Download(ctx context.Context, remotePath string, w io.Writer) (int64, error)
	Release() error
}

// Dialer opens a Session for one set of credentials. If it returns a non-nil
// Session together with an error, the caller still releases it.
type Dialer interface {
	Establish(ctx context.Context, creds sshclient.Credentials) (Session, error)
}

type sshDialer struct{ c *sshclient.Client }

// SSHDialer adapts an sshclient.Client to Dialer.
func SSHDialer(c *sshclient.Client) Dialer { return sshDialer{c: c} }

func (d sshDialer) Establish(ctx context.Context, creds sshclient.Credentials) (Session, error) {
	s, err := d.c.Establish(ctx, creds)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// InputFile is one uploaded input, immutable once staged.
type InputFile struct {
	Name string
	Data []byte
}

type Request struct {
	ID          string
	Credentials sshclient.Credentials
	Inputs      []InputFile
}

var errInvalidRequest = errors.New("invalid request")

func (r Request) validate() error {
	u := r.Credentials.Username
	switch {
	case strings.TrimSpace(r.ID) == "" || strings.ContainsAny(r.ID, `/\`):
		return fmt.Errorf("%w: invalid run id %q", errInvalidRequest, r.ID)
	case u == "" || r.Credentials.Password == "":
		return fmt.Errorf("%w: username and password are required", errInvalidRequest)
	case strings.ContainsAny(u, "/\\ \t\n") || u == "." || u == "..":
		return fmt.Errorf("%w: invalid username %q", errInvalidRequest, u)
	case len(r.Inputs) == 0:
		return fmt.Errorf("%w: no input files", errInvalidRequest)
	}
	return nil
}

// Outcome summarizes how a run ended.
type Outcome string

const (
	OutcomeArtifacts   Outcome = "artifacts"
	OutcomeNoArtifacts Outcome = "no_artifacts"
	OutcomeFailed      Outcome = "failed"
)

// Stage is reported through ProgressFunc as a run advances.
type Stage string

const (
	StageStaging    Stage = "staging"
	StageSubmitting Stage = "submitting"
	StagePolling    Stage = "polling"
	StageCollecting Stage = "collecting"
)

type Progress struct {
	Stage Stage
	JobID slurm.JobHandle
	Queue slurm.PollState
}

type ProgressFunc func(Progress)

type Result struct {
	RunID     string              `json:"run_id"`
	JobID     string              `json:"job_id,omitempty"`
	Outcome   Outcome             `json:"outcome"`
	Reason    failure.Reason      `json:"reason,omitempty"`
	Message   string              `json:"message"`
	Artifacts []string            `json:"artifacts"`
	Errors    []failure.FileError `json:"errors,omitempty"`

	// SchedulerState is the accounting state after the job left the queue,
	// when inspection is enabled. Informational only.
	SchedulerState string `json:"scheduler_state,omitempty"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	Err error `json:"-"`
}

// OK reports whether the pipeline completed, with or without artifacts.
func (r Result) OK() bool { return r.Outcome != OutcomeFailed }
