// Package slurm submits batch scripts and tracks them through the queue over a
// remote command channel.
package slurm

import (
	"context"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/tastythames/slurm-portal/internal/failure"
	"github.com/tastythames/slurm-portal/internal/sshclient"
)

// Executor runs a shell command on the cluster login node.
type Executor interface {
	Execute(ctx context.Context, cmd string) (sshclient.ExecResult, error)
}

// Remote is an Executor that can also write files.
type Remote interface {
	Executor
	WriteFile(ctx context.Context, remotePath string, data []byte) error
}

// DefaultScriptName is the fixed name the script is written under.
const DefaultScriptName = "run_simulation.sh"

type Submitter struct {
	ScriptName string
	Log        *zap.Logger
}

func NewSubmitter(scriptName string, log *zap.Logger) *Submitter {
	if strings.TrimSpace(scriptName) == "" {
		scriptName = DefaultScriptName
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Submitter{ScriptName: scriptName, Log: log}
}

// ScriptPath is where Submit writes the script inside remoteDir.
func (s *Submitter) ScriptPath(remoteDir string) string {
	return path.Join(remoteDir, s.ScriptName)
}

// Submit writes script into remoteDir, prepares it for execution and hands it
// to sbatch. Only a parsed job id counts as success.
func (s *Submitter) Submit(ctx context.Context, r Remote, script, remoteDir string) (JobHandle, error) {
	scriptPath := s.ScriptPath(remoteDir)

	// Login nodes reject "#!/bin/bash\r"; normalize before the bytes leave.
	script = strings.ReplaceAll(script, "\r\n", "\n")
	if err := r.WriteFile(ctx, scriptPath, []byte(script)); err != nil {
		return "", failure.WithPath(failure.ErrSubmission, "write script", scriptPath, err)
	}

	if res, err := r.Execute(ctx, CmdDos2Unix(scriptPath).String()); err != nil || res.ExitStatus != 0 {
		if ctx.Err() != nil {
			return "", failure.New(failure.ErrSubmission, "dos2unix", ctx.Err())
		}
		s.Log.Warn("dos2unix unavailable, relying on local normalization",
			zap.String("path", scriptPath), zap.Int("exit", res.ExitStatus), zap.Error(err))
	}

	if err := s.run(ctx, r, CmdChmodExec(scriptPath)); err != nil {
		return "", failure.WithPath(failure.ErrSubmission, "chmod", scriptPath, err)
	}

	res, err := r.Execute(ctx, CmdSbatch(remoteDir, scriptPath).String())
	if err != nil {
		return "", failure.New(failure.ErrSubmission, "sbatch", err)
	}
	s.Log.Debug("sbatch output", zap.String("stdout", res.Stdout), zap.String("stderr", res.Stderr), zap.Int("exit", res.ExitStatus))

	sub, err := ParseSubmission(res.Stdout, res.Stderr)
	if err != nil {
		return "", failure.New(failure.ErrSubmission, "sbatch", err)
	}
	if res.ExitStatus != 0 {
		return "", failure.New(failure.ErrSubmission, "sbatch", fmt.Errorf("exit status %d", res.ExitStatus))
	}
	return sub.JobID, nil
}

func (s *Submitter) run(ctx context.Context, r Executor, cmd Command) error {
	res, err := r.Execute(ctx, cmd.String())
	if err != nil {
		return err
	}
	if res.ExitStatus != 0 {
		return fmt.Errorf("%s exit status %d: %s", cmd.Kind(), res.ExitStatus, strings.TrimSpace(res.Stderr))
	}
	return nil
}
