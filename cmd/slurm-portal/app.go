package main

import (
	"fmt"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tastythames/slurm-portal/internal/artifacts"
	"github.com/tastythames/slurm-portal/internal/config"
	"github.com/tastythames/slurm-portal/internal/jobscript"
	"github.com/tastythames/slurm-portal/internal/orchestrator"
	"github.com/tastythames/slurm-portal/internal/slurm"
	"github.com/tastythames/slurm-portal/internal/sshclient"
)

// app is the wired pipeline shared by serve and submit.
type app struct {
	orch  *orchestrator.Orchestrator
	store *artifacts.Store
}

func newApp(cfg *config.Config, log *zap.Logger) (*app, error) {
	fs := afero.NewOsFs()

	ssh, err := sshclient.New(cfg.SSHClientConfig(), log)
	if err != nil {
		return nil, fmt.Errorf("ssh client: %w", err)
	}

	store, err := artifacts.NewStore(fs, cfg.Artifacts.Dir)
	if err != nil {
		return nil, err
	}
	matcher, err := artifacts.NewMatcher(cfg.Artifacts.Suffix, cfg.Artifacts.Patterns)
	if err != nil {
		return nil, err
	}
	staging, err := orchestrator.NewStaging(fs, cfg.Staging.Dir, log.Named("staging"))
	if err != nil {
		return nil, err
	}

	tmpl, err := cfg.LoadTemplate()
	if err != nil {
		return nil, err
	}
	renderer, err := jobscript.NewRenderer(tmpl)
	if err != nil {
		return nil, err
	}

	pc := slurm.PollerConfig{
		Interval:   cfg.Poll.Interval,
		MaxRetries: cfg.Poll.MaxRetries,
		MaxBackoff: cfg.Poll.MaxBackoff,
	}
	if cfg.Poll.RateLimit > 0 {
		burst := cfg.Poll.Burst
		if burst <= 0 {
			burst = 1
		}
		pc.Limiter = rate.NewLimiter(rate.Limit(cfg.Poll.RateLimit), burst)
	}

	label := cfg.Artifacts.Suffix
	if len(cfg.Artifacts.Patterns) > 0 {
		label = "result"
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Dialer:    orchestrator.SSHDialer(ssh),
		Renderer:  renderer,
		Submitter: slurm.NewSubmitter(cfg.Job.ScriptName, log.Named("submit")),
		Poller:    slurm.NewPoller(pc, log.Named("poll")),
		Collector: artifacts.NewCollector(store, matcher, log.Named("collect")),
		Staging:   staging,
		Job: jobscript.Spec{
			JobName:        cfg.Job.Name,
			Nodes:          cfg.Job.Nodes,
			TasksPerNode:   cfg.Job.TasksPerNode,
			TimeLimit:      cfg.Job.TimeLimit,
			Partition:      cfg.Job.Partition,
			Modules:        cfg.Job.Modules,
			Compiler:       cfg.Job.Compiler,
			CompilerFlags:  cfg.Job.CompilerFlags,
			Binary:         cfg.Job.Binary,
			Threads:        cfg.Job.Threads,
			ArtifactSuffix: cfg.Artifacts.Suffix,
		},
		SourceFile:    cfg.Job.SourceFile,
		RemoteRoot:    cfg.Remote.RootTemplate,
		PerRunDir:     cfg.Remote.PerRunDir,
		PollTimeout:   cfg.Poll.Timeout,
		Inspect:       cfg.Poll.Inspect,
		ArtifactLabel: label,
		Log:           log.Named("run"),
	})
	if err != nil {
		return nil, err
	}
	return &app{orch: orch, store: store}, nil
}
