package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tastythames/slurm-portal/internal/config"
	"github.com/tastythames/slurm-portal/internal/orchestrator"
	"github.com/tastythames/slurm-portal/internal/sshclient"
)

func (c *cli) submitCmd() *cobra.Command {
	var (
		user          string
		files         []string
		passwordStdin bool
	)
	cmd := &cobra.Command{
		Use:   "submit --user NAME --file PATH [--file PATH ...]",
		Short: "Run one job end to end and print its artifacts",
		Long: `Stage the given files, submit the job script, wait for the job to leave the
queue and download matching result files into the artifact directory.

The password is read from ` + config.EnvPrefix + `_PASSWORD, or from the first
line of stdin with --password-stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := readPassword(passwordStdin, cmd.InOrStdin())
			if err != nil {
				return err
			}
			inputs, err := readInputs(files)
			if err != nil {
				return err
			}
			return c.submit(cmd.Context(), cmd.OutOrStdout(), sshclient.Credentials{Username: user, Password: password}, inputs)
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "cluster username")
	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "input file to upload (repeatable)")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readPassword(fromStdin bool, in io.Reader) (string, error) {
	if fromStdin {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	if p := os.Getenv(config.EnvPrefix + "_PASSWORD"); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("no password: set %s_PASSWORD or use --password-stdin", config.EnvPrefix)
}

func readInputs(paths []string) ([]orchestrator.InputFile, error) {
	inputs := make([]orchestrator.InputFile, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		inputs = append(inputs, orchestrator.InputFile{Name: filepath.Base(p), Data: data})
	}
	return inputs, nil
}

func (c *cli) submit(parent context.Context, out io.Writer, creds sshclient.Credentials, inputs []orchestrator.InputFile) error {
	a, err := newApp(c.cfg, c.log)
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bold := color.New(color.Bold).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	req := orchestrator.Request{ID: uuid.NewString(), Credentials: creds, Inputs: inputs}
	fmt.Fprintf(out, "%s run %s on %s\n", bold("submit"), req.ID, c.cfg.SSH.Host)

	res := a.orch.Run(ctx, req, func(p orchestrator.Progress) {
		line := string(p.Stage)
		if !p.JobID.IsZero() {
			line += " job " + p.JobID.String()
		}
		if p.Queue != "" {
			line += " (" + string(p.Queue) + ")"
		}
		fmt.Fprintln(out, dim("  "+line))
	})

	for _, fe := range res.Errors {
		fmt.Fprintf(out, "  %s %s: %s\n", color.YellowString("warn"), fe.Name, fe.Message)
	}
	if !res.OK() {
		fmt.Fprintf(out, "%s %s\n", color.RedString("failed"), res.Message)
		return res.Err
	}

	fmt.Fprintf(out, "%s %s\n", color.GreenString("done"), res.Message)
	ns := res.JobID
	if ns == "" {
		ns = res.RunID
	}
	for _, name := range res.Artifacts {
		fmt.Fprintf(out, "  %s\n", filepath.Join(a.store.Root(), ns, name))
	}
	return nil
}
