package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tastythames/slurm-portal/internal/config"
	"github.com/tastythames/slurm-portal/internal/logging"
)

// cli carries what every subcommand needs once flags are parsed.
type cli struct {
	configPath string
	v          *viper.Viper
	cfg        *config.Config
	log        *zap.Logger
}

func main() {
	c := &cli{v: viper.New()}
	root := c.rootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "slurm-portal",
		Short:         "Run compute jobs on a Slurm cluster over SSH",
		Long:          `Upload inputs, submit a batch job, wait for it and collect its result files, either from an HTTP front end or one-shot from the command line.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.log != nil {
				_ = c.log.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "", "config file (YAML)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "json", "log format: json or console")
	_ = c.v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = c.v.BindPFlag("log.format", pf.Lookup("log-format"))

	root.AddCommand(c.serveCmd())
	root.AddCommand(c.submitCmd())
	root.AddCommand(c.configCmd())
	return root
}

func (c *cli) load(cmd *cobra.Command) error {
	if c.configPath == "" {
		c.configPath = os.Getenv(config.EnvPrefix + "_CONFIG")
	}
	cfg, err := config.Load(c.v, c.configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	c.cfg, c.log = cfg, log
	log.Debug("config loaded", zap.String("command", cmd.Name()), zap.String("file", c.configPath))
	return nil
}
