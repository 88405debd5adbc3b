package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tastythames/slurm-portal/internal/sshclient"
)

// EnvPrefix is prepended to every environment override, e.g.
// SLURM_PORTAL_SSH_HOST.
const EnvPrefix = "SLURM_PORTAL"

type Config struct {
	Listen    string          `mapstructure:"listen" yaml:"listen"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	SSH       SSHConfig       `mapstructure:"ssh" yaml:"ssh"`
	Remote    RemoteConfig    `mapstructure:"remote" yaml:"remote"`
	Staging   StagingConfig   `mapstructure:"staging" yaml:"staging"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts" yaml:"artifacts"`
	Poll      PollConfig      `mapstructure:"poll" yaml:"poll"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch" yaml:"dispatch"`
	Job       JobConfig       `mapstructure:"job" yaml:"job"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // "json" or "console"
}

type SSHConfig struct {
	Host    string        `mapstructure:"host" yaml:"host"`
	Port    int           `mapstructure:"port" yaml:"port"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	HostKey HostKeyConfig `mapstructure:"host_key" yaml:"host_key"`
}

type HostKeyConfig struct {
	Policy         string `mapstructure:"policy" yaml:"policy"`
	KnownHostsFile string `mapstructure:"known_hosts_file" yaml:"known_hosts_file"`
	Fingerprint    string `mapstructure:"fingerprint" yaml:"fingerprint"`
}

type RemoteConfig struct {
	// RootTemplate may contain {username}.
	RootTemplate string `mapstructure:"root_template" yaml:"root_template"`
	PerRunDir    bool   `mapstructure:"per_run_dir" yaml:"per_run_dir"`
}

type StagingConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

type ArtifactsConfig struct {
	Dir      string   `mapstructure:"dir" yaml:"dir"`
	Suffix   string   `mapstructure:"suffix" yaml:"suffix"`
	Patterns []string `mapstructure:"patterns" yaml:"patterns"`
}

type PollConfig struct {
	Interval   time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	MaxBackoff time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	// RateLimit caps squeue queries per second across all runs; 0 disables.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst     int     `mapstructure:"burst" yaml:"burst"`
	Inspect   bool    `mapstructure:"inspect" yaml:"inspect"`
}

type DispatchConfig struct {
	Workers   int `mapstructure:"workers" yaml:"workers"`
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
	// KeepRuns caps finished runs kept in memory; 0 keeps all.
	KeepRuns int `mapstructure:"keep_runs" yaml:"keep_runs"`
}

type JobConfig struct {
	Name          string        `mapstructure:"name" yaml:"name"`
	Nodes         int           `mapstructure:"nodes" yaml:"nodes"`
	TasksPerNode  int           `mapstructure:"tasks_per_node" yaml:"tasks_per_node"`
	TimeLimit     time.Duration `mapstructure:"time_limit" yaml:"time_limit"`
	Partition     string        `mapstructure:"partition" yaml:"partition"`
	Modules       []string      `mapstructure:"modules" yaml:"modules"`
	Compiler      string        `mapstructure:"compiler" yaml:"compiler"`
	CompilerFlags []string      `mapstructure:"compiler_flags" yaml:"compiler_flags"`
	SourceFile    string        `mapstructure:"source_file" yaml:"source_file"`
	Binary        string        `mapstructure:"binary" yaml:"binary"`
	Threads       int           `mapstructure:"threads" yaml:"threads"`
	ScriptName    string        `mapstructure:"script_name" yaml:"script_name"`
	// Template is a path to a text/template file replacing the built-in script.
	Template string `mapstructure:"template" yaml:"template"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("ssh.host", "hpc-portal2.hpc.uark.edu")
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.timeout", "15s")
	v.SetDefault("ssh.host_key.policy", sshclient.PolicyKnownHosts)
	v.SetDefault("ssh.host_key.known_hosts_file", "")
	v.SetDefault("ssh.host_key.fingerprint", "")

	v.SetDefault("remote.root_template", "/scrfs/storage/{username}/home/")
	v.SetDefault("remote.per_run_dir", false)

	v.SetDefault("staging.dir", "uploads")
	v.SetDefault("artifacts.dir", "downloaded_files")
	v.SetDefault("artifacts.suffix", ".vtk")
	v.SetDefault("artifacts.patterns", []string{})

	v.SetDefault("poll.interval", "5s")
	v.SetDefault("poll.timeout", "24h")
	v.SetDefault("poll.max_retries", 5)
	v.SetDefault("poll.max_backoff", "40s")
	v.SetDefault("poll.rate_limit", 0)
	v.SetDefault("poll.burst", 1)
	v.SetDefault("poll.inspect", false)

	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.queue_size", 100)
	v.SetDefault("dispatch.keep_runs", 1000)

	v.SetDefault("job.name", "test")
	v.SetDefault("job.nodes", 1)
	v.SetDefault("job.tasks_per_node", 1)
	v.SetDefault("job.time_limit", "2h")
	v.SetDefault("job.partition", "cloud72")
	v.SetDefault("job.modules", []string{"nvhpc"})
	v.SetDefault("job.compiler", "nvfortran")
	v.SetDefault("job.compiler_flags", []string{"-acc", "-Minfo=accel", "-fast"})
	v.SetDefault("job.source_file", "vtk_writer.f90")
	v.SetDefault("job.binary", "writer.exe")
	v.SetDefault("job.threads", 2)
	v.SetDefault("job.script_name", "run_simulation.sh")
	v.SetDefault("job.template", "")
}

// Load reads path (optional) into v on top of defaults and environment, then
// decodes and validates. Flags bound to v beforehand take precedence.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.SSH.Host) == "" {
		errs = append(errs, errors.New("ssh.host is required"))
	}
	switch c.SSH.HostKey.Policy {
	case sshclient.PolicyKnownHosts, sshclient.PolicyTOFU, sshclient.PolicyFingerprint, sshclient.PolicyInsecure:
	default:
		errs = append(errs, fmt.Errorf("ssh.host_key.policy %q is not one of known_hosts, tofu, fingerprint, insecure", c.SSH.HostKey.Policy))
	}
	if c.Dispatch.Workers <= 0 {
		errs = append(errs, errors.New("dispatch.workers must be positive"))
	}
	if c.Dispatch.QueueSize <= 0 {
		errs = append(errs, errors.New("dispatch.queue_size must be positive"))
	}
	// The job script moves results by suffix even when patterns select them.
	if c.Artifacts.Suffix == "" {
		errs = append(errs, errors.New("artifacts.suffix is required"))
	}
	if c.Artifacts.Dir == "" || c.Staging.Dir == "" {
		errs = append(errs, errors.New("artifacts.dir and staging.dir are required"))
	}
	if c.Poll.Interval <= 0 || c.Poll.Timeout <= 0 {
		errs = append(errs, errors.New("poll.interval and poll.timeout must be positive"))
	}
	if c.Poll.RateLimit < 0 {
		errs = append(errs, errors.New("poll.rate_limit must not be negative"))
	}
	if !strings.Contains(c.Remote.RootTemplate, "/") {
		errs = append(errs, fmt.Errorf("remote.root_template %q is not a path", c.Remote.RootTemplate))
	}
	return errors.Join(errs...)
}

// SSHClientConfig maps the ssh section onto sshclient.Config.
func (c *Config) SSHClientConfig() sshclient.Config {
	return sshclient.Config{
		Host:    c.SSH.Host,
		Port:    c.SSH.Port,
		Timeout: c.SSH.Timeout,
		HostKey: sshclient.HostKeyConfig{
			Policy:         c.SSH.HostKey.Policy,
			KnownHostsFile: c.SSH.HostKey.KnownHostsFile,
			Fingerprint:    c.SSH.HostKey.Fingerprint,
		},
	}
}

// LoadTemplate returns the custom job script template, or "" for the built-in.
func (c *Config) LoadTemplate() (string, error) {
	if c.Job.Template == "" {
		return "", nil
	}
	b, err := os.ReadFile(c.Job.Template)
	if err != nil {
		return "", fmt.Errorf("read job template: %w", err)
	}
	return string(b), nil
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("yaml marshal: %w", err)
	}
	return b, nil
}
