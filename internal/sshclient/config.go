package sshclient

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Host key policies.
const (
	PolicyKnownHosts  = "known_hosts"
	PolicyTOFU        = "tofu"
	PolicyFingerprint = "fingerprint"
	PolicyInsecure    = "insecure"
)

type Config struct {
	Host    string
	Port    int
	Timeout time.Duration

	HostKey HostKeyConfig
}

type HostKeyConfig struct {
	Policy         string // known_hosts | tofu | fingerprint | insecure
	KnownHostsFile string // default ~/.ssh/known_hosts
	Fingerprint    string // SHA256:... when Policy is fingerprint
}

func DefaultConfig() Config {
	return Config{
		Port:    22,
		Timeout: 15 * time.Second,
		HostKey: HostKeyConfig{Policy: PolicyKnownHosts},
	}
}

// Normalize fills zero values from DefaultConfig and validates the policy.
func (c Config) Normalize() (Config, error) {
	def := DefaultConfig()
	c.Host = strings.TrimSpace(c.Host)
	if c.Host == "" {
		return c, fmt.Errorf("ssh host is empty")
	}
	if c.Port <= 0 {
		c.Port = def.Port
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.HostKey.Policy == "" {
		c.HostKey.Policy = def.HostKey.Policy
	}

	switch c.HostKey.Policy {
	case PolicyKnownHosts, PolicyTOFU:
		if c.HostKey.KnownHostsFile == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return c, fmt.Errorf("resolve known_hosts: %w", err)
			}
			c.HostKey.KnownHostsFile = filepath.Join(home, ".ssh", "known_hosts")
		}
	case PolicyFingerprint:
		if !strings.HasPrefix(c.HostKey.Fingerprint, "SHA256:") {
			return c, fmt.Errorf("host key fingerprint must start with SHA256:, got %q", c.HostKey.Fingerprint)
		}
	case PolicyInsecure:
	default:
		return c, fmt.Errorf("unsupported host key policy %q", c.HostKey.Policy)
	}
	return c, nil
}
