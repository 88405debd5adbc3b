package sshclient

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrHostKeyMismatch is returned when a host presents a key different from the
// one on record.
var ErrHostKeyMismatch = errors.New("host key mismatch")

// tofuMu serializes known_hosts appends across concurrent sessions.
var tofuMu sync.Mutex

// HostKeyCallback builds the verification strategy for cfg. It is built per
// connection so a trust-on-first-use append is visible to the next session.
func HostKeyCallback(cfg HostKeyConfig) (ssh.HostKeyCallback, error) {
	switch cfg.Policy {
	case PolicyKnownHosts:
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts %s: %w", cfg.KnownHostsFile, err)
		}
		return cb, nil
	case PolicyTOFU:
		return tofuCallback(cfg.KnownHostsFile)
	case PolicyFingerprint:
		return fingerprintCallback(cfg.Fingerprint), nil
	case PolicyInsecure:
		return ssh.InsecureIgnoreHostKey(), nil
	default:
		return nil, fmt.Errorf("unsupported host key policy %q", cfg.Policy)
	}
}

func fingerprintCallback(want string) ssh.HostKeyCallback {
	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		got := ssh.FingerprintSHA256(key)
		if got != want {
			return fmt.Errorf("%w: %s presented %s, pinned %s", ErrHostKeyMismatch, hostname, got, want)
		}
		return nil
	}
}

func tofuCallback(path string) (ssh.HostKeyCallback, error) {
	tofuMu.Lock()
	defer tofuMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create known_hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open known_hosts: %w", err)
	}
	_ = f.Close()

	known, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", path, err)
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := known(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			return fmt.Errorf("%w: %v", ErrHostKeyMismatch, err)
		}
		return appendKnownHost(path, hostname, key)
	}, nil
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	tofuMu.Lock()
	defer tofuMu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open known_hosts for append: %w", err)
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("append known_hosts: %w", err)
	}
	return nil
}
