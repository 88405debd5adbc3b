package sshclient

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func newHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer.PublicKey()
}

var testAddr = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 22}

func TestHostKeyCallback_Fingerprint(t *testing.T) {
	key := newHostKey(t)
	other := newHostKey(t)

	cb, err := HostKeyCallback(HostKeyConfig{Policy: PolicyFingerprint, Fingerprint: ssh.FingerprintSHA256(key)})
	require.NoError(t, err)

	assert.NoError(t, cb("hpc.example:22", testAddr, key))

	err = cb("hpc.example:22", testAddr, other)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHostKeyMismatch))
}

func TestHostKeyCallback_KnownHosts(t *testing.T) {
	key := newHostKey(t)
	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{"hpc.example"}, key)
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0600))

	cb, err := HostKeyCallback(HostKeyConfig{Policy: PolicyKnownHosts, KnownHostsFile: path})
	require.NoError(t, err)

	assert.NoError(t, cb("hpc.example:22", testAddr, key))
	assert.Error(t, cb("hpc.example:22", testAddr, newHostKey(t)))
	assert.Error(t, cb("other.example:22", testAddr, key), "unknown hosts are rejected")
}

func TestHostKeyCallback_KnownHostsMissingFile(t *testing.T) {
	_, err := HostKeyCallback(HostKeyConfig{Policy: PolicyKnownHosts, KnownHostsFile: filepath.Join(t.TempDir(), "nope")})
	assert.Error(t, err)
}

func TestHostKeyCallback_TOFU(t *testing.T) {
	key := newHostKey(t)
	path := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	cfg := HostKeyConfig{Policy: PolicyTOFU, KnownHostsFile: path}

	cb, err := HostKeyCallback(cfg)
	require.NoError(t, err)
	require.NoError(t, cb("hpc.example:22", testAddr, key), "first use is trusted")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(b), "hpc.example "))

	// A fresh callback sees the recorded key.
	cb, err = HostKeyCallback(cfg)
	require.NoError(t, err)
	assert.NoError(t, cb("hpc.example:22", testAddr, key))

	err = cb("hpc.example:22", testAddr, newHostKey(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHostKeyMismatch))
}

func TestHostKeyCallback_UnknownPolicy(t *testing.T) {
	_, err := HostKeyCallback(HostKeyConfig{Policy: "yolo"})
	assert.Error(t, err)
}

func TestConfig_Normalize(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("HOME", t.TempDir())
		cfg, err := Config{Host: " hpc.example "}.Normalize()
		require.NoError(t, err)
		assert.Equal(t, "hpc.example", cfg.Host)
		assert.Equal(t, 22, cfg.Port)
		assert.Equal(t, PolicyKnownHosts, cfg.HostKey.Policy)
		assert.True(t, strings.HasSuffix(cfg.HostKey.KnownHostsFile, filepath.Join(".ssh", "known_hosts")))
	})

	t.Run("empty host", func(t *testing.T) {
		_, err := Config{}.Normalize()
		assert.Error(t, err)
	})

	t.Run("bad fingerprint", func(t *testing.T) {
		_, err := Config{Host: "h", HostKey: HostKeyConfig{Policy: PolicyFingerprint, Fingerprint: "abc"}}.Normalize()
		assert.Error(t, err)
	})

	t.Run("unknown policy", func(t *testing.T) {
		_, err := Config{Host: "h", HostKey: HostKeyConfig{Policy: "maybe"}}.Normalize()
		assert.Error(t, err)
	})
}

func TestCredentials_Redacted(t *testing.T) {
	c := Credentials{Username: "alice", Password: "hunter2"}
	assert.Equal(t, "alice:<redacted>", c.String())
	assert.NotContains(t, c.String(), "hunter2")
}

func TestSession_ReleaseIdempotent(t *testing.T) {
	s := newSession(nil, nil, zap.NewNop())
	assert.NoError(t, s.Release())
	assert.NoError(t, s.Release())
}
