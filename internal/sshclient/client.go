package sshclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/crypto/ssh"

	"github.com/tastythames/slurm-portal/internal/failure"
)

// Credentials are held in memory for one run only.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) String() string {
	return c.Username + ":<redacted>"
}

// MarshalLogObject keeps the password out of structured logs.
func (c Credentials) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("user", c.Username)
	return nil
}

type Client struct {
	cfg Config
	log *zap.Logger
}

func New(cfg Config, log *zap.Logger) (*Client, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{cfg: cfg, log: log.Named("ssh")}, nil
}

func (c *Client) Host() string { return c.cfg.Host }

// Establish dials the configured host and authenticates with creds. The
// returned Session owns the connection until Release.
func (c *Client) Establish(ctx context.Context, creds Credentials) (*Session, error) {
	if creds.Username == "" {
		return nil, failure.New(failure.ErrAuth, "establish", fmt.Errorf("ssh user is empty"))
	}
	if creds.Password == "" {
		return nil, failure.New(failure.ErrAuth, "establish", fmt.Errorf("ssh password is empty"))
	}

	hk, err := HostKeyCallback(c.cfg.HostKey)
	if err != nil {
		return nil, failure.New(failure.ErrConnect, "host key", err)
	}
	if c.cfg.HostKey.Policy == PolicyInsecure {
		c.log.Warn("host key verification disabled", zap.String("host", c.cfg.Host))
	}

	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
	password := creds.Password
	sshCfg := &ssh.ClientConfig{
		User:            creds.Username,
		HostKeyCallback: hk,
		Timeout:         c.cfg.Timeout,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_user, _instruction string, questions []string, _echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		},
	}

	dialer := net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, failure.New(failure.ErrConnect, "dial", err)
	}

	// The handshake can hang without a deadline; it is cleared once the
	// session is up since polling may last hours.
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < c.cfg.Timeout {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(c.cfg.Timeout))
	}

	cconn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		_ = conn.Close()
		return nil, classifyHandshake(err)
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(cconn, chans, reqs)
	sc, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, failure.New(failure.ErrConnect, "sftp", err)
	}

	c.log.Debug("session established", zap.String("host", c.cfg.Host), zap.Object("credentials", creds))
	return newSession(client, sc, c.log), nil
}

// classifyHandshake separates rejected credentials from transport and host key
// failures. Older x/crypto releases flatten the cause with %v, so the message
// is checked too.
func classifyHandshake(err error) error {
	msg := err.Error()
	switch {
	case errors.Is(err, ErrHostKeyMismatch), strings.Contains(msg, ErrHostKeyMismatch.Error()),
		strings.Contains(msg, "knownhosts:"):
		return failure.New(failure.ErrConnect, "host key", err)
	case strings.Contains(msg, "unable to authenticate"):
		return failure.New(failure.ErrAuth, "handshake", err)
	default:
		return failure.New(failure.ErrConnect, "handshake", err)
	}
}
