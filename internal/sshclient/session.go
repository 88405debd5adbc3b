package sshclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// ExecResult is the outcome of one remote command. A non-zero ExitStatus is not
// an error by itself; callers decide what it means.
type ExecResult struct {
	Stdout     string
	Stderr     string
	ExitStatus int
}

// Session is one authenticated SSH connection plus its SFTP subsystem.
// It is owned by a single run. Release may be called any number of times,
// from any goroutine.
type Session struct {
	client *ssh.Client
	sftp   *sftp.Client
	log    *zap.Logger

	releaseOnce sync.Once
	releaseErr  error
}

func newSession(client *ssh.Client, sc *sftp.Client, log *zap.Logger) *Session {
	return &Session{client: client, sftp: sc, log: log}
}

// Execute runs cmd in a fresh channel. On ctx cancellation the remote process
// is killed best-effort and ctx.Err() is returned.
func (s *Session) Execute(ctx context.Context, cmd string) (ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return ExecResult{}, err
	}
	sess, err := s.client.NewSession()
	if err != nil {
		return ExecResult{}, fmt.Errorf("open channel: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return ExecResult{}, ctx.Err()
	case err := <-done:
		res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				res.ExitStatus = exitErr.ExitStatus()
				return res, nil
			}
			return res, err
		}
		return res, nil
	}
}

// Upload streams r to remotePath, truncating any existing file.
func (s *Session) Upload(ctx context.Context, r io.Reader, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := s.sftp.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("open remote %s: %w", remotePath, err)
	}
	if _, err := io.Copy(f, ctxReader{ctx: ctx, r: r}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write remote %s: %w", remotePath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close remote %s: %w", remotePath, err)
	}
	return nil
}

// WriteFile writes data to remotePath.
func (s *Session) WriteFile(ctx context.Context, remotePath string, data []byte) error {
	return s.Upload(ctx, bytes.NewReader(data), remotePath)
}

// MkdirAll creates dir and its parents.
func (s *Session) MkdirAll(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.sftp.MkdirAll(dir); err != nil {
		return fmt.Errorf("mkdir remote %s: %w", dir, err)
	}
	return nil
}

// ListDirectory returns the entry names of remotePath in listing order.
func (s *Session) ListDirectory(ctx context.Context, remotePath string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := s.sftp.ReadDir(remotePath)
	if err != nil {
		return nil, fmt.Errorf("list remote %s: %w", remotePath, err)
	}
	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		if fi.IsDir() {
			continue
		}
		names = append(names, path.Base(fi.Name()))
	}
	return names, nil
}

// Download copies remotePath into w.
func (s *Session) Download(ctx context.Context, remotePath string, w io.Writer) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f, err := s.sftp.Open(remotePath)
	if err != nil {
		return 0, fmt.Errorf("open remote %s: %w", remotePath, err)
	}
	defer f.Close()

	n, err := io.Copy(w, ctxReader{ctx: ctx, r: f})
	if err != nil {
		return n, fmt.Errorf("read remote %s: %w", remotePath, err)
	}
	return n, nil
}

// Release closes the SFTP subsystem and the connection. Later calls return the
// first call's result.
func (s *Session) Release() error {
	s.releaseOnce.Do(func() {
		var errs []error
		if s.sftp != nil {
			if err := s.sftp.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.client != nil {
			if err := s.client.Close(); err != nil && !errors.Is(err, io.EOF) {
				errs = append(errs, err)
			}
		}
		s.releaseErr = errors.Join(errs...)
		s.log.Debug("session released")
	})
	return s.releaseErr
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
