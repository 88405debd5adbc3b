package orchestrator

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tastythames/slurm-portal/internal/failure"
)

// Staging holds each run's inputs locally until they are uploaded.
//
//	<dir>/<run id>/<input name>
type Staging struct {
	fs  afero.Fs
	dir string
	log *zap.Logger
}

func NewStaging(fs afero.Fs, dir string, log *zap.Logger) (*Staging, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("staging dir is empty")
	}
	if err := fs.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Staging{fs: fs, dir: dir, log: log}, nil
}

// SafeName reduces an uploaded file name to its base, or "" if nothing usable
// is left.
func SafeName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	if name == "." || name == ".." || name == "/" || strings.ContainsRune(name, 0) {
		return ""
	}
	return name
}

// Stage writes inputs for runID and returns the staged names in input order.
// Inputs that cannot be written are reported and skipped. A repeated name
// replaces the earlier input.
func (s *Staging) Stage(runID string, inputs []InputFile) ([]string, []failure.FileError) {
	var (
		names []string
		errs  []failure.FileError
		seen  = map[string]bool{}
	)
	dir := filepath.Join(s.dir, runID)
	if err := s.fs.MkdirAll(dir, 0700); err != nil {
		for _, in := range inputs {
			errs = append(errs, failure.NewFileError(in.Name, failure.WithPath(failure.ErrStaging, "stage", dir, err)))
		}
		return nil, errs
	}

	for _, in := range inputs {
		name := SafeName(in.Name)
		if name == "" {
			errs = append(errs, failure.NewFileError(in.Name, failure.New(failure.ErrStaging, "stage", fmt.Errorf("unusable file name"))))
			continue
		}
		p := filepath.Join(dir, name)
		if err := afero.WriteFile(s.fs, p, in.Data, 0600); err != nil {
			s.log.Warn("staging failed", zap.String("path", p), zap.Error(err))
			errs = append(errs, failure.NewFileError(name, failure.WithPath(failure.ErrStaging, "stage", p, err)))
			continue
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names, errs
}

// WithFile opens a staged input and hands it to fn.
func (s *Staging) WithFile(runID, name string, fn func(afero.File) error) error {
	f, err := s.fs.Open(filepath.Join(s.dir, runID, name))
	if err != nil {
		return err
	}
	defer f.Close()
	return fn(f)
}

// Cleanup removes everything staged for runID.
func (s *Staging) Cleanup(runID string) {
	if err := s.fs.RemoveAll(filepath.Join(s.dir, runID)); err != nil {
		s.log.Debug("staging cleanup", zap.String("run_id", runID), zap.Error(err))
	}
}
