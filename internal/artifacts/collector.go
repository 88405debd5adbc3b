// Package artifacts harvests job result files from the cluster into a local,
// per-job namespaced store.
package artifacts

import (
	"context"
	"io"
	"path"
	"sort"

	"go.uber.org/zap"

	"github.com/tastythames/slurm-portal/internal/failure"
)

// Remote is the part of a session the collector needs.
type Remote interface {
	ListDirectory(ctx context.Context, remotePath string) ([]string, error)
	Download(ctx context.Context, remotePath string, w io.Writer) (int64, error)
}

// Set is what one collection produced. An empty Set is a valid outcome.
type Set struct {
	Names    []string            `json:"names"`
	Failures []failure.FileError `json:"failures,omitempty"`
}

type Collector struct {
	store   *Store
	matcher Matcher
	log     *zap.Logger
}

func NewCollector(store *Store, m Matcher, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{store: store, matcher: m, log: log}
}

// Collect downloads every entry of remoteDir accepted by the matcher into
// namespace ns. A failed listing is fatal; a failed download is recorded and
// the rest still run.
func (c *Collector) Collect(ctx context.Context, r Remote, remoteDir, ns string) (Set, error) {
	entries, err := r.ListDirectory(ctx, remoteDir)
	if err != nil {
		return Set{}, failure.WithPath(failure.ErrArtifactList, "list", remoteDir, err)
	}

	var matches []string
	for _, name := range entries {
		if c.matcher.Match(name) {
			matches = append(matches, name)
		}
	}
	sort.Strings(matches)
	c.log.Debug("artifact listing", zap.String("dir", remoteDir), zap.Int("entries", len(entries)), zap.Strings("matches", matches))

	set := Set{Names: []string{}}
	for _, name := range matches {
		if err := ctx.Err(); err != nil {
			return set, err
		}
		if err := c.fetch(ctx, r, remoteDir, ns, name); err != nil {
			c.log.Warn("artifact download failed", zap.String("name", name), zap.Error(err))
			set.Failures = append(set.Failures, failure.NewFileError(name, err))
			continue
		}
		set.Names = append(set.Names, name)
	}
	return set, nil
}

func (c *Collector) fetch(ctx context.Context, r Remote, remoteDir, ns, name string) error {
	remotePath := path.Join(remoteDir, name)

	w, err := c.store.Create(ns, name)
	if err != nil {
		return failure.WithPath(failure.ErrArtifactDownload, "create", name, err)
	}
	n, err := r.Download(ctx, remotePath, w)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		c.store.Abort(ns, name)
		return failure.WithPath(failure.ErrArtifactDownload, "download", remotePath, err)
	}
	if err := c.store.Commit(ns, name); err != nil {
		c.store.Abort(ns, name)
		return failure.WithPath(failure.ErrArtifactDownload, "commit", name, err)
	}
	c.log.Debug("artifact downloaded", zap.String("name", name), zap.Int64("bytes", n))
	return nil
}
