package artifacts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// ErrInvalidName is returned for names that would escape their namespace.
var ErrInvalidName = errors.New("invalid artifact name")

const partSuffix = ".part"

// Store is the local artifact directory, one subdirectory per namespace
// (normally the scheduler job id). Files become visible only after Commit.
//
// Layout:
//
//	<root>/<namespace>/<name>
type Store struct {
	fs   afero.Fs
	root string

	mu    sync.RWMutex
	index map[string][]string
}

// NewStore opens root on fs and indexes what an earlier process left there.
func NewStore(fs afero.Fs, root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("artifact store root is empty")
	}
	if err := fs.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	s := &Store{fs: fs, root: root, index: map[string][]string{}}
	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) scan() error {
	dirs, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		return fmt.Errorf("read artifact root: %w", err)
	}
	for _, d := range dirs {
		if !d.IsDir() || validName(d.Name()) != nil {
			continue
		}
		files, err := afero.ReadDir(s.fs, filepath.Join(s.root, d.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || strings.HasSuffix(f.Name(), partSuffix) {
				continue
			}
			s.index[d.Name()] = append(s.index[d.Name()], f.Name())
		}
	}
	for ns := range s.index {
		sort.Strings(s.index[ns])
	}
	return nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func (s *Store) path(ns, name string) (string, error) {
	if err := validName(ns); err != nil {
		return "", err
	}
	if err := validName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.root, ns, name), nil
}

// Create opens a temporary file for name in ns. Finish with Commit or Abort.
func (s *Store) Create(ns, name string) (afero.File, error) {
	p, err := s.path(ns, name)
	if err != nil {
		return nil, err
	}
	if err := s.fs.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return nil, fmt.Errorf("create namespace %s: %w", ns, err)
	}
	f, err := s.fs.OpenFile(p+partSuffix, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	return f, nil
}

// Commit publishes a file written through Create.
func (s *Store) Commit(ns, name string) error {
	p, err := s.path(ns, name)
	if err != nil {
		return err
	}
	if err := s.fs.Rename(p+partSuffix, p); err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	names := s.index[ns]
	i := sort.SearchStrings(names, name)
	if i < len(names) && names[i] == name {
		return nil
	}
	names = append(names, "")
	copy(names[i+1:], names[i:])
	names[i] = name
	s.index[ns] = names
	return nil
}

// Abort discards a partially written file.
func (s *Store) Abort(ns, name string) {
	if p, err := s.path(ns, name); err == nil {
		_ = s.fs.Remove(p + partSuffix)
	}
}

// Open returns a committed artifact.
func (s *Store) Open(ns, name string) (afero.File, error) {
	p, err := s.path(ns, name)
	if err != nil {
		return nil, err
	}
	if !s.Has(ns, name) {
		return nil, os.ErrNotExist
	}
	return s.fs.Open(p)
}

func (s *Store) Has(ns, name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := s.index[ns]
	i := sort.SearchStrings(names, name)
	return i < len(names) && names[i] == name
}

// List returns the committed names in ns, sorted.
func (s *Store) List(ns string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.index[ns]...)
}

// Snapshot copies the whole index.
func (s *Store) Snapshot() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]string, len(s.index))
	for k, v := range s.index {
		out[k] = append([]string(nil), v...)
	}
	return out
}
