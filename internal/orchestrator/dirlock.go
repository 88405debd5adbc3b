package orchestrator

import (
	"context"
	"sync"
)

// dirLocks serializes runs that share a remote working directory. They would
// otherwise overwrite each other's job script and move each other's results.
type dirLocks struct {
	mu   sync.Mutex
	held map[string]*dirLock
}

type dirLock struct {
	slot chan struct{}
	refs int
}

// acquire blocks until dir is free or ctx is done.
func (l *dirLocks) acquire(ctx context.Context, dir string) (release func(), err error) {
	l.mu.Lock()
	if l.held == nil {
		l.held = map[string]*dirLock{}
	}
	d, ok := l.held[dir]
	if !ok {
		d = &dirLock{slot: make(chan struct{}, 1)}
		l.held[dir] = d
	}
	d.refs++
	l.mu.Unlock()

	select {
	case d.slot <- struct{}{}:
	case <-ctx.Done():
		l.drop(dir, d)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-d.slot
			l.drop(dir, d)
		})
	}, nil
}

func (l *dirLocks) drop(dir string, d *dirLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d.refs--
	if d.refs == 0 {
		delete(l.held, dir)
	}
}

func (l *dirLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
