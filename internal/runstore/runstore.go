package runstore

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/tastythames/slurm-portal/internal/failure"
	"github.com/tastythames/slurm-portal/internal/orchestrator"
)

type State string

const (
	StateQueued     State = "queued"
	StateStaging    State = "staging"
	StateSubmitting State = "submitting"
	StatePolling    State = "polling"
	StateCollecting State = "collecting"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateCanceled   State = "canceled"
)

// States lists every state in lifecycle order.
var States = []State{
	StateQueued, StateStaging, StateSubmitting, StatePolling,
	StateCollecting, StateSucceeded, StateFailed, StateCanceled,
}

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCanceled
}

var ErrNotFound = errors.New("run not found")

// Record is the registry's view of one run. Credentials are never stored.
type Record struct {
	ID             string               `json:"id"`
	User           string               `json:"user"`
	State          State                `json:"state"`
	JobID          string               `json:"job_id,omitempty"`
	SchedulerState string               `json:"scheduler_state,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
	Result         *orchestrator.Result `json:"result,omitempty"`
}

// Store is the interface used by dispatch, metrics and the HTTP front end.
type Store interface {
	Create(id, user string) Record
	Advance(id string, p orchestrator.Progress)
	Finish(id string, res orchestrator.Result)
	Remove(id string)
	Get(id string) (Record, error)
	Snapshot() []Record
}

// MemStore is an in-memory implementation of Store. Nothing survives a
// restart.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]*Record

	// keep caps how many finished runs are retained; 0 keeps all.
	keep int
	now  func() time.Time
}

func NewMemStore(keep int) *MemStore {
	return &MemStore{
		data: make(map[string]*Record),
		keep: keep,
		now:  time.Now,
	}
}

func (s *MemStore) Create(id, user string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	r := &Record{ID: id, User: user, State: StateQueued, CreatedAt: now, UpdatedAt: now}
	s.data[id] = r
	return *r
}

// Advance moves a run forward. Updates to finished or unknown runs are ignored.
func (s *MemStore) Advance(id string, p orchestrator.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data[id]
	if !ok || r.State.Terminal() {
		return
	}
	switch p.Stage {
	case orchestrator.StageStaging:
		r.State = StateStaging
	case orchestrator.StageSubmitting:
		r.State = StateSubmitting
	case orchestrator.StagePolling:
		r.State = StatePolling
	case orchestrator.StageCollecting:
		r.State = StateCollecting
	}
	if !p.JobID.IsZero() {
		r.JobID = p.JobID.String()
	}
	if p.Queue != "" {
		r.SchedulerState = string(p.Queue)
	}
	r.UpdatedAt = s.now()
}

func (s *MemStore) Finish(id string, res orchestrator.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data[id]
	if !ok {
		r = &Record{ID: id, CreatedAt: res.StartedAt}
		s.data[id] = r
	}
	switch {
	case res.OK():
		r.State = StateSucceeded
	case res.Reason == failure.ReasonCanceled:
		r.State = StateCanceled
	default:
		r.State = StateFailed
	}
	if res.JobID != "" {
		r.JobID = res.JobID
	}
	if res.SchedulerState != "" {
		r.SchedulerState = res.SchedulerState
	}
	res.Artifacts = append([]string(nil), res.Artifacts...)
	r.Result = &res
	r.UpdatedAt = s.now()
	s.prune()
}

// prune drops the oldest finished runs beyond keep. Caller holds mu.
func (s *MemStore) prune() {
	if s.keep <= 0 {
		return
	}
	var done []*Record
	for _, r := range s.data {
		if r.State.Terminal() {
			done = append(done, r)
		}
	}
	if len(done) <= s.keep {
		return
	}
	sort.Slice(done, func(i, j int) bool { return done[i].UpdatedAt.Before(done[j].UpdatedAt) })
	for _, r := range done[:len(done)-s.keep] {
		delete(s.data, r.ID)
	}
}

func (s *MemStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
}

func (s *MemStore) Get(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.data[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *r, nil
}

// Snapshot returns every record, oldest first.
func (s *MemStore) Snapshot() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.data))
	for _, r := range s.data {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
