package runstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tastythames/slurm-portal/internal/failure"
	"github.com/tastythames/slurm-portal/internal/orchestrator"
	"github.com/tastythames/slurm-portal/internal/slurm"
)

func clock() func() time.Time {
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestMemStore_Lifecycle(t *testing.T) {
	s := NewMemStore(0)
	s.now = clock()

	rec := s.Create("r1", "alice")
	assert.Equal(t, StateQueued, rec.State)

	s.Advance("r1", orchestrator.Progress{Stage: orchestrator.StageStaging})
	s.Advance("r1", orchestrator.Progress{Stage: orchestrator.StagePolling, JobID: "777", Queue: slurm.StateRunning})

	got, err := s.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, StatePolling, got.State)
	assert.Equal(t, "777", got.JobID)
	assert.Equal(t, "running", got.SchedulerState)

	s.Finish("r1", orchestrator.Result{RunID: "r1", JobID: "777", Outcome: orchestrator.OutcomeArtifacts, Artifacts: []string{"out.vtk"}})
	got, err = s.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, got.State)
	require.NotNil(t, got.Result)
	assert.Equal(t, []string{"out.vtk"}, got.Result.Artifacts)

	// late progress does not reopen a finished run
	s.Advance("r1", orchestrator.Progress{Stage: orchestrator.StageCollecting})
	got, _ = s.Get("r1")
	assert.Equal(t, StateSucceeded, got.State)
}

func TestMemStore_FinishStates(t *testing.T) {
	s := NewMemStore(0)
	s.Create("a", "u")
	s.Create("b", "u")
	s.Finish("a", orchestrator.Result{Outcome: orchestrator.OutcomeFailed, Reason: failure.ReasonCanceled})
	s.Finish("b", orchestrator.Result{Outcome: orchestrator.OutcomeFailed, Reason: failure.ReasonSubmission})

	a, _ := s.Get("a")
	b, _ := s.Get("b")
	assert.Equal(t, StateCanceled, a.State)
	assert.Equal(t, StateFailed, b.State)
}

func TestMemStore_GetMissing(t *testing.T) {
	_, err := NewMemStore(0).Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_PrunesOldestFinished(t *testing.T) {
	s := NewMemStore(2)
	s.now = clock()
	for _, id := range []string{"r1", "r2", "r3", "live"} {
		s.Create(id, "u")
	}
	for _, id := range []string{"r1", "r2", "r3"} {
		s.Finish(id, orchestrator.Result{Outcome: orchestrator.OutcomeNoArtifacts})
	}

	var ids []string
	for _, r := range s.Snapshot() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"r2", "r3", "live"}, ids)
}
