package slurm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/tastythames/slurm-portal/internal/failure"
	"github.com/tastythames/slurm-portal/internal/sshclient"
)

type reply struct {
	res sshclient.ExecResult
	err error
}

// fakeRemote answers commands by prefix; replies for a prefix are consumed in
// order and the last one repeats.
type fakeRemote struct {
	mu       sync.Mutex
	replies  map[string][]reply
	cmds     []string
	files    map[string]string
	writeErr error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{replies: map[string][]reply{}, files: map[string]string{}}
}

func (f *fakeRemote) on(prefix string, rs ...reply) { f.replies[prefix] = rs }

func (f *fakeRemote) Execute(_ context.Context, cmd string) (sshclient.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	for prefix, rs := range f.replies {
		if !strings.HasPrefix(cmd, prefix) {
			continue
		}
		r := rs[0]
		if len(rs) > 1 {
			f.replies[prefix] = rs[1:]
		}
		return r.res, r.err
	}
	return sshclient.ExecResult{}, nil
}

func (f *fakeRemote) WriteFile(_ context.Context, p string, data []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.files[p] = string(data)
	return nil
}

func (f *fakeRemote) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.cmds {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func ok(stdout string) reply { return reply{res: sshclient.ExecResult{Stdout: stdout}} }

func TestParseSubmission(t *testing.T) {
	tests := []struct {
		name    string
		stdout  string
		stderr  string
		want    JobHandle
		wantErr bool
	}{
		{"plain", "Submitted batch job 12345", "", "12345", false},
		{"trailing newline", "Submitted batch job 12345\n", "", "12345", false},
		{"multi cluster", "Submitted batch job 77 on cluster gpu", "", "77", false},
		{"preceded by banner", "Welcome to AHPCC\nSubmitted batch job 9", "", "9", false},
		{"rejected", "error: invalid partition", "", "", true},
		{"empty", "", "", "", true},
		{"no id", "Submitted batch job", "", "", true},
		{"bad id", "Submitted batch job ;rm", "", "", true},
		{"phrase without word boundary", "Submitted batch jobs pending 5", "", "", true},
		{"stderr wins", "Submitted batch job 12345", "sbatch: warning: something", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := ParseSubmission(tt.stdout, tt.stderr)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, sub.JobID.IsZero())
				assert.True(t, errors.Is(err, failure.ErrSubmission))
				var se *SubmissionError
				assert.True(t, errors.As(err, &se))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, sub.JobID)
		})
	}
}

func TestParseQueue(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		present bool
		state   PollState
	}{
		{"empty", "", false, StateCompleted},
		{"pending", "777 PENDING\n", true, StateQueued},
		{"running", "777 RUNNING\n", true, StateRunning},
		{"id only", "777\n", true, StateRunning},
		{"substring is not a match", "17770 RUNNING\n", false, StateCompleted},
		{"array task", "777_3 RUNNING\n", true, StateRunning},
		{"default format with header", "JOBID PARTITION NAME USER ST TIME NODES\n777 cloud72 test alice PD 0:00 1\n", true, StateQueued},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			present, state := ParseQueue(tt.out, "777")
			assert.Equal(t, tt.present, present)
			assert.Equal(t, tt.state, state)
		})
	}
}

func TestParseAccounting(t *testing.T) {
	a, err := ParseAccounting("COMPLETED|0:0\n")
	require.NoError(t, err)
	assert.True(t, a.Succeeded())

	a, err = ParseAccounting("CANCELLED by 1000|0:15\n")
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", a.State)
	assert.False(t, a.Succeeded())

	a, err = ParseAccounting("FAILED+|1:0")
	require.NoError(t, err)
	assert.Equal(t, Accounting{State: "FAILED", ExitCode: "1:0"}, a)

	_, err = ParseAccounting("  \n")
	assert.Error(t, err)
}

func TestCommands(t *testing.T) {
	assert.Equal(t, "cd /home/a/ && sbatch /home/a/run_simulation.sh", CmdSbatch("/home/a/", "/home/a/run_simulation.sh").String())
	assert.Equal(t, "squeue -h -u alice -j 777 -o '%i %T'", CmdSqueue("alice", "777").String())
	assert.Equal(t, "sacct -n -X -P -j 777 -o State,ExitCode", CmdSacct("777").String())
	assert.Equal(t, "chmod +x '/home/my dir/x.sh'", CmdChmodExec("/home/my dir/x.sh").String())
	assert.Equal(t, "dos2unix -q /x.sh", CmdDos2Unix("/x.sh").String())
	assert.Equal(t, "false", Command{kind: "rm"}.String())
}

func TestSubmit_Success(t *testing.T) {
	r := newFakeRemote()
	r.on("cd ", ok("Submitted batch job 12345\n"))

	s := NewSubmitter("", nil)
	id, err := s.Submit(context.Background(), r, "#!/bin/bash\r\necho hi\r\n", "/home/alice/")
	require.NoError(t, err)
	assert.Equal(t, JobHandle("12345"), id)

	assert.Equal(t, "#!/bin/bash\necho hi\n", r.files["/home/alice/run_simulation.sh"])
	require.Len(t, r.cmds, 3)
	assert.True(t, strings.HasPrefix(r.cmds[0], "dos2unix"))
	assert.True(t, strings.HasPrefix(r.cmds[1], "chmod +x"))
	assert.True(t, strings.HasPrefix(r.cmds[2], "cd /home/alice/ && sbatch"))
}

func TestSubmit_MissingDos2UnixIsTolerated(t *testing.T) {
	r := newFakeRemote()
	r.on("dos2unix", reply{res: sshclient.ExecResult{ExitStatus: 127, Stderr: "dos2unix: command not found"}})
	r.on("cd ", ok("Submitted batch job 5"))

	id, err := NewSubmitter("job.sh", nil).Submit(context.Background(), r, "#!/bin/bash\n", "/w")
	require.NoError(t, err)
	assert.Equal(t, JobHandle("5"), id)
	assert.Contains(t, r.files, "/w/job.sh")
}

func TestSubmit_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeRemote)
	}{
		{"invalid partition", func(r *fakeRemote) { r.on("cd ", ok("error: invalid partition")) }},
		{"stderr", func(r *fakeRemote) {
			r.on("cd ", reply{res: sshclient.ExecResult{Stderr: "sbatch: error: Batch job submission failed", ExitStatus: 1}})
		}},
		{"transport", func(r *fakeRemote) { r.on("cd ", reply{err: errors.New("connection reset")}) }},
		{"chmod", func(r *fakeRemote) {
			r.on("chmod", reply{res: sshclient.ExecResult{ExitStatus: 1, Stderr: "Permission denied"}})
		}},
		{"write", func(r *fakeRemote) { r.writeErr = errors.New("quota exceeded") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newFakeRemote()
			tt.setup(r)
			id, err := NewSubmitter("", nil).Submit(context.Background(), r, "#!/bin/bash\n", "/home/alice/")
			require.Error(t, err)
			assert.True(t, id.IsZero())
			assert.Equal(t, failure.ReasonSubmission, failure.ReasonOf(err))
		})
	}
}

func fastPoller() *Poller {
	return NewPoller(PollerConfig{Interval: time.Millisecond, MaxRetries: 2}, nil)
}

func TestPoller_PresentNTimesThenAbsent(t *testing.T) {
	for _, n := range []int{0, 1, 4} {
		r := newFakeRemote()
		var rs []reply
		for i := 0; i < n; i++ {
			rs = append(rs, ok("777 RUNNING\n"))
		}
		rs = append(rs, ok(""))
		r.on("squeue", rs...)

		res, err := fastPoller().Wait(context.Background(), r, "alice", "777", nil)
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, res.State)
		assert.Equal(t, n+1, res.Queries)
		assert.Equal(t, n+1, r.count("squeue"))
	}
}

func TestPoller_ReportsTransitions(t *testing.T) {
	r := newFakeRemote()
	r.on("squeue", ok("777 PENDING"), ok("777 PENDING"), ok("777 RUNNING"), ok(""))

	var seen []PollState
	res, err := fastPoller().Wait(context.Background(), r, "alice", "777", func(s PollState) { seen = append(seen, s) })
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, []PollState{StateRunning}, seen)
}

func TestPoller_InvalidJobIDMeansDone(t *testing.T) {
	r := newFakeRemote()
	r.on("squeue", reply{res: sshclient.ExecResult{ExitStatus: 1, Stderr: "slurm_load_jobs error: Invalid job id specified"}})

	res, err := fastPoller().Wait(context.Background(), r, "alice", "777", nil)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 1, res.Queries)
}

func TestPoller_RetriesTransientFailures(t *testing.T) {
	r := newFakeRemote()
	r.on("squeue", reply{err: errors.New("channel closed")}, reply{err: errors.New("channel closed")}, ok("777 RUNNING"), ok(""))

	res, err := fastPoller().Wait(context.Background(), r, "alice", "777", nil)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 4, res.Queries)
}

func TestPoller_GivesUpAfterMaxRetries(t *testing.T) {
	r := newFakeRemote()
	r.on("squeue", reply{res: sshclient.ExecResult{ExitStatus: 1, Stderr: "slurm_load_jobs error: Unable to contact slurm controller"}})

	res, err := fastPoller().Wait(context.Background(), r, "alice", "777", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrPoll))
	assert.Equal(t, 3, res.Queries, "one attempt plus MaxRetries retries")
}

func TestPoller_CancelStopsWithoutFurtherQueries(t *testing.T) {
	r := newFakeRemote()
	r.on("squeue", ok("777 RUNNING"))

	ctx, cancel := context.WithCancel(context.Background())
	p := NewPoller(PollerConfig{Interval: time.Hour}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := p.Wait(ctx, r, "alice", "777", nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return r.count("squeue") == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Equal(t, failure.ReasonCanceled, failure.ReasonOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop after cancel")
	}
	assert.Equal(t, 1, r.count("squeue"))
}

func TestPoller_Deadline(t *testing.T) {
	r := newFakeRemote()
	r.on("squeue", ok("777 RUNNING"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewPoller(PollerConfig{Interval: time.Millisecond}, nil).Wait(ctx, r, "alice", "777", nil)
	require.Error(t, err)
	assert.Equal(t, failure.ReasonTimeout, failure.ReasonOf(err))
}

func TestPoller_RateLimitedDeadlineIsTimeout(t *testing.T) {
	r := newFakeRemote()
	r.on("squeue", ok("777 RUNNING"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	p := NewPoller(PollerConfig{
		Interval: time.Millisecond,
		Limiter:  rate.NewLimiter(rate.Every(time.Hour), 1),
	}, nil)

	start := time.Now()
	res, err := p.Wait(ctx, r, "alice", "777", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, failure.ReasonTimeout, failure.ReasonOf(err))
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond, "waits out the deadline")
	assert.Equal(t, 1, res.Queries)
}

func TestPoller_Backoff(t *testing.T) {
	p := NewPoller(PollerConfig{Interval: time.Second, MaxBackoff: 5 * time.Second}, nil)
	assert.Equal(t, time.Second, p.backoff(1))
	assert.Equal(t, 2*time.Second, p.backoff(2))
	assert.Equal(t, 4*time.Second, p.backoff(3))
	assert.Equal(t, 5*time.Second, p.backoff(4))
	assert.Equal(t, 5*time.Second, p.backoff(10))
}

func TestInspect(t *testing.T) {
	r := newFakeRemote()
	r.on("sacct", ok("FAILED|1:0\n"))

	a, err := Inspect(context.Background(), r, "777")
	require.NoError(t, err)
	assert.Equal(t, "FAILED", a.State)

	r.on("sacct", reply{res: sshclient.ExecResult{ExitStatus: 1, Stderr: "sacct: error: Slurm accounting storage is disabled"}})
	_, err = Inspect(context.Background(), r, "777")
	assert.Error(t, err)
}
