package slurm

import (
	"fmt"
	"strings"

	"github.com/tastythames/slurm-portal/internal/failure"
)

// JobHandle is the scheduler-assigned job id. The zero value means no job.
type JobHandle string

func (h JobHandle) IsZero() bool { return h == "" }

func (h JobHandle) String() string { return string(h) }

// PollState is inferred from queue listings; the scheduler never reports
// Completed directly.
type PollState string

const (
	StateQueued    PollState = "queued"
	StateRunning   PollState = "running"
	StateCompleted PollState = "completed"
)

const submittedPhrase = "Submitted batch job"

// Submission is a successfully parsed sbatch response.
type Submission struct {
	JobID JobHandle
}

// SubmissionError carries what sbatch printed when it did not accept a script.
type SubmissionError struct {
	Reason string
	Stdout string
	Stderr string
}

func (e *SubmissionError) Error() string {
	switch {
	case e.Stderr != "":
		return fmt.Sprintf("sbatch %s: %s", e.Reason, e.Stderr)
	case e.Stdout != "":
		return fmt.Sprintf("sbatch %s: %q", e.Reason, e.Stdout)
	default:
		return "sbatch " + e.Reason
	}
}

func (e *SubmissionError) Unwrap() error { return failure.ErrSubmission }

// ParseSubmission extracts the job id from sbatch output. Any stderr, or stdout
// without "Submitted batch job <id>", is a rejection.
func ParseSubmission(stdout, stderr string) (Submission, error) {
	stdout = strings.TrimSpace(stdout)
	stderr = strings.TrimSpace(stderr)
	if stderr != "" {
		return Submission{}, &SubmissionError{Reason: "wrote to stderr", Stdout: stdout, Stderr: stderr}
	}

	for _, ln := range strings.Split(stdout, "\n") {
		ln = strings.TrimSpace(ln)
		rest, ok := strings.CutPrefix(ln, submittedPhrase)
		if !ok || (rest != "" && rest[0] != ' ' && rest[0] != '\t') {
			continue
		}
		// "Submitted batch job 42" or "Submitted batch job 42 on cluster c1"
		fields := strings.Fields(rest)
		if len(fields) == 0 || !validJobID(fields[0]) {
			return Submission{}, &SubmissionError{Reason: "returned no job id", Stdout: stdout}
		}
		return Submission{JobID: JobHandle(fields[0])}, nil
	}
	return Submission{}, &SubmissionError{Reason: "output not recognized", Stdout: stdout}
}

func validJobID(s string) bool {
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '_' || r == '.' || r == '-') {
			return false
		}
	}
	return s != ""
}

// ParseQueue reports whether id appears as a job in squeue output and, if the
// state column is present, whether it is still pending.
func ParseQueue(out string, id JobHandle) (present bool, state PollState) {
	want := string(id)
	for _, ln := range strings.Split(out, "\n") {
		fields := strings.Fields(ln)
		if len(fields) == 0 || fields[0] == "JOBID" {
			continue
		}
		// Array tasks are listed as <id>_<index> or <id>_[range].
		if fields[0] != want && !strings.HasPrefix(fields[0], want+"_") {
			continue
		}
		state = StateRunning
		if len(fields) > 1 && isPendingState(fields[1]) {
			state = StateQueued
		}
		return true, state
	}
	return false, StateCompleted
}

func isPendingState(s string) bool {
	switch strings.ToUpper(s) {
	case "PENDING", "PD", "CONFIGURING", "CF", "REQUEUED", "RQ":
		return true
	default:
		return false
	}
}

// Accounting is the final record sacct keeps for a job.
type Accounting struct {
	State    string `json:"state"`
	ExitCode string `json:"exit_code"`
}

// Succeeded reports a COMPLETED job with a zero exit code.
func (a Accounting) Succeeded() bool {
	return a.State == "COMPLETED" && (a.ExitCode == "" || a.ExitCode == "0:0")
}

// ParseAccounting reads `sacct -n -X -P -o State,ExitCode` output.
func ParseAccounting(out string) (Accounting, error) {
	for _, ln := range strings.Split(strings.TrimSpace(out), "\n") {
		ln = strings.TrimSpace(ln)
		if ln == "" {
			continue
		}
		parts := strings.SplitN(ln, "|", 2)
		// "CANCELLED by 1000" keeps only the state word.
		st := strings.Fields(parts[0])
		if len(st) == 0 {
			continue
		}
		a := Accounting{State: strings.TrimRight(st[0], "+")}
		if len(parts) == 2 {
			a.ExitCode = strings.TrimSpace(parts[1])
		}
		return a, nil
	}
	return Accounting{}, fmt.Errorf("bad sacct output: %q", out)
}
