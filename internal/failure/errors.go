// Package failure is the error taxonomy shared by every orchestration stage.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind sentinels. Wrap them with Error so callers can test with errors.Is.
var (
	// ErrAuth means the remote host rejected the supplied credentials.
	ErrAuth = errors.New("authentication failed")

	// ErrConnect means the host could not be reached or its identity was rejected.
	ErrConnect = errors.New("connection failed")

	// ErrStaging means an input file could not be written to local staging.
	ErrStaging = errors.New("staging failed")

	// ErrTransfer means an upload or download of a specific file failed.
	ErrTransfer = errors.New("transfer failed")

	// ErrRender means the job script could not be produced from its spec.
	ErrRender = errors.New("script render failed")

	// ErrSubmission means the scheduler rejected the script or its output was unparseable.
	ErrSubmission = errors.New("submission rejected")

	// ErrPoll means the queue-status command kept failing.
	ErrPoll = errors.New("queue status failed")

	// ErrArtifactList means the remote result directory could not be listed.
	ErrArtifactList = errors.New("artifact listing failed")

	// ErrArtifactDownload means a single artifact could not be fetched.
	ErrArtifactDownload = errors.New("artifact download failed")
)

// Error attaches operation context to a Kind.
type Error struct {
	// Kind is one of the sentinels above.
	Kind error

	// Op is the step that failed (e.g. "upload", "sbatch").
	Op string

	// Path is the file involved, if any.
	Path string

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New wraps cause with kind and op.
func New(kind error, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// WithPath wraps cause with kind, op and the file path it concerns.
func WithPath(kind error, op, path string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: cause}
}

// Reason is the tagged failure reason reported to callers.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonInvalidRequest Reason = "invalid_request"
	ReasonStaging        Reason = "staging"
	ReasonAuth           Reason = "auth"
	ReasonConnect        Reason = "connect"
	ReasonTransfer       Reason = "transfer"
	ReasonRender         Reason = "render"
	ReasonSubmission     Reason = "submission"
	ReasonPoll           Reason = "poll"
	ReasonArtifactList   Reason = "artifact_list"
	ReasonCanceled       Reason = "canceled"
	ReasonTimeout        Reason = "timeout"
	ReasonInternal       Reason = "internal"
)

// ReasonOf classifies err. Context errors win over kinds so a poll cut short by
// cancellation reports canceled, not poll.
func ReasonOf(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, ErrAuth):
		return ReasonAuth
	case errors.Is(err, ErrConnect):
		return ReasonConnect
	case errors.Is(err, ErrStaging):
		return ReasonStaging
	case errors.Is(err, ErrTransfer):
		return ReasonTransfer
	case errors.Is(err, ErrRender):
		return ReasonRender
	case errors.Is(err, ErrSubmission):
		return ReasonSubmission
	case errors.Is(err, ErrPoll):
		return ReasonPoll
	case errors.Is(err, ErrArtifactList):
		return ReasonArtifactList
	default:
		return ReasonInternal
	}
}

// IsFatal reports whether a reason aborts a run. Per-file download failures are
// never surfaced as a Reason, so every non-empty reason is fatal.
func (r Reason) IsFatal() bool {
	return r != ReasonNone
}

// FileError records a non-fatal per-file failure.
type FileError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// NewFileError flattens err for reporting.
func NewFileError(name string, err error) FileError {
	return FileError{Name: name, Message: fmt.Sprint(err)}
}
