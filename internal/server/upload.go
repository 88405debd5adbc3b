package server

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/tastythames/slurm-portal/internal/dispatch"
	"github.com/tastythames/slurm-portal/internal/failure"
	"github.com/tastythames/slurm-portal/internal/orchestrator"
	"github.com/tastythames/slurm-portal/internal/sshclient"
)

const multipartMemory = 32 << 20

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "Upload too large.")
			return
		}
		writeError(w, http.StatusBadRequest, "Malformed upload.")
		return
	}
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}

	username := r.FormValue("username")
	password := r.FormValue("password")
	if username == "" || password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required.")
		return
	}

	var inputs []orchestrator.InputFile
	if r.MultipartForm != nil {
		for _, fh := range r.MultipartForm.File["files"] {
			if fh.Filename == "" {
				continue
			}
			f, err := fh.Open()
			if err != nil {
				writeError(w, http.StatusBadRequest, "Malformed upload.")
				return
			}
			data, err := readAll(f, s.opts.MaxUploadBytes)
			_ = f.Close()
			if err != nil {
				writeError(w, http.StatusBadRequest, "Malformed upload.")
				return
			}
			inputs = append(inputs, orchestrator.InputFile{Name: fh.Filename, Data: data})
		}
	}
	if len(inputs) == 0 {
		writeError(w, http.StatusBadRequest, "No files uploaded.")
		return
	}

	req := orchestrator.Request{
		ID:          s.opts.NewID(),
		Credentials: sshclient.Credentials{Username: username, Password: password},
		Inputs:      inputs,
	}
	log := s.log.With(zap.String("run_id", req.ID), zap.Object("creds", req.Credentials), zap.Int("files", len(inputs)))

	ch, err := s.opts.Dispatch.Enqueue(req)
	if err != nil {
		log.Warn("upload rejected", zap.Error(err))
		if errors.Is(err, dispatch.ErrQueueFull) {
			w.Header().Set("Retry-After", "30")
			writeError(w, http.StatusServiceUnavailable, "Server is busy, try again later.")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "Server is not accepting jobs.")
		return
	}
	log.Info("run accepted")

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		w.Header().Set("Location", "/runs/"+req.ID)
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", Message: "Job accepted.", RunID: req.ID})
		return
	}

	res, err := wait(r.Context(), ch)
	if err != nil {
		log.Info("client left before the run finished", zap.Error(err))
		return
	}
	writeResult(w, res)
}

func writeResult(w http.ResponseWriter, res orchestrator.Result) {
	out := response{
		Status:    "success",
		Message:   res.Message,
		RunID:     res.RunID,
		JobID:     res.JobID,
		Reason:    string(res.Reason),
		Artifacts: res.Artifacts,
	}
	if len(res.Errors) > 0 {
		out.Errors = res.Errors
	}
	if !res.OK() {
		out.Status = "error"
	}
	writeJSON(w, StatusFor(res), out)
}

// StatusFor maps a run result onto an HTTP status.
func StatusFor(res orchestrator.Result) int {
	if res.OK() {
		return http.StatusOK
	}
	switch res.Reason {
	case failure.ReasonInvalidRequest:
		return http.StatusBadRequest
	case failure.ReasonRender, failure.ReasonSubmission, failure.ReasonPoll, failure.ReasonArtifactList:
		return http.StatusBadGateway
	case failure.ReasonTimeout:
		return http.StatusGatewayTimeout
	case failure.ReasonCanceled:
		return http.StatusConflict
	default:
		// staging, auth, connect, transfer, internal
		return http.StatusInternalServerError
	}
}
