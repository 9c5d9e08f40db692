package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"freelab/internal/auth"
	"freelab/internal/freestep"
	"freelab/internal/lab"
	"freelab/internal/logging"
	"freelab/internal/usage"
)

// errorBody is the wire shape of every rejection.
type errorBody struct {
	Error   freestep.Code `json:"error"`
	Message string        `json:"message"`
	Stage   string        `json:"stage,omitempty"`
	Details []lab.Issue   `json:"details,omitempty"`

	// Present for QUOTA_EXCEEDED.
	Usage         *usage.Counter `json:"usage,omitempty"`
	QuotaMicroUSD *int64         `json:"quota,omitempty"`
	Month         string         `json:"month,omitempty"`
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{
				Error:   freestep.CodeInvalidInput,
				Message: "request body too large",
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: freestep.CodeInvalidInput, Message: "request body could not be read"})
		return
	}

	res, err := s.engine.Step(r.Context(), auth.FromContext(r.Context()), body)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("X-Step-ID", res.StepID)
	writeJSON(w, http.StatusOK, res.Response)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	adm, err := s.engine.Usage(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "classroomID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, adm)
}

func writeError(w http.ResponseWriter, err error) {
	var se *freestep.Error
	if !errors.As(err, &se) {
		logging.Get(logging.CategoryAPI).Error("unexpected handler error: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: freestep.CodeInternalError, Message: "internal error"})
		return
	}

	body := errorBody{
		Error:   se.Code,
		Message: se.Message,
		Stage:   se.Stage,
		Details: se.Details,
	}
	if snap := se.Snapshot; snap != nil {
		u, q := snap.Usage, snap.QuotaMicroUSD
		body.Usage = &u
		body.QuotaMicroUSD = &q
		body.Month = snap.Month
	}
	if se.HTTPStatus() >= http.StatusInternalServerError {
		logging.APIWarn("step failed: %v", se)
	}
	writeJSON(w, se.HTTPStatus(), body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
