package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/taxfold/jobqueue"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

// writeFailure maps engine errors to HTTP statuses.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	var schemaErr *jobqueue.SchemaError
	var classified *jobqueue.ClassifiedError

	switch {
	case errors.Is(err, jobqueue.ErrJobNotFound),
		errors.Is(err, jobqueue.ErrArchiveNotFound),
		errors.Is(err, jobqueue.ErrCronNotFound):
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())

	case errors.Is(err, jobqueue.ErrJobAlreadyExists),
		errors.Is(err, jobqueue.ErrDuplicateCron),
		errors.Is(err, jobqueue.ErrCancellationInFlight),
		errors.Is(err, jobqueue.ErrJobTerminal),
		errors.Is(err, jobqueue.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, "CONFLICT", err.Error())

	case errors.Is(err, jobqueue.ErrCancelNotAllowed),
		errors.Is(err, jobqueue.ErrForcedSystemOnly):
		s.writeError(w, http.StatusForbidden, "FORBIDDEN", err.Error())

	case errors.Is(err, jobqueue.ErrUnknownJobType),
		errors.Is(err, jobqueue.ErrNoProcessor):
		s.writeError(w, http.StatusBadRequest, "UNKNOWN_JOB_TYPE", err.Error())

	case errors.As(err, &schemaErr):
		s.writeError(w, http.StatusUnprocessableEntity, string(jobqueue.ClassValidation), err.Error())

	case errors.As(err, &classified) && classified.Class == jobqueue.ClassRateLimit:
		s.writeError(w, http.StatusTooManyRequests, string(jobqueue.ClassRateLimit), err.Error())

	default:
		s.logger.Error("request failed", slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func intParam(v string) int {
	n, _ := strconv.Atoi(v)
	return n
}
