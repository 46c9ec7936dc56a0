package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kozaktomas/reid-catalog/internal/feature"
	"github.com/kozaktomas/reid-catalog/internal/pipeline"
	"github.com/kozaktomas/reid-catalog/internal/rerank"
)

// CycleProcessor runs one processing cycle.
type CycleProcessor interface {
	Process(ctx context.Context, c pipeline.Cycle) (*pipeline.Result, error)
}

// CyclesHandler accepts processing cycles over plain HTTP.
type CyclesHandler struct {
	processor CycleProcessor
	logger    *slog.Logger
}

// NewCyclesHandler creates a new cycles handler
func NewCyclesHandler(p CycleProcessor, logger *slog.Logger) *CyclesHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CyclesHandler{processor: p, logger: logger}
}

// Submit processes the cycle in the request body and returns its result.
// The body is JSON, or msgpack with Content-Type application/msgpack.
func (h *CyclesHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var c pipeline.Cycle
	if err := decodeBody(w, r, &c); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	res, err := h.processor.Process(r.Context(), c)
	if err != nil {
		status := statusForError(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("cycle failed", "error", sanitizeForLog(err.Error()))
		}
		respondError(w, status, err.Error())
		return
	}
	respond(w, r, http.StatusOK, res)
}

// statusForError maps pipeline failures to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, feature.ErrShape),
		errors.Is(err, pipeline.ErrNoImage),
		errors.Is(err, pipeline.ErrBadImage),
		errors.Is(err, pipeline.ErrBoxOutside):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrNoExtractor):
		return http.StatusServiceUnavailable
	case errors.Is(err, rerank.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, pipeline.ErrBadEmbeddings), errors.Is(err, rerank.ErrMalformedDistances):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
