package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kozaktomas/reid-catalog/internal/feature"
	"github.com/kozaktomas/reid-catalog/internal/matching"
	"github.com/kozaktomas/reid-catalog/internal/pipeline"
	"github.com/kozaktomas/reid-catalog/internal/rerank"
	"github.com/kozaktomas/reid-catalog/internal/router"
)

var box = router.BBox{X: 0, Y: 0, W: 10, H: 20}

func TestCyclesHandler_Submit_JSON(t *testing.T) {
	handler := NewCyclesHandler(testProcessor(t, nil), nil)

	req := jsonRequest(t, "POST", "/api/v1/cycles", pipeline.Cycle{Detections: []pipeline.Detection{
		{ProvisionalID: router.Unknown, BBox: box, Feature: feature.Vector{1, 0}},
		{ProvisionalID: router.Unknown, BBox: box, Feature: feature.Vector{0, 1}},
	}})
	recorder := httptest.NewRecorder()
	handler.Submit(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
	assertContentType(t, recorder, "application/json")

	var res pipeline.Result
	parseJSONResponse(t, recorder, &res)
	if res.CycleID == "" {
		t.Error("expected cycle_id")
	}
	if len(res.Labeled) != 2 || res.Labeled[1].ID != 1 || res.Labeled[1].Status != matching.StatusCreated {
		t.Errorf("labeled = %+v", res.Labeled)
	}
}

func TestCyclesHandler_Submit_Msgpack(t *testing.T) {
	handler := NewCyclesHandler(testProcessor(t, nil), nil)

	body, err := msgpack.Marshal(pipeline.Cycle{Detections: []pipeline.Detection{
		{ProvisionalID: router.Unknown, BBox: box, Feature: feature.Vector{1, 0}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest("POST", "/api/v1/cycles", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/msgpack")
	req.Header.Set("Accept", "application/msgpack")
	recorder := httptest.NewRecorder()
	handler.Submit(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
	assertContentType(t, recorder, "application/msgpack")

	var res pipeline.Result
	if err := msgpack.Unmarshal(recorder.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Labeled) != 1 || res.Labeled[0].BBox != box {
		t.Errorf("labeled = %+v", res.Labeled)
	}
}

func TestCyclesHandler_Submit_InvalidBody(t *testing.T) {
	handler := NewCyclesHandler(testProcessor(t, nil), nil)

	req := httptest.NewRequest("POST", "/api/v1/cycles", strings.NewReader("{not json"))
	recorder := httptest.NewRecorder()
	handler.Submit(recorder, req)

	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, errInvalidRequestBody)
}

func TestCyclesHandler_Submit_WrongDimension(t *testing.T) {
	handler := NewCyclesHandler(testProcessor(t, nil), nil)

	req := jsonRequest(t, "POST", "/api/v1/cycles", pipeline.Cycle{Detections: []pipeline.Detection{
		{ProvisionalID: router.Unknown, BBox: box, Feature: feature.Vector{1, 0, 0}},
	}})
	recorder := httptest.NewRecorder()
	handler.Submit(recorder, req)

	assertStatusCode(t, recorder, http.StatusBadRequest)
}

type failingProcessor struct{ err error }

func (f failingProcessor) Process(context.Context, pipeline.Cycle) (*pipeline.Result, error) {
	return nil, f.err
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{pipeline.ErrBusy, http.StatusTooManyRequests},
		{fmt.Errorf("acquire features: %w", pipeline.ErrNoImage), http.StatusBadRequest},
		{pipeline.ErrBadImage, http.StatusBadRequest},
		{pipeline.ErrNoExtractor, http.StatusServiceUnavailable},
		{fmt.Errorf("rerank query batch: %w", rerank.ErrTimeout), http.StatusGatewayTimeout},
		{rerank.ErrMalformedDistances, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			handler := NewCyclesHandler(failingProcessor{err: tt.err}, nil)
			recorder := httptest.NewRecorder()
			handler.Submit(recorder, jsonRequest(t, "POST", "/api/v1/cycles", pipeline.Cycle{}))
			assertStatusCode(t, recorder, tt.want)
		})
	}
}
