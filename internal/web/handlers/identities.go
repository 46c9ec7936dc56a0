package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/reid-catalog/internal/catalog"
	"github.com/kozaktomas/reid-catalog/internal/constants"
	"github.com/kozaktomas/reid-catalog/internal/database"
	"github.com/kozaktomas/reid-catalog/internal/feature"
)

// IdentitiesHandler exposes the catalog for inspection.
type IdentitiesHandler struct {
	store *catalog.Store
	index *database.HNSWIndex
}

// NewIdentitiesHandler creates a new identities handler. index may be nil,
// which disables search.
func NewIdentitiesHandler(store *catalog.Store, index *database.HNSWIndex) *IdentitiesHandler {
	return &IdentitiesHandler{store: store, index: index}
}

// IdentityResponse describes one identity.
type IdentityResponse struct {
	catalog.Summary
	Features [][]float32 `json:"features,omitempty"`
}

// List returns every identity summary.
func (h *IdentitiesHandler) List(w http.ResponseWriter, r *http.Request) {
	respond(w, r, http.StatusOK, h.store.Summaries())
}

// Get returns one identity. With ?features=true its bank is included.
func (h *IdentitiesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 0 {
		respondError(w, http.StatusBadRequest, "invalid identity id")
		return
	}
	bank, err := h.store.Bank(id)
	if errors.Is(err, catalog.ErrUnknownIdentity) {
		respondError(w, http.StatusNotFound, "identity not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	full, _ := h.store.IsFull(id)
	resp := IdentityResponse{Summary: catalog.Summary{ID: id, BankSize: bank.Rows, Full: full}}
	if r.URL.Query().Get("features") == "true" {
		for _, v := range bank.Vectors() {
			resp.Features = append(resp.Features, v)
		}
	}
	respond(w, r, http.StatusOK, resp)
}

// SearchRequest asks for the identities nearest to a feature.
type SearchRequest struct {
	Feature []float32 `json:"feature" msgpack:"feature"`
	Limit   int       `json:"limit" msgpack:"limit"`
}

// SearchResponse lists the nearest identities, closest first.
type SearchResponse struct {
	Results []database.Neighbor `json:"results"`
	Count   int                 `json:"count"`
}

// Search returns the approximate nearest identities of a feature by cosine distance.
func (h *IdentitiesHandler) Search(w http.ResponseWriter, r *http.Request) {
	if h.index == nil {
		respondError(w, http.StatusServiceUnavailable, "identity index not available")
		return
	}
	var req SearchRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if len(req.Feature) != h.store.Dim() || !feature.Vector(req.Feature).Finite() {
		respondError(w, http.StatusBadRequest, "feature must have "+strconv.Itoa(h.store.Dim())+" finite values")
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = constants.DefaultSearchLimit
	}
	limit = min(limit, constants.MaxSearchLimit)

	results, err := h.index.SearchIdentities(req.Feature, limit)
	if errors.Is(err, database.ErrIndexEmpty) {
		results = []database.Neighbor{}
	} else if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, r, http.StatusOK, SearchResponse{Results: results, Count: len(results)})
}
