package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kozaktomas/reid-catalog/internal/constants"
)

// errInvalidRequestBody is a shared error message for undecodable request bodies.
const errInvalidRequestBody = "invalid request body"

const contentTypeMsgpack = "application/msgpack"

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// wantsMsgpack reports whether the client asked for a msgpack response.
func wantsMsgpack(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), contentTypeMsgpack)
}

// isMsgpack reports whether the request body is msgpack.
func isMsgpack(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && (mt == contentTypeMsgpack || mt == "application/x-msgpack")
}

// respond sends data as msgpack when the client accepts it, JSON otherwise.
func respond(w http.ResponseWriter, r *http.Request, status int, data any) {
	if !wantsMsgpack(r) {
		respondJSON(w, status, data)
		return
	}
	body, err := msgpack.Marshal(data)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", contentTypeMsgpack)
	w.WriteHeader(status)
	w.Write(body)
}

// decodeBody decodes a JSON or msgpack request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, constants.MaxCycleBodyBytes)
	var err error
	if isMsgpack(r) {
		err = msgpack.NewDecoder(body).Decode(v)
	} else {
		err = json.NewDecoder(body).Decode(v)
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
	}
	return err
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
