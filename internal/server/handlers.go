package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"grainstore/internal/record"
)

// recordResponse is the wire form of a record. Payload is base64 in JSON
// and omitted for tombstones.
type recordResponse struct {
	Key       string `json:"key"`
	Payload   []byte `json:"payload,omitempty"`
	Version   int64  `json:"version"`
	Tombstone bool   `json:"tombstone,omitempty"`
}

type writeRequest struct {
	Payload []byte `json:"payload"`
}

type versionResponse struct {
	Version int64 `json:"version"`
}

type purgeResponse struct {
	Purged int `json:"purged"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	key := recordKey(r)

	rec, err := s.store.ReadByKey(r.Context(), key)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if rec == nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("no record for key %q", key))
		return
	}

	w.Header().Set("ETag", etag(rec.Version))
	s.writeJSON(w, http.StatusOK, recordResponse{
		Key:       rec.Key,
		Payload:   rec.Payload,
		Version:   rec.Version,
		Tombstone: rec.Tombstone,
	})
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	key := recordKey(r)

	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	noneMatch := r.Header.Get("If-None-Match")
	match := r.Header.Get("If-Match")

	switch {
	case noneMatch != "" && match != "":
		s.writeError(w, http.StatusBadRequest, "If-Match and If-None-Match are mutually exclusive")
	case noneMatch != "" && noneMatch != "*":
		s.writeError(w, http.StatusBadRequest, `only If-None-Match: * is supported`)
	case noneMatch == "*":
		newVersion, err := s.store.InsertIfAbsent(r.Context(), key, req.Payload)
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		w.Header().Set("ETag", etag(newVersion))
		s.writeJSON(w, http.StatusCreated, versionResponse{Version: newVersion})
	case match != "":
		expected, err := parseETag(match)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		newVersion, err := s.store.CompareAndSwapUpdate(r.Context(), key, expected, req.Payload)
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		w.Header().Set("ETag", etag(newVersion))
		s.writeJSON(w, http.StatusOK, versionResponse{Version: newVersion})
	default:
		s.writeError(w, http.StatusBadRequest, "conditional header required: If-Match or If-None-Match: *")
	}
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	key := recordKey(r)

	match := r.Header.Get("If-Match")
	if match == "" {
		s.writeError(w, http.StatusBadRequest, "If-Match header required")
		return
	}
	expected, err := parseETag(match)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	newVersion, err := s.store.CompareAndSwapTombstone(r.Context(), key, expected)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.Header().Set("ETag", etag(newVersion))
	s.writeJSON(w, http.StatusOK, versionResponse{Version: newVersion})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	maintainer, ok := s.store.(record.Maintainer)
	if !ok {
		s.writeError(w, http.StatusNotImplemented, "backend does not support tombstone purging")
		return
	}

	purged, err := maintainer.PurgeTombstones(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, purgeResponse{Purged: purged})
}

// recordKey extracts the key path parameter. Escaped characters are
// decoded so keys are matched byte for byte with direct store access.
func recordKey(r *http.Request) string {
	key := chi.URLParam(r, "key")
	if decoded, err := url.PathUnescape(key); err == nil {
		return decoded
	}
	return key
}

func etag(version int64) string {
	return `"` + strconv.FormatInt(version, 10) + `"`
}

func parseETag(raw string) (int64, error) {
	trimmed := strings.Trim(strings.TrimSpace(raw), `"`)
	v, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("malformed version tag %q", raw)
	}
	return v, nil
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, record.ErrNoMatch):
		s.writeError(w, http.StatusPreconditionFailed, "record absent or version mismatch")
	case errors.Is(err, record.ErrInvalidKey):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("record store failure", "method", r.Method, "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusBadGateway, "record store unavailable")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}
