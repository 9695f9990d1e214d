package devserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	resource, ok := pathResource(w, r)
	if !ok {
		return
	}
	body, _, ok := readRecordBody(w, r)
	if !ok {
		return
	}
	rec, err := s.store.Create(resource, body)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.metrics.RecordWrite()
	writeJSON(w, http.StatusCreated, rec.JSON())
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	resource, ok := pathResource(w, r)
	if !ok {
		return
	}
	recs, err := s.store.List(resource)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	filter := r.URL.Query()
	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		if matches(rec, filter) {
			out = append(out, rec.JSON())
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	resource, ok := pathResource(w, r)
	if !ok {
		return
	}
	rec, err := s.store.Get(resource, r.PathValue("id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.JSON())
}

// handleReplace swaps the stored body for the request body.
func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request) {
	resource, ok := pathResource(w, r)
	if !ok {
		return
	}
	body, version, ok := readRecordBody(w, r)
	if !ok {
		return
	}
	rec, err := s.store.Update(resource, r.PathValue("id"), body, version)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.metrics.RecordWrite()
	writeJSON(w, http.StatusOK, rec.JSON())
}

// handlePatch merges the request body into the stored one. A null value
// removes the field.
func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	resource, ok := pathResource(w, r)
	if !ok {
		return
	}
	patch, version, ok := readRecordBody(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	cur, err := s.store.Get(resource, id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if version == 0 {
		version = cur.Version
	}
	merged := cur.Body
	if merged == nil {
		merged = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	rec, err := s.store.Update(resource, id, merged, version)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.metrics.RecordWrite()
	writeJSON(w, http.StatusOK, rec.JSON())
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	resource, ok := pathResource(w, r)
	if !ok {
		return
	}
	if err := s.store.Delete(resource, r.PathValue("id")); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.metrics.RecordWrite()
	w.WriteHeader(http.StatusNoContent)
}

func pathResource(w http.ResponseWriter, r *http.Request) (string, bool) {
	resource := r.PathValue("resource")
	if !resourceName.MatchString(resource) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, fmt.Sprintf("unknown resource %q", resource))
		return "", false
	}
	return resource, true
}

func readRecordBody(w http.ResponseWriter, r *http.Request) (map[string]any, int64, bool) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "request body too large")
			return nil, 0, false
		}
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "read body")
		return nil, 0, false
	}
	body, version, err := decodeBody(data)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
		return nil, 0, false
	}
	return body, version, true
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "record not found")
	case errors.Is(err, ErrVersionConflict):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	default:
		logFor(r.Context()).Error("store", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "storage failure")
	}
}

// matches applies ?field=value equality filters against a record body.
func matches(rec *Record, filter map[string][]string) bool {
	for k, want := range filter {
		got, ok := rec.Body[k]
		if !ok || len(want) == 0 || fmt.Sprint(got) != want[0] {
			return false
		}
	}
	return true
}
