package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/casedesk/importer/internal/core"
	"github.com/casedesk/importer/internal/grid"
	"github.com/casedesk/importer/internal/logging"
)

// badRequest writes a 400 with a plain message for malformed client input
// that never reached the domain layer.
func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   http.StatusText(http.StatusBadRequest),
		Message: msg,
	})
}

// handleCreateImport accepts a CSV upload and opens a new import session.
// The file arrives either as the multipart field "file" or as the raw
// request body with a ?filename= query parameter.
func (s *Server) handleCreateImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Import.MaxFileSize)

	var (
		src  io.Reader
		name string
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			badRequest(w, "multipart upload requires a \"file\" field")
			return
		}
		defer file.Close()
		src = file
		name = header.Filename
	} else {
		src = r.Body
		name = r.URL.Query().Get("filename")
	}
	if name == "" {
		name = "upload.csv"
	}

	res, err := s.service.CreateSession(r.Context(), name, src)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.Status(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetMapping(w http.ResponseWriter, r *http.Request) {
	info, err := s.service.Mapping(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleSetMapping assigns a header to a schema field. An empty header
// unmaps the field.
func (s *Server) handleSetMapping(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Field  string `json:"field"`
		Header string `json:"header"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if body.Field == "" {
		badRequest(w, "field is required")
		return
	}

	info, err := s.service.SetMapping(r.Context(), chi.URLParam(r, "sessionID"), body.Field, body.Header)
	if err != nil {
		// A bad field key or header is client input, not a server fault.
		if errors.Is(err, core.ErrSessionNotFound) {
			respondError(w, r, err)
		} else {
			badRequest(w, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	mode, err := grid.ParseFilterMode(q.Get("filter"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	page, pageSize := 1, 0
	if v := q.Get("page"); v != "" {
		if page, err = strconv.Atoi(v); err != nil || page < 1 {
			badRequest(w, "page must be a positive integer")
			return
		}
	}
	if v := q.Get("pageSize"); v != "" {
		if pageSize, err = strconv.Atoi(v); err != nil || pageSize < 1 {
			badRequest(w, "pageSize must be a positive integer")
			return
		}
	}

	out, err := s.service.Rows(chi.URLParam(r, "sessionID"), mode, page, pageSize)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEditCell(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		badRequest(w, "row index must be a non-negative integer")
		return
	}

	var body struct {
		Header string `json:"header"`
		Value  string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if body.Header == "" {
		badRequest(w, "header is required")
		return
	}

	if err := s.service.EditCell(r.Context(), chi.URLParam(r, "sessionID"), index, body.Header, body.Value); err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			respondError(w, r, err)
		} else {
			badRequest(w, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteRow(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		badRequest(w, "row index must be a non-negative integer")
		return
	}

	if err := s.service.DeleteRow(r.Context(), chi.URLParam(r, "sessionID"), index); err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			respondError(w, r, err)
		} else {
			badRequest(w, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBulkFix(w http.ResponseWriter, r *http.Request) {
	kind := grid.FixKind(chi.URLParam(r, "kind"))

	known := false
	for _, k := range grid.FixKinds() {
		if k == kind {
			known = true
			break
		}
	}
	if !known {
		badRequest(w, fmt.Sprintf("unknown fix kind %q", kind))
		return
	}

	stats, err := s.service.BulkFix(r.Context(), chi.URLParam(r, "sessionID"), kind)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

// handleSubmit launches a submission pass and returns immediately. Follow
// along on the progress endpoint.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.service.StartSubmission(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	st, err := s.service.Status(id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.service.RetryFailed(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	st, err := s.service.Status(id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.service.CancelSubmission(chi.URLParam(r, "sessionID")); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleProgress streams submission progress as server-sent events. One
// status snapshot is sent immediately, then a progress event per chunk
// until the pass finishes or the client disconnects.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	st, err := s.service.Status(id)
	if err != nil {
		respondError(w, r, err)
		return
	}

	ch, unsubscribe, err := s.service.SubscribeProgress(id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	defer unsubscribe()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(event string, v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return false
		}
		return rc.Flush() == nil
	}

	if !writeEvent("status", st) {
		return
	}

	// done fires when the pass finishes; nil when none is running.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.service.Wait(r.Context(), id); err != nil {
			return
		}
	}()

	for {
		select {
		case p, ok := <-ch:
			if !ok {
				return
			}
			if !writeEvent("progress", p) {
				return
			}
		case <-done:
			// Drain any progress queued before completion.
			for {
				select {
				case p, ok := <-ch:
					if !ok {
						return
					}
					if !writeEvent("progress", p) {
						return
					}
				default:
					if st, err := s.service.Status(id); err == nil {
						writeEvent("done", st)
					}
					return
				}
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.Result(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleErrorCSV(w http.ResponseWriter, r *http.Request) {
	csv, err := s.service.ErrorCSV(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="import-errors.csv"`)
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, csv)
}

func (s *Server) handleReportJSON(w http.ResponseWriter, r *http.Request) {
	data, err := s.service.ReportJSON(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="import-report.json"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleSerializeSession snapshots a session so it can be restored after
// a restart.
func (s *Server) handleSerializeSession(w http.ResponseWriter, r *http.Request) {
	data, err := s.service.Serialize(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleRestoreSession registers a session from a snapshot produced by
// the state endpoint.
func (s *Server) handleRestoreSession(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Import.MaxFileSize))
	if err != nil {
		badRequest(w, "unable to read request body")
		return
	}

	id, err := s.service.Restore(data)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	logging.FromContext(r.Context()).Info("session restored", "session_id", id)
	writeJSON(w, http.StatusCreated, map[string]string{"sessionId": id})
}

func (s *Server) handleRemoveSession(w http.ResponseWriter, r *http.Request) {
	if err := s.service.RemoveSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
