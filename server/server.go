// Package server exposes the audit service over HTTP: multipart file
// registration, session reads, remote file administration and the streaming
// pipeline run endpoint.
package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"docaudit/auditor"
)

const maxUploadBytes = 64 << 20 // 64 MiB per multipart upload

type Server struct {
	svc   *auditor.Service
	sched *auditor.Scheduler
	pipe  *auditor.Pipeline
	cfg   *auditor.Config
	log   zerolog.Logger
}

func New(svc *auditor.Service, sched *auditor.Scheduler, pipe *auditor.Pipeline, cfg *auditor.Config, log zerolog.Logger) *Server {
	return &Server{svc: svc, sched: sched, pipe: pipe, cfg: cfg, log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Post("/upload/reference", s.handleUpload(auditor.KindReference))
	r.Post("/upload/target", s.handleUpload(auditor.KindTarget))
	r.Get("/session/{sessionID}", s.handleSession)
	r.Get("/files", s.handleListFiles)
	r.Delete("/files/*", s.handleDeleteFile)
	r.Post("/run/stream", s.handleRunStream)
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// handleUpload saves the bytes to a transient path, registers the record and
// schedules its upload. It responds with the record's current state without
// waiting on the remote store.
func (s *Server) handleUpload(kind auditor.FileKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "missing multipart field 'file'")
			return
		}
		defer file.Close()

		sessionID := r.FormValue("session_id")
		if sessionID == "" {
			httpError(w, http.StatusBadRequest, "missing form field 'session_id'")
			return
		}

		path, err := auditor.SaveUpload(s.cfg.TempDir, sessionID, header.Filename, file)
		if err != nil {
			s.log.Error().Err(err).Str("session", sessionID).Msg("saving upload failed")
			httpError(w, http.StatusInternalServerError, "could not store upload")
			return
		}

		rec := s.svc.RegisterPending(path, header.Filename, sessionID, kind)
		rec = s.sched.Schedule(sessionID, rec)

		writeJSON(w, http.StatusOK, map[string]any{
			"name":   rec.Name,
			"uri":    rec.URI,
			"type":   rec.Kind,
			"status": rec.Status,
		})
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	writeJSON(w, http.StatusOK, s.svc.SessionDetails(sessionID))
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.svc.Uploader().List(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("remote list failed")
		httpError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	if name == "" {
		httpError(w, http.StatusBadRequest, "missing file name")
		return
	}
	if err := s.svc.Uploader().Delete(r.Context(), name); err != nil {
		s.log.Error().Err(err).Str("name", name).Msg("remote delete failed")
		httpError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.svc.Cache().Forget(name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "name": name})
}

// handleRunStream runs the pipeline and streams progress as one JSON event
// per line, terminated by the [DONE] sentinel on success. Writes flush per
// event; the pipeline blocks on each write, which is the stream's
// backpressure.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	var req auditor.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		httpError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	emit := func(ev auditor.Event) error {
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	if err := s.pipe.Run(r.Context(), req, emit); err != nil {
		// The terminal error event has already been emitted; the stream just
		// ends here without the sentinel.
		s.log.Error().Err(err).Str("session", req.SessionID).Msg("run failed")
		return
	}
	_, _ = io.WriteString(w, auditor.DoneSentinel+"\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
