package auditor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Service owns the per-file upload lifecycle and its persistence. All shared
// mutable state (session store, upload cache) is injected; there are no
// package-level singletons.
type Service struct {
	store    *SessionStore
	cache    *UploadCache
	uploader Uploader
	cfg      *Config
	log      zerolog.Logger
}

func NewService(store *SessionStore, cache *UploadCache, uploader Uploader, cfg *Config, log zerolog.Logger) *Service {
	return &Service{store: store, cache: cache, uploader: uploader, cfg: cfg, log: log}
}

func (s *Service) Store() *SessionStore { return s.store }
func (s *Service) Cache() *UploadCache  { return s.cache }
func (s *Service) Uploader() Uploader   { return s.uploader }

// RegisterPending records the intent to upload and returns immediately, so
// the registering call never waits on the network. A cache hit by base name
// short-circuits straight to uploaded; otherwise the record starts pending
// and owns its local path until ExecuteUpload takes over.
func (s *Service) RegisterPending(path, displayName, sessionID string, kind FileKind) FileRecord {
	name := strings.TrimSpace(displayName)
	if name == "" {
		// Transient paths are session-prefixed; the bare base would leak it.
		name = DisplayBase(path, sessionID)
	}

	if uri, ok := s.cache.Lookup(filepath.Base(name)); ok {
		rec := FileRecord{Name: name, URI: uri, Kind: kind, Status: StatusUploaded}
		s.AddFileToSession(sessionID, rec)
		s.log.Debug().Str("name", name).Str("uri", uri).Msg("cache hit, skipping upload")
		return rec
	}

	rec := FileRecord{Name: name, Kind: kind, Status: StatusPending, LocalPath: path}
	s.AddFileToSession(sessionID, rec)
	return rec
}

// ExecuteUpload runs the remote upload for a registered record and persists
// the outcome. Idempotent against an already-uploaded record. Failures are
// terminal for the record and still persisted so callers observe them
// instead of hanging on the drain wait.
func (s *Service) ExecuteUpload(ctx context.Context, sessionID string, rec FileRecord) FileRecord {
	if rec.Status == StatusUploaded {
		return rec
	}
	matchKey := rec.LocalPath

	rec = rec.markUploading()
	s.replaceFileInSession(sessionID, matchKey, rec)

	mimeType := DetectMime(rec.LocalPath)
	s.log.Debug().Str("name", rec.Name).Str("mime", mimeType).Msg("starting upload")

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.FileStore.Timeout.Std())
	defer cancel()
	uri, err := s.uploader.Upload(callCtx, rec.LocalPath, mimeType)
	if err != nil {
		s.log.Error().Err(err).Str("name", rec.Name).Msg("upload failed")
		rec = rec.markFailed(err)
		s.replaceFileInSession(sessionID, matchKey, rec)
		return rec
	}

	s.cache.Store(filepath.Base(rec.Name), uri)
	if rmErr := os.Remove(rec.LocalPath); rmErr != nil {
		s.log.Debug().Err(rmErr).Str("path", rec.LocalPath).Msg("local cleanup failed")
	}
	rec = rec.markUploaded(uri)
	s.replaceFileInSession(sessionID, matchKey, rec)
	s.log.Debug().Str("name", rec.Name).Str("uri", uri).Msg("upload complete")
	return rec
}

// AddFileToSession appends a record to the session's list for its kind.
// A record whose URI is already present in that list is discarded. The
// append is a whole-list read-modify-write; see SessionRow.
func (s *Service) AddFileToSession(sessionID string, rec FileRecord) {
	sess := s.store.Get(sessionID)
	list := sess.Files(rec.Kind)
	if rec.URI != "" {
		for _, existing := range list {
			if existing.URI == rec.URI {
				return
			}
		}
	}
	list = append(list, rec)
	s.writeKind(sessionID, rec.Kind, list)
}

func (s *Service) replaceFileInSession(sessionID, matchLocalPath string, rec FileRecord) {
	sess := s.store.Get(sessionID)
	list := sess.Files(rec.Kind)
	replaced := false
	for i := range list {
		if list[i].LocalPath == matchLocalPath && list[i].LocalPath != "" {
			list[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, rec)
	}
	s.writeKind(sessionID, rec.Kind, list)
}

func (s *Service) writeKind(sessionID string, kind FileKind, list []FileRecord) {
	patch := SessionPatch{}
	if kind == KindTarget {
		patch.Target = &list
	} else {
		patch.Reference = &list
	}
	if err := s.store.Upsert(sessionID, patch); err != nil {
		s.log.Error().Err(err).Str("session", sessionID).Msg("session write failed")
	}
}

// SessionDetails returns the full session document.
func (s *Service) SessionDetails(sessionID string) Session {
	return s.store.Get(sessionID)
}

// UpdateSummary persists the last produced report. Best-effort: a store
// failure is logged, not propagated.
func (s *Service) UpdateSummary(sessionID, summary string) {
	if err := s.store.Upsert(sessionID, SessionPatch{Summary: &summary}); err != nil {
		s.log.Error().Err(err).Str("session", sessionID).Msg("summary write failed")
	}
}

// WaitForUploads blocks until every record of the session has left
// pending/uploading, re-reading statuses from the store at the configured
// poll interval. A record still in flight past the timeout aborts with
// ErrUploadTimeout; a failed record aborts with ErrUploadFailed naming the
// file.
func (s *Service) WaitForUploads(ctx context.Context, sessionID string) error {
	deadline := time.Now().Add(s.cfg.Drain.Timeout.Std())
	for {
		sess := s.store.Get(sessionID)
		all := append(append([]FileRecord{}, sess.Reference...), sess.Target...)

		inFlight := ""
		for _, f := range all {
			if f.Status == StatusFailed {
				reason := f.ErrorMessage
				if reason == "" {
					reason = "unknown error"
				}
				return fmt.Errorf("%w: %s: %s", ErrUploadFailed, f.Name, reason)
			}
			if !f.Terminal() {
				inFlight = f.Name
			}
		}
		if inFlight == "" {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s still in flight", ErrUploadTimeout, inFlight)
		}
		s.log.Debug().Str("session", sessionID).Str("waiting_on", inFlight).Msg("waiting for uploads")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.Drain.PollInterval.Std()):
		}
	}
}
