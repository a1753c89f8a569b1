package auditor

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// SessionRow is the persisted document for one session id. The file lists
// and history are stored as JSON blobs; every list mutation is a whole-list
// read-modify-write, so concurrent writers to the same session resolve as
// last-writer-wins (acceptable: one writer per session in practice).
type SessionRow struct {
	SessionID string `gorm:"primaryKey;size:128"`
	Reference string `gorm:"type:text"`
	Target    string `gorm:"type:text"`
	Summary   string `gorm:"type:text"`
	History   string `gorm:"type:text"`
	UpdatedAt time.Time
}

// CacheRow is one durable upload-cache entry: base file name -> remote URI.
type CacheRow struct {
	BaseName  string `gorm:"primaryKey;size:512"`
	URI       string `gorm:"size:1024"`
	CreatedAt time.Time
}

func OpenDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&SessionRow{}, &CacheRow{}); err != nil {
		return nil, err
	}
	return db, nil
}

// SessionStore reads and writes session documents. Reads never fail from the
// caller's point of view: a missing or unreadable row yields the empty shape,
// favoring availability over strictness for this path.
type SessionStore struct {
	db  *gorm.DB
	log zerolog.Logger
}

func NewSessionStore(db *gorm.DB, log zerolog.Logger) *SessionStore {
	return &SessionStore{db: db, log: log}
}

// SessionPatch names the fields an upsert should replace. Nil fields are
// left untouched.
type SessionPatch struct {
	Reference *[]FileRecord
	Target    *[]FileRecord
	Summary   *string
	History   *[]ChatTurn
}

// Get returns the session document, or the empty shape when the session does
// not exist or the store is unreachable.
func (s *SessionStore) Get(sessionID string) Session {
	var row SessionRow
	err := s.db.Where("session_id = ?", sessionID).First(&row).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.log.Error().Err(err).Str("session", sessionID).Msg("session read failed, treating as empty")
		}
		return Session{}
	}

	var sess Session
	sess.Summary = row.Summary
	decodeList(s.log, sessionID, row.Reference, &sess.Reference)
	decodeList(s.log, sessionID, row.Target, &sess.Target)
	decodeList(s.log, sessionID, row.History, &sess.History)
	return sess
}

func decodeList[T any](log zerolog.Logger, sessionID string, raw string, out *[]T) {
	if raw == "" {
		return
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		log.Error().Err(err).Str("session", sessionID).Msg("dropping undecodable session field")
	}
}

// Upsert merges only the named fields into the session document, creating it
// if absent.
func (s *SessionStore) Upsert(sessionID string, patch SessionPatch) error {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if patch.Reference != nil {
		b, err := json.Marshal(*patch.Reference)
		if err != nil {
			return err
		}
		updates["reference"] = string(b)
	}
	if patch.Target != nil {
		b, err := json.Marshal(*patch.Target)
		if err != nil {
			return err
		}
		updates["target"] = string(b)
	}
	if patch.Summary != nil {
		updates["summary"] = *patch.Summary
	}
	if patch.History != nil {
		b, err := json.Marshal(*patch.History)
		if err != nil {
			return err
		}
		updates["history"] = string(b)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		var row SessionRow
		err := tx.Where("session_id = ?", sessionID).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = SessionRow{SessionID: sessionID}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		return tx.Model(&SessionRow{}).Where("session_id = ?", sessionID).Updates(updates).Error
	})
}
