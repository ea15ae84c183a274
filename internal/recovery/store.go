// Package recovery persists the active protocol session of every
// (user, thread) pair so conversations can resume after a host restart.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/session"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Pointer is one durable active-session pointer.
type Pointer struct {
	UserID    int64     `json:"user_id"`
	ThreadID  *int64    `json:"thread_id"`
	SessionID string    `json:"session_id"`
	WorkDir   string    `json:"working_directory"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads and writes active-session pointers.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store on db. The schema must already be migrated.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("recovery: db is required")
	}
	return &Store{db: db}, nil
}

// SetActive records sessionID and workDir as the pointer for
// (userID, threadID), replacing any previous pointer in one statement.
func (s *Store) SetActive(ctx context.Context, userID int64, threadID *int64, sessionID, workDir string) error {
	if sessionID == "" {
		return fmt.Errorf("recovery: set active: session id is required")
	}
	if err := models.CheckThread(threadID); err != nil {
		return fmt.Errorf("recovery: set active: %w", err)
	}
	row := models.ActiveSession{
		UserID:            userID,
		ThreadID:          threadID,
		ThreadKey:         models.ThreadKey(threadID),
		ProtocolSessionID: sessionID,
		WorkingDirectory:  workDir,
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "thread_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"protocol_session_id", "working_directory", "updated_at"}),
	}).Create(&row)
	if result.Error != nil {
		return fmt.Errorf("recovery: set active for %s: %w", session.NewKey(userID, threadID), result.Error)
	}
	return nil
}

// GetActive returns the pointer for (userID, threadID). The bool is false
// when none exists.
func (s *Store) GetActive(ctx context.Context, userID int64, threadID *int64) (Pointer, bool, error) {
	if err := models.CheckThread(threadID); err != nil {
		return Pointer{}, false, fmt.Errorf("recovery: get active: %w", err)
	}
	var row models.ActiveSession
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND thread_key = ?", userID, models.ThreadKey(threadID)).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Pointer{}, false, nil
	}
	if err != nil {
		return Pointer{}, false, fmt.Errorf("recovery: get active for %s: %w", session.NewKey(userID, threadID), err)
	}
	return toPointer(row), true, nil
}

// ClearActive deletes the pointer for (userID, threadID). Clearing an
// absent pointer is not an error.
func (s *Store) ClearActive(ctx context.Context, userID int64, threadID *int64) error {
	if err := models.CheckThread(threadID); err != nil {
		return fmt.Errorf("recovery: clear active: %w", err)
	}
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND thread_key = ?", userID, models.ThreadKey(threadID)).
		Delete(&models.ActiveSession{}).Error
	if err != nil {
		return fmt.Errorf("recovery: clear active for %s: %w", session.NewKey(userID, threadID), err)
	}
	return nil
}

// ListActive returns every pointer of userID, most recently updated first.
func (s *Store) ListActive(ctx context.Context, userID int64) ([]Pointer, error) {
	var rows []models.ActiveSession
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").Order("id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("recovery: list active for user %d: %w", userID, err)
	}
	out := make([]Pointer, len(rows))
	for i, r := range rows {
		out[i] = toPointer(r)
	}
	return out, nil
}

// RecordExchange implements session.Recorder by pointing key at the
// protocol id the exchange reported, falling back to the session's own.
func (s *Store) RecordExchange(ctx context.Context, key session.Key, st session.Status, res *session.Result) error {
	id := st.SessionID
	if res != nil && res.SessionID != "" {
		id = res.SessionID
	}
	if id == "" {
		return nil
	}
	return s.SetActive(ctx, key.UserID, key.Thread(), id, st.WorkingDirectory)
}

// Recover loads the pointer for (userID, threadID) and resolves it against
// defaultDir and v. A missing pointer yields a fresh Resolution.
func (s *Store) Recover(ctx context.Context, userID int64, threadID *int64, defaultDir string, v DirValidator) (Resolution, error) {
	p, ok, err := s.GetActive(ctx, userID, threadID)
	if err != nil {
		return Resolution{}, err
	}
	if !ok {
		return Resolve(nil, defaultDir, v), nil
	}
	res := Resolve(&p, defaultDir, v)
	if res.Rejected != nil {
		log.Printf("recovery: %s: %v; resuming %s in %s", session.NewKey(userID, threadID), res.Rejected, res.SessionID, res.WorkDir)
	}
	return res, nil
}

func toPointer(r models.ActiveSession) Pointer {
	return Pointer{
		UserID:    r.UserID,
		ThreadID:  r.ThreadID,
		SessionID: r.ProtocolSessionID,
		WorkDir:   r.WorkingDirectory,
		UpdatedAt: r.UpdatedAt,
	}
}
