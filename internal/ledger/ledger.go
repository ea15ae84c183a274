// Package ledger keeps durable usage totals per protocol session.
package ledger

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

// Ledger records cost, turns and message counts for every protocol session.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// New creates a Ledger on db. The schema must already be migrated.
func New(db *gorm.DB) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger: db is required")
	}
	return &Ledger{db: db, now: time.Now}, nil
}

// RecordExchange implements session.Recorder. It adds the exchange's cost
// and turns to the record for the protocol session, creating it on first use,
// and marks the record active.
func (l *Ledger) RecordExchange(ctx context.Context, key session.Key, st session.Status, res *session.Result) error {
	id := st.SessionID
	if res != nil && res.SessionID != "" {
		id = res.SessionID
	}
	if id == "" {
		return nil
	}
	var cost float64
	var turns int
	if res != nil {
		cost, turns = res.CostUSD, res.NumTurns
	}

	now := l.now().UTC()
	rec := models.SessionRecord{
		ProtocolSessionID: id,
		UserID:            key.UserID,
		ThreadID:          key.Thread(),
		ProjectPath:       st.WorkingDirectory,
		TotalCost:         cost,
		TotalTurns:        turns,
		MessageCount:      1,
		IsActive:          true,
		CreatedAt:         now,
		LastUsed:          now,
	}
	result := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "protocol_session_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"total_cost":    gorm.Expr("total_cost + ?", cost),
			"total_turns":   gorm.Expr("total_turns + ?", turns),
			"message_count": gorm.Expr("message_count + 1"),
			"project_path":  st.WorkingDirectory,
			"is_active":     true,
			"last_used":     now,
		}),
	}).Create(&rec)
	if result.Error != nil {
		return fmt.Errorf("ledger: record %s for %s: %w", id, key, result.Error)
	}
	return nil
}

// Get returns the record for a protocol session.
func (l *Ledger) Get(ctx context.Context, protocolID string) (models.SessionRecord, bool, error) {
	var rec models.SessionRecord
	err := l.db.WithContext(ctx).Where("protocol_session_id = ?", protocolID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("ledger: get %s: %w", protocolID, err)
	}
	return rec, true, nil
}

// UserSessions returns the active records of userID, most recently used first.
func (l *Ledger) UserSessions(ctx context.Context, userID int64) ([]models.SessionRecord, error) {
	var recs []models.SessionRecord
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("last_used DESC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: sessions for user %d: %w", userID, err)
	}
	return recs, nil
}

// AllSessions returns every active record, most recently used first.
func (l *Ledger) AllSessions(ctx context.Context) ([]models.SessionRecord, error) {
	var recs []models.SessionRecord
	err := l.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("last_used DESC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: all sessions: %w", err)
	}
	return recs, nil
}

// Deactivate marks the record for protocolID inactive. Unknown ids are ignored.
func (l *Ledger) Deactivate(ctx context.Context, protocolID string) error {
	err := l.db.WithContext(ctx).Model(&models.SessionRecord{}).
		Where("protocol_session_id = ?", protocolID).
		Update("is_active", false).Error
	if err != nil {
		return fmt.Errorf("ledger: deactivate %s: %w", protocolID, err)
	}
	return nil
}

// CleanupExpired marks active records unused for longer than olderThan as
// inactive and returns how many changed.
func (l *Ledger) CleanupExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := l.now().UTC().Add(-olderThan)
	result := l.db.WithContext(ctx).Model(&models.SessionRecord{}).
		Where("last_used < ? AND is_active = ?", cutoff, true).
		Update("is_active", false)
	if result.Error != nil {
		return 0, fmt.Errorf("ledger: cleanup expired: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		log.Printf("ledger: expired %d sessions unused since %s", result.RowsAffected, cutoff.Format(time.RFC3339))
	}
	return result.RowsAffected, nil
}
