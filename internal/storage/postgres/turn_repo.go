package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/velocity/internal/events"
	"github.com/jkaninda/velocity/internal/storage"
)

// TurnRepository stores session turns with GORM. It works on any dialect,
// the SQLite backend reuses it unchanged.
type TurnRepository struct {
	db    *gorm.DB
	limit int
}

// NewTurnRepository creates a TurnRepository. A limit <= 0 uses
// storage.DefaultLoadLimit.
func NewTurnRepository(db *gorm.DB, limit int) *TurnRepository {
	if limit <= 0 {
		limit = storage.DefaultLoadLimit
	}
	return &TurnRepository{db: db, limit: limit}
}

// AppendTurns atomically appends turns to a session, creating it on first use.
// Sequence numbers are monotonically assigned starting after the current max.
func (r *TurnRepository) AppendTurns(ctx context.Context, sessionID string, turns ...events.Turn) error {
	if sessionID == "" {
		return storage.ErrEmptySessionID
	}
	if len(turns) == 0 {
		return nil
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		session := SessionModel{ID: sessionID, CreatedAt: now, UpdatedAt: now}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&session).Error; err != nil {
			return fmt.Errorf("ensuring session: %w", err)
		}

		var maxSeq int
		err := tx.Model(&TurnModel{}).
			Scopes(SessionScope(sessionID)).
			Select("COALESCE(MAX(seq_num), 0)").
			Scan(&maxSeq).Error
		if err != nil {
			return fmt.Errorf("getting max seq_num: %w", err)
		}

		models := make([]TurnModel, 0, len(turns))
		for i, t := range turns {
			models = append(models, TurnModel{
				ID:            uuid.New(),
				SessionID:     sessionID,
				SeqNum:        maxSeq + i + 1,
				Role:          storage.SanitizeRole(t.Role),
				Content:       t.Content,
				TokenEstimate: storage.EstimateTokens(t.Content),
				CreatedAt:     now,
			})
		}
		if err := tx.Create(&models).Error; err != nil {
			return fmt.Errorf("inserting turns: %w", err)
		}

		return tx.Model(&SessionModel{}).
			Where("id = ?", sessionID).
			Updates(map[string]any{
				"turn_count": gorm.Expr("turn_count + ?", len(models)),
				"updated_at": now,
			}).Error
	})
}

// LoadTurns returns the most recent turns of a session, oldest first.
func (r *TurnRepository) LoadTurns(ctx context.Context, sessionID string) ([]events.Turn, error) {
	if sessionID == "" {
		return nil, storage.ErrEmptySessionID
	}

	// Newest N by seq_num DESC, then reversed.
	var models []TurnModel
	err := r.db.WithContext(ctx).
		Scopes(SessionScope(sessionID)).
		Order("seq_num DESC").
		Limit(r.limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("loading session turns: %w", err)
	}

	turns := make([]events.Turn, len(models))
	for i := range models {
		m := &models[len(models)-1-i]
		turns[i] = events.Turn{Role: m.Role, Content: m.Content}
	}
	return turns, nil
}

// DeleteSession removes all turns and the session record.
func (r *TurnRepository) DeleteSession(ctx context.Context, sessionID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Turns first (no FK cascade in GORM AutoMigrate by default).
		if err := tx.Scopes(SessionScope(sessionID)).Delete(&TurnModel{}).Error; err != nil {
			return fmt.Errorf("deleting session turns: %w", err)
		}
		if err := tx.Where("id = ?", sessionID).Delete(&SessionModel{}).Error; err != nil {
			return fmt.Errorf("deleting session: %w", err)
		}
		return nil
	})
}

// ListSessions returns every stored session, most recently updated first.
func (r *TurnRepository) ListSessions(ctx context.Context) ([]storage.SessionSummary, error) {
	var models []SessionModel
	err := r.db.WithContext(ctx).Order("updated_at DESC").Order("id").Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	out := make([]storage.SessionSummary, len(models))
	for i, m := range models {
		out[i] = storage.SessionSummary{
			SessionID: m.ID,
			Turns:     m.TurnCount,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		}
	}
	return out, nil
}

// SessionExists reports whether a session has a stored record.
func (r *TurnRepository) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	var m SessionModel
	err := r.db.WithContext(ctx).Where("id = ?", sessionID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up session: %w", err)
	}
	return true, nil
}
