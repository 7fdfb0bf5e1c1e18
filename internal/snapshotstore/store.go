// Package snapshotstore persists the per-session recovery snapshot
// described by spec.md's "Session Snapshot Store" (§2 dependency table):
// the composite state a session runtime needs to resume a worker after
// an interrupt without replaying its entire event tape.
package snapshotstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/codeorc/orchestrator/internal/contextbudget"
	"github.com/codeorc/orchestrator/internal/costtracker"
	"github.com/codeorc/orchestrator/internal/snapshotstore/models"
)

// Composite is one session's full recovery snapshot.
type Composite struct {
	SessionID   string
	Turn        int
	ActiveSkill string
	Budget      contextbudget.Snapshot
	Cost        costtracker.Snapshot
}

// Store persists Composite snapshots in sqlite via GORM.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if absent) the sqlite database at dsn.
func Open(dsn string) (*Store, error) {
	db, err := newDBConnection(dsn)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Save upserts sessionID's recovery snapshot.
func (s *Store) Save(ctx context.Context, snap Composite) error {
	budgetJSON, err := json.Marshal(snap.Budget)
	if err != nil {
		return fmt.Errorf("marshal budget snapshot: %w", err)
	}
	costJSON, err := json.Marshal(snap.Cost)
	if err != nil {
		return fmt.Errorf("marshal cost snapshot: %w", err)
	}

	row := models.SessionSnapshotModel{
		SessionID:   snap.SessionID,
		Turn:        snap.Turn,
		ActiveSkill: snap.ActiveSkill,
		BudgetJSON:  string(budgetJSON),
		CostJSON:    string(costJSON),
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save session snapshot: %w", err)
	}
	return nil
}

// Load returns sessionID's most recently saved snapshot, or ok=false if
// none has ever been saved.
func (s *Store) Load(ctx context.Context, sessionID string) (Composite, bool, error) {
	var row models.SessionSnapshotModel
	err := s.db.WithContext(ctx).First(&row, "session_id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Composite{}, false, nil
	}
	if err != nil {
		return Composite{}, false, fmt.Errorf("load session snapshot: %w", err)
	}

	var budget contextbudget.Snapshot
	if err := json.Unmarshal([]byte(row.BudgetJSON), &budget); err != nil {
		return Composite{}, false, fmt.Errorf("unmarshal budget snapshot: %w", err)
	}
	var cost costtracker.Snapshot
	if err := json.Unmarshal([]byte(row.CostJSON), &cost); err != nil {
		return Composite{}, false, fmt.Errorf("unmarshal cost snapshot: %w", err)
	}

	return Composite{
		SessionID:   row.SessionID,
		Turn:        row.Turn,
		ActiveSkill: row.ActiveSkill,
		Budget:      budget,
		Cost:        cost,
	}, true, nil
}

// Delete removes sessionID's snapshot, e.g. once its session is explicitly
// shut down. Deleting an absent snapshot is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.db.WithContext(ctx).Delete(&models.SessionSnapshotModel{}, "session_id = ?", sessionID).Error; err != nil {
		return fmt.Errorf("delete session snapshot: %w", err)
	}
	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
