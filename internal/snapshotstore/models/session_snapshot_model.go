// Package models holds the GORM row shapes persisted by the snapshot
// store, kept distinct from the domain snapshot types they serialize.
package models

import "time"

// SessionSnapshotModel is the on-disk row for one session's recovery
// snapshot. The budget/cost sub-states are stored as JSON blobs rather
// than normalized columns since they are opaque to the store itself —
// it persists and restores them verbatim on behalf of contextbudget and
// costtracker, never reads their fields.
type SessionSnapshotModel struct {
	SessionID   string `gorm:"primaryKey;size:128"`
	Turn        int
	ActiveSkill string `gorm:"size:128"`
	BudgetJSON  string `gorm:"type:text"`
	CostJSON    string `gorm:"type:text"`
	UpdatedAt   time.Time
}

// TableName pins the table name rather than relying on GORM's pluralization.
func (SessionSnapshotModel) TableName() string {
	return "session_snapshots"
}
