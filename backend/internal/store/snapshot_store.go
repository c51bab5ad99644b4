package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"nexusServer/backend/internal/crdt"
)

var ErrNoSnapshot = errors.New("NO_SNAPSHOT")

// ProjectSnapshot persists a full document state at a log position, so
// a coordinator can recover from snapshot + log tail instead of
// replaying the whole history.
type ProjectSnapshot struct {
	ProjectID string `gorm:"primaryKey;size:64"`
	Seq       uint64
	State     string `gorm:"type:mediumtext"`
	CreatedAt time.Time
}

type SnapshotStore struct{ db *gorm.DB }

func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Save upserts the snapshot for a project. Durability here is what
// allows log compaction below seq.
func (s *SnapshotStore) Save(ctx context.Context, projectID string, seq uint64, state crdt.DocumentState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	snap := ProjectSnapshot{ProjectID: projectID, Seq: seq, State: string(b)}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"seq", "state", "created_at"}),
	}).Create(&snap).Error
}

// Latest loads the snapshot and the log position it covers.
func (s *SnapshotStore) Latest(ctx context.Context, projectID string) (crdt.DocumentState, uint64, error) {
	var snap ProjectSnapshot
	err := s.db.WithContext(ctx).First(&snap, "project_id = ?", projectID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return crdt.DocumentState{}, 0, ErrNoSnapshot
	}
	if err != nil {
		return crdt.DocumentState{}, 0, err
	}
	var state crdt.DocumentState
	if err := json.Unmarshal([]byte(snap.State), &state); err != nil {
		// unreadable snapshot is fatal for the project; operators must
		// intervene rather than the coordinator guessing
		return crdt.DocumentState{}, 0, fmt.Errorf("corrupt snapshot for project %s: %w", projectID, err)
	}
	return state, snap.Seq, nil
}
