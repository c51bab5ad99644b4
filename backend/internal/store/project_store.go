package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrProjectNotFound = errors.New("PROJECT_NOT_FOUND")

// Project is the metadata row for one replicated document. Deletion is
// a tombstone: the row is never erased, for audit.
type Project struct {
	ID            string `gorm:"primaryKey;size:64"`
	Title         string `gorm:"size:255"`
	OwnerID       uint64
	CreatedAt     time.Time
	DeletedAtUnix int64 `gorm:"default:0"`
}

type ProjectStore struct{ db *gorm.DB }

func NewProjectStore(db *gorm.DB) *ProjectStore {
	return &ProjectStore{db: db}
}

func (s *ProjectStore) CreateProject(ctx context.Context, id string, ownerID uint64, title string) error {
	p := Project{ID: id, Title: title, OwnerID: ownerID}
	return s.db.WithContext(ctx).Create(&p).Error
}

func (s *ProjectStore) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *ProjectStore) ListProjects(ctx context.Context, ownerID uint64) ([]Project, error) {
	var out []Project
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND deleted_at_unix = 0", ownerID).
		Order("created_at DESC").
		Find(&out).Error
	return out, err
}

// TombstoneProject marks the project deleted without erasing it.
func (s *ProjectStore) TombstoneProject(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&Project{}).
		Where("id = ? AND deleted_at_unix = 0", id).
		Update("deleted_at_unix", time.Now().Unix())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrProjectNotFound
	}
	return nil
}
