package repository

import (
	"context"
	"errors"
	"fmt"

	"coderoom/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

/*
Query patterns:
- EnsureFile:  create-file (insert, ignore if it already exists)
- SaveContent: update-file (upsert on room_id + path)
- GetContent:  fetch-file-content
- List:        fetch-files / file-structure
*/

// FileRepositoryImpl stores room files in Postgres
type FileRepositoryImpl struct {
	db *gorm.DB
}

// NewFileRepository creates a new room file repository
func NewFileRepository(db *gorm.DB) *FileRepositoryImpl {
	return &FileRepositoryImpl{db: db}
}

// EnsureFile creates path in roomID unless it exists. It reports whether a
// row was inserted.
func (r *FileRepositoryImpl) EnsureFile(ctx context.Context, roomID, path, kind string) (bool, error) {
	file := &models.RoomFile{RoomID: roomID, Path: path, Type: kind}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}, {Name: "path"}},
			DoNothing: true,
		}).
		Create(file)
	if result.Error != nil {
		return false, fmt.Errorf("failed to create room file: %w", result.Error)
	}

	return result.RowsAffected > 0, nil
}

// SaveContent replaces the content of path, creating the file if needed
func (r *FileRepositoryImpl) SaveContent(ctx context.Context, roomID, path, content string) error {
	file := &models.RoomFile{RoomID: roomID, Path: path, Type: "file", Content: content}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}, {Name: "path"}},
			DoUpdates: clause.AssignmentColumns([]string{"content", "updated_at"}),
		}).
		Create(file).Error
	if err != nil {
		return fmt.Errorf("failed to save room file: %w", err)
	}

	return nil
}

// GetContent returns the content of path. found is false when the file does
// not exist.
func (r *FileRepositoryImpl) GetContent(ctx context.Context, roomID, path string) (content string, found bool, err error) {
	var file models.RoomFile

	err = r.db.WithContext(ctx).
		Where("room_id = ? AND path = ?", roomID, path).
		First(&file).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get room file: %w", err)
	}

	return file.Content, true, nil
}

// List returns every file of roomID ordered by path
func (r *FileRepositoryImpl) List(ctx context.Context, roomID string) ([]*models.RoomFile, error) {
	var files []*models.RoomFile

	err := r.db.WithContext(ctx).
		Select("id", "room_id", "path", "type", "created_at", "updated_at").
		Where("room_id = ?", roomID).
		Order("path ASC").
		Find(&files).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list room files: %w", err)
	}

	return files, nil
}
