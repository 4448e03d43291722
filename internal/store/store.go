package store

import (
	"context"

	"gorm.io/gorm"
)

type FileStore struct {
	DB *gorm.DB
}

func NewFileStore(db *gorm.DB) *FileStore {
	return &FileStore{DB: db}
}

func (fs *FileStore) Record(ctx context.Context, file *ReceivedFile) error {
	return fs.DB.WithContext(ctx).Create(file).Error
}

// List returns every received file, newest first.
func (fs *FileStore) List(ctx context.Context) ([]ReceivedFile, error) {
	var files []ReceivedFile
	err := fs.DB.WithContext(ctx).Order("received_at desc").Order("id desc").Find(&files).Error
	return files, err
}

func (fs *FileStore) FindByChecksum(ctx context.Context, checksum string) ([]ReceivedFile, error) {
	var files []ReceivedFile
	err := fs.DB.WithContext(ctx).Where("checksum = ?", checksum).Order("id").Find(&files).Error
	return files, err
}
