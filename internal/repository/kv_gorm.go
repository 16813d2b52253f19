package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fhe-emotion-client/internal/domain"
)

// KVRecordModel はgorm用のモデル定義。
type KVRecordModel struct {
	Key       string    `gorm:"column:record_key;type:varchar(191);primaryKey"`
	Value     []byte    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (KVRecordModel) TableName() string {
	return "kv_records"
}

// GormStore はSQLデータベース上のキー・バリューストア。
// sqlite・MySQL・PostgreSQLのいずれでも同じテーブル定義で動作する。
type GormStore struct {
	db *gorm.DB
}

// NewGormStore は新しいGormStoreを生成する。
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Get は指定キーの値を返す。存在しない場合は domain.ErrNotFound。
func (s *GormStore) Get(ctx context.Context, key string) ([]byte, error) {
	var model KVRecordModel
	err := s.db.WithContext(ctx).
		Where("record_key = ?", key).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		slog.ErrorContext(ctx, "failed to get kv record",
			"operation", "kv_get",
			"key", key,
			"error", err,
		)
		return nil, err
	}
	return model.Value, nil
}

// Set は値を丸ごと置き換える。
func (s *GormStore) Set(ctx context.Context, key string, value []byte) error {
	model := &KVRecordModel{Key: key, Value: value}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "record_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(model).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to set kv record",
			"operation", "kv_set",
			"key", key,
			"error", err,
		)
		return err
	}
	return nil
}

// Remove は指定キーを削除する。存在しなくてもエラーにしない。
func (s *GormStore) Remove(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).
		Where("record_key = ?", key).
		Delete(&KVRecordModel{}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to remove kv record",
			"operation", "kv_remove",
			"key", key,
			"error", err,
		)
		return err
	}
	return nil
}
