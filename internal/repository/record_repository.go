package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fhe-emotion-client/internal/domain"
)

// UserModel はgorm用のモデル定義。
type UserModel struct {
	UserID       string    `gorm:"type:varchar(64);primaryKey"`
	Email        string    `gorm:"type:varchar(255)"`
	PasswordHash []byte    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime"`
}

// TableName はテーブル名を返す。
func (UserModel) TableName() string {
	return "users"
}

func (m *UserModel) toDomain() *domain.User {
	return &domain.User{
		UserID:       m.UserID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
	}
}

// RegisteredKeyModel はgorm用のモデル定義。公開鍵素材のみを保持する。
type RegisteredKeyModel struct {
	KeyID     string    `gorm:"type:varchar(128);primaryKey"`
	UserID    string    `gorm:"type:varchar(64);not null;index:idx_registered_keys_user_id"`
	Scheme    string    `gorm:"type:varchar(16);not null"`
	PublicKey string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

// TableName はテーブル名を返す。
func (RegisteredKeyModel) TableName() string {
	return "registered_keys"
}

func (m *RegisteredKeyModel) toDomain() *domain.RegisteredKey {
	return &domain.RegisteredKey{
		KeyID:     m.KeyID,
		UserID:    m.UserID,
		Scheme:    domain.Scheme(m.Scheme),
		PublicKey: m.PublicKey,
		CreatedAt: m.CreatedAt,
	}
}

// EmotionRecordModel はgorm用のモデル定義。ユーザー・日付ごとに1件。
type EmotionRecordModel struct {
	ID         string    `gorm:"type:char(36);primaryKey"`
	UserID     string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_user_date"`
	Date       string    `gorm:"type:varchar(10);not null;uniqueIndex:uk_user_date"`
	KeyID      string    `gorm:"type:varchar(128);not null"`
	Scheme     string    `gorm:"type:varchar(16);not null"`
	Ciphertext string    `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (EmotionRecordModel) TableName() string {
	return "emotion_records"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (e *EmotionRecordModel) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

func (e *EmotionRecordModel) toDomain() *domain.EmotionRecord {
	return &domain.EmotionRecord{
		ID:         e.ID,
		UserID:     e.UserID,
		Date:       e.Date,
		KeyID:      e.KeyID,
		Scheme:     domain.Scheme(e.Scheme),
		Ciphertext: e.Ciphertext,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	}
}

// UserRepository はモックサーバーの利用者を管理する。
type UserRepository struct {
	db *gorm.DB
}

// NewUserRepository は新しいUserRepositoryを生成する。
func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// ExistsByUserID は指定されたユーザーが登録済みか確認する。
func (r *UserRepository) ExistsByUserID(ctx context.Context, userID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&UserModel{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count users by user_id",
			"operation", "exists_by_user_id",
			"user_id", userID,
			"error", err,
		)
		return false, err
	}
	return count > 0, nil
}

// Create は新しい利用者を保存する。
func (r *UserRepository) Create(ctx context.Context, user *domain.User) error {
	model := &UserModel{
		UserID:       user.UserID,
		Email:        user.Email,
		PasswordHash: user.PasswordHash,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create user",
			"operation", "create_user",
			"user_id", user.UserID,
			"error", err,
		)
		return err
	}
	user.CreatedAt = model.CreatedAt
	return nil
}

// FindByUserID は利用者を取得する。存在しない場合は nil, nil。
func (r *UserRepository) FindByUserID(ctx context.Context, userID string) (*domain.User, error) {
	var model UserModel
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find user",
			"operation", "find_by_user_id",
			"user_id", userID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// KeyRegistryRepository はクライアントが登録した公開鍵素材を管理する。
type KeyRegistryRepository struct {
	db *gorm.DB
}

// NewKeyRegistryRepository は新しいKeyRegistryRepositoryを生成する。
func NewKeyRegistryRepository(db *gorm.DB) *KeyRegistryRepository {
	return &KeyRegistryRepository{db: db}
}

// Save は公開鍵素材を保存する。同じ利用者の同じ鍵IDは上書きし、
// 別の利用者が登録済みの鍵IDなら domain.ErrKeyOwnedByOtherUser を返す。
func (r *KeyRegistryRepository) Save(ctx context.Context, key *domain.RegisteredKey) error {
	model := &RegisteredKeyModel{
		KeyID:     key.KeyID,
		UserID:    key.UserID,
		Scheme:    string(key.Scheme),
		PublicKey: key.PublicKey,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing RegisteredKeyModel
		err := tx.Where("key_id = ?", key.KeyID).First(&existing).Error
		switch {
		case err == nil && existing.UserID != key.UserID:
			return domain.ErrKeyOwnedByOtherUser
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"scheme", "public_key"}),
		}).Create(model).Error
	})
	if errors.Is(err, domain.ErrKeyOwnedByOtherUser) {
		return err
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to save registered key",
			"operation", "save_registered_key",
			"key_id", key.KeyID,
			"user_id", key.UserID,
			"error", err,
		)
		return err
	}
	key.CreatedAt = model.CreatedAt
	return nil
}

// FindByKeyID は登録済みの鍵を取得する。存在しない場合は nil, nil。
func (r *KeyRegistryRepository) FindByKeyID(ctx context.Context, keyID string) (*domain.RegisteredKey, error) {
	var model RegisteredKeyModel
	err := r.db.WithContext(ctx).
		Where("key_id = ?", keyID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find registered key",
			"operation", "find_by_key_id",
			"key_id", keyID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// EmotionRecordRepository は暗号化された日次予測を管理する。
type EmotionRecordRepository struct {
	db *gorm.DB
}

// NewEmotionRecordRepository は新しいEmotionRecordRepositoryを生成する。
func NewEmotionRecordRepository(db *gorm.DB) *EmotionRecordRepository {
	return &EmotionRecordRepository{db: db}
}

// Upsert はユーザー・日付の予測を保存する。同じ日の再解析は上書きする。
func (r *EmotionRecordRepository) Upsert(ctx context.Context, record *domain.EmotionRecord) error {
	model := &EmotionRecordModel{
		ID:         record.ID,
		UserID:     record.UserID,
		Date:       record.Date,
		KeyID:      record.KeyID,
		Scheme:     string(record.Scheme),
		Ciphertext: record.Ciphertext,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "date"}},
			DoUpdates: clause.AssignmentColumns([]string{"key_id", "scheme", "ciphertext", "updated_at"}),
		}).
		Create(model).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to upsert emotion record",
			"operation", "upsert_emotion_record",
			"user_id", record.UserID,
			"date", record.Date,
			"error", err,
		)
		return err
	}
	record.ID = model.ID
	record.UpdatedAt = model.UpdatedAt
	return nil
}

// FindSinceByUserID は startDate（YYYY-MM-DD）以降の予測を新しい日付順に取得する。
func (r *EmotionRecordRepository) FindSinceByUserID(ctx context.Context, userID, startDate string) ([]*domain.EmotionRecord, error) {
	var models []EmotionRecordModel
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND date >= ?", userID, startDate).
		Order("date DESC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find emotion records",
			"operation", "find_since_by_user_id",
			"user_id", userID,
			"start_date", startDate,
			"error", err,
		)
		return nil, err
	}

	records := make([]*domain.EmotionRecord, len(models))
	for i := range models {
		records[i] = models[i].toDomain()
	}
	return records, nil
}

// MigrateClient はクライアント側のキー・バリューテーブルを作成する。
func MigrateClient(db *gorm.DB) error {
	return db.AutoMigrate(&KVRecordModel{})
}

// MigrateServer はモックサーバーのテーブルを作成する。
func MigrateServer(db *gorm.DB) error {
	return db.AutoMigrate(&UserModel{}, &RegisteredKeyModel{}, &EmotionRecordModel{})
}
