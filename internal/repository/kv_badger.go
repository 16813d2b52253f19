package repository

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"fhe-emotion-client/internal/domain"
)

// BadgerStore はBadgerDB上のキー・バリューストア。
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore は新しいBadgerStoreを生成する。DBのクローズは呼び出し元が行う。
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// Get は指定キーの値を返す。存在しない場合は domain.ErrNotFound。
func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	var result []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		result, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, domain.ErrNotFound
		}
		slog.ErrorContext(ctx, "failed to get badger record",
			"operation", "kv_get",
			"key", key,
			"error", err,
		)
		return nil, err
	}
	return result, nil
}

// Set は値を丸ごと置き換える。
func (s *BadgerStore) Set(ctx context.Context, key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to set badger record",
			"operation", "kv_set",
			"key", key,
			"error", err,
		)
		return err
	}
	return nil
}

// Remove は指定キーを削除する。
func (s *BadgerStore) Remove(ctx context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to remove badger record",
			"operation", "kv_remove",
			"key", key,
			"error", err,
		)
		return err
	}
	return nil
}
