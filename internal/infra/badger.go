package infra

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// NewBadger はBadgerDBを開く。path が空の場合はインメモリで開く。
func NewBadger(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithCompression(options.ZSTD).
		WithSyncWrites(true).
		WithLogger(slogBadgerLogger{})
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %q: %w", path, err)
	}
	return db, nil
}

// slogBadgerLogger はBadgerのログを警告以上だけslogに流す。
type slogBadgerLogger struct{}

func (slogBadgerLogger) Errorf(format string, args ...any) {
	slog.ErrorContext(context.Background(), "badger: "+fmt.Sprintf(format, args...))
}

func (slogBadgerLogger) Warningf(format string, args ...any) {
	slog.WarnContext(context.Background(), "badger: "+fmt.Sprintf(format, args...))
}

func (slogBadgerLogger) Infof(string, ...any) {}

func (slogBadgerLogger) Debugf(string, ...any) {}
