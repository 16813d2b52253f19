// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"time"
)

// 監査ログの結果
const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// AuditLog は監査ログの構造体。
type AuditLog struct {
	Operation string `json:"operation"`
	UserID    string `json:"user_id"`
	KeyID     string `json:"key_id,omitempty"`
	Result    string `json:"result"`
	Timestamp string `json:"timestamp"`
}

// WriteAuditLog は監査ログを出力する。暗号文やトークンは記録しない。
func WriteAuditLog(ctx context.Context, entry AuditLog) {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	slog.InfoContext(ctx, "emotion operation completed",
		"operation", entry.Operation,
		"user_id", entry.UserID,
		"key_id", entry.KeyID,
		"result", entry.Result,
		"timestamp", entry.Timestamp,
	)
}
