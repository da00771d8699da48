// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"time"
)

// WriteAuditLog は購入操作の監査ログを出力する。
func WriteAuditLog(ctx context.Context, operation string, purchaseID string, actor string, result string) {
	slog.InfoContext(ctx, "purchase operation completed",
		"operation", operation,
		"purchase_id", purchaseID,
		"actor", actor,
		"result", result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	)
}
