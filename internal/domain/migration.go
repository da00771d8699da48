package domain

import "time"

// MigrationStatus はマイグレーションの適用状態を表す。
type MigrationStatus string

const (
	MigrationStatusPending MigrationStatus = "pending"
	MigrationStatusApplied MigrationStatus = "applied"
)

// Migration はデータベースマイグレーション1件を表す。
type Migration struct {
	Version   string          // バージョン（例: "001"）
	Name      string          // ファイル名から抽出した名前
	AppliedAt *time.Time      // 適用日時（未適用の場合はnil）
	FilePath  string          // SQLファイルのパス
	Status    MigrationStatus // 適用状態
}
