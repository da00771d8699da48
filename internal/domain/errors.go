package domain

import "errors"

var (
	// ErrKeyGeneration は鍵ペアの生成に失敗した場合のエラー。
	ErrKeyGeneration = errors.New("key generation failed")

	// ErrDecryption は復号に失敗した場合のエラー。
	// パディング検証とキー不一致を区別しない（パディングオラクル対策）。
	ErrDecryption = errors.New("decryption failed")

	// ErrInvalidTransition は許可されていない状態遷移を試みた場合のエラー。
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotReady はFinalized前の購入に対してクレデンシャル発行を試みた場合のエラー。
	ErrNotReady = errors.New("purchase is not finalized")

	// ErrUnauthorized は許可リストに含まれない要求者のエラー。
	ErrUnauthorized = errors.New("requester is not authorized")

	// ErrSubmission は支払いトランザクションの送信に失敗した場合のエラー。
	ErrSubmission = errors.New("payment submission failed")

	// ErrPurchaseNotFound は指定された購入レコードが存在しない場合のエラー。
	ErrPurchaseNotFound = errors.New("purchase not found")

	// ErrInvalidProductRef は商品参照が不正な場合のエラー。
	ErrInvalidProductRef = errors.New("invalid product reference")

	// ErrInvalidPrice は価格が正でない場合のエラー。
	ErrInvalidPrice = errors.New("invalid price")

	// ErrInvalidBuyer は購入者識別子が不正な場合のエラー。
	ErrInvalidBuyer = errors.New("invalid buyer identity")

	// ErrInvalidTxIdentifier はトランザクション識別子が空の場合のエラー。
	ErrInvalidTxIdentifier = errors.New("invalid transaction identifier")

	// ErrInvalidPublicKey は公開鍵の形式が不正な場合のエラー。
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)
