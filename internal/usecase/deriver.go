package usecase

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"access-credential-service/internal/domain"
)

// Deriver はFinalized時にクレデンシャル平文を導出する。
type Deriver interface {
	Derive(rec *domain.PurchaseRecord) (string, error)
}

// TxDeriver はトランザクション識別子をそのままクレデンシャルとする。
// 識別子はレジャー上で観測可能なため、秘匿されるのは暗号化された転送中のみ。
type TxDeriver struct{}

// Derive はレコードのトランザクション識別子を返す。
func (TxDeriver) Derive(rec *domain.PurchaseRecord) (string, error) {
	return rec.TxIdentifier, nil
}

// RandomDeriver はレコードスコープの新しい秘密値を生成する。
// レジャー上で観測可能な値に依存せず、トランザクション識別子は支払い証明に専念する。
type RandomDeriver struct{}

// Derive は32バイトの乱数を16進文字列で返す。
func (RandomDeriver) Derive(rec *domain.PurchaseRecord) (string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("generating credential secret: %w", err)
	}
	return hex.EncodeToString(secret), nil
}

// NewDeriver はCREDENTIAL_MODE設定に対応するDeriverを返す。
func NewDeriver(mode string) Deriver {
	if mode == "random" {
		return RandomDeriver{}
	}
	return TxDeriver{}
}
