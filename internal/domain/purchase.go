// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PurchaseState は購入レコードの状態を表す。
type PurchaseState string

const (
	// PurchaseStateDraft は支払い前の下書き状態を表す。
	PurchaseStateDraft PurchaseState = "draft"
	// PurchaseStateSubmitted は支払いトランザクション送信済みの状態を表す。
	PurchaseStateSubmitted PurchaseState = "submitted"
	// PurchaseStateFinalized は支払いがファイナリティに達した状態を表す。
	PurchaseStateFinalized PurchaseState = "finalized"
	// PurchaseStateFailed は支払いが失敗した状態を表す。
	PurchaseStateFailed PurchaseState = "failed"
)

// FailureReason は購入が失敗状態に至った理由を表す。
type FailureReason string

const (
	// FailureReasonTimeout はファイナリティ待ちがタイムアウトしたことを表す。
	// 再送なしで監視をやり直せる回復可能な失敗。
	FailureReasonTimeout FailureReason = "timeout"
	// FailureReasonGatewayUnavailable はレジャーへの問い合わせがリトライ上限まで失敗したことを表す。
	FailureReasonGatewayUnavailable FailureReason = "gateway_unavailable"
	// FailureReasonRejected はレジャーがトランザクションを拒否したことを表す。
	FailureReasonRejected FailureReason = "rejected"
)

// PurchaseRecord は1件の販売を表すエンティティ。
type PurchaseRecord struct {
	ID            string
	ProductRef    string
	PriceWei      decimal.Decimal
	Buyer         string
	State         PurchaseState
	TxIdentifier  string
	Credential    string
	FailureReason FailureReason
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewPurchaseRecord はDraft状態の購入レコードを生成する。
func NewPurchaseRecord(productRef string, priceWei decimal.Decimal, buyer string) (*PurchaseRecord, error) {
	if productRef == "" {
		return nil, ErrInvalidProductRef
	}
	if !priceWei.IsPositive() {
		return nil, ErrInvalidPrice
	}
	if buyer == "" {
		return nil, ErrInvalidBuyer
	}
	return &PurchaseRecord{
		ProductRef: productRef,
		PriceWei:   priceWei,
		Buyer:      buyer,
		State:      PurchaseStateDraft,
	}, nil
}

// Submit はDraft→Submittedへ遷移し、トランザクション識別子を記録する。
func (p *PurchaseRecord) Submit(txIdentifier string) error {
	if txIdentifier == "" {
		return ErrInvalidTxIdentifier
	}
	if p.State != PurchaseStateDraft {
		return fmt.Errorf("%w: submit from %s", ErrInvalidTransition, p.State)
	}
	p.State = PurchaseStateSubmitted
	p.TxIdentifier = txIdentifier
	return nil
}

// Finalize はSubmitted→Finalizedへ遷移し、導出済みクレデンシャルを記録する。
func (p *PurchaseRecord) Finalize(credential string) error {
	if p.State != PurchaseStateSubmitted {
		return fmt.Errorf("%w: finalize from %s", ErrInvalidTransition, p.State)
	}
	p.State = PurchaseStateFinalized
	p.Credential = credential
	return nil
}

// Fail はSubmitted→Failedへ遷移する。既にFailedの場合は何もしない。
func (p *PurchaseRecord) Fail(reason FailureReason) error {
	if p.State == PurchaseStateFailed {
		return nil
	}
	if p.State != PurchaseStateSubmitted {
		return fmt.Errorf("%w: fail from %s", ErrInvalidTransition, p.State)
	}
	p.State = PurchaseStateFailed
	p.FailureReason = reason
	return nil
}

// IsTerminal は終端状態（Finalized/Failed）かどうかを返す。
func (p *PurchaseRecord) IsTerminal() bool {
	return p.State == PurchaseStateFinalized || p.State == PurchaseStateFailed
}

// PaymentReceipt はファイナリティに達したトランザクションのレシートを表す。
type PaymentReceipt struct {
	TxIdentifier string
	BlockNumber  uint64
	GasUsed      uint64
}

// TxStatusKind はレジャー上のトランザクション状態の種別を表す。
type TxStatusKind string

const (
	TxStatusPending   TxStatusKind = "pending"
	TxStatusFinalized TxStatusKind = "finalized"
	TxStatusRejected  TxStatusKind = "rejected"
)

// TxStatus はレジャーへの問い合わせ結果を表す。
type TxStatus struct {
	Kind    TxStatusKind
	Receipt *PaymentReceipt // Finalizedの場合のみ設定される
	Reason  string          // Rejectedの場合のみ設定される
}

// FinalOutcome は支払い監視の最終結果の種別を表す。
type FinalOutcome string

const (
	FinalOutcomeFinalized FinalOutcome = "finalized"
	FinalOutcomeFailed    FinalOutcome = "failed"
)

// FinalResult は支払い監視の最終結果を表すタグ付き値。
type FinalResult struct {
	Outcome FinalOutcome
	Receipt *PaymentReceipt // Finalizedの場合のみ設定される
	Reason  FailureReason   // Failedの場合のみ設定される
}

// RedeemReason はクレデンシャル検証が失敗した理由を表す。
type RedeemReason string

const (
	RedeemReasonDecryptionFailed   RedeemReason = "decryption_failed"
	RedeemReasonCredentialMismatch RedeemReason = "credential_mismatch"
)

// RedeemResult はクレデンシャル検証の結果を表すタグ付き値。
type RedeemResult struct {
	Valid      bool
	Credential string       // Validの場合のみ設定される
	Reason     RedeemReason // Invalidの場合のみ設定される
}
