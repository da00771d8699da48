package infra

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"

	"access-credential-service/internal/domain"
)

// purchaseSelector は商品コントラクトのpurchase()関数セレクタ。
var purchaseSelector = methodSelector("purchase()")

func methodSelector(signature string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return h.Sum(nil)[:4]
}

// LedgerClient はEthereum互換ノードへのJSON-RPC接続をラップするレジャーゲートウェイ。
// 接続はステートレスで、並行して問い合わせできる。
type LedgerClient struct {
	client       *rpc.Client
	defaultPayer string
}

// NewLedgerClient は指定されたRPCエンドポイントに接続する。
// defaultPayerは購入者識別子がアドレスでない場合に支払い元として使う。
func NewLedgerClient(ctx context.Context, rawURL string, defaultPayer string) (*LedgerClient, error) {
	client, err := rpc.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dialing ledger RPC: %w", err)
	}
	return &LedgerClient{client: client, defaultPayer: defaultPayer}, nil
}

// SubmitPayment はアンロック済みアカウントから商品コントラクトへ支払いを送信する。
// アカウント・ウォレット管理はノード側の責務。
func (c *LedgerClient) SubmitPayment(ctx context.Context, productRef string, priceWei decimal.Decimal, payer string) (string, error) {
	if !common.IsHexAddress(productRef) {
		return "", fmt.Errorf("%w: product_ref is not a contract address", domain.ErrSubmission)
	}
	if !common.IsHexAddress(payer) {
		payer = c.defaultPayer
	}
	if !common.IsHexAddress(payer) {
		return "", fmt.Errorf("%w: no payer address available", domain.ErrSubmission)
	}

	args := map[string]interface{}{
		"from":  common.HexToAddress(payer),
		"to":    common.HexToAddress(productRef),
		"value": (*hexutil.Big)(priceWei.BigInt()),
		"data":  hexutil.Bytes(purchaseSelector),
	}

	var txHash common.Hash
	if err := c.client.CallContext(ctx, &txHash, "eth_sendTransaction", args); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrSubmission, err)
	}
	return txHash.Hex(), nil
}

// txReceipt はeth_getTransactionReceiptのレスポンスのうち参照するフィールド。
type txReceipt struct {
	Status      hexutil.Uint64 `json:"status"`
	BlockNumber *hexutil.Big   `json:"blockNumber"`
	GasUsed     hexutil.Uint64 `json:"gasUsed"`
}

// TransactionStatus はトランザクションのファイナリティ状態を問い合わせる。
// レシート未発行はPending、status=0はRejectedとして報告する。
func (c *LedgerClient) TransactionStatus(ctx context.Context, txIdentifier string) (*domain.TxStatus, error) {
	var receipt *txReceipt
	err := c.client.CallContext(ctx, &receipt, "eth_getTransactionReceipt", common.HexToHash(txIdentifier))
	if err != nil {
		return nil, fmt.Errorf("querying transaction receipt: %w", err)
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return &domain.TxStatus{Kind: domain.TxStatusPending}, nil
	}
	if receipt.Status == 0 {
		return &domain.TxStatus{
			Kind:   domain.TxStatusRejected,
			Reason: "transaction reverted",
		}, nil
	}
	return &domain.TxStatus{
		Kind: domain.TxStatusFinalized,
		Receipt: &domain.PaymentReceipt{
			TxIdentifier: txIdentifier,
			BlockNumber:  receipt.BlockNumber.ToInt().Uint64(),
			GasUsed:      uint64(receipt.GasUsed),
		},
	}, nil
}

// Close は接続を閉じる。
func (c *LedgerClient) Close() {
	c.client.Close()
}
