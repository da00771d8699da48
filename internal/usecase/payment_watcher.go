package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"access-credential-service/internal/domain"
)

// WatcherConfig は支払い監視のポーリング設定。
type WatcherConfig struct {
	PollInterval time.Duration
	MaxWait      time.Duration
	MaxRetries   int
}

// PaymentWatcher はレジャーの非同期なファイナリティを購入レコードの状態機械へ橋渡しする。
type PaymentWatcher struct {
	repo    PurchaseRepository
	gateway LedgerGateway
	deriver Deriver
	locks   *recordLocks
	cfg     WatcherConfig
}

// NewPaymentWatcher は新しいPaymentWatcherを生成する。
func NewPaymentWatcher(repo PurchaseRepository, gateway LedgerGateway, deriver Deriver, cfg WatcherConfig) *PaymentWatcher {
	return &PaymentWatcher{
		repo:    repo,
		gateway: gateway,
		deriver: deriver,
		locks:   newRecordLocks(),
		cfg:     cfg,
	}
}

// Observe はトランザクションのファイナリティをポーリングし、終端遷移を1回だけコミットする。
// MaxWaitを超えた場合はFailed(timeout)、レジャー問い合わせがリトライ上限まで失敗した
// 場合はFailed(gateway_unavailable)へ遷移する。キャンセル時はレコードをSubmittedの
// まま残してctx.Err()を返すため、同じtx_identifierで監視をやり直せる。
func (w *PaymentWatcher) Observe(ctx context.Context, rec *domain.PurchaseRecord) (*domain.FinalResult, error) {
	if rec.IsTerminal() {
		return outcomeOf(rec), nil
	}
	if rec.State != domain.PurchaseStateSubmitted {
		return nil, fmt.Errorf("%w: observe from %s", domain.ErrInvalidTransition, rec.State)
	}

	deadline := time.Now().Add(w.cfg.MaxWait)
	retries := 0

	for {
		status, err := w.gateway.TransactionStatus(ctx, rec.TxIdentifier)
		if err != nil {
			retries++
			if retries > w.cfg.MaxRetries {
				slog.WarnContext(ctx, "ledger gateway retries exhausted",
					"purchase_id", rec.ID,
					"tx_identifier", rec.TxIdentifier,
					"error", err,
				)
				return w.commitFailure(ctx, rec, domain.FailureReasonGatewayUnavailable)
			}
			if err := w.wait(ctx, w.backoff(retries)); err != nil {
				return nil, err
			}
			continue
		}
		retries = 0

		switch status.Kind {
		case domain.TxStatusFinalized:
			return w.commitFinalized(ctx, rec, status.Receipt)
		case domain.TxStatusRejected:
			slog.InfoContext(ctx, "payment rejected by ledger",
				"purchase_id", rec.ID,
				"tx_identifier", rec.TxIdentifier,
				"reason", status.Reason,
			)
			return w.commitFailure(ctx, rec, domain.FailureReasonRejected)
		}

		if !time.Now().Before(deadline) {
			return w.commitFailure(ctx, rec, domain.FailureReasonTimeout)
		}
		if err := w.wait(ctx, w.cfg.PollInterval); err != nil {
			return nil, err
		}
	}
}

// バックオフのシフト量上限。PollIntervalの1024倍で頭打ち。
const maxBackoffShift = 10

// backoff はリトライ回数に応じた指数バックオフの待ち時間を返す。
func (w *PaymentWatcher) backoff(retries int) time.Duration {
	shift := retries - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return time.Duration(1<<shift) * w.cfg.PollInterval
}

// wait はキャンセル可能にintervalだけ待つ。
func (w *PaymentWatcher) wait(ctx context.Context, interval time.Duration) error {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// commitFinalized はクレデンシャルを導出しSubmitted→Finalizedをコミットする。
func (w *PaymentWatcher) commitFinalized(ctx context.Context, rec *domain.PurchaseRecord, receipt *domain.PaymentReceipt) (*domain.FinalResult, error) {
	lock := w.locks.acquire(rec.ID)
	defer w.locks.release(rec.ID, lock)

	if rec.IsTerminal() {
		return outcomeOf(rec), nil
	}

	credential, err := w.deriver.Derive(rec)
	if err != nil {
		return nil, err
	}
	if err := rec.Finalize(credential); err != nil {
		return nil, err
	}

	committed, err := w.repo.MarkTerminal(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("persisting finalized state: %w", err)
	}
	if !committed {
		return w.reloadOutcome(ctx, rec)
	}
	return &domain.FinalResult{
		Outcome: domain.FinalOutcomeFinalized,
		Receipt: receipt,
	}, nil
}

// commitFailure はSubmitted→Failedをコミットする。
func (w *PaymentWatcher) commitFailure(ctx context.Context, rec *domain.PurchaseRecord, reason domain.FailureReason) (*domain.FinalResult, error) {
	lock := w.locks.acquire(rec.ID)
	defer w.locks.release(rec.ID, lock)

	if rec.IsTerminal() {
		return outcomeOf(rec), nil
	}

	if err := rec.Fail(reason); err != nil {
		return nil, err
	}

	committed, err := w.repo.MarkTerminal(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("persisting failed state: %w", err)
	}
	if !committed {
		return w.reloadOutcome(ctx, rec)
	}
	return &domain.FinalResult{
		Outcome: domain.FinalOutcomeFailed,
		Reason:  reason,
	}, nil
}

// reloadOutcome は別の監視者が先にコミットした終端状態を読み直して返す。
// 同じレコードを監視する複数の呼び出しは同じ結果で合意する。
func (w *PaymentWatcher) reloadOutcome(ctx context.Context, rec *domain.PurchaseRecord) (*domain.FinalResult, error) {
	current, err := w.repo.FindByID(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("reloading purchase: %w", err)
	}
	if current == nil {
		return nil, domain.ErrPurchaseNotFound
	}
	if !current.IsTerminal() {
		return nil, fmt.Errorf("%w: terminal transition not committed", domain.ErrInvalidTransition)
	}
	*rec = *current
	return outcomeOf(rec), nil
}

// outcomeOf は終端状態のレコードに対応するFinalResultを返す。
func outcomeOf(rec *domain.PurchaseRecord) *domain.FinalResult {
	if rec.State == domain.PurchaseStateFinalized {
		return &domain.FinalResult{Outcome: domain.FinalOutcomeFinalized}
	}
	return &domain.FinalResult{
		Outcome: domain.FinalOutcomeFailed,
		Reason:  rec.FailureReason,
	}
}
