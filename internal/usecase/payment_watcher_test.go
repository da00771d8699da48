package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"access-credential-service/internal/domain"
)

func TestPaymentWatcher_Observe_Timeout(t *testing.T) {
	repo := &mockPurchaseRepository{markTerminalOK: true}
	gateway := &mockLedgerGateway{
		statusFn: func(ctx context.Context, txIdentifier string) (*domain.TxStatus, error) {
			return &domain.TxStatus{Kind: domain.TxStatusPending}, nil
		},
	}
	watcher := NewPaymentWatcher(repo, gateway, TxDeriver{}, WatcherConfig{
		PollInterval: time.Millisecond,
		MaxWait:      5 * time.Millisecond,
		MaxRetries:   2,
	})

	rec := submittedRecord("0xabc")
	result, err := watcher.Observe(context.Background(), rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != domain.FinalOutcomeFailed {
		t.Fatalf("want failed, got %s", result.Outcome)
	}
	if result.Reason != domain.FailureReasonTimeout {
		t.Errorf("want timeout, got %s", result.Reason)
	}
	if rec.State != domain.PurchaseStateFailed {
		t.Errorf("want failed record, got %s", rec.State)
	}
	if rec.TxIdentifier != "0xabc" {
		t.Errorf("tx identifier must survive the timeout, got %s", rec.TxIdentifier)
	}
	if repo.terminalCalls != 1 {
		t.Errorf("want 1 terminal commit, got %d", repo.terminalCalls)
	}
}

func TestPaymentWatcher_Observe_GatewayUnavailable(t *testing.T) {
	repo := &mockPurchaseRepository{markTerminalOK: true}
	gateway := &mockLedgerGateway{
		statusFn: func(ctx context.Context, txIdentifier string) (*domain.TxStatus, error) {
			return nil, errors.New("connection refused")
		},
	}
	watcher := NewPaymentWatcher(repo, gateway, TxDeriver{}, WatcherConfig{
		PollInterval: time.Millisecond,
		MaxWait:      time.Second,
		MaxRetries:   2,
	})

	rec := submittedRecord("0xabc")
	result, err := watcher.Observe(context.Background(), rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reason != domain.FailureReasonGatewayUnavailable {
		t.Errorf("want gateway_unavailable, got %s", result.Reason)
	}
	if gateway.statusCalls != 3 {
		t.Errorf("want 3 status calls (initial + 2 retries), got %d", gateway.statusCalls)
	}
}

func TestPaymentWatcher_Backoff(t *testing.T) {
	watcher := NewPaymentWatcher(&mockPurchaseRepository{}, &mockLedgerGateway{}, TxDeriver{}, WatcherConfig{
		PollInterval: time.Millisecond,
		MaxWait:      time.Second,
		MaxRetries:   100,
	})

	tests := []struct {
		retries int
		want    time.Duration
	}{
		{1, time.Millisecond},
		{2, 2 * time.Millisecond},
		{4, 8 * time.Millisecond},
		{11, 1024 * time.Millisecond},
		// シフト量は上限で頭打ちになり、リトライ上限が大きくてもオーバーフローしない
		{65, 1024 * time.Millisecond},
		{100, 1024 * time.Millisecond},
	}
	for _, tt := range tests {
		got := watcher.backoff(tt.retries)
		if got != tt.want {
			t.Errorf("backoff(%d): want %v, got %v", tt.retries, tt.want, got)
		}
		if got <= 0 {
			t.Errorf("backoff(%d) must be positive, got %v", tt.retries, got)
		}
	}
}

func TestPaymentWatcher_Observe_Rejected(t *testing.T) {
	repo := &mockPurchaseRepository{markTerminalOK: true}
	gateway := &mockLedgerGateway{
		statusFn: func(ctx context.Context, txIdentifier string) (*domain.TxStatus, error) {
			return &domain.TxStatus{Kind: domain.TxStatusRejected, Reason: "transaction reverted"}, nil
		},
	}
	watcher := NewPaymentWatcher(repo, gateway, TxDeriver{}, testWatcherConfig())

	rec := submittedRecord("0xabc")
	result, err := watcher.Observe(context.Background(), rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reason != domain.FailureReasonRejected {
		t.Errorf("want rejected, got %s", result.Reason)
	}
	if rec.Credential != "" {
		t.Errorf("rejected purchase must not carry a credential, got %s", rec.Credential)
	}
}

func TestPaymentWatcher_Observe_FinalizedAfterPending(t *testing.T) {
	repo := &mockPurchaseRepository{markTerminalOK: true}
	gateway := &mockLedgerGateway{}
	gateway.statusFn = func(ctx context.Context, txIdentifier string) (*domain.TxStatus, error) {
		if gateway.statusCalls < 3 {
			return &domain.TxStatus{Kind: domain.TxStatusPending}, nil
		}
		return &domain.TxStatus{
			Kind:    domain.TxStatusFinalized,
			Receipt: &domain.PaymentReceipt{TxIdentifier: txIdentifier, BlockNumber: 42, GasUsed: 21000},
		}, nil
	}
	watcher := NewPaymentWatcher(repo, gateway, TxDeriver{}, testWatcherConfig())

	rec := submittedRecord("0xabc")
	result, err := watcher.Observe(context.Background(), rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != domain.FinalOutcomeFinalized {
		t.Fatalf("want finalized, got %s", result.Outcome)
	}
	if rec.Credential != "0xabc" {
		t.Errorf("want credential 0xabc, got %s", rec.Credential)
	}
	if result.Receipt == nil || result.Receipt.BlockNumber != 42 {
		t.Errorf("want receipt with block 42, got %+v", result.Receipt)
	}
}

func TestPaymentWatcher_Observe_Cancellation(t *testing.T) {
	repo := &mockPurchaseRepository{markTerminalOK: true}
	gateway := &mockLedgerGateway{
		statusFn: func(ctx context.Context, txIdentifier string) (*domain.TxStatus, error) {
			return &domain.TxStatus{Kind: domain.TxStatusPending}, nil
		},
	}
	watcher := NewPaymentWatcher(repo, gateway, TxDeriver{}, WatcherConfig{
		PollInterval: 10 * time.Millisecond,
		MaxWait:      time.Minute,
		MaxRetries:   2,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	rec := submittedRecord("0xabc")
	_, err := watcher.Observe(ctx, rec)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	// キャンセルは終端遷移ではない。監視をやり直せるようSubmittedのまま残す。
	if rec.State != domain.PurchaseStateSubmitted {
		t.Errorf("want submitted record after cancellation, got %s", rec.State)
	}
	if repo.terminalCalls != 0 {
		t.Errorf("cancellation must not commit a terminal state, got %d commits", repo.terminalCalls)
	}
}

func TestPaymentWatcher_Observe_AlreadyTerminal(t *testing.T) {
	repo := &mockPurchaseRepository{}
	gateway := &mockLedgerGateway{}
	watcher := NewPaymentWatcher(repo, gateway, TxDeriver{}, testWatcherConfig())

	rec := submittedRecord("0xabc")
	rec.State = domain.PurchaseStateFailed
	rec.FailureReason = domain.FailureReasonTimeout

	result, err := watcher.Observe(context.Background(), rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reason != domain.FailureReasonTimeout {
		t.Errorf("want timeout, got %s", result.Reason)
	}
	if gateway.statusCalls != 0 {
		t.Errorf("terminal record must not be polled, got %d calls", gateway.statusCalls)
	}
}

func TestPaymentWatcher_Observe_FromDraft(t *testing.T) {
	watcher := NewPaymentWatcher(&mockPurchaseRepository{}, &mockLedgerGateway{}, TxDeriver{}, testWatcherConfig())

	rec := submittedRecord("")
	rec.State = domain.PurchaseStateDraft
	rec.TxIdentifier = ""

	_, err := watcher.Observe(context.Background(), rec)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("want ErrInvalidTransition, got %v", err)
	}
}

func TestPaymentWatcher_Observe_ConcurrentCommitAgreement(t *testing.T) {
	// 条件付き更新が失敗した場合、先にコミットされた終端状態を読み直して合意する。
	committed := submittedRecord("0xabc")
	committed.State = domain.PurchaseStateFailed
	committed.FailureReason = domain.FailureReasonRejected

	repo := &mockPurchaseRepository{
		markTerminalOK: false,
		findResult:     committed,
	}
	gateway := &mockLedgerGateway{
		statusFn: func(ctx context.Context, txIdentifier string) (*domain.TxStatus, error) {
			return &domain.TxStatus{
				Kind:    domain.TxStatusFinalized,
				Receipt: &domain.PaymentReceipt{TxIdentifier: txIdentifier, BlockNumber: 42},
			}, nil
		},
	}
	watcher := NewPaymentWatcher(repo, gateway, TxDeriver{}, testWatcherConfig())

	rec := submittedRecord("0xabc")
	result, err := watcher.Observe(context.Background(), rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != domain.FinalOutcomeFailed {
		t.Fatalf("want the committed outcome failed, got %s", result.Outcome)
	}
	if result.Reason != domain.FailureReasonRejected {
		t.Errorf("want rejected, got %s", result.Reason)
	}
	if rec.State != domain.PurchaseStateFailed {
		t.Errorf("record must reflect the committed state, got %s", rec.State)
	}
}
