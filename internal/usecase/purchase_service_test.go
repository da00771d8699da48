package usecase

import (
	"context"
	"crypto/rsa"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"access-credential-service/internal/domain"
	"access-credential-service/internal/infra"
)

// mockPurchaseRepository はテスト用のモックリポジトリ。
type mockPurchaseRepository struct {
	createErr        error
	findResult       *domain.PurchaseRecord
	findErr          error
	markSubmittedOK  bool
	markSubmittedErr error
	markTerminalOK   bool
	markTerminalErr  error
	terminalCalls    int
}

func (m *mockPurchaseRepository) Create(ctx context.Context, rec *domain.PurchaseRecord) error {
	if m.createErr != nil {
		return m.createErr
	}
	rec.ID = "11111111-1111-1111-1111-111111111111"
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *mockPurchaseRepository) FindByID(ctx context.Context, id string) (*domain.PurchaseRecord, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	if m.findResult == nil {
		return nil, nil
	}
	rec := *m.findResult
	return &rec, nil
}

func (m *mockPurchaseRepository) MarkSubmitted(ctx context.Context, rec *domain.PurchaseRecord) (bool, error) {
	if m.markSubmittedErr != nil {
		return false, m.markSubmittedErr
	}
	return m.markSubmittedOK, nil
}

func (m *mockPurchaseRepository) MarkTerminal(ctx context.Context, rec *domain.PurchaseRecord) (bool, error) {
	m.terminalCalls++
	if m.markTerminalErr != nil {
		return false, m.markTerminalErr
	}
	return m.markTerminalOK, nil
}

// mockLedgerGateway はテスト用のモックレジャーゲートウェイ。
type mockLedgerGateway struct {
	submitResult string
	submitErr    error
	statusFn     func(ctx context.Context, txIdentifier string) (*domain.TxStatus, error)
	statusCalls  int
}

func (m *mockLedgerGateway) SubmitPayment(ctx context.Context, productRef string, priceWei decimal.Decimal, payer string) (string, error) {
	if m.submitErr != nil {
		return "", m.submitErr
	}
	return m.submitResult, nil
}

func (m *mockLedgerGateway) TransactionStatus(ctx context.Context, txIdentifier string) (*domain.TxStatus, error) {
	m.statusCalls++
	if m.statusFn == nil {
		return &domain.TxStatus{Kind: domain.TxStatusPending}, nil
	}
	return m.statusFn(ctx, txIdentifier)
}

// mockVault はテスト用のモックボールト。
type mockVault struct {
	decryptResult []byte
	decryptErr    error
}

func (m *mockVault) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if m.decryptErr != nil {
		return nil, m.decryptErr
	}
	return m.decryptResult, nil
}

func testWatcherConfig() WatcherConfig {
	return WatcherConfig{
		PollInterval: time.Millisecond,
		MaxWait:      50 * time.Millisecond,
		MaxRetries:   2,
	}
}

func newTestPurchaseService(repo *mockPurchaseRepository, gateway *mockLedgerGateway) *PurchaseService {
	watcher := NewPaymentWatcher(repo, gateway, TxDeriver{}, testWatcherConfig())
	return NewPurchaseService(repo, gateway, watcher)
}

func submittedRecord(txIdentifier string) *domain.PurchaseRecord {
	return &domain.PurchaseRecord{
		ID:           "11111111-1111-1111-1111-111111111111",
		ProductRef:   "0x1111111111111111111111111111111111111111",
		PriceWei:     decimal.NewFromInt(100),
		Buyer:        "alice",
		State:        domain.PurchaseStateSubmitted,
		TxIdentifier: txIdentifier,
	}
}

func TestPurchaseService_CreatePurchase_Success(t *testing.T) {
	repo := &mockPurchaseRepository{}
	svc := newTestPurchaseService(repo, &mockLedgerGateway{})

	rec, err := svc.CreatePurchase(context.Background(), "0x1111111111111111111111111111111111111111", decimal.NewFromInt(100), "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.State != domain.PurchaseStateDraft {
		t.Errorf("want draft, got %s", rec.State)
	}
	if rec.ID == "" {
		t.Error("ID must be assigned on create")
	}
}

func TestPurchaseService_CreatePurchase_InvalidPrice(t *testing.T) {
	repo := &mockPurchaseRepository{}
	svc := newTestPurchaseService(repo, &mockLedgerGateway{})

	_, err := svc.CreatePurchase(context.Background(), "0x1111111111111111111111111111111111111111", decimal.Zero, "alice")
	if !errors.Is(err, domain.ErrInvalidPrice) {
		t.Errorf("want ErrInvalidPrice, got %v", err)
	}
}

func TestPurchaseService_GetPurchase_NotFound(t *testing.T) {
	repo := &mockPurchaseRepository{}
	svc := newTestPurchaseService(repo, &mockLedgerGateway{})

	_, err := svc.GetPurchase(context.Background(), "missing-id")
	if !errors.Is(err, domain.ErrPurchaseNotFound) {
		t.Errorf("want ErrPurchaseNotFound, got %v", err)
	}
}

func TestPurchaseService_Checkout_Finalized(t *testing.T) {
	draft := submittedRecord("")
	draft.State = domain.PurchaseStateDraft
	draft.TxIdentifier = ""
	repo := &mockPurchaseRepository{
		findResult:      draft,
		markSubmittedOK: true,
		markTerminalOK:  true,
	}
	gateway := &mockLedgerGateway{
		submitResult: "0xabc",
		statusFn: func(ctx context.Context, txIdentifier string) (*domain.TxStatus, error) {
			return &domain.TxStatus{
				Kind:    domain.TxStatusFinalized,
				Receipt: &domain.PaymentReceipt{TxIdentifier: txIdentifier, BlockNumber: 42},
			}, nil
		},
	}
	svc := newTestPurchaseService(repo, gateway)

	rec, result, err := svc.Checkout(context.Background(), draft.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != domain.FinalOutcomeFinalized {
		t.Fatalf("want finalized, got %s", result.Outcome)
	}
	if rec.State != domain.PurchaseStateFinalized {
		t.Errorf("want finalized record, got %s", rec.State)
	}
	if rec.Credential != "0xabc" {
		t.Errorf("want credential 0xabc, got %s", rec.Credential)
	}
	if result.Receipt == nil || result.Receipt.BlockNumber != 42 {
		t.Errorf("want receipt with block 42, got %+v", result.Receipt)
	}
}

func TestPurchaseService_Checkout_AlreadySubmitted(t *testing.T) {
	repo := &mockPurchaseRepository{findResult: submittedRecord("0xabc")}
	svc := newTestPurchaseService(repo, &mockLedgerGateway{})

	_, _, err := svc.Checkout(context.Background(), "11111111-1111-1111-1111-111111111111")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("want ErrInvalidTransition, got %v", err)
	}
}

func TestPurchaseService_Checkout_SubmissionFailed(t *testing.T) {
	draft := submittedRecord("")
	draft.State = domain.PurchaseStateDraft
	draft.TxIdentifier = ""
	repo := &mockPurchaseRepository{findResult: draft}
	gateway := &mockLedgerGateway{submitErr: domain.ErrSubmission}
	svc := newTestPurchaseService(repo, gateway)

	_, _, err := svc.Checkout(context.Background(), draft.ID)
	if !errors.Is(err, domain.ErrSubmission) {
		t.Errorf("want ErrSubmission, got %v", err)
	}
}

func TestPurchaseService_Resume_Finalizes(t *testing.T) {
	repo := &mockPurchaseRepository{
		findResult:     submittedRecord("0xabc"),
		markTerminalOK: true,
	}
	gateway := &mockLedgerGateway{
		statusFn: func(ctx context.Context, txIdentifier string) (*domain.TxStatus, error) {
			return &domain.TxStatus{
				Kind:    domain.TxStatusFinalized,
				Receipt: &domain.PaymentReceipt{TxIdentifier: txIdentifier, BlockNumber: 7},
			}, nil
		},
	}
	svc := newTestPurchaseService(repo, gateway)

	rec, result, err := svc.Resume(context.Background(), "11111111-1111-1111-1111-111111111111")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != domain.FinalOutcomeFinalized {
		t.Errorf("want finalized, got %s", result.Outcome)
	}
	if rec.Credential != "0xabc" {
		t.Errorf("want credential 0xabc, got %s", rec.Credential)
	}
}

func TestCredentialService_Issue_Success(t *testing.T) {
	finalized := submittedRecord("0xabc")
	finalized.State = domain.PurchaseStateFinalized
	finalized.Credential = "0xabc"
	repo := &mockPurchaseRepository{findResult: finalized}
	auth := domain.NewAuthorizationList([]string{"alice"})

	vault, err := infra.NewKeyVault()
	if err != nil {
		t.Fatalf("NewKeyVault failed: %v", err)
	}
	svc := NewCredentialService(repo, auth, infra.OAEPEncrypter{})

	ciphertext, err := svc.Issue(context.Background(), finalized.ID, "alice", vault.PublicKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	plain, err := vault.Decrypt(context.Background(), ciphertext)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if string(plain) != "0xabc" {
		t.Errorf("want 0xabc, got %s", plain)
	}
}

func TestCredentialService_Issue_Unauthorized(t *testing.T) {
	// 認可検査はレコード取得より先に行われるため、レコードが存在しなくても
	// 未認可の呼び出し元にはErrUnauthorizedのみを返す。
	repo := &mockPurchaseRepository{}
	auth := domain.NewAuthorizationList([]string{"alice"})
	svc := NewCredentialService(repo, auth, infra.OAEPEncrypter{})

	_, err := svc.Issue(context.Background(), "any-id", "mallory", &rsa.PublicKey{})
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("want ErrUnauthorized, got %v", err)
	}
}

func TestCredentialService_Issue_NotFound(t *testing.T) {
	repo := &mockPurchaseRepository{}
	auth := domain.NewAuthorizationList([]string{"alice"})
	svc := NewCredentialService(repo, auth, infra.OAEPEncrypter{})

	_, err := svc.Issue(context.Background(), "missing-id", "alice", &rsa.PublicKey{})
	if !errors.Is(err, domain.ErrPurchaseNotFound) {
		t.Errorf("want ErrPurchaseNotFound, got %v", err)
	}
}

func TestCredentialService_Issue_NotReady(t *testing.T) {
	repo := &mockPurchaseRepository{findResult: submittedRecord("0xabc")}
	auth := domain.NewAuthorizationList([]string{"alice"})
	svc := NewCredentialService(repo, auth, infra.OAEPEncrypter{})

	_, err := svc.Issue(context.Background(), "11111111-1111-1111-1111-111111111111", "alice", &rsa.PublicKey{})
	if !errors.Is(err, domain.ErrNotReady) {
		t.Errorf("want ErrNotReady, got %v", err)
	}
}

func TestRedeem_Valid(t *testing.T) {
	rec := submittedRecord("0xabc")
	rec.State = domain.PurchaseStateFinalized
	rec.Credential = "0xabc"

	vault, err := infra.NewKeyVault()
	if err != nil {
		t.Fatalf("NewKeyVault failed: %v", err)
	}
	ciphertext, err := infra.OAEPEncrypter{}.Encrypt(vault.PublicKey(), []byte(rec.Credential))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	result := Redeem(context.Background(), ciphertext, vault, rec)
	if !result.Valid {
		t.Fatalf("want valid, got reason %s", result.Reason)
	}
	if result.Credential != "0xabc" {
		t.Errorf("want credential 0xabc, got %s", result.Credential)
	}
}

func TestRedeem_CredentialMismatch(t *testing.T) {
	rec := submittedRecord("0xdef")
	rec.State = domain.PurchaseStateFinalized
	rec.Credential = "0xdef"

	vault := &mockVault{decryptResult: []byte("0xabc")}
	result := Redeem(context.Background(), []byte("ciphertext"), vault, rec)
	if result.Valid {
		t.Fatal("want invalid")
	}
	if result.Reason != domain.RedeemReasonCredentialMismatch {
		t.Errorf("want credential_mismatch, got %s", result.Reason)
	}
	if result.Credential != "" {
		t.Errorf("invalid result must not leak plaintext, got %q", result.Credential)
	}
}

func TestRedeem_DecryptionFailed(t *testing.T) {
	rec := submittedRecord("0xabc")
	rec.State = domain.PurchaseStateFinalized
	rec.Credential = "0xabc"

	vault := &mockVault{decryptErr: domain.ErrDecryption}
	result := Redeem(context.Background(), []byte("tampered"), vault, rec)
	if result.Valid {
		t.Fatal("want invalid")
	}
	if result.Reason != domain.RedeemReasonDecryptionFailed {
		t.Errorf("want decryption_failed, got %s", result.Reason)
	}
}

// statefulPurchaseRepo は状態遷移を実際に記録するテスト用リポジトリ。
// 条件付き更新の意味論（現在状態が一致する場合のみ適用）を再現する。
type statefulPurchaseRepo struct {
	mu  sync.Mutex
	rec domain.PurchaseRecord
}

func (r *statefulPurchaseRepo) Create(ctx context.Context, rec *domain.PurchaseRecord) error {
	return nil
}

func (r *statefulPurchaseRepo) FindByID(ctx context.Context, id string) (*domain.PurchaseRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.rec
	return &rec, nil
}

func (r *statefulPurchaseRepo) MarkSubmitted(ctx context.Context, rec *domain.PurchaseRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec.State != domain.PurchaseStateDraft {
		return false, nil
	}
	r.rec.State = domain.PurchaseStateSubmitted
	r.rec.TxIdentifier = rec.TxIdentifier
	return true, nil
}

func (r *statefulPurchaseRepo) MarkTerminal(ctx context.Context, rec *domain.PurchaseRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec.State != domain.PurchaseStateSubmitted {
		return false, nil
	}
	r.rec.State = rec.State
	r.rec.Credential = rec.Credential
	r.rec.FailureReason = rec.FailureReason
	return true, nil
}

// countingGateway は支払い送信回数を数えるテスト用ゲートウェイ。
type countingGateway struct {
	mu      sync.Mutex
	submits int
}

func (g *countingGateway) SubmitPayment(ctx context.Context, productRef string, priceWei decimal.Decimal, payer string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submits++
	return "0xabc", nil
}

func (g *countingGateway) TransactionStatus(ctx context.Context, txIdentifier string) (*domain.TxStatus, error) {
	return &domain.TxStatus{
		Kind:    domain.TxStatusFinalized,
		Receipt: &domain.PaymentReceipt{TxIdentifier: txIdentifier, BlockNumber: 42},
	}, nil
}

func TestPurchaseService_Checkout_ConcurrentSinglePayment(t *testing.T) {
	// 同一レコードへの並行チェックアウトでも支払い送信は1回だけ行われる。
	// 負けた側はロック内で読み直した状態によりErrInvalidTransitionを受け取る。
	draft := submittedRecord("")
	draft.State = domain.PurchaseStateDraft
	draft.TxIdentifier = ""
	repo := &statefulPurchaseRepo{rec: *draft}
	gateway := &countingGateway{}
	watcher := NewPaymentWatcher(repo, gateway, TxDeriver{}, testWatcherConfig())
	svc := NewPurchaseService(repo, gateway, watcher)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = svc.Checkout(context.Background(), draft.ID)
		}(i)
	}
	wg.Wait()

	if gateway.submits != 1 {
		t.Fatalf("want exactly 1 ledger payment for one record, got %d", gateway.submits)
	}

	var succeeded, conflicted int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrInvalidTransition):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || conflicted != 1 {
		t.Errorf("want 1 success and 1 conflict, got %d/%d", succeeded, conflicted)
	}

	final, err := repo.FindByID(context.Background(), draft.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if final.State != domain.PurchaseStateFinalized {
		t.Errorf("want finalized record, got %s", final.State)
	}
}

func TestRecordLocks_ReleasedAfterUse(t *testing.T) {
	repo := &mockPurchaseRepository{
		findResult:     submittedRecord("0xabc"),
		markTerminalOK: true,
	}
	gateway := &mockLedgerGateway{
		statusFn: func(ctx context.Context, txIdentifier string) (*domain.TxStatus, error) {
			return &domain.TxStatus{
				Kind:    domain.TxStatusFinalized,
				Receipt: &domain.PaymentReceipt{TxIdentifier: txIdentifier},
			}, nil
		},
	}
	watcher := NewPaymentWatcher(repo, gateway, TxDeriver{}, testWatcherConfig())
	svc := NewPurchaseService(repo, gateway, watcher)

	if _, _, err := svc.Resume(context.Background(), "11111111-1111-1111-1111-111111111111"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 操作の完了後はロックエントリが残らない
	watcher.locks.mu.Lock()
	remaining := len(watcher.locks.locks)
	watcher.locks.mu.Unlock()
	if remaining != 0 {
		t.Errorf("want no remaining lock entries, got %d", remaining)
	}
}

func TestNewDeriver_Modes(t *testing.T) {
	rec := submittedRecord("0xabc")

	cred, err := NewDeriver("").Derive(rec)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	if cred != "0xabc" {
		t.Errorf("default deriver must return the tx identifier, got %s", cred)
	}

	random := NewDeriver("random")
	c1, err := random.Derive(rec)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	c2, err := random.Derive(rec)
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	if len(c1) != 64 {
		t.Errorf("want 64 hex chars, got %d", len(c1))
	}
	if c1 == c2 {
		t.Error("random deriver must not repeat secrets")
	}
	if c1 == rec.TxIdentifier {
		t.Error("random credential must not equal the tx identifier")
	}
}
