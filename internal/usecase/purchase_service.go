// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"access-credential-service/internal/domain"
)

// PurchaseRepository はデータアクセスのインターフェース。
type PurchaseRepository interface {
	Create(ctx context.Context, rec *domain.PurchaseRecord) error
	FindByID(ctx context.Context, id string) (*domain.PurchaseRecord, error)
	MarkSubmitted(ctx context.Context, rec *domain.PurchaseRecord) (bool, error)
	MarkTerminal(ctx context.Context, rec *domain.PurchaseRecord) (bool, error)
}

// LedgerGateway はレジャーへの支払い送信とファイナリティ問い合わせのインターフェース。
type LedgerGateway interface {
	SubmitPayment(ctx context.Context, productRef string, priceWei decimal.Decimal, payer string) (string, error)
	TransactionStatus(ctx context.Context, txIdentifier string) (*domain.TxStatus, error)
}

// Encrypter は受信者公開鍵への暗号化のインターフェース。
type Encrypter interface {
	Encrypt(pub *rsa.PublicKey, plaintext []byte) ([]byte, error)
}

// Vault は保持する秘密鍵による復号のインターフェース。
type Vault interface {
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// recordLocks はレコードIDをキーとする相互排他を提供する。
// 同一レコードへの遷移を直列化する。エントリは参照カウントで管理し、
// 誰も保持・待機していないロックはマップから取り除く。
type recordLocks struct {
	mu    sync.Mutex
	locks map[string]*recordLock
}

type recordLock struct {
	mu   sync.Mutex
	refs int
}

func newRecordLocks() *recordLocks {
	return &recordLocks{locks: make(map[string]*recordLock)}
}

// acquire はidに対応するロックを取得する。releaseと必ず対で呼ぶ。
func (l *recordLocks) acquire(id string) *recordLock {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &recordLock{}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return entry
}

// release はロックを解放し、参照が残っていなければエントリを取り除く。
func (l *recordLocks) release(id string, entry *recordLock) {
	entry.mu.Unlock()

	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, id)
	}
	l.mu.Unlock()
}

// PurchaseService は購入ライフサイクルのビジネスロジックを提供する。
type PurchaseService struct {
	repo    PurchaseRepository
	gateway LedgerGateway
	watcher *PaymentWatcher
	locks   *recordLocks
}

// NewPurchaseService は新しいPurchaseServiceを生成する。
func NewPurchaseService(repo PurchaseRepository, gateway LedgerGateway, watcher *PaymentWatcher) *PurchaseService {
	return &PurchaseService{
		repo:    repo,
		gateway: gateway,
		watcher: watcher,
		locks:   watcher.locks,
	}
}

// CreatePurchase はDraft状態の購入レコードを作成する。
func (s *PurchaseService) CreatePurchase(ctx context.Context, productRef string, priceWei decimal.Decimal, buyer string) (*domain.PurchaseRecord, error) {
	rec, err := domain.NewPurchaseRecord(productRef, priceWei, buyer)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating purchase: %w", err)
	}
	return rec, nil
}

// GetPurchase は指定されたIDの購入レコードを取得する。
func (s *PurchaseService) GetPurchase(ctx context.Context, purchaseID string) (*domain.PurchaseRecord, error) {
	rec, err := s.repo.FindByID(ctx, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("finding purchase: %w", err)
	}
	if rec == nil {
		return nil, domain.ErrPurchaseNotFound
	}
	return rec, nil
}

// Checkout は支払いをレジャーへ送信し、ファイナリティまで監視する。
// キャンセルされた場合、レコードはSubmittedのまま残り後から監視をやり直せる。
func (s *PurchaseService) Checkout(ctx context.Context, purchaseID string) (*domain.PurchaseRecord, *domain.FinalResult, error) {
	rec, err := s.GetPurchase(ctx, purchaseID)
	if err != nil {
		return nil, nil, err
	}

	if err := s.submit(ctx, rec); err != nil {
		return rec, nil, err
	}

	result, err := s.watcher.Observe(ctx, rec)
	if err != nil {
		return rec, nil, err
	}
	return rec, result, nil
}

// Resume はSubmittedのまま残ったレコードの監視を再開する。支払いは再送しない。
func (s *PurchaseService) Resume(ctx context.Context, purchaseID string) (*domain.PurchaseRecord, *domain.FinalResult, error) {
	rec, err := s.GetPurchase(ctx, purchaseID)
	if err != nil {
		return nil, nil, err
	}
	result, err := s.watcher.Observe(ctx, rec)
	if err != nil {
		return rec, nil, err
	}
	return rec, result, nil
}

// submit は支払いトランザクションを送信し、Draft→Submittedをコミットする。
// 1レコードにつき支払い送信は最大1回。
func (s *PurchaseService) submit(ctx context.Context, rec *domain.PurchaseRecord) error {
	lock := s.locks.acquire(rec.ID)
	defer s.locks.release(rec.ID, lock)

	// ロック取得前に読み込んだ状態は古い可能性があるため、ロック内で読み直してから検査する
	current, err := s.repo.FindByID(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("finding purchase: %w", err)
	}
	if current == nil {
		return domain.ErrPurchaseNotFound
	}
	*rec = *current

	if rec.State != domain.PurchaseStateDraft {
		return fmt.Errorf("%w: checkout from %s", domain.ErrInvalidTransition, rec.State)
	}

	txID, err := s.gateway.SubmitPayment(ctx, rec.ProductRef, rec.PriceWei, rec.Buyer)
	if err != nil {
		return err
	}
	if err := rec.Submit(txID); err != nil {
		return err
	}

	committed, err := s.repo.MarkSubmitted(ctx, rec)
	if err != nil {
		return fmt.Errorf("persisting submitted state: %w", err)
	}
	if !committed {
		return fmt.Errorf("%w: purchase was updated concurrently", domain.ErrInvalidTransition)
	}
	return nil
}

// CredentialService はクレデンシャルの発行と検証を提供する。
type CredentialService struct {
	repo      PurchaseRepository
	auth      *domain.AuthorizationList
	encrypter Encrypter
}

// NewCredentialService は新しいCredentialServiceを生成する。
func NewCredentialService(repo PurchaseRepository, auth *domain.AuthorizationList, encrypter Encrypter) *CredentialService {
	return &CredentialService{
		repo:      repo,
		auth:      auth,
		encrypter: encrypter,
	}
}

// Issue はクレデンシャルを受信者公開鍵へ暗号化して返す。
// 認可検査を先に行い、未認可の呼び出し元に購入状態を漏らさない。
// 暗号化は呼び出しごとに新しい乱数を使うため、再発行しても暗号文は一致しない。
func (s *CredentialService) Issue(ctx context.Context, purchaseID, requester string, recipient *rsa.PublicKey) ([]byte, error) {
	if !s.auth.Contains(requester) {
		return nil, domain.ErrUnauthorized
	}

	rec, err := s.repo.FindByID(ctx, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("finding purchase: %w", err)
	}
	if rec == nil {
		return nil, domain.ErrPurchaseNotFound
	}
	if rec.State != domain.PurchaseStateFinalized {
		return nil, domain.ErrNotReady
	}

	return s.encrypter.Encrypt(recipient, []byte(rec.Credential))
}

// Redeem は暗号文をボールトで復号し、購入レコードのクレデンシャルと照合する。
// 復号失敗と照合失敗はカテゴリのみを返し、部分的な平文は漏らさない。
func Redeem(ctx context.Context, ciphertext []byte, vault Vault, rec *domain.PurchaseRecord) domain.RedeemResult {
	plain, err := vault.Decrypt(ctx, ciphertext)
	if err != nil {
		return domain.RedeemResult{Valid: false, Reason: domain.RedeemReasonDecryptionFailed}
	}
	if subtle.ConstantTimeCompare(plain, []byte(rec.Credential)) != 1 {
		return domain.RedeemResult{Valid: false, Reason: domain.RedeemReasonCredentialMismatch}
	}
	return domain.RedeemResult{Valid: true, Credential: string(plain)}
}
