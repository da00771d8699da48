// Package handler はHTTPハンドラを提供する。
package handler

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"access-credential-service/internal/domain"
	"access-credential-service/internal/infra"
	"access-credential-service/internal/middleware"
	"access-credential-service/internal/usecase"
	"access-credential-service/pkg/httputil"
)

var identityRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:@-]+$`)

// PurchaseHandler はHTTPハンドラを提供する。
type PurchaseHandler struct {
	purchases   *usecase.PurchaseService
	credentials *usecase.CredentialService
	vault       usecase.Vault // サーバー側検証用。未設定の場合はredeemエンドポイント無効。
}

// NewPurchaseHandler は新しいPurchaseHandlerを生成する。
func NewPurchaseHandler(purchases *usecase.PurchaseService, credentials *usecase.CredentialService, vault usecase.Vault) *PurchaseHandler {
	return &PurchaseHandler{
		purchases:   purchases,
		credentials: credentials,
		vault:       vault,
	}
}

func validatePurchaseID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return domain.ErrPurchaseNotFound
	}
	return nil
}

func parsePublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	return infra.ParsePublicKeyPEM([]byte(pemStr))
}

func validateIdentity(identity string) error {
	if identity == "" || len(identity) > 128 {
		return domain.ErrInvalidBuyer
	}
	if !identityRegex.MatchString(identity) {
		return domain.ErrInvalidBuyer
	}
	return nil
}

// PurchaseResponse は購入レコードのレスポンス形式。クレデンシャルは含まない。
type PurchaseResponse struct {
	ID            string `json:"id"`
	ProductRef    string `json:"product_ref"`
	PriceWei      string `json:"price_wei"`
	Buyer         string `json:"buyer"`
	State         string `json:"state"`
	TxIdentifier  string `json:"tx_identifier,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func toPurchaseResponse(rec *domain.PurchaseRecord) PurchaseResponse {
	return PurchaseResponse{
		ID:            rec.ID,
		ProductRef:    rec.ProductRef,
		PriceWei:      rec.PriceWei.String(),
		Buyer:         rec.Buyer,
		State:         string(rec.State),
		TxIdentifier:  rec.TxIdentifier,
		FailureReason: string(rec.FailureReason),
		CreatedAt:     rec.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     rec.UpdatedAt.Format(time.RFC3339),
	}
}

// CheckoutResponse は支払い監視の最終結果のレスポンス形式。
// タイムアウトと拒否はfailure_reasonで区別できる。
type CheckoutResponse struct {
	ID            string `json:"id"`
	State         string `json:"state"`
	TxIdentifier  string `json:"tx_identifier"`
	FailureReason string `json:"failure_reason,omitempty"`
	BlockNumber   uint64 `json:"block_number,omitempty"`
	GasUsed       uint64 `json:"gas_used,omitempty"`
}

// CreatePurchaseRequest は購入作成リクエストの形式。
type CreatePurchaseRequest struct {
	ProductRef string `json:"product_ref"`
	PriceWei   string `json:"price_wei"`
	Buyer      string `json:"buyer"`
}

// CreatePurchase はDraft状態の購入レコードを作成する。
func (h *PurchaseHandler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req CreatePurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if err := validateIdentity(req.Buyer); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_BUYER", "invalid buyer identity")
		return
	}
	priceWei, err := decimal.NewFromString(req.PriceWei)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_PRICE", "price_wei must be a decimal integer")
		return
	}

	rec, err := h.purchases.CreatePurchase(r.Context(), req.ProductRef, priceWei, req.Buyer)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidProductRef),
			errors.Is(err, domain.ErrInvalidPrice),
			errors.Is(err, domain.ErrInvalidBuyer):
			middleware.WriteAuditLog(r.Context(), "CREATE_PURCHASE", "", req.Buyer, "FAILED")
			httputil.Error(w, http.StatusBadRequest, "INVALID_PURCHASE", err.Error())
		default:
			middleware.WriteAuditLog(r.Context(), "CREATE_PURCHASE", "", req.Buyer, "FAILED")
			httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		}
		return
	}

	middleware.WriteAuditLog(r.Context(), "CREATE_PURCHASE", rec.ID, req.Buyer, "SUCCESS")
	httputil.JSON(w, http.StatusCreated, toPurchaseResponse(rec))
}

// GetPurchase は購入レコードの現在状態を取得する。
func (h *PurchaseHandler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	purchaseID := chi.URLParam(r, "purchase_id")
	if err := validatePurchaseID(purchaseID); err != nil {
		httputil.Error(w, http.StatusNotFound, "PURCHASE_NOT_FOUND", "purchase not found")
		return
	}

	rec, err := h.purchases.GetPurchase(r.Context(), purchaseID)
	if err != nil {
		if errors.Is(err, domain.ErrPurchaseNotFound) {
			httputil.Error(w, http.StatusNotFound, "PURCHASE_NOT_FOUND", "purchase not found")
			return
		}
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	httputil.JSON(w, http.StatusOK, toPurchaseResponse(rec))
}

// Checkout は支払いをレジャーへ送信し、ファイナリティまで監視した結果を返す。
func (h *PurchaseHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	purchaseID := chi.URLParam(r, "purchase_id")
	if err := validatePurchaseID(purchaseID); err != nil {
		httputil.Error(w, http.StatusNotFound, "PURCHASE_NOT_FOUND", "purchase not found")
		return
	}

	rec, result, err := h.purchases.Checkout(r.Context(), purchaseID)
	if err != nil {
		h.writeCheckoutError(w, r, purchaseID, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "CHECKOUT", purchaseID, rec.Buyer, "SUCCESS")
	httputil.JSON(w, http.StatusOK, toCheckoutResponse(rec, result))
}

// ResumeWatch はSubmittedのまま残った購入の監視を再開する。
func (h *PurchaseHandler) ResumeWatch(w http.ResponseWriter, r *http.Request) {
	purchaseID := chi.URLParam(r, "purchase_id")
	if err := validatePurchaseID(purchaseID); err != nil {
		httputil.Error(w, http.StatusNotFound, "PURCHASE_NOT_FOUND", "purchase not found")
		return
	}

	rec, result, err := h.purchases.Resume(r.Context(), purchaseID)
	if err != nil {
		h.writeCheckoutError(w, r, purchaseID, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "RESUME_WATCH", purchaseID, rec.Buyer, "SUCCESS")
	httputil.JSON(w, http.StatusOK, toCheckoutResponse(rec, result))
}

func toCheckoutResponse(rec *domain.PurchaseRecord, result *domain.FinalResult) CheckoutResponse {
	resp := CheckoutResponse{
		ID:            rec.ID,
		State:         string(rec.State),
		TxIdentifier:  rec.TxIdentifier,
		FailureReason: string(result.Reason),
	}
	if result.Receipt != nil {
		resp.BlockNumber = result.Receipt.BlockNumber
		resp.GasUsed = result.Receipt.GasUsed
	}
	return resp
}

func (h *PurchaseHandler) writeCheckoutError(w http.ResponseWriter, r *http.Request, purchaseID string, err error) {
	middleware.WriteAuditLog(r.Context(), "CHECKOUT", purchaseID, "", "FAILED")
	switch {
	case errors.Is(err, domain.ErrPurchaseNotFound):
		httputil.Error(w, http.StatusNotFound, "PURCHASE_NOT_FOUND", "purchase not found")
	case errors.Is(err, domain.ErrInvalidTransition):
		httputil.Error(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, domain.ErrSubmission):
		httputil.Error(w, http.StatusBadGateway, "SUBMISSION_FAILED", "payment submission failed")
	default:
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

// IssueCredentialRequest はクレデンシャル発行リクエストの形式。
type IssueCredentialRequest struct {
	Requester    string `json:"requester"`
	PublicKeyPEM string `json:"public_key_pem"`
}

// IssueCredentialResponse はクレデンシャル発行レスポンスの形式。
type IssueCredentialResponse struct {
	Ciphertext string `json:"ciphertext"` // Base64エンコードされたOAEP暗号文
}

// IssueCredential はクレデンシャルを要求者指定の公開鍵へ暗号化して返す。
func (h *PurchaseHandler) IssueCredential(w http.ResponseWriter, r *http.Request) {
	purchaseID := chi.URLParam(r, "purchase_id")
	if err := validatePurchaseID(purchaseID); err != nil {
		httputil.Error(w, http.StatusNotFound, "PURCHASE_NOT_FOUND", "purchase not found")
		return
	}

	var req IssueCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if err := validateIdentity(req.Requester); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUESTER", "invalid requester identity")
		return
	}
	pub, err := parsePublicKeyPEM(req.PublicKeyPEM)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_PUBLIC_KEY", "invalid recipient public key")
		return
	}

	ciphertext, err := h.credentials.Issue(r.Context(), purchaseID, req.Requester, pub)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "ISSUE_CREDENTIAL", purchaseID, req.Requester, "FAILED")
		switch {
		case errors.Is(err, domain.ErrUnauthorized):
			httputil.Error(w, http.StatusForbidden, "UNAUTHORIZED", "requester is not authorized")
		case errors.Is(err, domain.ErrNotReady):
			httputil.Error(w, http.StatusConflict, "NOT_READY", "purchase is not finalized")
		case errors.Is(err, domain.ErrPurchaseNotFound):
			httputil.Error(w, http.StatusNotFound, "PURCHASE_NOT_FOUND", "purchase not found")
		default:
			httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		}
		return
	}

	middleware.WriteAuditLog(r.Context(), "ISSUE_CREDENTIAL", purchaseID, req.Requester, "SUCCESS")
	httputil.JSON(w, http.StatusOK, IssueCredentialResponse{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	})
}

// RedeemCredentialRequest はクレデンシャル検証リクエストの形式。
type RedeemCredentialRequest struct {
	Ciphertext string `json:"ciphertext"` // Base64エンコードされたOAEP暗号文
}

// RedeemCredentialResponse はクレデンシャル検証レスポンスの形式。
type RedeemCredentialResponse struct {
	Valid      bool   `json:"valid"`
	Credential string `json:"credential,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// RedeemCredential はサーバー側に設定されたボールトで暗号文を検証する。
// 通常の検証は購入者のクライアント側で行う。KMSボールト未設定の場合は501を返す。
func (h *PurchaseHandler) RedeemCredential(w http.ResponseWriter, r *http.Request) {
	if h.vault == nil {
		httputil.Error(w, http.StatusNotImplemented, "VAULT_NOT_CONFIGURED", "server-side vault is not configured")
		return
	}

	purchaseID := chi.URLParam(r, "purchase_id")
	if err := validatePurchaseID(purchaseID); err != nil {
		httputil.Error(w, http.StatusNotFound, "PURCHASE_NOT_FOUND", "purchase not found")
		return
	}

	var req RedeemCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	ciphertext, err := base64.StdEncoding.DecodeString(req.Ciphertext)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_CIPHERTEXT", "ciphertext must be base64")
		return
	}

	rec, err := h.purchases.GetPurchase(r.Context(), purchaseID)
	if err != nil {
		if errors.Is(err, domain.ErrPurchaseNotFound) {
			httputil.Error(w, http.StatusNotFound, "PURCHASE_NOT_FOUND", "purchase not found")
			return
		}
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	result := usecase.Redeem(r.Context(), ciphertext, h.vault, rec)
	if result.Valid {
		middleware.WriteAuditLog(r.Context(), "REDEEM_CREDENTIAL", purchaseID, rec.Buyer, "SUCCESS")
	} else {
		middleware.WriteAuditLog(r.Context(), "REDEEM_CREDENTIAL", purchaseID, rec.Buyer, "FAILED")
	}
	httputil.JSON(w, http.StatusOK, RedeemCredentialResponse{
		Valid:      result.Valid,
		Credential: result.Credential,
		Reason:     string(result.Reason),
	})
}
