package infra

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"access-credential-service/internal/domain"
)

const keyBits = 2048

// GenerateKeyPair はRSA-2048の鍵ペアを生成する。
func GenerateKeyPair() (*domain.KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyGeneration, err)
	}
	return &domain.KeyPair{
		PrivateKey: priv,
		PublicKey:  &priv.PublicKey,
	}, nil
}

// KeyVault は1プリンシパル分の鍵ペアを保持し復号を行う。
// 秘密鍵は公開インターフェースから取り出せない。並行呼び出し安全。
type KeyVault struct {
	keyPair *domain.KeyPair
}

// NewKeyVault は新しい鍵ペアを生成してKeyVaultを生成する。
func NewKeyVault() (*KeyVault, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &KeyVault{keyPair: kp}, nil
}

// NewKeyVaultFromKeyPair は既存の鍵ペアからKeyVaultを生成する。
func NewKeyVaultFromKeyPair(kp *domain.KeyPair) *KeyVault {
	return &KeyVault{keyPair: kp}
}

// NewKeyVaultFromPEM はPEM形式の秘密鍵からKeyVaultを生成する。
func NewKeyVaultFromPEM(privPEM []byte) (*KeyVault, error) {
	priv, err := ParsePrivateKeyPEM(privPEM)
	if err != nil {
		return nil, err
	}
	return &KeyVault{keyPair: &domain.KeyPair{
		PrivateKey: priv,
		PublicKey:  &priv.PublicKey,
	}}, nil
}

// PublicKey は公開鍵を返す。秘密鍵側の情報は含まない。
func (v *KeyVault) PublicKey() *rsa.PublicKey {
	return v.keyPair.PublicKey
}

// Decrypt は暗号文をOAEP（SHA-256/MGF1-SHA-256、ラベルなし）で復号する。
// どの検査で失敗したかは返さない。
func (v *KeyVault) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	plain, err := rsa.DecryptOAEP(sha256.New(), nil, v.keyPair.PrivateKey, ciphertext, nil)
	if err != nil {
		return nil, domain.ErrDecryption
	}
	return plain, nil
}

// OAEPEncrypter は受信者公開鍵へのOAEP暗号化を提供する。
// 呼び出しごとに新しい乱数を使うため、同じ平文でも暗号文は毎回異なる。
type OAEPEncrypter struct{}

// Encrypt は平文をOAEP（SHA-256/MGF1-SHA-256、ラベルなし）で暗号化する。
func (OAEPEncrypter) Encrypt(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("encrypting credential: %w", err)
	}
	return ciphertext, nil
}

// EncodePrivateKeyPEM は秘密鍵をPKCS#1 PEM形式にエンコードする。
func EncodePrivateKeyPEM(priv *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
}

// EncodePublicKeyPEM は公開鍵をPKIX PEM形式にエンコードする。
func EncodePublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPublicKey, err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: der,
	}), nil
}

// ParsePrivateKeyPEM はPEM形式の秘密鍵をパースする。
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in private key data")
	}
	if priv, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return priv, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return priv, nil
}

// ParsePublicKeyPEM はPEM形式の公開鍵をパースする。
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, domain.ErrInvalidPublicKey
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPublicKey, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", domain.ErrInvalidPublicKey)
	}
	return pub, nil
}
