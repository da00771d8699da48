package infra

import (
	"context"
	"crypto/rsa"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"

	"access-credential-service/internal/domain"
)

// KMSVault はCloud KMS上の非対称鍵で復号を行うボールト。
// 購入者の秘密鍵がKMSの外に出ないデプロイ向け。
type KMSVault struct {
	client  *kms.KeyManagementClient
	keyName string // CryptoKeyVersionのリソース名
}

// NewKMSVault は指定されたキー名でKMSVaultを生成する。
func NewKMSVault(ctx context.Context, keyName string) (*KMSVault, error) {
	if keyName == "" {
		return nil, fmt.Errorf("KMS key name is required")
	}

	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}

	return &KMSVault{
		client:  client,
		keyName: keyName,
	}, nil
}

// PublicKey はKMSから公開鍵を取得する。
func (v *KMSVault) PublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	resp, err := v.client.GetPublicKey(ctx, &kmspb.GetPublicKeyRequest{
		Name: v.keyName,
	})
	if err != nil {
		return nil, fmt.Errorf("getting public key: %w", err)
	}
	return ParsePublicKeyPEM([]byte(resp.Pem))
}

// Decrypt は暗号文をKMSの非対称鍵で復号する。
// 失敗理由の詳細は返さない。
func (v *KMSVault) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	resp, err := v.client.AsymmetricDecrypt(ctx, &kmspb.AsymmetricDecryptRequest{
		Name:       v.keyName,
		Ciphertext: ciphertext,
	})
	if err != nil {
		return nil, domain.ErrDecryption
	}
	return resp.Plaintext, nil
}

// Close はKMSクライアントを閉じる。
func (v *KMSVault) Close() error {
	return v.client.Close()
}
