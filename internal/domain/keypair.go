package domain

import "crypto/rsa"

// KeyPair は1プリンシパル分の非対称鍵ペアを表す。生成後は不変。
type KeyPair struct {
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
}

// AuthorizationList はクレデンシャル発行を許可された識別子の集合を表す。
// デプロイ期間中は読み取り専用で、変更にはリロードが必要。
type AuthorizationList struct {
	members map[string]struct{}
}

// NewAuthorizationList は識別子リストから許可リストを生成する。
func NewAuthorizationList(identities []string) *AuthorizationList {
	members := make(map[string]struct{}, len(identities))
	for _, id := range identities {
		members[id] = struct{}{}
	}
	return &AuthorizationList{members: members}
}

// Contains は識別子が許可リストに含まれるかを返す。
func (l *AuthorizationList) Contains(identity string) bool {
	_, ok := l.members[identity]
	return ok
}
