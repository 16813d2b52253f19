// Package domain はドメインモデルとビジネスルールを定義する。
package domain

// Scheme は暗号方式の識別子。
type Scheme string

const (
	// SchemeStub は可逆エンコードによるプレースホルダー方式（実質平文）。
	SchemeStub Scheme = "stub"
	// SchemePaillier は加法準同型のPaillier暗号。
	SchemePaillier Scheme = "paillier"
)

// KeyPair は端末ごとの暗号鍵ペアを表す。
// KeyPairStore が排他的に所有し、他のコンポーネントは1回の操作の間だけ参照する。
type KeyPair struct {
	KeyID      string `json:"keyId"`
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey,omitempty"`
	Scheme     Scheme `json:"scheme,omitempty"`
}

// Validate は鍵ペアの必須フィールドを検証する。
func (k *KeyPair) Validate() error {
	if k == nil || k.KeyID == "" {
		return ErrInvalidKeyPair
	}
	return nil
}

// SchemeOrDefault は方式が未設定の場合にスタブ方式を返す。
// 方式フィールド導入前に保存された鍵ペアはスタブとして扱う。
func (k *KeyPair) SchemeOrDefault() Scheme {
	if k.Scheme == "" {
		return SchemeStub
	}
	return k.Scheme
}

// HasPrivateKey は秘密鍵素材を保持しているかを返す。
func (k *KeyPair) HasPrivateKey() bool {
	return k.PrivateKey != ""
}

// CipherText はエンコード済みの暗号文を表す。生成した鍵なしでは意味を持たない。
type CipherText struct {
	Payload string `json:"payload"`
}
