package domain

import "time"

// EmotionRecord はモックサーバーが保存する1日分の暗号化予測を表す。
type EmotionRecord struct {
	ID         string
	UserID     string
	Date       string // YYYY-MM-DD（サーバーのローカル日付）
	KeyID      string
	Scheme     Scheme
	Ciphertext string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// User はモックサーバーの利用者を表す。
type User struct {
	UserID       string
	Email        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// RegisteredKey はサーバーに登録された公開鍵素材を表す（秘密鍵を含まない）。
type RegisteredKey struct {
	KeyID     string
	UserID    string
	Scheme    Scheme
	PublicKey string
	CreatedAt time.Time
}
