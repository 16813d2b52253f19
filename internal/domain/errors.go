package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode は画像をデコードできない場合のエラー。リトライしない。
	ErrDecode = errors.New("image cannot be decoded")

	// ErrInvalidKeyPair はインポートされた鍵ペアに必須フィールドがない場合のエラー。
	ErrInvalidKeyPair = errors.New("invalid key pair payload")

	// ErrStorageParse は永続化された鍵ペアまたはセッションが破損している場合のエラー。
	// 呼び出し元には返さず、レコードが存在しないものとして扱う。
	ErrStorageParse = errors.New("stored record is corrupt")

	// ErrNotFound はキー・バリューストアに指定キーが存在しない場合のエラー。
	ErrNotFound = errors.New("record not found")

	// ErrUndecryptable は暗号文から利用可能な構造を復元できない場合のエラー。
	// 復号APIはこのエラーを返さず、プレースホルダー結果で表現する。
	ErrUndecryptable = errors.New("payload cannot be decrypted")

	// ErrSchemeMismatch は鍵ペアの暗号方式がエンジンと一致しない場合のエラー。
	ErrSchemeMismatch = errors.New("key pair scheme does not match cipher")

	// ErrNotAuthenticated はセッションが存在しない場合のエラー。
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrInvalidDays は履歴の日数指定が不正な場合のエラー。
	ErrInvalidDays = errors.New("days must be a positive integer")

	// ErrUnknownKey はサーバーに登録されていない鍵IDが指定された場合のエラー。
	ErrUnknownKey = errors.New("key is not registered")

	// ErrKeyOwnedByOtherUser は別の利用者が登録済みの鍵IDを登録しようとした場合のエラー。
	ErrKeyOwnedByOtherUser = errors.New("key is registered to another user")

	// ErrUserAlreadyExists は同じユーザーIDが登録済みの場合のエラー。
	ErrUserAlreadyExists = errors.New("user already exists")

	// ErrInvalidCredentials はユーザーIDまたはパスワードが一致しない場合のエラー。
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidRequest は必須フィールドが欠けたリクエストのエラー。
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidPayload はサーバーが暗号文を評価できない場合のエラー。
	ErrInvalidPayload = errors.New("ciphertext cannot be evaluated")
)

// TransportError はリモートサービスが非2xxを返した場合のエラー。
// Message はレスポンスボディ、空の場合は汎用のステータスメッセージ。
type TransportError struct {
	StatusCode int
	Message    string
}

// NewTransportError はレスポンスボディからTransportErrorを生成する。
func NewTransportError(statusCode int, body string) *TransportError {
	msg := body
	if msg == "" {
		msg = fmt.Sprintf("Request failed with status %d", statusCode)
	}
	return &TransportError{StatusCode: statusCode, Message: msg}
}

func (e *TransportError) Error() string {
	return e.Message
}
