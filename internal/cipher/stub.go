package cipher

import (
	"context"
	"log/slog"
	"time"

	"fhe-emotion-client/internal/domain"
)

// StubBundle はスタブ方式で暗号化した画像ベクトルの中身。
type StubBundle struct {
	KeyID string    `json:"key_id"`
	Data  []float64 `json:"data"`
	TS    int64     `json:"ts"`
}

// StubPrediction はスタブ方式の予測レスポンスの中身。
type StubPrediction struct {
	Prediction    string    `json:"prediction"`
	Probabilities []float64 `json:"probabilities,omitempty"`
	Logits        []float64 `json:"logits,omitempty"`
}

// Stub は可逆なテキストエンコードによるプレースホルダー暗号。
// 鍵は使われず、ペイロードは実質平文である。実際の準同型暗号に置き換えるまでの実装。
type Stub struct {
	now func() time.Time
}

// NewStub は新しいStubを生成する。
func NewStub() *Stub {
	return &Stub{now: time.Now}
}

// Scheme は方式識別子を返す。
func (s *Stub) Scheme() domain.Scheme {
	return domain.SchemeStub
}

// GenerateKeyMaterial は鍵IDから決定的にプレースホルダーの鍵素材を生成する。
func (s *Stub) GenerateKeyMaterial(keyID string) (string, string, error) {
	return "public-" + keyID, "private-" + keyID, nil
}

// Encrypt はベクトルを鍵ID・タイムスタンプと共にタグ付きバンドルとしてエンコードする。
func (s *Stub) Encrypt(ctx context.Context, pair *domain.KeyPair, vector []float64) (domain.CipherText, error) {
	if err := pair.Validate(); err != nil {
		return domain.CipherText{}, err
	}
	if pair.SchemeOrDefault() != domain.SchemeStub {
		return domain.CipherText{}, domain.ErrSchemeMismatch
	}
	payload, err := encodeBase64(StubBundle{
		KeyID: pair.KeyID,
		Data:  vector,
		TS:    s.now().UnixMilli(),
	})
	if err != nil {
		return domain.CipherText{}, err
	}
	return domain.CipherText{Payload: payload}, nil
}

// DecryptPrediction はペイロードから予測を取り出す。
// prediction フィールドがなければラベル "encrypted" のプレースホルダーを返す。
func (s *Stub) DecryptPrediction(ctx context.Context, pair *domain.KeyPair, ct domain.CipherText) domain.Prediction {
	var decoded StubPrediction
	if err := decodeBase64(ct.Payload, &decoded); err != nil {
		slog.WarnContext(ctx, "failed to decode ciphertext", "scheme", domain.SchemeStub, "error", err)
		return placeholder()
	}
	if decoded.Prediction == "" {
		return placeholder()
	}
	pred := domain.Prediction{Label: decoded.Prediction}
	// 確率はラベル数と一致する場合のみ採用する
	if len(decoded.Probabilities) == len(domain.EmotionLabels) {
		pred.Probabilities = decoded.Probabilities
	}
	return pred
}

// DecryptReport はペイロードを任意の構造としてデコードする。失敗時はnil。
func (s *Stub) DecryptReport(ctx context.Context, pair *domain.KeyPair, ct domain.CipherText) domain.HistoryReport {
	var report any
	if err := decodeBase64(ct.Payload, &report); err != nil {
		slog.WarnContext(ctx, "failed to decode ciphertext", "scheme", domain.SchemeStub, "error", err)
		return nil
	}
	return report
}

// DecodeStubBundle はサーバー側でスタブ暗号文を読み出す。
func DecodeStubBundle(payload string) (*StubBundle, error) {
	var bundle StubBundle
	if err := decodeBase64(payload, &bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// DecodeStubPrediction はサーバー側で保存済みの予測を読み出す。
func DecodeStubPrediction(payload string) (*StubPrediction, error) {
	var pred StubPrediction
	if err := decodeBase64(payload, &pred); err != nil {
		return nil, err
	}
	return &pred, nil
}

// EncodeStub は任意の値をスタブ方式のペイロードにする。
func EncodeStub(v any) (domain.CipherText, error) {
	payload, err := encodeBase64(v)
	if err != nil {
		return domain.CipherText{}, err
	}
	return domain.CipherText{Payload: payload}, nil
}
