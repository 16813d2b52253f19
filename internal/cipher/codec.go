// Package cipher は暗号エンジンの実装を提供する。
//
// どの実装も同じ契約を満たす。同じ鍵ペアでの暗号化→復号は値を復元でき、
// 他の鍵や破損したペイロードの復号はエラーではなくプレースホルダーを返す。
package cipher

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"fhe-emotion-client/internal/domain"
)

// encodeBase64 は値をJSONにしてBase64でエンコードする。
func encodeBase64(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// decodeBase64 はBase64のJSONペイロードをvにデコードする。
func decodeBase64(payload string, v any) error {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("decoding base64: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshaling payload: %w", err)
	}
	return nil
}

// DetectScheme はペイロードの方式を判定する。方式タグがなければスタブとみなす。
func DetectScheme(payload string) domain.Scheme {
	var tagged struct {
		Scheme domain.Scheme `json:"scheme"`
	}
	if err := decodeBase64(payload, &tagged); err != nil {
		return domain.SchemeStub
	}
	if tagged.Scheme == domain.SchemePaillier {
		return domain.SchemePaillier
	}
	return domain.SchemeStub
}

func placeholder() domain.Prediction {
	return domain.Prediction{Label: domain.PlaceholderLabel, Undecryptable: true}
}
