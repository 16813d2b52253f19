package domain

import "image"

// EmotionLabels はFER-2013のラベル集合。確率ベクトルの並びはこの順序に従う。
var EmotionLabels = []string{"Angry", "Disgust", "Fear", "Happy", "Sad", "Surprise", "Neutral"}

// PlaceholderLabel は復号できなかった予測に付与するラベル。
const PlaceholderLabel = "encrypted"

// PreprocessedImage は前処理済み画像を表す。解析呼び出しごとに生成され、永続化しない。
type PreprocessedImage struct {
	Vector    []float64 // 行優先・左上から右下の正規化済み輝度
	Width     int
	Height    int
	Grayscale *image.Gray // 表示専用
	Original  image.Image
}

// Prediction は暗号文から復号した予測の形。
type Prediction struct {
	Label         string
	Probabilities []float64
	Undecryptable bool
}

// PredictionResult は表示用の予測結果を表す。
type PredictionResult struct {
	Label         string    `json:"label"`
	Probabilities []float64 `json:"probabilities,omitempty"`
	Date          string    `json:"date,omitempty"`
	Undecryptable bool      `json:"undecryptable,omitempty"`
}

// HistoryReport は履歴レスポンスを復号した任意のJSON構造。nil は復号不能を表す。
// オブジェクトに限らず、配列やスカラーもそのまま保持する。
type HistoryReport any

// ReportObject はオブジェクト形式のレポートをマップとして返す。
func ReportObject(r HistoryReport) (map[string]any, bool) {
	m, ok := r.(map[string]any)
	return m, ok
}

// Session は認証済みユーザーとベアラートークンを表す。
type Session struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Token  string `json:"token"`
}

// DiagnosisStatus は履歴診断の判定結果。
type DiagnosisStatus string

const (
	DiagnosisStable     DiagnosisStatus = "stable"
	DiagnosisDepression DiagnosisStatus = "depression_risk"
	DiagnosisBipolar    DiagnosisStatus = "bipolar_risk"
)

// Diagnosis は復号済み履歴から算出した診断レポート。
type Diagnosis struct {
	Days              int             `json:"days"`
	MeanLogits        []float64       `json:"mean_logits"`
	Distribution      []float64       `json:"distribution"` // パーセント
	DominantEmotion   string          `json:"dominant_emotion"`
	DominantIntensity float64         `json:"dominant_intensity"`
	InstabilityScore  float64         `json:"instability_score"`
	Status            DiagnosisStatus `json:"status"`
	Advice            string          `json:"advice"`
}
