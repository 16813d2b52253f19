package usecase

import (
	"fmt"

	"fhe-emotion-client/internal/cipher"
	"fhe-emotion-client/internal/domain"
)

// 診断の閾値
const (
	DepressionThreshold  = 8.0
	InstabilityThreshold = 150.0
)

// Diagnose は復号済みの履歴レポートから期間内の感情傾向を診断する。
//
// レポートはオブジェクト形式で、7要素の "sum"（ロジットの合計）が必要。"volatility" がなければ
// 同梱された日ごとのロジット系列から変動量を求める。"days" があれば引数より優先する。
func Diagnose(report domain.HistoryReport, days int) (*domain.Diagnosis, error) {
	if report == nil {
		return nil, domain.ErrUndecryptable
	}
	obj, ok := domain.ReportObject(report)
	if !ok {
		return nil, fmt.Errorf("history report is a %T, not an object", report)
	}
	sum, ok := floatSlice(obj["sum"])
	if !ok || len(sum) != len(domain.EmotionLabels) {
		return nil, fmt.Errorf("history report has no %d-element sum", len(domain.EmotionLabels))
	}
	if d, ok := obj["days"].(float64); ok && d > 0 {
		days = int(d)
	}
	safeDays := float64(max(days, 1))

	volatility, ok := floatSlice(obj["volatility"])
	if !ok {
		volatility = seriesVolatility(obj)
	}
	var totalVolatility float64
	for _, v := range volatility {
		totalVolatility += v
	}
	instability := totalVolatility / safeDays

	mean := make([]float64, len(sum))
	for i, v := range sum {
		mean[i] = v / safeDays
	}
	distribution := domain.Softmax(mean)
	for i := range distribution {
		distribution[i] *= 100
	}
	idx := domain.Argmax(mean)

	diag := &domain.Diagnosis{
		Days:              days,
		MeanLogits:        mean,
		Distribution:      distribution,
		DominantEmotion:   domain.EmotionLabels[idx],
		DominantIntensity: mean[idx],
		InstabilityScore:  instability,
		Status:            domain.DiagnosisStable,
		Advice:            "Emotional state is stable.",
	}
	switch {
	case instability > InstabilityThreshold:
		diag.Status = domain.DiagnosisBipolar
		diag.Advice = "Mood swings are severe; emotional changes are abrupt."
	case diag.DominantEmotion == "Sad" && diag.DominantIntensity > DepressionThreshold:
		diag.Status = domain.DiagnosisDepression
		diag.Advice = "Persistent low mood; sadness shows strong inertia."
	}
	return diag, nil
}

// seriesVolatility は日ごとのロジット系列から、ラベルごとの隣接日の差の絶対値の合計を求める。
func seriesVolatility(report map[string]any) []float64 {
	var prev []float64
	var volatility []float64
	for i := 0; ; i++ {
		cur, ok := floatSlice(report[cipher.SeriesName(i)])
		if !ok {
			break
		}
		if prev != nil && len(prev) == len(cur) {
			if volatility == nil {
				volatility = make([]float64, len(cur))
			}
			for k := range cur {
				d := cur[k] - prev[k]
				if d < 0 {
					d = -d
				}
				volatility[k] += d
			}
		}
		prev = cur
	}
	return volatility
}

// floatSlice はJSON由来の []any と復号済みの []float64 の両方を受け付ける。
func floatSlice(v any) ([]float64, bool) {
	switch s := v.(type) {
	case []float64:
		return s, true
	case []any:
		out := make([]float64, len(s))
		for i, e := range s {
			f, ok := e.(float64)
			if !ok {
				return nil, false
			}
			out[i] = f
		}
		return out, true
	default:
		return nil, false
	}
}
