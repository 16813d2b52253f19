package domain

import "math"

// Softmax はロジットを確率分布に変換する。
func Softmax(logits []float64) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxVal := logits[Argmax(logits)]
	probs := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		probs[i] = math.Exp(v - maxVal)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// Argmax は最大値の添字を返す。同値の場合は先頭を優先する。空の場合は-1。
func Argmax(values []float64) int {
	idx := -1
	for i, v := range values {
		if idx < 0 || v > values[idx] {
			idx = i
		}
	}
	return idx
}

// LabelFor はロジットに対応するラベルを返す。ラベル数と一致しない場合は空文字。
func LabelFor(logits []float64) string {
	if len(logits) != len(EmotionLabels) {
		return ""
	}
	return EmotionLabels[Argmax(logits)]
}
