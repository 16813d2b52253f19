package cipher

import (
	"math/rand/v2"

	"fhe-emotion-client/internal/domain"
)

const (
	// WeightRange は重みの絶対値の上限。
	WeightRange = 4
	// WeightScale は整数重みを実数に戻す際の除数。
	WeightScale = 100
)

// LinearModel はモック推論サーバーが使う決定的な線形分類器。
// 整数重みのみで構成されるため、Paillier暗号文上でもそのまま評価できる。
type LinearModel struct {
	Weights [][]int64 // [ラベル][特徴量]
}

// NewLinearModel は特徴量数とシードから重みを生成する。同じ引数なら同じモデルになる。
func NewLinearModel(features int, seed uint64) *LinearModel {
	rng := rand.New(rand.NewPCG(seed, uint64(features)))
	weights := make([][]int64, len(domain.EmotionLabels))
	for k := range weights {
		row := make([]int64, features)
		for i := range row {
			row[i] = rng.Int64N(2*WeightRange+1) - WeightRange
		}
		weights[k] = row
	}
	return &LinearModel{Weights: weights}
}

// Features は入力ベクトル長を返す。
func (m *LinearModel) Features() int {
	if len(m.Weights) == 0 {
		return 0
	}
	return len(m.Weights[0])
}

// Score は平文ベクトルのロジットを計算する。
func (m *LinearModel) Score(vector []float64) []float64 {
	logits := make([]float64, len(m.Weights))
	for k, row := range m.Weights {
		var sum float64
		for i, w := range row {
			if i >= len(vector) {
				break
			}
			sum += float64(w) * vector[i]
		}
		logits[k] = sum / WeightScale
	}
	return logits
}
