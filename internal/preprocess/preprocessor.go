// Package preprocess は画像を固定長の正規化ベクトルに変換する。
//
// リサンプリングは golang.org/x/image/draw の BiLinear で固定している。
// 推論モデル側の正規化統計はこの補間に合わせて調整されているため、変更してはならない。
package preprocess

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"math"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"fhe-emotion-client/internal/domain"
)

// 輝度の知覚重み（ITU-R BT.601）
const (
	lumaR = 0.299
	lumaG = 0.587
	lumaB = 0.114
)

// Options は前処理のパラメータ。Mean/Std は推論モデルの学習時統計と一致させる。
type Options struct {
	TargetSize int
	Mean       float64
	Std        float64
	Epsilon    float64
}

// DefaultOptions はFER-2013向けの既定値を返す。
func DefaultOptions() Options {
	return Options{
		TargetSize: 48,
		Mean:       0.507,
		Std:        0.255,
		Epsilon:    1e-6,
	}
}

// Preprocessor は画像前処理を行う。状態を持たず並行利用できる。
type Preprocessor struct {
	opts Options
}

// New は新しいPreprocessorを生成する。ゼロ値の項目は既定値で補う。
func New(opts Options) *Preprocessor {
	def := DefaultOptions()
	if opts.TargetSize <= 0 {
		opts.TargetSize = def.TargetSize
	}
	if opts.Epsilon <= 0 {
		opts.Epsilon = def.Epsilon
	}
	return &Preprocessor{opts: opts}
}

// VectorLength は出力ベクトルの長さを返す。
func (p *Preprocessor) VectorLength() int {
	return p.opts.TargetSize * p.opts.TargetSize
}

// Preprocess は画像をデコードして前処理する。
func (p *Preprocessor) Preprocess(r io.Reader) (*domain.PreprocessedImage, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: image has no pixels", domain.ErrDecode)
	}
	return p.PreprocessImage(img), nil
}

// PreprocessBytes はバイト列の画像を前処理する。
func (p *Preprocessor) PreprocessBytes(data []byte) (*domain.PreprocessedImage, error) {
	return p.Preprocess(bytes.NewReader(data))
}

// PreprocessImage はデコード済み画像を前処理する。
func (p *Preprocessor) PreprocessImage(img image.Image) *domain.PreprocessedImage {
	size := p.opts.TargetSize
	bounds := image.Rect(0, 0, size, size)

	// 透明部分は不透明な黒の上に合成する
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, image.Black, image.Point{}, draw.Src)
	draw.BiLinear.Scale(canvas, bounds, img, img.Bounds(), draw.Over, nil)

	vector := make([]float64, 0, size*size)
	gray := image.NewGray(bounds)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			i := canvas.PixOffset(x, y)
			r := float64(canvas.Pix[i])
			g := float64(canvas.Pix[i+1])
			b := float64(canvas.Pix[i+2])
			luma := lumaR*r + lumaG*g + lumaB*b

			vector = append(vector, p.Normalize(luma/255))
			gray.Pix[gray.PixOffset(x, y)] = clampUint8(luma)
		}
	}

	return &domain.PreprocessedImage{
		Vector:    vector,
		Width:     size,
		Height:    size,
		Grayscale: gray,
		Original:  img,
	}
}

// Normalize は単位区間の輝度をモデル入力分布に合わせてアフィン変換する。
func (p *Preprocessor) Normalize(x float64) float64 {
	return (x - p.opts.Mean) / math.Max(p.opts.Std, p.opts.Epsilon)
}

// Denormalize は Normalize の逆変換。
func (p *Preprocessor) Denormalize(z float64) float64 {
	return z*math.Max(p.opts.Std, p.opts.Epsilon) + p.opts.Mean
}

// EncodePreviewPNG はグレースケールプレビューをPNGで書き出す。
func EncodePreviewPNG(w io.Writer, pre *domain.PreprocessedImage) error {
	if pre == nil || pre.Grayscale == nil {
		return fmt.Errorf("no preview available")
	}
	return png.Encode(w, pre.Grayscale)
}

func clampUint8(v float64) uint8 {
	v = math.RoundToEven(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
