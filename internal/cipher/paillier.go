package cipher

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/big"

	"github.com/roasbeef/go-go-gadget-paillier"

	"fhe-emotion-client/internal/domain"
)

// InputScale は入力ベクトルの固定小数点スケール。
const InputScale = 1000

// EncryptedVector は固定小数点で符号化された値の暗号文列。
type EncryptedVector struct {
	Scale int64    `json:"scale"`
	Data  [][]byte `json:"data"`
}

type paillierEnvelope struct {
	Scheme domain.Scheme              `json:"scheme"`
	KeyID  string                     `json:"key_id"`
	Values map[string]EncryptedVector `json:"values"`
	Meta   map[string]any             `json:"meta,omitempty"`
}

// paillierKeyMaterial は鍵素材のエンコード形式。公開鍵は N のみ、秘密鍵は素因数 P, Q も持つ。
type paillierKeyMaterial struct {
	N *big.Int `json:"n"`
	P *big.Int `json:"p,omitempty"`
	Q *big.Int `json:"q,omitempty"`
}

// PaillierPrivateKey は復号用の秘密鍵。
// ライブラリの秘密鍵は素因数を外部に公開しないため、λ と μ を保持して復号する。
type PaillierPrivateKey struct {
	paillier.PublicKey
	Lambda *big.Int
	Mu     *big.Int
}

func newPaillierPrivateKey(p, q *big.Int) (*PaillierPrivateKey, error) {
	if p.Cmp(q) == 0 {
		return nil, errors.New("paillier primes must differ")
	}
	n := new(big.Int).Mul(p, q)
	pm1 := new(big.Int).Sub(p, one)
	qm1 := new(big.Int).Sub(q, one)
	// λ = lcm(p-1, q-1)
	gcd := new(big.Int).GCD(nil, nil, pm1, qm1)
	lambda := new(big.Int).Mul(pm1, qm1)
	lambda.Div(lambda, gcd)
	// g = n+1 のため μ = λ^-1 mod n
	mu := new(big.Int).ModInverse(lambda, n)
	if mu == nil {
		return nil, errors.New("paillier lambda is not invertible")
	}
	return &PaillierPrivateKey{
		PublicKey: *publicKeyFromN(n),
		Lambda:    lambda,
		Mu:        mu,
	}, nil
}

// Decrypt は m = L(c^λ mod n²)·μ mod n で平文を復元する。
func (k *PaillierPrivateKey) Decrypt(cipherText []byte) ([]byte, error) {
	c := new(big.Int).SetBytes(cipherText)
	if c.Sign() <= 0 || c.Cmp(k.NSquared) >= 0 {
		return nil, errors.New("ciphertext out of range")
	}
	u := new(big.Int).Exp(c, k.Lambda, k.NSquared)
	u.Sub(u, one).Div(u, k.N)
	u.Mul(u, k.Mu).Mod(u, k.N)
	return u.Bytes(), nil
}

var one = big.NewInt(1)

// Paillier は加法準同型のPaillier暗号によるエンジン。
// 負の値は法Nで折り返し、N/2を超える平文を負数として復元する。
type Paillier struct {
	bits   int
	random io.Reader
}

// NewPaillier は指定した鍵長のPaillierエンジンを生成する。
func NewPaillier(bits int) *Paillier {
	return &Paillier{bits: bits, random: rand.Reader}
}

// Scheme は方式識別子を返す。
func (p *Paillier) Scheme() domain.Scheme {
	return domain.SchemePaillier
}

// GenerateKeyMaterial は新しいPaillier鍵を生成し、公開鍵・秘密鍵をエンコードして返す。
func (p *Paillier) GenerateKeyMaterial(keyID string) (string, string, error) {
	pp, qq, err := generatePrimes(p.random, p.bits)
	if err != nil {
		return "", "", fmt.Errorf("generating paillier key: %w", err)
	}
	n := new(big.Int).Mul(pp, qq)
	public, err := encodeBase64(paillierKeyMaterial{N: n})
	if err != nil {
		return "", "", err
	}
	private, err := encodeBase64(paillierKeyMaterial{N: n, P: pp, Q: qq})
	if err != nil {
		return "", "", err
	}
	return public, private, nil
}

// generatePrimes は同じビット長の異なる素数 p, q を生成する。
func generatePrimes(random io.Reader, bits int) (*big.Int, *big.Int, error) {
	for {
		p, err := rand.Prime(random, bits/2)
		if err != nil {
			return nil, nil, err
		}
		q, err := rand.Prime(random, bits/2)
		if err != nil {
			return nil, nil, err
		}
		if p.Cmp(q) != 0 {
			return p, q, nil
		}
	}
}

// Encrypt はベクトルの各要素を固定小数点化して暗号化する。
func (p *Paillier) Encrypt(ctx context.Context, pair *domain.KeyPair, vector []float64) (domain.CipherText, error) {
	if err := pair.Validate(); err != nil {
		return domain.CipherText{}, err
	}
	if pair.SchemeOrDefault() != domain.SchemePaillier {
		return domain.CipherText{}, domain.ErrSchemeMismatch
	}
	pub, err := ParsePaillierPublicKey(pair.PublicKey)
	if err != nil {
		return domain.CipherText{}, err
	}

	data := make([][]byte, len(vector))
	for i, v := range vector {
		c, err := paillier.Encrypt(pub, encodeFixed(int64(math.Round(v*InputScale)), pub.N))
		if err != nil {
			return domain.CipherText{}, fmt.Errorf("encrypting element %d: %w", i, err)
		}
		data[i] = c
	}

	return p.seal(pair.KeyID, map[string]EncryptedVector{
		"x": {Scale: InputScale, Data: data},
	}, nil)
}

// DecryptPrediction は暗号化されたロジットを復号し、最大ロジットのラベルと確率を返す。
func (p *Paillier) DecryptPrediction(ctx context.Context, pair *domain.KeyPair, ct domain.CipherText) domain.Prediction {
	values, _, err := p.open(pair, ct)
	if err != nil {
		slog.WarnContext(ctx, "failed to decrypt prediction", "scheme", domain.SchemePaillier, "error", err)
		return placeholder()
	}
	logits, ok := values["logits"]
	if !ok || len(logits) != len(domain.EmotionLabels) {
		return placeholder()
	}
	return domain.Prediction{
		Label:         domain.LabelFor(logits),
		Probabilities: domain.Softmax(logits),
	}
}

// DecryptReport は全ての暗号化ベクトルを復号し、平文メタデータと合わせて返す。
func (p *Paillier) DecryptReport(ctx context.Context, pair *domain.KeyPair, ct domain.CipherText) domain.HistoryReport {
	values, meta, err := p.open(pair, ct)
	if err != nil {
		slog.WarnContext(ctx, "failed to decrypt report", "scheme", domain.SchemePaillier, "error", err)
		return nil
	}
	report := make(map[string]any, len(values)+len(meta))
	for k, v := range meta {
		report[k] = v
	}
	for name, v := range values {
		report[name] = v
	}
	return report
}

// ScoreEncrypted は暗号化された入力ベクトルに対し、線形モデルを準同型に評価する。
// 公開鍵のみを使うため、サーバー側で平文を見ずにロジットの暗号文を得られる。
func (p *Paillier) ScoreEncrypted(publicKey string, ct domain.CipherText, model *LinearModel) (domain.CipherText, error) {
	pub, err := ParsePaillierPublicKey(publicKey)
	if err != nil {
		return domain.CipherText{}, err
	}
	env, err := decodeEnvelope(ct.Payload)
	if err != nil {
		return domain.CipherText{}, err
	}
	x, ok := env.Values["x"]
	if !ok || len(x.Data) == 0 {
		return domain.CipherText{}, errors.New("payload has no input vector")
	}
	if len(x.Data) != model.Features() {
		return domain.CipherText{}, fmt.Errorf("input has %d features, model expects %d", len(x.Data), model.Features())
	}

	// Σ(w+R)x − RΣx として、指数を小さい非負整数に保つ
	total := x.Data[0]
	for _, c := range x.Data[1:] {
		total = paillier.AddCipher(pub, total, c)
	}
	negRange := new(big.Int).Sub(pub.N, big.NewInt(WeightRange)).Bytes()
	correction := paillier.Mul(pub, total, negRange)

	logits := make([][]byte, len(model.Weights))
	for k, row := range model.Weights {
		acc := correction
		for i, w := range row {
			shifted := w + WeightRange
			if shifted == 0 {
				continue
			}
			term := paillier.Mul(pub, x.Data[i], big.NewInt(shifted).Bytes())
			acc = paillier.AddCipher(pub, acc, term)
		}
		logits[k] = acc
	}

	return p.seal(env.KeyID, map[string]EncryptedVector{
		"logits": {Scale: x.Scale * WeightScale, Data: logits},
	}, nil)
}

// SumEncrypted は複数の暗号文の name ベクトルを要素ごとに準同型加算し "sum" とする。
// 入力の各ベクトルも "series_00" から順に同梱し、復号側で日ごとの変動を計算できるようにする。
func (p *Paillier) SumEncrypted(publicKey, keyID string, cts []domain.CipherText, name string, meta map[string]any) (domain.CipherText, error) {
	pub, err := ParsePaillierPublicKey(publicKey)
	if err != nil {
		return domain.CipherText{}, err
	}

	var sum EncryptedVector
	values := map[string]EncryptedVector{}
	for i, ct := range cts {
		env, err := decodeEnvelope(ct.Payload)
		if err != nil {
			return domain.CipherText{}, fmt.Errorf("decoding record %d: %w", i, err)
		}
		v, ok := env.Values[name]
		if !ok {
			return domain.CipherText{}, fmt.Errorf("record %d has no %q vector", i, name)
		}
		values[SeriesName(i)] = v
		if sum.Data == nil {
			sum = EncryptedVector{Scale: v.Scale, Data: append([][]byte(nil), v.Data...)}
			continue
		}
		if len(v.Data) != len(sum.Data) || v.Scale != sum.Scale {
			return domain.CipherText{}, fmt.Errorf("record %d has incompatible %q vector", i, name)
		}
		for j, c := range v.Data {
			sum.Data[j] = paillier.AddCipher(pub, sum.Data[j], c)
		}
	}

	if sum.Data != nil {
		values["sum"] = sum
	}
	return p.seal(keyID, values, meta)
}

// SeriesName は SumEncrypted が同梱する i 番目の入力ベクトルの名前を返す。
func SeriesName(i int) string {
	return fmt.Sprintf("series_%02d", i)
}

func (p *Paillier) seal(keyID string, values map[string]EncryptedVector, meta map[string]any) (domain.CipherText, error) {
	payload, err := encodeBase64(paillierEnvelope{
		Scheme: domain.SchemePaillier,
		KeyID:  keyID,
		Values: values,
		Meta:   meta,
	})
	if err != nil {
		return domain.CipherText{}, err
	}
	return domain.CipherText{Payload: payload}, nil
}

// open はペイロードを検証して全ベクトルを復号する。
func (p *Paillier) open(pair *domain.KeyPair, ct domain.CipherText) (map[string][]float64, map[string]any, error) {
	if pair == nil || !pair.HasPrivateKey() {
		return nil, nil, fmt.Errorf("%w: no private key material", domain.ErrUndecryptable)
	}
	env, err := decodeEnvelope(ct.Payload)
	if err != nil {
		return nil, nil, err
	}
	if env.KeyID != pair.KeyID {
		return nil, nil, fmt.Errorf("%w: payload belongs to key %q", domain.ErrUndecryptable, env.KeyID)
	}
	priv, err := ParsePaillierPrivateKey(pair.PrivateKey)
	if err != nil {
		return nil, nil, err
	}

	values := make(map[string][]float64, len(env.Values))
	for name, v := range env.Values {
		scale := v.Scale
		if scale == 0 {
			scale = 1
		}
		out := make([]float64, len(v.Data))
		for i, c := range v.Data {
			m, err := priv.Decrypt(c)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %v", domain.ErrUndecryptable, err)
			}
			f, _ := new(big.Float).Quo(
				new(big.Float).SetInt(decodeFixed(m, priv.N)),
				new(big.Float).SetInt64(scale),
			).Float64()
			out[i] = f
		}
		values[name] = out
	}
	return values, env.Meta, nil
}

func decodeEnvelope(payload string) (*paillierEnvelope, error) {
	var env paillierEnvelope
	if err := decodeBase64(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUndecryptable, err)
	}
	if env.Scheme != domain.SchemePaillier {
		return nil, fmt.Errorf("%w: not a paillier payload", domain.ErrUndecryptable)
	}
	return &env, nil
}

// ParsePaillierPublicKey はエンコード済みの公開鍵素材を読み込む。
func ParsePaillierPublicKey(encoded string) (*paillier.PublicKey, error) {
	var km paillierKeyMaterial
	if err := decodeBase64(encoded, &km); err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	if km.N == nil || km.N.Sign() <= 0 {
		return nil, errors.New("parsing public key: missing modulus")
	}
	return publicKeyFromN(km.N), nil
}

// ParsePaillierPrivateKey はエンコード済みの秘密鍵素材を読み込む。
func ParsePaillierPrivateKey(encoded string) (*PaillierPrivateKey, error) {
	var km paillierKeyMaterial
	if err := decodeBase64(encoded, &km); err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	if km.N == nil || km.P == nil || km.Q == nil || km.P.Sign() <= 0 || km.Q.Sign() <= 0 {
		return nil, errors.New("parsing private key: incomplete key material")
	}
	if new(big.Int).Mul(km.P, km.Q).Cmp(km.N) != 0 {
		return nil, errors.New("parsing private key: factors do not match modulus")
	}
	priv, err := newPaillierPrivateKey(km.P, km.Q)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return priv, nil
}

func publicKeyFromN(n *big.Int) *paillier.PublicKey {
	return &paillier.PublicKey{
		N:        n,
		G:        new(big.Int).Add(n, big.NewInt(1)),
		NSquared: new(big.Int).Mul(n, n),
	}
}

func encodeFixed(v int64, n *big.Int) []byte {
	b := big.NewInt(v)
	if b.Sign() < 0 {
		b.Add(b, n)
	}
	return b.Bytes()
}

func decodeFixed(m []byte, n *big.Int) *big.Int {
	x := new(big.Int).SetBytes(m)
	if x.Cmp(new(big.Int).Rsh(n, 1)) > 0 {
		x.Sub(x, n)
	}
	return x
}
