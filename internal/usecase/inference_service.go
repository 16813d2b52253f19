package usecase

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"fhe-emotion-client/internal/cipher"
	"fhe-emotion-client/internal/domain"
)

// UserRepository は利用者のデータアクセスのインターフェース。
type UserRepository interface {
	ExistsByUserID(ctx context.Context, userID string) (bool, error)
	Create(ctx context.Context, user *domain.User) error
	FindByUserID(ctx context.Context, userID string) (*domain.User, error)
}

// KeyRegistry は登録済み公開鍵のデータアクセスのインターフェース。
type KeyRegistry interface {
	Save(ctx context.Context, key *domain.RegisteredKey) error
	FindByKeyID(ctx context.Context, keyID string) (*domain.RegisteredKey, error)
}

// EmotionRecordRepository は日次予測のデータアクセスのインターフェース。
type EmotionRecordRepository interface {
	Upsert(ctx context.Context, record *domain.EmotionRecord) error
	FindSinceByUserID(ctx context.Context, userID, startDate string) ([]*domain.EmotionRecord, error)
}

// InferenceConfig はモック推論サーバーの設定。
type InferenceConfig struct {
	DefaultDays int
	Location    *time.Location
}

// InferenceService はローカル開発用のモック推論サーバーのロジックを提供する。
//
// スタブ方式のペイロードは平文として線形モデルで評価し、Paillier方式のペイロードは
// 登録済み公開鍵のみを使って準同型に評価する。
type InferenceService struct {
	users    UserRepository
	keys     KeyRegistry
	records  EmotionRecordRepository
	model    *cipher.LinearModel
	paillier *cipher.Paillier
	cfg      InferenceConfig
	now      func() time.Time

	mu     sync.RWMutex
	tokens map[string]string // トークン → ユーザーID
}

// NewInferenceService は新しいInferenceServiceを生成する。
func NewInferenceService(users UserRepository, keys KeyRegistry, records EmotionRecordRepository, model *cipher.LinearModel, cfg InferenceConfig) *InferenceService {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.DefaultDays <= 0 {
		cfg.DefaultDays = 10
	}
	return &InferenceService{
		users:   users,
		keys:    keys,
		records: records,
		model:   model,
		// 評価に使うのは公開鍵のみなので鍵長は関係しない
		paillier: cipher.NewPaillier(0),
		cfg:      cfg,
		now:      time.Now,
		tokens:   make(map[string]string),
	}
}

// Register は利用者を登録する。
func (s *InferenceService) Register(ctx context.Context, userID, password, email string) (*domain.User, error) {
	if userID == "" || password == "" {
		return nil, domain.ErrInvalidRequest
	}
	exists, err := s.users.ExistsByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("checking existing user: %w", err)
	}
	if exists {
		return nil, domain.ErrUserAlreadyExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	user := &domain.User{UserID: userID, Email: email, PasswordHash: hash}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return user, nil
}

// Login は資格情報を検証し、新しいアクセストークンを発行する。
func (s *InferenceService) Login(ctx context.Context, userID, password string) (string, error) {
	user, err := s.users.FindByUserID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("finding user: %w", err)
	}
	if user == nil {
		return "", domain.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return "", domain.ErrInvalidCredentials
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	token := hex.EncodeToString(buf)

	s.mu.Lock()
	s.tokens[token] = userID
	s.mu.Unlock()
	return token, nil
}

// Authenticate はトークンに対応するユーザーIDを返す。
func (s *InferenceService) Authenticate(ctx context.Context, token string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	userID, ok := s.tokens[token]
	if !ok || token == "" {
		return "", domain.ErrNotAuthenticated
	}
	return userID, nil
}

// RegisterKey は公開鍵素材を登録する。方式が未指定なら鍵素材から判定する。
func (s *InferenceService) RegisterKey(ctx context.Context, userID, keyID, publicKey string, scheme domain.Scheme) error {
	if keyID == "" || publicKey == "" {
		return domain.ErrInvalidRequest
	}
	if scheme == "" {
		scheme = domain.SchemeStub
		if _, err := cipher.ParsePaillierPublicKey(publicKey); err == nil {
			scheme = domain.SchemePaillier
		}
	}
	if scheme == domain.SchemePaillier {
		if _, err := cipher.ParsePaillierPublicKey(publicKey); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
		}
	}

	key := &domain.RegisteredKey{KeyID: keyID, UserID: userID, Scheme: scheme, PublicKey: publicKey}
	if err := s.keys.Save(ctx, key); err != nil {
		return fmt.Errorf("saving key: %w", err)
	}
	return nil
}

// AnalyzeToday は暗号化された画像ベクトルを評価し、今日の予測として保存する。
// 暗号化された予測とサーバーのローカル日付を返す。
func (s *InferenceService) AnalyzeToday(ctx context.Context, userID, keyID, payload string) (string, string, error) {
	if keyID == "" || payload == "" {
		return "", "", domain.ErrInvalidRequest
	}

	scheme := cipher.DetectScheme(payload)
	var out domain.CipherText
	var err error
	switch scheme {
	case domain.SchemePaillier:
		out, err = s.scorePaillier(ctx, userID, keyID, payload)
	default:
		out, err = s.scoreStub(keyID, payload)
	}
	if err != nil {
		return "", "", err
	}

	date := s.now().In(s.cfg.Location).Format(time.DateOnly)
	record := &domain.EmotionRecord{
		UserID:     userID,
		Date:       date,
		KeyID:      keyID,
		Scheme:     scheme,
		Ciphertext: out.Payload,
	}
	if err := s.records.Upsert(ctx, record); err != nil {
		return "", "", fmt.Errorf("storing prediction: %w", err)
	}
	return out.Payload, date, nil
}

func (s *InferenceService) scoreStub(keyID, payload string) (domain.CipherText, error) {
	bundle, err := cipher.DecodeStubBundle(payload)
	if err != nil {
		return domain.CipherText{}, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if bundle.KeyID != keyID {
		return domain.CipherText{}, fmt.Errorf("%w: payload key %q does not match %q", domain.ErrInvalidPayload, bundle.KeyID, keyID)
	}
	if len(bundle.Data) != s.model.Features() {
		return domain.CipherText{}, fmt.Errorf("%w: vector has %d features, model expects %d", domain.ErrInvalidPayload, len(bundle.Data), s.model.Features())
	}

	logits := s.model.Score(bundle.Data)
	return cipher.EncodeStub(cipher.StubPrediction{
		Prediction:    domain.LabelFor(logits),
		Probabilities: domain.Softmax(logits),
		Logits:        logits,
	})
}

func (s *InferenceService) scorePaillier(ctx context.Context, userID, keyID, payload string) (domain.CipherText, error) {
	key, err := s.registeredKey(ctx, userID, keyID)
	if err != nil {
		return domain.CipherText{}, err
	}
	out, err := s.paillier.ScoreEncrypted(key.PublicKey, domain.CipherText{Payload: payload}, s.model)
	if err != nil {
		return domain.CipherText{}, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return out, nil
}

func (s *InferenceService) registeredKey(ctx context.Context, userID, keyID string) (*domain.RegisteredKey, error) {
	key, err := s.keys.FindByKeyID(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("finding key: %w", err)
	}
	if key == nil || key.UserID != userID {
		return nil, domain.ErrUnknownKey
	}
	return key, nil
}

// History は今日を含む直近 days 日間（サーバーのローカル日付）の予測を集計した暗号化レポートを返す。
// days が nil なら既定日数、0以下なら domain.ErrInvalidDays。
//
// 集計対象は最新レコードと同じ鍵・方式のレコードに限る。
func (s *InferenceService) History(ctx context.Context, userID string, days *int) (string, error) {
	window := s.cfg.DefaultDays
	if days != nil {
		window = *days
	}
	if window <= 0 {
		return "", domain.ErrInvalidDays
	}

	startDate := s.now().In(s.cfg.Location).AddDate(0, 0, -(window - 1)).Format(time.DateOnly)
	records, err := s.records.FindSinceByUserID(ctx, userID, startDate)
	if err != nil {
		return "", fmt.Errorf("finding records: %w", err)
	}
	if len(records) == 0 {
		return s.stubReport(nil, window)
	}

	latest := records[0]
	var matched []*domain.EmotionRecord
	for _, r := range records {
		if r.KeyID == latest.KeyID && r.Scheme == latest.Scheme {
			matched = append(matched, r)
		}
	}
	// 古い順に並べる
	slices.Reverse(matched)

	if latest.Scheme == domain.SchemePaillier {
		return s.paillierReport(ctx, userID, latest.KeyID, matched, window)
	}
	return s.stubReport(matched, window)
}

func (s *InferenceService) stubReport(records []*domain.EmotionRecord, window int) (string, error) {
	n := len(domain.EmotionLabels)
	sum := make([]float64, n)
	volatility := make([]float64, n)
	dates := make([]string, 0, len(records))

	var prev []float64
	for _, r := range records {
		pred, err := cipher.DecodeStubPrediction(r.Ciphertext)
		if err != nil || len(pred.Logits) != n {
			slog.Warn("skipping unreadable record", "record_id", r.ID, "date", r.Date)
			continue
		}
		for k, l := range pred.Logits {
			sum[k] += l
			if prev != nil {
				d := l - prev[k]
				if d < 0 {
					d = -d
				}
				volatility[k] += d
			}
		}
		prev = pred.Logits
		dates = append(dates, r.Date)
	}

	ct, err := cipher.EncodeStub(map[string]any{
		"days":       len(dates),
		"window":     window,
		"dates":      dates,
		"labels":     domain.EmotionLabels,
		"sum":        sum,
		"volatility": volatility,
	})
	if err != nil {
		return "", err
	}
	return ct.Payload, nil
}

func (s *InferenceService) paillierReport(ctx context.Context, userID, keyID string, records []*domain.EmotionRecord, window int) (string, error) {
	key, err := s.registeredKey(ctx, userID, keyID)
	if err != nil {
		return "", err
	}

	cts := make([]domain.CipherText, len(records))
	dates := make([]string, len(records))
	for i, r := range records {
		cts[i] = domain.CipherText{Payload: r.Ciphertext}
		dates[i] = r.Date
	}
	out, err := s.paillier.SumEncrypted(key.PublicKey, keyID, cts, "logits", map[string]any{
		"days":   len(records),
		"window": window,
		"dates":  dates,
		"labels": domain.EmotionLabels,
	})
	if err != nil {
		if errors.Is(err, domain.ErrUndecryptable) {
			return "", fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		return "", err
	}
	return out.Payload, nil
}
