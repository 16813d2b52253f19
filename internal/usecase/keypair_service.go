// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"filippo.io/age"
	"filippo.io/age/armor"
	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"fhe-emotion-client/internal/domain"
)

// keyPairStorageKey は鍵ペアレコードの保存キー。
const keyPairStorageKey = "fhe-emotion-keypair"

// defaultScryptWorkFactor はパスフレーズ保護エクスポートのscryptコスト（log2）。
const defaultScryptWorkFactor = 18

// KVStore はキー・バリュー形式の永続化インターフェース。
// 存在しないキーの Get は domain.ErrNotFound を返す。
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// Sealer は保存レコードの暗号化/復号のインターフェース。
type Sealer interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// KeyMaterialGenerator は暗号方式に応じた鍵素材を生成する。
type KeyMaterialGenerator interface {
	Scheme() domain.Scheme
	GenerateKeyMaterial(keyID string) (publicKey, privateKey string, err error)
}

// KeyPairOption はKeyPairServiceの設定を変更する。
type KeyPairOption func(*KeyPairService)

// WithSealer は保存レコードの封印に使うSealerを設定する。
func WithSealer(s Sealer) KeyPairOption {
	return func(svc *KeyPairService) {
		svc.sealer = s
	}
}

// WithScryptWorkFactor はパスフレーズ保護のscryptコストを設定する。
func WithScryptWorkFactor(logN int) KeyPairOption {
	return func(svc *KeyPairService) {
		svc.workFactor = logN
	}
}

// KeyPairService は端末の鍵ペアのライフサイクルを管理する。
// 保存される「現在の」鍵ペアは常に1つで、インポートは丸ごと置き換える。
type KeyPairService struct {
	store      KVStore
	generator  KeyMaterialGenerator
	sealer     Sealer
	workFactor int
	newUUID    func() (uuid.UUID, error)
	now        func() time.Time

	mu sync.Mutex
}

// NewKeyPairService は新しいKeyPairServiceを生成する。
func NewKeyPairService(store KVStore, generator KeyMaterialGenerator, opts ...KeyPairOption) *KeyPairService {
	svc := &KeyPairService{
		store:      store,
		generator:  generator,
		workFactor: defaultScryptWorkFactor,
		newUUID:    uuid.NewRandom,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// LoadOrCreate は保存済みの鍵ペアを返す。読み出せなければ新しく生成して保存する。
func (s *KeyPairService) LoadOrCreate(ctx context.Context) (*domain.KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pair := s.load(ctx); pair != nil {
		return pair, nil
	}

	keyID := s.newKeyID()
	public, private, err := s.generator.GenerateKeyMaterial(keyID)
	if err != nil {
		return nil, fmt.Errorf("generating key material: %w", err)
	}
	pair := &domain.KeyPair{
		KeyID:      keyID,
		PublicKey:  public,
		PrivateKey: private,
		Scheme:     s.generator.Scheme(),
	}
	if err := s.save(ctx, pair); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "key pair created",
		"key_id", pair.KeyID,
		"scheme", pair.Scheme,
		"fingerprint", Fingerprint(pair),
	)
	return pair, nil
}

// Current は保存済みの鍵ペアを返す。存在しなければ domain.ErrNotFound。生成はしない。
func (s *KeyPairService) Current(ctx context.Context) (*domain.KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pair := s.load(ctx)
	if pair == nil {
		return nil, domain.ErrNotFound
	}
	return pair, nil
}

// Export は秘密鍵素材を含む鍵ペア全体を1つの文字列にシリアライズする。
func (s *KeyPairService) Export(pair *domain.KeyPair) (string, error) {
	if err := pair.Validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(pair)
	if err != nil {
		return "", fmt.Errorf("marshaling key pair: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Import はシリアライズされた鍵ペアを現在の鍵ペアとして保存する。
// 鍵IDがない場合は domain.ErrInvalidKeyPair を返し、既存の鍵ペアは変更しない。
func (s *KeyPairService) Import(ctx context.Context, serialized string) (*domain.KeyPair, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(serialized))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidKeyPair, err)
	}
	return s.importRaw(ctx, raw)
}

// ExportProtected はパスフレーズで保護したASCIIアーマー形式で鍵ペアをエクスポートする。
func (s *KeyPairService) ExportProtected(pair *domain.KeyPair, passphrase string) (string, error) {
	if err := pair.Validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(pair)
	if err != nil {
		return "", fmt.Errorf("marshaling key pair: %w", err)
	}

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return "", fmt.Errorf("creating scrypt recipient: %w", err)
	}
	recipient.SetWorkFactor(s.workFactor)

	var buf bytes.Buffer
	armorWriter := armor.NewWriter(&buf)
	w, err := age.Encrypt(armorWriter, recipient)
	if err != nil {
		return "", fmt.Errorf("encrypting key pair: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return "", fmt.Errorf("encrypting key pair: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("encrypting key pair: %w", err)
	}
	if err := armorWriter.Close(); err != nil {
		return "", fmt.Errorf("armoring key pair: %w", err)
	}
	return buf.String(), nil
}

// ImportProtected はパスフレーズで保護された鍵ペアをインポートする。
// パスフレーズ違いや破損は domain.ErrInvalidKeyPair。
func (s *KeyPairService) ImportProtected(ctx context.Context, armored, passphrase string) (*domain.KeyPair, error) {
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidKeyPair, err)
	}
	r, err := age.Decrypt(armor.NewReader(strings.NewReader(strings.TrimSpace(armored)+"\n")), identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidKeyPair, err)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidKeyPair, err)
	}
	return s.importRaw(ctx, raw)
}

func (s *KeyPairService) importRaw(ctx context.Context, raw []byte) (*domain.KeyPair, error) {
	var pair domain.KeyPair
	if err := json.Unmarshal(raw, &pair); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidKeyPair, err)
	}
	if err := pair.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.save(ctx, &pair); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "key pair imported",
		"key_id", pair.KeyID,
		"scheme", pair.SchemeOrDefault(),
		"fingerprint", Fingerprint(&pair),
	)
	return &pair, nil
}

// load は保存済みの鍵ペアを読み出す。読み出し・解析に失敗した場合は存在しないものとして nil を返す。
func (s *KeyPairService) load(ctx context.Context) *domain.KeyPair {
	raw, err := s.store.Get(ctx, keyPairStorageKey)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.WarnContext(ctx, "failed to read key pair, treating as absent", "error", err)
		}
		return nil
	}

	if s.sealer != nil {
		raw, err = s.sealer.Decrypt(ctx, raw)
		if err != nil {
			slog.WarnContext(ctx, "failed to unseal key pair, treating as absent",
				"error", fmt.Errorf("%w: %v", domain.ErrStorageParse, err))
			return nil
		}
	}

	var pair domain.KeyPair
	if err := json.Unmarshal(raw, &pair); err != nil {
		slog.WarnContext(ctx, "failed to parse key pair, treating as absent",
			"error", fmt.Errorf("%w: %v", domain.ErrStorageParse, err))
		return nil
	}
	if err := pair.Validate(); err != nil {
		slog.WarnContext(ctx, "stored key pair has no key id, treating as absent",
			"error", domain.ErrStorageParse)
		return nil
	}
	return &pair
}

func (s *KeyPairService) save(ctx context.Context, pair *domain.KeyPair) error {
	raw, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("marshaling key pair: %w", err)
	}
	if s.sealer != nil {
		raw, err = s.sealer.Encrypt(ctx, raw)
		if err != nil {
			return fmt.Errorf("sealing key pair: %w", err)
		}
	}
	if err := s.store.Set(ctx, keyPairStorageKey, raw); err != nil {
		return fmt.Errorf("persisting key pair: %w", err)
	}
	return nil
}

// newKeyID は衝突しにくい鍵IDを生成する。UUIDが得られなければ時刻から生成する。
func (s *KeyPairService) newKeyID() string {
	id, err := s.newUUID()
	if err != nil {
		return fmt.Sprintf("key-%x", s.now().UnixMilli())
	}
	return "key-" + id.String()
}

// Fingerprint は公開鍵のSHA3-256ダイジェストの先頭16桁を返す。ログに出してよい。
func Fingerprint(pair *domain.KeyPair) string {
	if pair == nil {
		return ""
	}
	sum := sha3.Sum256([]byte(pair.PublicKey))
	return hex.EncodeToString(sum[:])[:16]
}
