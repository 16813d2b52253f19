package usecase

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"fhe-emotion-client/internal/cipher"
	"fhe-emotion-client/internal/domain"
)

// mockKVStore はテスト用のモックストア。
type mockKVStore struct {
	mu        sync.Mutex
	data      map[string][]byte
	getErr    error
	setErr    error
	removeErr error
	setCount  int
}

func newMockKVStore() *mockKVStore {
	return &mockKVStore{data: make(map[string][]byte)}
}

func (m *mockKVStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	v, ok := m.data[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return v, nil
}

func (m *mockKVStore) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.setCount++
	m.data[key] = value
	return nil
}

func (m *mockKVStore) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removeErr != nil {
		return m.removeErr
	}
	delete(m.data, key)
	return nil
}

// mockSealer はテスト用のモックSealer。
type mockSealer struct {
	decryptErr error
}

func (m *mockSealer) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	return append([]byte("sealed:"), plaintext...), nil
}

func (m *mockSealer) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if m.decryptErr != nil {
		return nil, m.decryptErr
	}
	if !strings.HasPrefix(string(ciphertext), "sealed:") {
		return nil, errors.New("not sealed")
	}
	return ciphertext[len("sealed:"):], nil
}

func newTestKeyPairService(store KVStore, opts ...KeyPairOption) *KeyPairService {
	opts = append([]KeyPairOption{WithScryptWorkFactor(10)}, opts...)
	return NewKeyPairService(store, cipher.NewStub(), opts...)
}

func TestKeyPairService_LoadOrCreate_Stable(t *testing.T) {
	ctx := context.Background()
	store := newMockKVStore()
	svc := newTestKeyPairService(store)

	first, err := svc.LoadOrCreate(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(first.KeyID, "key-") {
		t.Errorf("want key- prefix, got %s", first.KeyID)
	}
	if first.PublicKey != "public-"+first.KeyID {
		t.Errorf("want public key derived from key id, got %s", first.PublicKey)
	}
	if first.PrivateKey != "private-"+first.KeyID {
		t.Errorf("want private key derived from key id, got %s", first.PrivateKey)
	}
	if first.Scheme != domain.SchemeStub {
		t.Errorf("want scheme stub, got %s", first.Scheme)
	}

	second, err := svc.LoadOrCreate(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.KeyID != first.KeyID {
		t.Errorf("want same key id %s, got %s", first.KeyID, second.KeyID)
	}
	if store.setCount != 1 {
		t.Errorf("want 1 write, got %d", store.setCount)
	}
}

func TestKeyPairService_LoadOrCreate_Concurrent(t *testing.T) {
	ctx := context.Background()
	svc := newTestKeyPairService(newMockKVStore())

	ids := make([]string, 8)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pair, err := svc.LoadOrCreate(ctx)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			ids[i] = pair.KeyID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("want a single key id, got %v", ids)
		}
	}
}

func TestKeyPairService_LoadOrCreate_CorruptRecordRecreates(t *testing.T) {
	tests := []struct {
		name  string
		value []byte
	}{
		{"not json", []byte("{{{")},
		{"missing key id", []byte(`{"publicKey":"x"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockKVStore()
			store.data[keyPairStorageKey] = tt.value
			svc := newTestKeyPairService(store)

			pair, err := svc.LoadOrCreate(context.Background())
			if err != nil {
				t.Fatalf("want recovery, got %v", err)
			}
			if pair.KeyID == "" {
				t.Error("want new key id, got empty")
			}
		})
	}
}

func TestKeyPairService_LoadOrCreate_ReadErrorRecreates(t *testing.T) {
	store := newMockKVStore()
	store.getErr = errors.New("disk unavailable")
	svc := newTestKeyPairService(store)

	pair, err := svc.LoadOrCreate(context.Background())
	if err != nil {
		t.Fatalf("want recovery, got %v", err)
	}
	if pair.KeyID == "" {
		t.Error("want new key id, got empty")
	}
}

func TestKeyPairService_LoadOrCreate_PersistError(t *testing.T) {
	store := newMockKVStore()
	store.setErr = errors.New("read-only")
	svc := newTestKeyPairService(store)

	if _, err := svc.LoadOrCreate(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestKeyPairService_KeyIDFallback(t *testing.T) {
	svc := newTestKeyPairService(newMockKVStore())
	svc.newUUID = func() (uuid.UUID, error) { return uuid.Nil, errors.New("no entropy") }
	svc.now = func() time.Time { return time.UnixMilli(0x18b2f3c4d5e) }

	pair, err := svc.LoadOrCreate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pair.KeyID != "key-18b2f3c4d5e" {
		t.Errorf("want key-18b2f3c4d5e, got %s", pair.KeyID)
	}
}

func TestKeyPairService_ExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	source := newTestKeyPairService(newMockKVStore())
	pair, err := source.LoadOrCreate(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	exported, err := source.Export(pair)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	target := newTestKeyPairService(newMockKVStore())
	imported, err := target.Import(ctx, exported)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if imported.KeyID != pair.KeyID {
		t.Errorf("want key id %s, got %s", pair.KeyID, imported.KeyID)
	}
	if imported.PrivateKey != pair.PrivateKey {
		t.Error("want private key material to round-trip")
	}

	current, err := target.LoadOrCreate(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if current.KeyID != pair.KeyID {
		t.Errorf("want imported pair to be current, got %s", current.KeyID)
	}
}

func TestKeyPairService_ImportInvalidKeepsCurrent(t *testing.T) {
	ctx := context.Background()
	svc := newTestKeyPairService(newMockKVStore())
	original, err := svc.LoadOrCreate(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payloads := []string{
		"%%% not base64",
		base64.StdEncoding.EncodeToString([]byte("not json")),
		base64.StdEncoding.EncodeToString([]byte(`{"publicKey":"public-x"}`)),
		base64.StdEncoding.EncodeToString([]byte(`{"keyId":""}`)),
	}
	for _, p := range payloads {
		if _, err := svc.Import(ctx, p); !errors.Is(err, domain.ErrInvalidKeyPair) {
			t.Errorf("want ErrInvalidKeyPair for %q, got %v", p, err)
		}
	}

	current, err := svc.Current(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if current.KeyID != original.KeyID {
		t.Errorf("want key id %s unchanged, got %s", original.KeyID, current.KeyID)
	}
}

func TestKeyPairService_ProtectedRoundTrip(t *testing.T) {
	ctx := context.Background()
	source := newTestKeyPairService(newMockKVStore())
	pair, err := source.LoadOrCreate(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	armored, err := source.ExportProtected(pair, "correct horse")
	if err != nil {
		t.Fatalf("ExportProtected failed: %v", err)
	}
	if !strings.HasPrefix(armored, "-----BEGIN AGE ENCRYPTED FILE-----") {
		t.Errorf("want armored output, got %q", armored[:min(len(armored), 40)])
	}
	if strings.Contains(armored, pair.PrivateKey) {
		t.Error("private key must not appear in protected export")
	}

	target := newTestKeyPairService(newMockKVStore())
	if _, err := target.ImportProtected(ctx, armored, "wrong passphrase"); !errors.Is(err, domain.ErrInvalidKeyPair) {
		t.Errorf("want ErrInvalidKeyPair for wrong passphrase, got %v", err)
	}
	if _, err := target.Current(ctx); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("want no current pair after failed import, got %v", err)
	}

	imported, err := target.ImportProtected(ctx, armored, "correct horse")
	if err != nil {
		t.Fatalf("ImportProtected failed: %v", err)
	}
	if imported.KeyID != pair.KeyID {
		t.Errorf("want key id %s, got %s", pair.KeyID, imported.KeyID)
	}
}

func TestKeyPairService_Sealer(t *testing.T) {
	ctx := context.Background()
	store := newMockKVStore()
	sealer := &mockSealer{}
	svc := newTestKeyPairService(store, WithSealer(sealer))

	pair, err := svc.LoadOrCreate(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(string(store.data[keyPairStorageKey]), "sealed:") {
		t.Error("want stored record to be sealed")
	}

	again, err := svc.LoadOrCreate(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.KeyID != pair.KeyID {
		t.Errorf("want key id %s, got %s", pair.KeyID, again.KeyID)
	}

	// 復号できないレコードは存在しないものとして扱う
	sealer.decryptErr = errors.New("permission denied")
	if _, err := svc.Current(ctx); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("want ErrNotFound when unsealing fails, got %v", err)
	}
}

func TestKeyPairService_Paillier(t *testing.T) {
	ctx := context.Background()
	svc := NewKeyPairService(newMockKVStore(), cipher.NewPaillier(512))

	pair, err := svc.LoadOrCreate(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pair.Scheme != domain.SchemePaillier {
		t.Errorf("want scheme paillier, got %s", pair.Scheme)
	}
	if _, err := cipher.ParsePaillierPrivateKey(pair.PrivateKey); err != nil {
		t.Errorf("want valid private key material, got %v", err)
	}
}

func TestFingerprint(t *testing.T) {
	a := &domain.KeyPair{KeyID: "key-1", PublicKey: "public-key-1"}
	b := &domain.KeyPair{KeyID: "key-2", PublicKey: "public-key-2"}

	fa := Fingerprint(a)
	if len(fa) != 16 {
		t.Errorf("want 16 hex chars, got %q", fa)
	}
	if fa != Fingerprint(a) {
		t.Error("want deterministic fingerprint")
	}
	if fa == Fingerprint(b) {
		t.Error("want different fingerprints for different keys")
	}
	if Fingerprint(nil) != "" {
		t.Error("want empty fingerprint for nil pair")
	}
}
