package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"fhe-emotion-client/config"
	"fhe-emotion-client/internal/cipher"
	"fhe-emotion-client/internal/client"
	"fhe-emotion-client/internal/infra"
	"fhe-emotion-client/internal/preprocess"
	"fhe-emotion-client/internal/repository"
	"fhe-emotion-client/internal/usecase"
)

// engine は暗号エンジンと鍵素材の生成を兼ねる。
type engine interface {
	usecase.Cipher
	usecase.KeyMaterialGenerator
}

// app はコマンドが共有する依存関係。
type app struct {
	cfg          *config.Config
	api          *client.Client
	keys         *usecase.KeyPairService
	session      *usecase.SessionService
	analysis     *usecase.AnalysisService
	preprocessor *preprocess.Preprocessor
	engine       engine

	closers []func() error
}

// newApp は設定から依存関係を組み立てる。
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	store, err := a.openStore(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	eng, err := newEngine(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = eng

	var opts []usecase.KeyPairOption
	if cfg.KMSKeyName != "" {
		kmsClient, err := infra.NewKMSClient(ctx, cfg.KMSKeyName)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("initializing KMS client: %w", err)
		}
		a.closers = append(a.closers, kmsClient.Close)
		opts = append(opts, usecase.WithSealer(kmsClient))
	}
	a.keys = usecase.NewKeyPairService(store, eng, opts...)

	// トークンはセッションから都度読み出すため、循環を避けて後から設定する
	var session *usecase.SessionService
	a.api = client.New(apiURL,
		client.WithTimeout(timeout),
		client.WithTokenProvider(client.TokenFunc(func(ctx context.Context) (string, error) {
			return session.Token(ctx)
		})),
	)
	session = usecase.NewSessionService(store, a.api)
	a.session = session

	a.preprocessor = preprocess.New(preprocess.Options{
		TargetSize: cfg.TargetSize,
		Mean:       cfg.NormalizationMean,
		Std:        cfg.NormalizationStd,
	})
	a.analysis = usecase.NewAnalysisService(a.keys, a.preprocessor, eng, a.api)
	return a, nil
}

// openStore は STORE_DRIVER に応じた永続化先を開く。
func (a *app) openStore(cfg *config.Config) (usecase.KVStore, error) {
	switch cfg.StoreDriver {
	case "memory":
		return repository.NewMemoryStore(), nil
	case "badger":
		db, err := infra.NewBadger(cfg.BadgerPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		return repository.NewBadgerStore(db), nil
	case "sqlite", "mysql", "postgres":
		db, err := infra.NewDB(cfg.StoreDriver, cfg.DatabaseURL, cfg)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("getting sql.DB: %w", err)
		}
		a.closers = append(a.closers, sqlDB.Close)
		if err := repository.MigrateClient(db); err != nil {
			return nil, fmt.Errorf("migrating store: %w", err)
		}
		return repository.NewGormStore(db), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %q", cfg.StoreDriver)
	}
}

// newEngine は CIPHER_SCHEME に応じた暗号エンジンを返す。
func newEngine(cfg *config.Config) (engine, error) {
	switch cfg.CipherScheme {
	case "", "stub":
		return cipher.NewStub(), nil
	case "paillier":
		if cfg.PaillierKeyBits < 512 {
			return nil, errors.New("PAILLIER_KEY_BITS must be at least 512")
		}
		return cipher.NewPaillier(cfg.PaillierKeyBits), nil
	default:
		return nil, fmt.Errorf("unsupported cipher scheme: %q", cfg.CipherScheme)
	}
}

// Close は開いた資源を逆順に閉じる。
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Error("failed to close resource", "error", err)
		}
	}
	a.closers = nil
}
