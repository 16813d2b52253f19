// Package main はモック推論サーバーのエントリポイント。
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"fhe-emotion-client/config"
	"fhe-emotion-client/internal/cipher"
	"fhe-emotion-client/internal/handler"
	"fhe-emotion-client/internal/infra"
	"fhe-emotion-client/internal/repository"
	"fhe-emotion-client/internal/usecase"
)

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 設定読み込み
	cfg := config.Load()

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg, "fhe-emotion-server")
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg, os.Stdout)

	// DB初期化
	db, err := infra.NewDB(cfg.ServerDBDriver, cfg.ServerDatabaseURL, cfg)
	if err != nil {
		slog.Error("failed to init database", "error", err)
		os.Exit(1)
	}
	if err := repository.MigrateServer(db); err != nil {
		slog.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	loc, err := time.LoadLocation(cfg.ServerTimezone)
	if err != nil {
		slog.Error("failed to load timezone", "timezone", cfg.ServerTimezone, "error", err)
		os.Exit(1)
	}

	// DI
	model := cipher.NewLinearModel(cfg.TargetSize*cfg.TargetSize, cfg.ModelSeed)
	service := usecase.NewInferenceService(
		repository.NewUserRepository(db),
		repository.NewKeyRegistryRepository(db),
		repository.NewEmotionRecordRepository(db),
		model,
		usecase.InferenceConfig{DefaultDays: cfg.EmotionAnalysisDays, Location: loc},
	)
	h := handler.NewInferenceHandler(service)
	router := handler.NewRouter(h)

	// サーバー起動
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server",
		"port", cfg.Port,
		"db_driver", cfg.ServerDBDriver,
		"features", model.Features(),
		"timezone", loc.String(),
	)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
