// Package main は感情解析クライアントCLIのエントリポイント。
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"fhe-emotion-client/config"
	"fhe-emotion-client/internal/domain"
	"fhe-emotion-client/internal/infra"
)

const version = "1.0.0"

var (
	apiURL  string
	output  string
	timeout time.Duration
)

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	_ = godotenv.Load()
	cfg := config.Load()

	tp, err := infra.InitTracer(ctx, cfg, "emoctl")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to init tracer: %v\n", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}
	// 標準出力は結果の表示に使うため、ログは標準エラーに出す
	infra.SetupLogger(cfg, os.Stderr)

	rootCmd := newRootCmd(cfg)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "emoctl",
		Short:        "Privacy-preserving emotion analysis client",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("EMOCTL_API_URL")
			}
			if apiURL == "" {
				apiURL = cfg.APIBaseURL
			}
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set EMOCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", cfg.HTTPTimeout, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(analyzeCmd(cfg))
	rootCmd.AddCommand(historyCmd(cfg))
	rootCmd.AddCommand(previewCmd(cfg))
	rootCmd.AddCommand(keyCmd(cfg))
	rootCmd.AddCommand(registerCmd(cfg))
	rootCmd.AddCommand(loginCmd(cfg))
	rootCmd.AddCommand(logoutCmd(cfg))
	rootCmd.AddCommand(whoamiCmd(cfg))
	rootCmd.AddCommand(healthCmd(cfg))
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "emoctl version %s\n", version)
		},
	}
}

// schemeMismatchHint は保存済み鍵ペアと CIPHER_SCHEME が食い違う場合の対処方法。
const schemeMismatchHint = "the stored key pair was created for another CIPHER_SCHEME; " +
	"set CIPHER_SCHEME back to the key's scheme (see 'emoctl key show') or replace the pair with 'emoctl key import'"

// handleErrorResponse はサーバーのエラーを表示用に整形する。
// {code,message} 形式のボディなら message を、それ以外はボディそのものを使う。
func handleErrorResponse(err error) error {
	if errors.Is(err, domain.ErrSchemeMismatch) {
		return fmt.Errorf("%w: %s", err, schemeMismatchHint)
	}
	var te *domain.TransportError
	if !errors.As(err, &te) {
		return err
	}
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal([]byte(te.Message), &errResp) == nil && errResp.Message != "" {
		return fmt.Errorf("server returned status %d: %s", te.StatusCode, errResp.Message)
	}
	return fmt.Errorf("server returned status %d: %s", te.StatusCode, te.Message)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
