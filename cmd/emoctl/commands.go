package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"fhe-emotion-client/config"
	"fhe-emotion-client/internal/client"
	"fhe-emotion-client/internal/domain"
	"fhe-emotion-client/internal/preprocess"
	"fhe-emotion-client/internal/usecase"
)

// withApp は依存関係を組み立ててから fn を実行する。
func withApp(cmd *cobra.Command, cfg *config.Config, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return handleErrorResponse(fn(ctx, a))
}

// openInput はパスを開く。"-" は標準入力。
func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return f, nil
}

// analyzeCmd は今日の画像を解析するコマンド。
func analyzeCmd(cfg *config.Config) *cobra.Command {
	var metadata []string
	var previewPath string
	cmd := &cobra.Command{
		Use:   "analyze <image|->",
		Short: "Encrypt an image and analyze today's emotion",
		Long: `Encrypt an image and analyze today's emotion.

The stored key pair must match CIPHER_SCHEME. After switching schemes, set
CIPHER_SCHEME back or replace the pair with 'emoctl key import'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := parseMetadata(metadata)
			if err != nil {
				return err
			}
			in, err := openInput(cmd, args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				// Paillier方式ではサーバーが公開鍵で評価するため事前登録が必要
				if a.engine.Scheme() == domain.SchemePaillier {
					if _, err := registerKey(ctx, a); err != nil {
						return err
					}
				}

				result, err := a.analysis.AnalyzeToday(ctx, in, meta)
				if err != nil {
					return err
				}

				if previewPath != "" {
					if err := writePreview(previewPath, result.Image); err != nil {
						return err
					}
				}

				if output == "json" {
					return printJSON(cmd, result.Prediction)
				}
				out := cmd.OutOrStdout()
				if result.Prediction.Undecryptable {
					fmt.Fprintf(out, "Prediction for %s could not be decrypted with key %s\n", result.Prediction.Date, result.KeyID)
					return nil
				}
				fmt.Fprintf(out, "%s: %s\n", result.Prediction.Date, result.Prediction.Label)
				printProbabilities(out, result.Prediction.Probabilities)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&metadata, "meta", nil, "Metadata key=value sent with the request (repeatable)")
	cmd.Flags().StringVar(&previewPath, "preview", "", "Write the preprocessed grayscale image to this PNG path")
	return cmd
}

// historyCmd は履歴レポートを取得するコマンド。
func historyCmd(cfg *config.Config) *cobra.Command {
	var days int
	var diagnose bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Fetch and decrypt the emotion history report",
		RunE: func(cmd *cobra.Command, args []string) error {
			var daysArg *int
			if cmd.Flags().Changed("days") {
				daysArg = &days
			}

			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				result, err := a.analysis.FetchHistory(ctx, daysArg)
				if err != nil {
					return err
				}
				if result.Report == nil {
					return fmt.Errorf("history report could not be decrypted with key %s", result.KeyID)
				}

				if !diagnose {
					return printJSON(cmd, result.Report)
				}

				window := cfg.EmotionAnalysisDays
				if daysArg != nil {
					window = *daysArg
				}
				diag, err := usecase.Diagnose(result.Report, window)
				if err != nil {
					return err
				}
				if output == "json" {
					return printJSON(cmd, diag)
				}
				printDiagnosis(cmd.OutOrStdout(), diag)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 10, "Number of days to aggregate (server default when omitted)")
	cmd.Flags().BoolVar(&diagnose, "diagnose", false, "Print a diagnosis instead of the raw report")
	return cmd
}

// previewCmd は前処理結果を確認するコマンド。通信しない。
func previewCmd(cfg *config.Config) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "preview <image|->",
		Short: "Preprocess an image locally and write the grayscale preview",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := openInput(cmd, args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			p := preprocess.New(preprocess.Options{
				TargetSize: cfg.TargetSize,
				Mean:       cfg.NormalizationMean,
				Std:        cfg.NormalizationStd,
			})
			pre, err := p.Preprocess(in)
			if err != nil {
				return err
			}
			if err := writePreview(outPath, pre); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %dx%d preview (%d features) to %s\n", pre.Width, pre.Height, len(pre.Vector), outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "preview.png", "Output PNG path")
	return cmd
}

// keyCmd は鍵ペアを管理するコマンド。
func keyCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the device key pair",
	}
	cmd.AddCommand(keyShowCmd(cfg))
	cmd.AddCommand(keyExportCmd(cfg))
	cmd.AddCommand(keyImportCmd(cfg))
	cmd.AddCommand(keyRegisterCmd(cfg))
	return cmd
}

// KeyInfo は鍵ペアの表示用情報。秘密鍵素材を含まない。
type KeyInfo struct {
	KeyID       string        `json:"key_id"`
	Scheme      domain.Scheme `json:"scheme"`
	Fingerprint string        `json:"fingerprint"`
}

func keyInfo(pair *domain.KeyPair) KeyInfo {
	return KeyInfo{
		KeyID:       pair.KeyID,
		Scheme:      pair.SchemeOrDefault(),
		Fingerprint: usecase.Fingerprint(pair),
	}
}

func printKeyInfo(cmd *cobra.Command, pair *domain.KeyPair) error {
	info := keyInfo(pair)
	if output == "json" {
		return printJSON(cmd, info)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "KEY_ID\t%s\n", info.KeyID)
	fmt.Fprintf(w, "SCHEME\t%s\n", info.Scheme)
	fmt.Fprintf(w, "FINGERPRINT\t%s\n", info.Fingerprint)
	return w.Flush()
}

func keyShowCmd(cfg *config.Config) *cobra.Command {
	var create bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				var pair *domain.KeyPair
				var err error
				if create {
					pair, err = a.keys.LoadOrCreate(ctx)
				} else {
					pair, err = a.keys.Current(ctx)
				}
				if errors.Is(err, domain.ErrNotFound) {
					return errors.New("no key pair on this device (use --create)")
				}
				if err != nil {
					return err
				}
				return printKeyInfo(cmd, pair)
			})
		},
	}
	cmd.Flags().BoolVar(&create, "create", false, "Create a key pair when none exists")
	return cmd
}

func keyExportCmd(cfg *config.Config) *cobra.Command {
	var passphrase string
	var outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the key pair including private key material",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				pair, err := a.keys.Current(ctx)
				if errors.Is(err, domain.ErrNotFound) {
					return errors.New("no key pair on this device")
				}
				if err != nil {
					return err
				}

				var exported string
				if passphrase != "" {
					exported, err = a.keys.ExportProtected(pair, passphrase)
				} else {
					exported, err = a.keys.Export(pair)
				}
				if err != nil {
					return err
				}

				if outPath == "" {
					fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(exported))
					return nil
				}
				if err := os.WriteFile(outPath, []byte(exported), 0o600); err != nil {
					return fmt.Errorf("writing %s: %w", outPath, err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Exported key %s to %s\n", pair.KeyID, outPath)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "Protect the export with a passphrase")
	cmd.Flags().StringVar(&outPath, "out", "", "Write to a file instead of stdout")
	return cmd
}

func keyImportCmd(cfg *config.Config) *cobra.Command {
	var passphrase string
	cmd := &cobra.Command{
		Use:   "import <file|->",
		Short: "Replace the current key pair with an exported one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := openInput(cmd, args[0])
			if err != nil {
				return err
			}
			defer in.Close()
			raw, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("reading key pair: %w", err)
			}

			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				var pair *domain.KeyPair
				if passphrase != "" {
					pair, err = a.keys.ImportProtected(ctx, string(raw), passphrase)
				} else {
					pair, err = a.keys.Import(ctx, string(raw))
				}
				if err != nil {
					return err
				}
				return printKeyInfo(cmd, pair)
			})
		},
	}
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "Passphrase used for a protected export")
	return cmd
}

func keyRegisterCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Register the public key with the analysis service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				pair, err := registerKey(ctx, a)
				if err != nil {
					return err
				}
				if output == "json" {
					return printJSON(cmd, keyInfo(pair))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Registered key %s (%s)\n", pair.KeyID, pair.SchemeOrDefault())
				return nil
			})
		},
	}
}

// registerKey は公開鍵素材のみをサーバーに登録する。
func registerKey(ctx context.Context, a *app) (*domain.KeyPair, error) {
	pair, err := a.keys.LoadOrCreate(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := a.api.RegisterKey(ctx, client.RegisterKeyRequest{
		KeyID:          pair.KeyID,
		EvalContextB64: pair.PublicKey,
		Scheme:         pair.SchemeOrDefault(),
	}); err != nil {
		return nil, err
	}
	return pair, nil
}

// registerCmd は利用者登録コマンド。
func registerCmd(cfg *config.Config) *cobra.Command {
	var userID, password, email string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and log in",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				session, err := a.session.Register(ctx, userID, password, email)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Registered and logged in as %s\n", session.UserID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User ID (required)")
	cmd.Flags().StringVar(&password, "password", "", "Password (required)")
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("password")
	return cmd
}

// loginCmd はログインコマンド。
func loginCmd(cfg *config.Config) *cobra.Command {
	var userID, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				session, err := a.session.Login(ctx, userID, password)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", session.UserID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User ID (required)")
	cmd.Flags().StringVar(&password, "password", "", "Password (required)")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("password")
	return cmd
}

// logoutCmd はログアウトコマンド。
func logoutCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				if err := a.session.Logout(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
				return nil
			})
		},
	}
}

// whoamiCmd は現在のセッションを表示する。
func whoamiCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				session, err := a.session.Current(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), session.UserID)
				return nil
			})
		},
	}
}

// healthCmd はサーバーの死活確認コマンド。
func healthCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the analysis service is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			api := client.New(apiURL, client.WithTimeout(timeout))
			if err := api.Health(cmd.Context()); err != nil {
				return handleErrorResponse(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is healthy\n", apiURL)
			return nil
		},
	}
}

func parseMetadata(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --meta %q (want key=value)", p)
		}
		meta[k] = v
	}
	return meta, nil
}

func writePreview(path string, pre *domain.PreprocessedImage) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := preprocess.EncodePreviewPNG(f, pre); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printProbabilities(w io.Writer, probs []float64) {
	if len(probs) != len(domain.EmotionLabels) {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LABEL\tPROBABILITY")
	for i, label := range domain.EmotionLabels {
		fmt.Fprintf(tw, "%s\t%.1f%%\n", label, probs[i]*100)
	}
	tw.Flush()
}

func printDiagnosis(w io.Writer, diag *domain.Diagnosis) {
	fmt.Fprintf(w, "Status:      %s\n", diag.Status)
	fmt.Fprintf(w, "Dominant:    %s (%.2f)\n", diag.DominantEmotion, diag.DominantIntensity)
	fmt.Fprintf(w, "Instability: %.2f\n", diag.InstabilityScore)
	fmt.Fprintf(w, "Days:        %d\n", diag.Days)
	fmt.Fprintf(w, "Advice:      %s\n\n", diag.Advice)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LABEL\tSHARE\tMEAN_LOGIT")
	for i, label := range domain.EmotionLabels {
		fmt.Fprintf(tw, "%s\t%.1f%%\t%.3f\n", label, diag.Distribution[i], diag.MeanLogits[i])
	}
	tw.Flush()
}
