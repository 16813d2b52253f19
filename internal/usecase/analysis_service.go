package usecase

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fhe-emotion-client/internal/client"
	"fhe-emotion-client/internal/domain"
)

const tracerName = "fhe-emotion-client/internal/usecase"

// Cipher は暗号エンジンのインターフェース。
// 復号はエラーを返さず、復号できない場合はプレースホルダーまたは nil を返す。
type Cipher interface {
	Scheme() domain.Scheme
	Encrypt(ctx context.Context, pair *domain.KeyPair, vector []float64) (domain.CipherText, error)
	DecryptPrediction(ctx context.Context, pair *domain.KeyPair, ct domain.CipherText) domain.Prediction
	DecryptReport(ctx context.Context, pair *domain.KeyPair, ct domain.CipherText) domain.HistoryReport
}

// Preprocessor は画像前処理のインターフェース。
type Preprocessor interface {
	Preprocess(r io.Reader) (*domain.PreprocessedImage, error)
}

// KeyPairProvider は現在の鍵ペアを供給する。
type KeyPairProvider interface {
	LoadOrCreate(ctx context.Context) (*domain.KeyPair, error)
}

// AnalysisAPI はリモート解析サービスのインターフェース。
type AnalysisAPI interface {
	AnalyzeToday(ctx context.Context, req client.AnalyzeRequest) (*client.AnalyzeResponse, error)
	FetchHistory(ctx context.Context, days *int) (*client.HistoryResponse, error)
}

// AnalyzeResult は AnalyzeToday の結果。
type AnalyzeResult struct {
	Prediction domain.PredictionResult
	KeyID      string
	Image      *domain.PreprocessedImage
}

// HistoryResult は FetchHistory の結果。Report が nil なら復号できなかった。
type HistoryResult struct {
	Report domain.HistoryReport
	KeyID  string
}

// Snapshot は解析状態のスナップショット。
// 完了後は Err と LastPrediction のどちらか一方のみが設定される。
type Snapshot struct {
	Running        int
	Err            string
	LastPrediction *domain.PredictionResult
}

// AnalysisService は前処理・暗号化・リモート呼び出し・復号を順に実行する。
//
// 同じ種類の操作は直列化する（AnalyzeToday 同士、FetchHistory 同士）。
// 異なる種類の操作は並行に進む。
type AnalysisService struct {
	keys         KeyPairProvider
	preprocessor Preprocessor
	cipher       Cipher
	api          AnalysisAPI
	tracer       trace.Tracer

	analyzeMu sync.Mutex
	historyMu sync.Mutex

	stateMu sync.Mutex
	state   Snapshot
}

// NewAnalysisService は新しいAnalysisServiceを生成する。
func NewAnalysisService(keys KeyPairProvider, preprocessor Preprocessor, cipher Cipher, api AnalysisAPI) *AnalysisService {
	return &AnalysisService{
		keys:         keys,
		preprocessor: preprocessor,
		cipher:       cipher,
		api:          api,
		tracer:       otel.Tracer(tracerName),
	}
}

// State は現在の状態を返す。
func (s *AnalysisService) State() Snapshot {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	snap := s.state
	if snap.LastPrediction != nil {
		p := *snap.LastPrediction
		snap.LastPrediction = &p
	}
	return snap
}

// AnalyzeToday は画像を解析し、復号した予測を返す。
// 失敗した場合はエラーメッセージを状態に残して呼び出し元にも返す。
func (s *AnalysisService) AnalyzeToday(ctx context.Context, image io.Reader, metadata map[string]any) (*AnalyzeResult, error) {
	s.analyzeMu.Lock()
	defer s.analyzeMu.Unlock()

	ctx, span := s.tracer.Start(ctx, "AnalysisService.AnalyzeToday")
	defer span.End()

	s.begin()
	result, err := s.analyzeToday(ctx, image, metadata)
	if err != nil {
		s.fail(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.ErrorContext(ctx, "analysis failed", "operation", "analyze_today", "error", err)
		return nil, err
	}
	s.succeed(&result.Prediction)

	span.SetAttributes(
		attribute.String("key_id", result.KeyID),
		attribute.Bool("undecryptable", result.Prediction.Undecryptable),
	)
	slog.InfoContext(ctx, "analysis completed",
		"operation", "analyze_today",
		"key_id", result.KeyID,
		"date", result.Prediction.Date,
		"undecryptable", result.Prediction.Undecryptable,
	)
	return result, nil
}

func (s *AnalysisService) analyzeToday(ctx context.Context, image io.Reader, metadata map[string]any) (*AnalyzeResult, error) {
	pair, err := s.loadKeyPair(ctx)
	if err != nil {
		return nil, err
	}

	_, span := s.tracer.Start(ctx, "preprocess")
	pre, err := s.preprocessor.Preprocess(image)
	endSpan(span, err)
	if err != nil {
		return nil, err
	}

	ctx2, span := s.tracer.Start(ctx, "encrypt", trace.WithAttributes(attribute.String("scheme", string(s.cipher.Scheme()))))
	ct, err := s.cipher.Encrypt(ctx2, pair, pre.Vector)
	endSpan(span, err)
	if err != nil {
		return nil, err
	}

	resp, err := s.api.AnalyzeToday(ctx, client.AnalyzeRequest{
		Ciphertext: ct.Payload,
		KeyID:      pair.KeyID,
		Metadata:   metadata,
	})
	if err != nil {
		return nil, err
	}

	ctx2, span = s.tracer.Start(ctx, "decrypt")
	decoded := s.cipher.DecryptPrediction(ctx2, pair, domain.CipherText{Payload: resp.Ciphertext})
	span.End()

	return &AnalyzeResult{
		Prediction: domain.PredictionResult{
			Label:         decoded.Label,
			Probabilities: decoded.Probabilities,
			Date:          resp.Date,
			Undecryptable: decoded.Undecryptable,
		},
		KeyID: pair.KeyID,
		Image: pre,
	}, nil
}

// FetchHistory は指定日数の履歴レポートを取得して復号する。
// days が nil の場合はサーバーの既定日数を使う。
func (s *AnalysisService) FetchHistory(ctx context.Context, days *int) (*HistoryResult, error) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	ctx, span := s.tracer.Start(ctx, "AnalysisService.FetchHistory")
	defer span.End()
	if days != nil {
		span.SetAttributes(attribute.Int("days", *days))
	}

	s.begin()
	result, err := s.fetchHistory(ctx, days)
	if err != nil {
		s.fail(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.ErrorContext(ctx, "history fetch failed", "operation", "fetch_history", "error", err)
		return nil, err
	}
	s.succeed(nil)

	slog.InfoContext(ctx, "history fetched",
		"operation", "fetch_history",
		"key_id", result.KeyID,
		"undecryptable", result.Report == nil,
	)
	return result, nil
}

func (s *AnalysisService) fetchHistory(ctx context.Context, days *int) (*HistoryResult, error) {
	pair, err := s.loadKeyPair(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := s.api.FetchHistory(ctx, days)
	if err != nil {
		return nil, err
	}

	ctx2, span := s.tracer.Start(ctx, "decrypt")
	report := s.cipher.DecryptReport(ctx2, pair, domain.CipherText{Payload: resp.Ciphertext})
	span.End()

	return &HistoryResult{Report: report, KeyID: pair.KeyID}, nil
}

func (s *AnalysisService) loadKeyPair(ctx context.Context) (*domain.KeyPair, error) {
	ctx, span := s.tracer.Start(ctx, "load_key_pair")
	pair, err := s.keys.LoadOrCreate(ctx)
	endSpan(span, err)
	return pair, err
}

func (s *AnalysisService) begin() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state.Running++
	s.state.Err = ""
}

func (s *AnalysisService) fail(err error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state.Running--
	s.state.Err = err.Error()
	s.state.LastPrediction = nil
}

// succeed は完了を記録する。prediction が nil の場合は直前の予測を保持する。
func (s *AnalysisService) succeed(prediction *domain.PredictionResult) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state.Running--
	s.state.Err = ""
	if prediction != nil {
		p := *prediction
		s.state.LastPrediction = &p
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
