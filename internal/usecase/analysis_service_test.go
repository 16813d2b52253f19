package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fhe-emotion-client/internal/cipher"
	"fhe-emotion-client/internal/client"
	"fhe-emotion-client/internal/domain"
	"fhe-emotion-client/internal/preprocess"
)

// mockAnalysisAPI はテスト用のモック解析API。
type mockAnalysisAPI struct {
	analyzeFunc func(ctx context.Context, req client.AnalyzeRequest) (*client.AnalyzeResponse, error)
	historyFunc func(ctx context.Context, days *int) (*client.HistoryResponse, error)
}

func (m *mockAnalysisAPI) AnalyzeToday(ctx context.Context, req client.AnalyzeRequest) (*client.AnalyzeResponse, error) {
	return m.analyzeFunc(ctx, req)
}

func (m *mockAnalysisAPI) FetchHistory(ctx context.Context, days *int) (*client.HistoryResponse, error) {
	return m.historyFunc(ctx, days)
}

func testImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding png: %v", err)
	}
	return buf.Bytes()
}

func stubPayload(t *testing.T, v any) string {
	t.Helper()
	ct, err := cipher.EncodeStub(v)
	if err != nil {
		t.Fatalf("encoding stub payload: %v", err)
	}
	return ct.Payload
}

func newTestAnalysisService(api AnalysisAPI) (*AnalysisService, *KeyPairService) {
	keys := newTestKeyPairService(newMockKVStore())
	svc := NewAnalysisService(keys, preprocess.New(preprocess.DefaultOptions()), cipher.NewStub(), api)
	return svc, keys
}

func TestAnalysisService_AnalyzeToday_FreshDevice(t *testing.T) {
	var received client.AnalyzeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/emotion/analyze-today" {
			t.Errorf("want path /emotion/analyze-today, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(client.AnalyzeResponse{
			Ciphertext: stubPayload(t, cipher.StubPrediction{
				Prediction:    "Happy",
				Probabilities: []float64{0.05, 0.05, 0.05, 0.6, 0.1, 0.1, 0.05},
			}),
			Date: "2026-10-17",
		})
	}))
	defer server.Close()

	svc, keys := newTestAnalysisService(client.New(server.URL))
	ctx := context.Background()

	result, err := svc.AnalyzeToday(ctx, bytes.NewReader(testImage(t)), map[string]any{"source": "test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Prediction.Label != "Happy" {
		t.Errorf("want label Happy, got %s", result.Prediction.Label)
	}
	if result.Prediction.Date != "2026-10-17" {
		t.Errorf("want date 2026-10-17, got %s", result.Prediction.Date)
	}
	if len(result.Image.Vector) != 48*48 {
		t.Errorf("want vector length %d, got %d", 48*48, len(result.Image.Vector))
	}

	pair, err := keys.Current(ctx)
	if err != nil {
		t.Fatalf("want key pair created, got %v", err)
	}
	if received.KeyID != pair.KeyID || result.KeyID != pair.KeyID {
		t.Errorf("want key id %s on request and result, got %s / %s", pair.KeyID, received.KeyID, result.KeyID)
	}
	bundle, err := cipher.DecodeStubBundle(received.Ciphertext)
	if err != nil {
		t.Fatalf("request ciphertext is not a stub bundle: %v", err)
	}
	if len(bundle.Data) != 48*48 {
		t.Errorf("want %d encrypted features, got %d", 48*48, len(bundle.Data))
	}
	if received.Metadata["source"] != "test" {
		t.Errorf("want metadata forwarded, got %v", received.Metadata)
	}

	state := svc.State()
	if state.Err != "" {
		t.Errorf("want no error, got %s", state.Err)
	}
	if state.LastPrediction == nil || state.LastPrediction.Label != "Happy" {
		t.Errorf("want last prediction Happy, got %+v", state.LastPrediction)
	}
	if state.Running != 0 {
		t.Errorf("want 0 running, got %d", state.Running)
	}
}

func TestAnalysisService_FetchHistory(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/emotion/history" {
			t.Errorf("want path /emotion/history, got %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("days"); got != "10" {
			t.Errorf("want days=10, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(client.HistoryResponse{
			Ciphertext: stubPayload(t, map[string]any{
				"days": 3,
				"sum":  []float64{1, 2, 3, 4, 5, 6, 7},
			}),
		})
	}))
	defer server.Close()

	svc, _ := newTestAnalysisService(client.New(server.URL))
	days := 10
	result, err := svc.FetchHistory(context.Background(), &days)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Report == nil {
		t.Fatal("want decrypted report, got nil")
	}
	report, ok := domain.ReportObject(result.Report)
	if !ok {
		t.Fatalf("want object report, got %T", result.Report)
	}
	if report["days"] != 3.0 {
		t.Errorf("want days 3, got %v", report["days"])
	}
	sum, ok := report["sum"].([]any)
	if !ok || len(sum) != 7 {
		t.Errorf("want 7-element sum, got %v", report["sum"])
	}
}

func TestAnalysisService_AnalyzeToday_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("server error"))
	}))
	defer server.Close()

	svc, _ := newTestAnalysisService(client.New(server.URL))
	_, err := svc.AnalyzeToday(context.Background(), bytes.NewReader(testImage(t)), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "server error" {
		t.Errorf("want message %q, got %q", "server error", err.Error())
	}

	state := svc.State()
	if state.Err != "server error" {
		t.Errorf("want state error %q, got %q", "server error", state.Err)
	}
	if state.LastPrediction != nil {
		t.Errorf("want no last prediction, got %+v", state.LastPrediction)
	}
}

func TestAnalysisService_AnalyzeToday_DecodeError(t *testing.T) {
	called := false
	api := &mockAnalysisAPI{
		analyzeFunc: func(ctx context.Context, req client.AnalyzeRequest) (*client.AnalyzeResponse, error) {
			called = true
			return nil, errors.New("unreachable")
		},
	}
	svc, _ := newTestAnalysisService(api)

	_, err := svc.AnalyzeToday(context.Background(), strings.NewReader("not an image"), nil)
	if !errors.Is(err, domain.ErrDecode) {
		t.Errorf("want ErrDecode, got %v", err)
	}
	if called {
		t.Error("want no remote call for undecodable image")
	}
	if svc.State().Err == "" {
		t.Error("want error recorded in state")
	}
}

func TestAnalysisService_UndecryptableResponse(t *testing.T) {
	api := &mockAnalysisAPI{
		analyzeFunc: func(ctx context.Context, req client.AnalyzeRequest) (*client.AnalyzeResponse, error) {
			return &client.AnalyzeResponse{Ciphertext: "@@garbage@@", Date: "2026-10-17"}, nil
		},
		historyFunc: func(ctx context.Context, days *int) (*client.HistoryResponse, error) {
			return &client.HistoryResponse{Ciphertext: "@@garbage@@"}, nil
		},
	}
	svc, _ := newTestAnalysisService(api)
	ctx := context.Background()

	result, err := svc.AnalyzeToday(ctx, bytes.NewReader(testImage(t)), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Prediction.Label != domain.PlaceholderLabel || !result.Prediction.Undecryptable {
		t.Errorf("want placeholder prediction, got %+v", result.Prediction)
	}

	history, err := svc.FetchHistory(ctx, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if history.Report != nil {
		t.Errorf("want nil report, got %v", history.Report)
	}
}

func TestAnalysisService_StateTransitions(t *testing.T) {
	fail := true
	api := &mockAnalysisAPI{
		analyzeFunc: func(ctx context.Context, req client.AnalyzeRequest) (*client.AnalyzeResponse, error) {
			if fail {
				return nil, domain.NewTransportError(503, "")
			}
			return &client.AnalyzeResponse{
				Ciphertext: stubPayload(t, cipher.StubPrediction{Prediction: "Sad"}),
				Date:       "2026-10-17",
			}, nil
		},
		historyFunc: func(ctx context.Context, days *int) (*client.HistoryResponse, error) {
			return &client.HistoryResponse{Ciphertext: stubPayload(t, map[string]any{"sum": []float64{}})}, nil
		},
	}
	svc, _ := newTestAnalysisService(api)
	ctx := context.Background()

	if _, err := svc.AnalyzeToday(ctx, bytes.NewReader(testImage(t)), nil); err == nil {
		t.Fatal("expected error")
	}
	if got := svc.State().Err; got != "Request failed with status 503" {
		t.Errorf("want generic status message, got %q", got)
	}

	fail = false
	if _, err := svc.AnalyzeToday(ctx, bytes.NewReader(testImage(t)), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state := svc.State()
	if state.Err != "" || state.LastPrediction == nil {
		t.Fatalf("want success state, got %+v", state)
	}

	// 履歴の成功は直前の予測を保持する
	if _, err := svc.FetchHistory(ctx, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state = svc.State()
	if state.LastPrediction == nil || state.LastPrediction.Label != "Sad" {
		t.Errorf("want last prediction kept, got %+v", state.LastPrediction)
	}

	// スナップショットは内部状態と共有しない
	state.LastPrediction.Label = "mutated"
	if svc.State().LastPrediction.Label != "Sad" {
		t.Error("want snapshot to be a copy")
	}
}

func TestAnalysisService_SerializesSameKind(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	api := &mockAnalysisAPI{
		analyzeFunc: func(ctx context.Context, req client.AnalyzeRequest) (*client.AnalyzeResponse, error) {
			n := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return &client.AnalyzeResponse{
				Ciphertext: stubPayload(t, cipher.StubPrediction{Prediction: "Neutral"}),
				Date:       "2026-10-17",
			}, nil
		},
	}
	svc, _ := newTestAnalysisService(api)
	img := testImage(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.AnalyzeToday(context.Background(), bytes.NewReader(img), nil); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := maxInFlight.Load(); got != 1 {
		t.Errorf("want at most 1 concurrent analyze call, got %d", got)
	}
	if got := svc.State().Running; got != 0 {
		t.Errorf("want 0 running, got %d", got)
	}
}
