// Package client はリモート感情解析サービスへのHTTPクライアントを提供する。
//
// 認証トークンはリクエストごとに TokenProvider から取得し、プロセス全体で共有する状態を持たない。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"fhe-emotion-client/internal/domain"
)

// TokenProvider はベアラートークンを供給する。
// トークンがない場合は空文字か domain.ErrNotAuthenticated を返す。
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc は関数を TokenProvider として使うためのアダプタ。
type TokenFunc func(ctx context.Context) (string, error)

// Token は f を呼び出す。
func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// AnalyzeRequest は POST /emotion/analyze-today のリクエスト。
type AnalyzeRequest struct {
	Ciphertext string         `json:"ciphertext"`
	KeyID      string         `json:"key_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// AnalyzeResponse は POST /emotion/analyze-today のレスポンス。
type AnalyzeResponse struct {
	Ciphertext string `json:"ciphertext"`
	Date       string `json:"date"`
}

// HistoryResponse は GET /emotion/history のレスポンス。
type HistoryResponse struct {
	Ciphertext string `json:"ciphertext"`
}

// RegisterRequest は POST /auth/register のリクエスト。
type RegisterRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
}

// UserResponse は POST /auth/register のレスポンス。
type UserResponse struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
}

// LoginRequest は POST /auth/login のリクエスト。
type LoginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

// TokenResponse は POST /auth/login のレスポンス。
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// RegisterKeyRequest は POST /he/register-key のリクエスト。
// EvalContextB64 には公開鍵素材のみを入れる。
type RegisterKeyRequest struct {
	KeyID          string        `json:"key_id"`
	EvalContextB64 string        `json:"eval_context_b64"`
	Scheme         domain.Scheme `json:"scheme,omitempty"`
}

// RegisterKeyResponse は POST /he/register-key のレスポンス。
type RegisterKeyResponse struct {
	Status string `json:"status"`
	KeyID  string `json:"key_id"`
}

// Option はClientの設定を変更する。
type Option func(*Client)

// WithTokenProvider はベアラートークンの供給元を設定する。
func WithTokenProvider(p TokenProvider) Option {
	return func(c *Client) {
		c.tokens = p
	}
}

// WithTimeout はリクエスト全体のタイムアウトを設定する。0 は無制限。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient は内部のHTTPクライアントを差し替える。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Client はリモート解析サービスのREST APIと通信する。リトライはしない。
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenProvider
}

// New は新しいClientを生成する。
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   120 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AnalyzeToday は暗号化した画像ベクトルを送り、暗号化された予測を受け取る。
func (c *Client) AnalyzeToday(ctx context.Context, req AnalyzeRequest) (*AnalyzeResponse, error) {
	var resp AnalyzeResponse
	if err := c.do(ctx, http.MethodPost, "/emotion/analyze-today", req, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchHistory は暗号化された履歴レポートを取得する。days が nil ならサーバー既定の日数。
func (c *Client) FetchHistory(ctx context.Context, days *int) (*HistoryResponse, error) {
	path := "/emotion/history"
	if days != nil {
		path += "?" + url.Values{"days": {strconv.Itoa(*days)}}.Encode()
	}
	var resp HistoryResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Register は利用者を登録する。
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*UserResponse, error) {
	var resp UserResponse
	if err := c.do(ctx, http.MethodPost, "/auth/register", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Login はアクセストークンを取得する。
func (c *Client) Login(ctx context.Context, req LoginRequest) (*TokenResponse, error) {
	var resp TokenResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RegisterKey は公開鍵素材をサーバーに登録する。
func (c *Client) RegisterKey(ctx context.Context, req RegisterKeyRequest) (*RegisterKeyResponse, error) {
	var resp RegisterKeyResponse
	if err := c.do(ctx, http.MethodPost, "/he/register-key", req, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health はサーバーの死活を確認する。
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, false)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, authenticated bool) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if authenticated && c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil && !errors.Is(err, domain.ErrNotAuthenticated) {
			return fmt.Errorf("getting token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.NewTransportError(resp.StatusCode, string(respBody))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}
