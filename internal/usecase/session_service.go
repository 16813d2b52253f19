package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"fhe-emotion-client/internal/client"
	"fhe-emotion-client/internal/domain"
)

// sessionStorageKey はセッションレコードの保存キー。
const sessionStorageKey = "fhe-auth-state"

// AuthAPI は認証エンドポイントのインターフェース。
type AuthAPI interface {
	Register(ctx context.Context, req client.RegisterRequest) (*client.UserResponse, error)
	Login(ctx context.Context, req client.LoginRequest) (*client.TokenResponse, error)
}

// SessionService はログイン状態とベアラートークンを管理する。
// トークンの中身は解釈しない。
type SessionService struct {
	store KVStore
	api   AuthAPI
}

// NewSessionService は新しいSessionServiceを生成する。
func NewSessionService(store KVStore, api AuthAPI) *SessionService {
	return &SessionService{store: store, api: api}
}

// Login はサーバーからトークンを取得し、セッションとして保存する。
func (s *SessionService) Login(ctx context.Context, userID, password string) (*domain.Session, error) {
	return s.login(ctx, userID, password, "")
}

func (s *SessionService) login(ctx context.Context, userID, password, email string) (*domain.Session, error) {
	resp, err := s.api.Login(ctx, client.LoginRequest{UserID: userID, Password: password})
	if err != nil {
		return nil, err
	}

	session := &domain.Session{UserID: userID, Email: email, Token: resp.AccessToken}
	raw, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("marshaling session: %w", err)
	}
	if err := s.store.Set(ctx, sessionStorageKey, raw); err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	slog.InfoContext(ctx, "logged in", "user_id", userID)
	return session, nil
}

// Register は利用者を登録し、そのままログインする。
func (s *SessionService) Register(ctx context.Context, userID, password, email string) (*domain.Session, error) {
	if _, err := s.api.Register(ctx, client.RegisterRequest{UserID: userID, Password: password, Email: email}); err != nil {
		return nil, err
	}
	return s.login(ctx, userID, password, email)
}

// Logout は保存済みのセッションを削除する。
func (s *SessionService) Logout(ctx context.Context) error {
	if err := s.store.Remove(ctx, sessionStorageKey); err != nil {
		return fmt.Errorf("removing session: %w", err)
	}
	return nil
}

// Current は保存済みのセッションを返す。存在しないか破損している場合は domain.ErrNotAuthenticated。
func (s *SessionService) Current(ctx context.Context) (*domain.Session, error) {
	raw, err := s.store.Get(ctx, sessionStorageKey)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.WarnContext(ctx, "failed to read session, treating as absent", "error", err)
		}
		return nil, domain.ErrNotAuthenticated
	}

	var session domain.Session
	if err := json.Unmarshal(raw, &session); err != nil || session.Token == "" {
		slog.WarnContext(ctx, "failed to parse session, treating as absent", "error", domain.ErrStorageParse)
		return nil, domain.ErrNotAuthenticated
	}
	return &session, nil
}

// Token は現在のベアラートークンを返す。client.TokenProvider を満たす。
func (s *SessionService) Token(ctx context.Context) (string, error) {
	session, err := s.Current(ctx)
	if err != nil {
		return "", err
	}
	return session.Token, nil
}
