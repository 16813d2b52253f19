package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"fhe-emotion-client/internal/domain"
)

func staticToken(token string) TokenProvider {
	return TokenFunc(func(ctx context.Context) (string, error) {
		return token, nil
	})
}

func TestClient_AnalyzeToday(t *testing.T) {
	var gotAuth string
	var gotReq AnalyzeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/emotion/analyze-today" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ciphertext":"cipher-out","date":"2026-10-17"}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", WithTokenProvider(staticToken("tok-123")))
	resp, err := c.AnalyzeToday(context.Background(), AnalyzeRequest{
		Ciphertext: "cipher-in",
		KeyID:      "key-1",
		Metadata:   map[string]any{"source": "test"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotAuth != "Bearer tok-123" {
		t.Errorf("want bearer header, got %q", gotAuth)
	}
	if gotReq.Ciphertext != "cipher-in" || gotReq.KeyID != "key-1" {
		t.Errorf("unexpected request body: %+v", gotReq)
	}
	if gotReq.Metadata["source"] != "test" {
		t.Errorf("want metadata forwarded, got %v", gotReq.Metadata)
	}
	if resp.Ciphertext != "cipher-out" {
		t.Errorf("want ciphertext cipher-out, got %s", resp.Ciphertext)
	}
	if resp.Date != "2026-10-17" {
		t.Errorf("want date 2026-10-17, got %s", resp.Date)
	}
}

func TestClient_FetchHistory_Days(t *testing.T) {
	var gotQuery []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = append(gotQuery, r.URL.RawQuery)
		w.Write([]byte(`{"ciphertext":"history"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	days := 10
	resp, err := c.FetchHistory(context.Background(), &days)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Ciphertext != "history" {
		t.Errorf("want ciphertext history, got %s", resp.Ciphertext)
	}
	if _, err := c.FetchHistory(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(gotQuery) != 2 {
		t.Fatalf("want 2 requests, got %d", len(gotQuery))
	}
	if gotQuery[0] != "days=10" {
		t.Errorf("want days=10, got %q", gotQuery[0])
	}
	if gotQuery[1] != "" {
		t.Errorf("want no query, got %q", gotQuery[1])
	}
}

func TestClient_TransportError(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"body text", http.StatusInternalServerError, "server error", "server error"},
		{"empty body", http.StatusBadGateway, "", "Request failed with status 502"},
		{"unauthorized", http.StatusUnauthorized, `{"code":"UNAUTHORIZED"}`, `{"code":"UNAUTHORIZED"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := New(srv.URL).AnalyzeToday(context.Background(), AnalyzeRequest{KeyID: "key-1"})
			var te *domain.TransportError
			if !errors.As(err, &te) {
				t.Fatalf("want TransportError, got %v", err)
			}
			if te.StatusCode != tt.status {
				t.Errorf("want status %d, got %d", tt.status, te.StatusCode)
			}
			if err.Error() != tt.wantMsg {
				t.Errorf("want message %q, got %q", tt.wantMsg, err.Error())
			}
		})
	}
}

func TestClient_NoTokenOmitsHeader(t *testing.T) {
	var gotAuth []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = append(gotAuth, r.Header.Get("Authorization"))
		w.Write([]byte(`{"ciphertext":"x"}`))
	}))
	defer srv.Close()

	noSession := TokenFunc(func(ctx context.Context) (string, error) {
		return "", domain.ErrNotAuthenticated
	})
	if _, err := New(srv.URL, WithTokenProvider(noSession)).FetchHistory(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := New(srv.URL).FetchHistory(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, h := range gotAuth {
		if h != "" {
			t.Errorf("request %d: want no Authorization header, got %q", i, h)
		}
	}
}

func TestClient_TokenProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent")
	}))
	defer srv.Close()

	broken := TokenFunc(func(ctx context.Context) (string, error) {
		return "", errors.New("store unavailable")
	})
	_, err := New(srv.URL, WithTokenProvider(broken)).FetchHistory(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestClient_AuthEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/register", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("register must not send a bearer token")
		}
		var req RegisterRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(UserResponse{UserID: req.UserID, Email: req.Email})
	})
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req LoginRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Invalid credentials"))
			return
		}
		json.NewEncoder(w).Encode(TokenResponse{AccessToken: "tok", TokenType: "bearer"})
	})
	mux.HandleFunc("/he/register-key", func(w http.ResponseWriter, r *http.Request) {
		var req RegisterKeyRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(RegisterKeyResponse{Status: "ok", KeyID: req.KeyID})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	c := New(srv.URL, WithTokenProvider(staticToken("tok")))

	user, err := c.Register(ctx, RegisterRequest{UserID: "alice", Password: "secret", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if user.UserID != "alice" {
		t.Errorf("want user alice, got %s", user.UserID)
	}

	token, err := c.Login(ctx, LoginRequest{UserID: "alice", Password: "secret"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if token.AccessToken != "tok" {
		t.Errorf("want token tok, got %s", token.AccessToken)
	}

	_, err = c.Login(ctx, LoginRequest{UserID: "alice", Password: "wrong"})
	if err == nil || err.Error() != "Invalid credentials" {
		t.Errorf("want Invalid credentials, got %v", err)
	}

	reg, err := c.RegisterKey(ctx, RegisterKeyRequest{KeyID: "key-1", EvalContextB64: "pub"})
	if err != nil {
		t.Fatalf("RegisterKey failed: %v", err)
	}
	if reg.KeyID != "key-1" {
		t.Errorf("want key-1, got %s", reg.KeyID)
	}

	if err := c.Health(ctx); err != nil {
		t.Errorf("Health failed: %v", err)
	}
}
