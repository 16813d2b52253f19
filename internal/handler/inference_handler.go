// Package handler はHTTPハンドラを提供する。
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"fhe-emotion-client/internal/client"
	"fhe-emotion-client/internal/domain"
	"fhe-emotion-client/internal/middleware"
	"fhe-emotion-client/internal/usecase"
	"fhe-emotion-client/pkg/httputil"
)

// InferenceHandler はモック推論サーバーのHTTPハンドラを提供する。
// リクエスト・レスポンスの形式はクライアントと共通の client パッケージの型を使う。
type InferenceHandler struct {
	service *usecase.InferenceService
}

// NewInferenceHandler は新しいInferenceHandlerを生成する。
func NewInferenceHandler(service *usecase.InferenceService) *InferenceHandler {
	return &InferenceHandler{service: service}
}

// HealthResponse は死活確認のレスポンス形式。
type HealthResponse struct {
	Status string `json:"status"`
}

// Health は死活確認に応答する。
func (h *InferenceHandler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Register は利用者を登録する。
func (h *InferenceHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req client.RegisterRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "request body must be JSON")
		return
	}

	user, err := h.service.Register(r.Context(), req.UserID, req.Password, req.Email)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), middleware.AuditLog{Operation: "REGISTER", UserID: req.UserID, Result: middleware.ResultFailed})
		writeServiceError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), middleware.AuditLog{Operation: "REGISTER", UserID: user.UserID, Result: middleware.ResultSuccess})
	httputil.JSON(w, http.StatusCreated, client.UserResponse{UserID: user.UserID, Email: user.Email})
}

// Login はアクセストークンを発行する。
func (h *InferenceHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req client.LoginRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "request body must be JSON")
		return
	}

	token, err := h.service.Login(r.Context(), req.UserID, req.Password)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), middleware.AuditLog{Operation: "LOGIN", UserID: req.UserID, Result: middleware.ResultFailed})
		writeServiceError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), middleware.AuditLog{Operation: "LOGIN", UserID: req.UserID, Result: middleware.ResultSuccess})
	httputil.JSON(w, http.StatusOK, client.TokenResponse{AccessToken: token, TokenType: "bearer"})
}

// RegisterKey は公開鍵素材を登録する。
func (h *InferenceHandler) RegisterKey(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	var req client.RegisterKeyRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "request body must be JSON")
		return
	}

	audit := middleware.AuditLog{Operation: "REGISTER_KEY", UserID: userID, KeyID: req.KeyID}
	if err := h.service.RegisterKey(r.Context(), userID, req.KeyID, req.EvalContextB64, req.Scheme); err != nil {
		audit.Result = middleware.ResultFailed
		middleware.WriteAuditLog(r.Context(), audit)
		writeServiceError(w, err)
		return
	}

	audit.Result = middleware.ResultSuccess
	middleware.WriteAuditLog(r.Context(), audit)
	httputil.JSON(w, http.StatusOK, client.RegisterKeyResponse{Status: "ok", KeyID: req.KeyID})
}

// AnalyzeToday は暗号化された画像ベクトルを評価し、暗号化された予測を返す。
func (h *InferenceHandler) AnalyzeToday(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	var req client.AnalyzeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "request body must be JSON")
		return
	}

	audit := middleware.AuditLog{Operation: "ANALYZE_TODAY", UserID: userID, KeyID: req.KeyID}
	ciphertext, date, err := h.service.AnalyzeToday(r.Context(), userID, req.KeyID, req.Ciphertext)
	if err != nil {
		audit.Result = middleware.ResultFailed
		middleware.WriteAuditLog(r.Context(), audit)
		writeServiceError(w, err)
		return
	}

	audit.Result = middleware.ResultSuccess
	middleware.WriteAuditLog(r.Context(), audit)
	httputil.JSON(w, http.StatusOK, client.AnalyzeResponse{Ciphertext: ciphertext, Date: date})
}

// History は直近の予測を集計した暗号化レポートを返す。
func (h *InferenceHandler) History(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	var days *int
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "INVALID_DAYS", "days must be a positive integer")
			return
		}
		days = &n
	}

	ciphertext, err := h.service.History(r.Context(), userID, days)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), middleware.AuditLog{Operation: "HISTORY", UserID: userID, Result: middleware.ResultFailed})
		writeServiceError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), middleware.AuditLog{Operation: "HISTORY", UserID: userID, Result: middleware.ResultSuccess})
	httputil.JSON(w, http.StatusOK, client.HistoryResponse{Ciphertext: ciphertext})
}

// writeServiceError はユースケースのエラーをステータスコードに変換する。
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "required fields are missing or malformed")
	case errors.Is(err, domain.ErrInvalidDays):
		httputil.Error(w, http.StatusBadRequest, "INVALID_DAYS", "days must be a positive integer")
	case errors.Is(err, domain.ErrInvalidPayload):
		httputil.Error(w, http.StatusBadRequest, "INVALID_PAYLOAD", "ciphertext cannot be evaluated")
	case errors.Is(err, domain.ErrInvalidCredentials):
		httputil.Error(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid user id or password")
	case errors.Is(err, domain.ErrNotAuthenticated):
		httputil.Error(w, http.StatusUnauthorized, "NOT_AUTHENTICATED", "invalid or expired token")
	case errors.Is(err, domain.ErrUnknownKey):
		httputil.Error(w, http.StatusNotFound, "UNKNOWN_KEY", "key is not registered for this user")
	case errors.Is(err, domain.ErrKeyOwnedByOtherUser):
		httputil.Error(w, http.StatusConflict, "KEY_CONFLICT", "key is registered to another user")
	case errors.Is(err, domain.ErrUserAlreadyExists):
		httputil.Error(w, http.StatusConflict, "USER_ALREADY_EXISTS", "user already exists")
	default:
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}
