package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jcollis/bastion/internal/auth"
	"github.com/jcollis/bastion/internal/models"
	"github.com/jcollis/bastion/internal/services"
	pkghttp "github.com/jcollis/bastion/pkg/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockAuthService struct {
	LoginFunc                 func(ctx context.Context, email, password, origin, clientSignature string) (*services.AuthResponse, error)
	RegisterFunc              func(ctx context.Context, email, password, name string) (*services.UserResponse, error)
	ChangePasswordFunc        func(ctx context.Context, userID, currentPassword, newPassword string) (*services.TokenPair, error)
	LogoutAllFunc             func(ctx context.Context, userID string) error
	AcceptTermsFunc           func(ctx context.Context, userID string) (*services.TokenPair, error)
	BeginTOTPEnrollmentFunc   func(ctx context.Context, userID string) (*services.TOTPEnrollment, error)
	ConfirmTOTPEnrollmentFunc func(ctx context.Context, userID, code string) error
	ReverifyTOTPFunc          func(ctx context.Context, userID, code string) (*services.TokenPair, error)
}

func (m *mockAuthService) Login(ctx context.Context, email, password, origin, clientSignature string) (*services.AuthResponse, error) {
	if m.LoginFunc != nil {
		return m.LoginFunc(ctx, email, password, origin, clientSignature)
	}
	return nil, models.ErrUnauthorized
}

func (m *mockAuthService) Register(ctx context.Context, email, password, name string) (*services.UserResponse, error) {
	if m.RegisterFunc != nil {
		return m.RegisterFunc(ctx, email, password, name)
	}
	return nil, models.ErrInternalServer
}

func (m *mockAuthService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) (*services.TokenPair, error) {
	if m.ChangePasswordFunc != nil {
		return m.ChangePasswordFunc(ctx, userID, currentPassword, newPassword)
	}
	return nil, models.ErrUnauthorized
}

func (m *mockAuthService) LogoutAll(ctx context.Context, userID string) error {
	if m.LogoutAllFunc != nil {
		return m.LogoutAllFunc(ctx, userID)
	}
	return nil
}

func (m *mockAuthService) AcceptTerms(ctx context.Context, userID string) (*services.TokenPair, error) {
	if m.AcceptTermsFunc != nil {
		return m.AcceptTermsFunc(ctx, userID)
	}
	return &services.TokenPair{AccessToken: "access", RefreshToken: "refresh"}, nil
}

func (m *mockAuthService) BeginTOTPEnrollment(ctx context.Context, userID string) (*services.TOTPEnrollment, error) {
	if m.BeginTOTPEnrollmentFunc != nil {
		return m.BeginTOTPEnrollmentFunc(ctx, userID)
	}
	return nil, models.ErrBadRequest
}

func (m *mockAuthService) ConfirmTOTPEnrollment(ctx context.Context, userID, code string) error {
	if m.ConfirmTOTPEnrollmentFunc != nil {
		return m.ConfirmTOTPEnrollmentFunc(ctx, userID, code)
	}
	return models.ErrBadRequest
}

func (m *mockAuthService) ReverifyTOTP(ctx context.Context, userID, code string) (*services.TokenPair, error) {
	if m.ReverifyTOTPFunc != nil {
		return m.ReverifyTOTPFunc(ctx, userID, code)
	}
	return nil, models.ErrBadRequest
}

type mockSessionService struct {
	RefreshFunc func(ctx context.Context, refreshToken string) (*services.TokenPair, error)
}

func (m *mockSessionService) Refresh(ctx context.Context, refreshToken string) (*services.TokenPair, error) {
	if m.RefreshFunc != nil {
		return m.RefreshFunc(ctx, refreshToken)
	}
	return nil, models.ErrUnauthorized
}

type mockEmailVerificationService struct {
	SendVerificationEmailFunc func(ctx context.Context, userID, email string) error
	VerifyEmailFunc           func(ctx context.Context, plainToken string) (string, error)
	ResendVerificationFunc    func(ctx context.Context, email string) error
	GetStatusFunc             func(ctx context.Context, userID string) (bool, error)

	SentTo []string
}

func (m *mockEmailVerificationService) SendVerificationEmail(ctx context.Context, userID, email string) error {
	m.SentTo = append(m.SentTo, email)
	if m.SendVerificationEmailFunc != nil {
		return m.SendVerificationEmailFunc(ctx, userID, email)
	}
	return nil
}

func (m *mockEmailVerificationService) VerifyEmail(ctx context.Context, plainToken string) (string, error) {
	if m.VerifyEmailFunc != nil {
		return m.VerifyEmailFunc(ctx, plainToken)
	}
	return "", models.ErrUnauthorized
}

func (m *mockEmailVerificationService) ResendVerification(ctx context.Context, email string) error {
	if m.ResendVerificationFunc != nil {
		return m.ResendVerificationFunc(ctx, email)
	}
	return nil
}

func (m *mockEmailVerificationService) GetStatus(ctx context.Context, userID string) (bool, error) {
	if m.GetStatusFunc != nil {
		return m.GetStatusFunc(ctx, userID)
	}
	return false, nil
}

func newAuthHandler(svc *mockAuthService, sessions *mockSessionService, verif *mockEmailVerificationService) *AuthHandler {
	if sessions == nil {
		sessions = &mockSessionService{}
	}
	return NewAuthHandler(svc, sessions, verif, &pkghttp.IPConfig{})
}

func jsonRequest(t *testing.T, method, path string, body interface{}) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.7:51234"
	return req
}

func withClaims(r *http.Request, userID string) *http.Request {
	claims := &models.TokenClaims{Type: "access", UserID: userID, Generation: 1}
	return r.WithContext(context.WithValue(r.Context(), auth.UserContextKey, claims))
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	code, _ := resp["error"].(string)
	return code
}

func TestLogin_Success(t *testing.T) {
	svc := &mockAuthService{
		LoginFunc: func(_ context.Context, email, password, origin, clientSignature string) (*services.AuthResponse, error) {
			assert.Equal(t, "user@example.com", email)
			assert.Equal(t, "203.0.113.7", origin)
			return &services.AuthResponse{
				AccessToken:  "access-token",
				RefreshToken: "refresh-token",
				User:         &services.UserResponse{ID: "user-1", Email: email},
			}, nil
		},
	}
	handler := newAuthHandler(svc, nil, nil)

	req := jsonRequest(t, http.MethodPost, "/auth/login", map[string]string{
		"email":    "User@Example.com",
		"password": "Correct-Horse-7!",
	})
	rec := httptest.NewRecorder()

	handler.Login(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp services.AuthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "access-token", resp.AccessToken)
	assert.Equal(t, "refresh-token", resp.RefreshToken)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	handler := newAuthHandler(&mockAuthService{}, nil, nil)

	req := jsonRequest(t, http.MethodPost, "/auth/login", map[string]string{
		"email":    "user@example.com",
		"password": "wrong",
	})
	rec := httptest.NewRecorder()

	handler.Login(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogin_LockedAccountGetsRetryAfter(t *testing.T) {
	svc := &mockAuthService{
		LoginFunc: func(context.Context, string, string, string, string) (*services.AuthResponse, error) {
			return nil, &services.AccountLockedError{RetryAfter: 90 * time.Second}
		},
	}
	handler := newAuthHandler(svc, nil, nil)

	req := jsonRequest(t, http.MethodPost, "/auth/login", map[string]string{
		"email":    "user@example.com",
		"password": "wrong",
	})
	rec := httptest.NewRecorder()

	handler.Login(rec, req)

	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))
}

func TestLogin_GateErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"email not verified", models.ErrEmailNotVerified, http.StatusForbidden, "email_not_verified"},
		{"terms not accepted", models.ErrTermsNotAccepted, http.StatusForbidden, "terms_not_accepted"},
		{"account blocked", models.ErrAccountBlocked, http.StatusForbidden, "forbidden"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				LoginFunc: func(context.Context, string, string, string, string) (*services.AuthResponse, error) {
					return nil, tt.err
				},
			}
			handler := newAuthHandler(svc, nil, nil)

			req := jsonRequest(t, http.MethodPost, "/auth/login", map[string]string{
				"email":    "user@example.com",
				"password": "Correct-Horse-7!",
			})
			rec := httptest.NewRecorder()

			handler.Login(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, errorCode(t, rec))
		})
	}
}

func TestLogin_InvalidBody(t *testing.T) {
	handler := newAuthHandler(&mockAuthService{}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()

	handler.Login(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogin_MissingEmailRejected(t *testing.T) {
	handler := newAuthHandler(&mockAuthService{}, nil, nil)

	req := jsonRequest(t, http.MethodPost, "/auth/login", map[string]string{"password": "x"})
	rec := httptest.NewRecorder()

	handler.Login(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegister_SuccessSendsVerification(t *testing.T) {
	verif := &mockEmailVerificationService{}
	svc := &mockAuthService{
		RegisterFunc: func(_ context.Context, email, _, _ string) (*services.UserResponse, error) {
			return &services.UserResponse{ID: "user-1", Email: email}, nil
		},
	}
	handler := newAuthHandler(svc, nil, verif)

	req := jsonRequest(t, http.MethodPost, "/auth/register", map[string]string{
		"email":    "new@example.com",
		"password": "Str0ng-Passw0rd!",
		"name":     "New User",
	})
	rec := httptest.NewRecorder()

	handler.Register(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"new@example.com"}, verif.SentTo)
}

func TestRegister_DuplicateIndistinguishable(t *testing.T) {
	verif := &mockEmailVerificationService{}
	svc := &mockAuthService{
		RegisterFunc: func(context.Context, string, string, string) (*services.UserResponse, error) {
			return nil, models.ErrConflict
		},
	}
	handler := newAuthHandler(svc, nil, verif)

	req := jsonRequest(t, http.MethodPost, "/auth/register", map[string]string{
		"email":    "taken@example.com",
		"password": "Str0ng-Passw0rd!",
		"name":     "New User",
	})
	rec := httptest.NewRecorder()

	handler.Register(rec, req)

	// Same 202 as a fresh registration, but no email goes out.
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, verif.SentTo)
}

func TestRegister_WeakPasswordIndistinguishable(t *testing.T) {
	svc := &mockAuthService{
		RegisterFunc: func(context.Context, string, string, string) (*services.UserResponse, error) {
			return nil, errors.New("invalid password: must contain at least one uppercase letter")
		},
	}
	handler := newAuthHandler(svc, nil, &mockEmailVerificationService{})

	req := jsonRequest(t, http.MethodPost, "/auth/register", map[string]string{
		"email":    "new@example.com",
		"password": "weak",
		"name":     "New User",
	})
	rec := httptest.NewRecorder()

	handler.Register(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRefreshToken_Success(t *testing.T) {
	sessions := &mockSessionService{
		RefreshFunc: func(_ context.Context, refreshToken string) (*services.TokenPair, error) {
			assert.Equal(t, "refresh-token", refreshToken)
			return &services.TokenPair{AccessToken: "new-access", RefreshToken: "new-refresh"}, nil
		},
	}
	handler := newAuthHandler(&mockAuthService{}, sessions, nil)

	req := jsonRequest(t, http.MethodPost, "/auth/refresh", map[string]string{
		"refresh_token": "refresh-token",
	})
	rec := httptest.NewRecorder()

	handler.RefreshToken(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var pair services.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	assert.Equal(t, "new-access", pair.AccessToken)
}

func TestRefreshToken_Superseded(t *testing.T) {
	sessions := &mockSessionService{
		RefreshFunc: func(context.Context, string) (*services.TokenPair, error) {
			return nil, models.ErrSessionSuperseded
		},
	}
	handler := newAuthHandler(&mockAuthService{}, sessions, nil)

	req := jsonRequest(t, http.MethodPost, "/auth/refresh", map[string]string{
		"refresh_token": "stale-token",
	})
	rec := httptest.NewRecorder()

	handler.RefreshToken(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "session_superseded", errorCode(t, rec))
}

func TestChangePassword_Success(t *testing.T) {
	svc := &mockAuthService{
		ChangePasswordFunc: func(_ context.Context, userID, current, next string) (*services.TokenPair, error) {
			assert.Equal(t, "user-1", userID)
			assert.Equal(t, "Old-Passw0rd!", current)
			return &services.TokenPair{AccessToken: "fresh-access", RefreshToken: "fresh-refresh"}, nil
		},
	}
	handler := newAuthHandler(svc, nil, nil)

	req := withClaims(jsonRequest(t, http.MethodPost, "/auth/password", map[string]string{
		"current_password": "Old-Passw0rd!",
		"new_password":     "New-Passw0rd-9!",
	}), "user-1")
	rec := httptest.NewRecorder()

	handler.ChangePassword(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChangePassword_WrongCurrentPassword(t *testing.T) {
	svc := &mockAuthService{
		ChangePasswordFunc: func(context.Context, string, string, string) (*services.TokenPair, error) {
			return nil, models.ErrUnauthorized
		},
	}
	handler := newAuthHandler(svc, nil, nil)

	req := withClaims(jsonRequest(t, http.MethodPost, "/auth/password", map[string]string{
		"current_password": "wrong",
		"new_password":     "New-Passw0rd-9!",
	}), "user-1")
	rec := httptest.NewRecorder()

	handler.ChangePassword(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChangePassword_WeakNewPassword(t *testing.T) {
	svc := &mockAuthService{
		ChangePasswordFunc: func(context.Context, string, string, string) (*services.TokenPair, error) {
			return nil, errors.New("invalid password: must be at least 8 characters")
		},
	}
	handler := newAuthHandler(svc, nil, nil)

	req := withClaims(jsonRequest(t, http.MethodPost, "/auth/password", map[string]string{
		"current_password": "Old-Passw0rd!",
		"new_password":     "short",
	}), "user-1")
	rec := httptest.NewRecorder()

	handler.ChangePassword(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChangePassword_NoClaims(t *testing.T) {
	handler := newAuthHandler(&mockAuthService{}, nil, nil)

	req := jsonRequest(t, http.MethodPost, "/auth/password", map[string]string{
		"current_password": "Old-Passw0rd!",
		"new_password":     "New-Passw0rd-9!",
	})
	rec := httptest.NewRecorder()

	handler.ChangePassword(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutAll(t *testing.T) {
	var loggedOut string
	svc := &mockAuthService{
		LogoutAllFunc: func(_ context.Context, userID string) error {
			loggedOut = userID
			return nil
		},
	}
	handler := newAuthHandler(svc, nil, nil)

	req := withClaims(jsonRequest(t, http.MethodPost, "/auth/logout-all", nil), "user-1")
	rec := httptest.NewRecorder()

	handler.LogoutAll(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "user-1", loggedOut)
}

func TestAcceptTerms_ReturnsFreshPair(t *testing.T) {
	handler := newAuthHandler(&mockAuthService{}, nil, nil)

	req := withClaims(jsonRequest(t, http.MethodPost, "/auth/accept-terms", nil), "user-1")
	rec := httptest.NewRecorder()

	handler.AcceptTerms(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var pair services.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
}

func TestTOTP_DisabledWhenUnconfigured(t *testing.T) {
	handler := newAuthHandler(&mockAuthService{}, nil, nil)

	req := withClaims(jsonRequest(t, http.MethodPost, "/auth/totp/enroll", nil), "user-1")
	rec := httptest.NewRecorder()

	handler.BeginTOTPEnrollment(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReverifyTOTP_InvalidCode(t *testing.T) {
	svc := &mockAuthService{
		ReverifyTOTPFunc: func(context.Context, string, string) (*services.TokenPair, error) {
			return nil, models.ErrUnauthorized
		},
	}
	handler := newAuthHandler(svc, nil, nil)

	req := withClaims(jsonRequest(t, http.MethodPost, "/auth/totp/reverify", map[string]string{
		"code": "000000",
	}), "user-1")
	rec := httptest.NewRecorder()

	handler.ReverifyTOTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestReverifyTOTP_RotatesSession(t *testing.T) {
	svc := &mockAuthService{
		ReverifyTOTPFunc: func(_ context.Context, userID, code string) (*services.TokenPair, error) {
			assert.Equal(t, "123456", code)
			return &services.TokenPair{AccessToken: "rotated-access", RefreshToken: "rotated-refresh"}, nil
		},
	}
	handler := newAuthHandler(svc, nil, nil)

	req := withClaims(jsonRequest(t, http.MethodPost, "/auth/totp/reverify", map[string]string{
		"code": "123456",
	}), "user-1")
	rec := httptest.NewRecorder()

	handler.ReverifyTOTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var pair services.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	assert.Equal(t, "rotated-access", pair.AccessToken)
}

func TestVerifyEmail_Success(t *testing.T) {
	verif := &mockEmailVerificationService{
		VerifyEmailFunc: func(_ context.Context, token string) (string, error) {
			assert.Equal(t, "valid-token", token)
			return "user-1", nil
		},
	}
	handler := newAuthHandler(&mockAuthService{}, nil, verif)

	req := jsonRequest(t, http.MethodPost, "/auth/verify-email", map[string]string{
		"token": "valid-token",
	})
	rec := httptest.NewRecorder()

	handler.VerifyEmail(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestVerifyEmail_InvalidToken(t *testing.T) {
	handler := newAuthHandler(&mockAuthService{}, nil, &mockEmailVerificationService{})

	req := jsonRequest(t, http.MethodPost, "/auth/verify-email", map[string]string{
		"token": "bogus",
	})
	rec := httptest.NewRecorder()

	handler.VerifyEmail(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestResendVerification_AlwaysAccepted(t *testing.T) {
	verif := &mockEmailVerificationService{
		ResendVerificationFunc: func(context.Context, string) error {
			return models.ErrNotFound
		},
	}
	handler := newAuthHandler(&mockAuthService{}, nil, verif)

	req := jsonRequest(t, http.MethodPost, "/auth/resend-verification", map[string]string{
		"email": "ghost@example.com",
	})
	rec := httptest.NewRecorder()

	handler.ResendVerification(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestVerificationStatus(t *testing.T) {
	verif := &mockEmailVerificationService{
		GetStatusFunc: func(context.Context, string) (bool, error) {
			return true, nil
		},
	}
	handler := newAuthHandler(&mockAuthService{}, nil, verif)

	req := withClaims(jsonRequest(t, http.MethodGet, "/auth/verification-status", nil), "user-1")
	rec := httptest.NewRecorder()

	handler.VerificationStatus(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp VerificationStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.EmailVerified)
	assert.False(t, resp.VerificationRequired)
}
