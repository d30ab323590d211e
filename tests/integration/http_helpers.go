package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/jcollis/bastion/internal/auth"
	"github.com/jcollis/bastion/internal/config"
	"github.com/jcollis/bastion/internal/database"
	"github.com/jcollis/bastion/internal/handlers"
	middlewareCustom "github.com/jcollis/bastion/internal/middleware"
	"github.com/jcollis/bastion/internal/models"
	"github.com/jcollis/bastion/internal/repositories"
	"github.com/jcollis/bastion/internal/routes"
	"github.com/jcollis/bastion/internal/services"
	pkghttp "github.com/jcollis/bastion/pkg/http"
	pkglogger "github.com/jcollis/bastion/pkg/logger"
)

// SentEmail represents a captured email message
type SentEmail struct {
	To      string
	Subject string
	Body    string
}

// MockEmailService captures sent emails for test assertions
type MockEmailService struct {
	SentEmails []SentEmail
	mu         sync.Mutex
}

// SendVerificationEmail records the email
func (m *MockEmailService) SendVerificationEmail(ctx context.Context, email, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SentEmails = append(m.SentEmails, SentEmail{
		To:      email,
		Subject: "Verify your email",
		Body:    "Verification token: " + token,
	})
	return nil
}

// GetLastEmail returns the most recent email sent
func (m *MockEmailService) GetLastEmail() *SentEmail {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.SentEmails) == 0 {
		return nil
	}
	return &m.SentEmails[len(m.SentEmails)-1]
}

// TestServer wraps httptest.Server with database and all dependencies
type TestServer struct {
	Server       *httptest.Server
	Pool         *database.DB
	EmailService *MockEmailService
	UserRepo     *repositories.UserRepository

	logger *slog.Logger
}

// testPolicies uses tight thresholds so escalation behavior is reachable
// with a handful of requests.
func testPolicies() map[models.Category]models.CategoryPolicy {
	return map[models.Category]models.CategoryPolicy{
		models.CategoryBruteForce: {
			Window: 10 * time.Minute, WarnThreshold: 5, BlockThreshold: 9,
			Severity: models.SeverityHigh,
		},
		models.CategoryScan: {
			Window: 10 * time.Minute, WarnThreshold: 10, BlockThreshold: 25,
			Severity: models.SeverityLow,
		},
		models.CategorySensitivePath: {
			Window: 30 * time.Minute, WarnThreshold: 1, BlockThreshold: 3,
			Severity: models.SeverityCritical,
		},
		models.CategoryPayloadInjection: {
			Window: 30 * time.Minute, WarnThreshold: 1, BlockThreshold: 2,
			Severity: models.SeverityCritical,
		},
		models.CategoryBurst: {
			Window: 10 * time.Minute, WarnThreshold: 3, BlockThreshold: 6,
			Severity: models.SeverityMedium,
		},
		models.CategoryBadSignature: {
			Window: 30 * time.Minute, WarnThreshold: 1, BlockThreshold: 1,
			Severity: models.SeverityCritical, Immediate: true,
		},
	}
}

// NewTestServer initializes a complete HTTP server with real database + mocked email
func NewTestServer(db *database.DB) *TestServer {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	userRepo := repositories.NewUserRepository(db)
	attemptRepo := repositories.NewAttemptRepository(db)
	incidentRepo := repositories.NewIncidentRepository(db)
	blockRepo := repositories.NewBlockRepository(db)
	emailVerifRepo := repositories.NewEmailVerificationRepository(db)

	auditLogger := pkglogger.NewAuditLogger(logger)
	mockEmail := &MockEmailService{}

	counter := services.NewMemoryRequestCounter(time.Minute)
	classifier := services.NewClassifier(1000)
	registryService := services.NewBlockRegistryService(blockRepo, incidentRepo, logger, auditLogger)
	escalationService := services.NewEscalationService(incidentRepo, registryService, testPolicies(), logger, auditLogger)

	tokenManager := auth.NewTokenManager(
		"test-secret-32-characters-long-for-testing",
		15*time.Minute,
		7*24*time.Hour,
	)
	sessionService := services.NewSessionService(userRepo, tokenManager, logger, auditLogger)
	lockoutService := services.NewLockoutService(userRepo, config.LockoutConfig{
		TempThreshold:      3,
		TempWindow:         15 * time.Minute,
		PermanentThreshold: 6,
	}, logger)

	// No artificial delay in tests.
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{})

	emailVerificationService := services.NewEmailVerificationService(
		emailVerifRepo,
		userRepo,
		mockEmail,
		logger,
		24*time.Hour,
	)

	authService := services.NewAuthService(
		userRepo,
		attemptRepo,
		lockoutService,
		escalationService,
		sessionService,
		timingDelay,
		nil,
		logger,
		auditLogger,
		24*time.Hour,
	)

	ipConfig := &pkghttp.IPConfig{}
	detector := middlewareCustom.NewDetector(registryService, escalationService, classifier, counter, ipConfig, logger)

	authHandler := handlers.NewAuthHandler(authService, sessionService, emailVerificationService, ipConfig)
	adminHandler := handlers.NewAdminHandler(registryService, escalationService, attemptRepo, userRepo)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: "test"}))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))
	r.Use(detector.Middleware)
	r.NotFound(detector.NotFoundHandler())

	routes.RegisterRoutes(r, authHandler, adminHandler, sessionService, userRepo,
		middlewareCustom.RateLimitConfig{RequestsPerMinute: 1000})

	server := httptest.NewServer(r)

	return &TestServer{
		Server:       server,
		Pool:         db,
		EmailService: mockEmail,
		UserRepo:     userRepo,
		logger:       logger,
	}
}

// Close shuts down the test server
func (ts *TestServer) Close() {
	if ts.Server != nil {
		ts.Server.Close()
	}
}

// Request makes an HTTP request to the test server
func (ts *TestServer) Request(method, path string, body interface{}, headers map[string]string) (*http.Response, error) {
	url := ts.Server.URL + path

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	// A browser-looking signature so the classifier leaves test traffic alone.
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) IntegrationTest/1.0")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return http.DefaultClient.Do(req)
}

// RequestWithAuth makes an authenticated HTTP request with access token
func (ts *TestServer) RequestWithAuth(method, path, accessToken string, body interface{}) (*http.Response, error) {
	headers := map[string]string{
		"Authorization": "Bearer " + accessToken,
	}
	return ts.Request(method, path, body, headers)
}

// ParseJSONResponse parses JSON response body into target struct
func ParseJSONResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}

// ExtractTokensFromResponse extracts access/refresh tokens from auth response
func ExtractTokensFromResponse(resp *http.Response) (accessToken, refreshToken string, err error) {
	defer resp.Body.Close()

	var authResp map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return "", "", err
	}

	if access, ok := authResp["access_token"].(string); ok {
		accessToken = access
	}
	if refresh, ok := authResp["refresh_token"].(string); ok {
		refreshToken = refresh
	}

	return
}

// GetErrorCode extracts the error code from an error response
func GetErrorCode(resp *http.Response) (string, error) {
	defer resp.Body.Close()
	var errResp map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		return "", err
	}
	if code, ok := errResp["error"].(string); ok {
		return code, nil
	}
	return "", nil
}
