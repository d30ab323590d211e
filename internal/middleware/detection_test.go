package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jcollis/bastion/internal/models"
	pkghttp "github.com/jcollis/bastion/pkg/http"
	"github.com/stretchr/testify/assert"
)

type stubBlockChecker struct {
	blocked map[string]bool
}

func (s *stubBlockChecker) IsBlocked(_ context.Context, origin string) bool {
	return s.blocked[origin]
}

type stubRecorder struct {
	calls   []models.Category
	origins []string
	blocked bool
	err     error
}

func (s *stubRecorder) RecordIncident(_ context.Context, origin string, category models.Category) (int, bool, error) {
	s.calls = append(s.calls, category)
	s.origins = append(s.origins, origin)
	return len(s.calls), s.blocked, s.err
}

type stubClassifier struct {
	category models.Category
	ok       bool
	events   []models.Event
}

func (s *stubClassifier) Classify(event models.Event) (models.Category, bool) {
	s.events = append(s.events, event)
	return s.category, s.ok
}

type stubCounter struct {
	count int
	err   error
}

func (s *stubCounter) Hit(context.Context, string) (int, error) {
	return s.count, s.err
}

func newTestDetector(blocks *stubBlockChecker, recorder *stubRecorder, classifier *stubClassifier, counter *stubCounter) *Detector {
	return NewDetector(blocks, recorder, classifier, counter, &pkghttp.IPConfig{},
		slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func TestDetector_BlockedOriginRejected(t *testing.T) {
	blocks := &stubBlockChecker{blocked: map[string]bool{"203.0.113.7": true}}
	detector := newTestDetector(blocks, &stubRecorder{}, &stubClassifier{}, &stubCounter{})

	nextCalled := false
	handler := detector.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		nextCalled = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, nextCalled)
	assert.Contains(t, rec.Body.String(), "forbidden")
}

func TestDetector_BenignRequestPassesThrough(t *testing.T) {
	blocks := &stubBlockChecker{blocked: map[string]bool{}}
	recorder := &stubRecorder{}
	detector := newTestDetector(blocks, recorder, &stubClassifier{ok: false}, &stubCounter{count: 1})

	nextCalled := false
	handler := detector.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		nextCalled = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/verification-status", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.True(t, nextCalled)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, recorder.calls)
}

func TestDetector_ClassifiedEventRecorded(t *testing.T) {
	recorder := &stubRecorder{}
	classifier := &stubClassifier{category: models.CategorySensitivePath, ok: true}
	detector := newTestDetector(&stubBlockChecker{}, recorder, classifier, &stubCounter{})

	nextCalled := false
	handler := detector.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		nextCalled = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/.env", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	// Below the threshold the request still goes through.
	assert.True(t, nextCalled)
	assert.Equal(t, []models.Category{models.CategorySensitivePath}, recorder.calls)
	assert.Equal(t, []string{"203.0.113.7"}, recorder.origins,
		"the incident is charged to the address the event was observed from")
}

func TestDetector_EscalatedEventRejectsCurrentRequest(t *testing.T) {
	recorder := &stubRecorder{blocked: true}
	classifier := &stubClassifier{category: models.CategoryBadSignature, ok: true}
	detector := newTestDetector(&stubBlockChecker{}, recorder, classifier, &stubCounter{})

	nextCalled := false
	handler := detector.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		nextCalled = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	req.Header.Set("User-Agent", "sqlmap/1.7.2")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.False(t, nextCalled, "an immediately blocked origin gets no handler")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDetector_RecorderFailureFailsOpen(t *testing.T) {
	recorder := &stubRecorder{err: errors.New("incident store down")}
	classifier := &stubClassifier{category: models.CategoryScan, ok: true}
	detector := newTestDetector(&stubBlockChecker{}, recorder, classifier, &stubCounter{})

	nextCalled := false
	handler := detector.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		nextCalled = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.True(t, nextCalled, "detection storage failures never stall traffic")
}

func TestDetector_CounterFailureFailsOpen(t *testing.T) {
	classifier := &stubClassifier{ok: false}
	detector := newTestDetector(&stubBlockChecker{}, &stubRecorder{}, classifier, &stubCounter{err: errors.New("redis down")})

	nextCalled := false
	handler := detector.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		nextCalled = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.True(t, nextCalled)
	if assert.Len(t, classifier.events, 1) {
		ev := classifier.events[0].(models.RequestEvent)
		assert.Equal(t, 0, ev.RequestCount, "a dead counter contributes no burst signal")
	}
}

func TestDetector_BodyRestoredForDownstream(t *testing.T) {
	classifier := &stubClassifier{ok: false}
	detector := newTestDetector(&stubBlockChecker{}, &stubRecorder{}, classifier, &stubCounter{})

	var downstreamBody string
	handler := detector.Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		downstreamBody = string(body)
	}))

	payload := `{"email":"test@example.com","password":"secret"}`
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(payload))
	req.RemoteAddr = "203.0.113.7:51234"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, payload, downstreamBody)
	if assert.Len(t, classifier.events, 1) {
		ev := classifier.events[0].(models.RequestEvent)
		assert.Equal(t, payload, ev.Body, "the classifier sees the same bytes")
	}
}

func TestDetector_NotFoundHandlerRecordsScan(t *testing.T) {
	recorder := &stubRecorder{}
	classifier := &stubClassifier{category: models.CategoryScan, ok: true}
	detector := newTestDetector(&stubBlockChecker{}, recorder, classifier, &stubCounter{})

	req := httptest.NewRequest(http.MethodGet, "/no/such/route", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	rec := httptest.NewRecorder()

	detector.NotFoundHandler()(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, []models.Category{models.CategoryScan}, recorder.calls)
	if assert.Len(t, classifier.events, 1) {
		ev := classifier.events[0].(models.NotFoundEvent)
		assert.Equal(t, "/no/such/route", ev.Path)
	}
}

func TestDetector_NotFoundEscalationRejects(t *testing.T) {
	recorder := &stubRecorder{blocked: true}
	classifier := &stubClassifier{category: models.CategoryScan, ok: true}
	detector := newTestDetector(&stubBlockChecker{}, recorder, classifier, &stubCounter{})

	req := httptest.NewRequest(http.MethodGet, "/probe-9999", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	rec := httptest.NewRecorder()

	detector.NotFoundHandler()(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}
