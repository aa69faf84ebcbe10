package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"zenixcore/internal/events"
	"zenixcore/internal/monitor"
	"zenixcore/pkg/db"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func signToken(t *testing.T, secret, userID string, expiresAt time.Time) string {
	t.Helper()
	claims := UserClaims{
		UserID:           userID,
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID, ExpiresAt: jwt.NewNumericDate(expiresAt)},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func TestHealthzReturnsOK(t *testing.T) {
	s := NewServer(events.NewBus(), monitor.NewMetrics(), nil, "secret", true)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMetricsRouteServesPrometheusFormat(t *testing.T) {
	s := NewServer(events.NewBus(), monitor.NewMetrics(), nil, "secret", true)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected non-empty metrics body")
	}
}

func TestLogsStreamRejectsMissingBearer(t *testing.T) {
	s := NewServer(events.NewBus(), monitor.NewMetrics(), nil, "secret", true)

	req := httptest.NewRequest(http.MethodGet, "/v1/logs/stream", nil)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestLogsStreamRejectsExpiredToken(t *testing.T) {
	s := NewServer(events.NewBus(), monitor.NewMetrics(), nil, "secret", true)
	expired := signToken(t, "secret", "u1", time.Now().Add(-time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/v1/logs/stream", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for an expired token", rec.Code)
	}
}

func TestLogsStreamRejectsWrongSigningSecret(t *testing.T) {
	s := NewServer(events.NewBus(), monitor.NewMetrics(), nil, "secret", true)
	tok := signToken(t, "wrong-secret", "u1", time.Now().Add(time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/v1/logs/stream", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for a token signed with the wrong secret", rec.Code)
	}
}

func TestLogsStreamAllowsAnyoneWhenAuthDisabled(t *testing.T) {
	s := NewServer(events.NewBus(), monitor.NewMetrics(), nil, "secret", false)

	req := httptest.NewRequest(http.MethodGet, "/v1/logs/stream", nil)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	if rec.Code == http.StatusUnauthorized {
		t.Fatalf("status = %d, want non-401 when ops auth is disabled", rec.Code)
	}
}

func TestAuthMiddlewareSetsCurrentUserID(t *testing.T) {
	router := gin.New()
	router.Use(AuthMiddleware("secret"))
	router.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": CurrentUserID(c)})
	})

	tok := signToken(t, "secret", "u42", time.Now().Add(time.Hour))
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if want := `"user_id":"u42"`; !strings.Contains(rec.Body.String(), want) {
		t.Fatalf("body %q does not contain %q", rec.Body.String(), want)
	}
}

func newTestQueries(t *testing.T, userID string) *db.SessionQueries {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	if err := database.UpsertUserSession(context.Background(), db.UserSession{
		UserID:              userID,
		VenueTokenEncrypted: "ENC[v1]:xx",
		Symbol:              "R_100",
		Mode:                "veloz",
		Profile:             "moderado",
		Currency:            "USD",
		StakeBase:           1.0,
		Status:              "STOPPED",
	}); err != nil {
		t.Fatalf("UpsertUserSession: %v", err)
	}
	return db.NewSessionQueries(database.DB)
}

func TestGetSessionReturnsAuthenticatedUsersSession(t *testing.T) {
	s := NewServer(events.NewBus(), monitor.NewMetrics(), newTestQueries(t, "u1"), "secret", true)
	tok := signToken(t, "secret", "u1", time.Now().Add(time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"UserID":"u1"`) {
		t.Fatalf("body %q does not contain the requesting user's session", rec.Body.String())
	}
}

func TestGetSessionRejectsOtherUsersData(t *testing.T) {
	s := NewServer(events.NewBus(), monitor.NewMetrics(), newTestQueries(t, "u1"), "secret", true)
	tok := signToken(t, "secret", "someone-else", time.Now().Add(time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for a user with no session", rec.Code)
	}
}

func TestSessionRoutesNotRegisteredWithoutQueries(t *testing.T) {
	s := NewServer(events.NewBus(), monitor.NewMetrics(), nil, "secret", true)
	tok := signToken(t, "secret", "u1", time.Now().Add(time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 when no SessionQueries is wired", rec.Code)
	}
}
