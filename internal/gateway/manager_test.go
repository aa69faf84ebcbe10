package gateway

import (
	"context"
	"testing"
	"time"

	"zenixcore/pkg/db"
	"zenixcore/pkg/venue"
)

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	return database
}

func seedSession(t *testing.T, database *db.Database, userID string) {
	t.Helper()
	if err := database.UpsertUserSession(context.Background(), db.UserSession{
		UserID:              userID,
		VenueTokenEncrypted: "plain-test-token",
		Symbol:              "R_100",
		Mode:                "veloz",
		StakeBase:           1.0,
		MartingaleTier:      "conservador",
		MartingaleMaxLevels: 5,
		Status:              "STOPPED",
	}); err != nil {
		t.Fatalf("UpsertUserSession: %v", err)
	}
}

func fakeFactory(built *[]string) ClientFactory {
	return func(session *db.UserSession, token string) *venue.Client {
		*built = append(*built, session.UserID)
		return venue.NewClient("wss://example.invalid", "1", venue.ReconnectConfig{}, venue.Timeouts{}, 0)
	}
}

func TestGetOrCreateBuildsOnceAndReusesAfter(t *testing.T) {
	database := newTestDB(t)
	seedSession(t, database, "u1")

	var built []string
	mgr := NewManager(database, nil, fakeFactory(&built), DefaultConfig())

	c1, err := mgr.GetOrCreate(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	c2, err := mgr.GetOrCreate(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetOrCreate (2nd): %v", err)
	}
	if c1 != c2 {
		t.Fatal("expected the same pooled client on the second call")
	}
	if len(built) != 1 {
		t.Fatalf("expected factory to run once, ran %d times", len(built))
	}
}

func TestGetOrCreateReturnsNotFoundForUnknownUser(t *testing.T) {
	database := newTestDB(t)
	var built []string
	mgr := NewManager(database, nil, fakeFactory(&built), DefaultConfig())

	if _, err := mgr.GetOrCreate(context.Background(), "ghost"); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCircuitBreakerBlocksAfterFailureThreshold(t *testing.T) {
	database := newTestDB(t)
	seedSession(t, database, "u1")

	var built []string
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	cfg.CircuitTimeout = time.Hour
	mgr := NewManager(database, nil, fakeFactory(&built), cfg)

	if _, err := mgr.GetOrCreate(context.Background(), "u1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	mgr.RecordFailure("u1")
	mgr.RecordFailure("u1")

	if _, err := mgr.GetOrCreate(context.Background(), "u1"); err != ErrGatewayUnhealthy {
		t.Fatalf("expected ErrGatewayUnhealthy after threshold failures, got %v", err)
	}
}

func TestRecordSuccessResetsCircuitBreaker(t *testing.T) {
	database := newTestDB(t)
	seedSession(t, database, "u1")

	var built []string
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	mgr := NewManager(database, nil, fakeFactory(&built), cfg)

	if _, err := mgr.GetOrCreate(context.Background(), "u1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	mgr.RecordFailure("u1")
	mgr.RecordSuccess("u1")

	if _, err := mgr.GetOrCreate(context.Background(), "u1"); err != nil {
		t.Fatalf("expected circuit to be reset, got %v", err)
	}
}

func TestGetOrCreateEvictsLRUWhenPoolFull(t *testing.T) {
	database := newTestDB(t)
	seedSession(t, database, "u1")
	seedSession(t, database, "u2")

	var built []string
	cfg := DefaultConfig()
	cfg.MaxSize = 1
	mgr := NewManager(database, nil, fakeFactory(&built), cfg)

	if _, err := mgr.GetOrCreate(context.Background(), "u1"); err != nil {
		t.Fatalf("GetOrCreate u1: %v", err)
	}
	// A second distinct user evicts the LRU entry rather than failing,
	// since MaxSize eviction makes room before ErrPoolFull would apply.
	if _, err := mgr.GetOrCreate(context.Background(), "u2"); err != nil {
		t.Fatalf("GetOrCreate u2: %v", err)
	}
	if mgr.Stats().TotalClients != 1 {
		t.Fatalf("expected LRU eviction to keep pool at MaxSize 1, got %d", mgr.Stats().TotalClients)
	}
}

func TestRemoveClosesAndEvicts(t *testing.T) {
	database := newTestDB(t)
	seedSession(t, database, "u1")

	var built []string
	mgr := NewManager(database, nil, fakeFactory(&built), DefaultConfig())
	if _, err := mgr.GetOrCreate(context.Background(), "u1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	mgr.Remove("u1")
	if mgr.Stats().TotalClients != 0 {
		t.Fatalf("expected pool empty after Remove, got %d", mgr.Stats().TotalClients)
	}
}
