package orchestrator

import (
	"context"
	"testing"

	"zenixcore/internal/tickstore"
	"zenixcore/pkg/db"
)

func newSnapshotTestDB(t *testing.T) *db.Database {
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

func TestPersistAndRestoreSnapshotsRoundTrip(t *testing.T) {
	database := newSnapshotTestDB(t)
	ctx := context.Background()

	ticks := tickstore.NewStore()
	stream := ticks.EnsureSymbol("R_100", 100)
	for i := 0; i < 5; i++ {
		stream.Append(tickstore.NewTick(float64(1234+i), int64(1000+i)))
	}
	stream.SetSubscription("sub-1")

	if err := PersistSnapshots(ctx, database, ticks, []string{"R_100"}); err != nil {
		t.Fatalf("PersistSnapshots: %v", err)
	}

	restoredStore := tickstore.NewStore()
	if err := RestoreSnapshots(ctx, database, restoredStore, 100, []string{"R_100"}); err != nil {
		t.Fatalf("RestoreSnapshots: %v", err)
	}

	restoredStream := restoredStore.Stream("R_100")
	if restoredStream == nil {
		t.Fatal("expected R_100 stream to exist after restore")
	}
	if got := restoredStream.Count(); got != 5 {
		t.Fatalf("restored count = %d, want 5", got)
	}
	if got := restoredStream.SubscriptionID(); got != "sub-1" {
		t.Fatalf("restored subscription id = %q, want sub-1", got)
	}
	last, ok := restoredStream.Latest()
	if !ok || last.Epoch != 1004 {
		t.Fatalf("restored latest tick = %+v, ok=%v, want epoch 1004", last, ok)
	}
}

func TestRestoreSnapshotsLeavesStreamEmptyWhenNoneSaved(t *testing.T) {
	database := newSnapshotTestDB(t)
	ticks := tickstore.NewStore()

	if err := RestoreSnapshots(context.Background(), database, ticks, 100, []string{"R_50"}); err != nil {
		t.Fatalf("RestoreSnapshots: %v", err)
	}
	if got := ticks.Count("R_50"); got != 0 {
		t.Fatalf("count = %d, want 0 with no prior snapshot", got)
	}
}
