package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"zenixcore/internal/tickstore"
	"zenixcore/pkg/db"
)

// snapshotDepth mirrors spec.md §4.2's "last 50 ticks" recovery window;
// it is independent of a stream's in-memory maxHistory capacity.
const snapshotDepth = 50

// RestoreSnapshots seeds the Tick Store's configured symbols from their
// persisted ai_websocket_state rows, if any, so the Analysis Kernel has
// recent history immediately after a process restart instead of waiting
// out a full back-fill window.
func RestoreSnapshots(ctx context.Context, database *db.Database, ticks *tickstore.Store, maxHistory int, symbols []string) error {
	for _, symbol := range symbols {
		snap, err := database.GetStreamSnapshot(ctx, symbol)
		if err != nil {
			return fmt.Errorf("orchestrator: get snapshot for %s: %w", symbol, err)
		}
		stream := ticks.EnsureSymbol(symbol, maxHistory)
		if snap == nil {
			continue
		}
		var restored []tickstore.Tick
		if err := json.Unmarshal([]byte(snap.TicksDataJSON), &restored); err != nil {
			log.Printf("orchestrator: discarding unreadable snapshot for %s: %v", symbol, err)
			continue
		}
		stream.Restore(restored)
		if snap.SubscriptionID != "" {
			stream.SetSubscription(snap.SubscriptionID)
		}
		log.Printf("orchestrator: restored %d tick(s) for %s from snapshot", len(restored), symbol)
	}
	return nil
}

// PersistSnapshots writes each symbol's last snapshotDepth ticks to
// ai_websocket_state, overwriting any prior snapshot for that symbol.
func PersistSnapshots(ctx context.Context, database *db.Database, ticks *tickstore.Store, symbols []string) error {
	for _, symbol := range symbols {
		stream := ticks.Stream(symbol)
		if stream == nil {
			continue
		}
		last := stream.LastN(snapshotDepth)
		data, err := json.Marshal(last)
		if err != nil {
			return fmt.Errorf("orchestrator: marshal snapshot for %s: %w", symbol, err)
		}
		lastReceived := sql.NullTime{}
		if t := stream.LastReceivedAt(); !t.IsZero() {
			lastReceived = sql.NullTime{Time: t, Valid: true}
		}
		err = database.SaveStreamSnapshot(ctx, db.StreamSnapshot{
			Symbol:             symbol,
			SubscriptionID:     stream.SubscriptionID(),
			TicksDataJSON:      string(data),
			TotalTicks:         int64(stream.Count()),
			LastTickReceivedAt: lastReceived,
			IsConnected:        stream.Count() > 0,
		})
		if err != nil {
			return fmt.Errorf("orchestrator: save snapshot for %s: %w", symbol, err)
		}
	}
	return nil
}

// StartSnapshotLoop persists every configured symbol's tick snapshot on
// interval until ctx is cancelled.
func StartSnapshotLoop(ctx context.Context, database *db.Database, ticks *tickstore.Store, symbols []string, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := PersistSnapshots(ctx, database, ticks, symbols); err != nil {
					log.Printf("orchestrator: persist snapshots: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
