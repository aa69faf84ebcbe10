// Package reconciliation periodically compares the venue's reported
// account balance against the locally tracked session balance for
// every active session, logging any drift beyond a small epsilon. This
// is an ambient consistency check: it never mutates session_balance,
// only surfaces divergence for an operator to investigate.
package reconciliation

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"zenixcore/pkg/db"
	"zenixcore/pkg/venue"
)

// BalanceQuerier performs a short-lived venue balance lookup for a
// user. *gateway.Caller satisfies this.
type BalanceQuerier interface {
	QueryBalance(ctx context.Context, userID string) (venue.Balance, error)
}

// LogSink records an alerta-level entry. *internal/logqueue.Queue
// satisfies this directly.
type LogSink interface {
	Enqueue(l db.LogEntry)
}

// Service runs the periodic balance reconciliation loop.
type Service struct {
	database *db.Database
	balances BalanceQuerier
	logs     LogSink
	interval time.Duration
	epsilon  float64
}

// NewService builds a reconciliation Service. epsilon is the minimum
// absolute divergence (in the session's currency) worth logging.
func NewService(database *db.Database, balances BalanceQuerier, logs LogSink, interval time.Duration, epsilon float64) *Service {
	if epsilon <= 0 {
		epsilon = 0.01
	}
	return &Service{database: database, balances: balances, logs: logs, interval: interval, epsilon: epsilon}
}

// Start runs Reconcile on a ticker until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	if s.balances == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.Reconcile(ctx); err != nil {
					log.Printf("reconciliation: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Reconcile compares every active session's venue balance against its
// locally tracked session balance once. A session's "local" value is
// initialCapital + sessionBalance, since sessionBalance is a running
// delta from the session's starting capital, not an absolute account
// value.
func (s *Service) Reconcile(ctx context.Context) error {
	sessions, err := s.database.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("reconciliation: list active sessions: %w", err)
	}

	for _, sess := range sessions {
		bal, err := s.balances.QueryBalance(ctx, sess.UserID)
		if err != nil {
			continue // a failed balance query is not itself drift; skip and retry next tick
		}

		local := sess.InitialCapital + sess.SessionBalance
		diff := bal.Amount - local
		if math.Abs(diff) <= s.epsilon {
			continue
		}

		s.logDrift(sess.UserID, local, bal.Amount, diff)
	}
	return nil
}

func (s *Service) logDrift(userID string, local, venueBalance, diff float64) {
	message := fmt.Sprintf("balance drift detected: local %.2f vs venue %.2f (diff %.2f)", local, venueBalance, diff)
	if s.logs != nil {
		s.logs.Enqueue(db.LogEntry{UserID: userID, SessionID: userID, Type: db.LogTypeAlerta, Message: message, TimestampMs: time.Now().UnixMilli()})
		return
	}
	log.Printf("reconciliation: user %s: %s", userID, message)
}
