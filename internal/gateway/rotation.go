package gateway

import (
	"context"
	"fmt"
	"log"

	"zenixcore/pkg/crypto"
	"zenixcore/pkg/db"
)

// RotateTokens re-encrypts every session's stored venue token that was
// encrypted with an older key version than km.CurrentVersion(). It is an
// operator-triggered maintenance pass, not part of the steady-state
// request path. It stops at the first error and returns the number of
// tokens already rotated (and persisted) before it.
func RotateTokens(ctx context.Context, database *db.Database, km *crypto.KeyManager) (int, error) {
	sessions, err := database.ListAllSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("gateway: list sessions for rotation: %w", err)
	}

	current := km.CurrentVersion()
	rotated := 0
	for _, s := range sessions {
		if s.VenueTokenKeyVersion == current {
			continue
		}
		reEncrypted, err := km.ReEncrypt(s.VenueTokenEncrypted)
		if err != nil {
			return rotated, fmt.Errorf("gateway: re-encrypt token for %s: %w", s.UserID, err)
		}
		if err := database.UpdateSessionToken(ctx, s.UserID, reEncrypted, current); err != nil {
			return rotated, fmt.Errorf("gateway: persist rotated token for %s: %w", s.UserID, err)
		}
		rotated++
	}
	log.Printf("gateway: rotated %d of %d session token(s) to key version %d", rotated, len(sessions), current)
	return rotated, nil
}
