package crypto

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrRotationNotAuthorized is returned when the supplied passphrase does
// not match the configured rotation passphrase hash.
var ErrRotationNotAuthorized = errors.New("rotation passphrase does not match")

// HashRotationPassphrase bcrypt-hashes an operator passphrase for storage
// in KEY_ROTATION_PASSPHRASE_HASH. Run once when setting up rotation.
func HashRotationPassphrase(passphrase string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(passphrase), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// AuthorizeRotation checks a plaintext passphrase against the stored
// bcrypt hash before a key rotation is allowed to run. Key rotation
// re-encrypts every stored venue token, so it is gated behind an
// explicit human-entered passphrase rather than only the process's
// environment.
func AuthorizeRotation(hash, passphrase string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(passphrase)); err != nil {
		return ErrRotationNotAuthorized
	}
	return nil
}
