package auth

import (
	"crypto/rand"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
)

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func CheckPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// UnusableHash hashes 32 random bytes nobody ever sees. Synthetic identities get one
// so the column is never empty, but no password can match it.
func UnusableHash() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	b, err := bcrypt.GenerateFromPassword([]byte(hex.EncodeToString(buf)), bcrypt.MinCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
