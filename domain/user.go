package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

type User struct {
	ID            string
	Username      string
	DisplayName   string
	Avatar        string
	CreationTime  time.Time
	InstanceCount int
}

var ErrUserNotFound = errors.New("user not found")

// UserToken derives the stable identifier passed to deployers in place of the
// raw user id, so provisioned resource names never leak the identity.
func UserToken(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:])[:16]
}
