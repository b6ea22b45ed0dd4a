package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/mcnijman/go-emailaddress"
)

const channelKeyPrefix = "notifications"

// Identity is the signed-in user as reported by the session provider.
type Identity struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
}

// Resolved reports whether id is complete enough to subscribe with.
func (id *Identity) Resolved() bool {
	if id == nil || id.UserID <= 0 || id.Email == "" {
		return false
	}
	_, err := emailaddress.Parse(id.Email)
	return err == nil
}

// ChannelKey derives the push subscription key for id. An empty key means no
// subscription should exist. The email is hashed verbatim, so any change to
// either field yields a different key.
func ChannelKey(id *Identity) string {
	if !id.Resolved() {
		return ""
	}
	sum := sha256.Sum256([]byte(id.Email))
	return channelKeyPrefix + "." + strconv.FormatInt(id.UserID, 10) + "." + hex.EncodeToString(sum[:])
}
