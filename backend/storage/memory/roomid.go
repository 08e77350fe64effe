package memory

import (
	"crypto/rand"
	"math/big"
	"regexp"
)

const (
	roomIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	RoomIDLength   = 8
)

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9]{6,8}$`)

// GenerateRoomID returns a random base62 room id of RoomIDLength characters.
func GenerateRoomID() (string, error) {
	id := make([]byte, RoomIDLength)
	max := big.NewInt(int64(len(roomIDAlphabet)))
	for i := range id {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		id[i] = roomIDAlphabet[n.Int64()]
	}
	return string(id), nil
}

// IsValidRoomID reports whether id has the shape clients may address rooms with.
func IsValidRoomID(id string) bool {
	return roomIDPattern.MatchString(id)
}
