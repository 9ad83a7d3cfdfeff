package session

import (
	"crypto/rand"
	"strings"
)

// roomCodeAlphabet is the 32-character unambiguous alphabet (no 0/O, 1/I,
// etc.) room codes are drawn from. Its length is a power of two so a
// single random byte masked to 5 bits indexes it without modulo bias.
const roomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const roomCodeLength = 6

// NewRoomCode generates a fresh 6-character room code.
func NewRoomCode() (string, error) {
	buf := make([]byte, roomCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	var b strings.Builder
	b.Grow(roomCodeLength)
	for _, v := range buf {
		b.WriteByte(roomCodeAlphabet[v&0x1f])
	}
	return b.String(), nil
}

// NormalizeRoomCode uppercases code and validates it is exactly 6
// characters from the room-code alphabet.
func NormalizeRoomCode(code string) (string, error) {
	upper := strings.ToUpper(code)
	if len(upper) != roomCodeLength {
		return "", ErrInvalidRoomCode
	}
	for _, r := range upper {
		if !strings.ContainsRune(roomCodeAlphabet, r) {
			return "", ErrInvalidRoomCode
		}
	}
	return upper, nil
}

// ChannelName returns the broadcast channel name for a room code.
func ChannelName(roomCode string) string {
	return "race-" + roomCode
}
