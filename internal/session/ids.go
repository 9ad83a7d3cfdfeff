package session

import "github.com/google/uuid"

// NewSessionID generates a fresh session identifier, unique per race.
func NewSessionID() string {
	return uuid.NewString()
}

// NewSenderID generates a fresh sender identifier, unique per device,
// meant to be generated once at process start and reused across sessions.
func NewSenderID() string {
	return uuid.NewString()
}
