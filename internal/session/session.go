// Package session tracks who is viewing or editing each page. Sessions are
// ephemeral: they live in memory, are optionally mirrored to Redis for
// cluster-wide presence, and expire when heartbeats stop.
package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionLeft is the end reason for an explicit Leave.
	ErrSessionLeft = errors.New("session left")
)

// SessionTimeoutError is the end reason for sessions evicted by the sweep.
type SessionTimeoutError struct {
	SessionID string
	IdleFor   time.Duration
}

func (e *SessionTimeoutError) Error() string {
	return fmt.Sprintf("session %s timed out after %s idle", e.SessionID, e.IdleFor.Round(time.Millisecond))
}

type Session struct {
	ID              string    `json:"sessionId"`
	UserID          string    `json:"userId"`
	PageEntityID    string    `json:"pageEntityId"`
	Anchor          int       `json:"anchor"`
	Head            int       `json:"head"`
	Seq             uint64    `json:"seq"`
	JoinedAt        time.Time `json:"joinedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}
