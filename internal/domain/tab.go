// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const MaxTokenLen = 64

var (
	ErrTokenTooLong = errors.New("tab token too long")
	ErrTokenEmpty   = errors.New("tab token empty")
)

// TabID identifies a tab for the lifetime of the relay process.
// Zero is never assigned and means "unidentified".
type TabID int

func (id TabID) String() string { return strconv.Itoa(int(id)) }

// Valid reports whether id could have been assigned by the relay.
func (id TabID) Valid() bool { return id > 0 }

// TabToken is the client-chosen key that maps a reconnecting tab back to its id.
type TabToken string

type Tab struct {
	ID          TabID     `json:"id"`
	Token       TabToken  `json:"-"`
	ConnectedAt time.Time `json:"connected_at"`
}

// NewTabToken is what clients use when they have no token yet.
func NewTabToken() TabToken {
	return TabToken(uuid.NewString())
}

func ParseTabToken(raw string) (TabToken, error) {
	if len(raw) == 0 {
		return "", ErrTokenEmpty
	}
	if len(raw) > MaxTokenLen {
		return "", ErrTokenTooLong
	}
	return TabToken(raw), nil
}
