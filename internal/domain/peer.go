// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxPeerIDLen      = 36
	MaxDisplayNameLen = 36
	MaxAvatarRefLen   = 256
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrPeerIDInvalid      = errors.New("peer id invalid")
	ErrAvatarRefTooLong   = errors.New("avatar ref too long")
)

// PeerID is stable for the lifetime of a room session and unique within a room.
type PeerID string

func NewPeerID() PeerID { return PeerID(uuid.NewString()) }

func (id PeerID) Validate() error {
	if len(id) == 0 || len(id) > MaxPeerIDLen {
		return ErrPeerIDInvalid
	}
	return nil
}
