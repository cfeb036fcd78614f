package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoIdentity is returned when an operation runs without a current user.
	// Operations short-circuit before attempting any write.
	ErrNoIdentity = errors.New("no authenticated user")

	// ErrInvalidID is returned for empty participant IDs or IDs that would
	// break the store key layout.
	ErrInvalidID = errors.New("invalid participant id")
)

// ValidateID checks that id can be used as a participant identifier.
func ValidateID(id string) error {
	if id == "" || strings.Contains(id, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// ValidatePair checks the (self, peer) pair of a conversation.
// An empty self ID means there is no current user.
func ValidatePair(selfID, peerID string) error {
	if selfID == "" {
		return ErrNoIdentity
	}
	if err := ValidateID(selfID); err != nil {
		return err
	}
	if err := ValidateID(peerID); err != nil {
		return err
	}
	if selfID == peerID {
		return fmt.Errorf("%w: conversation with self", ErrInvalidID)
	}
	return nil
}
