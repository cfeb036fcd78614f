// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"errors"
	"strings"

	"github.com/ashureev/pairchat/internal/domain"
)

// Status strings surfaced to the UI. None of them are fatal.
const (
	StatusOK          = "ok"
	StatusNoIdentity  = "not signed in"
	StatusStoreBusy   = "store busy"
	StatusOffline     = "offline"
	StatusSyncFailed  = "sync failed"
	StatusInvalidPeer = "invalid conversation"
)

// Status maps an engine error to a non-fatal status string.
func Status(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, domain.ErrNoIdentity):
		return StatusNoIdentity
	case errors.Is(err, domain.ErrInvalidID):
		return StatusInvalidPeer
	case IsStoreConflictError(err):
		return StatusStoreBusy
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StatusOffline
	default:
		return StatusSyncFailed
	}
}

// conflictMarkers are the error texts of a store that is momentarily
// unavailable to writers: SQLite busy/locked and a closed Pebble handle.
var conflictMarkers = []string{
	"SQLITE_BUSY",
	"database is locked",
	"pebble: closed",
}

// IsStoreConflictError reports whether err is a transient store concurrency
// error. The engine surfaces it as a busy status and relies on the next draft
// tick instead of retrying.
func IsStoreConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range conflictMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
